package stats

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGradeFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score float64
		want  Grade
	}{
		{100, GradeS},
		{95, GradeS},
		{94.99, GradeA},
		{85, GradeA},
		{84.9, GradeB},
		{75, GradeB},
		{60, GradeC},
		{59.9, GradeD},
		{45, GradeD},
		{44.9, GradeF},
		{0, GradeF},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GradeFor(tt.score), "score %v", tt.score)
	}
}

func TestVerdictCoversEveryGrade(t *testing.T) {
	t.Parallel()

	seen := map[string]Grade{}
	for _, g := range []Grade{GradeS, GradeA, GradeB, GradeC, GradeD, GradeF, GradeNone} {
		v := Verdict(g)
		assert.NotEmpty(t, v)
		if prev, ok := seen[v]; ok {
			t.Fatalf("grades %s and %s share verdict %q", prev, g, v)
		}
		seen[v] = g
	}
}

func TestBetterOrdering(t *testing.T) {
	t.Parallel()

	entries := []Stats{
		{Score: 80, Avg: 30, AvgJitter: 5},
		{Score: 90, Avg: 50, AvgJitter: 5},
		{Score: 80, Avg: 20, AvgJitter: 9},
		{Score: 80, Avg: 20, AvgJitter: 3},
	}
	sort.SliceStable(entries, func(i, j int) bool { return Better(entries[i], entries[j]) })

	assert.Equal(t, 90.0, entries[0].Score)
	assert.Equal(t, 3.0, entries[1].AvgJitter)
	assert.Equal(t, 9.0, entries[2].AvgJitter)
	assert.Equal(t, 30.0, entries[3].Avg)
}
