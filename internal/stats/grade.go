package stats

type Grade string

const (
	GradeS    Grade = "S"
	GradeA    Grade = "A"
	GradeB    Grade = "B"
	GradeC    Grade = "C"
	GradeD    Grade = "D"
	GradeF    Grade = "F"
	GradeNone Grade = "-"
)

var gradeThresholds = []struct {
	min   float64
	grade Grade
}{
	{95, GradeS},
	{85, GradeA},
	{75, GradeB},
	{60, GradeC},
	{45, GradeD},
}

// GradeFor maps a 0-100 score to its letter grade.
func GradeFor(score float64) Grade {
	for _, t := range gradeThresholds {
		if score >= t.min {
			return t.grade
		}
	}
	return GradeF
}

// Verdict describes what a grade means for a cloud gaming session.
func Verdict(g Grade) string {
	switch g {
	case GradeS:
		return "Native feel. Suitable for competitive 4K/120fps streaming."
	case GradeA:
		return "Excellent. Smooth high-definition streaming."
	case GradeB:
		return "Great. The standard immersive cloud gaming experience."
	case GradeC:
		return "Playable. Meets typical service minimums; fine for casual games."
	case GradeD:
		return "Unstable. Frequent stutter makes most games frustrating."
	case GradeNone:
		return "No data."
	default:
		return "Unplayable. Constant lag and instability."
	}
}

// Better reports whether a ranks ahead of b: higher score first, then lower
// average latency, then lower average jitter.
func Better(a, b Stats) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Avg != b.Avg {
		return a.Avg < b.Avg
	}
	return a.AvgJitter < b.AvgJitter
}
