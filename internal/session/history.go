package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NodePath81/fbquality/internal/region"
	"github.com/NodePath81/fbquality/internal/sample"
	"github.com/NodePath81/fbquality/internal/stats"
)

var ErrUnknownResult = errors.New("unknown result")

// Result is a saved run. Stats cover every non-stability sample; Samples
// holds the full log including the stability phase.
type Result struct {
	ID        string          `json:"id"`
	Label     string          `json:"label"`
	CreatedAt time.Time       `json:"created_at"`
	Stats     stats.Stats     `json:"stats"`
	Samples   []sample.Sample `json:"samples"`
	Mode      Mode            `json:"mode"`
	Region    region.Region   `json:"region"`
}

func (r Result) Verdict() string {
	return stats.Verdict(r.Stats.Grade)
}

// History keeps saved results newest first. Results are never modified
// once added.
type History struct {
	mu      sync.RWMutex
	results []Result
}

func (h *History) Add(r Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results = append([]Result{r}, h.results...)
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.results)
}

func (h *History) List() []Result {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Result, len(h.results))
	copy(out, h.results)
	return out
}

func (h *History) Get(id string) (Result, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, r := range h.results {
		if r.ID == id {
			return r, true
		}
	}
	return Result{}, false
}

// Compare returns the named results ranked best first: higher score, then
// lower average latency, then lower jitter. With no ids every result is
// ranked.
func (h *History) Compare(ids ...string) ([]Result, error) {
	var picked []Result
	if len(ids) == 0 {
		picked = h.List()
	} else {
		seen := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			r, ok := h.Get(id)
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownResult, id)
			}
			picked = append(picked, r)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		return stats.Better(picked[i].Stats, picked[j].Stats)
	})
	return picked, nil
}
