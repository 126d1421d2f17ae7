package sample

// Log is the ordered sequence of samples for one run. Order is insertion
// order, which is completion order rather than dispatch order; callers that
// need temporal order use Seq or ObservedAt.
//
// Log does no locking of its own; its owner serialises access.
type Log struct {
	items []Sample
}

func (l *Log) Append(s Sample) {
	l.items = append(l.items, s)
}

func (l *Log) Reset() {
	l.items = nil
}

func (l *Log) Len() int {
	return len(l.items)
}

// Snapshot returns a copy of every sample.
func (l *Log) Snapshot() []Sample {
	out := make([]Sample, len(l.items))
	copy(out, l.items)
	return out
}

// Filter returns a copy of the samples whose phase satisfies keep.
func (l *Log) Filter(keep func(Phase) bool) []Sample {
	out := make([]Sample, 0, len(l.items))
	for _, s := range l.items {
		if keep(s.Phase) {
			out = append(out, s)
		}
	}
	return out
}

// Last returns the most recently appended sample.
func (l *Log) Last() (Sample, bool) {
	if len(l.items) == 0 {
		return Sample{}, false
	}
	return l.items[len(l.items)-1], true
}

// NotStability keeps every phase except the capped stability phase.
func NotStability(p Phase) bool {
	return p != PhaseStability
}

// OnlyStability keeps the capped stability phase.
func OnlyStability(p Phase) bool {
	return p == PhaseStability
}
