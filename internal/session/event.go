package session

import (
	"time"

	"github.com/NodePath81/fbquality/internal/sample"
)

type EventKind string

const (
	// EventState reports a status or phase change.
	EventState   EventKind = "state"
	EventSample  EventKind = "sample"
	EventFailure EventKind = "failure"
	EventSaved   EventKind = "saved"
)

type Event struct {
	Kind     EventKind      `json:"kind"`
	RunID    uint64         `json:"run_id,omitempty"`
	At       time.Time      `json:"at"`
	Status   Status         `json:"status"`
	Phase    sample.Phase   `json:"phase"`
	Progress float64        `json:"progress"`
	Sample   *sample.Sample `json:"sample,omitempty"`
	Result   *Result        `json:"result,omitempty"`
}

func (o *Orchestrator) stateEventLocked(at time.Time) Event {
	return Event{
		Kind:     EventState,
		RunID:    o.runID,
		At:       at,
		Status:   o.status,
		Phase:    o.phase.Load(),
		Progress: o.progress,
	}
}

func (o *Orchestrator) emit(ev Event) {
	if o.onEvent != nil {
		o.onEvent(ev)
	}
}
