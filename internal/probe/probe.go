// Package probe runs the two measurement loops of a test: periodic latency
// probes and a continuous download loop that estimates throughput.
package probe

import (
	"github.com/NodePath81/fbquality/internal/clock"
	"github.com/NodePath81/fbquality/internal/sample"
	"github.com/NodePath81/fbquality/internal/util"
)

// Recorder receives latency outcomes. Calls may arrive from any goroutine
// and in completion order.
type Recorder interface {
	RecordSample(sample.Sample)
	RecordFailure()
}

// Spawn starts f without waiting for it.
type Spawn func(f func())

func goSpawn(f func()) {
	go f()
}

// Env carries the scheduling dependencies shared by both probers. Zero
// fields fall back to the real clock, goroutines and a silent logger.
type Env struct {
	Clock  clock.Clock
	Spawn  Spawn
	Logger util.Logger
}

func (e Env) withDefaults() Env {
	if e.Clock == nil {
		e.Clock = clock.Real()
	}
	if e.Spawn == nil {
		e.Spawn = goSpawn
	}
	if e.Logger == nil {
		e.Logger = util.DiscardLogger()
	}
	return e
}

// ThroughputSource exposes the most recent throughput estimate, nil while
// unknown.
type ThroughputSource interface {
	Current() *float64
}

type noThroughput struct{}

func (noThroughput) Current() *float64 { return nil }
