// Package sample holds the latency sample record and the append-only log a
// measurement run collects.
package sample

import (
	"math"
	"sync/atomic"
	"time"
)

type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseWarmup    Phase = "warmup"
	PhaseLoad      Phase = "load"
	PhaseStability Phase = "stability"
)

// Sample is one successful latency probe. Samples are never modified after
// creation.
type Sample struct {
	Seq        uint64    `json:"seq"`
	ObservedAt time.Time `json:"observed_at"`
	LatencyMs  float64   `json:"latency_ms"`
	JitterMs   float64   `json:"jitter_ms"`
	// ThroughputMbps is nil until the first throughput measurement lands.
	ThroughputMbps *float64 `json:"throughput_mbps"`
	Phase          Phase    `json:"phase"`
}

// New builds a sample, deriving jitter from the previous successful latency.
// A nil prevMs yields zero jitter.
func New(seq uint64, at time.Time, latencyMs float64, prevMs *float64, throughputMbps *float64, phase Phase) Sample {
	var jitter float64
	if prevMs != nil {
		jitter = math.Abs(latencyMs - *prevMs)
	}
	var tp *float64
	if throughputMbps != nil {
		v := *throughputMbps
		tp = &v
	}
	return Sample{
		Seq:            seq,
		ObservedAt:     at,
		LatencyMs:      latencyMs,
		JitterMs:       jitter,
		ThroughputMbps: tp,
		Phase:          phase,
	}
}

// HasThroughput reports whether the sample carries a positive throughput
// reading.
func (s Sample) HasThroughput() bool {
	return s.ThroughputMbps != nil && *s.ThroughputMbps > 0
}

// PhaseRef is the live phase shared between the orchestrator, which writes
// it, and the probers, which read it when they capture a sample.
type PhaseRef struct {
	v atomic.Value
}

func (r *PhaseRef) Load() Phase {
	if p, ok := r.v.Load().(Phase); ok {
		return p
	}
	return PhaseIdle
}

func (r *PhaseRef) Store(p Phase) {
	r.v.Store(p)
}
