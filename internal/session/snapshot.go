package session

import (
	"time"

	"github.com/NodePath81/fbquality/internal/region"
	"github.com/NodePath81/fbquality/internal/sample"
	"github.com/NodePath81/fbquality/internal/stats"
	"github.com/NodePath81/fbquality/internal/util"
)

// Snapshot is a consistent view of the current run.
type Snapshot struct {
	At             time.Time     `json:"at"`
	RunID          uint64        `json:"run_id"`
	Status         Status        `json:"status"`
	Phase          sample.Phase  `json:"phase"`
	Mode           Mode          `json:"mode"`
	Progress       float64       `json:"progress"`
	Region         region.Region `json:"region"`
	RunRegion      region.Region `json:"run_region"`
	StartedAt      time.Time     `json:"started_at"`
	SampleCount    int           `json:"sample_count"`
	FailedCount    int           `json:"failed_count"`
	SpeedCapMbps   *float64      `json:"speed_cap_mbps"`
	ThroughputMbps *float64      `json:"throughput_mbps"`
	Stats          stats.Stats   `json:"stats"`
	CappedStats    stats.Stats   `json:"capped_stats"`
	HistoryCount   int           `json:"history_count"`
}

func (o *Orchestrator) Snapshot() Snapshot {
	throughput := o.speed.Current()
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		At:             o.clock.Now(),
		RunID:          o.runID,
		Status:         o.status,
		Phase:          o.phase.Load(),
		Mode:           o.mode,
		Progress:       o.progress,
		Region:         o.selected,
		RunRegion:      o.runRegion,
		StartedAt:      o.startedAt,
		SampleCount:    o.samples.Len(),
		FailedCount:    o.failed,
		SpeedCapMbps:   util.CopyFloatPtr(o.capMbps),
		ThroughputMbps: throughput,
		Stats:          o.statsLocked(),
		CappedStats:    o.cappedStatsLocked(),
		HistoryCount:   o.history.Len(),
	}
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) Phase() sample.Phase {
	return o.phase.Load()
}

func (o *Orchestrator) Mode() Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// Samples returns the live log in insertion order.
func (o *Orchestrator) Samples() []sample.Sample {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.samples.Snapshot()
}

func (o *Orchestrator) FailedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failed
}

// Stats summarises the non-stability samples together with the failure
// count.
func (o *Orchestrator) Stats() stats.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.statsLocked()
}

// CappedStats summarises the stability-phase samples only.
func (o *Orchestrator) CappedStats() stats.Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cappedStatsLocked()
}

func (o *Orchestrator) Progress() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// SpeedCap returns the installed throughput cap, nil outside the stability
// phase.
func (o *Orchestrator) SpeedCap() *float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return util.CopyFloatPtr(o.capMbps)
}

func (o *Orchestrator) Throughput() *float64 {
	return o.speed.Current()
}

func (o *Orchestrator) SelectedRegion() region.Region {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selected
}

func (o *Orchestrator) Regions() []region.Region {
	return o.catalog.All()
}

func (o *Orchestrator) History() *History {
	return o.history
}

func (o *Orchestrator) statsLocked() stats.Stats {
	return stats.Compute(o.samples.Filter(sample.NotStability), o.failed)
}

func (o *Orchestrator) cappedStatsLocked() stats.Stats {
	return stats.Compute(o.samples.Filter(sample.OnlyStability), 0)
}
