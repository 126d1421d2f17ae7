// Package session drives a measurement run through its phases and keeps
// the saved results of past runs.
package session

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NodePath81/fbquality/internal/clock"
	"github.com/NodePath81/fbquality/internal/probe"
	"github.com/NodePath81/fbquality/internal/region"
	"github.com/NodePath81/fbquality/internal/sample"
	"github.com/NodePath81/fbquality/internal/stats"
	"github.com/NodePath81/fbquality/internal/transport"
	"github.com/NodePath81/fbquality/internal/util"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

type Mode string

const (
	ModeStandard  Mode = "standard"
	ModeStability Mode = "stability"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeStandard:
		return ModeStandard, nil
	case ModeStability:
		return ModeStability, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

var (
	ErrRunning       = errors.New("a test is running")
	ErrNotRunning    = errors.New("no test is running")
	ErrUnknownRegion = region.ErrUnknown
	ErrInvalidMode   = errors.New("invalid test mode")
)

const (
	DefaultWarmup           = 5 * time.Second
	DefaultLoad             = 30 * time.Second
	DefaultStability        = 60 * time.Second
	DefaultProgressInterval = 100 * time.Millisecond

	DefaultMinSpeedCapMbps    = 5.0
	DefaultSpeedCapMarginMbps = 10.0
)

type Config struct {
	Warmup           time.Duration
	Load             time.Duration
	Stability        time.Duration
	ProgressInterval time.Duration

	// The stability cap is max(MinSpeedCapMbps, recommended - SpeedCapMarginMbps).
	MinSpeedCapMbps    float64
	SpeedCapMarginMbps float64

	Latency    probe.LatencyConfig
	Throughput probe.ThroughputConfig
}

func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Warmup <= 0 {
		c.Warmup = DefaultWarmup
	}
	if c.Load <= 0 {
		c.Load = DefaultLoad
	}
	if c.Stability <= 0 {
		c.Stability = DefaultStability
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.MinSpeedCapMbps <= 0 {
		c.MinSpeedCapMbps = DefaultMinSpeedCapMbps
	}
	if c.SpeedCapMarginMbps <= 0 {
		c.SpeedCapMarginMbps = DefaultSpeedCapMarginMbps
	}
	if c.Latency.Interval <= 0 {
		c.Latency.Interval = probe.DefaultLatencyInterval
	}
	if c.Latency.Timeout <= 0 {
		c.Latency.Timeout = probe.DefaultLatencyTimeout
	}
	if len(c.Throughput.Targets) == 0 {
		c.Throughput.Targets = region.DefaultSpeedTargets()
	}
	return c
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithSpawn replaces the goroutine launcher used by both probers.
func WithSpawn(s probe.Spawn) Option {
	return func(o *Orchestrator) { o.spawn = s }
}

func WithLogger(l util.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEventHandler registers fn to observe state changes. fn is called
// without any orchestrator lock held and may read the orchestrator.
func WithEventHandler(fn func(Event)) Option {
	return func(o *Orchestrator) { o.onEvent = fn }
}

// Orchestrator owns one run at a time. Commands are serialised by cmdMu;
// run state is guarded by mu. Lock order is cmdMu, mu, then prober locks.
type Orchestrator struct {
	cfg     Config
	clock   clock.Clock
	spawn   probe.Spawn
	logger  util.Logger
	onEvent func(Event)

	catalog *region.Catalog
	latency *probe.LatencyProber
	speed   *probe.ThroughputProber
	phase   sample.PhaseRef
	history *History

	cmdMu sync.Mutex

	mu        sync.Mutex
	status    Status
	mode      Mode
	runID     uint64
	samples   sample.Log
	failed    int
	progress  float64
	startedAt time.Time
	loadStart time.Time
	capMbps   *float64
	selected  region.Region
	runRegion region.Region
	timers    runTimers
}

type runTimers struct {
	warmup   clock.Timer
	phase    clock.Timer
	progress clock.Timer
}

func (t *runTimers) stop() {
	for _, tm := range []clock.Timer{t.warmup, t.phase, t.progress} {
		if tm != nil {
			tm.Stop()
		}
	}
	*t = runTimers{}
}

func New(cfg Config, catalog *region.Catalog, tr transport.Transport, opts ...Option) *Orchestrator {
	if catalog == nil {
		catalog = region.DefaultCatalog()
	}
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		catalog:  catalog,
		history:  &History{},
		status:   StatusIdle,
		mode:     ModeStandard,
		selected: catalog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.logger == nil {
		o.logger = util.DiscardLogger()
	}
	env := probe.Env{Clock: o.clock, Spawn: o.spawn, Logger: o.logger}
	o.speed = probe.NewThroughputProber(o.cfg.Throughput, tr, env)
	o.latency = probe.NewLatencyProber(o.cfg.Latency, tr, &o.phase, o.speed, env)
	o.phase.Store(sample.PhaseIdle)
	return o
}

// Start begins a run in mode against the selected region.
func (o *Orchestrator) Start(mode Mode) error {
	if mode != ModeStandard && mode != ModeStability {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	o.mu.Lock()
	if o.status == StatusRunning {
		o.mu.Unlock()
		return ErrRunning
	}
	o.runID++
	runID := o.runID
	now := o.clock.Now()
	o.status = StatusRunning
	o.mode = mode
	o.samples.Reset()
	o.failed = 0
	o.progress = 0
	o.capMbps = nil
	o.startedAt = now
	o.loadStart = time.Time{}
	o.runRegion = o.selected
	o.phase.Store(sample.PhaseWarmup)
	o.timers.warmup = o.clock.AfterFunc(o.cfg.Warmup, func() { o.endWarmup(runID) })
	o.timers.progress = o.clock.AfterFunc(o.cfg.ProgressInterval, func() { o.tickProgress(runID) })
	target := o.runRegion.Target
	ev := o.stateEventLocked(now)
	o.mu.Unlock()

	o.logger.Info("test started", "run", runID, "mode", mode, "region", o.runRegion.ID, "target", target)
	o.emit(ev)

	o.speed.Reset()
	o.speed.Start()
	o.latency.Start(target, runRecorder{o: o, runID: runID})
	return nil
}

// Stop cancels the running test. Collected samples are kept.
func (o *Orchestrator) Stop() error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	o.mu.Lock()
	if o.status != StatusRunning {
		o.mu.Unlock()
		return ErrNotRunning
	}
	o.timers.stop()
	o.status = StatusStopped
	o.phase.Store(sample.PhaseIdle)
	runID := o.runID
	ev := o.stateEventLocked(o.clock.Now())
	o.mu.Unlock()

	o.stopProbers()
	o.logger.Info("test stopped", "run", runID)
	o.emit(ev)
	return nil
}

// Save packages the last run into a Result and prepends it to history. An
// empty label becomes "Test #N".
func (o *Orchestrator) Save(label string) (Result, error) {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	o.mu.Lock()
	if o.status == StatusRunning {
		o.mu.Unlock()
		return Result{}, ErrRunning
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = fmt.Sprintf("Test #%d", o.history.Len()+1)
	}
	reg := o.runRegion
	if reg.ID == "" {
		reg = o.selected
	}
	now := o.clock.Now()
	res := Result{
		ID:        newResultID(),
		Label:     label,
		CreatedAt: now,
		Stats:     stats.Compute(o.samples.Filter(sample.NotStability), o.failed),
		Samples:   o.samples.Snapshot(),
		Mode:      o.mode,
		Region:    reg,
	}
	o.history.Add(res)
	o.clearLocked()
	ev := o.stateEventLocked(now)
	o.mu.Unlock()

	o.speed.Reset()
	o.logger.Info("result saved", "id", res.ID, "label", res.Label, "score", res.Stats.Score, "grade", res.Stats.Grade)
	o.emit(ev)
	saved := res
	o.emit(Event{Kind: EventSaved, At: now, Status: ev.Status, Phase: ev.Phase, Result: &saved})
	return res, nil
}

// Discard drops the last run without saving it.
func (o *Orchestrator) Discard() error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	o.mu.Lock()
	if o.status == StatusRunning {
		o.mu.Unlock()
		return ErrRunning
	}
	o.clearLocked()
	ev := o.stateEventLocked(o.clock.Now())
	o.mu.Unlock()

	o.speed.Reset()
	o.logger.Debug("run discarded")
	o.emit(ev)
	return nil
}

func (o *Orchestrator) SelectRegion(id string) error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == StatusRunning {
		return ErrRunning
	}
	r, ok := o.catalog.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRegion, id)
	}
	o.selected = r
	return nil
}

func (o *Orchestrator) clearLocked() {
	o.status = StatusIdle
	o.samples.Reset()
	o.failed = 0
	o.progress = 0
	o.capMbps = nil
}

func (o *Orchestrator) stopProbers() {
	o.latency.Stop()
	o.speed.Stop()
}

func (o *Orchestrator) endWarmup(runID uint64) {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	o.mu.Lock()
	if o.runID != runID || o.status != StatusRunning {
		o.mu.Unlock()
		return
	}
	now := o.clock.Now()
	o.samples.Reset()
	o.failed = 0
	o.loadStart = now
	o.timers.warmup = nil
	o.phase.Store(sample.PhaseLoad)
	o.timers.phase = o.clock.AfterFunc(o.cfg.Load, func() { o.endLoad(runID) })
	ev := o.stateEventLocked(now)
	o.mu.Unlock()

	o.logger.Debug("warmup finished", "run", runID)
	o.emit(ev)
}

func (o *Orchestrator) endLoad(runID uint64) {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	o.mu.Lock()
	if o.runID != runID || o.status != StatusRunning {
		o.mu.Unlock()
		return
	}
	if o.mode != ModeStability {
		o.finishLocked()
		return
	}
	now := o.clock.Now()
	loadStats := stats.Compute(o.samples.Filter(sample.NotStability), 0)
	capMbps := math.Max(o.cfg.MinSpeedCapMbps, loadStats.RecommendedBitrate-o.cfg.SpeedCapMarginMbps)
	o.capMbps = util.FloatPtr(capMbps)
	o.speed.SetCap(capMbps)
	o.phase.Store(sample.PhaseStability)
	o.timers.phase = o.clock.AfterFunc(o.cfg.Stability, func() { o.endStability(runID) })
	ev := o.stateEventLocked(now)
	o.mu.Unlock()

	o.logger.Info("stability phase started", "run", runID, "cap_mbps", capMbps, "recommended_mbps", loadStats.RecommendedBitrate)
	o.emit(ev)
}

func (o *Orchestrator) endStability(runID uint64) {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	o.mu.Lock()
	if o.runID != runID || o.status != StatusRunning {
		o.mu.Unlock()
		return
	}
	o.finishLocked()
}

// finishLocked completes the run and releases mu. Callers hold cmdMu.
func (o *Orchestrator) finishLocked() {
	o.timers.stop()
	o.status = StatusCompleted
	o.progress = 100
	o.capMbps = nil
	o.phase.Store(sample.PhaseIdle)
	runID := o.runID
	count, failed := o.samples.Len(), o.failed
	ev := o.stateEventLocked(o.clock.Now())
	o.mu.Unlock()

	o.speed.SetCap(0)
	o.stopProbers()
	o.logger.Info("test completed", "run", runID, "samples", count, "failed", failed)
	o.emit(ev)
}

func (o *Orchestrator) tickProgress(runID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runID != runID || o.status != StatusRunning {
		return
	}
	o.progress = o.progressLocked(o.clock.Now())
	o.timers.progress = o.clock.AfterFunc(o.cfg.ProgressInterval, func() { o.tickProgress(runID) })
}

func (o *Orchestrator) progressLocked(now time.Time) float64 {
	if o.phase.Load() == sample.PhaseWarmup || o.loadStart.IsZero() {
		return 0
	}
	total := o.cfg.Load
	if o.mode == ModeStability {
		total += o.cfg.Stability
	}
	p := float64(now.Sub(o.loadStart)) / float64(total) * 100
	return util.ClampFloat(p, 0, 100)
}

type runRecorder struct {
	o     *Orchestrator
	runID uint64
}

func (r runRecorder) RecordSample(s sample.Sample) {
	o := r.o
	o.mu.Lock()
	if o.runID != r.runID || o.status != StatusRunning {
		o.mu.Unlock()
		return
	}
	o.samples.Append(s)
	status := o.status
	o.mu.Unlock()

	o.emit(Event{Kind: EventSample, RunID: r.runID, At: s.ObservedAt, Status: status, Phase: s.Phase, Sample: &s})
}

func (r runRecorder) RecordFailure() {
	o := r.o
	o.mu.Lock()
	if o.runID != r.runID || o.status != StatusRunning {
		o.mu.Unlock()
		return
	}
	o.failed++
	status := o.status
	o.mu.Unlock()

	o.emit(Event{Kind: EventFailure, RunID: r.runID, At: o.clock.Now(), Status: status, Phase: o.phase.Load()})
}

func newResultID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
