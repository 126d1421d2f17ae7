package probe

import (
	"context"
	"sync"
	"time"

	"github.com/NodePath81/fbquality/internal/clock"
	"github.com/NodePath81/fbquality/internal/sample"
	"github.com/NodePath81/fbquality/internal/transport"
)

const (
	DefaultLatencyInterval = 500 * time.Millisecond
	DefaultLatencyTimeout  = 5 * time.Second
)

type LatencyConfig struct {
	Interval time.Duration
	// Timeout bounds a single probe; zero leaves it to the transport.
	Timeout time.Duration
}

// LatencyProber dispatches one ping per interval without waiting for the
// previous one. Sequence numbers are assigned at dispatch; jitter is derived
// against the previous successful completion.
type LatencyProber struct {
	cfg        LatencyConfig
	env        Env
	pinger     transport.Pinger
	phase      *sample.PhaseRef
	throughput ThroughputSource

	mu     sync.Mutex
	active bool
	gen    uint64
	seq    uint64
	prev   *float64
	target string
	rec    Recorder
	timer  clock.Timer
	cancel context.CancelFunc
	ctx    context.Context
}

func NewLatencyProber(cfg LatencyConfig, pinger transport.Pinger, phase *sample.PhaseRef, throughput ThroughputSource, env Env) *LatencyProber {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultLatencyInterval
	}
	if phase == nil {
		phase = &sample.PhaseRef{}
	}
	if throughput == nil {
		throughput = noThroughput{}
	}
	return &LatencyProber{
		cfg:        cfg,
		env:        env.withDefaults(),
		pinger:     pinger,
		phase:      phase,
		throughput: throughput,
	}
}

// Start begins a fresh probing run against target. The first probe is
// dispatched immediately. Any previous run is stopped and its outstanding
// completions are ignored.
func (p *LatencyProber) Start(target string, rec Recorder) {
	p.mu.Lock()
	p.stopLocked()
	p.gen++
	p.active = true
	p.seq = 0
	p.prev = nil
	p.target = target
	p.rec = rec
	p.ctx, p.cancel = context.WithCancel(context.Background())
	gen := p.gen
	p.mu.Unlock()

	p.env.Logger.Debug("latency prober started", "target", target, "interval", p.cfg.Interval)
	p.tick(gen)
}

func (p *LatencyProber) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *LatencyProber) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *LatencyProber) stopLocked() {
	if !p.active {
		return
	}
	p.active = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *LatencyProber) tick(gen uint64) {
	p.mu.Lock()
	if !p.active || p.gen != gen {
		p.mu.Unlock()
		return
	}
	seq := p.seq
	p.seq++
	ctx, target := p.ctx, p.target
	p.timer = p.env.Clock.AfterFunc(p.cfg.Interval, func() { p.tick(gen) })
	p.mu.Unlock()

	p.env.Spawn(func() { p.probe(ctx, gen, seq, target) })
}

func (p *LatencyProber) probe(ctx context.Context, gen, seq uint64, target string) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	rtt, err := p.pinger.Ping(ctx, target)

	// Phase and throughput are read at completion.
	phase := p.phase.Load()
	speed := p.throughput.Current()

	p.mu.Lock()
	if !p.active || p.gen != gen {
		p.mu.Unlock()
		return
	}
	rec := p.rec
	if err != nil {
		p.prev = nil
		p.mu.Unlock()
		p.env.Logger.Debug("latency probe failed", "seq", seq, "target", target, "error", err)
		rec.RecordFailure()
		return
	}
	ms := float64(rtt) / float64(time.Millisecond)
	s := sample.New(seq, p.env.Clock.Now(), ms, p.prev, speed, phase)
	p.prev = &ms
	p.mu.Unlock()

	rec.RecordSample(s)
}
