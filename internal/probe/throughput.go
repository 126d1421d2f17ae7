package probe

import (
	"context"
	"sync"
	"time"

	"github.com/NodePath81/fbquality/internal/clock"
	"github.com/NodePath81/fbquality/internal/transport"
	"github.com/NodePath81/fbquality/internal/util"
)

const (
	DefaultDownloadTimeout = 10 * time.Second
	DefaultNoiseFloor      = 50 * time.Millisecond
	DefaultRetryDelay      = 50 * time.Millisecond
	DefaultDownloadGap     = 100 * time.Millisecond
	DefaultFailureBackoff  = 500 * time.Millisecond
)

type ThroughputConfig struct {
	Targets []string
	Timeout time.Duration
	// Transfers shorter than NoiseFloor are discarded and retried after
	// RetryDelay.
	NoiseFloor time.Duration
	RetryDelay time.Duration
	Gap        time.Duration
	Backoff    time.Duration
}

func (c ThroughputConfig) withDefaults() ThroughputConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultDownloadTimeout
	}
	if c.NoiseFloor <= 0 {
		c.NoiseFloor = DefaultNoiseFloor
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Gap <= 0 {
		c.Gap = DefaultDownloadGap
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultFailureBackoff
	}
	return c
}

// ThroughputProber downloads payloads back to back, rotating to the next
// target after a failure. With a positive cap it paces itself so the
// average transfer rate does not exceed the cap, and reports the cap while
// doing so.
type ThroughputProber struct {
	cfg ThroughputConfig
	env Env
	dl  transport.Downloader

	mu      sync.Mutex
	active  bool
	gen     uint64
	index   int
	last    *float64
	capMbps float64
	timer   clock.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewThroughputProber(cfg ThroughputConfig, dl transport.Downloader, env Env) *ThroughputProber {
	return &ThroughputProber{
		cfg: cfg.withDefaults(),
		env: env.withDefaults(),
		dl:  dl,
	}
}

// Start launches the download loop from the first target. The last
// estimate survives a restart; Reset clears it.
func (p *ThroughputProber) Start() {
	p.mu.Lock()
	if len(p.cfg.Targets) == 0 {
		p.mu.Unlock()
		p.env.Logger.Warn("throughput prober has no targets")
		return
	}
	p.stopLocked()
	p.gen++
	p.index = 0
	p.active = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	gen := p.gen
	p.mu.Unlock()

	p.env.Spawn(func() { p.step(gen) })
}

// Stop halts the loop and aborts any in-flight download.
func (p *ThroughputProber) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

func (p *ThroughputProber) stopLocked() {
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

func (p *ThroughputProber) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// SetCap sets the pacing cap in Mbps. Zero or negative removes it.
func (p *ThroughputProber) SetCap(mbps float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mbps < 0 {
		mbps = 0
	}
	p.capMbps = mbps
}

// Cap returns the active cap, nil when uncapped.
func (p *ThroughputProber) Cap() *float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.capMbps <= 0 {
		return nil
	}
	return util.FloatPtr(p.capMbps)
}

func (p *ThroughputProber) Current() *float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return util.CopyFloatPtr(p.last)
}

// Reset forgets the last estimate and the cap.
func (p *ThroughputProber) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = nil
	p.capMbps = 0
	p.index = 0
}

// TargetIndex reports which target the next download will use.
func (p *ThroughputProber) TargetIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index
}

func (p *ThroughputProber) step(gen uint64) {
	p.mu.Lock()
	if !p.active || p.gen != gen {
		p.mu.Unlock()
		return
	}
	target := p.cfg.Targets[p.index]
	ctx := p.ctx
	p.mu.Unlock()

	res, err := p.dl.Download(ctx, target, p.cfg.Timeout)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.index = (p.index + 1) % len(p.cfg.Targets)
		if !p.active || p.gen != gen {
			return
		}
		p.env.Logger.Debug("throughput download failed", "target", target, "error", err)
		p.scheduleLocked(gen, p.cfg.Backoff)
		return
	}
	if !p.active || p.gen != gen {
		return
	}
	if res.Elapsed < p.cfg.NoiseFloor {
		p.scheduleLocked(gen, p.cfg.RetryDelay)
		return
	}

	bits := float64(res.Bytes) * 8
	seconds := res.Elapsed.Seconds()
	mbps := bits / seconds / 1e6
	if p.capMbps > 0 {
		wait := bits/(p.capMbps*1e6) - seconds
		if wait > 0 {
			p.last = util.FloatPtr(p.capMbps)
			p.scheduleLocked(gen, time.Duration(wait*float64(time.Second)))
			return
		}
	}
	p.last = util.FloatPtr(mbps)
	p.scheduleLocked(gen, p.cfg.Gap)
}

func (p *ThroughputProber) scheduleLocked(gen uint64, d time.Duration) {
	p.timer = p.env.Clock.AfterFunc(d, func() {
		p.env.Spawn(func() { p.step(gen) })
	})
}
