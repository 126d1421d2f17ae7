package probe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NodePath81/fbquality/internal/clock"
	"github.com/NodePath81/fbquality/internal/sample"
	"github.com/NodePath81/fbquality/internal/transport"
)

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func syncSpawn(f func()) { f() }

// spawnQueue holds spawned work until the test runs it, so completions can
// be reordered or delayed past a Stop.
type spawnQueue struct {
	mu    sync.Mutex
	funcs []func()
}

func (q *spawnQueue) spawn(f func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.funcs = append(q.funcs, f)
}

func (q *spawnQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.funcs)
}

func (q *spawnQueue) run(i int) {
	q.mu.Lock()
	f := q.funcs[i]
	q.mu.Unlock()
	f()
}

type recorder struct {
	mu       sync.Mutex
	samples  []sample.Sample
	failures int
}

func (r *recorder) RecordSample(s sample.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *recorder) RecordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func (r *recorder) snapshot() ([]sample.Sample, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sample.Sample, len(r.samples))
	copy(out, r.samples)
	return out, r.failures
}

var errProbe = errors.New("boom")

type pingResult struct {
	rtt time.Duration
	err error
}

// scriptedPinger replays results in order and repeats the last one.
type scriptedPinger struct {
	mu      sync.Mutex
	results []pingResult
	calls   int
}

func (p *scriptedPinger) Ping(ctx context.Context, target string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	p.calls++
	r := p.results[i]
	if r.err != nil {
		return 0, r.err
	}
	return r.rtt, nil
}

type fixedThroughput struct{ v *float64 }

func (f fixedThroughput) Current() *float64 { return f.v }

type downloadCall struct {
	target string
	at     time.Time
}

// scriptedDownloader returns results per call; calls past the script
// repeat the last result.
type scriptedDownloader struct {
	mu      sync.Mutex
	clk     clock.Clock
	results []downloadResult
	calls   []downloadCall
}

type downloadResult struct {
	res transport.Download
	err error
}

func (d *scriptedDownloader) Download(ctx context.Context, target string, timeout time.Duration) (transport.Download, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := len(d.calls)
	d.calls = append(d.calls, downloadCall{target: target, at: d.clk.Now()})
	if i >= len(d.results) {
		i = len(d.results) - 1
	}
	r := d.results[i]
	if r.err != nil {
		return transport.Download{}, r.err
	}
	return r.res, nil
}

func (d *scriptedDownloader) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

func (d *scriptedDownloader) targets() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.calls))
	for _, c := range d.calls {
		out = append(out, c.target)
	}
	return out
}
