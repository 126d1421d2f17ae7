package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/fbquality/internal/clock"
	"github.com/NodePath81/fbquality/internal/transport"
)

// 1.25 MB in one second is 10 Mbps.
var tenMbps = transport.Download{Elapsed: time.Second, Bytes: 1_250_000}

func newThroughput(clk *clock.Manual, dl transport.Downloader, targets ...string) *ThroughputProber {
	if len(targets) == 0 {
		targets = []string{"a"}
	}
	return NewThroughputProber(ThroughputConfig{Targets: targets}, dl, Env{Clock: clk, Spawn: syncSpawn})
}

func TestThroughputProberReportsRawSpeed(t *testing.T) {
	clk := clock.NewManual(epoch)
	dl := &scriptedDownloader{clk: clk, results: []downloadResult{{res: tenMbps}}}
	p := newThroughput(clk, dl)

	assert.Nil(t, p.Current())
	p.Start()
	require.NotNil(t, p.Current())
	assert.InDelta(t, 10.0, *p.Current(), 1e-9)

	clk.Advance(DefaultDownloadGap - time.Millisecond)
	assert.Equal(t, 1, dl.callCount())
	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, dl.callCount())
}

func TestThroughputProberDiscardsTransfersBelowNoiseFloor(t *testing.T) {
	clk := clock.NewManual(epoch)
	dl := &scriptedDownloader{clk: clk, results: []downloadResult{
		{res: transport.Download{Elapsed: 10 * time.Millisecond, Bytes: 1_000_000}},
		{res: tenMbps},
	}}
	p := newThroughput(clk, dl)

	p.Start()
	assert.Nil(t, p.Current())
	assert.Equal(t, 1, dl.callCount())

	clk.Advance(DefaultRetryDelay)
	assert.Equal(t, 2, dl.callCount())
	require.NotNil(t, p.Current())
	assert.InDelta(t, 10.0, *p.Current(), 1e-9)
}

func TestThroughputProberPacesToCap(t *testing.T) {
	clk := clock.NewManual(epoch)
	dl := &scriptedDownloader{clk: clk, results: []downloadResult{{res: tenMbps}}}
	p := newThroughput(clk, dl)
	p.SetCap(5)

	p.Start()
	require.NotNil(t, p.Current())
	assert.Equal(t, 5.0, *p.Current())

	// At 5 Mbps the payload should take 2 s; it took 1 s, so wait 1 s more.
	clk.Advance(time.Second - time.Millisecond)
	assert.Equal(t, 1, dl.callCount())
	clk.Advance(time.Millisecond)
	assert.Equal(t, 2, dl.callCount())
}

func TestThroughputProberCapAboveMeasuredSpeed(t *testing.T) {
	clk := clock.NewManual(epoch)
	dl := &scriptedDownloader{clk: clk, results: []downloadResult{{res: tenMbps}}}
	p := newThroughput(clk, dl)
	p.SetCap(20)

	p.Start()
	require.NotNil(t, p.Current())
	assert.InDelta(t, 10.0, *p.Current(), 1e-9)
	clk.Advance(DefaultDownloadGap)
	assert.Equal(t, 2, dl.callCount())
}

func TestThroughputProberRotatesTargetOnFailure(t *testing.T) {
	clk := clock.NewManual(epoch)
	dl := &scriptedDownloader{clk: clk, results: []downloadResult{
		{res: tenMbps},
		{err: transport.ErrTimeout},
		{res: tenMbps},
	}}
	p := newThroughput(clk, dl, "a", "b", "c")

	p.Start()
	clk.Advance(DefaultDownloadGap)
	assert.Equal(t, 1, p.TargetIndex())
	require.NotNil(t, p.Current())
	assert.InDelta(t, 10.0, *p.Current(), 1e-9)

	clk.Advance(DefaultFailureBackoff - time.Millisecond)
	assert.Equal(t, 2, dl.callCount())
	clk.Advance(time.Millisecond)
	assert.Equal(t, []string{"a", "a", "b"}, dl.targets())
}

func TestThroughputProberWrapsTargets(t *testing.T) {
	clk := clock.NewManual(epoch)
	dl := &scriptedDownloader{clk: clk, results: []downloadResult{{err: transport.ErrNetwork}}}
	p := newThroughput(clk, dl, "a", "b")

	p.Start()
	clk.Advance(2 * DefaultFailureBackoff)
	assert.Equal(t, []string{"a", "b", "a"}, dl.targets())
	assert.Nil(t, p.Current())
}

func TestThroughputProberRestartBeginsAtFirstTarget(t *testing.T) {
	clk := clock.NewManual(epoch)
	dl := &scriptedDownloader{clk: clk, results: []downloadResult{
		{err: transport.ErrNetwork},
		{res: tenMbps},
	}}
	p := newThroughput(clk, dl, "a", "b", "c")

	p.Start()
	assert.Equal(t, 1, p.TargetIndex())
	p.Stop()

	p.Start()
	assert.Equal(t, 0, p.TargetIndex())
	assert.Equal(t, []string{"a", "a"}, dl.targets())
}

func TestThroughputProberResetRewindsTargets(t *testing.T) {
	clk := clock.NewManual(epoch)
	dl := &scriptedDownloader{clk: clk, results: []downloadResult{{err: transport.ErrTimeout}}}
	p := newThroughput(clk, dl, "a", "b")

	p.Start()
	p.Stop()
	require.Equal(t, 1, p.TargetIndex())
	p.Reset()
	assert.Equal(t, 0, p.TargetIndex())
}

func TestThroughputProberIgnoresStaleGeneration(t *testing.T) {
	clk := clock.NewManual(epoch)
	q := &spawnQueue{}
	dl := &scriptedDownloader{clk: clk, results: []downloadResult{{res: tenMbps}}}
	p := NewThroughputProber(ThroughputConfig{Targets: []string{"a"}}, dl, Env{Clock: clk, Spawn: q.spawn})

	p.Start()
	p.Stop()
	p.Start()
	require.Equal(t, 2, q.len())

	q.run(0)
	assert.Zero(t, dl.callCount())
	q.run(1)
	assert.Equal(t, 1, dl.callCount())
	assert.Equal(t, 1, clk.Pending())
}

func TestThroughputProberStopHaltsLoop(t *testing.T) {
	clk := clock.NewManual(epoch)
	dl := &scriptedDownloader{clk: clk, results: []downloadResult{{res: tenMbps}}}
	p := newThroughput(clk, dl)

	p.Start()
	p.Stop()
	assert.False(t, p.Active())
	assert.Zero(t, clk.Pending())
	clk.Advance(time.Minute)
	assert.Equal(t, 1, dl.callCount())
	require.NotNil(t, p.Current())
}

type blockingDownloader struct {
	started chan struct{}
	done    chan error
}

func (d *blockingDownloader) Download(ctx context.Context, target string, timeout time.Duration) (transport.Download, error) {
	close(d.started)
	<-ctx.Done()
	d.done <- ctx.Err()
	return transport.Download{}, transport.ErrAborted
}

func TestThroughputProberStopCancelsInFlightDownload(t *testing.T) {
	clk := clock.NewManual(epoch)
	dl := &blockingDownloader{started: make(chan struct{}), done: make(chan error, 1)}
	p := NewThroughputProber(ThroughputConfig{Targets: []string{"a"}}, dl, Env{Clock: clk})

	p.Start()
	select {
	case <-dl.started:
	case <-time.After(2 * time.Second):
		t.Fatal("download never started")
	}
	p.Stop()

	select {
	case err := <-dl.done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("download was not cancelled")
	}
}

func TestThroughputProberResetAndCap(t *testing.T) {
	clk := clock.NewManual(epoch)
	dl := &scriptedDownloader{clk: clk, results: []downloadResult{{res: tenMbps}}}
	p := newThroughput(clk, dl)

	assert.Nil(t, p.Cap())
	p.SetCap(12.5)
	require.NotNil(t, p.Cap())
	assert.Equal(t, 12.5, *p.Cap())

	p.Start()
	p.Stop()
	require.NotNil(t, p.Current())

	p.Reset()
	assert.Nil(t, p.Current())
	assert.Nil(t, p.Cap())

	p.SetCap(-3)
	assert.Nil(t, p.Cap())
}

func TestThroughputProberWithoutTargets(t *testing.T) {
	clk := clock.NewManual(epoch)
	p := NewThroughputProber(ThroughputConfig{}, &scriptedDownloader{clk: clk}, Env{Clock: clk, Spawn: syncSpawn})

	p.Start()
	assert.False(t, p.Active())
}
