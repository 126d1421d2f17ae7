package probe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NodePath81/fbquality/internal/clock"
	"github.com/NodePath81/fbquality/internal/sample"
	"github.com/NodePath81/fbquality/internal/util"
)

func ms(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}

func TestLatencyProberImmediateFirstProbeThenInterval(t *testing.T) {
	clk := clock.NewManual(epoch)
	pinger := &scriptedPinger{results: []pingResult{{rtt: ms(20)}}}
	p := NewLatencyProber(LatencyConfig{}, pinger, nil, nil, Env{Clock: clk, Spawn: syncSpawn})
	rec := &recorder{}

	p.Start("https://edge.example.com", rec)
	samples, _ := rec.snapshot()
	require.Len(t, samples, 1)
	assert.Equal(t, uint64(0), samples[0].Seq)
	assert.Equal(t, epoch, samples[0].ObservedAt)

	clk.Advance(2 * time.Second)
	samples, failures := rec.snapshot()
	require.Len(t, samples, 5)
	assert.Zero(t, failures)
	for i, s := range samples {
		assert.Equal(t, uint64(i), s.Seq)
		assert.Equal(t, epoch.Add(time.Duration(i)*DefaultLatencyInterval), s.ObservedAt)
		assert.InDelta(t, 20.0, s.LatencyMs, 1e-9)
		assert.Equal(t, sample.PhaseIdle, s.Phase)
		assert.Nil(t, s.ThroughputMbps)
	}
}

func TestLatencyProberJitterResetsAfterFailure(t *testing.T) {
	clk := clock.NewManual(epoch)
	pinger := &scriptedPinger{results: []pingResult{
		{rtt: ms(50)},
		{err: errProbe},
		{rtt: ms(80)},
		{rtt: ms(70)},
	}}
	p := NewLatencyProber(LatencyConfig{Interval: 100 * time.Millisecond}, pinger, nil, nil, Env{Clock: clk, Spawn: syncSpawn})
	rec := &recorder{}

	p.Start("t", rec)
	clk.Advance(300 * time.Millisecond)
	p.Stop()

	samples, failures := rec.snapshot()
	assert.Equal(t, 1, failures)
	require.Len(t, samples, 3)
	assert.Equal(t, []uint64{0, 2, 3}, []uint64{samples[0].Seq, samples[1].Seq, samples[2].Seq})
	assert.Zero(t, samples[0].JitterMs)
	assert.Zero(t, samples[1].JitterMs)
	assert.InDelta(t, 10.0, samples[2].JitterMs, 1e-9)
}

func TestLatencyProberTagsPhaseAndThroughputAtCompletion(t *testing.T) {
	clk := clock.NewManual(epoch)
	q := &spawnQueue{}
	phase := &sample.PhaseRef{}
	phase.Store(sample.PhaseWarmup)
	speed := fixedThroughput{v: util.FloatPtr(42)}
	pinger := &scriptedPinger{results: []pingResult{{rtt: ms(30)}}}
	p := NewLatencyProber(LatencyConfig{}, pinger, phase, speed, Env{Clock: clk, Spawn: q.spawn})
	rec := &recorder{}

	p.Start("t", rec)
	require.Equal(t, 1, q.len())

	phase.Store(sample.PhaseLoad)
	q.run(0)

	samples, _ := rec.snapshot()
	require.Len(t, samples, 1)
	assert.Equal(t, sample.PhaseLoad, samples[0].Phase)
	require.NotNil(t, samples[0].ThroughputMbps)
	assert.Equal(t, 42.0, *samples[0].ThroughputMbps)
}

func TestLatencyProberOutOfOrderCompletion(t *testing.T) {
	clk := clock.NewManual(epoch)
	q := &spawnQueue{}
	pinger := &scriptedPinger{results: []pingResult{{rtt: ms(40)}, {rtt: ms(10)}}}
	p := NewLatencyProber(LatencyConfig{}, pinger, nil, nil, Env{Clock: clk, Spawn: q.spawn})
	rec := &recorder{}

	p.Start("t", rec)
	clk.Advance(DefaultLatencyInterval)
	require.Equal(t, 2, q.len())

	// The second dispatch finishes first.
	q.run(1)
	q.run(0)

	samples, _ := rec.snapshot()
	require.Len(t, samples, 2)
	assert.Equal(t, uint64(1), samples[0].Seq)
	assert.Equal(t, uint64(0), samples[1].Seq)
	// Pings are made in run order, so seq 1 observed 40 ms and seq 0 10 ms.
	assert.InDelta(t, 40.0, samples[0].LatencyMs, 1e-9)
	assert.InDelta(t, 30.0, samples[1].JitterMs, 1e-9)
}

func TestLatencyProberDiscardsCompletionsAfterStop(t *testing.T) {
	clk := clock.NewManual(epoch)
	q := &spawnQueue{}
	pinger := &scriptedPinger{results: []pingResult{{rtt: ms(25)}}}
	p := NewLatencyProber(LatencyConfig{}, pinger, nil, nil, Env{Clock: clk, Spawn: q.spawn})
	rec := &recorder{}

	p.Start("t", rec)
	clk.Advance(DefaultLatencyInterval)
	p.Stop()
	assert.False(t, p.Active())
	assert.Zero(t, clk.Pending())

	q.run(0)
	q.run(1)
	samples, failures := rec.snapshot()
	assert.Empty(t, samples)
	assert.Zero(t, failures)

	clk.Advance(5 * time.Second)
	assert.Equal(t, 2, q.len())
}

func TestLatencyProberRestartResetsSequenceAndIgnoresOldRun(t *testing.T) {
	clk := clock.NewManual(epoch)
	q := &spawnQueue{}
	pinger := &scriptedPinger{results: []pingResult{{rtt: ms(25)}}}
	p := NewLatencyProber(LatencyConfig{}, pinger, nil, nil, Env{Clock: clk, Spawn: q.spawn})
	first := &recorder{}
	second := &recorder{}

	p.Start("t", first)
	clk.Advance(DefaultLatencyInterval)
	p.Start("t", second)
	require.Equal(t, 3, q.len())

	q.run(0)
	q.run(1)
	q.run(2)

	got, _ := first.snapshot()
	assert.Empty(t, got)
	got, _ = second.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(0), got[0].Seq)
	assert.Equal(t, 1, clk.Pending())
}
