package sample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesJitter(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)

	first := New(0, at, 50, nil, nil, PhaseLoad)
	assert.Zero(t, first.JitterMs)
	assert.Nil(t, first.ThroughputMbps)
	assert.False(t, first.HasThroughput())

	prev := 50.0
	speed := 42.0
	second := New(1, at, 38, &prev, &speed, PhaseLoad)
	assert.Equal(t, 12.0, second.JitterMs)
	require.NotNil(t, second.ThroughputMbps)
	assert.True(t, second.HasThroughput())

	speed = 0
	assert.Equal(t, 42.0, *second.ThroughputMbps, "throughput must be copied")
}

func TestPhaseRefDefaultsToIdle(t *testing.T) {
	var ref PhaseRef
	assert.Equal(t, PhaseIdle, ref.Load())

	ref.Store(PhaseWarmup)
	assert.Equal(t, PhaseWarmup, ref.Load())
}

func TestLogFilterAndSnapshot(t *testing.T) {
	var log Log
	at := time.Unix(0, 0)
	log.Append(New(0, at, 10, nil, nil, PhaseLoad))
	log.Append(New(1, at, 11, nil, nil, PhaseStability))
	log.Append(New(2, at, 12, nil, nil, PhaseLoad))

	assert.Equal(t, 3, log.Len())
	assert.Len(t, log.Filter(NotStability), 2)
	assert.Len(t, log.Filter(OnlyStability), 1)

	snap := log.Snapshot()
	snap[0].LatencyMs = 999
	last, ok := log.Last()
	require.True(t, ok)
	assert.Equal(t, uint64(2), last.Seq)
	assert.Equal(t, 10.0, log.Snapshot()[0].LatencyMs)

	log.Reset()
	assert.Zero(t, log.Len())
	_, ok = log.Last()
	assert.False(t, ok)
}
