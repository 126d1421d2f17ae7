// Package stats turns a run's latency samples into the summary that grades
// a connection for interactive streaming.
package stats

import (
	"math"
	"sort"

	"github.com/NodePath81/fbquality/internal/sample"
)

const (
	// SpikeThresholdMs marks a latency sample as a stutter event.
	SpikeThresholdMs = 80.0

	latencyPenaltyFloorMs = 40.0
	latencyPenaltyRate    = 0.5
	jitterPenaltyFloorMs  = 15.0
	jitterPenaltyRate     = 1.0
	spikeStepPct          = 5.0
	spikeStepPenalty      = 20.0
	lossHeavyPct          = 1.5
	lossHeavyPenalty      = 40.0
	lossLightPct          = 0.5
	lossLightPenalty      = 15.0
	speedMinSamples       = 5
	speedStabilityFloor   = 90.0
	speedPenaltyRate      = 1.0
	bitrateHeadroom       = 0.9
)

type Stats struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Avg         float64 `json:"avg"`
	AvgJitter   float64 `json:"avg_jitter"`
	PacketLoss  float64 `json:"packet_loss"`
	TotalPings  int     `json:"total_pings"`
	FailedPings int     `json:"failed_pings"`

	Spikes int     `json:"spikes"`
	Score  float64 `json:"score"`
	Grade  Grade   `json:"grade"`

	AvgSpeed           float64 `json:"avg_speed"`
	MaxSpeed           float64 `json:"max_speed"`
	MinSpeed           float64 `json:"min_speed"`
	SpeedStability     float64 `json:"speed_stability"`
	RecommendedBitrate float64 `json:"recommended_bitrate"`

	P90            float64  `json:"p90"`
	P99            float64  `json:"p99"`
	StdDev         float64  `json:"std_dev"`
	LatencyBuckets []Bucket `json:"latency_buckets"`
}

// Bucket is one histogram bin over [Min, Max). Max is zero for the open
// top bin.
type Bucket struct {
	Range string  `json:"range"`
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max,omitempty"`
}

var bucketBounds = []Bucket{
	{Range: "<20ms", Min: 0, Max: 20},
	{Range: "20-40", Min: 20, Max: 40},
	{Range: "40-60", Min: 40, Max: 60},
	{Range: "60-80", Min: 60, Max: 80},
	{Range: "80-100", Min: 80, Max: 100},
	{Range: "100+", Min: 100},
}

// Compute summarises samples plus failedCount unanswered probes. It is
// defined for every input; an empty sample set yields a zero summary graded
// GradeNone.
func Compute(samples []sample.Sample, failedCount int) Stats {
	n := len(samples)
	total := n + failedCount
	if n == 0 {
		return Stats{
			TotalPings:     total,
			FailedPings:    failedCount,
			Grade:          GradeNone,
			LatencyBuckets: []Bucket{},
		}
	}

	latencies := make([]float64, 0, n)
	jitters := make([]float64, 0, n)
	var speeds []float64
	for _, s := range samples {
		latencies = append(latencies, s.LatencyMs)
		jitters = append(jitters, s.JitterMs)
		if s.HasThroughput() {
			speeds = append(speeds, *s.ThroughputMbps)
		}
	}

	st := Stats{
		TotalPings:  total,
		FailedPings: failedCount,
		Min:         minOf(latencies),
		Max:         maxOf(latencies),
		Avg:         mean(latencies),
		AvgJitter:   mean(jitters),
	}
	if total > 0 {
		st.PacketLoss = float64(failedCount) / float64(total) * 100
	}

	if len(speeds) > 0 {
		st.MinSpeed = minOf(speeds)
		st.MaxSpeed = maxOf(speeds)
		st.AvgSpeed = mean(speeds)
		variability := meanAbsDeviation(speeds, st.AvgSpeed) / st.AvgSpeed * 100
		st.SpeedStability = math.Max(0, 100-variability)

		sorted := sortedCopy(speeds)
		p10 := sorted[int(math.Floor(float64(len(sorted))*0.1))]
		st.RecommendedBitrate = math.Floor(p10 * bitrateHeadroom)
	}

	for _, l := range latencies {
		if l > SpikeThresholdMs {
			st.Spikes++
		}
	}

	sortedLatencies := sortedCopy(latencies)
	st.P90 = nearestRank(sortedLatencies, 0.90)
	st.P99 = nearestRank(sortedLatencies, 0.99)
	st.StdDev = populationStdDev(latencies, st.Avg)
	st.LatencyBuckets = histogram(latencies)

	st.Score = score(st, n, len(speeds))
	st.Grade = GradeFor(st.Score)
	return st
}

// score applies the penalties in a fixed order; the grade thresholds are
// calibrated against exactly this sequence.
func score(st Stats, latencyCount, speedCount int) float64 {
	s := 100.0
	if st.Avg > latencyPenaltyFloorMs {
		s -= (st.Avg - latencyPenaltyFloorMs) * latencyPenaltyRate
	}
	if st.AvgJitter > jitterPenaltyFloorMs {
		s -= (st.AvgJitter - jitterPenaltyFloorMs) * jitterPenaltyRate
	}
	if latencyCount > 0 {
		spikePct := float64(st.Spikes) / float64(latencyCount) * 100
		s -= math.Floor(spikePct/spikeStepPct) * spikeStepPenalty
	}
	if st.PacketLoss > lossHeavyPct {
		s -= lossHeavyPenalty
	} else if st.PacketLoss > lossLightPct {
		s -= lossLightPenalty
	}
	if speedCount > speedMinSamples && st.SpeedStability < speedStabilityFloor {
		s -= (speedStabilityFloor - st.SpeedStability) * speedPenaltyRate
	}
	return math.Max(0, math.Min(100, s))
}

func histogram(latencies []float64) []Bucket {
	buckets := make([]Bucket, len(bucketBounds))
	copy(buckets, bucketBounds)
	last := len(buckets) - 1
	for _, l := range latencies {
		idx := last
		for i := 0; i < last; i++ {
			if l < buckets[i].Max {
				idx = i
				break
			}
		}
		buckets[idx].Count++
	}
	return buckets
}

// nearestRank picks sorted[floor(n*q)] clamped to the last element, without
// interpolation.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Floor(float64(len(sorted)) * q))
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func meanAbsDeviation(values []float64, avg float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += math.Abs(v - avg)
	}
	return sum / float64(len(values))
}

func populationStdDev(values []float64, avg float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sumSquares float64
	for _, v := range values {
		diff := v - avg
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)))
}

func minOf(values []float64) float64 {
	out := values[0]
	for _, v := range values[1:] {
		out = math.Min(out, v)
	}
	return out
}

func maxOf(values []float64) float64 {
	out := values[0]
	for _, v := range values[1:] {
		out = math.Max(out, v)
	}
	return out
}

func sortedCopy(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}
