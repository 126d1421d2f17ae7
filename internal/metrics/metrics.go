package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NodePath81/fbquality/internal/sample"
	"github.com/NodePath81/fbquality/internal/session"
)

var (
	statuses = []session.Status{session.StatusIdle, session.StatusRunning, session.StatusStopped, session.StatusCompleted}
	phases   = []sample.Phase{sample.PhaseIdle, sample.PhaseWarmup, sample.PhaseLoad, sample.PhaseStability}
	modes    = []session.Mode{session.ModeStandard, session.ModeStability}
)

// SnapshotSource is polled once per refresh.
type SnapshotSource interface {
	Snapshot() session.Snapshot
}

type Metrics struct {
	source SnapshotSource

	mu               sync.Mutex
	snap             session.Snapshot
	lastLatencyMs    float64
	lastJitterMs     float64
	memoryAllocBytes uint64
	startTime        time.Time

	samplesTotal  atomic.Uint64
	failuresTotal atomic.Uint64
	runsStarted   atomic.Uint64
	runsCompleted atomic.Uint64
	runsStopped   atomic.Uint64
	resultsSaved  atomic.Uint64
}

func NewMetrics(source SnapshotSource) *Metrics {
	m := &Metrics{
		source:    source,
		startTime: time.Now(),
	}
	if source != nil {
		m.snap = source.Snapshot()
	}
	return m
}

func (m *Metrics) Start(ctxDone <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctxDone:
				return
			case <-ticker.C:
				m.Refresh()
			}
		}
	}()
}

// Refresh re-reads memory statistics and the session snapshot.
func (m *Metrics) Refresh() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var snap session.Snapshot
	if m.source != nil {
		snap = m.source.Snapshot()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryAllocBytes = mem.Alloc
	if m.source != nil {
		m.snap = snap
	}
}

// ObserveEvent updates the counters. It is safe to use directly as a
// session event handler.
func (m *Metrics) ObserveEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventSample:
		m.samplesTotal.Add(1)
		if ev.Sample != nil {
			m.mu.Lock()
			m.lastLatencyMs = ev.Sample.LatencyMs
			m.lastJitterMs = ev.Sample.JitterMs
			m.mu.Unlock()
		}
	case session.EventFailure:
		m.failuresTotal.Add(1)
	case session.EventSaved:
		m.resultsSaved.Add(1)
	case session.EventState:
		switch {
		case ev.Status == session.StatusRunning && ev.Phase == sample.PhaseWarmup:
			m.runsStarted.Add(1)
		case ev.Status == session.StatusCompleted:
			m.runsCompleted.Add(1)
		case ev.Status == session.StatusStopped:
			m.runsStopped.Add(1)
		}
	}
}

func (m *Metrics) Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(m.Render()))
}

func (m *Metrics) Render() string {
	m.mu.Lock()
	snap := m.snap
	lastLatency := m.lastLatencyMs
	lastJitter := m.lastJitterMs
	memoryAlloc := m.memoryAllocBytes
	startTime := m.startTime
	m.mu.Unlock()

	var b strings.Builder
	b.WriteString("# TYPE fbquality_status gauge\n")
	for _, s := range statuses {
		writeOneHot(&b, "fbquality_status", "status", string(s), s == snap.Status)
	}
	b.WriteString("# TYPE fbquality_phase gauge\n")
	for _, p := range phases {
		writeOneHot(&b, "fbquality_phase", "phase", string(p), p == snap.Phase)
	}
	b.WriteString("# TYPE fbquality_mode gauge\n")
	for _, md := range modes {
		writeOneHot(&b, "fbquality_mode", "mode", string(md), md == snap.Mode)
	}
	b.WriteString("# TYPE fbquality_region_selected gauge\n")
	if snap.Region.ID != "" {
		writeOneHot(&b, "fbquality_region_selected", "region", snap.Region.ID, true)
	}

	writeGauge(&b, "fbquality_progress_percent", formatFloat(snap.Progress))
	writeGauge(&b, "fbquality_samples", strconv.Itoa(snap.SampleCount))
	writeGauge(&b, "fbquality_failed_pings", strconv.Itoa(snap.FailedCount))
	writeGauge(&b, "fbquality_last_latency_ms", formatFloat(lastLatency))
	writeGauge(&b, "fbquality_last_jitter_ms", formatFloat(lastJitter))
	writeGauge(&b, "fbquality_throughput_mbps", formatFloatPtr(snap.ThroughputMbps))
	writeGauge(&b, "fbquality_speed_cap_mbps", formatFloatPtr(snap.SpeedCapMbps))

	writeGauge(&b, "fbquality_latency_avg_ms", formatFloat(snap.Stats.Avg))
	writeGauge(&b, "fbquality_latency_p90_ms", formatFloat(snap.Stats.P90))
	writeGauge(&b, "fbquality_latency_p99_ms", formatFloat(snap.Stats.P99))
	writeGauge(&b, "fbquality_jitter_avg_ms", formatFloat(snap.Stats.AvgJitter))
	writeGauge(&b, "fbquality_packet_loss_percent", formatFloat(snap.Stats.PacketLoss))
	writeGauge(&b, "fbquality_spikes", strconv.Itoa(snap.Stats.Spikes))
	writeGauge(&b, "fbquality_score", formatFloat(snap.Stats.Score))
	writeGauge(&b, "fbquality_recommended_bitrate_mbps", formatFloat(snap.Stats.RecommendedBitrate))
	writeGauge(&b, "fbquality_history_results", strconv.Itoa(snap.HistoryCount))

	writeCounter(&b, "fbquality_samples_total", m.samplesTotal.Load())
	writeCounter(&b, "fbquality_failures_total", m.failuresTotal.Load())
	writeCounter(&b, "fbquality_runs_started_total", m.runsStarted.Load())
	writeCounter(&b, "fbquality_runs_completed_total", m.runsCompleted.Load())
	writeCounter(&b, "fbquality_runs_stopped_total", m.runsStopped.Load())
	writeCounter(&b, "fbquality_results_saved_total", m.resultsSaved.Load())

	writeGauge(&b, "fbquality_memory_alloc_bytes", strconv.FormatUint(memoryAlloc, 10))
	if startTime.IsZero() {
		writeGauge(&b, "fbquality_uptime_seconds", "0")
	} else {
		writeGauge(&b, "fbquality_uptime_seconds", formatFloat(time.Since(startTime).Seconds()))
	}
	return b.String()
}

func writeGauge(b *strings.Builder, name, val string) {
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteString(" gauge\n")
	b.WriteString(name)
	b.WriteString(" ")
	b.WriteString(val)
	b.WriteString("\n")
}

func writeCounter(b *strings.Builder, name string, val uint64) {
	b.WriteString("# TYPE ")
	b.WriteString(name)
	b.WriteString(" counter\n")
	b.WriteString(name)
	b.WriteString(" ")
	b.WriteString(strconv.FormatUint(val, 10))
	b.WriteString("\n")
}

func writeOneHot(b *strings.Builder, name, label, value string, on bool) {
	b.WriteString(name)
	b.WriteString("{")
	b.WriteString(label)
	b.WriteString("=\"")
	b.WriteString(value)
	b.WriteString("\"} ")
	if on {
		b.WriteString("1\n")
	} else {
		b.WriteString("0\n")
	}
}

func formatFloat(val float64) string {
	return strconv.FormatFloat(val, 'f', 6, 64)
}

// formatFloatPtr renders an unknown reading as NaN.
func formatFloatPtr(val *float64) string {
	if val == nil {
		return "NaN"
	}
	return formatFloat(*val)
}
