package handlers

import (
	"time"

	"github.com/MegaGrindStone/isek-web-ui/internal/models"
	"github.com/MegaGrindStone/isek-web-ui/internal/thread"
	"github.com/prometheus/client_golang/prometheus"
)

const otherChunkLabel = "other"

// Metrics records reply stream statistics. It is used as the thread.Observer of every thread.
type Metrics struct {
	chunks  *prometheus.CounterVec
	runs    *prometheus.HistogramVec
	threads prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "isekwebui",
			Name:      "stream_chunks_total",
			Help:      "Number of reply stream chunks received, by chunk type.",
		}, []string{"type"}),
		runs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "isekwebui",
			Name:      "reply_duration_seconds",
			Help:      "Duration of reply streams, by outcome.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),
		threads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "isekwebui",
			Name:      "cached_threads",
			Help:      "Number of chat threads held in memory.",
		}),
	}

	for _, c := range []prometheus.Collector{m.chunks, m.runs, m.threads} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveChunk counts one received chunk. Tags the thread does not handle are counted as "other".
func (m *Metrics) ObserveChunk(chunkType models.ChunkType) {
	label := string(chunkType)
	switch chunkType {
	case models.ChunkTypeText, models.ChunkTypeFunctionCall, models.ChunkTypeToolCall:
	default:
		label = otherChunkLabel
	}
	m.chunks.WithLabelValues(label).Inc()
}

// ObserveRun records how long a reply ran and how it ended.
func (m *Metrics) ObserveRun(outcome thread.Outcome, duration time.Duration) {
	m.runs.WithLabelValues(string(outcome)).Observe(duration.Seconds())
}

func (m *Metrics) setThreads(n int) {
	if m == nil {
		return
	}
	m.threads.Set(float64(n))
}
