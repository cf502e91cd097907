package ai

import (
	"math"
	"sync"
)

// MetricsRecorder is embedded by adapters to accumulate ModelMetrics.
type MetricsRecorder struct {
	mu      sync.Mutex
	metrics ModelMetrics
}

// ResetMetrics clears all accumulated metrics.
func (r *MetricsRecorder) ResetMetrics() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = ModelMetrics{}
}

// GetMetrics returns the metrics accumulated since the last reset.
func (r *MetricsRecorder) GetMetrics() ModelMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// AddMetrics adds one request's usage.
func (r *MetricsRecorder) AddMetrics(m ModelMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.metrics.Requests++
	r.metrics.InputTokens += m.InputTokens
	r.metrics.OutputTokens += m.OutputTokens
	r.metrics.TotalTokens += m.TotalTokens
	r.metrics.DurationMs += m.DurationMs

	if r.metrics.DurationMs > 0 {
		tokensPerSecond := (float64(r.metrics.TotalTokens) * 1000.0) / float64(r.metrics.DurationMs)
		r.metrics.TokenPerSecond = float32(math.Round(tokensPerSecond*100) / 100)
	}
}
