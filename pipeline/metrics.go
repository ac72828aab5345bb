package pipeline

import "sync"

// latencyAlpha weights the exponential moving average of request
// latency toward recent samples.
const latencyAlpha = 0.1

// Metrics aggregates translation performance across all sessions.
type Metrics struct {
	mu sync.Mutex

	totalRequests      uint64
	successfulRequests uint64
	averageLatencyMs   float64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

// Record notes one completed pipeline invocation.
func (m *Metrics) Record(latencyMs float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	if !ok {
		return
	}
	m.successfulRequests++
	if m.successfulRequests == 1 {
		m.averageLatencyMs = latencyMs
		return
	}
	m.averageLatencyMs = latencyAlpha*latencyMs + (1-latencyAlpha)*m.averageLatencyMs
}

// Snapshot is a point-in-time copy for the metrics endpoint.
type Snapshot struct {
	TotalRequests      uint64  `json:"total_requests"`
	SuccessfulRequests uint64  `json:"successful_requests"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		TotalRequests:      m.totalRequests,
		SuccessfulRequests: m.successfulRequests,
		AverageLatencyMs:   m.averageLatencyMs,
	}
}
