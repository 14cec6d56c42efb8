// internal/utils/metrics.go
package utils

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MetricsCollector collects application metrics. Values are updated with
// atomic operations; the maps are only locked when a new series appears.
type MetricsCollector struct {
	counters   map[string]*int64
	gauges     map[string]*int64
	histograms map[string]*Histogram

	mu sync.RWMutex
}

// Histogram tracks count, sum, min and max of observed values.
type Histogram struct {
	count int64
	sum   int64
	min   int64
	max   int64
	mu    sync.Mutex
}

// NewMetricsCollector creates an empty collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		histograms: make(map[string]*Histogram),
	}
}

// series returns the value cell for name, creating it under the write lock
// on first use.
func (m *MetricsCollector) series(set map[string]*int64, name string) *int64 {
	m.mu.RLock()
	v, ok := set[name]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok = set[name]; !ok {
		v = new(int64)
		set[name] = v
	}
	return v
}

// IncrementCounter increments a counter metric
func (m *MetricsCollector) IncrementCounter(name string) {
	atomic.AddInt64(m.series(m.counters, name), 1)
}

// AddCounter adds a value to a counter metric
func (m *MetricsCollector) AddCounter(name string, value int64) {
	atomic.AddInt64(m.series(m.counters, name), value)
}

// SetGauge sets a gauge metric
func (m *MetricsCollector) SetGauge(name string, value int64) {
	atomic.StoreInt64(m.series(m.gauges, name), value)
}

// IncGauge increments a gauge metric
func (m *MetricsCollector) IncGauge(name string) {
	atomic.AddInt64(m.series(m.gauges, name), 1)
}

// DecGauge decrements a gauge metric
func (m *MetricsCollector) DecGauge(name string) {
	atomic.AddInt64(m.series(m.gauges, name), -1)
}

// GetGauge gets the current value of a gauge
func (m *MetricsCollector) GetGauge(name string) int64 {
	m.mu.RLock()
	v, ok := m.gauges[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// GetCounterValue gets the current value of a counter
func (m *MetricsCollector) GetCounterValue(name string) int64 {
	m.mu.RLock()
	v, ok := m.counters[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v)
}

// RecordHistogram records a value in a histogram
func (m *MetricsCollector) RecordHistogram(name string, value int64) {
	m.mu.RLock()
	h, ok := m.histograms[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		if h, ok = m.histograms[name]; !ok {
			h = &Histogram{min: value, max: value}
			m.histograms[name] = h
		}
		m.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	if value < h.min {
		h.min = value
	}
	if value > h.max {
		h.max = value
	}
}

// GetMetrics returns a snapshot of all metrics
func (m *MetricsCollector) GetMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]int64, len(m.counters))
	for name, v := range m.counters {
		counters[name] = atomic.LoadInt64(v)
	}

	gauges := make(map[string]int64, len(m.gauges))
	for name, v := range m.gauges {
		gauges[name] = atomic.LoadInt64(v)
	}

	histograms := make(map[string]map[string]int64, len(m.histograms))
	for name, h := range m.histograms {
		h.mu.Lock()
		histograms[name] = map[string]int64{
			"count": h.count,
			"sum":   h.sum,
			"min":   h.min,
			"max":   h.max,
		}
		h.mu.Unlock()
	}

	return map[string]interface{}{
		"counters":   counters,
		"gauges":     gauges,
		"histograms": histograms,
	}
}

// RelayMetrics records the metrics of the chat relay: HTTP requests,
// provider attempts and group turns.
type RelayMetrics struct {
	metrics *MetricsCollector
	logger  *Logger
}

// NewRelayMetrics creates a relay metrics recorder
func NewRelayMetrics(collector *MetricsCollector, logger *Logger) *RelayMetrics {
	if collector == nil {
		collector = NewMetricsCollector()
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	return &RelayMetrics{metrics: collector, logger: logger}
}

// Collector returns the underlying collector.
func (rm *RelayMetrics) Collector() *MetricsCollector {
	return rm.metrics
}

// RecordAPIRequest records metrics for an API request
func (rm *RelayMetrics) RecordAPIRequest(endpoint, method string, statusCode int, duration time.Duration) {
	rm.metrics.IncrementCounter("api_requests_total")
	rm.metrics.IncrementCounter("api_requests_" + method + "_" + endpoint)
	rm.metrics.RecordHistogram("api_response_time_ms", duration.Milliseconds())
	rm.metrics.IncrementCounter("api_responses_" + strconv.Itoa(statusCode/100) + "xx")

	rm.logger.Debug("API request completed", Fields{
		"endpoint": endpoint,
		"method":   method,
		"status":   statusCode,
		"duration": duration.Milliseconds(),
	})
}

// RecordProviderAttempt records one call against one model of a fallback chain.
// outcome is "success" or the error class that ended the attempt.
func (rm *RelayMetrics) RecordProviderAttempt(provider, model, outcome string, duration time.Duration) {
	rm.metrics.IncrementCounter("llm_attempts_total")
	rm.metrics.IncrementCounter("llm_attempts_" + provider + "_" + outcome)
	rm.metrics.RecordHistogram("llm_response_time_ms", duration.Milliseconds())

	rm.logger.Debug("LLM attempt finished", Fields{
		"provider": provider,
		"model":    model,
		"outcome":  outcome,
		"duration": duration.Milliseconds(),
	})
}

// RecordFallback records a move to the next model in a chain.
func (rm *RelayMetrics) RecordFallback(provider string) {
	rm.metrics.IncrementCounter("llm_fallbacks_total")
	rm.metrics.IncrementCounter("llm_fallbacks_" + provider)
}

// RecordSafetyBlock records a message declined by the topic gate.
func (rm *RelayMetrics) RecordSafetyBlock() {
	rm.metrics.IncrementCounter("safety_blocks_total")
}

// RecordExhaustion records a dispatch whose whole chain failed.
func (rm *RelayMetrics) RecordExhaustion(provider string) {
	rm.metrics.IncrementCounter("llm_exhausted_total")
	rm.metrics.IncrementCounter("llm_exhausted_" + provider)
}

// RecordGroupTurn records how many of the selected responders answered.
func (rm *RelayMetrics) RecordGroupTurn(selected, answered int) {
	rm.metrics.IncrementCounter("group_turns_total")
	rm.metrics.AddCounter("group_replies_total", int64(answered))
	rm.metrics.AddCounter("group_skipped_total", int64(selected-answered))
}

// RecordError records an error metric
func (rm *RelayMetrics) RecordError(errorType, component string) {
	rm.metrics.IncrementCounter("errors_total")
	rm.metrics.IncrementCounter("errors_" + errorType)
	rm.metrics.IncrementCounter("errors_" + component)
}

// StartMetricsCollection logs a metrics summary every interval until ctx ends.
func (rm *RelayMetrics) StartMetricsCollection(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rm.logger.Info("Periodic metrics report", Fields{
					"metrics": rm.metrics.GetMetrics(),
				})
			}
		}
	}()
}
