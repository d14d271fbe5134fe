package core

import (
	"sync"
	"time"
)

// Metrics tracks basic counters for one CLI invocation
type Metrics struct {
	requests int64
	errors   int64
	duration time.Duration
	mu       sync.RWMutex
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRequest records a finished operation
func (m *Metrics) RecordRequest(duration time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.requests++
	m.duration += duration
	m.mu.Unlock()
}

// RecordErrors adds n failed hosts or instances
func (m *Metrics) RecordErrors(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.mu.Lock()
	m.errors += int64(n)
	m.mu.Unlock()
}

// GetStats returns current metrics
func (m *Metrics) GetStats() (int64, int64, time.Duration) {
	if m == nil {
		return 0, 0, 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests, m.errors, m.duration
}
