// Package observability tracks coordinator operation counters and latencies
// and serves them as a JSON snapshot.
package observability

import (
	"sync"
	"time"
)

// Operation names recorded by the server wiring.
const (
	OpExecute      = "saga.Execute"
	OpStepForward  = "step.forward"
	OpCompensation = "step.compensation"
	OpLockAcquire  = "lock.Acquire"
)

type OperationSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec     int64                        `json:"uptime_sec"`
	TotalCalls    int64                        `json:"total_calls"`
	TotalErrors   int64                        `json:"total_errors"`
	InFlight      int64                        `json:"in_flight"`
	LockWaits     int64                        `json:"lock_waits"`
	LockWaitMs    int64                        `json:"lock_wait_ms"`
	Compensations int64                        `json:"compensations"`
	Lifecycle     *LifecycleSnapshot           `json:"lifecycle,omitempty"`
	Operations    map[string]OperationSnapshot `json:"operations"`
}

type operationStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics aggregates per-operation stats under one mutex.
type Metrics struct {
	mu            sync.Mutex
	start         time.Time
	operations    map[string]*operationStats
	lockWaits     int64
	lockWait      time.Duration
	compensations int64
	lifecycle     lifecycleStats
}

// CallSpan measures one in-flight operation.
type CallSpan struct {
	metrics   *Metrics
	operation string
	start     time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:      time.Now(),
		operations: make(map[string]*operationStats),
	}
}

// Start opens a span for the operation; End records its outcome.
func (m *Metrics) Start(operation string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureOperation(operation)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics:   m,
		operation: operation,
		start:     time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.operation, dur, err != nil)
}

// AddLockWait accounts time spent polling before a lock was granted.
func (m *Metrics) AddLockWait(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.mu.Lock()
	m.lockWaits++
	m.lockWait += d
	m.mu.Unlock()
}

// AddCompensation counts one compensation invocation.
func (m *Metrics) AddCompensation() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.compensations++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:     int64(now.Sub(m.start).Seconds()),
		Operations:    make(map[string]OperationSnapshot),
		LockWaits:     m.lockWaits,
		LockWaitMs:    int64(m.lockWait / time.Millisecond),
		Compensations: m.compensations,
	}

	for operation, stats := range m.operations {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Operations[operation] = OperationSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalCalls += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureOperation(operation string) *operationStats {
	stats, ok := m.operations[operation]
	if !ok {
		stats = &operationStats{}
		m.operations[operation] = stats
	}
	return stats
}

func (m *Metrics) finish(operation string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureOperation(operation)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}

// MarkShutdown records the shutdown instant and the in-flight count at that
// moment.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
