package observability

import (
	"sync"
	"time"

	"ordersaga/internal/reliability"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// SagaSnapshot summarises order saga outcomes.
type SagaSnapshot struct {
	Completed     int64            `json:"completed"`
	Failed        int64            `json:"failed"`
	Compensated   int64            `json:"compensated"`
	FailedAtStep  map[string]int64 `json:"failed_at_step"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
}

// DependencySnapshot summarises reliability activity against one collaborator.
type DependencySnapshot struct {
	Retries      int64  `json:"retries"`
	BreakerState string `json:"breaker_state"`
	BreakerOpens int64  `json:"breaker_opens"`
}

type Snapshot struct {
	UptimeSec       int64                         `json:"uptime_sec"`
	TotalRequests   int64                         `json:"total_requests"`
	TotalErrors     int64                         `json:"total_errors"`
	InFlight        int64                         `json:"in_flight"`
	RateLimitWaits  int64                         `json:"rate_limit_waits"`
	RateLimitWaitMs int64                         `json:"rate_limit_wait_ms"`
	Sagas           SagaSnapshot                  `json:"sagas"`
	Dependencies    map[string]DependencySnapshot `json:"dependencies"`
	Lifecycle       *LifecycleSnapshot            `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot     `json:"methods"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type sagaStats struct {
	completed     int64
	failed        int64
	compensated   int64
	failedAtStep  map[string]int64
	totalDuration time.Duration
}

type dependencyStats struct {
	retries int64
	state   reliability.State
	opens   int64
}

// Metrics is an in-process counter set served as JSON on the metrics
// endpoint. All methods are safe on a nil receiver.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	methods        map[string]*methodStats
	sagas          sagaStats
	dependencies   map[string]*dependencyStats
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
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
		start:        time.Now(),
		methods:      make(map[string]*methodStats),
		sagas:        sagaStats{failedAtStep: make(map[string]int64)},
		dependencies: make(map[string]*dependencyStats),
	}
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

// Observe records a finished call whose start was not tracked.
func (m *Metrics) Observe(method string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ensureMethod(method).inFlight++
	m.mu.Unlock()
	m.finish(method, dur, err != nil)
}

// InFlight returns the number of calls started but not ended.
func (m *Metrics) InFlight() int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, stats := range m.methods {
		n += stats.inFlight
	}
	return n
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

// SagaCompleted records a saga that reached Completed.
func (m *Metrics) SagaCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sagas.completed++
	m.sagas.totalDuration += d
	m.mu.Unlock()
}

// SagaFailed records a saga that stopped at step.
func (m *Metrics) SagaFailed(step string, compensated bool, d time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sagas.failed++
	if compensated {
		m.sagas.compensated++
	}
	m.sagas.failedAtStep[step]++
	m.sagas.totalDuration += d
	m.mu.Unlock()
}

// RecordRetry counts a retried call to target.
func (m *Metrics) RecordRetry(target string, attempt int, err error, delay time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.ensureDependency(target).retries++
	m.mu.Unlock()
}

// BreakerStateChanged tracks the breaker position of a collaborator.
func (m *Metrics) BreakerStateChanged(name string, from, to reliability.State) {
	if m == nil {
		return
	}
	m.mu.Lock()
	dep := m.ensureDependency(name)
	dep.state = to
	if to == reliability.StateOpen {
		dep.opens++
	}
	m.mu.Unlock()
}

// Hooks returns reliability hooks that feed these metrics.
func (m *Metrics) Hooks() reliability.Hooks {
	return reliability.Hooks{
		OnRetry:       m.RecordRetry,
		OnStateChange: m.BreakerStateChanged,
		OnWait:        m.AddRateLimitWait,
	}
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Methods:         make(map[string]MethodSnapshot),
		Dependencies:    make(map[string]DependencySnapshot),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	snap.Sagas = SagaSnapshot{
		Completed:    m.sagas.completed,
		Failed:       m.sagas.failed,
		Compensated:  m.sagas.compensated,
		FailedAtStep: make(map[string]int64, len(m.sagas.failedAtStep)),
	}
	for step, n := range m.sagas.failedAtStep {
		snap.Sagas.FailedAtStep[step] = n
	}
	if total := m.sagas.completed + m.sagas.failed; total > 0 {
		snap.Sagas.AvgDurationMs = float64(m.sagas.totalDuration.Milliseconds()) / float64(total)
	}

	for name, dep := range m.dependencies {
		snap.Dependencies[name] = DependencySnapshot{
			Retries:      dep.retries,
			BreakerState: dep.state.String(),
			BreakerOpens: dep.opens,
		}
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) ensureDependency(name string) *dependencyStats {
	dep, ok := m.dependencies[name]
	if !ok {
		dep = &dependencyStats{}
		m.dependencies[name] = dep
	}
	return dep
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
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

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
