package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Counter names used across the service. Kept here so the /metrics endpoint,
// the services and the tests agree on spelling.
const (
	WebhookReceived          = "webhook_received"
	WebhookSignatureFailed   = "webhook_signature_failed"
	WebhookMalformed         = "webhook_malformed"
	WebhookDuplicateDelivery = "webhook_duplicate_delivery"
	SyncRowsUpserted         = "sync_rows_upserted"
	SyncRowErrors            = "sync_row_errors"
	LedgerEntriesWritten     = "ledger_entries_written"
)

// TimerStats is the exported view of one timer
type TimerStats struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// ErrorRateStats is the exported view of one error rate
type ErrorRateStats struct {
	Total     int64   `json:"total"`
	Errors    int64   `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
}

// Snapshot is the full state served by the metrics endpoint
type Snapshot struct {
	UptimeSeconds float64                   `json:"uptime_seconds"`
	Counters      map[string]int64          `json:"counters"`
	Gauges        map[string]int64          `json:"gauges"`
	Timers        map[string]TimerStats     `json:"timers"`
	ErrorRates    map[string]ErrorRateStats `json:"error_rates"`
	Health        map[string]bool           `json:"health"`
}

type timerData struct {
	count       int64
	totalTimeMs int64
	minTimeMs   int64
	maxTimeMs   int64
}

type errorRateData struct {
	total  int64
	errors int64
}

// Metrics is the in-process metrics collector
type Metrics struct {
	mu         sync.RWMutex
	counters   map[string]*int64
	gauges     map[string]*int64
	timers     map[string]*timerData
	errorRates map[string]*errorRateData
	health     map[string]*int64
	startTime  time.Time
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*int64),
		timers:     make(map[string]*timerData),
		errorRates: make(map[string]*errorRateData),
		health:     make(map[string]*int64),
		startTime:  time.Now(),
	}
}

func (m *Metrics) counter(name string) *int64 {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.counters[name]; !ok {
		c = new(int64)
		m.counters[name] = c
	}
	return c
}

// IncrementCounter increments a counter by 1
func (m *Metrics) IncrementCounter(name string) {
	m.IncrementCounterBy(name, 1)
}

// IncrementCounterBy increments a counter by the specified value
func (m *Metrics) IncrementCounterBy(name string, value int64) {
	atomic.AddInt64(m.counter(name), value)
}

// SetGauge sets a gauge to a specific value
func (m *Metrics) SetGauge(name string, value int64) {
	m.mu.RLock()
	g, ok := m.gauges[name]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if g, ok = m.gauges[name]; !ok {
			g = new(int64)
			m.gauges[name] = g
		}
		m.mu.Unlock()
	}
	atomic.StoreInt64(g, value)
}

// RecordTimer records a duration under the given timer name
func (m *Metrics) RecordTimer(name string, duration time.Duration) {
	durationMs := duration.Milliseconds()

	m.mu.RLock()
	t, ok := m.timers[name]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if t, ok = m.timers[name]; !ok {
			t = &timerData{minTimeMs: math.MaxInt64}
			m.timers[name] = t
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(&t.count, 1)
	atomic.AddInt64(&t.totalTimeMs, durationMs)

	for {
		min := atomic.LoadInt64(&t.minTimeMs)
		if durationMs >= min || atomic.CompareAndSwapInt64(&t.minTimeMs, min, durationMs) {
			break
		}
	}
	for {
		max := atomic.LoadInt64(&t.maxTimeMs)
		if durationMs <= max || atomic.CompareAndSwapInt64(&t.maxTimeMs, max, durationMs) {
			break
		}
	}
}

// RecordSuccess records a successful operation for error rate tracking
func (m *Metrics) RecordSuccess(name string) {
	m.recordOutcome(name, false)
}

// RecordError records a failed operation for error rate tracking
func (m *Metrics) RecordError(name string) {
	m.recordOutcome(name, true)
}

func (m *Metrics) recordOutcome(name string, isError bool) {
	m.mu.RLock()
	r, ok := m.errorRates[name]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if r, ok = m.errorRates[name]; !ok {
			r = &errorRateData{}
			m.errorRates[name] = r
		}
		m.mu.Unlock()
	}

	atomic.AddInt64(&r.total, 1)
	if isError {
		atomic.AddInt64(&r.errors, 1)
	}
}

// SetHealth sets the health status of a component
func (m *Metrics) SetHealth(component string, isHealthy bool) {
	var value int64
	if isHealthy {
		value = 1
	}

	m.mu.RLock()
	h, ok := m.health[component]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if h, ok = m.health[component]; !ok {
			h = new(int64)
			m.health[component] = h
		}
		m.mu.Unlock()
	}
	atomic.StoreInt64(h, value)
}

// GetCounter returns the current value of one counter
func (m *Metrics) GetCounter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[name]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

// GetHealthChecks returns the health status of all registered components
func (m *Metrics) GetHealthChecks() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	checks := make(map[string]bool, len(m.health))
	for component, h := range m.health {
		checks[component] = atomic.LoadInt64(h) == 1
	}
	return checks
}

// GetSnapshot returns the full collector state
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Counters:      make(map[string]int64, len(m.counters)),
		Gauges:        make(map[string]int64, len(m.gauges)),
		Timers:        make(map[string]TimerStats, len(m.timers)),
		ErrorRates:    make(map[string]ErrorRateStats, len(m.errorRates)),
		Health:        make(map[string]bool, len(m.health)),
	}

	for name, c := range m.counters {
		snap.Counters[name] = atomic.LoadInt64(c)
	}
	for name, g := range m.gauges {
		snap.Gauges[name] = atomic.LoadInt64(g)
	}
	for name, t := range m.timers {
		count := atomic.LoadInt64(&t.count)
		total := atomic.LoadInt64(&t.totalTimeMs)
		stats := TimerStats{
			Count:       count,
			TotalTimeMs: total,
			MinTimeMs:   atomic.LoadInt64(&t.minTimeMs),
			MaxTimeMs:   atomic.LoadInt64(&t.maxTimeMs),
		}
		if count > 0 {
			stats.AverageTimeMs = float64(total) / float64(count)
		} else {
			stats.MinTimeMs = 0
		}
		snap.Timers[name] = stats
	}
	for name, r := range m.errorRates {
		total := atomic.LoadInt64(&r.total)
		errs := atomic.LoadInt64(&r.errors)
		stats := ErrorRateStats{Total: total, Errors: errs}
		if total > 0 {
			stats.ErrorRate = float64(errs) / float64(total)
		}
		snap.ErrorRates[name] = stats
	}
	for name, h := range m.health {
		snap.Health[name] = atomic.LoadInt64(h) == 1
	}

	return snap
}
