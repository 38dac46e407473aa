package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GuardMetrics tracks consumption outcomes per event pattern.
type GuardMetrics struct {
	mu sync.RWMutex

	patternCounts map[string]*GuardPatternMetrics

	outcomesTotal         *prometheus.CounterVec
	deadLetteredTotal     *prometheus.CounterVec
	dlqPublishFailures    *prometheus.CounterVec
	handlerDurationHist   *prometheus.HistogramVec
	deadLetterRetryCounts *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// GuardPatternMetrics holds counts for one event pattern.
type GuardPatternMetrics struct {
	Acked              uint64    `json:"acked"`
	DeadLettered       uint64    `json:"dead_lettered"`
	Dropped            uint64    `json:"dropped"`
	Unroutable         uint64    `json:"unroutable"`
	Requeued           uint64    `json:"requeued"`
	DLQPublishFailures uint64    `json:"dlq_publish_failures"`
	LastFailure        string    `json:"last_failure,omitempty"`
	LastDeadLetteredAt time.Time `json:"last_dead_lettered_at,omitempty"`
	LastUpdatedAt      time.Time `json:"last_updated_at"`
}

// GuardMetricsSnapshot provides a point-in-time view of guard metrics.
type GuardMetricsSnapshot struct {
	TotalAcked        uint64                          `json:"total_acked"`
	TotalDeadLettered uint64                          `json:"total_dead_lettered"`
	TotalDropped      uint64                          `json:"total_dropped"`
	TotalUnroutable   uint64                          `json:"total_unroutable"`
	PatternMetrics    map[string]*GuardPatternMetrics `json:"pattern_metrics"`
	CollectedAt       time.Time                       `json:"collected_at"`
}

func newGuardCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replicaflow",
			Subsystem: "guard",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGuardHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replicaflow",
			Subsystem: "guard",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewGuardMetrics creates a guard metrics collector.
func NewGuardMetrics(registerer prometheus.Registerer) *GuardMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &GuardMetrics{
		patternCounts:         make(map[string]*GuardPatternMetrics),
		registerer:            registerer,
		outcomesTotal:         newGuardCounterVec("messages_total", "Messages handled by the consumption guard, by outcome", []string{"pattern", "outcome"}),
		deadLetteredTotal:     newGuardCounterVec("dead_lettered_total", "Messages published to a dead-letter queue, by failure kind", []string{"pattern", "kind"}),
		dlqPublishFailures:    newGuardCounterVec("dlq_publish_failures_total", "Dead-letter publishes that failed and left the message for redelivery", []string{"pattern"}),
		handlerDurationHist:   newGuardHistogramVec("handler_duration_seconds", "Time spent in replica handlers", prometheus.DefBuckets, []string{"pattern"}),
		deadLetterRetryCounts: newGuardHistogramVec("dead_letter_retry_count", "x-retry-count of messages when dead-lettered", []float64{1, 2, 3, 5, 10}, []string{"pattern"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *GuardMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.outcomesTotal,
		m.deadLetteredTotal,
		m.dlqPublishFailures,
		m.handlerDurationHist,
		m.deadLetterRetryCounts,
	}

	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

// RecordOutcome counts one guard decision for pattern.
func (m *GuardMetrics) RecordOutcome(pattern string, outcome Outcome) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pm := m.getOrCreatePatternMetrics(pattern)
	switch outcome {
	case OutcomeAcked:
		pm.Acked++
	case OutcomeDeadLettered:
		pm.DeadLettered++
		pm.LastDeadLetteredAt = time.Now()
	case OutcomeDropped:
		pm.Dropped++
	case OutcomeUnroutable:
		pm.Unroutable++
	case OutcomeRequeued:
		pm.Requeued++
	}
	pm.LastUpdatedAt = time.Now()

	m.outcomesTotal.WithLabelValues(pattern, string(outcome)).Inc()
}

// RecordDeadLetter records a successful dead-letter publish.
func (m *GuardMetrics) RecordDeadLetter(pattern string, kind FailureKind, retryCount int, cause error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pm := m.getOrCreatePatternMetrics(pattern)
	if cause != nil {
		pm.LastFailure = cause.Error()
	}

	m.deadLetteredTotal.WithLabelValues(pattern, string(kind)).Inc()
	m.deadLetterRetryCounts.WithLabelValues(pattern).Observe(float64(retryCount))
}

// RecordDLQPublishFailure records a dead-letter publish that failed.
func (m *GuardMetrics) RecordDLQPublishFailure(pattern string, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	pm := m.getOrCreatePatternMetrics(pattern)
	pm.DLQPublishFailures++
	if err != nil {
		pm.LastFailure = err.Error()
	}
	pm.LastUpdatedAt = time.Now()

	m.dlqPublishFailures.WithLabelValues(pattern).Inc()
}

// ObserveHandlerDuration records handler latency.
func (m *GuardMetrics) ObserveHandlerDuration(pattern string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerDurationHist.WithLabelValues(pattern).Observe(d.Seconds())
}

// GetSnapshot returns a point-in-time snapshot of all guard metrics.
func (m *GuardMetrics) GetSnapshot() GuardMetricsSnapshot {
	snapshot := GuardMetricsSnapshot{
		PatternMetrics: make(map[string]*GuardPatternMetrics),
		CollectedAt:    time.Now(),
	}
	if m == nil {
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for pattern, pm := range m.patternCounts {
		cp := *pm
		snapshot.PatternMetrics[pattern] = &cp
		snapshot.TotalAcked += pm.Acked
		snapshot.TotalDeadLettered += pm.DeadLettered
		snapshot.TotalDropped += pm.Dropped
		snapshot.TotalUnroutable += pm.Unroutable
	}
	return snapshot
}

// GetPatternMetrics returns a copy of the metrics for pattern, or nil.
func (m *GuardMetrics) GetPatternMetrics(pattern string) *GuardPatternMetrics {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if pm, ok := m.patternCounts[pattern]; ok {
		cp := *pm
		return &cp
	}
	return nil
}

func (m *GuardMetrics) getOrCreatePatternMetrics(pattern string) *GuardPatternMetrics {
	if pm, ok := m.patternCounts[pattern]; ok {
		return pm
	}
	pm := &GuardPatternMetrics{}
	m.patternCounts[pattern] = pm
	return pm
}

// Reset clears all metrics (useful for testing).
func (m *GuardMetrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.patternCounts = make(map[string]*GuardPatternMetrics)
	m.outcomesTotal.Reset()
	m.deadLetteredTotal.Reset()
	m.dlqPublishFailures.Reset()
	m.handlerDurationHist.Reset()
	m.deadLetterRetryCounts.Reset()
}
