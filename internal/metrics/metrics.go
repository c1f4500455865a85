// Package metrics exposes Prometheus collectors describing relay activity.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "venice_relay"

// Metrics groups the relay's collectors. A nil *Metrics is valid and records
// nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	executions      *prometheus.CounterVec
	executionTime   prometheus.Histogram
	sharedWaits     prometheus.Counter
	pendingRequests prometheus.Gauge
	prunedRequests  prometheus.Counter
	openSessions    prometheus.Gauge
	sessionsCreated *prometheus.CounterVec
	logins          *prometheus.CounterVec
}

// MustNew registers the collectors with reg and panics on a conflicting
// registration. Re-registering identical collectors reuses the existing ones.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_executions_total",
			Help:      "Prompt executions driven through the browser, by outcome kind.",
		}, []string{"outcome"}),
		executionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prompt_execution_duration_seconds",
			Help:      "Wall time of one prompt execution.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
		}),
		sharedWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shared_results_total",
			Help:      "Requests answered by attaching to an execution already in flight.",
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Conversation ids with an execution in flight.",
		}),
		prunedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pruned_requests_total",
			Help:      "Pending requests removed by the staleness sweep.",
		}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Conversation tabs currently open.",
		}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Conversation tabs opened, by whether a new conversation was started.",
		}, []string{"conversation"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login attempts, by result.",
		}, []string{"result"}),
	}

	register(reg, &m.executions)
	register(reg, &m.executionTime)
	register(reg, &m.sharedWaits)
	register(reg, &m.pendingRequests)
	register(reg, &m.prunedRequests)
	register(reg, &m.openSessions)
	register(reg, &m.sessionsCreated)
	register(reg, &m.logins)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c *C) {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				*c = existing
				return
			}
		}
		panic(err)
	}
}

// ObserveExecution records one finished prompt execution.
func (m *Metrics) ObserveExecution(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
	m.executionTime.Observe(d.Seconds())
}

// IncShared counts a request that reused an in-flight result.
func (m *Metrics) IncShared() {
	if m == nil {
		return
	}
	m.sharedWaits.Inc()
}

// SetPending reports the number of in-flight conversation ids.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

// AddPruned counts stale pending requests removed by the sweep.
func (m *Metrics) AddPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.prunedRequests.Add(float64(n))
}

// SetOpenSessions reports the number of open conversation tabs.
func (m *Metrics) SetOpenSessions(n int) {
	if m == nil {
		return
	}
	m.openSessions.Set(float64(n))
}

// IncSessionCreated counts a newly opened tab.
func (m *Metrics) IncSessionCreated(newConversation bool) {
	if m == nil {
		return
	}
	label := "existing"
	if newConversation {
		label = "new"
	}
	m.sessionsCreated.WithLabelValues(label).Inc()
}

// IncLogin counts a login attempt.
func (m *Metrics) IncLogin(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.logins.WithLabelValues(result).Inc()
}
