package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	ModeComplete = "complete"
	ModeStream   = "stream"

	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

type Metrics struct {
	Requests      *prometheus.CounterVec
	Tokens        *prometheus.CounterVec
	Cost          *prometheus.CounterVec
	Actions       *prometheus.CounterVec
	ActiveStreams prometheus.Gauge
}

var (
	once   sync.Once
	global *Metrics
)

// Global returns the process metrics registered with the default registry.
func Global() *Metrics {
	once.Do(func() {
		global = New(prometheus.DefaultRegisterer)
	})
	return global
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimir",
			Name:      "provider_requests_total",
			Help:      "Completion requests by provider, mode and outcome",
		}, []string{"provider", "mode", "outcome"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimir",
			Name:      "provider_tokens_total",
			Help:      "Tokens consumed by provider and direction",
		}, []string{"provider", "direction"}),
		Cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimir",
			Name:      "provider_cost_total",
			Help:      "Estimated spend in dollars by provider",
		}, []string{"provider"}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimir",
			Name:      "actions_extracted_total",
			Help:      "Action tags extracted from model replies by kind",
		}, []string{"kind"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mimir",
			Name:      "active_streams",
			Help:      "Streams currently in flight",
		}),
	}
	reg.MustRegister(m.Requests, m.Tokens, m.Cost, m.Actions, m.ActiveStreams)
	return m
}

func (m *Metrics) ObserveRequest(provider, mode, outcome string) {
	m.Requests.WithLabelValues(provider, mode, outcome).Inc()
}

func (m *Metrics) ObserveUsage(provider string, prompt, completion int, cost float64) {
	m.Tokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	m.Tokens.WithLabelValues(provider, "completion").Add(float64(completion))
	m.Cost.WithLabelValues(provider).Add(cost)
}

func (m *Metrics) ObserveActions(kind string, n int) {
	if n > 0 {
		m.Actions.WithLabelValues(kind).Add(float64(n))
	}
}
