package server

import (
	"net/http"

	"rwamarket/internal/purchase"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	purchasesTotal   *prometheus.CounterVec
	stepsTotal       *prometheus.CounterVec
	approvalsSkipped prometheus.Counter
	statusPollsTotal *prometheus.CounterVec
}

func newMetricsRegistry() *metricsRegistry {
	purchases := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rwamarket_purchases_total",
		Help: "Purchase requests by outcome",
	}, []string{"outcome"})

	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rwamarket_purchase_steps_total",
		Help: "Progress steps entered by purchase attempts",
	}, []string{"step"})

	skipped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rwamarket_approvals_skipped_total",
		Help: "Settled purchases whose existing allowance covered the amount",
	})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rwamarket_tx_status_polls_total",
		Help: "Transaction status lookups by reported status",
	}, []string{"status"})

	r := prometheus.NewRegistry()
	r.MustRegister(purchases, steps, skipped, polls)

	return &metricsRegistry{
		registry:         r,
		purchasesTotal:   purchases,
		stepsTotal:       steps,
		approvalsSkipped: skipped,
		statusPollsTotal: polls,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incPurchase(outcome string) {
	m.purchasesTotal.WithLabelValues(outcome).Inc()
}

func (m *metricsRegistry) incApprovalSkipped() {
	m.approvalsSkipped.Inc()
}

func (m *metricsRegistry) incStatusPoll(status string) {
	m.statusPollsTotal.WithLabelValues(status).Inc()
}

// observer counts each progress step as it is entered.
func (m *metricsRegistry) observer() purchase.Observer {
	return purchase.ObserverFunc(func(e purchase.Event) {
		m.stepsTotal.WithLabelValues(string(e.Step)).Inc()
	})
}
