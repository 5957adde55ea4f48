package payment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered on the registry passed to NewMetrics so tests can
// use a private one.
type Metrics struct {
	WebhookEvents     *prometheus.CounterVec
	Reconciliations   *prometheus.CounterVec
	VerifyOutcomes    *prometheus.CounterVec
	DeadLetters       *prometheus.CounterVec
	ReconcileDuration *prometheus.HistogramVec
	TrackedPayments   prometheus.GaugeFunc
}

func NewMetrics(reg prometheus.Registerer, coord *Coordinator) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		WebhookEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoice",
			Subsystem: "payment",
			Name:      "webhook_events_total",
			Help:      "Gateway webhook deliveries by event kind and handling result.",
		}, []string{"kind", "result"}),
		Reconciliations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoice",
			Subsystem: "payment",
			Name:      "reconciliations_total",
			Help:      "Reconciliation attempts by entry point and result.",
		}, []string{"source", "result"}),
		VerifyOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoice",
			Subsystem: "payment",
			Name:      "verify_total",
			Help:      "Client verify calls by result.",
		}, []string{"result"}),
		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "invoice",
			Subsystem: "payment",
			Name:      "dead_letters_total",
			Help:      "Dead-letter records written and resolved.",
		}, []string{"action"}),
		ReconcileDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "invoice",
			Subsystem: "payment",
			Name:      "reconcile_duration_seconds",
			Help:      "Time spent reconciling one payment.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}
	if coord != nil {
		m.TrackedPayments = f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "invoice",
			Subsystem: "payment",
			Name:      "coordinator_entries",
			Help:      "Payments currently tracked by the verification coordinator.",
		}, func() float64 { return float64(coord.Len()) })
	}
	return m
}

func (m *Metrics) webhook(kind, result string) {
	if m != nil {
		m.WebhookEvents.WithLabelValues(kind, result).Inc()
	}
}

func (m *Metrics) reconciled(source, result string, seconds float64) {
	if m != nil {
		m.Reconciliations.WithLabelValues(source, result).Inc()
		m.ReconcileDuration.WithLabelValues(source).Observe(seconds)
	}
}

func (m *Metrics) verified(result string) {
	if m != nil {
		m.VerifyOutcomes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) deadLetter(action string) {
	if m != nil {
		m.DeadLetters.WithLabelValues(action).Inc()
	}
}
