package metrics

import (
	"github.com/Nzyazin/billpay/internal/core/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder считает исходы покупок и перезапросов. Нулевой *Recorder ничего не делает.
type Recorder struct {
	purchases       *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
}

func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		purchases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billpay_purchases_total",
			Help: "Purchases by product and outcome.",
		}, []string{"product", "outcome"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billpay_reconciliations_total",
			Help: "Requery attempts by result.",
		}, []string{"result"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billpay_provider_request_duration_seconds",
			Help:    "Latency of provider calls by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg != nil {
		reg.MustRegister(r.purchases, r.reconciliations, r.providerLatency)
	}
	return r
}

func (r *Recorder) Purchase(product models.ProductKind, outcome models.PurchaseOutcome) {
	if r == nil {
		return
	}
	r.purchases.WithLabelValues(string(product), string(outcome)).Inc()
}

// Reconciliation принимает результат перезапроса или "error"
func (r *Recorder) Reconciliation(result string) {
	if r == nil {
		return
	}
	r.reconciliations.WithLabelValues(result).Inc()
}

func (r *Recorder) ProviderCall(operation string, seconds float64) {
	if r == nil {
		return
	}
	r.providerLatency.WithLabelValues(operation).Observe(seconds)
}
