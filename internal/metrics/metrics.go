package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine records order, payment and refund outcomes. A nil *Engine is valid
// and records nothing.
type Engine struct {
	ordersCreated   *prometheus.CounterVec
	stockRejections *prometheus.CounterVec
	webhooks        *prometheus.CounterVec
	refunds         prometheus.Counter
	refundedAmount  prometheus.Counter
	jobDuration     *prometheus.HistogramVec
	jobRuns         *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Engine {
	if reg == nil {
		return &Engine{}
	}
	e := &Engine{
		ordersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banhang_orders_created_total",
			Help: "Orders created by payment method and initial status.",
		}, []string{"payment_method", "status"}),
		stockRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banhang_stock_rejections_total",
			Help: "Order operations rejected for insufficient stock.",
		}, []string{"operation"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banhang_payment_webhooks_total",
			Help: "Payment webhooks by outcome.",
		}, []string{"outcome"}),
		refunds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "banhang_refunds_total",
			Help: "Refunds created.",
		}),
		refundedAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "banhang_refunded_vnd_total",
			Help: "Refunded amount in VND.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "banhang_job_duration_seconds",
			Help:    "Duration of background jobs in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "banhang_job_runs_total",
			Help: "Background job runs by result.",
		}, []string{"job", "result"}),
	}
	reg.MustRegister(e.ordersCreated, e.stockRejections, e.webhooks, e.refunds, e.refundedAmount, e.jobDuration, e.jobRuns)
	return e
}

func (e *Engine) OrderCreated(paymentMethod string, status string) {
	if e == nil || e.ordersCreated == nil {
		return
	}
	e.ordersCreated.WithLabelValues(normalizeLabel(paymentMethod), normalizeLabel(status)).Inc()
}

func (e *Engine) StockRejected(operation string) {
	if e == nil || e.stockRejections == nil {
		return
	}
	e.stockRejections.WithLabelValues(normalizeLabel(operation)).Inc()
}

func (e *Engine) Webhook(outcome string) {
	if e == nil || e.webhooks == nil {
		return
	}
	e.webhooks.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (e *Engine) RefundCreated(amount int64) {
	if e == nil || e.refunds == nil {
		return
	}
	e.refunds.Inc()
	e.refundedAmount.Add(float64(amount))
}

func (e *Engine) ObserveJob(job string, duration time.Duration, err error) {
	if e == nil || e.jobDuration == nil {
		return
	}
	e.jobDuration.WithLabelValues(normalizeLabel(job)).Observe(duration.Seconds())
	result := "success"
	if err != nil {
		result = "failure"
	}
	e.jobRuns.WithLabelValues(normalizeLabel(job), result).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
