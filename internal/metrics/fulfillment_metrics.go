package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FulfillmentMetrics содержит метрики обработки заказов.
type FulfillmentMetrics struct {
	// Счётчики исходов
	fulfillmentStarted   prometheus.Counter
	fulfillmentCompleted prometheus.Counter
	fulfillmentFailed    prometheus.Counter
	retriesScheduled     prometheus.Counter
	sentToReview         prometheus.Counter

	// Гистограммы времени выполнения
	fulfillmentDuration prometheus.Histogram
	stepDuration        *prometheus.HistogramVec

	outboxEvents prometheus.Counter

	// Gauge для заказов в обработке
	activeOrders prometheus.Gauge
}

// NewFulfillmentMetrics создаёт новый экземпляр метрик fulfillment.
func NewFulfillmentMetrics() *FulfillmentMetrics {
	return newFulfillmentMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newFulfillmentMetricsWithRegisterer(registerer prometheus.Registerer) *FulfillmentMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &FulfillmentMetrics{
		fulfillmentStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "esimoms_fulfillment_started_total",
			Help: "Total number of order fulfillment runs started",
		}),
		fulfillmentCompleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "esimoms_fulfillment_completed_total",
			Help: "Total number of orders fulfilled successfully",
		}),
		fulfillmentFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "esimoms_fulfillment_failed_total",
			Help: "Total number of orders that terminally failed fulfillment",
		}),
		retriesScheduled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "esimoms_fulfillment_retries_scheduled_total",
			Help: "Total number of provisioning retries scheduled",
		}),
		sentToReview: registerCounter(registerer, prometheus.CounterOpts{
			Name: "esimoms_fulfillment_sent_to_review_total",
			Help: "Total number of orders escalated to operator review",
		}),
		fulfillmentDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "esimoms_fulfillment_duration_seconds",
			Help:    "Duration of fulfillment runs in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "esimoms_fulfillment_step_duration_seconds",
			Help:    "Duration of individual fulfillment steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "esimoms_outbox_events_total",
			Help: "Total number of outbox events enqueued by fulfillment",
		}),
		activeOrders: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "esimoms_fulfillment_active_orders",
			Help: "Number of orders currently being fulfilled",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordStarted увеличивает счётчик запущенных обработок.
func (m *FulfillmentMetrics) RecordStarted() {
	m.fulfillmentStarted.Inc()
	m.activeOrders.Inc()
}

// RecordFinished уменьшает количество активных обработок.
func (m *FulfillmentMetrics) RecordFinished() {
	m.activeOrders.Dec()
}

// RecordCompleted увеличивает счётчик успешно выполненных заказов.
func (m *FulfillmentMetrics) RecordCompleted() {
	m.fulfillmentCompleted.Inc()
}

// RecordFailed увеличивает счётчик окончательно проваленных заказов.
func (m *FulfillmentMetrics) RecordFailed() {
	m.fulfillmentFailed.Inc()
}

// RecordRetryScheduled увеличивает счётчик запланированных повторов.
func (m *FulfillmentMetrics) RecordRetryScheduled() {
	m.retriesScheduled.Inc()
}

// RecordSentToReview увеличивает счётчик эскалаций оператору.
func (m *FulfillmentMetrics) RecordSentToReview() {
	m.sentToReview.Inc()
}

// RecordDuration записывает время обработки заказа.
func (m *FulfillmentMetrics) RecordDuration(duration time.Duration) {
	m.fulfillmentDuration.Observe(duration.Seconds())
}

// RecordStepDuration записывает время выполнения шага обработки.
func (m *FulfillmentMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *FulfillmentMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
