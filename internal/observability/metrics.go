package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the services export. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Requests        *prometheus.CounterVec
	LatencyMS       *prometheus.HistogramVec
	SagaOutcomes    *prometheus.CounterVec
	SagaStepLatency *prometheus.HistogramVec
	Reservations    *prometheus.CounterVec
	EventsPublished *prometheus.CounterVec
	EventsConsumed  *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer, service string) *Metrics {
	factory := promauto.With(reg)
	ms := []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   ms,
		}, []string{"handler"}),
		SagaOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "saga_outcomes_total",
			Help:      "Checkout saga terminal outcomes.",
		}, []string{"outcome"}),
		SagaStepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "saga_step_duration_ms",
			Help:      "Checkout saga step latency in milliseconds.",
			Buckets:   ms,
		}, []string{"step", "result"}),
		Reservations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "reservations_total",
			Help:      "Inventory reservation attempts by result.",
		}, []string{"result"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "events_published_total",
			Help:      "Domain events published by routing key and result.",
		}, []string{"routing_key", "result"}),
		EventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storefront",
			Subsystem: service,
			Name:      "events_consumed_total",
			Help:      "Domain events consumed by queue and result.",
		}, []string{"queue", "result"}),
	}
}

func (m *Metrics) ObserveRequest(handler string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, http.StatusText(status)).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) ObserveSaga(outcome string) {
	if m == nil {
		return
	}
	m.SagaOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveSagaStep(step, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SagaStepLatency.WithLabelValues(step, result).Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) ObserveReservation(result string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePublish(routingKey string, err error) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(routingKey, result(err)).Inc()
}

func (m *Metrics) ObserveConsume(queue string, err error) {
	if m == nil {
		return
	}
	m.EventsConsumed.WithLabelValues(queue, result(err)).Inc()
}

// Handler serves the collectors registered on gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
