package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledgersync_stream_clients",
		Help: "Number of connected stream clients",
	})
	pushCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgersync_stream_push_total",
		Help: "Total number of stream messages published",
	})
	dropCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledgersync_stream_drop_total",
		Help: "Stream messages dropped because the hub or a client was saturated",
	})

	resultDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledgersync_operation_duration_seconds",
		Help:    "Remote call duration per processed operation, by outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledgersync_queue_operations",
		Help: "Operations in the queue by status",
	}, []string{"status"})
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledgersync_breaker_state",
		Help: "1 for the circuit breaker's current state, 0 otherwise",
	}, []string{"state"})
	deadLetterCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgersync_dead_letter_total",
		Help: "Operations moved to dead-letter, by failure kind",
	}, []string{"kind"})
	rescueCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgersync_rescue_total",
		Help: "Dead-letter entries seen by the rescue service, by result",
	}, []string{"result"})
)

var breakerStates = []string{"closed", "open", "half_open"}

type PrometheusObserver struct{}

func NewPrometheusObserver() *PrometheusObserver {
	return &PrometheusObserver{}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *PrometheusObserver) IncOnline() {
	onlineGauge.Inc()
}
func (p *PrometheusObserver) DecOnline() {
	onlineGauge.Dec()
}
func (p *PrometheusObserver) RecordPush() {
	pushCounter.Inc()
}
func (p *PrometheusObserver) RecordDrop() {
	dropCounter.Inc()
}

func (p *PrometheusObserver) ObserveResult(outcome string, d time.Duration) {
	resultDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (p *PrometheusObserver) SetQueueDepth(status string, n int64) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

func (p *PrometheusObserver) SetBreakerState(state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		breakerState.WithLabelValues(s).Set(v)
	}
}

func (p *PrometheusObserver) RecordDeadLetter(kind string) {
	deadLetterCounter.WithLabelValues(kind).Inc()
}

func (p *PrometheusObserver) RecordRescue(result string, n int) {
	rescueCounter.WithLabelValues(result).Add(float64(n))
}
