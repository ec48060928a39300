package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports measurements as prometheus counters
type Prometheus struct {
	published   *prometheus.CounterVec
	settled     *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	reconnected prometheus.Counter
}

// NewPrometheus creates the counters and registers them with reg
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	p := &Prometheus{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "events_published_total",
			Help:      "Events handed to the broker, by event name and outcome.",
		}, []string{"event", "ok"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "deliveries_settled_total",
			Help:      "Deliveries acked or nacked, by event name and action.",
		}, []string{"event", "action"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "deliveries_dropped_total",
			Help:      "Deliveries left unsettled, by event name and reason.",
		}, []string{"event", "reason"}),
		reconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "reconnects_total",
			Help:      "Broker connections re-established after a loss.",
		}),
	}

	for _, c := range []prometheus.Collector{p.published, p.settled, p.dropped, p.reconnected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// EventPublished implements Recorder
func (p *Prometheus) EventPublished(eventName string, ok bool) {
	p.published.WithLabelValues(eventName, strconv.FormatBool(ok)).Inc()
}

// DeliverySettled implements Recorder
func (p *Prometheus) DeliverySettled(eventName string, action string) {
	p.settled.WithLabelValues(eventName, action).Inc()
}

// DeliveryDropped implements Recorder
func (p *Prometheus) DeliveryDropped(eventName string, reason string) {
	p.dropped.WithLabelValues(eventName, reason).Inc()
}

// Reconnected implements Recorder
func (p *Prometheus) Reconnected() {
	p.reconnected.Inc()
}

var _ Recorder = (*Prometheus)(nil)
