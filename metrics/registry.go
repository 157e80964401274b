package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"realtime-service/domain"
)

// Registry owns every realtime metric. It satisfies the observer interfaces of
// the broker, the listener and the streaming sessions.
type Registry struct {
	registry *prometheus.Registry

	signalsTotal       *prometheus.CounterVec
	listenerReconnects prometheus.Counter
	listenerConnected  prometheus.Gauge

	publishedTotal *prometheus.CounterVec
	deliveredTotal *prometheus.CounterVec
	droppedTotal   *prometheus.CounterVec
	subscriptions  prometheus.Gauge

	sessionsTotal  *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	framesTotal    *prometheus.CounterVec
}

func NewRegistry() *Registry {
	registry := prometheus.NewRegistry()

	r := &Registry{
		registry: registry,

		signalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_listener_signals_total",
				Help: "Signals received from the change source",
			},
			[]string{"channel", "status"}, // status: ok, invalid, unknown
		),
		listenerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_listener_reconnects_total",
			Help: "Attempts to (re)establish the upstream subscription after a failure",
		}),
		listenerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_listener_connected",
			Help: "1 while the upstream subscription is established",
		}),

		publishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_broker_published_total",
				Help: "Events published to the broker",
			},
			[]string{"channel"},
		),
		deliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_broker_delivered_total",
				Help: "Event copies enqueued into subscription outboxes",
			},
			[]string{"channel"},
		),
		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_broker_dropped_total",
				Help: "Events evicted from full subscription outboxes",
			},
			[]string{"channel"},
		),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_broker_subscriptions",
			Help: "Currently registered subscriptions",
		}),

		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_sessions_total",
				Help: "Streaming sessions by transport and outcome",
			},
			[]string{"transport", "outcome"}, // outcome: opened, closed, write_error
		),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_sessions_active",
			Help: "Streaming sessions currently open",
		}),
		framesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "realtime_session_frames_total",
				Help: "Frames written to streaming sessions",
			},
			[]string{"transport", "kind"}, // kind: event, keepalive
		),
	}

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry.MustRegister(
		r.signalsTotal,
		r.listenerReconnects,
		r.listenerConnected,
		r.publishedTotal,
		r.deliveredTotal,
		r.droppedTotal,
		r.subscriptions,
		r.sessionsTotal,
		r.sessionsActive,
		r.framesTotal,
	)
	return r
}

// Handler serves the prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          r.registry,
	})
}

// Registerer lets HTTP middleware add its collectors to this registry.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// listener

func (r *Registry) SignalReceived(ch domain.Channel, status string) {
	label := string(ch)
	if label == "" {
		label = "unknown"
	}
	r.signalsTotal.WithLabelValues(label, status).Inc()
}

func (r *Registry) ListenerReconnecting() {
	r.listenerReconnects.Inc()
	r.listenerConnected.Set(0)
}

func (r *Registry) ListenerConnected() {
	r.listenerConnected.Set(1)
}

// broker

func (r *Registry) SubscriptionRegistered(active int) {
	r.subscriptions.Set(float64(active))
}

func (r *Registry) SubscriptionUnregistered(active int) {
	r.subscriptions.Set(float64(active))
}

func (r *Registry) EventPublished(ch domain.Channel, delivered int) {
	r.publishedTotal.WithLabelValues(string(ch)).Inc()
	if delivered > 0 {
		r.deliveredTotal.WithLabelValues(string(ch)).Add(float64(delivered))
	}
}

func (r *Registry) EventDropped(ch domain.Channel) {
	r.droppedTotal.WithLabelValues(string(ch)).Inc()
}

// sessions

func (r *Registry) SessionOpened(transport string) {
	r.sessionsTotal.WithLabelValues(transport, "opened").Inc()
	r.sessionsActive.Inc()
}

func (r *Registry) SessionClosed(transport string, err error) {
	outcome := "closed"
	if err != nil {
		outcome = "write_error"
	}
	r.sessionsTotal.WithLabelValues(transport, outcome).Inc()
	r.sessionsActive.Dec()
}

func (r *Registry) FrameWritten(transport, kind string) {
	r.framesTotal.WithLabelValues(transport, kind).Inc()
}
