package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatstate"

// Collectors is the full metric set of one application instance.
type Collectors struct {
	EventsEmitted          *prometheus.CounterVec
	ListenerPanics         *prometheus.CounterVec
	NotificationsDelivered *prometheus.CounterVec
	SubscriberPanics       *prometheus.CounterVec
	PersistenceWrites      *prometheus.CounterVec
	PersistenceFailures    *prometheus.CounterVec
	UINotificationsEvicted prometheus.Counter
	APIRequests            *prometheus.CounterVec
	APIRequestDuration     *prometheus.HistogramVec
	StoreInitDuration      *prometheus.HistogramVec
}

// NewCollectors creates the metric set and registers it with reg. A nil reg
// leaves the collectors unregistered, which tests use to read values directly.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Events emitted on store buses.",
		}, []string{"owner", "type"}),
		ListenerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_panics_total",
			Help:      "Event listener panics recovered by a bus.",
		}, []string{"component"}),
		NotificationsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_delivered_total",
			Help:      "Change notifications delivered to subscribers.",
		}, []string{"store"}),
		SubscriberPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriber_panics_total",
			Help:      "State subscriber panics recovered by a store.",
		}, []string{"store"}),
		PersistenceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_writes_total",
			Help:      "Successful writes of persisted state.",
		}, []string{"namespace"}),
		PersistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Failed loads or saves of persisted state.",
		}, []string{"namespace", "op"}),
		UINotificationsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ui_notifications_evicted_total",
			Help:      "UI notifications dropped to respect the queue limit.",
		}),
		APIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "REST calls made by the API client.",
		}, []string{"method", "code"}),
		APIRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "REST call latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		StoreInitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_init_duration_seconds",
			Help:      "Time spent in each domain store's Init.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"store"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.EventsEmitted, c.ListenerPanics,
			c.NotificationsDelivered, c.SubscriberPanics,
			c.PersistenceWrites, c.PersistenceFailures,
			c.UINotificationsEvicted,
			c.APIRequests, c.APIRequestDuration,
			c.StoreInitDuration,
		)
	}
	return c
}

// NotificationDelivered implements state.Observer.
func (c *Collectors) NotificationDelivered(store string) {
	c.NotificationsDelivered.WithLabelValues(store).Inc()
}

// SubscriberPanicked implements state.Observer.
func (c *Collectors) SubscriberPanicked(store string) {
	c.SubscriberPanics.WithLabelValues(store).Inc()
}

// PersistenceSaved records a successful write.
func (c *Collectors) PersistenceSaved(ns string) {
	c.PersistenceWrites.WithLabelValues(ns).Inc()
}

// PersistenceFailed records a failed load or save.
func (c *Collectors) PersistenceFailed(ns, op string) {
	c.PersistenceFailures.WithLabelValues(ns, op).Inc()
}

// NotificationEvicted records one UI queue eviction.
func (c *Collectors) NotificationEvicted() {
	c.UINotificationsEvicted.Inc()
}

// ObserveAPI records a finished REST call. code 0 means a transport error.
func (c *Collectors) ObserveAPI(method string, code int, elapsed time.Duration) {
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	c.APIRequests.WithLabelValues(method, label).Inc()
	c.APIRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveInit records one store initialization.
func (c *Collectors) ObserveInit(store string, elapsed time.Duration) {
	c.StoreInitDuration.WithLabelValues(store).Observe(elapsed.Seconds())
}
