package events

import (
	"github.com/gxo-labs/chatstate/pkg/chatstate/v1/events"
	cslog "github.com/gxo-labs/chatstate/pkg/chatstate/v1/log"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsEventListener counts the events flowing through one or more buses
// and the listener panics they recover.
type MetricsEventListener struct {
	log     cslog.Logger
	emitted *prometheus.CounterVec
	panics  *prometheus.CounterVec
	subs    []events.Subscription
}

// NewMetricsEventListener requires both counters; they are usually owned by
// the metrics.Collectors set.
func NewMetricsEventListener(emitted, panics *prometheus.CounterVec, log cslog.Logger) *MetricsEventListener {
	if emitted == nil || panics == nil || log == nil {
		panic("MetricsEventListener requires non-nil counters and logger")
	}
	return &MetricsEventListener{
		log:     log.With("component", "MetricsEventListener"),
		emitted: emitted,
		panics:  panics,
	}
}

// Attach subscribes the listener to every event on bus and hooks its panic
// reporting.
func (l *MetricsEventListener) Attach(bus *EventBus) {
	owner := bus.Owner()
	l.subs = append(l.subs, bus.OnAny(func(e events.Event) {
		l.emitted.WithLabelValues(owner, string(e.Type)).Inc()
	}))
	bus.SetPanicHook(func(_ events.EventType, _ interface{}) {
		l.panics.WithLabelValues(owner).Inc()
	})
	l.log.Debugf("Attached to bus '%s'", owner)
}

// Detach removes every subscription made by Attach.
func (l *MetricsEventListener) Detach() {
	for _, s := range l.subs {
		s.Unsubscribe()
	}
	l.subs = nil
}
