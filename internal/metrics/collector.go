// Package metrics exposes kiosk activity as Prometheus collectors fed from the event bus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MarcoPoloResearchLab/jukebox/internal/events"
)

const namespace = "jukebox"

// QueueStats reads the playback queue.
type QueueStats interface {
	Len() int
	TotalCredits() int
}

// Collector records kiosk activity on a private registry.
type Collector struct {
	registry *prometheus.Registry

	balance          prometheus.Gauge
	creditsAdded     *prometheus.CounterVec
	creditChanges    *prometheus.CounterVec
	selections       *prometheus.CounterVec
	hardwareErrors   *prometheus.CounterVec
	statusMessages   *prometheus.CounterVec
	emergencyStops   prometheus.Counter
	systemResets     prometheus.Counter
	discardedEntries prometheus.Counter
	adminLogins      *prometheus.CounterVec

	subscriptions []events.Subscription
	bus           *events.Bus
}

// NewCollector registers the kiosk collectors. queue may be nil.
func NewCollector(queue QueueStats) *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	registry.MustRegister(collectors.NewGoCollector())

	collector := &Collector{
		registry: registry,
		balance: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "credit_balance",
			Help:      "Current patron credit balance.",
		}),
		creditsAdded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_added_total",
			Help:      "Credits deposited, by source.",
		}, []string{"source"}),
		creditChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_changes_total",
			Help:      "Ledger mutations, by reason.",
		}, []string{"reason"}),
		selections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Committed paid selections.",
		}, []string{"premium"}),
		hardwareErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hardware_errors_total",
			Help:      "Coin acceptor and serial link errors, by code.",
		}, []string{"code"}),
		statusMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_messages_total",
			Help:      "Patron-facing status messages, by code.",
		}, []string{"code"}),
		emergencyStops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emergency_stops_total",
			Help:      "Emergency stops.",
		}),
		systemResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "system_resets_total",
			Help:      "System resets.",
		}),
		discardedEntries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_entries_total",
			Help:      "Queue entries discarded by emergency stops.",
		}),
		adminLogins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admin_logins_total",
			Help:      "Admin login attempts, by outcome.",
		}, []string{"granted"}),
	}

	if queue != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Entries waiting in the playback queue.",
		}, func() float64 { return float64(queue.Len()) })
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_reserved_credits",
			Help:      "Credits reserved by queued entries.",
		}, func() float64 { return float64(queue.TotalCredits()) })
	}
	return collector
}

// Attach subscribes the collector to every catalog event on bus.
func (c *Collector) Attach(bus *events.Bus) error {
	subscriptions, err := bus.SubscribeAll(c.observe)
	if err != nil {
		return err
	}
	c.bus = bus
	c.subscriptions = subscriptions
	return nil
}

// Detach removes the bus subscriptions.
func (c *Collector) Detach() {
	if c.bus == nil {
		return
	}
	c.bus.Unsubscribe(c.subscriptions...)
	c.subscriptions = nil
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Timeout: 5 * time.Second})
}

func (c *Collector) observe(event events.Event) error {
	switch payload := event.Payload.(type) {
	case events.CreditsChanged:
		c.balance.Set(float64(payload.Total))
		c.creditChanges.WithLabelValues(payload.Reason).Inc()
	case events.CreditsAdded:
		c.creditsAdded.WithLabelValues(payload.Source).Add(float64(payload.Amount))
	case events.VideoSelected:
		c.selections.WithLabelValues(strconv.FormatBool(payload.Premium)).Inc()
	case events.HardwareError:
		c.hardwareErrors.WithLabelValues(payload.Code).Inc()
	case events.Error:
		c.statusMessages.WithLabelValues(payload.Code).Inc()
	case events.EmergencyStop:
		c.emergencyStops.Inc()
		c.discardedEntries.Add(float64(payload.DiscardedEntries))
	case events.SystemReset:
		c.systemResets.Inc()
	case events.AdminAccess:
		c.adminLogins.WithLabelValues(strconv.FormatBool(payload.Granted)).Inc()
	}
	return nil
}
