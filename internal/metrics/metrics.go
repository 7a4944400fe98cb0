// Package metrics exposes Prometheus counters and gauges for the
// rendezvous store, fed by internal/events. Unlike the corpus's own
// metrics packages (which register onto the global default registry via
// a package-level init), this package owns a private *prometheus.Registry
// per Collector so that a process — or a test — can run more than one
// dispatcher without a duplicate-registration panic.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arjbhandari/rendezvousd/internal/events"
)

// Collector subscribes to an events.Bus and maintains the counters and
// gauges a production deployment would scrape to watch connection count,
// key mutations, and wait/watch activity. There is no gauge of the
// current number of keys.
type Collector struct {
	registry *prometheus.Registry

	connectionsTotal prometheus.Counter
	connectionsGauge prometheus.Gauge
	purgesTotal      prometheus.Counter
	keysSetTotal     prometheus.Counter
	keysDeletedTotal prometheus.Counter
	waitersRegistered prometheus.Counter
	waitersWoken     prometheus.Counter
	watchersRegistered prometheus.Counter
	watchFiredTotal  prometheus.Counter

	unsubscribe func()
}

const namespace = "rendezvousd"

// New creates a Collector, registers its metrics on a private registry,
// and starts consuming bus in the background. Call Close to stop
// consuming and release the subscription.
func New(bus *events.Bus) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "conn", Name: "accepted_total",
			Help: "Total connections accepted.",
		}),
		connectionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "conn", Name: "active",
			Help: "Currently live connections.",
		}),
		purgesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "conn", Name: "purged_total",
			Help: "Total connections purged due to a transport or protocol error.",
		}),
		keysSetTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "keys_set_total",
			Help: "Total SET/ADD mutations applied.",
		}),
		keysDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "keys_deleted_total",
			Help: "Total DELETE_KEY requests that erased a key.",
		}),
		waitersRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wait", Name: "registered_total",
			Help: "Total WAIT requests that registered at least one absent key.",
		}),
		waitersWoken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "wait", Name: "woken_total",
			Help: "Total STOP_WAITING notifications sent.",
		}),
		watchersRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watch", Name: "registered_total",
			Help: "Total WATCH_KEY subscriptions registered.",
		}),
		watchFiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watch", Name: "fired_total",
			Help: "Total KEY_UPDATED events pushed to watchers.",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal, c.connectionsGauge, c.purgesTotal,
		c.keysSetTotal, c.keysDeletedTotal,
		c.waitersRegistered, c.waitersWoken,
		c.watchersRegistered, c.watchFiredTotal,
	)

	ch, unsub := bus.Subscribe(256)
	c.unsubscribe = unsub
	go c.consume(ch)
	return c
}

func (c *Collector) consume(ch <-chan events.Event) {
	for ev := range ch {
		switch ev.Kind {
		case events.ConnAccepted:
			c.connectionsTotal.Inc()
			c.connectionsGauge.Inc()
		case events.ConnPurged:
			c.purgesTotal.Inc()
			c.connectionsGauge.Dec()
		case events.KeySet:
			c.keysSetTotal.Inc()
		case events.KeyDeleted:
			c.keysDeletedTotal.Inc()
		case events.WaiterRegistered:
			c.waitersRegistered.Inc()
		case events.WaiterWoken:
			c.waitersWoken.Inc()
		case events.WatchRegistered:
			c.watchersRegistered.Inc()
		case events.WatchFired:
			c.watchFiredTotal.Inc()
		}
	}
}

// Handler returns the http.Handler that serves this Collector's metrics
// in the Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing Handler at /metrics on addr, and
// shuts it down when ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		srv.Close()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops consuming events. The underlying registry is left intact
// so any in-flight scrape still completes.
func (c *Collector) Close() {
	c.unsubscribe()
}
