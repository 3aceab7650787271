package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/workqueue/internal/audit"
	"github.com/basket/workqueue/internal/bus"
	"github.com/basket/workqueue/internal/persistence"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// queueCollector reads queue depth and lease counts from the store on every
// scrape.
type queueCollector struct {
	store  *persistence.Store
	bus    *bus.Bus
	logger *slog.Logger

	depth       *prometheus.Desc
	leases      *prometheus.Desc
	expired     *prometheus.Desc
	denies      *prometheus.Desc
	busDropped  *prometheus.Desc
	subscribers *prometheus.Desc
}

func newQueueCollector(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *queueCollector {
	return &queueCollector{
		store:  store,
		bus:    b,
		logger: logger,
		depth: prometheus.NewDesc("workqueue_queue_depth",
			"Open unassigned tasks by segment and status.", []string{"segment", "status"}, nil),
		leases: prometheus.NewDesc("workqueue_leases",
			"Leases held, by scope.", []string{"scope"}, nil),
		expired: prometheus.NewDesc("workqueue_leases_expired",
			"Leases past their expiry and not yet reclaimed.", nil, nil),
		denies: prometheus.NewDesc("workqueue_policy_denies_total",
			"Denied operations recorded in the audit log.", nil, nil),
		busDropped: prometheus.NewDesc("workqueue_bus_dropped_total",
			"Events dropped for slow subscribers.", nil, nil),
		subscribers: prometheus.NewDesc("workqueue_bus_subscribers",
			"Active event bus subscribers.", nil, nil),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.depth
	ch <- c.leases
	ch <- c.expired
	ch <- c.denies
	ch <- c.busDropped
	ch <- c.subscribers
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.denies, prometheus.CounterValue, float64(audit.DenyCount()))
	if c.bus != nil {
		ch <- prometheus.MustNewConstMetric(c.busDropped, prometheus.CounterValue, float64(c.bus.Dropped()))
		ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(c.bus.SubscriberCount()))
	}
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	depths, err := c.store.QueueDepths(ctx)
	if err != nil {
		c.logger.Warn("metrics: queue depths failed", "error", err)
	}
	for _, d := range depths {
		ch <- prometheus.MustNewConstMetric(c.depth, prometheus.GaugeValue, float64(d.Count), d.Segment, d.StatusCode)
	}

	leases, err := c.store.ListLeases(ctx)
	if err != nil {
		c.logger.Warn("metrics: list leases failed", "error", err)
		return
	}
	now := c.store.Now()
	byScope := map[string]int{persistence.ScopeItem: 0, persistence.ScopeQueue: 0}
	expired := 0
	for _, l := range leases {
		byScope[l.Scope]++
		if l.Expired(now) {
			expired++
		}
	}
	for scope, n := range byScope {
		ch <- prometheus.MustNewConstMetric(c.leases, prometheus.GaugeValue, float64(n), scope)
	}
	ch <- prometheus.MustNewConstMetric(c.expired, prometheus.GaugeValue, float64(expired))
}

// registerCollectors installs the queue collector, the Go and process
// collectors and the request counter on reg.
func registerCollectors(reg *prometheus.Registry, store *persistence.Store, b *bus.Bus, logger *slog.Logger) *prometheus.CounterVec {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "workqueue_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	if err := reg.Register(requests); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				requests = existing
			}
		}
	}
	for _, c := range []prometheus.Collector{
		newQueueCollector(store, b, logger),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				logger.Warn("metrics: register collector failed", "error", err)
			}
		}
	}
	return requests
}
