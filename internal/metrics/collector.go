// Package metrics exposes fleet, persistence and consistency metrics in
// Prometheus format.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soundfleet/conductor/internal/fleet"
	"github.com/soundfleet/conductor/internal/reconcile"
	"github.com/soundfleet/conductor/internal/store"
)

const namespace = "conductor"

// scrapeTimeout bounds the store round-trips one scrape may spend.
const scrapeTimeout = 2 * time.Second

// FleetProvider supplies the fleet snapshot. Satisfied by *fleet.Manager.
type FleetProvider interface {
	Status(ctx context.Context) (fleet.FleetStatus, error)
}

// HealthProvider supplies the persistence health snapshot. Satisfied by
// *store.DB.
type HealthProvider interface {
	Health(ctx context.Context) store.Health
}

// ReportProvider supplies the latest consistency report. Satisfied by
// *reconcile.Reconciler.
type ReportProvider interface {
	LastReport() (reconcile.Report, bool)
}

// Scrape-time series, built as const metrics from the provider snapshots.
var (
	descInstances = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "instances"),
		"Registered worker instances by status.",
		[]string{"status"}, nil)
	descInstanceLoad = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "instance_load"),
		"Active assignments held by one worker instance.",
		[]string{"worker_id"}, nil)
	descInstanceCapacity = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "instance_capacity"),
		"Maximum concurrent streams of one worker instance.",
		[]string{"worker_id"}, nil)
	descFleetCapacity = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "fleet_capacity"),
		"Combined capacity of active instances.",
		nil, nil)
	descFleetLoad = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "fleet_load"),
		"Combined persisted load of active instances.",
		nil, nil)
	descAssignments = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "assignments_active"),
		"Rows in the active assignment table.",
		nil, nil)
	descCatalogStreams = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "catalog_streams"),
		"Streams in the monitored catalog.",
		nil, nil)
	descAvailableStreams = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "available_streams"),
		"Catalog streams with no active assignment.",
		nil, nil)

	descStoreHealthy = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "store_healthy"),
		"Whether the persistence layer answered the last ping.",
		nil, nil)
	descPoolConns = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "store_pool_connections"),
		"Connections in the pgx pool by state.",
		[]string{"state"}, nil)
	descPoolMax = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "store_pool_max_connections"),
		"Configured pool ceiling.",
		nil, nil)
	descActiveTx = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "store_active_transactions"),
		"Transactions currently tracked by the monitor.",
		nil, nil)

	descConsistencyScore = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "consistency_score"),
		"Score of the latest reconciliation cycle, 1 is clean.",
		nil, nil)
	descConsistencyIssues = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "consistency_issues"),
		"Issues found by the latest reconciliation cycle, by kind.",
		[]string{"kind"}, nil)
	descReportAge = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "consistency_report_age_seconds"),
		"Age of the latest reconciliation report.",
		nil, nil)
)

var scrapeDescs = []*prometheus.Desc{
	descInstances, descInstanceLoad, descInstanceCapacity,
	descFleetCapacity, descFleetLoad, descAssignments,
	descCatalogStreams, descAvailableStreams,
	descStoreHealthy, descPoolConns, descPoolMax, descActiveTx,
	descConsistencyScore, descConsistencyIssues, descReportAge,
}

// storeCounters maps the health snapshot's monotonic counters onto series.
var storeCounters = []struct {
	desc  *prometheus.Desc
	value func(store.Health) int64
}{
	{counterDesc("store_commits_total", "Committed transactions."),
		func(h store.Health) int64 { return h.Commits }},
	{counterDesc("store_rollbacks_total", "Rolled-back transactions."),
		func(h store.Health) int64 { return h.Rollbacks }},
	{counterDesc("store_deadlocks_total", "Deadlocks and serialization failures hit."),
		func(h store.Health) int64 { return h.Deadlocks }},
	{counterDesc("store_retries_total", "Transaction attempts retried after a transient failure."),
		func(h store.Health) int64 { return h.Retries }},
	{counterDesc("store_forced_aborts_total", "Transactions aborted by the long-transaction monitor."),
		func(h store.Health) int64 { return h.ForcedAborts }},
	{counterDesc("store_reconnects_total", "Pool rebuilds after losing the backend."),
		func(h store.Health) int64 { return h.Reconnects }},
	{counterDesc("store_acquires_total", "Connection acquisitions from the pool."),
		func(h store.Health) int64 { return h.Acquires }},
	{counterDesc("store_acquire_errors_total", "Connection acquisitions that failed."),
		func(h store.Health) int64 { return h.AcquireErrors }},
}

func counterDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
}

// issueKinds lists every anomaly class so the per-kind series never vanish
// between cycles.
var issueKinds = []reconcile.IssueKind{
	reconcile.KindOrphaned,
	reconcile.KindDuplicate,
	reconcile.KindUnauthorized,
	reconcile.KindStateMismatch,
	reconcile.KindHeartbeatTimeout,
	reconcile.KindLoadImbalance,
}

// Collector exposes the orchestrator's metrics. Fleet, store and consistency
// gauges are read from the providers at scrape time; rebalance, failover,
// repair and latency instruments are fed by the engine through the observer
// hooks. It implements prometheus.Collector, fleet.Observer and
// reconcile.Observer.
type Collector struct {
	mu      sync.RWMutex
	fleet   FleetProvider
	health  HealthProvider
	reports ReportProvider

	registry *prometheus.Registry

	rebalances   *prometheus.CounterVec
	moves        prometheus.Counter
	assigned     prometheus.Counter
	failovers    prometheus.Counter
	orphaned     prometheus.Counter
	reassigned   prometheus.Counter
	parked       prometheus.Counter
	repairs      *prometheus.CounterVec
	placement    prometheus.Histogram
	cycles       prometheus.Histogram
	scrapeErrors prometheus.Counter

	instruments []prometheus.Collector
}

// NewCollector builds the collector and its dedicated registry. The registry
// also carries the standard Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_total",
			Help:      "Completed rebalances by kind.",
		}, []string{"kind"}),
		moves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_moves_total",
			Help:      "Streams moved to a different instance by rebalances.",
		}),
		assigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_assigned_total",
			Help:      "Streams handed to instances by placement requests.",
		}),
		failovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failovers_total",
			Help:      "Failover sweeps that found orphaned assignments.",
		}),
		orphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_orphaned_total",
			Help:      "Assignments orphaned by dead or stale instances.",
		}),
		reassigned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_reassigned_total",
			Help:      "Orphaned streams re-homed onto surviving instances.",
		}),
		parked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failover_unassigned_total",
			Help:      "Orphaned streams parked unassigned for lack of capacity.",
		}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repairs_total",
			Help:      "Successful consistency repairs by issue kind.",
		}, []string{"kind"}),
		placement: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "placement_seconds",
			Help:      "Latency of stream placement transactions.",
			Buckets:   prometheus.DefBuckets,
		}),
		cycles: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_cycle_seconds",
			Help:      "Duration of consistency reconciliation cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		scrapeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_errors_total",
			Help:      "Scrapes that could not read the fleet snapshot.",
		}),
	}
	c.instruments = []prometheus.Collector{
		c.rebalances, c.moves, c.assigned,
		c.failovers, c.orphaned, c.reassigned, c.parked,
		c.repairs, c.placement, c.cycles, c.scrapeErrors,
	}

	c.registry.MustRegister(
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// SetFleetProvider sets the source of the fleet snapshot.
func (c *Collector) SetFleetProvider(p FleetProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fleet = p
}

// SetHealthProvider sets the source of the persistence health snapshot.
func (c *Collector) SetHealthProvider(p HealthProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = p
}

// SetReportProvider sets the source of consistency reports.
func (c *Collector) SetReportProvider(p ReportProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = p
}

// Handler returns the exposition endpoint for the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObservePlacement implements fleet.Observer.
func (c *Collector) ObservePlacement(elapsed time.Duration, assigned int) {
	c.placement.Observe(elapsed.Seconds())
	c.assigned.Add(float64(assigned))
}

// RecordRebalance implements fleet.Observer.
func (c *Collector) RecordRebalance(kind string, streamsMoved int) {
	c.rebalances.WithLabelValues(kind).Inc()
	c.moves.Add(float64(streamsMoved))
}

// RecordFailover implements fleet.Observer.
func (c *Collector) RecordFailover(orphaned, reassigned, unassigned int) {
	c.failovers.Inc()
	c.orphaned.Add(float64(orphaned))
	c.reassigned.Add(float64(reassigned))
	c.parked.Add(float64(unassigned))
}

// ObserveCycle implements reconcile.Observer.
func (c *Collector) ObserveCycle(elapsed time.Duration, rep reconcile.Report) {
	c.cycles.Observe(elapsed.Seconds())
	for _, rr := range rep.Repairs {
		if rr.Repaired {
			c.repairs.WithLabelValues(string(rr.Issue.Kind)).Inc()
		}
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range scrapeDescs {
		ch <- d
	}
	for _, sc := range storeCounters {
		ch <- sc.desc
	}
	for _, in := range c.instruments {
		in.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	fleetP, healthP, reportP := c.fleet, c.health, c.reports
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()

	if fleetP != nil {
		c.collectFleet(ctx, fleetP, ch)
	}
	if healthP != nil {
		collectStore(healthP.Health(ctx), ch)
	}
	if reportP != nil {
		collectConsistency(reportP, ch)
	}
	for _, in := range c.instruments {
		in.Collect(ch)
	}
}

func (c *Collector) collectFleet(ctx context.Context, p FleetProvider, ch chan<- prometheus.Metric) {
	st, err := p.Status(ctx)
	if err != nil {
		c.scrapeErrors.Inc()
		return
	}

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	gauge(descInstances, float64(st.ActiveWorkers), string(fleet.WorkerActive))
	gauge(descInstances, float64(st.TotalWorkers-st.ActiveWorkers), string(fleet.WorkerInactive))
	gauge(descFleetCapacity, float64(st.TotalCapacity))
	gauge(descFleetLoad, float64(st.TotalLoad))
	gauge(descAssignments, float64(st.ActiveAssignments))
	gauge(descCatalogStreams, float64(st.TotalStreams))
	gauge(descAvailableStreams, float64(st.AvailableStreams))
	for _, w := range st.Workers {
		gauge(descInstanceLoad, float64(w.Load), w.ID)
		gauge(descInstanceCapacity, float64(w.Capacity), w.ID)
	}
}

func collectStore(h store.Health, ch chan<- prometheus.Metric) {
	healthy := 0.0
	if h.Healthy {
		healthy = 1
	}
	ch <- prometheus.MustNewConstMetric(descStoreHealthy, prometheus.GaugeValue, healthy)
	ch <- prometheus.MustNewConstMetric(descPoolConns, prometheus.GaugeValue, float64(h.Pool.TotalConns), "total")
	ch <- prometheus.MustNewConstMetric(descPoolConns, prometheus.GaugeValue, float64(h.Pool.IdleConns), "idle")
	ch <- prometheus.MustNewConstMetric(descPoolConns, prometheus.GaugeValue, float64(h.Pool.AcquiredConns), "acquired")
	ch <- prometheus.MustNewConstMetric(descPoolMax, prometheus.GaugeValue, float64(h.Pool.MaxConns))
	ch <- prometheus.MustNewConstMetric(descActiveTx, prometheus.GaugeValue, float64(len(h.ActiveTransactions)))
	for _, sc := range storeCounters {
		ch <- prometheus.MustNewConstMetric(sc.desc, prometheus.CounterValue, float64(sc.value(h)))
	}
}

func collectConsistency(p ReportProvider, ch chan<- prometheus.Metric) {
	rep, ok := p.LastReport()
	if !ok {
		return
	}

	ch <- prometheus.MustNewConstMetric(descConsistencyScore, prometheus.GaugeValue, rep.Score)
	ch <- prometheus.MustNewConstMetric(descReportAge, prometheus.GaugeValue, time.Since(rep.At).Seconds())

	counts := make(map[reconcile.IssueKind]int, len(issueKinds))
	for _, i := range rep.StreamIssues {
		counts[i.Kind]++
	}
	for _, i := range rep.InstanceIssues {
		counts[i.Kind]++
	}
	for _, k := range issueKinds {
		ch <- prometheus.MustNewConstMetric(descConsistencyIssues, prometheus.GaugeValue, float64(counts[k]), string(k))
	}
}
