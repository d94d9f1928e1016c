package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineCollector exposes assembly engine metrics. It satisfies the
// recorder interfaces of the assembly, snap, tier and recovery packages so
// one collector can be handed to all of them.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	Pieces         prometheus.Gauge
	Connections    prometheus.Gauge
	Groups         prometheus.Gauge
	HistoryEntries prometheus.Gauge
	Bridges        prometheus.Gauge

	Operations         *prometheus.CounterVec
	OperationDurations *prometheus.HistogramVec
	ValidationScores   prometheus.Histogram
	Snaps              *prometheus.CounterVec
	PendingCharges     prometheus.Gauge
	Recoveries         *prometheus.CounterVec
}

// NewEngineCollector registers engine metrics against the provided registerer.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	reg, gatherer := resolve(reg)
	c := &EngineCollector{gatherer: gatherer}

	gauges := []struct {
		dst  *prometheus.Gauge
		name string
		help string
	}{
		{&c.Pieces, "crochet_assembly_pieces", "Current number of pieces in the assembly."},
		{&c.Connections, "crochet_assembly_connections", "Current number of connections in the assembly."},
		{&c.Groups, "crochet_assembly_groups", "Current number of piece groups."},
		{&c.HistoryEntries, "crochet_history_entries", "Entries held in the undo timeline."},
		{&c.Bridges, "crochet_bridges_active", "Yarn bridges currently drawn."},
		{&c.PendingCharges, "crochet_pending_charges_dollars", "Pay-per-use charges accrued but not yet billed."},
	}
	for _, g := range gauges {
		got, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: g.name, Help: g.help}), g.name)
		if err != nil {
			return nil, err
		}
		*g.dst = got
	}

	var err error
	if c.Operations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crochet_operations_total",
		Help: "Assembly operations, labeled by operation and result.",
	}, []string{"op", "result"}), "crochet_operations_total"); err != nil {
		return nil, err
	}
	if c.OperationDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crochet_operation_duration_seconds",
		Help:    "Assembly operation latency in seconds.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"op"}), "crochet_operation_duration_seconds"); err != nil {
		return nil, err
	}
	if c.ValidationScores, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crochet_validation_score",
		Help:    "Scores produced by assembly validation runs.",
		Buckets: prometheus.LinearBuckets(10, 10, 10),
	}), "crochet_validation_score"); err != nil {
		return nil, err
	}
	if c.Snaps, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crochet_snaps_total",
		Help: "Snap operations, labeled by outcome.",
	}, []string{"outcome"}), "crochet_snaps_total"); err != nil {
		return nil, err
	}
	if c.Recoveries, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crochet_recoveries_total",
		Help: "Recovery events, labeled by kind.",
	}, []string{"kind"}), "crochet_recoveries_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a /metrics handler over the collector's gatherer.
func (c *EngineCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

// SetAssemblyCounts updates the size gauges.
func (c *EngineCollector) SetAssemblyCounts(pieces, connections, groups, historyEntries int) {
	if c == nil {
		return
	}
	c.Pieces.Set(float64(pieces))
	c.Connections.Set(float64(connections))
	c.Groups.Set(float64(groups))
	c.HistoryEntries.Set(float64(historyEntries))
}

// SetActiveBridges updates the bridge gauge.
func (c *EngineCollector) SetActiveBridges(n int) {
	if c == nil {
		return
	}
	c.Bridges.Set(float64(n))
}

// ObserveOperation counts an operation and records its latency.
func (c *EngineCollector) ObserveOperation(op, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.Operations.WithLabelValues(op, result).Inc()
	c.OperationDurations.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveValidation records a validation score.
func (c *EngineCollector) ObserveValidation(score int) {
	if c == nil {
		return
	}
	c.ValidationScores.Observe(float64(score))
}

// ObserveSnap counts a snap outcome.
func (c *EngineCollector) ObserveSnap(outcome string) {
	if c == nil {
		return
	}
	c.Snaps.WithLabelValues(outcome).Inc()
}

// ObservePendingCharges sets the pending charge gauge.
func (c *EngineCollector) ObservePendingCharges(amount float64) {
	if c == nil {
		return
	}
	if amount < 0 {
		amount = 0
	}
	c.PendingCharges.Set(amount)
}

// ObserveRecovery counts a recovery event.
func (c *EngineCollector) ObserveRecovery(kind string) {
	if c == nil {
		return
	}
	c.Recoveries.WithLabelValues(kind).Inc()
}
