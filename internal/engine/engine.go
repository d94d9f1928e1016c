// Package engine builds one assembly and the services around it from a
// single configuration. Every collaborator is owned by the Engine value;
// nothing lives at package scope.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stitchworks/crochet3d/core"
	"github.com/stitchworks/crochet3d/internal/assembly"
	"github.com/stitchworks/crochet3d/internal/config"
	"github.com/stitchworks/crochet3d/internal/events"
	"github.com/stitchworks/crochet3d/internal/exchange"
	"github.com/stitchworks/crochet3d/internal/history"
	"github.com/stitchworks/crochet3d/internal/instructions"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/observability"
	"github.com/stitchworks/crochet3d/internal/recovery"
	"github.com/stitchworks/crochet3d/internal/serializer"
	"github.com/stitchworks/crochet3d/internal/storage"
	"github.com/stitchworks/crochet3d/internal/tier"
	"github.com/stitchworks/crochet3d/internal/validation"
	"github.com/stitchworks/crochet3d/internal/yarn"
	"github.com/stitchworks/crochet3d/timectrl"
)

// DefaultName is the display name of an assembly created without WithName.
const DefaultName = "Untitled"

// Engine owns an assembly together with its snap service, bridge store,
// animation scheduler, persistence and exporters.
type Engine struct {
	mu  sync.RWMutex
	cfg config.Config

	log     logging.Logger
	clock   timectrl.Clock
	kv      storage.KV
	ownsKV  bool
	metrics *observability.EngineCollector
	ledger  *tier.Ledger

	bus       *events.Bus
	scheduler *timectrl.Scheduler
	ticker    *timectrl.TimeController

	assembly *assembly.Assembly
	snap     *core.SnapService
	bridges  *core.BridgeStore
	exporter *exchange.Exporter
	guide    *instructions.Generator

	unsubscribe func()
	closeOnce   sync.Once
}

type options struct {
	log        logging.Logger
	clock      timectrl.Clock
	registerer prometheus.Registerer
	kv         storage.KV
	name       string
	id         string
	mode       timectrl.Mode
}

// Option customises New.
type Option func(*options)

// WithLogger sets the logger. The default is built from the logging section
// of the configuration.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock sets the clock shared by every component.
func WithClock(c timectrl.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRegisterer registers engine metrics against reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithStore uses kv instead of opening the configured backend. The caller
// keeps ownership and Close leaves it open.
func WithStore(kv storage.KV) Option {
	return func(o *options) { o.kv = kv }
}

// WithName sets the assembly display name.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithAssemblyID fixes the assembly id, typically to reopen a saved project.
func WithAssemblyID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithAcceleratedTicks makes Run step animations as fast as it can instead
// of following the wall clock.
func WithAcceleratedTicks() Option {
	return func(o *options) { o.mode = timectrl.Accelerated }
}

// New validates cfg and wires the engine.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{name: DefaultName, mode: timectrl.RealTime}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.log == nil {
		o.log = logging.New(cfg.Logging)
	}
	if o.clock == nil {
		o.clock = timectrl.SystemClock{}
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}

	metrics, err := observability.NewEngineCollector(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("engine metrics: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		log:     o.log,
		clock:   o.clock,
		kv:      o.kv,
		metrics: metrics,
		ledger:  tier.NewLedger(),
		bus:     events.NewBus(),
	}
	if e.kv == nil {
		kv, err := storage.Open(ctx, cfg.Storage, o.log)
		if err != nil {
			return nil, err
		}
		e.kv, e.ownsKV = kv, true
	}

	if err := e.build(cfg, o); err != nil {
		if e.ownsKV {
			_ = e.kv.Close()
		}
		return nil, err
	}
	e.log.Info(ctx, "engine ready",
		logging.String("assembly_id", e.assembly.ID()),
		logging.String("tier", string(e.assembly.Tier())),
		logging.String("storage", cfg.Storage.Backend),
	)
	return e, nil
}

func (e *Engine) build(cfg config.Config, o options) error {
	t, err := cfg.TierName()
	if err != nil {
		return err
	}

	rec := recovery.NewManager(serializer.NewPersistent(e.kv, nil),
		recovery.WithRingSize(cfg.Recovery.RingSize),
		recovery.WithClock(e.clock),
		recovery.WithLogger(e.log),
		recovery.WithRecorder(e.metrics),
	)

	validator := validation.New(
		validation.WithClock(e.clock),
		validation.WithCacheTTL(cfg.Validation.CacheTTL),
		validation.WithLogger(e.log),
	)
	if err := cfg.ApplyRules(validator); err != nil {
		return err
	}

	guardOpts := append(cfg.GuardOptions(),
		tier.WithBilling(e.ledger),
		tier.WithRecorder(e.metrics),
		tier.WithLogger(e.log),
	)
	guard, err := tier.NewGuard(t, guardOpts...)
	if err != nil {
		return err
	}

	timeline := history.New(append([]history.Option{history.WithClock(e.clock)}, cfg.HistoryOptions()...)...)

	asmOpts := []assembly.Option{
		assembly.WithLogger(e.log),
		assembly.WithClock(e.clock),
		assembly.WithMetrics(e.metrics),
		assembly.WithGuard(guard),
		assembly.WithValidator(validator),
		assembly.WithHistory(timeline),
		assembly.WithEvents(e.bus),
		assembly.WithRecovery(rec),
	}
	if o.id != "" {
		asmOpts = append(asmOpts, assembly.WithID(o.id))
	}
	if cfg.Recovery.AutoSave {
		asmOpts = append(asmOpts, assembly.WithAutoSave())
	}
	a, err := assembly.New(o.name, t, asmOpts...)
	if err != nil {
		return err
	}
	e.assembly = a

	e.scheduler = timectrl.NewScheduler()
	e.ticker = timectrl.NewTimeController(e.clock, cfg.Server.TickInterval, o.mode)
	e.scheduler.Attach(e.ticker)

	e.snap = core.NewSnapService(a, cfg.CoreSnap(),
		core.WithSpatialIndex(a.NewSpatialIndex(core.DefaultCellSize, core.DefaultRebuildInterval)),
		core.WithScheduler(e.scheduler),
		core.WithSnapEvents(e.bus),
		core.WithSnapRecorder(e.metrics),
		core.WithSnapLogger(e.log),
		core.WithSnapClock(e.clock),
	)

	e.bridges = core.NewBridgeStore(a, cfg.CoreBridges(),
		core.WithBridgeScheduler(e.scheduler),
		core.WithBridgeLogger(e.log),
	)
	e.bridges.Attach(e.bus)
	// Subscribed after the bridge store so the gauge sees the updated set.
	e.unsubscribe = e.bus.Subscribe(func(events.Event) {
		e.metrics.SetActiveBridges(e.bridges.Len())
	}, events.ConnectionCreated, events.ConnectionRemoved, events.AssemblyRestored)
	e.metrics.SetActiveBridges(e.bridges.Len())

	e.exporter = exchange.NewExporter(exchange.NewRegistry(),
		exchange.WithLogger(e.log),
		exchange.WithClock(e.clock),
	)
	e.guide = instructions.NewGenerator(e.clock.Now)
	return nil
}

//
// ---------- accessors ----------
//

// Config returns the configuration currently in effect.
func (e *Engine) Config() config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

func (e *Engine) Assembly() *assembly.Assembly            { return e.assembly }
func (e *Engine) Snap() *core.SnapService                 { return e.snap }
func (e *Engine) Bridges() *core.BridgeStore              { return e.bridges }
func (e *Engine) Bus() *events.Bus                        { return e.bus }
func (e *Engine) Scheduler() *timectrl.Scheduler          { return e.scheduler }
func (e *Engine) Ticker() *timectrl.TimeController        { return e.ticker }
func (e *Engine) Metrics() *observability.EngineCollector { return e.metrics }
func (e *Engine) Ledger() *tier.Ledger                    { return e.ledger }
func (e *Engine) Exporter() *exchange.Exporter            { return e.exporter }
func (e *Engine) Instructions() *instructions.Generator   { return e.guide }
func (e *Engine) Logger() logging.Logger                  { return e.log }

//
// ---------- lifecycle ----------
//

// Apply hot-swaps the reloadable parts of cfg: snap and bridge settings,
// validation rule overrides, the tier and the payment flags. Storage,
// logging, history and the auto-pay threshold are fixed at New.
func (e *Engine) Apply(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	t, err := cfg.TierName()
	if err != nil {
		return err
	}
	if err := cfg.ApplyRules(e.assembly.Validator()); err != nil {
		return err
	}
	if t != e.assembly.Tier() {
		if err := e.assembly.SetTier(t); err != nil {
			return err
		}
	}
	e.assembly.Guard().SetPayment(cfg.Tier.AutoPay, cfg.Tier.HasPaymentMethod)
	e.snap.SetConfig(cfg.CoreSnap())
	e.bridges.SetConfig(cfg.CoreBridges())
	e.metrics.SetActiveBridges(e.bridges.Len())

	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.log.Info(ctx, "engine configuration applied", logging.String("tier", string(t)))
	return nil
}

// Run drives the animation tick loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	<-e.ticker.Start(ctx, 0)
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close detaches the bridge store and closes the store if the engine
// opened it. It is safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
		e.bridges.Close()
		if e.ownsKV {
			err = e.kv.Close()
		}
	})
	return err
}

//
// ---------- exchange ----------
//

// Export renders the assembly in the requested formats, or in every
// registered format when none are given.
func (e *Engine) Export(ctx context.Context, formats ...string) ([]exchange.Artifact, error) {
	return e.exporter.ExportAll(ctx, e.assembly, formats...)
}

// Import parses a document and replaces the assembly content with it. The
// configured tier and usage stay; the document's account fields are
// ignored. The current content is backed up first and put back if the
// restore fails.
func (e *Engine) Import(ctx context.Context, name string, data []byte, opts exchange.ImportOptions) (*exchange.Document, error) {
	doc, err := e.exporter.Import(ctx, name, data, opts)
	if err != nil {
		return nil, err
	}
	res := e.assembly.Perform(ctx, "import "+name, func(context.Context) (any, error) {
		return nil, e.assembly.Adopt(doc.Assembly)
	})
	if res.Err != nil {
		return nil, res.Err
	}
	e.log.Info(ctx, "assembly imported",
		logging.String("file", name),
		logging.Int("pieces", len(doc.Assembly.Pieces)),
	)
	return doc, nil
}

// Suggestions lists improvement hints for the current assembly.
func (e *Engine) Suggestions() []exchange.Suggestion {
	return exchange.Suggest(e.assembly.Snapshot())
}

// GenerateInstructions produces written instructions for the assembly.
func (e *Engine) GenerateInstructions(opts instructions.Options) (*instructions.Document, error) {
	return e.guide.Generate(e.assembly.Snapshot(), opts)
}

// YarnByColor estimates yarn per piece colour.
func (e *Engine) YarnByColor(opts yarn.LengthOptions) ([]yarn.ColorUsage, error) {
	return yarn.ByColor(e.assembly.Snapshot(), opts)
}
