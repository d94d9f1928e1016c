package tier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/model"
)

var (
	// ErrTierLimit is the reason of a refused decision.
	ErrTierLimit = errors.New("tier limit reached")
	// ErrPayRequired is the reason of a pay-per-use decision that has not
	// been accepted.
	ErrPayRequired = errors.New("payment required")
	// ErrUnknownOperation is returned for operation tokens the guard does
	// not know.
	ErrUnknownOperation = errors.New("unknown tier operation")
)

// Operation is a guarded operation token.
type Operation string

const (
	OpAddPiece       Operation = "addPiece"
	OpSave           Operation = "save"
	OpAddCustomPiece Operation = "addCustomPiece"
	OpUseTemplate    Operation = "useTemplate"
	OpConnect        Operation = "connect"
)

// DefaultAutoPayThreshold is the pending amount that triggers auto-pay.
var DefaultAutoPayThreshold = decimal.New(10, 0)

// Counts is the current usage of the assembly being guarded.
type Counts struct {
	Pieces       int
	CustomPieces int
	Connections  int
	ProjectID    string
}

// UpgradePrompt is the user-facing hint attached to a refusal.
type UpgradePrompt struct {
	CurrentTier   Tier
	SuggestedTier Tier
	Operation     Operation
	Message       string
	MonthlyPrice  decimal.Decimal
}

// Decision is the answer of CanPerform.
type Decision struct {
	Allowed         bool
	RequiresPayment bool
	Cost            decimal.Decimal
	Reason          error
	UpgradePrompt   *UpgradePrompt
}

// Billing clears accumulated charges.
type Billing interface {
	Charge(ctx context.Context, amount decimal.Decimal, description string) error
}

// Recorder observes pending charge changes.
type Recorder interface {
	ObservePendingCharges(amount float64)
}

// Guard is the sole authority on tier limits and upgrade prompts.
type Guard struct {
	mu               sync.Mutex
	tier             Tier
	autoPay          bool
	hasPaymentMethod bool
	threshold        decimal.Decimal
	extraPiecesUsed  int
	pending          decimal.Decimal
	savedProjects    []string
	billing          Billing
	recorder         Recorder
	log              logging.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithAutoPay enables automatic clearing of pending charges.
func WithAutoPay(autoPay, hasPaymentMethod bool) GuardOption {
	return func(g *Guard) {
		g.autoPay = autoPay
		g.hasPaymentMethod = hasPaymentMethod
	}
}

// WithThreshold overrides DefaultAutoPayThreshold.
func WithThreshold(d decimal.Decimal) GuardOption {
	return func(g *Guard) {
		if d.IsPositive() {
			g.threshold = d
		}
	}
}

// WithBilling attaches the billing adapter used by auto-pay.
func WithBilling(b Billing) GuardOption {
	return func(g *Guard) { g.billing = b }
}

// WithRecorder attaches a pending-charges observer.
func WithRecorder(r Recorder) GuardOption {
	return func(g *Guard) { g.recorder = r }
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) GuardOption {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

// NewGuard builds a guard for t.
func NewGuard(t Tier, opts ...GuardOption) (*Guard, error) {
	if _, ok := table[t]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, t)
	}
	g := &Guard{
		tier:      t,
		threshold: DefaultAutoPayThreshold,
		pending:   decimal.Zero,
		log:       logging.Noop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Tier returns the current tier.
func (g *Guard) Tier() Tier {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tier
}

// SetTier switches tiers. Usage counters are kept.
func (g *Guard) SetTier(t Tier) error {
	if _, ok := table[t]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, t)
	}
	g.mu.Lock()
	g.tier = t
	g.mu.Unlock()
	return nil
}

// SetPayment updates the auto-pay flags.
func (g *Guard) SetPayment(autoPay, hasPaymentMethod bool) {
	g.mu.Lock()
	g.autoPay = autoPay
	g.hasPaymentMethod = hasPaymentMethod
	g.mu.Unlock()
}

// Limits returns the current tier's limits.
func (g *Guard) Limits() Limits {
	l, _ := LimitsFor(g.Tier())
	return l
}

// CanPerform decides whether n units of op fit the current tier.
func (g *Guard) CanPerform(op Operation, n int, cur Counts) Decision {
	if n <= 0 {
		n = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	l := table[g.tier]

	switch op {
	case OpAddPiece:
		if within(l.MaxPieces, cur.Pieces, n) {
			return allow()
		}
		if l.PayPerUse.IsPositive() {
			over := cur.Pieces + n - l.MaxPieces
			if over > n {
				over = n
			}
			return Decision{
				Allowed:         true,
				RequiresPayment: true,
				Cost:            l.PayPerUse.Mul(decimal.NewFromInt(int64(over))),
				Reason:          ErrPayRequired,
			}
		}
		return g.refuseLocked(op, fmt.Sprintf("%s tier allows %d pieces", g.tier, l.MaxPieces))
	case OpAddCustomPiece:
		if within(l.CustomPieces, cur.CustomPieces, n) {
			return allow()
		}
		return g.refuseLocked(op, fmt.Sprintf("%s tier allows %d custom pieces", g.tier, l.CustomPieces))
	case OpConnect:
		if within(l.MaxConnections, cur.Connections, n) {
			return allow()
		}
		return g.refuseLocked(op, fmt.Sprintf("%s tier allows %d connections", g.tier, l.MaxConnections))
	case OpSave:
		if cur.ProjectID != "" && contains(g.savedProjects, cur.ProjectID) {
			return allow()
		}
		if within(l.MaxSaves, len(g.savedProjects), 1) {
			return allow()
		}
		if l.MaxSaves == 0 {
			return g.refuseLocked(op, fmt.Sprintf("saving is not available on the %s tier", g.tier))
		}
		return g.refuseLocked(op, fmt.Sprintf("%s tier allows %d saved projects", g.tier, l.MaxSaves))
	default:
		return Decision{Reason: fmt.Errorf("%w: %q", ErrUnknownOperation, op)}
	}
}

// CanUseTemplate decides whether the tier includes a template kind.
func (g *Guard) CanUseTemplate(kind string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	if table[g.tier].AllowsTemplate(kind) {
		return allow()
	}
	return g.refuseLocked(OpUseTemplate, fmt.Sprintf("%s templates are not included in the %s tier", kind, g.tier))
}

func allow() Decision { return Decision{Allowed: true, Cost: decimal.Zero} }

func (g *Guard) refuseLocked(op Operation, msg string) Decision {
	next := Next(g.tier)
	prompt := &UpgradePrompt{CurrentTier: g.tier, SuggestedTier: next, Operation: op, Message: msg}
	if next != "" {
		prompt.MonthlyPrice = table[next].Monthly
		prompt.Message = fmt.Sprintf("%s; upgrade to %s for $%s/month", msg, next, prompt.MonthlyPrice.StringFixed(2))
	}
	return Decision{Reason: ErrTierLimit, Cost: decimal.Zero, UpgradePrompt: prompt}
}

// AcceptCharge records n paid extra pieces and triggers auto-pay when the
// pending total reaches the threshold. It returns the pending total after
// any auto-pay.
func (g *Guard) AcceptCharge(ctx context.Context, n int) (decimal.Decimal, error) {
	if n <= 0 {
		return g.PendingCharges(), nil
	}
	g.mu.Lock()
	l := table[g.tier]
	if !l.PayPerUse.IsPositive() {
		g.mu.Unlock()
		return g.PendingCharges(), fmt.Errorf("%w: %s tier has no pay-per-use", ErrTierLimit, g.tier)
	}
	g.extraPiecesUsed += n
	g.pending = g.pending.Add(l.PayPerUse.Mul(decimal.NewFromInt(int64(n))))
	due := g.pending
	charge := g.autoPay && g.hasPaymentMethod && g.billing != nil && due.GreaterThanOrEqual(g.threshold)
	billing := g.billing
	g.mu.Unlock()
	g.observe()

	if !charge {
		return due, nil
	}
	if err := billing.Charge(ctx, due, fmt.Sprintf("%d extra pieces", n)); err != nil {
		g.log.Warn(ctx, "auto-pay failed", logging.String("amount", due.StringFixed(2)), logging.Err(err))
		return due, nil
	}
	g.mu.Lock()
	g.pending = g.pending.Sub(due)
	left := g.pending
	g.mu.Unlock()
	g.observe()
	g.log.Info(ctx, "auto-pay cleared pending charges", logging.String("amount", due.StringFixed(2)))
	return left, nil
}

func (g *Guard) observe() {
	if g.recorder == nil {
		return
	}
	f, _ := g.PendingCharges().Float64()
	g.recorder.ObservePendingCharges(f)
}

// RecordSave marks a project as saved.
func (g *Guard) RecordSave(projectID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if projectID != "" && !contains(g.savedProjects, projectID) {
		g.savedProjects = append(g.savedProjects, projectID)
	}
}

// PendingCharges returns the unpaid total.
func (g *Guard) PendingCharges() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// ExtraPiecesUsed returns the number of paid extra pieces.
func (g *Guard) ExtraPiecesUsed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.extraPiecesUsed
}

// Snapshot exports the persisted usage counters.
func (g *Guard) Snapshot() model.UsageSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return model.UsageSnapshot{
		ExtraPiecesUsed: g.extraPiecesUsed,
		PendingCharges:  g.pending.StringFixed(2),
		SavedProjects:   append([]string(nil), g.savedProjects...),
	}
}

// Restore loads usage counters from a snapshot. An unparsable pending
// amount is treated as zero.
func (g *Guard) Restore(s model.UsageSnapshot) {
	pending, err := decimal.NewFromString(s.PendingCharges)
	if err != nil {
		pending = decimal.Zero
	}
	g.mu.Lock()
	g.extraPiecesUsed = s.ExtraPiecesUsed
	g.pending = pending
	g.savedProjects = append([]string(nil), s.SavedProjects...)
	g.mu.Unlock()
	g.observe()
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
