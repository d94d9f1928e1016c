package tier

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Charge is one cleared payment.
type Charge struct {
	ID          string
	Amount      decimal.Decimal
	Description string
	At          time.Time
}

// Ledger is an in-process Billing adapter that records charges. Payment
// processing itself lives outside the engine.
type Ledger struct {
	mu      sync.Mutex
	charges []Charge
	fail    error
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger { return &Ledger{} }

// Charge implements Billing.
func (l *Ledger) Charge(ctx context.Context, amount decimal.Decimal, description string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return l.fail
	}
	l.charges = append(l.charges, Charge{
		ID:          uuid.NewString(),
		Amount:      amount,
		Description: description,
		At:          time.Now(),
	})
	return nil
}

// FailWith makes subsequent charges fail with err; nil restores success.
func (l *Ledger) FailWith(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

// Charges returns the recorded charges.
func (l *Ledger) Charges() []Charge {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Charge(nil), l.charges...)
}

// Total sums recorded charges.
func (l *Ledger) Total() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, c := range l.charges {
		total = total.Add(c.Amount)
	}
	return total
}
