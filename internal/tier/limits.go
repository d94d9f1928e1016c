// Package tier enforces per-tier operation limits and keeps pay-per-use
// accounting for the pro tier.
package tier

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Tier is a quota profile.
type Tier string

const (
	Freemium Tier = "freemium"
	Pro      Tier = "pro"
	Studio   Tier = "studio"
)

// Unlimited marks a limit with no cap.
const Unlimited = -1

// Template kinds.
const (
	TemplateBasic    = "basic"
	TemplateAdvanced = "advanced"
	TemplatePremium  = "premium"
)

// ErrUnknownTier is returned by Parse.
var ErrUnknownTier = errors.New("unknown tier")

// Limits is one row of the tier table.
type Limits struct {
	Tier           Tier
	MaxPieces      int
	MaxSaves       int
	CustomPieces   int
	MaxConnections int
	MaxComplexity  int
	Templates      []string
	AllTemplates   bool
	Priority       bool
	// PayPerUse is the price of one piece over MaxPieces; zero disables
	// pay-per-use.
	PayPerUse decimal.Decimal
	Monthly   decimal.Decimal
}

var table = map[Tier]Limits{
	Freemium: {
		Tier:           Freemium,
		MaxPieces:      10,
		MaxSaves:       0,
		CustomPieces:   0,
		MaxConnections: 20,
		MaxComplexity:  300,
		Templates:      []string{TemplateBasic},
		Monthly:        decimal.Zero,
	},
	Pro: {
		Tier:           Pro,
		MaxPieces:      25,
		MaxSaves:       10,
		CustomPieces:   10,
		MaxConnections: 60,
		MaxComplexity:  1200,
		Templates:      []string{TemplateBasic, TemplateAdvanced},
		PayPerUse:      decimal.New(2, -2),
		Monthly:        decimal.New(5, 0),
	},
	Studio: {
		Tier:           Studio,
		MaxPieces:      50,
		MaxSaves:       25,
		CustomPieces:   Unlimited,
		MaxConnections: Unlimited,
		MaxComplexity:  Unlimited,
		AllTemplates:   true,
		Priority:       true,
		Monthly:        decimal.New(15, 0),
	},
}

// order is the upgrade path.
var order = []Tier{Freemium, Pro, Studio}

// Parse validates a tier token.
func Parse(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := table[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
	return t, nil
}

// LimitsFor returns a copy of the tier's table row.
func LimitsFor(t Tier) (Limits, bool) {
	l, ok := table[t]
	if !ok {
		return Limits{}, false
	}
	l.Templates = append([]string(nil), l.Templates...)
	return l, true
}

// Next returns the tier above t, or "" at the top.
func Next(t Tier) Tier {
	for i, o := range order {
		if o == t && i+1 < len(order) {
			return order[i+1]
		}
	}
	return ""
}

// AllowsTemplate reports whether the tier includes a template kind.
func (l Limits) AllowsTemplate(kind string) bool {
	if l.AllTemplates {
		return true
	}
	for _, k := range l.Templates {
		if k == kind {
			return true
		}
	}
	return false
}

// within reports whether used+n stays inside limit.
func within(limit, used, n int) bool {
	return limit == Unlimited || used+n <= limit
}
