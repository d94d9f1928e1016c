package yarn

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/stitchworks/crochet3d/model"
)

// DefaultWaste is the fraction added for tails, swatches and mistakes.
const DefaultWaste = 0.10

// DefaultSkeinGrams is the skein size assumed when none is given.
const DefaultSkeinGrams = 100

// setupMinutes covers preparation and finishing of any project.
const setupMinutes = 45

// Gauge compares a measured gauge against the worsted reference.
type Gauge struct {
	StitchesPer10cm float64
	// ReferencePer10cm defaults to 16 (worsted single crochet).
	ReferencePer10cm float64
}

func (g *Gauge) factor() float64 {
	if g == nil || g.StitchesPer10cm <= 0 {
		return 1
	}
	ref := g.ReferencePer10cm
	if ref <= 0 {
		ref = 16
	}
	return ref / g.StitchesPer10cm
}

// LengthOptions tune Length.
type LengthOptions struct {
	Weight     Weight
	Gauge      *Gauge
	Waste      float64
	SkeinGrams float64
}

// LengthResult is the yarn needed for a stitch sequence.
type LengthResult struct {
	Weight      Weight
	Stitches    int
	Meters      float64
	Grams       float64
	Skeins      int
	Recommended int
}

// Length sums per-stitch consumption scaled by weight, gauge and waste.
func Length(stitches []string, opts LengthOptions) (LengthResult, error) {
	w, err := LookupWeight(opts.Weight)
	if err != nil {
		return LengthResult{}, err
	}
	waste := opts.Waste
	if waste < 0 {
		waste = 0
	}
	skeinGrams := opts.SkeinGrams
	if skeinGrams <= 0 {
		skeinGrams = DefaultSkeinGrams
	}

	var cm float64
	for _, s := range stitches {
		cm += Consumption(s)
	}
	meters := cm / 100 * w.Factor * opts.Gauge.factor() * (1 + waste)
	perSkein := w.MetersPer100g * skeinGrams / 100
	skeins := int(math.Ceil(meters / perSkein))
	return LengthResult{
		Weight:      opts.Weight,
		Stitches:    len(stitches),
		Meters:      round(meters, 1),
		Grams:       round(meters/w.MetersPer100g*100, 0),
		Skeins:      skeins,
		Recommended: skeins + 1,
	}, nil
}

// CostOptions price a project. Zero values leave the item out.
type CostOptions struct {
	PricePerSkein decimal.Decimal
	Hook          decimal.Decimal
	Notions       decimal.Decimal
	TaxRate       decimal.Decimal
}

// Cost is an itemised price, each line rounded to cents.
type Cost struct {
	Yarn     decimal.Decimal
	Hook     decimal.Decimal
	Notions  decimal.Decimal
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// Price computes the cost of buying skeins plus optional extras.
func Price(skeins int, opts CostOptions) Cost {
	yarn := opts.PricePerSkein.Mul(decimal.NewFromInt(int64(skeins))).Round(2)
	sub := yarn.Add(opts.Hook).Add(opts.Notions).Round(2)
	tax := sub.Mul(opts.TaxRate).Round(2)
	return Cost{
		Yarn:     yarn,
		Hook:     opts.Hook.Round(2),
		Notions:  opts.Notions.Round(2),
		Subtotal: sub,
		Tax:      tax,
		Total:    sub.Add(tax),
	}
}

// TimeResult is an estimate of working time in minutes.
type TimeResult struct {
	Work   float64
	Setup  float64
	Breaks float64
	Total  float64
}

// Hours is the total rounded to a tenth of an hour.
func (t TimeResult) Hours() float64 { return round(t.Total/60, 1) }

// Time estimates working time for a stitch sequence at the given skill.
// One ten-minute break is allowed per full hour of stitching.
func Time(stitches []string, skill Skill) TimeResult {
	speed := speedOf(skill)
	var work float64
	for _, s := range stitches {
		st, ok := model.LookupStitch(s)
		if !ok {
			work += 0.10 * speed
			continue
		}
		work += st.Minutes * speed
	}
	breaks := math.Floor(work/60) * 10
	return TimeResult{
		Work:   round(work, 0),
		Setup:  setupMinutes,
		Breaks: breaks,
		Total:  round(work+setupMinutes+breaks, 0),
	}
}

// Substitution describes swapping one yarn weight for another.
type Substitution struct {
	From        Weight
	To          Weight
	Grams       float64
	HookDeltaMM float64
	GaugeRatio  float64
	Advice      []string
}

// Substitute converts an amount in grams of one weight into the amount of
// another weight covering the same length.
func Substitute(grams float64, from, to Weight) (Substitution, error) {
	a, err := LookupWeight(from)
	if err != nil {
		return Substitution{}, err
	}
	b, err := LookupWeight(to)
	if err != nil {
		return Substitution{}, err
	}
	s := Substitution{
		From:        from,
		To:          to,
		Grams:       round(grams*(a.MetersPer100g/b.MetersPer100g), 0),
		HookDeltaMM: round(b.HookMM()-a.HookMM(), 2),
		GaugeRatio:  round(b.Factor/a.Factor, 2),
	}
	switch {
	case to > from:
		s.Advice = append(s.Advice, fmt.Sprintf("use a hook about %.2f mm larger", s.HookDeltaMM))
	case to < from:
		s.Advice = append(s.Advice, fmt.Sprintf("use a hook about %.2f mm smaller", -s.HookDeltaMM))
	default:
		s.Advice = append(s.Advice, "same weight category; keep the original hook")
	}
	if d := int(to) - int(from); d >= 2 || d <= -2 {
		s.Advice = append(s.Advice, "the finished piece will change size noticeably")
	}
	s.Advice = append(s.Advice, "work a gauge swatch before starting")
	return s, nil
}

// PieceStitches lists the stitch tokens of a piece: its pattern when set,
// else its round stitches, else one single crochet per counted stitch.
func PieceStitches(p model.PieceSnapshot) []string {
	if len(p.Metadata.Pattern) > 0 {
		return p.Metadata.Pattern
	}
	var out []string
	for _, r := range p.Rounds {
		out = append(out, r.Stitches...)
	}
	if len(out) > 0 {
		return out
	}
	for i := 0; i < p.Metadata.StitchCount; i++ {
		out = append(out, "sc")
	}
	return out
}

// ColorUsage is the yarn needed in one colour.
type ColorUsage struct {
	Color  model.Color
	Pieces int
	LengthResult
}

// ByColor estimates yarn per piece colour, ordered by colour value.
func ByColor(snap model.AssemblySnapshot, opts LengthOptions) ([]ColorUsage, error) {
	stitches := make(map[model.Color][]string)
	pieces := make(map[model.Color]int)
	for _, p := range snap.Pieces {
		stitches[p.Color] = append(stitches[p.Color], PieceStitches(p)...)
		pieces[p.Color]++
	}
	colors := make([]model.Color, 0, len(stitches))
	for c := range stitches {
		colors = append(colors, c)
	}
	sort.Slice(colors, func(i, j int) bool { return colors[i] < colors[j] })

	out := make([]ColorUsage, 0, len(colors))
	for _, c := range colors {
		res, err := Length(stitches[c], opts)
		if err != nil {
			return nil, err
		}
		out = append(out, ColorUsage{Color: c, Pieces: pieces[c], LengthResult: res})
	}
	return out, nil
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
