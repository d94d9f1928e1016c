// Package yarn estimates yarn length, skeins, cost and working time for a
// pattern, and converts amounts between yarn weights.
package yarn

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownWeight is returned for weight categories outside 0..7.
var ErrUnknownWeight = errors.New("unknown yarn weight")

// Weight is a standard yarn weight category, 0 (lace) to 7 (jumbo).
type Weight int

const (
	Lace Weight = iota
	SuperFine
	Fine
	Light
	Medium
	Bulky
	SuperBulky
	Jumbo
)

// WeightInfo is one row of the weight table.
type WeightInfo struct {
	Weight        Weight
	Name          string
	MetersPer100g float64
	HookMinMM     float64
	HookMaxMM     float64
	// Factor scales per-stitch consumption relative to worsted.
	Factor float64
}

// HookMM is the middle of the recommended hook range.
func (w WeightInfo) HookMM() float64 { return (w.HookMinMM + w.HookMaxMM) / 2 }

var weights = [...]WeightInfo{
	{Lace, "lace", 800, 1.5, 2.25, 0.5},
	{SuperFine, "super fine", 400, 2.25, 3.5, 0.6},
	{Fine, "fine", 300, 3.5, 4.5, 0.75},
	{Light, "light", 250, 4.5, 5.5, 0.9},
	{Medium, "medium", 200, 5.5, 6.5, 1.0},
	{Bulky, "bulky", 130, 6.5, 9, 1.3},
	{SuperBulky, "super bulky", 80, 9, 15, 1.6},
	{Jumbo, "jumbo", 40, 15, 25, 2.0},
}

// LookupWeight returns the table row of w.
func LookupWeight(w Weight) (WeightInfo, error) {
	if w < Lace || w > Jumbo {
		return WeightInfo{}, fmt.Errorf("%w: %d", ErrUnknownWeight, int(w))
	}
	return weights[w], nil
}

// ParseWeight resolves a weight by table name ("medium", "super fine") or
// category number ("4").
func ParseWeight(s string) (Weight, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, w := range weights {
		if w.Name == s || strconv.Itoa(int(w.Weight)) == s {
			return w.Weight, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownWeight, s)
}

// Weights returns the weight table in category order.
func Weights() []WeightInfo {
	out := make([]WeightInfo, len(weights))
	copy(out, weights[:])
	return out
}

// consumptionCM is the yarn used per stitch at worsted weight.
var consumptionCM = map[string]float64{
	"ch":       2.0,
	"sl":       1.5,
	"sc":       3.5,
	"hdc":      4.5,
	"dc":       5.5,
	"tr":       7.0,
	"dtr":      8.5,
	"inc":      7.0,
	"dec":      5.0,
	"MR":       5.0,
	"FO":       10.0,
	"join":     2.0,
	"turn":     0,
	"picot":    6.0,
	"popcorn":  15.0,
	"bobble":   12.0,
	"cluster":  11.0,
	"shell":    16.5,
	"v-stitch": 11.0,
}

// defaultConsumptionCM covers tokens missing from the table.
const defaultConsumptionCM = 3.5

// Consumption returns the centimetres of worsted yarn one stitch uses.
func Consumption(token string) float64 {
	if c, ok := consumptionCM[token]; ok {
		return c
	}
	return defaultConsumptionCM
}

// Skill scales working speed.
type Skill string

const (
	Beginner     Skill = "beginner"
	Intermediate Skill = "intermediate"
	Advanced     Skill = "advanced"
)

var skillSpeed = map[Skill]float64{
	Beginner:     1.5,
	Intermediate: 1.0,
	Advanced:     0.75,
}

func speedOf(s Skill) float64 {
	if f, ok := skillSpeed[s]; ok {
		return f
	}
	return 1.0
}
