package model

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/stitchworks/crochet3d/internal/logging"
)

// NormalizeVector coerces any triple-shaped value into a finite Vec3.
// Missing or non-finite components become 0 and are reported on log.
// The result never aliases v.
func NormalizeVector(v any, log logging.Logger) Vec3 {
	if log == nil {
		log = logging.Noop()
	}
	comps, ok := vectorComponents(v)
	if !ok {
		log.Warn(context.Background(), "vector input not a triple; defaulting to zero",
			logging.String("input_type", fmt.Sprintf("%T", v)))
		return V(0, 0, 0)
	}
	var out [3]float64
	for i, c := range comps {
		f, ok := toFloat(c)
		if !ok || !isFinite(f) {
			log.Warn(context.Background(), "vector component missing or non-finite; defaulting to zero",
				logging.Int("component", i))
			f = 0
		}
		out[i] = f
	}
	return V(out[0], out[1], out[2])
}

func vectorComponents(v any) ([3]any, bool) {
	switch t := v.(type) {
	case Vec3:
		return [3]any{t.X, t.Y, t.Z}, true
	case *Vec3:
		if t == nil {
			return [3]any{}, false
		}
		return [3]any{t.X, t.Y, t.Z}, true
	case [3]float64:
		return [3]any{t[0], t[1], t[2]}, true
	case []float64:
		return sliceComponents(len(t), func(i int) any { return t[i] })
	case []float32:
		return sliceComponents(len(t), func(i int) any { return t[i] })
	case []int:
		return sliceComponents(len(t), func(i int) any { return t[i] })
	case []any:
		return sliceComponents(len(t), func(i int) any { return t[i] })
	case map[string]any:
		return [3]any{t["x"], t["y"], t["z"]}, true
	case map[string]float64:
		x, okx := t["x"]
		y, oky := t["y"]
		z, okz := t["z"]
		return [3]any{pick(x, okx), pick(y, oky), pick(z, okz)}, true
	}
	if f, ok := toFloat(v); ok {
		return [3]any{f, f, f}, true
	}
	return [3]any{}, false
}

func pick(f float64, ok bool) any {
	if !ok {
		return nil
	}
	return f
}

func sliceComponents(n int, at func(int) any) ([3]any, bool) {
	var out [3]any
	if n == 0 {
		return out, false
	}
	for i := 0; i < 3 && i < n; i++ {
		out[i] = at(i)
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case interface{ Float64() (float64, error) }:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

// NormalizeColor coerces a number, "#rrggbb"/"#rgb"/"0xrrggbb" string, palette
// token, RGB triple or {r,g,b} record into a canonical 24-bit colour.
// Unreadable input yields DefaultColor and is reported on log.
func NormalizeColor(v any, log logging.Logger) Color {
	if log == nil {
		log = logging.Noop()
	}
	if c, ok := colorFrom(v); ok {
		return c
	}
	log.Warn(context.Background(), "colour not recognised; defaulting to white",
		logging.String("input", fmt.Sprintf("%v", v)))
	return DefaultColor
}

// ParseColor reads a colour like NormalizeColor but reports failure instead
// of falling back to DefaultColor.
func ParseColor(v any) (Color, bool) { return colorFrom(v) }

func colorFrom(v any) (Color, bool) {
	switch t := v.(type) {
	case Color:
		return t & 0xffffff, true
	case string:
		return parseColorString(t)
	case []any:
		return colorFromTriple(t)
	case []float64:
		vals := make([]any, len(t))
		for i := range t {
			vals[i] = t[i]
		}
		return colorFromTriple(vals)
	case []int:
		vals := make([]any, len(t))
		for i := range t {
			vals[i] = t[i]
		}
		return colorFromTriple(vals)
	case map[string]any:
		return colorFromTriple([]any{t["r"], t["g"], t["b"]})
	}
	f, ok := toFloat(v)
	if !ok || !isFinite(f) || f < 0 || f != math.Trunc(f) {
		return 0, false
	}
	return Color(uint32(int64(f)) & 0xffffff), true
}

func parseColorString(s string) (Color, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	if c, ok := namedColors[s]; ok {
		return c, true
	}
	hex := ""
	switch {
	case strings.HasPrefix(s, "#"):
		hex = s[1:]
	case strings.HasPrefix(s, "0x"):
		hex = s[2:]
	default:
		return 0, false
	}
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return 0, false
	}
	n, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, false
	}
	return Color(n), true
}

func colorFromTriple(vals []any) (Color, bool) {
	if len(vals) != 3 {
		return 0, false
	}
	var ch [3]float64
	unit := true
	for i, v := range vals {
		f, ok := toFloat(v)
		if !ok || !isFinite(f) || f < 0 || f > 255 {
			return 0, false
		}
		if f > 1 {
			unit = false
		}
		ch[i] = f
	}
	if unit {
		for i := range ch {
			ch[i] *= 255
		}
	}
	return ColorFromRGB(uint8(math.Round(ch[0])), uint8(math.Round(ch[1])), uint8(math.Round(ch[2]))), true
}

// SnapshotPiece copies a piece into a plain record that shares no memory
// with the live piece.
func SnapshotPiece(p *Piece) PieceSnapshot {
	if p == nil {
		return PieceSnapshot{}
	}
	s := PieceSnapshot{
		ID:        p.ID,
		Name:      p.Name,
		Type:      p.Type,
		Color:     p.Color & 0xffffff,
		IsCustom:  p.IsCustom,
		Position:  NormalizeVector(p.Pose.Position, nil),
		Rotation:  NormalizeVector(p.Pose.Rotation, nil),
		Scale:     NormalizeVector(p.Pose.Scale, nil),
		Rounds:    cloneRounds(p.Rounds),
		Metadata:  cloneMetadata(p.Metadata),
		Recovered: p.Recovered,
	}
	s.ConnectionPoints = make([]ConnectionPoint, 0, len(p.ConnectionPoints))
	for _, pt := range p.ConnectionPoints {
		if pt == nil {
			continue
		}
		cp := *pt
		cp.Position = NormalizeVector(pt.Position, nil)
		cp.Compatible = append([]string(nil), pt.Compatible...)
		s.ConnectionPoints = append(s.ConnectionPoints, cp)
	}
	return s
}

// RestorePiece builds a live piece from a snapshot. Vectors and colours are
// re-normalised so that hand-edited records still yield safe values.
func RestorePiece(s PieceSnapshot) *Piece {
	p := &Piece{
		ID:       s.ID,
		Name:     s.Name,
		Type:     s.Type,
		Color:    NormalizeColor(s.Color, nil),
		IsCustom: s.IsCustom,
		Pose: Pose{
			Position: NormalizeVector(s.Position, nil),
			Rotation: NormalizeVector(s.Rotation, nil),
			Scale:    NormalizeVector(s.Scale, nil),
		},
		Rounds:    cloneRounds(s.Rounds),
		Metadata:  cloneMetadata(s.Metadata),
		Recovered: s.Recovered,
	}
	if p.Pose.Scale.Plain() == (Vec3{}) {
		p.Pose.Scale = One
	}
	p.ConnectionPoints = make([]*ConnectionPoint, 0, len(s.ConnectionPoints))
	for _, pt := range s.ConnectionPoints {
		cp := pt
		cp.Position = NormalizeVector(pt.Position, nil)
		cp.Compatible = append([]string(nil), pt.Compatible...)
		if cp.ID == "" {
			cp.ID = PointID(s.ID, cp.Name)
		}
		p.ConnectionPoints = append(p.ConnectionPoints, &cp)
	}
	return p
}

func cloneRounds(in []Round) []Round {
	if in == nil {
		return nil
	}
	out := make([]Round, len(in))
	for i, r := range in {
		r.Stitches = append([]string(nil), r.Stitches...)
		out[i] = r
	}
	return out
}

func cloneMetadata(m PieceMetadata) PieceMetadata {
	out := m
	out.Pattern = append([]string(nil), m.Pattern...)
	if m.Extensions != nil {
		out.Extensions = make(map[string]any, len(m.Extensions))
		for k, v := range m.Extensions {
			out.Extensions[k] = v
		}
	}
	return out
}
