package model

import "math"

// Vec3 is a plain 3-component vector in workspace units. Safe marks values
// that went through NormalizeVector and are known to be finite.
type Vec3 struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
	Safe bool    `json:"__safe,omitempty"`
}

// V constructs a normalised vector from components. Non-finite components
// are replaced by 0.
func V(x, y, z float64) Vec3 {
	return Vec3{X: finiteOrZero(x), Y: finiteOrZero(y), Z: finiteOrZero(z), Safe: true}
}

// One is the unit scale.
var One = V(1, 1, 1)

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 { return V(v.X+o.X, v.Y+o.Y, v.Z+o.Z) }

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 { return V(v.X-o.X, v.Y-o.Y, v.Z-o.Z) }

// Scale returns v * s.
func (v Vec3) Scale(s float64) Vec3 { return V(v.X*s, v.Y*s, v.Z*s) }

// Mul returns the component-wise product.
func (v Vec3) Mul(o Vec3) Vec3 { return V(v.X*o.X, v.Y*o.Y, v.Z*o.Z) }

// Dot returns the dot product of two vectors.
func (v Vec3) Dot(o Vec3) float64 { return v.X*o.X + v.Y*o.Y + v.Z*o.Z }

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 { return math.Sqrt(v.Dot(v)) }

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(o Vec3) float64 { return v.Sub(o).Norm() }

// Lerp interpolates between v and o; t is clamped to [0,1].
func (v Vec3) Lerp(o Vec3, t float64) Vec3 {
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return V(v.X+(o.X-v.X)*t, v.Y+(o.Y-v.Y)*t, v.Z+(o.Z-v.Z)*t)
}

// IsFinite reports whether every component is a finite number.
func (v Vec3) IsFinite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

// ApproxEqual compares two vectors component-wise within eps.
func (v Vec3) ApproxEqual(o Vec3, eps float64) bool {
	return math.Abs(v.X-o.X) <= eps && math.Abs(v.Y-o.Y) <= eps && math.Abs(v.Z-o.Z) <= eps
}

// Plain strips the Safe marker so vectors can be compared by value.
func (v Vec3) Plain() Vec3 { return Vec3{X: v.X, Y: v.Y, Z: v.Z} }

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func finiteOrZero(f float64) float64 {
	if isFinite(f) {
		return f
	}
	return 0
}
