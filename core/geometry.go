package core

import (
	"math"

	"github.com/stitchworks/crochet3d/model"
)

// WorldPoint maps a piece-local point into workspace coordinates: scale,
// then rotate (Euler XYZ, radians), then translate.
func WorldPoint(pose model.Pose, local model.Vec3) model.Vec3 {
	scale := pose.Scale
	if scale.Plain() == (model.Vec3{}) {
		scale = model.One
	}
	v := local.Mul(scale)
	v = rotateEuler(v, pose.Rotation)
	return v.Add(pose.Position)
}

// rotateEuler applies R = Rx·Ry·Rz to v.
func rotateEuler(v, euler model.Vec3) model.Vec3 {
	if euler.X == 0 && euler.Y == 0 && euler.Z == 0 {
		return v
	}
	x, y, z := v.X, v.Y, v.Z

	sz, cz := math.Sincos(euler.Z)
	x, y = x*cz-y*sz, x*sz+y*cz

	sy, cy := math.Sincos(euler.Y)
	x, z = x*cy+z*sy, -x*sy+z*cy

	sx, cx := math.Sincos(euler.X)
	y, z = y*cx-z*sx, y*sx+z*cx

	return model.V(x, y, z)
}

// AlignTranslation returns the pose that moves local so that it lands on
// target, keeping rotation and scale.
func AlignTranslation(pose model.Pose, local, target model.Vec3) model.Pose {
	delta := target.Sub(WorldPoint(pose, local))
	out := pose
	out.Position = pose.Position.Add(delta)
	return out
}

// LerpPose interpolates every component of two poses; t is clamped to [0,1].
func LerpPose(a, b model.Pose, t float64) model.Pose {
	return model.Pose{
		Position: a.Position.Lerp(b.Position, t),
		Rotation: a.Rotation.Lerp(b.Rotation, t),
		Scale:    a.Scale.Lerp(b.Scale, t),
	}
}

// EaseInOutCubic is the easing curve used by snap and bridge animations.
func EaseInOutCubic(t float64) float64 {
	switch {
	case t <= 0:
		return 0
	case t >= 1:
		return 1
	case t < 0.5:
		return 4 * t * t * t
	default:
		f := -2*t + 2
		return 1 - f*f*f/2
	}
}

// BoundingBox returns the component-wise min and max of pts. An empty input
// yields two zero vectors.
func BoundingBox(pts []model.Vec3) (lo, hi model.Vec3) {
	if len(pts) == 0 {
		return model.V(0, 0, 0), model.V(0, 0, 0)
	}
	lo, hi = pts[0], pts[0]
	for _, p := range pts[1:] {
		lo = model.V(math.Min(lo.X, p.X), math.Min(lo.Y, p.Y), math.Min(lo.Z, p.Z))
		hi = model.V(math.Max(hi.X, p.X), math.Max(hi.Y, p.Y), math.Max(hi.Z, p.Z))
	}
	return lo, hi
}
