package core

import (
	"math"
	"testing"

	"github.com/stitchworks/crochet3d/model"
)

func TestWorldPointRotationScaleTranslation(t *testing.T) {
	tests := []struct {
		name  string
		pose  model.Pose
		local model.Vec3
		want  model.Vec3
	}{
		{"identity", model.IdentityPose(), model.V(1, 2, 3), model.V(1, 2, 3)},
		{"translate", model.At(model.V(10, 0, -2)), model.V(1, 0, 0), model.V(11, 0, -2)},
		{"rotate z quarter", model.Pose{Rotation: model.V(0, 0, math.Pi/2), Scale: model.One}, model.V(1, 0, 0), model.V(0, 1, 0)},
		{"rotate x quarter", model.Pose{Rotation: model.V(math.Pi/2, 0, 0), Scale: model.One}, model.V(0, 1, 0), model.V(0, 0, 1)},
		{"rotate y quarter", model.Pose{Rotation: model.V(0, math.Pi/2, 0), Scale: model.One}, model.V(0, 0, 1), model.V(1, 0, 0)},
		{"scale then translate", model.Pose{Position: model.V(1, 1, 1), Scale: model.V(2, 3, 4)}, model.V(1, 1, 1), model.V(3, 4, 5)},
		{"zero scale treated as unit", model.Pose{Position: model.V(0, 0, 0)}, model.V(1, 2, 3), model.V(1, 2, 3)},
	}
	for _, tt := range tests {
		got := WorldPoint(tt.pose, tt.local)
		if !got.ApproxEqual(tt.want, 1e-9) {
			t.Errorf("%s: WorldPoint = %+v, want %+v", tt.name, got.Plain(), tt.want.Plain())
		}
	}
}

func TestAlignTranslationMakesPointsCoincide(t *testing.T) {
	pose := model.Pose{Position: model.V(3, -1, 2), Rotation: model.V(0.3, 1.1, -0.7), Scale: model.V(1.5, 1.5, 1.5)}
	local := model.V(0.2, 1, -0.4)
	target := model.V(-4, 8, 0.5)

	aligned := AlignTranslation(pose, local, target)
	if got := WorldPoint(aligned, local); got.DistanceTo(target) > 1e-9 {
		t.Fatalf("aligned point %+v, want %+v", got.Plain(), target.Plain())
	}
	if aligned.Rotation != pose.Rotation || aligned.Scale != pose.Scale {
		t.Fatalf("alignment changed rotation or scale")
	}
}

func TestEaseInOutCubic(t *testing.T) {
	cases := map[float64]float64{-1: 0, 0: 0, 0.25: 0.0625, 0.5: 0.5, 0.75: 0.9375, 1: 1, 2: 1}
	for in, want := range cases {
		if got := EaseInOutCubic(in); math.Abs(got-want) > 1e-12 {
			t.Errorf("EaseInOutCubic(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestBoundingBox(t *testing.T) {
	lo, hi := BoundingBox([]model.Vec3{model.V(1, -2, 3), model.V(-4, 5, 0), model.V(2, 0, -6)})
	if lo.Plain() != model.V(-4, -2, -6).Plain() || hi.Plain() != model.V(2, 5, 3).Plain() {
		t.Fatalf("BoundingBox = %+v %+v", lo.Plain(), hi.Plain())
	}
	lo, hi = BoundingBox(nil)
	if lo.Norm() != 0 || hi.Norm() != 0 {
		t.Fatalf("empty BoundingBox not zero")
	}
}

func TestLerpPoseClamps(t *testing.T) {
	a := model.At(model.V(0, 0, 0))
	b := model.At(model.V(10, 0, 0))
	if got := LerpPose(a, b, 2).Position.X; got != 10 {
		t.Fatalf("LerpPose(2).X = %v, want 10", got)
	}
	if got := LerpPose(a, b, 0.25).Position.X; got != 2.5 {
		t.Fatalf("LerpPose(0.25).X = %v, want 2.5", got)
	}
}
