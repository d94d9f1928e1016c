package core

import (
	"time"

	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

// DefaultAnimationDuration is the length of snap and bridge animations.
const DefaultAnimationDuration = 300 * time.Millisecond

// NewPoseTween returns a task that moves a pose from one value to another
// with cubic in-out easing, handing every intermediate pose to apply.
func NewPoseTween(from, to model.Pose, d time.Duration, apply func(model.Pose), onDone func()) *timectrl.Tween {
	return &timectrl.Tween{
		Duration: d,
		Ease:     EaseInOutCubic,
		Step: func(p float64) {
			if apply != nil {
				apply(LerpPose(from, to, p))
			}
		},
		OnDone: onDone,
	}
}

// NewGrowTween returns a task that reports a growth factor from 0 to 1.
func NewGrowTween(d time.Duration, apply func(float64), onDone func()) *timectrl.Tween {
	return &timectrl.Tween{
		Duration: d,
		Ease:     EaseInOutCubic,
		Step:     apply,
		OnDone:   onDone,
	}
}
