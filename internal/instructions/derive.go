package instructions

import (
	"fmt"
	"math"
	"strings"

	"github.com/stitchworks/crochet3d/core"
	"github.com/stitchworks/crochet3d/model"
)

// DefaultRoundSize is the number of pattern tokens grouped into one round.
const DefaultRoundSize = 6

// minSizeAxis is the smallest reported extent on each axis.
const minSizeAxis = 10

// finishingMinutes is added to every time estimate.
const finishingMinutes = 30

// SkillLevel is the highest stitch difficulty used by any pattern, raised
// to 2 for more than 10 pieces and to 3 for more than 15 connections.
func SkillLevel(snap model.AssemblySnapshot) int {
	level := 1
	for _, p := range snap.Pieces {
		for _, tok := range p.Metadata.Pattern {
			if st, ok := model.LookupStitch(tok); ok && st.Difficulty > level {
				level = st.Difficulty
			}
		}
	}
	if len(snap.Pieces) > 10 && level < 2 {
		level = 2
	}
	if len(snap.Connections) > 15 {
		level = 3
	}
	return level
}

// EstimatedMinutes is the stitch time of every pattern plus five minutes
// per connection and a fixed finishing allowance.
func EstimatedMinutes(snap model.AssemblySnapshot) float64 {
	var total float64
	for _, p := range snap.Pieces {
		for _, tok := range p.Metadata.Pattern {
			if st, ok := model.LookupStitch(tok); ok {
				total += st.Minutes
			}
		}
	}
	total += 5 * float64(len(snap.Connections))
	return math.Round(total + finishingMinutes)
}

// Size is the bounding box of the piece positions, at least 10 per axis.
func Size(snap model.AssemblySnapshot) model.Vec3 {
	pts := make([]model.Vec3, 0, len(snap.Pieces))
	for _, p := range snap.Pieces {
		pts = append(pts, p.Position)
	}
	lo, hi := core.BoundingBox(pts)
	ext := hi.Sub(lo)
	return model.V(math.Max(ext.X, minSizeAxis), math.Max(ext.Y, minSizeAxis), math.Max(ext.Z, minSizeAxis))
}

// GroupRounds chunks a pattern into rounds of size tokens. The stitch
// count of a round grows by 2 per increase, shrinks by 1 per decrease and
// grows by 1 for every other token except chains and turns.
func GroupRounds(pattern []string, size int) []model.Round {
	if size <= 0 {
		size = DefaultRoundSize
	}
	var out []model.Round
	for start := 0; start < len(pattern); start += size {
		end := start + size
		if end > len(pattern) {
			end = len(pattern)
		}
		chunk := append([]string(nil), pattern[start:end]...)
		r := model.Round{Stitches: chunk}
		for _, tok := range chunk {
			switch tok {
			case "inc":
				r.StitchCount += 2
				r.HasIncrease = true
			case "dec":
				r.StitchCount--
				r.HasDecrease = true
			case "ch", "turn":
			default:
				r.StitchCount++
			}
		}
		r.Instruction = fmt.Sprintf("%s (%d)", compress(chunk), r.StitchCount)
		out = append(out, r)
	}
	return out
}

// compress writes runs of the same token as "n tok".
func compress(tokens []string) string {
	var parts []string
	for i := 0; i < len(tokens); {
		j := i
		for j < len(tokens) && tokens[j] == tokens[i] {
			j++
		}
		if n := j - i; n > 1 {
			parts = append(parts, fmt.Sprintf("%d %s", n, tokens[i]))
		} else {
			parts = append(parts, tokens[i])
		}
		i = j
	}
	return strings.Join(parts, ", ")
}
