package exchange

import (
	"fmt"

	"github.com/stitchworks/crochet3d/core"
	"github.com/stitchworks/crochet3d/model"
)

// Suggestion kinds.
const (
	SuggestEmpty      = "empty"
	SuggestFloating   = "floating"
	SuggestOpenPoints = "open-points"
	SuggestNoPattern  = "no-pattern"
)

// minOccupiedRatio is the share of connection points below which an
// assembly is considered loosely joined.
const minOccupiedRatio = 0.25

// Suggestion is an advisory note attached to exported documents.
type Suggestion struct {
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
	PieceIDs []string `json:"pieceIds,omitempty"`
}

// Suggest inspects a snapshot and returns advisory notes. The result is
// deterministic for a given snapshot.
func Suggest(snap model.AssemblySnapshot) []Suggestion {
	if len(snap.Pieces) == 0 {
		return []Suggestion{{Kind: SuggestEmpty, Message: "Add a piece to start the assembly."}}
	}
	var out []Suggestion

	ids := make([]string, len(snap.Pieces))
	for i, p := range snap.Pieces {
		ids[i] = p.ID
	}
	if comps := core.Components(ids, snap.Connections); len(comps) > 1 {
		var loose []string
		for _, c := range comps[1:] {
			loose = append(loose, c...)
		}
		out = append(out, Suggestion{
			Kind:     SuggestFloating,
			Message:  fmt.Sprintf("%d parts are not joined to the main body.", len(comps)-1),
			PieceIDs: loose,
		})
	}

	total, used := 0, 0
	for _, p := range snap.Pieces {
		for _, pt := range p.ConnectionPoints {
			total++
			if pt.IsOccupied {
				used++
			}
		}
	}
	if total > 0 && float64(used)/float64(total) < minOccupiedRatio {
		out = append(out, Suggestion{
			Kind:    SuggestOpenPoints,
			Message: fmt.Sprintf("Only %d of %d connection points are used.", used, total),
		})
	}

	var bare []string
	for _, p := range snap.Pieces {
		if len(p.Metadata.Pattern) == 0 {
			bare = append(bare, p.ID)
		}
	}
	if len(bare) > 0 {
		out = append(out, Suggestion{
			Kind:     SuggestNoPattern,
			Message:  "Some pieces have no stitch pattern, so yarn and time estimates leave them out.",
			PieceIDs: bare,
		})
	}
	return out
}
