package assembly

import (
	"fmt"

	"github.com/stitchworks/crochet3d/model"
)

// CheckInvariants verifies the structural rules of the model and returns
// the first violation as *InvariantError, or nil.
func (a *Assembly) CheckInvariants() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.invariantsLocked()
}

func (a *Assembly) invariantsLocked() error {
	if err := a.graph.Check(); err != nil {
		return &InvariantError{Op: "check", Rule: "point-reciprocity", Err: err}
	}

	pieces := a.store.Pieces()
	byID := make(map[string]*model.Piece, len(pieces))
	for _, p := range pieces {
		byID[p.ID] = p
		for _, v := range []model.Vec3{p.Pose.Position, p.Pose.Rotation, p.Pose.Scale} {
			if !v.IsFinite() {
				return &InvariantError{Op: "check", Rule: "finite-pose", Err: fmt.Errorf("piece %q has a non-finite pose", p.ID)}
			}
		}
	}

	for _, c := range a.graph.List() {
		if c.Piece1ID == c.Piece2ID {
			return &InvariantError{Op: "check", Rule: "distinct-endpoints", Err: fmt.Errorf("connection %q", c.ID)}
		}
		for _, id := range []string{c.Piece1ID, c.Piece2ID} {
			if byID[id] == nil {
				return &InvariantError{Op: "check", Rule: "reference-integrity", Err: fmt.Errorf("connection %q references missing piece %q", c.ID, id)}
			}
		}
	}

	member := make(map[string]string)
	for _, g := range a.store.Groups() {
		for _, m := range g.Members {
			p := byID[m]
			if p == nil {
				return &InvariantError{Op: "check", Rule: "reference-integrity", Err: fmt.Errorf("group %q references missing piece %q", g.ID, m)}
			}
			if prev, dup := member[m]; dup {
				return &InvariantError{Op: "check", Rule: "group-membership", Err: fmt.Errorf("piece %q in groups %q and %q", m, prev, g.ID)}
			}
			member[m] = g.ID
			if p.Metadata.GroupID != g.ID {
				return &InvariantError{Op: "check", Rule: "group-membership", Err: fmt.Errorf("piece %q back-reference %q, want %q", m, p.Metadata.GroupID, g.ID)}
			}
		}
	}
	for _, p := range pieces {
		if gid := p.Metadata.GroupID; gid != "" && member[p.ID] != gid {
			return &InvariantError{Op: "check", Rule: "group-membership", Err: fmt.Errorf("piece %q claims group %q", p.ID, gid)}
		}
	}

	for _, id := range a.store.LockedIDs() {
		if byID[id] == nil {
			return &InvariantError{Op: "check", Rule: "reference-integrity", Err: fmt.Errorf("locked id %q has no piece", id)}
		}
	}
	return nil
}
