package recovery

import (
	"errors"
	"fmt"
	"sort"

	"github.com/stitchworks/crochet3d/model"
)

// ErrCorrupt marks a snapshot that fails the structural checks.
var ErrCorrupt = errors.New("corrupt assembly snapshot")

// CheckSnapshot verifies that a snapshot can be restored without repairs:
// every reference resolves, mates are reciprocal and each point takes part
// in at most one connection.
func CheckSnapshot(s *model.AssemblySnapshot) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("%w: missing id", ErrCorrupt)
	}
	idx := make(map[string]*model.PieceSnapshot, len(s.Pieces))
	points := make(map[string]*model.ConnectionPoint)
	for i := range s.Pieces {
		p := &s.Pieces[i]
		if p.ID == "" {
			return fmt.Errorf("%w: piece without id", ErrCorrupt)
		}
		if _, dup := idx[p.ID]; dup {
			return fmt.Errorf("%w: duplicate piece %q", ErrCorrupt, p.ID)
		}
		idx[p.ID] = p
		for j := range p.ConnectionPoints {
			pt := &p.ConnectionPoints[j]
			if _, dup := points[pt.ID]; dup || pt.ID == "" {
				return fmt.Errorf("%w: bad point id %q", ErrCorrupt, pt.ID)
			}
			points[pt.ID] = pt
		}
	}

	used := make(map[string]string)
	for _, c := range s.Connections {
		if c.Piece1ID == c.Piece2ID {
			return fmt.Errorf("%w: connection %q joins a piece to itself", ErrCorrupt, c.ID)
		}
		for _, end := range [][2]string{{c.Piece1ID, c.Point1ID}, {c.Piece2ID, c.Point2ID}} {
			if !ownsPoint(idx[end[0]], end[1]) {
				return fmt.Errorf("%w: connection %q references missing point %q", ErrCorrupt, c.ID, end[1])
			}
			if other, dup := used[end[1]]; dup {
				return fmt.Errorf("%w: point %q used by %q and %q", ErrCorrupt, end[1], other, c.ID)
			}
			used[end[1]] = c.ID
		}
		if points[c.Point1ID].ConnectedTo != c.Point2ID || points[c.Point2ID].ConnectedTo != c.Point1ID ||
			!points[c.Point1ID].IsOccupied || !points[c.Point2ID].IsOccupied {
			return fmt.Errorf("%w: connection %q is not reciprocal", ErrCorrupt, c.ID)
		}
	}
	for id, pt := range points {
		if _, ok := used[id]; !ok && (pt.IsOccupied || pt.ConnectedTo != "") {
			return fmt.Errorf("%w: point %q is occupied without a connection", ErrCorrupt, id)
		}
	}
	for _, g := range s.Groups {
		for _, m := range g.Members {
			if _, ok := idx[m]; !ok {
				return fmt.Errorf("%w: group %q references missing piece %q", ErrCorrupt, g.ID, m)
			}
		}
	}
	for _, id := range s.Locked {
		if _, ok := idx[id]; !ok {
			return fmt.Errorf("%w: locked piece %q missing", ErrCorrupt, id)
		}
	}
	return nil
}

func ownsPoint(p *model.PieceSnapshot, pointID string) bool {
	if p == nil {
		return false
	}
	for _, pt := range p.ConnectionPoints {
		if pt.ID == pointID {
			return true
		}
	}
	return false
}

// Repair makes a snapshot restorable: duplicate pieces and points are
// dropped, connections with missing or reused endpoints are dropped, point
// occupancy is rebuilt from the surviving connections, and groups and the
// locked set lose unknown members. It returns a description of each fix.
func Repair(s *model.AssemblySnapshot) []string {
	var fixes []string
	idx := make(map[string]*model.PieceSnapshot, len(s.Pieces))
	pieces := s.Pieces[:0]
	seenPoint := make(map[string]bool)
	for _, p := range s.Pieces {
		if p.ID == "" {
			fixes = append(fixes, "dropped piece without id")
			continue
		}
		if _, dup := idx[p.ID]; dup {
			fixes = append(fixes, fmt.Sprintf("dropped duplicate piece %s", p.ID))
			continue
		}
		pts := p.ConnectionPoints[:0]
		for _, pt := range p.ConnectionPoints {
			if pt.ID == "" {
				pt.ID = model.PointID(p.ID, pt.Name)
			}
			if seenPoint[pt.ID] {
				fixes = append(fixes, fmt.Sprintf("dropped duplicate point %s", pt.ID))
				continue
			}
			seenPoint[pt.ID] = true
			pts = append(pts, pt)
		}
		p.ConnectionPoints = pts
		pieces = append(pieces, p)
		idx[p.ID] = &pieces[len(pieces)-1]
	}
	s.Pieces = pieces

	used := make(map[string]bool)
	conns := s.Connections[:0]
	for _, c := range s.Connections {
		switch {
		case c.Piece1ID == c.Piece2ID:
			fixes = append(fixes, fmt.Sprintf("dropped self connection %s", c.ID))
			continue
		case !ownsPoint(idx[c.Piece1ID], c.Point1ID) || !ownsPoint(idx[c.Piece2ID], c.Point2ID):
			fixes = append(fixes, fmt.Sprintf("dropped connection %s with missing endpoint", c.ID))
			continue
		case used[c.Point1ID] || used[c.Point2ID]:
			fixes = append(fixes, fmt.Sprintf("dropped connection %s reusing a point", c.ID))
			continue
		}
		used[c.Point1ID], used[c.Point2ID] = true, true
		conns = append(conns, c)
	}
	s.Connections = conns

	mate := make(map[string]string, 2*len(conns))
	for _, c := range conns {
		mate[c.Point1ID] = c.Point2ID
		mate[c.Point2ID] = c.Point1ID
	}
	for i := range s.Pieces {
		for j := range s.Pieces[i].ConnectionPoints {
			pt := &s.Pieces[i].ConnectionPoints[j]
			want, ok := mate[pt.ID]
			if pt.IsOccupied != ok || pt.ConnectedTo != want {
				fixes = append(fixes, fmt.Sprintf("reset occupancy of point %s", pt.ID))
				pt.IsOccupied, pt.ConnectedTo = ok, want
			}
		}
	}

	grouped := make(map[string]bool)
	groups := s.Groups[:0]
	for _, g := range s.Groups {
		members := make([]string, 0, len(g.Members))
		for _, m := range g.Members {
			if _, ok := idx[m]; !ok || grouped[m] {
				fixes = append(fixes, fmt.Sprintf("dropped member %s from group %s", m, g.ID))
				continue
			}
			grouped[m] = true
			members = append(members, m)
		}
		if len(members) == 0 {
			fixes = append(fixes, fmt.Sprintf("dropped empty group %s", g.ID))
			continue
		}
		g.Members = members
		groups = append(groups, g)
	}
	s.Groups = groups

	locked := s.Locked[:0]
	for _, id := range s.Locked {
		if _, ok := idx[id]; ok {
			locked = append(locked, id)
		} else {
			fixes = append(fixes, fmt.Sprintf("dropped lock on missing piece %s", id))
		}
	}
	s.Locked = locked
	return fixes
}

// MarkRecovered flags the snapshot and its pieces as recovered.
func MarkRecovered(s *model.AssemblySnapshot) {
	s.IsRecovered = true
	for i := range s.Pieces {
		s.Pieces[i].Recovered = true
	}
}

// coercePieces turns a dictionary-shaped pieces value into a list ordered
// by key.
func coercePieces(tree map[string]any) bool {
	m, ok := tree["pieces"].(map[string]any)
	if !ok {
		return false
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	list := make([]any, 0, len(keys))
	for _, k := range keys {
		if p, ok := m[k].(map[string]any); ok {
			if _, has := p["id"]; !has {
				p["id"] = k
			}
			list = append(list, p)
		}
	}
	tree["pieces"] = list
	return true
}
