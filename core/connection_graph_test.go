package core

import (
	"errors"
	"testing"

	"github.com/stitchworks/crochet3d/kb"
	"github.com/stitchworks/crochet3d/model"
)

func headAndBody() *fakeAssembly {
	f := newFakeAssembly(nil)
	f.add("H", model.V(0, 0, 0), model.NewConnectionPoint("", "neck", "neck", model.V(0, 1, 0), "neck_joint"))
	f.add("B", model.V(0, 3, 0), model.NewConnectionPoint("", "neck_joint", "neck_joint", model.V(0, 2, 0), "neck"))
	return f
}

func TestGraphAddMarksPointsReciprocal(t *testing.T) {
	f := headAndBody()
	c := &model.Connection{ID: "c1", Piece1ID: "H", Point1ID: "H-neck", Piece2ID: "B", Point2ID: "neck_joint"}
	if err := f.graph.Add(c); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if c.Point2ID != "B-neck_joint" {
		t.Fatalf("point name not canonicalised: %q", c.Point2ID)
	}
	neck := f.store.Piece("H").Point("neck")
	joint := f.store.Piece("B").Point("neck_joint")
	if !neck.IsOccupied || neck.ConnectedTo != joint.ID || !joint.IsOccupied || joint.ConnectedTo != neck.ID {
		t.Fatalf("points not reciprocal: %+v %+v", neck, joint)
	}
	if err := f.graph.Check(); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if f.graph.Degree("H") != 1 || len(f.graph.Neighbors("B")) != 1 {
		t.Fatalf("adjacency not indexed")
	}
}

func TestGraphRejectsBadConnections(t *testing.T) {
	f := headAndBody()
	f.add("X", model.V(5, 0, 0), model.NewConnectionPoint("", "neck", "neck", model.V(0, 0, 0)))
	if err := f.graph.Add(&model.Connection{ID: "c1", Piece1ID: "H", Point1ID: "H-neck", Piece2ID: "B", Point2ID: "B-neck_joint"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	tests := []struct {
		name string
		c    *model.Connection
		want error
	}{
		{"duplicate id", &model.Connection{ID: "c1", Piece1ID: "H", Point1ID: "H-neck", Piece2ID: "X", Point2ID: "X-neck"}, ErrConnectionExists},
		{"self", &model.Connection{ID: "c2", Piece1ID: "X", Point1ID: "X-neck", Piece2ID: "X", Point2ID: "X-neck"}, ErrSelfConnection},
		{"missing piece", &model.Connection{ID: "c3", Piece1ID: "nope", Point1ID: "a", Piece2ID: "X", Point2ID: "X-neck"}, kb.ErrPieceNotFound},
		{"missing point", &model.Connection{ID: "c4", Piece1ID: "X", Point1ID: "X-ear", Piece2ID: "H", Point2ID: "H-neck"}, ErrPointNotFound},
		{"occupied", &model.Connection{ID: "c5", Piece1ID: "X", Point1ID: "X-neck", Piece2ID: "H", Point2ID: "H-neck"}, ErrPointOccupied},
		{"empty id", &model.Connection{Piece1ID: "X", Point1ID: "X-neck", Piece2ID: "H", Point2ID: "H-neck"}, ErrConnectionBadInput},
	}
	for _, tt := range tests {
		if err := f.graph.Add(tt.c); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if f.graph.Len() != 1 {
		t.Fatalf("rejected connections were stored: %d", f.graph.Len())
	}
	if f.store.Piece("X").Point("neck").IsOccupied {
		t.Fatalf("rejected connection occupied a point")
	}
}

func TestGraphRemovePieceClearsMates(t *testing.T) {
	f := headAndBody()
	f.add("A", model.V(2, 0, 0), model.NewConnectionPoint("", "shoulder", "shoulder", model.V(0, 0, 0)))
	f.store.Piece("B").ConnectionPoints = append(f.store.Piece("B").ConnectionPoints,
		model.NewConnectionPoint("B", "arm_top", "arm_top", model.V(1, 0, 0)))
	f.connect("c1", "H", "H-neck", "B", "B-neck_joint")
	f.connect("c2", "A", "A-shoulder", "B", "B-arm_top")

	removed := f.graph.RemovePiece("B")
	if len(removed) != 2 || removed[0].ID != "c1" || removed[1].ID != "c2" {
		t.Fatalf("RemovePiece returned %+v", removed)
	}
	if f.graph.Len() != 0 {
		t.Fatalf("connections left: %d", f.graph.Len())
	}
	for _, id := range []string{"H", "A"} {
		for _, pt := range f.store.Piece(id).ConnectionPoints {
			if pt.IsOccupied || pt.ConnectedTo != "" {
				t.Fatalf("mate %s still bound: %+v", pt.ID, pt)
			}
		}
	}
}

func TestGraphRemove(t *testing.T) {
	f := headAndBody()
	f.connect("c1", "H", "H-neck", "B", "B-neck_joint")
	if _, err := f.graph.Remove("c1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := f.graph.Remove("c1"); !errors.Is(err, ErrConnectionNotFound) {
		t.Fatalf("second Remove err = %v", err)
	}
	if f.store.Piece("H").Point("neck").IsOccupied {
		t.Fatalf("point still occupied")
	}
	if _, ok := f.graph.ForPoint("H-neck"); ok {
		t.Fatalf("point index not cleared")
	}
}

func TestCheckDetectsOneSidedOccupation(t *testing.T) {
	f := headAndBody()
	pt := f.store.Piece("H").Point("neck")
	pt.IsOccupied, pt.ConnectedTo = true, "B-neck_joint"
	if err := f.graph.Check(); err == nil {
		t.Fatalf("expected invariant violation")
	}
}

func TestComponents(t *testing.T) {
	conns := []model.Connection{
		{Piece1ID: "a", Piece2ID: "b"},
		{Piece1ID: "c", Piece2ID: "d"},
		{Piece1ID: "b", Piece2ID: "e"},
	}
	got := Components([]string{"a", "b", "c", "d", "e", "f"}, conns)
	if len(got) != 3 {
		t.Fatalf("components = %v", got)
	}
	if len(got[0]) != 3 || got[0][0] != "a" || len(got[1]) != 2 || got[2][0] != "f" {
		t.Fatalf("components = %v", got)
	}
}
