package assembly

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/stitchworks/crochet3d/internal/tier"
	"github.com/stitchworks/crochet3d/model"
)

// Template is a ready-made set of pieces and joins. Joins refer to pieces
// by their template name.
type Template struct {
	Name        string
	Kind        string
	Description string
	Pieces      []TemplatePiece
	Joins       []TemplateJoin
}

// TemplatePiece describes one piece of a template.
type TemplatePiece struct {
	Name     string
	Type     model.PieceType
	Color    model.Color
	Position model.Vec3
	Pattern  []string
	Points   []TemplatePoint
}

// TemplatePoint is a connection point in the piece's local frame.
type TemplatePoint struct {
	Name       string
	Type       string
	Position   model.Vec3
	Compatible []string
}

// TemplateJoin connects two template points.
type TemplateJoin struct {
	Piece1, Point1 string
	Piece2, Point2 string
}

var (
	ballPattern = []string{"MR", "inc", "inc", "sc", "sc", "sc", "dec", "dec", "FO"}
	limbPattern = []string{"MR", "inc", "sc", "sc", "sc", "FO"}
	earPattern  = []string{"MR", "inc", "sc", "dec", "FO"}
	wingPattern = []string{"ch", "turn", "shell", "shell", "picot", "FO"}
)

func pt(name, typ string, x, y, z float64, compatible ...string) TemplatePoint {
	return TemplatePoint{Name: name, Type: typ, Position: model.V(x, y, z), Compatible: compatible}
}

func head(x, y, z float64, color model.Color, extra ...TemplatePoint) TemplatePiece {
	return TemplatePiece{
		Name: "head", Type: model.PieceHead, Color: color, Position: model.V(x, y, z), Pattern: ballPattern,
		Points: append([]TemplatePoint{pt("neck", "neck", 0, -1, 0, "neck_joint")}, extra...),
	}
}

func limb(name string, typ model.PieceType, point, mate string, color model.Color, x, y, z float64) TemplatePiece {
	return TemplatePiece{
		Name: name, Type: typ, Color: color, Position: model.V(x, y, z), Pattern: limbPattern,
		Points: []TemplatePoint{pt(point, point, 0, 0.6, 0, mate)},
	}
}

var templates = map[string]Template{
	"teddy": {
		Name: "teddy", Kind: tier.TemplateBasic,
		Description: "Classic bear: head, body, two arms and two legs",
		Pieces: []TemplatePiece{
			head(0, 3, 0, 0x8b4513),
			{
				Name: "body", Type: model.PieceBody, Color: 0x8b4513, Position: model.V(0, 1, 0), Pattern: ballPattern,
				Points: []TemplatePoint{
					pt("neck_joint", "neck_joint", 0, 1, 0, "neck"),
					pt("shoulder_left", "shoulder", -1, 0.6, 0, "arm_top"),
					pt("shoulder_right", "shoulder", 1, 0.6, 0, "arm_top"),
					pt("hip_left", "hip", -0.5, -1, 0, "leg_top"),
					pt("hip_right", "hip", 0.5, -1, 0, "leg_top"),
				},
			},
			limb("arm_left", model.PieceArm, "arm_top", "shoulder", 0x8b4513, -1.6, 1.2, 0),
			limb("arm_right", model.PieceArm, "arm_top", "shoulder", 0x8b4513, 1.6, 1.2, 0),
			limb("leg_left", model.PieceLeg, "leg_top", "hip", 0x8b4513, -0.5, -0.6, 0),
			limb("leg_right", model.PieceLeg, "leg_top", "hip", 0x8b4513, 0.5, -0.6, 0),
		},
		Joins: []TemplateJoin{
			{"head", "neck", "body", "neck_joint"},
			{"arm_left", "arm_top", "body", "shoulder_left"},
			{"arm_right", "arm_top", "body", "shoulder_right"},
			{"leg_left", "leg_top", "body", "hip_left"},
			{"leg_right", "leg_top", "body", "hip_right"},
		},
	},
	"bunny": {
		Name: "bunny", Kind: tier.TemplateAdvanced,
		Description: "Bunny with long ears and a pompom tail",
		Pieces: []TemplatePiece{
			head(0, 3, 0, 0xfffdd0,
				pt("ear_left", "ear_socket", -0.4, 0.9, 0, "ear_base"),
				pt("ear_right", "ear_socket", 0.4, 0.9, 0, "ear_base")),
			{
				Name: "body", Type: model.PieceBody, Color: 0xfffdd0, Position: model.V(0, 1, 0), Pattern: ballPattern,
				Points: []TemplatePoint{
					pt("neck_joint", "neck_joint", 0, 1, 0, "neck"),
					pt("shoulder_left", "shoulder", -1, 0.6, 0, "arm_top"),
					pt("shoulder_right", "shoulder", 1, 0.6, 0, "arm_top"),
					pt("tail_socket", "tail_socket", 0, -0.4, -1, "tail_base"),
				},
			},
			limb("arm_left", model.PieceArm, "arm_top", "shoulder", 0xfffdd0, -1.6, 1.2, 0),
			limb("arm_right", model.PieceArm, "arm_top", "shoulder", 0xfffdd0, 1.6, 1.2, 0),
			{Name: "ear_left", Type: model.PieceEar, Color: 0xffc0cb, Position: model.V(-0.4, 4.5, 0), Pattern: earPattern,
				Points: []TemplatePoint{pt("ear_base", "ear_base", 0, -0.6, 0, "ear_socket")}},
			{Name: "ear_right", Type: model.PieceEar, Color: 0xffc0cb, Position: model.V(0.4, 4.5, 0), Pattern: earPattern,
				Points: []TemplatePoint{pt("ear_base", "ear_base", 0, -0.6, 0, "ear_socket")}},
			{Name: "tail", Type: model.PieceTail, Color: 0xffffff, Position: model.V(0, 0.6, -1.4), Pattern: []string{"MR", "bobble", "bobble", "FO"},
				Points: []TemplatePoint{pt("tail_base", "tail_base", 0, 0, 0.4, "tail_socket")}},
		},
		Joins: []TemplateJoin{
			{"head", "neck", "body", "neck_joint"},
			{"arm_left", "arm_top", "body", "shoulder_left"},
			{"arm_right", "arm_top", "body", "shoulder_right"},
			{"ear_left", "ear_base", "head", "ear_left"},
			{"ear_right", "ear_base", "head", "ear_right"},
			{"tail", "tail_base", "body", "tail_socket"},
		},
	},
	"dragon": {
		Name: "dragon", Kind: tier.TemplatePremium,
		Description: "Dragon with four legs, wings and a tail",
		Pieces: []TemplatePiece{
			head(0, 2.5, 1.5, 0x008080),
			{
				Name: "body", Type: model.PieceBody, Color: 0x008080, Position: model.V(0, 1, 0), Pattern: ballPattern,
				Points: []TemplatePoint{
					pt("neck_joint", "neck_joint", 0, 0.8, 1, "neck"),
					pt("hip_front_left", "hip", -0.6, -0.8, 0.6, "leg_top"),
					pt("hip_front_right", "hip", 0.6, -0.8, 0.6, "leg_top"),
					pt("hip_back_left", "hip", -0.6, -0.8, -0.6, "leg_top"),
					pt("hip_back_right", "hip", 0.6, -0.8, -0.6, "leg_top"),
					pt("wing_left", "wing_socket", -0.9, 0.7, 0, "wing_base"),
					pt("wing_right", "wing_socket", 0.9, 0.7, 0, "wing_base"),
					pt("tail_socket", "tail_socket", 0, 0, -1, "tail_base"),
				},
			},
			limb("leg_front_left", model.PieceLeg, "leg_top", "hip", 0x008080, -0.6, -0.4, 0.6),
			limb("leg_front_right", model.PieceLeg, "leg_top", "hip", 0x008080, 0.6, -0.4, 0.6),
			limb("leg_back_left", model.PieceLeg, "leg_top", "hip", 0x008080, -0.6, -0.4, -0.6),
			limb("leg_back_right", model.PieceLeg, "leg_top", "hip", 0x008080, 0.6, -0.4, -0.6),
			{Name: "wing_left", Type: model.PieceGeneric, Color: 0x800080, Position: model.V(-1.8, 2, 0), Pattern: wingPattern,
				Points: []TemplatePoint{pt("wing_base", "wing_base", 0.9, -0.3, 0, "wing_socket")}},
			{Name: "wing_right", Type: model.PieceGeneric, Color: 0x800080, Position: model.V(1.8, 2, 0), Pattern: wingPattern,
				Points: []TemplatePoint{pt("wing_base", "wing_base", -0.9, -0.3, 0, "wing_socket")}},
			{Name: "tail", Type: model.PieceTail, Color: 0x008080, Position: model.V(0, 1, -2), Pattern: []string{"MR", "inc", "sc", "sc", "sc", "sc", "FO"},
				Points: []TemplatePoint{pt("tail_base", "tail_base", 0, 0, 1, "tail_socket")}},
		},
		Joins: []TemplateJoin{
			{"head", "neck", "body", "neck_joint"},
			{"leg_front_left", "leg_top", "body", "hip_front_left"},
			{"leg_front_right", "leg_top", "body", "hip_front_right"},
			{"leg_back_left", "leg_top", "body", "hip_back_left"},
			{"leg_back_right", "leg_top", "body", "hip_back_right"},
			{"wing_left", "wing_base", "body", "wing_left"},
			{"wing_right", "wing_base", "body", "wing_right"},
			{"tail", "tail_base", "body", "tail_socket"},
		},
	},
}

// Templates lists the catalogue sorted by name.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for _, t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupTemplate returns a template by name.
func LookupTemplate(name string) (Template, bool) {
	t, ok := templates[name]
	return t, ok
}

// Build turns a template piece into a piece with rounds derived from its
// pattern.
func (tp TemplatePiece) Build() *model.Piece {
	p := &model.Piece{
		Name:  tp.Name,
		Type:  tp.Type,
		Color: tp.Color,
		Pose:  model.At(tp.Position),
		Metadata: model.PieceMetadata{
			Kind:    model.MetadataPattern,
			Pattern: append([]string(nil), tp.Pattern...),
		},
	}
	count := 0
	for _, tok := range tp.Pattern {
		switch tok {
		case "MR":
			count = 6
		case "inc":
			count += 6
		case "dec":
			count -= 6
		case "FO", "turn":
			continue
		}
		if count < 6 {
			count = 6
		}
		p.Rounds = append(p.Rounds, model.Round{
			StitchCount: count,
			Instruction: fmt.Sprintf("%s around (%d)", tok, count),
			Stitches:    []string{tok},
			HasIncrease: tok == "inc",
			HasDecrease: tok == "dec",
		})
	}
	for _, tpt := range tp.Points {
		cp := model.NewConnectionPoint("", tpt.Name, tpt.Type, tpt.Position, tpt.Compatible...)
		p.ConnectionPoints = append(p.ConnectionPoints, cp)
	}
	return p
}

// UseTemplate adds every piece of a template and joins them as one batch.
// It returns the new piece ids in template order.
func (a *Assembly) UseTemplate(ctx context.Context, name string, opts ...AddPieceOptions) ([]string, error) {
	t, ok := LookupTemplate(name)
	if !ok {
		return nil, opErr("UseTemplate", KindInvalidType, name, fmt.Errorf("unknown template %q", name))
	}
	if d := a.guard.CanUseTemplate(t.Kind); !d.Allowed {
		err := refusal("UseTemplate", name, d)
		a.observe("UseTemplate", err, time.Now())
		return nil, err
	}
	var ids []string
	err := a.Batch(ctx, fmt.Sprintf("Template %s", t.Name), func(tx *Tx) error {
		byName := make(map[string]string, len(t.Pieces))
		for _, tp := range t.Pieces {
			id, err := tx.AddPiece(tp.Build(), opts...)
			if err != nil {
				return err
			}
			byName[tp.Name] = id
			ids = append(ids, id)
		}
		for _, j := range t.Joins {
			if _, err := tx.Connect(byName[j.Piece1], j.Point1, byName[j.Piece2], j.Point2); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
