package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchworks/crochet3d/internal/tier"
	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func piece(id string, typ model.PieceType, pattern []string, points ...model.ConnectionPoint) model.PieceSnapshot {
	for i := range points {
		points[i].ID = model.PointID(id, points[i].Name)
		if points[i].JoinStyle == "" {
			points[i].JoinStyle = "standard"
		}
	}
	return model.PieceSnapshot{
		ID: id, Name: id, Type: typ, Scale: model.One,
		ConnectionPoints: points,
		Metadata:         model.PieceMetadata{Pattern: pattern},
	}
}

func point(name string, compatible ...string) model.ConnectionPoint {
	return model.ConnectionPoint{Name: name, Type: name, Compatible: compatible}
}

// link marks both points occupied and appends the connection.
func link(a *model.AssemblySnapshot, id, p1, n1, p2, n2 string) {
	idx := a.PieceIndex()
	pt1, pt2 := model.PointID(p1, n1), model.PointID(p2, n2)
	for i := range idx[p1].ConnectionPoints {
		if cp := &idx[p1].ConnectionPoints[i]; cp.ID == pt1 {
			cp.IsOccupied, cp.ConnectedTo = true, pt2
		}
	}
	for i := range idx[p2].ConnectionPoints {
		if cp := &idx[p2].ConnectionPoints[i]; cp.ID == pt2 {
			cp.IsOccupied, cp.ConnectedTo = true, pt1
		}
	}
	a.Connections = append(a.Connections, model.Connection{ID: id, Piece1ID: p1, Point1ID: pt1, Piece2ID: p2, Point2ID: pt2})
}

func headAndBody() *model.AssemblySnapshot {
	a := &model.AssemblySnapshot{ID: "a1", CurrentTier: "freemium"}
	a.Pieces = []model.PieceSnapshot{
		piece("H", model.PieceHead, []string{"MR", "sc", "inc"}, point("neck", "neck_joint")),
		piece("B", model.PieceBody, []string{"MR", "sc", "dec"}, point("neck_joint", "neck"), point("shoulder", "arm_top")),
	}
	link(a, "c1", "H", "neck", "B", "neck_joint")
	return a
}

func ruleNames(issues []Issue) []string {
	var out []string
	for _, is := range issues {
		out = append(out, is.Rule)
	}
	return out
}

func TestCleanAssemblyScoresFull(t *testing.T) {
	e := New(WithCacheTTL(0))
	res := e.ValidateAssembly(Input{Assembly: headAndBody(), Tier: tier.Freemium})
	assert.True(t, res.Valid)
	assert.Equal(t, 100, res.Score)
	assert.Empty(t, res.Issues())
	assert.Contains(t, res.Summary, "score 100")
}

func TestScoreFormula(t *testing.T) {
	assert.Equal(t, 100, Score(0, 0, 0))
	assert.Equal(t, 74, Score(1, 1, 1))
	assert.Equal(t, 0, Score(6, 0, 0))
}

func TestFloatingPieces(t *testing.T) {
	a := headAndBody()
	a.Pieces = append(a.Pieces, piece("L", model.PieceLeg, nil, point("hip")))
	e := New(WithCacheTTL(0))

	res := e.ValidateAssembly(Input{Assembly: a, Tier: tier.Freemium})
	assert.True(t, res.Valid, "floating pieces only lower the score")
	assert.Equal(t, []string{"no-floating-pieces"}, ruleNames(res.Warnings))
	assert.Equal(t, "L", res.Warnings[0].PieceID)
	assert.Equal(t, 95, res.Score)

	res = e.ValidateAssembly(Input{Assembly: a, Tier: tier.Freemium, AllowFloating: true})
	assert.Empty(t, res.Warnings)
}

func TestBrokenConnections(t *testing.T) {
	a := headAndBody()
	// Dangling reference and a self connection.
	a.Connections = append(a.Connections,
		model.Connection{ID: "c2", Piece1ID: "H", Point1ID: "H-ghost", Piece2ID: "B", Point2ID: model.PointID("B", "shoulder")},
		model.Connection{ID: "c3", Piece1ID: "B", Point1ID: model.PointID("B", "shoulder"), Piece2ID: "B", Point2ID: model.PointID("B", "neck_joint")},
	)
	res := New(WithCacheTTL(0)).ValidateAssembly(Input{Assembly: a, Tier: tier.Pro})
	assert.False(t, res.Valid)
	names := ruleNames(res.Errors)
	assert.Contains(t, names, "valid-connection-points")
	assert.Contains(t, names, "no-self-connection")
	assert.Contains(t, names, "point-not-occupied")
}

func TestValidateConnectionProposed(t *testing.T) {
	a := headAndBody()
	a.Pieces = append(a.Pieces,
		piece("A", model.PieceArm, nil, point("arm_top")),
		piece("R", model.PieceGeneric, nil, model.ConnectionPoint{Name: "peg", Type: "peg", Compatible: []string{"universal"}, JoinStyle: "special"}),
	)
	e := New()

	ok := ResolveConnection(a, model.Connection{Piece1ID: "B", Point1ID: "B-shoulder", Piece2ID: "A", Point2ID: "A-arm_top"})
	assert.Empty(t, e.ValidateConnection(Input{Assembly: a}, ok))

	occupied := ResolveConnection(a, model.Connection{Piece1ID: "B", Point1ID: "B-neck_joint", Piece2ID: "A", Point2ID: "A-arm_top"})
	assert.Contains(t, ruleNames(e.ValidateConnection(Input{Assembly: a}, occupied)), "point-not-occupied")

	styles := ResolveConnection(a, model.Connection{Piece1ID: "A", Point1ID: "A-arm_top", Piece2ID: "R", Point2ID: "R-peg"})
	issues := e.ValidateConnection(Input{Assembly: a}, styles)
	require.Len(t, issues, 1)
	assert.Equal(t, "compatible-types", issues[0].Rule)
	assert.Contains(t, issues[0].Message, "join styles")
}

func TestCycleIsInfo(t *testing.T) {
	a := &model.AssemblySnapshot{ID: "ring"}
	for _, id := range []string{"A", "B", "C"} {
		a.Pieces = append(a.Pieces, piece(id, model.PieceGeneric, nil, point("l", "universal"), point("r", "universal")))
	}
	link(a, "c1", "A", "r", "B", "l")
	link(a, "c2", "B", "r", "C", "l")
	link(a, "c3", "C", "r", "A", "l")

	res := New(WithCacheTTL(0)).ValidateAssembly(Input{Assembly: a, Tier: tier.Studio})
	assert.True(t, res.Valid)
	assert.Equal(t, []string{"no-cycles"}, ruleNames(res.Info))
	assert.Equal(t, 99, res.Score)
}

func TestParallelConnectionsFormACycle(t *testing.T) {
	a := &model.AssemblySnapshot{ID: "pair"}
	a.Pieces = []model.PieceSnapshot{
		piece("A", model.PieceGeneric, nil, point("l", "universal"), point("r", "universal")),
		piece("B", model.PieceGeneric, nil, point("l", "universal"), point("r", "universal")),
	}
	link(a, "c1", "A", "l", "B", "l")
	assert.Empty(t, noCycles(Input{Assembly: a}))
	link(a, "c2", "A", "r", "B", "r")
	assert.Len(t, noCycles(Input{Assembly: a}), 1)
}

func TestMaxConnectionsOverride(t *testing.T) {
	a := &model.AssemblySnapshot{ID: "hub"}
	hub := piece("hub", model.PieceBody, nil, point("p0", "universal"), point("p1", "universal"), point("p2", "universal"))
	hub.Metadata.MaxConnections = 2
	a.Pieces = append(a.Pieces, hub)
	for i, n := range []string{"p0", "p1", "p2"} {
		id := string(rune('x' + i))
		a.Pieces = append(a.Pieces, piece(id, model.PieceArm, nil, point("top", "universal")))
		link(a, "c"+id, "hub", n, id, "top")
	}
	fs := maxConnectionsPerPiece(Input{Assembly: a})
	require.Len(t, fs, 1)
	assert.Equal(t, "hub", fs[0].PieceID)
}

func TestPatternRules(t *testing.T) {
	a := &model.AssemblySnapshot{ID: "p"}
	long := make([]string, 30)
	for i := range long {
		long[i] = "sc"
	}
	a.Pieces = []model.PieceSnapshot{
		piece("A1", model.PieceArm, []string{"sc", "knit"}),
		piece("A2", model.PieceArm, long),
	}
	a.Pieces[1].Rounds = []model.Round{{Stitches: []string{"purl"}}}

	bad := validStitchSequence(Input{Assembly: a})
	assert.Len(t, bad, 2)

	sym := patternSymmetry(Input{Assembly: a})
	require.Len(t, sym, 1)
	assert.Contains(t, sym[0].Message, "arm")
}

func TestComplexity(t *testing.T) {
	a := headAndBody()
	// 2 pieces, 1 connection, 6 stitches, none complex, avg degree 1.
	assert.Equal(t, 20+5+12, Complexity(a))

	a.Pieces[0].Metadata.Pattern = append(a.Pieces[0].Metadata.Pattern, "popcorn")
	assert.Equal(t, 20+5+14+5, Complexity(a))
	assert.Zero(t, Complexity(nil))
}

func TestTierRules(t *testing.T) {
	a := &model.AssemblySnapshot{ID: "big", CurrentTier: "pro"}
	for i := 0; i < 27; i++ {
		a.Pieces = append(a.Pieces, piece(string(rune('A'+i)), model.PieceGeneric, nil))
	}
	a.Usage.ExtraPiecesUsed = 2
	e := New(WithCacheTTL(0))
	assert.Empty(t, tierPieceLimit(Input{Assembly: a}))

	a.Usage.ExtraPiecesUsed = 1
	assert.Len(t, tierPieceLimit(Input{Assembly: a}), 1)

	res := e.ValidateAssembly(Input{Assembly: a, Tier: tier.Freemium, AllowFloating: true})
	assert.Contains(t, ruleNames(res.Errors), "tier-piece-limit")
	assert.Empty(t, tierComplexityLimit(Input{Assembly: a, Tier: tier.Studio}))
}

func TestDisablingRuleExcludesIt(t *testing.T) {
	a := headAndBody()
	a.Pieces[0].Metadata.Pattern = []string{"knit"}
	e := New(WithCacheTTL(0))

	before := e.ValidateAssembly(Input{Assembly: a, Tier: tier.Pro})
	require.NoError(t, e.SetEnabled("valid-stitch-sequence", false))
	after := e.ValidateAssembly(Input{Assembly: a, Tier: tier.Pro})

	assert.NotContains(t, ruleNames(after.Issues()), "valid-stitch-sequence")
	assert.GreaterOrEqual(t, after.Score, before.Score)

	require.ErrorIs(t, e.SetEnabled("nope", true), ErrUnknownRule)
	require.ErrorIs(t, e.Configure("no-cycles", true, "fatal"), ErrInvalidSeverity)
}

func TestAddingRulesNeverRaisesScore(t *testing.T) {
	a := headAndBody()
	e := New(WithCacheTTL(0))
	base := e.ValidateAssembly(Input{Assembly: a, Tier: tier.Pro}).Score

	require.NoError(t, e.Register(Rule{
		Name: "always-info", Type: TypeStructural, Severity: SeverityInfo, Enabled: true,
		Check: func(Input) []Finding { return []Finding{{Message: "note"}} },
	}))
	require.NoError(t, e.Register(Rule{
		Name: "never", Type: TypePattern, Severity: SeverityError, Enabled: true,
		Check: func(Input) []Finding { return nil },
	}))
	assert.LessOrEqual(t, e.ValidateAssembly(Input{Assembly: a, Tier: tier.Pro}).Score, base)

	err := e.Register(Rule{Name: "never", Type: TypePattern, Severity: SeverityError, Check: func(Input) []Finding { return nil }})
	require.ErrorIs(t, err, ErrRuleExists)
}

func TestResultCache(t *testing.T) {
	clock := timectrl.NewManualClock(epoch)
	calls := 0
	e := New(WithoutBuiltins(), WithClock(clock))
	require.NoError(t, e.Register(Rule{
		Name: "count", Type: TypeStructural, Severity: SeverityInfo, Enabled: true,
		Check: func(Input) []Finding { calls++; return nil },
	}))

	a := headAndBody()
	in := Input{Assembly: a, Tier: tier.Pro}
	e.ValidateAssembly(in)
	e.ValidateAssembly(in)
	assert.Equal(t, 1, calls)

	a.Revision++
	e.ValidateAssembly(in)
	assert.Equal(t, 2, calls, "new revision misses the cache")

	e.ValidateAssembly(Input{Assembly: a, Tier: tier.Studio})
	assert.Equal(t, 3, calls, "tier is part of the key")

	clock.Advance(5 * time.Second)
	e.ValidateAssembly(in)
	assert.Equal(t, 4, calls, "entries expire after the TTL")

	require.NoError(t, e.SetEnabled("count", true))
	e.ValidateAssembly(in)
	assert.Equal(t, 5, calls, "rule changes clear the cache")
}
