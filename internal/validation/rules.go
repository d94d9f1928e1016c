package validation

import (
	"fmt"

	"github.com/stitchworks/crochet3d/core"
	"github.com/stitchworks/crochet3d/internal/tier"
	"github.com/stitchworks/crochet3d/model"
)

// DefaultMaxConnectionsPerPiece applies when piece metadata sets no cap.
const DefaultMaxConnectionsPerPiece = 8

// MaxPatternVariance bounds the variance of pattern lengths among pieces of
// the same type.
const MaxPatternVariance = 100.0

// Builtins returns the built-in rules, all enabled.
func Builtins() []Rule {
	return []Rule{
		{Name: "no-self-connection", Type: TypeConnection, Severity: SeverityError, Enabled: true,
			Description: "a connection joins two different pieces", Check: noSelfConnection},
		{Name: "valid-connection-points", Type: TypeConnection, Severity: SeverityError, Enabled: true,
			Description: "both endpoints exist on their pieces", Check: validConnectionPoints},
		{Name: "point-not-occupied", Type: TypeConnection, Severity: SeverityError, Enabled: true,
			Description: "an endpoint is bound to at most one counterpart", Check: pointNotOccupied},
		{Name: "compatible-types", Type: TypeConnection, Severity: SeverityError, Enabled: true,
			Description: "endpoints are mutually compatible and their join styles mate", Check: compatibleTypes},
		{Name: "max-connections-per-piece", Type: TypeStructural, Severity: SeverityWarning, Enabled: true,
			Description: "a piece has at most 8 connections unless its metadata raises the cap", Check: maxConnectionsPerPiece},
		{Name: "no-floating-pieces", Type: TypeStructural, Severity: SeverityWarning, Enabled: true,
			Description: "all pieces form one connected structure", Check: noFloatingPieces},
		{Name: "no-cycles", Type: TypeStructural, Severity: SeverityInfo, Enabled: true,
			Description: "the connection graph has no loops", Check: noCycles},
		{Name: "valid-stitch-sequence", Type: TypePattern, Severity: SeverityError, Enabled: true,
			Description: "patterns only use known stitch tokens", Check: validStitchSequence},
		{Name: "pattern-symmetry", Type: TypePattern, Severity: SeverityWarning, Enabled: true,
			Description: "pieces of the same type have similar pattern lengths", Check: patternSymmetry},
		{Name: "tier-piece-limit", Type: TypeTier, Severity: SeverityError, Enabled: true,
			Description: "piece count fits the tier", Check: tierPieceLimit},
		{Name: "tier-complexity-limit", Type: TypeTier, Severity: SeverityWarning, Enabled: true,
			Description: "assembly complexity fits the tier", Check: tierComplexityLimit},
	}
}

//
// ---------- connection rules ----------
//

func connFinding(cc *ConnectionCheck, format string, args ...any) []Finding {
	return []Finding{{
		Message:      fmt.Sprintf(format, args...),
		PieceID:      cc.Connection.Piece1ID,
		ConnectionID: cc.Connection.ID,
	}}
}

func noSelfConnection(in Input) []Finding {
	cc := in.Connection
	if cc == nil || cc.Connection.Piece1ID != cc.Connection.Piece2ID {
		return nil
	}
	return connFinding(cc, "piece %s is connected to itself", cc.Connection.Piece1ID)
}

func validConnectionPoints(in Input) []Finding {
	cc := in.Connection
	if cc == nil {
		return nil
	}
	var out []Finding
	if cc.Piece1 == nil || cc.Point1 == nil {
		out = append(out, connFinding(cc, "point %s not found on piece %s", cc.Connection.Point1ID, cc.Connection.Piece1ID)...)
	}
	if cc.Piece2 == nil || cc.Point2 == nil {
		out = append(out, connFinding(cc, "point %s not found on piece %s", cc.Connection.Point2ID, cc.Connection.Piece2ID)...)
	}
	return out
}

func pointNotOccupied(in Input) []Finding {
	cc := in.Connection
	if cc == nil || cc.Point1 == nil || cc.Point2 == nil {
		return nil
	}
	var out []Finding
	check := func(pt, other *model.ConnectionPoint) {
		if !pt.IsOccupied {
			if !cc.Proposed {
				out = append(out, connFinding(cc, "point %s is not marked occupied", pt.ID)...)
			}
			return
		}
		if cc.Proposed || pt.ConnectedTo != other.ID {
			out = append(out, connFinding(cc, "point %s is already occupied", pt.ID)...)
		}
	}
	check(cc.Point1, cc.Point2)
	check(cc.Point2, cc.Point1)
	return out
}

func compatibleTypes(in Input) []Finding {
	cc := in.Connection
	if cc == nil || cc.Point1 == nil || cc.Point2 == nil {
		return nil
	}
	if !core.ArePointsCompatible(cc.Point1, cc.Point2) {
		return connFinding(cc, "points %s and %s are not compatible", cc.Point1.ID, cc.Point2.ID)
	}
	if !core.JoinStylesCompatible(cc.Point1.JoinStyle, cc.Point2.JoinStyle) {
		return connFinding(cc, "join styles %q and %q do not mate", cc.Point1.JoinStyle, cc.Point2.JoinStyle)
	}
	return nil
}

//
// ---------- structural rules ----------
//

func degrees(a *model.AssemblySnapshot) map[string]int {
	deg := make(map[string]int, len(a.Pieces))
	for _, c := range a.Connections {
		deg[c.Piece1ID]++
		deg[c.Piece2ID]++
	}
	return deg
}

func maxConnectionsPerPiece(in Input) []Finding {
	a := in.Assembly
	if a == nil {
		return nil
	}
	deg := degrees(a)
	var out []Finding
	for _, p := range a.Pieces {
		limit := DefaultMaxConnectionsPerPiece
		if p.Metadata.MaxConnections > 0 {
			limit = p.Metadata.MaxConnections
		}
		if deg[p.ID] > limit {
			out = append(out, Finding{
				Message: fmt.Sprintf("piece %s has %d connections (max %d)", p.ID, deg[p.ID], limit),
				PieceID: p.ID,
			})
		}
	}
	return out
}

func noFloatingPieces(in Input) []Finding {
	a := in.Assembly
	if a == nil || len(a.Pieces) <= 1 || in.AllowFloating {
		return nil
	}
	ids := make([]string, len(a.Pieces))
	for i, p := range a.Pieces {
		ids[i] = p.ID
	}
	comps := core.Components(ids, a.Connections)
	if len(comps) <= 1 {
		return nil
	}
	var out []Finding
	for _, comp := range comps[1:] {
		for _, id := range comp {
			out = append(out, Finding{Message: fmt.Sprintf("piece %s is not connected to the main structure", id), PieceID: id})
		}
	}
	return out
}

type edge struct {
	to   string
	conn string
}

// noCycles runs a recursion-stack DFS. The edge used to enter a node is
// skipped by connection id, so two parallel connections form a loop.
func noCycles(in Input) []Finding {
	a := in.Assembly
	if a == nil {
		return nil
	}
	adj := make(map[string][]edge, len(a.Pieces))
	for _, c := range a.Connections {
		adj[c.Piece1ID] = append(adj[c.Piece1ID], edge{to: c.Piece2ID, conn: c.ID})
		adj[c.Piece2ID] = append(adj[c.Piece2ID], edge{to: c.Piece1ID, conn: c.ID})
	}
	visited := make(map[string]bool, len(a.Pieces))
	onStack := make(map[string]bool)
	var found []Finding

	var dfs func(id, via string) bool
	dfs = func(id, via string) bool {
		visited[id] = true
		onStack[id] = true
		defer delete(onStack, id)
		for _, e := range adj[id] {
			if e.conn == via {
				continue
			}
			if onStack[e.to] {
				found = append(found, Finding{
					Message:      fmt.Sprintf("connection %s closes a loop at piece %s", e.conn, e.to),
					PieceID:      e.to,
					ConnectionID: e.conn,
				})
				return true
			}
			if !visited[e.to] && dfs(e.to, e.conn) {
				return true
			}
		}
		return false
	}
	for _, p := range a.Pieces {
		if !visited[p.ID] {
			dfs(p.ID, "")
		}
	}
	return found
}

//
// ---------- pattern rules ----------
//

func validStitchSequence(in Input) []Finding {
	a := in.Assembly
	if a == nil {
		return nil
	}
	var out []Finding
	for _, p := range a.Pieces {
		for i, tok := range p.Metadata.Pattern {
			if !model.IsStitchToken(tok) {
				out = append(out, Finding{
					Message: fmt.Sprintf("piece %s: unknown stitch %q at position %d", p.ID, tok, i),
					PieceID: p.ID,
				})
			}
		}
		for r, round := range p.Rounds {
			for _, tok := range round.Stitches {
				if !model.IsStitchToken(tok) {
					out = append(out, Finding{
						Message: fmt.Sprintf("piece %s: unknown stitch %q in round %d", p.ID, tok, r+1),
						PieceID: p.ID,
					})
				}
			}
		}
	}
	return out
}

func patternSymmetry(in Input) []Finding {
	a := in.Assembly
	if a == nil {
		return nil
	}
	byType := make(map[string][]int)
	for _, p := range a.Pieces {
		byType[string(p.Type)] = append(byType[string(p.Type)], len(p.Metadata.Pattern))
	}
	var out []Finding
	for _, typ := range sortedKeys(byType) {
		lens := byType[typ]
		if len(lens) < 2 {
			continue
		}
		if v := variance(lens); v > MaxPatternVariance {
			out = append(out, Finding{Message: fmt.Sprintf("%s pieces have uneven patterns (variance %.1f)", typ, v)})
		}
	}
	return out
}

func variance(xs []int) float64 {
	var sum float64
	for _, x := range xs {
		sum += float64(x)
	}
	mean := sum / float64(len(xs))
	var v float64
	for _, x := range xs {
		d := float64(x) - mean
		v += d * d
	}
	return v / float64(len(xs))
}

//
// ---------- tier rules ----------
//

// Complexity scores an assembly: 10 per piece, 5 per connection, 2 per
// pattern stitch, 5 per complex stitch, plus 20 when pieces average more
// than 3 connections or 50 when they average more than 5.
func Complexity(a *model.AssemblySnapshot) int {
	if a == nil {
		return 0
	}
	score := 10*len(a.Pieces) + 5*len(a.Connections)
	for _, p := range a.Pieces {
		score += 2 * len(p.Metadata.Pattern)
		for _, tok := range p.Metadata.Pattern {
			if s, ok := model.LookupStitch(tok); ok && s.Complex() {
				score += 5
			}
		}
	}
	if len(a.Pieces) > 0 {
		avg := float64(2*len(a.Connections)) / float64(len(a.Pieces))
		switch {
		case avg > 5:
			score += 50
		case avg > 3:
			score += 20
		}
	}
	return score
}

func limitsOf(in Input) (tier.Limits, bool) {
	t := in.Tier
	if t == "" && in.Assembly != nil {
		t = tier.Tier(in.Assembly.CurrentTier)
	}
	return tier.LimitsFor(t)
}

func tierPieceLimit(in Input) []Finding {
	l, ok := limitsOf(in)
	if !ok || in.Assembly == nil || l.MaxPieces == tier.Unlimited {
		return nil
	}
	allowed := l.MaxPieces
	if l.PayPerUse.IsPositive() {
		allowed += in.Assembly.Usage.ExtraPiecesUsed
	}
	if n := len(in.Assembly.Pieces); n > allowed {
		return []Finding{{Message: fmt.Sprintf("%d pieces exceed the %s tier limit of %d", n, l.Tier, allowed)}}
	}
	return nil
}

func tierComplexityLimit(in Input) []Finding {
	l, ok := limitsOf(in)
	if !ok || in.Assembly == nil || l.MaxComplexity == tier.Unlimited {
		return nil
	}
	if c := Complexity(in.Assembly); c > l.MaxComplexity {
		return []Finding{{Message: fmt.Sprintf("complexity %d exceeds the %s tier limit of %d", c, l.Tier, l.MaxComplexity)}}
	}
	return nil
}
