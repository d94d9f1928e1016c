package core

import "github.com/stitchworks/crochet3d/model"

// knownPairs are point kinds that mate even when neither side lists the
// other.
var knownPairs = map[string]string{
	"neck":       "neck_joint",
	"neck_joint": "neck",
	"shoulder":   "arm_top",
	"arm_top":    "shoulder",
}

// ArePointsCompatible is the symmetric mating predicate between two points.
func ArePointsCompatible(a, b *model.ConnectionPoint) bool {
	if a == nil || b == nil {
		return false
	}
	if a.Accepts(b.Name) || a.Accepts(b.Type) || b.Accepts(a.Name) || b.Accepts(a.Type) {
		return true
	}
	if a.Type == model.UniversalToken || b.Type == model.UniversalToken {
		return true
	}
	return isKnownPair(a.Name, b.Name) || isKnownPair(a.Type, b.Type) ||
		isKnownPair(a.Name, b.Type) || isKnownPair(a.Type, b.Name)
}

func isKnownPair(x, y string) bool {
	mate, ok := knownPairs[x]
	return ok && mate == y
}

// Join styles recognised by the compatibility matrix.
const (
	JoinStandard = "standard"
	JoinFlexible = "flexible"
	JoinRigid    = "rigid"
	JoinSpecial  = "special"
)

var joinMatrix = map[string]map[string]bool{
	JoinStandard: {JoinStandard: true, JoinFlexible: true},
	JoinFlexible: {JoinStandard: true, JoinFlexible: true, JoinRigid: true},
	JoinRigid:    {JoinFlexible: true, JoinRigid: true},
	JoinSpecial:  {JoinSpecial: true},
}

// JoinStylesCompatible consults the join-style matrix. An empty style is
// treated as standard; unknown styles never mate.
func JoinStylesCompatible(a, b string) bool {
	if a == "" {
		a = JoinStandard
	}
	if b == "" {
		b = JoinStandard
	}
	return joinMatrix[a][b]
}

// CanMate combines the point predicate and the join-style matrix.
func CanMate(a, b *model.ConnectionPoint) bool {
	return ArePointsCompatible(a, b) && JoinStylesCompatible(a.JoinStyle, b.JoinStyle)
}
