package model

// PieceType is the design category of a piece.
type PieceType string

const (
	PieceHead    PieceType = "head"
	PieceBody    PieceType = "body"
	PieceArm     PieceType = "arm"
	PieceLeg     PieceType = "leg"
	PieceEar     PieceType = "ear"
	PieceTail    PieceType = "tail"
	PieceGeneric PieceType = "generic"
	PieceCustom  PieceType = "custom"
)

// Pose is a piece transform in workspace coordinates. Rotation is Euler XYZ
// in radians.
type Pose struct {
	Position Vec3 `json:"position"`
	Rotation Vec3 `json:"rotation"`
	Scale    Vec3 `json:"scale"`
}

// IdentityPose places a piece at the origin with unit scale.
func IdentityPose() Pose {
	return Pose{Position: V(0, 0, 0), Rotation: V(0, 0, 0), Scale: One}
}

// At returns an identity pose translated to p.
func At(p Vec3) Pose {
	pose := IdentityPose()
	pose.Position = V(p.X, p.Y, p.Z)
	return pose
}

// Round is one worked round of a piece.
type Round struct {
	StitchCount int      `json:"stitchCount"`
	Instruction string   `json:"instruction"`
	Stitches    []string `json:"stitches,omitempty"`
	HasIncrease bool     `json:"hasIncrease"`
	HasDecrease bool     `json:"hasDecrease"`
}

// MetadataKind tags the closed variant carried by PieceMetadata.
type MetadataKind string

const (
	MetadataPattern MetadataKind = "pattern"
	MetadataCustom  MetadataKind = "custom"
)

// PieceMetadata carries pattern bookkeeping for a piece. Extensions is a
// free-form bag that never reaches persistence.
type PieceMetadata struct {
	Kind           MetadataKind   `json:"kind,omitempty"`
	Schema         string         `json:"schema,omitempty"`
	StitchCount    int            `json:"stitchCount"`
	RoundCount     int            `json:"roundCount"`
	CreatedAt      int64          `json:"createdAt"`
	Pattern        []string       `json:"pattern,omitempty"`
	GroupID        string         `json:"groupId,omitempty"`
	MaxConnections int            `json:"maxConnections,omitempty"`
	Extensions     map[string]any `json:"extensions,omitempty"`
}

// Piece is a designed object occupying a transform in the workspace.
type Piece struct {
	ID               string
	Name             string
	Type             PieceType
	Color            Color
	IsCustom         bool
	Pose             Pose
	Rounds           []Round
	ConnectionPoints []*ConnectionPoint
	Metadata         PieceMetadata
	Recovered        bool
}

// ConnectionPoint is a named socket on a piece. Position is in the owning
// piece's local frame.
type ConnectionPoint struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Position    Vec3     `json:"position"`
	Compatible  []string `json:"compatible"`
	JoinStyle   string   `json:"joinStyle,omitempty"`
	IsOccupied  bool     `json:"isOccupied"`
	ConnectedTo string   `json:"connectedTo,omitempty"`
}

// UniversalToken matches any point in compatibility checks.
const UniversalToken = "universal"

// PointID forms the globally unique id of a point from its piece and name.
func PointID(pieceID, name string) string {
	return pieceID + "-" + name
}

// NewConnectionPoint builds an unoccupied point for the given piece.
func NewConnectionPoint(pieceID, name, typ string, pos Vec3, compatible ...string) *ConnectionPoint {
	if typ == "" {
		typ = name
	}
	return &ConnectionPoint{
		ID:         PointID(pieceID, name),
		Name:       name,
		Type:       typ,
		Position:   V(pos.X, pos.Y, pos.Z),
		Compatible: append([]string(nil), compatible...),
		JoinStyle:  "standard",
	}
}

// Clear marks the point as free.
func (p *ConnectionPoint) Clear() {
	p.IsOccupied = false
	p.ConnectedTo = ""
}

// Accepts reports whether the point lists token (or universal) as a mate.
func (p *ConnectionPoint) Accepts(token string) bool {
	for _, c := range p.Compatible {
		if c == token || c == UniversalToken {
			return true
		}
	}
	return false
}

// Point returns the piece's point with the given id or name.
func (p *Piece) Point(idOrName string) *ConnectionPoint {
	for _, pt := range p.ConnectionPoints {
		if pt.ID == idOrName || pt.Name == idOrName {
			return pt
		}
	}
	return nil
}

// FreePoints returns the unoccupied points of the piece.
func (p *Piece) FreePoints() []*ConnectionPoint {
	out := make([]*ConnectionPoint, 0, len(p.ConnectionPoints))
	for _, pt := range p.ConnectionPoints {
		if !pt.IsOccupied {
			out = append(out, pt)
		}
	}
	return out
}

// AssignID sets the piece id and re-derives point ids that were formed from
// a previous piece id.
func (p *Piece) AssignID(id string) {
	old := p.ID
	p.ID = id
	for _, pt := range p.ConnectionPoints {
		if old == "" || pt.ID == "" || pt.ID == PointID(old, pt.Name) {
			pt.ID = PointID(id, pt.Name)
		}
	}
}

// PatternLength is the number of stitch tokens in the piece pattern.
func (p *Piece) PatternLength() int { return len(p.Metadata.Pattern) }

// Clone deep-copies the piece.
func (p *Piece) Clone() *Piece {
	if p == nil {
		return nil
	}
	return RestorePiece(SnapshotPiece(p))
}

// Connection is a mutual edge between two connection points.
type Connection struct {
	ID        string            `json:"id"`
	Piece1ID  string            `json:"piece1Id"`
	Point1ID  string            `json:"point1Id"`
	Piece2ID  string            `json:"piece2Id"`
	Point2ID  string            `json:"point2Id"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Involves reports whether the connection touches the piece.
func (c *Connection) Involves(pieceID string) bool {
	return c.Piece1ID == pieceID || c.Piece2ID == pieceID
}

// Other returns the piece on the opposite end from pieceID.
func (c *Connection) Other(pieceID string) string {
	if c.Piece1ID == pieceID {
		return c.Piece2ID
	}
	return c.Piece1ID
}

// Group is a named set of piece ids.
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// Has reports membership.
func (g *Group) Has(pieceID string) bool {
	for _, m := range g.Members {
		if m == pieceID {
			return true
		}
	}
	return false
}
