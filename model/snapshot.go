package model

// PieceSnapshot is the plain, reference-free record of a piece.
type PieceSnapshot struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Type             PieceType         `json:"type"`
	Color            Color             `json:"color"`
	IsCustom         bool              `json:"isCustom,omitempty"`
	Position         Vec3              `json:"position"`
	Rotation         Vec3              `json:"rotation"`
	Scale            Vec3              `json:"scale"`
	Rounds           []Round           `json:"rounds,omitempty"`
	ConnectionPoints []ConnectionPoint `json:"connectionPoints"`
	Metadata         PieceMetadata     `json:"metadata"`
	Recovered        bool              `json:"recovered,omitempty"`
}

// HistoryRecord is the persisted form of a timeline entry.
type HistoryRecord struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	Description string         `json:"description,omitempty"`
	Timestamp   int64          `json:"timestamp"`
	SessionID   string         `json:"sessionId,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Duration    int64          `json:"duration,omitempty"`
}

// UsageSnapshot is the persisted part of the tier usage tracker.
type UsageSnapshot struct {
	ExtraPiecesUsed int      `json:"extraPiecesUsed"`
	PendingCharges  string   `json:"pendingCharges"`
	SavedProjects   []string `json:"savedProjects,omitempty"`
}

// AssemblySnapshot is the plain record of a whole assembly, used for
// persistence, backups and export.
type AssemblySnapshot struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Revision     uint64          `json:"revision"`
	Pieces       []PieceSnapshot `json:"pieces"`
	Connections  []Connection    `json:"connections"`
	Groups       []Group         `json:"groups,omitempty"`
	Locked       []string        `json:"locked,omitempty"`
	History      []HistoryRecord `json:"history,omitempty"`
	Cursor       int             `json:"cursor,omitempty"`
	Bookmarks    []string        `json:"bookmarks,omitempty"`
	CurrentTier  string          `json:"currentTier"`
	Usage        UsageSnapshot   `json:"usage"`
	LastModified int64           `json:"lastModified"`
	IsRecovered  bool            `json:"isRecovered,omitempty"`
}

// PieceIndex returns the snapshot pieces keyed by id.
func (s *AssemblySnapshot) PieceIndex() map[string]*PieceSnapshot {
	out := make(map[string]*PieceSnapshot, len(s.Pieces))
	for i := range s.Pieces {
		out[s.Pieces[i].ID] = &s.Pieces[i]
	}
	return out
}
