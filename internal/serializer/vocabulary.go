package serializer

// SchemaVersion is the persisted vocabulary version. Widening the key
// vocabulary requires a bump.
const SchemaVersion = 2

var vocabularyV1 = []string{
	"id", "name", "type", "color", "x", "y", "z", "position", "normal",
	"compatible", "isOccupied", "connectedTo", "pieceId", "connectionId",
	"stitchCount", "roundCount", "createdAt", "lastModified", "version",
	"projectId", "rounds", "instruction", "stitches", "hasIncrease",
	"hasDecrease", "pieces", "connections", "history", "locked", "action",
	"data", "timestamp", "currentTier", "extraPiecesUsed", "tierLimits",
	"connectionPoints", "metadata", "pattern", "assembly", "__safe",
}

// Version 2 adds pose, grouping, session, recovery and tier usage keys.
var vocabularyV2Additions = []string{
	"rotation", "scale", "isCustom", "groups", "members", "groupId",
	"piece1Id", "point1Id", "piece2Id", "point2Id", "joinStyle", "sessionId",
	"description", "tags", "duration", "recovered", "isRecovered",
	"pendingCharges", "autoPay", "hasPaymentMethod", "savedProjects",
	"customPiecesUsed", "usage", "revision", "kind", "schema",
	"maxConnections", "cursor", "bookmarks", "milestones", "count", "reason",
	"key", "payload", "strategy",
}

// Vocabulary returns the closed key set of a schema version. Unknown
// versions get the newest vocabulary.
func Vocabulary(version int) map[string]struct{} {
	keys := vocabularyV1
	if version != 1 {
		keys = append(append([]string(nil), vocabularyV1...), vocabularyV2Additions...)
	}
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

// frameworkMarkers flag live scene-graph objects that must never be
// persisted.
var frameworkMarkers = []string{"isObject3D", "isMesh", "isScene", "isMaterial", "__framework"}
