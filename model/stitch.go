package model

// Stitch describes one entry of the closed stitch table.
type Stitch struct {
	Token      string
	Name       string
	Difficulty int     // 1 (basic) to 3 (advanced)
	Minutes    float64 // average working time per stitch at intermediate speed
}

// Complex reports whether the stitch counts towards pattern complexity.
func (s Stitch) Complex() bool { return s.Difficulty >= 3 }

// stitchTable is ordered for deterministic legends and listings.
var stitchTable = []Stitch{
	{Token: "sc", Name: "single crochet", Difficulty: 1, Minutes: 0.10},
	{Token: "dc", Name: "double crochet", Difficulty: 1, Minutes: 0.15},
	{Token: "hdc", Name: "half double crochet", Difficulty: 1, Minutes: 0.12},
	{Token: "tr", Name: "treble crochet", Difficulty: 2, Minutes: 0.20},
	{Token: "dtr", Name: "double treble crochet", Difficulty: 3, Minutes: 0.25},
	{Token: "inc", Name: "increase", Difficulty: 1, Minutes: 0.20},
	{Token: "dec", Name: "decrease", Difficulty: 2, Minutes: 0.20},
	{Token: "ch", Name: "chain", Difficulty: 1, Minutes: 0.05},
	{Token: "sl", Name: "slip stitch", Difficulty: 1, Minutes: 0.05},
	{Token: "MR", Name: "magic ring", Difficulty: 2, Minutes: 1.00},
	{Token: "FO", Name: "fasten off", Difficulty: 1, Minutes: 0.50},
	{Token: "join", Name: "join", Difficulty: 1, Minutes: 0.10},
	{Token: "turn", Name: "turn", Difficulty: 1, Minutes: 0.05},
	{Token: "picot", Name: "picot", Difficulty: 2, Minutes: 0.30},
	{Token: "popcorn", Name: "popcorn stitch", Difficulty: 3, Minutes: 0.50},
	{Token: "bobble", Name: "bobble stitch", Difficulty: 3, Minutes: 0.45},
	{Token: "cluster", Name: "cluster stitch", Difficulty: 3, Minutes: 0.40},
	{Token: "shell", Name: "shell stitch", Difficulty: 2, Minutes: 0.40},
	{Token: "v-stitch", Name: "v-stitch", Difficulty: 2, Minutes: 0.30},
}

var stitchIndex = func() map[string]Stitch {
	m := make(map[string]Stitch, len(stitchTable))
	for _, s := range stitchTable {
		m[s.Token] = s
	}
	return m
}()

// LookupStitch returns the table entry for a stitch token.
func LookupStitch(token string) (Stitch, bool) {
	s, ok := stitchIndex[token]
	return s, ok
}

// IsStitchToken reports whether token belongs to the closed stitch set.
func IsStitchToken(token string) bool {
	_, ok := stitchIndex[token]
	return ok
}

// StitchTable returns a copy of the stitch table in canonical order.
func StitchTable() []Stitch {
	out := make([]Stitch, len(stitchTable))
	copy(out, stitchTable)
	return out
}
