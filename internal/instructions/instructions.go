// Package instructions turns an assembly snapshot into a sectioned,
// human-readable making guide.
package instructions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/stitchworks/crochet3d/internal/yarn"
	"github.com/stitchworks/crochet3d/model"
)

var (
	ErrUnknownType       = errors.New("unknown instruction type")
	ErrUnknownDifficulty = errors.New("unknown difficulty")
)

// Type selects the main section of the document.
type Type string

const (
	TypeAssembly        Type = "assembly"
	TypePattern         Type = "pattern"
	TypeTechnique       Type = "technique"
	TypeMaterials       Type = "materials"
	TypeTroubleshooting Type = "troubleshooting"
)

// Difficulty is the reader's experience level.
type Difficulty string

const (
	Beginner     Difficulty = "beginner"
	Intermediate Difficulty = "intermediate"
	Advanced     Difficulty = "advanced"
)

// Options configure Generate. Zero values mean assembly, beginner, no
// images and English.
type Options struct {
	Type          Type
	Difficulty    Difficulty
	IncludeImages bool
	Language      string
	YarnWeight    *yarn.Weight // nil means medium (worsted)
	RoundSize     int
}

func (o Options) weight() yarn.Weight {
	if o.YarnWeight == nil {
		return yarn.Medium
	}
	return *o.YarnWeight
}

func (o Options) withDefaults() (Options, error) {
	if o.Type == "" {
		o.Type = TypeAssembly
	}
	if o.Difficulty == "" {
		o.Difficulty = Beginner
	}
	if o.RoundSize <= 0 {
		o.RoundSize = DefaultRoundSize
	}
	switch o.Type {
	case TypeAssembly, TypePattern, TypeTechnique, TypeMaterials, TypeTroubleshooting:
	default:
		return o, fmt.Errorf("%w: %q", ErrUnknownType, o.Type)
	}
	switch o.Difficulty {
	case Beginner, Intermediate, Advanced:
	default:
		return o, fmt.Errorf("%w: %q", ErrUnknownDifficulty, o.Difficulty)
	}
	return o, nil
}

// Step is one instruction line.
type Step struct {
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

// Section is a titled list of steps.
type Section struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Steps []Step `json:"steps"`
}

// Material is one line of the shopping list.
type Material struct {
	Item     string  `json:"item"`
	Color    string  `json:"color,omitempty"`
	Meters   float64 `json:"meters,omitempty"`
	Skeins   int     `json:"skeins,omitempty"`
	Quantity string  `json:"quantity,omitempty"`
}

// Document is the generated guide.
type Document struct {
	Title            string     `json:"title"`
	Language         string     `json:"language"`
	Type             Type       `json:"type"`
	Difficulty       Difficulty `json:"difficulty"`
	SkillLevel       int        `json:"skillLevel"`
	EstimatedMinutes float64    `json:"estimatedMinutes"`
	Size             model.Vec3 `json:"size"`
	Materials        []Material `json:"materials"`
	Sections         []Section  `json:"sections"`
	GeneratedAt      time.Time  `json:"generatedAt"`
}

// Section returns the section with the given id.
func (d *Document) Section(id string) (Section, bool) {
	for _, s := range d.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return Section{}, false
}

// Text renders the document as plain text.
func (d *Document) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n\n", d.Title, strings.Repeat("=", len(d.Title)))
	for _, s := range d.Sections {
		fmt.Fprintf(&b, "%s\n%s\n", s.Title, strings.Repeat("-", len(s.Title)))
		for i, st := range s.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, st.Text)
			if st.Image != "" {
				fmt.Fprintf(&b, "   [%s]\n", st.Image)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Generator builds documents. It is safe for concurrent use.
type Generator struct {
	matcher language.Matcher
	now     func() time.Time
}

// NewGenerator returns a generator. A nil now uses time.Now.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{matcher: language.NewMatcher(supported), now: now}
}

// MatchLanguage returns the supported language closest to tag.
func (g *Generator) MatchLanguage(tag string) language.Tag {
	if tag == "" {
		return language.English
	}
	want, err := language.Parse(tag)
	if err != nil {
		return language.English
	}
	_, idx, conf := g.matcher.Match(want)
	if conf == language.No {
		return language.English
	}
	return supported[idx]
}

// Generate produces the document for snap.
func (g *Generator) Generate(snap model.AssemblySnapshot, opts Options) (*Document, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	lang := g.MatchLanguage(opts.Language)
	tr := titlesFor(lang)

	mats, err := materials(snap, opts.weight())
	if err != nil {
		return nil, err
	}
	d := &Document{
		Title:            fmt.Sprintf("%s: %s", tr["title"], displayName(snap)),
		Language:         lang.String(),
		Type:             opts.Type,
		Difficulty:       opts.Difficulty,
		SkillLevel:       SkillLevel(snap),
		EstimatedMinutes: EstimatedMinutes(snap),
		Size:             Size(snap),
		Materials:        mats,
		GeneratedAt:      g.now(),
	}

	d.Sections = append(d.Sections,
		Section{ID: "overview", Title: tr["overview"], Steps: overview(snap, d)},
		Section{ID: "materials", Title: tr["materials"], Steps: materialSteps(mats)},
		Section{ID: "preparation", Title: tr["preparation"], Steps: preparation(snap, opts)},
		Section{ID: "main", Title: tr[string(opts.Type)], Steps: mainSteps(snap, opts)},
		Section{ID: "finishing", Title: tr["finishing"], Steps: finishing(snap)},
		Section{ID: "tips", Title: tr["tips"], Steps: tips(opts.Difficulty)},
	)
	if opts.Difficulty == Beginner && opts.Type != TypeTroubleshooting {
		d.Sections = append(d.Sections, Section{ID: "troubleshooting", Title: tr["troubleshooting"], Steps: troubleshooting()})
	}
	return d, nil
}

func displayName(snap model.AssemblySnapshot) string {
	if snap.Name != "" {
		return snap.Name
	}
	return "Untitled"
}

func materials(snap model.AssemblySnapshot, w yarn.Weight) ([]Material, error) {
	usage, err := yarn.ByColor(snap, yarn.LengthOptions{Weight: w, Waste: yarn.DefaultWaste})
	if err != nil {
		return nil, err
	}
	info, err := yarn.LookupWeight(w)
	if err != nil {
		return nil, err
	}
	var out []Material
	for _, u := range usage {
		out = append(out, Material{
			Item:   fmt.Sprintf("%s weight yarn", info.Name),
			Color:  model.ColorName(u.Color),
			Meters: u.Meters,
			Skeins: u.Recommended,
		})
	}
	out = append(out,
		Material{Item: fmt.Sprintf("crochet hook %.2f mm", info.HookMM()), Quantity: "1"},
		Material{Item: "yarn needle", Quantity: "1"},
		Material{Item: "stitch markers", Quantity: "4"},
		Material{Item: "scissors", Quantity: "1"},
		Material{Item: "polyester fiberfill", Quantity: "as needed"},
	)
	return out, nil
}

func materialSteps(mats []Material) []Step {
	out := make([]Step, 0, len(mats))
	for _, m := range mats {
		switch {
		case m.Color != "":
			out = append(out, Step{Text: fmt.Sprintf("%s, %s: %.1f m (%d skeins)", m.Item, m.Color, m.Meters, m.Skeins)})
		default:
			out = append(out, Step{Text: fmt.Sprintf("%s x %s", m.Item, m.Quantity)})
		}
	}
	return out
}

func overview(snap model.AssemblySnapshot, d *Document) []Step {
	return []Step{
		{Text: fmt.Sprintf("%d pieces joined by %d connections", len(snap.Pieces), len(snap.Connections))},
		{Text: fmt.Sprintf("Skill level %d of 3", d.SkillLevel)},
		{Text: fmt.Sprintf("Estimated time: %.0f minutes", d.EstimatedMinutes)},
		{Text: fmt.Sprintf("Finished size about %.0f x %.0f x %.0f units", d.Size.X, d.Size.Y, d.Size.Z)},
	}
}

func preparation(snap model.AssemblySnapshot, opts Options) []Step {
	steps := []Step{
		{Text: "Wind each colour into a centre-pull ball"},
		{Text: "Work a small swatch to check your gauge"},
	}
	if opts.Difficulty == Beginner {
		steps = append(steps, Step{Text: "Mark the first stitch of every round with a stitch marker"})
	}
	if n := len(snap.Pieces); n > 0 {
		steps = append(steps, Step{Text: fmt.Sprintf("Crochet all %d pieces before joining", n)})
	}
	return steps
}

func mainSteps(snap model.AssemblySnapshot, opts Options) []Step {
	switch opts.Type {
	case TypePattern:
		return patternSteps(snap, opts)
	case TypeTechnique:
		return techniqueSteps(snap)
	case TypeMaterials:
		return materialsDetail(snap, opts)
	case TypeTroubleshooting:
		return troubleshooting()
	default:
		return assemblySteps(snap, opts)
	}
}

func assemblySteps(snap model.AssemblySnapshot, opts Options) []Step {
	idx := snap.PieceIndex()
	name := func(id string) string {
		if p := idx[id]; p != nil {
			return p.Name
		}
		return id
	}
	var out []Step
	for _, c := range snap.Connections {
		s := Step{Text: fmt.Sprintf("Sew %s (%s) to %s (%s)",
			name(c.Piece1ID), pointName(c.Point1ID, c.Piece1ID), name(c.Piece2ID), pointName(c.Point2ID, c.Piece2ID))}
		if opts.IncludeImages {
			s.Image = "diagram:" + c.ID
		}
		out = append(out, s)
	}
	for _, g := range snap.Groups {
		out = append(out, Step{Text: fmt.Sprintf("Keep %s together as one unit (%d pieces)", g.Name, len(g.Members))})
	}
	if len(out) == 0 {
		out = append(out, Step{Text: "Nothing to join yet"})
	}
	return out
}

func pointName(pointID, pieceID string) string {
	return strings.TrimPrefix(pointID, pieceID+"-")
}

func patternSteps(snap model.AssemblySnapshot, opts Options) []Step {
	var out []Step
	for _, p := range snap.Pieces {
		head := Step{Text: fmt.Sprintf("%s (%s)", p.Name, model.ColorName(p.Color))}
		if opts.IncludeImages {
			head.Image = "piece:" + p.ID
		}
		out = append(out, head)
		rounds := GroupRounds(p.Metadata.Pattern, opts.RoundSize)
		if len(rounds) == 0 {
			out = append(out, Step{Text: "  no pattern recorded"})
			continue
		}
		for i, r := range rounds {
			out = append(out, Step{Text: fmt.Sprintf("  Rnd %d: %s", i+1, r.Instruction)})
		}
	}
	return out
}

func techniqueSteps(snap model.AssemblySnapshot) []Step {
	used := make(map[string]bool)
	for _, p := range snap.Pieces {
		for _, tok := range p.Metadata.Pattern {
			used[tok] = true
		}
	}
	var out []Step
	for _, st := range model.StitchTable() {
		if used[st.Token] {
			out = append(out, Step{Text: fmt.Sprintf("%s (%s): difficulty %d", st.Name, st.Token, st.Difficulty)})
		}
	}
	if len(out) == 0 {
		out = append(out, Step{Text: "single crochet (sc): difficulty 1"})
	}
	return out
}

func materialsDetail(snap model.AssemblySnapshot, opts Options) []Step {
	var out []Step
	for _, p := range snap.Pieces {
		res, err := yarn.Length(yarn.PieceStitches(p), yarn.LengthOptions{Weight: opts.weight(), Waste: yarn.DefaultWaste})
		if err != nil {
			continue
		}
		out = append(out, Step{Text: fmt.Sprintf("%s: %.1f m of %s", p.Name, res.Meters, model.ColorName(p.Color))})
	}
	return out
}

func finishing(snap model.AssemblySnapshot) []Step {
	steps := []Step{
		{Text: "Stuff each piece firmly before closing"},
		{Text: "Weave in all ends"},
	}
	types := make(map[model.PieceType]bool)
	for _, p := range snap.Pieces {
		types[p.Type] = true
	}
	if types[model.PieceHead] {
		steps = append(steps, Step{Text: "Embroider or attach facial features"})
	}
	keys := make([]string, 0, len(types))
	for t := range types {
		keys = append(keys, string(t))
	}
	sort.Strings(keys)
	if len(keys) > 0 {
		steps = append(steps, Step{Text: "Check the seams of: " + strings.Join(keys, ", ")})
	}
	return steps
}

func tips(d Difficulty) []Step {
	switch d {
	case Advanced:
		return []Step{{Text: "Use invisible decreases for a smoother fabric"}, {Text: "Join pieces with a mattress stitch"}}
	case Intermediate:
		return []Step{{Text: "Pin pieces in place before sewing"}, {Text: "Count stitches at the end of every round"}}
	default:
		return []Step{{Text: "Work in a spiral without joining rounds"}, {Text: "Move the marker up every round"}, {Text: "Count stitches often"}}
	}
}

func troubleshooting() []Step {
	return []Step{
		{Text: "Piece is curling: add increases evenly"},
		{Text: "Piece is ruffling: too many increases, frog back one round"},
		{Text: "Holes between stitches: go down a hook size"},
		{Text: "Stuffing shows through: use a tighter tension or smaller hook"},
	}
}
