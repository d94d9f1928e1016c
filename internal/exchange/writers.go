package exchange

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/stitchworks/crochet3d/internal/instructions"
	"github.com/stitchworks/crochet3d/model"
)

func builtinFormats() []Format {
	return []Format{
		{Token: "json", Name: "Crochet3D project", Extension: ".c3d", MIMEType: "application/json", Write: writeJSON},
		{Token: "pattern", Name: "Pattern text", Extension: ".txt", MIMEType: "text/plain", Write: writePattern},
		{Token: "svg", Name: "Assembly diagram", Extension: ".svg", MIMEType: "image/svg+xml", Write: writeSVG},
		{Token: "pdf", Name: "Printable layout", Extension: ".pdf.json", MIMEType: "application/vnd.crochet3d.pdf+json", Write: writePDF},
		{Token: "obj", Name: "Proxy mesh", Extension: ".obj", MIMEType: "model/obj", Write: writeOBJ},
		{Token: "csv", Name: "Piece table", Extension: ".csv", MIMEType: "text/csv", Write: writeCSV},
		{Token: "backup", Name: "Compressed backup", Extension: ".c3d-backup", MIMEType: "application/octet-stream", Write: writeBackup, Compressed: true},
	}
}

//
// ---------- json ----------
//

func writeJSON(_ context.Context, doc *Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

func writeBackup(_ context.Context, doc *Document) ([]byte, error) {
	return json.Marshal(doc)
}

//
// ---------- pattern ----------
//

func writePattern(_ context.Context, doc *Document) ([]byte, error) {
	a := doc.Assembly
	var b strings.Builder
	title := a.Name
	if title == "" {
		title = a.ID
	}
	fmt.Fprintf(&b, "%s\n%s\n", title, strings.Repeat("=", len(title)))
	fmt.Fprintf(&b, "Pieces: %d  Connections: %d  Skill level: %d\n\n",
		len(a.Pieces), len(a.Connections), instructions.SkillLevel(a))

	for _, p := range a.Pieces {
		fmt.Fprintf(&b, "%s [%s, %s]\n", p.Name, p.Type, model.ColorName(p.Color))
		rounds := instructions.GroupRounds(p.Metadata.Pattern, instructions.DefaultRoundSize)
		if len(rounds) == 0 {
			b.WriteString("  (no pattern)\n")
		}
		for i, r := range rounds {
			fmt.Fprintf(&b, "  Rnd %d: %s\n", i+1, r.Instruction)
		}
		b.WriteString("\n")
	}

	if len(a.Connections) > 0 {
		b.WriteString("Assembly\n--------\n")
		idx := a.PieceIndex()
		for i, c := range a.Connections {
			fmt.Fprintf(&b, "%d. %s to %s\n", i+1, pointLabel(idx, c.Piece1ID, c.Point1ID), pointLabel(idx, c.Piece2ID, c.Point2ID))
		}
		b.WriteString("\n")
	}
	if v := doc.Validation; v != nil {
		fmt.Fprintf(&b, "Validation: %s (score %d)\n", v.Summary, v.Score)
	}
	for _, s := range doc.Suggestions {
		fmt.Fprintf(&b, "Suggestion: %s\n", s.Message)
	}
	return []byte(b.String()), nil
}

func pointLabel(idx map[string]*model.PieceSnapshot, pieceID, pointID string) string {
	name := pieceID
	if p := idx[pieceID]; p != nil && p.Name != "" {
		name = p.Name
	}
	return fmt.Sprintf("%s (%s)", name, strings.TrimPrefix(pointID, pieceID+"-"))
}

//
// ---------- svg ----------
//

const (
	svgSize   = 400.0
	svgRadius = 150.0
	svgNode   = 18.0
)

// writeSVG lays the pieces out on a circle and draws connections as
// straight lines between them.
func writeSVG(_ context.Context, doc *Document) ([]byte, error) {
	a := doc.Assembly
	center := svgSize / 2
	pos := make(map[string][2]float64, len(a.Pieces))
	for i, p := range a.Pieces {
		if len(a.Pieces) == 1 {
			pos[p.ID] = [2]float64{center, center}
			continue
		}
		angle := 2 * math.Pi * float64(i) / float64(len(a.Pieces))
		pos[p.ID] = [2]float64{center + svgRadius*math.Cos(angle), center + svgRadius*math.Sin(angle)}
	}

	var elements []string
	for _, c := range a.Connections {
		p1, ok1 := pos[c.Piece1ID]
		p2, ok2 := pos[c.Piece2ID]
		if !ok1 || !ok2 {
			continue
		}
		elements = append(elements, fmt.Sprintf(`<line x1="%s" y1="%s" x2="%s" y2="%s" stroke="#555555" stroke-width="2"/>`,
			formatFloat(p1[0]), formatFloat(p1[1]), formatFloat(p2[0]), formatFloat(p2[1])))
	}
	for _, p := range a.Pieces {
		xy := pos[p.ID]
		elements = append(elements,
			fmt.Sprintf(`<circle cx="%s" cy="%s" r="%s" fill="%s" stroke="#333333"/>`,
				formatFloat(xy[0]), formatFloat(xy[1]), formatFloat(svgNode), p.Color.Hex()),
			fmt.Sprintf(`<text x="%s" y="%s" font-size="11" text-anchor="middle">%s</text>`,
				formatFloat(xy[0]), formatFloat(xy[1]+svgNode+12), escapeXML(p.Name)))
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="%s" height="%s" viewBox="0 0 %s %s">`,
		formatFloat(svgSize), formatFloat(svgSize), formatFloat(svgSize), formatFloat(svgSize)))
	b.WriteString("\n")
	for _, el := range elements {
		b.WriteString("  ")
		b.WriteString(el)
		b.WriteString("\n")
	}
	b.WriteString("</svg>\n")
	return []byte(b.String()), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

var xmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")

func escapeXML(s string) string { return xmlEscaper.Replace(s) }

//
// ---------- pdf ----------
//

// pdfBlock is one layout element of the printable descriptor. Rendering
// to actual PDF is left to the host.
type pdfBlock struct {
	Kind    string     `json:"kind"`
	Text    string     `json:"text,omitempty"`
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
}

type pdfDescriptor struct {
	Format   string     `json:"format"`
	Version  string     `json:"version"`
	PageSize string     `json:"pageSize"`
	Title    string     `json:"title"`
	Blocks   []pdfBlock `json:"blocks"`
}

func writePDF(_ context.Context, doc *Document) ([]byte, error) {
	a := doc.Assembly
	d := pdfDescriptor{Format: "pdf-descriptor", Version: doc.Version, PageSize: "A4", Title: a.Name}
	d.Blocks = append(d.Blocks,
		pdfBlock{Kind: "heading", Text: a.Name},
		pdfBlock{Kind: "paragraph", Text: fmt.Sprintf("%d pieces, %d connections", len(a.Pieces), len(a.Connections))},
	)
	rows := make([][]string, 0, len(a.Pieces))
	for _, p := range a.Pieces {
		rows = append(rows, []string{p.Name, string(p.Type), model.ColorName(p.Color), strconv.Itoa(len(p.Metadata.Pattern))})
	}
	d.Blocks = append(d.Blocks, pdfBlock{Kind: "table", Columns: []string{"Piece", "Type", "Colour", "Stitches"}, Rows: rows})
	for _, p := range a.Pieces {
		rounds := instructions.GroupRounds(p.Metadata.Pattern, instructions.DefaultRoundSize)
		if len(rounds) == 0 {
			continue
		}
		d.Blocks = append(d.Blocks, pdfBlock{Kind: "subheading", Text: p.Name})
		for i, r := range rounds {
			d.Blocks = append(d.Blocks, pdfBlock{Kind: "list-item", Text: fmt.Sprintf("Rnd %d: %s", i+1, r.Instruction)})
		}
	}
	if doc.Validation != nil {
		d.Blocks = append(d.Blocks, pdfBlock{Kind: "note", Text: doc.Validation.Summary})
	}
	return json.MarshalIndent(d, "", "  ")
}

//
// ---------- obj ----------
//

// cubeFaces index the eight corners emitted per piece, 1-based within the
// piece.
var cubeFaces = [6][4]int{
	{1, 2, 3, 4}, {5, 8, 7, 6}, {1, 5, 6, 2},
	{2, 6, 7, 3}, {3, 7, 8, 4}, {5, 1, 4, 8},
}

// writeOBJ emits one unit cube per piece, scaled and translated by the
// piece pose. Rotation is ignored.
func writeOBJ(_ context.Context, doc *Document) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# crochet3d %s\n", doc.Version)
	base := 0
	for _, p := range doc.Assembly.Pieces {
		fmt.Fprintf(&b, "o %s\n", objName(p))
		half := model.V(p.Scale.X/2, p.Scale.Y/2, p.Scale.Z/2)
		for _, s := range [8][3]float64{
			{-1, -1, -1}, {1, -1, -1}, {1, 1, -1}, {-1, 1, -1},
			{-1, -1, 1}, {1, -1, 1}, {1, 1, 1}, {-1, 1, 1},
		} {
			fmt.Fprintf(&b, "v %s %s %s\n",
				formatFloat(p.Position.X+s[0]*half.X),
				formatFloat(p.Position.Y+s[1]*half.Y),
				formatFloat(p.Position.Z+s[2]*half.Z))
		}
		for _, f := range cubeFaces {
			fmt.Fprintf(&b, "f %d %d %d %d\n", base+f[0], base+f[1], base+f[2], base+f[3])
		}
		base += 8
	}
	return []byte(b.String()), nil
}

func objName(p model.PieceSnapshot) string {
	name := p.Name
	if name == "" {
		name = p.ID
	}
	return strings.ReplaceAll(name, " ", "_")
}

//
// ---------- csv ----------
//

var csvHeader = []string{"id", "name", "type", "color", "x", "y", "z", "connections", "stitches", "locked", "group"}

func writeCSV(_ context.Context, doc *Document) ([]byte, error) {
	a := doc.Assembly
	degree := make(map[string]int)
	for _, c := range a.Connections {
		degree[c.Piece1ID]++
		degree[c.Piece2ID]++
	}
	locked := make(map[string]bool, len(a.Locked))
	for _, id := range a.Locked {
		locked[id] = true
	}
	groups := make(map[string]string)
	for _, g := range a.Groups {
		for _, m := range g.Members {
			groups[m] = g.Name
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, p := range a.Pieces {
		row := []string{
			p.ID, p.Name, string(p.Type), p.Color.Hex(),
			formatFloat(p.Position.X), formatFloat(p.Position.Y), formatFloat(p.Position.Z),
			strconv.Itoa(degree[p.ID]),
			strconv.Itoa(len(p.Metadata.Pattern)),
			strconv.FormatBool(locked[p.ID]),
			groups[p.ID],
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
