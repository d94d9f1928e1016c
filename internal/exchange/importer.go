package exchange

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/serializer"
	"github.com/stitchworks/crochet3d/internal/validation"
	"github.com/stitchworks/crochet3d/model"
)

// ImportOptions tune Import. Extension overrides the one taken from the
// file name. Strict turns a major version mismatch into an error.
type ImportOptions struct {
	Strict    bool
	Extension string
}

// Raw is a parsed document whose assembly is still an untyped tree.
type Raw struct {
	Version     string
	Assembly    map[string]any
	History     []model.HistoryRecord
	Validation  *validation.Result
	Suggestions []Suggestion
	Metadata    Metadata
}

type wireDocument struct {
	Version     string                `json:"version"`
	Assembly    json.RawMessage       `json:"assembly"`
	History     []model.HistoryRecord `json:"history,omitempty"`
	Validation  *validation.Result    `json:"validation,omitempty"`
	Suggestions []Suggestion          `json:"suggestions,omitempty"`
	Metadata    Metadata              `json:"metadata"`
}

func builtinImporters() []Importer {
	return []Importer{
		{Extensions: []string{"c3d", "json"}, Read: readJSON},
		{Extensions: []string{"c3d-backup", "backup"}, Read: readJSON},
	}
}

func readJSON(_ context.Context, data []byte) (*Raw, error) {
	var w wireDocument
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	a := bytes.TrimSpace(w.Assembly)
	if len(a) == 0 || bytes.Equal(a, []byte("null")) {
		return nil, fmt.Errorf("%w: no assembly", ErrInvalidDocument)
	}
	var tree map[string]any
	if err := json.Unmarshal(a, &tree); err != nil {
		return nil, fmt.Errorf("%w: assembly is not an object: %v", ErrInvalidDocument, err)
	}
	return &Raw{
		Version:     w.Version,
		Assembly:    tree,
		History:     w.History,
		Validation:  w.Validation,
		Suggestions: w.Suggestions,
		Metadata:    w.Metadata,
	}, nil
}

// Import auto-detects the format, decompresses backups, parses, checks the
// version and rehydrates every piece through the safe-type kernel.
func (e *Exporter) Import(ctx context.Context, name string, data []byte, opts ImportOptions) (*Document, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "exchange.Import", trace.WithAttributes(attribute.String("file", name)))
	defer span.End()
	fail := func(err error) (*Document, error) {
		span.SetStatus(codes.Error, err.Error())
		e.log.Warn(ctx, "import failed", logging.String("file", name), logging.Err(err))
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if IsCompressed(data) {
		raw, err := e.codec.Decompress(data)
		if err != nil {
			return fail(err)
		}
		data = raw
	}
	if int64(len(data)) > e.maxSize {
		return fail(fmt.Errorf("%w: document is %d bytes, limit %d", ErrInvalidDocument, len(data), e.maxSize))
	}

	ext := opts.Extension
	if ext == "" {
		ext = importExt(name)
	}
	imp, ok := e.reg.importerFor(ext)
	if !ok {
		if !looksLikeJSON(data) {
			return fail(fmt.Errorf("%w: %q", ErrUnsupportedImport, ext))
		}
		imp = Importer{Read: readJSON}
	}

	raw, err := imp.Read(ctx, data)
	if err != nil {
		return fail(err)
	}
	if len(raw.Assembly) == 0 {
		return fail(fmt.Errorf("%w: empty assembly", ErrInvalidDocument))
	}
	if err := e.checkVersion(ctx, raw.Version, opts.Strict); err != nil {
		return fail(err)
	}
	snap, err := e.rehydrate(raw.Assembly)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	doc := &Document{
		Version:     raw.Version,
		Assembly:    snap,
		History:     raw.History,
		Validation:  raw.Validation,
		Suggestions: raw.Suggestions,
		Metadata:    raw.Metadata,
	}
	if len(doc.History) > 0 && len(doc.Assembly.History) == 0 {
		doc.Assembly.History = doc.History
	}
	e.log.Info(ctx, "assembly imported", logging.String("file", name),
		logging.String("assemblyId", doc.Assembly.ID), logging.Int("pieces", len(doc.Assembly.Pieces)))
	return doc, nil
}

func importExt(name string) string {
	base := strings.ToLower(filepath.Base(name))
	if strings.HasSuffix(base, ".c3d-backup") {
		return "c3d-backup"
	}
	return strings.TrimPrefix(filepath.Ext(base), ".")
}

func looksLikeJSON(data []byte) bool {
	t := bytes.TrimSpace(data)
	return len(t) > 0 && t[0] == '{'
}

func (e *Exporter) checkVersion(ctx context.Context, v string, strict bool) error {
	want, _ := majorOf(FormatVersion)
	got, ok := majorOf(v)
	if ok && got == want {
		return nil
	}
	if strict {
		return fmt.Errorf("%w: document %q, supported %q", ErrVersionMismatch, v, FormatVersion)
	}
	e.log.Warn(ctx, "document version differs; importing anyway",
		logging.String("version", v), logging.String("supported", FormatVersion))
	return nil
}

// rehydrate runs the assembly tree through the sanitizer and coerces
// vectors and colours with the kernel before typed decoding.
func (e *Exporter) rehydrate(raw map[string]any) (model.AssemblySnapshot, error) {
	tree, err := e.san.Sanitize(raw)
	if err != nil {
		return model.AssemblySnapshot{}, err
	}
	m, ok := tree.(map[string]any)
	if !ok || len(m) == 0 {
		return model.AssemblySnapshot{}, fmt.Errorf("%w: empty assembly", ErrInvalidDocument)
	}
	if pieces, ok := m["pieces"].([]any); ok {
		for _, p := range pieces {
			if pm, ok := p.(map[string]any); ok {
				e.rehydratePiece(pm)
			}
		}
	}
	var snap model.AssemblySnapshot
	if err := serializer.Convert(m, &snap); err != nil {
		return model.AssemblySnapshot{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return snap, nil
}

// DecodePiece sanitizes and rehydrates a single piece tree received from a
// remote caller.
func (e *Exporter) DecodePiece(raw map[string]any) (model.PieceSnapshot, error) {
	tree, err := e.san.Sanitize(raw)
	if err != nil {
		return model.PieceSnapshot{}, err
	}
	m, ok := tree.(map[string]any)
	if !ok || len(m) == 0 {
		return model.PieceSnapshot{}, fmt.Errorf("%w: empty piece", ErrInvalidDocument)
	}
	e.rehydratePiece(m)
	var ps model.PieceSnapshot
	if err := serializer.Convert(m, &ps); err != nil {
		return model.PieceSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return ps, nil
}

func (e *Exporter) rehydratePiece(p map[string]any) {
	for _, k := range []string{"position", "rotation"} {
		p[k] = model.NormalizeVector(p[k], e.log)
	}
	if s, ok := p["scale"]; ok && s != nil {
		p["scale"] = model.NormalizeVector(s, e.log)
	} else {
		p["scale"] = model.One
	}
	if c, ok := p["color"]; ok {
		p["color"] = uint32(model.NormalizeColor(c, e.log))
	} else {
		p["color"] = uint32(model.DefaultColor)
	}
	if pts, ok := p["connectionPoints"].([]any); ok {
		for _, pt := range pts {
			if pm, ok := pt.(map[string]any); ok {
				pm["position"] = model.NormalizeVector(pm["position"], e.log)
			}
		}
	}
}
