// Package exchange converts assemblies to and from external formats. Every
// export builds one intermediate Document and hands it to the writer
// registered for a format token.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/serializer"
	"github.com/stitchworks/crochet3d/internal/validation"
	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

const tracerName = "github.com/stitchworks/crochet3d/internal/exchange"

// FormatVersion is written into every document. Imports compare the major
// component.
const FormatVersion = "2.0.0"

var (
	ErrUnknownFormat     = errors.New("unknown export format")
	ErrDuplicateFormat   = errors.New("format already registered")
	ErrUnsupportedImport = errors.New("no importer for file type")
	ErrInvalidDocument   = errors.New("invalid document")
	ErrVersionMismatch   = errors.New("document version mismatch")
)

// Metadata describes how a document was produced.
type Metadata struct {
	ExportedAt      time.Time `json:"exportedAt"`
	Generator       string    `json:"generator"`
	Format          string    `json:"format,omitempty"`
	PieceCount      int       `json:"pieceCount"`
	ConnectionCount int       `json:"connectionCount"`
}

// Document is the neutral intermediate form shared by every writer.
type Document struct {
	Version     string                 `json:"version"`
	Assembly    model.AssemblySnapshot `json:"assembly"`
	History     []model.HistoryRecord  `json:"history,omitempty"`
	Validation  *validation.Result     `json:"validation,omitempty"`
	Suggestions []Suggestion           `json:"suggestions,omitempty"`
	Metadata    Metadata               `json:"metadata"`
}

// Source is what an export reads from.
type Source interface {
	Snapshot() model.AssemblySnapshot
	Validate(ctx context.Context) validation.Result
}

// Writer renders a document in one format.
type Writer func(ctx context.Context, doc *Document) ([]byte, error)

// Reader parses raw bytes. Import sanitizes and rehydrates the result.
type Reader func(ctx context.Context, data []byte) (*Raw, error)

// Format is a registry entry.
type Format struct {
	Token     string
	Name      string
	Extension string
	MIMEType  string
	Write     Writer
	// Compressed formats are zstd-encoded by the exporter after Write.
	Compressed bool
}

// Importer reads the listed file extensions.
type Importer struct {
	Extensions []string
	Read       Reader
}

// Artifact is the output of one writer.
type Artifact struct {
	Format   string
	Filename string
	MIMEType string
	Data     []byte
}

// Registry maps format tokens to writers and extensions to readers.
type Registry struct {
	mu        sync.RWMutex
	formats   map[string]Format
	importers []Importer
}

// NewRegistry returns a registry holding the built-in formats: json,
// pattern, svg, pdf, obj, csv and backup.
func NewRegistry() *Registry {
	r := &Registry{formats: make(map[string]Format)}
	for _, f := range builtinFormats() {
		r.formats[f.Token] = f
	}
	r.importers = builtinImporters()
	return r
}

// Register adds a format. Tokens are unique.
func (r *Registry) Register(f Format) error {
	if f.Token == "" || f.Write == nil {
		return fmt.Errorf("%w: token and writer are required", ErrUnknownFormat)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.formats[f.Token]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateFormat, f.Token)
	}
	r.formats[f.Token] = f
	return nil
}

// RegisterImporter adds a reader; later registrations win on shared
// extensions.
func (r *Registry) RegisterImporter(imp Importer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.importers = append([]Importer{imp}, r.importers...)
}

// Format looks up a token.
func (r *Registry) Format(token string) (Format, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formats[token]
	return f, ok
}

// Formats lists the registered formats ordered by token.
func (r *Registry) Formats() []Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Format, 0, len(r.formats))
	for _, f := range r.formats {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

func (r *Registry) importerFor(ext string) (Importer, bool) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, imp := range r.importers {
		for _, e := range imp.Extensions {
			if e == ext {
				return imp, true
			}
		}
	}
	return Importer{}, false
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Exporter) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock sets the clock used for export timestamps.
func WithClock(c timectrl.Clock) Option {
	return func(e *Exporter) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithSanitizer overrides the sanitizer applied to assembly data.
func WithSanitizer(s *serializer.Sanitizer) Option {
	return func(e *Exporter) {
		if s != nil {
			e.san = s
		}
	}
}

// WithoutHistory leaves history out of exported documents.
func WithoutHistory() Option {
	return func(e *Exporter) { e.history = false }
}

// WithMaxDocumentSize caps imported documents at n bytes, measured after
// decompression. Non-positive values keep DefaultMaxDocumentSize.
func WithMaxDocumentSize(n int64) Option {
	return func(e *Exporter) {
		if n > 0 {
			e.maxSize = n
		}
	}
}

// Exporter builds documents and runs writers and readers.
type Exporter struct {
	reg     *Registry
	log     logging.Logger
	clock   timectrl.Clock
	san     *serializer.Sanitizer
	history bool
	maxSize int64
	codec   *codec
}

// NewExporter returns an exporter over reg. A nil registry uses
// NewRegistry().
func NewExporter(reg *Registry, opts ...Option) *Exporter {
	if reg == nil {
		reg = NewRegistry()
	}
	e := &Exporter{
		reg:     reg,
		log:     logging.Noop(),
		clock:   timectrl.SystemClock{},
		san:     serializer.New(),
		history: true,
		maxSize: DefaultMaxDocumentSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.codec = newCodec(e.maxSize)
	return e
}

// Registry returns the format registry.
func (e *Exporter) Registry() *Registry { return e.reg }

// Build produces the intermediate document for src. Assembly data passes
// through the sanitizer, so a payload the serializer refuses cannot be
// exported either.
func (e *Exporter) Build(ctx context.Context, src Source) (*Document, error) {
	snap := src.Snapshot()
	history := snap.History
	snap.History, snap.Cursor, snap.Bookmarks = nil, 0, nil

	tree, err := e.san.Sanitize(snap)
	if err != nil {
		return nil, err
	}
	var clean model.AssemblySnapshot
	if err := serializer.Convert(tree, &clean); err != nil {
		return nil, err
	}
	res := src.Validate(ctx)
	doc := &Document{
		Version:     FormatVersion,
		Assembly:    clean,
		Validation:  &res,
		Suggestions: Suggest(clean),
		Metadata: Metadata{
			ExportedAt:      e.clock.Now().UTC(),
			Generator:       "crochet3d",
			PieceCount:      len(clean.Pieces),
			ConnectionCount: len(clean.Connections),
		},
	}
	if e.history {
		doc.History = history
	}
	return doc, nil
}

// Export renders src in one format.
func (e *Exporter) Export(ctx context.Context, src Source, token string) (Artifact, error) {
	arts, err := e.ExportAll(ctx, src, token)
	if err != nil {
		return Artifact{}, err
	}
	return arts[0], nil
}

// ExportAll builds the document once and runs the writers of the given
// formats concurrently. Artifacts come back in argument order. With no
// tokens every registered format is written.
func (e *Exporter) ExportAll(ctx context.Context, src Source, tokens ...string) ([]Artifact, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "exchange.ExportAll",
		trace.WithAttributes(attribute.StringSlice("formats", tokens)))
	defer span.End()

	if len(tokens) == 0 {
		for _, f := range e.reg.Formats() {
			tokens = append(tokens, f.Token)
		}
	}
	formats := make([]Format, len(tokens))
	for i, tok := range tokens {
		f, ok := e.reg.Format(tok)
		if !ok {
			err := fmt.Errorf("%w: %q", ErrUnknownFormat, tok)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		formats[i] = f
	}

	doc, err := e.Build(ctx, src)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	base := fileBase(doc.Assembly)

	out := make([]Artifact, len(formats))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range formats {
		g.Go(func() error {
			d := *doc
			d.Metadata.Format = f.Token
			data, err := f.Write(gctx, &d)
			if err == nil && f.Compressed {
				data, err = e.codec.Compress(data)
			}
			if err != nil {
				return fmt.Errorf("export %s: %w", f.Token, err)
			}
			out[i] = Artifact{Format: f.Token, Filename: base + f.Extension, MIMEType: f.MIMEType, Data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.log.Warn(ctx, "export failed", logging.Err(err))
		return nil, err
	}
	e.log.Info(ctx, "assembly exported",
		logging.String("assemblyId", doc.Assembly.ID), logging.Int("formats", len(out)))
	return out, nil
}

func fileBase(s model.AssemblySnapshot) string {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		name = s.ID
	}
	if name == "" {
		return "assembly"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// majorOf returns the leading numeric component of a dotted version.
func majorOf(v string) (int, bool) {
	head, _, _ := strings.Cut(strings.TrimPrefix(v, "v"), ".")
	n, err := strconv.Atoi(head)
	return n, err == nil
}
