package exchange

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchworks/crochet3d/internal/validation"
	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

var epoch = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	snap model.AssemblySnapshot
}

func (f fakeSource) Snapshot() model.AssemblySnapshot { return f.snap }

func (f fakeSource) Validate(context.Context) validation.Result {
	return validation.Result{Valid: true, Score: 100, Summary: "ok", Timestamp: epoch}
}

func bear() fakeSource {
	neck := *model.NewConnectionPoint("H", "neck", "", model.V(0, -1, 0), "neck_joint")
	neck.IsOccupied, neck.ConnectedTo = true, "B-neck_joint"
	joint := *model.NewConnectionPoint("B", "neck_joint", "", model.V(0, 1, 0), "neck")
	joint.IsOccupied, joint.ConnectedTo = true, "H-neck"
	return fakeSource{snap: model.AssemblySnapshot{
		ID:   "asm-1",
		Name: "bear",
		Pieces: []model.PieceSnapshot{
			{ID: "H", Name: "Head", Type: model.PieceHead, Color: 0x8b4513,
				Position: model.V(0, 10, 0), Scale: model.One,
				ConnectionPoints: []model.ConnectionPoint{neck},
				Metadata:         model.PieceMetadata{Pattern: []string{"MR", "sc", "sc", "inc"}}},
			{ID: "B", Name: "Body", Type: model.PieceBody, Color: 0xffffff,
				Position: model.V(0, 0, 0), Scale: model.V(2, 2, 2),
				ConnectionPoints: []model.ConnectionPoint{joint},
				Metadata:         model.PieceMetadata{Pattern: []string{"MR", "sc"}}},
		},
		Connections: []model.Connection{
			{ID: "c1", Piece1ID: "H", Point1ID: "H-neck", Piece2ID: "B", Point2ID: "B-neck_joint", Timestamp: epoch.UnixMilli()},
		},
		History: []model.HistoryRecord{
			{ID: "h1", Action: "add_piece", Timestamp: epoch.UnixMilli()},
		},
	}}
}

func newExporter() *Exporter {
	return NewExporter(nil, WithClock(timectrl.NewManualClock(epoch)))
}

func TestExportAllWritesEveryFormat(t *testing.T) {
	e := newExporter()
	arts, err := e.ExportAll(context.Background(), bear())
	require.NoError(t, err)
	require.Len(t, arts, 7)

	var names []string
	for _, a := range arts {
		names = append(names, a.Filename)
		assert.NotEmpty(t, a.Data, a.Format)
	}
	assert.Equal(t, []string{
		"bear.c3d-backup", "bear.csv", "bear.c3d", "bear.obj", "bear.txt", "bear.pdf.json", "bear.svg",
	}, names)

	arts, err = e.ExportAll(context.Background(), bear(), "svg", "json")
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, "svg", arts[0].Format)
	assert.Equal(t, "json", arts[1].Format)
}

func TestExportUnknownFormat(t *testing.T) {
	_, err := newExporter().Export(context.Background(), bear(), "stl")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestRegisterFormat(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Format{Token: "json", Write: writeJSON})
	assert.ErrorIs(t, err, ErrDuplicateFormat)

	err = reg.Register(Format{Token: "count", Extension: ".n", Write: func(_ context.Context, d *Document) ([]byte, error) {
		return []byte(strings.Repeat("x", d.Metadata.PieceCount)), nil
	}})
	require.NoError(t, err)

	art, err := NewExporter(reg).Export(context.Background(), bear(), "count")
	require.NoError(t, err)
	assert.Equal(t, "xx", string(art.Data))
	assert.Equal(t, "bear.n", art.Filename)
}

func TestJSONRoundTrip(t *testing.T) {
	e := newExporter()
	art, err := e.Export(context.Background(), bear(), "json")
	require.NoError(t, err)

	doc, err := e.Import(context.Background(), art.Filename, art.Data, ImportOptions{Strict: true})
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, doc.Version)
	assert.Equal(t, "json", doc.Metadata.Format)
	assert.Equal(t, epoch, doc.Metadata.ExportedAt)

	a := doc.Assembly
	require.Len(t, a.Pieces, 2)
	require.Len(t, a.Connections, 1)
	assert.Equal(t, "H", a.Pieces[0].ID)
	assert.True(t, a.Pieces[0].Position.ApproxEqual(model.V(0, 10, 0), 1e-9))
	assert.True(t, a.Pieces[1].Scale.ApproxEqual(model.V(2, 2, 2), 1e-9))
	assert.Equal(t, model.Color(0x8b4513), a.Pieces[0].Color)
	assert.True(t, a.Pieces[0].ConnectionPoints[0].IsOccupied)
	assert.Equal(t, "c1", a.Connections[0].ID)

	require.Len(t, doc.History, 1)
	assert.Equal(t, doc.History, a.History)
	require.NotNil(t, doc.Validation)
	assert.True(t, doc.Validation.Valid)
}

func TestExportWithoutHistory(t *testing.T) {
	e := NewExporter(nil, WithoutHistory())
	doc, err := e.Build(context.Background(), bear())
	require.NoError(t, err)
	assert.Empty(t, doc.History)
	assert.Empty(t, doc.Assembly.History)
}

func TestBackupRoundTrip(t *testing.T) {
	e := newExporter()
	art, err := e.Export(context.Background(), bear(), "backup")
	require.NoError(t, err)
	require.True(t, IsCompressed(art.Data))

	doc, err := e.Import(context.Background(), art.Filename, art.Data, ImportOptions{})
	require.NoError(t, err)
	assert.Len(t, doc.Assembly.Pieces, 2)

	// The marker is honoured whatever the file is called.
	doc, err = e.Import(context.Background(), "renamed.json", art.Data, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "asm-1", doc.Assembly.ID)

	_, err = e.codec.Decompress([]byte("plain"))
	assert.ErrorIs(t, err, ErrNotCompressed)
}

func TestImportRejectsOversizedDocument(t *testing.T) {
	ctx := context.Background()
	e := NewExporter(nil, WithClock(timectrl.NewManualClock(epoch)), WithMaxDocumentSize(1<<20))

	art, err := e.Export(ctx, bear(), "backup")
	require.NoError(t, err)
	_, err = e.Import(ctx, art.Filename, art.Data, ImportOptions{})
	require.NoError(t, err, "small backups still import")

	// Eight MiB of zeros compresses to a few hundred bytes.
	bomb, err := e.codec.Compress(make([]byte, 8<<20))
	require.NoError(t, err)
	require.Less(t, len(bomb), 64<<10)
	_, err = e.Import(ctx, "bomb.c3d-backup", bomb, ImportOptions{})
	assert.ErrorIs(t, err, ErrInvalidDocument)

	plain := append([]byte(`{"version":"2.0.0","assembly":{"id":"big"}}`), bytes.Repeat([]byte(" "), 2<<20)...)
	_, err = e.Import(ctx, "big.c3d", plain, ImportOptions{})
	assert.ErrorIs(t, err, ErrInvalidDocument)
}

func TestImportVersionGate(t *testing.T) {
	e := newExporter()
	data := []byte(`{"version":"1.4.0","assembly":{"id":"old","pieces":[],"connections":[]}}`)

	_, err := e.Import(context.Background(), "old.c3d", data, ImportOptions{Strict: true})
	assert.ErrorIs(t, err, ErrVersionMismatch)

	doc, err := e.Import(context.Background(), "old.c3d", data, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "old", doc.Assembly.ID)
}

func TestImportRejectsBadDocuments(t *testing.T) {
	e := newExporter()
	cases := map[string]struct {
		name string
		data string
		want error
	}{
		"no assembly":    {"a.c3d", `{"version":"2.0.0"}`, ErrInvalidDocument},
		"null assembly":  {"a.c3d", `{"version":"2.0.0","assembly":null}`, ErrInvalidDocument},
		"array assembly": {"a.c3d", `{"version":"2.0.0","assembly":[1,2]}`, ErrInvalidDocument},
		"not json":       {"a.c3d", `garbage`, ErrInvalidDocument},
		"unknown type":   {"a.bin", `garbage`, ErrUnsupportedImport},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.Import(context.Background(), tc.name, []byte(tc.data), ImportOptions{})
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestImportSniffsJSONWithUnknownExtension(t *testing.T) {
	data := []byte(`{"version":"2.0.0","assembly":{"id":"sniffed","pieces":[],"connections":[]}}`)
	doc, err := newExporter().Import(context.Background(), "download.bin", data, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sniffed", doc.Assembly.ID)
}

func TestImportRehydratesLooseValues(t *testing.T) {
	data := []byte(`{
		"version": "2.0.0",
		"assembly": {
			"id": "loose",
			"pieces": [{
				"id": "p",
				"name": "P",
				"type": "generic",
				"position": [1, 2, 3],
				"rotation": {"x": "bad", "y": 0, "z": 0},
				"color": "#ff0000",
				"connectionPoints": [{"id": "p-a", "name": "a", "type": "a", "position": [0, 1]}],
				"onClick": "drop me"
			}],
			"connections": []
		}
	}`)
	doc, err := newExporter().Import(context.Background(), "loose.c3d", data, ImportOptions{})
	require.NoError(t, err)
	require.Len(t, doc.Assembly.Pieces, 1)

	p := doc.Assembly.Pieces[0]
	assert.True(t, p.Position.ApproxEqual(model.V(1, 2, 3), 1e-9))
	assert.True(t, p.Rotation.ApproxEqual(model.V(0, 0, 0), 1e-9))
	assert.True(t, p.Scale.ApproxEqual(model.One, 1e-9))
	assert.Equal(t, model.Color(0xff0000), p.Color)
	require.Len(t, p.ConnectionPoints, 1)
	assert.True(t, p.ConnectionPoints[0].Position.ApproxEqual(model.V(0, 1, 0), 1e-9))
}

func TestImportHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newExporter().Import(ctx, "a.c3d", []byte(`{}`), ImportOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteCSV(t *testing.T) {
	art, err := newExporter().Export(context.Background(), bear(), "csv")
	require.NoError(t, err)

	rows, err := csv.NewReader(bytes.NewReader(art.Data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"H", "Head", "head", "#8b4513", "0", "10", "0", "1", "4", "false", ""}, rows[1])
}

func TestWriteOBJ(t *testing.T) {
	art, err := newExporter().Export(context.Background(), bear(), "obj")
	require.NoError(t, err)

	var verts, faces int
	for _, line := range strings.Split(string(art.Data), "\n") {
		switch {
		case strings.HasPrefix(line, "v "):
			verts++
		case strings.HasPrefix(line, "f "):
			faces++
		}
	}
	assert.Equal(t, 16, verts)
	assert.Equal(t, 12, faces)
	assert.Contains(t, string(art.Data), "f 9 10 11 12")
}

func TestWriteSVGAndPattern(t *testing.T) {
	e := newExporter()
	arts, err := e.ExportAll(context.Background(), bear(), "svg", "pattern")
	require.NoError(t, err)

	svg := string(arts[0].Data)
	assert.Equal(t, 1, strings.Count(svg, "<line"))
	assert.Equal(t, 2, strings.Count(svg, "<circle"))
	assert.Contains(t, svg, `fill="#8b4513"`)

	pattern := string(arts[1].Data)
	assert.Contains(t, pattern, "Rnd 1: MR, 2 sc, inc")
	assert.Contains(t, pattern, "1. Head (neck) to Body (neck_joint)")
	assert.Contains(t, pattern, "Validation: ok (score 100)")
}

func TestSuggest(t *testing.T) {
	got := Suggest(model.AssemblySnapshot{})
	require.Len(t, got, 1)
	assert.Equal(t, SuggestEmpty, got[0].Kind)

	assert.Empty(t, Suggest(bear().snap))

	snap := bear().snap
	snap.Pieces = append(snap.Pieces, model.PieceSnapshot{
		ID: "E",
		ConnectionPoints: []model.ConnectionPoint{
			*model.NewConnectionPoint("E", "a", "", model.V(0, 0, 0)),
			*model.NewConnectionPoint("E", "b", "", model.V(0, 0, 0)),
			*model.NewConnectionPoint("E", "c", "", model.V(0, 0, 0)),
			*model.NewConnectionPoint("E", "d", "", model.V(0, 0, 0)),
			*model.NewConnectionPoint("E", "e", "", model.V(0, 0, 0)),
			*model.NewConnectionPoint("E", "f", "", model.V(0, 0, 0)),
			*model.NewConnectionPoint("E", "g", "", model.V(0, 0, 0)),
		},
	})
	got = Suggest(snap)
	kinds := make([]string, len(got))
	for i, s := range got {
		kinds[i] = s.Kind
	}
	assert.Equal(t, []string{SuggestFloating, SuggestOpenPoints, SuggestNoPattern}, kinds)
	assert.Equal(t, []string{"E"}, got[0].PieceIDs)
	assert.Equal(t, []string{"E"}, got[2].PieceIDs)
}
