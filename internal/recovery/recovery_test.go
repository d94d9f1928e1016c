package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchworks/crochet3d/internal/history"
	"github.com/stitchworks/crochet3d/internal/serializer"
	"github.com/stitchworks/crochet3d/internal/storage"
	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTarget struct {
	snap    model.AssemblySnapshot
	entries []history.EntryType
}

func (f *fakeTarget) Snapshot() model.AssemblySnapshot { return f.snap }

func (f *fakeTarget) Restore(s model.AssemblySnapshot) error {
	f.snap = s
	return nil
}

func (f *fakeTarget) RecordSystem(typ history.EntryType, _ string, _ map[string]any) {
	f.entries = append(f.entries, typ)
}

type kindRecorder struct{ kinds []string }

func (r *kindRecorder) ObserveRecovery(kind string) { r.kinds = append(r.kinds, kind) }

func pieceSnap(id string, points ...string) model.PieceSnapshot {
	p := &model.Piece{ID: id, Name: id, Type: model.PieceGeneric, Pose: model.IdentityPose()}
	for _, n := range points {
		p.ConnectionPoints = append(p.ConnectionPoints, model.NewConnectionPoint(id, n, "", model.V(0, 0, 0), "universal"))
	}
	return model.SnapshotPiece(p)
}

func connected(id string) model.AssemblySnapshot {
	s := model.AssemblySnapshot{ID: id, Name: "bear", Version: "2.0.0", CurrentTier: "pro"}
	s.Pieces = []model.PieceSnapshot{pieceSnap("H", "neck"), pieceSnap("B", "top", "side")}
	s.Pieces[0].ConnectionPoints[0].IsOccupied = true
	s.Pieces[0].ConnectionPoints[0].ConnectedTo = "B-top"
	s.Pieces[1].ConnectionPoints[0].IsOccupied = true
	s.Pieces[1].ConnectionPoints[0].ConnectedTo = "H-neck"
	s.Connections = []model.Connection{{ID: "c1", Piece1ID: "H", Point1ID: "H-neck", Piece2ID: "B", Point2ID: "B-top"}}
	s.Groups = []model.Group{{ID: "g", Name: "all", Members: []string{"H", "B"}}}
	return s
}

func newManager(kv storage.KV, clock timectrl.Clock, opts ...Option) *Manager {
	opts = append([]Option{WithClock(clock)}, opts...)
	return NewManager(serializer.NewPersistent(kv, nil), opts...)
}

func TestCheckSnapshot(t *testing.T) {
	s := connected("a")
	require.NoError(t, CheckSnapshot(&s))

	bad := connected("a")
	bad.Pieces[0].ConnectionPoints[0].ConnectedTo = "B-side"
	require.ErrorIs(t, CheckSnapshot(&bad), ErrCorrupt)

	dangling := connected("a")
	dangling.Connections = append(dangling.Connections, model.Connection{ID: "c2", Piece1ID: "H", Point1ID: "H-ear", Piece2ID: "B", Point2ID: "B-side"})
	require.ErrorIs(t, CheckSnapshot(&dangling), ErrCorrupt)
}

func TestRepair(t *testing.T) {
	s := connected("a")
	s.Pieces = s.Pieces[:1] // body lost
	s.Locked = []string{"B", "H"}

	fixes := Repair(&s)
	assert.NotEmpty(t, fixes)
	require.NoError(t, CheckSnapshot(&s))
	assert.Empty(t, s.Connections)
	assert.False(t, s.Pieces[0].ConnectionPoints[0].IsOccupied)
	assert.Equal(t, []string{"H"}, s.Locked)
	assert.Equal(t, []string{"H"}, s.Groups[0].Members)
}

func TestBackupRingEvictsOldest(t *testing.T) {
	ctx := context.Background()
	clock := timectrl.NewManualClock(epoch)
	kv := storage.NewMemory(0)
	m := newManager(kv, clock, WithRingSize(3))

	for i := 0; i < 5; i++ {
		s := connected("a")
		s.Name = string(rune('a' + i))
		_, err := m.CreateBackup(ctx, s, ReasonManual)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	backups, err := m.Backups(ctx, "a")
	require.NoError(t, err)
	require.Len(t, backups, 3)
	assert.Equal(t, "e", backups[0].Payload.Name)
	assert.Equal(t, "c", backups[2].Payload.Name)
	assert.Equal(t, BackupKey("a", epoch.Add(4*time.Second).UnixMilli()), backups[0].Key)
}

func TestBackupKeysStayUniqueWithinAMillisecond(t *testing.T) {
	ctx := context.Background()
	m := newManager(storage.NewMemory(0), timectrl.NewManualClock(epoch))
	a, err := m.CreateBackup(ctx, connected("x"), ReasonManual)
	require.NoError(t, err)
	b, err := m.CreateBackup(ctx, connected("x"), ReasonManual)
	require.NoError(t, err)
	assert.NotEqual(t, a.Key, b.Key)
	assert.Greater(t, b.Timestamp, a.Timestamp)
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	m := newManager(storage.NewMemory(0), timectrl.NewManualClock(epoch))
	target := &fakeTarget{snap: connected("a")}

	res := m.Save(ctx, target)
	require.True(t, res.Success, "%v", res.Err)
	require.NotNil(t, res.Backup)
	assert.Equal(t, []history.EntryType{history.BackupCreated}, target.entries)

	got, err := m.Load(ctx, "a")
	require.NoError(t, err)
	assert.False(t, got.Recovered)
	assert.Equal(t, target.snap, got.Snapshot)
}

func TestLoadMissing(t *testing.T) {
	m := newManager(storage.NewMemory(0), timectrl.NewManualClock(epoch))
	_, err := m.Load(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLoadFallsBackToNewestBackup(t *testing.T) {
	ctx := context.Background()
	clock := timectrl.NewManualClock(epoch)
	kv := storage.NewMemory(0)
	rec := &kindRecorder{}
	m := newManager(kv, clock, WithRecorder(rec))
	target := &fakeTarget{snap: connected("a")}

	require.True(t, m.Save(ctx, target).Success)
	clock.Advance(time.Second)
	target.snap.Name = "renamed"
	require.True(t, m.Save(ctx, target).Success)

	require.NoError(t, kv.Put(ctx, AssemblyKey("a"), []byte("{{{ not json")))

	got, err := m.Load(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.Recovered)
	assert.True(t, got.Snapshot.IsRecovered)
	assert.Equal(t, "renamed", got.Snapshot.Name)
	assert.Contains(t, got.Strategy, "backup:backup_a_")
	for _, p := range got.Snapshot.Pieces {
		assert.True(t, p.Recovered)
	}
	assert.Contains(t, rec.kinds, "recovered")
}

func TestLoadSkipsCorruptBackups(t *testing.T) {
	ctx := context.Background()
	clock := timectrl.NewManualClock(epoch)
	kv := storage.NewMemory(0)
	m := newManager(kv, clock)

	_, err := m.CreateBackup(ctx, connected("a"), ReasonManual)
	require.NoError(t, err)
	clock.Advance(time.Second)
	require.NoError(t, kv.Put(ctx, BackupKey("a", clock.Now().UnixMilli()), []byte("garbage")))

	got, err := m.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "backup:"+BackupKey("a", epoch.UnixMilli()), got.Strategy)
}

func TestLoadUnrecoverable(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory(0)
	rec := &kindRecorder{}
	m := newManager(kv, timectrl.NewManualClock(epoch), WithRecorder(rec))
	require.NoError(t, kv.Put(ctx, AssemblyKey("a"), []byte("nope")))
	require.NoError(t, kv.Put(ctx, BackupKey("a", 1), []byte("also nope")))

	_, err := m.Load(ctx, "a")
	require.ErrorIs(t, err, ErrUnrecoverable)
	assert.Equal(t, []string{"unrecoverable"}, rec.kinds)
}

func TestLoadRepairsPrimaryAndCoercesPieceMap(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory(0)
	m := newManager(kv, timectrl.NewManualClock(epoch))

	raw := `{"id":"a","name":"bear","version":"2.0.0",
		"pieces":{"B":{"name":"B","type":"body","connectionPoints":[{"id":"B-top","name":"top","isOccupied":true,"connectedTo":"H-neck"}]},
		          "A":{"name":"A","type":"arm"}},
		"connections":[{"id":"c1","piece1Id":"H","point1Id":"H-neck","piece2Id":"B","point2Id":"B-top"}]}`
	require.NoError(t, kv.Put(ctx, AssemblyKey("a"), []byte(raw)))

	got, err := m.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StrategyPrimaryRepaired, got.Strategy)
	require.Len(t, got.Snapshot.Pieces, 2)
	assert.Equal(t, "A", got.Snapshot.Pieces[0].ID)
	assert.Equal(t, "B", got.Snapshot.Pieces[1].ID)
	assert.Empty(t, got.Snapshot.Connections)
	assert.False(t, got.Snapshot.Pieces[1].ConnectionPoints[0].IsOccupied)
}

func TestSaveFailureOffersBackup(t *testing.T) {
	ctx := context.Background()
	clock := timectrl.NewManualClock(epoch)
	kv := storage.NewMemory(0)
	m := newManager(kv, clock)
	target := &fakeTarget{snap: connected("a")}
	require.True(t, m.Save(ctx, target).Success)

	// Every further write is refused.
	full := &quotaKV{Memory: kv, failPuts: true}
	m = newManager(full, clock)
	target.snap.Name = "changed"

	res := m.Save(ctx, target)
	assert.False(t, res.Success)
	require.ErrorIs(t, res.Err, storage.ErrStorageFull)
	assert.Equal(t, ReasonSaveFailedBackupAvailable, res.Reason)
	require.NotNil(t, res.Restore)
	require.NoError(t, res.Restore(ctx))
	assert.Equal(t, "bear", target.snap.Name)
}

type quotaKV struct {
	*storage.Memory
	failPuts bool
}

func (q *quotaKV) Put(ctx context.Context, key string, v []byte) error {
	if q.failPuts {
		return storage.ErrStorageFull
	}
	return q.Memory.Put(ctx, key, v)
}

func TestClearBackups(t *testing.T) {
	ctx := context.Background()
	clock := timectrl.NewManualClock(epoch)
	m := newManager(storage.NewMemory(0), clock)
	target := &fakeTarget{snap: connected("a")}
	for i := 0; i < 3; i++ {
		_, err := m.Backup(ctx, target, ReasonManual)
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}
	n, err := m.ClearBackups(ctx, "a", target)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	backups, err := m.Backups(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, backups)
	assert.Equal(t, history.BackupsCleared, target.entries[len(target.entries)-1])
}

func TestPerformRollsBack(t *testing.T) {
	ctx := context.Background()
	m := newManager(storage.NewMemory(0), timectrl.NewManualClock(epoch))
	target := &fakeTarget{snap: connected("a")}

	res := m.Perform(ctx, target, "mirror", func(context.Context) (any, error) {
		target.snap.Pieces = nil
		return nil, errors.New("mirror failed")
	})
	assert.False(t, res.Success)
	assert.True(t, res.Recovered)
	require.NotNil(t, res.Backup)
	assert.Len(t, target.snap.Pieces, 2)

	res = m.Perform(ctx, target, "explode", func(context.Context) (any, error) {
		target.snap.Name = "broken"
		panic("boom")
	})
	assert.True(t, res.Recovered)
	assert.Contains(t, res.Err.Error(), "boom")
	assert.Equal(t, "bear", target.snap.Name)

	res = m.Perform(ctx, target, "rename", func(context.Context) (any, error) {
		target.snap.Name = "teddy"
		return "ok", nil
	})
	assert.True(t, res.Success)
	assert.False(t, res.Recovered)
	assert.Equal(t, "ok", res.Result)
	assert.Equal(t, "teddy", target.snap.Name)
}
