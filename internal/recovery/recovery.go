// Package recovery keeps a ring of backups per assembly and drives the
// save and load pipelines with a fallback chain.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/stitchworks/crochet3d/internal/history"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/serializer"
	"github.com/stitchworks/crochet3d/internal/storage"
	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

var (
	// ErrUnrecoverable is returned when neither the primary record nor any
	// backup yields a valid assembly.
	ErrUnrecoverable = errors.New("assembly unrecoverable")
	// ErrNotFound is returned by Load when nothing was ever stored for the id.
	ErrNotFound = errors.New("assembly not found")
)

// ReasonSaveFailedBackupAvailable is reported by a failed save that still
// has a backup to fall back on.
const ReasonSaveFailedBackupAvailable = "SAVE_FAILED_BACKUP_AVAILABLE"

// DefaultRingSize is the number of backups kept per assembly.
const DefaultRingSize = 5

// Backup reasons.
const (
	ReasonPreSave = "pre-save"
	ReasonManual  = "manual"
)

// Strategy prefixes recorded on recovered loads.
const (
	StrategyPrimaryRepaired = "primary-repaired"
	strategyBackupPrefix    = "backup:"
)

// AssemblyKey is the primary storage key of an assembly.
func AssemblyKey(id string) string { return "assembly_" + id }

// BackupKey is the storage key of one backup.
func BackupKey(id string, unixMillis int64) string {
	return fmt.Sprintf("backup_%s_%d", id, unixMillis)
}

func backupPrefix(id string) string { return "backup_" + id + "_" }

// BackupRecord is one ring entry.
type BackupRecord struct {
	Key       string                 `json:"key"`
	Timestamp int64                  `json:"timestamp"`
	Reason    string                 `json:"reason"`
	Payload   model.AssemblySnapshot `json:"payload"`
}

// Target is the live assembly the manager protects.
type Target interface {
	Snapshot() model.AssemblySnapshot
	Restore(model.AssemblySnapshot) error
	// RecordSystem appends a non-undoable history entry.
	RecordSystem(typ history.EntryType, description string, data map[string]any)
}

// Recorder observes recovery activity.
type Recorder interface {
	ObserveRecovery(kind string)
}

// Manager owns the backup ring and the save/load pipelines.
type Manager struct {
	store    *serializer.Persistent
	ringSize int
	clock    timectrl.Clock
	log      logging.Logger
	recorder Recorder
}

// Option configures a Manager.
type Option func(*Manager)

// WithRingSize overrides DefaultRingSize.
func WithRingSize(k int) Option {
	return func(m *Manager) {
		if k > 0 {
			m.ringSize = k
		}
	}
}

// WithClock sets the backup timestamp source.
func WithClock(c timectrl.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// NewManager builds a manager over store.
func NewManager(store *serializer.Persistent, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		ringSize: DefaultRingSize,
		clock:    timectrl.SystemClock{},
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RingSize returns K.
func (m *Manager) RingSize() int { return m.ringSize }

func (m *Manager) observe(kind string) {
	if m.recorder != nil {
		m.recorder.ObserveRecovery(kind)
	}
}

//
// ---------- backup ring ----------
//

type ringKey struct {
	key string
	ms  int64
}

func (m *Manager) ringKeys(ctx context.Context, id string) ([]ringKey, error) {
	keys, err := m.store.Keys(ctx, backupPrefix(id))
	if err != nil {
		return nil, err
	}
	prefix := backupPrefix(id)
	out := make([]ringKey, 0, len(keys))
	for _, k := range keys {
		ms, err := strconv.ParseInt(strings.TrimPrefix(k, prefix), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ringKey{key: k, ms: ms})
	}
	// Newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].ms > out[j].ms })
	return out, nil
}

// CreateBackup writes snap to the ring and evicts the oldest entries beyond
// the ring size.
func (m *Manager) CreateBackup(ctx context.Context, snap model.AssemblySnapshot, reason string) (BackupRecord, error) {
	ring, err := m.ringKeys(ctx, snap.ID)
	if err != nil {
		return BackupRecord{}, err
	}
	ms := m.clock.Now().UnixMilli()
	for _, rk := range ring {
		if rk.ms >= ms {
			ms = rk.ms + 1
		}
	}
	rec := BackupRecord{Key: BackupKey(snap.ID, ms), Timestamp: ms, Reason: reason, Payload: snap}
	if err := m.store.Set(ctx, rec.Key, rec); err != nil {
		return BackupRecord{}, err
	}
	ring = append([]ringKey{{key: rec.Key, ms: ms}}, ring...)
	for _, old := range ringTail(ring, m.ringSize) {
		if err := m.store.Delete(ctx, old.key); err != nil {
			m.log.Warn(ctx, "backup eviction failed", logging.String("key", old.key), logging.Err(err))
		}
	}
	m.observe("backup")
	m.log.Debug(ctx, "backup created", logging.String("key", rec.Key), logging.String("reason", reason))
	return rec, nil
}

func ringTail(ring []ringKey, k int) []ringKey {
	if len(ring) <= k {
		return nil
	}
	return ring[k:]
}

// Backup writes a backup of the target and records it in its history.
func (m *Manager) Backup(ctx context.Context, t Target, reason string) (BackupRecord, error) {
	rec, err := m.CreateBackup(ctx, t.Snapshot(), reason)
	if err != nil {
		return BackupRecord{}, err
	}
	t.RecordSystem(history.BackupCreated, "backup created: "+reason, map[string]any{"key": rec.Key, "reason": reason})
	return rec, nil
}

// Backups lists the readable backups of an assembly, newest first.
func (m *Manager) Backups(ctx context.Context, id string) ([]BackupRecord, error) {
	ring, err := m.ringKeys(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]BackupRecord, 0, len(ring))
	for _, rk := range ring {
		var rec BackupRecord
		if err := m.store.Get(ctx, rk.key, &rec); err != nil {
			m.log.Warn(ctx, "unreadable backup skipped", logging.String("key", rk.key), logging.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ClearBackups deletes every backup of id. When t is non-nil a
// backups_cleared entry is appended to its history.
func (m *Manager) ClearBackups(ctx context.Context, id string, t Target) (int, error) {
	ring, err := m.ringKeys(ctx, id)
	if err != nil {
		return 0, err
	}
	for _, rk := range ring {
		if err := m.store.Delete(ctx, rk.key); err != nil {
			return 0, err
		}
	}
	if t != nil {
		t.RecordSystem(history.BackupsCleared, "backups cleared", map[string]any{"count": len(ring)})
	}
	return len(ring), nil
}

//
// ---------- save pipeline ----------
//

// SaveResult reports a save. On failure Restore, when set, rebuilds the
// newest readable backup into the target.
type SaveResult struct {
	Success bool
	Key     string
	Backup  *BackupRecord
	Reason  string
	Err     error
	Restore func(ctx context.Context) error
}

// Save snapshots the target, updates the backup ring and writes the
// primary record.
func (m *Manager) Save(ctx context.Context, t Target) SaveResult {
	snap := t.Snapshot()
	res := SaveResult{Key: AssemblyKey(snap.ID)}

	rec, berr := m.CreateBackup(ctx, snap, ReasonPreSave)
	if berr == nil {
		res.Backup = &rec
		t.RecordSystem(history.BackupCreated, "backup created: "+ReasonPreSave, map[string]any{"key": rec.Key, "reason": ReasonPreSave})
	} else {
		m.log.Warn(ctx, "pre-save backup failed", logging.String("assemblyId", snap.ID), logging.Err(berr))
	}

	err := m.store.Set(ctx, res.Key, snap)
	if err == nil {
		res.Success = true
		return res
	}

	res.Err = err
	m.observe("save_failed")
	m.log.Error(ctx, "save failed", logging.String("assemblyId", snap.ID), logging.Err(err))
	backups, lerr := m.Backups(ctx, snap.ID)
	if lerr != nil || len(backups) == 0 {
		return res
	}
	latest := backups[0]
	res.Reason = ReasonSaveFailedBackupAvailable
	res.Restore = func(ctx context.Context) error {
		return t.Restore(latest.Payload)
	}
	return res
}

//
// ---------- load pipeline ----------
//

// LoadResult is a reconstructed snapshot plus how it was obtained.
type LoadResult struct {
	Snapshot  model.AssemblySnapshot
	Recovered bool
	Strategy  string
	Key       string
	Repairs   []string
}

// Load reads the primary record and falls back to the backup ring,
// newest first.
func (m *Manager) Load(ctx context.Context, id string) (LoadResult, error) {
	key := AssemblyKey(id)
	raw, err := m.store.KV().Get(ctx, key)
	primaryMissing := errors.Is(err, storage.ErrNotFound)
	if err == nil {
		snap, derr := m.decode(raw, false)
		if derr == nil {
			if cerr := CheckSnapshot(&snap); cerr == nil {
				return LoadResult{Snapshot: snap, Key: key}, nil
			}
			fixes := Repair(&snap)
			if CheckSnapshot(&snap) == nil {
				MarkRecovered(&snap)
				m.observe("recovered")
				m.log.Warn(ctx, "primary record repaired", logging.String("assemblyId", id), logging.Int("fixes", len(fixes)))
				return LoadResult{Snapshot: snap, Recovered: true, Strategy: StrategyPrimaryRepaired, Key: key, Repairs: fixes}, nil
			}
		}
		m.log.Warn(ctx, "primary record unusable, trying backups", logging.String("assemblyId", id), logging.Err(derr))
	} else if !primaryMissing {
		m.log.Warn(ctx, "primary read failed, trying backups", logging.String("assemblyId", id), logging.Err(err))
	}

	ring, rerr := m.ringKeys(ctx, id)
	if rerr != nil {
		return LoadResult{}, fmt.Errorf("%w: %v", ErrUnrecoverable, rerr)
	}
	if primaryMissing && len(ring) == 0 {
		return LoadResult{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	for _, rk := range ring {
		raw, err := m.store.KV().Get(ctx, rk.key)
		if err != nil {
			continue
		}
		snap, err := m.decode(raw, true)
		if err != nil {
			m.log.Warn(ctx, "backup unusable", logging.String("key", rk.key), logging.Err(err))
			continue
		}
		fixes := Repair(&snap)
		if snap.ID == "" {
			snap.ID = id
		}
		if CheckSnapshot(&snap) != nil {
			continue
		}
		MarkRecovered(&snap)
		m.observe("recovered")
		m.log.Warn(ctx, "assembly recovered from backup", logging.String("assemblyId", id), logging.String("key", rk.key))
		return LoadResult{Snapshot: snap, Recovered: true, Strategy: strategyBackupPrefix + rk.key, Key: rk.key, Repairs: fixes}, nil
	}
	m.observe("unrecoverable")
	return LoadResult{}, fmt.Errorf("%w: %q", ErrUnrecoverable, id)
}

// decode parses raw bytes, coerces dictionary-shaped pieces, sanitizes and
// decodes into a snapshot. Backups carry the snapshot under payload.
func (m *Manager) decode(raw []byte, backup bool) (model.AssemblySnapshot, error) {
	var snap model.AssemblySnapshot
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return snap, fmt.Errorf("%w: %v", serializer.ErrSerialization, err)
	}
	root, ok := tree.(map[string]any)
	if !ok {
		return snap, fmt.Errorf("%w: record is not an object", serializer.ErrSerialization)
	}
	if backup {
		if root, ok = root["payload"].(map[string]any); !ok {
			return snap, fmt.Errorf("%w: backup without payload", serializer.ErrSerialization)
		}
	}
	coercePieces(root)
	clean, err := m.store.Sanitizer().Sanitize(root)
	if err != nil {
		return snap, err
	}
	if err := serializer.Convert(clean, &snap); err != nil {
		return snap, err
	}
	for i := range snap.Pieces {
		p := model.RestorePiece(snap.Pieces[i])
		snap.Pieces[i] = model.SnapshotPiece(p)
	}
	return snap, nil
}

//
// ---------- risky operations ----------
//

// PerformResult reports a risky operation.
type PerformResult struct {
	Success   bool
	Result    any
	Err       error
	Recovered bool
	Backup    *BackupRecord
}

// Perform backs up the target, runs op and restores the captured state if
// op fails or panics.
func (m *Manager) Perform(ctx context.Context, t Target, reason string, op func(ctx context.Context) (any, error)) (res PerformResult) {
	captured := t.Snapshot()
	if rec, err := m.CreateBackup(ctx, captured, reason); err == nil {
		res.Backup = &rec
		t.RecordSystem(history.BackupCreated, "backup created: "+reason, map[string]any{"key": rec.Key, "reason": reason})
		// The backup entry is part of the state to restore to.
		captured = t.Snapshot()
	} else {
		m.log.Warn(ctx, "risky operation backup failed", logging.String("reason", reason), logging.Err(err))
	}

	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("risky operation %q panicked: %v", reason, p)
		}
		if res.Err == nil {
			res.Success = true
			return
		}
		if err := t.Restore(captured); err != nil {
			m.log.Error(ctx, "rollback failed", logging.String("reason", reason), logging.Err(err))
			return
		}
		res.Recovered = true
		m.observe("risky_rollback")
		m.log.Warn(ctx, "risky operation rolled back", logging.String("reason", reason), logging.Err(res.Err))
	}()
	res.Result, res.Err = op(ctx)
	return res
}
