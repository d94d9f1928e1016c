// Package history keeps the append-only timeline of assembly actions with
// sessions, milestones, bookmarks and an undo/redo cursor.
package history

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

// EntryType names an action kind.
type EntryType string

const (
	AddPiece       EntryType = "add_piece"
	RemovePiece    EntryType = "remove_piece"
	MovePiece      EntryType = "move_piece"
	Connect        EntryType = "connect"
	Disconnect     EntryType = "disconnect"
	ModifyPiece    EntryType = "modify_piece"
	Batch          EntryType = "batch"
	LockPiece      EntryType = "lock_piece"
	UnlockPiece    EntryType = "unlock_piece"
	GroupPieces    EntryType = "group_pieces"
	UngroupPieces  EntryType = "ungroup_pieces"
	BackupCreated  EntryType = "backup_created"
	BackupsCleared EntryType = "backups_cleared"
	Recovered      EntryType = "recovered"
)

// Undoable reports whether entries of this type are user mutations that
// the cursor can step over. System entries (backups, recovery) are not.
func (t EntryType) Undoable() bool {
	switch t {
	case BackupCreated, BackupsCleared, Recovered:
		return false
	}
	return true
}

// Status of an entry relative to the cursor.
type Status int

const (
	Applied Status = iota
	// Undone entries form the redoable future.
	Undone
	// Abandoned entries were future when a new action was committed with
	// PreserveFuture; they stay visible but can no longer be redone.
	Abandoned
)

const abandonedTag = "abandoned"

var (
	ErrEntryNotFound = errors.New("history entry not found")
	ErrEmptyType     = errors.New("history entry type is required")
)

// Entry is one timeline record.
type Entry struct {
	ID          uint64
	Type        EntryType
	Description string
	Timestamp   time.Time
	SessionID   string
	Data        map[string]any
	Tags        []string
	Duration    time.Duration
	// Children are the ordered sub-actions of a batch entry.
	Children []Entry
	Status   Status
}

// Session is a run of entries without an idle gap.
type Session struct {
	ID    string
	Start time.Time
	End   time.Time
	Count int
}

// Milestone marks a total-entry threshold.
type Milestone struct {
	Name      string
	Threshold int
	EntryID   uint64
	Timestamp time.Time
}

// Group is a view over consecutive entries of the same type.
type Group struct {
	Type     EntryType
	Count    int
	First    time.Time
	Last     time.Time
	EntryIDs []uint64
}

// Span is the time covered by the group.
func (g Group) Span() time.Duration { return g.Last.Sub(g.First) }

// Filter selects entries.
type Filter struct {
	Query          string
	BookmarkedOnly bool
	Types          []EntryType
}

// Stats summarises the timeline.
type Stats struct {
	Total      int
	ByType     map[EntryType]int
	Sessions   int
	Milestones int
	Bookmarks  int
	Undoable   int
	Redoable   int
}

const (
	DefaultGroupWindow = time.Second
	DefaultIdleGap     = 30 * time.Minute
)

// DefaultMilestones are the total-entry thresholds that emit a milestone.
var DefaultMilestones = []int{10, 50, 100, 250, 500}

// Timeline is the append-only log.
type Timeline struct {
	mu          sync.RWMutex
	clock       timectrl.Clock
	entries     []Entry
	nextID      uint64
	lastTime    time.Time
	sessions    []Session
	bookmarks   map[uint64]struct{}
	milestones  []Milestone
	thresholds  []int
	appended    int
	groupWindow time.Duration
	idleGap     time.Duration
	onMilestone func(Milestone)
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithClock sets the timestamp source.
func WithClock(c timectrl.Clock) Option {
	return func(t *Timeline) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithGroupWindow overrides DefaultGroupWindow.
func WithGroupWindow(d time.Duration) Option {
	return func(t *Timeline) { t.groupWindow = d }
}

// WithIdleGap overrides DefaultIdleGap.
func WithIdleGap(d time.Duration) Option {
	return func(t *Timeline) { t.idleGap = d }
}

// WithMilestones overrides DefaultMilestones.
func WithMilestones(thresholds ...int) Option {
	return func(t *Timeline) {
		t.thresholds = append([]int(nil), thresholds...)
		sort.Ints(t.thresholds)
	}
}

// OnMilestone registers a callback invoked outside the lock when a
// milestone is reached.
func OnMilestone(fn func(Milestone)) Option {
	return func(t *Timeline) { t.onMilestone = fn }
}

// New returns a timeline with a fresh session.
func New(opts ...Option) *Timeline {
	t := &Timeline{
		clock:       timectrl.SystemClock{},
		nextID:      1,
		bookmarks:   make(map[uint64]struct{}),
		thresholds:  append([]int(nil), DefaultMilestones...),
		groupWindow: DefaultGroupWindow,
		idleGap:     DefaultIdleGap,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.startSessionLocked(t.clock.Now())
	return t
}

func (t *Timeline) startSessionLocked(at time.Time) {
	t.sessions = append(t.sessions, Session{ID: uuid.NewString(), Start: at, End: at})
}

// StartSession begins a new session explicitly.
func (t *Timeline) StartSession() Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startSessionLocked(t.nowLocked())
	return t.sessions[len(t.sessions)-1]
}

// CurrentSession returns the active session.
func (t *Timeline) CurrentSession() Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessions[len(t.sessions)-1]
}

// Sessions lists all sessions in order.
func (t *Timeline) Sessions() []Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Session(nil), t.sessions...)
}

// nowLocked returns a timestamp that never goes backwards.
func (t *Timeline) nowLocked() time.Time {
	now := t.clock.Now()
	if now.Before(t.lastTime) {
		now = t.lastTime
	}
	return now
}

// AppendOption tunes Append.
type AppendOption func(*appendConfig)

type appendConfig struct {
	preserveFuture bool
}

// PreserveFuture keeps redoable entries as abandoned records instead of
// truncating them.
func PreserveFuture() AppendOption {
	return func(c *appendConfig) { c.preserveFuture = true }
}

// Append records e and returns the stored entry along with the ids of
// future entries that were truncated or abandoned.
func (t *Timeline) Append(e Entry, opts ...AppendOption) (Entry, []uint64, error) {
	if e.Type == "" {
		return Entry{}, nil, ErrEmptyType
	}
	var cfg appendConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	t.mu.Lock()
	now := t.nowLocked()
	cur := &t.sessions[len(t.sessions)-1]
	if cur.Count > 0 && now.Sub(cur.End) > t.idleGap {
		t.startSessionLocked(now)
		cur = &t.sessions[len(t.sessions)-1]
	}

	var dropped []uint64
	if e.Type.Undoable() {
		dropped = t.dropFutureLocked(cfg.preserveFuture)
	}

	e.ID = t.nextID
	t.nextID++
	e.Timestamp = now
	e.SessionID = cur.ID
	e.Status = Applied
	e.Data = cloneData(e.Data)
	e.Tags = append([]string(nil), e.Tags...)
	e.Children = cloneChildren(e.Children)
	t.entries = append(t.entries, e)
	t.lastTime = now
	cur.End = now
	cur.Count++
	t.appended++

	var reached []Milestone
	for _, th := range t.thresholds {
		if t.appended == th {
			m := Milestone{Name: fmt.Sprintf("%d actions", th), Threshold: th, EntryID: e.ID, Timestamp: now}
			t.milestones = append(t.milestones, m)
			reached = append(reached, m)
		}
	}
	cb := t.onMilestone
	out := cloneEntry(e)
	t.mu.Unlock()

	if cb != nil {
		for _, m := range reached {
			cb(m)
		}
	}
	return out, dropped, nil
}

func (t *Timeline) dropFutureLocked(preserve bool) []uint64 {
	var dropped []uint64
	kept := t.entries[:0]
	for _, e := range t.entries {
		if e.Status != Undone {
			kept = append(kept, e)
			continue
		}
		dropped = append(dropped, e.ID)
		if preserve {
			e.Status = Abandoned
			e.Tags = append(e.Tags, abandonedTag)
			kept = append(kept, e)
		} else {
			delete(t.bookmarks, e.ID)
		}
	}
	t.entries = kept
	return dropped
}

// PeekUndo returns the entry Undo would step back over.
func (t *Timeline) PeekUndo() (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := t.undoIndexLocked()
	if i < 0 {
		return Entry{}, false
	}
	return cloneEntry(t.entries[i]), true
}

// PeekRedo returns the entry Redo would re-apply.
func (t *Timeline) PeekRedo() (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := t.redoIndexLocked()
	if i < 0 {
		return Entry{}, false
	}
	return cloneEntry(t.entries[i]), true
}

// Undo moves the cursor back over the latest applied user entry.
func (t *Timeline) Undo() (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.undoIndexLocked()
	if i < 0 {
		return Entry{}, false
	}
	t.entries[i].Status = Undone
	return cloneEntry(t.entries[i]), true
}

// Redo moves the cursor forward over the earliest undone entry.
func (t *Timeline) Redo() (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.redoIndexLocked()
	if i < 0 {
		return Entry{}, false
	}
	t.entries[i].Status = Applied
	return cloneEntry(t.entries[i]), true
}

func (t *Timeline) undoIndexLocked() int {
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.Status == Applied && e.Type.Undoable() {
			return i
		}
	}
	return -1
}

func (t *Timeline) redoIndexLocked() int {
	for i, e := range t.entries {
		if e.Status == Undone {
			return i
		}
	}
	return -1
}

// Cursor is the index of the first future entry, or Len() when nothing
// is redoable.
func (t *Timeline) Cursor() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i := t.redoIndexLocked(); i >= 0 {
		return i
	}
	return len(t.entries)
}

// Len is the number of entries in the log.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries returns a copy of the log.
func (t *Timeline) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

// Last returns the newest entry.
func (t *Timeline) Last() (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return cloneEntry(t.entries[len(t.entries)-1]), true
}

// Get returns the entry with id.
func (t *Timeline) Get(id uint64) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i := t.indexLocked(id); i >= 0 {
		return cloneEntry(t.entries[i]), true
	}
	return Entry{}, false
}

func (t *Timeline) indexLocked(id uint64) int {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].ID >= id })
	if i < len(t.entries) && t.entries[i].ID == id {
		return i
	}
	return -1
}

//
// ---------- views ----------
//

// Groups collapses consecutive same-type entries whose gaps are within
// the group window. The log itself is not modified.
func (t *Timeline) Groups() []Group {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Group
	for _, e := range t.entries {
		if n := len(out); n > 0 {
			g := &out[n-1]
			if g.Type == e.Type && e.Timestamp.Sub(g.Last) <= t.groupWindow {
				g.Count++
				g.Last = e.Timestamp
				g.EntryIDs = append(g.EntryIDs, e.ID)
				continue
			}
		}
		out = append(out, Group{Type: e.Type, Count: 1, First: e.Timestamp, Last: e.Timestamp, EntryIDs: []uint64{e.ID}})
	}
	return out
}

// Filter scans the log once.
func (t *Timeline) Filter(f Filter) []Entry {
	q := strings.ToLower(f.Query)
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, e := range t.entries {
		if f.BookmarkedOnly {
			if _, ok := t.bookmarks[e.ID]; !ok {
				continue
			}
		}
		if len(f.Types) > 0 && !hasType(f.Types, e.Type) {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(e.Description), q) {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	return out
}

func hasType(ts []EntryType, t EntryType) bool {
	for _, x := range ts {
		if x == t {
			return true
		}
	}
	return false
}

// Milestones lists reached milestones.
func (t *Timeline) Milestones() []Milestone {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Milestone(nil), t.milestones...)
}

// Bookmark marks an entry.
func (t *Timeline) Bookmark(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.indexLocked(id) < 0 {
		return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
	}
	t.bookmarks[id] = struct{}{}
	return nil
}

// Unbookmark clears a mark.
func (t *Timeline) Unbookmark(id uint64) {
	t.mu.Lock()
	delete(t.bookmarks, id)
	t.mu.Unlock()
}

// IsBookmarked reports whether id is marked.
func (t *Timeline) IsBookmarked(id uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.bookmarks[id]
	return ok
}

// Bookmarks lists marked ids in ascending order.
func (t *Timeline) Bookmarks() []uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint64, 0, len(t.bookmarks))
	for id := range t.bookmarks {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats counts entries per type and other totals.
func (t *Timeline) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := Stats{
		Total:      len(t.entries),
		ByType:     make(map[EntryType]int),
		Sessions:   len(t.sessions),
		Milestones: len(t.milestones),
		Bookmarks:  len(t.bookmarks),
	}
	for _, e := range t.entries {
		s.ByType[e.Type]++
		switch {
		case e.Status == Applied && e.Type.Undoable():
			s.Undoable++
		case e.Status == Undone:
			s.Redoable++
		}
	}
	return s
}

//
// ---------- persistence ----------
//

// Records returns the persisted form of the log. Undone entries are not
// persisted.
func (t *Timeline) Records() []model.HistoryRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.HistoryRecord, 0, len(t.entries))
	for _, e := range t.entries {
		if e.Status == Undone {
			continue
		}
		out = append(out, ToRecord(e))
	}
	return out
}

// BookmarkIDs returns bookmarks as persisted strings.
func (t *Timeline) BookmarkIDs() []string {
	ids := t.Bookmarks()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatUint(id, 10)
	}
	return out
}

// Restore replaces the log with persisted records. Records with
// unparsable ids are skipped; records are re-sorted by id.
func (t *Timeline) Restore(records []model.HistoryRecord, bookmarks []string) {
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		e, ok := FromRecord(r)
		if !ok {
			continue
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = entries
	// Ids and timestamps never move backwards within a process, even when
	// the restored log is shorter than the one it replaces.
	if t.nextID == 0 {
		t.nextID = 1
	}
	for _, e := range entries {
		if e.ID >= t.nextID {
			t.nextID = e.ID + 1
		}
		if e.Timestamp.After(t.lastTime) {
			t.lastTime = e.Timestamp
		}
	}
	t.appended = len(entries)
	t.milestones = nil
	for _, th := range t.thresholds {
		if th > 0 && th <= len(entries) {
			e := entries[th-1]
			t.milestones = append(t.milestones, Milestone{
				Name: fmt.Sprintf("%d actions", th), Threshold: th, EntryID: e.ID, Timestamp: e.Timestamp,
			})
		}
	}
	t.bookmarks = make(map[uint64]struct{})
	for _, s := range bookmarks {
		if id, err := strconv.ParseUint(s, 10, 64); err == nil && t.indexLocked(id) >= 0 {
			t.bookmarks[id] = struct{}{}
		}
	}
}

// ToRecord converts an entry into its persisted form. Batch children are
// stored under data.history.
func ToRecord(e Entry) model.HistoryRecord {
	r := model.HistoryRecord{
		ID:          strconv.FormatUint(e.ID, 10),
		Action:      string(e.Type),
		Description: e.Description,
		Timestamp:   e.Timestamp.UnixMilli(),
		SessionID:   e.SessionID,
		Data:        cloneData(e.Data),
		Tags:        append([]string(nil), e.Tags...),
		Duration:    e.Duration.Milliseconds(),
	}
	if len(e.Children) > 0 {
		if r.Data == nil {
			r.Data = make(map[string]any)
		}
		kids := make([]any, len(e.Children))
		for i, c := range e.Children {
			kids[i] = map[string]any{
				"action":      string(c.Type),
				"description": c.Description,
				"data":        cloneData(c.Data),
			}
		}
		r.Data["history"] = kids
		r.Data["count"] = len(e.Children)
	}
	return r
}

// FromRecord parses a persisted record.
func FromRecord(r model.HistoryRecord) (Entry, bool) {
	id, err := strconv.ParseUint(r.ID, 10, 64)
	if err != nil || r.Action == "" {
		return Entry{}, false
	}
	e := Entry{
		ID:          id,
		Type:        EntryType(r.Action),
		Description: r.Description,
		Timestamp:   time.UnixMilli(r.Timestamp).UTC(),
		SessionID:   r.SessionID,
		Data:        cloneData(r.Data),
		Tags:        append([]string(nil), r.Tags...),
		Duration:    time.Duration(r.Duration) * time.Millisecond,
	}
	for _, tag := range e.Tags {
		if tag == abandonedTag {
			e.Status = Abandoned
		}
	}
	if kids, ok := e.Data["history"].([]any); ok {
		for _, k := range kids {
			m, ok := k.(map[string]any)
			if !ok {
				continue
			}
			c := Entry{ID: id, Timestamp: e.Timestamp, SessionID: e.SessionID}
			c.Type = EntryType(fmt.Sprint(m["action"]))
			if d, ok := m["description"].(string); ok {
				c.Description = d
			}
			if d, ok := m["data"].(map[string]any); ok {
				c.Data = d
			}
			e.Children = append(e.Children, c)
		}
		delete(e.Data, "history")
		delete(e.Data, "count")
		if len(e.Data) == 0 {
			e.Data = nil
		}
	}
	return e, true
}

func cloneEntry(e Entry) Entry {
	e.Data = cloneData(e.Data)
	e.Tags = append([]string(nil), e.Tags...)
	e.Children = cloneChildren(e.Children)
	return e
}

func cloneChildren(in []Entry) []Entry {
	if in == nil {
		return nil
	}
	out := make([]Entry, len(in))
	for i, c := range in {
		out[i] = cloneEntry(c)
	}
	return out
}

func cloneData(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
