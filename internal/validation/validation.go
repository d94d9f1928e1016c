// Package validation runs named rules over an assembly and grades the
// result.
package validation

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/tier"
	"github.com/stitchworks/crochet3d/model"
	"github.com/stitchworks/crochet3d/timectrl"
)

// RuleType groups rules by the context they are fed.
type RuleType string

const (
	TypeConnection RuleType = "connection"
	TypeStructural RuleType = "structural"
	TypePattern    RuleType = "pattern"
	TypeTier       RuleType = "tier"
)

// Severity grades an issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

var (
	ErrUnknownRule     = errors.New("unknown validation rule")
	ErrRuleExists      = errors.New("validation rule already registered")
	ErrInvalidSeverity = errors.New("invalid severity")
)

// ParseSeverity validates a severity token.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityError, SeverityWarning, SeverityInfo:
		return Severity(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, s)
}

// ConnectionCheck is the context of a connection rule: one existing or
// proposed connection with its resolved endpoints. Pieces and points are
// nil when they could not be resolved.
type ConnectionCheck struct {
	Connection model.Connection
	Piece1     *model.PieceSnapshot
	Point1     *model.ConnectionPoint
	Piece2     *model.PieceSnapshot
	Point2     *model.ConnectionPoint
	// Proposed is set for a connection that is not committed yet.
	Proposed bool
}

// Input is what a rule sees. Rules must not modify it.
type Input struct {
	Assembly *model.AssemblySnapshot
	Tier     tier.Tier
	// AllowFloating is set after an explicit disconnect, which makes a
	// disconnected graph acceptable.
	AllowFloating bool
	Connection    *ConnectionCheck
}

// Finding is a single failed check reported by a rule.
type Finding struct {
	Message      string
	PieceID      string
	ConnectionID string
}

// Rule is a named check.
type Rule struct {
	Name        string
	Type        RuleType
	Severity    Severity
	Enabled     bool
	Description string
	Check       func(in Input) []Finding
}

// Issue is a finding graded by its rule.
type Issue struct {
	Rule         string   `json:"rule"`
	Type         RuleType `json:"type"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	PieceID      string   `json:"pieceId,omitempty"`
	ConnectionID string   `json:"connectionId,omitempty"`
}

// Result is the graded report of validateAssembly.
type Result struct {
	Valid     bool      `json:"valid"`
	Score     int       `json:"score"`
	Errors    []Issue   `json:"errors"`
	Warnings  []Issue   `json:"warnings"`
	Info      []Issue   `json:"info"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// Issues returns every issue, errors first.
func (r Result) Issues() []Issue {
	out := make([]Issue, 0, len(r.Errors)+len(r.Warnings)+len(r.Info))
	out = append(out, r.Errors...)
	out = append(out, r.Warnings...)
	return append(out, r.Info...)
}

// Score grades counts of issues.
func Score(errors, warnings, info int) int {
	s := 100 - 20*errors - 5*warnings - info
	if s < 0 {
		return 0
	}
	return s
}

// DefaultCacheTTL bounds how long a result is reused.
const DefaultCacheTTL = 5 * time.Second

type cacheKey struct {
	assemblyID string
	revision   uint64
	tier       tier.Tier
	floating   bool
}

type cacheEntry struct {
	result Result
	at     time.Time
}

// Engine is the rule registry.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]*Rule
	order []string
	cache map[cacheKey]cacheEntry
	ttl   time.Duration
	clock timectrl.Clock
	log   logging.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for timestamps and cache expiry.
func WithClock(c timectrl.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithCacheTTL overrides DefaultCacheTTL; zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(e *Engine) { e.ttl = d }
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithoutBuiltins starts from an empty registry.
func WithoutBuiltins() Option {
	return func(e *Engine) {
		e.rules = make(map[string]*Rule)
		e.order = nil
	}
}

// New returns an engine with the built-in rules registered.
func New(opts ...Option) *Engine {
	e := &Engine{
		rules: make(map[string]*Rule),
		cache: make(map[cacheKey]cacheEntry),
		ttl:   DefaultCacheTTL,
		clock: timectrl.SystemClock{},
		log:   logging.Noop(),
	}
	for _, r := range Builtins() {
		r := r
		e.rules[r.Name] = &r
		e.order = append(e.order, r.Name)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a rule.
func (e *Engine) Register(r Rule) error {
	if r.Name == "" || r.Check == nil {
		return fmt.Errorf("%w: rule needs a name and a check", ErrUnknownRule)
	}
	if _, err := ParseSeverity(string(r.Severity)); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[r.Name]; ok {
		return fmt.Errorf("%w: %q", ErrRuleExists, r.Name)
	}
	e.rules[r.Name] = &r
	e.order = append(e.order, r.Name)
	e.clearCacheLocked()
	return nil
}

// Configure sets a rule's enabled flag and severity. An empty severity
// keeps the current one.
func (e *Engine) Configure(name string, enabled bool, severity Severity) error {
	if severity != "" {
		if _, err := ParseSeverity(string(severity)); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRule, name)
	}
	r.Enabled = enabled
	if severity != "" {
		r.Severity = severity
	}
	e.clearCacheLocked()
	return nil
}

// SetEnabled toggles a rule.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	return e.Configure(name, enabled, "")
}

// Rule returns a copy of a registered rule.
func (e *Engine) Rule(name string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[name]
	if !ok {
		return Rule{}, false
	}
	return *r, true
}

// Rules lists registered rules in registration order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.order))
	for _, n := range e.order {
		out = append(out, *e.rules[n])
	}
	return out
}

// ClearCache forgets every cached result.
func (e *Engine) ClearCache() {
	e.mu.Lock()
	e.clearCacheLocked()
	e.mu.Unlock()
}

func (e *Engine) clearCacheLocked() {
	e.cache = make(map[cacheKey]cacheEntry)
}

func (e *Engine) enabledLocked(t RuleType) []*Rule {
	var out []*Rule
	for _, n := range e.order {
		r := e.rules[n]
		if r.Enabled && r.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// ValidateAssembly runs every enabled rule. Results are cached per
// (assembly id, revision, tier) for the cache TTL.
func (e *Engine) ValidateAssembly(in Input) Result {
	now := e.clock.Now()
	key := cacheKey{tier: in.Tier, floating: in.AllowFloating}
	if in.Assembly != nil {
		key.assemblyID = in.Assembly.ID
		key.revision = in.Assembly.Revision
	}

	e.mu.RLock()
	if e.ttl > 0 {
		if c, ok := e.cache[key]; ok && now.Sub(c.at) < e.ttl {
			e.mu.RUnlock()
			return c.result
		}
	}
	var issues []Issue
	for _, t := range []RuleType{TypeConnection, TypeStructural, TypePattern, TypeTier} {
		for _, r := range e.enabledLocked(t) {
			if t == TypeConnection {
				for _, cc := range connectionChecks(in.Assembly) {
					sub := in
					sub.Connection = &cc
					issues = append(issues, grade(r, r.Check(sub))...)
				}
				continue
			}
			issues = append(issues, grade(r, r.Check(in))...)
		}
	}
	e.mu.RUnlock()

	res := buildResult(issues, now)
	if e.ttl > 0 {
		e.mu.Lock()
		e.pruneLocked(now)
		e.cache[key] = cacheEntry{result: res, at: now}
		e.mu.Unlock()
	}
	return res
}

func (e *Engine) pruneLocked(now time.Time) {
	for k, c := range e.cache {
		if now.Sub(c.at) >= e.ttl {
			delete(e.cache, k)
		}
	}
}

// ValidateConnection runs the enabled connection rules against a proposed
// connection and returns its issues. It is not cached.
func (e *Engine) ValidateConnection(in Input, cc ConnectionCheck) []Issue {
	cc.Proposed = true
	in.Connection = &cc
	e.mu.RLock()
	defer e.mu.RUnlock()
	var issues []Issue
	for _, r := range e.enabledLocked(TypeConnection) {
		issues = append(issues, grade(r, r.Check(in))...)
	}
	return issues
}

func grade(r *Rule, fs []Finding) []Issue {
	out := make([]Issue, 0, len(fs))
	for _, f := range fs {
		out = append(out, Issue{
			Rule:         r.Name,
			Type:         r.Type,
			Severity:     r.Severity,
			Message:      f.Message,
			PieceID:      f.PieceID,
			ConnectionID: f.ConnectionID,
		})
	}
	return out
}

func buildResult(issues []Issue, now time.Time) Result {
	res := Result{Errors: []Issue{}, Warnings: []Issue{}, Info: []Issue{}, Timestamp: now}
	for _, is := range issues {
		switch is.Severity {
		case SeverityError:
			res.Errors = append(res.Errors, is)
		case SeverityWarning:
			res.Warnings = append(res.Warnings, is)
		default:
			res.Info = append(res.Info, is)
		}
	}
	res.Valid = len(res.Errors) == 0
	res.Score = Score(len(res.Errors), len(res.Warnings), len(res.Info))
	res.Summary = fmt.Sprintf("%d errors, %d warnings, %d info (score %d)",
		len(res.Errors), len(res.Warnings), len(res.Info), res.Score)
	return res
}

// connectionChecks resolves every stored connection of the assembly.
func connectionChecks(a *model.AssemblySnapshot) []ConnectionCheck {
	if a == nil {
		return nil
	}
	idx := a.PieceIndex()
	out := make([]ConnectionCheck, 0, len(a.Connections))
	for _, c := range a.Connections {
		cc := ConnectionCheck{Connection: c}
		cc.Piece1, cc.Point1 = resolve(idx, c.Piece1ID, c.Point1ID)
		cc.Piece2, cc.Point2 = resolve(idx, c.Piece2ID, c.Point2ID)
		out = append(out, cc)
	}
	return out
}

func resolve(idx map[string]*model.PieceSnapshot, pieceID, pointID string) (*model.PieceSnapshot, *model.ConnectionPoint) {
	p, ok := idx[pieceID]
	if !ok {
		return nil, nil
	}
	for i := range p.ConnectionPoints {
		pt := &p.ConnectionPoints[i]
		if pt.ID == pointID || pt.Name == pointID {
			return p, pt
		}
	}
	return p, nil
}

// ResolveConnection builds a ConnectionCheck for a proposed connection.
func ResolveConnection(a *model.AssemblySnapshot, c model.Connection) ConnectionCheck {
	cc := ConnectionCheck{Connection: c, Proposed: true}
	if a == nil {
		return cc
	}
	idx := a.PieceIndex()
	cc.Piece1, cc.Point1 = resolve(idx, c.Piece1ID, c.Point1ID)
	cc.Piece2, cc.Point2 = resolve(idx, c.Piece2ID, c.Point2ID)
	return cc
}

func sortedKeys(m map[string][]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
