package assembly

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stitchworks/crochet3d/core"
	"github.com/stitchworks/crochet3d/internal/recovery"
	"github.com/stitchworks/crochet3d/internal/serializer"
	"github.com/stitchworks/crochet3d/internal/tier"
	"github.com/stitchworks/crochet3d/kb"
)

// Kind classifies a refused guarded operation.
type Kind string

const (
	KindInvalidType   Kind = "InvalidType"
	KindNotFound      Kind = "NotFound"
	KindLocked        Kind = "Locked"
	KindSelfConnect   Kind = "SelfConnect"
	KindOccupied      Kind = "Occupied"
	KindIncompatible  Kind = "Incompatible"
	KindTierLimit     Kind = "TierLimit"
	KindPayRequired   Kind = "PayRequired"
	KindSerialization Kind = "SerializationError"
	KindStorageFull   Kind = "StorageFull"
	KindUnrecoverable Kind = "Unrecoverable"
)

// Sentinel errors, one per kind. Errors from the stores underneath are
// re-exported so callers can depend on assembly.* alone.
var (
	ErrInvalidType   = errors.New("invalid value")
	ErrNotFound      = errors.New("not found")
	ErrLocked        = errors.New("piece is locked")
	ErrSelfConnect   = core.ErrSelfConnection
	ErrOccupied      = core.ErrPointOccupied
	ErrIncompatible  = errors.New("points are not compatible")
	ErrTierLimit     = tier.ErrTierLimit
	ErrPayRequired   = tier.ErrPayRequired
	ErrSerialization = serializer.ErrSerialization
	ErrStorageFull   = serializer.ErrStorageFull
	ErrUnrecoverable = recovery.ErrUnrecoverable

	// ErrNothingToUndo is returned by Undo and Redo when the cursor cannot
	// move or the entry carries no inverse.
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
	// ErrNoPersistence is returned by Save and Load on an assembly built
	// without a recovery manager.
	ErrNoPersistence = errors.New("assembly has no persistence configured")
)

var kindSentinels = []struct {
	kind Kind
	err  error
}{
	{KindInvalidType, ErrInvalidType},
	{KindNotFound, ErrNotFound},
	{KindLocked, ErrLocked},
	{KindSelfConnect, ErrSelfConnect},
	{KindOccupied, ErrOccupied},
	{KindIncompatible, ErrIncompatible},
	{KindTierLimit, ErrTierLimit},
	{KindPayRequired, ErrPayRequired},
	{KindSerialization, ErrSerialization},
	{KindStorageFull, ErrStorageFull},
	{KindUnrecoverable, ErrUnrecoverable},
}

// Sentinel returns the error a kind unwraps to.
func (k Kind) Sentinel() error {
	for _, ks := range kindSentinels {
		if ks.kind == k {
			return ks.err
		}
	}
	return nil
}

// OpError is returned by every refused guarded operation.
type OpError struct {
	Kind Kind
	Op   string
	// Ref is the id the operation was refused for, when there is one.
	Ref string
	Err error
	// UpgradePrompt is set by the tier guard on TierLimit refusals.
	UpgradePrompt *tier.UpgradePrompt
	// Cost is the pay-per-use price of a PayRequired refusal.
	Cost decimal.Decimal
}

func (e *OpError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Ref, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes the kind sentinel to errors.Is.
func (e *OpError) Unwrap() error { return e.Err }

// Is matches any OpError of the same kind when the target is an OpError.
func (e *OpError) Is(target error) bool {
	t, ok := target.(*OpError)
	return ok && t.Kind == e.Kind && t.Op == ""
}

func opErr(op string, kind Kind, ref string, err error) *OpError {
	sentinel := kind.Sentinel()
	switch {
	case err == nil:
		err = sentinel
	case sentinel != nil && !errors.Is(err, sentinel):
		err = fmt.Errorf("%w: %v", sentinel, err)
	}
	return &OpError{Kind: kind, Op: op, Ref: ref, Err: err}
}

// KindOf classifies err. Errors that match no kind report "".
func KindOf(err error) Kind {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	switch {
	case errors.Is(err, kb.ErrPieceNotFound), errors.Is(err, kb.ErrGroupNotFound),
		errors.Is(err, core.ErrConnectionNotFound), errors.Is(err, core.ErrPointNotFound),
		errors.Is(err, recovery.ErrNotFound), errors.Is(err, serializer.ErrNotFound):
		return KindNotFound
	case errors.Is(err, kb.ErrPieceExists), errors.Is(err, kb.ErrPieceBadInput),
		errors.Is(err, kb.ErrGroupExists), errors.Is(err, kb.ErrAlreadyGrouped):
		return KindInvalidType
	}
	for _, ks := range kindSentinels {
		if errors.Is(err, ks.err) {
			return ks.kind
		}
	}
	return ""
}

// InvariantError reports a broken structural invariant. It is raised with
// panic because it means the engine itself is wrong.
type InvariantError struct {
	Op   string
	Rule string
	Err  error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s violated after %s: %v", e.Rule, e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }
