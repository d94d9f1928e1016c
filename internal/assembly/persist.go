package assembly

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/stitchworks/crochet3d/internal/history"
	"github.com/stitchworks/crochet3d/internal/logging"
	"github.com/stitchworks/crochet3d/internal/recovery"
	"github.com/stitchworks/crochet3d/internal/tier"
)

// Save persists the assembly through the recovery pipeline: a pre-save
// backup followed by the primary write. The project counts against the
// tier's save quota from the first attempt on.
func (a *Assembly) Save(ctx context.Context) (recovery.SaveResult, error) {
	start := time.Now()
	id := a.ID()
	ctx, span := startSpan(ctx, "assembly.Save", id)
	defer span.End()

	if a.recovery == nil {
		return recovery.SaveResult{}, ErrNoPersistence
	}
	if d := a.guard.CanPerform(tier.OpSave, 1, a.Counts()); !d.Allowed {
		err := refusal("Save", id, d)
		a.observe("Save", err, start)
		return recovery.SaveResult{}, err
	}
	a.guard.RecordSave(id)

	res := a.recovery.Save(ctx, a)
	if !res.Success {
		kind := KindOf(res.Err)
		if kind == "" {
			kind = KindSerialization
		}
		err := opErr("Save", kind, id, res.Err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("reason", res.Reason))
		a.observe("Save", err, start)
		return res, err
	}
	a.log.Info(ctx, "assembly saved", logging.String("key", res.Key))
	a.observe("Save", nil, start)
	return res, nil
}

// Load replaces the content with the stored assembly id. When the primary
// record is damaged the newest usable backup is loaded instead, the
// assembly is marked recovered and a recovered entry names the strategy.
func (a *Assembly) Load(ctx context.Context, id string) (recovery.LoadResult, error) {
	start := time.Now()
	ctx, span := startSpan(ctx, "assembly.Load", id)
	defer span.End()

	if a.recovery == nil {
		return recovery.LoadResult{}, ErrNoPersistence
	}
	res, err := a.recovery.Load(ctx, id)
	if err != nil {
		kind := KindOf(err)
		if kind != KindNotFound {
			kind = KindUnrecoverable
		}
		oe := opErr("Load", kind, id, err)
		span.SetStatus(codes.Error, oe.Error())
		a.observe("Load", oe, start)
		return res, oe
	}
	if err := a.Restore(res.Snapshot); err != nil {
		oe := opErr("Load", KindUnrecoverable, id, err)
		a.observe("Load", oe, start)
		return res, oe
	}
	if res.Recovered {
		a.mu.Lock()
		a.recovered = true
		a.mu.Unlock()
		a.RecordSystem(history.Recovered, "recovered via "+res.Strategy,
			map[string]any{"strategy": res.Strategy, "key": res.Key})
		span.SetAttributes(attribute.String("strategy", res.Strategy))
		a.log.Warn(ctx, "assembly recovered", logging.String("strategy", res.Strategy), logging.Int("repairs", len(res.Repairs)))
	}
	a.observe("Load", nil, start)
	return res, nil
}

// Perform runs a risky operation after taking a backup. If op fails or
// panics, the assembly is put back to the state captured before it ran.
func (a *Assembly) Perform(ctx context.Context, reason string, op func(ctx context.Context) (any, error)) recovery.PerformResult {
	if a.recovery == nil {
		return recovery.PerformResult{Err: ErrNoPersistence}
	}
	ctx, span := startSpan(ctx, "assembly.Perform", reason)
	defer span.End()
	res := a.recovery.Perform(ctx, a, reason, op)
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

// Backup writes a manual backup to the ring.
func (a *Assembly) Backup(ctx context.Context, reason string) (recovery.BackupRecord, error) {
	if a.recovery == nil {
		return recovery.BackupRecord{}, ErrNoPersistence
	}
	if reason == "" {
		reason = recovery.ReasonManual
	}
	return a.recovery.Backup(ctx, a, reason)
}

// Backups lists the stored backups, newest first.
func (a *Assembly) Backups(ctx context.Context) ([]recovery.BackupRecord, error) {
	if a.recovery == nil {
		return nil, ErrNoPersistence
	}
	return a.recovery.Backups(ctx, a.ID())
}

// ClearBackups deletes every backup of this assembly.
func (a *Assembly) ClearBackups(ctx context.Context) (int, error) {
	if a.recovery == nil {
		return 0, ErrNoPersistence
	}
	return a.recovery.ClearBackups(ctx, a.ID(), a)
}
