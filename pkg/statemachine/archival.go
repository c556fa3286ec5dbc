package statemachine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fluxorio/fluxor/pkg/core"
	"github.com/fluxorio/fluxor/pkg/core/concurrency"
	"github.com/fluxorio/fluxor/pkg/db"
)

// ArchivalQueue moves completed machines' final context from the live
// state table into a history table via a bounded worker pool, retrying
// transient failures with exponential backoff before escalating to a
// FatalHandler (spec.md §4.6 "History Archival").
//
// Grounded on pkg/core/concurrency's WorkerPool (Submit/Task, same
// bounded-queue-plus-goroutines shape as the teacher's worker pool) and
// pkg/db.Pool's Begin/BeginTx for the atomic insert+delete move.
type ArchivalQueue struct {
	pool    *db.Pool
	workers concurrency.WorkerPool
	cfg     RuntimeConfig
	logger  core.Logger
	fatal   FatalHandler
}

// FatalHandler is invoked when an archival move exhausts its retry
// budget. The default implementation logs at error level and terminates
// the process with a non-zero exit (spec.md §4.6 "initiate registry
// shutdown, terminate the process with non-zero exit" / S6); callers
// that want a graceful drain or paging instead of an immediate exit can
// supply their own via WithFatalHandler.
type FatalHandler func(ctx context.Context, def *MachineDefinition, pc *PersistentContext, err error)

// ArchivalOption configures optional ArchivalQueue behavior.
type ArchivalOption func(*ArchivalQueue)

// WithFatalHandler overrides the default fatal handler, which logs and
// calls os.Exit(1).
func WithFatalHandler(h FatalHandler) ArchivalOption {
	return func(a *ArchivalQueue) { a.fatal = h }
}

// WithArchivalLogger attaches a core.Logger for progress and failures.
func WithArchivalLogger(l core.Logger) ArchivalOption {
	return func(a *ArchivalQueue) { a.logger = l }
}

// NewArchivalQueue builds an ArchivalQueue backed by pool, sized per cfg.
func NewArchivalQueue(ctx context.Context, pool *db.Pool, cfg RuntimeConfig, opts ...ArchivalOption) *ArchivalQueue {
	a := &ArchivalQueue{
		pool: pool,
		cfg:  cfg,
		workers: concurrency.NewWorkerPool(ctx, concurrency.WorkerPoolConfig{
			Workers:   cfg.ArchivalWorkers,
			QueueSize: cfg.ArchivalQueueSize,
		}),
		logger: core.NewDefaultLogger(),
	}
	a.fatal = a.exitFatal
	for _, opt := range opts {
		opt(a)
	}
	_ = a.workers.Start()
	return a
}

// exitFatal is the default FatalHandler: log the irrecoverable failure,
// then terminate the process. os.Exit skips deferred Stop/Close calls,
// but an archival move that has exhausted its retries has already left
// the machine's history inconsistent, so a caller that wants a clean
// shutdown instead must supply its own handler via WithFatalHandler
// (see cmd/callrouter for the log.Fatalf-based example).
func (a *ArchivalQueue) exitFatal(_ context.Context, def *MachineDefinition, pc *PersistentContext, err error) {
	a.logger.WithFields(map[string]interface{}{
		"machineId":  pc.MachineID,
		"definition": def.ID,
	}).Errorf("archival exhausted retries: %v", err)
	os.Exit(1)
}

// Enqueue submits pc's final context for archival. Enqueue itself never
// blocks the caller's dispatcher goroutine beyond the worker pool's
// non-blocking Submit (spec.md §4.6 "archival never blocks the kernel").
func (a *ArchivalQueue) Enqueue(ctx context.Context, def *MachineDefinition, pc *PersistentContext) error {
	task := concurrency.NewNamedTask("archive:"+pc.MachineID, func(taskCtx context.Context) error {
		return a.moveWithRetry(taskCtx, def, pc)
	})
	if err := a.workers.Submit(task); err != nil {
		return newError(ErrArchivalFailure, pc.MachineID, err)
	}
	return nil
}

func (a *ArchivalQueue) moveWithRetry(ctx context.Context, def *MachineDefinition, pc *PersistentContext) error {
	var lastErr error
	delay := a.cfg.ArchivalRetryBaseDelay
	for attempt := 0; attempt <= a.cfg.ArchivalMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		if err := a.move(ctx, pc); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	a.fatal(ctx, def, pc, lastErr)
	return newError(ErrArchivalFailure, pc.MachineID, lastErr)
}

// move performs the atomic history-insert + live-state-delete in a
// single transaction (grounded on pkg/db.Pool.BeginTx).
func (a *ArchivalQueue) move(ctx context.Context, pc *PersistentContext) error {
	payload, err := json.Marshal(pc.Data)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO machine_history (machine_id, final_state, completed_at, payload, archived_at)
			VALUES ($1, $2, $3, $4, NOW())`,
		pc.MachineID, pc.CurrentState, pc.LastStateChange, payload,
	); err != nil {
		return fmt.Errorf("insert history: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM machine_state WHERE machine_id = $1`, pc.MachineID,
	); err != nil {
		return fmt.Errorf("delete live state: %w", err)
	}

	return tx.Commit()
}

// RecoverOnStartup scans machine_state for rows whose is_complete flag is
// already set — machines that finished but whose archival move never
// completed before the process last stopped — and re-enqueues them
// (spec.md §4.6 "startup recovery scan").
func (a *ArchivalQueue) RecoverOnStartup(ctx context.Context, def *MachineDefinition) error {
	rows, err := a.pool.Query(ctx, `SELECT machine_id, current_state, last_state_change, payload FROM machine_state WHERE is_complete = true`)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}
	defer rows.Close()

	var pending []*PersistentContext
	for rows.Next() {
		var pc PersistentContext
		var payload []byte
		if err := rows.Scan(&pc.MachineID, &pc.CurrentState, &pc.LastStateChange, &payload); err != nil {
			return fmt.Errorf("recovery scan row: %w", err)
		}
		if err := json.Unmarshal(payload, &pc.Data); err != nil {
			return fmt.Errorf("recovery scan payload: %w", err)
		}
		pc.Complete = true
		pending = append(pending, &pc)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, pc := range pending {
		if err := a.Enqueue(ctx, def, pc); err != nil {
			return err
		}
	}
	a.logger.Infof("archival recovery: re-enqueued %d incomplete moves", len(pending))
	return nil
}

// PruneExpired deletes archived history rows older than cfg.ArchivalRetention.
// Called periodically by a caller-owned ticker; see StartRetentionLoop.
func (a *ArchivalQueue) PruneExpired(ctx context.Context) (int64, error) {
	if a.cfg.ArchivalRetention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-a.cfg.ArchivalRetention)
	result, err := a.pool.Exec(ctx, `DELETE FROM machine_history WHERE archived_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune expired history: %w", err)
	}
	return result.RowsAffected()
}

// StartRetentionLoop runs PruneExpired on cfg.ArchivalPruneInterval until
// ctx is cancelled. Intended to be launched once with `go`.
func (a *ArchivalQueue) StartRetentionLoop(ctx context.Context) {
	if a.cfg.ArchivalPruneInterval <= 0 {
		return
	}
	ticker := time.NewTicker(a.cfg.ArchivalPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.PruneExpired(ctx); err != nil {
				a.logger.Errorf("retention prune failed: %v", err)
			} else if n > 0 {
				a.logger.Infof("retention prune removed %d history rows", n)
			}
		}
	}
}

// Stop gracefully stops the archival worker pool, waiting up to the
// duration implied by ctx for in-flight moves to finish.
func (a *ArchivalQueue) Stop(ctx context.Context) error {
	return a.workers.Stop(ctx)
}
