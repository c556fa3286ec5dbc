package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// rehydrate loads id's persisted context and restores a MachineInstance
// from it, without ever re-running the target state's entry action
// (spec.md §4.5). At most one rehydration per id is in flight at a time:
// a concurrent caller waits on the same lock channel instead of issuing
// a second Load.
func (r *Registry) rehydrate(ctx context.Context, id string) (*MachineInstance, error) {
	for {
		r.mu.Lock()
		if d, ok := r.live[id]; ok {
			r.mu.Unlock()
			return d.instance, nil
		}
		if lock, inFlight := r.rehydrating[id]; inFlight {
			r.mu.Unlock()
			select {
			case <-lock:
				continue // re-check live map; the winner may have installed it
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.cfg.RehydrationTimeout):
				return nil, newError(ErrEvictedRetry, id, errors.New("timed out waiting for concurrent rehydration"))
			}
		}
		lock := make(chan struct{})
		r.rehydrating[id] = lock
		r.mu.Unlock()

		inst, err := r.loadAndRestore(ctx, id)

		r.mu.Lock()
		delete(r.rehydrating, id)
		r.mu.Unlock()
		close(lock)

		return inst, err
	}
}

// loadAndRestore does the actual PersistenceProvider.Load and instance
// reconstruction. It does not fire or arm the restored state's timeout —
// the caller decides that once it knows whether inst will actually be
// installed live (see fireElapsedTimeouts and armRestoredTimeout below).
func (r *Registry) loadAndRestore(ctx context.Context, id string) (*MachineInstance, error) {
	pc, err := r.persistence.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, newError(ErrUnknownMachine, id, err)
		}
		return nil, newError(ErrTransientPersistence, id, err)
	}

	if pc.Complete {
		// spec.md §3 I5 / §8 P6: a machine that already reached a final
		// state is never rehydrated, even if its row still exists (e.g.
		// the archival move has not yet completed).
		return nil, newError(ErrFinalState, id, errors.New("machine is already complete"))
	}

	inst := RestoreMachineInstance(r.def, pc)
	if _, ok := r.def.States[inst.State]; !ok {
		return nil, newError(ErrUnknownMachine, id, errors.New("persisted state no longer exists in definition"))
	}

	r.emitLifecycle(id, LifecycleRehydrated)
	return inst, nil
}

// fireElapsedTimeouts synthesizes and fires a TimeoutEvent directly
// against inst through the Kernel, synchronously, for every state whose
// lastStateChange already exceeds its TimeoutSpec's duration — including
// states reached by a prior synthetic firing in the same call, so a
// chain of already-elapsed timeouts collapses in one pass. This runs
// before inst is reachable through r.live or any dispatcher mailbox,
// which is the only way to guarantee the synthetic timeout is inst's
// first observable action on rehydration rather than racing whatever
// event triggered the rehydration (spec.md §4.5 step 4, P5, S2): arming
// a zero-delay timer on the Scheduler and letting it deliver
// asynchronously cannot give that guarantee, since the triggering event
// reaches the dispatcher mailbox microseconds later but the Scheduler
// still has to wake its own goroutine and round-trip back through
// deliverTimeout.
//
// Returns settled=false when a synthetic transition leaves inst in an
// offline or final state: inst has already been persisted or handed to
// archival and must never be installed live. The caller should restart
// rehydration from scratch, which will load the now-current persisted
// row (or find it archived and drop the event, per P6).
func (r *Registry) fireElapsedTimeouts(ctx context.Context, inst *MachineInstance) (settled bool, err error) {
	for {
		sc := r.def.States[inst.State]
		if sc == nil || sc.Timeout == nil {
			return true, nil
		}
		if time.Since(inst.PC.LastStateChange) < sc.Timeout.Duration {
			return true, nil
		}

		event := Event{Type: r.def.GlobalTimeoutType, Timestamp: time.Now()}
		if _, _, fireErr := r.kernel.Fire(ctx, inst, event); fireErr != nil {
			return false, fireErr
		}

		sc = r.def.States[inst.State]
		if sc == nil {
			return false, newError(ErrUnknownMachine, inst.ID, fmt.Errorf("no configuration for state %q", inst.State))
		}

		if sc.IsFinal {
			pc := inst.PC.Clone()
			if r.archival != nil {
				if archErr := r.archival.Enqueue(ctx, r.def, pc); archErr == nil {
					r.emitLifecycle(inst.ID, LifecycleArchived)
				}
			}
			return false, nil
		}

		if sc.IsOffline {
			if err := r.saveWithRetry(context.Background(), inst.PC.Clone()); err == nil {
				r.emitLifecycle(inst.ID, LifecycleEvicted)
			}
			return false, nil
		}
		// The freshly-entered state is live and non-final; loop once more
		// in case it too is already overdue for its own timeout.
	}
}

// armRestoredTimeout schedules inst's current state's timeout with the
// Scheduler. By the time this runs, fireElapsedTimeouts has already
// guaranteed the timeout has not elapsed, so the remaining duration is
// always strictly positive. Must be called only once inst is reachable
// through r.live, so the Scheduler always has a dispatcher to deliver
// into.
func (r *Registry) armRestoredTimeout(inst *MachineInstance) {
	sc := r.def.States[inst.State]
	if sc == nil || sc.Timeout == nil {
		return
	}
	remaining := sc.Timeout.Duration - time.Since(inst.PC.LastStateChange)
	if remaining < 0 {
		remaining = 0
	}
	r.scheduler.Arm(inst.ID, inst.Version, remaining, r.def.GlobalTimeoutType)
}
