package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MachineInstance is one live machine: its definition, current state,
// domain payload and bookkeeping the Registry needs to schedule timeouts,
// evict and rehydrate it (spec.md §3 "MachineInstance").
//
// Every field below is guarded by mu; callers reach an instance only
// through the Registry's per-id dispatcher, so in practice a single
// goroutine holds mu at a time — it exists to make that invariant safe
// rather than to allow real concurrent access.
type MachineInstance struct {
	mu sync.Mutex

	Def    *MachineDefinition
	ID     string
	RunID  string
	State  string
	PC     *PersistentContext
	Version uint64
	Status  MachineStatus
}

// NewMachineInstance creates a fresh instance of def, in its initial
// state, with an empty persistent context (spec.md §4.2 "Creation").
func NewMachineInstance(def *MachineDefinition, id string) *MachineInstance {
	now := time.Now()
	return &MachineInstance{
		Def:   def,
		ID:    id,
		RunID: uuid.NewString(),
		State: def.InitialState,
		PC: &PersistentContext{
			MachineID:       id,
			CurrentState:    def.InitialState,
			LastStateChange: now,
			Data:            make(map[string]interface{}),
		},
		Version: 0,
		Status:  StatusCreated,
	}
}

// RestoreMachineInstance rebuilds an instance from a previously persisted
// PersistentContext without running any entry action (spec.md §4.5
// "Rehydration never re-enters a state").
func RestoreMachineInstance(def *MachineDefinition, pc *PersistentContext) *MachineInstance {
	return &MachineInstance{
		Def:     def,
		ID:      pc.MachineID,
		RunID:   uuid.NewString(),
		State:   pc.CurrentState,
		PC:      pc,
		Version: 0,
		Status:  StatusRunning,
	}
}

// TimeoutHooks lets the Kernel arm and cancel per-instance timers without
// importing the scheduler package directly; the Registry wires the real
// Scheduler in (spec.md §4.1 "timeout arm/cancel are kernel side effects,
// not kernel-owned state").
type TimeoutHooks struct {
	Arm    func(machineID string, version uint64, d time.Duration, eventType string)
	Cancel func(machineID string)
}

// SnapshotSink receives one Snapshot per processed event, including
// ignored and errored ones, for the Observer Bus (C7).
type SnapshotSink func(Snapshot)

// Kernel runs the fire() algorithm (spec.md §4.1) against a single
// MachineInstance. It has no goroutines and no I/O of its own; the
// Registry is what makes dispatch single-writer per machine.
type Kernel struct {
	Timeouts TimeoutHooks
	Snapshot SnapshotSink
}

// NewKernel builds a Kernel wired with the given side-effect hooks. A nil
// hook is treated as a no-op, which is convenient in tests.
func NewKernel(timeouts TimeoutHooks, snapshot SnapshotSink) *Kernel {
	if timeouts.Arm == nil {
		timeouts.Arm = func(string, uint64, time.Duration, string) {}
	}
	if timeouts.Cancel == nil {
		timeouts.Cancel = func(string) {}
	}
	if snapshot == nil {
		snapshot = func(Snapshot) {}
	}
	return &Kernel{Timeouts: timeouts, Snapshot: snapshot}
}

// Fire delivers event to inst, running guards/actions/entry/exit per
// spec.md §4.1 and returning the resulting state and whether the state
// actually changed. The caller (the Registry's dispatcher for this
// machine id) must already hold exclusive access to inst; Fire does not
// itself serialize across machines, only within one via inst.mu.
func (k *Kernel) Fire(ctx context.Context, inst *MachineInstance, event Event) (newState string, changed bool, err error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	start := time.Now()
	before := inst.PC.Clone()
	stateBefore := inst.State

	sc, ok := inst.Def.States[inst.State]
	if !ok {
		e := newError(ErrUnknownMachine, inst.ID, fmt.Errorf("no configuration for state %q", inst.State))
		k.emitError(inst, event, stateBefore, before, start, e)
		return inst.State, false, e
	}

	if sc.IsFinal {
		e := newError(ErrFinalState, inst.ID, fmt.Errorf("machine is in final state %q", inst.State))
		k.emitError(inst, event, stateBefore, before, start, e)
		return inst.State, false, e
	}

	// Stay-event handling: runs without leaving the state, no exit/entry.
	if handler, ok := sc.StayEvents[event.Type]; ok {
		if err := handler(ctx, event, inst.PC); err != nil {
			e := newError(ErrUserAction, inst.ID, fmt.Errorf("stay-event handler for %q: %w", event.Type, err))
			k.emitError(inst, event, stateBefore, before, start, e)
			return inst.State, false, e
		}
		if sc.ResetTimeoutOnStayEvent && sc.Timeout != nil {
			k.Timeouts.Cancel(inst.ID)
			inst.Version++
			// lastStateChange only moves for the reset case: a live timer
			// reset here means elapsed-on-rehydrate (spec.md §4.5) must be
			// computed from this moment, not the original state entry.
			// Spec.md §3 I4 forbids touching it for the default (no reset)
			// stay-event path.
			inst.PC.LastStateChange = time.Now()
			k.Timeouts.Arm(inst.ID, inst.Version, sc.Timeout.Duration, inst.Def.GlobalTimeoutType)
		}
		k.emit(inst, event, stateBefore, inst.State, before, start, false, "")
		return inst.State, false, nil
	}

	t, ok := sc.Transitions[event.Type]
	if !ok {
		// No transition and no stay-event for this event: ignored, not
		// an error — spec.md §4.1 treats unknown events as a no-op.
		k.emit(inst, event, stateBefore, inst.State, before, start, true, "")
		return inst.State, false, nil
	}

	if t.Guard != nil && !t.Guard(ctx, event, inst.PC) {
		k.emit(inst, event, stateBefore, inst.State, before, start, true, "")
		return inst.State, false, nil
	}

	// An exit, transition action or entry error does not stop the
	// transition: it still commits, and the first such error is reported
	// with the committed state after the commit (spec.md §4.1).
	var userErr error

	if sc.Exit != nil {
		if err := sc.Exit(ctx, event, inst.PC); err != nil {
			userErr = newError(ErrUserAction, inst.ID, fmt.Errorf("exit action for %q: %w", inst.State, err))
		}
	}

	if t.Action != nil {
		if err := t.Action(ctx, event, inst.PC); err != nil && userErr == nil {
			userErr = newError(ErrUserAction, inst.ID, fmt.Errorf("transition action for %q->%q: %w", inst.State, t.Target, err))
		}
	}

	target := inst.Def.States[t.Target]
	k.Timeouts.Cancel(inst.ID)

	inst.State = t.Target
	inst.PC.CurrentState = t.Target
	inst.PC.LastStateChange = time.Now()
	inst.Version++

	if target.Entry != nil {
		if err := target.Entry(ctx, event, inst.PC); err != nil && userErr == nil {
			userErr = newError(ErrUserAction, inst.ID, fmt.Errorf("entry action for %q: %w", t.Target, err))
		}
	}

	if target.Timeout != nil {
		k.Timeouts.Arm(inst.ID, inst.Version, target.Timeout.Duration, inst.Def.GlobalTimeoutType)
	}

	if target.IsFinal {
		inst.PC.Complete = true
		inst.Status = StatusArchiving
	}

	if userErr != nil {
		k.emitError(inst, event, stateBefore, before, start, userErr)
		return inst.State, true, userErr
	}
	k.emit(inst, event, stateBefore, inst.State, before, start, false, "")
	return inst.State, true, nil
}

func (k *Kernel) emit(inst *MachineInstance, event Event, stateBefore, stateAfter string, before *PersistentContext, start time.Time, ignored bool, errMsg string) {
	sc := inst.Def.States[stateAfter]
	k.Snapshot(Snapshot{
		MachineID:               inst.ID,
		Version:                 inst.Version,
		RunID:                   inst.RunID,
		StateBefore:             stateBefore,
		StateAfter:              stateAfter,
		EventType:               event.Type,
		EventPayload:            event.Payload,
		ContextBefore:           before,
		ContextAfter:            inst.PC,
		TransitionDurationNanos: time.Since(start).Nanoseconds(),
		Timestamp:               time.Now(),
		MachineOnline:           true,
		StateOffline:            sc != nil && sc.IsOffline,
		RegistryStatus:          string(inst.Status),
		Ignored:                 ignored,
		Error:                   errMsg,
	})
}

func (k *Kernel) emitError(inst *MachineInstance, event Event, stateBefore string, before *PersistentContext, start time.Time, err error) {
	k.emit(inst, event, stateBefore, inst.State, before, start, false, err.Error())
}
