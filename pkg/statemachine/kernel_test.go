package statemachine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKernelEntryExitOrdering(t *testing.T) {
	var log []string

	def, err := NewBuilder("order").
		InitialState("a").
		State("a").
			OnExit(func(ctx context.Context, e Event, pc *PersistentContext) error {
				log = append(log, "exit-a")
				return nil
			}).
			On("go", "b").Done().
			Done().
		State("b").
			OnEntry(func(ctx context.Context, e Event, pc *PersistentContext) error {
				log = append(log, "entry-b")
				return nil
			}).
			Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	inst := NewMachineInstance(def, "m1")
	k := NewKernel(TimeoutHooks{}, nil)

	state, changed, err := k.Fire(context.Background(), inst, Event{Type: "go"})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if !changed || state != "b" {
		t.Fatalf("expected transition to b, got %s changed=%v", state, changed)
	}
	if len(log) != 2 || log[0] != "exit-a" || log[1] != "entry-b" {
		t.Fatalf("expected [exit-a entry-b], got %v", log)
	}
	if inst.Version != 1 {
		t.Errorf("expected version 1 after one transition, got %d", inst.Version)
	}
}

func TestKernelRejectsEventsInFinalState(t *testing.T) {
	def, err := NewBuilder("done").
		InitialState("a").
		State("a").
			On("finish", "z").Done().
			Done().
		State("z").
			Final(true).
			Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	inst := NewMachineInstance(def, "m1")
	k := NewKernel(TimeoutHooks{}, nil)

	if _, _, err := k.Fire(context.Background(), inst, Event{Type: "finish"}); err != nil {
		t.Fatalf("fire to final: %v", err)
	}

	_, _, err = k.Fire(context.Background(), inst, Event{Type: "anything"})
	if !IsCode(err, ErrFinalState) {
		t.Fatalf("expected ErrFinalState, got %v", err)
	}
}

func TestKernelUnknownEventIsIgnoredNotError(t *testing.T) {
	def, err := NewBuilder("m").InitialState("a").State("a").Done().Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	inst := NewMachineInstance(def, "m1")
	k := NewKernel(TimeoutHooks{}, nil)

	state, changed, err := k.Fire(context.Background(), inst, Event{Type: "nope"})
	if err != nil {
		t.Fatalf("unknown event should not error, got %v", err)
	}
	if changed || state != "a" {
		t.Errorf("expected no-op, got state=%s changed=%v", state, changed)
	}
}

func TestKernelStayEventDoesNotRunEntryExit(t *testing.T) {
	var exitRan, entryRan bool
	def, err := NewBuilder("stay").
		InitialState("a").
		State("a").
			OnExit(func(ctx context.Context, e Event, pc *PersistentContext) error {
				exitRan = true
				return nil
			}).
			OnEntry(func(ctx context.Context, e Event, pc *PersistentContext) error {
				entryRan = true
				return nil
			}).
			OnStayEvent("ping", func(ctx context.Context, e Event, pc *PersistentContext) error {
				pc.Data["pings"] = 1
				return nil
			}).
			Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	inst := NewMachineInstance(def, "m1")
	k := NewKernel(TimeoutHooks{}, nil)

	state, changed, err := k.Fire(context.Background(), inst, Event{Type: "ping"})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if changed || state != "a" {
		t.Errorf("stay event should not change state, got %s changed=%v", state, changed)
	}
	if exitRan || entryRan {
		t.Error("stay event must not run entry/exit handlers")
	}
	if inst.PC.Data["pings"] != 1 {
		t.Error("stay event handler did not run")
	}
}

func TestKernelUserActionErrorDoesNotRollBackExit(t *testing.T) {
	var exitRan bool
	def, err := NewBuilder("fail").
		InitialState("a").
		State("a").
			OnExit(func(ctx context.Context, e Event, pc *PersistentContext) error {
				exitRan = true
				return nil
			}).
			On("go", "b").
				Action(func(ctx context.Context, e Event, pc *PersistentContext) error {
					return errors.New("boom")
				}).
				Done().
			Done().
		State("b").Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	inst := NewMachineInstance(def, "m1")
	k := NewKernel(TimeoutHooks{}, nil)

	_, _, err = k.Fire(context.Background(), inst, Event{Type: "go"})
	if !IsCode(err, ErrUserAction) {
		t.Fatalf("expected ErrUserAction, got %v", err)
	}
	if !exitRan {
		t.Error("exit action should have run before the failing transition action")
	}
	if inst.State != "b" {
		t.Errorf("state should be b since the transition commits despite the action error, got %s", inst.State)
	}
}

func TestKernelArmsTimeoutOnEntry(t *testing.T) {
	var armedFor time.Duration
	var armedMachine string

	def, err := NewBuilder("timed").
		InitialState("a").
		State("a").
			On("go", "b").Done().
			Done().
		State("b").
			Timeout(5*time.Second, "a").
			Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	inst := NewMachineInstance(def, "m1")
	k := NewKernel(TimeoutHooks{
		Arm: func(machineID string, version uint64, d time.Duration, eventType string) {
			armedMachine = machineID
			armedFor = d
		},
	}, nil)

	if _, _, err := k.Fire(context.Background(), inst, Event{Type: "go"}); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if armedMachine != "m1" || armedFor != 5*time.Second {
		t.Errorf("expected timeout armed for m1/5s, got %s/%s", armedMachine, armedFor)
	}
}

func TestKernelEmitsSnapshotPerEvent(t *testing.T) {
	var snaps []Snapshot
	def, err := NewBuilder("snap").
		InitialState("a").
		State("a").On("go", "b").Done().Done().
		State("b").Done().
		Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	inst := NewMachineInstance(def, "m1")
	k := NewKernel(TimeoutHooks{}, func(s Snapshot) { snaps = append(snaps, s) })

	if _, _, err := k.Fire(context.Background(), inst, Event{Type: "go"}); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	if snaps[0].StateBefore != "a" || snaps[0].StateAfter != "b" {
		t.Errorf("unexpected snapshot: %+v", snaps[0])
	}
}
