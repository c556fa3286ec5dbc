package statemachine

import (
	"errors"
	"fmt"
)

// ErrorCode enumerates the runtime error classes of the registry/kernel
// (spec.md §7 "Error taxonomy").
type ErrorCode string

const (
	// ErrUnknownMachine is returned when an event targets a machine id
	// with no live instance and no persisted record to rehydrate from.
	ErrUnknownMachine ErrorCode = "UNKNOWN_MACHINE"

	// ErrFinalState is returned when an event is routed to a machine
	// already in a final state.
	ErrFinalState ErrorCode = "FINAL_STATE"

	// ErrQueueFull is returned when a machine's dispatcher mailbox is at
	// capacity and cannot accept another event.
	ErrQueueFull ErrorCode = "QUEUE_FULL"

	// ErrEvictedRetry is returned to a caller that waited longer than
	// RehydrationTimeout for another caller's in-flight rehydration of the
	// same machine; the event was not delivered and may be routed again.
	ErrEvictedRetry ErrorCode = "EVICTED_RETRY"

	// ErrUserAction wraps an error returned by a user-supplied entry,
	// exit, transition action or stay-event handler closure.
	ErrUserAction ErrorCode = "USER_ACTION_ERROR"

	// ErrTransientPersistence marks a persistence failure the caller may
	// retry (e.g. a connection blip).
	ErrTransientPersistence ErrorCode = "TRANSIENT_PERSISTENCE_ERROR"

	// ErrFatalPersistence marks a persistence failure that will not
	// resolve on retry (e.g. constraint violation, corrupt payload).
	ErrFatalPersistence ErrorCode = "FATAL_PERSISTENCE_ERROR"

	// ErrArchivalFailure marks exhaustion of the archival worker's retry
	// budget for one machine's history move.
	ErrArchivalFailure ErrorCode = "ARCHIVAL_FAILURE"

	// ErrTimeoutRace marks a timeout callback that fired against a stale
	// machine version and was discarded.
	ErrTimeoutRace ErrorCode = "TIMEOUT_RACE"
)

// StateMachineError is the error type returned by Registry and Kernel
// operations. Callers should use errors.As to recover the Code.
type StateMachineError struct {
	Code      ErrorCode
	MachineID string
	Err       error
}

func (e *StateMachineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("statemachine[%s]: %s: %v", e.MachineID, e.Code, e.Err)
	}
	return fmt.Sprintf("statemachine[%s]: %s", e.MachineID, e.Code)
}

func (e *StateMachineError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, &StateMachineError{Code: X}) match by code alone.
func (e *StateMachineError) Is(target error) bool {
	var t *StateMachineError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func newError(code ErrorCode, machineID string, err error) *StateMachineError {
	return &StateMachineError{Code: code, MachineID: machineID, Err: err}
}

// IsCode reports whether err is a StateMachineError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var sme *StateMachineError
	if errors.As(err, &sme) {
		return sme.Code == code
	}
	return false
}

// ErrNoSuchState is returned by the Builder when a transition targets a
// state that was never declared.
var ErrNoSuchState = errors.New("statemachine: transition targets undeclared state")

// ErrNoInitialState is returned by Builder.Build when InitialState was
// never set or does not match a declared state.
var ErrNoInitialState = errors.New("statemachine: no valid initial state declared")

// ErrRegistryClosed is returned by Registry methods called after Shutdown.
var ErrRegistryClosed = errors.New("statemachine: registry is shut down")
