// Package statemachine is a generic state-machine runtime and registry for
// workloads where millions of long-lived logical entities (a call leg, an
// SMS conversation) receive asynchronous events, transition between states,
// time out, get evicted from memory when idle, and are rehydrated from
// storage when the next event for them arrives.
//
// A MachineDefinition is declared once via Builder and shared by every
// instance of that type. The Registry owns the live instances, serializes
// event delivery per machine id through a dispatcher, and coordinates
// eviction (C4), rehydration (C5) and history archival (C6) around the
// FSM Kernel (C1), the Timeout Scheduler (C2) and the Persistence Provider
// (C3). The Observer Bus (C7) fans transition snapshots out to subscribers
// without ever blocking the kernel.
//
// Example:
//
//	def, _ := statemachine.NewBuilder("call").
//		InitialState("idle").
//		State("idle").
//			On("incoming", "ringing").Done().
//			Done().
//		State("ringing").
//			Timeout(30*time.Second, "idle").
//			On("answer", "connected").Done().
//			On("hangup", "hungup").Done().
//			Done().
//		State("connected").
//			On("hangup", "hungup").Done().
//			Done().
//		State("hungup").
//			Final(true).
//			Done().
//		Build()
package statemachine

import (
	"context"
	"time"
)

// MachineStatus is the lifecycle status of a MachineInstance (spec.md §3).
type MachineStatus string

const (
	StatusCreated   MachineStatus = "CREATED"
	StatusRunning   MachineStatus = "RUNNING"
	StatusSuspended MachineStatus = "SUSPENDED"
	StatusEvicted   MachineStatus = "EVICTED"
	StatusArchiving MachineStatus = "ARCHIVING"
	StatusArchived  MachineStatus = "ARCHIVED"
)

// TimeoutEventType is the reserved event type used for synthetic timeout
// events, both live (fired by the Scheduler) and synthesized on
// rehydration when the persisted state's timeout has already elapsed.
const TimeoutEventType = "__timeout__"

// Event is the envelope carried through the Registry to a machine's
// dispatcher and on into the Kernel (spec.md §6 "Event envelope").
type Event struct {
	Type          string
	Payload       interface{}
	Timestamp     time.Time
	CorrelationID string
}

// IsTimeout reports whether this is a synthetic timeout event.
func (e Event) IsTimeout() bool {
	return e.Type == TimeoutEventType
}

// GuardFunc decides whether a transition may proceed.
type GuardFunc func(ctx context.Context, event Event, pc *PersistentContext) bool

// ActionFunc runs as part of a transition (entry, exit, transition action,
// or stay-event handler). Errors are recorded in the transition's snapshot
// and returned from Kernel.Fire; the transition the action belongs to is
// never rolled back
// because earlier side effects (e.g. an already-executed exit action) may
// be externally observable (spec.md §4.1).
type ActionFunc func(ctx context.Context, event Event, pc *PersistentContext) error

// TimeoutSpec arms a timer when a state is entered.
type TimeoutSpec struct {
	Duration    time.Duration
	TargetState string
}

// TransitionSpec is one entry in a state's event-keyed transition table.
type TransitionSpec struct {
	Event    string
	Target   string
	Guard    GuardFunc
	Action   ActionFunc
	Priority int
}

// StateConfig is one state of a MachineDefinition.
type StateConfig struct {
	Name        string
	Entry       ActionFunc
	Exit        ActionFunc
	Transitions map[string]*TransitionSpec
	StayEvents  map[string]ActionFunc
	Timeout     *TimeoutSpec
	IsOffline   bool
	IsFinal     bool

	// ResetTimeoutOnStayEvent controls whether a stay-event handler
	// cancels and re-arms the state's pending timeout. Default false —
	// spec.md §9 calls out that the source was inconsistent here and
	// directs that this be an explicit, per-state flag.
	ResetTimeoutOnStayEvent bool
}

// MachineDefinition is the immutable, declarative description of one
// machine type, shared by every instance (spec.md §3).
type MachineDefinition struct {
	ID                string
	States            map[string]*StateConfig
	InitialState      string
	GlobalTimeoutType string // defaults to TimeoutEventType when empty
}

// PersistentContext is the serializable domain payload carried by a
// machine instance. It is the unit saved by a PersistenceProvider and the
// unit restored on rehydration (spec.md §3 "persistentContext").
//
// Data holds the domain-specific fields (the caller's own JSON-shaped
// state); MachineID/CurrentState/LastStateChange/IsComplete are the fields
// spec.md requires every persistentContext to expose.
type PersistentContext struct {
	MachineID       string                 `json:"machineId"`
	CurrentState    string                 `json:"currentState"`
	LastStateChange time.Time              `json:"lastStateChange"`
	Complete        bool                   `json:"isComplete"`
	Data            map[string]interface{} `json:"data"`
}

// Clone returns a deep-enough copy of pc (Data entries are shared, never
// mutated by the kernel except through user action closures that already
// hold the lock for the owning machine).
func (pc *PersistentContext) Clone() *PersistentContext {
	if pc == nil {
		return nil
	}
	data := make(map[string]interface{}, len(pc.Data))
	for k, v := range pc.Data {
		data[k] = v
	}
	return &PersistentContext{
		MachineID:       pc.MachineID,
		CurrentState:    pc.CurrentState,
		LastStateChange: pc.LastStateChange,
		Complete:        pc.Complete,
		Data:            data,
	}
}

// Snapshot is the immutable record of one transition, emitted to the
// Observer Bus per spec.md §3.
type Snapshot struct {
	MachineID               string      `json:"machineId"`
	Version                 uint64      `json:"version"`
	RunID                   string      `json:"runId"`
	StateBefore             string      `json:"stateBefore"`
	StateAfter              string      `json:"stateAfter"`
	EventType               string      `json:"eventType"`
	EventPayload            interface{} `json:"eventPayload,omitempty"`
	ContextBefore           interface{} `json:"contextBefore,omitempty"`
	ContextAfter            interface{} `json:"contextAfter"`
	TransitionDurationNanos int64       `json:"transitionDurationNanos"`
	Timestamp               time.Time   `json:"timestamp"`
	MachineOnline           bool        `json:"machineOnline"`
	StateOffline            bool        `json:"stateOffline"`
	RegistryStatus          string      `json:"registryStatus"`
	Ignored                 bool        `json:"ignored,omitempty"`
	Error                   string      `json:"error,omitempty"`
}

// LifecycleEvent names the lifecycle notifications of spec.md §6.
type LifecycleEvent string

const (
	LifecycleCreated         LifecycleEvent = "Created"
	LifecycleRegistered      LifecycleEvent = "Registered"
	LifecycleRehydrated      LifecycleEvent = "Rehydrated"
	LifecycleEvicted         LifecycleEvent = "Evicted"
	LifecycleArchived        LifecycleEvent = "Archived"
	LifecycleShutdownStarted LifecycleEvent = "ShutdownStarted"

	// LifecycleEvictionRetry and LifecycleEvictionFailed extend spec.md
	// §6's named lifecycle notifications to cover the eviction-save retry
	// policy spec.md §4.4 requires to be "surfaced to the observer bus":
	// one per failed attempt, and once more if the retry budget is
	// exhausted and the machine is left live.
	LifecycleEvictionRetry  LifecycleEvent = "EvictionRetry"
	LifecycleEvictionFailed LifecycleEvent = "EvictionFailed"
)
