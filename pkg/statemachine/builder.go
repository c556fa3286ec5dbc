package statemachine

import "time"

// Builder is a fluent constructor for a MachineDefinition.
type Builder struct {
	def *MachineDefinition
	err error
}

// NewBuilder starts building a machine definition named id (used as the
// definition's identity for logging/metrics, not a specific instance id).
func NewBuilder(id string) *Builder {
	return &Builder{
		def: &MachineDefinition{
			ID:     id,
			States: make(map[string]*StateConfig),
		},
	}
}

// InitialState sets the state new instances start in.
func (b *Builder) InitialState(name string) *Builder {
	b.def.InitialState = name
	return b
}

// State begins configuring state name, returning a StateBuilder scoped to
// it. Calling State for the same name twice reopens the same StateConfig.
func (b *Builder) State(name string) *StateBuilder {
	sc, ok := b.def.States[name]
	if !ok {
		sc = &StateConfig{
			Name:        name,
			Transitions: make(map[string]*TransitionSpec),
			StayEvents:  make(map[string]ActionFunc),
		}
		b.def.States[name] = sc
	}
	return &StateBuilder{parent: b, config: sc}
}

// Build validates and returns the finished MachineDefinition.
func (b *Builder) Build() (*MachineDefinition, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.def.InitialState == "" {
		return nil, ErrNoInitialState
	}
	if _, ok := b.def.States[b.def.InitialState]; !ok {
		return nil, ErrNoInitialState
	}
	if b.def.GlobalTimeoutType == "" {
		b.def.GlobalTimeoutType = TimeoutEventType
	}
	for _, sc := range b.def.States {
		for _, t := range sc.Transitions {
			if _, ok := b.def.States[t.Target]; !ok {
				return nil, ErrNoSuchState
			}
		}
		if sc.Timeout != nil {
			if _, ok := b.def.States[sc.Timeout.TargetState]; !ok {
				return nil, ErrNoSuchState
			}
			// A state's Timeout is just sugar for a transition on the
			// definition's global timeout event — register it unless
			// the caller already declared one explicitly (e.g. with a
			// guard that decides between two possible timeout targets).
			if _, ok := sc.Transitions[b.def.GlobalTimeoutType]; !ok {
				sc.Transitions[b.def.GlobalTimeoutType] = &TransitionSpec{
					Event:  b.def.GlobalTimeoutType,
					Target: sc.Timeout.TargetState,
				}
			}
		}
	}
	return b.def, nil
}

// StateBuilder configures a single state, returning to Builder via Done.
type StateBuilder struct {
	parent *Builder
	config *StateConfig
}

// On declares a transition fired by event, landing in target.
func (s *StateBuilder) On(event, target string) *TransitionBuilder {
	t := &TransitionSpec{Event: event, Target: target}
	s.config.Transitions[event] = t
	return &TransitionBuilder{state: s, spec: t}
}

// OnEntry sets the action run when this state is entered. Never run on
// rehydration — only on a live transition into the state.
func (s *StateBuilder) OnEntry(action ActionFunc) *StateBuilder {
	s.config.Entry = action
	return s
}

// OnExit sets the action run when this state is exited.
func (s *StateBuilder) OnExit(action ActionFunc) *StateBuilder {
	s.config.Exit = action
	return s
}

// OnStayEvent registers a handler for event that runs without leaving
// this state — no exit/entry actions fire, and the pending timeout is
// left alone unless ResetTimeoutOnStayEvent is set.
func (s *StateBuilder) OnStayEvent(event string, handler ActionFunc) *StateBuilder {
	s.config.StayEvents[event] = handler
	return s
}

// Timeout arms a timer of duration when this state is entered; if it
// fires before any other transition, the machine moves to targetState.
func (s *StateBuilder) Timeout(duration time.Duration, targetState string) *StateBuilder {
	s.config.Timeout = &TimeoutSpec{Duration: duration, TargetState: targetState}
	return s
}

// ResetTimeoutOnStayEvent controls whether a stay-event handler cancels
// and re-arms this state's pending timeout (default false).
func (s *StateBuilder) ResetTimeoutOnStayEvent(reset bool) *StateBuilder {
	s.config.ResetTimeoutOnStayEvent = reset
	return s
}

// Offline marks this state as one where the machine may be safely
// evicted from memory between events (spec.md §4.4).
func (s *StateBuilder) Offline(offline bool) *StateBuilder {
	s.config.IsOffline = offline
	return s
}

// Final marks this state as terminal: once entered, the machine is
// handed to the archival subsystem and no further events are accepted.
func (s *StateBuilder) Final(final bool) *StateBuilder {
	s.config.IsFinal = final
	if final {
		s.config.IsOffline = true
	}
	return s
}

// Done returns to the enclosing Builder.
func (s *StateBuilder) Done() *Builder {
	return s.parent
}

// TransitionBuilder configures a single transition, returning to
// StateBuilder via Done.
type TransitionBuilder struct {
	state *StateBuilder
	spec  *TransitionSpec
}

// Guard attaches a guard predicate; the transition is skipped (event
// falls through as if no transition matched) when it returns false.
func (t *TransitionBuilder) Guard(g GuardFunc) *TransitionBuilder {
	t.spec.Guard = g
	return t
}

// Action attaches an action executed after exit and before entry.
func (t *TransitionBuilder) Action(a ActionFunc) *TransitionBuilder {
	t.spec.Action = a
	return t
}

// Priority records a priority on the TransitionSpec. The Kernel does not
// consult it: a state's transition table holds at most one TransitionSpec
// per event type.
func (t *TransitionBuilder) Priority(p int) *TransitionBuilder {
	t.spec.Priority = p
	return t
}

// Done returns to the enclosing StateBuilder.
func (t *TransitionBuilder) Done() *StateBuilder {
	return t.state
}
