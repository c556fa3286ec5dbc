package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/fluxor/pkg/core/concurrency"
	"github.com/fluxorio/fluxor/pkg/fluxor"
)

// RouteResult is what RouteEventAsync's future resolves to.
type RouteResult struct {
	State   string
	Changed bool
}

// routedMessage is the unit posted to a machine's per-id mailbox: one
// event plus the promise the dispatcher goroutine settles once it has
// run the event through the Kernel (grounded on the Connector/session
// pattern of routing a request through a per-connection queue and
// resolving a waiting caller, adapted here from a websocket session to a
// per-machine dispatcher).
type routedMessage struct {
	ctx     context.Context
	event   Event
	promise *fluxor.PromiseT[RouteResult]
}

// dispatcher is the single consumer for one machine id's mailbox. Its
// goroutine is the only writer of the owned MachineInstance, which is
// what gives the Kernel's Fire its required single-writer guarantee
// without the Kernel itself needing locks beyond the instance's own.
type dispatcher struct {
	instance *MachineInstance
	mailbox  concurrency.Mailbox
	done     chan struct{}
}

// Registry owns every live MachineInstance of one MachineDefinition: the
// live map, per-id dispatchers, rehydration coordination, eviction and
// the hand-off to archival on a final transition (spec.md §4 "Registry").
type Registry struct {
	def         *MachineDefinition
	cfg         RuntimeConfig
	kernel      *Kernel
	scheduler   *Scheduler
	persistence PersistenceProvider
	archival    ArchivalEnqueuer
	tracer      trace.Tracer

	mu            sync.Mutex
	live          map[string]*dispatcher
	rehydrating   map[string]chan struct{}
	closed        bool
	wg            sync.WaitGroup
	snapshotSink  SnapshotSink
	lifecycleSink func(machineID string, event LifecycleEvent)
}

// SetLifecycleSink wires the Observer Bus's lifecycle fan-out. Optional.
func (r *Registry) SetLifecycleSink(sink func(machineID string, event LifecycleEvent)) {
	r.mu.Lock()
	r.lifecycleSink = sink
	r.mu.Unlock()
}

func (r *Registry) emitLifecycle(machineID string, event LifecycleEvent) {
	r.mu.Lock()
	sink := r.lifecycleSink
	r.mu.Unlock()
	if sink != nil {
		sink(machineID, event)
	}
}

// ArchivalEnqueuer is the seam the Registry hands a completed machine's
// final context to (C6). Implemented by *ArchivalQueue.
type ArchivalEnqueuer interface {
	Enqueue(ctx context.Context, def *MachineDefinition, pc *PersistentContext) error
}

// RegistryOption configures optional Registry collaborators.
type RegistryOption func(*Registry)

// WithArchival wires an ArchivalEnqueuer so machines reaching a final
// state get moved to history storage instead of merely evicted.
func WithArchival(a ArchivalEnqueuer) RegistryOption {
	return func(r *Registry) { r.archival = a }
}

// WithTracer wires an OpenTelemetry tracer for optional spans around
// event routing. When omitted, the registry uses the global tracer
// provider's no-op tracer, which costs nothing at runtime.
func WithTracer(t trace.Tracer) RegistryOption {
	return func(r *Registry) { r.tracer = t }
}

// NewRegistry builds a Registry for def, backed by persistence and
// scheduler, dispatching events through kernel.
func NewRegistry(def *MachineDefinition, persistence PersistenceProvider, scheduler *Scheduler, cfg RuntimeConfig, opts ...RegistryOption) *Registry {
	r := &Registry{
		def:         def,
		cfg:         cfg,
		scheduler:   scheduler,
		persistence: persistence,
		live:        make(map[string]*dispatcher),
		rehydrating: make(map[string]chan struct{}),
		tracer:      otel.Tracer("statemachine"),
	}
	r.kernel = NewKernel(
		TimeoutHooks{Arm: scheduler.Arm, Cancel: scheduler.Cancel},
		r.emitSnapshot,
	)
	for _, opt := range opts {
		opt(r)
	}
	scheduler.SetDeliver(r.deliverTimeout)
	return r
}

// deliverTimeout is the Scheduler's DeliverFunc for this Registry. A
// timeout that fires against a machine no longer live, or against a
// version older than the machine's current one, is discarded as a
// TimeoutRace rather than delivered (spec.md §4.1 "timeouts are
// version-tagged to survive eviction races").
func (r *Registry) deliverTimeout(machineID string, version uint64, eventType string) {
	r.mu.Lock()
	d, ok := r.live[machineID]
	r.mu.Unlock()
	if !ok {
		return
	}

	d.instance.mu.Lock()
	current := d.instance.Version
	d.instance.mu.Unlock()
	if current != version {
		return
	}

	event := Event{Type: eventType, Timestamp: time.Now()}
	_ = d.mailbox.Send(routedMessage{
		ctx:     context.Background(),
		event:   event,
		promise: fluxor.NewPromiseT[RouteResult](),
	})
}

func (r *Registry) emitSnapshot(s Snapshot) {
	r.mu.Lock()
	sink := r.snapshotSink
	r.mu.Unlock()
	if sink != nil {
		sink(s)
	}
}

// SetSnapshotSink wires the Observer Bus's fan-out as the Registry's
// single downstream for every Snapshot the Kernel produces. Optional —
// wired after construction, matching how the teacher's observers attach
// to an already-running engine rather than being required at construction.
func (r *Registry) SetSnapshotSink(sink SnapshotSink) {
	r.mu.Lock()
	r.snapshotSink = sink
	r.mu.Unlock()
}

// Create registers a brand-new machine instance with id, starting in
// def's initial state (spec.md §4.2).
func (r *Registry) Create(ctx context.Context, id string) (*MachineInstance, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if _, ok := r.live[id]; ok {
		r.mu.Unlock()
		return nil, newError(ErrUserAction, id, fmt.Errorf("machine already live"))
	}
	r.mu.Unlock()

	inst := NewMachineInstance(r.def, id)
	d := r.startDispatcher(inst)

	r.mu.Lock()
	r.live[id] = d
	r.mu.Unlock()

	if sc := r.def.States[inst.State]; sc != nil && sc.Timeout != nil {
		r.scheduler.Arm(inst.ID, inst.Version, sc.Timeout.Duration, r.def.GlobalTimeoutType)
	}
	r.emitLifecycle(id, LifecycleCreated)
	r.emitLifecycle(id, LifecycleRegistered)
	return inst, nil
}

// RouteEvent delivers event to machineID synchronously, rehydrating the
// machine from storage first if it is not currently live.
func (r *Registry) RouteEvent(ctx context.Context, machineID string, event Event) (RouteResult, error) {
	future := r.RouteEventAsync(ctx, machineID, event)
	return future.Await(ctx)
}

// RouteEventAsync is the async form (spec.md §6's "event envelope" API),
// grounded on pkg/fluxor's FutureT/PromiseT request-reply pattern.
func (r *Registry) RouteEventAsync(ctx context.Context, machineID string, event Event) *fluxor.FutureT[RouteResult] {
	promise := fluxor.NewPromiseT[RouteResult]()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ctx, span := r.tracer.Start(ctx, "statemachine.routeEvent")
	defer span.End()

	d, err := r.acquireDispatcher(ctx, machineID)
	if err != nil {
		promise.Fail(err)
		return &promise.FutureT
	}

	msg := routedMessage{ctx: ctx, event: event, promise: promise}
	if sendErr := d.mailbox.Send(msg); sendErr != nil {
		promise.Fail(newError(ErrQueueFull, machineID, sendErr))
		return &promise.FutureT
	}

	return &promise.FutureT
}

// acquireDispatcher returns the live dispatcher for id, rehydrating it
// from storage if necessary. At most one rehydration per id is ever in
// flight (C5's lock map; see rehydrate.go).
func (r *Registry) acquireDispatcher(ctx context.Context, id string) (*dispatcher, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if d, ok := r.live[id]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	inst, err := r.rehydrate(ctx, id)
	if err != nil {
		return nil, err
	}

	// spec.md §4.5 step 4: an already-elapsed timeout must be synthesized
	// and fired synchronously, before inst is reachable by any other
	// event, so it is always inst's first observable action on
	// rehydration (P5, S2) rather than racing the arriving event through
	// an async zero-delay Scheduler arm.
	settled, err := r.fireElapsedTimeouts(ctx, inst)
	if err != nil {
		return nil, err
	}
	if !settled {
		// The elapsed timeout drove inst straight back into an offline
		// or final state; it is already persisted/archived and must
		// never be installed live. Start over: the next rehydration
		// loads the now-current persisted row.
		return r.acquireDispatcher(ctx, id)
	}

	d := r.startDispatcher(inst)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		d.mailbox.Close()
		return nil, ErrRegistryClosed
	}
	if existing, ok := r.live[id]; ok {
		// Lost the race to a concurrent rehydration; use the winner and
		// discard the dispatcher we just built.
		r.mu.Unlock()
		d.mailbox.Close()
		return existing, nil
	}
	r.live[id] = d
	r.mu.Unlock()

	// fireElapsedTimeouts has already guaranteed inst's timeout has not
	// elapsed, so this always arms a strictly positive duration.
	r.armRestoredTimeout(inst)
	return d, nil
}

// startDispatcher spins up the single consumer goroutine for inst.
func (r *Registry) startDispatcher(inst *MachineInstance) *dispatcher {
	d := &dispatcher{
		instance: inst,
		mailbox:  concurrency.NewBoundedMailbox(r.cfg.DispatcherQueueSize),
		done:     make(chan struct{}),
	}
	r.wg.Add(1)
	go r.runDispatcher(d)
	return d
}

func (r *Registry) runDispatcher(d *dispatcher) {
	defer r.wg.Done()
	defer close(d.done)

	ctx := context.Background()
	for {
		raw, err := d.mailbox.Receive(ctx)
		if err != nil {
			return
		}
		msg := raw.(routedMessage)

		state, changed, fireErr := r.kernel.Fire(msg.ctx, d.instance, msg.event)
		if fireErr != nil {
			msg.promise.Fail(fireErr)
		} else {
			msg.promise.Complete(RouteResult{State: state, Changed: changed})
		}

		r.afterFire(d)
	}
}

// afterFire evicts or hands a machine to archival once it reaches an
// offline or final state (spec.md §4.4/§4.6).
func (r *Registry) afterFire(d *dispatcher) {
	inst := d.instance
	inst.mu.Lock()
	sc := inst.Def.States[inst.State]
	isFinal := sc != nil && sc.IsFinal
	isOffline := sc != nil && sc.IsOffline
	pc := inst.PC.Clone()
	id := inst.ID
	inst.mu.Unlock()

	if isFinal {
		r.evict(id)
		if r.archival != nil {
			if err := r.archival.Enqueue(context.Background(), r.def, pc); err == nil {
				r.emitLifecycle(id, LifecycleArchived)
			}
		}
		return
	}

	if isOffline {
		if err := r.saveWithRetry(context.Background(), pc); err == nil {
			r.evict(id)
			r.emitLifecycle(id, LifecycleEvicted)
		}
		// Terminal failure after exhausting retries: the machine stays
		// live rather than being silently lost (spec.md §4.4 "A retry
		// policy ... terminal failure logs and leaves the machine live").
		// saveWithRetry has already surfaced the error to the observer
		// bus via emitLifecycle below in the retry loop itself.
	}
}

// saveWithRetry saves pc, retrying transient failures up to
// cfg.PersistenceRetryAttempts times with exponential backoff based on
// cfg.PersistenceRetryBaseDelay (spec.md §4.4 eviction path / §6
// `persistence.retryAttempts` / `persistence.retryBaseDelayMs`). Every
// failed attempt, including the final one, is surfaced to the observer
// bus as a lifecycle event rather than only logged internally.
func (r *Registry) saveWithRetry(ctx context.Context, pc *PersistentContext) error {
	delay := r.cfg.PersistenceRetryBaseDelay
	var lastErr error
	for attempt := 0; attempt <= r.cfg.PersistenceRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := r.persistence.Save(saveCtx, pc)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		r.emitLifecycle(pc.MachineID, LifecycleEvictionRetry)
	}
	r.emitLifecycle(pc.MachineID, LifecycleEvictionFailed)
	return lastErr
}

// evict removes id from the live map and stops its dispatcher. Safe to
// call more than once.
func (r *Registry) evict(id string) {
	r.mu.Lock()
	d, ok := r.live[id]
	if ok {
		delete(r.live, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.scheduler.Cancel(id)
	d.mailbox.Close()
}

// Shutdown stops accepting new events, persists every still-RUNNING
// machine's context, closes every live dispatcher and waits for their
// goroutines to drain (spec.md §4.4 "shutdown persists all RUNNING
// machines" / §5 "graceful shutdown"). Machines already handed off to
// archival are left to the caller's own ArchivalQueue.Stop.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	dispatchers := make([]*dispatcher, 0, len(r.live))
	for _, d := range r.live {
		dispatchers = append(dispatchers, d)
	}
	r.live = make(map[string]*dispatcher)
	r.mu.Unlock()

	r.emitLifecycle("", LifecycleShutdownStarted)

	for _, d := range dispatchers {
		d.instance.mu.Lock()
		pc := d.instance.PC.Clone()
		r.scheduler.Cancel(d.instance.ID)
		d.instance.mu.Unlock()
		_ = r.persistence.Save(ctx, pc)
		d.mailbox.Close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LiveCount returns the number of machines currently held in memory.
func (r *Registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}
