package statemachine

import (
	"container/heap"
	"sync"
	"time"
)

// timeoutEntry is one armed timer in the Scheduler's heap.
type timeoutEntry struct {
	machineID string
	version   uint64
	eventType string
	fireAt    time.Time
	index     int // maintained by heap.Interface
}

// timeoutHeap is a min-heap ordered by fireAt, grounded on the standard
// container/heap priority-queue pattern.
type timeoutHeap []*timeoutEntry

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].fireAt.Before(h[j].fireAt) }
func (h timeoutHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timeoutHeap) Push(x any) {
	e := x.(*timeoutEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timeoutHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// DeliverFunc is called when a timeout fires. The scheduler does not
// deliver the synthetic event itself — it hands the (machineID, version,
// eventType) triple to the Registry, which routes it through that
// machine's dispatcher exactly like any other event, so it serializes
// with real events instead of racing them (spec.md §4.1 "timeouts are
// just events").
type DeliverFunc func(machineID string, version uint64, eventType string)

// Scheduler is a single-goroutine min-heap timer, generalized from
// pkg/reactor's one-timer SetTimer/SetPeriodic loop to a heap of
// concurrently pending per-machine timers (C2). Version tagging lets the
// Registry discard a callback that fired against a machine that has
// since transitioned again — see ErrTimeoutRace.
type Scheduler struct {
	mu         sync.Mutex
	entries    map[string]*timeoutEntry
	pending    timeoutHeap
	wake       chan struct{}
	stop       chan struct{}
	stopped    bool
	deliver    DeliverFunc
	resolution time.Duration
}

// NewScheduler creates a Scheduler. resolution bounds how promptly it
// reacts to newly armed timers that are earlier than anything currently
// pending; it does not bound delivery precision, which is exact to the
// underlying time.Timer.
func NewScheduler(resolution time.Duration, deliver DeliverFunc) *Scheduler {
	if resolution <= 0 {
		resolution = 10 * time.Millisecond
	}
	if deliver == nil {
		deliver = func(string, uint64, string) {}
	}
	s := &Scheduler{
		entries:    make(map[string]*timeoutEntry),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		deliver:    deliver,
		resolution: resolution,
	}
	heap.Init(&s.pending)
	go s.run()
	return s
}

// SetDeliver rebinds the callback invoked when a timer fires. Used to
// break the construction cycle between Scheduler and Registry: the
// Scheduler is built first with a no-op deliver, then the Registry that
// wraps it calls SetDeliver with its own routing method once it exists.
func (s *Scheduler) SetDeliver(deliver DeliverFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if deliver == nil {
		deliver = func(string, uint64, string) {}
	}
	s.deliver = deliver
}

// Arm schedules (or replaces) machineID's timer to fire after d,
// tagged with version so a stale firing can be told apart from a live
// one when the machine has transitioned again in the meantime.
func (s *Scheduler) Arm(machineID string, version uint64, d time.Duration, eventType string) {
	s.mu.Lock()
	if old, ok := s.entries[machineID]; ok && old.index >= 0 {
		heap.Remove(&s.pending, old.index)
	}
	e := &timeoutEntry{
		machineID: machineID,
		version:   version,
		eventType: eventType,
		fireAt:    time.Now().Add(d),
	}
	s.entries[machineID] = e
	heap.Push(&s.pending, e)
	s.mu.Unlock()

	s.signal()
}

// Cancel removes machineID's pending timer, if any. Safe to call when
// none is armed.
func (s *Scheduler) Cancel(machineID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[machineID]
	if !ok {
		return
	}
	delete(s.entries, machineID)
	if e.index >= 0 {
		heap.Remove(&s.pending, e.index)
	}
}

// Stop halts the scheduler's goroutine. Pending timers are discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stop)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	timer := time.NewTimer(s.resolution)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-s.wake:
			s.rearm(timer)
		case <-timer.C:
			s.fireDue()
			s.rearm(timer)
		}
	}
}

// rearm resets timer to the earliest pending deadline, or resolution if
// nothing is pending so the loop keeps noticing new arrivals promptly.
func (s *Scheduler) rearm(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	s.mu.Lock()
	wait := s.resolution
	if s.pending.Len() > 0 {
		next := s.pending[0].fireAt
		if until := time.Until(next); until < wait {
			wait = until
		}
	}
	s.mu.Unlock()
	if wait < 0 {
		wait = 0
	}
	timer.Reset(wait)
}

func (s *Scheduler) fireDue() {
	now := time.Now()
	var due []*timeoutEntry

	s.mu.Lock()
	for s.pending.Len() > 0 && !s.pending[0].fireAt.After(now) {
		e := heap.Pop(&s.pending).(*timeoutEntry)
		delete(s.entries, e.machineID)
		due = append(due, e)
	}
	deliver := s.deliver
	s.mu.Unlock()

	for _, e := range due {
		deliver(e.machineID, e.version, e.eventType)
	}
}
