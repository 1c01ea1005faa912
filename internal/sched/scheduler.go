// Package sched implements the single-threaded cooperative task
// runner. It holds a collection of Tasks, ticks them in snapshot
// order, and blocks between ticks on a readiness primitive
// (internal/netpoll) instead of busy-spinning.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// ID identifies a task registration. Stable for the task's lifetime.
type ID uint64

// ErrFull is returned by Add when the scheduler's capacity is exhausted.
var ErrFull = errors.New("sched: task table full")

// Deadliner is an optional interface a Task may implement so the
// scheduler can fold its next deadline (a connection timeout, a cache
// cleanup cadence) into the readiness-wait timeout.
type Deadliner interface {
	NextDeadline() (time.Time, bool)
}

// Poller is the readiness-wait primitive the scheduler blocks on between
// ticks. internal/netpoll provides the epoll-backed implementation; tests
// may substitute a fake that returns immediately.
type Poller interface {
	// Wait blocks up to timeout for any registered descriptor to become
	// ready, or returns early on ctx cancellation. It does not need to
	// report *which* descriptors fired — tasks re-check their own socket
	// state on the next tick; Wait exists purely to avoid busy-spinning.
	Wait(ctx context.Context, timeout time.Duration) error
	Close() error
}

// entry pairs a Task with its bookkeeping.
type entry struct {
	task    Task
	removed bool
}

// Scheduler is the cooperative run loop. There is no package-level
// instance; pass it explicitly to anything that registers tasks, which
// also lets tests run several schedulers side by side.
type Scheduler struct {
	log    *slog.Logger
	poller Poller

	maxTasks int
	nextID   ID
	tasks    map[ID]*entry

	// pendingRemoval defers destruction until the current tick's
	// snapshot has been fully walked, so no task in the snapshot ever
	// observes a torn removal.
	pendingRemoval []ID

	// currentID is set while a task's Run is executing, so RemoveCurrent
	// knows which id to mark.
	currentID ID
	inRun     bool

	shuttingDown atomic.Bool

	ticks       atomic.Uint64
	active      atomic.Int64
	cleanupTick time.Duration

	// tickObserver, when set, is called at the end of every tick with a
	// stats snapshot and the tick's wall duration. Used to feed the
	// Prometheus gauges without the scheduler importing the metrics
	// package.
	tickObserver func(Stats, time.Duration)
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithMaxTasks sets a hard capacity; 0 means use the package default.
func WithMaxTasks(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxTasks = n
		}
	}
}

// WithCleanupInterval folds a periodic cleanup cadence into the
// readiness-wait timeout computation.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.cleanupTick = d
		}
	}
}

// WithTickObserver registers a callback invoked after every tick.
func WithTickObserver(fn func(Stats, time.Duration)) Option {
	return func(s *Scheduler) {
		s.tickObserver = fn
	}
}

const defaultMaxTasks = 4096

// wakeFloor stops the loop from degenerating into a busy spin;
// wakeCeiling bounds how stale the shutdown-flag check can get, since
// a signal does not reliably interrupt the readiness wait.
const (
	wakeFloor   = 100 * time.Millisecond
	wakeCeiling = 500 * time.Millisecond
)

// New creates an empty Scheduler bound to poller (which must not be nil;
// callers needing no real readiness wait can pass a no-op Poller).
func New(log *slog.Logger, poller Poller, opts ...Option) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		log:      log,
		poller:   poller,
		maxTasks: defaultMaxTasks,
		tasks:    make(map[ID]*entry, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a task. Returns ErrFull if capacity is exhausted.
func (s *Scheduler) Add(t Task) (ID, error) {
	if len(s.tasks) >= s.maxTasks {
		return 0, ErrFull
	}
	s.nextID++
	id := s.nextID
	s.tasks[id] = &entry{task: t}
	s.active.Store(int64(len(s.tasks)))
	return id, nil
}

// RemoveCurrent may only be called from within a running task's Run
// method. It defers the task's destruction until the current tick's
// snapshot walk completes.
func (s *Scheduler) RemoveCurrent() {
	if !s.inRun {
		return
	}
	s.markRemoved(s.currentID)
}

// Remove schedules id for removal, whether or not it is the currently
// running task. Safe to call on a task other than the caller's own; a
// connection uses this to tear down the fetch task it spawned when its
// own timeout fires first.
func (s *Scheduler) Remove(id ID) {
	s.markRemoved(id)
}

func (s *Scheduler) markRemoved(id ID) {
	e, ok := s.tasks[id]
	if !ok || e.removed {
		return
	}
	e.removed = true
	s.pendingRemoval = append(s.pendingRemoval, id)
}

// Lookup returns the task registered under id, if it is still live.
// Back-references between tasks are held as IDs and resolved through
// Lookup each tick, never as live pointers, so a task whose peer has
// been removed finds out here.
func (s *Scheduler) Lookup(id ID) (Task, bool) {
	e, ok := s.tasks[id]
	if !ok || e.removed {
		return nil, false
	}
	return e.task, true
}

// Shutdown sets the shutdown flag read by Run at tick boundaries. Safe
// to call from a signal handler: it performs a single atomic store and
// nothing else.
func (s *Scheduler) Shutdown() {
	s.shuttingDown.Store(true)
}

// Stats is a point-in-time snapshot for the Prometheus gauges in
// internal/metrics. Backed by atomics so it is safe to call from the
// ops listener's goroutine while the run loop is ticking.
type Stats struct {
	TasksActive int
	TicksTotal  uint64
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		TasksActive: int(s.active.Load()),
		TicksTotal:  s.ticks.Load(),
	}
}

// Run drives ticks until Shutdown is called or no tasks remain. It
// returns normally on clean shutdown; callers invoke CleanupAll
// afterward to destroy any tasks still registered.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if s.shuttingDown.Load() {
			return
		}
		if len(s.tasks) == 0 {
			return
		}

		s.tick()

		select {
		case <-ctx.Done():
			return
		default:
		}
		if s.shuttingDown.Load() {
			return
		}

		timeout := s.nextWakeTimeout()
		if err := s.poller.Wait(ctx, timeout); err != nil {
			s.log.Debug("sched: poller wait returned error", "err", err)
		}
	}
}

// tick invokes Run on a snapshot of the current task set, then applies
// deferred removals.
func (s *Scheduler) tick() {
	s.ticks.Add(1)
	start := time.Now()

	snapshot := make([]ID, 0, len(s.tasks))
	for id, e := range s.tasks {
		if !e.removed {
			snapshot = append(snapshot, id)
		}
	}

	for _, id := range snapshot {
		e, ok := s.tasks[id]
		if !ok || e.removed {
			continue
		}
		s.inRun = true
		s.currentID = id
		e.task.Run(s, id)
		s.inRun = false
	}

	s.applyRemovals()

	if s.tickObserver != nil {
		s.tickObserver(s.Stats(), time.Since(start))
	}
}

func (s *Scheduler) applyRemovals() {
	if len(s.pendingRemoval) == 0 {
		return
	}
	for _, id := range s.pendingRemoval {
		e, ok := s.tasks[id]
		if !ok {
			continue
		}
		delete(s.tasks, id)
		e.task.Destroy()
	}
	s.pendingRemoval = s.pendingRemoval[:0]
	s.active.Store(int64(len(s.tasks)))
}

// CleanupAll destroys every task still registered. Called after Run
// returns from a clean shutdown.
func (s *Scheduler) CleanupAll() {
	for id, e := range s.tasks {
		delete(s.tasks, id)
		e.task.Destroy()
	}
	s.pendingRemoval = nil
	s.active.Store(0)
}

// nextWakeTimeout computes the minimum of every Deadliner task's next
// deadline and the configured cleanup interval, clamped between
// wakeFloor and wakeCeiling.
func (s *Scheduler) nextWakeTimeout() time.Duration {
	best := s.cleanupTick
	if best <= 0 {
		best = 30 * time.Second
	}

	now := time.Now()
	for _, e := range s.tasks {
		if e.removed {
			continue
		}
		d, ok := e.task.(Deadliner)
		if !ok {
			continue
		}
		deadline, has := d.NextDeadline()
		if !has {
			continue
		}
		remaining := deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if remaining < best {
			best = remaining
		}
	}

	if best < wakeFloor {
		best = wakeFloor
	}
	if best > wakeCeiling {
		best = wakeCeiling
	}
	return best
}
