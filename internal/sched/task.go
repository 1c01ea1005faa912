package sched

// Kind tags a task with the component that owns it. The scheduler's
// Stats carry no per-kind breakdown.
type Kind int

const (
	KindListener Kind = iota
	KindConnection
	KindFetch
	KindCleanup
)

func (k Kind) String() string {
	switch k {
	case KindListener:
		return "listener"
	case KindConnection:
		return "connection"
	case KindFetch:
		return "fetch"
	case KindCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

// Task is a cooperative unit of work. The scheduler owns a Task for its
// registered lifetime; the Task owns whatever context it closes over.
// Run must never block: a suspension point is simply a Run call that
// returns without the task calling Remove.
//
// Destroy is invoked exactly once, when the scheduler removes the task
// (either because Run called Remove, or during Scheduler.CleanupAll at
// shutdown). Implementations must make Destroy idempotent-safe to call
// from exactly one caller; the scheduler guarantees it is never called
// twice for the same registration.
type Task interface {
	Kind() Kind
	// Run advances the task by one tick. id is the task's own handle,
	// passed back so Run can call s.Remove(id) from within itself.
	Run(s *Scheduler, id ID)
	// Destroy releases any resources (sockets, file descriptors) the
	// task holds. Called exactly once.
	Destroy()
}
