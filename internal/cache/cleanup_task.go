package cache

import (
	"log/slog"
	"time"

	"github.com/zerobsv/weather-server/internal/sched"
)

// CleanupTask is a cooperative task that periodically prunes stale
// weather cache files and flushes the geocode cache to disk when it
// has unsaved inserts.
type CleanupTask struct {
	log      *slog.Logger
	wcache   *WeatherCache
	gcache   *GeocodeCache // optional; flushed when dirty
	interval time.Duration
	maxAge   time.Duration
	next     time.Time
}

// NewCleanupTask builds a task that runs every interval, deleting
// weather cache files older than maxAge. gcache may be nil.
func NewCleanupTask(log *slog.Logger, wcache *WeatherCache, gcache *GeocodeCache, interval, maxAge time.Duration) *CleanupTask {
	return &CleanupTask{
		log:      log,
		wcache:   wcache,
		gcache:   gcache,
		interval: interval,
		maxAge:   maxAge,
		next:     time.Now().Add(interval),
	}
}

func (t *CleanupTask) Kind() sched.Kind { return sched.KindCleanup }

// NextDeadline lets the scheduler fold this task's cadence into its
// readiness-wait timeout computation.
func (t *CleanupTask) NextDeadline() (time.Time, bool) {
	return t.next, true
}

func (t *CleanupTask) Run(s *sched.Scheduler, id sched.ID) {
	if time.Now().Before(t.next) {
		return
	}
	t.next = time.Now().Add(t.interval)

	removed, err := t.wcache.Cleanup(t.maxAge)
	if err != nil {
		t.log.Error("weather cache cleanup failed", "err", err)
	} else if removed > 0 {
		t.log.Info("weather cache cleanup", "removed", removed)
	}

	if t.gcache != nil && t.gcache.IsDirty() {
		if err := t.gcache.Save(); err != nil {
			t.log.Error("geocode cache save failed", "err", err)
		}
	}
}

func (t *CleanupTask) Destroy() {}
