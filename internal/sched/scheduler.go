// Package sched provides one-shot, named, cancellable deferred actions.
// It is clock-injected so tests can drive timers with a fake clock.
package sched

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Task is a handle to a scheduled action. Cancelling an already-fired task
// is a no-op.
type Task struct {
	id     int64
	name   string
	cancel chan struct{}
	once   sync.Once
}

// Name returns the name the task was scheduled under.
func (t *Task) Name() string { return t.name }

// Scheduler fires each scheduled action at most once after its delay.
// Every task waits on its own goroutine, so a slow action never delays
// other pending tasks and After never blocks the caller.
type Scheduler struct {
	clock clockwork.Clock

	mu      sync.Mutex
	pending map[int64]*Task
	nextID  int64
	closed  bool

	wg sync.WaitGroup
}

// New creates a Scheduler driven by the given clock. Production callers pass
// clockwork.NewRealClock().
func New(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock:   clock,
		pending: make(map[int64]*Task),
	}
}

// After schedules fn to run once after delay. It returns immediately; the
// returned handle can be passed to Cancel. A nil handle is returned when the
// scheduler has already been shut down.
func (s *Scheduler) After(delay time.Duration, name string, fn func()) *Task {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Warn().Str("task", name).Msg("scheduler closed, task dropped")
		return nil
	}
	s.nextID++
	task := &Task{
		id:     s.nextID,
		name:   name,
		cancel: make(chan struct{}),
	}
	s.pending[task.id] = task
	s.wg.Add(1)
	s.mu.Unlock()

	timer := s.clock.NewTimer(delay)

	go func() {
		defer s.wg.Done()
		select {
		case <-timer.Chan():
			s.remove(task.id)
			fn()
		case <-task.cancel:
			stopAndDrainTimer(timer)
			s.remove(task.id)
			log.Debug().Str("task", name).Msg("scheduled task cancelled")
		}
	}()

	return task
}

// Cancel stops a pending task. Safe to call with a nil handle, concurrently,
// or after the task has already fired.
func (s *Scheduler) Cancel(t *Task) {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.cancel) })
}

// Shutdown cancels all pending tasks and waits for their goroutines to exit.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	tasks := make([]*Task, 0, len(s.pending))
	for _, t := range s.pending {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		s.Cancel(t)
	}
	s.wg.Wait()
}

// Pending reports how many tasks have been scheduled but not yet fired or
// cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Scheduler) remove(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired,
// following the time.Timer.Stop documentation.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
