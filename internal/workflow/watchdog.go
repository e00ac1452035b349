package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spawner/orchestrator/internal/domain"
)

// DefaultWatchdogInterval is used when NewWatchdog is given a zero interval.
const DefaultWatchdogInterval = 10 * time.Second

type watched struct {
	def   *domain.WorkflowDefinition
	state *domain.WorkflowState
	lock  sync.Locker
}

// Watchdog cancels registered instances whose dispatched step has been
// outstanding longer than the step's TimeoutSec.
type Watchdog struct {
	Engine   *Engine
	Interval time.Duration

	mu       sync.Mutex
	watched  map[string]watched
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWatchdog creates a Watchdog cancelling through engine.
func NewWatchdog(engine *Engine, interval time.Duration) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	return &Watchdog{
		Engine:   engine,
		Interval: interval,
		watched:  make(map[string]watched),
		stopCh:   make(chan struct{}),
	}
}

// Watch registers an instance. lock guards state and is held while the
// watchdog inspects or cancels it; every other caller driving the instance
// must hold the same lock.
func (w *Watchdog) Watch(def *domain.WorkflowDefinition, state *domain.WorkflowState, lock sync.Locker) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watched[state.InstanceID()] = watched{def: def, state: state, lock: lock}
}

// Unwatch removes an instance.
func (w *Watchdog) Unwatch(instanceID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.watched, instanceID)
}

// Watching returns the number of registered instances.
func (w *Watchdog) Watching() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

// CheckTimeouts cancels every timed-out instance and returns their ids.
// Instances found terminal are unregistered.
func (w *Watchdog) CheckTimeouts(ctx context.Context, now time.Time) []string {
	w.mu.Lock()
	snapshot := make(map[string]watched, len(w.watched))
	for id, wd := range w.watched {
		snapshot[id] = wd
	}
	w.mu.Unlock()

	var cancelled, done []string
	for id, wd := range snapshot {
		wd.lock.Lock()
		st := wd.state
		switch {
		case st.Status.Terminal():
			done = append(done, id)
		case st.DispatchedAt.IsZero() || st.CurrentStep == 0 || st.CurrentStep > len(wd.def.Steps):
		default:
			idx := st.CurrentStep - 1
			step := wd.def.Steps[idx]
			if step.TimeoutSec > 0 && now.Sub(st.DispatchedAt) > time.Duration(step.TimeoutSec)*time.Second {
				reason := fmt.Sprintf("step %d (%s) exceeded its %ds timeout", idx, step.Skill, step.TimeoutSec)
				if err := w.Engine.Cancel(ctx, st, reason); err == nil {
					cancelled = append(cancelled, id)
					done = append(done, id)
				}
			}
		}
		wd.lock.Unlock()
	}

	for _, id := range done {
		w.Unwatch(id)
	}
	return cancelled
}

// Start spawns the monitoring goroutine.
func (w *Watchdog) Start(ctx context.Context) {
	ticker := time.NewTicker(w.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ids := w.CheckTimeouts(ctx, w.Engine.now()); len(ids) > 0 {
					w.Engine.Logger.Warn("watchdog cancelled timed-out workflows", "instances", ids)
				}
			}
		}
	}()
}

// Stop signals the monitoring goroutine to stop. Safe to call multiple times.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}
