package reactor

import (
	"sync/atomic"
	"time"

	xerrors "appbase/internal/errors"
)

// Timer is a pending After callback.
type Timer struct {
	r         *Reactor
	t         *time.Timer
	cancelled atomic.Bool
	fired     atomic.Bool
}

// After schedules fn to be posted at priority p once d has elapsed. The
// expiry only enqueues the task; fn itself runs on the loop goroutine.
func (r *Reactor) After(d time.Duration, p Priority, fn Func) (*Timer, error) {
	if fn == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "timer callback cannot be nil")
	}
	if r.state.Load() == stateStopped {
		return nil, ErrStopped
	}
	tm := &Timer{r: r}
	r.timersMu.Lock()
	// release resets the timer set under the same lock.
	if r.state.Load() == stateStopped {
		r.timersMu.Unlock()
		return nil, ErrStopped
	}
	tm.t = time.AfterFunc(d, func() {
		r.untrack(tm)
		if tm.cancelled.Load() {
			return
		}
		_ = r.Post(p, func() error {
			if tm.cancelled.Load() {
				return nil
			}
			tm.fired.Store(true)
			return fn()
		})
	})
	r.timers[tm] = struct{}{}
	r.timersMu.Unlock()
	return tm, nil
}

// Stop cancels the timer. It returns false when the callback already ran or
// the timer was stopped before. A callback that expired but is still queued
// is skipped.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	if t.cancelled.Swap(true) {
		return false
	}
	t.t.Stop()
	t.r.untrack(t)
	return !t.fired.Load()
}

// Fired reports whether the callback has executed.
func (t *Timer) Fired() bool {
	return t != nil && t.fired.Load()
}

func (r *Reactor) untrack(tm *Timer) {
	r.timersMu.Lock()
	delete(r.timers, tm)
	r.timersMu.Unlock()
}
