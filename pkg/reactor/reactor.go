package reactor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"

	xerrors "appbase/internal/errors"
	"appbase/pkg/logger"
)

var (
	// ErrStopped is returned when work is submitted after the loop has exited.
	ErrStopped = xerrors.New(xerrors.CodeLoopStopped, "event loop stopped")
	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = xerrors.New(xerrors.CodeInvalidState, "event loop already running")
	// ErrTaskFailed matches, via errors.Is, the error Run returns when a task fails.
	ErrTaskFailed = xerrors.New(xerrors.CodeTaskFailed, "")
)

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// Observer receives scheduling events. Calls happen on the submitting
// goroutine (TaskQueued) or the loop goroutine (TaskExecuted).
type Observer interface {
	TaskQueued(p Priority)
	TaskExecuted(p Priority, elapsed time.Duration, err error)
}

// Reactor is a single-goroutine event loop draining a strict-priority,
// FIFO-within-priority ready queue. Timer expirations and worker completions
// are always resubmitted through Post and never run on their own goroutines.
type Reactor struct {
	ready  *queue.PriorityQueue
	postMu sync.Mutex
	seq    uint64

	state   atomic.Int32
	stopReq atomic.Bool

	pool     *ants.Pool
	workers  int
	observer Observer
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	timersMu sync.Mutex
	timers   map[*Timer]struct{}

	done chan struct{}
}

// Option configures a Reactor.
type Option func(*Reactor)

// WithWorkers bounds the pool used by Go.
func WithWorkers(n int) Option {
	return func(r *Reactor) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithObserver installs a scheduling observer, typically the metrics collector.
func WithObserver(o Observer) Option {
	return func(r *Reactor) {
		r.observer = o
	}
}

// WithLogger overrides the logger used for loop diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reactor) {
		if l != nil {
			r.log = l
		}
	}
}

// New constructs an idle reactor. Work may be posted before Run is called.
func New(opts ...Option) (*Reactor, error) {
	r := &Reactor{
		ready:   queue.NewPriorityQueue(64, true),
		workers: 16,
		timers:  make(map[*Timer]struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.log == nil {
		r.log = logger.L().With(slog.String("component", "reactor"))
	}
	pool, err := ants.NewPool(r.workers, ants.WithNonblocking(true), ants.WithPanicHandler(func(v any) {
		r.log.Error("worker panicked", slog.Any("panic", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	r.pool = pool
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r, nil
}

// Post enqueues fn at priority p. It never blocks on the loop and may be
// called from any goroutine, including signal handlers and task callbacks.
func (r *Reactor) Post(p Priority, fn Func) error {
	if fn == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task callback cannot be nil")
	}
	if !p.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid priority %d", int(p)))
	}
	if err := r.put(&task{priority: p, fn: fn}); err != nil {
		return err
	}
	if r.observer != nil {
		r.observer.TaskQueued(p)
	}
	return nil
}

func (r *Reactor) put(t *task) error {
	if r.state.Load() == stateStopped {
		return ErrStopped
	}
	r.postMu.Lock()
	defer r.postMu.Unlock()
	r.seq++
	t.seq = r.seq
	t.queuedAt = time.Now()
	if err := r.ready.Put(t); err != nil {
		if stdErrors.Is(err, queue.ErrDisposed) {
			return ErrStopped
		}
		return err
	}
	return nil
}

// Run drives the loop on the calling goroutine until Stop is observed or a
// task fails. Tasks still queued when the loop exits are discarded.
func (r *Reactor) Run() error {
	if !r.state.CompareAndSwap(stateIdle, stateRunning) {
		if r.state.Load() == stateStopped {
			return ErrStopped
		}
		return ErrAlreadyRunning
	}
	defer r.shutdown()

	for {
		if r.stopReq.Load() {
			return nil
		}
		items, err := r.ready.Get(1)
		if err != nil {
			return nil
		}
		if len(items) == 0 {
			continue
		}
		if r.stopReq.Load() {
			return nil
		}
		t := items[0].(*task)
		if t.internal {
			continue
		}
		if err := r.execute(t); err != nil {
			return xerrors.Wrap(xerrors.CodeTaskFailed, err, fmt.Sprintf("%s priority task failed", t.priority))
		}
	}
}

func (r *Reactor) execute(t *task) (err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
		if r.observer != nil {
			r.observer.TaskExecuted(t.priority, time.Since(start), err)
		}
	}()
	return t.fn()
}

// Stop asks the loop to exit once the task currently executing returns.
// Calling Stop before Run makes Run return immediately.
func (r *Reactor) Stop() {
	if r.stopReq.Swap(true) {
		return
	}
	if r.state.Load() == stateRunning {
		// Wake a loop blocked waiting for work.
		_ = r.put(&task{priority: Highest, internal: true})
	}
}

// Stopping reports whether Stop has been requested.
func (r *Reactor) Stopping() bool {
	return r.stopReq.Load()
}

// Done is closed after the loop has exited and released its resources.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Context is cancelled when the loop exits. Work started through Go receives it.
func (r *Reactor) Context() context.Context {
	return r.ctx
}

// Len returns the number of queued tasks.
func (r *Reactor) Len() int {
	return r.ready.Len()
}

// Close releases the reactor without running it. It is a no-op after Run.
func (r *Reactor) Close() {
	if r.state.CompareAndSwap(stateIdle, stateStopped) {
		r.stopReq.Store(true)
		r.release()
	}
}

func (r *Reactor) shutdown() {
	r.state.Store(stateStopped)
	r.release()
}

func (r *Reactor) release() {
	r.ready.Dispose()
	r.cancel()
	r.timersMu.Lock()
	for tm := range r.timers {
		tm.cancelled.Store(true)
		tm.t.Stop()
	}
	r.timers = make(map[*Timer]struct{})
	r.timersMu.Unlock()
	r.pool.Release()
	close(r.done)
}
