package reactor

import (
	"time"

	"github.com/Workiva/go-datastructures/queue"
)

// Func is a unit of deferred work executed on the loop goroutine.
// A non-nil error stops the loop and is returned from Run.
type Func func() error

// task is a queued Func. seq is assigned at submission and only breaks ties
// within one priority level.
type task struct {
	priority Priority
	seq      uint64
	fn       Func
	queuedAt time.Time
	internal bool
}

// Compare implements queue.Item. The ready queue pops the smallest item, so a
// task sorts before another when its priority is higher or, at equal priority,
// when it was submitted earlier.
func (t *task) Compare(other queue.Item) int {
	o := other.(*task)
	switch {
	case t.priority > o.priority:
		return -1
	case t.priority < o.priority:
		return 1
	case t.seq < o.seq:
		return -1
	case t.seq > o.seq:
		return 1
	default:
		return 0
	}
}
