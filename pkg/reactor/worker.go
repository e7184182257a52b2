package reactor

import (
	"context"
	stdErrors "errors"
	"fmt"

	"github.com/panjf2000/ants/v2"

	xerrors "appbase/internal/errors"
)

// Go runs blocking work on the bounded worker pool and posts done, with the
// work's result, at priority p. work receives the reactor context, which is
// cancelled when the loop exits; a completion arriving after that is dropped.
func (r *Reactor) Go(p Priority, work func(ctx context.Context) error, done func(error) error) error {
	if work == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "work function cannot be nil")
	}
	if !p.Valid() {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid priority %d", int(p)))
	}
	if r.state.Load() == stateStopped {
		return ErrStopped
	}
	ctx := r.ctx
	err := r.pool.Submit(func() {
		result := work(ctx)
		if done == nil {
			return
		}
		if postErr := r.Post(p, func() error { return done(result) }); postErr != nil && !stdErrors.Is(postErr, ErrStopped) {
			r.log.Warn("drop worker completion", "error", postErr)
		}
	})
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, ants.ErrPoolClosed):
		return ErrStopped
	default:
		return fmt.Errorf("submit work: %w", err)
	}
}

// Workers returns the number of running pool goroutines.
func (r *Reactor) Workers() int {
	return r.pool.Running()
}
