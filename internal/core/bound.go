package core

import "context"

// dependency ties a pending engine call to the lifetime of an entity: when
// ctx ends, the call is abandoned and err is reported instead.
type dependency struct {
	ctx context.Context
	err error
}

func firstEnded(deps []dependency) error {
	for _, d := range deps {
		if d.ctx.Err() != nil {
			return d.err
		}
	}
	return nil
}

// runBound runs fn with a context cancelled when ctx or any dependency ends,
// and returns as soon as that happens even if fn does not honour its
// context. A value produced after abandonment is passed to discard.
func runBound[T any](ctx context.Context, deps []dependency, fn func(context.Context) (T, error), discard func(T)) (T, error) {
	var zero T
	if err := firstEnded(deps); err != nil {
		return zero, err
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, d := range deps {
		stop := context.AfterFunc(d.ctx, cancel)
		defer stop()
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{v: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if err := firstEnded(deps); err != nil {
				return zero, err
			}
			return zero, res.err
		}
		return res.v, nil
	case <-cctx.Done():
		go func() {
			if res := <-done; res.err == nil && discard != nil {
				discard(res.v)
			}
		}()
		if err := firstEnded(deps); err != nil {
			return zero, err
		}
		return zero, ctx.Err()
	}
}
