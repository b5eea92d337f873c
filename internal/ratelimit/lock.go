package ratelimit

import "context"

// ctxLock is a mutex whose acquisition can be abandoned when ctx is done.
type ctxLock chan struct{}

func newCtxLock() ctxLock {
	return make(ctxLock, 1)
}

func (l ctxLock) lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l ctxLock) unlock() {
	<-l
}
