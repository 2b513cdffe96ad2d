// Package limiter bounds how many conversions run at once.
package limiter

import "context"

// Limiter is a slot semaphore. Acquire blocks until a slot is free or the
// context is done; every successful Acquire must be paired with a Release,
// including on failure and cancellation paths.
type Limiter struct {
	slots chan struct{}
}

func New(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{slots: make(chan struct{}, capacity)}
}

func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) Release() {
	<-l.slots
}

func (l *Limiter) InUse() int {
	return len(l.slots)
}

func (l *Limiter) Capacity() int {
	return cap(l.slots)
}
