package transport

import (
	"context"
	"sync"
)

// Attempt is a single in-flight connection establishment. Concurrent callers share one.
type Attempt struct {
	mode string
	auto bool
	once sync.Once
	done chan struct{}
	err  error
}

func newAttempt(mode string, auto bool) *Attempt {
	return &Attempt{mode: mode, auto: auto, done: make(chan struct{})}
}

func failedAttempt(mode string, err error) *Attempt {
	a := newAttempt(mode, false)
	a.finish(err)
	return a
}

func (a *Attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Done is closed once the attempt has either opened the channel or failed.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Err reports the outcome. It is only meaningful after Done is closed.
func (a *Attempt) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the attempt settles or ctx ends. Cancelling ctx does not cancel the attempt.
func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
