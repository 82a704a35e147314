package obfs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

// ErrWorkerPanic is wrapped by the error of a transport that panicked.
var ErrWorkerPanic = errors.New("transport panicked")

// worker runs a transport on its own goroutine.
// A panic is recovered into the worker's error.
type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// startWorker starts fn on a new goroutine. If lockThread is true,
// the goroutine is wired to its OS thread for its whole lifetime.
// Work that fn hands off to other goroutines is not covered by the lock.
func startWorker(ctx context.Context, lockThread bool, fn func(context.Context) error) *worker {
	ctx, cancel := context.WithCancel(ctx)
	w := &worker{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		if lockThread {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
		}
		defer close(w.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				w.err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
			}
		}()
		w.err = fn(ctx)
	}()

	return w
}

// stop cancels the worker and waits for it to acknowledge.
func (w *worker) stop() error {
	w.cancel()
	<-w.done
	return w.err
}

func (w *worker) abort() {
	w.cancel()
}

// recoverRelay wraps a relay loop started on a child goroutine,
// so that a panic in it is returned as an error wrapping [ErrWorkerPanic].
func recoverRelay(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
			}
		}()
		return fn()
	}
}
