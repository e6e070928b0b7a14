package service

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	commonlog "fieldsync/server/common/log"
)

var ErrLoopStopped = errors.New("event loop stopped")

// Loop runs posted callbacks one at a time on a single goroutine. State owned by
// the sync components is only touched from inside a callback, so none of it needs
// locking. Blocking I/O must run elsewhere and post its result back.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	started bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start runs the loop on its own goroutine.
func (l *Loop) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.stopped {
		return
	}
	l.started = true
	go l.run()
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, fn := range batch {
				select {
				case <-l.quit:
					return
				default:
				}
				l.invoke(fn)
			}
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			commonlog.Errorf("event=event_loop action=invoke status=panic error=%v stack=%s", r, debug.Stack())
		}
	}()
	fn()
}

// Post schedules fn and returns immediately. It reports false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it. Calling Do from inside a loop callback
// deadlocks.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop discards queued callbacks and waits for the running one to return.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		started := l.started
		l.mu.Unlock()
		close(l.quit)
		if !started {
			close(l.done)
		}
	})
	<-l.done
}
