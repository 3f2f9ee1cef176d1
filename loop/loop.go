// Package loop implements the single-threaded event loop every socket, server and
// engine completion runs on.
package loop

import (
	"context"
	"sync"

	"github.com/sagernet/loopnet/common/log"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"
)

// Loop runs posted tasks one at a time on the goroutine that calls Run or RunPending.
// Post may be called from any goroutine.
type Loop struct {
	logger logrus.FieldLogger
	access sync.Mutex
	tasks  *queue.Queue
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func New(logger logrus.FieldLogger) *Loop {
	if logger == nil {
		logger = log.Discard()
	}
	return &Loop{
		logger: logger,
		tasks:  queue.New(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post queues task for a later pass. It reports false once the loop is closed.
func (l *Loop) Post(task func()) bool {
	l.access.Lock()
	if l.closed {
		l.access.Unlock()
		return false
	}
	l.tasks.Add(task)
	l.access.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// NextTick defers task to the next pass of the loop, after the current call stack
// has unwound.
func (l *Loop) NextTick(task func()) {
	l.Post(task)
}

func (l *Loop) Pending() int {
	l.access.Lock()
	defer l.access.Unlock()
	return l.tasks.Length()
}

// RunPending runs the tasks queued before the call and returns how many ran. Tasks
// posted while it runs wait for the next pass.
func (l *Loop) RunPending() int {
	l.access.Lock()
	count := l.tasks.Length()
	batch := make([]func(), count)
	for i := range batch {
		batch[i] = l.tasks.Remove().(func())
	}
	l.access.Unlock()
	for _, task := range batch {
		l.run(task)
	}
	return count
}

func (l *Loop) run(task func()) {
	defer func() {
		if cause := recover(); cause != nil {
			l.logger.Error("task panic: ", cause)
		}
	}()
	task()
}

// Run processes tasks until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if l.RunPending() > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			l.RunPending()
			return nil
		case <-l.wake:
		}
	}
}

// RunUntil processes tasks until condition reports true, ctx is done or the loop is
// closed.
func (l *Loop) RunUntil(ctx context.Context, condition func() bool) error {
	for !condition() {
		if l.RunPending() > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return ErrClosed
		case <-l.wake:
		}
	}
	return nil
}

func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) Close() error {
	l.access.Lock()
	defer l.access.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	return nil
}
