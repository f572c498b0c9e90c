// Package dispatch runs fire-and-forget work off the request path.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is a unit of background work. The context carries the task timeout and
// is not tied to any request.
type Task func(ctx context.Context) error

// Dispatcher runs tasks on a bounded set of goroutines. Go never blocks the
// caller: when every slot is busy the task is dropped and logged.
type Dispatcher struct {
	group   *errgroup.Group
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

func New(limit int, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if limit <= 0 {
		limit = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &errgroup.Group{}
	g.SetLimit(limit)
	return &Dispatcher{group: g, timeout: timeout, logger: logger}
}

// Go schedules fn and reports whether it was accepted. Errors and panics in
// fn are logged and never reach the caller.
func (d *Dispatcher) Go(name string, fn Task) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.logger.Debug("dispatcher closed, dropping task", zap.String("task", name))
		return false
	}

	ok := d.group.TryGo(func() error {
		d.run(name, fn)
		return nil
	})
	if !ok {
		d.logger.Warn("dispatcher saturated, dropping task", zap.String("task", name))
	}
	return ok
}

func (d *Dispatcher) run(name string, fn Task) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("background task panicked", zap.String("task", name), zap.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := fn(ctx); err != nil {
		d.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
	}
}

// Close stops accepting tasks and waits for in-flight ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	_ = d.group.Wait()
}

// Wait blocks until every accepted task has finished. Used by tests and
// graceful shutdown; the dispatcher stays usable afterwards.
func (d *Dispatcher) Wait() {
	_ = d.group.Wait()
}
