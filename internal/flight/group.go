// Package flight collapses concurrent executions for the same key into one
// run whose outcome is shared by every caller.
package flight

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// call is one pending execution. done is closed after val and err are set
// and the call has been removed from the group.
type call[T any] struct {
	done    chan struct{}
	val     T
	err     error
	started time.Time
	dups    int
}

// Group is a per-key registry of pending executions.
type Group[T any] struct {
	mu    sync.Mutex
	calls map[string]*call[T]

	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger

	// OnChange, when set, is called with the pending count after every change.
	OnChange func(pending int)
	// OnPrune, when set, is called with the number of entries a sweep removed.
	OnPrune func(pruned int)

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// New creates a group whose entries are considered stale after staleAfter.
func New[T any](staleAfter time.Duration, logger *zap.Logger) *Group[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group[T]{
		calls:      make(map[string]*call[T]),
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger,
	}
}

// Do runs work for key unless a run for key is already pending, in which case
// it waits for that run instead. shared reports whether the result came from
// a run started by another caller.
//
// work runs on its own goroutine: a caller whose ctx ends stops waiting, but
// the run continues and still resolves for everyone else attached to it.
func (g *Group[T]) Do(ctx context.Context, key string, work func() (T, error)) (v T, shared bool, err error) {
	g.mu.Lock()
	c, ok := g.calls[key]
	if ok {
		c.dups++
		g.mu.Unlock()
		g.logger.Debug("Attaching to pending execution", zap.String("key", key))
		v, err = wait(ctx, c)
		return v, true, err
	}

	c = &call[T]{done: make(chan struct{}), started: g.now()}
	g.calls[key] = c
	pending := len(g.calls)
	g.mu.Unlock()
	g.changed(pending)

	go g.run(key, c, work)

	v, err = wait(ctx, c)
	return v, false, err
}

func wait[T any](ctx context.Context, c *call[T]) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (g *Group[T]) run(key string, c *call[T], work func() (T, error)) {
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("execution for %s panicked: %v", key, r)
		}

		g.mu.Lock()
		// A sweep may already have replaced this entry with a newer run.
		if g.calls[key] == c {
			delete(g.calls, key)
		}
		pending := len(g.calls)
		g.mu.Unlock()
		g.changed(pending)

		close(c.done)
	}()

	c.val, c.err = work()
}

// Sweep removes entries started before now minus the staleness window and
// returns how many it removed. Removed runs keep going; only new callers are
// affected, and they start a fresh run.
func (g *Group[T]) Sweep(now time.Time) int {
	cutoff := now.Add(-g.staleAfter)

	g.mu.Lock()
	var pruned []string
	for key, c := range g.calls {
		if c.started.Before(cutoff) {
			delete(g.calls, key)
			pruned = append(pruned, key)
		}
	}
	pending := len(g.calls)
	g.mu.Unlock()

	for _, key := range pruned {
		g.logger.Info("Pruning stale pending request", zap.String("key", key))
	}
	if len(pruned) > 0 {
		g.changed(pending)
		if g.OnPrune != nil {
			g.OnPrune(len(pruned))
		}
	}
	return len(pruned)
}

// Start launches the background sweep at the given interval. It is a no-op
// if the sweep is already running.
func (g *Group[T]) Start(interval time.Duration) {
	g.mu.Lock()
	if g.stop != nil {
		g.mu.Unlock()
		return
	}
	g.stop = make(chan struct{})
	g.stopped = make(chan struct{})
	stop, stopped := g.stop, g.stopped
	g.mu.Unlock()

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.Sweep(g.now())
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the background sweep and waits for it to exit.
func (g *Group[T]) Stop() {
	g.mu.Lock()
	stop, stopped := g.stop, g.stopped
	g.mu.Unlock()
	if stop == nil {
		return
	}
	g.stopOnce.Do(func() { close(stop) })
	<-stopped
}

// Waiters returns how many callers attached to the pending run for key.
func (g *Group[T]) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.calls[key]; ok {
		return c.dups
	}
	return 0
}

// Pending returns the number of keys with a registered execution.
func (g *Group[T]) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *Group[T]) changed(pending int) {
	if g.OnChange != nil {
		g.OnChange(pending)
	}
}
