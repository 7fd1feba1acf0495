package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type InvalidatorOptions struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration
}

type task struct {
	name string
	fn   func(ctx context.Context) error
}

// Invalidator deletes cache entries after writes. Document and cart entries
// are removed inline; list entries and cache fills go through a background
// queue that never blocks the caller.
type Invalidator struct {
	cache   Cache
	keys    *KeySpace
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	tasks  chan task
	wg     sync.WaitGroup
}

func NewInvalidator(c Cache, keys *KeySpace, logger *slog.Logger, opts InvalidatorOptions) *Invalidator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	i := &Invalidator{
		cache:   c,
		keys:    keys,
		logger:  logger,
		timeout: opts.Timeout,
		tasks:   make(chan task, opts.QueueSize),
	}
	for w := 0; w < opts.Workers; w++ {
		i.wg.Add(1)
		go i.worker()
	}
	return i
}

func (i *Invalidator) Keys() *KeySpace {
	return i.keys
}

func (i *Invalidator) worker() {
	defer i.wg.Done()
	for t := range i.tasks {
		i.run(t)
	}
}

func (i *Invalidator) run(t task) {
	ctx, cancel := detached(i.timeout)
	defer cancel()
	if err := t.fn(ctx); err != nil {
		i.logger.Warn("background cache task failed", "task", t.name, "error", err)
	}
}

// Document removes every cached populate variant of one document and
// discards fills of it still pending. Registered variants are deleted by
// exact key; a kind without registered variants falls back to a scan.
func (i *Invalidator) Document(ctx context.Context, kind Kind, id string) error {
	keys, registered := i.keys.DocKeys(kind, id)
	if err := i.cache.Invalidate(ctx, i.keys.DocGenKey(kind, id), keys...); err != nil {
		return err
	}
	if registered {
		return nil
	}
	_, err := i.cache.DeletePattern(ctx, i.keys.DocPattern(kind, id))
	return err
}

// Cart removes a user's cached cart and discards fills of it still pending.
func (i *Invalidator) Cart(ctx context.Context, userID string) error {
	return i.cache.Invalidate(ctx, CartGenKey(userID), CartKey(userID))
}

// Lists schedules removal of every cached list result of a kind.
func (i *Invalidator) Lists(kind Kind) {
	pattern := i.keys.ListPattern(kind)
	i.Go("invalidate "+pattern, func(ctx context.Context) error {
		if err := i.cache.Invalidate(ctx, i.keys.ListGenKey(kind)); err != nil {
			return err
		}
		n, err := i.cache.DeletePattern(ctx, pattern)
		if err == nil {
			i.logger.Debug("list cache invalidated", "pattern", pattern, "deleted", n)
		}
		return err
	})
}

// EntityChanged runs the full discipline for a written document: its own
// entries inline, the kind's list entries in the background.
func (i *Invalidator) EntityChanged(ctx context.Context, kind Kind, id string) {
	if id != "" {
		if err := i.Document(ctx, kind, id); err != nil {
			i.logger.Warn("document cache invalidation failed", "kind", kind, "id", id, "error", err)
		}
	}
	i.Lists(kind)
}

// Go runs fn in the background with its own deadline.
func (i *Invalidator) Go(name string, fn func(ctx context.Context) error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.closed {
		i.logger.Warn("background cache task dropped after shutdown", "task", name)
		return
	}
	t := task{name: name, fn: fn}
	select {
	case i.tasks <- t:
	default:
		i.wg.Add(1)
		go func() {
			defer i.wg.Done()
			i.run(t)
		}()
	}
}

// Close stops accepting work and waits for queued tasks to finish.
func (i *Invalidator) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	close(i.tasks)
	i.mu.Unlock()
	i.wg.Wait()
}
