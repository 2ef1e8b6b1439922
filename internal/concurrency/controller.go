// Package concurrency keeps at most one effective Run per concurrency group.
//
// Every Run advances its group's epoch when it starts. A Run holding an older
// epoch is superseded: its lease context is cancelled with ErrSuperseded and
// Lease.Check fails, so the Run stops before its next effectful step.
package concurrency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSuperseded reports that a newer Run of the same group has started.
var ErrSuperseded = errors.New("superseded by a newer run in the same group")

// EpochStore holds a monotonically increasing counter per group.
type EpochStore interface {
	// Advance increments the group's epoch and returns the new value.
	Advance(ctx context.Context, group string) (uint64, error)
	Current(ctx context.Context, group string) (uint64, error)
}

const defaultPollInterval = 500 * time.Millisecond

type Controller struct {
	store  EpochStore
	poll   time.Duration
	logger *slog.Logger
}

func NewController(store EpochStore, poll time.Duration, logger *slog.Logger) *Controller {
	if poll <= 0 {
		poll = defaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{store: store, poll: poll, logger: logger}
}

// Begin claims the newest epoch for group. The returned Lease must be
// released once the Run ends.
func (c *Controller) Begin(ctx context.Context, group string) (*Lease, error) {
	if group == "" {
		return nil, errors.New("concurrency: group is required")
	}
	epoch, err := c.store.Advance(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("concurrency: advance %s: %w", group, err)
	}

	lctx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		group:  group,
		epoch:  epoch,
		store:  c.store,
		ctx:    lctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.watch(c.poll, c.logger)
	c.logger.Debug("lease acquired", "group", group, "epoch", epoch)
	return l, nil
}

type Lease struct {
	group  string
	epoch  uint64
	store  EpochStore
	ctx    context.Context
	cancel context.CancelCauseFunc

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (l *Lease) Group() string { return l.group }
func (l *Lease) Epoch() uint64 { return l.epoch }

// Context is cancelled when the Run is superseded or the parent ends.
func (l *Lease) Context() context.Context { return l.ctx }

// Check reports whether the lease still holds the newest epoch. It consults
// the store directly instead of waiting for the next poll.
func (l *Lease) Check() error {
	if err := l.ctx.Err(); err != nil {
		return context.Cause(l.ctx)
	}
	cur, err := l.store.Current(l.ctx, l.group)
	if err != nil {
		return fmt.Errorf("concurrency: read epoch %s: %w", l.group, err)
	}
	if cur > l.epoch {
		l.cancel(ErrSuperseded)
		return ErrSuperseded
	}
	return nil
}

// Superseded reports whether the lease was cancelled by a newer Run.
func (l *Lease) Superseded() bool {
	return errors.Is(context.Cause(l.ctx), ErrSuperseded)
}

// Release stops watching the group. The lease context stays cancelled if it
// already was; otherwise it is cancelled with context.Canceled.
func (l *Lease) Release() {
	l.stopOnce.Do(func() {
		close(l.stop)
		<-l.done
		l.cancel(context.Canceled)
	})
}

func (l *Lease) watch(poll time.Duration, logger *slog.Logger) {
	defer close(l.done)
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-l.ctx.Done():
			return
		case <-t.C:
			cur, err := l.store.Current(l.ctx, l.group)
			if err != nil {
				if l.ctx.Err() == nil {
					logger.Warn("epoch poll failed", "group", l.group, "err", err)
				}
				continue
			}
			if cur > l.epoch {
				logger.Info("run superseded", "group", l.group, "epoch", l.epoch, "current", cur)
				l.cancel(ErrSuperseded)
				return
			}
		}
	}
}

// MemoryStore keeps epochs in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	epochs map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{epochs: map[string]uint64{}}
}

func (s *MemoryStore) Advance(ctx context.Context, group string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[group]++
	return s.epochs[group], nil
}

func (s *MemoryStore) Current(ctx context.Context, group string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epochs[group], nil
}
