// Package lock implements mutual exclusion between hosts using nothing
// but ordinary object-store operations. The lock is an object whose
// body is the owner's identity; absence means unlocked, and an object
// older than the staleness threshold is treated as abandoned.
//
// The store offers no conditional write, so acquisition is confirmed
// by writing the identity and immediately reading it back. Two writers
// racing inside that window can both transiently believe they hold the
// lock; this is a bounded-probability race, not a linearizable
// guarantee.
package lock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/mirrorops/bucketsync/internal/store"
)

const (
	DefaultStaleAfter = 60 * time.Second
	DefaultMaxWait    = 180 * time.Second

	maxRetryJitter = 30 * time.Second
)

var (
	// ErrNotAcquired is returned when the lock could not be taken
	// within the configured wait budget.
	ErrNotAcquired = errors.New("lock not acquired")

	// ErrNotOwner is returned by Release when the stored record does
	// not carry this locker's identity.
	ErrNotOwner = errors.New("lock held by another identity")
)

type Options struct {
	// StaleAfter is the age beyond which a lock record is considered
	// abandoned and reclaimable by anyone.
	StaleAfter time.Duration

	// MaxWait bounds the total time Acquire keeps retrying.
	MaxWait time.Duration
}

// Locker coordinates exclusive ownership of a single key in the store.
type Locker struct {
	store    store.Client
	key      string
	identity string
	opts     Options

	now    func() time.Time
	jitter func() time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(client store.Client, key, identity string, opts Options) *Locker {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	return &Locker{
		store:    client,
		key:      key,
		identity: identity,
		opts:     opts,
		now:      time.Now,
		jitter:   func() time.Duration { return time.Duration(rand.Int63n(int64(maxRetryJitter))) },
		sleep:    sleepContext,
	}
}

// Acquire takes the lock, retrying with jittered backoff until the
// wait budget is spent. It returns nil when the lock is held,
// ErrNotAcquired when the budget runs out, or the context error when
// cancelled during backoff.
func (l *Locker) Acquire(ctx context.Context) error {
	deadline := l.now().Add(l.opts.MaxWait)

	// An in-flight attempt runs its store operations to completion;
	// only the backoff sleep below watches ctx.
	opCtx := context.WithoutCancel(ctx)

	for {
		held, err := l.tryAcquire(opCtx)
		if err != nil {
			// Storage hiccups count as a failed attempt; the retry
			// loop below decides whether there is budget left.
			slog.Warn("lock attempt", "key", l.key, "error", err)
		}
		if held {
			slog.Debug("lock acquired", "key", l.key)
			return nil
		}

		if !l.now().Before(deadline) {
			return fmt.Errorf("%w: %s after %s", ErrNotAcquired, l.key, l.opts.MaxWait)
		}
		if err := l.sleep(ctx, l.jitter()); err != nil {
			return err
		}
	}
}

// tryAcquire runs a single pass of the acquisition protocol.
func (l *Locker) tryAcquire(ctx context.Context) (bool, error) {
	// One internal retry: reclaiming our own still-fresh record loops
	// back to the top exactly once.
	for attempt := 0; attempt < 2; attempt++ {
		freshSince := l.now().Add(-l.opts.StaleAfter)
		live, err := l.liveRecordExists(ctx, freshSince)
		if err != nil {
			return false, err
		}

		if !live {
			// Anything still sitting at the key is stale and gets
			// reclaimed regardless of who wrote it.
			if _, err := l.store.Delete(ctx, l.key); err != nil {
				return false, fmt.Errorf("reclaim stale lock: %w", err)
			}
			if _, err := l.store.Put(ctx, l.key, strings.NewReader(l.identity), int64(len(l.identity))); err != nil {
				return false, fmt.Errorf("write lock record: %w", err)
			}
			// Read-back is the only confirmation available without a
			// conditional write: last writer wins.
			owner, err := l.readOwner(ctx)
			if err != nil {
				return false, fmt.Errorf("confirm lock record: %w", err)
			}
			return owner == l.identity, nil
		}

		owner, err := l.readOwner(ctx)
		if err != nil {
			return false, fmt.Errorf("read lock record: %w", err)
		}
		if owner != l.identity {
			// Held by someone else and not stale.
			return false, nil
		}

		// Our own record from an earlier run; clear it and go again.
		slog.Debug("clearing own prior lock", "key", l.key)
		if _, err := l.store.Delete(ctx, l.key); err != nil {
			return false, fmt.Errorf("clear own lock: %w", err)
		}
	}

	return false, nil
}

// Release deletes the lock record, but only when this locker still
// owns it. A mismatched owner leaves the record untouched.
func (l *Locker) Release(ctx context.Context) error {
	owner, err := l.readOwner(ctx)
	if err != nil {
		return fmt.Errorf("read lock record: %w", err)
	}
	if owner != l.identity {
		return fmt.Errorf("%w: %s", ErrNotOwner, l.key)
	}

	if _, err := l.store.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("delete lock record: %w", err)
	}
	slog.Debug("lock released", "key", l.key)
	return nil
}

func (l *Locker) liveRecordExists(ctx context.Context, since time.Time) (bool, error) {
	objects, err := l.store.List(ctx, l.key, since)
	if err != nil {
		return false, fmt.Errorf("list lock records: %w", err)
	}
	for _, obj := range objects {
		// List is prefix-based; only an exact key match counts.
		if obj.Key == l.key {
			return true, nil
		}
	}
	return false, nil
}

func (l *Locker) readOwner(ctx context.Context) (string, error) {
	resp, err := l.store.Get(ctx, l.key)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// sleepContext waits for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
