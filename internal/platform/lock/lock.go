// Package lock serializes work on a single reconciliation scope or ledger
// account. Callers acquire a key, do their unit of work and release it.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrConcurrencyConflict is returned when another operation already holds the key.
var ErrConcurrencyConflict = errors.New("lock: operation already in flight for key")

// Release frees a held key. Calling it more than once is harmless.
type Release func(ctx context.Context) error

// Locker acquires exclusive, non-blocking ownership of a key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// ScopeKey builds the lock key for a settlement scope.
func ScopeKey(groupID, siteID int64) string {
	return fmt.Sprintf("settlement:scope:%d:%d:lock", groupID, siteID)
}

// AccountKey builds the lock key for an inventory account.
func AccountKey(accountID int64) string {
	return fmt.Sprintf("inventory:account:%d:lock", accountID)
}

// Local is an in-process Locker backed by a keyed mutex map.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal constructs an empty Local locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// TryLock claims key or fails with ErrConcurrencyConflict. The ttl is ignored
// because an in-process holder cannot disappear without releasing.
func (l *Local) TryLock(ctx context.Context, key string, _ time.Duration) (Release, error) {
	if key == "" {
		return nil, errors.New("lock: key is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, fmt.Errorf("%w: %s", ErrConcurrencyConflict, key)
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, nil
}

// Held reports whether key is currently claimed.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
