// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package lock

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/cotxd/cotxd/cotx"
)

const (
	// DefaultTTL is the lease duration applied when the caller passes zero.
	// Leases auto-expire so a crashed holder cannot wedge a wallet.
	DefaultTTL = 5 * time.Second

	// DefaultAcquireTimeout bounds how long Acquire will retry before
	// giving up with ErrAcquireTimeout.
	DefaultAcquireTimeout = 5 * time.Second

	// retryDelay is the pause between acquisition attempts.
	retryDelay = 20 * time.Millisecond
)

// ErrAcquireTimeout is returned when the lock could not be acquired within
// the configured timeout. It is transient; callers should retry.
const ErrAcquireTimeout = cotx.ErrorKind("lock acquisition timed out")

// Token proves lease ownership. Only the holder of the token returned by
// Acquire may release the lease.
type Token string

// NewToken generates a random lease token.
func NewToken() Token {
	return Token(hex.EncodeToString(cotx.RandomBytes(16)))
}

// Locker is a named, TTL-based mutual exclusion primitive. Every
// read-modify-write sequence that must not interleave for a wallet (address
// allocation, input selection and reservation) runs under the wallet's lock.
type Locker interface {
	// Acquire obtains the lease for key, retrying with bounded backoff
	// until the configured timeout, then failing with ErrAcquireTimeout.
	// Acquisition is also abandoned when ctx is canceled.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error)
	// Release returns the lease. Release is idempotent: releasing an
	// expired, absent, or foreign lease is a no-op.
	Release(key string, token Token) error
}

type lease struct {
	token  Token
	expiry time.Time
}

// MemLocker is the in-process Locker used when a single coordinator owns all
// wallets. For a fleet of stateless handlers sharing a store, use the Redis
// locker instead.
type MemLocker struct {
	mtx            sync.Mutex
	leases         map[string]*lease
	acquireTimeout time.Duration
}

var _ Locker = (*MemLocker)(nil)

// NewMemLocker creates a MemLocker. A non-positive acquireTimeout selects
// DefaultAcquireTimeout.
func NewMemLocker(acquireTimeout time.Duration) *MemLocker {
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	return &MemLocker{
		leases:         make(map[string]*lease),
		acquireTimeout: acquireTimeout,
	}
}

// tryAcquire grants the lease if it is free or expired.
func (m *MemLocker) tryAcquire(key string, ttl time.Duration, now time.Time) (Token, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	l, held := m.leases[key]
	if held && now.Before(l.expiry) {
		return "", false
	}
	token := NewToken()
	m.leases[key] = &lease{token: token, expiry: now.Add(ttl)}
	return token, true
}

// Acquire implements Locker.
func (m *MemLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	deadline := time.Now().Add(m.acquireTimeout)
	for {
		now := time.Now()
		if token, ok := m.tryAcquire(key, ttl, now); ok {
			return token, nil
		}
		if now.After(deadline) {
			return "", cotx.NewError(ErrAcquireTimeout, key)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(retryDelay):
		}
	}
}

// Release implements Locker.
func (m *MemLocker) Release(key string, token Token) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	l, held := m.leases[key]
	if !held || l.token != token {
		return nil
	}
	delete(m.leases, key)
	return nil
}
