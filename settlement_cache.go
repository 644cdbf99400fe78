package x402

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SettlementCache remembers authorizations this process has already settled
// and collapses concurrent settlements of the same authorization, so a
// retried settle reports the replay without another round trip to the chain.
type SettlementCache struct {
	mu       sync.Mutex
	settled  map[string]*PaymentTransaction
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewSettlementCache creates a cache that keeps settled results for ttl
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		settled:  make(map[string]*PaymentTransaction),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// AuthorizationKey identifies an authorization by token contract, payer and nonce.
// Nonces are scoped to (payer, token) so the triple is unique.
func AuthorizationKey(tokenAddress, from, nonce string) string {
	return strings.ToLower(tokenAddress) + ":" + strings.ToLower(from) + ":" + strings.ToLower(nonce)
}

// SettlementStatus is the result of Begin
type SettlementStatus int

const (
	// StatusNotFound means the caller now owns the settlement
	StatusNotFound SettlementStatus = iota
	// StatusSettled means a previous settlement succeeded
	StatusSettled
	// StatusInFlight means another caller is settling right now
	StatusInFlight
)

// Begin checks the cache and marks key in-flight when nobody else holds it.
//   - StatusSettled + tx: the authorization was already settled
//   - StatusInFlight + wait channel: another caller is settling it
//   - StatusNotFound + done channel: caller must call Complete or Fail with done
func (c *SettlementCache) Begin(key string) (SettlementStatus, *PaymentTransaction, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tx := c.getLocked(key); tx != nil {
		return StatusSettled, tx, nil
	}
	if done, ok := c.inFlight[key]; ok {
		return StatusInFlight, nil, done
	}
	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// Wait blocks until an in-flight settlement finishes. It returns the
// settled transaction, or nil if that attempt failed.
func (c *SettlementCache) Wait(ctx context.Context, key string, done chan struct{}) (*PaymentTransaction, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the settled transaction for key, if still cached
func (c *SettlementCache) Get(key string) *PaymentTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *SettlementCache) getLocked(key string) *PaymentTransaction {
	expiry, ok := c.expiry[key]
	if !ok {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.settled, key)
		delete(c.expiry, key)
		return nil
	}
	return c.settled[key]
}

// Complete records a successful settlement and releases waiters
func (c *SettlementCache) Complete(key string, tx *PaymentTransaction, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.settled[key] = tx
	c.expiry[key] = time.Now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	now := time.Now()
	for k, exp := range c.expiry {
		if now.After(exp) {
			delete(c.settled, k)
			delete(c.expiry, k)
		}
	}
}

// Fail releases waiters without recording a result; they may try again
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, key)
	close(done)
}
