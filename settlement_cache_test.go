package x402

import (
	"context"
	"sync"
	"testing"
	"time"
)

const (
	cacheToken = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	cachePayer = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestAuthorizationKey(t *testing.T) {
	nonce := "0x" + "ab00000000000000000000000000000000000000000000000000000000000001"

	key1 := AuthorizationKey(cacheToken, cachePayer, nonce)
	key2 := AuthorizationKey(cacheToken, cachePayer, "0x"+"ab00000000000000000000000000000000000000000000000000000000000002")
	key3 := AuthorizationKey(cacheToken, "0xF39FD6E51AAD88F6F4CE6AB8827279CFFFB92266", nonce)

	if key1 == key2 {
		t.Error("Expected different nonces to produce different keys")
	}
	if key1 != key3 {
		t.Errorf("Expected keys to ignore address case, got %s and %s", key1, key3)
	}
}

func TestSettlementCache_Begin_Settled(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	key := "settled-test"
	tx := &PaymentTransaction{Hash: "0x123", From: cachePayer, Status: TxStatusConfirmed}

	status, result, done := cache.Begin(key)
	if status != StatusNotFound {
		t.Errorf("Expected StatusNotFound, got %v", status)
	}
	if result != nil {
		t.Error("Expected nil result for NotFound")
	}

	cache.Complete(key, tx, done)

	status, result, _ = cache.Begin(key)
	if status != StatusSettled {
		t.Errorf("Expected StatusSettled, got %v", status)
	}
	if result == nil || result.Hash != "0x123" {
		t.Errorf("Expected cached transaction 0x123")
	}
}

func TestSettlementCache_Begin_InFlight(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	key := "inflight-test"

	status1, _, done1 := cache.Begin(key)
	if status1 != StatusNotFound {
		t.Errorf("Expected StatusNotFound, got %v", status1)
	}

	status2, _, done2 := cache.Begin(key)
	if status2 != StatusInFlight {
		t.Errorf("Expected StatusInFlight, got %v", status2)
	}
	if done1 != done2 {
		t.Error("Expected same done channel for in-flight settlements")
	}
	cache.Fail(key, done1)
}

func TestSettlementCache_Expiry(t *testing.T) {
	cache := NewSettlementCache(50 * time.Millisecond)
	key := "expiry-test"

	status, _, done := cache.Begin(key)
	if status != StatusNotFound {
		t.Fatalf("Expected StatusNotFound, got %v", status)
	}
	cache.Complete(key, &PaymentTransaction{Hash: "0x999"}, done)

	if cache.Get(key) == nil {
		t.Error("Expected a cached transaction immediately after complete")
	}

	time.Sleep(60 * time.Millisecond)

	status, _, done = cache.Begin(key)
	if status != StatusNotFound {
		t.Errorf("Expected StatusNotFound after expiry, got %v", status)
	}
	cache.Fail(key, done)
}

func TestSettlementCache_Fail(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	key := "fail-test"

	status, _, done := cache.Begin(key)
	if status != StatusNotFound {
		t.Fatalf("Expected StatusNotFound, got %v", status)
	}
	cache.Fail(key, done)

	// A failed settlement can be retried
	status, _, done2 := cache.Begin(key)
	if status != StatusNotFound {
		t.Errorf("Expected StatusNotFound after fail, got %v", status)
	}
	cache.Fail(key, done2)

	if cache.Get(key) != nil {
		t.Error("A failed settlement must not be cached")
	}
}

func TestSettlementCache_Wait(t *testing.T) {
	t.Run("returns the settled transaction", func(t *testing.T) {
		cache := NewSettlementCache(5 * time.Minute)
		key := "wait-test"
		_, _, done := cache.Begin(key)

		var wg sync.WaitGroup
		var waited *PaymentTransaction
		var waitErr error
		wg.Add(1)
		go func() {
			defer wg.Done()
			waited, waitErr = cache.Wait(context.Background(), key, done)
		}()

		time.Sleep(10 * time.Millisecond)
		cache.Complete(key, &PaymentTransaction{Hash: "0xwaited"}, done)
		wg.Wait()

		if waitErr != nil {
			t.Errorf("Expected no error, got %v", waitErr)
		}
		if waited == nil || waited.Hash != "0xwaited" {
			t.Errorf("Expected transaction 0xwaited, got %v", waited)
		}
	})

	t.Run("returns nil when the settlement failed", func(t *testing.T) {
		cache := NewSettlementCache(5 * time.Minute)
		key := "wait-fail"
		_, _, done := cache.Begin(key)

		go func() {
			time.Sleep(10 * time.Millisecond)
			cache.Fail(key, done)
		}()

		waited, err := cache.Wait(context.Background(), key, done)
		if err != nil {
			t.Errorf("Expected no error, got %v", err)
		}
		if waited != nil {
			t.Errorf("Expected nil transaction, got %v", waited)
		}
	})

	t.Run("honours cancellation", func(t *testing.T) {
		cache := NewSettlementCache(5 * time.Minute)
		key := "cancel-test"
		_, _, done := cache.Begin(key)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()

		if _, err := cache.Wait(ctx, key, done); err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
		cache.Fail(key, done)
	})
}

func TestSettlementCache_ConcurrentWaiters(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	key := "concurrent-test"

	status, _, done := cache.Begin(key)
	if status != StatusNotFound {
		t.Fatalf("Expected StatusNotFound, got %v", status)
	}

	var wg sync.WaitGroup
	results := make([]*PaymentTransaction, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = cache.Wait(context.Background(), key, done)
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	cache.Complete(key, &PaymentTransaction{Hash: "0xshared"}, done)
	wg.Wait()

	for i := 0; i < 3; i++ {
		if errs[i] != nil {
			t.Errorf("Goroutine %d got error: %v", i, errs[i])
			continue
		}
		if results[i] == nil || results[i].Hash != "0xshared" {
			t.Errorf("Goroutine %d got wrong transaction: %v", i, results[i])
		}
	}
}

func TestSettlementCache_AtomicBegin(t *testing.T) {
	cache := NewSettlementCache(5 * time.Minute)
	key := "atomic-test"

	var wg sync.WaitGroup
	var mu sync.Mutex
	notFound, inFlight := 0, 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, _, _ := cache.Begin(key)
			mu.Lock()
			defer mu.Unlock()
			switch status {
			case StatusNotFound:
				notFound++
			case StatusInFlight:
				inFlight++
			}
		}()
	}
	wg.Wait()

	if notFound != 1 {
		t.Errorf("Expected exactly 1 NotFound, got %d", notFound)
	}
	if inFlight != 9 {
		t.Errorf("Expected 9 InFlight, got %d", inFlight)
	}
}
