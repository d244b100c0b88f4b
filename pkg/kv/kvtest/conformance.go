// Package kvtest provides a conformance suite for kv.Store implementations.
package kvtest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowbridge/flowbridge-backend/pkg/kv"
)

// StoreFactory creates a fresh Store instance for testing.
type StoreFactory func(t *testing.T) kv.Store

// RunConformanceTests runs the full suite against a Store implementation.
func RunConformanceTests(t *testing.T, factory StoreFactory) {
	t.Run("StringOperations", func(t *testing.T) {
		testStringOperations(t, factory)
	})
	t.Run("KeyOperations", func(t *testing.T) {
		testKeyOperations(t, factory)
	})
	t.Run("TTLOperations", func(t *testing.T) {
		testTTLOperations(t, factory)
	})
	t.Run("CounterOperations", func(t *testing.T) {
		testCounterOperations(t, factory)
	})
	t.Run("HealthCheck", func(t *testing.T) {
		testHealthCheck(t, factory)
	})
}

func testStringOperations(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetGet", testSetGet},
		{"GetNonExistent", testGetNonExistent},
		{"Overwrite", testOverwrite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSetGet(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:string"
	value := []byte("hello world")

	if err := store.Set(ctx, key, value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	result, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(result) != string(value) {
		t.Errorf("Get returned %q, want %q", result, value)
	}
}

func testGetNonExistent(t *testing.T, store kv.Store) {
	ctx := context.Background()

	_, err := store.Get(ctx, "test:missing")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Get on missing key returned %v, want kv.ErrNotFound", err)
	}
}

func testOverwrite(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:overwrite"

	if err := store.Set(ctx, key, []byte("first")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set(ctx, key, []byte("second")); err != nil {
		t.Fatalf("second Set failed: %v", err)
	}

	result, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(result) != "second" {
		t.Errorf("Get returned %q, want %q", result, "second")
	}
}

func testKeyOperations(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"Del", testDel},
		{"Exists", testExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testDel(t *testing.T, store kv.Store) {
	ctx := context.Background()

	if err := store.Set(ctx, "test:del1", []byte("a")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set(ctx, "test:del2", []byte("b")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	removed, err := store.Del(ctx, "test:del1", "test:del2", "test:del-missing")
	if err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Del removed %d keys, want 2", removed)
	}

	if _, err := store.Get(ctx, "test:del1"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Get after Del returned %v, want kv.ErrNotFound", err)
	}
}

func testExists(t *testing.T, store kv.Store) {
	ctx := context.Background()

	if err := store.Set(ctx, "test:exists", []byte("a")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	n, err := store.Exists(ctx, "test:exists", "test:exists-missing")
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Exists returned %d, want 1", n)
	}
}

func testTTLOperations(t *testing.T, factory StoreFactory) {
	tests := []struct {
		name string
		test func(t *testing.T, store kv.Store)
	}{
		{"SetWithTTL", testSetWithTTL},
		{"Expire", testExpire},
		{"TTL", testTTL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := factory(t)
			defer store.Close()
			tt.test(t, store)
		})
	}
}

func testSetWithTTL(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:expiring"

	if err := store.Set(ctx, key, []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("Set with TTL failed: %v", err)
	}

	if _, err := store.Get(ctx, key); err != nil {
		t.Fatalf("Get before expiry failed: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	if _, err := store.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Get after expiry returned %v, want kv.ErrNotFound", err)
	}
}

func testExpire(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:expire"

	if err := store.Set(ctx, key, []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ok, err := store.Expire(ctx, key, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Expire failed: %v", err)
	}
	if !ok {
		t.Fatal("Expire on existing key returned false")
	}

	ok, err = store.Expire(ctx, "test:expire-missing", time.Second)
	if err != nil {
		t.Fatalf("Expire on missing key failed: %v", err)
	}
	if ok {
		t.Error("Expire on missing key returned true")
	}

	time.Sleep(80 * time.Millisecond)

	if _, err := store.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Get after Expire returned %v, want kv.ErrNotFound", err)
	}
}

func testTTL(t *testing.T, store kv.Store) {
	ctx := context.Background()
	key := "test:ttl"

	if err := store.Set(ctx, key, []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set with TTL failed: %v", err)
	}

	ttl, err := store.TTL(ctx, key)
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("TTL returned %v, want a value in (0, 1m]", ttl)
	}

	if err := store.Set(ctx, "test:ttl-persistent", []byte("v")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	// Backends map Redis's -1 sentinel to negative durations.
	ttl, err = store.TTL(ctx, "test:ttl-persistent")
	if err != nil {
		t.Fatalf("TTL on persistent key failed: %v", err)
	}
	if ttl >= 0 {
		t.Errorf("TTL on persistent key returned %v, want a negative sentinel", ttl)
	}
}

func testCounterOperations(t *testing.T, factory StoreFactory) {
	store := factory(t)
	defer store.Close()
	ctx := context.Background()

	n, err := store.IncrBy(ctx, "test:counter", 3)
	if err != nil {
		t.Fatalf("IncrBy failed: %v", err)
	}
	if n != 3 {
		t.Errorf("IncrBy returned %d, want 3", n)
	}

	n, err = store.IncrBy(ctx, "test:counter", -1)
	if err != nil {
		t.Fatalf("IncrBy failed: %v", err)
	}
	if n != 2 {
		t.Errorf("IncrBy returned %d, want 2", n)
	}
}

func testHealthCheck(t *testing.T, factory StoreFactory) {
	store := factory(t)
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
