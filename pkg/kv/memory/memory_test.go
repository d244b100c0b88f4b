package memory

import (
	"context"
	"testing"
	"time"

	"github.com/flowbridge/flowbridge-backend/pkg/kv"
	"github.com/flowbridge/flowbridge-backend/pkg/kv/kvtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreBasicOps(t *testing.T) {
	s := New(0)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	n, err := s.Exists(ctx, "k", "missing")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	removed, err := s.Del(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestMemoryStoreTTL(t *testing.T) {
	s := New(0)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestMemoryStoreIncrBy(t *testing.T) {
	s := New(0)
	defer s.Close()
	ctx := context.Background()

	n, err := s.IncrBy(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = s.IncrBy(ctx, "counter", -2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestMemoryStoreConformance(t *testing.T) {
	kvtest.RunConformanceTests(t, func(t *testing.T) kv.Store {
		return New(0)
	})
}
