package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	s, err := NewFromURL(url, "test:"+uuid.NewString()+":", nil)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Claim(ctx, "paystack", "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, "paystack", "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Release(ctx, "paystack", "evt-1"))
	ok, err = s.Claim(ctx, "paystack", "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	unlock, ok, err := s.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock2, ok, err := s.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock2()
}
