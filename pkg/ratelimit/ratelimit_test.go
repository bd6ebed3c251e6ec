package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type mockStore struct {
	allowed bool
	err     error
	lastKey string
	lastN   int
}

func (m *mockStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.lastKey, m.lastN = key, n
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return m.AllowN(ctx, key, 1)
}

func (m *mockStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	m.lastKey = key
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func TestAllow(t *testing.T) {
	store := &mockStore{allowed: true}
	l := NewWithStore(store)

	ok, err := l.Allow(context.Background(), "acme", 250)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "llm-router:tenant:acme", store.lastKey)
	assert.Equal(t, 250, store.lastN)

	_, err = l.Allow(context.Background(), "acme", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, store.lastN)

	store.allowed = false
	ok, err = l.Allow(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllow_StoreError(t *testing.T) {
	l := NewWithStore(&mockStore{err: errors.New("redis down")})
	ok, err := l.Allow(context.Background(), "acme", 10)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestAllow_Unlimited(t *testing.T) {
	var l *Limiter
	ok, err := l.Allow(context.Background(), "acme", 1_000_000)
	require.NoError(t, err)
	assert.True(t, ok)

	store := &mockStore{allowed: false}
	ok, err = NewWithStore(store).Allow(context.Background(), "", 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, store.lastKey)

	res, err := l.Status(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
