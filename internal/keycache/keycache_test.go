package keycache

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *ecdsa.PublicKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &priv.PublicKey
}

func TestGetCachesWithinTTL(t *testing.T) {
	key := testKey(t)
	fetches := 0
	c := New(func(context.Context) (map[string]*ecdsa.PublicKey, error) {
		fetches++
		return map[string]*ecdsa.PublicKey{"k1": key}, nil
	}, time.Hour)

	ctx := context.Background()
	got, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Same(t, key, got)

	_, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)
}

func TestGetRefreshesAfterTTL(t *testing.T) {
	key := testKey(t)
	fetches := 0
	c := New(func(context.Context) (map[string]*ecdsa.PublicKey, error) {
		fetches++
		return map[string]*ecdsa.PublicKey{"k1": key}, nil
	}, time.Hour)
	clock := time.Now()
	c.now = func() time.Time { return clock }

	ctx := context.Background()
	_, err := c.Get(ctx, "k1")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	_, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
}

func TestUnknownKeyForcesRefetch(t *testing.T) {
	k1, k2 := testKey(t), testKey(t)
	sets := []map[string]*ecdsa.PublicKey{
		{"k1": k1},
		{"k1": k1, "k2": k2}, // key rotated in
	}
	fetches := 0
	c := New(func(context.Context) (map[string]*ecdsa.PublicKey, error) {
		set := sets[fetches]
		if fetches < len(sets)-1 {
			fetches++
		}
		return set, nil
	}, time.Hour)

	ctx := context.Background()
	_, err := c.Get(ctx, "k1")
	require.NoError(t, err)

	got, err := c.Get(ctx, "k2")
	require.NoError(t, err)
	assert.Same(t, k2, got)
}

func TestUnknownKeyAfterRefetch(t *testing.T) {
	c := New(func(context.Context) (map[string]*ecdsa.PublicKey, error) {
		return map[string]*ecdsa.PublicKey{}, nil
	}, time.Hour)
	_, err := c.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestInvalidate(t *testing.T) {
	key := testKey(t)
	fetches := 0
	c := New(func(context.Context) (map[string]*ecdsa.PublicKey, error) {
		fetches++
		return map[string]*ecdsa.PublicKey{"k1": key}, nil
	}, time.Hour)

	ctx := context.Background()
	_, err := c.Get(ctx, "k1")
	require.NoError(t, err)
	c.Invalidate()
	_, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
}
