package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurelian-labs/oauthproxy/storage"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewWithClient(client, "test:"), mr
}

func TestStore_PutGetDelete(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "code:abc", `{"client_id":"c1"}`, nil))

	value, err := s.Get(ctx, "code:abc")
	require.NoError(t, err)
	assert.Equal(t, `{"client_id":"c1"}`, value)

	require.NoError(t, s.Delete(ctx, "code:abc"))

	_, err = s.Get(ctx, "code:abc")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, s.Delete(ctx, "code:abc"))
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := setupStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_TTLExpiry(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "csrf:tok", "v", &storage.PutOptions{ExpirationTTL: 1}))

	_, err := s.Get(ctx, "csrf:tok")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	_, err = s.Get(ctx, "csrf:tok")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	keys, err := s.List(ctx, &storage.ListOptions{Prefix: "csrf:"})
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestStore_ListPrefix(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "family:f1:r1", "v", nil))
	require.NoError(t, s.Put(ctx, "family:f1:r2", "v", nil))
	require.NoError(t, s.Put(ctx, "family:f2:r3", "v", nil))

	keys, err := s.List(ctx, &storage.ListOptions{Prefix: "family:f1:"})
	require.NoError(t, err)

	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.Name)
	}
	assert.ElementsMatch(t, []string{"family:f1:r1", "family:f1:r2"}, names)
}

func TestStore_KeyPrefixIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	a := NewWithClient(client, "a:")
	b := NewWithClient(client, "b:")
	ctx := context.Background()

	require.NoError(t, a.Put(ctx, "k", "from-a", nil))
	require.NoError(t, b.Put(ctx, "k", "from-b", nil))

	va, err := a.Get(ctx, "k")
	require.NoError(t, err)
	vb, err := b.Get(ctx, "k")
	require.NoError(t, err)

	assert.Equal(t, "from-a", va)
	assert.Equal(t, "from-b", vb)

	keys, err := a.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestNew_BadAddress(t *testing.T) {
	_, err := New(Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
