package idempotency

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/store"
)

func newCache(t *testing.T) (*Cache, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewCache(st, ids.NewMonotonicClock(), nil), st
}

func TestLookupMissThenHit(t *testing.T) {
	c, st := newCache(t)
	ctx := context.Background()
	body := []byte(`{"title":"report"}`)

	_, ok, err := c.Lookup(ctx, "alice", "create_run", "k1", body)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Store(ctx, "alice", "create_run", "k1", body, []byte(`{"run_id":"r1"}`)))

	resp, ok, err := c.Lookup(ctx, "alice", "create_run", "k1", body)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"run_id":"r1"}`), resp)

	counters, err := st.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counters["idempotency_hits_total"])
	assert.Equal(t, int64(1), counters["idempotency_stores_total"])
}

func TestSameKeyDifferentBodyIsFresh(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, "alice", "create_run", "k1", []byte(`{"n":1}`), []byte(`first`)))

	// Same key, different body: a distinct composite key, so a miss.
	_, ok, err := c.Lookup(ctx, "alice", "create_run", "k1", []byte(`{"n":2}`))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompositeKeyCanonicalisesBody(t *testing.T) {
	// Key ordering and whitespace must not change the composite key.
	a := CompositeKey("k1", []byte(`{"b":2,"a":1}`))
	b := CompositeKey("k1", []byte(`{ "a": 1, "b": 2 }`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, CompositeKey("k1", []byte(`{"a":1,"b":3}`)))
	assert.NotEqual(t, a, CompositeKey("k2", []byte(`{"b":2,"a":1}`)))
}

func TestScopedByUserAndEndpoint(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	body := []byte(`{}`)

	require.NoError(t, c.Store(ctx, "alice", "create_run", "k1", body, []byte(`alice-resp`)))

	_, ok, err := c.Lookup(ctx, "bob", "create_run", "k1", body)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.Lookup(ctx, "alice", "append_event", "k1", body)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFirstWriterWins(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	body := []byte(`{}`)

	require.NoError(t, c.Store(ctx, "alice", "create_run", "k1", body, []byte(`first`)))
	require.NoError(t, c.Store(ctx, "alice", "create_run", "k1", body, []byte(`second`)))

	resp, ok, err := c.Lookup(ctx, "alice", "create_run", "k1", body)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`first`), resp)
}
