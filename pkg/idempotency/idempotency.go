// Package idempotency caches first responses so replayed requests return
// byte-identical bodies. The composite key folds in a hash of the canonical
// request body, so reusing a key with a different body is a fresh request,
// not a replay.
package idempotency

import (
	"context"
	"log/slog"

	"github.com/omniplexity/substrate/pkg/canonicalize"
	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/store"
)

// Cache wraps the durable idempotency table.
type Cache struct {
	store  *store.Store
	clock  ids.Clock
	logger *slog.Logger
}

// NewCache constructs the cache.
func NewCache(st *store.Store, clock ids.Clock, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{store: st, clock: clock, logger: logger.With("component", "idempotency")}
}

// CompositeKey derives the storage key from the caller-supplied key and the
// canonicalised request body.
func CompositeKey(key string, body []byte) string {
	return key + ":" + canonicalize.HashRaw(body)
}

// Lookup returns the stored response for (user, endpoint, key, body), or
// ok=false on miss. Hits bump idempotency_hits_total.
func (c *Cache) Lookup(ctx context.Context, userID, endpoint, key string, body []byte) ([]byte, bool, error) {
	stored, ok, err := c.store.GetIdempotent(ctx, userID, endpoint, CompositeKey(key, body))
	if err != nil || !ok {
		return nil, false, err
	}
	if cerr := c.store.IncrCounter(ctx, "idempotency_hits_total", 1); cerr != nil {
		c.logger.Warn("counter update failed", "error", cerr)
	}
	return stored, true, nil
}

// Store records the first response for the composite key and bumps
// idempotency_stores_total. The first writer wins.
func (c *Cache) Store(ctx context.Context, userID, endpoint, key string, body, response []byte) error {
	if err := c.store.PutIdempotent(ctx, userID, endpoint, CompositeKey(key, body), response, c.clock.Now()); err != nil {
		return err
	}
	if cerr := c.store.IncrCounter(ctx, "idempotency_stores_total", 1); cerr != nil {
		c.logger.Warn("counter update failed", "error", cerr)
	}
	return nil
}
