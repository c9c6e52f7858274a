// Package doccache is the content-addressed store of previously generated
// documentation. Keys are scoped to (repository, fingerprint): namespaces of
// different repositories never collide, even for identical content.
package doccache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/docpackd/internal/logfields"
	"git.home.luguber.info/inful/docpackd/internal/state"
)

// ErrMiss is returned by Get when no entry exists for the fingerprint.
var ErrMiss = errors.New("doccache: miss")

// Cache wraps the state store with the documentation cache contract.
type Cache struct {
	store  *state.Store
	logger *slog.Logger
}

// New creates a cache over the given state store.
func New(store *state.Store) *Cache {
	return &Cache{store: store, logger: slog.Default()}
}

// WithLogger sets a custom logger.
func (c *Cache) WithLogger(logger *slog.Logger) *Cache {
	c.logger = logger
	return c
}

// Get returns the cached documentation payload for a fingerprint, or ErrMiss.
func (c *Cache) Get(ctx context.Context, repository, fingerprint string) ([]byte, error) {
	entry, err := c.store.GetCacheEntry(ctx, repository, fingerprint)
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return entry.Payload, nil
}

// Put stores a generated payload with provenance. Entries are never
// invalidated by time; a fingerprint's content is immutable.
func (c *Cache) Put(ctx context.Context, repository, fingerprint string, doc []byte, jobID string) error {
	err := c.store.PutCacheEntry(ctx, state.CacheEntry{
		Repository:  repository,
		Fingerprint: fingerprint,
		Payload:     doc,
		JobID:       jobID,
		GeneratedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Prune lazily removes entries whose fingerprint no longer appears in any
// stored version of the repository. Safe to skip; regeneration cost dominates
// storage cost, so retention is otherwise unbounded.
func (c *Cache) Prune(ctx context.Context, repository string) error {
	n, err := c.store.PruneCache(ctx, repository)
	if err != nil {
		return fmt.Errorf("cache prune: %w", err)
	}
	if n > 0 {
		c.logger.Info("Pruned superseded cache entries",
			logfields.Repository(repository),
			slog.Int64("removed", n))
	}
	return nil
}
