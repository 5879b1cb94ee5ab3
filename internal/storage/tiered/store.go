// Package tiered fronts a persistent query store with an in-memory cache.
package tiered

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/storage"
)

// Store checks the front store first and falls back to the back store,
// promoting back-store hits into the front.
type Store struct {
	front  storage.QueryStore
	back   storage.QueryStore
	logger *slog.Logger
}

var _ storage.QueryStore = (*Store)(nil)

// New creates a tiered store. Both tiers are closed by Close.
func New(front, back storage.QueryStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{front: front, back: back, logger: logger}
}

func (s *Store) GetQuery(ctx context.Context, hash string) (string, bool, error) {
	// Tier 1: memory.
	query, found, err := s.front.GetQuery(ctx, hash)
	if err == nil && found {
		return query, true, nil
	}
	if err != nil {
		s.logger.WarnContext(ctx, "front query store lookup failed",
			slog.String("hash", hash),
			slog.String("error", err.Error()))
	}

	// Tier 2: persistent store.
	query, found, err = s.back.GetQuery(ctx, hash)
	if err != nil || !found {
		return "", false, err
	}

	if err := s.front.PutQuery(ctx, hash, query); err != nil {
		s.logger.WarnContext(ctx, "failed to promote persisted query",
			slog.String("hash", hash),
			slog.String("error", err.Error()))
	}
	return query, true, nil
}

// PutQuery writes through to both tiers. Only a back-store failure is
// reported.
func (s *Store) PutQuery(ctx context.Context, hash, query string) error {
	if err := s.front.PutQuery(ctx, hash, query); err != nil {
		s.logger.WarnContext(ctx, "front query store write failed",
			slog.String("hash", hash),
			slog.String("error", err.Error()))
	}
	return s.back.PutQuery(ctx, hash, query)
}

func (s *Store) Close() error {
	return errors.Join(s.front.Close(), s.back.Close())
}
