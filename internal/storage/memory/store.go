package memory

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/storage"
)

// DefaultSize is the number of queries kept when no size is configured.
const DefaultSize = 512

// Store is a bounded in-memory implementation of QueryStore.
// Least recently used queries are evicted once the store is full.
type Store struct {
	cache  *lru.Cache[string, string]
	closed atomic.Bool
}

var _ storage.QueryStore = (*Store)(nil)

// New creates a new in-memory store holding at most size queries.
func New(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("memory store: creating LRU: %w", err)
	}
	return &Store{cache: cache}, nil
}

func (s *Store) GetQuery(ctx context.Context, hash string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, storage.ErrClosed
	}
	query, ok := s.cache.Get(hash)
	return query, ok, nil
}

func (s *Store) PutQuery(ctx context.Context, hash, query string) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	s.cache.Add(hash, query)
	return nil
}

// Len returns the number of cached queries.
func (s *Store) Len() int {
	return s.cache.Len()
}

func (s *Store) Close() error {
	s.closed.Store(true)
	s.cache.Purge()
	return nil
}
