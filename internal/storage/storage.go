// Package storage holds the persisted-query stores used by the APQ resolver.
//
// Backends live in subpackages: memory (bounded LRU), sqlite, redis, and
// tiered, which fronts any persistent store with a memory cache.
package storage

import (
	"errors"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/ports"
)

// Re-export the store interface from core/ports.
type QueryStore = ports.QueryStore

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("storage: store is closed")
