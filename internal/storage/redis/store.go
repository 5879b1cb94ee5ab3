package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/storage"
)

// DefaultPrefix namespaces persisted query keys.
const DefaultPrefix = "apq:"

// Client is the subset of go-redis client methods used by Store.
// Keeping it as an interface enables miniredis-backed tests and cluster clients.
type Client interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Close() error
}

// Config holds the connection settings for the Redis store.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// TTL is the lifetime of a registered query. Zero means no expiry.
	// Every hit extends the lifetime again.
	TTL time.Duration
	// Logger receives TTL refresh failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// Store is a Redis implementation of QueryStore
type Store struct {
	cfg    Config
	client Client
}

var _ storage.QueryStore = (*Store)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := &redis.Options{
		Addr: cfg.Address,
		DB:   cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store %s: ping failed: %w", cfg.Address, err)
	}
	return NewWithClient(cfg, client), nil
}

// NewWithClient creates a Store backed by a pre-built client.
func NewWithClient(cfg Config, client Client) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{cfg: cfg, client: client}
}

func (s *Store) GetQuery(ctx context.Context, hash string) (string, bool, error) {
	key := s.key(hash)
	query, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis store: get %s: %w", hash, err)
	}

	// The query was read; a failed refresh only shortens its lifetime.
	if s.cfg.TTL > 0 {
		if err := s.client.Expire(ctx, key, s.cfg.TTL).Err(); err != nil {
			s.cfg.Logger.Warn("redis store: refresh ttl failed",
				slog.String("hash", hash),
				slog.String("error", err.Error()))
		}
	}
	return query, true, nil
}

func (s *Store) PutQuery(ctx context.Context, hash, query string) error {
	if err := s.client.Set(ctx, s.key(hash), query, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("redis store: set %s: %w", hash, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(hash string) string {
	return s.cfg.Prefix + hash
}
