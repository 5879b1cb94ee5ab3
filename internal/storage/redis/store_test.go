package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store backed by a miniredis server.
func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewWithClient(Config{Address: mr.Addr(), Prefix: "test:", TTL: ttl}, client), mr
}

func TestRedisStore_PutAndGet(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, 0)

	if _, found, err := store.GetQuery(ctx, "missing"); err != nil || found {
		t.Fatalf("GetQuery(missing) = found %v, err %v", found, err)
	}

	if err := store.PutQuery(ctx, "abc", "{ me { id } }"); err != nil {
		t.Fatalf("PutQuery failed: %v", err)
	}

	raw, err := mr.Get("test:abc")
	if err != nil {
		t.Fatalf("expected key %q in redis: %v", "test:abc", err)
	}
	if raw != "{ me { id } }" {
		t.Errorf("raw value = %q", raw)
	}

	query, found, err := store.GetQuery(ctx, "abc")
	if err != nil {
		t.Fatalf("GetQuery failed: %v", err)
	}
	if !found || query != "{ me { id } }" {
		t.Errorf("GetQuery() = %q, %v", query, found)
	}
}

func TestRedisStore_TTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Minute)

	if err := store.PutQuery(ctx, "abc", "{ a }"); err != nil {
		t.Fatalf("PutQuery failed: %v", err)
	}
	if ttl := mr.TTL("test:abc"); ttl != time.Minute {
		t.Errorf("TTL = %v, want %v", ttl, time.Minute)
	}

	mr.FastForward(40 * time.Second)
	if _, found, _ := store.GetQuery(ctx, "abc"); !found {
		t.Fatal("expected hit before expiry")
	}
	// The hit refreshed the TTL.
	if ttl := mr.TTL("test:abc"); ttl != time.Minute {
		t.Errorf("TTL after hit = %v, want %v", ttl, time.Minute)
	}

	mr.FastForward(2 * time.Minute)
	if _, found, _ := store.GetQuery(ctx, "abc"); found {
		t.Error("expected miss after expiry")
	}
}

func TestRedisStore_DefaultPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewWithClient(Config{}, client)
	if err := store.PutQuery(context.Background(), "abc", "{ a }"); err != nil {
		t.Fatalf("PutQuery failed: %v", err)
	}
	if !mr.Exists(DefaultPrefix + "abc") {
		t.Errorf("expected key %q, got keys %v", DefaultPrefix+"abc", mr.Keys())
	}
}

func TestRedisStore_Errors(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, 0)

	mr.SetError("ERR simulated failure")
	if _, _, err := store.GetQuery(ctx, "abc"); err == nil {
		t.Error("expected GetQuery error")
	}
	if err := store.PutQuery(ctx, "abc", "{ a }"); err == nil {
		t.Error("expected PutQuery error")
	}
}

// expireFailing reads through to Redis but fails every TTL refresh.
type expireFailing struct {
	*redis.Client
}

func (c expireFailing) Expire(ctx context.Context, key string, _ time.Duration) *redis.BoolCmd {
	cmd := redis.NewBoolCmd(ctx, "expire", key)
	cmd.SetErr(errors.New("connection reset"))
	return cmd
}

func TestRedisStore_RefreshFailureStillHits(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := NewWithClient(Config{Prefix: "test:", TTL: time.Minute}, expireFailing{client})

	if err := store.PutQuery(ctx, "abc", "{ a }"); err != nil {
		t.Fatalf("PutQuery failed: %v", err)
	}
	mr.FastForward(40 * time.Second)

	query, found, err := store.GetQuery(ctx, "abc")
	if err != nil {
		t.Fatalf("GetQuery() error = %v", err)
	}
	if !found || query != "{ a }" {
		t.Errorf("GetQuery() = %q, %v", query, found)
	}
	if ttl := mr.TTL("test:abc"); ttl != 20*time.Second {
		t.Errorf("TTL = %v, want the unrefreshed 20s", ttl)
	}
}

func TestNew_PingFails(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := New(ctx, Config{Address: addr}); err == nil {
		t.Fatal("expected error connecting to a stopped server")
	}
}

func TestNew_Connects(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := New(context.Background(), Config{Address: mr.Addr()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	if err := store.PutQuery(context.Background(), "abc", "{ a }"); err != nil {
		t.Fatalf("PutQuery failed: %v", err)
	}
}
