package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// SetMode controls conditional writes.
type SetMode int

const (
	// SetModeAlways writes unconditionally.
	SetModeAlways SetMode = iota
	// SetModeNX writes only when the key is absent (set-if-absent).
	SetModeNX
	// SetModeXX writes only when the key already exists.
	SetModeXX
)

// ErrNotFound indicates the requested key does not exist.
var ErrNotFound = errors.New("key not found")

// expiredEventPattern is the keyspace-notification channel for TTL expiry on
// the reserved scheduler database (db 0).
const expiredEventPattern = "__keyevent@0__:expired"

// Opts holds configuration for the Store.
type Opts struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// Option configures the Store.
type Option func(*Opts)

// WithAddr sets the Redis address (host:port).
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPassword sets the Redis password.
func WithPassword(pw string) Option {
	return func(o *Opts) { o.Password = pw }
}

// WithDB selects the Redis logical database.
func WithDB(db int) Option {
	return func(o *Opts) { o.DB = db }
}

// WithNamespace sets a prefix applied to every key.
func WithNamespace(ns string) Option {
	return func(o *Opts) { o.Namespace = ns }
}

// Store is a namespaced, string-keyed store with TTL, backed by a long-lived
// Redis connection pool. Values are msgpack-encoded via the package codec.
type Store struct {
	client *redis.Client
	ns     string
}

// NewStore creates a Store from the provided options and verifies the
// connection with a ping.
func NewStore(opts ...Option) (*Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	slog.Debug("kv.NewStore: connecting", "addr", cfg.Addr, "db", cfg.DB)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("kv.NewStore: ping failed", "error", err, "addr", cfg.Addr)
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	slog.Debug("kv.NewStore: connected", "addr", cfg.Addr)
	return &Store{client: client, ns: cfg.Namespace}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(k string) string {
	if s.ns == "" {
		return k
	}
	return s.ns + ":" + k
}

// Set stores a msgpack-encoded value under key with the given TTL. With
// SetModeNX/SetModeXX the write is conditional; ok reports whether the write
// happened.
func (s *Store) Set(ctx context.Context, key string, value interface{}, ttl time.Duration, mode SetMode) (bool, error) {
	data, err := Marshal(value)
	if err != nil {
		return false, err
	}
	k := s.key(key)
	switch mode {
	case SetModeNX:
		ok, err := s.client.SetNX(ctx, k, data, ttl).Result()
		if err != nil {
			slog.Error("kv Set NX failed", "error", err, "key", key)
			return false, fmt.Errorf("failed to set key %s: %w", key, err)
		}
		return ok, nil
	case SetModeXX:
		ok, err := s.client.SetXX(ctx, k, data, ttl).Result()
		if err != nil {
			slog.Error("kv Set XX failed", "error", err, "key", key)
			return false, fmt.Errorf("failed to set key %s: %w", key, err)
		}
		return ok, nil
	default:
		if err := s.client.Set(ctx, k, data, ttl).Err(); err != nil {
			slog.Error("kv Set failed", "error", err, "key", key)
			return false, fmt.Errorf("failed to set key %s: %w", key, err)
		}
		return true, nil
	}
}

// GetInto retrieves a value and decodes it into dest. Returns ErrNotFound
// when the key does not exist.
func (s *Store) GetInto(ctx context.Context, key string, dest interface{}) error {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		slog.Error("kv Get failed", "error", err, "key", key)
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return Unmarshal(data, dest)
}

// Delete removes one or more keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		slog.Error("kv Delete failed", "error", err, "keys", keys)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Expire refreshes the TTL of a key; ok reports whether the key existed.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, s.key(key), ttl).Result()
	if err != nil {
		slog.Error("kv Expire failed", "error", err, "key", key)
		return false, fmt.Errorf("failed to expire key %s: %w", key, err)
	}
	return ok, nil
}

// TTL returns the remaining time to live of a key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil {
		slog.Error("kv TTL failed", "error", err, "key", key)
		return 0, fmt.Errorf("failed to read ttl of key %s: %w", key, err)
	}
	return d, nil
}

// Exists reports whether the key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(key)).Result()
	if err != nil {
		slog.Error("kv Exists failed", "error", err, "key", key)
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

// HSet stores a msgpack-encoded value under a hash field.
func (s *Store) HSet(ctx context.Context, key, field string, value interface{}) error {
	data, err := Marshal(value)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.key(key), field, data).Err(); err != nil {
		slog.Error("kv HSet failed", "error", err, "key", key, "field", field)
		return fmt.Errorf("failed to hset %s/%s: %w", key, field, err)
	}
	return nil
}

// HGetAll returns all raw fields of a hash; values remain msgpack-encoded.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		slog.Error("kv HGetAll failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to hgetall %s: %w", key, err)
	}
	return m, nil
}

// RPush appends msgpack-encoded values to a list.
func (s *Store) RPush(ctx context.Context, key string, values ...interface{}) error {
	encoded := make([]interface{}, len(values))
	for i, v := range values {
		data, err := Marshal(v)
		if err != nil {
			return err
		}
		encoded[i] = data
	}
	if err := s.client.RPush(ctx, s.key(key), encoded...).Err(); err != nil {
		slog.Error("kv RPush failed", "error", err, "key", key)
		return fmt.Errorf("failed to rpush %s: %w", key, err)
	}
	return nil
}

// LRange returns the raw list entries in [start, stop].
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := s.client.LRange(ctx, s.key(key), start, stop).Result()
	if err != nil {
		slog.Error("kv LRange failed", "error", err, "key", key)
		return nil, fmt.Errorf("failed to lrange %s: %w", key, err)
	}
	return vals, nil
}

// SubscribeExpired subscribes to key-expiry notifications on the reserved
// scheduler database and returns a channel of expired key names (namespace
// stripped). It enables keyspace notifications on the server; a failure to
// do so is logged but not fatal since the server may already be configured.
// The subscription ends when ctx is cancelled.
func (s *Store) SubscribeExpired(ctx context.Context) (<-chan string, error) {
	if err := s.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		slog.Warn("kv SubscribeExpired: could not enable keyspace notifications", "error", err)
	}
	pubsub := s.client.PSubscribe(ctx, expiredEventPattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		slog.Error("kv SubscribeExpired: subscribe failed", "error", err)
		return nil, fmt.Errorf("failed to subscribe to expiry events: %w", err)
	}
	out := make(chan string, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				key := msg.Payload
				if s.ns != "" {
					prefix := s.ns + ":"
					if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
						continue
					}
					key = key[len(prefix):]
				}
				select {
				case out <- key:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	slog.Debug("kv SubscribeExpired: listening", "pattern", expiredEventPattern)
	return out, nil
}
