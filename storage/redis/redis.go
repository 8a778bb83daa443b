// Package redis provides a Redis-backed implementation of the storage
// interface for deployments that need shared state across instances and
// persistence across restarts. TTL enforcement is delegated to Redis key
// expiry; prefix listing uses SCAN so large keyspaces are never blocked.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/aurelian-labs/oauthproxy/storage"
)

const (
	// DefaultKeyPrefix scopes all keys so the proxy can share a Redis
	// database with other applications.
	DefaultKeyPrefix = "oauthproxy:"

	// scanBatchSize is the COUNT hint per SCAN iteration.
	scanBatchSize = 100

	// connectTimeout bounds the initial PING used to verify connectivity.
	connectTimeout = 5 * time.Second
)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Addr is the Redis server address (required), e.g. "localhost:6379".
	Addr string

	// Password is the optional password for authentication.
	Password string

	// DB is the database number (default 0).
	DB int

	// KeyPrefix is prepended to every key (default "oauthproxy:").
	KeyPrefix string

	// TLS enables encrypted connections when non-nil.
	TLS *tls.Config

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Store is a Redis-backed storage.Store.
type Store struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a Redis-backed store and verifies connectivity with a PING.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:      cfg.Addr,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	s := NewWithClient(client, cfg.KeyPrefix)
	if cfg.Logger != nil {
		s.logger = cfg.Logger
	}
	return s, nil
}

// NewWithClient wraps an existing client. Useful for tests and for callers
// that manage connection pooling themselves.
func NewWithClient(client goredis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client: client,
		prefix: keyPrefix,
		logger: slog.Default(),
	}
}

// Close releases the underlying client connections.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get returns the value stored under key, or storage.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// Put stores value under key. A positive TTL maps to Redis key expiry; zero
// stores without expiry.
func (s *Store) Put(ctx context.Context, key, value string, opts *storage.PutOptions) error {
	var ttl time.Duration
	if opts != nil && opts.ExpirationTTL > 0 {
		ttl = time.Duration(opts.ExpirationTTL) * time.Second
	}
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes the entry under key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// List returns the live keys matching opts, iterating with SCAN and
// stripping the backend prefix from results.
func (s *Store) List(ctx context.Context, opts *storage.ListOptions) ([]storage.Key, error) {
	match := s.prefix + "*"
	if opts != nil && opts.Prefix != "" {
		match = s.prefix + opts.Prefix + "*"
	}

	var keys []storage.Key
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		for _, name := range batch {
			keys = append(keys, storage.Key{Name: name[len(s.prefix):]})
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
