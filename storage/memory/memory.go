// Package memory provides an in-memory implementation of the storage
// interface. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aurelian-labs/oauthproxy/storage"
)

// entry is a stored value with an optional absolute expiry.
type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is an in-memory storage.Store backed by a map with per-entry TTLs.
// Expired entries behave as deleted immediately; a background sweep reclaims
// their memory.
type Store struct {
	mu      sync.RWMutex
	entries map[string]entry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default sweep interval of one
// minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom sweep
// interval. Non-positive intervals fall back to one minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		entries:         make(map[string]entry),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// Stop terminates the background sweep goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Get returns the value stored under key, or storage.ErrNotFound if the key
// is absent or its TTL has elapsed.
func (s *Store) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		return "", storage.ErrNotFound
	}
	return e.value, nil
}

// Put stores value under key, replacing any existing entry.
func (s *Store) Put(_ context.Context, key, value string, opts *storage.PutOptions) error {
	var expiresAt time.Time
	if opts != nil && opts.ExpirationTTL > 0 {
		expiresAt = time.Now().Add(time.Duration(opts.ExpirationTTL) * time.Second)
	}

	s.mu.Lock()
	s.entries[key] = entry{value: value, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

// Delete removes the entry under key. Missing keys are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// List returns the live keys matching opts, sorted by name for deterministic
// iteration.
func (s *Store) List(_ context.Context, opts *storage.ListOptions) ([]storage.Key, error) {
	var prefix string
	if opts != nil {
		prefix = opts.Prefix
	}

	now := time.Now()

	s.mu.RLock()
	keys := make([]storage.Key, 0, len(s.entries))
	for name, e := range s.entries {
		if e.expired(now) {
			continue
		}
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		keys = append(keys, storage.Key{Name: name})
	}
	s.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].Name < keys[j].Name })
	return keys, nil
}

// Len returns the number of entries currently held, including expired
// entries not yet swept. Intended for tests and capacity monitoring.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// cleanupLoop periodically removes expired entries so memory does not grow
// unboundedly between lazy expiry checks.
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	removed := 0
	for name, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, name)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("Swept expired storage entries", "removed", removed)
	}
}
