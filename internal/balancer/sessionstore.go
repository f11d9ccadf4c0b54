package balancer

import (
	"context"
	"sync"
	"time"
)

// SessionStore persists sticky-session entries: a session key mapped to a
// chosen instance ID with a fixed expiry set at creation. Entries are not
// refreshed on lookup.
type SessionStore interface {
	// Get returns the instance ID bound to the key, or ok=false if the
	// entry is absent or expired.
	Get(ctx context.Context, service, key string) (instanceID string, ok bool, err error)

	// Put creates or overwrites the entry with expiry now+ttl.
	Put(ctx context.Context, service, key, instanceID string, ttl time.Duration) error

	// Delete removes a single entry. Unknown keys are ignored.
	Delete(ctx context.Context, service, key string) error

	// DeleteByInstance removes all entries of a service that point to the
	// given instance.
	DeleteByInstance(ctx context.Context, service, instanceID string) error

	// DeleteService removes all entries for a service.
	DeleteService(ctx context.Context, service string) error

	// Close releases store resources.
	Close() error
}

// sessionEntry is one in-memory sticky-session binding.
type sessionEntry struct {
	instanceID string
	expiresAt  time.Time
}

// MemorySessionStore is the default in-memory SessionStore. Expiry is
// lazy: an expired entry is treated as absent at lookup time and removed.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]map[string]sessionEntry
	now      func() time.Time
}

// MemorySessionStoreOption is a functional option for the memory store.
type MemorySessionStoreOption func(*MemorySessionStore)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) MemorySessionStoreOption {
	return func(s *MemorySessionStore) {
		s.now = now
	}
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore(opts ...MemorySessionStoreOption) *MemorySessionStore {
	s := &MemorySessionStore{
		sessions: make(map[string]map[string]sessionEntry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements SessionStore.
func (s *MemorySessionStore) Get(_ context.Context, service, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.sessions[service]
	if !ok {
		return "", false, nil
	}

	entry, ok := entries[key]
	if !ok {
		return "", false, nil
	}

	if !s.now().Before(entry.expiresAt) {
		delete(entries, key)
		return "", false, nil
	}

	return entry.instanceID, true, nil
}

// Put implements SessionStore.
func (s *MemorySessionStore) Put(_ context.Context, service, key, instanceID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.sessions[service]
	if !ok {
		entries = make(map[string]sessionEntry)
		s.sessions[service] = entries
	}

	entries[key] = sessionEntry{
		instanceID: instanceID,
		expiresAt:  s.now().Add(ttl),
	}
	return nil
}

// Delete implements SessionStore.
func (s *MemorySessionStore) Delete(_ context.Context, service, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entries, ok := s.sessions[service]; ok {
		delete(entries, key)
	}
	return nil
}

// DeleteByInstance implements SessionStore.
func (s *MemorySessionStore) DeleteByInstance(_ context.Context, service, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entries, ok := s.sessions[service]; ok {
		for key, entry := range entries {
			if entry.instanceID == instanceID {
				delete(entries, key)
			}
		}
	}
	return nil
}

// DeleteService implements SessionStore.
func (s *MemorySessionStore) DeleteService(_ context.Context, service string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, service)
	return nil
}

// Close implements SessionStore.
func (s *MemorySessionStore) Close() error {
	return nil
}

// Len returns the number of live entries for a service, counting expired
// entries that have not been collected yet.
func (s *MemorySessionStore) Len(service string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions[service])
}
