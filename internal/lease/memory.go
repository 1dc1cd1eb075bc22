package lease

import (
	"context"
	"sync"
	"time"

	"datasync/internal/models"
)

// MemoryStore keeps leases in process memory. It is used by tests and by
// single-node development setups.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]models.Lease
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[string]models.Lease),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Acquire(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.leases[name]; ok && !existing.Expired(now) {
		return false, nil
	}
	s.leases[name] = models.Lease{
		Name:            name,
		Owner:           owner,
		AcquiredAt:      now,
		ExpiresAt:       now.Add(ttl),
		LastRefreshedAt: now,
	}
	return true, nil
}

func (s *MemoryStore) Refresh(_ context.Context, name, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[name]
	if !ok || existing.Owner != owner {
		return false, nil
	}
	now := s.now()
	existing.ExpiresAt = now.Add(ttl)
	existing.LastRefreshedAt = now
	s.leases[name] = existing
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, name, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.leases[name]; ok && existing.Owner == owner {
		delete(s.leases, name)
	}
	return nil
}

func (s *MemoryStore) IsStale(_ context.Context, name string, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[name]
	if !ok {
		return false, nil
	}
	return existing.Stale(s.now(), staleAfter), nil
}

func (s *MemoryStore) ReclaimStale(_ context.Context, name string, staleAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[name]
	if !ok || !existing.Stale(s.now(), staleAfter) {
		return false, nil
	}
	delete(s.leases, name)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (*models.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &existing, nil
}

// Delete removes a lease regardless of owner, the way an operator would out of band.
func (s *MemoryStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, name)
}
