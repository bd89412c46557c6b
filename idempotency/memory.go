package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// sweepInterval is the minimum gap between two scans for expired entries.
const sweepInterval = time.Minute

// MemoryStore is the single-instance fallback used when Redis is not configured.
// Expired locks and results are dropped by a sweep that Lock and Save run at
// most once per sweepInterval.
type MemoryStore struct {
	mu        sync.Mutex
	locks     map[string]memoryLock
	results   map[string]memoryResult
	seq       uint64
	now       func() time.Time
	lastSweep time.Time
}

type memoryLock struct {
	token   uint64
	expires time.Time
}

type memoryResult struct {
	data    []byte
	expires time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:   make(map[string]memoryLock),
		results: make(map[string]memoryResult),
		now:     time.Now,
	}
}

// Lock takes key for ttl or fails with ErrInFlight while another holder has it.
func (s *MemoryStore) Lock(_ context.Context, key string, ttl time.Duration) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)
	if l, ok := s.locks[key]; ok && now.Before(l.expires) {
		return nil, ErrInFlight
	}
	s.seq++
	token := s.seq
	s.locks[key] = memoryLock{token: token, expires: now.Add(ttl)}

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if l, ok := s.locks[key]; ok && l.token == token {
			delete(s.locks, key)
		}
	}, nil
}

// Load decodes the unexpired result for key into dest.
func (s *MemoryStore) Load(_ context.Context, key string, dest interface{}) (bool, error) {
	s.mu.Lock()
	r, ok := s.results[key]
	if ok && !s.now().Before(r.expires) {
		delete(s.results, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(r.data, dest)
}

// Save stores v as the result for key until ttl elapses.
func (s *MemoryStore) Save(_ context.Context, key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweep(now)
	s.results[key] = memoryResult{data: data, expires: now.Add(ttl)}
	return nil
}

// sweep drops expired entries. Callers hold s.mu.
func (s *MemoryStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	for key, l := range s.locks {
		if !now.Before(l.expires) {
			delete(s.locks, key)
		}
	}
	for key, r := range s.results {
		if !now.Before(r.expires) {
			delete(s.results, key)
		}
	}
}
