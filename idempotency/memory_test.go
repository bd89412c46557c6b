package idempotency

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStore_Lock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	release, err := s.Lock(ctx, "k1", time.Second)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if _, err := s.Lock(ctx, "k1", time.Second); !errors.Is(err, ErrInFlight) {
		t.Errorf("second Lock() error = %v, want ErrInFlight", err)
	}
	if _, err := s.Lock(ctx, "k2", time.Second); err != nil {
		t.Errorf("Lock(other key) error = %v", err)
	}

	// Expired locks can be taken over; the stale release must not free the new holder.
	now = now.Add(2 * time.Second)
	if _, err := s.Lock(ctx, "k1", time.Second); err != nil {
		t.Fatalf("Lock() after expiry error = %v", err)
	}
	release()
	if _, err := s.Lock(ctx, "k1", time.Second); !errors.Is(err, ErrInFlight) {
		t.Errorf("Lock() after stale release error = %v, want ErrInFlight", err)
	}
}

func TestMemoryStore_Results(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	type result struct {
		TransactionID string `json:"transaction_id"`
	}

	var got result
	if ok, err := s.Load(ctx, "k1", &got); ok || err != nil {
		t.Fatalf("Load(missing) = %v, %v", ok, err)
	}
	if err := s.Save(ctx, "k1", result{TransactionID: "tx-1"}, time.Minute); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if ok, err := s.Load(ctx, "k1", &got); !ok || err != nil || got.TransactionID != "tx-1" {
		t.Errorf("Load() = %+v, %v, %v", got, ok, err)
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := s.Load(ctx, "k1", &got); ok {
		t.Error("Load() returned an expired result")
	}
}

func TestMemoryStore_SweepsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	for i := 0; i < 1000; i++ {
		if err := s.Save(ctx, fmt.Sprintf("k%d", i), i, time.Second); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	// A holder that never released.
	if _, err := s.Lock(ctx, "abandoned", time.Second); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	now = now.Add(48 * time.Hour)
	if err := s.Save(ctx, "fresh", 1, time.Hour); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	s.mu.Lock()
	results, locks := len(s.results), len(s.locks)
	s.mu.Unlock()
	if results != 1 {
		t.Errorf("results retained = %d, want 1", results)
	}
	if locks != 0 {
		t.Errorf("locks retained = %d, want 0", locks)
	}

	var got int
	if ok, err := s.Load(ctx, "fresh", &got); !ok || err != nil || got != 1 {
		t.Errorf("Load(fresh) = %d, %v, %v", got, ok, err)
	}
}

func TestMemoryStore_SweepIsThrottled(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	if err := s.Save(ctx, "a", 1, time.Second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	now = now.Add(2 * time.Second)
	if err := s.Save(ctx, "b", 1, time.Hour); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	s.mu.Lock()
	n := len(s.results)
	s.mu.Unlock()
	if n != 2 {
		t.Errorf("results = %d, want 2 before the next sweep is due", n)
	}

	now = now.Add(sweepInterval)
	if _, err := s.Lock(ctx, "c", time.Second); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	s.mu.Lock()
	_, stillThere := s.results["a"]
	s.mu.Unlock()
	if stillThere {
		t.Error("expired result survived the sweep run by Lock")
	}
}
