package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Digital-Creators-Team/reward-module/catalog"
	"github.com/Digital-Creators-Team/reward-module/errors"
	"github.com/Digital-Creators-Team/reward-module/idempotency"
	"github.com/Digital-Creators-Team/reward-module/pkg/ledger"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// walletAfter is the wallet an account should hold after one wallet-funded open.
func walletAfter(start string, res *OpenResult) decimal.Decimal {
	want := decimal.RequireFromString(start).Sub(res.CostCharged)
	if res.OutcomeType == catalog.OutcomeMoney {
		want = want.Add(res.OutcomeValue)
	}
	return want
}

// conflictingLedger reports ErrConflict for the first N charges or settles.
type conflictingLedger struct {
	Ledger
	mu              sync.Mutex
	chargeConflicts int
	settleConflicts int
	charges         int
	settles         int
}

func (c *conflictingLedger) Charge(ctx context.Context, req ledger.ChargeRequest) (ledger.Reservation, error) {
	c.mu.Lock()
	c.charges++
	conflict := c.chargeConflicts > 0
	if conflict {
		c.chargeConflicts--
	}
	c.mu.Unlock()
	if conflict {
		return ledger.Reservation{}, fmt.Errorf("%w: database is locked", ledger.ErrConflict)
	}
	return c.Ledger.Charge(ctx, req)
}

func (c *conflictingLedger) Settle(ctx context.Context, res ledger.Reservation, o catalog.WeightedOutcome) (ledger.Transaction, error) {
	c.mu.Lock()
	c.settles++
	conflict := c.settleConflicts > 0
	if conflict {
		c.settleConflicts--
	}
	c.mu.Unlock()
	if conflict {
		return ledger.Transaction{}, fmt.Errorf("%w: reservation changed concurrently", ledger.ErrConflict)
	}
	return c.Ledger.Settle(ctx, res, o)
}

func TestOpenReward_ConflictRetriedOnce(t *testing.T) {
	tests := []struct {
		name            string
		chargeConflicts int
		settleConflicts int
		wantCode        int
		wantCharges     int
		wantSettles     int
	}{
		{"charge conflict once", 1, 0, 0, 2, 1},
		{"charge conflict twice", 2, 0, errors.ErrConcurrencyConflict, 2, 0},
		{"settle conflict once", 0, 1, 0, 1, 2},
		{"settle conflict twice", 0, 2, errors.ErrInternalFault, 1, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.account("acc", "100.00")
			l := &conflictingLedger{
				Ledger:          ledger.New(h.db, zerolog.Nop()),
				chargeConflicts: tt.chargeConflicts,
				settleConflicts: tt.settleConflicts,
			}
			svc := h.service(l, idempotency.NewMemoryStore())

			res, err := svc.OpenReward(context.Background(), open("acc", "starter-crate", "k"))
			if l.charges != tt.wantCharges || l.settles != tt.wantSettles {
				t.Errorf("charges/settles = %d/%d, want %d/%d", l.charges, l.settles, tt.wantCharges, tt.wantSettles)
			}

			if tt.wantCode == 0 {
				if err != nil {
					t.Fatalf("OpenReward() error = %v", err)
				}
				if acc := h.balances("acc"); !acc.WalletBalance.Equal(walletAfter("100.00", res)) {
					t.Errorf("wallet = %s, want %s", acc.WalletBalance, walletAfter("100.00", res))
				}
				return
			}

			if !errors.HasCode(err, tt.wantCode) {
				t.Fatalf("OpenReward() error = %v, want code %d", err, tt.wantCode)
			}
			if !errors.IsRetryable(err) {
				t.Errorf("code %d should be retryable", tt.wantCode)
			}
			if acc := h.balances("acc"); !acc.WalletBalance.Equal(decimal.RequireFromString("100.00")) {
				t.Errorf("wallet = %s, want 100.00 after the failed open", acc.WalletBalance)
			}
		})
	}
}

func TestOpenReward_ReopenAfterRefundChargesOnce(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "100.00")
	ctx := context.Background()

	flaky := &failingSettle{Ledger: ledger.New(h.db, zerolog.Nop()), fails: 1}
	svc := h.service(flaky, idempotency.NewMemoryStore())

	if _, err := svc.OpenReward(ctx, open("acc", "starter-crate", "k")); !errors.HasCode(err, errors.ErrInternalFault) {
		t.Fatalf("first OpenReward() error = %v, want InternalFault", err)
	}

	res, err := svc.OpenReward(ctx, open("acc", "starter-crate", "k"))
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if !res.CostCharged.Equal(starterCost) || res.FundingSource != ledger.FundingWallet {
		t.Errorf("reopen cost = %s from %s, want 50.00 from wallet", res.CostCharged, res.FundingSource)
	}
	if acc := h.balances("acc"); !acc.WalletBalance.Equal(walletAfter("100.00", res)) {
		t.Errorf("wallet = %s, want %s: exactly one charge in total", acc.WalletBalance, walletAfter("100.00", res))
	}

	rows, err := h.db.ListTransactions(ctx, ledger.HistoryFilter{AccountID: "acc", Limit: 10})
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	var committed, failed int
	for _, r := range rows {
		switch r.Status {
		case ledger.StatusCommitted:
			committed++
		case ledger.StatusFailed:
			failed++
		}
	}
	if committed != 1 || failed != 1 {
		t.Errorf("rows committed/failed = %d/%d, want 1/1", committed, failed)
	}

	held, err := h.db.HeldReservationsBefore(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("HeldReservationsBefore() error = %v", err)
	}
	if len(held) != 0 {
		t.Errorf("held reservations = %d, want 0", len(held))
	}

	again, err := svc.OpenReward(ctx, open("acc", "starter-crate", "k"))
	if err != nil || !again.Replayed || again.TransactionID != res.TransactionID {
		t.Errorf("third call = %+v, %v, want replay of %s", again, err, res.TransactionID)
	}
}

func TestOpenReward_StorageUnavailable(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "100.00")
	if err := h.db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	ctx := context.Background()

	_, err := h.svc.OpenReward(ctx, open("acc", "starter-crate", "k"))
	if !errors.HasCode(err, errors.ErrInternalFault) {
		t.Fatalf("OpenReward() error = %v, want InternalFault", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("storage failure must keep the idempotency key retryable")
	}
	if !stderrors.Is(err, ledger.ErrStorageUnavailable) {
		t.Errorf("error %v does not carry ErrStorageUnavailable", err)
	}

	if _, err := h.svc.Account(ctx, "acc"); !errors.HasCode(err, errors.ErrInternalFault) {
		t.Errorf("Account() error = %v, want InternalFault", err)
	}
	if _, err := h.svc.Catalog(ctx); !errors.HasCode(err, errors.ErrInternalFault) {
		t.Errorf("Catalog() error = %v, want InternalFault", err)
	}
	if _, err := h.svc.CatalogEntry(ctx, "starter-crate"); !errors.HasCode(err, errors.ErrInternalFault) {
		t.Errorf("CatalogEntry() error = %v, want InternalFault", err)
	}
}

// abandon charges like an open whose process died before settling.
func (h *harness) abandon(account, entry, key string) ledger.Reservation {
	h.t.Helper()
	res, err := ledger.New(h.db, zerolog.Nop()).Charge(context.Background(), ledger.ChargeRequest{
		AccountID:      account,
		CatalogEntryID: entry,
		Cost:           starterCost,
		IdempotencyKey: key,
	})
	if err != nil {
		h.t.Fatalf("Charge() error = %v", err)
	}
	return res
}

func (h *harness) held() []ledger.Reservation {
	h.t.Helper()
	held, err := h.db.HeldReservationsBefore(context.Background(), time.Now().Add(time.Minute), 100)
	if err != nil {
		h.t.Fatalf("HeldReservationsBefore() error = %v", err)
	}
	return held
}

func TestResolveHeld_SettlesAbandonedCharge(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "100.00")
	ctx := context.Background()
	h.abandon("acc", "starter-crate", "k")

	if n, err := h.svc.ResolveHeld(ctx, time.Now().Add(-time.Minute), 10); err != nil || n != 0 {
		t.Fatalf("ResolveHeld(recent) = %d, %v, want 0 and the reservation untouched", n, err)
	}

	n, err := h.svc.ResolveHeld(ctx, time.Now().Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("ResolveHeld() = %d, %v, want 1", n, err)
	}
	if held := h.held(); len(held) != 0 {
		t.Fatalf("still held: %+v", held)
	}

	// The client's retry sees the settled result without a second charge.
	res, err := h.svc.OpenReward(ctx, open("acc", "starter-crate", "k"))
	if err != nil {
		t.Fatalf("OpenReward() error = %v", err)
	}
	if !res.Replayed {
		t.Error("retry after reconcile should be a replay")
	}
	if acc := h.balances("acc"); !acc.WalletBalance.Equal(walletAfter("100.00", res)) {
		t.Errorf("wallet = %s, want %s", acc.WalletBalance, walletAfter("100.00", res))
	}
	if res.JackpotVersion != 1 {
		t.Errorf("jackpot version = %d, want the contribution applied once", res.JackpotVersion)
	}
}

func TestResolveHeld_RefundsWhenEntryIsGone(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "100.00")
	ctx := context.Background()
	h.abandon("acc", "vanished-crate", "k")

	if acc := h.balances("acc"); !acc.WalletBalance.Equal(decimal.RequireFromString("50.00")) {
		t.Fatalf("wallet = %s after charge, want 50.00", acc.WalletBalance)
	}

	n, err := h.svc.ResolveHeld(ctx, time.Now().Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("ResolveHeld() = %d, %v, want 1", n, err)
	}
	if acc := h.balances("acc"); !acc.WalletBalance.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("wallet = %s, want refunded to 100.00", acc.WalletBalance)
	}
	if held := h.held(); len(held) != 0 {
		t.Errorf("still held: %+v", held)
	}
}

func TestResolveHeld_SkipsKeyInFlight(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "100.00")
	ctx := context.Background()
	h.abandon("acc", "starter-crate", "k")

	idem := idempotency.NewMemoryStore()
	svc := h.service(ledger.New(h.db, zerolog.Nop()), idem)
	release, err := idem.Lock(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	if n, err := svc.ResolveHeld(ctx, time.Now().Add(time.Second), 10); err != nil || n != 0 {
		t.Fatalf("ResolveHeld() = %d, %v, want the locked key skipped", n, err)
	}
	if held := h.held(); len(held) != 1 {
		t.Fatalf("held = %d, want 1", len(held))
	}

	release()
	if n, err := svc.ResolveHeld(ctx, time.Now().Add(time.Second), 10); err != nil || n != 1 {
		t.Errorf("ResolveHeld() after release = %d, %v, want 1", n, err)
	}
}

type recordingResolver struct {
	mu      sync.Mutex
	calls   int
	cutoffs []time.Time
	limits  []uint
	err     error
}

func (r *recordingResolver) ResolveHeld(_ context.Context, cutoff time.Time, limit uint) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.cutoffs = append(r.cutoffs, cutoff)
	r.limits = append(r.limits, limit)
	return 1, r.err
}

func (r *recordingResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func TestReconciler_ScansOnInterval(t *testing.T) {
	resolver := &recordingResolver{}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewReconciler(resolver, ReconcilerConfig{
		Interval: 5 * time.Millisecond,
		MinAge:   40 * time.Second,
		Logger:   zerolog.Nop(),
	})
	r.now = func() time.Time { return now }

	r.Start()
	deadline := time.Now().Add(2 * time.Second)
	for resolver.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("reconciler did not scan twice")
		}
		time.Sleep(time.Millisecond)
	}
	r.Stop()
	r.Stop()

	after := resolver.count()
	time.Sleep(20 * time.Millisecond)
	if resolver.count() != after {
		t.Error("reconciler kept scanning after Stop")
	}

	resolver.mu.Lock()
	defer resolver.mu.Unlock()
	if want := now.Add(-40 * time.Second); !resolver.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %s, want %s", resolver.cutoffs[0], want)
	}
	if resolver.limits[0] != defaultReconcileBatch {
		t.Errorf("limit = %d, want %d", resolver.limits[0], defaultReconcileBatch)
	}
}

func TestReconciler_RunOnceAgainstStore(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "100.00")
	h.abandon("acc", "starter-crate", "k")

	r := NewReconciler(h.svc, ReconcilerConfig{MinAge: time.Hour, Logger: zerolog.Nop()})
	if n := r.RunOnce(); n != 0 {
		t.Fatalf("RunOnce() = %d, want the fresh reservation left alone", n)
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n := r.RunOnce(); n != 1 {
		t.Fatalf("RunOnce() = %d, want 1", n)
	}
	if held := h.held(); len(held) != 0 {
		t.Errorf("still held: %+v", held)
	}
}
