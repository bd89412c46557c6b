package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Digital-Creators-Team/reward-module/catalog"
	"github.com/Digital-Creators-Team/reward-module/config"
	"github.com/Digital-Creators-Team/reward-module/db/sqlstore"
	"github.com/Digital-Creators-Team/reward-module/errors"
	"github.com/Digital-Creators-Team/reward-module/idempotency"
	"github.com/Digital-Creators-Team/reward-module/pkg/jackpot"
	"github.com/Digital-Creators-Team/reward-module/pkg/ledger"
	"github.com/Digital-Creators-Team/reward-module/pkg/probability"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	jackpotSeed = decimal.RequireFromString("1000.00")
	starterCost = decimal.RequireFromString("50.00")
)

// starterCrate pays at most 40.00, so a 50.00 crate can never fund a second open.
func starterCrate() catalog.Entry {
	return catalog.Entry{
		ID:     "starter-crate",
		Name:   "Starter Crate",
		Kind:   catalog.KindCrate,
		Cost:   starterCost,
		Active: true,
		Outcomes: []catalog.WeightedOutcome{
			{Label: "Points", Type: catalog.OutcomePoints, Value: decimal.NewFromInt(10), Weight: 60},
			{Label: "SmallMoney", Type: catalog.OutcomeMoney, Value: decimal.RequireFromString("5.00"), Weight: 30},
			{Label: "BigMoney", Type: catalog.OutcomeMoney, Value: decimal.RequireFromString("40.00"), Weight: 8},
			{Label: "Jackpot", Type: catalog.OutcomeMoney, Value: decimal.RequireFromString("10000.00"), Weight: 2, Disabled: true},
		},
	}
}

type harness struct {
	t    *testing.T
	db   *sqlstore.DB
	agg  *jackpot.Aggregator
	feed *jackpot.Feed
	pool *WorkerPool
	svc  *RewardService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "reward.db")
	db, err := sqlstore.Open(config.DatabaseConfig{
		Driver:       sqlstore.DriverSQLite,
		DSN:          "file:" + path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)",
		MaxOpenConns: 8,
		AutoMigrate:  true,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("sqlstore.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	inactive := starterCrate()
	inactive.ID = "retired-crate"
	inactive.Active = false
	for _, e := range []catalog.Entry{starterCrate(), inactive} {
		if err := db.UpsertEntry(ctx, e); err != nil {
			t.Fatalf("UpsertEntry(%s) error = %v", e.ID, err)
		}
	}

	feed := jackpot.NewFeed(16, zerolog.Nop())
	agg := jackpot.NewAggregator(db, feed, jackpot.Config{
		Seed:             jackpotSeed,
		ContributionRate: decimal.RequireFromString("0.05"),
		Logger:           zerolog.Nop(),
	})
	if err := agg.Start(ctx); err != nil {
		t.Fatalf("Aggregator.Start() error = %v", err)
	}
	t.Cleanup(agg.Stop)

	pool := NewWorkerPool(8, 64, zerolog.Nop())
	t.Cleanup(pool.Close)

	h := &harness{t: t, db: db, agg: agg, feed: feed, pool: pool}
	h.svc = h.service(ledger.New(db, zerolog.Nop()), idempotency.NewMemoryStore())
	return h
}

func (h *harness) service(l Ledger, idem idempotency.Store) *RewardService {
	return NewRewardService(l, h.db, probability.New(probability.NewSeededRand(42)), h.agg, idem, nil, h.pool,
		RewardServiceConfig{ConflictBackoff: time.Millisecond}, zerolog.Nop())
}

func (h *harness) account(id, wallet string) {
	h.t.Helper()
	if err := h.db.CreateAccount(context.Background(), ledger.Account{
		ID:            id,
		WalletBalance: decimal.RequireFromString(wallet),
	}); err != nil {
		h.t.Fatalf("CreateAccount(%s) error = %v", id, err)
	}
}

func (h *harness) balances(id string) ledger.Account {
	h.t.Helper()
	acc, err := h.db.GetAccount(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetAccount(%s) error = %v", id, err)
	}
	return acc
}

func open(account, entry, key string) *OpenRequest {
	return &OpenRequest{AccountID: account, CatalogEntryID: entry, IdempotencyKey: key}
}

func TestOpenReward_BalanceReflectsCostAndPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("acc-%d", i)
		h.account(id, "100.00")

		res, err := h.svc.OpenReward(ctx, open(id, "starter-crate", "key-"+id))
		if err != nil {
			t.Fatalf("OpenReward(%s) error = %v", id, err)
		}
		if res.OutcomeLabel == "Jackpot" {
			t.Fatalf("Disabled outcome selected for %s", id)
		}
		if !res.CostCharged.Equal(starterCost) || res.FundingSource != ledger.FundingWallet {
			t.Errorf("cost = %s from %s, want 50.00 from wallet", res.CostCharged, res.FundingSource)
		}

		acc := h.balances(id)
		wantWallet := decimal.RequireFromString("50.00")
		var wantPoints int64
		switch res.OutcomeType {
		case catalog.OutcomeMoney:
			wantWallet = wantWallet.Add(res.OutcomeValue)
		case catalog.OutcomePoints:
			wantPoints = res.OutcomeValue.IntPart()
		}
		if !acc.WalletBalance.Equal(wantWallet) || acc.RewardPoints != wantPoints {
			t.Errorf("%s: balances = %s/%d, want %s/%d after %s",
				id, acc.WalletBalance, acc.RewardPoints, wantWallet, wantPoints, res.OutcomeLabel)
		}
		if res.Balances == nil || !res.Balances.WalletBalance.Equal(acc.WalletBalance) {
			t.Errorf("%s: result balances %+v do not match stored %s", id, res.Balances, acc.WalletBalance)
		}
	}
}

func TestOpenReward_TwoConcurrentOpensOneBalance(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "50.00")

	var (
		wg      sync.WaitGroup
		results = make([]*OpenResult, 2)
		errs    = make([]error, 2)
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.OpenReward(context.Background(), open("acc", "starter-crate", fmt.Sprintf("k-%d", i)))
		}(i)
	}
	wg.Wait()

	var won *OpenResult
	failures := 0
	for i := range errs {
		switch {
		case errs[i] == nil:
			won = results[i]
		case errors.HasCode(errs[i], errors.ErrInsufficientFunds):
			failures++
		default:
			t.Fatalf("unexpected error %v", errs[i])
		}
	}
	if won == nil || failures != 1 {
		t.Fatalf("want exactly one success and one InsufficientFunds, got errors %v", errs)
	}

	acc := h.balances("acc")
	want := decimal.Zero
	if won.OutcomeType == catalog.OutcomeMoney {
		want = won.OutcomeValue
	}
	if !acc.WalletBalance.Equal(want) {
		t.Errorf("wallet = %s, want %s", acc.WalletBalance, want)
	}
	if acc.WalletBalance.IsNegative() {
		t.Error("wallet went negative")
	}
}

func TestOpenReward_ReplayChargesOnce(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "200.00")
	ctx := context.Background()

	first, err := h.svc.OpenReward(ctx, open("acc", "starter-crate", "same-key"))
	if err != nil {
		t.Fatalf("OpenReward() error = %v", err)
	}
	if first.Replayed {
		t.Error("first call must not be a replay")
	}
	afterFirst := h.balances("acc")

	// The second service has an empty result cache, so it replays from the ledger.
	cold := h.service(ledger.New(h.db, zerolog.Nop()), idempotency.NewMemoryStore())
	for i, svc := range []*RewardService{h.svc, h.svc, cold} {
		again, err := svc.OpenReward(ctx, open("acc", "starter-crate", "same-key"))
		if err != nil {
			t.Fatalf("replay %d error = %v", i, err)
		}
		if !again.Replayed {
			t.Errorf("replay %d: Replayed = false", i)
		}
		if again.TransactionID != first.TransactionID || again.OutcomeLabel != first.OutcomeLabel {
			t.Errorf("replay %d = %s/%s, want %s/%s", i, again.TransactionID, again.OutcomeLabel,
				first.TransactionID, first.OutcomeLabel)
		}
		if again.JackpotVersion != first.JackpotVersion || !again.JackpotTotal.Equal(first.JackpotTotal) {
			t.Errorf("replay %d jackpot = %s v%d, want %s v%d", i, again.JackpotTotal, again.JackpotVersion,
				first.JackpotTotal, first.JackpotVersion)
		}
	}

	if acc := h.balances("acc"); !acc.WalletBalance.Equal(afterFirst.WalletBalance) || acc.RewardPoints != afterFirst.RewardPoints {
		t.Errorf("replays changed balances: %+v -> %+v", afterFirst, acc)
	}
	if snap := h.agg.Snapshot(); snap.Version != 1 {
		t.Errorf("jackpot version = %d, want 1", snap.Version)
	}
}

func TestOpenReward_ReplayWithDifferentRequest(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "200.00")
	h.account("other", "200.00")
	ctx := context.Background()

	if _, err := h.svc.OpenReward(ctx, open("acc", "starter-crate", "k")); err != nil {
		t.Fatalf("OpenReward() error = %v", err)
	}
	_, err := h.svc.OpenReward(ctx, open("other", "starter-crate", "k"))
	if !errors.HasCode(err, errors.ErrInvalidRequest) {
		t.Fatalf("reuse by another account error = %v, want InvalidRequest", err)
	}
	if acc := h.balances("other"); !acc.WalletBalance.Equal(decimal.RequireFromString("200.00")) {
		t.Errorf("other account charged: %s", acc.WalletBalance)
	}
}

func TestOpenReward_RejectedWithoutCharge(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "100.00")
	h.account("poor", "49.99")

	tests := []struct {
		name    string
		req     *OpenRequest
		account string
		code    int
	}{
		{"inactive entry", open("acc", "retired-crate", "k1"), "acc", errors.ErrCatalogEntryInactive},
		{"unknown entry", open("acc", "missing", "k2"), "acc", errors.ErrCatalogEntryNotFound},
		{"unknown account", open("ghost", "starter-crate", "k3"), "", errors.ErrAccountNotFound},
		{"insufficient funds", open("poor", "starter-crate", "k4"), "poor", errors.ErrInsufficientFunds},
		{"missing key", open("acc", "starter-crate", "  "), "acc", errors.ErrInvalidRequest},
		{"long key", open("acc", "starter-crate", strings.Repeat("k", 200)), "acc", errors.ErrInvalidRequest},
		{"missing entry id", open("acc", "", "k5"), "acc", errors.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var before ledger.Account
			if tt.account != "" {
				before = h.balances(tt.account)
			}
			_, err := h.svc.OpenReward(context.Background(), tt.req)
			if !errors.HasCode(err, tt.code) {
				t.Fatalf("OpenReward() error = %v, want code %d", err, tt.code)
			}
			if tt.account != "" {
				if after := h.balances(tt.account); !after.WalletBalance.Equal(before.WalletBalance) {
					t.Errorf("balance changed from %s to %s", before.WalletBalance, after.WalletBalance)
				}
			}
		})
	}

	if snap := h.agg.Snapshot(); snap.Version != 0 || !snap.Total.Equal(jackpotSeed) {
		t.Errorf("jackpot moved on rejected opens: %s v%d", snap.Total, snap.Version)
	}
}

type failingSettle struct {
	Ledger
	mu    sync.Mutex
	fails int
}

func (f *failingSettle) Settle(ctx context.Context, res ledger.Reservation, o catalog.WeightedOutcome) (ledger.Transaction, error) {
	f.mu.Lock()
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return ledger.Transaction{}, stderrors.New("storage unavailable")
	}
	return f.Ledger.Settle(ctx, res, o)
}

func TestOpenReward_SettleFailureRefunds(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "100.00")
	ctx := context.Background()

	flaky := &failingSettle{Ledger: ledger.New(h.db, zerolog.Nop()), fails: 1}
	svc := h.service(flaky, idempotency.NewMemoryStore())

	_, err := svc.OpenReward(ctx, open("acc", "starter-crate", "k"))
	if !errors.HasCode(err, errors.ErrInternalFault) {
		t.Fatalf("OpenReward() error = %v, want InternalFault", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("InternalFault should be retryable")
	}
	if acc := h.balances("acc"); !acc.WalletBalance.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("wallet = %s after refund, want 100.00", acc.WalletBalance)
	}

	failed, err := h.db.ListTransactions(ctx, ledger.HistoryFilter{AccountID: "acc", Status: ledger.StatusFailed, Limit: 10})
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(failed) != 1 || failed[0].FailureReason == "" {
		t.Fatalf("failed rows = %+v, want one with a reason", failed)
	}

	res, err := svc.OpenReward(ctx, open("acc", "starter-crate", "k"))
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if res.Replayed {
		t.Error("retry after refund is a fresh open, not a replay")
	}
	if acc := h.balances("acc"); acc.WalletBalance.LessThan(decimal.RequireFromString("50.00")) {
		t.Errorf("wallet = %s, charged more than once", acc.WalletBalance)
	}
}

func TestOpenReward_InFlightKey(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "100.00")

	idem := idempotency.NewMemoryStore()
	release, err := idem.Lock(context.Background(), "busy", time.Minute)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer release()

	svc := h.service(ledger.New(h.db, zerolog.Nop()), idem)
	_, err = svc.OpenReward(context.Background(), open("acc", "starter-crate", "busy"))
	if !errors.HasCode(err, errors.ErrConcurrencyConflict) {
		t.Fatalf("OpenReward() error = %v, want ConcurrencyConflict", err)
	}
	if acc := h.balances("acc"); !acc.WalletBalance.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("wallet = %s, want untouched", acc.WalletBalance)
	}
}

func TestOpenReward_JackpotContribution(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "500.00")
	sub := h.feed.Subscribe()
	defer sub.Close()
	<-sub.C // current snapshot

	var last *OpenResult
	for i := 0; i < 4; i++ {
		res, err := h.svc.OpenReward(context.Background(), open("acc", "starter-crate", fmt.Sprintf("k-%d", i)))
		if err != nil {
			t.Fatalf("OpenReward() error = %v", err)
		}
		if last != nil && res.JackpotVersion <= last.JackpotVersion {
			t.Errorf("jackpot version did not grow: %d after %d", res.JackpotVersion, last.JackpotVersion)
		}
		last = res
	}

	want := jackpotSeed.Add(decimal.RequireFromString("10.00"))
	if !last.JackpotTotal.Equal(want) || last.JackpotVersion != 4 {
		t.Errorf("jackpot = %s v%d, want %s v4", last.JackpotTotal, last.JackpotVersion, want)
	}

	select {
	case snap := <-sub.C:
		if snap.Version < 1 {
			t.Errorf("feed delivered version %d", snap.Version)
		}
	case <-time.After(time.Second):
		t.Fatal("feed did not publish the increment")
	}
}

func TestOpenReward_CancelledBeforeQueued(t *testing.T) {
	h := newHarness(t)
	h.account("acc", "100.00")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.svc.OpenReward(ctx, open("acc", "starter-crate", "k"))
	if !errors.HasCode(err, errors.ErrServiceUnavailable) {
		t.Fatalf("OpenReward() error = %v, want ServiceUnavailable", err)
	}
	if acc := h.balances("acc"); !acc.WalletBalance.Equal(decimal.RequireFromString("100.00")) {
		t.Errorf("wallet = %s, want untouched", acc.WalletBalance)
	}
}
