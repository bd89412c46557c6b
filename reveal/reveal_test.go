package reveal

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/Digital-Creators-Team/reward-module/errors"
	"github.com/Digital-Creators-Team/reward-module/pkg/jackpot"
	"github.com/shopspring/decimal"
)

type scriptedOpener struct {
	mu    sync.Mutex
	calls []Request
	next  []func(ctx context.Context) (*Result, error)
}

func (o *scriptedOpener) Open(ctx context.Context, req Request) (*Result, error) {
	o.mu.Lock()
	o.calls = append(o.calls, req)
	var fn func(ctx context.Context) (*Result, error)
	if len(o.next) > 0 {
		fn, o.next = o.next[0], o.next[1:]
	}
	o.mu.Unlock()
	if fn == nil {
		return &Result{TransactionID: "tx"}, nil
	}
	return fn(ctx)
}

func (o *scriptedOpener) then(fn func(ctx context.Context) (*Result, error)) *scriptedOpener {
	o.next = append(o.next, fn)
	return o
}

func succeed(res Result) func(context.Context) (*Result, error) {
	return func(context.Context) (*Result, error) { return &res, nil }
}

func failWith(err error) func(context.Context) (*Result, error) {
	return func(context.Context) (*Result, error) { return nil, err }
}

func hang(ctx context.Context) (*Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestNextState(t *testing.T) {
	tests := []struct {
		from    State
		event   Event
		want    State
		wantErr bool
	}{
		{Idle, EventOpen, AwaitingResult, false},
		{AwaitingResult, EventResult, Animating, false},
		{AwaitingResult, EventFailure, Idle, false},
		{AwaitingResult, EventTimeout, Idle, false},
		{Animating, EventAnimationDone, Revealed, false},
		{Animating, EventDismiss, Revealed, false},
		{Revealed, EventDismiss, Idle, false},
		{Idle, EventResult, Idle, true},
		{Idle, EventAnimationDone, Idle, true},
		{AwaitingResult, EventOpen, AwaitingResult, true},
		{Animating, EventOpen, Animating, true},
		{Revealed, EventOpen, Revealed, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.event.String(), func(t *testing.T) {
			got, err := NextState(tt.from, tt.event)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NextState() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.HasCode(err, errors.ErrInvalidTransition) {
				t.Errorf("Expected ErrInvalidTransition, got %v", err)
			}
			if got != tt.want {
				t.Errorf("NextState() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNextState_EveryStateReachesIdle(t *testing.T) {
	events := []Event{EventOpen, EventResult, EventFailure, EventTimeout, EventAnimationDone, EventDismiss}
	for _, start := range []State{Idle, AwaitingResult, Animating, Revealed} {
		seen := map[State]bool{start: true}
		queue := []State{start}
		for len(queue) > 0 {
			s := queue[0]
			queue = queue[1:]
			for _, e := range events {
				if next, err := NextState(s, e); err == nil && !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		if !seen[Idle] {
			t.Errorf("Idle is not reachable from %s", start)
		}
	}
}

func TestSequencer_SuccessAnimatesAfterResult(t *testing.T) {
	opener := (&scriptedOpener{}).then(succeed(Result{TransactionID: "tx-1", OutcomeLabel: "gold"}))

	var transitions []State
	seq := NewSequencer(opener, nil, Config{
		OnStateChange: func(_, to State) { transitions = append(transitions, to) },
	})

	res, err := seq.Open(context.Background(), "bronze")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if res.TransactionID != "tx-1" {
		t.Errorf("TransactionID = %q, want tx-1", res.TransactionID)
	}
	if seq.State() != Animating {
		t.Errorf("State = %s, want animating", seq.State())
	}
	if seq.PendingKey() != "" {
		t.Errorf("Expected pending key cleared, got %q", seq.PendingKey())
	}

	if err := seq.Play(context.Background()); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if err := seq.Dismiss(); err != nil {
		t.Fatalf("Dismiss() error = %v", err)
	}

	want := []State{AwaitingResult, Animating, Revealed, Idle}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestSequencer_RejectionReturnsToIdleWithoutAnimation(t *testing.T) {
	opener := (&scriptedOpener{}).
		then(failWith(errors.New(errors.ErrInsufficientFunds, "insufficient funds"))).
		then(succeed(Result{TransactionID: "tx-2"}))

	seq := NewSequencer(opener, nil, Config{})

	_, err := seq.Open(context.Background(), "bronze")
	if !errors.HasCode(err, errors.ErrInsufficientFunds) {
		t.Fatalf("Open() error = %v, want insufficient funds", err)
	}
	if stderrors.Is(err, ErrRetryable) {
		t.Error("Insufficient funds must not be retryable")
	}
	if seq.State() != Idle {
		t.Errorf("State = %s, want idle", seq.State())
	}
	if seq.Result() != nil {
		t.Error("No result should be presented after a rejection")
	}

	if _, err := seq.Open(context.Background(), "bronze"); err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if opener.calls[0].IdempotencyKey == opener.calls[1].IdempotencyKey {
		t.Error("A rejected request must not pin its key")
	}
}

func TestSequencer_TimeoutKeepsKey(t *testing.T) {
	opener := (&scriptedOpener{}).
		then(hang).
		then(failWith(errors.New(errors.ErrConcurrencyConflict, "in flight"))).
		then(succeed(Result{TransactionID: "tx-3", Replayed: true}))

	seq := NewSequencer(opener, nil, Config{RequestTimeout: 20 * time.Millisecond})

	_, err := seq.Open(context.Background(), "bronze")
	if !stderrors.Is(err, ErrRetryable) {
		t.Fatalf("Open() error = %v, want ErrRetryable", err)
	}
	if seq.State() != Idle {
		t.Errorf("State after timeout = %s, want idle", seq.State())
	}
	key := seq.PendingKey()
	if key == "" {
		t.Fatal("Expected the key to be kept after a timeout")
	}

	if _, err := seq.Open(context.Background(), "bronze"); !stderrors.Is(err, ErrRetryable) {
		t.Fatalf("second Open() error = %v, want ErrRetryable", err)
	}

	res, err := seq.Open(context.Background(), "bronze")
	if err != nil {
		t.Fatalf("third Open() error = %v", err)
	}
	if !res.Replayed {
		t.Error("Expected replayed result")
	}

	for i, call := range opener.calls {
		if call.IdempotencyKey != key {
			t.Errorf("call %d used key %q, want %q", i, call.IdempotencyKey, key)
		}
	}
	if seq.PendingKey() != "" {
		t.Error("Expected pending key cleared after success")
	}
}

func TestSequencer_DifferentEntryGetsNewKey(t *testing.T) {
	opener := (&scriptedOpener{}).then(hang)
	seq := NewSequencer(opener, nil, Config{RequestTimeout: 10 * time.Millisecond})

	if _, err := seq.Open(context.Background(), "bronze"); !stderrors.Is(err, ErrRetryable) {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := seq.Open(context.Background(), "silver"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if opener.calls[0].IdempotencyKey == opener.calls[1].IdempotencyKey {
		t.Error("A different entry must use a different key")
	}
}

func TestSequencer_RejectsOpenWhileBusy(t *testing.T) {
	seq := NewSequencer(&scriptedOpener{}, nil, Config{})
	if _, err := seq.Open(context.Background(), "bronze"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := seq.Open(context.Background(), "bronze"); !errors.HasCode(err, errors.ErrInvalidTransition) {
		t.Errorf("Open() while animating error = %v, want invalid transition", err)
	}
	if err := seq.Dismiss(); err != nil {
		t.Fatalf("Dismiss() error = %v", err)
	}
	if seq.State() != Idle {
		t.Errorf("State = %s, want idle", seq.State())
	}
}

func TestSequencer_PlayStopsOnCancel(t *testing.T) {
	seq := NewSequencer(&scriptedOpener{}, nil, Config{Animation: time.Hour})
	if _, err := seq.Open(context.Background(), "bronze"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := seq.Play(ctx); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if seq.State() != Revealed {
		t.Errorf("State = %s, want revealed", seq.State())
	}
}

func TestReconciler_ProvisionalOverwritten(t *testing.T) {
	r := NewReconciler()
	r.ApplyBalances(Balances{WalletBalance: decimal.RequireFromString("100.00")})
	r.SetProvisionalBalance(decimal.RequireFromString("50.00"))

	if v := r.View(); !v.ProvisionalBalance {
		t.Error("Expected provisional balance flag")
	}

	seq := NewSequencer((&scriptedOpener{}).then(succeed(Result{
		TransactionID:  "tx",
		JackpotTotal:   decimal.RequireFromString("1002.50"),
		JackpotVersion: 3,
		Balances:       &Balances{WalletBalance: decimal.RequireFromString("50.00"), RewardPoints: 10},
	})), r, Config{})
	if _, err := seq.Open(context.Background(), "bronze"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	v := r.View()
	if v.ProvisionalBalance {
		t.Error("Provisional balance should be overwritten by the result")
	}
	if !v.WalletBalance.Equal(decimal.RequireFromString("50.00")) || v.RewardPoints != 10 {
		t.Errorf("View = %+v", v)
	}
	if v.JackpotVersion != 3 || !v.JackpotTotal.Equal(decimal.RequireFromString("1002.50")) {
		t.Errorf("Jackpot = %s v%d, want 1002.50 v3", v.JackpotTotal, v.JackpotVersion)
	}
}

func TestReconciler_JackpotVersions(t *testing.T) {
	r := NewReconciler()
	snap := func(total string, v int64) jackpot.Snapshot {
		return jackpot.Snapshot{Total: decimal.RequireFromString(total), Version: v}
	}

	if !r.ApplyJackpot(snap("10", 5)) {
		t.Fatal("first snapshot should apply")
	}
	if r.ApplyJackpot(snap("9", 4)) {
		t.Error("older snapshot applied")
	}
	if r.ApplyJackpot(snap("10", 5)) {
		t.Error("duplicate snapshot applied")
	}

	r.SetProvisionalJackpot(decimal.RequireFromString("99"))
	r.ApplyJackpot(snap("8", 3))
	v := r.View()
	if v.ProvisionalJackpot || !v.JackpotTotal.Equal(decimal.RequireFromString("10")) {
		t.Errorf("stale snapshot should restore committed total, got %s provisional=%v", v.JackpotTotal, v.ProvisionalJackpot)
	}

	if !r.ApplyJackpot(snap("11", 6)) {
		t.Error("newer snapshot not applied")
	}
	if got := r.View(); got.JackpotVersion != 6 {
		t.Errorf("JackpotVersion = %d, want 6", got.JackpotVersion)
	}
}
