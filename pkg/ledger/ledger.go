// Package ledger moves money and points for reward opens.
//
// A charge becomes a durable Reservation before any outcome is chosen, so a
// crash between charge and settle leaves a row that a retry with the same
// idempotency key resumes instead of charging again.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/reward-module/catalog"
	"github.com/Digital-Creators-Team/reward-module/pkg/money"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Ledger is the only writer of account balances.
type Ledger struct {
	store  Store
	locks  *accountLocks
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a ledger over store.
func New(store Store, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		locks:  newAccountLocks(),
		logger: logger.With().Str("component", "ledger").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Account returns current balances.
func (l *Ledger) Account(ctx context.Context, id string) (Account, error) {
	return l.store.GetAccount(ctx, id)
}

// Charge holds req.Cost against the account.
// It fails with ErrInsufficientFunds without touching balances.
func (l *Ledger) Charge(ctx context.Context, req ChargeRequest) (Reservation, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return Reservation{}, fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	if !money.Valid(req.Cost) {
		return Reservation{}, fmt.Errorf("%w: cost %s", ErrInvalidAmount, req.Cost)
	}

	unlock, err := l.locks.lock(ctx, req.AccountID)
	if err != nil {
		return Reservation{}, err
	}
	defer unlock()

	res, err := l.store.HoldFunds(ctx, Reservation{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		AccountID:      req.AccountID,
		CatalogEntryID: req.CatalogEntryID,
		Amount:         req.Cost,
		Source:         FundingWallet,
		Status:         ReservationHeld,
		CreatedAt:      l.now(),
	})
	if err != nil {
		return Reservation{}, err
	}

	l.logger.Debug().
		Str("account_id", res.AccountID).
		Str("reservation_id", res.ID).
		Str("amount", res.Amount.StringFixed(money.Scale)).
		Str("source", string(res.Source)).
		Bool("resumed", res.Resumed).
		Msg("Funds held")
	return res, nil
}

// Settle credits outcome and appends the committed ledger row.
// Settling an already settled reservation returns the original row.
func (l *Ledger) Settle(ctx context.Context, res Reservation, outcome catalog.WeightedOutcome) (Transaction, error) {
	unlock, err := l.locks.lock(ctx, res.AccountID)
	if err != nil {
		return Transaction{}, err
	}
	defer unlock()

	tx, err := l.store.SettleReservation(ctx, res, Transaction{
		ID:             uuid.NewString(),
		ReservationID:  res.ID,
		IdempotencyKey: res.IdempotencyKey,
		AccountID:      res.AccountID,
		CatalogEntryID: res.CatalogEntryID,
		CostCharged:    res.Amount,
		Source:         res.Source,
		OutcomeType:    outcome.Type,
		OutcomeLabel:   outcome.Label,
		OutcomeValue:   outcome.Value,
		Status:         StatusCommitted,
		CreatedAt:      l.now(),
	})
	if errors.Is(err, ErrAlreadySettled) {
		return l.store.TransactionByKey(ctx, res.IdempotencyKey)
	}
	if err != nil {
		return Transaction{}, err
	}

	l.logger.Info().
		Str("account_id", tx.AccountID).
		Str("transaction_id", tx.ID).
		Str("outcome_type", string(tx.OutcomeType)).
		Str("outcome_value", tx.OutcomeValue.String()).
		Msg("Reservation settled")
	return tx, nil
}

// Refund is the compensating action for a held reservation that cannot be settled.
// It restores the funds and appends a failed row for audit.
func (l *Ledger) Refund(ctx context.Context, res Reservation, reason string) (Transaction, error) {
	unlock, err := l.locks.lock(ctx, res.AccountID)
	if err != nil {
		return Transaction{}, err
	}
	defer unlock()

	tx, err := l.store.RefundReservation(ctx, res, Transaction{
		ID:             uuid.NewString(),
		ReservationID:  res.ID,
		AccountID:      res.AccountID,
		CatalogEntryID: res.CatalogEntryID,
		CostCharged:    res.Amount,
		Source:         res.Source,
		OutcomeType:    catalog.OutcomeNone,
		Status:         StatusFailed,
		FailureReason:  reason,
		CreatedAt:      l.now(),
	})
	if err != nil {
		return Transaction{}, err
	}

	l.logger.Warn().
		Str("account_id", res.AccountID).
		Str("reservation_id", res.ID).
		Str("reason", reason).
		Msg("Reservation refunded")
	return tx, nil
}

// Lookup returns the committed transaction for key, if any.
func (l *Ledger) Lookup(ctx context.Context, key string) (Transaction, bool, error) {
	tx, err := l.store.TransactionByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return tx, true, nil
}

// Held returns reservations still held that were created before cutoff,
// oldest first. Used to finish opens whose process died after the charge.
func (l *Ledger) Held(ctx context.Context, cutoff time.Time, limit uint) ([]Reservation, error) {
	if limit == 0 {
		limit = 100
	}
	return l.store.HeldReservationsBefore(ctx, cutoff, limit)
}

// History lists ledger rows newest first.
func (l *Ledger) History(ctx context.Context, filter HistoryFilter) ([]Transaction, error) {
	if filter.Limit == 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return l.store.ListTransactions(ctx, filter)
}
