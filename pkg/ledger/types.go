package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/Digital-Creators-Team/reward-module/catalog"
	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrConflict           = errors.New("concurrent modification")
	ErrAlreadySettled     = errors.New("reservation already settled")
	ErrReservationNotHeld = errors.New("reservation is not held")
	ErrKeyMismatch        = errors.New("idempotency key already used for a different request")
	ErrNotFound           = errors.New("not found")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidRequest     = errors.New("invalid ledger request")
	// ErrStorageUnavailable wraps driver and connection failures. Whether the
	// write behind it committed is unknown, so callers retry with the same key.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// FundingSource records what paid for an open.
type FundingSource string

const (
	FundingWallet     FundingSource = "wallet"
	FundingFreeCredit FundingSource = "free_credit"
)

// ReservationStatus tracks a charge until it is settled or refunded.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationSettled  ReservationStatus = "settled"
	ReservationRefunded ReservationStatus = "refunded"
)

// TransactionStatus is the final state of a ledger row.
type TransactionStatus string

const (
	StatusCommitted TransactionStatus = "committed"
	StatusFailed    TransactionStatus = "failed"
)

// Account balances. Only the ledger mutates them.
type Account struct {
	ID              string          `json:"id"`
	WalletBalance   decimal.Decimal `json:"wallet_balance"`
	RewardPoints    int64           `json:"reward_points"`
	FreeSpinCredits int64           `json:"free_spin_credits"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Reservation is a committed charge waiting for its settle or refund.
type Reservation struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	AccountID      string            `json:"account_id"`
	CatalogEntryID string            `json:"catalog_entry_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Source         FundingSource     `json:"funding_source"`
	Status         ReservationStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	// Resumed is set when Charge found an existing held reservation for the key.
	Resumed bool `json:"-"`
}

// Transaction is one immutable ledger row.
type Transaction struct {
	ID             string              `json:"id"`
	ReservationID  string              `json:"reservation_id"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	AccountID      string              `json:"account_id"`
	CatalogEntryID string              `json:"catalog_entry_id"`
	CostCharged    decimal.Decimal     `json:"cost_charged"`
	Source         FundingSource       `json:"funding_source"`
	OutcomeType    catalog.OutcomeType `json:"outcome_type"`
	OutcomeLabel   string              `json:"outcome_label"`
	OutcomeValue   decimal.Decimal     `json:"outcome_value"`
	Status         TransactionStatus   `json:"status"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// ChargeRequest asks for cost to be held against an account.
type ChargeRequest struct {
	AccountID      string
	CatalogEntryID string
	Cost           decimal.Decimal
	IdempotencyKey string
}

// HistoryFilter narrows a history query. Zero values mean no constraint.
type HistoryFilter struct {
	AccountID      string
	CatalogEntryID string
	Status         TransactionStatus
	Since          time.Time
	Until          time.Time
	Limit          uint
	Offset         uint
}

// Store is the persistence contract. Every method is one atomic unit.
//
// HoldFunds consumes a free credit when available and cost is positive,
// otherwise debits the wallet conditionally. For an existing key it returns
// the held reservation with Resumed set, re-holds a refunded one, or returns
// ErrAlreadySettled.
type Store interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	HoldFunds(ctx context.Context, res Reservation) (Reservation, error)
	SettleReservation(ctx context.Context, res Reservation, tx Transaction) (Transaction, error)
	RefundReservation(ctx context.Context, res Reservation, tx Transaction) (Transaction, error)
	TransactionByKey(ctx context.Context, key string) (Transaction, error)
	ListTransactions(ctx context.Context, filter HistoryFilter) ([]Transaction, error)
	// HeldReservationsBefore lists reservations still held that were created
	// before cutoff, oldest first.
	HeldReservationsBefore(ctx context.Context, cutoff time.Time, limit uint) ([]Reservation, error)
}
