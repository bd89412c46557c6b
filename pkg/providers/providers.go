// Package providers declares the collaborators the reward service calls out to.
package providers

import (
	"context"
	"time"

	"github.com/Digital-Creators-Team/reward-module/pkg/probability"
	"github.com/shopspring/decimal"
)

// AuditProvider records reward activity for audit. Implementations must not
// block the open flow on a slow sink.
type AuditProvider interface {
	probability.GuardReporter
	LogOpen(ctx context.Context, log *OpenLog) error
	LogFailure(ctx context.Context, log *FailureLog) error
}

// OpenLog is one settled open.
type OpenLog struct {
	TransactionID  string          `mapstructure:"transaction_id"`
	IdempotencyKey string          `mapstructure:"idempotency_key"`
	AccountID      string          `mapstructure:"account_id"`
	CatalogEntryID string          `mapstructure:"catalog_entry_id"`
	CostCharged    decimal.Decimal `mapstructure:"-"`
	FundingSource  string          `mapstructure:"funding_source"`
	OutcomeType    string          `mapstructure:"outcome_type"`
	OutcomeLabel   string          `mapstructure:"outcome_label"`
	OutcomeValue   decimal.Decimal `mapstructure:"-"`
	Redirected     bool            `mapstructure:"redirected"`
	JackpotVersion int64           `mapstructure:"jackpot_version"`
	Timestamp      time.Time       `mapstructure:"-"`
}

// FailureLog is an open that was charged and then refunded, or could not be refunded.
type FailureLog struct {
	ReservationID  string    `mapstructure:"reservation_id"`
	IdempotencyKey string    `mapstructure:"idempotency_key"`
	AccountID      string    `mapstructure:"account_id"`
	CatalogEntryID string    `mapstructure:"catalog_entry_id"`
	Stage          string    `mapstructure:"stage"`
	Reason         string    `mapstructure:"reason"`
	Refunded       bool      `mapstructure:"refunded"`
	Timestamp      time.Time `mapstructure:"-"`
}
