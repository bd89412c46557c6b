package jackpot

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrStopped is returned by Increment once the aggregator has been stopped.
var ErrStopped = errors.New("jackpot aggregator stopped")

// Snapshot is the pool value after a committed increment.
// Version grows by one with every increment that changed the total.
type Snapshot struct {
	Total     decimal.Decimal `json:"jackpot_total"`
	Version   int64           `json:"jackpot_version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Newer reports whether s supersedes other.
func (s Snapshot) Newer(other Snapshot) bool {
	return s.Version > other.Version
}

// Contribution is one transaction's share of the pool.
// TransactionID makes the increment exactly-once.
type Contribution struct {
	TransactionID string
	Delta         decimal.Decimal
}

// Store applies increments atomically. ApplyContribution returns the recorded
// snapshot and applied=false when the transaction already contributed.
type Store interface {
	EnsurePool(ctx context.Context, seed decimal.Decimal) (Snapshot, error)
	LoadPool(ctx context.Context) (Snapshot, error)
	ApplyContribution(ctx context.Context, c Contribution) (Snapshot, bool, error)
}

// Publisher fans committed snapshots out to other instances (Kafka).
type Publisher interface {
	PublishSnapshot(ctx context.Context, s Snapshot) error
}

// Config configures the aggregator.
type Config struct {
	// Seed is the pool value created on first start.
	Seed decimal.Decimal

	// ContributionRate is the share of each charged cost added to the pool (0.05 = 5%).
	ContributionRate decimal.Decimal

	// QueueSize bounds pending increments waiting for the writer.
	QueueSize int

	// ApplyTimeout bounds a single store write.
	ApplyTimeout time.Duration

	// RefreshInterval re-reads the pool so the feed catches increments made by other instances.
	RefreshInterval time.Duration

	// Logger is optional; zero value logs nothing.
	Logger zerolog.Logger

	// Publisher is optional.
	Publisher Publisher
}
