package jackpot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// DefaultApplyTimeout bounds a store write made by the writer goroutine.
	DefaultApplyTimeout = 5 * time.Second

	// DefaultRefreshInterval is how often the pool is re-read from the store.
	DefaultRefreshInterval = 30 * time.Second
)

// Aggregator is the single writer of the jackpot pool.
//
// Increments are queued to one goroutine that applies them through the store
// in arrival order, then publishes the committed snapshot. Nothing else in the
// process writes the pool, and the store's atomic update keeps other instances
// from losing updates.
type Aggregator struct {
	store     Store
	feed      *Feed
	publisher Publisher
	logger    zerolog.Logger

	seed            decimal.Decimal
	rate            decimal.Decimal
	applyTimeout    time.Duration
	refreshInterval time.Duration

	requests chan incrementRequest
	stopChan chan struct{}
	done     sync.WaitGroup
	stopOnce sync.Once

	// mu guards stopped so no request is queued after the writer drained.
	mu      sync.RWMutex
	stopped bool

	onIncrement func(delta decimal.Decimal, applied bool)
}

type incrementRequest struct {
	contribution Contribution
	reply        chan incrementResult
}

type incrementResult struct {
	snapshot Snapshot
	err      error
}

// NewAggregator creates an aggregator writing through store and publishing to feed.
func NewAggregator(store Store, feed *Feed, cfg Config) *Aggregator {
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 256
	}
	applyTimeout := cfg.ApplyTimeout
	if applyTimeout <= 0 {
		applyTimeout = DefaultApplyTimeout
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = DefaultRefreshInterval
	}
	return &Aggregator{
		store:           store,
		feed:            feed,
		publisher:       cfg.Publisher,
		logger:          cfg.Logger.With().Str("component", "jackpot").Logger(),
		seed:            cfg.Seed,
		rate:            cfg.ContributionRate,
		applyTimeout:    applyTimeout,
		refreshInterval: refresh,
		requests:        make(chan incrementRequest, queue),
		stopChan:        make(chan struct{}),
	}
}

// OnIncrement registers a hook called by the writer after each contribution.
// Must be set before Start.
func (a *Aggregator) OnIncrement(fn func(delta decimal.Decimal, applied bool)) {
	a.onIncrement = fn
}

// Start loads or creates the pool, seeds the feed and starts the writer and refresh loops.
func (a *Aggregator) Start(ctx context.Context) error {
	snap, err := a.store.EnsurePool(ctx, a.seed)
	if err != nil {
		return fmt.Errorf("failed to initialize jackpot pool: %w", err)
	}
	a.feed.Publish(snap)

	a.logger.Info().
		Str("total", snap.Total.String()).
		Int64("version", snap.Version).
		Msg("Jackpot pool loaded")

	a.done.Add(2)
	go a.loop()
	go a.refreshLoop()
	return nil
}

// Stop stops accepting increments and waits for the writer to drain its queue.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.stopped = true
		a.mu.Unlock()
		close(a.stopChan)
	})
	a.done.Wait()
}

// ContributionFor returns the pool share of a charged cost, truncated to cents.
func (a *Aggregator) ContributionFor(cost decimal.Decimal) decimal.Decimal {
	if cost.IsNegative() || a.rate.IsNegative() {
		return decimal.Zero
	}
	return cost.Mul(a.rate).Truncate(2)
}

// Increment applies c exactly once and returns the resulting snapshot.
// ctx only bounds waiting for queue space: once queued, the increment
// is applied and the caller waits for its result.
func (a *Aggregator) Increment(ctx context.Context, c Contribution) (Snapshot, error) {
	if c.TransactionID == "" {
		return Snapshot{}, fmt.Errorf("jackpot contribution requires a transaction id")
	}
	if c.Delta.IsNegative() {
		return Snapshot{}, fmt.Errorf("jackpot contribution %s is negative", c.Delta)
	}

	req := incrementRequest{contribution: c, reply: make(chan incrementResult, 1)}
	a.mu.RLock()
	if a.stopped {
		a.mu.RUnlock()
		return Snapshot{}, ErrStopped
	}
	select {
	case <-ctx.Done():
		a.mu.RUnlock()
		return Snapshot{}, ctx.Err()
	case a.requests <- req:
	}
	a.mu.RUnlock()

	res := <-req.reply
	return res.snapshot, res.err
}

// Snapshot returns the latest known pool value.
func (a *Aggregator) Snapshot() Snapshot {
	return a.feed.Snapshot()
}

// Feed returns the change feed.
func (a *Aggregator) Feed() *Feed {
	return a.feed
}

func (a *Aggregator) loop() {
	defer a.done.Done()
	for {
		select {
		case req := <-a.requests:
			a.apply(req)
		case <-a.stopChan:
			// Queued requests were accepted; finish them before exiting.
			for {
				select {
				case req := <-a.requests:
					a.apply(req)
				default:
					return
				}
			}
		}
	}
}

func (a *Aggregator) apply(req incrementRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), a.applyTimeout)
	defer cancel()

	snap, applied, err := a.store.ApplyContribution(ctx, req.contribution)
	if err != nil {
		a.logger.Error().
			Err(err).
			Str("transaction_id", req.contribution.TransactionID).
			Str("delta", req.contribution.Delta.String()).
			Msg("Failed to apply jackpot contribution")
		req.reply <- incrementResult{err: err}
		return
	}
	req.reply <- incrementResult{snapshot: snap}

	if a.onIncrement != nil {
		a.onIncrement(req.contribution.Delta, applied)
	}
	if !applied {
		return
	}

	a.feed.Publish(snap)
	if a.publisher != nil {
		if err := a.publisher.PublishSnapshot(ctx, snap); err != nil {
			a.logger.Warn().Err(err).Int64("version", snap.Version).Msg("Failed to publish jackpot snapshot")
		}
	}

	if a.logger.GetLevel() <= zerolog.DebugLevel {
		a.logger.Debug().
			Str("transaction_id", req.contribution.TransactionID).
			Str("total", snap.Total.String()).
			Int64("version", snap.Version).
			Msg("Jackpot incremented")
	}
}

// refreshLoop re-reads the pool so increments committed by other instances
// reach local subscribers even when a Kafka message is lost.
func (a *Aggregator) refreshLoop() {
	defer a.done.Done()
	ticker := time.NewTicker(a.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), a.applyTimeout)
			snap, err := a.store.LoadPool(ctx)
			cancel()
			if err != nil {
				a.logger.Debug().Err(err).Msg("Failed to refresh jackpot pool")
				continue
			}
			a.feed.Publish(snap)
		}
	}
}

// HandleRemoteSnapshot feeds a snapshot received from another instance.
func (a *Aggregator) HandleRemoteSnapshot(s Snapshot) {
	if a.feed.Publish(s) {
		a.logger.Debug().Int64("version", s.Version).Msg("Applied remote jackpot snapshot")
	}
}
