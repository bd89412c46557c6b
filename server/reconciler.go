package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultReconcileInterval is how often held reservations are scanned.
	DefaultReconcileInterval = time.Minute

	defaultReconcileBatch = 100
)

// HeldResolver finishes reservations left held past cutoff.
type HeldResolver interface {
	ResolveHeld(ctx context.Context, cutoff time.Time, limit uint) (int, error)
}

// ReconcilerConfig tunes the reconciler. MinAge must exceed the longest an
// open can legitimately keep its reservation held.
type ReconcilerConfig struct {
	Interval time.Duration
	MinAge   time.Duration
	Batch    uint
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Reconciler periodically settles or refunds reservations that no request
// will finish.
type Reconciler struct {
	resolver HeldResolver
	cfg      ReconcilerConfig
	logger   zerolog.Logger
	now      func() time.Time

	stopChan chan struct{}
	done     sync.WaitGroup
	stopOnce sync.Once
}

// NewReconciler creates a stopped reconciler.
func NewReconciler(resolver HeldResolver, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReconcileInterval
	}
	if cfg.MinAge <= 0 {
		cfg.MinAge = 40 * time.Second
	}
	if cfg.Batch == 0 {
		cfg.Batch = defaultReconcileBatch
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	return &Reconciler{
		resolver: resolver,
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "reconciler").Logger(),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start launches the scan loop.
func (r *Reconciler) Start() {
	r.done.Add(1)
	go r.loop()
	r.logger.Info().
		Dur("interval", r.cfg.Interval).
		Dur("min_age", r.cfg.MinAge).
		Msg("Reconciler started")
}

// Stop ends the loop and waits for an in-progress scan.
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
	r.done.Wait()
}

func (r *Reconciler) loop() {
	defer r.done.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			r.RunOnce()
		}
	}
}

// RunOnce scans a single batch.
func (r *Reconciler) RunOnce() int {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
	defer cancel()

	n, err := r.resolver.ResolveHeld(ctx, r.now().Add(-r.cfg.MinAge), r.cfg.Batch)
	if err != nil {
		r.logger.Warn().Err(err).Int("resolved", n).Msg("Reconcile pass failed")
		return n
	}
	if n > 0 {
		r.logger.Info().Int("resolved", n).Msg("Resolved held reservations")
	}
	return n
}
