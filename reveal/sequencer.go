package reveal

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/Digital-Creators-Team/reward-module/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrRetryable means the open may or may not have been applied. Calling Open
// again for the same entry resends the same idempotency key.
var ErrRetryable = stderrors.New("open did not complete, retry with the same key")

// Request is one open sent to the server.
type Request struct {
	CatalogEntryID string
	IdempotencyKey string
}

// Balances as reported by the server.
type Balances struct {
	WalletBalance   decimal.Decimal `json:"wallet_balance"`
	RewardPoints    int64           `json:"reward_points"`
	FreeSpinCredits int64           `json:"free_spin_credits"`
}

// Result is the authoritative outcome of an open.
type Result struct {
	TransactionID  string          `json:"transaction_id"`
	CatalogEntryID string          `json:"catalog_entry_id"`
	CostCharged    decimal.Decimal `json:"cost_charged"`
	OutcomeType    string          `json:"outcome_type"`
	OutcomeLabel   string          `json:"outcome_label"`
	OutcomeValue   decimal.Decimal `json:"outcome_value"`
	JackpotTotal   decimal.Decimal `json:"jackpot_total"`
	JackpotVersion int64           `json:"jackpot_version"`
	Replayed       bool            `json:"replayed"`
	Balances       *Balances       `json:"balances,omitempty"`
}

// Opener sends an open to the server.
type Opener interface {
	Open(ctx context.Context, req Request) (*Result, error)
}

// Config tunes a Sequencer.
type Config struct {
	// RequestTimeout bounds one Open round trip. Zero means the caller's context only.
	RequestTimeout time.Duration
	// Animation is how long Play holds the Animating state.
	Animation time.Duration
	Logger    zerolog.Logger
	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to State)
}

// Sequencer drives one reveal at a time.
type Sequencer struct {
	opener     Opener
	reconciler *Reconciler
	cfg        Config
	newKey     func() string

	mu      sync.Mutex
	state   State
	pending *Request
	result  *Result
}

// NewSequencer creates a sequencer. reconciler may be nil.
func NewSequencer(opener Opener, reconciler *Reconciler, cfg Config) *Sequencer {
	return &Sequencer{
		opener:     opener,
		reconciler: reconciler,
		cfg:        cfg,
		newKey:     uuid.NewString,
		state:      Idle,
	}
}

// State returns the current state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PendingKey returns the key kept from a request that did not complete.
func (s *Sequencer) PendingKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return ""
	}
	return s.pending.IdempotencyKey
}

// Result returns the result being presented, if any.
func (s *Sequencer) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Open requests an open of entryID and waits for the authoritative result.
// On success the sequencer is Animating. A server rejection returns to Idle
// with nothing charged; a timeout or transient failure returns to Idle with
// ErrRetryable and the key is kept for the next Open of the same entry.
func (s *Sequencer) Open(ctx context.Context, entryID string) (*Result, error) {
	req, err := s.begin(entryID)
	if err != nil {
		return nil, err
	}

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	res, err := s.opener.Open(ctx, req)
	if err == nil && res == nil {
		err = errors.New(errors.ErrInternalServerError, "empty open result")
	}
	if err != nil {
		return nil, s.fail(req, err)
	}

	s.mu.Lock()
	s.pending = nil
	s.result = res
	from := s.state
	s.state, _ = NextState(s.state, EventResult)
	to := s.state
	s.mu.Unlock()
	s.changed(from, to)

	if s.reconciler != nil {
		s.reconciler.ApplyResult(res)
	}
	s.cfg.Logger.Debug().
		Str("transaction_id", res.TransactionID).
		Str("outcome_label", res.OutcomeLabel).
		Bool("replayed", res.Replayed).
		Msg("Open resolved")
	return res, nil
}

func (s *Sequencer) begin(entryID string) (Request, error) {
	s.mu.Lock()
	next, err := NextState(s.state, EventOpen)
	if err != nil {
		s.mu.Unlock()
		return Request{}, err
	}
	if s.pending == nil || s.pending.CatalogEntryID != entryID {
		s.pending = &Request{CatalogEntryID: entryID, IdempotencyKey: s.newKey()}
	}
	req := *s.pending
	from := s.state
	s.state = next
	s.result = nil
	s.mu.Unlock()

	s.changed(from, next)
	return req, nil
}

func (s *Sequencer) fail(req Request, cause error) error {
	retryable := isRetryable(cause)
	ev := EventFailure
	if retryable {
		ev = EventTimeout
	}

	s.mu.Lock()
	if !retryable {
		s.pending = nil
	}
	from := s.state
	s.state, _ = NextState(s.state, ev)
	to := s.state
	s.mu.Unlock()
	s.changed(from, to)

	if retryable {
		s.cfg.Logger.Warn().Err(cause).Str("idempotency_key", req.IdempotencyKey).Msg("Open did not complete, keeping key")
		return fmt.Errorf("%w: %w", ErrRetryable, cause)
	}
	return cause
}

// Play holds Animating for the configured duration, then moves to Revealed.
// A cancelled ctx ends the animation early; the result is revealed either way.
func (s *Sequencer) Play(ctx context.Context) error {
	if st := s.State(); st != Animating {
		_, err := NextState(st, EventAnimationDone)
		return err
	}
	if s.cfg.Animation > 0 {
		timer := time.NewTimer(s.cfg.Animation)
		select {
		case <-ctx.Done():
		case <-timer.C:
		}
		timer.Stop()
	}
	return s.transition(EventAnimationDone)
}

// Dismiss returns to Idle from Animating or Revealed.
func (s *Sequencer) Dismiss() error {
	if s.State() == Animating {
		if err := s.transition(EventDismiss); err != nil {
			return err
		}
	}
	if err := s.transition(EventDismiss); err != nil {
		return err
	}
	s.mu.Lock()
	s.result = nil
	s.mu.Unlock()
	return nil
}

func (s *Sequencer) transition(e Event) error {
	s.mu.Lock()
	from := s.state
	next, err := NextState(from, e)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = next
	s.mu.Unlock()
	s.changed(from, next)
	return nil
}

func (s *Sequencer) changed(from, to State) {
	if s.cfg.OnStateChange != nil && from != to {
		s.cfg.OnStateChange(from, to)
	}
}

func isRetryable(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return true
	}
	if errors.IsAppError(err) {
		return errors.IsRetryable(err)
	}
	// Transport failures carry no server answer.
	return true
}
