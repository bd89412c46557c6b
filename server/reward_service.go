package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/reward-module/catalog"
	"github.com/Digital-Creators-Team/reward-module/config"
	"github.com/Digital-Creators-Team/reward-module/errors"
	"github.com/Digital-Creators-Team/reward-module/idempotency"
	"github.com/Digital-Creators-Team/reward-module/logging"
	"github.com/Digital-Creators-Team/reward-module/metrics"
	"github.com/Digital-Creators-Team/reward-module/pkg/jackpot"
	"github.com/Digital-Creators-Team/reward-module/pkg/ledger"
	"github.com/Digital-Creators-Team/reward-module/pkg/probability"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// RewardOpener is the contract the HTTP handler depends on.
type RewardOpener interface {
	OpenReward(ctx context.Context, req *OpenRequest) (*OpenResult, error)
}

// Ledger is the subset of *ledger.Ledger the service uses.
type Ledger interface {
	Account(ctx context.Context, id string) (ledger.Account, error)
	Charge(ctx context.Context, req ledger.ChargeRequest) (ledger.Reservation, error)
	Settle(ctx context.Context, res ledger.Reservation, outcome catalog.WeightedOutcome) (ledger.Transaction, error)
	Refund(ctx context.Context, res ledger.Reservation, reason string) (ledger.Transaction, error)
	Lookup(ctx context.Context, key string) (ledger.Transaction, bool, error)
	History(ctx context.Context, filter ledger.HistoryFilter) ([]ledger.Transaction, error)
	Held(ctx context.Context, cutoff time.Time, limit uint) ([]ledger.Reservation, error)
}

// Selector picks outcomes.
type Selector interface {
	Select(ctx context.Context, entry catalog.Entry) (probability.Selection, error)
}

// Jackpot is the subset of *jackpot.Aggregator the service uses.
type Jackpot interface {
	Increment(ctx context.Context, c jackpot.Contribution) (jackpot.Snapshot, error)
	ContributionFor(cost decimal.Decimal) decimal.Decimal
	Snapshot() jackpot.Snapshot
}

// OpenRequest asks to open one crate or spin one wheel.
type OpenRequest struct {
	AccountID      string
	CatalogEntryID string
	IdempotencyKey string
}

// OpenResult is the authoritative result of an open.
type OpenResult struct {
	TransactionID  string               `json:"transaction_id"`
	AccountID      string               `json:"account_id"`
	CatalogEntryID string               `json:"catalog_entry_id"`
	CostCharged    decimal.Decimal      `json:"cost_charged"`
	FundingSource  ledger.FundingSource `json:"funding_source"`
	OutcomeType    catalog.OutcomeType  `json:"outcome_type"`
	OutcomeLabel   string               `json:"outcome_label"`
	OutcomeValue   decimal.Decimal      `json:"outcome_value"`
	JackpotTotal   decimal.Decimal      `json:"jackpot_total"`
	JackpotVersion int64                `json:"jackpot_version"`
	Replayed       bool                 `json:"replayed"`
	// Balances after the open. Re-read on every call, replays included.
	Balances *ledger.Account `json:"balances,omitempty"`
}

// RewardServiceConfig tunes RewardService.
type RewardServiceConfig struct {
	SettleTimeout        time.Duration
	ConflictBackoff      time.Duration
	LockTTL              time.Duration
	ResultCacheTTL       time.Duration
	MaxIdempotencyKeyLen int
}

// RewardServiceConfigFrom maps the reward section of the app config.
func RewardServiceConfigFrom(cfg config.RewardConfig) RewardServiceConfig {
	return RewardServiceConfig{
		SettleTimeout:        cfg.SettleTimeout,
		ConflictBackoff:      cfg.ConflictBackoff,
		LockTTL:              cfg.IdempotencyLockTTL,
		ResultCacheTTL:       cfg.ResultCacheTTL,
		MaxIdempotencyKeyLen: cfg.MaxIdempotencyKeyLen,
	}
}

// RewardService orchestrates an open:
//
//	validate -> replay by key -> lock key -> check account and entry -> charge
//	-> (detached) select -> settle -> jackpot increment -> cache result
//
// Nothing is charged before the entry and account are known to be usable. Once
// the charge commits the rest of the flow ignores caller cancellation, and a
// failure to settle is compensated with a refund.
type RewardService struct {
	ledger   Ledger
	catalog  catalog.Store
	selector Selector
	jackpot  Jackpot
	idem     idempotency.Store
	audit    AuditProvider
	pool     *WorkerPool
	cfg      RewardServiceConfig
	logger   zerolog.Logger
}

// NewRewardService creates the coordinator. audit may be nil.
func NewRewardService(
	l Ledger,
	store catalog.Store,
	selector Selector,
	jp Jackpot,
	idem idempotency.Store,
	audit AuditProvider,
	pool *WorkerPool,
	cfg RewardServiceConfig,
	logger zerolog.Logger,
) *RewardService {
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.ResultCacheTTL <= 0 {
		cfg.ResultCacheTTL = 24 * time.Hour
	}
	if cfg.MaxIdempotencyKeyLen <= 0 {
		cfg.MaxIdempotencyKeyLen = 128
	}
	return &RewardService{
		ledger:   l,
		catalog:  store,
		selector: selector,
		jackpot:  jp,
		idem:     idem,
		audit:    audit,
		pool:     pool,
		cfg:      cfg,
		logger:   logger.With().Str("service", "reward").Logger(),
	}
}

// OpenReward runs one open on the worker pool.
func (s *RewardService) OpenReward(ctx context.Context, req *OpenRequest) (*OpenResult, error) {
	started := time.Now()
	if err := s.validate(req); err != nil {
		metrics.RecordOpen(resultLabel(err), started)
		return nil, err
	}

	var result *OpenResult
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.open(ctx, req)
		return err
	})
	if err != nil {
		err = s.translate(err)
		metrics.RecordOpen(resultLabel(err), started)
		return nil, err
	}

	if result.Replayed {
		metrics.RecordOpen("replayed", started)
	} else {
		metrics.RecordOpen("success", started)
	}
	return result, nil
}

func (s *RewardService) validate(req *OpenRequest) error {
	if req == nil {
		return errors.New(errors.ErrInvalidRequest, "request is required")
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	switch {
	case req.IdempotencyKey == "":
		return errors.New(errors.ErrInvalidRequest, "idempotency key is required")
	case len(req.IdempotencyKey) > s.cfg.MaxIdempotencyKeyLen:
		return errors.New(errors.ErrInvalidRequest,
			fmt.Sprintf("idempotency key longer than %d characters", s.cfg.MaxIdempotencyKeyLen))
	case strings.TrimSpace(req.AccountID) == "":
		return errors.New(errors.ErrInvalidRequest, "account id is required")
	case strings.TrimSpace(req.CatalogEntryID) == "":
		return errors.New(errors.ErrInvalidRequest, "catalog entry id is required")
	}
	return nil
}

func (s *RewardService) open(ctx context.Context, req *OpenRequest) (*OpenResult, error) {
	logger := logging.WithIdempotencyKey(logging.WithAccountID(s.requestLogger(ctx), req.AccountID), req.IdempotencyKey)

	if res, ok, err := s.replay(ctx, req); err != nil || ok {
		return res, err
	}

	release, err := s.idem.Lock(ctx, req.IdempotencyKey, s.cfg.LockTTL)
	if stderrors.Is(err, idempotency.ErrInFlight) {
		return nil, errors.New(errors.ErrConcurrencyConflict, "a request with this idempotency key is in progress")
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrServiceUnavailable, "failed to lock idempotency key")
	}
	defer release()

	entry, err := s.usableEntry(ctx, req.CatalogEntryID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Account(ctx, req.AccountID); err != nil {
		return nil, err
	}

	var reservation ledger.Reservation
	err = s.retryConflict(ctx, func() error {
		var err error
		reservation, err = s.ledger.Charge(ctx, ledger.ChargeRequest{
			AccountID:      req.AccountID,
			CatalogEntryID: req.CatalogEntryID,
			Cost:           entry.Cost,
			IdempotencyKey: req.IdempotencyKey,
		})
		return err
	})
	if stderrors.Is(err, ledger.ErrAlreadySettled) {
		// Committed by another holder between the replay check and the lock.
		res, _, err := s.replay(ctx, req)
		return res, err
	}
	if err != nil {
		return nil, err
	}
	if reservation.Resumed {
		logger.Warn().Str("reservation_id", reservation.ID).Msg("Resuming held reservation")
	}

	// The charge is committed: finish regardless of the caller.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SettleTimeout)
	defer cancel()
	return s.complete(dctx, logger, req, entry, reservation)
}

func (s *RewardService) complete(
	ctx context.Context,
	logger zerolog.Logger,
	req *OpenRequest,
	entry catalog.Entry,
	reservation ledger.Reservation,
) (*OpenResult, error) {
	selection, err := s.selector.Select(ctx, entry)
	if err != nil {
		code := errors.ErrInternalFault
		if stderrors.Is(err, probability.ErrConfiguration) {
			code = errors.ErrConfiguration
		}
		return nil, s.compensate(ctx, logger, reservation, "select", err, code)
	}

	var tx ledger.Transaction
	err = s.retryConflict(ctx, func() error {
		var err error
		tx, err = s.ledger.Settle(ctx, reservation, selection.Outcome)
		return err
	})
	if err != nil {
		return nil, s.compensate(ctx, logger, reservation, "settle", err, errors.ErrInternalFault)
	}
	metrics.RecordOutcome(entry.ID, string(tx.OutcomeType))

	result := s.resultFrom(tx)
	s.applyJackpot(ctx, logger, tx, result)
	s.attachBalances(ctx, result)

	if err := s.idem.Save(ctx, req.IdempotencyKey, result, s.cfg.ResultCacheTTL); err != nil {
		logger.Warn().Err(err).Msg("Failed to cache open result")
	}

	if s.audit != nil {
		if err := s.audit.LogOpen(ctx, &OpenLog{
			TransactionID:  tx.ID,
			IdempotencyKey: tx.IdempotencyKey,
			AccountID:      tx.AccountID,
			CatalogEntryID: tx.CatalogEntryID,
			CostCharged:    tx.CostCharged,
			FundingSource:  string(tx.Source),
			OutcomeType:    string(tx.OutcomeType),
			OutcomeLabel:   tx.OutcomeLabel,
			OutcomeValue:   tx.OutcomeValue,
			Redirected:     selection.Redirected,
			JackpotVersion: result.JackpotVersion,
			Timestamp:      tx.CreatedAt,
		}); err != nil {
			logger.Warn().Err(err).Msg("Failed to audit open")
		}
	}

	logger.Info().
		Str("transaction_id", tx.ID).
		Str("catalog_entry_id", entry.ID).
		Str("outcome_label", tx.OutcomeLabel).
		Int64("jackpot_version", result.JackpotVersion).
		Msg("Reward opened")
	return result, nil
}

// replay answers a key that already has a committed transaction.
func (s *RewardService) replay(ctx context.Context, req *OpenRequest) (*OpenResult, bool, error) {
	var cached OpenResult
	if ok, err := s.idem.Load(ctx, req.IdempotencyKey, &cached); err != nil {
		l := s.requestLogger(ctx)
		l.Warn().Err(err).Msg("Failed to read cached open result")
	} else if ok {
		if err := matchKey(req, cached.AccountID, cached.CatalogEntryID); err != nil {
			return nil, false, err
		}
		cached.Replayed = true
		s.attachBalances(ctx, &cached)
		return &cached, true, nil
	}

	tx, found, err := s.ledger.Lookup(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	if err := matchKey(req, tx.AccountID, tx.CatalogEntryID); err != nil {
		return nil, false, err
	}

	result := s.resultFrom(tx)
	// The contribution is keyed by transaction: this returns the recorded
	// snapshot, or applies it if the original request died before doing so.
	s.applyJackpot(ctx, s.requestLogger(ctx), tx, result)
	result.Replayed = true
	s.attachBalances(ctx, result)
	return result, true, nil
}

func matchKey(req *OpenRequest, accountID, entryID string) error {
	if accountID != req.AccountID || entryID != req.CatalogEntryID {
		return errors.New(errors.ErrInvalidRequest, "idempotency key was already used for a different request")
	}
	return nil
}

func (s *RewardService) usableEntry(ctx context.Context, id string) (catalog.Entry, error) {
	entry, err := s.catalog.GetEntry(ctx, id)
	if stderrors.Is(err, catalog.ErrEntryNotFound) {
		return catalog.Entry{}, errors.New(errors.ErrCatalogEntryNotFound, fmt.Sprintf("catalog entry %s not found", id))
	}
	if err != nil {
		return catalog.Entry{}, errors.Wrap(err, errors.ErrInternalFault, "failed to load catalog entry")
	}
	if !entry.Active {
		return catalog.Entry{}, errors.New(errors.ErrCatalogEntryInactive, fmt.Sprintf("catalog entry %s is not active", id))
	}
	if len(entry.EnabledIndexes()) == 0 {
		return catalog.Entry{}, errors.New(errors.ErrConfiguration, fmt.Sprintf("catalog entry %s has no selectable outcome", id))
	}
	return entry, nil
}

// retryConflict runs fn and retries once after a short backoff when it reports a conflict.
func (s *RewardService) retryConflict(ctx context.Context, fn func() error) error {
	err := fn()
	if !stderrors.Is(err, ledger.ErrConflict) {
		return err
	}
	if s.cfg.ConflictBackoff > 0 {
		select {
		case <-ctx.Done():
			return err
		case <-time.After(s.cfg.ConflictBackoff):
		}
	}
	return fn()
}

// compensate refunds a held reservation after a failure past the charge.
func (s *RewardService) compensate(
	ctx context.Context,
	logger zerolog.Logger,
	res ledger.Reservation,
	stage string,
	cause error,
	code int,
) error {
	reason := fmt.Sprintf("%s failed: %v", stage, cause)
	logger.Error().Err(cause).Str("stage", stage).Str("reservation_id", res.ID).Msg("Open failed after charge, refunding")

	_, refundErr := s.ledger.Refund(ctx, res, truncate(reason, 255))
	metrics.RecordRefund(refundErr == nil)
	if refundErr != nil {
		// The reservation stays held; a retry with the same key resumes it.
		logger.Error().Err(refundErr).Str("reservation_id", res.ID).Msg("Refund failed, reservation left held")
	}

	if s.audit != nil {
		if err := s.audit.LogFailure(ctx, &FailureLog{
			ReservationID:  res.ID,
			IdempotencyKey: res.IdempotencyKey,
			AccountID:      res.AccountID,
			CatalogEntryID: res.CatalogEntryID,
			Stage:          stage,
			Reason:         reason,
			Refunded:       refundErr == nil,
			Timestamp:      time.Now().UTC(),
		}); err != nil {
			logger.Warn().Err(err).Msg("Failed to audit open failure")
		}
	}

	msg := "reward could not be completed; the charge was refunded"
	if refundErr != nil {
		msg = "reward could not be completed; retry with the same idempotency key"
	}
	return errors.WrapWithDebug(cause, code, msg, reason)
}

func (s *RewardService) applyJackpot(ctx context.Context, logger zerolog.Logger, tx ledger.Transaction, result *OpenResult) {
	snap, err := s.jackpot.Increment(ctx, jackpot.Contribution{
		TransactionID: tx.ID,
		Delta:         s.jackpot.ContributionFor(tx.CostCharged),
	})
	if err != nil {
		// The transaction stands; a retry with the key re-attempts the increment.
		logger.Error().Err(err).Str("transaction_id", tx.ID).Msg("Failed to apply jackpot contribution")
		snap = s.jackpot.Snapshot()
	}
	result.JackpotTotal = snap.Total
	result.JackpotVersion = snap.Version
}

func (s *RewardService) attachBalances(ctx context.Context, result *OpenResult) {
	acc, err := s.ledger.Account(ctx, result.AccountID)
	if err != nil {
		l := s.requestLogger(ctx)
		l.Warn().Err(err).Msg("Failed to read balances after open")
		result.Balances = nil
		return
	}
	result.Balances = &acc
}

func (s *RewardService) resultFrom(tx ledger.Transaction) *OpenResult {
	return &OpenResult{
		TransactionID:  tx.ID,
		AccountID:      tx.AccountID,
		CatalogEntryID: tx.CatalogEntryID,
		CostCharged:    tx.CostCharged,
		FundingSource:  tx.Source,
		OutcomeType:    tx.OutcomeType,
		OutcomeLabel:   tx.OutcomeLabel,
		OutcomeValue:   tx.OutcomeValue,
	}
}

// ResolveHeld finishes reservations created before cutoff that are still
// held, which happens when the process died between charge and settle or a
// compensating refund failed. Each one is settled through the engine like a
// normal open, or refunded when its entry can no longer be drawn. Keys that
// are locked by a live request are skipped.
func (s *RewardService) ResolveHeld(ctx context.Context, cutoff time.Time, limit uint) (int, error) {
	held, err := s.ledger.Held(ctx, cutoff, limit)
	if err != nil {
		return 0, s.translate(err)
	}

	resolved := 0
	for _, res := range held {
		if err := ctx.Err(); err != nil {
			return resolved, s.translate(err)
		}
		ok, err := s.resolve(ctx, res)
		if err != nil {
			return resolved, err
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

func (s *RewardService) resolve(ctx context.Context, res ledger.Reservation) (bool, error) {
	logger := logging.WithIdempotencyKey(logging.WithAccountID(s.logger, res.AccountID), res.IdempotencyKey).
		With().Str("reservation_id", res.ID).Logger()

	release, err := s.idem.Lock(ctx, res.IdempotencyKey, s.cfg.LockTTL)
	if stderrors.Is(err, idempotency.ErrInFlight) {
		logger.Debug().Msg("Held reservation is in flight, skipped")
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrServiceUnavailable, "failed to lock idempotency key")
	}
	defer release()

	dctx, cancel := context.WithTimeout(ctx, s.cfg.SettleTimeout)
	defer cancel()

	entry, err := s.catalog.GetEntry(dctx, res.CatalogEntryID)
	switch {
	case stderrors.Is(err, catalog.ErrEntryNotFound):
		_ = s.compensate(dctx, logger, res, "resolve", err, errors.ErrCatalogEntryNotFound)
		return true, nil
	case err != nil:
		return false, errors.Wrap(err, errors.ErrInternalFault, "failed to load catalog entry")
	case len(entry.EnabledIndexes()) == 0:
		_ = s.compensate(dctx, logger, res, "resolve", catalog.ErrNoEnabledOutcomes, errors.ErrConfiguration)
		return true, nil
	}

	logger.Warn().Str("catalog_entry_id", entry.ID).Msg("Settling abandoned reservation")
	req := &OpenRequest{
		AccountID:      res.AccountID,
		CatalogEntryID: res.CatalogEntryID,
		IdempotencyKey: res.IdempotencyKey,
	}
	if _, err := s.complete(dctx, logger, req, entry, res); err != nil {
		logger.Warn().Err(err).Msg("Abandoned reservation was not settled")
	}
	return true, nil
}

// Account returns balances for the account endpoint.
func (s *RewardService) Account(ctx context.Context, accountID string) (ledger.Account, error) {
	acc, err := s.ledger.Account(ctx, accountID)
	if err != nil {
		return ledger.Account{}, s.translate(err)
	}
	return acc, nil
}

// History returns ledger rows for the account.
func (s *RewardService) History(ctx context.Context, filter ledger.HistoryFilter) ([]ledger.Transaction, error) {
	txs, err := s.ledger.History(ctx, filter)
	if err != nil {
		return nil, s.translate(err)
	}
	return txs, nil
}

// Catalog lists active entries.
func (s *RewardService) Catalog(ctx context.Context) ([]catalog.Entry, error) {
	entries, err := s.catalog.ListEntries(ctx, true)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternalFault, "failed to list catalog")
	}
	return entries, nil
}

// CatalogEntry returns one active entry.
func (s *RewardService) CatalogEntry(ctx context.Context, id string) (catalog.Entry, error) {
	entry, err := s.catalog.GetEntry(ctx, id)
	switch {
	case stderrors.Is(err, catalog.ErrEntryNotFound):
		return catalog.Entry{}, errors.New(errors.ErrCatalogEntryNotFound, fmt.Sprintf("catalog entry %s not found", id))
	case err != nil:
		return catalog.Entry{}, errors.Wrap(err, errors.ErrInternalFault, "failed to load catalog entry")
	case !entry.Active:
		return catalog.Entry{}, errors.New(errors.ErrCatalogEntryInactive, fmt.Sprintf("catalog entry %s is not active", id))
	}
	return entry, nil
}

// JackpotSnapshot returns the last committed pool value.
func (s *RewardService) JackpotSnapshot() jackpot.Snapshot {
	return s.jackpot.Snapshot()
}

// translate maps ledger and context errors to AppErrors. AppErrors pass through.
func (s *RewardService) translate(err error) error {
	if err == nil || errors.IsAppError(err) {
		return err
	}
	switch {
	case stderrors.Is(err, ledger.ErrInsufficientFunds):
		return errors.Wrap(err, errors.ErrInsufficientFunds, "insufficient funds")
	case stderrors.Is(err, ledger.ErrAccountNotFound):
		return errors.Wrap(err, errors.ErrAccountNotFound, "account not found")
	case stderrors.Is(err, ledger.ErrKeyMismatch):
		return errors.Wrap(err, errors.ErrInvalidRequest, "idempotency key was already used for a different request")
	case stderrors.Is(err, ledger.ErrInvalidRequest), stderrors.Is(err, ledger.ErrInvalidAmount):
		return errors.Wrap(err, errors.ErrInvalidRequest, "invalid request")
	case stderrors.Is(err, ledger.ErrConflict):
		return errors.Wrap(err, errors.ErrConcurrencyConflict, "concurrent update, retry the request")
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(err, errors.ErrServiceUnavailable, "request cancelled before completion")
	case stderrors.Is(err, ErrPoolClosed):
		return errors.Wrap(err, errors.ErrServiceUnavailable, "service is shutting down")
	case stderrors.Is(err, ledger.ErrStorageUnavailable):
		return errors.Wrap(err, errors.ErrInternalFault, "storage unavailable, retry with the same idempotency key")
	}
	// Unknown failures may sit after a committed write; keep the key retryable.
	return errors.Wrap(err, errors.ErrInternalFault, "internal error")
}

func (s *RewardService) requestLogger(ctx context.Context) zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l.With().Str("service", "reward").Logger()
	}
	return s.logger
}

func resultLabel(err error) string {
	return fmt.Sprintf("error_%d", errors.GetCode(err))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
