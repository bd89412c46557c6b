package server

import (
	"context"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/reward-module/auth"
	"github.com/Digital-Creators-Team/reward-module/catalog"
	"github.com/Digital-Creators-Team/reward-module/errors"
	"github.com/Digital-Creators-Team/reward-module/middleware"
	"github.com/Digital-Creators-Team/reward-module/pkg/ledger"
	"github.com/Digital-Creators-Team/reward-module/types"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RewardAPI is what RewardHandler needs from the service layer.
type RewardAPI interface {
	RewardOpener
	Account(ctx context.Context, accountID string) (ledger.Account, error)
	History(ctx context.Context, filter ledger.HistoryFilter) ([]ledger.Transaction, error)
	Catalog(ctx context.Context) ([]catalog.Entry, error)
	CatalogEntry(ctx context.Context, id string) (catalog.Entry, error)
}

// RewardHandler handles the reward HTTP API
//
// Flow: HTTP Request -> rewardRoutes -> RewardHandler -> RewardService -> Ledger / Engine / Jackpot
//
// The handler extracts the account from the JWT, validates the payload and
// formats responses. Everything else lives in the service.
type RewardHandler struct {
	svc    RewardAPI
	logger zerolog.Logger
}

// NewRewardHandler creates a new reward handler
func NewRewardHandler(svc RewardAPI, logger zerolog.Logger) *RewardHandler {
	return &RewardHandler{
		svc:    svc,
		logger: logger.With().Str("handler", "reward").Logger(),
	}
}

func (h *RewardHandler) accountID(c *gin.Context) (string, bool) {
	accountID, ok := auth.GetAccountID(c)
	if !ok || accountID == "" {
		Unauthorized(c, errors.New(errors.ErrUnauthorized, "Invalid or missing authentication token"))
		return "", false
	}
	return accountID, true
}

// OpenRewardRequest is the open payload
// @Description Open a crate or spin a wheel
type OpenRewardRequest struct {
	// Catalog entry to open
	CatalogEntryID string `json:"catalog_entry_id" binding:"required" example:"bronze-crate"`
	// Used when the Idempotency-Key header is absent
	IdempotencyKey string `json:"idempotency_key,omitempty" example:"9b2f3c1e-2f4a-4c1b-9f59-6a6c1f1d2e10"`
}

// OpenReward godoc
// @Summary      Open a reward
// @Description  Charges the entry cost, selects an outcome and credits it. Retrying with the same idempotency key returns the original result without charging again.
// @Tags         rewards
// @Accept       json
// @Produce      json
// @Param        Idempotency-Key  header    string             false  "Idempotency key"
// @Param        request          body      OpenRewardRequest  true   "Open request"
// @Success      200  {object}  BaseResponse{data=OpenResult}
// @Failure      400  {object}  BaseResponse
// @Failure      401  {object}  BaseResponse
// @Failure      402  {object}  BaseResponse
// @Failure      404  {object}  BaseResponse
// @Failure      409  {object}  BaseResponse
// @Failure      422  {object}  BaseResponse
// @Failure      500  {object}  BaseResponse
// @Security     BearerAuth
// @Router       /rewards/open [post]
func (h *RewardHandler) OpenReward(c *gin.Context) {
	accountID, ok := h.accountID(c)
	if !ok {
		return
	}

	var req OpenRewardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, errors.New(errors.ErrInvalidRequest, "Invalid request payload"))
		return
	}

	key := middleware.GetIdempotencyKey(c)
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}

	result, err := h.svc.OpenReward(c.Request.Context(), &OpenRequest{
		AccountID:      accountID,
		CatalogEntryID: req.CatalogEntryID,
		IdempotencyKey: key,
	})
	if err != nil {
		h.logger.Warn().Err(err).
			Str("account_id", accountID).
			Str("catalog_entry_id", req.CatalogEntryID).
			Msg("Open reward failed")
		HandleAppError(c, err)
		return
	}

	if result.Replayed {
		middleware.MarkReplayed(c)
	}
	OK(c, result)
}

// GetAccount godoc
// @Summary      Get balances
// @Description  Returns wallet balance, reward points and free spin credits of the caller
// @Tags         rewards
// @Produce      json
// @Success      200  {object}  BaseResponse{data=ledger.Account}
// @Failure      401  {object}  BaseResponse
// @Failure      404  {object}  BaseResponse
// @Security     BearerAuth
// @Router       /accounts/me [get]
func (h *RewardHandler) GetAccount(c *gin.Context) {
	accountID, ok := h.accountID(c)
	if !ok {
		return
	}
	acc, err := h.svc.Account(c.Request.Context(), accountID)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, acc)
}

// HistoryQueryParams are the query parameters of the transaction history
type HistoryQueryParams struct {
	CatalogEntryID string `form:"catalog_entry_id"`
	Status         string `form:"status"`
	Since          string `form:"since"`
	Until          string `form:"until"`
	Limit          int    `form:"limit"`
	Offset         int    `form:"offset"`
}

// GetHistory godoc
// @Summary      Transaction history
// @Description  Returns the caller's ledger rows, newest first
// @Tags         rewards
// @Produce      json
// @Param        catalog_entry_id  query  string  false  "Filter by catalog entry"
// @Param        status            query  string  false  "committed or failed"
// @Param        since             query  string  false  "RFC3339 lower bound"
// @Param        until             query  string  false  "RFC3339 upper bound"
// @Param        limit             query  int     false  "Page size (max 100)"
// @Param        offset            query  int     false  "Rows to skip"
// @Success      200  {object}  BaseResponse{data=types.Page[ledger.Transaction]}
// @Failure      400  {object}  BaseResponse
// @Failure      401  {object}  BaseResponse
// @Security     BearerAuth
// @Router       /rewards/transactions [get]
func (h *RewardHandler) GetHistory(c *gin.Context) {
	accountID, ok := h.accountID(c)
	if !ok {
		return
	}

	var params HistoryQueryParams
	if err := c.ShouldBindQuery(&params); err != nil {
		BadRequest(c, errors.New(errors.ErrInvalidRequest, err.Error()))
		return
	}
	if params.Limit <= 0 || params.Limit > 100 {
		params.Limit = 20
	}
	if params.Offset < 0 {
		params.Offset = 0
	}

	filter := ledger.HistoryFilter{
		AccountID:      accountID,
		CatalogEntryID: params.CatalogEntryID,
		Limit:          uint(params.Limit),
		Offset:         uint(params.Offset),
	}
	switch ledger.TransactionStatus(params.Status) {
	case "":
	case ledger.StatusCommitted, ledger.StatusFailed:
		filter.Status = ledger.TransactionStatus(params.Status)
	default:
		BadRequest(c, errors.New(errors.ErrInvalidRequest, "status must be committed or failed"))
		return
	}
	var err error
	if filter.Since, err = parseTime(params.Since); err != nil {
		BadRequest(c, errors.New(errors.ErrInvalidRequest, "since must be RFC3339"))
		return
	}
	if filter.Until, err = parseTime(params.Until); err != nil {
		BadRequest(c, errors.New(errors.ErrInvalidRequest, "until must be RFC3339"))
		return
	}

	txs, err := h.svc.History(c.Request.Context(), filter)
	if err != nil {
		HandleAppError(c, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	OK(c, types.Page[ledger.Transaction]{Items: txs, Limit: params.Limit, Offset: params.Offset})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// ListCatalog godoc
// @Summary      List catalog
// @Description  Returns active crates and wheels with their outcome tables
// @Tags         catalog
// @Produce      json
// @Success      200  {object}  BaseResponse{data=[]catalog.Entry}
// @Security     BearerAuth
// @Router       /catalog [get]
func (h *RewardHandler) ListCatalog(c *gin.Context) {
	entries, err := h.svc.Catalog(c.Request.Context())
	if err != nil {
		HandleAppError(c, err)
		return
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	OK(c, entries)
}

// GetCatalogEntry godoc
// @Summary      Get catalog entry
// @Tags         catalog
// @Produce      json
// @Param        id   path      string  true  "Catalog entry id"
// @Success      200  {object}  BaseResponse{data=catalog.Entry}
// @Failure      404  {object}  BaseResponse
// @Failure      422  {object}  BaseResponse
// @Security     BearerAuth
// @Router       /catalog/{id} [get]
func (h *RewardHandler) GetCatalogEntry(c *gin.Context) {
	entry, err := h.svc.CatalogEntry(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleAppError(c, err)
		return
	}
	OK(c, entry)
}
