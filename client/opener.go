// Package client talks to the reward API from Go consumers such as bots,
// load generators and the reveal sequencer.
package client

import (
	"context"
	"strings"
	"time"

	"github.com/Digital-Creators-Team/reward-module/errors"
	"github.com/Digital-Creators-Team/reward-module/httpclient"
	"github.com/Digital-Creators-Team/reward-module/middleware"
	"github.com/Digital-Creators-Team/reward-module/pkg/jackpot"
	"github.com/Digital-Creators-Team/reward-module/reveal"
	"github.com/rs/zerolog"
)

const (
	openPath    = "/api/v1/rewards/open"
	accountPath = "/api/v1/accounts/me"
	jackpotPath = "/api/v1/jackpot"
)

// Config configures HTTPOpener.
type Config struct {
	BaseURL string
	// Token is a JWT sent as a bearer token.
	Token   string
	Timeout time.Duration
	Logger  zerolog.Logger
}

// HTTPOpener implements reveal.Opener over the HTTP API.
type HTTPOpener struct {
	http *httpclient.Client
}

var _ reveal.Opener = (*HTTPOpener)(nil)

// NewHTTPOpener creates an opener for the API at cfg.BaseURL.
func NewHTTPOpener(cfg Config) *HTTPOpener {
	c := httpclient.New(httpclient.Config{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		Timeout: cfg.Timeout,
		Logger:  cfg.Logger,
	})
	if cfg.Token != "" {
		c.SetHeader("Authorization", "Bearer "+cfg.Token)
	}
	return &HTTPOpener{http: c}
}

type openBody struct {
	CatalogEntryID string `json:"catalog_entry_id"`
}

// Open posts one open. The key travels in the Idempotency-Key header.
func (o *HTTPOpener) Open(ctx context.Context, req reveal.Request) (*reveal.Result, error) {
	var res reveal.Result
	resp, err := o.http.PostJSON(ctx, openPath,
		openBody{CatalogEntryID: req.CatalogEntryID},
		map[string]string{middleware.IdempotencyKeyHeader: req.IdempotencyKey},
		&res)
	if err != nil {
		if errors.IsAppError(err) || ctx.Err() != nil {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrServiceUnavailable, "reward API unreachable")
	}
	if resp.Headers.Get(middleware.IdempotentReplayedHeader) == "true" {
		res.Replayed = true
	}
	return &res, nil
}

// Balances fetches the caller's balances.
func (o *HTTPOpener) Balances(ctx context.Context) (reveal.Balances, error) {
	var b reveal.Balances
	_, err := o.http.GetJSON(ctx, accountPath, nil, &b)
	return b, err
}

// Jackpot fetches the current jackpot snapshot.
func (o *HTTPOpener) Jackpot(ctx context.Context) (jackpot.Snapshot, error) {
	var s jackpot.Snapshot
	_, err := o.http.GetJSON(ctx, jackpotPath, nil, &s)
	return s, err
}
