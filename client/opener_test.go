package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Digital-Creators-Team/reward-module/errors"
	"github.com/Digital-Creators-Team/reward-module/middleware"
	"github.com/Digital-Creators-Team/reward-module/reveal"
	"github.com/Digital-Creators-Team/reward-module/types"
	"github.com/rs/zerolog"
)

func TestHTTPOpener_Open(t *testing.T) {
	var gotKey, gotAuth, gotEntry string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != openPath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get(middleware.IdempotencyKeyHeader)
		gotAuth = r.Header.Get("Authorization")
		var body openBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotEntry = body.CatalogEntryID

		w.Header().Set(middleware.IdempotentReplayedHeader, "true")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.SuccessResponse[map[string]interface{}]{
			StatusCode: http.StatusOK,
			IsSuccess:  true,
			Data: map[string]interface{}{
				"transaction_id":  "tx-1",
				"outcome_label":   "gold",
				"outcome_value":   "5",
				"jackpot_total":   "1002.50",
				"jackpot_version": 7,
			},
		})
	}))
	defer srv.Close()

	o := NewHTTPOpener(Config{BaseURL: srv.URL + "/", Token: "tok", Logger: zerolog.Nop()})
	res, err := o.Open(context.Background(), reveal.Request{CatalogEntryID: "bronze", IdempotencyKey: "k-1"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if gotKey != "k-1" || gotAuth != "Bearer tok" || gotEntry != "bronze" {
		t.Errorf("request key=%q auth=%q entry=%q", gotKey, gotAuth, gotEntry)
	}
	if res.TransactionID != "tx-1" || res.JackpotVersion != 7 || res.JackpotTotal.String() != "1002.5" {
		t.Errorf("Open() = %+v", res)
	}
	if !res.Replayed {
		t.Error("Expected Replayed from response header")
	}
}

func TestHTTPOpener_ErrorEnvelope(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      interface{}
		wantCode  int
		retryable bool
	}{
		{
			name:   "insufficient funds",
			status: http.StatusPaymentRequired,
			body: types.ErrorResponse{StatusCode: 402, Error: types.ErrorDetail{
				ErrorMessage: "insufficient funds", ErrorCode: errors.ErrInsufficientFunds,
			}},
			wantCode: errors.ErrInsufficientFunds,
		},
		{
			name:   "in flight",
			status: http.StatusConflict,
			body: types.ErrorResponse{StatusCode: 409, Error: types.ErrorDetail{
				ErrorMessage: "in progress", ErrorCode: errors.ErrConcurrencyConflict,
			}},
			wantCode:  errors.ErrConcurrencyConflict,
			retryable: true,
		},
		{
			name:      "gateway without envelope",
			status:    http.StatusBadGateway,
			body:      "upstream down",
			wantCode:  errors.ErrServiceUnavailable,
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()

			o := NewHTTPOpener(Config{BaseURL: srv.URL, Logger: zerolog.Nop()})
			_, err := o.Open(context.Background(), reveal.Request{CatalogEntryID: "bronze", IdempotencyKey: "k"})
			if !errors.HasCode(err, tt.wantCode) {
				t.Fatalf("Open() error = %v, want code %d", err, tt.wantCode)
			}
			if errors.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", errors.IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestHTTPOpener_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	o := NewHTTPOpener(Config{BaseURL: url, Logger: zerolog.Nop()})
	_, err := o.Open(context.Background(), reveal.Request{CatalogEntryID: "bronze", IdempotencyKey: "k"})
	if !errors.HasCode(err, errors.ErrServiceUnavailable) {
		t.Fatalf("Open() error = %v, want service unavailable", err)
	}
}
