package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Digital-Creators-Team/reward-module/errors"
	"github.com/Digital-Creators-Team/reward-module/types"
	"github.com/rs/zerolog"
)

// Client is an HTTP client for the reward API envelopes
type Client struct {
	httpClient *http.Client
	logger     zerolog.Logger
	baseURL    string
	headers    map[string]string
}

// Config holds HTTP client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  zerolog.Logger
	Headers map[string]string
	// Transport overrides the default transport (tests use httptest servers).
	Transport http.RoundTripper
}

// New creates a new HTTP client
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: cfg.Transport,
		},
		logger:  cfg.Logger.With().Str("component", "http-client").Logger(),
		baseURL: cfg.BaseURL,
		headers: cfg.Headers,
	}
}

// Response represents an HTTP response
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Get performs a GET request
func (c *Client) Get(ctx context.Context, path string, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, nil, headers)
}

// Post performs a POST request with JSON body
func (c *Client) Post(ctx context.Context, path string, body interface{}, headers map[string]string) (*Response, error) {
	return c.do(ctx, http.MethodPost, path, body, headers)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, headers map[string]string) (*Response, error) {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().
			Err(err).
			Str("method", method).
			Str("url", url).
			Dur("duration", time.Since(startTime)).
			Msg("HTTP request failed")
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", url).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(startTime)).
		Msg("HTTP request completed")

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Headers:    resp.Header,
	}, nil
}

// GetJSON performs a GET request and decodes the data of the success envelope
func (c *Client) GetJSON(ctx context.Context, path string, headers map[string]string, dest interface{}) (*Response, error) {
	resp, err := c.Get(ctx, path, headers)
	if err != nil {
		return nil, err
	}
	return resp, resp.Decode(dest)
}

// PostJSON performs a POST request and decodes the data of the success envelope
func (c *Client) PostJSON(ctx context.Context, path string, body interface{}, headers map[string]string, dest interface{}) (*Response, error) {
	resp, err := c.Post(ctx, path, body, headers)
	if err != nil {
		return nil, err
	}
	return resp, resp.Decode(dest)
}

// SetHeader sets a default header for all requests
func (c *Client) SetHeader(key, value string) {
	if c.headers == nil {
		c.headers = make(map[string]string)
	}
	c.headers[key] = value
}

// IsSuccess checks if the response indicates success
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unwraps the response envelope. Error envelopes become an
// *errors.AppError carrying the server's error code.
func (r *Response) Decode(dest interface{}) error {
	if !r.IsSuccess() {
		return r.appError()
	}
	if dest == nil {
		return nil
	}
	envelope := types.SuccessResponse[json.RawMessage]{}
	if err := json.Unmarshal(r.Body, &envelope); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}

func (r *Response) appError() error {
	var envelope types.ErrorResponse
	if err := json.Unmarshal(r.Body, &envelope); err != nil || envelope.Error.ErrorCode == 0 {
		return errors.NewWithDebug(codeFromStatus(r.StatusCode),
			fmt.Sprintf("HTTP error %d", r.StatusCode), string(r.Body))
	}
	return errors.New(envelope.Error.ErrorCode, envelope.Error.ErrorMessage)
}

func codeFromStatus(status int) int {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusServiceUnavailable,
		status == http.StatusBadGateway, status == http.StatusGatewayTimeout:
		return errors.ErrServiceUnavailable
	case status == http.StatusUnauthorized:
		return errors.ErrUnauthorized
	case status == http.StatusNotFound:
		return errors.ErrNotFound
	case status >= 500:
		return errors.ErrInternalServerError
	default:
		return errors.ErrInvalidRequest
	}
}
