package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/johnayoung/go-exbot/internal/apis"
	apperrors "github.com/johnayoung/go-exbot/internal/errors"
)

const (
	// DefaultTimeout bounds a whole request, connection through body
	DefaultTimeout = 30 * time.Second

	defaultUserAgent = "go-exbot/1.0"

	// maxErrorBody caps how much of a failed response is kept on the error
	maxErrorBody = 4096
)

// StatusError is a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %s", e.Status)
	}
	return fmt.Sprintf("unexpected status %s: %s", e.Status, e.Body)
}

// APIError is an error envelope returned with a success status.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange error code %s: %s", e.Code, e.Message)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithHTTPClient replaces the pooled HTTP client entirely. WithTimeout is
// ignored when this option is used.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// Client performs exchange calls over one pooled HTTP client. It is safe
// for concurrent use.
type Client struct {
	exchange   Exchange
	httpClient *http.Client
	logger     *slog.Logger
	timeout    time.Duration
	userAgent  string
}

// NewClient creates a client bound to ex. A nil exchange selects Binance.
func NewClient(ex Exchange, opts ...ClientOption) *Client {
	if ex == nil {
		ex = NewBinance()
	}

	c := &Client{
		exchange:  ex,
		logger:    slog.Default(),
		timeout:   DefaultTimeout,
		userAgent: defaultUserAgent,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout: c.timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				// Idle connections are kept until the server closes them.
				IdleConnTimeout: 0,
			},
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}

	return c
}

// Exchange returns the exchange the client is bound to.
func (c *Client) Exchange() Exchange {
	return c.exchange
}

// Timeout returns the effective request timeout.
func (c *Client) Timeout() time.Duration {
	return c.httpClient.Timeout
}

// Get performs a GET and decodes the JSON body into out. A nil out discards the body.
func (c *Client) Get(ctx context.Context, op apis.Operation, req *Request, out any) error {
	return c.Do(ctx, http.MethodGet, op, req, out)
}

// Post performs a POST. Query parameters are sent in the URL.
func (c *Client) Post(ctx context.Context, op apis.Operation, req *Request, out any) error {
	return c.Do(ctx, http.MethodPost, op, req, out)
}

// Put performs a PUT. Query parameters are sent in the URL.
func (c *Client) Put(ctx context.Context, op apis.Operation, req *Request, out any) error {
	return c.Do(ctx, http.MethodPut, op, req, out)
}

// Delete performs a DELETE. Query parameters are sent in the URL.
func (c *Client) Delete(ctx context.Context, op apis.Operation, req *Request, out any) error {
	return c.Do(ctx, http.MethodDelete, op, req, out)
}

// GetSigned performs a GET with req signed by the exchange first. Signing
// failures are returned as signing errors and no request is sent.
func (c *Client) GetSigned(ctx context.Context, op apis.Operation, req *Request, out any) error {
	return c.doSigned(ctx, http.MethodGet, op, req, out)
}

// PostSigned performs a POST with req signed by the exchange first. Signing
// failures are returned as signing errors and no request is sent.
func (c *Client) PostSigned(ctx context.Context, op apis.Operation, req *Request, out any) error {
	return c.doSigned(ctx, http.MethodPost, op, req, out)
}

// PutSigned performs a PUT with req signed by the exchange first. Signing
// failures are returned as signing errors and no request is sent.
func (c *Client) PutSigned(ctx context.Context, op apis.Operation, req *Request, out any) error {
	return c.doSigned(ctx, http.MethodPut, op, req, out)
}

// DeleteSigned performs a DELETE with req signed by the exchange first. Signing
// failures are returned as signing errors and no request is sent.
func (c *Client) DeleteSigned(ctx context.Context, op apis.Operation, req *Request, out any) error {
	return c.doSigned(ctx, http.MethodDelete, op, req, out)
}

// Sign asks the exchange to sign a copy of req and returns the merged result.
func (c *Client) Sign(ctx context.Context, req *Request) (*Request, error) {
	base := req.Clone()

	signed, err := c.exchange.Sign(ctx, base.Clone())
	if err != nil {
		if apperrors.GetErrorType(err) == apperrors.ErrorTypeUnknown {
			err = apperrors.NewSigningError(string(c.exchange.ID()), "sign", err)
		}
		return nil, err
	}

	return base.Merge(signed), nil
}

// Ping checks that the exchange answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.Get(ctx, apis.Ping, nil, nil)
}

func (c *Client) doSigned(ctx context.Context, method string, op apis.Operation, req *Request, out any) error {
	signed, err := c.Sign(ctx, req)
	if err != nil {
		return err
	}
	return c.Do(ctx, method, op, signed, out)
}

// Do sends exactly one request for op and decodes the JSON response into out.
func (c *Client) Do(ctx context.Context, method string, op apis.Operation, req *Request, out any) error {
	if req == nil {
		req = NewRequest()
	}

	endpoint := c.exchange.URL(op)
	if query := req.Encode(); query != "" {
		endpoint += "?" + query
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return apperrors.NewTransportError(string(c.exchange.ID()), op.String(),
			fmt.Errorf("failed to create request: %w", err))
	}

	for key, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(key, value)
		}
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	c.logger.Debug("sending exchange request",
		"exchange", c.exchange.ID(),
		"operation", op.String(),
		"method", method,
		"url", endpoint)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return apperrors.NewTransportError(string(c.exchange.ID()), op.String(),
			fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewTransportError(string(c.exchange.ID()), op.String(),
			fmt.Errorf("failed to read response body: %w", err))
	}

	c.logger.Debug("exchange response received",
		"exchange", c.exchange.ID(),
		"operation", op.String(),
		"status", resp.StatusCode,
		"bytes", len(body),
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := body
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return apperrors.NewHTTPStatusError(string(c.exchange.ID()), op.String(), &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(snippet),
		}).WithContext("status_code", resp.StatusCode)
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return apperrors.NewDecodeError(string(c.exchange.ID()), op.String(),
			fmt.Errorf("failed to decode response: %w", err))
	}

	return nil
}

func newDecodeError(op apis.Operation, err error) error {
	return apperrors.NewDecodeError("exchange", op.String(), err)
}

func newAPIError(op apis.Operation, code, message string) error {
	return apperrors.NewAPIError("exchange", op.String(), &APIError{Code: code, Message: message})
}
