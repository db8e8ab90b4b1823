// Package exchange resolves logical operations to exchange URLs and performs
// the HTTP calls against them.
//
// An Exchange is a pure route table plus the exchange-specific pieces the
// client cannot know on its own: how to sign a request, how to phrase a
// candlestick query and how to unwrap the candlestick response. The Client
// owns the pooled HTTP connection and turns every failure into one of the
// transport, http_status, api or decode error kinds. Requests are never
// retried.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/johnayoung/go-exbot/internal/apis"
	apperrors "github.com/johnayoung/go-exbot/internal/errors"
	"github.com/johnayoung/go-exbot/internal/models"
)

// ErrSigningNotImplemented is returned by exchanges whose signature scheme is
// not provided yet.
var ErrSigningNotImplemented = errors.New("request signing not implemented")

// RouteResolver maps logical operations to absolute URLs.
type RouteResolver interface {
	// Host returns the configured base URL, without a trailing slash.
	Host() string

	// Path returns the path fragment of op. Every declared operation has a
	// route; Path panics on an operation the exchange has no entry for.
	Path(op apis.Operation) string

	// URL returns Host() + Path(op). It performs no I/O.
	URL(op apis.Operation) string
}

// Signer produces the headers and query parameters that authenticate a
// request. The returned descriptor is merged into the caller's request, so
// signing can add or overwrite values but never removes any.
type Signer interface {
	Sign(ctx context.Context, req *Request) (*Request, error)
}

// KlineSource knows how one exchange asks for candlesticks and how it wraps
// the rows in its response.
type KlineSource interface {
	// KlineQuery builds the query parameters for the klines operation.
	KlineQuery(params KlineParams) *Request

	// KlineRows extracts the positional rows from a klines response body.
	KlineRows(body json.RawMessage) ([][]json.RawMessage, error)
}

// Exchange is one venue the client can talk to.
type Exchange interface {
	RouteResolver
	Signer
	KlineSource

	// ID returns the venue identifier, also used to tag decoded klines.
	ID() models.ExchangeID
}

// KlineParams selects a candlestick series.
type KlineParams struct {
	Symbol    string
	Interval  string
	Limit     int
	StartTime time.Time
	EndTime   time.Time
}

// Validate checks the parameters
func (p KlineParams) Validate() error {
	if p.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol is required"}
	}
	if p.Interval == "" {
		return &ValidationError{Field: "interval", Message: "interval is required"}
	}
	if p.Limit < 0 {
		return &ValidationError{Field: "limit", Message: "limit cannot be negative"}
	}
	if !p.StartTime.IsZero() && !p.EndTime.IsZero() && p.EndTime.Before(p.StartTime) {
		return &ValidationError{Field: "end_time", Message: "end time must not be before start time"}
	}
	return nil
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

// Error names the offending field.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// ErrorType classifies parameter problems as validation errors.
func (e *ValidationError) ErrorType() apperrors.ErrorType {
	return apperrors.ErrorTypeValidation
}

// Option configures an exchange at construction.
type Option func(*venue)

// WithHost overrides the base URL, e.g. to point at a test server.
func WithHost(host string) Option {
	return func(v *venue) {
		v.host = trimHost(host)
	}
}

// WithCredentials sets the API key pair used by Sign.
func WithCredentials(apiKey, secretKey string) Option {
	return func(v *venue) {
		v.apiKey = apiKey
		v.secretKey = secretKey
	}
}

// New builds the exchange identified by id.
func New(id models.ExchangeID, opts ...Option) (Exchange, error) {
	switch id {
	case models.ExchangeBinance:
		return NewBinance(opts...), nil
	case models.ExchangeBitget:
		return NewBitget(opts...), nil
	default:
		return nil, apperrors.NewConfigurationError("exchange", "new",
			fmt.Errorf("unsupported exchange: %q", id))
	}
}

// venue holds what every exchange shares: identity, host, credentials and a
// static route table.
type venue struct {
	id        models.ExchangeID
	host      string
	apiKey    string
	secretKey string
	routes    map[apis.Operation]string
}

func newVenue(id models.ExchangeID, host string, routes map[apis.Operation]string, opts []Option) venue {
	v := venue{id: id, host: host, routes: routes}
	for _, opt := range opts {
		opt(&v)
	}
	return v
}

// ID returns the exchange identifier.
func (v *venue) ID() models.ExchangeID {
	return v.id
}

// Host returns the base URL without a trailing slash.
func (v *venue) Host() string {
	return v.host
}

// Path returns the route of op. It panics for an operation the exchange
// does not serve; the route tables are fixed at build time.
func (v *venue) Path(op apis.Operation) string {
	path, ok := v.routes[op]
	if !ok {
		panic(fmt.Sprintf("exchange %s has no route for %s", v.id, op))
	}
	return path
}

// URL joins Host and Path.
func (v *venue) URL(op apis.Operation) string {
	return v.host + v.Path(op)
}

// Sign is the extension point for the exchange's signature scheme. No
// scheme is implemented yet, so it always fails with ErrSigningNotImplemented.
func (v *venue) Sign(ctx context.Context, req *Request) (*Request, error) {
	return nil, apperrors.NewSigningError(string(v.id), "sign", ErrSigningNotImplemented)
}

func trimHost(host string) string {
	for len(host) > 0 && host[len(host)-1] == '/' {
		host = host[:len(host)-1]
	}
	return host
}
