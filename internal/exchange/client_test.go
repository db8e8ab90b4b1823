package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-exbot/internal/apis"
	apperrors "github.com/johnayoung/go-exbot/internal/errors"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createMockServer(responses map[string]func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if handler, exists := responses[path]; exists {
			handler(w, r)
		} else {
			http.NotFound(w, r)
		}
	}))
}

func newTestClient(server *httptest.Server, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithLogger(createTestLogger())}, opts...)
	return NewClient(NewBinance(WithHost(server.URL)), opts...)
}

func TestNewClient(t *testing.T) {
	t.Run("defaults to binance", func(t *testing.T) {
		client := NewClient(nil)

		assert.NotNil(t, client.httpClient)
		assert.Equal(t, BinanceHost, client.Exchange().Host())
		assert.Equal(t, DefaultTimeout, client.Timeout())
		assert.Equal(t, defaultUserAgent, client.userAgent)

		transport, ok := client.httpClient.Transport.(*http.Transport)
		require.True(t, ok)
		assert.Zero(t, transport.IdleConnTimeout)
	})

	t.Run("applies options", func(t *testing.T) {
		client := NewClient(NewBitget(), WithTimeout(5*time.Second), WithUserAgent("test/1"))

		assert.Equal(t, 5*time.Second, client.Timeout())
		assert.Equal(t, "test/1", client.userAgent)
		assert.Equal(t, BitgetHost, client.Exchange().Host())
	})

	t.Run("custom http client", func(t *testing.T) {
		httpClient := &http.Client{Timeout: time.Second}
		client := NewClient(NewBinance(), WithHTTPClient(httpClient))
		assert.Same(t, httpClient, client.httpClient)
	})
}

func TestClientGet(t *testing.T) {
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		"/api/v3/time": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Accept"))
			assert.Equal(t, defaultUserAgent, r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"serverTime":1499827319559}`))
		},
	})
	defer server.Close()

	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	err := newTestClient(server).Get(context.Background(), apis.Time, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, int64(1499827319559), out.ServerTime)
}

func TestClientAttachesQueryForEveryMethod(t *testing.T) {
	var calls int32
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		"/api/v3/order": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			assert.Equal(t, "symbol=NEARUSDT&side=BUY&side=SELL", r.URL.RawQuery)
			assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
			w.Write([]byte(`{}`))
		},
	})
	defer server.Close()

	client := newTestClient(server)
	req := NewRequest().
		AddHeader("X-MBX-APIKEY", "key").
		AddQuery("symbol", "NEARUSDT").
		AddQuery("side", "BUY").
		AddQuery("side", "SELL")

	ctx := context.Background()
	var out map[string]any
	require.NoError(t, client.Get(ctx, apis.Order, req, &out))
	require.NoError(t, client.Post(ctx, apis.Order, req, &out))
	require.NoError(t, client.Put(ctx, apis.Order, req, &out))
	require.NoError(t, client.Delete(ctx, apis.Order, req, &out))

	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestClientStatusError(t *testing.T) {
	var calls int32
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"code":-1003,"msg":"Too many requests"}`))
		},
	})
	defer server.Close()

	err := newTestClient(server).Get(context.Background(), apis.Klines, nil, nil)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "Too many requests")
	assert.Equal(t, apperrors.ErrorTypeHTTPStatus, apperrors.GetErrorType(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "requests are never retried")
}

func TestClientServerErrorsAreNotRetried(t *testing.T) {
	for _, status := range []int{
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
	} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls int32
			server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
				"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
					atomic.AddInt32(&calls, 1)
					w.WriteHeader(status)
				},
			})
			defer server.Close()

			err := newTestClient(server).Get(context.Background(), apis.Klines, nil, nil)
			require.Error(t, err)

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, status, statusErr.StatusCode)
			assert.Equal(t, apperrors.ErrorTypeHTTPStatus, apperrors.GetErrorType(err))
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func TestClientDecodeError(t *testing.T) {
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		"/api/v3/klines": func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>maintenance</html>`))
		},
	})
	defer server.Close()

	var rows [][]json.RawMessage
	err := newTestClient(server).Get(context.Background(), apis.Klines, nil, &rows)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrorTypeDecode, apperrors.GetErrorType(err))
	assert.ErrorIs(t, err, apperrors.ErrDecode)
}

func TestClientTransportErrors(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		server := createMockServer(nil)
		url := server.URL
		server.Close()

		client := NewClient(NewBinance(WithHost(url)), WithLogger(createTestLogger()))
		err := client.Ping(context.Background())
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrorTypeTransport, apperrors.GetErrorType(err))
	})

	t.Run("timeout", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/ping": func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		})
		defer server.Close()

		err := newTestClient(server, WithTimeout(20*time.Millisecond)).Ping(context.Background())
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrorTypeTransport, apperrors.GetErrorType(err))
		assert.NotEqual(t, apperrors.ErrorTypeHTTPStatus, apperrors.GetErrorType(err))

		var statusErr *StatusError
		assert.False(t, errors.As(err, &statusErr))
	})

	t.Run("canceled context", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			"/api/v3/ping": func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{}`))
			},
		})
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := newTestClient(server).Ping(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, apperrors.ErrorTypeTransport, apperrors.GetErrorType(err))
	})
}

func TestClientSignedCallsFailWithoutSigner(t *testing.T) {
	var calls int32
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		"/api/v3/account": func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
		},
	})
	defer server.Close()

	err := newTestClient(server).GetSigned(context.Background(), apis.Account, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSigningNotImplemented)
	assert.Equal(t, apperrors.ErrorTypeSigning, apperrors.GetErrorType(err))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

// hmacStub signs by adding a fixed signature and overwriting the api key.
type hmacStub struct {
	*Binance
}

func (h *hmacStub) Sign(ctx context.Context, req *Request) (*Request, error) {
	return NewRequest().
		AddHeader("X-MBX-APIKEY", "signed-key").
		AddQuery("signature", "abc123"), nil
}

func TestClientSignedMergesSignature(t *testing.T) {
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		"/api/v3/account": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "signed-key", r.Header.Get("X-MBX-APIKEY"))
			assert.Equal(t, "caller", r.Header.Get("X-Caller"))
			assert.Equal(t, "timestamp=1&signature=abc123", r.URL.RawQuery)
			w.Write([]byte(`{"canTrade":true}`))
		},
	})
	defer server.Close()

	client := NewClient(&hmacStub{NewBinance(WithHost(server.URL))}, WithLogger(createTestLogger()))
	req := NewRequest().
		AddHeader("X-MBX-APIKEY", "caller-key").
		AddHeader("X-Caller", "caller").
		AddQuery("timestamp", "1")

	var out struct {
		CanTrade bool `json:"canTrade"`
	}
	require.NoError(t, client.GetSigned(context.Background(), apis.Account, req, &out))
	assert.True(t, out.CanTrade)

	assert.Equal(t, "caller-key", req.Header.Get("X-MBX-APIKEY"), "caller request is not mutated")
	assert.Len(t, req.Query, 1)
}
