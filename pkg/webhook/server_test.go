package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "trigger-secret"

type fakeTrigger struct {
	calls atomic.Int32
	busy  atomic.Bool
}

func (f *fakeTrigger) Trigger() bool {
	f.calls.Add(1)
	return !f.busy.Load()
}

func createTestServer(t *testing.T, options ServerOptions) (*Server, *fakeTrigger) {
	t.Helper()
	trigger := &fakeTrigger{}
	status := func() Status {
		return Status{Runs: 3, LastStatus: "ok"}
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "loanrenew_runs_total 3\n")
	})

	server, err := NewServer(options, trigger.Trigger, status, metrics, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(server.rateLimiter.Stop)
	return server, trigger
}

func signedRunRequest(t *testing.T, body []byte, secret string, at time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewReader(body))
	req.Header.Set(TimestampHeader, strconv.FormatInt(at.Unix(), 10))
	req.Header.Set(SignatureHeader, Sign(body, secret, at))
	return req
}

func TestNewServerDefaults(t *testing.T) {
	server, _ := createTestServer(t, ServerOptions{})
	assert.Equal(t, "127.0.0.1:9464", server.options.Addr)
	assert.Equal(t, 10, server.options.RateLimitPerMinute)
	assert.Equal(t, 5*time.Minute, server.options.SignatureMaxAge)
	assert.Equal(t, "127.0.0.1:9464", server.Addr())
}

func TestNewServerRequiresTriggerWithSecret(t *testing.T) {
	_, err := NewServer(ServerOptions{TriggerSecret: testSecret}, nil, nil, nil, zerolog.Nop())
	assert.Error(t, err)

	server, err := NewServer(ServerOptions{}, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	server.rateLimiter.Stop()
}

func TestHandleHealth(t *testing.T) {
	server, _ := createTestServer(t, ServerOptions{})

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Status    string `json:"status"`
		Scheduler Status `json:"scheduler"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 3, body.Scheduler.Runs)
	assert.Equal(t, "ok", body.Scheduler.LastStatus)
}

func TestHandleHealthInvalidMethod(t *testing.T) {
	server, _ := createTestServer(t, ServerOptions{})

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMetricsRoute(t *testing.T) {
	server, _ := createTestServer(t, ServerOptions{})

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "loanrenew_runs_total")
}

func TestHandleRunDisabledWithoutSecret(t *testing.T) {
	server, trigger := createTestServer(t, ServerOptions{})

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, signedRunRequest(t, nil, testSecret, time.Now()))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, int32(0), trigger.calls.Load())
}

func TestHandleRunAccepted(t *testing.T) {
	server, trigger := createTestServer(t, ServerOptions{TriggerSecret: testSecret})

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, signedRunRequest(t, []byte(`{"reason":"manual"}`), testSecret, time.Now()))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"status":"accepted"}`, w.Body.String())
	assert.Equal(t, int32(1), trigger.calls.Load())
}

func TestHandleRunBusy(t *testing.T) {
	server, trigger := createTestServer(t, ServerOptions{TriggerSecret: testSecret})
	trigger.busy.Store(true)

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, signedRunRequest(t, nil, testSecret, time.Now()))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"status":"busy"}`, w.Body.String())
}

func TestHandleRunRejectsBadSignatures(t *testing.T) {
	server, trigger := createTestServer(t, ServerOptions{TriggerSecret: testSecret, RateLimitPerMinute: 100})

	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{
			name: "missing headers",
			req: func() *http.Request {
				return httptest.NewRequest(http.MethodPost, "/run", nil)
			},
		},
		{
			name: "wrong secret",
			req: func() *http.Request {
				return signedRunRequest(t, nil, "guess", time.Now())
			},
		},
		{
			name: "stale timestamp",
			req: func() *http.Request {
				return signedRunRequest(t, nil, testSecret, time.Now().Add(-time.Hour))
			},
		},
		{
			name: "body swapped after signing",
			req: func() *http.Request {
				req := signedRunRequest(t, []byte("a"), testSecret, time.Now())
				req.Body = io.NopCloser(bytes.NewReader([]byte("b")))
				return req
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			server.Handler().ServeHTTP(w, tt.req())
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
	assert.Equal(t, int32(0), trigger.calls.Load())
}

func TestHandleRunInvalidMethod(t *testing.T) {
	server, _ := createTestServer(t, ServerOptions{TriggerSecret: testSecret})

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/run", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleRunRateLimit(t *testing.T) {
	server, trigger := createTestServer(t, ServerOptions{TriggerSecret: testSecret, RateLimitPerMinute: 2})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, signedRunRequest(t, nil, testSecret, time.Now()))
		assert.Equal(t, http.StatusAccepted, w.Code)
	}

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, signedRunRequest(t, nil, testSecret, time.Now()))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, int32(2), trigger.calls.Load())
}

func TestHandleRunWhileShuttingDown(t *testing.T) {
	server, _ := createTestServer(t, ServerOptions{TriggerSecret: testSecret})
	server.isShuttingDown = true

	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, signedRunRequest(t, nil, testSecret, time.Now()))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetClientIP(t *testing.T) {
	forwarded := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.9:5555"
		req.Header.Set("X-Forwarded-For", "192.168.1.1, 10.0.0.1")
		req.Header.Set("X-Real-IP", "192.168.1.2")
		return req
	}

	t.Run("peer address by default", func(t *testing.T) {
		server, _ := createTestServer(t, ServerOptions{})
		assert.Equal(t, "10.0.0.9", server.getClientIP(forwarded()))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "[::1]:12345"
		assert.Equal(t, "::1", server.getClientIP(req))

		req = httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "pipe"
		assert.Equal(t, "pipe", server.getClientIP(req))
	})

	t.Run("forwarding headers behind a trusted proxy", func(t *testing.T) {
		server, _ := createTestServer(t, ServerOptions{TrustProxyHeaders: true})
		assert.Equal(t, "192.168.1.1", server.getClientIP(forwarded()))

		req := forwarded()
		req.Header.Del("X-Forwarded-For")
		assert.Equal(t, "192.168.1.2", server.getClientIP(req))

		req.Header.Del("X-Real-IP")
		assert.Equal(t, "10.0.0.9", server.getClientIP(req))
	})
}

func TestHandleRunRateLimitIgnoresSpoofedHeaders(t *testing.T) {
	server, trigger := createTestServer(t, ServerOptions{TriggerSecret: testSecret, RateLimitPerMinute: 2})

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		req := signedRunRequest(t, nil, testSecret, time.Now())
		req.RemoteAddr = "203.0.113.7:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("198.51.100.%d", i))

		w := httptest.NewRecorder()
		server.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{
		http.StatusAccepted, http.StatusAccepted,
		http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests,
	}, codes)
	assert.Equal(t, int32(2), trigger.calls.Load())
}

func TestServeAndStop(t *testing.T) {
	server, _ := createTestServer(t, ServerOptions{Addr: "127.0.0.1:0"})
	require.NoError(t, server.Listen())

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve() }()

	resp, err := http.Get("http://" + server.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))
	require.NoError(t, <-errCh)
}
