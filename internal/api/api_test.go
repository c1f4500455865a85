package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/venice-relay/internal/errs"
	"github.com/shehryarbajwa/venice-relay/internal/ratelimit"
	"github.com/shehryarbajwa/venice-relay/internal/session"
	"github.com/shehryarbajwa/venice-relay/pkg/models"
)

type fakeChatter struct {
	mu       sync.Mutex
	requests []models.ChatRequest
	resp     models.ChatResponse
	err      error
	sessions []models.SessionInfo
	closeErr error
	closed   []string
}

func (f *fakeChatter) Chat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.resp, f.err
}

func (f *fakeChatter) Sessions() []models.SessionInfo { return f.sessions }

func (f *fakeChatter) SessionCount() int { return len(f.sessions) }

func (f *fakeChatter) CloseSession(chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, chatID)
	return f.closeErr
}

func (f *fakeChatter) Pending() int { return 2 }

func newRouter(f *fakeChatter, exposeStack bool, opts RouteOptions) http.Handler {
	return NewHandler(f, exposeStack, nil).SetupRoutes(opts)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var body models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestChatSuccess(t *testing.T) {
	refs := "1. [Go](https://go.dev)"
	f := &fakeChatter{resp: models.ChatResponse{ChatID: "abc", Response: "Hello", References: &refs}}
	rec := do(t, newRouter(f, false, RouteOptions{}), http.MethodPost, "/chat",
		`{"prompt":"hi","contextId":"abc","withRefs":true,"model":"venice-uncensored"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body models.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "abc", body.ChatID)
	assert.Equal(t, "Hello", body.Response)
	require.NotNil(t, body.References)
	assert.Equal(t, refs, *body.References)

	require.Len(t, f.requests, 1)
	assert.Equal(t, models.ChatRequest{Prompt: "hi", ContextID: "abc", WithRefs: true, Model: "venice-uncensored"}, f.requests[0])
}

func TestChatMalformedBody(t *testing.T) {
	f := &fakeChatter{}
	rec := do(t, newRouter(f, false, RouteOptions{}), http.MethodPost, "/chat", `{"prompt":`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(errs.InvalidRequest), decodeError(t, rec).Kind)
	assert.Empty(t, f.requests)
}

func TestChatErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid", errs.Errorf(errs.InvalidRequest, "chat", "prompt is required"), http.StatusBadRequest},
		{"capacity", errs.Errorf(errs.Capacity, "session.open", "all tabs busy"), http.StatusServiceUnavailable},
		{"unavailable", errs.E(errs.Unavailable, "chat", nil), http.StatusServiceUnavailable},
		{"navigation", errs.Errorf(errs.NavigationFailed, "session.open", "net::ERR_FAILED"), http.StatusInternalServerError},
		{"timeout", errs.Errorf(errs.ElementTimeout, "await", "deadline"), http.StatusInternalServerError},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeChatter{err: tt.err}
			rec := do(t, newRouter(f, false, RouteOptions{}), http.MethodPost, "/chat", `{"prompt":"hi"}`)
			assert.Equal(t, tt.status, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, string(errs.KindOf(tt.err)), body.Kind)
			assert.NotEmpty(t, body.Error)
			assert.Empty(t, body.Stack)
		})
	}
}

func TestChatInternalErrorDetails(t *testing.T) {
	err := errs.Errorf(errs.NavigationFailed, "session.open", "net::ERR_NAME_NOT_RESOLVED")

	rec := do(t, newRouter(&fakeChatter{err: err}, false, RouteOptions{}), http.MethodPost, "/chat", `{"prompt":"hi"}`)
	body := decodeError(t, rec)
	assert.Equal(t, "Failed to find or create chat session", body.Error)
	assert.Contains(t, body.Details, "ERR_NAME_NOT_RESOLVED")
	assert.Empty(t, body.Stack)

	rec = do(t, newRouter(&fakeChatter{err: err}, true, RouteOptions{}), http.MethodPost, "/chat", `{"prompt":"hi"}`)
	body = decodeError(t, rec)
	assert.NotEmpty(t, body.Stack)
	assert.Contains(t, body.Stack, "ERR_NAME_NOT_RESOLVED")
}

func TestSessionsEndpoints(t *testing.T) {
	f := &fakeChatter{sessions: []models.SessionInfo{{ID: "s1", ChatID: "abc", Status: models.StatusActive}}}
	h := newRouter(f, false, RouteOptions{})

	rec := do(t, h, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "abc", list[0].ChatID)

	rec = do(t, h, http.MethodDelete, "/sessions/abc", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"abc"}, f.closed)

	f.closeErr = session.ErrNotFound
	rec = do(t, h, http.MethodDelete, "/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	f := &fakeChatter{sessions: []models.SessionInfo{{ID: "s1"}, {ID: "s2"}}}
	rec := do(t, newRouter(f, false, RouteOptions{}), http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["sessions"])
	assert.EqualValues(t, 2, body["pending"])
}

type browserCheck struct{ err error }

func (b browserCheck) Healthy(context.Context) error { return b.err }

func TestHealthReportsBrowserState(t *testing.T) {
	f := &fakeChatter{}

	h := NewHandler(f, false, nil).WithHealthCheck(browserCheck{}).SetupRoutes(RouteOptions{})
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)

	h = NewHandler(f, false, nil).WithHealthCheck(browserCheck{err: errors.New("browser container abc is not running")}).SetupRoutes(RouteOptions{})
	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body["status"])
	assert.Equal(t, "browser container abc is not running", body["error"])
}

func TestRateLimit(t *testing.T) {
	f := &fakeChatter{resp: models.ChatResponse{ChatID: "abc"}}
	limiter := ratelimit.NewLimiter(60, 2)
	h := newRouter(f, false, RouteOptions{Limiter: limiter, RequestsPerHour: 60})

	send := func(client string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"prompt":"hi"}`))
		req.Header.Set("X-Client-ID", client)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := send("alice")
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "60", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusOK, send("alice").Code)

	limited := send("alice")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "0", limited.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, send("bob").Code)
	assert.Len(t, f.requests, 3)

	// other routes are not limited
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
}

func TestRateLimitDisabled(t *testing.T) {
	f := &fakeChatter{}
	h := newRouter(f, false, RouteOptions{Limiter: ratelimit.NewLimiter(0, 1)})

	for i := 0; i < 5; i++ {
		rec := do(t, h, http.MethodPost, "/chat", `{"prompt":"hi"}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestGetClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/chat", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "10.1.2.3", getClientID(req))

	req.Header.Set("X-Client-ID", "team-a")
	assert.Equal(t, "team-a", getClientID(req))
}

func TestRequestIDPropagated(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	newRouter(&fakeChatter{}, false, RouteOptions{}).ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	rec := do(t, newRouter(&fakeChatter{}, false, RouteOptions{}), http.MethodOptions, "/chat", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOptionalRoutes(t *testing.T) {
	f := &fakeChatter{}
	rec := do(t, newRouter(f, false, RouteOptions{}), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, newRouter(f, false, RouteOptions{}), http.MethodGet, "/debug/devtools", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	h := newRouter(f, false, RouteOptions{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})
	rec = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_test_total 1")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, StatusFor(errs.InvalidRequest))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(errs.Capacity))
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(errs.Unavailable))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errs.LoginFailed))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errs.Internal))
}
