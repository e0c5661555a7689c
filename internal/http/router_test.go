package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/branchbox/branchbox/internal/domain"
	"github.com/branchbox/branchbox/internal/repository"
	"github.com/branchbox/branchbox/internal/runner"
	"github.com/branchbox/branchbox/internal/service/lifecycle"
	"github.com/branchbox/branchbox/internal/tunnel"
	"github.com/branchbox/branchbox/internal/vcs"
	"github.com/branchbox/branchbox/internal/ws"
)

type fakeLifecycle struct {
	provisionFn func(ctx context.Context, branch, service string, ttlMinutes int) (*domain.Environment, error)
	destroyFn   func(ctx context.Context, id string) ([]string, error)
	listFn      func(ctx context.Context) ([]lifecycle.EnvironmentStatus, error)
	gcFn        func(ctx context.Context) ([]string, error)
}

func (f *fakeLifecycle) Provision(ctx context.Context, branch, service string, ttlMinutes int) (*domain.Environment, error) {
	if f.provisionFn == nil {
		return nil, errors.New("unexpected Provision call")
	}
	return f.provisionFn(ctx, branch, service, ttlMinutes)
}

func (f *fakeLifecycle) Destroy(ctx context.Context, id string) ([]string, error) {
	if f.destroyFn == nil {
		return nil, errors.New("unexpected Destroy call")
	}
	return f.destroyFn(ctx, id)
}

func (f *fakeLifecycle) List(ctx context.Context) ([]lifecycle.EnvironmentStatus, error) {
	if f.listFn == nil {
		return nil, errors.New("unexpected List call")
	}
	return f.listFn(ctx)
}

func (f *fakeLifecycle) GarbageCollect(ctx context.Context) ([]string, error) {
	if f.gcFn == nil {
		return nil, errors.New("unexpected GarbageCollect call")
	}
	return f.gcFn(ctx)
}

type rateCall struct {
	key    string
	limit  int
	window time.Duration
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []rateCall
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

func newRateLimiterStub() *rateLimiterStub { return &rateLimiterStub{} }

func (s *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	s.mu.Lock()
	s.calls = append(s.calls, rateCall{key: key, limit: limit, window: window})
	s.mu.Unlock()
	if s.allowFn != nil {
		return s.allowFn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(time.Minute)}
}

func (s *rateLimiterStub) Close() {}

func newTestRouter(t *testing.T, svc LifecycleService, limiter RateLimiter, hub *ws.Hub) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(logger, svc, hub, limiter, nil, nil)
	t.Cleanup(router.Close)
	return router
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestHandleProvisionReturnsCreated(t *testing.T) {
	expires := time.Date(2025, time.June, 7, 14, 0, 0, 0, time.UTC)
	env := &domain.Environment{
		ID:        "feature-x-abc1234-aaaaaa",
		Branch:    "feature/x",
		Commit:    "abc1234def0000111122223333444455556666aa",
		PublicURL: "https://env-20000.ngrok.app",
		ExpiresAt: expires,
	}
	svc := &fakeLifecycle{provisionFn: func(_ context.Context, branch, service string, ttlMinutes int) (*domain.Environment, error) {
		if branch != "feature/x" || service != "web" || ttlMinutes != 45 {
			t.Errorf("unexpected provision args %q %q %d", branch, service, ttlMinutes)
		}
		return env, nil
	}}
	router := newTestRouter(t, svc, newRateLimiterStub(), nil)

	req := httptest.NewRequest(http.MethodPost, "/provision", strings.NewReader(`{"branch":"feature/x","service":"web","ttl_minutes":45}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["id"] != env.ID {
		t.Fatalf("unexpected id %v", body["id"])
	}
	if body["url"] != env.PublicURL {
		t.Fatalf("unexpected url %v", body["url"])
	}
	if body["commit"] != env.Commit {
		t.Fatalf("unexpected commit %v", body["commit"])
	}
	if body["expires_at"] != expires.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected expires_at %v", body["expires_at"])
	}
}

func TestHandleProvisionRejectsInvalidJSON(t *testing.T) {
	router := newTestRouter(t, &fakeLifecycle{}, newRateLimiterStub(), nil)

	req := httptest.NewRequest(http.MethodPost, "/provision", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHandleProvisionMapsErrorKinds(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"service not allowed", fmt.Errorf("%w: %q", lifecycle.ErrServiceNotAllowed, "db"), http.StatusBadRequest, "invalid_input"},
		{"unknown branch", fmt.Errorf("resolve branch x: %w", vcs.ErrBranchNotFound), http.StatusNotFound, "not_found"},
		{"identity conflict", fmt.Errorf("commit record: %w", repository.ErrConflict), http.StatusConflict, "conflict"},
		{"port held", fmt.Errorf("allocate port: %w", lifecycle.ErrPortInUse), http.StatusConflict, "conflict"},
		{"tunnel down", fmt.Errorf("open tunnel: %w", tunnel.ErrTunnelUnavailable), http.StatusBadGateway, "tunnel_unavailable"},
		{"build failed", fmt.Errorf("launch image stack: %w", &runner.CommandError{Name: "docker", ExitCode: 1, Stderr: "no space left"}), http.StatusInternalServerError, "command_failed"},
		{"unexpected", errors.New("store exploded"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &fakeLifecycle{provisionFn: func(context.Context, string, string, int) (*domain.Environment, error) {
				return nil, tc.err
			}}
			router := newTestRouter(t, svc, newRateLimiterStub(), nil)

			req := httptest.NewRequest(http.MethodPost, "/provision", strings.NewReader(`{"branch":"b","service":"web"}`))
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, rr.Code, rr.Body.String())
			}
			body := decodeBody(t, rr)
			if body["kind"] != tc.wantKind {
				t.Fatalf("expected kind %q, got %v", tc.wantKind, body["kind"])
			}
			if tc.wantKind == "command_failed" {
				if output, ok := body["output"].(string); !ok || !strings.Contains(output, "no space left") {
					t.Fatalf("expected captured output, got %v", body["output"])
				}
			}
		})
	}
}

func TestHandleProvisionIncludesRollbackFailures(t *testing.T) {
	cause := fmt.Errorf("open tunnel: %w", tunnel.ErrTunnelUnavailable)
	svc := &fakeLifecycle{provisionFn: func(context.Context, string, string, int) (*domain.Environment, error) {
		return nil, &lifecycle.RollbackError{Cause: cause, Failures: []string{"tear down stack: daemon busy"}}
	}}
	router := newTestRouter(t, svc, newRateLimiterStub(), nil)

	req := httptest.NewRequest(http.MethodPost, "/provision", strings.NewReader(`{"branch":"b","service":"web"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	// The terminal cause decides the status even when rollback was incomplete.
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["kind"] != "tunnel_unavailable" {
		t.Fatalf("unexpected kind %v", body["kind"])
	}
	failures, ok := body["rollback_failures"].([]any)
	if !ok || len(failures) != 1 {
		t.Fatalf("expected one rollback failure, got %v", body["rollback_failures"])
	}
}

func TestHandleDestroyReportsWarnings(t *testing.T) {
	svc := &fakeLifecycle{destroyFn: func(_ context.Context, id string) ([]string, error) {
		if id != "feature-x-abc1234-aaaaaa" {
			t.Errorf("unexpected id %q", id)
		}
		return []string{"stack teardown: daemon gone"}, nil
	}}
	router := newTestRouter(t, svc, newRateLimiterStub(), nil)

	req := httptest.NewRequest(http.MethodPost, "/destroy", strings.NewReader(`{"id":"feature-x-abc1234-aaaaaa"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["ok"] != true {
		t.Fatalf("expected ok true, got %v", body["ok"])
	}
	warnings, ok := body["warnings"].([]any)
	if !ok || len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", body["warnings"])
	}
}

func TestHandleDestroyUnknownIDReturnsNotFound(t *testing.T) {
	svc := &fakeLifecycle{destroyFn: func(_ context.Context, id string) ([]string, error) {
		return nil, fmt.Errorf("load environment %s: %w", id, repository.ErrNotFound)
	}}
	router := newTestRouter(t, svc, newRateLimiterStub(), nil)

	req := httptest.NewRequest(http.MethodPost, "/destroy", strings.NewReader(`{"id":"nope"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["kind"] != "not_found" {
		t.Fatalf("unexpected kind %v", body["kind"])
	}
}

func TestHandleEnvironmentsMarshalsRecords(t *testing.T) {
	created := time.Date(2025, time.June, 7, 12, 0, 0, 0, time.UTC)
	svc := &fakeLifecycle{listFn: func(context.Context) ([]lifecycle.EnvironmentStatus, error) {
		return []lifecycle.EnvironmentStatus{{
			Environment: domain.Environment{
				ID:        "feature-x-abc1234-aaaaaa",
				Branch:    "feature/x",
				Commit:    "abc1234def",
				Service:   "web",
				PublicURL: "https://env-20000.ngrok.app",
				Port:      20000,
				State:     domain.StateRunning,
				CreatedAt: created,
				ExpiresAt: created.Add(2 * time.Hour),
			},
			MinutesRemaining: 42,
		}}, nil
	}}
	router := newTestRouter(t, svc, newRateLimiterStub(), nil)

	req := httptest.NewRequest(http.MethodGet, "/environments", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	envs, ok := body["environments"].([]any)
	if !ok || len(envs) != 1 {
		t.Fatalf("expected one environment, got %v", body["environments"])
	}
	record, ok := envs[0].(map[string]any)
	if !ok {
		t.Fatalf("unexpected record shape %v", envs[0])
	}
	if record["state"] != "running" {
		t.Fatalf("unexpected state %v", record["state"])
	}
	if record["minutes_remaining"] != float64(42) {
		t.Fatalf("unexpected minutes_remaining %v", record["minutes_remaining"])
	}
	if record["created_at"] != created.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected created_at %v", record["created_at"])
	}
}

func TestHandleGCReturnsDestroyedIDs(t *testing.T) {
	svc := &fakeLifecycle{gcFn: func(context.Context) ([]string, error) {
		return []string{"env-a", "env-b"}, nil
	}}
	router := newTestRouter(t, svc, newRateLimiterStub(), nil)

	req := httptest.NewRequest(http.MethodPost, "/gc", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	ids, ok := body["destroyed_ids"].([]any)
	if !ok || len(ids) != 2 || ids[0] != "env-a" || ids[1] != "env-b" {
		t.Fatalf("unexpected destroyed_ids %v", body["destroyed_ids"])
	}
}

func TestRateLimitExceededReturns429(t *testing.T) {
	limiter := newRateLimiterStub()
	reset := time.Unix(1_950_000_000, 0)
	limiter.allowFn = func(string, int, time.Duration) rateDecision {
		return rateDecision{allowed: false, count: rateLimitProvision, windowEnd: reset}
	}
	router := newTestRouter(t, &fakeLifecycle{}, limiter, nil)

	req := httptest.NewRequest(http.MethodPost, "/provision", strings.NewReader(`{"branch":"b","service":"web"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Fatalf("unexpected limit header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("unexpected remaining header %q", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1950000000" {
		t.Fatalf("unexpected reset header %q", got)
	}

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.calls) != 1 {
		t.Fatalf("expected limiter called once, got %d", len(limiter.calls))
	}
	if limiter.calls[0].key != "ip:192.0.2.1" {
		t.Fatalf("unexpected limiter key %q", limiter.calls[0].key)
	}
	if limiter.calls[0].limit != rateLimitProvision {
		t.Fatalf("unexpected limiter limit %d", limiter.calls[0].limit)
	}
}

func TestHandleHealthzReportsComponentStatus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dockerErr := errors.New("daemon unreachable")
	router := NewRouter(logger, &fakeLifecycle{}, nil, newRateLimiterStub(),
		func(context.Context) error { return nil },
		func(context.Context) error { return dockerErr },
	)
	t.Cleanup(router.Close)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["status"] != "degraded" {
		t.Fatalf("unexpected status %v", body["status"])
	}
	components, ok := body["components"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected components %v", body["components"])
	}
	database, _ := components["database"].(map[string]any)
	if database["status"] != "up" {
		t.Fatalf("unexpected database component %v", components["database"])
	}
	docker, _ := components["docker"].(map[string]any)
	if docker["status"] != "down" {
		t.Fatalf("unexpected docker component %v", components["docker"])
	}
}

func TestMethodGuards(t *testing.T) {
	router := newTestRouter(t, &fakeLifecycle{}, newRateLimiterStub(), nil)

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/provision"},
		{http.MethodGet, "/destroy"},
		{http.MethodPost, "/environments"},
		{http.MethodGet, "/gc"},
		{http.MethodPost, "/healthz"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d", tc.method, tc.path, rr.Code)
		}
	}
}

func TestEventsWebsocketStreamsBroadcasts(t *testing.T) {
	hub := ws.NewHub()
	router := newTestRouter(t, &fakeLifecycle{}, newRateLimiterStub(), hub)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The subscriber registers asynchronously after the upgrade, so keep
	// broadcasting until the payload arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hub.Broadcast([]byte(`{"type":"environment.provisioned"}`))
			case <-stop:
				return
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(payload), "environment.provisioned") {
		t.Fatalf("unexpected payload %q", payload)
	}
}

func TestMarshalEnvironments(t *testing.T) {
	created := time.Date(2025, time.November, 5, 12, 34, 56, 0, time.UTC)
	statuses := []lifecycle.EnvironmentStatus{{
		Environment: domain.Environment{
			ID:        "env-1",
			Branch:    "main",
			Port:      20001,
			State:     domain.StateRunning,
			CreatedAt: created,
			ExpiresAt: created.Add(time.Hour),
		},
		MinutesRemaining: 60,
	}}

	payload := marshalEnvironments(statuses)
	if len(payload) != 1 {
		t.Fatalf("expected one payload item, got %d", len(payload))
	}
	item := payload[0]
	if item["id"] != "env-1" {
		t.Fatalf("unexpected id %v", item["id"])
	}
	if item["port"] != 20001 {
		t.Fatalf("unexpected port %v", item["port"])
	}
	if item["minutes_remaining"] != 60 {
		t.Fatalf("unexpected minutes_remaining %v", item["minutes_remaining"])
	}
	if item["expires_at"] != created.Add(time.Hour).Format(time.RFC3339Nano) {
		t.Fatalf("unexpected expires_at %v", item["expires_at"])
	}
}
