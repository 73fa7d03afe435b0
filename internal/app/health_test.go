package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"engage/offline/internal/api"
	"engage/offline/internal/config"
	"engage/offline/internal/store"
	"engage/offline/internal/syncqueue"
)

// fakeStoreForHealth overrides Ping on a real store.
type fakeStoreForHealth struct {
	store.Store
	pingFn func(context.Context) error
}

func (f *fakeStoreForHealth) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func serveReady(t *testing.T, env *testEnv) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()
	NewHTTPServer(env.service, "*").Handler().ServeHTTP(rr, req)

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return rr.Code, response
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, false, config.Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpoint_Success(t *testing.T) {
	env := newTestEnv(t, true, config.Config{})

	code, response := serveReady(t, env)
	if code != http.StatusOK {
		t.Errorf("expected status 200, got %d", code)
	}
	if status, exists := response["status"]; !exists || status != "ready" {
		t.Errorf("expected status=ready, got %v", status)
	}
	checks, exists := response["checks"].(map[string]any)
	if !exists {
		t.Fatalf("expected checks object, got %v", response["checks"])
	}
	storeCheck, _ := checks["store"].(map[string]any)
	if storeCheck["status"] != "ok" {
		t.Errorf("expected store status=ok, got %v", checks["store"])
	}
	remoteCheck, _ := checks["remote"].(map[string]any)
	if remoteCheck["status"] != "online" {
		t.Errorf("expected remote online, got %v", checks["remote"])
	}
}

func TestReadyEndpoint_OfflineIsStillReady(t *testing.T) {
	env := newTestEnv(t, false, config.Config{})

	code, response := serveReady(t, env)
	if code != http.StatusOK || response["ok"] != true {
		t.Fatalf("expected ready while offline, got %d %v", code, response)
	}
	checks, _ := response["checks"].(map[string]any)
	remoteCheck, _ := checks["remote"].(map[string]any)
	if remoteCheck["status"] != "offline" {
		t.Errorf("expected remote offline, got %v", checks["remote"])
	}
}

func TestReadyEndpoint_StoreFailure(t *testing.T) {
	env := newTestEnv(t, true, config.Config{})
	env.service.store = &fakeStoreForHealth{
		Store: env.store,
		pingFn: func(context.Context) error {
			return errors.New("disk unavailable")
		},
	}

	code, response := serveReady(t, env)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", code)
	}
	if ok, exists := response["ok"]; !exists || ok != false {
		t.Errorf("expected ok=false, got %v", ok)
	}
	if status := response["status"]; status != "not_ready" {
		t.Errorf("expected status=not_ready, got %v", status)
	}
	checks, _ := response["checks"].(map[string]any)
	storeCheck, _ := checks["store"].(map[string]any)
	if storeCheck["status"] != "error" || storeCheck["error"] != "disk unavailable" {
		t.Errorf("unexpected store check: %v", checks["store"])
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"domain", domainError(http.StatusConflict, "CONFLICT", "busy", nil), http.StatusConflict, "CONFLICT"},
		{"not found", store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"closed", store.ErrClosed, http.StatusServiceUnavailable, "STORE_CLOSED"},
		{"invalid", fmt.Errorf("%w: parent id required", api.ErrInvalid), http.StatusUnprocessableEntity, "VALIDATION_FAILED"},
		{"bad entry", fmt.Errorf("%w: unknown entity type", syncqueue.ErrInvalidEntry), http.StatusUnprocessableEntity, "INVALID_ENTRY"},
		{"remote", fmt.Errorf("replay: %w", &api.APIError{Status: http.StatusBadRequest, Message: "no"}), http.StatusBadGateway, "REMOTE_ERROR"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _, _ := mapError(tc.err)
			if status != tc.status || code != tc.code {
				t.Fatalf("mapError(%v) = %d %s, want %d %s", tc.err, status, code, tc.status, tc.code)
			}
		})
	}
}
