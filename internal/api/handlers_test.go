package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-bot/config"
	"futures-signal-bot/internal/circuit"
	"futures-signal-bot/internal/entry"
	"futures-signal-bot/internal/events"
	"futures-signal-bot/internal/gateway"
	"futures-signal-bot/internal/market"
	"futures-signal-bot/internal/position"
	"futures-signal-bot/internal/regime"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	manager, err := config.Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	logger := zerolog.Nop()

	feed := market.NewMockFeed()
	store := position.NewStore(10000, nil, logger)
	protection := regime.NewProtectionSet(time.Now, logger)
	detector := regime.NewDetector(feed, protection,
		func() regime.Config { return manager.Settings().Regime }, time.Now, logger)
	breaker := circuit.NewBreaker(manager.Settings().Breaker, time.Now, logger)
	sched := entry.NewScheduler(feed, gateway.NewMockGateway(feed, logger), store,
		protection, func() entry.Config { return manager.Settings().Entry }, time.Now, logger)

	return NewServer(manager.Current().Server, Deps{
		Manager:  manager,
		Store:    store,
		Sched:    sched,
		Detector: detector,
		Breaker:  breaker,
		Bus:      events.NewBus(),
		Logger:   logger,
	})
}

func do(t *testing.T, s *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	var parsed map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
			t.Fatalf("%s %s: invalid JSON response: %v", method, path, err)
		}
	}
	return rec, parsed
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec, body := do(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestBalanceEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec, body := do(t, s, http.MethodGet, "/api/balance", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["total"] != float64(10000) {
		t.Errorf("total = %v, want 10000", body["total"])
	}
	if body["free"] != float64(10000) {
		t.Errorf("free = %v, want 10000", body["free"])
	}
}

func TestPositionsEmpty(t *testing.T) {
	s := newTestServer(t)
	rec, body := do(t, s, http.MethodGet, "/api/positions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if _, ok := body["positions"]; !ok {
		t.Error("expected positions field")
	}
}

func TestRegimeBeforeFirstRefresh(t *testing.T) {
	s := newTestServer(t)
	rec, body := do(t, s, http.MethodGet, "/api/regime", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["state"] != nil {
		t.Errorf("state = %v, want null before first refresh", body["state"])
	}
}

func TestBreakerTripAndArm(t *testing.T) {
	s := newTestServer(t)

	rec, body := do(t, s, http.MethodPost, "/api/breaker/trip", `{"reason": "drill"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("trip status = %d, want 200", rec.Code)
	}
	if body["state"] != string(circuit.StateTripped) {
		t.Errorf("state after trip = %v, want %s", body["state"], circuit.StateTripped)
	}
	if body["trip_reason"] != "drill" {
		t.Errorf("trip_reason = %v, want drill", body["trip_reason"])
	}

	rec, body = do(t, s, http.MethodPost, "/api/breaker/arm", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("arm status = %d, want 200", rec.Code)
	}
	if body["state"] != string(circuit.StateArmed) {
		t.Errorf("state after arm = %v, want %s", body["state"], circuit.StateArmed)
	}
}

func TestConfigEndpointBlanksCredentials(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "super-secret")
	s := newTestServer(t)

	rec, body := do(t, s, http.MethodGet, "/api/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	cfg, ok := body["config"].(map[string]interface{})
	if !ok {
		t.Fatal("expected config object")
	}
	binance, ok := cfg["binance"].(map[string]interface{})
	if !ok {
		t.Fatal("expected binance section")
	}
	if key := binance["api_key"]; key != "" {
		t.Errorf("api_key leaked: %v", key)
	}
}
