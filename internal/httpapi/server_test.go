package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatgate/internal/automation"
	"chatgate/internal/connection"
	"chatgate/internal/delivery"
	"chatgate/internal/eventbus"
	"chatgate/internal/health"
	"chatgate/internal/ratelimit"
	"chatgate/internal/storage"
	logx "chatgate/pkg/logx"
)

type testEnv struct {
	srv      *httptest.Server
	registry *connection.Registry
	queue    *delivery.Service

	mu      sync.Mutex
	clients []*automation.SimClient
}

func (e *testEnv) lastClient() *automation.SimClient {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clients[len(e.clients)-1]
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	store, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{}
	factory := func(tenantID, connectionID string) (automation.Client, error) {
		c := automation.NewSim(automation.SimConfig{ChallengeDelay: time.Hour})
		env.mu.Lock()
		env.clients = append(env.clients, c)
		env.mu.Unlock()
		return c, nil
	}

	bus := eventbus.New()
	registry := connection.NewRegistry(connection.Config{}, factory, store, bus, logx.Nop())
	ctx := context.Background()
	if err := registry.Start(ctx); err != nil {
		t.Fatalf("registry start: %v", err)
	}
	t.Cleanup(func() { registry.Stop(context.Background()) })

	limiter := ratelimit.New(ratelimit.Config{}, bus, logx.Nop())
	queue := delivery.New(delivery.Config{}, store, registry, limiter, bus, logx.Nop())
	monitor := health.New(health.Config{}, store, queue, registry, bus, logx.Nop())
	monitor.Run(ctx)

	s := New(cfg, registry, queue, limiter, monitor, nil, nil, logx.Nop())
	env.srv = httptest.NewServer(s.router())
	t.Cleanup(env.srv.Close)
	env.registry = registry
	env.queue = queue
	return env
}

func doJSON(t *testing.T, method, url, body string, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestConnectionEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	base := env.srv.URL

	resp, body := doJSON(t, http.MethodPost, base+"/api/v1/connections",
		`{"tenant_id":"tenant-a","id":"conn-1","settings":{}}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, body)
	}
	if body["id"] != "conn-1" || body["status"] != "connecting" {
		t.Fatalf("create body = %v", body)
	}

	// Duplicate id is a validation error.
	resp, body = doJSON(t, http.MethodPost, base+"/api/v1/connections",
		`{"tenant_id":"tenant-b","id":"conn-1"}`)
	if resp.StatusCode != http.StatusBadRequest || errCode(body) != "VALIDATION_ERROR" {
		t.Fatalf("duplicate: status %d body %v", resp.StatusCode, body)
	}

	// Unknown body fields are rejected.
	resp, body = doJSON(t, http.MethodPost, base+"/api/v1/connections",
		`{"tenant_id":"tenant-a","id":"c2","nickname":"x"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown field: status %d body %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, base+"/api/v1/connections/ghost", "")
	if resp.StatusCode != http.StatusNotFound || errCode(body) != "NOT_FOUND" {
		t.Fatalf("missing: status %d body %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, base+"/api/v1/connections?tenant_id=tenant-a", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	conns, _ := body["connections"].([]any)
	if len(conns) != 1 {
		t.Fatalf("list = %v", body)
	}

	resp, _ = doJSON(t, http.MethodDelete, base+"/api/v1/connections/conn-1", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func TestCredentialEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	base := env.srv.URL

	resp, _ := doJSON(t, http.MethodPost, base+"/api/v1/connections",
		`{"tenant_id":"tenant-a","id":"conn-1"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	// No challenge yet.
	resp, body := doJSON(t, http.MethodGet, base+"/api/v1/connections/conn-1/credential", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("before challenge: status %d body %v", resp.StatusCode, body)
	}

	env.lastClient().EmitChallenge([]byte("qr-blob"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, body = doJSON(t, http.MethodGet, base+"/api/v1/connections/conn-1/credential", "")
		if resp.StatusCode == http.StatusOK || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("credential: status %d body %v", resp.StatusCode, body)
	}
	blob, _ := body["credential"].(string)
	decoded, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || string(decoded) != "qr-blob" {
		t.Fatalf("credential = %q (decode err %v)", blob, err)
	}
	if body["expires_at"] == nil {
		t.Fatal("missing expires_at")
	}
}

func TestSendMessageEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	base := env.srv.URL

	doJSON(t, http.MethodPost, base+"/api/v1/connections", `{"tenant_id":"tenant-a","id":"conn-1"}`)

	resp, body := doJSON(t, http.MethodPost, base+"/api/v1/messages/send",
		`{"connection_id":"conn-1","payload":{"text":"hi"},"recipients":["12345678"],"priority":"high"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send: status %d body %v", resp.StatusCode, body)
	}
	if body["job_id"] == "" || body["job_id"] == nil {
		t.Fatalf("send body = %v", body)
	}

	// Routing by tenant default.
	doJSON(t, http.MethodPost, base+"/api/v1/connections/conn-1/default", `{"tenant_id":"tenant-a"}`)
	resp, body = doJSON(t, http.MethodPost, base+"/api/v1/messages/send",
		`{"tenant_id":"tenant-a","payload":{"text":"hi"},"recipients":["12345678"]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send via default: status %d body %v", resp.StatusCode, body)
	}

	// No connection resolvable.
	resp, body = doJSON(t, http.MethodPost, base+"/api/v1/messages/send",
		`{"payload":{"text":"hi"},"recipients":["12345678"]}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unroutable: status %d body %v", resp.StatusCode, body)
	}

	// Unknown connection surfaces as 404.
	resp, body = doJSON(t, http.MethodPost, base+"/api/v1/messages/send",
		`{"connection_id":"ghost","payload":{"text":"hi"},"recipients":["12345678"]}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ghost: status %d body %v", resp.StatusCode, body)
	}

	// Bad priority.
	resp, body = doJSON(t, http.MethodPost, base+"/api/v1/messages/send",
		`{"connection_id":"conn-1","payload":{"text":"hi"},"recipients":["12345678"],"priority":"urgent"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad priority: status %d body %v", resp.StatusCode, body)
	}
}

func TestQueueEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	base := env.srv.URL

	doJSON(t, http.MethodPost, base+"/api/v1/connections", `{"tenant_id":"tenant-a","id":"conn-1"}`)

	resp, _ := doJSON(t, http.MethodPost, base+"/api/v1/queue/conn-1/pause", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodPost, base+"/api/v1/messages/send",
		`{"connection_id":"conn-1","payload":{"text":"hi"},"recipients":["12345678"]}`)
	if resp.StatusCode != http.StatusConflict || errCode(body) != "QUEUE_PAUSED" {
		t.Fatalf("paused enqueue: status %d body %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, base+"/api/v1/queue/conn-1/stats", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d", resp.StatusCode)
	}
	if paused, _ := body["is_paused"].(bool); !paused {
		t.Fatalf("stats = %v", body)
	}

	resp, _ = doJSON(t, http.MethodPost, base+"/api/v1/queue/conn-1/resume", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodPost, base+"/api/v1/queue/conn-1/clear-failed", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear-failed status = %d", resp.StatusCode)
	}
	if n, ok := body["cleared"].(float64); !ok || n != 0 {
		t.Fatalf("cleared = %v", body)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{HealthToken: "sekrit"})
	base := env.srv.URL

	resp, body := doJSON(t, http.MethodGet, base+"/health", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("basic: status %d body %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, base+"/health/subsystem/storage", "")
	if resp.StatusCode != http.StatusOK || body["name"] != "storage" {
		t.Fatalf("subsystem: status %d body %v", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, http.MethodGet, base+"/health/subsystem/disk", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown subsystem status = %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, base+"/health/trigger", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trigger status = %d", resp.StatusCode)
	}

	resp, body = doJSON(t, http.MethodGet, base+"/health/history", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	if hist, _ := body["history"].([]any); len(hist) < 2 {
		t.Fatalf("history = %v", body)
	}

	// Token gate.
	resp, _ = doJSON(t, http.MethodGet, base+"/health/detailed", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("detailed without token: status = %d", resp.StatusCode)
	}
	resp, body = doJSON(t, http.MethodGet, base+"/health/detailed", "", "Authorization", "Bearer sekrit")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detailed with token: status = %d", resp.StatusCode)
	}
	if _, ok := body["total_runs"]; !ok {
		t.Fatalf("detailed body = %v", body)
	}
}

func TestDetailedDisabledWithoutToken(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	resp, _ := doJSON(t, http.MethodGet, env.srv.URL+"/health/detailed", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 when the token is unset", resp.StatusCode)
	}
}
