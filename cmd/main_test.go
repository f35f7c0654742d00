package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"apigate/internal/audit"
	"apigate/internal/auth"
	"apigate/internal/clock"
	"apigate/internal/config"
	"apigate/internal/defense"
	"apigate/internal/gateway"
	"apigate/internal/quota"
	"apigate/internal/ratelimit"
	"apigate/internal/validation"
)

const testAdminKey = "admin-key-0123456789"

func newTestServer(t *testing.T, upstream string) *httptest.Server {
	t.Helper()
	cfg, err := config.LoadFile("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Admin.MasterKeys = []string{testAdminKey}
	cfg.Gateway.Upstream = upstream

	clk := clock.System{}
	reg := prometheus.NewRegistry()
	repo := auth.NewMemoryRepository()
	keys := auth.NewKeyService(repo, zerolog.Nop(), auth.NewPrometheusMetrics(reg), auth.ServiceConfig{Clock: clk})
	ips := defense.NewMemoryIPStore()
	gw := gateway.New(cfg.GatewayOptions(), gateway.Dependencies{
		Validator: validation.New(cfg.Validation.Limits()),
		Guard:     defense.NewGuard(ips, cfg.Defense.ConnLimits(), clk),
		Detector:  defense.NewDetector(ips, cfg.Defense.Thresholds(), nil, clk, zerolog.Nop()),
		Keys:      keys,
		Limiter:   ratelimit.NewLimiter(ratelimit.NewMemoryStore(), clk, nil),
		Quota:     quota.NewTracker(repo, clk, nil, zerolog.Nop()),
		Sink:      audit.NewMemorySink(),
		Metrics:   gateway.NewMetrics(reg),
		Clock:     clk,
		Logger:    zerolog.Nop(),
	})

	router, err := newRouter(cfg, gw, keys, reg, clk)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func createKey(t *testing.T, baseURL, body string) string {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/admin/api-keys", bytes.NewBufferString(body))
	req.Header.Set("X-Admin-Key", testAdminKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create key: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, raw)
	}
	var created struct {
		Secret string `json:"secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return created.Secret
}

func get(t *testing.T, url, secret string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if secret != "" {
		req.Header.Set("X-API-Key", secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, "")

	if resp := get(t, srv.URL+"/healthz", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d", resp.StatusCode)
	}
	resp := get(t, srv.URL+"/metrics", "")
	raw, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(raw, []byte("apigate_gateway_in_flight")) {
		t.Fatal("gateway metrics not exposed")
	}
}

func TestRouter_IssueKeyThenCallUsage(t *testing.T) {
	srv := newTestServer(t, "")
	secret := createKey(t, srv.URL, `{"ownerId":"acme","name":"cli","scopes":["read"],"tier":"free"}`)

	resp := get(t, srv.URL+"/api/v1/usage", secret)
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, raw)
	}
	if resp.Header.Get("X-RateLimit-Limit") != "10" || resp.Header.Get("X-Quota-Limit") != "1000" {
		t.Fatalf("missing limit headers: %v", resp.Header)
	}
	var usage struct {
		Tier  string `json:"tier"`
		Quota struct {
			Remaining int64 `json:"remaining"`
		} `json:"quota"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if usage.Tier != "free" || usage.Quota.Remaining != 1000 {
		t.Fatalf("unexpected usage %+v", usage)
	}

	if resp := get(t, srv.URL+"/api/v1/usage", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}
}

func TestRouter_ProxyScopes(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, r.Method+" "+r.URL.Path)
	}))
	t.Cleanup(upstream.Close)
	srv := newTestServer(t, upstream.URL)
	readOnly := createKey(t, srv.URL, `{"ownerId":"acme","name":"ro","scopes":["read"],"tier":"starter"}`)

	resp := get(t, srv.URL+"/api/v1/items/7", readOnly)
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(raw) != "GET /api/v1/items/7" {
		t.Fatalf("unexpected proxy response %d %q", resp.StatusCode, raw)
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/items", bytes.NewBufferString(`{"name":"x"}`))
	req.Header.Set("X-API-Key", readOnly)
	req.Header.Set("Content-Type", "application/json")
	post, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer post.Body.Close()
	if post.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for read-only key on POST, got %d", post.StatusCode)
	}
}
