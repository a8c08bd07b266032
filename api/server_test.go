package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deep-stack/azimuth-watcher/api/graphql"
	"github.com/deep-stack/azimuth-watcher/cache"
	"github.com/deep-stack/azimuth-watcher/events"
	"github.com/deep-stack/azimuth-watcher/indexer"
	"github.com/deep-stack/azimuth-watcher/internal/config"
	"github.com/deep-stack/azimuth-watcher/internal/testutil"
	"github.com/deep-stack/azimuth-watcher/registry"
	"go.uber.org/zap"
)

func newTestSchema(t *testing.T, bus *events.EventBus) *graphql.Schema {
	t.Helper()

	reg, err := registry.New()
	if err != nil {
		t.Fatalf("registry.New() error = %v", err)
	}
	kind, err := reg.Kind(registry.KindAzimuth)
	if err != nil {
		t.Fatalf("Kind() error = %v", err)
	}

	chain := testutil.NewFakeChain(5)
	store := testutil.NewTestSQLStore(t)

	caller, err := cache.New(kind, chain, store, nil, nil)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	ix, err := indexer.New(chain, store, reg, &indexer.Config{
		BatchSize:    5,
		Workers:      1,
		RetryDelay:   time.Millisecond,
		PollInterval: time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("indexer.New() error = %v", err)
	}

	var opts []graphql.Option
	if bus != nil {
		opts = append(opts, graphql.WithEventBus(bus))
	}
	schema, err := graphql.NewSchema(caller, store, ix, nil, opts...)
	if err != nil {
		t.Fatalf("NewSchema() error = %v", err)
	}
	return schema
}

func TestNewServer(t *testing.T) {
	schema := newTestSchema(t, nil)

	invalidPort := DefaultConfig()
	invalidPort.Port = 0

	noPaths := DefaultConfig()
	noPaths.GraphQLPath = ""

	tests := []struct {
		name    string
		config  *Config
		schema  *graphql.Schema
		wantErr bool
	}{
		{"valid default config", DefaultConfig(), schema, false},
		{"nil config", nil, schema, true},
		{"invalid port", invalidPort, schema, true},
		{"empty graphql path", noPaths, schema, true},
		{"nil schema", DefaultConfig(), nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, err := NewServer(tt.config, zap.NewNop(), tt.schema, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewServer() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && server == nil {
				t.Error("NewServer() returned nil server")
			}
		})
	}
}

func TestServerHealthEndpoint(t *testing.T) {
	bus := events.NewEventBus(10, 10)
	go bus.Run()
	defer bus.Stop()

	server, err := NewServer(DefaultConfig(), zap.NewNop(), newTestSchema(t, bus), bus)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("health endpoint returned wrong status code: got %v want %v", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("health endpoint returned wrong content type: got %v", ct)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp.Status != "ok" || resp.Kind != registry.KindAzimuth {
		t.Errorf("unexpected health response: %+v", resp)
	}
	if resp.EventBus == nil {
		t.Error("expected event bus stats")
	}
}

func TestServerVersionEndpoint(t *testing.T) {
	server, err := NewServer(DefaultConfig(), zap.NewNop(), newTestSchema(t, nil), nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("version endpoint returned wrong status code: got %v want %v", w.Code, http.StatusOK)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode version response: %v", err)
	}
	if resp["name"] != "azimuth-watcher" || resp["version"] != Version {
		t.Errorf("unexpected version response: %v", resp)
	}
}

func TestServerGraphQLEndpoint(t *testing.T) {
	server, err := NewServer(DefaultConfig(), zap.NewNop(), newTestSchema(t, nil), nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	body := `{"query":"{ getSyncStatus { latestIndexedBlockNumber } }"}`
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("graphql endpoint returned %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"getSyncStatus": null`) && !strings.Contains(w.Body.String(), `"getSyncStatus":null`) {
		t.Errorf("unexpected graphql response: %s", w.Body.String())
	}
}

func TestServerPlayground(t *testing.T) {
	tests := []struct {
		name       string
		enabled    bool
		wantStatus int
	}{
		{"enabled", true, http.StatusOK},
		{"disabled", false, http.StatusNotFound},
	}

	schema := newTestSchema(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.EnablePlayground = tt.enabled
			server, err := NewServer(config, zap.NewNop(), schema, nil)
			if err != nil {
				t.Fatalf("NewServer() error = %v", err)
			}

			w := httptest.NewRecorder()
			server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/playground", nil))
			if w.Code != tt.wantStatus {
				t.Errorf("playground returned %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestServerSubscribersEndpoint(t *testing.T) {
	server, err := NewServer(DefaultConfig(), zap.NewNop(), newTestSchema(t, nil), nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subscribers", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without event bus, got %d", w.Code)
	}

	bus := events.NewEventBus(10, 10)
	go bus.Run()
	defer bus.Stop()
	bus.Subscribe("test", []events.EventType{events.EventTypeContractEvent}, nil, 10)

	server, err = NewServer(DefaultConfig(), zap.NewNop(), newTestSchema(t, bus), bus)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	w = httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/subscribers", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("subscribers endpoint returned %d", w.Code)
	}
	var resp SubscribersResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode subscribers response: %v", err)
	}
	if resp.TotalCount != 1 {
		t.Errorf("expected 1 subscriber, got %d", resp.TotalCount)
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	server, err := NewServer(DefaultConfig(), zap.NewNop(), newTestSchema(t, nil), nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("metrics endpoint returned %d", w.Code)
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	config := DefaultConfig()
	config.EnableRateLimit = true

	server, err := NewServer(config, zap.NewNop(), newTestSchema(t, nil), nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	// Stop without Start
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestServerMiddleware(t *testing.T) {
	config := DefaultConfig()
	config.EnableCORS = true
	config.AllowedOrigins = []string{"http://localhost:3000"}

	server, err := NewServer(config, zap.NewNop(), newTestSchema(t, nil), nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodOptions, "/graphql", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("OPTIONS request returned wrong status code: got %v", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("unexpected allowed origin %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/graphql", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("origin should not be allowed, got %q", got)
	}
}

func TestServerRateLimit(t *testing.T) {
	config := DefaultConfig()
	config.EnableRateLimit = true
	config.RateLimitPerSecond = 1
	config.RateLimitBurst = 1

	server, err := NewServer(config, zap.NewNop(), newTestSchema(t, nil), nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	defer server.Stop(context.Background())

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		server.Router().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("unexpected status codes %v", codes)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid config", func(c *Config) {}, false},
		{"empty host", func(c *Config) { c.Host = "" }, true},
		{"negative port", func(c *Config) { c.Port = -1 }, true},
		{"port too large", func(c *Config) { c.Port = 70000 }, true},
		{"zero read timeout", func(c *Config) { c.ReadTimeout = 0 }, true},
		{"negative write timeout", func(c *Config) { c.WriteTimeout = -time.Second }, true},
		{"zero idle timeout", func(c *Config) { c.IdleTimeout = 0 }, true},
		{"negative shutdown timeout", func(c *Config) { c.ShutdownTimeout = -time.Second }, true},
		{"zero max header bytes", func(c *Config) { c.MaxHeaderBytes = 0 }, true},
		{"empty subscription path", func(c *Config) { c.SubscriptionPath = "" }, true},
		{"empty playground path", func(c *Config) { c.GraphQLPlaygroundPath = "" }, true},
		{"playground path unused", func(c *Config) { c.EnablePlayground = false; c.GraphQLPlaygroundPath = "" }, false},
		{"zero rate limit", func(c *Config) { c.EnableRateLimit = true; c.RateLimitPerSecond = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.modify(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	c := DefaultConfig()

	if c.Host != "localhost" {
		t.Errorf("expected default host to be localhost, got %s", c.Host)
	}
	if c.Port != 3001 {
		t.Errorf("expected default port to be 3001, got %d", c.Port)
	}
	if c.GraphQLPath != "/graphql" || c.SubscriptionPath != "/graphql/ws" {
		t.Errorf("unexpected default paths %s %s", c.GraphQLPath, c.SubscriptionPath)
	}
	if c.Address() != "localhost:3001" {
		t.Errorf("expected address localhost:3001, got %s", c.Address())
	}
}

func TestConfigFromServer(t *testing.T) {
	c := ConfigFromServer(config.ServerConfig{
		Host:                "0.0.0.0",
		Port:                4000,
		AllowedOrigins:      []string{"https://example.org"},
		EnableRateLimit:     true,
		RateLimitPerSecond:  10,
		RateLimitBurst:      20,
		MaxEventsBlockRange: 50,
	})

	if c.Address() != "0.0.0.0:4000" {
		t.Errorf("unexpected address %s", c.Address())
	}
	if c.EnableCORS || c.EnablePlayground {
		t.Error("CORS and playground should follow the server config")
	}
	if c.MaxEventsBlockRange != 50 || c.RateLimitBurst != 20 {
		t.Errorf("unexpected limits %+v", c)
	}
	if c.ReadTimeout != DefaultConfig().ReadTimeout {
		t.Error("timeouts should keep their defaults")
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}
