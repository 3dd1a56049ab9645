package main

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/labcase/labcase/internal/config"
	"github.com/labcase/labcase/internal/domain/casemgmt"
	"github.com/labcase/labcase/internal/platform/middleware"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Env:                "development",
		Store:              "memory",
		CaseGranularity:    "patient",
		ReminderDelay:      24 * time.Hour,
		SweepInterval:      time.Minute,
		RescanInterval:     time.Minute,
		InitialTemplateID:  363,
		ReminderTemplateID: 364,
		PortalBaseURL:      "http://localhost:3000",
		CaseLinkTTL:        time.Hour,
	}
}

func TestResolveSigningKey_Configured(t *testing.T) {
	cfg := memoryConfig()
	cfg.CaseLinkSigningKey = strings.Repeat("ab", 32)
	key, err := resolveSigningKey(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hex.EncodeToString(key) != cfg.CaseLinkSigningKey {
		t.Errorf("expected configured key, got %x", key)
	}
}

func TestResolveSigningKey_EphemeralInDevelopment(t *testing.T) {
	key, err := resolveSigningKey(memoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(key))
	}
}

func TestResolveSigningKey_RequiredInProduction(t *testing.T) {
	cfg := memoryConfig()
	cfg.Env = "production"
	if _, err := resolveSigningKey(cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error without a signing key in production")
	}
}

func TestDefaultTemplates_UseConfiguredIDs(t *testing.T) {
	cfg := memoryConfig()
	cfg.InitialTemplateID, cfg.ReminderTemplateID = 10, 11
	tpls := defaultTemplates(cfg)
	if len(tpls) != 2 || tpls[0].ID != 10 || tpls[1].ID != 11 {
		t.Fatalf("unexpected templates: %+v", tpls)
	}
	for _, tpl := range tpls {
		if !strings.Contains(tpl.Body, "{{caseURL}}") {
			t.Errorf("template %d has no case link placeholder", tpl.ID)
		}
	}
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	a, err := newApp(context.Background(), memoryConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a.server()
}

func TestServer_Routes(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		method string
		path   string
		body   string
		code   int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/health/db", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodPost, "/webhooks/labs/crelio?account_id=acct-1", `{}`, http.StatusAccepted},
		{http.MethodPost, "/webhooks/labs/crelio", `not json`, http.StatusBadRequest},
		{http.MethodGet, "/case-management/ack?token=bogus", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			var req *http.Request
			if tt.body != "" {
				req = httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			} else {
				req = httptest.NewRequest(tt.method, tt.path, nil)
			}
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
			if rec.Header().Get(middleware.RequestIDHeader) == "" {
				t.Error("expected a request id on every response")
			}
		})
	}
}

func TestServer_AckSetsSecurityHeaders(t *testing.T) {
	srv := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/case-management/ack?token=bogus", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("expected no-store, got %q", got)
	}
}

func TestSeedMemoryStore_ManagersAndAccounts(t *testing.T) {
	cfg := memoryConfig()
	cfg.MemoryManagers = []string{"Ana:ana@example.com", "Ben:ben@example.com"}
	cfg.MemoryEnabledAccounts = []string{"acct-1"}
	mem := casemgmt.NewMemoryStore()
	if err := seedMemoryStore(mem, cfg); err != nil {
		t.Fatalf("seedMemoryStore: %v", err)
	}
	ctx := context.Background()
	s := mem.Store()

	managers, err := s.Managers.ListAssignable(ctx)
	if err != nil {
		t.Fatalf("ListAssignable: %v", err)
	}
	if len(managers) != 2 {
		t.Fatalf("expected 2 assignable managers, got %d", len(managers))
	}

	scope := casemgmt.NewScopeGate(s.Settings)
	in, err := scope.IsInScope(ctx, nil, "acct-1")
	if err != nil || !in {
		t.Errorf("expected acct-1 in scope, got %v (%v)", in, err)
	}
	if in, _ := scope.IsInScope(ctx, nil, "acct-2"); in {
		t.Error("expected acct-2 out of scope")
	}
}

func TestSeedMemoryStore_NothingConfigured(t *testing.T) {
	mem := casemgmt.NewMemoryStore()
	if err := seedMemoryStore(mem, memoryConfig()); err != nil {
		t.Fatalf("seedMemoryStore: %v", err)
	}
	global, err := mem.Store().Settings.GetGlobal(context.Background())
	if err != nil {
		t.Fatalf("GetGlobal: %v", err)
	}
	if global != nil {
		t.Errorf("expected no global setting, got %+v", global)
	}
}

func TestNewApp_RejectsMalformedManagerSeed(t *testing.T) {
	cfg := memoryConfig()
	cfg.MemoryManagers = []string{"Ana"}
	if _, err := newApp(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for malformed MEMORY_MANAGERS")
	}
}
