package runtime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tjfontaine/cinetech-relay/internal/adapters/auth/apikey"
	"github.com/tjfontaine/cinetech-relay/internal/adapters/policy/basic"
	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/pkg/config"
	"github.com/tjfontaine/cinetech-relay/internal/storage/memory"
)

const testKey = "relay-test-key"

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
server:
  port: 0
storage:
  driver: memory
blob:
  driver: local
  dir: %s
relay:
  staging_dir: %s
tenants:
  - id: studio-a
    name: Studio A
    api_keys:
      - key_hash: %s
%s`, filepath.Join(dir, "media"), filepath.Join(dir, "staging"), apikey.HashAPIKey(testKey), extra)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func startRelay(t *testing.T, opts ...Option) *Relay {
	t.Helper()
	r, err := New(opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r
}

func TestRelay_New_RequiresConfig(t *testing.T) {
	_, err := New()
	if err == nil {
		t.Fatal("Expected error without config provider")
	}
	if !strings.Contains(err.Error(), "config provider required") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestRelay_Start_And_Shutdown(t *testing.T) {
	r := startRelay(t, WithFileConfig(writeConfig(t, "")))

	if r.auth == nil {
		t.Error("Expected API key auth with tenants configured")
	}
	if r.policy == nil {
		t.Error("Expected default policy")
	}
	if len(r.handlers) == 0 {
		t.Error("Expected handlers to be registered")
	}

	if err := r.Start(context.Background()); err == nil {
		t.Error("Expected second Start to fail")
	}
}

func TestRelay_Routes(t *testing.T) {
	r := startRelay(t, WithFileConfig(writeConfig(t, "")))
	h := r.Handler()
	if h == nil {
		t.Fatal("Handler is nil after Start")
	}

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		status int
	}{
		{"health is public", http.MethodGet, "/healthz", "", http.StatusOK},
		{"status requires key", http.MethodGet, "/api/assistant/messages?thread_id=thread_1", "", http.StatusUnauthorized},
		{"cancel rejects bad key", http.MethodPost, "/api/assistant/cancel", "wrong", http.StatusUnauthorized},
		{"admin requires key", http.MethodGet, "/admin/api/stats", "", http.StatusUnauthorized},
		{"admin stats", http.MethodGet, "/admin/api/stats", testKey, http.StatusOK},
		{"admin tenant totals", http.MethodGet, "/admin/api/usage/studio-a", testKey, http.StatusOK},
		{"admin other tenant", http.MethodGet, "/admin/api/usage/studio-b", testKey, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("Authorization", "Bearer "+tt.key)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.status {
				t.Errorf("%s %s: expected %d, got %d: %s", tt.method, tt.path, tt.status, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestRelay_WithInjectedLedger(t *testing.T) {
	ledger := memory.New()
	r := startRelay(t, WithFileConfig(writeConfig(t, "")), WithLedgerStore(ledger))
	if r.ledger != ledger {
		t.Error("Expected injected ledger to be used")
	}
}

func TestRelay_BilledRunsReachPolicy(t *testing.T) {
	policy := basic.NewPolicy()
	r := startRelay(t, WithFileConfig(writeConfig(t, "")), WithQualityPolicy(policy))

	credits := int64(3)
	if err := r.bus.Publish(context.Background(), &domain.RunEvent{
		Type:     domain.RunEventBilled,
		ThreadID: "thread_1",
		RunID:    "run_1",
		TenantID: "studio-a",
		Status:   domain.RunStatusCompleted,
		Credits:  &credits,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, runs := policy.Billed("studio-a")
		if got == 3 && runs == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Billed(studio-a) = %d credits, %d runs; want 3, 1", got, runs)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRelay_ReloadPricing(t *testing.T) {
	path := writeConfig(t, "")
	r := startRelay(t, WithFileConfig(path))

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg.Pricing.CreditPrice = "0.05"
	if err := r.reload(cfg); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := r.reconciler.Pricing().CreditPrice; !got.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("credit price = %s, want 0.05", got)
	}

	cfg.Pricing.CreditPrice = "free"
	if err := r.reload(cfg); err == nil {
		t.Error("Expected invalid pricing to be rejected")
	}
	if got := r.reconciler.Pricing().CreditPrice; !got.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("pricing changed after failed reload: %s", got)
	}
}

func TestRelay_ReloadTenants(t *testing.T) {
	path := writeConfig(t, "")
	r := startRelay(t, WithFileConfig(path))

	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg.Tenants = append(cfg.Tenants, config.TenantConfig{
		ID:      "studio-b",
		APIKeys: []config.APIKeyConfig{{KeyHash: apikey.HashAPIKey("studio-b-key")}},
	})
	if err := r.reload(cfg); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/api/usage/studio-b", nil)
	req.Header.Set("Authorization", "Bearer studio-b-key")
	rr := httptest.NewRecorder()
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("expected new tenant key to authenticate, got %d", rr.Code)
	}
}

func TestPricingFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.PricingConfig
		credit  string
		wantErr bool
	}{
		{name: "defaults", credit: "0.02"},
		{name: "override", cfg: config.PricingConfig{CreditPrice: "0.04", ImageSurcharge: 3}, credit: "0.04"},
		{name: "invalid", cfg: config.PricingConfig{PromptPer1K: "cheap"}, wantErr: true},
		{name: "zero credit price", cfg: config.PricingConfig{CreditPrice: "0"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := pricingFromConfig(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !p.CreditPrice.Equal(decimal.RequireFromString(tt.credit)) {
				t.Errorf("credit price = %s, want %s", p.CreditPrice, tt.credit)
			}
			if tt.cfg.ImageSurcharge > 0 && p.ImageSurcharge != tt.cfg.ImageSurcharge {
				t.Errorf("surcharge = %d", p.ImageSurcharge)
			}
		})
	}
}
