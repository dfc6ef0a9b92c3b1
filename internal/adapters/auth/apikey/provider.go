// Package apikey provides API key-based authentication.
package apikey

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
	"github.com/tjfontaine/cinetech-relay/internal/pkg/config"
)

// Provider implements ports.AuthProvider using API key authentication.
type Provider struct {
	mu         sync.RWMutex
	tenants    map[string]*ports.Tenant // tenantID -> tenant
	keyHashMap map[string]string        // keyHash -> tenantID
}

var _ ports.AuthProvider = (*Provider)(nil)

// NewProvider creates a new API key auth provider from the configured tenants.
func NewProvider(cfg *config.Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}

	p := &Provider{}
	if err := p.ReloadFromConfig(cfg); err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	return p, nil
}

// Authenticate validates an API key and returns the tenant context.
func (p *Provider) Authenticate(ctx context.Context, token string) (*ports.AuthContext, error) {
	keyHash := HashAPIKey(token)

	p.mu.RLock()
	defer p.mu.RUnlock()

	var tenantID string
	for hash, id := range p.keyHashMap {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(keyHash)) == 1 {
			tenantID = id
		}
	}
	if tenantID == "" {
		return nil, fmt.Errorf("invalid API key")
	}

	tenant, ok := p.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant not found")
	}

	return &ports.AuthContext{
		TenantID: tenant.ID,
		Metadata: map[string]string{
			"tenant_name": tenant.Name,
		},
	}, nil
}

// GetTenant returns a tenant by ID.
func (p *Provider) GetTenant(ctx context.Context, tenantID string) (*ports.Tenant, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tenant, ok := p.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("tenant not found: %s", tenantID)
	}

	return tenant, nil
}

// Tenants returns the configured tenant count.
func (p *Provider) Tenants() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tenants)
}

// ReloadFromConfig replaces tenants and key hashes with those in cfg.
// It is called when the config file changes.
func (p *Provider) ReloadFromConfig(cfg *config.Config) error {
	tenants := make(map[string]*ports.Tenant, len(cfg.Tenants))
	keys := make(map[string]string)

	for _, tenantCfg := range cfg.Tenants {
		if tenantCfg.ID == "" {
			return fmt.Errorf("tenant without id")
		}
		tenants[tenantCfg.ID] = &ports.Tenant{ID: tenantCfg.ID, Name: tenantCfg.Name}

		for _, apiKey := range tenantCfg.APIKeys {
			if owner, dup := keys[apiKey.KeyHash]; dup && owner != tenantCfg.ID {
				return fmt.Errorf("key hash shared by tenants %s and %s", owner, tenantCfg.ID)
			}
			keys[apiKey.KeyHash] = tenantCfg.ID
		}
	}

	p.mu.Lock()
	p.tenants = tenants
	p.keyHashMap = keys
	p.mu.Unlock()
	return nil
}

// HashAPIKey creates a SHA-256 hash of an API key for storage.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}
