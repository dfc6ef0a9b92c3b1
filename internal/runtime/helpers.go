package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tjfontaine/cinetech-relay/internal/api/assistants"
	"github.com/tjfontaine/cinetech-relay/internal/api/search"
	"github.com/tjfontaine/cinetech-relay/internal/api/stability"
	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/pkg/config"
	"github.com/tjfontaine/cinetech-relay/internal/retry"
)

const ledgerRetryInterval = time.Second

// pricingFromConfig parses the decimal pricing strings. Empty fields keep
// the default.
func pricingFromConfig(cfg config.PricingConfig) (domain.Pricing, error) {
	p := domain.DefaultPricing()
	for _, f := range []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{"prompt_per_1k", cfg.PromptPer1K, &p.PromptPer1K},
		{"completion_per_1k", cfg.CompletionPer1K, &p.CompletionPer1K},
		{"credit_price", cfg.CreditPrice, &p.CreditPrice},
	} {
		if f.value == "" {
			continue
		}
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			return domain.Pricing{}, fmt.Errorf("pricing.%s: %w", f.name, err)
		}
		*f.dst = d
	}
	if !p.CreditPrice.IsPositive() {
		return domain.Pricing{}, fmt.Errorf("pricing.credit_price must be positive, got %s", p.CreditPrice)
	}
	if cfg.ImageSurcharge > 0 {
		p.ImageSurcharge = cfg.ImageSurcharge
	}
	return p, nil
}

type policies struct {
	discovery retry.Policy
	tool      retry.Policy
	ledger    retry.Policy
}

func retryPolicies(cfg config.RelayConfig, logger *slog.Logger) policies {
	return policies{
		discovery: retry.New(cfg.DiscoveryAttempts, cfg.DiscoveryInterval).WithLogger(logger),
		tool:      retry.New(cfg.ToolAttempts, cfg.ToolInterval).WithLogger(logger),
		ledger:    retry.New(cfg.LedgerAttempts, ledgerRetryInterval).WithLogger(logger),
	}
}

func assistantOptions(cfg config.AssistantConfig) []assistants.ClientOption {
	var opts []assistants.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, assistants.WithBaseURL(cfg.BaseURL))
	}
	return opts
}

func stabilityOptions(cfg config.StabilityConfig) []stability.ClientOption {
	var opts []stability.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, stability.WithBaseURL(cfg.BaseURL))
	}
	if cfg.AspectRatio != "" {
		opts = append(opts, stability.WithAspectRatio(cfg.AspectRatio))
	}
	return opts
}

func searchOptions(cfg config.SearchConfig) []search.ClientOption {
	var opts []search.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, search.WithBaseURL(cfg.BaseURL))
	}
	if cfg.MaxResults > 0 {
		opts = append(opts, search.WithMaxResults(cfg.MaxResults))
	}
	return opts
}
