package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pricing converts token usage into money and credits.
type Pricing struct {
	PromptPer1K     decimal.Decimal
	CompletionPer1K decimal.Decimal
	CreditPrice     decimal.Decimal
	ImageSurcharge  int64
}

// DefaultPricing is $0.005 per 1K prompt tokens, $0.015 per 1K completion
// tokens, $0.02 per credit and a 2 credit image surcharge.
func DefaultPricing() Pricing {
	return Pricing{
		PromptPer1K:     decimal.RequireFromString("0.005"),
		CompletionPer1K: decimal.RequireFromString("0.015"),
		CreditPrice:     decimal.RequireFromString("0.02"),
		ImageSurcharge:  2,
	}
}

// Charge is the computed cost of one run.
type Charge struct {
	PromptCost     decimal.Decimal
	CompletionCost decimal.Decimal
	TotalCost      decimal.Decimal
	Credits        int64
}

var thousand = decimal.NewFromInt(1000)

// Charge computes the cost of usage. Credits are floor(total / credit price)
// plus the surcharge when an image was generated during the run.
func (p Pricing) Charge(u Usage, imageGenerated bool) Charge {
	promptCost := decimal.NewFromInt(int64(u.PromptTokens)).Div(thousand).Mul(p.PromptPer1K)
	completionCost := decimal.NewFromInt(int64(u.CompletionTokens)).Div(thousand).Mul(p.CompletionPer1K)
	total := promptCost.Add(completionCost)

	var credits int64
	if p.CreditPrice.IsPositive() {
		credits = total.Div(p.CreditPrice).Floor().IntPart()
	}
	if imageGenerated {
		credits += p.ImageSurcharge
	}

	return Charge{
		PromptCost:     promptCost,
		CompletionCost: completionCost,
		TotalCost:      total,
		Credits:        credits,
	}
}

// UsageRecord is the persisted ledger row for a run. RunID is unique.
type UsageRecord struct {
	RunID                string          `json:"run_id" db:"run_id"`
	TenantID             string          `json:"tenant_id" db:"tenant_id"`
	ThreadID             string          `json:"thread_id" db:"thread_id"`
	PromptTokens         int             `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens     int             `json:"completion_tokens" db:"completion_tokens"`
	TotalTokens          int             `json:"total_tokens" db:"total_tokens"`
	TotalCredits         int64           `json:"total_credits" db:"total_credits"`
	PromptTokensCost     decimal.Decimal `json:"prompt_tokens_cost" db:"prompt_tokens_cost"`
	CompletionTokensCost decimal.Decimal `json:"completion_tokens_cost" db:"completion_tokens_cost"`
	TotalCost            decimal.Decimal `json:"total_cost" db:"total_cost"`
	ImageGenerated       bool            `json:"image_generated" db:"image_generated"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// NewUsageRecord builds the ledger row for a completed run.
func NewUsageRecord(snap RunSnapshot, u Usage, c Charge, imageGenerated bool, now time.Time) *UsageRecord {
	return &UsageRecord{
		RunID:                snap.RunID,
		TenantID:             snap.TenantID,
		ThreadID:             snap.ThreadID,
		PromptTokens:         u.PromptTokens,
		CompletionTokens:     u.CompletionTokens,
		TotalTokens:          u.TotalTokens,
		TotalCredits:         c.Credits,
		PromptTokensCost:     c.PromptCost,
		CompletionTokensCost: c.CompletionCost,
		TotalCost:            c.TotalCost,
		ImageGenerated:       imageGenerated,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// TenantTotals summarizes a tenant's ledger.
type TenantTotals struct {
	TenantID     string          `json:"tenant_id" db:"tenant_id"`
	Runs         int64           `json:"runs" db:"runs"`
	TotalTokens  int64           `json:"total_tokens" db:"total_tokens"`
	TotalCredits int64           `json:"total_credits" db:"total_credits"`
	TotalCost    decimal.Decimal `json:"total_cost" db:"total_cost"`
}
