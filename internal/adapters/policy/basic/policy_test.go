package basic

import (
	"context"
	"sync"
	"testing"

	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
)

func TestCheckRequest_AlwaysAllows(t *testing.T) {
	policy := NewPolicy()

	for _, req := range []*ports.PolicyRequest{{TenantID: "studio-a", Route: "messages"}, nil} {
		decision, err := policy.CheckRequest(context.Background(), req)
		if err != nil {
			t.Fatalf("CheckRequest failed: %v", err)
		}
		if !decision.Allow {
			t.Errorf("Allow = false for %+v", req)
		}
	}
}

func TestRecordUsage_TalliesPerTenant(t *testing.T) {
	policy := NewPolicy()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := policy.RecordUsage(ctx, &ports.UsageRecord{TenantID: "studio-a", RunID: "run", Credits: 2}); err != nil {
				t.Errorf("RecordUsage failed: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := policy.RecordUsage(ctx, nil); err != nil {
		t.Errorf("RecordUsage(nil) failed: %v", err)
	}

	if credits, runs := policy.Billed("studio-a"); credits != 20 || runs != 10 {
		t.Errorf("Billed(studio-a) = %d credits, %d runs; want 20, 10", credits, runs)
	}
	if credits, runs := policy.Billed("studio-b"); credits != 0 || runs != 0 {
		t.Errorf("Billed(studio-b) = %d, %d; want 0, 0", credits, runs)
	}
}
