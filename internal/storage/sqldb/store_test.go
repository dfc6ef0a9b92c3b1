package sqldb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
)

func newTestStore(t *testing.T, name string) *Store {
	t.Helper()
	store, err := NewSQLite("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func usageRecord(runID, tenantID string, credits int64, cost string, at time.Time) *domain.UsageRecord {
	return &domain.UsageRecord{
		RunID:                runID,
		TenantID:             tenantID,
		ThreadID:             "thread-" + runID,
		PromptTokens:         1200,
		CompletionTokens:     800,
		TotalTokens:          2000,
		TotalCredits:         credits,
		PromptTokensCost:     decimal.RequireFromString("0.006"),
		CompletionTokensCost: decimal.RequireFromString("0.012"),
		TotalCost:            decimal.RequireFromString(cost),
		ImageGenerated:       credits > 0,
		CreatedAt:            at,
		UpdatedAt:            at,
	}
}

func TestSQLDBStore_UpsertUsageIsIdempotent(t *testing.T) {
	store := newTestStore(t, "ledger1")
	ctx := context.Background()

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.UpsertUsage(ctx, usageRecord("run_1", "studio-a", 2, "0.018", first)); err != nil {
		t.Fatalf("UpsertUsage() error = %v", err)
	}

	second := usageRecord("run_1", "studio-a", 4, "0.0815", first.Add(time.Minute))
	second.TotalTokens = 4000
	if err := store.UpsertUsage(ctx, second); err != nil {
		t.Fatalf("UpsertUsage() second error = %v", err)
	}

	records, err := store.ListUsage(ctx, ports.UsageListOptions{TenantID: "studio-a"})
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want exactly 1", len(records))
	}

	got, err := store.GetUsage(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	if got.TotalCredits != 4 {
		t.Errorf("TotalCredits = %d, want 4", got.TotalCredits)
	}
	if got.TotalTokens != 4000 {
		t.Errorf("TotalTokens = %d, want 4000", got.TotalTokens)
	}
	if !got.TotalCost.Equal(decimal.RequireFromString("0.0815")) {
		t.Errorf("TotalCost = %s, want 0.0815", got.TotalCost)
	}
	if !got.CreatedAt.Equal(first) {
		t.Errorf("CreatedAt = %v, want original %v", got.CreatedAt, first)
	}
	if !got.UpdatedAt.Equal(first.Add(time.Minute)) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, first.Add(time.Minute))
	}
	if !got.ImageGenerated {
		t.Error("ImageGenerated = false, want true")
	}
}

func TestSQLDBStore_GetUsageNotFound(t *testing.T) {
	store := newTestStore(t, "ledger2")

	_, err := store.GetUsage(context.Background(), "missing")
	if !errors.Is(err, ports.ErrNotFound) {
		t.Errorf("GetUsage() error = %v, want ErrNotFound", err)
	}
}

func TestSQLDBStore_ListUsageAndTotals(t *testing.T) {
	store := newTestStore(t, "ledger3")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	seed := []*domain.UsageRecord{
		usageRecord("run_a", "studio-a", 2, "0.04", base),
		usageRecord("run_b", "studio-a", 1, "0.0215", base.Add(time.Hour)),
		usageRecord("run_c", "studio-b", 7, "0.15", base.Add(2*time.Hour)),
	}
	for _, rec := range seed {
		if err := store.UpsertUsage(ctx, rec); err != nil {
			t.Fatalf("UpsertUsage(%s) error = %v", rec.RunID, err)
		}
	}

	records, err := store.ListUsage(ctx, ports.UsageListOptions{TenantID: "studio-a"})
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	if len(records) != 2 || records[0].RunID != "run_b" {
		t.Fatalf("ListUsage() = %v, want run_b then run_a", runIDs(records))
	}

	limited, err := store.ListUsage(ctx, ports.UsageListOptions{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	if len(limited) != 1 || limited[0].RunID != "run_b" {
		t.Errorf("paged ListUsage() = %v, want [run_b]", runIDs(limited))
	}

	since, err := store.ListUsage(ctx, ports.UsageListOptions{Since: base.Add(90 * time.Minute)})
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	if len(since) != 1 || since[0].RunID != "run_c" {
		t.Errorf("ListUsage(since) = %v, want [run_c]", runIDs(since))
	}

	totals, err := store.TenantTotals(ctx, "studio-a")
	if err != nil {
		t.Fatalf("TenantTotals() error = %v", err)
	}
	if totals.Runs != 2 || totals.TotalCredits != 3 || totals.TotalTokens != 4000 {
		t.Errorf("totals = %+v", totals)
	}
	if !totals.TotalCost.Equal(decimal.RequireFromString("0.0615")) {
		t.Errorf("TotalCost = %s, want 0.0615", totals.TotalCost)
	}

	empty, err := store.TenantTotals(ctx, "nobody")
	if err != nil {
		t.Fatalf("TenantTotals() error = %v", err)
	}
	if empty.Runs != 0 || !empty.TotalCost.IsZero() {
		t.Errorf("empty totals = %+v", empty)
	}
}

func TestSQLDBStore_RunEvents(t *testing.T) {
	store := newTestStore(t, "ledger4")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	credits := int64(2)

	events := []*domain.RunEvent{
		{ID: "ev2", Type: domain.RunEventBilled, RunID: "run_1", ThreadID: "t1", TenantID: "studio-a",
			Status: domain.RunStatusCompleted, Credits: &credits, Timestamp: base.Add(time.Second)},
		{ID: "ev1", Type: domain.RunEventToolsSubmitted, RunID: "run_1", ThreadID: "t1",
			Status: domain.RunStatusRequiresAction, Tools: []domain.ToolName{domain.ToolGenerateImage}, Timestamp: base},
		{ID: "ev3", Type: domain.RunEventDiscovered, RunID: "run_2", ThreadID: "t2", Timestamp: base},
	}
	for _, ev := range events {
		if err := store.AppendRunEvent(ctx, ev); err != nil {
			t.Fatalf("AppendRunEvent(%s) error = %v", ev.ID, err)
		}
	}

	got, err := store.ListRunEvents(ctx, "run_1")
	if err != nil {
		t.Fatalf("ListRunEvents() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].ID != "ev1" || got[1].ID != "ev2" {
		t.Errorf("order = %s, %s; want ev1, ev2", got[0].ID, got[1].ID)
	}
	if len(got[0].Tools) != 1 || got[0].Tools[0] != domain.ToolGenerateImage {
		t.Errorf("tools = %v", got[0].Tools)
	}
	if got[0].Credits != nil {
		t.Errorf("credits = %v, want nil", *got[0].Credits)
	}
	if got[1].Credits == nil || *got[1].Credits != 2 {
		t.Errorf("credits = %v, want 2", got[1].Credits)
	}

	if err := store.AppendRunEvent(ctx, &domain.RunEvent{RunID: "run_1"}); err == nil {
		t.Error("AppendRunEvent() without id should fail")
	}
}

func TestSQLDBStore_DialectAccessor(t *testing.T) {
	store := newTestStore(t, "ledger5")

	if store.Dialect().Name() != "sqlite" {
		t.Errorf("Dialect().Name() = %v, want sqlite", store.Dialect().Name())
	}
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}
}

func TestNew_UnsupportedDriver(t *testing.T) {
	_, err := New(Config{Driver: "oracle", DSN: "x"})
	if err == nil {
		t.Error("New() with unsupported driver should fail")
	}
}

func runIDs(records []*domain.UsageRecord) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.RunID
	}
	return ids
}
