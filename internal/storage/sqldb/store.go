// Package sqldb implements the usage ledger on database/sql through sqlx.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
	"github.com/tjfontaine/cinetech-relay/internal/storage/dialect"
)

// Store is a SQL implementation of ports.LedgerStore that supports
// multiple database dialects.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.LedgerStore = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, mysql
	DSN    string // Data source name / connection string
}

// usageColumns lists run_usage columns in insert order.
var usageColumns = []string{
	"run_id", "tenant_id", "thread_id",
	"prompt_tokens", "completion_tokens", "total_tokens", "total_credits",
	"prompt_tokens_cost", "completion_tokens_cost", "total_cost",
	"image_generated", "created_at", "updated_at",
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store.
func NewSQLite(dsn string) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dsn})
}

// DB returns the underlying sqlx.DB for advanced operations
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	d := s.dialect
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS run_usage (
run_id %[1]s PRIMARY KEY,
tenant_id %[1]s NOT NULL,
thread_id %[1]s NOT NULL,
prompt_tokens INTEGER NOT NULL DEFAULT 0,
completion_tokens INTEGER NOT NULL DEFAULT 0,
total_tokens INTEGER NOT NULL DEFAULT 0,
total_credits BIGINT NOT NULL DEFAULT 0,
prompt_tokens_cost %[2]s NOT NULL,
completion_tokens_cost %[2]s NOT NULL,
total_cost %[2]s NOT NULL,
image_generated %[3]s NOT NULL,
created_at %[4]s NOT NULL,
updated_at %[4]s NOT NULL
)`, d.KeyType(), d.DecimalType(), d.BooleanType(), d.TimestampType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS run_events (
id %[1]s PRIMARY KEY,
run_id %[1]s NOT NULL,
thread_id %[1]s NOT NULL,
tenant_id %[1]s,
type %[1]s NOT NULL,
status %[1]s,
credits BIGINT,
tools %[2]s,
error %[2]s,
created_at %[3]s NOT NULL
)`, d.KeyType(), d.TextType(), d.TimestampType()),
		`CREATE INDEX idx_run_usage_tenant ON run_usage(tenant_id, created_at)`,
		`CREATE INDEX idx_run_usage_thread ON run_usage(thread_id)`,
		`CREATE INDEX idx_run_events_run ON run_events(run_id, created_at)`,
	}

	for _, stmt := range statements {
		if strings.HasPrefix(stmt, "CREATE INDEX") {
			if err := s.createIndex(stmt); err != nil {
				return err
			}
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// createIndex tolerates an existing index; MySQL has no IF NOT EXISTS for
// indexes.
func (s *Store) createIndex(stmt string) error {
	if s.dialect.Name() != string(dialect.MySQL) {
		stmt = strings.Replace(stmt, "CREATE INDEX", "CREATE INDEX IF NOT EXISTS", 1)
	}
	if _, err := s.db.Exec(stmt); err != nil {
		if s.dialect.Name() == string(dialect.MySQL) && strings.Contains(err.Error(), "Duplicate key name") {
			return nil
		}
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// UpsertUsage inserts the record or replaces every value but created_at.
func (s *Store) UpsertUsage(ctx context.Context, rec *domain.UsageRecord) error {
	if rec == nil || rec.RunID == "" {
		return fmt.Errorf("usage record requires a run id")
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}

	updates := make([]string, 0, len(usageColumns))
	for _, col := range usageColumns {
		if col != "run_id" && col != "created_at" {
			updates = append(updates, col)
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(usageColumns)), ", ")
	query := s.dialect.Rebind(fmt.Sprintf("INSERT INTO run_usage (%s) VALUES (%s) %s",
		strings.Join(usageColumns, ", "), placeholders,
		s.dialect.UpsertClause("run_id", updates)))

	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.TenantID, rec.ThreadID,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.TotalCredits,
		rec.PromptTokensCost, rec.CompletionTokensCost, rec.TotalCost,
		rec.ImageGenerated, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert usage for run %s: %w", rec.RunID, err)
	}
	return nil
}

// GetUsage retrieves the ledger record for a run.
func (s *Store) GetUsage(ctx context.Context, runID string) (*domain.UsageRecord, error) {
	query := s.dialect.Rebind(fmt.Sprintf("SELECT %s FROM run_usage WHERE run_id = ?",
		strings.Join(usageColumns, ", ")))

	var rec domain.UsageRecord
	if err := s.db.GetContext(ctx, &rec, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("usage for run %s: %w", runID, ports.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return &rec, nil
}

// ListUsage lists ledger records newest first.
func (s *Store) ListUsage(ctx context.Context, opts ports.UsageListOptions) ([]*domain.UsageRecord, error) {
	where, args := usageFilter(opts)

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf("SELECT %s FROM run_usage%s ORDER BY created_at DESC, run_id DESC LIMIT ? OFFSET ?",
		strings.Join(usageColumns, ", "), where)
	args = append(args, limit, opts.Offset)

	var records []*domain.UsageRecord
	if err := s.db.SelectContext(ctx, &records, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return records, nil
}

func usageFilter(opts ports.UsageListOptions) (string, []any) {
	var clauses []string
	var args []any
	if opts.TenantID != "" {
		clauses = append(clauses, "tenant_id = ?")
		args = append(args, opts.TenantID)
	}
	if opts.ThreadID != "" {
		clauses = append(clauses, "thread_id = ?")
		args = append(args, opts.ThreadID)
	}
	if !opts.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, opts.Since.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// TenantTotals aggregates a tenant's ledger. Costs are summed in Go so that
// SQLite's TEXT decimals never pass through float arithmetic.
func (s *Store) TenantTotals(ctx context.Context, tenantID string) (*domain.TenantTotals, error) {
	totals := &domain.TenantTotals{TenantID: tenantID, TotalCost: decimal.Zero}

	counts := s.dialect.Rebind(`SELECT COUNT(*) AS runs,
COALESCE(SUM(total_tokens), 0) AS total_tokens,
COALESCE(SUM(total_credits), 0) AS total_credits
FROM run_usage WHERE tenant_id = ?`)
	row := s.db.QueryRowxContext(ctx, counts, tenantID)
	if err := row.Scan(&totals.Runs, &totals.TotalTokens, &totals.TotalCredits); err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}

	var costs []decimal.Decimal
	if err := s.db.SelectContext(ctx, &costs,
		s.dialect.Rebind(`SELECT total_cost FROM run_usage WHERE tenant_id = ?`), tenantID); err != nil {
		return nil, fmt.Errorf("failed to sum usage cost: %w", err)
	}
	for _, c := range costs {
		totals.TotalCost = totals.TotalCost.Add(c)
	}
	return totals, nil
}

// AppendRunEvent records a lifecycle event.
func (s *Store) AppendRunEvent(ctx context.Context, event *domain.RunEvent) error {
	if event == nil || event.ID == "" {
		return fmt.Errorf("run event requires an id")
	}

	var tools sql.NullString
	if len(event.Tools) > 0 {
		b, err := json.Marshal(event.Tools)
		if err != nil {
			return fmt.Errorf("failed to marshal tools: %w", err)
		}
		tools = sql.NullString{String: string(b), Valid: true}
	}
	var credits sql.NullInt64
	if event.Credits != nil {
		credits = sql.NullInt64{Int64: *event.Credits, Valid: true}
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	query := s.dialect.Rebind(`INSERT INTO run_events
(id, run_id, thread_id, tenant_id, type, status, credits, tools, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.RunID, event.ThreadID, event.TenantID,
		string(event.Type), string(event.Status), credits, tools, event.Error, ts.UTC())
	if err != nil {
		return fmt.Errorf("failed to append run event: %w", err)
	}
	return nil
}

type runEventRow struct {
	ID        string         `db:"id"`
	RunID     string         `db:"run_id"`
	ThreadID  string         `db:"thread_id"`
	TenantID  sql.NullString `db:"tenant_id"`
	Type      string         `db:"type"`
	Status    sql.NullString `db:"status"`
	Credits   sql.NullInt64  `db:"credits"`
	Tools     sql.NullString `db:"tools"`
	Error     sql.NullString `db:"error"`
	CreatedAt time.Time      `db:"created_at"`
}

// ListRunEvents returns a run's events oldest first.
func (s *Store) ListRunEvents(ctx context.Context, runID string) ([]*domain.RunEvent, error) {
	query := s.dialect.Rebind(`SELECT id, run_id, thread_id, tenant_id, type, status, credits, tools, error, created_at
FROM run_events WHERE run_id = ? ORDER BY created_at ASC, id ASC`)

	var rows []runEventRow
	if err := s.db.SelectContext(ctx, &rows, query, runID); err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}

	events := make([]*domain.RunEvent, 0, len(rows))
	for _, r := range rows {
		ev := &domain.RunEvent{
			ID:        r.ID,
			Type:      domain.RunEventType(r.Type),
			RunID:     r.RunID,
			ThreadID:  r.ThreadID,
			TenantID:  r.TenantID.String,
			Status:    domain.RunStatus(r.Status.String),
			Error:     r.Error.String,
			Timestamp: r.CreatedAt,
		}
		if r.Credits.Valid {
			c := r.Credits.Int64
			ev.Credits = &c
		}
		if r.Tools.Valid && r.Tools.String != "" {
			if err := json.Unmarshal([]byte(r.Tools.String), &ev.Tools); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tools: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}
