package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/artpar/blueprint/internal/core/domain"
	"github.com/artpar/blueprint/internal/core/dsl"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, dbError("NewSQLiteStore", "failed to open database", ErrConnectionFailed)
	}

	// a second connection to ":memory:" would see a different database
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, dbError("NewSQLiteStore", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, dbError("NewSQLiteStore", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreatePlan(ctx context.Context, record *domain.PlanRecord) error {
	return createPlan(ctx, s.db, record)
}

func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*domain.PlanRecord, error) {
	return getPlan(ctx, s.db, id)
}

func (s *SQLiteStore) DeletePlan(ctx context.Context, id string) error {
	return deletePlan(ctx, s.db, id)
}

func (s *SQLiteStore) ListPlans(ctx context.Context, opts ListOptions) ([]domain.PlanRecord, error) {
	return listPlans(ctx, s.db, opts)
}

func (s *SQLiteStore) ListExpansions(ctx context.Context, sourceID string, opts ListOptions) ([]domain.PlanRecord, error) {
	return listExpansions(ctx, s.db, sourceID, opts)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return dbError("WithTx", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return dbError("WithTx", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return dbError("WithTx", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) CreatePlan(ctx context.Context, record *domain.PlanRecord) error {
	return createPlan(ctx, s.tx, record)
}

func (s *txSQLiteStore) GetPlan(ctx context.Context, id string) (*domain.PlanRecord, error) {
	return getPlan(ctx, s.tx, id)
}

func (s *txSQLiteStore) DeletePlan(ctx context.Context, id string) error {
	return deletePlan(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListPlans(ctx context.Context, opts ListOptions) ([]domain.PlanRecord, error) {
	return listPlans(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListExpansions(ctx context.Context, sourceID string, opts ListOptions) ([]domain.PlanRecord, error) {
	return listExpansions(ctx, s.tx, sourceID, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	return nil
}

// =============================================================================
// Plan Operations
// =============================================================================

// planRow represents a plan row in the database.
type planRow struct {
	ID        string  `db:"id"`
	Name      string  `db:"name"`
	Kind      string  `db:"kind"`
	SourceID  *string `db:"source_id"`
	Location  string  `db:"location"`
	NodeCount int     `db:"node_count"`
	Plan      string  `db:"plan"`
	CreatedAt string  `db:"created_at"`
}

func createPlan(ctx context.Context, exec executor, record *domain.PlanRecord) error {
	if err := record.Validate(); err != nil {
		return planError("CreatePlan", record.ID, err.Error(), ErrInvalidData)
	}

	planJSON, err := json.Marshal(record.Plan)
	if err != nil {
		return planError("CreatePlan", record.ID, "failed to serialize plan", ErrInvalidData)
	}

	var sourceID *string
	if record.SourceID != "" {
		sourceID = &record.SourceID
	}

	query := `
		INSERT INTO plans (
			id, name, kind, source_id, location, node_count, plan, created_at
		) VALUES (
			:id, :name, :kind, :source_id, :location, :node_count, :plan, :created_at
		)`

	row := map[string]any{
		"id":         record.ID,
		"name":       record.Name,
		"kind":       string(record.Kind),
		"source_id":  sourceID,
		"location":   record.Location,
		"node_count": record.NodeCount(),
		"plan":       string(planJSON),
		"created_at": record.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	_, err = exec.NamedExecContext(ctx, query, row)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: plans.id") {
			return planError("CreatePlan", record.ID, "plan with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return planError("CreatePlan", record.ID, "source plan does not exist", ErrForeignKey)
		}
		return planError("CreatePlan", record.ID, err.Error(), err)
	}

	return nil
}

func getPlan(ctx context.Context, exec executor, id string) (*domain.PlanRecord, error) {
	query := `SELECT * FROM plans WHERE id = ?`

	var row planRow
	err := exec.GetContext(ctx, &row, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, planError("GetPlan", id, "plan not found", ErrNotFound)
		}
		return nil, planError("GetPlan", id, err.Error(), err)
	}

	return rowToPlan(&row)
}

func deletePlan(ctx context.Context, exec executor, id string) error {
	query := `DELETE FROM plans WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, id)
	if err != nil {
		return planError("DeletePlan", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return planError("DeletePlan", id, "plan not found", ErrNotFound)
	}

	return nil
}

func listPlans(ctx context.Context, exec executor, opts ListOptions) ([]domain.PlanRecord, error) {
	opts = opts.Normalize()

	var rows []planRow
	var err error
	if opts.Kind != "" {
		query := `SELECT * FROM plans WHERE kind = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
		err = exec.SelectContext(ctx, &rows, query, string(opts.Kind), opts.Limit, opts.Offset)
	} else {
		query := `SELECT * FROM plans ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
		err = exec.SelectContext(ctx, &rows, query, opts.Limit, opts.Offset)
	}
	if err != nil {
		return nil, dbError("ListPlans", err.Error(), err)
	}

	return rowsToPlans(rows)
}

func listExpansions(ctx context.Context, exec executor, sourceID string, opts ListOptions) ([]domain.PlanRecord, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM plans WHERE source_id = ? ORDER BY created_at DESC, id LIMIT ? OFFSET ?`

	var rows []planRow
	err := exec.SelectContext(ctx, &rows, query, sourceID, opts.Limit, opts.Offset)
	if err != nil {
		return nil, planError("ListExpansions", sourceID, err.Error(), err)
	}

	return rowsToPlans(rows)
}

func rowsToPlans(rows []planRow) ([]domain.PlanRecord, error) {
	records := make([]domain.PlanRecord, 0, len(rows))
	for _, row := range rows {
		record, err := rowToPlan(&row)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

func rowToPlan(row *planRow) (*domain.PlanRecord, error) {
	createdAt, _ := time.Parse(time.RFC3339Nano, row.CreatedAt)

	var plan dsl.Plan
	if err := json.Unmarshal([]byte(row.Plan), &plan); err != nil {
		return nil, planError("rowToPlan", row.ID, "failed to parse plan", ErrInvalidData)
	}

	record := &domain.PlanRecord{
		ID:        row.ID,
		Name:      row.Name,
		Kind:      domain.PlanKind(row.Kind),
		Location:  row.Location,
		Plan:      &plan,
		CreatedAt: createdAt,
	}
	if row.SourceID != nil {
		record.SourceID = *row.SourceID
	}
	return record, nil
}
