package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/automatetrade/execution-engine/internal/model"
)

const (
	kindLedger = "ledger"
	kindOrder  = "order"
)

// SQLiteStore implements Store as JSON documents in a single-file SQLite
// database. Suitable for a single engine instance without PostgreSQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path with WAL enabled.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			kind       TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (kind, key)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveLedger(ctx context.Context, st *model.LedgerState) error {
	return s.put(ctx, kindLedger, st.AccountID, st, st.UpdatedAt)
}

func (s *SQLiteStore) LoadLedger(ctx context.Context, accountID string) (*model.LedgerState, error) {
	var st model.LedgerState
	if err := s.get(ctx, kindLedger, accountID, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLiteStore) SaveOrder(ctx context.Context, rec *model.OrderRecord) error {
	return s.put(ctx, kindOrder, rec.ID, rec, rec.CreatedAt)
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*model.OrderRecord, error) {
	var rec model.OrderRecord
	if err := s.get(ctx, kindOrder, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) ListOrders(ctx context.Context) ([]model.OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT value FROM documents WHERE kind = ? ORDER BY created_at, key", kindOrder)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []model.OrderRecord
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		var rec model.OrderRecord
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		orders = append(orders, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortOrders(orders)
	return orders, nil
}

// put upserts a document. created is only written on first insert.
func (s *SQLiteStore) put(ctx context.Context, kind, key string, v any, created time.Time) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s %s: %w", kind, key, err)
	}
	now := time.Now().UnixNano()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (kind, key, value, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(kind, key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		kind, key, string(value), created.UnixNano(), now,
	)
	if err != nil {
		return fmt.Errorf("save %s %s: %w", kind, key, err)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, kind, key string, v any) error {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM documents WHERE kind = ? AND key = ?", kind, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load %s %s: %w", kind, key, err)
	}
	if err := json.Unmarshal([]byte(value), v); err != nil {
		return fmt.Errorf("decode %s %s: %w", kind, key, err)
	}
	return nil
}
