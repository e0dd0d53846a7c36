package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/automatetrade/execution-engine/internal/model"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
	account_id     TEXT PRIMARY KEY,
	cash           NUMERIC NOT NULL,
	realized_pnl   NUMERIC NOT NULL,
	cash_holds     JSONB NOT NULL DEFAULT '{}',
	position_holds JSONB NOT NULL DEFAULT '{}',
	applied_fills  JSONB NOT NULL DEFAULT '{}',
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	account_id      TEXT NOT NULL REFERENCES ledger_accounts(account_id),
	symbol          TEXT NOT NULL,
	quantity        BIGINT NOT NULL,
	avg_entry_price NUMERIC NOT NULL,
	stop_price      NUMERIC,
	high_water_mark NUMERIC,
	entry_time      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS order_records (
	id               TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	intent           JSONB NOT NULL,
	broker_order_id  TEXT NOT NULL DEFAULT '',
	state            TEXT NOT NULL,
	filled_qty       BIGINT NOT NULL DEFAULT 0,
	avg_fill_price   NUMERIC NOT NULL DEFAULT 0,
	next_fill_seq    BIGINT NOT NULL DEFAULT 1,
	submit_attempts  INT NOT NULL DEFAULT 0,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	unreconciled     BOOLEAN NOT NULL DEFAULT FALSE,
	reconciled_qty   BIGINT NOT NULL DEFAULT 0,
	note             TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

ALTER TABLE order_records ADD COLUMN IF NOT EXISTS reconciled_qty BIGINT NOT NULL DEFAULT 0;

CREATE INDEX IF NOT EXISTS order_records_symbol_idx ON order_records (symbol, state);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// SaveLedger replaces the account row and its positions in one transaction.
func (s *PostgresStore) SaveLedger(ctx context.Context, st *model.LedgerState) error {
	cashHolds, err := json.Marshal(st.CashHolds)
	if err != nil {
		return err
	}
	posHolds, err := json.Marshal(st.PositionHolds)
	if err != nil {
		return err
	}
	fills, err := json.Marshal(st.AppliedFills)
	if err != nil {
		return err
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO ledger_accounts (account_id, cash, realized_pnl, cash_holds, position_holds, applied_fills, updated_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7)
			 ON CONFLICT (account_id) DO UPDATE
			 SET cash = EXCLUDED.cash, realized_pnl = EXCLUDED.realized_pnl,
			     cash_holds = EXCLUDED.cash_holds, position_holds = EXCLUDED.position_holds,
			     applied_fills = EXCLUDED.applied_fills, updated_at = EXCLUDED.updated_at`,
			st.AccountID, st.Cash.String(), st.RealizedPnL.String(),
			cashHolds, posHolds, fills, st.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert account %s: %w", st.AccountID, err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM positions WHERE account_id = $1`, st.AccountID); err != nil {
			return fmt.Errorf("clear positions: %w", err)
		}
		for _, p := range st.Positions {
			_, err := tx.Exec(ctx,
				`INSERT INTO positions (account_id, symbol, quantity, avg_entry_price, stop_price, high_water_mark, entry_time)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
				st.AccountID, p.Symbol, p.Quantity, p.AvgEntryPrice.String(),
				nullableDecimal(p.StopPrice), nullableDecimal(p.HighWaterMark), p.EntryTime,
			)
			if err != nil {
				return fmt.Errorf("insert position %s: %w", p.Symbol, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) LoadLedger(ctx context.Context, accountID string) (*model.LedgerState, error) {
	st := model.LedgerState{AccountID: accountID}
	var cash, realized string
	var cashHolds, posHolds, fills []byte

	err := s.pool.QueryRow(ctx,
		`SELECT cash::TEXT, realized_pnl::TEXT, cash_holds, position_holds, applied_fills, updated_at
		 FROM ledger_accounts WHERE account_id = $1`, accountID).
		Scan(&cash, &realized, &cashHolds, &posHolds, &fills, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ledger %s: %w", accountID, err)
	}

	st.Cash, _ = decimal.NewFromString(cash)
	st.RealizedPnL, _ = decimal.NewFromString(realized)
	if err := json.Unmarshal(cashHolds, &st.CashHolds); err != nil {
		return nil, fmt.Errorf("decode cash holds: %w", err)
	}
	if err := json.Unmarshal(posHolds, &st.PositionHolds); err != nil {
		return nil, fmt.Errorf("decode position holds: %w", err)
	}
	if err := json.Unmarshal(fills, &st.AppliedFills); err != nil {
		return nil, fmt.Errorf("decode applied fills: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT symbol, quantity, avg_entry_price::TEXT, stop_price::TEXT, high_water_mark::TEXT, entry_time
		 FROM positions WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	st.Positions = make(map[string]model.Position)
	for rows.Next() {
		var p model.Position
		var avg string
		var stop, hwm *string
		if err := rows.Scan(&p.Symbol, &p.Quantity, &avg, &stop, &hwm, &p.EntryTime); err != nil {
			return nil, err
		}
		p.AvgEntryPrice, _ = decimal.NewFromString(avg)
		p.StopPrice = parseNullable(stop)
		p.HighWaterMark = parseNullable(hwm)
		st.Positions[p.Symbol] = p
	}
	return &st, rows.Err()
}

func (s *PostgresStore) SaveOrder(ctx context.Context, r *model.OrderRecord) error {
	intent, err := json.Marshal(r.Intent)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO order_records (id, symbol, side, intent, broker_order_id, state, filled_qty, avg_fill_price,
		                            next_fill_seq, submit_attempts, cancel_requested, unreconciled, reconciled_qty, note, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (id) DO UPDATE
		 SET broker_order_id = EXCLUDED.broker_order_id, state = EXCLUDED.state,
		     filled_qty = EXCLUDED.filled_qty, avg_fill_price = EXCLUDED.avg_fill_price,
		     next_fill_seq = EXCLUDED.next_fill_seq, submit_attempts = EXCLUDED.submit_attempts,
		     cancel_requested = EXCLUDED.cancel_requested, unreconciled = EXCLUDED.unreconciled,
		     reconciled_qty = EXCLUDED.reconciled_qty, note = EXCLUDED.note,
		     updated_at = EXCLUDED.updated_at`,
		r.ID, r.Symbol(), string(r.Intent.Side), intent, r.BrokerOrderID, string(r.State),
		r.FilledQty, r.AvgFillPrice.String(), r.NextFillSeq, r.SubmitAttempts,
		r.CancelRequested, r.Unreconciled, r.ReconciledQty, r.Note, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

const orderColumns = `id, intent, broker_order_id, state, filled_qty, avg_fill_price::TEXT,
		next_fill_seq, submit_attempts, cancel_requested, unreconciled, reconciled_qty, note, created_at, updated_at`

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.OrderRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM order_records WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	return &orders[0], nil
}

func (s *PostgresStore) ListOrders(ctx context.Context) ([]model.OrderRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orderColumns+` FROM order_records ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

// pgxRows is the subset of pgx.Rows used by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanOrders(rows pgxRows) ([]model.OrderRecord, error) {
	var orders []model.OrderRecord
	for rows.Next() {
		var r model.OrderRecord
		var intent []byte
		var state, avg string
		var created, updated time.Time

		if err := rows.Scan(&r.ID, &intent, &r.BrokerOrderID, &state, &r.FilledQty, &avg,
			&r.NextFillSeq, &r.SubmitAttempts, &r.CancelRequested, &r.Unreconciled, &r.ReconciledQty, &r.Note, &created, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(intent, &r.Intent); err != nil {
			return nil, fmt.Errorf("decode intent of %s: %w", r.ID, err)
		}
		r.State = model.OrderState(state)
		r.AvgFillPrice, _ = decimal.NewFromString(avg)
		r.CreatedAt = created.UTC()
		r.UpdatedAt = updated.UTC()
		orders = append(orders, r)
	}
	return orders, rows.Err()
}

func nullableDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseNullable(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
