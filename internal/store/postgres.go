package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

// PostgresSchema creates the tables used by PostgresStore.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS portfolios (
	user_id         TEXT PRIMARY KEY,
	cash_balance    NUMERIC NOT NULL CHECK (cash_balance >= 0),
	holdings        JSONB NOT NULL DEFAULT '{}'::JSONB,
	initial_balance NUMERIC NOT NULL CHECK (initial_balance > 0),
	total_value     NUMERIC NOT NULL,
	version         BIGINT NOT NULL,
	last_updated    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id         TEXT PRIMARY KEY,
	seq        BIGSERIAL,
	user_id    TEXT NOT NULL,
	asset      TEXT NOT NULL,
	side       TEXT NOT NULL,
	amount     NUMERIC NOT NULL,
	price      NUMERIC NOT NULL,
	total      NUMERIC NOT NULL,
	reason     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_user_created ON trades (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS snapshots (
	id             TEXT PRIMARY KEY,
	seq            BIGSERIAL,
	user_id        TEXT NOT NULL,
	total_value    NUMERIC NOT NULL,
	cash_balance   NUMERIC NOT NULL,
	holdings_value NUMERIC NOT NULL,
	pnl            NUMERIC NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_user_created ON snapshots (user_id, created_at DESC);
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

// Migrate creates missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Begin(_ context.Context) (Tx, error) {
	return newBufferedTx(s), nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var p model.Portfolio
	var cash, initial, total string
	var holdings []byte

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, cash_balance::TEXT, holdings, initial_balance::TEXT,
		        total_value::TEXT, version, last_updated
		 FROM portfolios WHERE user_id = $1`, userID).
		Scan(&p.UserID, &cash, &holdings, &initial, &total, &p.Version, &p.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}

	p.CashBalance, _ = decimal.NewFromString(cash)
	p.InitialBalance, _ = decimal.NewFromString(initial)
	p.TotalValue, _ = decimal.NewFromString(total)
	if err := decodeHoldings(holdings, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	holdings, err := encodeHoldings(p)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO portfolios (user_id, cash_balance, holdings, initial_balance, total_value, version, last_updated)
		 VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC, $5::NUMERIC, 1, $6)
		 ON CONFLICT (user_id) DO NOTHING`,
		p.UserID, p.CashBalance.String(), holdings, p.InitialBalance.String(),
		p.TotalValue.String(), p.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("create portfolio %s: %w", p.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrExists
	}
	p.Version = 1
	return nil
}

func (s *PostgresStore) commit(ctx context.Context, ws *writeSet) error {
	p := ws.portfolio
	holdings, err := encodeHoldings(p)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE portfolios
		 SET cash_balance = $2::NUMERIC, holdings = $3, total_value = $4::NUMERIC,
		     version = version + 1, last_updated = $5
		 WHERE user_id = $1 AND version = $6`,
		p.UserID, p.CashBalance.String(), holdings, p.TotalValue.String(), p.LastUpdated, p.Version,
	)
	if err != nil {
		return fmt.Errorf("update portfolio %s: %w", p.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	for _, t := range ws.trades {
		if _, err := tx.Exec(ctx,
			`INSERT INTO trades (id, user_id, asset, side, amount, price, total, reason, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
			t.ID, t.UserID, t.Asset, string(t.Side),
			t.Amount.String(), t.Price.String(), t.Total.String(),
			t.Reason, t.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}
	for _, sn := range ws.snapshots {
		if _, err := tx.Exec(ctx,
			`INSERT INTO snapshots (id, user_id, total_value, cash_balance, holdings_value, pnl, created_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
			sn.ID, sn.UserID, sn.TotalValue.String(), sn.CashBalance.String(),
			sn.HoldingsValue.String(), sn.PnL.String(), sn.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert snapshot %s: %w", sn.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, asset, side, amount::TEXT, price::TEXT, total::TEXT, reason, created_at
		 FROM trades WHERE user_id = $1
		 ORDER BY created_at DESC, seq DESC
		 LIMIT NULLIF($2, 0)`, userID, max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, userID string, limit int) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, total_value::TEXT, cash_balance::TEXT, holdings_value::TEXT, pnl::TEXT, created_at
		 FROM snapshots WHERE user_id = $1
		 ORDER BY created_at DESC, seq DESC
		 LIMIT NULLIF($2, 0)`, userID, max(limit, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSnapshots(rows)
}

func (s *PostgresStore) ResetPortfolio(ctx context.Context, p *model.Portfolio) error {
	holdings, err := encodeHoldings(p)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// The upsert takes the row lock first so an in-flight commit either
	// finishes before the deletes or fails its version check after them.
	var version int64
	err = tx.QueryRow(ctx,
		`INSERT INTO portfolios (user_id, cash_balance, holdings, initial_balance, total_value, version, last_updated)
		 VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC, $5::NUMERIC, 1, $6)
		 ON CONFLICT (user_id) DO UPDATE
		 SET cash_balance = EXCLUDED.cash_balance, holdings = EXCLUDED.holdings,
		     initial_balance = EXCLUDED.initial_balance, total_value = EXCLUDED.total_value,
		     version = portfolios.version + 1, last_updated = EXCLUDED.last_updated
		 RETURNING version`,
		p.UserID, p.CashBalance.String(), holdings, p.InitialBalance.String(),
		p.TotalValue.String(), p.LastUpdated,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("reset portfolio %s: %w", p.UserID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM trades WHERE user_id = $1`, p.UserID); err != nil {
		return fmt.Errorf("delete trades: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM snapshots WHERE user_id = $1`, p.UserID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	p.Version = version
	return nil
}

// rowScanner is the subset of pgx.Rows and *sql.Rows used by the scanners.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTrades(rows rowScanner) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, amount, price, total string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Asset, &side,
			&amount, &price, &total, &t.Reason, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Amount, _ = decimal.NewFromString(amount)
		t.Price, _ = decimal.NewFromString(price)
		t.Total, _ = decimal.NewFromString(total)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanSnapshots(rows rowScanner) ([]model.Snapshot, error) {
	var snaps []model.Snapshot
	for rows.Next() {
		var sn model.Snapshot
		var total, cash, holdings, pnl string
		if err := rows.Scan(&sn.ID, &sn.UserID, &total, &cash, &holdings, &pnl, &sn.CreatedAt); err != nil {
			return nil, err
		}
		sn.TotalValue, _ = decimal.NewFromString(total)
		sn.CashBalance, _ = decimal.NewFromString(cash)
		sn.HoldingsValue, _ = decimal.NewFromString(holdings)
		sn.PnL, _ = decimal.NewFromString(pnl)
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}

func encodeHoldings(p *model.Portfolio) ([]byte, error) {
	h := p.Holdings
	if h == nil {
		h = map[string]model.Holding{}
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode holdings: %w", err)
	}
	return data, nil
}

func decodeHoldings(data []byte, p *model.Portfolio) error {
	p.Holdings = make(map[string]model.Holding)
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &p.Holdings); err != nil {
		return fmt.Errorf("decode holdings for %s: %w", p.UserID, err)
	}
	return nil
}
