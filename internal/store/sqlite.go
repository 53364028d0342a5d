package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/paper-trader/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Decimals are kept
// as TEXT and timestamps as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and runs
// migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS portfolios (
			user_id         TEXT PRIMARY KEY,
			cash_balance    TEXT NOT NULL,
			holdings        TEXT NOT NULL DEFAULT '{}',
			initial_balance TEXT NOT NULL,
			total_value     TEXT NOT NULL,
			version         INTEGER NOT NULL,
			last_updated    INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			asset      TEXT NOT NULL,
			side       TEXT NOT NULL,
			amount     TEXT NOT NULL,
			price      TEXT NOT NULL,
			total      TEXT NOT NULL,
			reason     TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_created ON trades(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id             TEXT PRIMARY KEY,
			user_id        TEXT NOT NULL,
			total_value    TEXT NOT NULL,
			cash_balance   TEXT NOT NULL,
			holdings_value TEXT NOT NULL,
			pnl            TEXT NOT NULL,
			created_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_user_created ON snapshots(user_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

func (s *SQLiteStore) Begin(_ context.Context) (Tx, error) {
	return newBufferedTx(s), nil
}

func (s *SQLiteStore) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	var p model.Portfolio
	var cash, initial, total, holdings string
	var updated int64

	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, cash_balance, holdings, initial_balance, total_value, version, last_updated
		 FROM portfolios WHERE user_id = ?`, userID).
		Scan(&p.UserID, &cash, &holdings, &initial, &total, &p.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio %s: %w", userID, err)
	}

	p.CashBalance, _ = decimal.NewFromString(cash)
	p.InitialBalance, _ = decimal.NewFromString(initial)
	p.TotalValue, _ = decimal.NewFromString(total)
	p.LastUpdated = time.Unix(0, updated).UTC()
	if err := decodeHoldings([]byte(holdings), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	holdings, err := encodeHoldings(p)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO portfolios (user_id, cash_balance, holdings, initial_balance, total_value, version, last_updated)
		 VALUES (?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		p.UserID, p.CashBalance.String(), string(holdings), p.InitialBalance.String(),
		p.TotalValue.String(), p.LastUpdated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create portfolio %s: %w", p.UserID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	p.Version = 1
	return nil
}

func (s *SQLiteStore) commit(ctx context.Context, ws *writeSet) error {
	p := ws.portfolio
	holdings, err := encodeHoldings(p)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE portfolios
		 SET cash_balance = ?, holdings = ?, total_value = ?, version = version + 1, last_updated = ?
		 WHERE user_id = ? AND version = ?`,
		p.CashBalance.String(), string(holdings), p.TotalValue.String(), p.LastUpdated.UnixNano(),
		p.UserID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("update portfolio %s: %w", p.UserID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}

	for _, t := range ws.trades {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trades (id, user_id, asset, side, amount, price, total, reason, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.UserID, t.Asset, string(t.Side),
			t.Amount.String(), t.Price.String(), t.Total.String(),
			t.Reason, t.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert trade %s: %w", t.ID, err)
		}
	}
	for _, sn := range ws.snapshots {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (id, user_id, total_value, cash_balance, holdings_value, pnl, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sn.ID, sn.UserID, sn.TotalValue.String(), sn.CashBalance.String(),
			sn.HoldingsValue.String(), sn.PnL.String(), sn.CreatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("insert snapshot %s: %w", sn.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, asset, side, amount, price, total, reason, created_at
		 FROM trades WHERE user_id = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`, userID, sqliteLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(unixRows{rows, 8})
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, userID string, limit int) ([]model.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, total_value, cash_balance, holdings_value, pnl, created_at
		 FROM snapshots WHERE user_id = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`, userID, sqliteLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSnapshots(unixRows{rows, 6})
}

func (s *SQLiteStore) ResetPortfolio(ctx context.Context, p *model.Portfolio) error {
	holdings, err := encodeHoldings(p)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM trades WHERE user_id = ?`, p.UserID); err != nil {
		return fmt.Errorf("delete trades: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE user_id = ?`, p.UserID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}

	var version int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO portfolios (user_id, cash_balance, holdings, initial_balance, total_value, version, last_updated)
		 VALUES (?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT (user_id) DO UPDATE
		 SET cash_balance = excluded.cash_balance, holdings = excluded.holdings,
		     initial_balance = excluded.initial_balance, total_value = excluded.total_value,
		     version = portfolios.version + 1, last_updated = excluded.last_updated
		 RETURNING version`,
		p.UserID, p.CashBalance.String(), string(holdings), p.InitialBalance.String(),
		p.TotalValue.String(), p.LastUpdated.UnixNano(),
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("reset portfolio %s: %w", p.UserID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	p.Version = version
	return nil
}

// sqliteLimit maps "no limit" to SQLite's -1.
func sqliteLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// unixRows converts the unix-nanosecond column at index ts into the
// *time.Time destination the shared scanners pass.
type unixRows struct {
	*sql.Rows
	ts int
}

func (r unixRows) Scan(dest ...any) error {
	tp, ok := dest[r.ts].(*time.Time)
	if !ok {
		return r.Rows.Scan(dest...)
	}
	var nanos int64
	dest[r.ts] = &nanos
	if err := r.Rows.Scan(dest...); err != nil {
		return err
	}
	*tp = time.Unix(0, nanos).UTC()
	return nil
}
