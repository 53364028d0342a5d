// Package store defines the persistence contract for portfolios, trades,
// and valuation history. Implementations include PostgreSQL, SQLite,
// in-memory (for testing), and a Redis read-through cache wrapper.
//
// Every write to a portfolio goes through a Tx. Commit is conditional on
// the version read: a concurrent writer makes it fail with ErrConflict and
// nothing in the transaction becomes visible.
package store

import (
	"context"
	"errors"

	"github.com/atmx/paper-trader/internal/model"
)

var (
	// ErrNotFound is returned when no portfolio exists for the user.
	ErrNotFound = errors.New("store: portfolio not found")

	// ErrExists is returned by CreatePortfolio for an existing user.
	ErrExists = errors.New("store: portfolio already exists")

	// ErrConflict is returned by Commit when the portfolio changed since
	// it was read.
	ErrConflict = errors.New("store: concurrent portfolio update")

	// ErrTxDone is returned when a committed or rolled back Tx is reused.
	ErrTxDone = errors.New("store: transaction already finished")
)

// Store is the persistence interface.
type Store interface {
	// Begin starts a read-modify-write transaction.
	Begin(ctx context.Context) (Tx, error)

	// GetPortfolio returns the current portfolio for userID.
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)

	// CreatePortfolio inserts p with version 1.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error

	// ListTrades returns a user's trades, newest first. limit <= 0 means all.
	ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error)

	// ListSnapshots returns a user's valuation history, newest first.
	ListSnapshots(ctx context.Context, userID string, limit int) ([]model.Snapshot, error)

	// ResetPortfolio deletes the user's trades and history and replaces the
	// portfolio with p. p.Version is set to the stored version.
	ResetPortfolio(ctx context.Context, p *model.Portfolio) error
}

// Tx buffers writes until Commit.
type Tx interface {
	// GetPortfolio reads the portfolio; its Version is the commit precondition.
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)

	// UpdatePortfolio stages p. Commit succeeds only if the stored version
	// still equals p.Version, and bumps p.Version on success.
	UpdatePortfolio(p *model.Portfolio)

	// AppendTrade stages an immutable trade record.
	AppendTrade(t model.Trade)

	// AppendSnapshot stages a valuation snapshot.
	AppendSnapshot(s model.Snapshot)

	// Commit writes everything staged atomically.
	Commit(ctx context.Context) error

	// Rollback discards staged writes. Safe after Commit.
	Rollback()
}

// writeSet is what a Tx stages for one commit.
type writeSet struct {
	portfolio *model.Portfolio
	trades    []model.Trade
	snapshots []model.Snapshot
}

// backend is implemented by each concrete store to share bufferedTx.
type backend interface {
	GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error)
	commit(ctx context.Context, ws *writeSet) error
}

type bufferedTx struct {
	b    backend
	ws   writeSet
	done bool
}

func newBufferedTx(b backend) *bufferedTx {
	return &bufferedTx{b: b}
}

func (t *bufferedTx) GetPortfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if t.done {
		return nil, ErrTxDone
	}
	return t.b.GetPortfolio(ctx, userID)
}

func (t *bufferedTx) UpdatePortfolio(p *model.Portfolio) { t.ws.portfolio = p }

func (t *bufferedTx) AppendTrade(tr model.Trade) { t.ws.trades = append(t.ws.trades, tr) }

func (t *bufferedTx) AppendSnapshot(s model.Snapshot) { t.ws.snapshots = append(t.ws.snapshots, s) }

func (t *bufferedTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	if t.ws.portfolio == nil {
		if len(t.ws.trades) > 0 || len(t.ws.snapshots) > 0 {
			return errors.New("store: trades and snapshots require a portfolio update")
		}
		return nil
	}
	if err := t.b.commit(ctx, &t.ws); err != nil {
		return err
	}
	t.ws.portfolio.Version++
	return nil
}

func (t *bufferedTx) Rollback() {
	t.done = true
	t.ws = writeSet{}
}
