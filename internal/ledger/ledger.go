// Package ledger applies trading decisions to a virtual portfolio.
//
// Apply is the only code path that changes cash or holdings. Each call is
// one optimistic read-modify-write: load the portfolio, apply SELLs then
// BUYs, revalue, and commit the portfolio, trades and one snapshot
// together. A concurrent writer causes the whole batch to be replayed
// against a fresh read.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/atmx/paper-trader/internal/metrics"
	"github.com/atmx/paper-trader/internal/model"
	"github.com/atmx/paper-trader/internal/store"
	"github.com/atmx/paper-trader/internal/telemetry"
)

// AmountScale is the number of decimal places kept on quantities and totals.
const AmountScale int32 = 8

// DefaultMaxAttempts bounds conflict retries for one Apply.
const DefaultMaxAttempts = 5

var (
	// ErrInvalidDecision marks a decision rejected before touching the ledger.
	ErrInvalidDecision = errors.New("ledger: invalid decision")

	// ErrRetriesExhausted is returned when every attempt hit a conflict.
	ErrRetriesExhausted = errors.New("ledger: conflict retries exhausted")

	// ErrInvalidBalance is returned for a non-positive initial balance.
	ErrInvalidBalance = errors.New("ledger: initial balance must be positive")

	// ErrPortfolioNotFound is returned when the user has no portfolio.
	ErrPortfolioNotFound = errors.New("ledger: portfolio not found")
)

// Reasons a valid decision can still be rejected during apply.
const (
	RejectNoPosition     = "no open position"
	RejectExceedsHolding = "amount exceeds holding"
	RejectPositionOpen   = "position already open"
	RejectInsufficient   = "insufficient cash"
	RejectTooSmall       = "notional too small"
)

// Config controls retries and the default starting balance.
type Config struct {
	MaxAttempts    int
	InitialBalance decimal.Decimal
}

// Rejection is a decision that produced no trade.
type Rejection struct {
	Decision model.Decision `json:"decision"`
	Reason   string         `json:"reason"`
	Err      error          `json:"-"`
}

// Result is the committed outcome of one Apply.
type Result struct {
	Portfolio *model.Portfolio `json:"portfolio"`
	Trades    []model.Trade    `json:"trades"`
	Snapshot  model.Snapshot   `json:"snapshot"`
	Rejected  []Rejection      `json:"rejected"`
	Attempts  int              `json:"attempts"`
}

// Transactor owns all portfolio mutation.
type Transactor struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates a transactor over st.
func New(st store.Store, cfg Config, logger *slog.Logger) *Transactor {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transactor{
		store:  st,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// Get returns the stored portfolio for userID.
func (t *Transactor) Get(ctx context.Context, userID string) (*model.Portfolio, error) {
	p, err := t.store.GetPortfolio(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPortfolioNotFound, userID)
	}
	return p, err
}

// Open returns the user's portfolio, creating it with the configured
// initial balance when absent.
func (t *Transactor) Open(ctx context.Context, userID string) (*model.Portfolio, error) {
	p, err := t.store.GetPortfolio(ctx, userID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if !t.cfg.InitialBalance.IsPositive() {
		return nil, ErrInvalidBalance
	}

	p = t.seed(userID, t.cfg.InitialBalance)
	switch err := t.store.CreatePortfolio(ctx, p); {
	case err == nil:
		t.logger.Info("portfolio created", "user", userID, "initial_balance", p.InitialBalance.String())
		return p, nil
	case errors.Is(err, store.ErrExists):
		return t.store.GetPortfolio(ctx, userID)
	default:
		return nil, err
	}
}

// Reset deletes the user's portfolio, trades and history, then re-seeds
// the portfolio with initial.
func (t *Transactor) Reset(ctx context.Context, userID string, initial decimal.Decimal) (*model.Portfolio, error) {
	if !initial.IsPositive() {
		return nil, ErrInvalidBalance
	}
	p := t.seed(userID, initial)
	if err := t.store.ResetPortfolio(ctx, p); err != nil {
		return nil, fmt.Errorf("reset portfolio %s: %w", userID, err)
	}
	metrics.PortfolioValue.WithLabelValues(userID).Set(p.TotalValue.InexactFloat64())
	t.logger.Info("portfolio reset", "user", userID, "initial_balance", initial.String())
	return p, nil
}

func (t *Transactor) seed(userID string, initial decimal.Decimal) *model.Portfolio {
	return &model.Portfolio{
		UserID:         userID,
		CashBalance:    initial,
		Holdings:       make(map[string]model.Holding),
		InitialBalance: initial,
		TotalValue:     initial,
		LastUpdated:    t.now(),
	}
}

// Apply executes decisions for userID as one atomic state transition.
// HOLD and SKIP decisions only contribute their price to valuation.
func (t *Transactor) Apply(ctx context.Context, userID string, decisions []model.Decision) (res *Result, err error) {
	ctx, span := telemetry.StartSpan(ctx, "ledger.Apply",
		attribute.String("user", userID),
		attribute.Int("decisions", len(decisions)),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	valid, invalid := t.validate(decisions)

	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		res, err = t.applyOnce(ctx, userID, valid)
		if err == nil {
			res.Attempts = attempt
			res.Rejected = append(invalid, res.Rejected...)
			t.record(userID, res)
			return res, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		metrics.LedgerConflicts.Inc()
		t.logger.Warn("ledger conflict, retrying", "user", userID, "attempt", attempt)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, t.cfg.MaxAttempts)
}

// validate drops malformed decisions. The rest keep their order.
func (t *Transactor) validate(decisions []model.Decision) ([]model.Decision, []Rejection) {
	var valid []model.Decision
	var invalid []Rejection
	for _, d := range decisions {
		reason := ""
		switch {
		case d.Asset == "":
			reason = "empty asset"
		case d.Action != model.ActionBuy && d.Action != model.ActionSell &&
			d.Action != model.ActionHold && d.Action != model.ActionSkip:
			reason = fmt.Sprintf("unknown action %q", d.Action)
		case d.Price.IsNegative():
			reason = "negative price"
		case (d.Action == model.ActionBuy || d.Action == model.ActionSell) && !d.Price.IsPositive():
			reason = "non-positive price"
		case d.Amount.IsNegative():
			reason = "negative amount"
		case d.Notional.IsNegative():
			reason = "negative notional"
		case d.Action == model.ActionBuy && !d.Notional.IsPositive():
			reason = "buy without notional"
		}
		if reason == "" {
			valid = append(valid, d)
			continue
		}
		metrics.DecisionsRejected.Inc()
		t.logger.Warn("decision dropped", "asset", d.Asset, "action", d.Action, "reason", reason)
		invalid = append(invalid, Rejection{
			Decision: d,
			Reason:   reason,
			Err:      fmt.Errorf("%w: %s", ErrInvalidDecision, reason),
		})
	}
	return valid, invalid
}

func (t *Transactor) applyOnce(ctx context.Context, userID string, decisions []model.Decision) (*Result, error) {
	tx, err := t.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := tx.GetPortfolio(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPortfolioNotFound, userID)
	}
	if err != nil {
		return nil, err
	}

	p := current.Clone()
	now := t.now()
	res := &Result{}
	prices := make(map[string]decimal.Decimal)

	for _, d := range decisions {
		if d.Price.IsPositive() {
			prices[d.Asset] = d.Price
		}
	}

	// SELLs first so their proceeds can fund BUYs in the same batch.
	for _, d := range decisions {
		if d.Action != model.ActionSell {
			continue
		}
		h, ok := p.Holdings[d.Asset]
		if !ok || !h.Amount.IsPositive() {
			res.Rejected = append(res.Rejected, Rejection{Decision: d, Reason: RejectNoPosition})
			continue
		}
		amount := d.Amount
		if amount.IsZero() {
			amount = h.Amount
		}
		if amount.GreaterThan(h.Amount) {
			res.Rejected = append(res.Rejected, Rejection{Decision: d, Reason: RejectExceedsHolding})
			continue
		}

		proceeds := amount.Mul(d.Price).Round(AmountScale)
		p.CashBalance = p.CashBalance.Add(proceeds)
		h.Amount = h.Amount.Sub(amount)
		if h.Amount.IsZero() {
			delete(p.Holdings, d.Asset)
		} else {
			p.Holdings[d.Asset] = h
		}
		res.Trades = append(res.Trades, t.trade(userID, d, model.SideSell, amount, proceeds, now))
	}

	// BUYs in supplied order against the cash left after SELLs.
	for _, d := range decisions {
		if d.Action != model.ActionBuy {
			continue
		}
		if h, ok := p.Holdings[d.Asset]; ok && h.Amount.IsPositive() {
			res.Rejected = append(res.Rejected, Rejection{Decision: d, Reason: RejectPositionOpen})
			continue
		}
		if d.Notional.GreaterThan(p.CashBalance) {
			res.Rejected = append(res.Rejected, Rejection{Decision: d, Reason: RejectInsufficient})
			continue
		}
		amount := d.Notional.Div(d.Price).RoundDown(AmountScale)
		if !amount.IsPositive() {
			res.Rejected = append(res.Rejected, Rejection{Decision: d, Reason: RejectTooSmall})
			continue
		}

		p.CashBalance = p.CashBalance.Sub(d.Notional)
		p.Holdings[d.Asset] = model.Holding{
			Asset:       d.Asset,
			Amount:      amount,
			AverageCost: d.Price,
			OpenedAt:    now,
		}
		res.Trades = append(res.Trades, t.trade(userID, d, model.SideBuy, amount, d.Notional, now))
	}

	v := Valuate(p, prices)
	p.TotalValue = v.TotalValue
	p.LastUpdated = now

	res.Snapshot = model.Snapshot{
		ID:            t.newID(),
		UserID:        userID,
		TotalValue:    v.TotalValue,
		CashBalance:   p.CashBalance,
		HoldingsValue: v.HoldingsValue,
		PnL:           v.TotalValue.Sub(p.InitialBalance),
		CreatedAt:     now,
	}

	tx.UpdatePortfolio(p)
	for _, tr := range res.Trades {
		tx.AppendTrade(tr)
	}
	tx.AppendSnapshot(res.Snapshot)
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	res.Portfolio = p
	return res, nil
}

func (t *Transactor) trade(userID string, d model.Decision, side model.Side, amount, total decimal.Decimal, at time.Time) model.Trade {
	return model.Trade{
		ID:        t.newID(),
		UserID:    userID,
		Asset:     d.Asset,
		Side:      side,
		Amount:    amount,
		Price:     d.Price,
		Total:     total,
		Reason:    d.Reason,
		CreatedAt: at,
	}
}

func (t *Transactor) record(userID string, res *Result) {
	for _, tr := range res.Trades {
		metrics.TradesTotal.WithLabelValues(string(tr.Side)).Inc()
		t.logger.Info("trade executed",
			"trade_id", tr.ID,
			"user", userID,
			"asset", tr.Asset,
			"side", tr.Side,
			"amount", tr.Amount.String(),
			"price", tr.Price.String(),
			"total", tr.Total.String(),
		)
	}
	metrics.PortfolioValue.WithLabelValues(userID).Set(res.Snapshot.TotalValue.InexactFloat64())
}

// Valuation is the result of revaluing a portfolio.
type Valuation struct {
	HoldingsValue decimal.Decimal `json:"holdings_value"`
	TotalValue    decimal.Decimal `json:"total_value"`
}

// Valuate returns cash plus the value of every holding at prices, falling
// back to the holding's average cost for assets without a price.
func Valuate(p *model.Portfolio, prices map[string]decimal.Decimal) Valuation {
	holdings := decimal.Zero
	for asset, h := range p.Holdings {
		holdings = holdings.Add(h.Amount.Mul(priceFor(asset, h, prices)))
	}
	holdings = holdings.Round(AmountScale)
	return Valuation{
		HoldingsValue: holdings,
		TotalValue:    p.CashBalance.Add(holdings),
	}
}

func priceFor(asset string, h model.Holding, prices map[string]decimal.Decimal) decimal.Decimal {
	if px, ok := prices[asset]; ok && px.IsPositive() {
		return px
	}
	return h.AverageCost
}
