// Package rules maps a verified price and a score to a trading decision.
//
// Score bands:
//   - [0, SellAtOrBelow]: bearish, close any open position
//   - (SellAtOrBelow, BuyAtOrAbove): neutral
//   - [BuyAtOrAbove, 100]: bullish, open a position if none is held
//
// Decide is pure. It never reads or writes the ledger.
package rules

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

// Decision reasons.
const (
	ReasonBearish        = "Bearish signal"
	ReasonBullish        = "Bullish signal"
	ReasonNeutral        = "Neutral signal"
	ReasonAlreadyHeld    = "Position already open"
	ReasonNothingToSell  = "Bearish signal with no position"
	ReasonLowCash        = "Insufficient cash"
	ReasonNoPrice        = "No verified price"
	ReasonHighDivergence = "Price sources diverge"
	ReasonBadScore       = "Score out of range"
)

// ErrInvalidThresholds is returned by Validate for overlapping bands.
var ErrInvalidThresholds = errors.New("rules: sell threshold must be below buy threshold")

// Config holds the rule thresholds.
type Config struct {
	// SellAtOrBelow is the highest score that still closes a position.
	SellAtOrBelow int

	// BuyAtOrAbove is the lowest score that opens a position.
	BuyAtOrAbove int

	// MinCash is the smallest available balance at which a BUY is issued.
	MinCash decimal.Decimal

	// MaxNotional caps the cash committed to a single BUY.
	MaxNotional decimal.Decimal

	// TradeOnHighDivergence allows trading on a three-way average whose
	// sources never agreed within tolerance.
	TradeOnHighDivergence bool
}

// DefaultConfig returns sell <= 45, buy >= 75, $10 minimum cash and a $50
// notional cap.
func DefaultConfig() Config {
	return Config{
		SellAtOrBelow:         45,
		BuyAtOrAbove:          75,
		MinCash:               decimal.NewFromInt(10),
		MaxNotional:           decimal.NewFromInt(50),
		TradeOnHighDivergence: true,
	}
}

// Validate checks band ordering and amounts.
func (c Config) Validate() error {
	if c.SellAtOrBelow >= c.BuyAtOrAbove {
		return ErrInvalidThresholds
	}
	if c.SellAtOrBelow < 0 || c.BuyAtOrAbove > 100 {
		return fmt.Errorf("rules: thresholds must lie within [0,100]")
	}
	if !c.MaxNotional.IsPositive() {
		return fmt.Errorf("rules: max notional must be positive")
	}
	if c.MinCash.IsNegative() {
		return fmt.Errorf("rules: min cash must not be negative")
	}
	return nil
}

// Engine applies a Config.
type Engine struct {
	cfg Config
}

// New creates a rule engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the engine's thresholds.
func (e *Engine) Config() Config { return e.cfg }

// Decide returns the action for asset. holding is nil when no position is
// open; price is nil when consensus failed this cycle.
func (e *Engine) Decide(asset string, holding *model.Holding, price *model.VerifiedPrice, score model.Score, availableCash decimal.Decimal) model.Decision {
	d := model.Decision{Asset: asset, Action: model.ActionSkip, Score: score.Value}

	if price == nil || !price.Price.IsPositive() {
		d.Reason = ReasonNoPrice
		return d
	}
	d.Price = price.Price

	if price.HighDivergence && !e.cfg.TradeOnHighDivergence {
		d.Reason = ReasonHighDivergence
		return d
	}
	if score.Value < 0 || score.Value > 100 {
		d.Reason = ReasonBadScore
		return d
	}

	held := holding != nil && holding.Amount.IsPositive()
	d.Action = model.ActionHold

	switch {
	case held && score.Value <= e.cfg.SellAtOrBelow:
		d.Action = model.ActionSell
		d.Amount = holding.Amount
		d.Reason = ReasonBearish
	case !held && score.Value >= e.cfg.BuyAtOrAbove:
		if availableCash.LessThan(e.cfg.MinCash) {
			d.Reason = ReasonLowCash
			return d
		}
		d.Action = model.ActionBuy
		d.Notional = decimal.Min(e.cfg.MaxNotional, availableCash)
		d.Reason = ReasonBullish
	case held && score.Value >= e.cfg.BuyAtOrAbove:
		d.Reason = ReasonAlreadyHeld
	case !held && score.Value <= e.cfg.SellAtOrBelow:
		d.Reason = ReasonNothingToSell
	default:
		d.Reason = ReasonNeutral
	}
	return d
}
