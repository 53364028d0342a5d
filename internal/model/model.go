// Package model defines the core domain types shared across the paper
// trading engine. All monetary values use shopspring/decimal, never
// float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one spot price observation from a single provider. Quotes are
// produced per request and never persisted.
type Quote struct {
	Provider  string          `json:"provider"`
	Asset     string          `json:"asset"`
	Price     decimal.Decimal `json:"price"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Provenance describes how many sources contributed to a VerifiedPrice.
type Provenance string

const (
	ProvenanceSingleSource    Provenance = "SINGLE_SOURCE"
	ProvenanceTwoSourceAvg    Provenance = "TWO_SOURCE_AVERAGE"
	ProvenanceThreeReconciled Provenance = "THREE_SOURCE_RECONCILED"
	ProvenanceDegraded        Provenance = "DEGRADED"
)

// VerifiedPrice is the consensus price for one asset in one cycle.
// DisagreementPct is only meaningful when two or more quotes were obtained.
type VerifiedPrice struct {
	Asset           string          `json:"asset"`
	Price           decimal.Decimal `json:"price"`
	Provenance      Provenance      `json:"provenance"`
	DisagreementPct float64         `json:"disagreement_pct"`
	Sources         []string        `json:"sources"`
	Outlier         string          `json:"outlier,omitempty"` // provider excluded by reconciliation
	HighDivergence  bool            `json:"high_divergence,omitempty"`
	ComputedAt      time.Time       `json:"computed_at"`
}

// MarketStats is best-effort enrichment from the primary provider's
// historical endpoints, with MarketCap from the secondary. Zero values mean
// "not available".
type MarketStats struct {
	Asset          string          `json:"asset"`
	High24h        decimal.Decimal `json:"high_24h"`
	Low24h         decimal.Decimal `json:"low_24h"`
	Change24hPct   decimal.Decimal `json:"change_24h_pct"`
	MarketCap      decimal.Decimal `json:"market_cap"`
	QuoteVolume24h decimal.Decimal `json:"quote_volume_24h"`
	Avg7d          decimal.Decimal `json:"avg_7d"`
	Avg30d         decimal.Decimal `json:"avg_30d"`
}

// Holding is one open position. Removed from the portfolio when Amount
// reaches zero.
type Holding struct {
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	AverageCost decimal.Decimal `json:"average_cost"`
	OpenedAt    time.Time       `json:"opened_at"`
}

// Portfolio is the virtual ledger for one user. Version increments on
// every committed write and backs optimistic concurrency.
type Portfolio struct {
	UserID         string             `json:"user_id" db:"user_id"`
	CashBalance    decimal.Decimal    `json:"cash_balance" db:"cash_balance"`
	Holdings       map[string]Holding `json:"holdings" db:"holdings"`
	InitialBalance decimal.Decimal    `json:"initial_balance" db:"initial_balance"`
	TotalValue     decimal.Decimal    `json:"total_value" db:"total_value"`
	Version        int64              `json:"version" db:"version"`
	LastUpdated    time.Time          `json:"last_updated" db:"last_updated"`
}

// Clone returns a deep copy so callers can mutate holdings freely.
func (p *Portfolio) Clone() *Portfolio {
	c := *p
	c.Holdings = make(map[string]Holding, len(p.Holdings))
	for k, h := range p.Holdings {
		c.Holdings[k] = h
	}
	return &c
}

// Side of an executed trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is an immutable record of a ledger execution.
// Once created, these are never modified or deleted.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Asset     string          `json:"asset" db:"asset"`
	Side      Side            `json:"side" db:"side"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Total     decimal.Decimal `json:"total" db:"total"`
	Reason    string          `json:"reason" db:"reason"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Snapshot is one valuation-history row appended per ledger apply.
type Snapshot struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	TotalValue    decimal.Decimal `json:"total_value" db:"total_value"`
	CashBalance   decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	HoldingsValue decimal.Decimal `json:"holdings_value" db:"holdings_value"`
	PnL           decimal.Decimal `json:"pnl" db:"pnl"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Action is what the rule engine wants done for one asset.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
	ActionSkip Action = "SKIP"
)

// Decision is transient input to the ledger. Notional is the cash to
// spend for BUY; Amount is the quantity to sell for SELL (zero means the
// whole holding).
type Decision struct {
	Asset    string          `json:"asset"`
	Action   Action          `json:"action"`
	Score    int             `json:"score"`
	Price    decimal.Decimal `json:"price"`
	Notional decimal.Decimal `json:"notional,omitempty"`
	Amount   decimal.Decimal `json:"amount,omitempty"`
	Reason   string          `json:"reason"`
}

// Score is the opaque 0–100 signal from the external scoring collaborator.
type Score struct {
	Value     int    `json:"score"`
	Rationale string `json:"rationale"`
}

// WorkItem is one unit of scheduled per-asset analysis.
type WorkItem struct {
	Asset    string `json:"asset"`
	Attempts int    `json:"attempts"`
}
