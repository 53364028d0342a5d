package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Position is one holding valued at a current price.
type Position struct {
	Asset            string          `json:"asset"`
	Amount           decimal.Decimal `json:"amount"`
	AverageCost      decimal.Decimal `json:"average_cost"`
	Price            decimal.Decimal `json:"price"`
	Value            decimal.Decimal `json:"value"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealized_pnl_pct"`
}

// Summary is the portfolio view consumed by alerting and the API.
type Summary struct {
	UserID         string          `json:"user_id"`
	CashBalance    decimal.Decimal `json:"cash_balance"`
	HoldingsValue  decimal.Decimal `json:"holdings_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
	PnL            decimal.Decimal `json:"pnl"`
	PnLPct         decimal.Decimal `json:"pnl_pct"`
	Positions      []Position      `json:"positions"`
}

// Summarize values p at prices (average cost when absent). Positions are
// sorted by asset.
func Summarize(p *model.Portfolio, prices map[string]decimal.Decimal) Summary {
	v := Valuate(p, prices)
	s := Summary{
		UserID:         p.UserID,
		CashBalance:    p.CashBalance,
		HoldingsValue:  v.HoldingsValue,
		TotalValue:     v.TotalValue,
		InitialBalance: p.InitialBalance,
		PnL:            v.TotalValue.Sub(p.InitialBalance),
		Positions:      make([]Position, 0, len(p.Holdings)),
	}
	s.PnLPct = pct(s.PnL, p.InitialBalance)

	for asset, h := range p.Holdings {
		px := priceFor(asset, h, prices)
		value := h.Amount.Mul(px).Round(AmountScale)
		cost := h.Amount.Mul(h.AverageCost).Round(AmountScale)
		s.Positions = append(s.Positions, Position{
			Asset:            asset,
			Amount:           h.Amount,
			AverageCost:      h.AverageCost,
			Price:            px,
			Value:            value,
			UnrealizedPnL:    value.Sub(cost),
			UnrealizedPnLPct: pct(px.Sub(h.AverageCost), h.AverageCost),
		})
	}
	sort.Slice(s.Positions, func(i, j int) bool { return s.Positions[i].Asset < s.Positions[j].Asset })
	return s
}

// pct returns part/whole × 100 to two places, or zero when whole is zero.
func pct(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred).Round(2)
}
