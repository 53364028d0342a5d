package rules

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func vp(price string) *model.VerifiedPrice {
	return &model.VerifiedPrice{Asset: "BTC", Price: d(price), Provenance: model.ProvenanceTwoSourceAvg}
}

func TestDecide(t *testing.T) {
	e := New(DefaultConfig())
	held := &model.Holding{Asset: "BTC", Amount: d("0.5"), AverageCost: d("90")}

	tests := []struct {
		name         string
		holding      *model.Holding
		price        *model.VerifiedPrice
		score        int
		cash         string
		wantAction   model.Action
		wantReason   string
		wantNotional string
		wantAmount   string
	}{
		{"sell at threshold", held, vp("100"), 45, "0", model.ActionSell, ReasonBearish, "0", "0.5"},
		{"sell on zero score", held, vp("100"), 0, "1000", model.ActionSell, ReasonBearish, "0", "0.5"},
		{"neutral lower edge", held, vp("100"), 46, "1000", model.ActionHold, ReasonNeutral, "0", "0"},
		{"neutral upper edge", nil, vp("100"), 74, "1000", model.ActionHold, ReasonNeutral, "0", "0"},
		{"buy capped at max notional", nil, vp("100"), 75, "1000", model.ActionBuy, ReasonBullish, "50", "0"},
		{"buy limited by cash", nil, vp("100"), 90, "30", model.ActionBuy, ReasonBullish, "30", "0"},
		{"buy at min cash", nil, vp("100"), 80, "10", model.ActionBuy, ReasonBullish, "10", "0"},
		{"no buy below min cash", nil, vp("100"), 80, "9.99", model.ActionHold, ReasonLowCash, "0", "0"},
		{"no averaging into open position", held, vp("100"), 99, "1000", model.ActionHold, ReasonAlreadyHeld, "0", "0"},
		{"bearish without position", nil, vp("100"), 10, "1000", model.ActionHold, ReasonNothingToSell, "0", "0"},
		{"zero-amount holding counts as absent", &model.Holding{Asset: "BTC"}, vp("100"), 80, "100", model.ActionBuy, ReasonBullish, "50", "0"},
		{"no price", held, nil, 10, "1000", model.ActionSkip, ReasonNoPrice, "0", "0"},
		{"score out of range", nil, vp("100"), 101, "1000", model.ActionSkip, ReasonBadScore, "0", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Decide("BTC", tt.holding, tt.price, model.Score{Value: tt.score}, d(tt.cash))
			if got.Action != tt.wantAction {
				t.Errorf("action = %s, want %s", got.Action, tt.wantAction)
			}
			if got.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", got.Reason, tt.wantReason)
			}
			if !got.Notional.Equal(d(tt.wantNotional)) {
				t.Errorf("notional = %s, want %s", got.Notional, tt.wantNotional)
			}
			if !got.Amount.Equal(d(tt.wantAmount)) {
				t.Errorf("amount = %s, want %s", got.Amount, tt.wantAmount)
			}
			if got.Score != tt.score {
				t.Errorf("score = %d, want %d", got.Score, tt.score)
			}
		})
	}
}

func TestDecide_HighDivergence(t *testing.T) {
	price := vp("100")
	price.HighDivergence = true

	got := New(DefaultConfig()).Decide("BTC", nil, price, model.Score{Value: 90}, d("100"))
	if got.Action != model.ActionBuy {
		t.Errorf("default config should trade on high divergence, got %s", got.Action)
	}

	cfg := DefaultConfig()
	cfg.TradeOnHighDivergence = false
	got = New(cfg).Decide("BTC", nil, price, model.Score{Value: 90}, d("100"))
	if got.Action != model.ActionSkip || got.Reason != ReasonHighDivergence {
		t.Errorf("got %s %q, want SKIP %q", got.Action, got.Reason, ReasonHighDivergence)
	}
}

func TestDecide_CarriesPrice(t *testing.T) {
	got := New(DefaultConfig()).Decide("ETH", nil, vp("2500.5"), model.Score{Value: 80}, d("100"))
	if got.Asset != "ETH" {
		t.Errorf("asset = %s", got.Asset)
	}
	if !got.Price.Equal(d("2500.5")) {
		t.Errorf("price = %s", got.Price)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}

	overlap := DefaultConfig()
	overlap.SellAtOrBelow = 75
	if err := overlap.Validate(); err != ErrInvalidThresholds {
		t.Errorf("overlap: got %v", err)
	}

	noNotional := DefaultConfig()
	noNotional.MaxNotional = decimal.Zero
	if err := noNotional.Validate(); err == nil {
		t.Error("zero notional should be rejected")
	}

	outOfRange := DefaultConfig()
	outOfRange.BuyAtOrAbove = 101
	if err := outOfRange.Validate(); err == nil {
		t.Error("threshold above 100 should be rejected")
	}
}
