package provider

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/atmx/paper-trader/internal/model"
)

// NewBudget creates the limiter shared by every outbound provider call.
// perSecond <= 0 disables limiting.
func NewBudget(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// Limited gates a Client (and its Historian or MarketCapper, if any)
// behind a shared rate budget.
type Limited struct {
	next    Client
	limiter *rate.Limiter
}

// WithBudget wraps next so each call first waits on limiter.
func WithBudget(next Client, limiter *rate.Limiter) *Limited {
	return &Limited{next: next, limiter: limiter}
}

func (l *Limited) Name() string { return l.next.Name() }

func (l *Limited) FetchSpotPrice(ctx context.Context, ticker string) (*model.Quote, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fail(l.next.Name(), ticker, KindTimeout, err)
	}
	return l.next.FetchSpotPrice(ctx, ticker)
}

// FetchStats forwards to the wrapped client when it is a Historian.
func (l *Limited) FetchStats(ctx context.Context, ticker string) (*model.MarketStats, error) {
	h, ok := l.next.(Historian)
	if !ok {
		return nil, fail(l.next.Name(), ticker, KindMissing, errNoHistory)
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fail(l.next.Name(), ticker, KindTimeout, err)
	}
	return h.FetchStats(ctx, ticker)
}

// FetchMarketCap forwards to the wrapped client when it is a MarketCapper.
func (l *Limited) FetchMarketCap(ctx context.Context, ticker string) (decimal.Decimal, error) {
	m, ok := l.next.(MarketCapper)
	if !ok {
		return decimal.Zero, fail(l.next.Name(), ticker, KindMissing, errNoMarketCap)
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fail(l.next.Name(), ticker, KindTimeout, err)
	}
	return m.FetchMarketCap(ctx, ticker)
}
