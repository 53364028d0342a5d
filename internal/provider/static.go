package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

// Static returns controllable fixed prices for development and testing.
// Failures can be injected per ticker.
type Static struct {
	name string

	mu     sync.Mutex
	prices map[string]decimal.Decimal
	errs   map[string]error
	stats  map[string]*model.MarketStats
	caps   map[string]decimal.Decimal
	calls  map[string]int
}

// NewStatic creates a static client named name.
func NewStatic(name string, prices map[string]decimal.Decimal) *Static {
	s := &Static{
		name:   name,
		prices: make(map[string]decimal.Decimal),
		errs:   make(map[string]error),
		stats:  make(map[string]*model.MarketStats),
		caps:   make(map[string]decimal.Decimal),
		calls:  make(map[string]int),
	}
	for k, v := range prices {
		s.prices[k] = v
	}
	return s
}

func (s *Static) Name() string { return s.name }

// SetPrice sets (or replaces) the price for ticker and clears any failure.
func (s *Static) SetPrice(ticker string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[ticker] = price
	delete(s.errs, ticker)
}

// SetError makes every fetch for ticker fail with err.
func (s *Static) SetError(ticker string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[ticker] = err
}

// SetStats sets the stats returned by FetchStats.
func (s *Static) SetStats(ticker string, stats *model.MarketStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[ticker] = stats
}

// SetMarketCap sets the value returned by FetchMarketCap.
func (s *Static) SetMarketCap(ticker string, v decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps[ticker] = v
}

// Calls returns how many spot fetches were made for ticker.
func (s *Static) Calls(ticker string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[ticker]
}

func (s *Static) FetchSpotPrice(ctx context.Context, ticker string) (*model.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[ticker]++

	if err := ctx.Err(); err != nil {
		return nil, transportFailure(s.name, ticker, err)
	}
	if err, ok := s.errs[ticker]; ok {
		return nil, fail(s.name, ticker, KindTransport, err)
	}
	price, ok := s.prices[ticker]
	if !ok {
		return nil, fail(s.name, ticker, KindMissing, errors.New("no static price"))
	}
	return &model.Quote{
		Provider:  s.name,
		Asset:     ticker,
		Price:     price,
		FetchedAt: time.Now().UTC(),
	}, nil
}

func (s *Static) FetchStats(_ context.Context, ticker string) (*model.MarketStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[ticker]; ok {
		c := *st
		return &c, nil
	}
	return nil, fail(s.name, ticker, KindMissing, errors.New("no static stats"))
}

func (s *Static) FetchMarketCap(_ context.Context, ticker string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.caps[ticker]; ok {
		return v, nil
	}
	return decimal.Zero, fail(s.name, ticker, KindMissing, errors.New("no static market cap"))
}
