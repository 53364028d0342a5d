package provider

import (
	"context"
	"errors"
	"net/http"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/asset"
	"github.com/atmx/paper-trader/internal/model"
)

// Binance is the primary source: spot ticker price, 24h statistics and
// daily klines for trailing averages.
type Binance struct {
	client  *binance.Client
	timeout time.Duration
}

// NewBinance creates the adapter. An empty baseURL keeps the library default.
func NewBinance(baseURL string, timeout time.Duration) *Binance {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := binance.NewClient("", "")
	client.HTTPClient = &http.Client{Timeout: timeout}
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &Binance{client: client, timeout: timeout}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) FetchSpotPrice(ctx context.Context, ticker string) (*model.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	symbol := asset.PairSymbol(ticker)
	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, b.classify(ticker, err)
	}

	for _, p := range prices {
		if p == nil || p.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return nil, fail(b.Name(), ticker, KindDecode, err)
		}
		if !price.IsPositive() {
			return nil, fail(b.Name(), ticker, KindInvalid, errors.New("non-positive price "+p.Price))
		}
		return &model.Quote{
			Provider:  b.Name(),
			Asset:     ticker,
			Price:     price,
			FetchedAt: time.Now().UTC(),
		}, nil
	}
	return nil, fail(b.Name(), ticker, KindMissing, errors.New("symbol "+symbol+" not in response"))
}

// FetchStats combines the 24h ticker and the last 30 daily closes. Each
// half is optional; an error is returned only when both fail.
func (b *Binance) FetchStats(ctx context.Context, ticker string) (*model.MarketStats, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	symbol := asset.PairSymbol(ticker)
	stats := &model.MarketStats{Asset: ticker}

	dayErr := b.fill24h(ctx, symbol, stats)
	histErr := b.fillAverages(ctx, symbol, stats)
	if dayErr != nil && histErr != nil {
		return nil, b.classify(ticker, errors.Join(dayErr, histErr))
	}
	return stats, nil
}

func (b *Binance) fill24h(ctx context.Context, symbol string, stats *model.MarketStats) error {
	res, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return err
	}
	for _, s := range res {
		if s == nil || s.Symbol != symbol {
			continue
		}
		stats.High24h = parseOrZero(s.HighPrice)
		stats.Low24h = parseOrZero(s.LowPrice)
		stats.Change24hPct = parseOrZero(s.PriceChangePercent)
		stats.QuoteVolume24h = parseOrZero(s.QuoteVolume)
		return nil
	}
	return errors.New("24h stats missing for " + symbol)
}

func (b *Binance) fillAverages(ctx context.Context, symbol string, stats *model.MarketStats) error {
	klines, err := b.client.NewKlinesService().Symbol(symbol).Interval("1d").Limit(30).Do(ctx)
	if err != nil {
		return err
	}
	closes := make([]decimal.Decimal, 0, len(klines))
	for _, k := range klines {
		if k == nil {
			continue
		}
		if c := parseOrZero(k.Close); c.IsPositive() {
			closes = append(closes, c)
		}
	}
	if len(closes) == 0 {
		return errors.New("no klines for " + symbol)
	}
	stats.Avg7d = trailingMean(closes, 7)
	stats.Avg30d = trailingMean(closes, 30)
	return nil
}

func (b *Binance) classify(ticker string, err error) *Failure {
	if common.IsAPIError(err) {
		return fail(b.Name(), ticker, KindStatus, err)
	}
	return transportFailure(b.Name(), ticker, err)
}

// trailingMean averages the last n values (or all, if fewer).
func trailingMean(values []decimal.Decimal, n int) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	if len(values) > n {
		values = values[len(values)-n:]
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values)))).Round(8)
}

func parseOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
