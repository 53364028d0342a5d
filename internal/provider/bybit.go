package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/asset"
	"github.com/atmx/paper-trader/internal/model"
)

// DefaultBybitURL is the Bybit v5 mainnet REST root.
const DefaultBybitURL = "https://api.bybit.com"

// Bybit is the tertiary source, consulted only when the first two disagree.
type Bybit struct {
	client  *bybit.Client
	timeout time.Duration
}

// bybitTickers is the Result shape of /v5/market/tickers.
type bybitTickers struct {
	Category string `json:"category"`
	List     []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"list"`
}

// NewBybit creates the adapter against baseURL (empty = mainnet).
func NewBybit(baseURL string, timeout time.Duration) *Bybit {
	if baseURL == "" {
		baseURL = DefaultBybitURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(baseURL))
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &Bybit{client: client, timeout: timeout}
}

func (b *Bybit) Name() string { return "bybit" }

func (b *Bybit) FetchSpotPrice(ctx context.Context, ticker string) (*model.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	symbol := asset.PairSymbol(ticker)
	params := map[string]interface{}{
		"category": "spot",
		"symbol":   symbol,
	}
	resp, err := b.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	if err != nil {
		return nil, transportFailure(b.Name(), ticker, err)
	}
	if resp == nil {
		return nil, fail(b.Name(), ticker, KindMissing, errors.New("empty response"))
	}
	if resp.RetCode != 0 {
		return nil, fail(b.Name(), ticker, KindStatus, fmt.Errorf("retCode %d: %s", resp.RetCode, resp.RetMsg))
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fail(b.Name(), ticker, KindDecode, err)
	}
	var result bybitTickers
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fail(b.Name(), ticker, KindDecode, err)
	}

	for _, t := range result.List {
		if t.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(t.LastPrice)
		if err != nil {
			return nil, fail(b.Name(), ticker, KindDecode, err)
		}
		if !price.IsPositive() {
			return nil, fail(b.Name(), ticker, KindInvalid, errors.New("non-positive price "+t.LastPrice))
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
