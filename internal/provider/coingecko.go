package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/asset"
	"github.com/atmx/paper-trader/internal/model"
)

// DefaultCoinGeckoURL is the public v3 API root.
const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// CoinGecko is the secondary source, queried over its REST simple/price
// endpoint.
type CoinGecko struct {
	baseURL string
	apiKey  string
	mapper  *asset.Mapper
	client  *http.Client
	timeout time.Duration
}

// NewCoinGecko creates the adapter. apiKey is optional (demo key header).
func NewCoinGecko(baseURL, apiKey string, mapper *asset.Mapper, timeout time.Duration) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if mapper == nil {
		mapper = asset.NewMapper(nil)
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		mapper:  mapper,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (c *CoinGecko) Name() string { return "coingecko" }

func (c *CoinGecko) FetchSpotPrice(ctx context.Context, ticker string) (*model.Quote, error) {
	fields, err := c.simplePrice(ctx, ticker, false)
	if err != nil {
		return nil, err
	}
	price, err := c.field(ticker, fields, "usd")
	if err != nil {
		return nil, err
	}
	if !price.IsPositive() {
		return nil, fail(c.Name(), ticker, KindInvalid, errors.New("non-positive price "+price.String()))
	}

	return &model.Quote{
		Provider:  c.Name(),
		Asset:     ticker,
		Price:     price,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// FetchMarketCap returns the USD market capitalisation from the same
// simple/price endpoint.
func (c *CoinGecko) FetchMarketCap(ctx context.Context, ticker string) (decimal.Decimal, error) {
	fields, err := c.simplePrice(ctx, ticker, true)
	if err != nil {
		return decimal.Zero, err
	}
	mc, err := c.field(ticker, fields, "usd_market_cap")
	if err != nil {
		return decimal.Zero, err
	}
	if mc.IsNegative() {
		return decimal.Zero, fail(c.Name(), ticker, KindInvalid, errors.New("negative market cap "+mc.String()))
	}
	return mc, nil
}

// simplePrice returns the per-currency fields for ticker's coin id.
func (c *CoinGecko) simplePrice(ctx context.Context, ticker string, withMarketCap bool) (map[string]json.Number, error) {
	id, err := c.mapper.CoinGeckoID(ticker)
	if err != nil {
		return nil, fail(c.Name(), ticker, KindInvalid, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.baseURL, url.QueryEscape(id))
	if withMarketCap {
		u += "&include_market_cap=true"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fail(c.Name(), ticker, KindInvalid, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, transportFailure(c.Name(), ticker, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fail(c.Name(), ticker, KindStatus,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	// {"bitcoin":{"usd":67187.34,"usd_market_cap":1323000000000}}
	var payload map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return nil, fail(c.Name(), ticker, KindDecode, err)
	}
	fields, ok := payload[id]
	if !ok {
		return nil, fail(c.Name(), ticker, KindMissing, errors.New("no entry for "+id))
	}
	return fields, nil
}

func (c *CoinGecko) field(ticker string, fields map[string]json.Number, key string) (decimal.Decimal, error) {
	raw, ok := fields[key]
	if !ok {
		return decimal.Zero, fail(c.Name(), ticker, KindMissing, errors.New(key+" missing"))
	}
	v, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fail(c.Name(), ticker, KindDecode, err)
	}
	return v, nil
}
