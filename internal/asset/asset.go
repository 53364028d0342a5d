// Package asset handles spot crypto ticker parsing, validation, and
// mapping to the symbols each market-data provider expects.
package asset

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// QuoteCurrency is the stablecoin every exchange pair is quoted against.
const QuoteCurrency = "USDT"

// tickerRegex matches a bare base-asset ticker: BTC, ETH, 1INCH, PEPE.
var tickerRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

var (
	ErrInvalidTicker = errors.New("asset: invalid ticker format")
	ErrUnmapped      = errors.New("asset: no provider mapping for ticker")
)

// defaultCoinGeckoIDs covers the common watchlist; config may extend it.
var defaultCoinGeckoIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"BNB":  "binancecoin",
	"XRP":  "ripple",
	"ADA":  "cardano",
	"DOGE": "dogecoin",
	"AVAX": "avalanche-2",
	"DOT":  "polkadot",
	"LINK": "chainlink",
	"LTC":  "litecoin",
}

// Parse normalizes and validates a ticker. Accepts "btc", " BTC ",
// "BTCUSDT" and "BTC/USDT"; returns the base asset "BTC".
func Parse(ticker string) (string, error) {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	t = strings.TrimSuffix(t, "/"+QuoteCurrency)
	t = strings.TrimSuffix(t, "-"+QuoteCurrency)
	if len(t) > len(QuoteCurrency)+1 && strings.HasSuffix(t, QuoteCurrency) {
		t = strings.TrimSuffix(t, QuoteCurrency)
	}
	if !tickerRegex.MatchString(t) {
		return "", fmt.Errorf("%w: %q (expected 2-10 alphanumerics, e.g. BTC)", ErrInvalidTicker, ticker)
	}
	return t, nil
}

// ParseAll parses a list, failing on the first invalid ticker and
// dropping duplicates while keeping order.
func ParseAll(tickers []string) ([]string, error) {
	seen := make(map[string]bool, len(tickers))
	out := make([]string, 0, len(tickers))
	for _, raw := range tickers {
		t, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out, nil
}

// PairSymbol returns the exchange pair used by Binance and Bybit spot.
func PairSymbol(base string) string {
	return base + QuoteCurrency
}

// Mapper resolves provider-specific identifiers that can't be derived
// from the ticker alone.
type Mapper struct {
	coinGecko map[string]string
}

// NewMapper builds a mapper from the defaults plus overrides (ticker → id).
func NewMapper(overrides map[string]string) *Mapper {
	m := &Mapper{coinGecko: make(map[string]string, len(defaultCoinGeckoIDs)+len(overrides))}
	for k, v := range defaultCoinGeckoIDs {
		m.coinGecko[k] = v
	}
	for k, v := range overrides {
		if t, err := Parse(k); err == nil && v != "" {
			m.coinGecko[t] = strings.ToLower(v)
		}
	}
	return m
}

// CoinGeckoID returns the CoinGecko coin id for a base ticker.
func (m *Mapper) CoinGeckoID(base string) (string, error) {
	id, ok := m.coinGecko[base]
	if !ok {
		return "", fmt.Errorf("%w: coingecko %s", ErrUnmapped, base)
	}
	return id, nil
}
