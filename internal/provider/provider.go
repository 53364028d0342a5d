// Package provider adapts external market-data sources to a single Quote
// shape. Adapters never let provider-specific errors escape: every failure
// is returned as a *Failure so callers can treat absence uniformly.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/model"
)

// DefaultTimeout bounds a single provider call when none is configured.
const DefaultTimeout = 5 * time.Second

// ErrUnavailable matches every *Failure via errors.Is.
var ErrUnavailable = errors.New("provider: unavailable")

var (
	errNoHistory   = errors.New("provider: no historical endpoint")
	errNoMarketCap = errors.New("provider: no market cap endpoint")
)

// Client fetches a spot price for one base ticker (e.g. "BTC").
type Client interface {
	Name() string
	FetchSpotPrice(ctx context.Context, ticker string) (*model.Quote, error)
}

// Historian supplies best-effort market statistics.
type Historian interface {
	FetchStats(ctx context.Context, ticker string) (*model.MarketStats, error)
}

// MarketCapper supplies the USD market capitalisation for a ticker.
type MarketCapper interface {
	FetchMarketCap(ctx context.Context, ticker string) (decimal.Decimal, error)
}

// Kind classifies a provider failure.
type Kind string

const (
	KindTimeout   Kind = "timeout"
	KindTransport Kind = "transport"
	KindStatus    Kind = "status"
	KindDecode    Kind = "decode"
	KindMissing   Kind = "missing"
	KindInvalid   Kind = "invalid"
)

// Failure is the typed error every adapter returns.
type Failure struct {
	Provider string
	Ticker   string
	Kind     Kind
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("provider %s: %s %s: %v", f.Provider, f.Ticker, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is reports ErrUnavailable for every failure.
func (f *Failure) Is(target error) bool { return target == ErrUnavailable }

func fail(provider, ticker string, kind Kind, err error) *Failure {
	return &Failure{Provider: provider, Ticker: ticker, Kind: kind, Err: err}
}

// transportFailure classifies a request error as timeout or transport.
func transportFailure(provider, ticker string, err error) *Failure {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fail(provider, ticker, KindTimeout, err)
	}
	return fail(provider, ticker, KindTransport, err)
}

// KindOf returns the failure kind of err, or "" when err is not a Failure.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}
