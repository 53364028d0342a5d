// Package consensus reconciles spot quotes from independent providers into
// one VerifiedPrice per asset.
//
// The primary source is mandatory. The secondary is fetched alongside it
// and, when the two disagree beyond the tolerance, a tertiary quote decides
// which of them is the outlier.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/atmx/paper-trader/internal/metrics"
	"github.com/atmx/paper-trader/internal/model"
	"github.com/atmx/paper-trader/internal/provider"
	"github.com/atmx/paper-trader/internal/telemetry"
)

// DefaultTolerancePct is the maximum percentage disagreement at which two
// quotes are averaged without consulting a third source.
const DefaultTolerancePct = 1.0

// PriceScale is the number of decimal places kept on consensus prices.
const PriceScale int32 = 8

// ErrConsensusFailure matches every *Failure via errors.Is.
var ErrConsensusFailure = errors.New("consensus: primary source unavailable")

// Failure means the asset could not be verified this cycle.
type Failure struct {
	Asset string
	Err   error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("consensus: %s unverifiable: %v", f.Asset, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) Is(target error) bool { return target == ErrConsensusFailure }

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
	three   = decimal.NewFromInt(3)
)

// Engine runs the consensus algorithm. Tertiary may be nil, in which case
// a tolerance breach falls back to the two-source average.
type Engine struct {
	primary   provider.Client
	secondary provider.Client
	tertiary  provider.Client
	tolerance decimal.Decimal
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an engine. tolerancePct <= 0 selects DefaultTolerancePct.
func New(primary, secondary, tertiary provider.Client, tolerancePct float64, logger *slog.Logger) *Engine {
	if tolerancePct <= 0 {
		tolerancePct = DefaultTolerancePct
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		primary:   primary,
		secondary: secondary,
		tertiary:  tertiary,
		tolerance: decimal.NewFromFloat(tolerancePct),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type fetchResult struct {
	quote *model.Quote
	err   error
}

// Verify produces the consensus price for asset. The only error it returns
// is a *Failure (primary unavailable) or the context error when ctx is
// cancelled.
func (e *Engine) Verify(ctx context.Context, asset string) (vp *model.VerifiedPrice, err error) {
	ctx, span := telemetry.StartSpan(ctx, "consensus.Verify", attribute.String("asset", asset))
	defer func() {
		if vp != nil {
			metrics.ConsensusTotal.WithLabelValues(string(vp.Provenance)).Inc()
			span.SetAttributes(
				attribute.String("provenance", string(vp.Provenance)),
				attribute.Float64("disagreement_pct", vp.DisagreementPct),
			)
		}
		telemetry.EndSpan(span, err)
	}()

	var primary, secondary fetchResult
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		primary.quote, primary.err = e.fetch(ctx, e.primary, asset)
	}()
	go func() {
		defer wg.Done()
		secondary.quote, secondary.err = e.fetch(ctx, e.secondary, asset)
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if primary.err != nil {
		metrics.ConsensusFailures.Inc()
		return nil, &Failure{Asset: asset, Err: primary.err}
	}
	p := primary.quote.Price

	if secondary.err != nil {
		return e.result(asset, p, model.ProvenanceSingleSource, decimal.Zero, []string{e.primary.Name()}, ""), nil
	}
	s := secondary.quote.Price

	disagreement := disagreementPct(p, s)
	sources := []string{e.primary.Name(), e.secondary.Name()}
	twoSource := e.result(asset, mean(p, s), model.ProvenanceTwoSourceAvg, disagreement, sources, "")

	if disagreement.LessThanOrEqual(e.tolerance) {
		return twoSource, nil
	}

	e.logger.Info("sources disagree, consulting tertiary",
		"asset", asset,
		"disagreement_pct", disagreement.Round(4).String(),
	)

	if e.tertiary == nil {
		return twoSource, nil
	}
	tq, terr := e.fetch(ctx, e.tertiary, asset)
	if terr != nil {
		return twoSource, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t := tq.Price

	dPT := disagreementPct(p, t)
	dST := disagreementPct(s, t)

	tertiaryName := e.tertiary.Name()
	switch {
	case dPT.LessThanOrEqual(dST) && dPT.LessThanOrEqual(e.tolerance):
		return e.result(asset, mean(p, t), model.ProvenanceThreeReconciled, disagreement,
			[]string{e.primary.Name(), tertiaryName}, e.secondary.Name()), nil
	case dST.LessThan(dPT) && dST.LessThanOrEqual(e.tolerance):
		return e.result(asset, mean(s, t), model.ProvenanceThreeReconciled, disagreement,
			[]string{e.secondary.Name(), tertiaryName}, e.primary.Name()), nil
	}

	e.logger.Warn("high divergence across all sources",
		"asset", asset,
		"primary", p.String(),
		"secondary", s.String(),
		"tertiary", t.String(),
	)
	vp = e.result(asset, p.Add(s).Add(t).Div(three).Round(PriceScale), model.ProvenanceThreeReconciled,
		disagreement, []string{e.primary.Name(), e.secondary.Name(), tertiaryName}, "")
	vp.HighDivergence = true
	return vp, nil
}

// fetch calls one provider and absorbs its failure into logs and metrics.
func (e *Engine) fetch(ctx context.Context, c provider.Client, asset string) (*model.Quote, error) {
	q, err := c.FetchSpotPrice(ctx, asset)
	if err == nil && !q.Price.IsPositive() {
		err = &provider.Failure{Provider: c.Name(), Ticker: asset, Kind: provider.KindInvalid,
			Err: fmt.Errorf("non-positive price %s", q.Price)}
	}
	if err != nil {
		kind := provider.KindOf(err)
		if kind == "" {
			kind = provider.KindTransport
		}
		metrics.ProviderFailures.WithLabelValues(c.Name(), string(kind)).Inc()
		e.logger.Warn("provider degraded", "provider", c.Name(), "asset", asset, "kind", kind, "error", err)
		return nil, err
	}
	return q, nil
}

func (e *Engine) result(asset string, price decimal.Decimal, prov model.Provenance, disagreement decimal.Decimal, sources []string, outlier string) *model.VerifiedPrice {
	return &model.VerifiedPrice{
		Asset:           asset,
		Price:           price,
		Provenance:      prov,
		DisagreementPct: disagreement.Round(4).InexactFloat64(),
		Sources:         sources,
		Outlier:         outlier,
		ComputedAt:      e.now(),
	}
}

// Enrich fetches market statistics from the primary provider and the
// market cap from the secondary when it offers one. It never fails:
// missing data is left as zero values.
func (e *Engine) Enrich(ctx context.Context, asset string) *model.MarketStats {
	ctx, span := telemetry.StartSpan(ctx, "consensus.Enrich", attribute.String("asset", asset))
	defer span.End()

	st := &model.MarketStats{}
	if h, ok := e.primary.(provider.Historian); ok {
		if fetched, err := h.FetchStats(ctx, asset); err != nil {
			e.logger.Debug("enrichment unavailable", "asset", asset, "error", err)
		} else {
			st = fetched
		}
	}
	if mc, ok := e.secondary.(provider.MarketCapper); ok && st.MarketCap.IsZero() {
		if v, err := mc.FetchMarketCap(ctx, asset); err != nil {
			e.logger.Debug("market cap unavailable", "asset", asset, "error", err)
		} else {
			st.MarketCap = v
		}
	}
	st.Asset = asset
	return st
}

// disagreementPct returns |a-b| / a × 100.
func disagreementPct(a, b decimal.Decimal) decimal.Decimal {
	return a.Sub(b).Abs().Div(a).Mul(hundred)
}

func mean(a, b decimal.Decimal) decimal.Decimal {
	return a.Add(b).Div(two).Round(PriceScale)
}
