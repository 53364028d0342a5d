// Package agent runs the autonomous trading cycle for one portfolio:
// analyze the watchlist one asset at a time, turn prices and scores into
// decisions, and apply them to the ledger in a single transaction.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/atmx/paper-trader/internal/ledger"
	"github.com/atmx/paper-trader/internal/metrics"
	"github.com/atmx/paper-trader/internal/model"
	"github.com/atmx/paper-trader/internal/rules"
	"github.com/atmx/paper-trader/internal/scheduler"
	"github.com/atmx/paper-trader/internal/score"
	"github.com/atmx/paper-trader/internal/telemetry"
)

// ErrRunInProgress is returned when a run is already executing.
var ErrRunInProgress = errors.New("agent: run already in progress")

// ReasonAnalysisFailed marks assets the scheduler gave up on.
const ReasonAnalysisFailed = "Analysis failed"

// Verifier produces consensus prices and best-effort enrichment.
type Verifier interface {
	Verify(ctx context.Context, asset string) (*model.VerifiedPrice, error)
	Enrich(ctx context.Context, asset string) *model.MarketStats
}

// Publisher receives run events. The WebSocket hub implements it.
type Publisher interface {
	Publish(eventType string, payload any)
}

// Result summarizes one run.
type Result struct {
	RunID      string                `json:"run_id"`
	UserID     string                `json:"user_id"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Report     scheduler.Report      `json:"report"`
	Prices     []model.VerifiedPrice `json:"prices"`
	Decisions  []model.Decision      `json:"decisions"`
	Trades     []model.Trade         `json:"trades"`
	Rejected   []ledger.Rejection    `json:"rejected"`
	Snapshot   model.Snapshot        `json:"snapshot"`
}

// Runner wires the pipeline components together.
type Runner struct {
	verifier  Verifier
	scorer    score.Scorer
	rules     *rules.Engine
	ledger    *ledger.Transactor
	scheduler *scheduler.Scheduler
	publisher Publisher
	watchlist []string
	logger    *slog.Logger

	running atomic.Bool
	now     func() time.Time
}

// NewRunner creates a runner. publisher may be nil.
func NewRunner(
	v Verifier,
	sc score.Scorer,
	re *rules.Engine,
	lt *ledger.Transactor,
	sched *scheduler.Scheduler,
	publisher Publisher,
	watchlist []string,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		verifier:  v,
		scorer:    sc,
		rules:     re,
		ledger:    lt,
		scheduler: sched,
		publisher: publisher,
		watchlist: watchlist,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Watchlist returns the default assets analyzed by Run.
func (r *Runner) Watchlist() []string { return append([]string(nil), r.watchlist...) }

type analysis struct {
	price *model.VerifiedPrice
	stats *model.MarketStats
	score model.Score
}

// Run executes one cycle for userID over assets (the watchlist when
// empty). Only one run executes at a time.
func (r *Runner) Run(ctx context.Context, userID string, assets []string) (res *Result, err error) {
	if !r.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer r.running.Store(false)

	if len(assets) == 0 {
		assets = r.watchlist
	}

	started := time.Now()
	runID := uuid.NewString()
	ctx, span := telemetry.StartSpan(ctx, "agent.Run",
		attribute.String("run_id", runID),
		attribute.String("user", userID),
	)
	defer func() {
		telemetry.EndSpan(span, err)
		metrics.RunDuration.Observe(time.Since(started).Seconds())
	}()

	res = &Result{RunID: runID, UserID: userID, StartedAt: r.now()}
	r.logger.Info("run started", "run_id", runID, "user", userID, "assets", assets)

	if _, err := r.ledger.Open(ctx, userID); err != nil {
		return nil, fmt.Errorf("open portfolio: %w", err)
	}

	var mu sync.Mutex
	analyses := make(map[string]*analysis, len(assets))
	task := func(ctx context.Context, asset string) error {
		vp, err := r.verifier.Verify(ctx, asset)
		if err != nil {
			return err
		}
		stats := r.verifier.Enrich(ctx, asset)
		sc, err := r.scorer.Score(ctx, score.Input{Asset: asset, Price: vp, Stats: stats})
		if err != nil {
			return err
		}
		if err := score.Validate(sc); err != nil {
			return err
		}
		mu.Lock()
		analyses[asset] = &analysis{price: vp, stats: stats, score: sc}
		mu.Unlock()
		return nil
	}

	res.Report = r.scheduler.Run(ctx, scheduler.NewQueue(assets...), task)
	if err := ctx.Err(); err != nil {
		res.FinishedAt = r.now()
		return res, err
	}

	// Decide against fresh state; the ledger re-reads on commit anyway.
	p, err := r.ledger.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	res.Decisions = r.decide(p, res.Report, analyses)
	for _, o := range res.Report.Items {
		if a, ok := analyses[o.Asset]; ok {
			res.Prices = append(res.Prices, *a.price)
		}
	}

	applied, err := r.ledger.Apply(ctx, userID, res.Decisions)
	if err != nil {
		return nil, fmt.Errorf("apply decisions: %w", err)
	}
	res.Trades = applied.Trades
	res.Rejected = applied.Rejected
	res.Snapshot = applied.Snapshot
	res.FinishedAt = r.now()

	if r.publisher != nil {
		for _, t := range res.Trades {
			r.publisher.Publish("trade", t)
		}
		r.publisher.Publish("snapshot", res.Snapshot)
	}

	r.logger.Info("run finished",
		"run_id", res.RunID,
		"user", userID,
		"completed", len(res.Report.Assets(scheduler.StateCompleted)),
		"failed", len(res.Report.Assets(scheduler.StateFailed)),
		"trades", len(res.Trades),
		"total_value", res.Snapshot.TotalValue.String(),
	)
	return res, nil
}

// decide builds decisions in report order. SELLs for held assets are
// decided first so their expected proceeds count toward BUY cash.
func (r *Runner) decide(p *model.Portfolio, report scheduler.Report, analyses map[string]*analysis) []model.Decision {
	decisions := make(map[string]model.Decision, len(report.Items))
	cash := p.CashBalance

	for _, o := range report.Items {
		a, ok := analyses[o.Asset]
		if !ok {
			continue
		}
		h, held := p.Holdings[o.Asset]
		if !held || !h.Amount.IsPositive() {
			continue
		}
		d := r.rules.Decide(o.Asset, &h, a.price, a.score, cash)
		if d.Action == model.ActionSell {
			cash = cash.Add(h.Amount.Mul(d.Price).Round(ledger.AmountScale))
		}
		decisions[o.Asset] = d
	}

	for _, o := range report.Items {
		if _, done := decisions[o.Asset]; done {
			continue
		}
		a, ok := analyses[o.Asset]
		if !ok {
			decisions[o.Asset] = model.Decision{
				Asset:  o.Asset,
				Action: model.ActionSkip,
				Reason: ReasonAnalysisFailed,
			}
			continue
		}
		d := r.rules.Decide(o.Asset, nil, a.price, a.score, decimal.Max(cash, decimal.Zero))
		if d.Action == model.ActionBuy {
			cash = cash.Sub(d.Notional)
		}
		decisions[o.Asset] = d
	}

	out := make([]model.Decision, 0, len(report.Items))
	for _, o := range report.Items {
		out = append(out, decisions[o.Asset])
	}
	return out
}
