package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRunTimeout bounds one scheduled run.
const DefaultRunTimeout = 10 * time.Minute

// Cron triggers Runner.Run on a schedule. Specs use the six-field format
// with seconds, e.g. "0 */15 * * * *".
type Cron struct {
	cron    *cron.Cron
	runner  *Runner
	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCron creates a cron trigger for runner. timeout <= 0 selects
// DefaultRunTimeout.
func NewCron(runner *Runner, timeout time.Duration, logger *slog.Logger) *Cron {
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{
		cron:    cron.New(cron.WithSeconds()),
		runner:  runner,
		timeout: timeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Schedule registers a watchlist run for userID.
func (c *Cron) Schedule(spec, userID string) error {
	if _, err := c.cron.AddFunc(spec, func() { c.RunNow(userID) }); err != nil {
		return fmt.Errorf("register run %q: %w", spec, err)
	}
	c.logger.Info("run scheduled", "spec", spec, "user", userID)
	return nil
}

// Start starts the cron scheduler.
func (c *Cron) Start() {
	c.cron.Start()
	c.logger.Info("cron started")
}

// Stop cancels in-flight runs and waits for running jobs to return.
func (c *Cron) Stop() {
	c.cancel()
	<-c.cron.Stop().Done()
	c.logger.Info("cron stopped")
}

// RunNow executes one watchlist run for userID and logs the outcome. A
// tick that overlaps a run in progress is skipped.
func (c *Cron) RunNow(userID string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	res, err := c.runner.Run(ctx, userID, nil)
	switch {
	case errors.Is(err, ErrRunInProgress):
		c.logger.Warn("run skipped, previous run still active", "user", userID)
	case err != nil:
		c.logger.Error("scheduled run failed", "user", userID, "error", err)
	default:
		c.logger.Info("scheduled run done", "user", userID, "run_id", res.RunID, "trades", len(res.Trades))
	}
}
