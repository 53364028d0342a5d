// Package scheduler drives sequential per-asset analysis over a watchlist
// with bounded burst retries.
//
// A failing item is retried immediately (after a short cooldown) until its
// attempt count reaches a multiple of the burst size, then rotated to the
// back of the queue so other assets can proceed. Items that reach the hard
// cap are marked FAILED and never retried again in the same run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/paper-trader/internal/metrics"
	"github.com/atmx/paper-trader/internal/model"
)

// ErrExhausted is recorded for items that hit the attempt cap.
var ErrExhausted = errors.New("scheduler: attempt cap reached")

// State is the terminal (or, after cancellation, last known) state of an
// item in a report.
type State string

const (
	StatePending   State = "PENDING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Policy configures burst/rotate behaviour.
type Policy struct {
	Burst    int           // immediate retries before rotating
	Cap      int           // total attempts before an item fails
	Cooldown time.Duration // pause before each immediate retry
}

// DefaultPolicy returns burst 5, cap 15, and a 2s cooldown.
func DefaultPolicy() Policy {
	return Policy{Burst: 5, Cap: 15, Cooldown: 2 * time.Second}
}

// Validate checks that the policy can make progress.
func (p Policy) Validate() error {
	if p.Burst < 1 {
		return fmt.Errorf("scheduler: burst must be >= 1, got %d", p.Burst)
	}
	if p.Cap < p.Burst {
		return fmt.Errorf("scheduler: cap (%d) must be >= burst (%d)", p.Cap, p.Burst)
	}
	if p.Cooldown < 0 {
		return fmt.Errorf("scheduler: cooldown must not be negative")
	}
	return nil
}

// Task analyzes one asset. A non-nil error counts as a failed attempt.
type Task func(ctx context.Context, asset string) error

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Outcome is one asset's line in a Report.
type Outcome struct {
	Asset    string `json:"asset"`
	State    State  `json:"state"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
	Err      error  `json:"-"`
}

// Report lists outcomes in the order items were first queued.
type Report struct {
	Items []Outcome `json:"items"`
}

// Get returns the outcome for asset.
func (r Report) Get(asset string) (Outcome, bool) {
	for _, o := range r.Items {
		if o.Asset == asset {
			return o, true
		}
	}
	return Outcome{}, false
}

// Assets returns the assets that ended in state.
func (r Report) Assets(state State) []string {
	var out []string
	for _, o := range r.Items {
		if o.State == state {
			out = append(out, o.Asset)
		}
	}
	return out
}

// Scheduler processes a Queue one item at a time.
type Scheduler struct {
	policy Policy
	logger *slog.Logger
	sleep  Sleeper
}

// New creates a scheduler. Invalid policies fall back to DefaultPolicy.
func New(policy Policy, logger *slog.Logger) *Scheduler {
	if err := policy.Validate(); err != nil {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{policy: policy, logger: logger, sleep: sleepCtx}
}

// WithSleeper replaces the cooldown sleeper. Tests pass a no-op.
func (s *Scheduler) WithSleeper(fn Sleeper) *Scheduler {
	s.sleep = fn
	return s
}

// Policy returns the effective policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Run drains q, calling task for each dequeued item. Cancellation is
// observed between items; anything still queued is reported PENDING.
func (s *Scheduler) Run(ctx context.Context, q *Queue, task Task) Report {
	outcomes := make(map[string]*Outcome, q.Len())
	order := make([]string, 0, q.Len())
	for _, it := range q.items {
		if _, seen := outcomes[it.Asset]; seen {
			continue
		}
		outcomes[it.Asset] = &Outcome{Asset: it.Asset, State: StatePending, Attempts: it.Attempts}
		order = append(order, it.Asset)
	}

	for ctx.Err() == nil {
		item, ok := q.Pop()
		if !ok {
			break
		}
		out := outcomes[item.Asset]

		if item.Attempts >= s.policy.Cap {
			out.State = StateFailed
			out.Attempts = item.Attempts
			if out.Err != nil {
				out.Err = fmt.Errorf("%w: %w", ErrExhausted, out.Err)
			} else {
				out.Err = ErrExhausted
			}
			metrics.SchedulerItems.WithLabelValues(string(StateFailed)).Inc()
			s.logger.Error("work item exhausted",
				"asset", item.Asset,
				"attempts", item.Attempts,
				"error", out.Err,
			)
			continue
		}

		err := task(ctx, item.Asset)
		if err == nil {
			metrics.SchedulerAttempts.WithLabelValues("success").Inc()
			metrics.SchedulerItems.WithLabelValues(string(StateCompleted)).Inc()
			out.State = StateCompleted
			out.Attempts = item.Attempts + 1
			out.Err = nil
			continue
		}

		metrics.SchedulerAttempts.WithLabelValues("failure").Inc()
		item.Attempts++
		out.Attempts = item.Attempts
		out.Err = err

		if item.Attempts%s.policy.Burst != 0 {
			s.logger.Warn("analysis failed, retrying",
				"asset", item.Asset,
				"attempts", item.Attempts,
				"error", err,
			)
			q.PushFront(item)
			if s.policy.Cooldown > 0 {
				// A cancelled cooldown leaves the item queued; the loop
				// condition then reports it as pending.
				_ = s.sleep(ctx, s.policy.Cooldown)
			}
			continue
		}

		s.logger.Warn("analysis burst exhausted, rotating",
			"asset", item.Asset,
			"attempts", item.Attempts,
			"error", err,
		)
		q.PushBack(item)
	}

	report := Report{Items: make([]Outcome, 0, len(order))}
	for _, asset := range order {
		o := outcomes[asset]
		if o.Err != nil {
			o.Error = o.Err.Error()
		}
		report.Items = append(report.Items, *o)
	}
	return report
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Queue is an explicit double-ended work queue. The zero value is empty
// and ready to use.
type Queue struct {
	items []*model.WorkItem
}

// NewQueue creates a queue holding one fresh item per asset, in order.
// Duplicates are ignored.
func NewQueue(assets ...string) *Queue {
	q := &Queue{}
	seen := make(map[string]bool, len(assets))
	for _, a := range assets {
		if seen[a] {
			continue
		}
		seen[a] = true
		q.PushBack(&model.WorkItem{Asset: a})
	}
	return q
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return len(q.items) }

// PushFront inserts it at the head.
func (q *Queue) PushFront(it *model.WorkItem) {
	q.items = append([]*model.WorkItem{it}, q.items...)
}

// PushBack appends it at the tail.
func (q *Queue) PushBack(it *model.WorkItem) {
	q.items = append(q.items, it)
}

// Pop removes and returns the head item.
func (q *Queue) Pop() (*model.WorkItem, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return it, true
}

// Assets returns the queued assets in order.
func (q *Queue) Assets() []string {
	out := make([]string, len(q.items))
	for i, it := range q.items {
		out[i] = it.Asset
	}
	return out
}
