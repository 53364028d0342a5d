package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/paper-trader/internal/model"
)

var errFlaky = errors.New("rate limited")

func noSleep(context.Context, time.Duration) error { return nil }

func newTestScheduler() *Scheduler {
	return New(DefaultPolicy(), nil).WithSleeper(noSleep)
}

// recorder returns a task that fails for assets in failing and logs every call.
func recorder(failing map[string]int) (Task, *[]string) {
	var calls []string
	task := func(_ context.Context, asset string) error {
		calls = append(calls, asset)
		if n, ok := failing[asset]; ok {
			if n < 0 {
				return errFlaky
			}
			if n > 0 {
				failing[asset] = n - 1
				return errFlaky
			}
		}
		return nil
	}
	return task, &calls
}

func TestQueue_Order(t *testing.T) {
	q := NewQueue("BTC", "ETH", "BTC", "SOL")
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, q.Assets())

	q.PushFront(&model.WorkItem{Asset: "ADA"})
	q.PushBack(&model.WorkItem{Asset: "DOT"})
	assert.Equal(t, 5, q.Len())

	it, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "ADA", it.Asset)
	assert.Equal(t, []string{"BTC", "ETH", "SOL", "DOT"}, q.Assets())

	var empty Queue
	_, ok = empty.Pop()
	assert.False(t, ok)
}

func TestRun_AllSucceed(t *testing.T) {
	task, calls := recorder(nil)
	r := newTestScheduler().Run(context.Background(), NewQueue("BTC", "ETH"), task)

	assert.Equal(t, []string{"BTC", "ETH"}, *calls)
	assert.Equal(t, []string{"BTC", "ETH"}, r.Assets(StateCompleted))
	o, ok := r.Get("ETH")
	require.True(t, ok)
	assert.Equal(t, 1, o.Attempts)
	assert.NoError(t, o.Err)
}

func TestRun_BurstThenRotate(t *testing.T) {
	task, calls := recorder(map[string]int{"BTC": 6})
	r := newTestScheduler().Run(context.Background(), NewQueue("BTC", "ETH"), task)

	// Five immediate retries, then ETH gets its turn before the sixth.
	want := []string{"BTC", "BTC", "BTC", "BTC", "BTC", "ETH", "BTC", "BTC"}
	assert.Equal(t, want, *calls)

	o, _ := r.Get("BTC")
	assert.Equal(t, StateCompleted, o.State)
	assert.Equal(t, 7, o.Attempts)
}

func TestRun_HardCap(t *testing.T) {
	task, calls := recorder(map[string]int{"BTC": -1})
	r := newTestScheduler().Run(context.Background(), NewQueue("BTC", "ETH", "SOL"), task)

	btc := 0
	for _, c := range *calls {
		if c == "BTC" {
			btc++
		}
	}
	assert.Equal(t, 15, btc)

	o, _ := r.Get("BTC")
	assert.Equal(t, StateFailed, o.State)
	assert.Equal(t, 15, o.Attempts)
	assert.True(t, errors.Is(o.Err, ErrExhausted))
	assert.True(t, errors.Is(o.Err, errFlaky))
	assert.NotEmpty(t, o.Error)

	assert.ElementsMatch(t, []string{"ETH", "SOL"}, r.Assets(StateCompleted))
}

func TestRun_CooldownBeforeImmediateRetryOnly(t *testing.T) {
	var sleeps int
	s := New(DefaultPolicy(), nil).WithSleeper(func(context.Context, time.Duration) error {
		sleeps++
		return nil
	})
	task, _ := recorder(map[string]int{"BTC": 5})
	s.Run(context.Background(), NewQueue("BTC"), task)

	// Attempts 1..4 retry at the front; attempt 5 rotates without sleeping.
	assert.Equal(t, 4, sleeps)
}

func TestRun_CancellationBetweenItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls []string
	task := func(_ context.Context, asset string) error {
		calls = append(calls, asset)
		if asset == "ETH" {
			cancel()
		}
		return nil
	}
	r := newTestScheduler().Run(ctx, NewQueue("BTC", "ETH", "SOL"), task)

	assert.Equal(t, []string{"BTC", "ETH"}, calls)
	assert.Equal(t, []string{"BTC", "ETH"}, r.Assets(StateCompleted))
	assert.Equal(t, []string{"SOL"}, r.Assets(StatePending))
}

func TestRun_PreExhaustedItemNeverRuns(t *testing.T) {
	q := &Queue{}
	q.PushBack(&model.WorkItem{Asset: "BTC", Attempts: 15})
	task, calls := recorder(nil)

	r := newTestScheduler().Run(context.Background(), q, task)
	assert.Empty(t, *calls)
	o, _ := r.Get("BTC")
	assert.Equal(t, StateFailed, o.State)
	assert.ErrorIs(t, o.Err, ErrExhausted)
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.Error(t, Policy{Burst: 0, Cap: 15}.Validate())
	assert.Error(t, Policy{Burst: 5, Cap: 4}.Validate())
	assert.Error(t, Policy{Burst: 1, Cap: 1, Cooldown: -time.Second}.Validate())

	s := New(Policy{Burst: 0}, nil)
	assert.Equal(t, DefaultPolicy(), s.Policy())
}
