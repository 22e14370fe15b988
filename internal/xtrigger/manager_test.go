package xtrigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclon/internal/async"
	"cyclon/internal/cycling"
	"cyclon/internal/graph"
)

type collector struct {
	mu      sync.Mutex
	results []Result
}

func (c *collector) deliver(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *collector) all() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.results...)
}

func TestEvalWallClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(mock, async.NewPool(1, nil), func(Result) {}, nil)

	point, err := cycling.ParsePoint("2020-01-01T01", cycling.CalendarGregorian)
	require.NoError(t, err)
	call := graph.Call{Func: WallClockFunc, Args: map[string]string{"offset": "PT0S"}}

	due, err := m.EvalWallClock(call, point)
	require.NoError(t, err)
	assert.False(t, due, "clock has not reached the cycle point yet")

	mock.Set(time.Date(2020, 1, 1, 1, 0, 0, 0, time.UTC))
	due, err = m.EvalWallClock(call, point)
	require.NoError(t, err)
	assert.True(t, due)

	// A negative offset triggers ahead of the cycle point.
	early := graph.Call{Func: WallClockFunc, Args: map[string]string{"offset": "-PT2H"}}
	mock.Set(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	point2, err := cycling.ParsePoint("2020-01-01T02", cycling.CalendarGregorian)
	require.NoError(t, err)
	due, err = m.EvalWallClock(early, point2)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestAsyncEvaluationMemoises(t *testing.T) {
	c := &collector{}
	workers := async.NewPool(2, nil)
	m := New(clock.New(), workers, c.deliver, nil)

	calls := 0
	var mu sync.Mutex
	m.Register("upstream_ready", func(_ context.Context, args map[string]string) (bool, map[string]string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return true, map[string]string{"path": "/data/" + args["cycle"]}, nil
	})

	call := graph.Call{Func: "upstream_ready", Args: map[string]string{"cycle": "20200101T0000Z"}}
	m.RequestEval(context.Background(), call)
	workers.Wait()

	results := c.all()
	require.Len(t, results, 1)
	assert.True(t, results[0].Satisfied)
	assert.Equal(t, "/data/20200101T0000Z", results[0].Output["path"])

	out, ok := m.Satisfied(call.Signature())
	require.True(t, ok, "satisfied result must be memoised")
	assert.Equal(t, "/data/20200101T0000Z", out["path"])

	// Re-requesting a satisfied call evaluates nothing.
	m.RequestEval(context.Background(), call)
	workers.Wait()
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestFailingXtriggerIsNotYetSatisfied(t *testing.T) {
	c := &collector{}
	workers := async.NewPool(1, nil)
	mock := clock.NewMock()
	m := New(mock, workers, c.deliver, nil)

	m.Register("flaky", func(context.Context, map[string]string) (bool, map[string]string, error) {
		panic("kaboom")
	})

	call := graph.Call{Func: "flaky", Args: map[string]string{}}
	m.RequestEval(context.Background(), call)
	workers.Wait()

	results := c.all()
	require.Len(t, results, 1)
	assert.False(t, results[0].Satisfied)
	_, ok := m.Satisfied(call.Signature())
	assert.False(t, ok)

	// Within the repeat interval the call is not re-evaluated.
	m.RequestEval(context.Background(), call)
	workers.Wait()
	assert.Len(t, c.all(), 1)

	// After the interval it is.
	mock.Add(DefaultRepeat + time.Second)
	m.RequestEval(context.Background(), call)
	workers.Wait()
	assert.Len(t, c.all(), 2)
}

func TestSharedEvaluation(t *testing.T) {
	workers := async.NewPool(1, nil)
	c := &collector{}
	m := New(clock.New(), workers, c.deliver, nil)

	evals := 0
	var mu sync.Mutex
	block := make(chan struct{})
	m.Register("slow", func(context.Context, map[string]string) (bool, map[string]string, error) {
		mu.Lock()
		evals++
		mu.Unlock()
		<-block
		return true, nil, nil
	})

	// Two tasks resolving to the identical call share one evaluation.
	call := graph.Call{Func: "slow", Args: map[string]string{"x": "1"}}
	m.RequestEval(context.Background(), call)
	m.RequestEval(context.Background(), call)
	close(block)
	workers.Wait()

	mu.Lock()
	assert.Equal(t, 1, evals)
	mu.Unlock()
}

func TestSequentialDefaults(t *testing.T) {
	m := New(nil, async.NewPool(1, nil), func(Result) {}, nil)
	assert.True(t, m.Sequential(WallClockFunc))
	assert.False(t, m.Sequential("custom"))
	assert.True(t, m.Known(WallClockFunc))
	assert.False(t, m.Known("custom"))
}
