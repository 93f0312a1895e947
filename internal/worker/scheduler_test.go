package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AxelMcKenna/Trolley/internal/ingest"
	"github.com/AxelMcKenna/Trolley/internal/model"
)

// ── Stubs ─────────────────────────────────────────────────────────────────────

type stubAdapter struct{ chain string }

func (a *stubAdapter) Chain() string { return a.chain }

func (a *stubAdapter) StreamPages(_ context.Context) (ingest.PageStream, error) {
	return ingest.NewPageSlice(nil), nil
}

func (a *stubAdapter) Parse(_ ingest.Page) ([]ingest.Record, error) { return nil, nil }

type stubPerStoreAdapter struct{ stubAdapter }

func (a *stubPerStoreAdapter) OnlineStoreIDs(_ context.Context) ([]string, error) { return nil, nil }

func (a *stubPerStoreAdapter) StreamStorePages(_ context.Context, _ string) (ingest.PageStream, error) {
	return ingest.NewPageSlice(nil), nil
}

// fakeCtrl records which controller entry point ran for which chain.
type fakeCtrl struct {
	mu      sync.Mutex
	calls   []string
	starts  []time.Time
	errs    map[string]error
	started chan string   // signalled when a run begins, if non-nil
	release chan struct{} // runs block until closed, if non-nil
}

func (c *fakeCtrl) record(mode, chain string) {
	c.mu.Lock()
	c.calls = append(c.calls, mode+":"+chain)
	c.starts = append(c.starts, time.Now())
	c.mu.Unlock()
}

func (c *fakeCtrl) run(ctx context.Context, mode, chain string) (*model.IngestionRun, error) {
	c.record(mode, chain)
	if c.started != nil {
		c.started <- chain
	}
	if c.release != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.release:
		}
	}
	if err := c.errs[chain]; err != nil {
		return nil, err
	}
	return &model.IngestionRun{Chain: chain, Status: model.RunStatusCompleted}, nil
}

func (c *fakeCtrl) Run(ctx context.Context, adapter ingest.SourceAdapter) (*model.IngestionRun, error) {
	return c.run(ctx, "run", adapter.Chain())
}

func (c *fakeCtrl) RunPerStore(ctx context.Context, adapter ingest.PerStoreAdapter) (*model.IngestionRun, error) {
	return c.run(ctx, "perstore", adapter.Chain())
}

func (c *fakeCtrl) callList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeCtrl) startTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.starts...)
}

func testRegistry(chains ...string) *Registry {
	r := NewRegistry()
	for _, chain := range chains {
		chain := chain
		r.Register(chain, func() ingest.SourceAdapter { return &stubAdapter{chain: chain} })
	}
	return r
}

func testScheduler(registry *Registry, ctrl runController) *Scheduler {
	return NewScheduler(registry, ctrl, SchedulerConfig{
		Interval: time.Hour,
		Timeout:  time.Minute,
	})
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestRunSourceDuePolicy(t *testing.T) {
	ctrl := &fakeCtrl{}
	sched := testScheduler(testRegistry("countdown"), ctrl)

	now := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	sched.now = func() time.Time { return now }

	require.True(t, sched.ShouldRun("countdown"))
	require.NoError(t, sched.RunSource(context.Background(), "countdown", false))

	// Fresh completion: not due again within the interval.
	assert.False(t, sched.ShouldRun("countdown"))
	assert.ErrorIs(t, sched.RunSource(context.Background(), "countdown", false), ErrNotDue)

	// Force bypasses the due check.
	require.NoError(t, sched.RunSource(context.Background(), "countdown", true))

	// The interval elapsing makes the chain due again.
	now = now.Add(2 * time.Hour)
	assert.True(t, sched.ShouldRun("countdown"))
	require.NoError(t, sched.RunSource(context.Background(), "countdown", false))

	assert.Len(t, ctrl.callList(), 3)
}

func TestRunSourceUnknownChain(t *testing.T) {
	sched := testScheduler(testRegistry(), &fakeCtrl{})
	err := sched.RunSource(context.Background(), "nosuch", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown chain")
	// The slot was released despite the failure.
	assert.False(t, sched.Running("nosuch"))
}

func TestRunSourceRejectsConcurrentRun(t *testing.T) {
	ctrl := &fakeCtrl{started: make(chan string), release: make(chan struct{})}
	sched := testScheduler(testRegistry("countdown"), ctrl)

	done := make(chan error, 1)
	go func() { done <- sched.RunSource(context.Background(), "countdown", false) }()
	<-ctrl.started

	// One run per chain, force included.
	assert.ErrorIs(t, sched.RunSource(context.Background(), "countdown", false), ErrAlreadyRunning)
	assert.ErrorIs(t, sched.RunSource(context.Background(), "countdown", true), ErrAlreadyRunning)
	assert.True(t, sched.Running("countdown"))

	close(ctrl.release)
	require.NoError(t, <-done)
	assert.False(t, sched.Running("countdown"))
}

func TestRunSourceFailureKeepsChainDue(t *testing.T) {
	ctrl := &fakeCtrl{errs: map[string]error{"countdown": errors.New("scrape blew up")}}
	sched := testScheduler(testRegistry("countdown"), ctrl)

	require.Error(t, sched.RunSource(context.Background(), "countdown", false))

	_, recorded := sched.LastCompleted("countdown")
	assert.False(t, recorded)
	assert.True(t, sched.ShouldRun("countdown"))
}

func TestRunSourceTimeout(t *testing.T) {
	ctrl := &fakeCtrl{release: make(chan struct{})} // never released: run blocks until deadline
	sched := NewScheduler(testRegistry("countdown"), ctrl, SchedulerConfig{
		Interval: time.Hour,
		Timeout:  20 * time.Millisecond,
	})

	err := sched.RunSource(context.Background(), "countdown", false)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, recorded := sched.LastCompleted("countdown")
	assert.False(t, recorded)
}

func TestRunSourceDispatchesPerStoreAdapter(t *testing.T) {
	ctrl := &fakeCtrl{}
	registry := NewRegistry()
	registry.Register("countdown", func() ingest.SourceAdapter {
		return &stubPerStoreAdapter{stubAdapter{chain: "countdown"}}
	})
	registry.Register("paknsave", func() ingest.SourceAdapter { return &stubAdapter{chain: "paknsave"} })
	sched := testScheduler(registry, ctrl)

	require.NoError(t, sched.RunSource(context.Background(), "countdown", true))
	require.NoError(t, sched.RunSource(context.Background(), "paknsave", true))

	assert.Equal(t, []string{"perstore:countdown", "run:paknsave"}, ctrl.callList())
}

func TestRunDueIsolatesFailures(t *testing.T) {
	ctrl := &fakeCtrl{errs: map[string]error{"new_world": errors.New("blocked")}}
	sched := testScheduler(testRegistry("countdown", "new_world", "paknsave"), ctrl)

	sched.RunDue(context.Background(), false)

	// All three ran, in registry (sorted) order, despite the middle failure.
	assert.Equal(t, []string{"run:countdown", "run:new_world", "run:paknsave"}, ctrl.callList())

	_, ok := sched.LastCompleted("countdown")
	assert.True(t, ok)
	_, ok = sched.LastCompleted("new_world")
	assert.False(t, ok)
	_, ok = sched.LastCompleted("paknsave")
	assert.True(t, ok)
}

func TestRunDuePacesFromFirstRun(t *testing.T) {
	ctrl := &fakeCtrl{}
	sched := NewScheduler(testRegistry("countdown", "new_world", "paknsave"), ctrl, SchedulerConfig{
		Interval:        time.Hour,
		Timeout:         time.Minute,
		SequentialDelay: 150 * time.Millisecond,
	})

	sched.RunDue(context.Background(), false)

	starts := ctrl.startTimes()
	require.Len(t, starts, 3)
	// The gap applies to every consecutive pair, including runs 1 and 2: a
	// freshly filled token bucket must not let them start back to back.
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 100*time.Millisecond,
			"runs %d and %d started without the configured gap", i, i+1)
	}
}

func TestRunDueParallelRunsAll(t *testing.T) {
	ctrl := &fakeCtrl{errs: map[string]error{"paknsave": errors.New("blocked")}}
	sched := testScheduler(testRegistry("countdown", "new_world", "paknsave"), ctrl)

	sched.RunDueParallel(context.Background(), false)

	assert.ElementsMatch(t,
		[]string{"run:countdown", "run:new_world", "run:paknsave"},
		ctrl.callList())
	_, ok := sched.LastCompleted("countdown")
	assert.True(t, ok)
	_, ok = sched.LastCompleted("paknsave")
	assert.False(t, ok)
}
