package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AxelMcKenna/Trolley/internal/model"
	"github.com/AxelMcKenna/Trolley/internal/repository"
)

// ── Stubs ─────────────────────────────────────────────────────────────────────

type stubStoreRepo struct {
	stores map[string][]model.Store
	err    error
}

func (s *stubStoreRepo) ListByChain(_ context.Context, chain string) ([]model.Store, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.stores[chain], nil
}

type stubRunRepo struct {
	runs map[uuid.UUID]*model.IngestionRun
}

func newStubRunRepo() *stubRunRepo {
	return &stubRunRepo{runs: make(map[uuid.UUID]*model.IngestionRun)}
}

func (s *stubRunRepo) Create(_ context.Context, run *model.IngestionRun) error {
	run.ID = uuid.New()
	saved := *run
	s.runs[run.ID] = &saved
	return nil
}

func (s *stubRunRepo) Finish(_ context.Context, id uuid.UUID, status string, finishedAt time.Time, totals repository.RunTotals) error {
	run, ok := s.runs[id]
	if !ok {
		return errors.New("run not found")
	}
	if run.Status != model.RunStatusRunning {
		return repository.ErrRunAlreadyFinished
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	run.ItemsTotal = totals.Total
	run.ItemsChanged = totals.Changed
	run.ItemsFailed = totals.Failed
	return nil
}

func (s *stubRunRepo) FindByID(_ context.Context, id uuid.UUID) (*model.IngestionRun, error) {
	run, ok := s.runs[id]
	if !ok {
		return nil, errors.New("run not found")
	}
	return run, nil
}

func (s *stubRunRepo) List(_ context.Context, _ string, _, _ int) ([]model.IngestionRun, error) {
	return nil, nil
}

func (s *stubRunRepo) LatestByChains(_ context.Context, _ []string) (map[string]model.IngestionRun, error) {
	return nil, nil
}

type sweepCall struct {
	kind     string // "chain", "stores", "expired"
	chain    string
	storeIDs []uuid.UUID
	at       time.Time
}

type stubSweepRepo struct {
	calls []sweepCall
	err   error
}

func (s *stubSweepRepo) SweepChainPromos(_ context.Context, chain string, runStartedAt time.Time) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.calls = append(s.calls, sweepCall{kind: "chain", chain: chain, at: runStartedAt})
	return 1, nil
}

func (s *stubSweepRepo) SweepStorePromos(_ context.Context, storeIDs []uuid.UUID, runStartedAt time.Time) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.calls = append(s.calls, sweepCall{kind: "stores", storeIDs: storeIDs, at: runStartedAt})
	return 1, nil
}

func (s *stubSweepRepo) SweepExpiredPromos(_ context.Context, now time.Time) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.calls = append(s.calls, sweepCall{kind: "expired", at: now})
	return 1, nil
}

// fakeAdapter serves pre-encoded pages; Parse decodes the JSON array of
// records written by encodePage.
type fakeAdapter struct {
	chain     string
	pages     []Page
	streamErr error
	parseErr  error
	panicOn   bool
}

func (a *fakeAdapter) Chain() string { return a.chain }

func (a *fakeAdapter) StreamPages(_ context.Context) (PageStream, error) {
	if a.streamErr != nil {
		return nil, a.streamErr
	}
	return NewPageSlice(a.pages), nil
}

func (a *fakeAdapter) Parse(page Page) ([]Record, error) {
	if a.panicOn {
		panic("adapter bug")
	}
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	var records []Record
	if err := json.Unmarshal(page, &records); err != nil {
		return nil, err
	}
	return records, nil
}

type fakePerStoreAdapter struct {
	fakeAdapter
	onlineIDs     []string
	storePages    map[string][]Page
	storeErrs     map[string]error
	streamedFor   []string
	onlineFetches int
}

func (a *fakePerStoreAdapter) OnlineStoreIDs(_ context.Context) ([]string, error) {
	a.onlineFetches++
	return a.onlineIDs, nil
}

func (a *fakePerStoreAdapter) StreamStorePages(_ context.Context, storeAPIID string) (PageStream, error) {
	if err := a.storeErrs[storeAPIID]; err != nil {
		return nil, err
	}
	a.streamedFor = append(a.streamedFor, storeAPIID)
	return NewPageSlice(a.storePages[storeAPIID]), nil
}

// scriptStream yields a scripted sequence of pages and errors, then io.EOF.
type scriptStep struct {
	page   Page
	err    error
	cancel context.CancelFunc
}

type scriptStream struct {
	steps []scriptStep
	next  int
}

func (s *scriptStream) Next(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.steps) {
		return nil, io.EOF
	}
	step := s.steps[s.next]
	s.next++
	if step.cancel != nil {
		step.cancel()
		return nil, ctx.Err()
	}
	return step.page, step.err
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func encodePage(t *testing.T, records ...Record) Page {
	t.Helper()
	data, err := json.Marshal(records)
	require.NoError(t, err)
	return Page(data)
}

type harness struct {
	catalog *memCatalog
	stores  *stubStoreRepo
	runs    *stubRunRepo
	sweep   *stubSweepRepo
	ctrl    *Controller
}

func newHarness(stores map[string][]model.Store) *harness {
	h := &harness{
		catalog: newMemCatalog(),
		stores:  &stubStoreRepo{stores: stores},
		runs:    newStubRunRepo(),
		sweep:   &stubSweepRepo{},
	}
	h.ctrl = NewController(h.catalog, h.stores, h.runs, NewEngine(), NewSweeper(h.sweep))
	return h
}

func (h *harness) sweepKinds() []string {
	kinds := make([]string, len(h.sweep.calls))
	for i, c := range h.sweep.calls {
		kinds[i] = c.kind
	}
	return kinds
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestRunCompletes(t *testing.T) {
	store := testStore("countdown", "Ponsonby")
	h := newHarness(map[string][]model.Store{"countdown": {store}})
	adapter := &fakeAdapter{chain: "countdown", pages: []Page{
		encodePage(t, rec("p1", "Milk 2L", 6.50), rec("p2", "Bread", 3.80)),
		encodePage(t, rec("p3", "Butter", 7.90)),
	}}

	run, err := h.ctrl.Run(context.Background(), adapter)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, 3, run.ItemsTotal)
	assert.Equal(t, 3, run.ItemsChanged)
	assert.Equal(t, 0, run.ItemsFailed)

	// Persisted row agrees with the returned struct.
	saved, err := h.runs.FindByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, saved.Status)

	// Exactly one chain-wide sweep, scoped by the run's start time.
	require.Equal(t, []string{"chain"}, h.sweepKinds())
	assert.Equal(t, "countdown", h.sweep.calls[0].chain)
	assert.Equal(t, run.StartedAt, h.sweep.calls[0].at)
}

func TestRunPageFailuresAreIsolated(t *testing.T) {
	store := testStore("countdown", "Ponsonby")
	h := newHarness(map[string][]model.Store{"countdown": {store}})

	good := encodePage(t, rec("p1", "Milk 2L", 6.50))
	adapter := &fakeAdapter{chain: "countdown", pages: []Page{
		good,
		Page("{not json"),
		encodePage(t, rec("p2", "Bread", 3.80)),
	}}

	run, err := h.ctrl.Run(context.Background(), adapter)
	require.NoError(t, err)

	// The bad page is a counter, not a run failure.
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.ItemsTotal)
	assert.Equal(t, 1, run.ItemsFailed)
	assert.Len(t, h.catalog.products, 2)
}

func TestRunStreamOpenFailureFailsRun(t *testing.T) {
	h := newHarness(map[string][]model.Store{"countdown": {testStore("countdown", "Ponsonby")}})
	adapter := &fakeAdapter{chain: "countdown", streamErr: errors.New("login rejected")}

	run, err := h.ctrl.Run(context.Background(), adapter)
	require.Error(t, err)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Empty(t, h.sweep.calls)
}

func TestRunCancellationFailsRun(t *testing.T) {
	store := testStore("countdown", "Ponsonby")
	h := newHarness(map[string][]model.Store{"countdown": {store}})

	ctx, cancel := context.WithCancel(context.Background())
	stream := &scriptStream{steps: []scriptStep{
		{page: encodePage(t, rec("p1", "Milk 2L", 6.50))},
		{cancel: cancel},
	}}
	adapter := &streamAdapter{chain: "countdown", stream: stream}

	run, err := h.ctrl.Run(ctx, adapter)
	require.ErrorIs(t, err, context.Canceled)

	// Finalized despite the cancelled context.
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Equal(t, 1, run.ItemsTotal)
}

func TestRunSweepFailureDoesNotFailRun(t *testing.T) {
	store := testStore("countdown", "Ponsonby")
	h := newHarness(map[string][]model.Store{"countdown": {store}})
	h.sweep.err = errors.New("deadlock detected")
	adapter := &fakeAdapter{chain: "countdown", pages: []Page{encodePage(t, rec("p1", "Milk 2L", 6.50))}}

	run, err := h.ctrl.Run(context.Background(), adapter)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
}

func TestRunWriteFailureCountsPage(t *testing.T) {
	store := testStore("countdown", "Ponsonby")
	h := newHarness(map[string][]model.Store{"countdown": {store}})
	h.catalog.failWrites = true
	adapter := &fakeAdapter{chain: "countdown", pages: []Page{encodePage(t, rec("p1", "Milk 2L", 6.50))}}

	run, err := h.ctrl.Run(context.Background(), adapter)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.ItemsFailed)
}

func TestRunPanicIsRecovered(t *testing.T) {
	store := testStore("countdown", "Ponsonby")
	h := newHarness(map[string][]model.Store{"countdown": {store}})
	adapter := &fakeAdapter{chain: "countdown", panicOn: true,
		pages: []Page{encodePage(t, rec("p1", "Milk 2L", 6.50))}}

	run, err := h.ctrl.Run(context.Background(), adapter)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, model.RunStatusFailed, run.Status)
}

func TestRunPerStorePartitionsAndSweeps(t *testing.T) {
	api1, api2 := "s1", "s2"
	online1 := model.Store{ID: uuid.New(), Chain: "countdown", Name: "Ponsonby", APIID: &api1}
	online2 := model.Store{ID: uuid.New(), Chain: "countdown", Name: "Newmarket", APIID: &api2}
	offline := model.Store{ID: uuid.New(), Chain: "countdown", Name: "Te Anau"}

	h := newHarness(map[string][]model.Store{"countdown": {online1, online2, offline}})
	adapter := &fakePerStoreAdapter{
		fakeAdapter: fakeAdapter{chain: "countdown", pages: []Page{
			encodePage(t, rec("p9", "Fallback item", 2.50)),
		}},
		onlineIDs: []string{api1, api2},
		storePages: map[string][]Page{
			api1: {encodePage(t, rec("p1", "Milk 2L", 6.50))},
			api2: {encodePage(t, rec("p1", "Milk 2L", 6.70))},
		},
	}

	run, err := h.ctrl.RunPerStore(context.Background(), adapter)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, []string{api1, api2}, adapter.streamedFor)
	assert.Equal(t, 3, run.ItemsTotal)

	// One sweep per online store, then one scoped to the fallback subset.
	require.Equal(t, []string{"stores", "stores", "stores"}, h.sweepKinds())
	assert.Equal(t, []uuid.UUID{online1.ID}, h.sweep.calls[0].storeIDs)
	assert.Equal(t, []uuid.UUID{online2.ID}, h.sweep.calls[1].storeIDs)
	assert.Equal(t, []uuid.UUID{offline.ID}, h.sweep.calls[2].storeIDs)

	// Per-store prices stay per store; the fallback record lands only on the
	// offline store.
	assert.NotNil(t, h.catalog.priceFor("countdown", "p1", online1.ID))
	assert.Nil(t, h.catalog.priceFor("countdown", "p1", offline.ID))
	assert.NotNil(t, h.catalog.priceFor("countdown", "p9", offline.ID))
	assert.Nil(t, h.catalog.priceFor("countdown", "p9", online1.ID))
}

func TestRunPerStoreStoreStreamFailureIsCounted(t *testing.T) {
	api1, api2 := "s1", "s2"
	online1 := model.Store{ID: uuid.New(), Chain: "countdown", Name: "Ponsonby", APIID: &api1}
	online2 := model.Store{ID: uuid.New(), Chain: "countdown", Name: "Newmarket", APIID: &api2}

	h := newHarness(map[string][]model.Store{"countdown": {online1, online2}})
	adapter := &fakePerStoreAdapter{
		fakeAdapter: fakeAdapter{chain: "countdown"},
		onlineIDs:   []string{api1, api2},
		storeErrs:   map[string]error{api1: errors.New("store endpoint down")},
		storePages: map[string][]Page{
			api2: {encodePage(t, rec("p1", "Milk 2L", 6.70))},
		},
	}

	run, err := h.ctrl.RunPerStore(context.Background(), adapter)
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.ItemsFailed)
	assert.Equal(t, []string{api2}, adapter.streamedFor)
	// No fallback subset exists, so only the surviving store was swept.
	require.Equal(t, []string{"stores"}, h.sweepKinds())
	assert.Equal(t, []uuid.UUID{online2.ID}, h.sweep.calls[0].storeIDs)
}

func TestRunSequenceTracksChangesAcrossRuns(t *testing.T) {
	store := testStore("X", "L1")
	h := newHarness(map[string][]model.Store{"X": {store}})
	ctx := context.Background()

	runOnce := func(records ...Record) *model.IngestionRun {
		adapter := &fakeAdapter{chain: "X", pages: []Page{encodePage(t, records...)}}
		run, err := h.ctrl.Run(ctx, adapter)
		require.NoError(t, err)
		require.Equal(t, model.RunStatusCompleted, run.Status)
		return run
	}

	// Run 1: new product, new price row.
	run1 := runOnce(rec("P1", "Widget", 10.00))
	assert.Equal(t, 1, run1.ItemsChanged)
	row := h.catalog.priceFor("X", "P1", store.ID)
	require.NotNil(t, row)
	assert.Nil(t, row.PromoPriceNZD)

	// Run 2: promo appears, counts as one change.
	run2 := runOnce(recPromo("P1", "Widget", 10.00, 8.00))
	assert.Equal(t, 1, run2.ItemsChanged)
	row = h.catalog.priceFor("X", "P1", store.ID)
	require.NotNil(t, row.PromoPriceNZD)

	// Run 3: identical values, nothing changed but the row was re-seen.
	run3 := runOnce(recPromo("P1", "Widget", 10.00, 8.00))
	assert.Equal(t, 0, run3.ItemsChanged)
	assert.Equal(t, 1, run3.ItemsTotal)

	// Each run swept the chain with its own start time.
	require.Equal(t, []string{"chain", "chain", "chain"}, h.sweepKinds())
}

// streamAdapter exposes a pre-built stream, for scripted failure scenarios.
type streamAdapter struct {
	chain  string
	stream PageStream
}

func (a *streamAdapter) Chain() string { return a.chain }

func (a *streamAdapter) StreamPages(_ context.Context) (PageStream, error) { return a.stream, nil }

func (a *streamAdapter) Parse(page Page) ([]Record, error) {
	var records []Record
	if err := json.Unmarshal(page, &records); err != nil {
		return nil, err
	}
	return records, nil
}
