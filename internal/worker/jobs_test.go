package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryJobStoreRoundTrip(t *testing.T) {
	store := NewMemoryJobStore()
	ctx := context.Background()

	job := &Job{ID: "j1", Chain: "countdown", Status: JobStatusQueued, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.Put(ctx, job))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "countdown", got.Chain)
	assert.Equal(t, JobStatusQueued, got.Status)

	_, err = store.Get(ctx, "j2")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestIngestConsumerRunsTriggeredJob(t *testing.T) {
	store := NewMemoryJobStore()
	ctrl := &fakeCtrl{}
	sched := testScheduler(testRegistry("countdown"), ctrl)
	consumer := NewIngestConsumer(nil, store, sched)
	ctx := context.Background()

	job := &Job{ID: "j1", Chain: "countdown", Status: JobStatusQueued, CreatedAt: time.Now().UTC()}
	require.NoError(t, store.Put(ctx, job))

	msg, err := json.Marshal(jobMessage{JobID: "j1", Chain: "countdown"})
	require.NoError(t, err)
	consumer.process(ctx, string(msg))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFinished, got.Status)
	assert.NotNil(t, got.DoneAt)
	assert.Empty(t, got.Error)
	assert.Equal(t, []string{"run:countdown"}, ctrl.callList())
}

func TestIngestConsumerTriggerBypassesDueCheck(t *testing.T) {
	store := NewMemoryJobStore()
	ctrl := &fakeCtrl{}
	sched := testScheduler(testRegistry("countdown"), ctrl)
	consumer := NewIngestConsumer(nil, store, sched)
	ctx := context.Background()

	// Chain freshly completed: a scheduled pass would skip it.
	require.NoError(t, sched.RunSource(ctx, "countdown", false))
	require.False(t, sched.ShouldRun("countdown"))

	msg, _ := json.Marshal(jobMessage{JobID: "j1", Chain: "countdown"})
	consumer.process(ctx, string(msg))

	assert.Len(t, ctrl.callList(), 2)
}

func TestIngestConsumerRecordsFailure(t *testing.T) {
	store := NewMemoryJobStore()
	ctrl := &fakeCtrl{errs: map[string]error{"countdown": errors.New("scrape blocked")}}
	sched := testScheduler(testRegistry("countdown"), ctrl)
	consumer := NewIngestConsumer(nil, store, sched)
	ctx := context.Background()

	msg, _ := json.Marshal(jobMessage{JobID: "j1", Chain: "countdown"})
	consumer.process(ctx, string(msg))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "scrape blocked")
}

func TestIngestConsumerSignalsShutdown(t *testing.T) {
	// No server behind this address; the BRPOP loop fails fast and keeps
	// rechecking the context.
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	sched := testScheduler(testRegistry("countdown"), &fakeCtrl{})
	consumer := NewIngestConsumer(rdb, NewMemoryJobStore(), sched)

	ctx, cancel := context.WithCancel(context.Background())
	done := consumer.Start(ctx)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after cancellation")
	}
}

func TestIngestConsumerUnknownChainFailsJob(t *testing.T) {
	store := NewMemoryJobStore()
	sched := testScheduler(testRegistry("countdown"), &fakeCtrl{})
	consumer := NewIngestConsumer(nil, store, sched)
	ctx := context.Background()

	msg, _ := json.Marshal(jobMessage{JobID: "j1", Chain: "aldi"})
	consumer.process(ctx, string(msg))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, got.Status)
	assert.Contains(t, got.Error, "unknown chain")
}
