package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// QueueIngest is the Redis list carrying manually triggered ingestion jobs
// from the API process to the worker.
const QueueIngest = "jobs:ingest"

// Job statuses for manually triggered ingestion jobs.
const (
	JobStatusQueued   = "queued"
	JobStatusRunning  = "running"
	JobStatusFinished = "finished"
	JobStatusFailed   = "failed"
)

// ErrJobNotFound means the job id is unknown or its record has expired.
var ErrJobNotFound = errors.New("job not found")

// jobTTL keeps trigger job records queryable for a day; after that the
// ingestion run rows are the durable record.
const jobTTL = 24 * time.Hour

// Job tracks one manually triggered ingestion from enqueue to completion.
type Job struct {
	ID        string     `json:"id"`
	Chain     string     `json:"chain"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DoneAt    *time.Time `json:"done_at,omitempty"`
}

// jobMessage is the queue envelope; the job record itself lives in the store.
type jobMessage struct {
	JobID string `json:"job_id"`
	Chain string `json:"chain"`
}

// JobStore persists trigger job records so API clients can poll them.
type JobStore interface {
	Put(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
}

// RedisJobStore keeps job records in Redis with a TTL, visible to both the
// API and worker processes.
type RedisJobStore struct {
	client *redis.Client
}

func NewRedisJobStore(client *redis.Client) *RedisJobStore {
	return &RedisJobStore{client: client}
}

func jobKey(id string) string {
	return "jobs:ingest:" + id
}

func (s *RedisJobStore) Put(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := s.client.Set(ctx, jobKey(job.ID), data, jobTTL).Err(); err != nil {
		return fmt.Errorf("store job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (*Job, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// MemoryJobStore is the in-process JobStore used in tests.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]Job)}
}

func (s *MemoryJobStore) Put(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &job, nil
}

// Dispatcher enqueues ingestion trigger jobs from the API process.
// The worker dequeues them via BRPOP.
type Dispatcher struct {
	rdb   *redis.Client
	store JobStore
	now   func() time.Time
}

func NewDispatcher(rdb *redis.Client, store JobStore) *Dispatcher {
	return &Dispatcher{rdb: rdb, store: store, now: time.Now}
}

// Enqueue records a queued job for chain and pushes it onto the ingest
// queue. Chain validity is the caller's responsibility; the worker will fail
// the job if the chain is unknown to its registry.
func (d *Dispatcher) Enqueue(ctx context.Context, chain string) (*Job, error) {
	now := d.now().UTC()
	job := &Job{
		ID:        uuid.NewString(),
		Chain:     chain,
		Status:    JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.Put(ctx, job); err != nil {
		return nil, err
	}

	msg, err := json.Marshal(jobMessage{JobID: job.ID, Chain: chain})
	if err != nil {
		return nil, fmt.Errorf("marshal job message: %w", err)
	}
	if err := d.rdb.LPush(ctx, QueueIngest, msg).Err(); err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return job, nil
}

// IngestConsumer drains the ingest queue in the worker process, running each
// triggered job through the scheduler with the due check bypassed.
type IngestConsumer struct {
	rdb   *redis.Client
	store JobStore
	sched *Scheduler
	now   func() time.Time
}

func NewIngestConsumer(rdb *redis.Client, store JobStore, sched *Scheduler) *IngestConsumer {
	return &IngestConsumer{rdb: rdb, store: store, sched: sched, now: time.Now}
}

// Start launches the consumer goroutine. Each iteration blocks on BRPOP with
// a short timeout so the context is rechecked while idle. The returned
// channel closes once the goroutine has drained its current job and exited,
// so shutdown can wait for in-flight work.
func (c *IngestConsumer) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info().Str("queue", QueueIngest).Msg("ingest consumer started")
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("ingest consumer shutting down")
				return
			default:
				result, err := c.rdb.BRPop(ctx, 5*time.Second, QueueIngest).Result()
				if err != nil {
					continue // timeout or context cancelled
				}
				if len(result) < 2 {
					continue
				}
				c.process(ctx, result[1])
			}
		}
	}()
	return done
}

func (c *IngestConsumer) process(ctx context.Context, raw string) {
	var msg jobMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		log.Error().Err(err).Str("queue", QueueIngest).Msg("failed to unmarshal job message")
		return
	}

	job, err := c.store.Get(ctx, msg.JobID)
	if errors.Is(err, ErrJobNotFound) {
		// Record expired or was never written; run anyway, the chain was
		// explicitly requested.
		job = &Job{ID: msg.JobID, Chain: msg.Chain, Status: JobStatusQueued, CreatedAt: c.now().UTC()}
	} else if err != nil {
		log.Error().Err(err).Str("job_id", msg.JobID).Msg("failed to load job record")
		job = &Job{ID: msg.JobID, Chain: msg.Chain, Status: JobStatusQueued, CreatedAt: c.now().UTC()}
	}

	c.update(ctx, job, JobStatusRunning, nil)
	log.Info().Str("job_id", job.ID).Str("chain", job.Chain).Msg("processing triggered ingestion")

	if err := c.sched.RunSource(ctx, job.Chain, true); err != nil {
		c.update(ctx, job, JobStatusFailed, err)
		return
	}
	c.update(ctx, job, JobStatusFinished, nil)
}

func (c *IngestConsumer) update(ctx context.Context, job *Job, status string, cause error) {
	now := c.now().UTC()
	job.Status = status
	job.UpdatedAt = now
	if cause != nil {
		job.Error = cause.Error()
	}
	if status == JobStatusFinished || status == JobStatusFailed {
		job.DoneAt = &now
	}
	if err := c.store.Put(ctx, job); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Str("status", status).
			Msg("failed to persist job status")
	}
}
