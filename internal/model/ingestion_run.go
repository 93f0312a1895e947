package model

import (
	"time"

	"github.com/google/uuid"
)

// IngestionRun statuses. Running is the only non-terminal state; a run that
// reached Completed or Failed is never mutated again.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// IngestionRun is the audit record for one execution attempt of one chain's
// ingestion. Created with status "running" at run start and finalized exactly
// once with totals and a terminal status. The run controller is the only
// writer; the worker health surface reads these rows.
type IngestionRun struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Chain        string    `gorm:"size:64;not null;index:idx_run_chain_started,priority:1"`
	Status       string    `gorm:"size:32;not null;index"`
	StartedAt    time.Time `gorm:"not null;index:idx_run_chain_started,priority:2,sort:desc"`
	FinishedAt   *time.Time
	ItemsTotal   int `gorm:"not null;default:0"`
	ItemsChanged int `gorm:"not null;default:0"`
	ItemsFailed  int `gorm:"not null;default:0"`
}

// Duration returns the run's wall-clock duration, or zero while running.
func (r *IngestionRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Terminal reports whether the run has reached a final status.
func (r *IngestionRun) Terminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusFailed
}
