// Package dto holds the request and response shapes for the HTTP API.
// Keeping them separate from the GORM models prevents persistence details
// from leaking into responses.
package dto

import "time"

// IngestionRunResponse is the API shape of one ingestion run.
type IngestionRunResponse struct {
	ID              string     `json:"id"`
	Chain           string     `json:"chain"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
	DurationSeconds *float64   `json:"duration_seconds"`
	ItemsTotal      int        `json:"items_total"`
	ItemsChanged    int        `json:"items_changed"`
	ItemsFailed     int        `json:"items_failed"`
}

// ScraperStatus is the per-chain block of the worker health response.
type ScraperStatus struct {
	Chain                  string     `json:"chain"`
	Status                 string     `json:"status"`
	LastRunStarted         *time.Time `json:"last_run_started"`
	LastRunFinished        *time.Time `json:"last_run_finished"`
	LastRunDurationSeconds *float64   `json:"last_run_duration_seconds"`
	ItemsTotal             *int       `json:"items_total"`
	ItemsChanged           *int       `json:"items_changed"`
	ItemsFailed            *int       `json:"items_failed"`
	SuccessRate            *float64   `json:"success_rate"`
	HoursSinceLastRun      *float64   `json:"hours_since_last_run"`
}

// WorkerHealthResponse summarizes ingestion health across all chains.
type WorkerHealthResponse struct {
	Healthy                  bool            `json:"healthy"`
	TotalScrapers            int             `json:"total_scrapers"`
	ScrapersHealthy          int             `json:"scrapers_healthy"`
	ScrapersFailing          int             `json:"scrapers_failing"`
	ScrapersNeverRun         int             `json:"scrapers_never_run"`
	ScrapersRunning          int             `json:"scrapers_running"`
	OldestSuccessfulRunHours *float64        `json:"oldest_successful_run_hours"`
	Scrapers                 []ScraperStatus `json:"scrapers"`
}

// TriggerResponse acknowledges a manual ingestion request.
type TriggerResponse struct {
	JobIDs []string `json:"job_ids"`
}

// JobResponse is the API shape of one trigger job record.
type JobResponse struct {
	ID        string     `json:"id"`
	Chain     string     `json:"chain"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DoneAt    *time.Time `json:"done_at,omitempty"`
}
