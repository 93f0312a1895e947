package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/AxelMcKenna/Trolley/internal/apierror"
	"github.com/AxelMcKenna/Trolley/internal/dto"
	"github.com/AxelMcKenna/Trolley/internal/model"
	"github.com/AxelMcKenna/Trolley/internal/repository"
	"github.com/AxelMcKenna/Trolley/internal/worker"
)

// Health thresholds for the /worker/health aggregate: at least half the
// chains must have a completed latest run, and the oldest successful run
// must be under 48 hours old.
const (
	healthyChainFraction = 0.5
	maxSuccessAgeHours   = 48
)

// WorkerHandler serves ingestion observability and the manual trigger.
type WorkerHandler struct {
	runs       repository.RunRepository
	chains     []string
	dispatcher *worker.Dispatcher
	jobs       worker.JobStore
	now        func() time.Time
}

func NewWorkerHandler(runs repository.RunRepository, chains []string, dispatcher *worker.Dispatcher, jobs worker.JobStore) *WorkerHandler {
	return &WorkerHandler{
		runs:       runs,
		chains:     chains,
		dispatcher: dispatcher,
		jobs:       jobs,
		now:        time.Now,
	}
}

// GetHealth reports per-chain scraper status plus an aggregate verdict,
// derived from each chain's most recent ingestion run.
func (h *WorkerHandler) GetHealth(c *gin.Context) {
	latest, err := h.runs.LatestByChains(c.Request.Context(), h.chains)
	if err != nil {
		c.JSON(http.StatusInternalServerError, apierror.New("Failed to load ingestion runs"))
		return
	}

	now := h.now().UTC()
	resp := dto.WorkerHealthResponse{
		TotalScrapers: len(h.chains),
		Scrapers:      make([]dto.ScraperStatus, 0, len(h.chains)),
	}

	for _, chain := range h.chains {
		run, ok := latest[chain]
		if !ok {
			resp.ScrapersNeverRun++
			resp.Scrapers = append(resp.Scrapers, dto.ScraperStatus{Chain: chain, Status: "never_run"})
			continue
		}

		status := dto.ScraperStatus{
			Chain:           chain,
			Status:          run.Status,
			LastRunStarted:  &run.StartedAt,
			LastRunFinished: run.FinishedAt,
			ItemsTotal:      &run.ItemsTotal,
			ItemsChanged:    &run.ItemsChanged,
			ItemsFailed:     &run.ItemsFailed,
		}
		if run.FinishedAt != nil {
			secs := run.Duration().Seconds()
			status.LastRunDurationSeconds = &secs
		}
		hoursSince := now.Sub(run.StartedAt).Hours()
		status.HoursSinceLastRun = &hoursSince
		if run.ItemsTotal > 0 {
			rate := float64(run.ItemsTotal-run.ItemsFailed) / float64(run.ItemsTotal) * 100
			status.SuccessRate = &rate
		}

		switch run.Status {
		case model.RunStatusCompleted:
			resp.ScrapersHealthy++
			if resp.OldestSuccessfulRunHours == nil || hoursSince > *resp.OldestSuccessfulRunHours {
				oldest := hoursSince
				resp.OldestSuccessfulRunHours = &oldest
			}
		case model.RunStatusRunning:
			resp.ScrapersRunning++
		default:
			resp.ScrapersFailing++
		}
		resp.Scrapers = append(resp.Scrapers, status)
	}

	resp.Healthy = float64(resp.ScrapersHealthy) >= float64(len(h.chains))*healthyChainFraction &&
		(resp.OldestSuccessfulRunHours == nil || *resp.OldestSuccessfulRunHours < maxSuccessAgeHours)

	c.JSON(http.StatusOK, resp)
}

// ListRuns returns recent ingestion runs, most recent first, optionally
// filtered by chain.
func (h *WorkerHandler) ListRuns(c *gin.Context) {
	chain := c.Query("chain")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	runs, err := h.runs.List(c.Request.Context(), chain, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, apierror.New("Failed to load ingestion runs"))
		return
	}

	out := make([]dto.IngestionRunResponse, 0, len(runs))
	for i := range runs {
		out = append(out, runToDTO(&runs[i]))
	}
	c.JSON(http.StatusOK, out)
}

// GetRun returns a single ingestion run by id.
func (h *WorkerHandler) GetRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.New("Invalid run id"))
		return
	}

	run, err := h.runs.FindByID(c.Request.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, apierror.New("Ingestion run not found"))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, apierror.New("Failed to load ingestion run"))
		return
	}
	c.JSON(http.StatusOK, runToDTO(run))
}

// TriggerIngest enqueues manual ingestion jobs. Callers pass either
// ?chain=<name> for one chain or ?all=true for every configured chain.
func (h *WorkerHandler) TriggerIngest(c *gin.Context) {
	chain := c.Query("chain")
	all := c.Query("all") == "true"

	var targets []string
	switch {
	case chain != "":
		if !h.knownChain(chain) {
			c.JSON(http.StatusBadRequest, apierror.New("Unknown chain: "+chain))
			return
		}
		targets = []string{chain}
	case all:
		targets = h.chains
	default:
		c.JSON(http.StatusBadRequest, apierror.New("Provide chain= or all=true"))
		return
	}

	jobIDs := make([]string, 0, len(targets))
	for _, ch := range targets {
		job, err := h.dispatcher.Enqueue(c.Request.Context(), ch)
		if err != nil {
			c.JSON(http.StatusInternalServerError, apierror.New("Failed to enqueue ingestion job"))
			return
		}
		jobIDs = append(jobIDs, job.ID)
	}
	c.JSON(http.StatusAccepted, dto.TriggerResponse{JobIDs: jobIDs})
}

// GetJob returns the status of a trigger job.
func (h *WorkerHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, worker.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, apierror.New("Job not found"))
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, apierror.New("Failed to load job"))
		return
	}
	c.JSON(http.StatusOK, dto.JobResponse{
		ID:        job.ID,
		Chain:     job.Chain,
		Status:    job.Status,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		DoneAt:    job.DoneAt,
	})
}

func (h *WorkerHandler) knownChain(chain string) bool {
	for _, ch := range h.chains {
		if ch == chain {
			return true
		}
	}
	return false
}

func runToDTO(run *model.IngestionRun) dto.IngestionRunResponse {
	resp := dto.IngestionRunResponse{
		ID:           run.ID.String(),
		Chain:        run.Chain,
		Status:       run.Status,
		StartedAt:    run.StartedAt,
		FinishedAt:   run.FinishedAt,
		ItemsTotal:   run.ItemsTotal,
		ItemsChanged: run.ItemsChanged,
		ItemsFailed:  run.ItemsFailed,
	}
	if run.FinishedAt != nil {
		secs := run.Duration().Seconds()
		resp.DurationSeconds = &secs
	}
	return resp
}
