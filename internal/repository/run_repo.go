package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/AxelMcKenna/Trolley/internal/model"
)

// ErrRunAlreadyFinished is returned by Finish when the targeted run has
// already reached a terminal status. Terminal rows are never mutated.
var ErrRunAlreadyFinished = errors.New("ingestion run already finished")

// RunTotals are the final counters written when a run is finalized.
type RunTotals struct {
	Total   int
	Changed int
	Failed  int
}

// RunRepository is the data access contract for IngestionRun rows. The run
// controller is the only writer; the worker health surface reads.
type RunRepository interface {
	// Create inserts the run with status "running" and commits immediately,
	// so a concurrently-reading health view observes the run in progress.
	Create(ctx context.Context, run *model.IngestionRun) error
	// Finish moves a running row to a terminal status with final totals.
	// It is a no-op (ErrRunAlreadyFinished) if the row is already terminal.
	Finish(ctx context.Context, id uuid.UUID, status string, finishedAt time.Time, totals RunTotals) error
	FindByID(ctx context.Context, id uuid.UUID) (*model.IngestionRun, error)
	// List returns runs most recent first, optionally filtered by chain.
	List(ctx context.Context, chain string, limit, offset int) ([]model.IngestionRun, error)
	// LatestByChains returns the most recent run per chain in a single query.
	LatestByChains(ctx context.Context, chains []string) (map[string]model.IngestionRun, error)
}

type runRepo struct{ db *gorm.DB }

func NewRunRepository(db *gorm.DB) RunRepository { return &runRepo{db: db} }

func (r *runRepo) Create(ctx context.Context, run *model.IngestionRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *runRepo) Finish(ctx context.Context, id uuid.UUID, status string, finishedAt time.Time, totals RunTotals) error {
	res := r.db.WithContext(ctx).Model(&model.IngestionRun{}).
		Where("id = ? AND status = ?", id, model.RunStatusRunning).
		Updates(map[string]interface{}{
			"status":        status,
			"finished_at":   finishedAt,
			"items_total":   totals.Total,
			"items_changed": totals.Changed,
			"items_failed":  totals.Failed,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRunAlreadyFinished
	}
	return nil
}

func (r *runRepo) FindByID(ctx context.Context, id uuid.UUID) (*model.IngestionRun, error) {
	var run model.IngestionRun
	err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) List(ctx context.Context, chain string, limit, offset int) ([]model.IngestionRun, error) {
	q := r.db.WithContext(ctx).Model(&model.IngestionRun{}).Order("started_at DESC")
	if chain != "" {
		q = q.Where("chain = ?", chain)
	}
	var runs []model.IngestionRun
	err := q.Limit(limit).Offset(offset).Find(&runs).Error
	return runs, err
}

func (r *runRepo) LatestByChains(ctx context.Context, chains []string) (map[string]model.IngestionRun, error) {
	if len(chains) == 0 {
		return map[string]model.IngestionRun{}, nil
	}
	// Window function instead of one query per chain.
	var runs []model.IngestionRun
	err := r.db.WithContext(ctx).Raw(`
		SELECT id, chain, status, started_at, finished_at,
		       items_total, items_changed, items_failed
		FROM (
		    SELECT *, ROW_NUMBER() OVER (PARTITION BY chain ORDER BY started_at DESC) AS rn
		    FROM ingestion_runs
		    WHERE chain IN ?
		) ranked
		WHERE rn = 1`, chains).Scan(&runs).Error
	if err != nil {
		return nil, err
	}
	latest := make(map[string]model.IngestionRun, len(runs))
	for _, run := range runs {
		latest[run.Chain] = run
	}
	return latest, nil
}
