package outbox

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

// EventEmitter is satisfied by *Emitter.
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, payload any)
}

// ScoreDropped is the payload of a score.dropped event.
type ScoreDropped struct {
	JobID         string  `json:"job_id"`
	ProjectID     string  `json:"project_id"`
	PreviousJobID string  `json:"previous_job_id"`
	PreviousScore float64 `json:"previous_score"`
	CurrentScore  float64 `json:"current_score"`
	Drop          float64 `json:"drop"`
}

// ScoreDropDetector compares a completed job with the project's previous one.
type ScoreDropDetector struct {
	jobs    crawl.JobStore
	emitter EventEmitter
	logger  *zap.Logger
}

// NewScoreDropDetector builds a detector.
func NewScoreDropDetector(jobs crawl.JobStore, emitter EventEmitter, logger *zap.Logger) *ScoreDropDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScoreDropDetector{jobs: jobs, emitter: emitter, logger: logger}
}

// Check emits score.dropped when the job's overall score is strictly lower
// than the previous completed job's. It reports whether an event was emitted.
func (d *ScoreDropDetector) Check(ctx context.Context, job crawl.Job) bool {
	if job.SummaryData == nil {
		return false
	}
	prev, err := d.jobs.PreviousComplete(ctx, job.ProjectID, job.CreatedAt, job.ID)
	if errors.Is(err, crawl.ErrNotFound) {
		return false
	}
	if err != nil {
		d.logger.Warn("load previous complete job", zap.String("job_id", job.ID), zap.Error(err))
		return false
	}
	current := job.SummaryData.OverallScore
	before := prev.SummaryData.OverallScore
	if current >= before {
		return false
	}
	d.emitter.Emit(ctx, crawl.EventScoreDropped, ScoreDropped{
		JobID:         job.ID,
		ProjectID:     job.ProjectID,
		PreviousJobID: prev.ID,
		PreviousScore: before,
		CurrentScore:  current,
		Drop:          before - current,
	})
	return true
}
