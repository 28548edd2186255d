package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// Transitions is the slice of the job state machine the ingestor drives.
type Transitions interface {
	MarkCrawling(ctx context.Context, jobID string) (crawl.Job, error)
	MarkScoring(ctx context.Context, jobID string) (crawl.Job, error)
	Complete(ctx context.Context, jobID, summary string, data *crawl.SummaryData) (crawl.Job, error)
}

// Summarizer builds the executive summary for a finished job.
type Summarizer interface {
	Summarize(ctx context.Context, job crawl.Job) (string, *crawl.SummaryData, error)
}

// EventEmitter records domain events; it never fails.
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, payload any)
}

// DropChecker runs score-drop detection on a completed job.
type DropChecker interface {
	Check(ctx context.Context, job crawl.Job) bool
}

// Archiver stores raw batch bodies; failures are the archiver's to log.
type Archiver interface {
	Archive(ctx context.Context, jobID string, batchIndex int, body []byte)
}

// Deps groups the Ingestor's collaborators. Summarizer, Drops, and Archive
// are optional.
type Deps struct {
	Jobs        crawl.JobStore
	Pages       crawl.PageStore
	Frontier    crawl.Frontier
	Transitions Transitions
	Summarizer  Summarizer
	Events      EventEmitter
	Drops       DropChecker
	Archive     Archiver
	Clock       crawl.Clock
	Logger      *zap.Logger
}

// Ingestor validates, deduplicates, and persists worker batches. Batches may
// arrive out of order or more than once; page-level idempotency comes from the
// frontier plus the store's (job, url) uniqueness, never from batch order.
type Ingestor struct {
	d      Deps
	logger *zap.Logger
}

// New builds an Ingestor.
func New(d Deps) *Ingestor {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{d: d, logger: logger}
}

// IngestBatch applies one batch. The caller has already verified the HMAC.
// It returns crawl.ErrNotFound, crawl.ErrNotIngestable, or a
// *crawl.ValidationError for rejected batches, in which case nothing was
// written.
func (in *Ingestor) IngestBatch(ctx context.Context, batch Batch) (Result, error) {
	result, err := in.ingest(ctx, batch)
	if err != nil {
		metrics.ObserveIngestBatch("rejected")
		return result, err
	}
	metrics.ObserveIngestBatch("accepted")
	return result, nil
}

func (in *Ingestor) ingest(ctx context.Context, batch Batch) (Result, error) {
	if err := batch.validateHeader(); err != nil {
		return Result{}, err
	}
	log := in.logger.With(zap.String("job_id", batch.JobID), zap.Int("batch_index", batch.BatchIndex))

	job, err := in.d.Jobs.GetJob(ctx, batch.JobID)
	if err != nil {
		return Result{}, fmt.Errorf("load job: %w", err)
	}
	if !job.Status.IsIngestable() {
		return Result{}, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, crawl.ErrNotIngestable)
	}
	urls, err := batch.validatePages()
	if err != nil {
		return Result{}, err
	}

	fresh, duplicates := in.filter(ctx, log, batch, urls)
	outcome, err := in.d.Pages.SaveBatch(ctx, job.ID, fresh, batch.Stats)
	if err != nil {
		return Result{}, fmt.Errorf("save batch: %w", err)
	}
	duplicates += len(fresh) - len(outcome.InsertedURLs)
	for _, u := range outcome.InsertedURLs {
		if err := in.d.Frontier.MarkSeen(ctx, job.ID, u); err != nil {
			log.Warn("frontier mark failed", zap.String("url", u), zap.Error(err))
		}
	}
	metrics.ObserveIngestPages(len(outcome.InsertedURLs), duplicates)
	log.Info("batch ingested",
		zap.Int("accepted", len(outcome.InsertedURLs)),
		zap.Int("duplicates", duplicates),
		zap.Bool("is_final", batch.IsFinal),
	)

	if in.d.Archive != nil && len(batch.Raw) > 0 {
		in.d.Archive.Archive(ctx, job.ID, batch.BatchIndex, batch.Raw)
	}

	status := job.Status
	if status == crawl.StatusQueued {
		status = in.markCrawling(ctx, log, job.ID)
	}

	result := Result{
		JobID:      job.ID,
		BatchIndex: batch.BatchIndex,
		Accepted:   len(outcome.InsertedURLs),
		Duplicates: duplicates,
		Status:     status,
		Counters:   outcome.Counters,
	}
	if batch.IsFinal {
		finalized, final := in.finalize(ctx, log, job.ID)
		result.Finalized = finalized
		if final != "" {
			result.Status = final
		}
	}
	return result, nil
}

// filter drops pages already in the frontier or repeated within the batch.
// A frontier outage degrades to the store's uniqueness guarantee.
func (in *Ingestor) filter(ctx context.Context, log *zap.Logger, batch Batch, urls []string) ([]crawl.ScoredPage, int) {
	now := in.d.Clock.Now().UTC()
	inBatch := make(map[string]bool, len(urls))
	fresh := make([]crawl.ScoredPage, 0, len(urls))
	duplicates := 0
	for i, p := range batch.Pages {
		u := urls[i]
		if inBatch[u] {
			duplicates++
			continue
		}
		inBatch[u] = true
		seen, err := in.d.Frontier.IsSeen(ctx, batch.JobID, u)
		if err != nil {
			log.Warn("frontier check failed", zap.String("url", u), zap.Error(err))
		}
		if seen {
			duplicates++
			continue
		}
		crawledAt := now
		if p.CrawledAt != nil {
			crawledAt = p.CrawledAt.UTC()
		}
		fresh = append(fresh, crawl.ScoredPage{
			Page: crawl.Page{
				JobID:       batch.JobID,
				URL:         u,
				StatusCode:  p.StatusCode,
				Title:       p.Title,
				Depth:       p.Depth,
				WordCount:   p.WordCount,
				ContentHash: p.ContentHash,
				CrawledAt:   crawledAt,
			},
			Score: crawl.Score{
				JobID:      batch.JobID,
				URL:        u,
				Overall:    p.Score.Overall,
				Categories: p.Score.Categories,
				Issues:     p.Score.Issues,
				CreatedAt:  now,
			},
		})
	}
	return fresh, duplicates
}

// FinalizeTimeout bounds scoring, summary, and completion of a final batch.
const FinalizeTimeout = 30 * time.Second

// finalize moves the job through scoring to complete. A lost race (job
// cancelled, or another final batch already completed it) is not an error.
func (in *Ingestor) finalize(ctx context.Context, log *zap.Logger, jobID string) (bool, crawl.Status) {
	// Once started, finalization must not stop halfway because the worker hung up.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), FinalizeTimeout)
	defer cancel()

	job, err := in.d.Transitions.MarkScoring(ctx, jobID)
	if err != nil {
		if !errors.Is(err, crawl.ErrInvalidTransition) {
			log.Error("mark scoring", zap.Error(err))
			return false, ""
		}
		current, getErr := in.d.Jobs.GetJob(ctx, jobID)
		if getErr != nil {
			log.Error("reload job", zap.Error(getErr))
			return false, ""
		}
		if current.Status != crawl.StatusScoring {
			log.Info("finalization skipped", zap.String("status", string(current.Status)))
			return false, current.Status
		}
		job = current
	}

	summaryText, data := in.summarize(ctx, log, job)
	done, err := in.d.Transitions.Complete(ctx, jobID, summaryText, data)
	if err != nil {
		if errors.Is(err, crawl.ErrInvalidTransition) {
			log.Info("finalization lost race", zap.Error(err))
			if current, getErr := in.d.Jobs.GetJob(ctx, jobID); getErr == nil {
				return false, current.Status
			}
			return false, ""
		}
		log.Error("complete job", zap.Error(err))
		return false, crawl.StatusScoring
	}

	completed := Completed{
		JobID:       done.ID,
		ProjectID:   done.ProjectID,
		UserID:      done.UserID,
		PagesScored: done.Counters.PagesScored,
		CompletedAt: in.d.Clock.Now().UTC(),
	}
	if done.CompletedAt != nil {
		completed.CompletedAt = *done.CompletedAt
	}
	if done.SummaryData != nil {
		score := done.SummaryData.OverallScore
		completed.OverallScore = &score
	}
	in.d.Events.Emit(ctx, crawl.EventCrawlCompleted, completed)
	if in.d.Drops != nil {
		in.d.Drops.Check(ctx, done)
	}
	if err := in.d.Frontier.Forget(ctx, jobID); err != nil {
		log.Warn("release frontier", zap.Error(err))
	}
	return true, done.Status
}

// summarize is best-effort: a failure leaves the summary empty.
func (in *Ingestor) summarize(ctx context.Context, log *zap.Logger, job crawl.Job) (string, *crawl.SummaryData) {
	if in.d.Summarizer == nil {
		return "", nil
	}
	text, data, err := in.d.Summarizer.Summarize(ctx, job)
	if err != nil {
		log.Warn("summary generation failed", zap.Error(err))
		return "", nil
	}
	return text, data
}

// markCrawling moves a queued job to crawling and reports the resulting status.
func (in *Ingestor) markCrawling(ctx context.Context, log *zap.Logger, jobID string) crawl.Status {
	job, err := in.d.Transitions.MarkCrawling(ctx, jobID)
	if err == nil {
		return job.Status
	}
	if !errors.Is(err, crawl.ErrInvalidTransition) {
		log.Warn("mark crawling", zap.Error(err))
	}
	if reloaded, getErr := in.d.Jobs.GetJob(ctx, jobID); getErr == nil {
		return reloaded.Status
	}
	return crawl.StatusQueued
}

// RescoreResult reports the outcome of a rescore request.
type RescoreResult struct {
	JobID       string             `json:"job_id"`
	Status      crawl.Status       `json:"status"`
	Summary     string             `json:"summary,omitempty"`
	SummaryData *crawl.SummaryData `json:"summary_data,omitempty"`
}

// Rescore re-runs summary generation without a re-crawl. A job stuck in
// scoring is completed; a complete job keeps its stored summary and the new
// one is published as crawl.rescored.
func (in *Ingestor) Rescore(ctx context.Context, jobID string) (RescoreResult, error) {
	if jobID == "" {
		return RescoreResult{}, crawl.Invalid("job_id", "is required")
	}
	job, err := in.d.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return RescoreResult{}, fmt.Errorf("load job: %w", err)
	}
	if job.Status != crawl.StatusScoring && job.Status != crawl.StatusComplete {
		return RescoreResult{}, fmt.Errorf("job %s is %s: %w", job.ID, job.Status, crawl.ErrNotIngestable)
	}
	if in.d.Summarizer == nil {
		return RescoreResult{}, errors.New("no summarizer configured")
	}
	log := in.logger.With(zap.String("job_id", jobID))

	if job.Status == crawl.StatusScoring {
		_, status := in.finalize(ctx, log, jobID)
		done, err := in.d.Jobs.GetJob(ctx, jobID)
		if err != nil {
			return RescoreResult{JobID: jobID, Status: status}, nil
		}
		return RescoreResult{JobID: jobID, Status: done.Status, Summary: done.Summary, SummaryData: done.SummaryData}, nil
	}

	text, data, err := in.d.Summarizer.Summarize(ctx, job)
	if err != nil {
		return RescoreResult{}, fmt.Errorf("summarize: %w", err)
	}
	in.d.Events.Emit(ctx, crawl.EventCrawlRescored, Rescored{
		JobID:       job.ID,
		ProjectID:   job.ProjectID,
		Summary:     text,
		SummaryData: data,
	})
	log.Info("job rescored")
	return RescoreResult{JobID: jobID, Status: job.Status, Summary: text, SummaryData: data}, nil
}
