package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// EventSink receives audit events for every transition.
type EventSink interface {
	Emit(ctx context.Context, eventType string, payload any)
}

// StatusChanged is the audit payload emitted on each transition.
type StatusChanged struct {
	JobID     string       `json:"job_id"`
	ProjectID string       `json:"project_id"`
	Status    crawl.Status `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	At        time.Time    `json:"at"`
}

// Machine applies transitions through compare-and-set store updates, so a
// caller that lost a race sees crawl.ErrInvalidTransition instead of
// overwriting a newer state.
type Machine struct {
	jobs   crawl.JobStore
	clock  crawl.Clock
	ids    crawl.IDGenerator
	events EventSink
	logger *zap.Logger
}

// NewMachine wires a Machine. events may be nil.
func NewMachine(jobs crawl.JobStore, clock crawl.Clock, ids crawl.IDGenerator, events EventSink, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{jobs: jobs, clock: clock, ids: ids, events: events, logger: logger}
}

// Admit creates a pending job unless the project's latest job is still active.
// The store enforces the same rule, so a concurrent admission also yields
// crawl.ErrConflict.
func (m *Machine) Admit(ctx context.Context, projectID, userID string) (crawl.Job, error) {
	latest, err := m.jobs.LatestJob(ctx, projectID)
	switch {
	case err == nil && latest.Status.IsActive():
		return crawl.Job{}, fmt.Errorf("project %s has active job %s: %w", projectID, latest.ID, crawl.ErrConflict)
	case err != nil && !errors.Is(err, crawl.ErrNotFound):
		return crawl.Job{}, fmt.Errorf("load latest job: %w", err)
	}

	id, err := m.ids.NewID()
	if err != nil {
		return crawl.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := crawl.Job{
		ID:        id,
		ProjectID: projectID,
		UserID:    userID,
		Status:    crawl.StatusPending,
		CreatedAt: m.clock.Now().UTC(),
	}
	if err := m.jobs.CreateJob(ctx, job); err != nil {
		return crawl.Job{}, fmt.Errorf("create job: %w", err)
	}
	m.record(ctx, job, "")
	return job, nil
}

// MarkQueued records a successful dispatch.
func (m *Machine) MarkQueued(ctx context.Context, jobID string) (crawl.Job, error) {
	return m.transition(ctx, jobID, crawl.StatusUpdate{To: crawl.StatusQueued}, "")
}

// MarkCrawling records the first accepted batch.
func (m *Machine) MarkCrawling(ctx context.Context, jobID string) (crawl.Job, error) {
	return m.transition(ctx, jobID, crawl.StatusUpdate{To: crawl.StatusCrawling}, "")
}

// MarkScoring records receipt of the final batch.
func (m *Machine) MarkScoring(ctx context.Context, jobID string) (crawl.Job, error) {
	return m.transition(ctx, jobID, crawl.StatusUpdate{To: crawl.StatusScoring}, "")
}

// Complete finishes a scoring job. summary and data may be empty.
func (m *Machine) Complete(ctx context.Context, jobID, summary string, data *crawl.SummaryData) (crawl.Job, error) {
	return m.transition(ctx, jobID, crawl.StatusUpdate{
		To:          crawl.StatusComplete,
		Summary:     summary,
		SummaryData: data,
	}, "")
}

// Fail moves an active job to failed with a non-empty message.
func (m *Machine) Fail(ctx context.Context, jobID, message string) (crawl.Job, error) {
	if message == "" {
		message = "crawl failed"
	}
	return m.transition(ctx, jobID, crawl.StatusUpdate{To: crawl.StatusFailed, ErrorMessage: message}, message)
}

// Cancel stops an active job on behalf of by.
func (m *Machine) Cancel(ctx context.Context, jobID, by, reason string) (crawl.Job, error) {
	return m.transition(ctx, jobID, crawl.StatusUpdate{
		To:           crawl.StatusCancelled,
		CancelledBy:  by,
		CancelReason: reason,
	}, reason)
}

// Share enables a public link for the job. A zero ttl never expires.
// Sharing fields stay mutable in every status.
func (m *Machine) Share(ctx context.Context, jobID string, level crawl.ShareLevel, ttl time.Duration) (crawl.Job, error) {
	switch level {
	case "":
		level = crawl.ShareSummary
	case crawl.ShareSummary, crawl.ShareFull:
	default:
		return crawl.Job{}, crawl.Invalid("level", "must be summary or full")
	}
	if ttl < 0 {
		return crawl.Job{}, crawl.Invalid("expires_in_hours", "must not be negative")
	}
	token, err := m.ids.NewToken()
	if err != nil {
		return crawl.Job{}, fmt.Errorf("generate share token: %w", err)
	}
	sharing := crawl.Sharing{Token: token, Enabled: true, Level: level}
	if ttl > 0 {
		expires := m.clock.Now().UTC().Add(ttl)
		sharing.ExpiresAt = &expires
	}
	job, err := m.jobs.UpdateSharing(ctx, jobID, sharing)
	if err != nil {
		return crawl.Job{}, fmt.Errorf("update sharing: %w", err)
	}
	return job, nil
}

func (m *Machine) transition(ctx context.Context, jobID string, update crawl.StatusUpdate, reason string) (crawl.Job, error) {
	update.At = m.clock.Now().UTC()
	job, err := m.jobs.UpdateStatus(ctx, jobID, Sources(update.To), update)
	if err != nil {
		return job, fmt.Errorf("transition job %s to %s: %w", jobID, update.To, err)
	}
	m.record(ctx, job, reason)
	return job, nil
}

func (m *Machine) record(ctx context.Context, job crawl.Job, reason string) {
	metrics.ObserveTransition(string(job.Status))
	m.logger.Info("job status changed",
		zap.String("job_id", job.ID),
		zap.String("project_id", job.ProjectID),
		zap.String("status", string(job.Status)),
	)
	if m.events == nil {
		return
	}
	m.events.Emit(ctx, crawl.EventCrawlStatusChanged, StatusChanged{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Status:    job.Status,
		Reason:    reason,
		At:        m.clock.Now().UTC(),
	})
}
