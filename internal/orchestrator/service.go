// Package orchestrator implements the user-facing crawl operations: request,
// status, cancel, and share.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
	"github.com/JakeFAU/crawl-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// Quota consumes and refunds crawl credits.
type Quota interface {
	TryConsume(ctx context.Context, userID string) (bool, error)
	Refund(ctx context.Context, userID string) error
}

// Lifecycle is the subset of the job state machine used here.
type Lifecycle interface {
	Admit(ctx context.Context, projectID, userID string) (crawl.Job, error)
	Cancel(ctx context.Context, jobID, by, reason string) (crawl.Job, error)
	Share(ctx context.Context, jobID string, level crawl.ShareLevel, ttl time.Duration) (crawl.Job, error)
}

// Dispatcher sends an admitted job to the worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, job crawl.Job, cfg dispatcher.CrawlConfig) (crawl.Job, error)
}

// Options are policy knobs.
type Options struct {
	PlanLimits map[crawl.Plan]dispatcher.PlanLimits
	// RefundOnDispatchFailure returns the credit when the worker rejects the job.
	RefundOnDispatchFailure bool
}

// Service coordinates admission and dispatch.
type Service struct {
	projects   crawl.ProjectStore
	users      crawl.UserStore
	jobs       crawl.JobStore
	quota      Quota
	lifecycle  Lifecycle
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger
}

// NewService wires a Service.
func NewService(
	projects crawl.ProjectStore,
	users crawl.UserStore,
	jobs crawl.JobStore,
	quota Quota,
	lifecycle Lifecycle,
	dispatch Dispatcher,
	opts Options,
	logger *zap.Logger,
) *Service {
	if opts.PlanLimits == nil {
		opts.PlanLimits = dispatcher.DefaultPlanLimits()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		projects:   projects,
		users:      users,
		jobs:       jobs,
		quota:      quota,
		lifecycle:  lifecycle,
		dispatcher: dispatch,
		opts:       opts,
		logger:     logger,
	}
}

// RequestCrawl admits and dispatches a crawl for a project the user owns.
// No job row exists when it returns crawl.ErrNotFound, crawl.ErrConflict, or
// crawl.ErrCrawlLimitReached. A worker failure is not an error: the returned
// job is failed.
func (s *Service) RequestCrawl(ctx context.Context, userID, projectID string) (crawl.Job, error) {
	job, outcome, err := s.requestCrawl(ctx, userID, strings.TrimSpace(projectID))
	metrics.ObserveAdmission(outcome)
	return job, err
}

func (s *Service) requestCrawl(ctx context.Context, userID, projectID string) (crawl.Job, string, error) {
	if projectID == "" {
		return crawl.Job{}, "invalid", crawl.Invalid("project_id", "is required")
	}
	log := s.logger.With(zap.String("project_id", projectID), zap.String("user_id", userID))

	project, err := s.ownedProject(ctx, userID, projectID)
	if err != nil {
		return crawl.Job{}, "not_found", err
	}
	user, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return crawl.Job{}, "error", fmt.Errorf("load user: %w", err)
	}

	// Cheap pre-check so a conflicting request does not spend a credit.
	latest, err := s.jobs.LatestJob(ctx, projectID)
	switch {
	case err == nil && latest.Status.IsActive():
		return crawl.Job{}, "conflict", fmt.Errorf("project %s has active job %s: %w", projectID, latest.ID, crawl.ErrConflict)
	case err != nil && !errors.Is(err, crawl.ErrNotFound):
		return crawl.Job{}, "error", fmt.Errorf("load latest job: %w", err)
	}

	granted, err := s.quota.TryConsume(ctx, userID)
	if err != nil {
		return crawl.Job{}, "error", err
	}
	if !granted {
		return crawl.Job{}, "limit_reached", crawl.ErrCrawlLimitReached
	}

	job, err := s.lifecycle.Admit(ctx, projectID, userID)
	if err != nil {
		s.refund(ctx, log, userID)
		if errors.Is(err, crawl.ErrConflict) {
			return crawl.Job{}, "conflict", err
		}
		return crawl.Job{}, "error", err
	}
	log = log.With(zap.String("job_id", job.ID))

	cfg := dispatcher.BuildConfig(job, project, user.Plan, s.opts.PlanLimits)
	dispatched, err := s.dispatcher.Dispatch(ctx, job, cfg)
	if err != nil {
		if errors.Is(err, crawl.ErrInvalidTransition) {
			// Cancelled while the worker call was in flight.
			current, getErr := s.jobs.GetJob(context.WithoutCancel(ctx), job.ID)
			if getErr == nil {
				return current, "admitted", nil
			}
		}
		return job, "error", fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}
	if dispatched.Status == crawl.StatusFailed {
		if s.opts.RefundOnDispatchFailure {
			s.refund(ctx, log, userID)
		}
		return dispatched, "dispatch_failed", nil
	}
	return dispatched, "admitted", nil
}

// refund survives a cancelled request: the credit was already taken.
func (s *Service) refund(ctx context.Context, log *zap.Logger, userID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatcher.RecordTimeout)
	defer cancel()
	if err := s.quota.Refund(ctx, userID); err != nil {
		log.Error("refund crawl credit", zap.Error(err))
	}
}

// GetJob returns a job the user owns.
func (s *Service) GetJob(ctx context.Context, userID, jobID string) (crawl.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return crawl.Job{}, fmt.Errorf("load job: %w", err)
	}
	if _, err := s.ownedProject(ctx, userID, job.ProjectID); err != nil {
		return crawl.Job{}, err
	}
	return job, nil
}

// CancelJob cancels an active job the user owns. A terminal job yields
// crawl.ErrInvalidTransition.
func (s *Service) CancelJob(ctx context.Context, userID, jobID, reason string) (crawl.Job, error) {
	if _, err := s.GetJob(ctx, userID, jobID); err != nil {
		return crawl.Job{}, err
	}
	return s.lifecycle.Cancel(ctx, jobID, userID, strings.TrimSpace(reason))
}

// ShareJob enables a public link on a job the user owns.
func (s *Service) ShareJob(ctx context.Context, userID, jobID string, level crawl.ShareLevel, ttl time.Duration) (crawl.Job, error) {
	if _, err := s.GetJob(ctx, userID, jobID); err != nil {
		return crawl.Job{}, err
	}
	return s.lifecycle.Share(ctx, jobID, level, ttl)
}

// ownedProject hides projects owned by someone else behind crawl.ErrNotFound.
func (s *Service) ownedProject(ctx context.Context, userID, projectID string) (crawl.Project, error) {
	project, err := s.projects.GetProject(ctx, projectID)
	if err != nil {
		return crawl.Project{}, fmt.Errorf("load project: %w", err)
	}
	if project.OwnerID != userID {
		return crawl.Project{}, fmt.Errorf("project %s: %w", projectID, crawl.ErrNotFound)
	}
	return project, nil
}

// ListJobs returns crawl history for a project the user owns, newest first.
func (s *Service) ListJobs(ctx context.Context, userID, projectID string, limit int) ([]crawl.Job, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, crawl.Invalid("project_id", "is required")
	}
	if _, err := s.ownedProject(ctx, userID, projectID); err != nil {
		return nil, err
	}
	jobs, err := s.jobs.ListByProject(ctx, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}
