// Package memory provides in-memory repositories for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

// Store implements every crawl repository behind one mutex, which gives the
// same atomicity the Postgres store gets from transactions.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]crawl.Job
	order    []string
	pages    map[string]map[string]crawl.Page
	scores   map[string][]crawl.Score
	users    map[string]crawl.User
	projects map[string]crawl.Project
	outbox   []crawl.OutboxEvent
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		jobs:     make(map[string]crawl.Job),
		pages:    make(map[string]map[string]crawl.Page),
		scores:   make(map[string][]crawl.Score),
		users:    make(map[string]crawl.User),
		projects: make(map[string]crawl.Project),
	}
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(user crawl.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

// PutProject inserts or replaces a project.
func (s *Store) PutProject(project crawl.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = project
}

// CreateJob stores a new job, refusing a second active job for the project.
func (s *Store) CreateJob(_ context.Context, job crawl.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.Status.IsActive() {
		for _, existing := range s.jobs {
			if existing.ProjectID == job.ProjectID && existing.Status.IsActive() {
				return crawl.ErrConflict
			}
		}
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (crawl.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.Job{}, crawl.ErrNotFound
	}
	return job, nil
}

// LatestJob returns the most recently created job for the project.
func (s *Store) LatestJob(_ context.Context, projectID string) (crawl.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		job := s.jobs[s.order[i]]
		if job.ProjectID == projectID {
			return job, nil
		}
	}
	return crawl.Job{}, crawl.ErrNotFound
}

// ListByProject returns jobs for the project, newest first.
func (s *Store) ListByProject(_ context.Context, projectID string, limit int) ([]crawl.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawl.Job
	for i := len(s.order) - 1; i >= 0; i-- {
		job := s.jobs[s.order[i]]
		if job.ProjectID != projectID {
			continue
		}
		out = append(out, job)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// PreviousComplete returns the newest complete job with a summary created at
// or before the given time.
func (s *Store) PreviousComplete(
	_ context.Context,
	projectID string,
	before time.Time,
	excludeID string,
) (crawl.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best crawl.Job
	found := false
	for _, id := range s.order {
		job := s.jobs[id]
		if job.ProjectID != projectID || job.ID == excludeID {
			continue
		}
		if job.Status != crawl.StatusComplete || job.SummaryData == nil || job.CreatedAt.After(before) {
			continue
		}
		if !found || !job.CreatedAt.Before(best.CreatedAt) {
			best = job
			found = true
		}
	}
	if !found {
		return crawl.Job{}, crawl.ErrNotFound
	}
	return best, nil
}

// UpdateStatus applies the transition only if the job is in one of from.
func (s *Store) UpdateStatus(
	_ context.Context,
	jobID string,
	from []crawl.Status,
	update crawl.StatusUpdate,
) (crawl.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.Job{}, crawl.ErrNotFound
	}
	if !statusIn(job.Status, from) {
		return job, fmt.Errorf("%w: %s -> %s", crawl.ErrInvalidTransition, job.Status, update.To)
	}
	job.Status = update.To
	applyUpdate(&job, update)
	s.jobs[jobID] = job
	return job, nil
}

// UpdateSharing replaces the sharing fields, regardless of status.
func (s *Store) UpdateSharing(_ context.Context, jobID string, sharing crawl.Sharing) (crawl.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.Job{}, crawl.ErrNotFound
	}
	job.Sharing = sharing
	s.jobs[jobID] = job
	return job, nil
}

// SaveBatch records new pages and scores and merges counters atomically.
func (s *Store) SaveBatch(
	_ context.Context,
	jobID string,
	pages []crawl.ScoredPage,
	stats crawl.BatchStats,
) (crawl.BatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.BatchOutcome{}, crawl.ErrNotFound
	}
	if !job.Status.IsIngestable() {
		return crawl.BatchOutcome{}, fmt.Errorf("job %s is %s: %w", jobID, job.Status, crawl.ErrNotIngestable)
	}
	existing := s.pages[jobID]
	if existing == nil {
		existing = make(map[string]crawl.Page)
		s.pages[jobID] = existing
	}
	var inserted []string
	for _, sp := range pages {
		if _, dup := existing[sp.Page.URL]; dup {
			continue
		}
		existing[sp.Page.URL] = sp.Page
		s.scores[jobID] = append(s.scores[jobID], sp.Score)
		inserted = append(inserted, sp.Page.URL)
	}
	job.Counters = job.Counters.Merge(stats, len(inserted))
	s.jobs[jobID] = job
	return crawl.BatchOutcome{InsertedURLs: inserted, Counters: job.Counters}, nil
}

// ListScores returns a copy of the scores recorded for a job.
func (s *Store) ListScores(_ context.Context, jobID string) ([]crawl.Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scores := s.scores[jobID]
	out := make([]crawl.Score, len(scores))
	copy(out, scores)
	return out, nil
}

// ListPages returns the pages recorded for a job ordered by URL.
func (s *Store) ListPages(_ context.Context, jobID string) ([]crawl.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.Page, 0, len(s.pages[jobID]))
	for _, p := range s.pages[jobID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(_ context.Context, userID string) (crawl.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[userID]
	if !ok {
		return crawl.User{}, crawl.ErrNotFound
	}
	return user, nil
}

// DecrementCrawlCredits consumes one credit iff one remains.
func (s *Store) DecrementCrawlCredits(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return false, crawl.ErrNotFound
	}
	if user.CrawlCreditsRemaining <= 0 {
		return false, nil
	}
	user.CrawlCreditsRemaining--
	s.users[userID] = user
	return true, nil
}

// IncrementCrawlCredits returns one credit.
func (s *Store) IncrementCrawlCredits(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return crawl.ErrNotFound
	}
	user.CrawlCreditsRemaining++
	s.users[userID] = user
	return nil
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(_ context.Context, projectID string) (crawl.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	project, ok := s.projects[projectID]
	if !ok {
		return crawl.Project{}, crawl.ErrNotFound
	}
	return project, nil
}

// EnqueueOutboxEvent appends an event.
func (s *Store) EnqueueOutboxEvent(_ context.Context, evt crawl.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	evt.Payload = append([]byte(nil), evt.Payload...)
	s.outbox = append(s.outbox, evt)
	return nil
}

// ListUndelivered returns the oldest undelivered events.
func (s *Store) ListUndelivered(_ context.Context, limit int) ([]crawl.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawl.OutboxEvent
	for _, evt := range s.outbox {
		if evt.DeliveredAt != nil {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkDelivered stamps an event as delivered.
func (s *Store) MarkDelivered(_ context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == eventID {
			s.outbox[i].DeliveredAt = pointerTime(at)
			return nil
		}
	}
	return crawl.ErrNotFound
}

// OutboxEvents returns every recorded event, delivered or not.
func (s *Store) OutboxEvents() []crawl.OutboxEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawl.OutboxEvent, len(s.outbox))
	copy(out, s.outbox)
	return out
}

func applyUpdate(job *crawl.Job, update crawl.StatusUpdate) {
	at := update.At
	switch update.To {
	case crawl.StatusQueued:
		if job.StartedAt == nil {
			job.StartedAt = pointerTime(at)
		}
	case crawl.StatusComplete, crawl.StatusFailed:
		job.CompletedAt = pointerTime(at)
	case crawl.StatusCancelled:
		job.CancelledAt = pointerTime(at)
	}
	if update.ErrorMessage != "" {
		job.ErrorMessage = update.ErrorMessage
	}
	if update.CancelledBy != "" {
		job.CancelledBy = update.CancelledBy
	}
	if update.CancelReason != "" {
		job.CancelReason = update.CancelReason
	}
	if update.Summary != "" {
		job.Summary = update.Summary
	}
	if update.SummaryData != nil {
		data := *update.SummaryData
		job.SummaryData = &data
	}
}

func statusIn(status crawl.Status, set []crawl.Status) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
