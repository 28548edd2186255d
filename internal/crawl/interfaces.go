package crawl

import (
	"context"
	"io"
	"time"
)

// JobStore persists crawl jobs. UpdateStatus is a compare-and-set on the
// current status: it returns ErrInvalidTransition when the row is no longer
// in one of the from states.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	LatestJob(ctx context.Context, projectID string) (Job, error)
	ListByProject(ctx context.Context, projectID string, limit int) ([]Job, error)
	// PreviousComplete returns the newest complete job with a summary created
	// no later than before, skipping excludeID. ErrNotFound when none exists.
	PreviousComplete(ctx context.Context, projectID string, before time.Time, excludeID string) (Job, error)
	UpdateStatus(ctx context.Context, jobID string, from []Status, update StatusUpdate) (Job, error)
	UpdateSharing(ctx context.Context, jobID string, sharing Sharing) (Job, error)
}

// PageStore persists pages and scores. SaveBatch writes pages, scores, and
// the merged counters in one transaction and silently skips (job, url) pairs
// that already exist.
type PageStore interface {
	SaveBatch(ctx context.Context, jobID string, pages []ScoredPage, stats BatchStats) (BatchOutcome, error)
	ListScores(ctx context.Context, jobID string) ([]Score, error)
}

// UserStore exposes the atomic credit counter.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (User, error)
	// DecrementCrawlCredits consumes one credit iff at least one remains.
	DecrementCrawlCredits(ctx context.Context, userID string) (bool, error)
	IncrementCrawlCredits(ctx context.Context, userID string) error
}

// ProjectStore loads project metadata.
type ProjectStore interface {
	GetProject(ctx context.Context, projectID string) (Project, error)
}

// OutboxStore holds domain events until the relay delivers them.
type OutboxStore interface {
	EnqueueOutboxEvent(ctx context.Context, evt OutboxEvent) error
	ListUndelivered(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID string, at time.Time) error
}

// Frontier records which normalized URLs a job has already accepted.
type Frontier interface {
	IsSeen(ctx context.Context, jobID, url string) (bool, error)
	MarkSeen(ctx context.Context, jobID, url string) error
	Forget(ctx context.Context, jobID string) error
}

// Publisher pushes outbox events to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces identifiers for jobs, events, and share tokens.
type IDGenerator interface {
	NewID() (string, error)
	NewToken() (string, error)
}
