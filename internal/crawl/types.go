package crawl

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a crawl job.
type Status string

// Job status values persisted in the job store.
const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusCrawling  Status = "crawling"
	StatusScoring   Status = "scoring"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ActiveStatuses are the states that count against the one-active-job-per-project rule.
var ActiveStatuses = []Status{StatusPending, StatusQueued, StatusCrawling, StatusScoring}

// IngestableStatuses are the states in which worker batches are accepted.
var IngestableStatuses = []Status{StatusQueued, StatusCrawling, StatusScoring}

// IsActive reports whether the status blocks a new crawl for the same project.
func (s Status) IsActive() bool {
	return containsStatus(ActiveStatuses, s)
}

// IsTerminal reports whether the job can no longer change state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsIngestable reports whether worker batches may be applied in this state.
func (s Status) IsIngestable() bool {
	return containsStatus(IngestableStatuses, s)
}

func containsStatus(set []Status, s Status) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

// ShareLevel controls how much of a report a share token exposes.
type ShareLevel string

// Supported share levels.
const (
	ShareSummary ShareLevel = "summary"
	ShareFull    ShareLevel = "full"
)

// Sharing holds the public-link fields; they stay mutable after a job is terminal.
type Sharing struct {
	Token     string     `json:"share_token,omitempty"`
	Enabled   bool       `json:"share_enabled"`
	Level     ShareLevel `json:"share_level,omitempty"`
	ExpiresAt *time.Time `json:"share_expires_at,omitempty"`
}

// Counters tracks crawl progress; every field is monotonically non-decreasing.
type Counters struct {
	PagesFound   int `json:"pages_found"`
	PagesCrawled int `json:"pages_crawled"`
	PagesScored  int `json:"pages_scored"`
}

// Merge applies reported stats using max-of-reported for found/crawled and
// adds newly scored pages.
func (c Counters) Merge(stats BatchStats, scored int) Counters {
	out := c
	if stats.PagesFound > out.PagesFound {
		out.PagesFound = stats.PagesFound
	}
	if stats.PagesCrawled > out.PagesCrawled {
		out.PagesCrawled = stats.PagesCrawled
	}
	if scored > 0 {
		out.PagesScored += scored
	}
	return out
}

// QuickWin is a high-frequency issue worth fixing first.
type QuickWin struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Pages    int    `json:"pages"`
}

// SummaryData is the denormalized aggregate written when a job completes.
type SummaryData struct {
	OverallScore    float64            `json:"overall_score"`
	CategoryScores  map[string]float64 `json:"category_scores,omitempty"`
	PagesEvaluated  int                `json:"pages_evaluated"`
	LowScoringPages int                `json:"low_scoring_pages"`
	QuickWins       []QuickWin         `json:"quick_wins,omitempty"`
}

// Job represents one crawl attempt for a project.
type Job struct {
	ID           string       `json:"id"`
	ProjectID    string       `json:"project_id"`
	UserID       string       `json:"user_id"`
	Status       Status       `json:"status"`
	Counters     Counters     `json:"counters"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
	CancelledAt  *time.Time   `json:"cancelled_at,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CancelledBy  string       `json:"cancelled_by,omitempty"`
	CancelReason string       `json:"cancel_reason,omitempty"`
	Summary      string       `json:"summary,omitempty"`
	SummaryData  *SummaryData `json:"summary_data,omitempty"`
	Sharing      Sharing      `json:"sharing"`
}

// StatusUpdate describes one state-machine transition applied by the store.
// Zero-valued optional fields leave the persisted column untouched.
type StatusUpdate struct {
	To           Status
	At           time.Time
	ErrorMessage string
	CancelledBy  string
	CancelReason string
	Summary      string
	SummaryData  *SummaryData
}

// Issue is one finding attached to a page score by the external scorer.
type Issue struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Page is one crawled URL within a job; (JobID, URL) is unique.
type Page struct {
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	StatusCode  int       `json:"status_code"`
	Title       string    `json:"title,omitempty"`
	Depth       int       `json:"depth"`
	WordCount   int       `json:"word_count"`
	ContentHash string    `json:"content_hash,omitempty"`
	CrawledAt   time.Time `json:"crawled_at"`
}

// Score is the 1:1 scoring result for a Page.
type Score struct {
	JobID      string             `json:"job_id"`
	URL        string             `json:"url"`
	Overall    float64            `json:"overall"`
	Categories map[string]float64 `json:"categories,omitempty"`
	Issues     []Issue            `json:"issues,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// ScoredPage pairs a page with its score for a single write.
type ScoredPage struct {
	Page  Page
	Score Score
}

// BatchStats carries the worker's self-reported progress totals.
type BatchStats struct {
	PagesFound   int `json:"pages_found"`
	PagesCrawled int `json:"pages_crawled"`
	PagesErrored int `json:"pages_errored"`
}

// BatchOutcome reports what a SaveBatch transaction actually wrote.
type BatchOutcome struct {
	InsertedURLs []string
	Counters     Counters
}

// Plan is a billing tier that caps crawl size.
type Plan string

// Known plan tiers.
const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPro     Plan = "pro"
	PlanAgency  Plan = "agency"
)

// User is the subset of account data the orchestrator needs.
type User struct {
	ID                    string `json:"id"`
	Plan                  Plan   `json:"plan"`
	CrawlCreditsRemaining int    `json:"crawl_credits_remaining"`
}

// ProjectSettings are the owner's custom crawl knobs; zero means "use plan ceiling".
type ProjectSettings struct {
	MaxPages      int  `json:"max_pages" mapstructure:"max_pages"`
	MaxDepth      int  `json:"max_depth" mapstructure:"max_depth"`
	RespectRobots bool `json:"respect_robots" mapstructure:"respect_robots"`
}

// Project is a site registered by a user.
type Project struct {
	ID       string          `json:"id" mapstructure:"id"`
	OwnerID  string          `json:"owner_id" mapstructure:"owner_id"`
	RootURL  string          `json:"root_url" mapstructure:"root_url"`
	Settings ProjectSettings `json:"settings" mapstructure:"settings"`
}

// Outbox event types.
const (
	EventCrawlCompleted     = "crawl.completed"
	EventCrawlRescored      = "crawl.rescored"
	EventCrawlStatusChanged = "crawl.status_changed"
	EventScoreDropped       = "score.dropped"
)

// OutboxEvent is an immutable domain event awaiting at-least-once delivery.
type OutboxEvent struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}
