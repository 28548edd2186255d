// Package ingest applies signed worker batches to crawl jobs.
package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
	"github.com/JakeFAU/crawl-orchestrator/internal/frontier"
)

// PageScore is the scorer output attached to each page.
type PageScore struct {
	Overall    float64            `json:"overall"`
	Categories map[string]float64 `json:"categories,omitempty"`
	Issues     []crawl.Issue      `json:"issues,omitempty"`
}

// Page is one crawled and scored page as sent by the worker.
type Page struct {
	URL         string     `json:"url"`
	StatusCode  int        `json:"status_code"`
	Title       string     `json:"title,omitempty"`
	Depth       int        `json:"depth"`
	WordCount   int        `json:"word_count"`
	ContentHash string     `json:"content_hash,omitempty"`
	CrawledAt   *time.Time `json:"crawled_at,omitempty"`
	Score       *PageScore `json:"score"`
}

// Batch is the body of POST /ingest/batch.
type Batch struct {
	JobID      string           `json:"job_id"`
	BatchIndex int              `json:"batch_index"`
	IsFinal    bool             `json:"is_final"`
	Pages      []Page           `json:"pages"`
	Stats      crawl.BatchStats `json:"stats"`

	// Raw is the signed request body, kept for the archive.
	Raw json.RawMessage `json:"-"`
}

// validateHeader checks the fields needed to locate the job.
func (b Batch) validateHeader() error {
	if strings.TrimSpace(b.JobID) == "" {
		return crawl.Invalid("job_id", "is required")
	}
	if b.BatchIndex < 0 {
		return crawl.Invalid("batch_index", "must not be negative")
	}
	if b.Stats.PagesFound < 0 || b.Stats.PagesCrawled < 0 || b.Stats.PagesErrored < 0 {
		return crawl.Invalid("stats", "counters must not be negative")
	}
	return nil
}

// validatePages checks every page and returns their normalized URLs.
func (b Batch) validatePages() ([]string, error) {
	urls := make([]string, len(b.Pages))
	for i, p := range b.Pages {
		field := fmt.Sprintf("pages[%d]", i)
		if strings.TrimSpace(p.URL) == "" {
			return nil, crawl.Invalid(field+".url", "is required")
		}
		normalized, err := frontier.NormalizeURL(p.URL)
		if err != nil {
			return nil, crawl.Invalid(field+".url", "must be an absolute http(s) url")
		}
		if p.StatusCode < 0 || p.StatusCode > 599 {
			return nil, crawl.Invalid(field+".status_code", "must be a valid HTTP status")
		}
		if p.Depth < 0 || p.WordCount < 0 {
			return nil, crawl.Invalid(field, "depth and word_count must not be negative")
		}
		if p.Score == nil {
			return nil, crawl.Invalid(field+".score", "is required")
		}
		if p.Score.Overall < 0 || p.Score.Overall > 100 {
			return nil, crawl.Invalid(field+".score.overall", "must be between 0 and 100")
		}
		urls[i] = normalized
	}
	return urls, nil
}

// Result is returned to the worker after a batch is applied.
type Result struct {
	JobID      string         `json:"job_id"`
	BatchIndex int            `json:"batch_index"`
	Accepted   int            `json:"accepted"`
	Duplicates int            `json:"duplicates"`
	Finalized  bool           `json:"finalized"`
	Status     crawl.Status   `json:"status"`
	Counters   crawl.Counters `json:"counters"`
}

// Completed is the payload of a crawl.completed event.
type Completed struct {
	JobID        string    `json:"job_id"`
	ProjectID    string    `json:"project_id"`
	UserID       string    `json:"user_id"`
	PagesScored  int       `json:"pages_scored"`
	OverallScore *float64  `json:"overall_score,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Rescored is the payload of a crawl.rescored event.
type Rescored struct {
	JobID       string             `json:"job_id"`
	ProjectID   string             `json:"project_id"`
	Summary     string             `json:"summary"`
	SummaryData *crawl.SummaryData `json:"summary_data"`
}
