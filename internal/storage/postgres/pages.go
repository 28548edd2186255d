package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

// SaveBatch writes pages, scores, and merged counters in one transaction.
// Pages whose (job_id, url) already exist are skipped along with their scores.
// A job that left the ingestable states before the lock was taken gets
// crawl.ErrNotIngestable and nothing is written.
func (s *Store) SaveBatch(
	ctx context.Context,
	jobID string,
	pages []crawl.ScoredPage,
	stats crawl.BatchStats,
) (crawl.BatchOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawl.BatchOutcome{}, fmt.Errorf("begin batch: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			rollback(ctx, tx)
		}
	}()

	// The row lock orders this batch against concurrent transitions.
	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM crawl_jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status)
	if err != nil {
		return crawl.BatchOutcome{}, notFound(err, "lock crawl job")
	}
	if !crawl.Status(status).IsIngestable() {
		return crawl.BatchOutcome{}, fmt.Errorf("job %s is %s: %w", jobID, status, crawl.ErrNotIngestable)
	}

	pageQuery := `
		INSERT INTO crawl_pages (job_id, url, status_code, title, depth, word_count, content_hash, crawled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (job_id, url) DO NOTHING
	`
	scoreQuery := `
		INSERT INTO crawl_scores (job_id, url, overall, categories, issues, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	var inserted []string
	for _, sp := range pages {
		tag, err := tx.Exec(ctx, pageQuery,
			jobID,
			sp.Page.URL,
			sp.Page.StatusCode,
			sp.Page.Title,
			sp.Page.Depth,
			sp.Page.WordCount,
			sp.Page.ContentHash,
			sp.Page.CrawledAt,
		)
		if err != nil {
			return crawl.BatchOutcome{}, fmt.Errorf("insert page %s: %w", sp.Page.URL, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		categories, issues, err := encodeScore(sp.Score)
		if err != nil {
			return crawl.BatchOutcome{}, err
		}
		if _, err := tx.Exec(ctx, scoreQuery,
			jobID,
			sp.Page.URL,
			sp.Score.Overall,
			categories,
			issues,
			sp.Score.CreatedAt,
		); err != nil {
			return crawl.BatchOutcome{}, fmt.Errorf("insert score %s: %w", sp.Page.URL, err)
		}
		inserted = append(inserted, sp.Page.URL)
	}

	var counters crawl.Counters
	err = tx.QueryRow(ctx, `
		UPDATE crawl_jobs SET
			pages_found = GREATEST(pages_found, $2),
			pages_crawled = GREATEST(pages_crawled, $3),
			pages_scored = pages_scored + $4
		WHERE id = $1
		RETURNING pages_found, pages_crawled, pages_scored
	`, jobID, stats.PagesFound, stats.PagesCrawled, len(inserted)).Scan(
		&counters.PagesFound,
		&counters.PagesCrawled,
		&counters.PagesScored,
	)
	if err != nil {
		return crawl.BatchOutcome{}, fmt.Errorf("update crawl counters: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return crawl.BatchOutcome{}, fmt.Errorf("commit batch: %w", err)
	}
	committed = true
	return crawl.BatchOutcome{InsertedURLs: inserted, Counters: counters}, nil
}

// ListScores returns every score recorded for the job ordered by URL.
func (s *Store) ListScores(ctx context.Context, jobID string) ([]crawl.Score, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, url, overall, categories, issues, created_at
		FROM crawl_scores WHERE job_id = $1 ORDER BY url
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	defer rows.Close()

	var scores []crawl.Score
	for rows.Next() {
		var (
			score      crawl.Score
			categories []byte
			issues     []byte
		)
		if err := rows.Scan(&score.JobID, &score.URL, &score.Overall, &categories, &issues, &score.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		if len(categories) > 0 {
			if err := json.Unmarshal(categories, &score.Categories); err != nil {
				return nil, fmt.Errorf("decode categories for %s: %w", score.URL, err)
			}
		}
		if len(issues) > 0 {
			if err := json.Unmarshal(issues, &score.Issues); err != nil {
				return nil, fmt.Errorf("decode issues for %s: %w", score.URL, err)
			}
		}
		scores = append(scores, score)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scores: %w", err)
	}
	return scores, nil
}

func encodeScore(score crawl.Score) ([]byte, []byte, error) {
	categories := score.Categories
	if categories == nil {
		categories = map[string]float64{}
	}
	issues := score.Issues
	if issues == nil {
		issues = []crawl.Issue{}
	}
	catJSON, err := json.Marshal(categories)
	if err != nil {
		return nil, nil, fmt.Errorf("encode categories: %w", err)
	}
	issueJSON, err := json.Marshal(issues)
	if err != nil {
		return nil, nil, fmt.Errorf("encode issues: %w", err)
	}
	return catJSON, issueJSON, nil
}
