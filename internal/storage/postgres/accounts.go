package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

// GetUser fetches a user by ID.
func (s *Store) GetUser(ctx context.Context, userID string) (crawl.User, error) {
	var (
		user crawl.User
		plan string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, plan, crawl_credits_remaining FROM users WHERE id = $1`, userID,
	).Scan(&user.ID, &plan, &user.CrawlCreditsRemaining)
	if err != nil {
		return crawl.User{}, notFound(err, "get user")
	}
	user.Plan = crawl.Plan(plan)
	return user, nil
}

// DecrementCrawlCredits consumes one credit in a single conditional UPDATE.
func (s *Store) DecrementCrawlCredits(ctx context.Context, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET crawl_credits_remaining = crawl_credits_remaining - 1
		WHERE id = $1 AND crawl_credits_remaining > 0
	`, userID)
	if err != nil {
		return false, fmt.Errorf("decrement crawl credits: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return false, crawl.ErrNotFound
	}
	return false, nil
}

// IncrementCrawlCredits returns one credit.
func (s *Store) IncrementCrawlCredits(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET crawl_credits_remaining = crawl_credits_remaining + 1 WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("increment crawl credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(ctx context.Context, projectID string) (crawl.Project, error) {
	var project crawl.Project
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, root_url, max_pages, max_depth, respect_robots
		FROM projects WHERE id = $1
	`, projectID).Scan(
		&project.ID,
		&project.OwnerID,
		&project.RootURL,
		&project.Settings.MaxPages,
		&project.Settings.MaxDepth,
		&project.Settings.RespectRobots,
	)
	if err != nil {
		return crawl.Project{}, notFound(err, "get project")
	}
	return project, nil
}

// UpsertUser creates or replaces a user row; used to seed development data.
func (s *Store) UpsertUser(ctx context.Context, user crawl.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, plan, crawl_credits_remaining) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET plan = EXCLUDED.plan, crawl_credits_remaining = EXCLUDED.crawl_credits_remaining
	`, user.ID, string(user.Plan), user.CrawlCreditsRemaining)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpsertProject creates or replaces a project row; used to seed development data.
func (s *Store) UpsertProject(ctx context.Context, project crawl.Project) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, owner_id, root_url, max_pages, max_depth, respect_robots)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			root_url = EXCLUDED.root_url,
			max_pages = EXCLUDED.max_pages,
			max_depth = EXCLUDED.max_depth,
			respect_robots = EXCLUDED.respect_robots
	`,
		project.ID,
		project.OwnerID,
		project.RootURL,
		project.Settings.MaxPages,
		project.Settings.MaxDepth,
		project.Settings.RespectRobots,
	)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}
