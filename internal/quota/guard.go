// Package quota enforces per-user crawl allowances.
package quota

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

// Guard consumes and refunds crawl credits. Consumption relies on the store's
// single conditional decrement, never on a read followed by a write.
type Guard struct {
	users  crawl.UserStore
	logger *zap.Logger
}

// NewGuard constructs a Guard.
func NewGuard(users crawl.UserStore, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{users: users, logger: logger}
}

// TryConsume takes one credit. It returns false, without side effects, when
// the user has none left.
func (g *Guard) TryConsume(ctx context.Context, userID string) (bool, error) {
	granted, err := g.users.DecrementCrawlCredits(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("decrement crawl credits: %w", err)
	}
	if !granted {
		g.logger.Info("crawl credit denied", zap.String("user_id", userID))
	}
	return granted, nil
}

// Refund returns one credit to the user.
func (g *Guard) Refund(ctx context.Context, userID string) error {
	if err := g.users.IncrementCrawlCredits(ctx, userID); err != nil {
		return fmt.Errorf("refund crawl credit: %w", err)
	}
	g.logger.Info("crawl credit refunded", zap.String("user_id", userID))
	return nil
}
