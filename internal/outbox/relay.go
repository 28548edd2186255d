package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// RelayConfig tunes the drainer.
type RelayConfig struct {
	Topic         string
	BatchSize     int
	PollInterval  time.Duration
	MaxPublishRPS float64
}

// Relay drains undelivered outbox rows to a publisher. Delivery is
// at-least-once: a row is only marked after its publish succeeded.
type Relay struct {
	store     crawl.OutboxStore
	publisher crawl.Publisher
	clock     crawl.Clock
	limiter   *rate.Limiter
	cfg       RelayConfig
	logger    *zap.Logger
}

// NewRelay builds a Relay with defaults for zero config values.
func NewRelay(store crawl.OutboxStore, publisher crawl.Publisher, clock crawl.Clock, cfg RelayConfig, logger *zap.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	limit := rate.Inf
	if cfg.MaxPublishRPS > 0 {
		limit = rate.Limit(cfg.MaxPublishRPS)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		clock:     clock,
		limiter:   rate.NewLimiter(limit, 1),
		cfg:       cfg,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	r.logger.Info("outbox relay started", zap.String("topic", r.cfg.Topic), zap.Duration("interval", r.cfg.PollInterval))
	for {
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("outbox relay tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce delivers one batch and returns how many events were published.
// Publish failures leave the row for the next tick.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.store.ListUndelivered(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list undelivered: %w", err)
	}
	delivered := 0
	for _, evt := range events {
		if err := r.limiter.Wait(ctx); err != nil {
			return delivered, fmt.Errorf("rate limiter: %w", err)
		}
		msgID, err := r.publisher.Publish(ctx, r.cfg.Topic, evt)
		if err != nil {
			metrics.ObserveOutbox(evt.Type, "failed")
			r.logger.Warn("publish outbox event",
				zap.String("event_id", evt.ID),
				zap.String("event_type", evt.Type),
				zap.Error(err),
			)
			continue
		}
		if err := r.store.MarkDelivered(ctx, evt.ID, r.clock.Now().UTC()); err != nil {
			// Published but unmarked: it will be published again next tick.
			r.logger.Warn("mark outbox event delivered", zap.String("event_id", evt.ID), zap.Error(err))
			continue
		}
		metrics.ObserveOutbox(evt.Type, "published")
		r.logger.Debug("outbox event published",
			zap.String("event_id", evt.ID),
			zap.String("message_id", msgID),
		)
		delivered++
	}
	return delivered, nil
}
