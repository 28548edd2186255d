package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

// EnqueueOutboxEvent persists an event for the relay.
func (s *Store) EnqueueOutboxEvent(ctx context.Context, evt crawl.OutboxEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_events (id, type, payload, created_at) VALUES ($1, $2, $3, $4)
	`, evt.ID, evt.Type, []byte(evt.Payload), evt.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// ListUndelivered returns the oldest undelivered events.
func (s *Store) ListUndelivered(ctx context.Context, limit int) ([]crawl.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, payload, created_at FROM outbox_events
		WHERE delivered_at IS NULL
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	defer rows.Close()

	var events []crawl.OutboxEvent
	for rows.Next() {
		var (
			evt     crawl.OutboxEvent
			payload []byte
		)
		if err := rows.Scan(&evt.ID, &evt.Type, &payload, &evt.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		evt.Payload = payload
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list outbox events: %w", err)
	}
	return events, nil
}

// MarkDelivered stamps an event as delivered.
func (s *Store) MarkDelivered(ctx context.Context, eventID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE outbox_events SET delivered_at = $2 WHERE id = $1`, eventID, at)
	if err != nil {
		return fmt.Errorf("mark outbox event delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}
