package outbox

import (
	"context"
	"fmt"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

// NotificationTypes are the user-facing events that trigger a notification.
var NotificationTypes = []string{crawl.EventCrawlCompleted, crawl.EventScoreDropped}

// PublisherNotifier queues a notification message for selected event types.
type PublisherNotifier struct {
	publisher crawl.Publisher
	topic     string
	types     map[string]bool
}

// NewPublisherNotifier notifies on types, or NotificationTypes when empty.
func NewPublisherNotifier(publisher crawl.Publisher, topic string, types ...string) *PublisherNotifier {
	if len(types) == 0 {
		types = NotificationTypes
	}
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return &PublisherNotifier{publisher: publisher, topic: topic, types: set}
}

// Notify publishes the event when its type is selected.
func (n *PublisherNotifier) Notify(ctx context.Context, evt crawl.OutboxEvent) error {
	if !n.types[evt.Type] {
		return nil
	}
	if _, err := n.publisher.Publish(ctx, n.topic, evt); err != nil {
		return fmt.Errorf("queue notification: %w", err)
	}
	return nil
}
