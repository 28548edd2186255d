// Package outbox records domain events durably and relays them to a broker.
package outbox

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
)

// Notifier is a best-effort side channel triggered after an event is stored.
type Notifier interface {
	Notify(ctx context.Context, evt crawl.OutboxEvent) error
}

// Emitter writes outbox rows. Emit never fails from the caller's point of
// view: storage and notifier errors are logged and dropped.
type Emitter struct {
	store    crawl.OutboxStore
	ids      crawl.IDGenerator
	clock    crawl.Clock
	notifier Notifier
	logger   *zap.Logger
}

// NewEmitter builds an Emitter. notifier may be nil.
func NewEmitter(store crawl.OutboxStore, ids crawl.IDGenerator, clock crawl.Clock, notifier Notifier, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{store: store, ids: ids, clock: clock, notifier: notifier, logger: logger}
}

// Emit stores the event and then triggers the notifier.
func (e *Emitter) Emit(ctx context.Context, eventType string, payload any) {
	log := e.logger.With(zap.String("event_type", eventType))

	data, err := json.Marshal(payload)
	if err != nil {
		log.Error("marshal outbox payload", zap.Error(err))
		metrics.ObserveOutbox(eventType, "dropped")
		return
	}
	id, err := e.ids.NewID()
	if err != nil {
		log.Error("generate outbox id", zap.Error(err))
		metrics.ObserveOutbox(eventType, "dropped")
		return
	}
	evt := crawl.OutboxEvent{
		ID:        id,
		Type:      eventType,
		Payload:   data,
		CreatedAt: e.clock.Now().UTC(),
	}
	if err := e.store.EnqueueOutboxEvent(ctx, evt); err != nil {
		log.Error("enqueue outbox event", zap.String("event_id", id), zap.Error(err))
		metrics.ObserveOutbox(eventType, "dropped")
		return
	}
	metrics.ObserveOutbox(eventType, "enqueued")

	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, evt); err != nil {
		log.Warn("notify side channel", zap.String("event_id", id), zap.Error(err))
	}
}
