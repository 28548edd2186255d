// Package kafka publishes outbox events to Kafka topics.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

//go:generate mockgen -destination=mocks/mock_writer.go -package=mocks . MessageWriter

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one keyed JSON message per Publish call.
type Publisher struct {
	writer MessageWriter
}

// New creates a publisher for the comma-separated broker list. The topic is
// chosen per message.
func New(brokers string) *Publisher {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(addrs...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
		},
	}
}

// NewWithWriter builds a publisher using a custom writer (tests).
func NewWithWriter(writer MessageWriter) *Publisher {
	return &Publisher{writer: writer}
}

// Close shuts down the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Publish marshals payload and writes it to topic. Outbox events are keyed by
// ID so redeliveries land on the same partition.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafka.Message{
		Topic: topic,
		Value: value,
		Time:  time.Now().UTC(),
	}
	var id string
	if evt, ok := payload.(crawl.OutboxEvent); ok {
		id = evt.ID
		msg.Key = []byte(evt.ID)
		msg.Headers = []kafka.Header{{Key: "event_type", Value: []byte(evt.Type)}}
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return id, nil
}
