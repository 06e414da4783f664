package sinks

import (
	"context"
	"fmt"

	"github.com/JakeFAU/realtime-social-scraper/internal/progress"
	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// PublisherSink forwards terminal events to a topic as one message per
// batch. Intermediate stages stay local.
type PublisherSink struct {
	publisher scrape.Publisher
	topic     string
}

// Batch is the message body published per flush.
type Batch struct {
	Events []progress.Event `json:"events"`
}

// NewPublisherSink builds a sink publishing to topic.
func NewPublisherSink(publisher scrape.Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// Consume publishes the terminal events of the batch, if any.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	msg := Batch{Events: make([]progress.Event, 0, len(batch))}
	for _, evt := range batch {
		if evt.Terminal() {
			msg.Events = append(msg.Events, evt)
		}
	}
	if len(msg.Events) == 0 {
		return nil
	}
	if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
		return fmt.Errorf("publish progress batch: %w", err)
	}
	return nil
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
