// Package pubsub publishes run notifications to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
)

// Keyed payloads choose their own ordering key.
type Keyed interface {
	PublishKey() string
}

// Publisher sends JSON payloads to one topic, carrying the trace context in
// message attributes.
type Publisher struct {
	publisher *pubsub.Publisher
	topic     string
}

// New creates a Publisher for topic on client.
func New(client *pubsub.Client, topic string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("pubsub.topic is required")
	}
	return &Publisher{publisher: client.Publisher(topic), topic: topic}, nil
}

// Publish marshals payload and waits for the server-assigned message ID.
// The topic argument is recorded as an attribute; the destination is the
// topic the Publisher was built for.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := buildMessage(ctx, topic, payload)
	if err != nil {
		return "", err
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return id, nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	if p != nil && p.publisher != nil {
		p.publisher.Stop()
	}
	return nil
}

func buildMessage(ctx context.Context, topic string, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: map[string]string{}}
	if topic != "" {
		msg.Attributes["event"] = topic
	}
	if keyed, ok := payload.(Keyed); ok {
		msg.Attributes["key"] = keyed.PublishKey()
	}
	otel.GetTextMapPropagator().Inject(ctx, attributeCarrier(msg.Attributes))
	return msg, nil
}

// attributeCarrier adapts message attributes to propagation.TextMapCarrier.
type attributeCarrier map[string]string

func (c attributeCarrier) Get(key string) string {
	return c[key]
}

func (c attributeCarrier) Set(key, value string) {
	c[key] = value
}

func (c attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
