// Package kafka publishes run notifications and job records to Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// Keyed payloads choose their own partition key.
type Keyed interface {
	PublishKey() string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config locates the brokers.
type Config struct {
	Brokers []string
	// Topic is used when Publish is called without one.
	Topic        string
	BatchTimeout time.Duration
}

// Publisher writes JSON payloads with a kafka.Writer.
type Publisher struct {
	writer       messageWriter
	defaultTopic string
	now          func() time.Time
}

// New builds a Publisher. The writer carries no fixed topic so each call
// picks its own.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka.brokers is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	return NewWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}, cfg.Topic), nil
}

// NewWithWriter builds a Publisher on a custom writer (tests).
func NewWithWriter(writer messageWriter, defaultTopic string) *Publisher {
	return &Publisher{
		writer:       writer,
		defaultTopic: defaultTopic,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Publish writes one message and returns a pseudo ID made of topic and
// timestamp; Kafka assigns offsets asynchronously.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		topic = p.defaultTopic
	}
	if topic == "" {
		return "", fmt.Errorf("kafka topic is required")
	}
	value, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafka.Message{
		Topic: topic,
		Value: value,
		Time:  p.now(),
	}
	if keyed, ok := payload.(Keyed); ok {
		msg.Key = []byte(keyed.PublishKey())
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return topic + "@" + strconv.FormatInt(msg.Time.UnixNano(), 10), nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
