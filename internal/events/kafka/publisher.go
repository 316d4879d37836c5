package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher writes JSON encoded events to a single topic. The event type
// travels in the "type" header and the aggregate key as the message key so
// events of one scope stay ordered within a partition.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher builds a publisher for brokers and topic.
func NewPublisher(brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker required")
	}
	if topic == "" {
		return nil, errors.New("kafka: topic required")
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}, nil
}

// Publish marshals payload and writes it synchronously.
func (p *Publisher) Publish(ctx context.Context, eventType, key string, payload any) error {
	if p == nil || p.writer == nil {
		return errors.New("kafka: publisher not configured")
	}
	msg, err := NewMessage(eventType, key, payload)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

// Close flushes pending writes.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// NewMessage encodes an event into a kafka message.
func NewMessage(eventType, key string, payload any) (kafka.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Headers: []kafka.Header{{Key: "type", Value: []byte(eventType)}},
		Time:    time.Now().UTC(),
	}, nil
}
