package broker

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	writer messageWriter
}

// NewKafkaProducer writes synchronously with hash balancing on the message
// key, so events of one transaction keep their order.
func NewKafkaProducer(brokers []string) *KafkaProducer {
	return &KafkaProducer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			MaxAttempts:  10,
		},
	}
}

func (p *KafkaProducer) Send(ctx context.Context, msg Message) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: msg.Topic,
		Key:   []byte(msg.Key),
		Value: msg.Body,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte(msg.ContentType)},
			{Key: "event-type", Value: []byte(msg.EventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write message to kafka: %w", err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
