// Package broker delivers outbox events to Kafka, RabbitMQ or the log.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ruralpay/walletledger/internal/config"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeXML  = "application/xml"
)

// Message is one broker record. Key carries the aggregate id so all events
// for a transaction land on the same partition or routing key.
type Message struct {
	Topic       string
	Key         string
	Body        []byte
	ContentType string
	EventType   string
}

type Producer interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Renderer optionally produces a settlement document for an event.
type Renderer interface {
	Render(evt models.OutboxEvent) ([]byte, bool, error)
}

// EventPublisher adapts a Producer to the outbox relay.
type EventPublisher struct {
	producer        Producer
	eventsTopic     string
	renderer        Renderer
	settlementTopic string
}

func NewEventPublisher(p Producer, eventsTopic string) *EventPublisher {
	return &EventPublisher{producer: p, eventsTopic: eventsTopic}
}

// WithSettlement also sends rendered settlement documents to topic.
func (p *EventPublisher) WithSettlement(r Renderer, topic string) *EventPublisher {
	p.renderer = r
	p.settlementTopic = topic
	return p
}

func (p *EventPublisher) Publish(ctx context.Context, evt models.OutboxEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode outbox event %d: %w", evt.ID, err)
	}
	if err := p.producer.Send(ctx, Message{
		Topic:       p.eventsTopic,
		Key:         evt.AggregateID,
		Body:        body,
		ContentType: ContentTypeJSON,
		EventType:   string(evt.EventType),
	}); err != nil {
		return err
	}

	if p.renderer == nil {
		return nil
	}
	doc, ok, err := p.renderer.Render(evt)
	if err != nil {
		return fmt.Errorf("render settlement for event %d: %w", evt.ID, err)
	}
	if !ok {
		return nil
	}
	return p.producer.Send(ctx, Message{
		Topic:       p.settlementTopic,
		Key:         evt.AggregateID,
		Body:        doc,
		ContentType: ContentTypeXML,
		EventType:   string(evt.EventType),
	})
}

func (p *EventPublisher) Close() error {
	return p.producer.Close()
}

// New builds the producer selected by cfg.Broker.
func New(ctx context.Context, cfg config.OutboxConfig, log *logrus.Logger) (Producer, error) {
	switch cfg.Broker {
	case "", "log":
		return NewLogProducer(log), nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka broker selected but no brokers configured")
		}
		return NewKafkaProducer(cfg.KafkaBrokers), nil
	case "rabbitmq":
		return DialRabbit(ctx, cfg.RabbitURL, cfg.RabbitExchange, log)
	default:
		return nil, fmt.Errorf("unknown outbox broker %q", cfg.Broker)
	}
}
