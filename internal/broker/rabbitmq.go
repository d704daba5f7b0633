package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitProducer publishes persistent messages to a durable topic exchange,
// using the message topic as routing key.
type RabbitProducer struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	log      *logrus.Logger
}

func DialRabbit(ctx context.Context, url, exchange string, log *logrus.Logger) (*RabbitProducer, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	log.WithField("exchange", exchange).Info("connected to RabbitMQ")
	return &RabbitProducer{conn: conn, channel: ch, exchange: exchange, log: log}, nil
}

func (p *RabbitProducer) Send(ctx context.Context, msg Message) error {
	err := p.channel.PublishWithContext(ctx, p.exchange, msg.Topic, false, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Key,
		Type:         msg.EventType,
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to RabbitMQ: %w", err)
	}
	return nil
}

func (p *RabbitProducer) Close() error {
	if err := p.channel.Close(); err != nil {
		p.log.WithError(err).Warn("failed to close RabbitMQ channel")
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
