package broker

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogProducer writes events to the application log. It is the default when
// no broker is configured.
type LogProducer struct {
	log *logrus.Logger
}

func NewLogProducer(log *logrus.Logger) *LogProducer {
	return &LogProducer{log: log}
}

func (p *LogProducer) Send(_ context.Context, msg Message) error {
	p.log.WithFields(logrus.Fields{
		"topic":        msg.Topic,
		"key":          msg.Key,
		"event_type":   msg.EventType,
		"content_type": msg.ContentType,
		"bytes":        len(msg.Body),
	}).Info("outbox event")
	return nil
}

func (p *LogProducer) Close() error { return nil }
