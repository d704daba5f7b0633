// Package notify delivers operator alerts raised by reconciliation and
// audit verification.
package notify

import (
	"context"
	"errors"

	"github.com/ruralpay/walletledger/internal/config"
	"github.com/sirupsen/logrus"
)

type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, subject, body string) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig always includes the log notifier, then Slack and email when
// they are configured.
func FromConfig(cfg config.AlertConfig, log *logrus.Logger) Notifier {
	m := Multi{NewLogNotifier(log)}
	if cfg.SlackWebhookURL != "" {
		m = append(m, NewSlackNotifier(cfg.SlackWebhookURL, nil))
	}
	if cfg.SMTPHost != "" && len(cfg.EmailTo) > 0 {
		m = append(m, NewEmailNotifier(cfg))
	}
	return m
}

type LogNotifier struct {
	log *logrus.Logger
}

func NewLogNotifier(log *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Send(_ context.Context, subject, body string) error {
	n.log.WithFields(logrus.Fields{
		"subject": subject,
		"body":    body,
	}).Warn("operator alert")
	return nil
}
