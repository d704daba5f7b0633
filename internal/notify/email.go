package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/ruralpay/walletledger/internal/config"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type EmailNotifier struct {
	addr     string
	auth     smtp.Auth
	from     string
	to       []string
	sendMail sendMailFunc
}

func NewEmailNotifier(cfg config.AlertConfig) *EmailNotifier {
	port := cfg.SMTPPort
	if port == "" {
		port = "587"
	}
	var auth smtp.Auth
	if cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPHost)
	}
	return &EmailNotifier{
		addr:     net.JoinHostPort(cfg.SMTPHost, port),
		auth:     auth,
		from:     cfg.EmailFrom,
		to:       cfg.EmailTo,
		sendMail: smtp.SendMail,
	}
}

// Send ignores ctx cancellation once the SMTP dialogue has started.
func (n *EmailNotifier) Send(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.sendMail(n.addr, n.auth, n.from, n.to, n.message(subject, body)); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}
	return nil
}

func (n *EmailNotifier) message(subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", n.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(n.to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
