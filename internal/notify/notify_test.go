package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"testing"

	"github.com/ruralpay/walletledger/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingNotifier struct{ err error }

func (f failingNotifier) Send(context.Context, string, string) error { return f.err }

func TestSlackNotifier_Send(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL, srv.Client())
	err := n.Send(context.Background(), "Ledger reconciliation: 1 wallet(s) out of balance", "3001111111 diff 50")
	require.NoError(t, err)
	assert.Contains(t, got["text"], "*Ledger reconciliation: 1 wallet(s) out of balance*")
	assert.Contains(t, got["text"], "3001111111 diff 50")
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_token", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSlackNotifier(srv.URL, srv.Client()).Send(context.Background(), "s", "b")
	assert.EqualError(t, err, "slack webhook returned 403: invalid_token")
}

func TestEmailNotifier_Send(t *testing.T) {
	n := NewEmailNotifier(config.AlertConfig{
		SMTPHost:  "smtp.example.com",
		SMTPUser:  "alerts",
		EmailFrom: "ledger@example.com",
		EmailTo:   []string{"ops@example.com", "risk@example.com"},
	})

	var (
		addr string
		to   []string
		msg  string
	)
	n.sendMail = func(a string, _ smtp.Auth, _ string, recipients []string, m []byte) error {
		addr, to, msg = a, recipients, string(m)
		return nil
	}

	require.NoError(t, n.Send(context.Background(), "Audit chain verification failed", "Tampered hash at ID 2\nChain broken"))
	assert.Equal(t, "smtp.example.com:587", addr)
	assert.Equal(t, []string{"ops@example.com", "risk@example.com"}, to)
	assert.Contains(t, msg, "Subject: Audit chain verification failed\r\n")
	assert.Contains(t, msg, "To: ops@example.com, risk@example.com\r\n")
	assert.Contains(t, msg, "Tampered hash at ID 2\r\nChain broken")
}

func TestEmailNotifier_CancelledContext(t *testing.T) {
	n := NewEmailNotifier(config.AlertConfig{SMTPHost: "smtp.example.com", EmailTo: []string{"ops@example.com"}})
	n.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("mail must not be sent")
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.Send(ctx, "s", "b"), context.Canceled)
}

func TestMulti_JoinsErrors(t *testing.T) {
	log, hook := test.NewNullLogger()
	boom := errors.New("smtp down")

	m := Multi{NewLogNotifier(log), failingNotifier{err: boom}}
	err := m.Send(context.Background(), "subject", "body")

	assert.ErrorIs(t, err, boom)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "subject", hook.LastEntry().Data["subject"])
}

func TestFromConfig(t *testing.T) {
	log, _ := test.NewNullLogger()

	m := FromConfig(config.AlertConfig{}, log).(Multi)
	assert.Len(t, m, 1)

	m = FromConfig(config.AlertConfig{
		SlackWebhookURL: "https://hooks.example.com/x",
		SMTPHost:        "smtp.example.com",
		EmailTo:         []string{"ops@example.com"},
	}, log).(Multi)
	require.Len(t, m, 3)
	assert.IsType(t, &SlackNotifier{}, m[1])
	assert.IsType(t, &EmailNotifier{}, m[2])
}
