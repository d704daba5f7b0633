package settlement

import (
	"encoding/json"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/ruralpay/walletledger/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func outboxEvent(t *testing.T, eventType models.EventType, e models.TransactionEvent) models.OutboxEvent {
	t.Helper()
	payload, err := json.Marshal(e)
	require.NoError(t, err)
	return models.OutboxEvent{ID: 1, AggregateType: models.AggregateTransaction, AggregateID: e.Reference, EventType: eventType, Payload: payload}
}

func newTestRenderer() *Renderer {
	r := NewRenderer("RPAYNGLA")
	r.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestRenderer_TransferBecomesPacs008(t *testing.T) {
	evt := outboxEvent(t, models.EventTransferCompleted, models.TransactionEvent{
		Reference:            "TRF-1",
		Type:                 models.TxTransfer,
		Amount:               decimal.RequireFromString("200.00"),
		Currency:             "NGN",
		SenderWalletNumber:   "3001111111",
		ReceiverWalletNumber: "3102222222",
		Status:               "SUCCESSFUL",
	})

	out, ok, err := newTestRenderer().Render(evt)
	require.NoError(t, err)
	require.True(t, ok)

	doc := string(out)
	assert.True(t, strings.HasPrefix(doc, xml.Header))
	assert.Contains(t, doc, "TRF-1")
	assert.Contains(t, doc, "3001111111")
	assert.Contains(t, doc, "3102222222")
	assert.Contains(t, doc, "RPAYNGLA")
	assert.Contains(t, doc, "NGN")
}

func TestRenderer_Pacs008Fields(t *testing.T) {
	doc := newTestRenderer().Pacs008(models.TransactionEvent{
		Reference:            strings.Repeat("x", 40),
		Amount:               decimal.RequireFromString("75.50"),
		Currency:             "NGN",
		SenderWalletNumber:   "3001111111",
		ReceiverWalletNumber: "3102222222",
	})

	require.Len(t, doc.CdtTrfTxInf, 1)
	tx := doc.CdtTrfTxInf[0]
	assert.Len(t, string(tx.PmtId.EndToEndId), 35)
	assert.Equal(t, 75.5, tx.IntrBkSttlmAmt.Value)
	assert.Equal(t, "3001111111", string(*tx.Dbtr.Nm))
	assert.Equal(t, "3102222222", string(*tx.Cdtr.Nm))
	assert.Equal(t, "1", string(doc.GrpHdr.NbOfTxs))
}

func TestRenderer_ReversalBecomesRejectedPacs002(t *testing.T) {
	evt := outboxEvent(t, models.EventTransactionReversed, models.TransactionEvent{
		Reference:         "REV-6f1c2a9e-3b4d-4e5f-8a7b-1c2d3e4f5a6b",
		Type:              models.TxReversal,
		Amount:            decimal.RequireFromString("200.00"),
		Currency:          "NGN",
		ReversesReference: "TRF-2",
		Reason:            "Insufficient funds",
		Status:            "ROLLBACK",
	})

	out, ok, err := newTestRenderer().Render(evt)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(out), "RJCT")
	assert.Contains(t, string(out), "TRF-2")

	doc := newTestRenderer().Pacs002(models.TransactionEvent{Reference: "X", ReversesReference: "TRF-2"}, StatusRejected)
	require.Len(t, doc.TxInfAndSts, 1)
	assert.Equal(t, "TRF-2", string(*doc.TxInfAndSts[0].OrgnlEndToEndId))
}

func TestRenderer_IgnoresOtherEvents(t *testing.T) {
	evt := outboxEvent(t, models.EventWalletCredited, models.TransactionEvent{Reference: "DEP-1"})

	out, ok, err := newTestRenderer().Render(evt)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, out)
}

func TestRenderer_BadPayload(t *testing.T) {
	_, _, err := newTestRenderer().Render(models.OutboxEvent{EventType: models.EventTransferCompleted, Payload: []byte("{")})
	assert.Error(t, err)
}
