// Package settlement renders ledger events as ISO 20022 interbank messages.
package settlement

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/moov-io/iso20022/pkg/common"
	"github.com/moov-io/iso20022/pkg/pacs_v08"
	"github.com/ruralpay/walletledger/internal/models"
)

const (
	MessagePacs008 = "pacs.008.001.08"
	MessagePacs002 = "pacs.002.001.08"

	StatusRejected = "RJCT"
)

// Renderer turns TransferCompleted events into pacs.008 credit transfers and
// TransactionReversed events into pacs.002 rejections. Other events have no
// settlement representation.
type Renderer struct {
	bic string
	now func() time.Time
}

func NewRenderer(bic string) *Renderer {
	if bic == "" {
		bic = "RURALPAY"
	}
	return &Renderer{bic: bic, now: time.Now}
}

// Render returns the XML document for evt and whether one applies.
func (r *Renderer) Render(evt models.OutboxEvent) ([]byte, bool, error) {
	var doc interface{}
	switch evt.EventType {
	case models.EventTransferCompleted, models.EventTransactionReversed:
	default:
		return nil, false, nil
	}

	var e models.TransactionEvent
	if err := json.Unmarshal(evt.Payload, &e); err != nil {
		return nil, false, fmt.Errorf("decode %s payload: %w", evt.EventType, err)
	}

	if evt.EventType == models.EventTransferCompleted {
		doc = r.Pacs008(e)
	} else {
		doc = r.Pacs002(e, StatusRejected)
	}

	out, err := ToXML(doc)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Pacs008 builds an FIToFICustomerCreditTransfer for a completed transfer.
// Both agents are this institution since wallets settle on-us.
func (r *Renderer) Pacs008(e models.TransactionEvent) *pacs_v08.FIToFICustomerCreditTransferV08 {
	created := r.now()
	settlementDate := created
	amount := pacs_v08.ActiveCurrencyAndAmount{
		Ccy:   common.ActiveCurrencyCode(e.Currency),
		Value: e.Amount.InexactFloat64(),
	}
	bic := common.BICFIDec2014Identifier(r.bic)
	txID := common.Max35Text(max35(e.Reference))
	debtor := common.Max140Text(e.SenderWalletNumber)
	creditor := common.Max140Text(e.ReceiverWalletNumber)

	return &pacs_v08.FIToFICustomerCreditTransferV08{
		GrpHdr: pacs_v08.GroupHeader93{
			MsgId:             common.Max35Text(max35(uuid.NewString())),
			CreDtTm:           common.ISODateTime(created),
			NbOfTxs:           "1",
			TtlIntrBkSttlmAmt: &amount,
			IntrBkSttlmDt:     (*common.ISODate)(&settlementDate),
			SttlmInf: pacs_v08.SettlementInstruction7{
				SttlmMtd: "INDA",
			},
		},
		CdtTrfTxInf: []pacs_v08.CreditTransferTransaction39{
			{
				PmtId: pacs_v08.PaymentIdentification7{
					InstrId:    &txID,
					EndToEndId: txID,
					TxId:       &txID,
				},
				IntrBkSttlmAmt: amount,
				IntrBkSttlmDt:  (*common.ISODate)(&settlementDate),
				ChrgBr:         "SLEV",
				DbtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{BICFI: &bic},
				},
				Dbtr: pacs_v08.PartyIdentification135{Nm: &debtor},
				CdtrAgt: pacs_v08.BranchAndFinancialInstitutionIdentification6{
					FinInstnId: pacs_v08.FinancialInstitutionIdentification18{BICFI: &bic},
				},
				Cdtr: pacs_v08.PartyIdentification135{Nm: &creditor},
			},
		},
	}
}

// Pacs002 reports the status of the original movement a reversal refers to.
func (r *Renderer) Pacs002(e models.TransactionEvent, status string) *pacs_v08.FIToFIPaymentStatusReportV08 {
	original := e.ReversesReference
	if original == "" {
		original = e.Reference
	}
	orgnl := common.Max35Text(max35(original))
	txSts := pacs_v08.ExternalPaymentTransactionStatus1Code(status)

	return &pacs_v08.FIToFIPaymentStatusReportV08{
		GrpHdr: pacs_v08.GroupHeader53{
			MsgId:   common.Max35Text(max35(uuid.NewString())),
			CreDtTm: common.ISODateTime(r.now()),
		},
		TxInfAndSts: []pacs_v08.PaymentTransaction80{
			{
				OrgnlInstrId:    &orgnl,
				OrgnlEndToEndId: &orgnl,
				OrgnlTxId:       &orgnl,
				TxSts:           &txSts,
			},
		},
	}
}

func ToXML(doc interface{}) ([]byte, error) {
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal XML: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// max35 trims identifiers to the Max35Text limit.
func max35(s string) string {
	if len(s) > 35 {
		return s[:35]
	}
	return s
}
