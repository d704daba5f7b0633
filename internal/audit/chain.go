package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruralpay/walletledger/internal/models"
)

// Genesis is the previous hash of the first record in the chain.
const Genesis = "GENESIS"

// Entry describes one mutation to append to the chain.
type Entry struct {
	Table     string
	RecordID  string
	Operation models.AuditOperation
	Before    any
	After     any
	Actor     string
}

type canonicalRecord struct {
	Table        string          `json:"table"`
	RecordID     string          `json:"record_id"`
	Operation    string          `json:"operation"`
	Before       json.RawMessage `json:"before"`
	After        json.RawMessage `json:"after"`
	Actor        string          `json:"actor"`
	ExecutedAt   string          `json:"executed_at"`
	PreviousHash string          `json:"previous_hash"`
}

// PinTime normalizes a timestamp to what the store can round-trip: UTC with
// microsecond precision.
func PinTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ComputeHash returns the hex SHA-256 of rec's canonical encoding. RecordHash
// is ignored; every other field, including PreviousHash, is covered.
func ComputeHash(rec models.AuditLog) (string, error) {
	before, err := CanonicalJSON(rec.OldData)
	if err != nil {
		return "", fmt.Errorf("canonicalize old data of audit %d: %w", rec.ID, err)
	}
	after, err := CanonicalJSON(rec.NewData)
	if err != nil {
		return "", fmt.Errorf("canonicalize new data of audit %d: %w", rec.ID, err)
	}

	payload, err := json.Marshal(canonicalRecord{
		Table:        rec.TableName,
		RecordID:     rec.RecordID,
		Operation:    string(rec.Operation),
		Before:       before,
		After:        after,
		Actor:        rec.ExecutedBy,
		ExecutedAt:   PinTime(rec.ExecutedAt).Format(time.RFC3339Nano),
		PreviousHash: rec.PreviousHash,
	})
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON re-encodes raw with sorted object keys and no insignificant
// whitespace. Numbers keep their literal text. Empty input is JSON null.
func CanonicalJSON(raw []byte) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return nil, nil
	}
	return CanonicalJSON(raw)
}
