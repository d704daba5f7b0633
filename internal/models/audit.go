package models

import (
	"encoding/json"
	"time"
)

type AuditOperation string

const (
	OpInsert AuditOperation = "INSERT"
	OpUpdate AuditOperation = "UPDATE"
	OpDelete AuditOperation = "DELETE"
)

// AuditLog is one link of the tamper-evident chain.
type AuditLog struct {
	ID           int64           `json:"id" db:"id"`
	TableName    string          `json:"table_name" db:"table_name"`
	RecordID     string          `json:"record_id" db:"record_id"`
	Operation    AuditOperation  `json:"operation" db:"operation"`
	OldData      json.RawMessage `json:"old_data,omitempty" db:"old_data"`
	NewData      json.RawMessage `json:"new_data,omitempty" db:"new_data"`
	ExecutedBy   string          `json:"executed_by" db:"executed_by"`
	ExecutedAt   time.Time       `json:"executed_at" db:"executed_at"`
	RecordHash   string          `json:"record_hash" db:"record_hash"`
	PreviousHash string          `json:"previous_hash" db:"previous_hash"`
}
