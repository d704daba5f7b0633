package models

import "time"

type IdempotencyRecord struct {
	Key          string     `json:"key" db:"key"`
	Method       string     `json:"method" db:"method"`
	Path         string     `json:"path" db:"path"`
	RequestHash  string     `json:"request_hash" db:"request_hash"`
	ResponseCode int        `json:"response_code" db:"response_code"`
	ResponseBody []byte     `json:"response_body" db:"response_body"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" db:"expires_at"`
}
