package audit

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/ruralpay/walletledger/internal/clock"
	"github.com/ruralpay/walletledger/internal/models"
)

type chainHead struct {
	LastID   int64  `db:"last_id"`
	LastHash string `db:"last_hash"`
}

// Store appends records to the chain inside the caller's transaction.
type Store struct {
	clock clock.Clock
}

func NewStore(c clock.Clock) *Store {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Store{clock: c}
}

// Append links e to the current chain head and advances the head. The head
// row is locked until tx ends, so appends from concurrent transactions are
// serialized in commit order and ids stay gapless even when a transaction
// rolls back.
func (s *Store) Append(ctx context.Context, tx *sqlx.Tx, e Entry) (*models.AuditLog, error) {
	var head chainHead
	if err := tx.GetContext(ctx, &head,
		`SELECT last_id, last_hash FROM audit_chain_head WHERE id = 1 FOR UPDATE`); err != nil {
		return nil, fmt.Errorf("lock audit chain head: %w", err)
	}

	before, err := snapshot(e.Before)
	if err != nil {
		return nil, fmt.Errorf("encode before snapshot: %w", err)
	}
	after, err := snapshot(e.After)
	if err != nil {
		return nil, fmt.Errorf("encode after snapshot: %w", err)
	}

	rec := models.AuditLog{
		ID:           head.LastID + 1,
		TableName:    e.Table,
		RecordID:     e.RecordID,
		Operation:    e.Operation,
		OldData:      before,
		NewData:      after,
		ExecutedBy:   e.Actor,
		ExecutedAt:   PinTime(s.clock.Now()),
		PreviousHash: head.LastHash,
	}
	if rec.RecordHash, err = ComputeHash(rec); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, table_name, record_id, operation, old_data, new_data,
			executed_by, executed_at, record_hash, previous_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.TableName, rec.RecordID, rec.Operation, jsonParam(rec.OldData), jsonParam(rec.NewData),
		rec.ExecutedBy, rec.ExecutedAt, rec.RecordHash, rec.PreviousHash,
	); err != nil {
		return nil, fmt.Errorf("insert audit record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE audit_chain_head SET last_id = $1, last_hash = $2 WHERE id = 1`,
		rec.ID, rec.RecordHash,
	); err != nil {
		return nil, fmt.Errorf("advance audit chain head: %w", err)
	}

	return &rec, nil
}

// jsonParam passes JSON to lib/pq as text; []byte would be sent as bytea.
func jsonParam(raw []byte) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}
