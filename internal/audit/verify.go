package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/ruralpay/walletledger/internal/models"
)

const defaultBatchSize = 1000

// Verifier walks the chain in id order and reports every break it finds.
type Verifier struct {
	db        *sqlx.DB
	batchSize int
}

func NewVerifier(db *sqlx.DB, batchSize int) *Verifier {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Verifier{db: db, batchSize: batchSize}
}

// Verify returns the issues found; an empty slice means the chain is intact.
// The walk and the head check share one repeatable-read snapshot so concurrent
// appends cannot produce false positives.
func (v *Verifier) Verify(ctx context.Context) ([]string, error) {
	tx, err := v.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin audit verification: %w", err)
	}
	defer tx.Rollback()

	issues := []string{}
	var prev *models.AuditLog
	var afterID int64

	for {
		var batch []models.AuditLog
		if err := tx.SelectContext(ctx, &batch, `
			SELECT id, table_name, record_id, operation, old_data, new_data,
				executed_by, executed_at, record_hash, previous_hash
			FROM audit_logs
			WHERE id > $1
			ORDER BY id ASC
			LIMIT $2`, afterID, v.batchSize); err != nil {
			return nil, fmt.Errorf("read audit batch after %d: %w", afterID, err)
		}

		for i := range batch {
			rec := batch[i]
			issues = append(issues, CheckLink(prev, rec)...)
			prev = &rec
		}

		if len(batch) < v.batchSize {
			break
		}
		afterID = batch[len(batch)-1].ID
	}

	var head chainHead
	err = tx.GetContext(ctx, &head, `SELECT last_id, last_hash FROM audit_chain_head WHERE id = 1`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		issues = append(issues, "Audit chain head is missing")
	case err != nil:
		return nil, fmt.Errorf("read audit chain head: %w", err)
	default:
		issues = append(issues, CheckHead(prev, head.LastID, head.LastHash)...)
	}

	return issues, nil
}

// CheckLink validates rec against its predecessor. prev is nil for the first
// record.
func CheckLink(prev *models.AuditLog, rec models.AuditLog) []string {
	var issues []string

	hash, err := ComputeHash(rec)
	if err != nil || hash != rec.RecordHash {
		issues = append(issues, fmt.Sprintf("Tampered hash at ID %d", rec.ID))
	}

	prevID, prevHash := int64(0), Genesis
	if prev != nil {
		prevID, prevHash = prev.ID, prev.RecordHash
	}

	if rec.ID != prevID+1 {
		issues = append(issues, fmt.Sprintf("Missing audit ID between %d and %d", prevID, rec.ID))
	}
	if rec.PreviousHash != prevHash {
		issues = append(issues, fmt.Sprintf("Chain broken between ID %d and %d", prevID, rec.ID))
	}

	return issues
}

// CheckHead catches removal of the newest records, which leaves no gap
// behind.
func CheckHead(last *models.AuditLog, headID int64, headHash string) []string {
	lastID, lastHash := int64(0), Genesis
	if last != nil {
		lastID, lastHash = last.ID, last.RecordHash
	}
	if headID != lastID || headHash != lastHash {
		return []string{fmt.Sprintf("Chain head points to ID %d but last audit ID is %d", headID, lastID)}
	}
	return nil
}
