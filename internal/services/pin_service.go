package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/ruralpay/walletledger/internal/apperr"
	"github.com/ruralpay/walletledger/internal/audit"
	"github.com/ruralpay/walletledger/internal/database"
	"github.com/ruralpay/walletledger/internal/hsm"
	"github.com/ruralpay/walletledger/internal/metrics"
	"github.com/ruralpay/walletledger/internal/models"
	"github.com/sirupsen/logrus"
)

const pinGuardActor = "pin-guard"

var digitsOnly = regexp.MustCompile(`^\d+$`)

type pinState struct {
	ID          int64   `db:"id"`
	PinHash     *string `db:"pin_hash"`
	PinAttempts int     `db:"pin_attempts"`
	IsLocked    bool    `db:"is_locked"`
}

func (s pinState) snapshot(walletNumber string) models.PinSnapshot {
	return models.PinSnapshot{
		WalletNumber: walletNumber,
		PinSet:       s.PinHash != nil,
		PinAttempts:  s.PinAttempts,
		IsLocked:     s.IsLocked,
	}
}

// PinService verifies PINs and owns the PIN lifecycle. Every state change runs
// in its own committed unit, so a failed attempt is never rolled back with the
// operation it was gating.
type PinService struct {
	runner      *database.TxRunner
	hasher      hsm.PINHasher
	audit       AuditAppender
	maxAttempts int
	pinLength   int
	log         *logrus.Logger
	metrics     *metrics.Metrics
}

func NewPinService(runner *database.TxRunner, hasher hsm.PINHasher, appender AuditAppender, maxAttempts, pinLength int, log *logrus.Logger, m *metrics.Metrics) *PinService {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if pinLength <= 0 {
		pinLength = 4
	}
	return &PinService{
		runner:      runner,
		hasher:      hasher,
		audit:       appender,
		maxAttempts: maxAttempts,
		pinLength:   pinLength,
		log:         log,
		metrics:     m,
	}
}

// Verify checks pin for walletNumber. A wrong PIN increments the attempt
// counter and locks the wallet once maxAttempts is reached.
func (s *PinService) Verify(ctx context.Context, walletNumber, pin string) error {
	var st pinState
	err := s.runner.DB().GetContext(ctx, &st,
		`SELECT id, pin_hash, pin_attempts, is_locked FROM wallets WHERE wallet_number = $1`, walletNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.KindNotFound, "Wallet not found")
	}
	if err != nil {
		return fmt.Errorf("load pin state: %w", err)
	}

	if st.PinHash == nil {
		return apperr.New(apperr.KindPinNotSet, "PIN not set for this wallet")
	}
	if st.IsLocked {
		return lockedErr()
	}

	ok, err := s.hasher.VerifyPIN(pin, *st.PinHash)
	if err != nil {
		return fmt.Errorf("verify pin for wallet %s: %w", walletNumber, err)
	}
	if !ok {
		return s.recordFailure(ctx, walletNumber)
	}

	if st.PinAttempts == 0 {
		return nil
	}
	return s.runner.Run(ctx, "pin_reset_attempts", func(ctx context.Context, tx *sqlx.Tx) error {
		before, err := lockPinState(ctx, tx, walletNumber)
		if err != nil {
			return err
		}
		if before.IsLocked {
			return lockedErr()
		}
		after := before
		after.PinAttempts = 0
		if err := updatePinState(ctx, tx, after); err != nil {
			return err
		}
		return s.auditPin(ctx, tx, walletNumber, before, after, pinGuardActor)
	})
}

func (s *PinService) recordFailure(ctx context.Context, walletNumber string) error {
	var after pinState
	err := s.runner.Run(ctx, "pin_failed_attempt", func(ctx context.Context, tx *sqlx.Tx) error {
		before, err := lockPinState(ctx, tx, walletNumber)
		if err != nil {
			return err
		}
		// A concurrent attempt may have locked the wallet since the read.
		if before.IsLocked {
			return lockedErr()
		}
		after = before
		after.PinAttempts++
		after.IsLocked = after.PinAttempts >= s.maxAttempts
		if err := updatePinState(ctx, tx, after); err != nil {
			return err
		}
		return s.auditPin(ctx, tx, walletNumber, before, after, pinGuardActor)
	})
	if err != nil {
		return err
	}

	s.metrics.PinFailed(after.IsLocked)
	fields := logrus.Fields{"wallet_number": walletNumber, "attempts": after.PinAttempts}
	if after.IsLocked {
		s.log.WithFields(fields).Warn("wallet locked after failed PIN attempts")
		return apperr.New(apperr.KindInvalidPin, "Invalid PIN. Wallet locked after too many failed attempts")
	}
	s.log.WithFields(fields).Info("invalid PIN attempt")
	return apperr.New(apperr.KindInvalidPin,
		fmt.Sprintf("Invalid PIN. %d attempt(s) remaining", s.maxAttempts-after.PinAttempts))
}

// SetPin stores the first PIN for a wallet. It fails with PinAlreadySet when a
// PIN exists; use ChangePin or ResetPin instead.
func (s *PinService) SetPin(ctx context.Context, walletNumber, pin, actor string) error {
	if err := s.validateFormat(pin); err != nil {
		return err
	}
	hashed, err := s.hasher.HashPIN(pin)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}

	return s.runner.Run(ctx, "pin_set", func(ctx context.Context, tx *sqlx.Tx) error {
		before, err := lockPinState(ctx, tx, walletNumber)
		if err != nil {
			return err
		}
		if before.PinHash != nil {
			return apperr.New(apperr.KindPinAlreadySet, "PIN already set for this wallet")
		}
		after := pinState{ID: before.ID, PinHash: &hashed}
		if err := updatePinState(ctx, tx, after); err != nil {
			return err
		}
		return s.auditPin(ctx, tx, walletNumber, before, after, actor)
	})
}

// ChangePin replaces the PIN after verifying the current one through the
// guard, so wrong old PINs count towards the lockout.
func (s *PinService) ChangePin(ctx context.Context, walletNumber, oldPin, newPin, actor string) error {
	if err := s.validateFormat(newPin); err != nil {
		return err
	}
	if err := s.Verify(ctx, walletNumber, oldPin); err != nil {
		return err
	}
	hashed, err := s.hasher.HashPIN(newPin)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}

	return s.runner.Run(ctx, "pin_change", func(ctx context.Context, tx *sqlx.Tx) error {
		before, err := lockPinState(ctx, tx, walletNumber)
		if err != nil {
			return err
		}
		if before.IsLocked {
			return lockedErr()
		}
		after := pinState{ID: before.ID, PinHash: &hashed}
		if err := updatePinState(ctx, tx, after); err != nil {
			return err
		}
		return s.auditPin(ctx, tx, walletNumber, before, after, actor)
	})
}

// ResetPin clears the hash, the attempt counter and the lock. It is the only
// way out of a lockout and must be called from an authenticated admin path.
func (s *PinService) ResetPin(ctx context.Context, walletNumber, actor string) error {
	err := s.runner.Run(ctx, "pin_reset", func(ctx context.Context, tx *sqlx.Tx) error {
		before, err := lockPinState(ctx, tx, walletNumber)
		if err != nil {
			return err
		}
		after := pinState{ID: before.ID}
		if err := updatePinState(ctx, tx, after); err != nil {
			return err
		}
		return s.auditPin(ctx, tx, walletNumber, before, after, actor)
	})
	if err == nil {
		s.log.WithFields(logrus.Fields{"wallet_number": walletNumber, "actor": actor}).Info("PIN reset")
	}
	return err
}

func (s *PinService) validateFormat(pin string) error {
	if len(pin) != s.pinLength || !digitsOnly.MatchString(pin) {
		return apperr.New(apperr.KindInvalidRequest, fmt.Sprintf("PIN must be exactly %d digits", s.pinLength))
	}
	return nil
}

func (s *PinService) auditPin(ctx context.Context, tx *sqlx.Tx, walletNumber string, before, after pinState, actor string) error {
	_, err := s.audit.Append(ctx, tx, audit.Entry{
		Table:     "wallets",
		RecordID:  strconv.FormatInt(before.ID, 10),
		Operation: models.OpUpdate,
		Before:    before.snapshot(walletNumber),
		After:     after.snapshot(walletNumber),
		Actor:     actor,
	})
	return err
}

func lockPinState(ctx context.Context, tx *sqlx.Tx, walletNumber string) (pinState, error) {
	var st pinState
	err := tx.GetContext(ctx, &st,
		`SELECT id, pin_hash, pin_attempts, is_locked FROM wallets WHERE wallet_number = $1 FOR UPDATE`, walletNumber)
	if errors.Is(err, sql.ErrNoRows) {
		return st, apperr.New(apperr.KindNotFound, "Wallet not found")
	}
	if err != nil {
		return st, fmt.Errorf("lock pin state: %w", err)
	}
	return st, nil
}

func updatePinState(ctx context.Context, tx *sqlx.Tx, st pinState) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE wallets SET pin_hash = $1, pin_attempts = $2, is_locked = $3, updated_at = NOW() WHERE id = $4`,
		st.PinHash, st.PinAttempts, st.IsLocked, st.ID)
	if err != nil {
		return fmt.Errorf("update pin state: %w", err)
	}
	return nil
}

func lockedErr() error {
	return apperr.New(apperr.KindWalletLocked, "Wallet is locked after too many failed PIN attempts; reset your PIN to continue")
}
