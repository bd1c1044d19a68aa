package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/halfstep/lipsync/internal/models"
)

var (
	// ErrAlreadyCharged means a ledger entry already exists for the charge
	// token. Callers treat it as success: the debit happened exactly once.
	ErrAlreadyCharged = errors.New("charge token already charged")

	// ErrInsufficientCredits means the account balance could not cover the
	// debit. A business-logic failure, not a ledger crash.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Charge debits an account at most once per charge token. The unique
// constraint on ledger_entries.charge_token is the sole serialization point:
// concurrent duplicate charges race on the insert, and only the winner
// decrements the balance. The insert and the balance decrement commit or roll
// back together.
func (db *DB) Charge(ctx context.Context, chargeToken, accountID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("charge amount must be positive, got %d", amount)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin charge tx: %w", err)
	}
	defer tx.Rollback()

	var entryID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ledger_entries (id, charge_token, account_id, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (charge_token) DO NOTHING
		RETURNING id
	`, uuid.New(), chargeToken, accountID, amount).Scan(&entryID)

	if err == sql.ErrNoRows {
		// Conflict: a previous delivery already charged this token.
		return ErrAlreadyCharged
	}
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance - $1, updated_at = NOW()
		WHERE id = $2 AND balance >= $1
	`, amount, accountID)
	if err != nil {
		return fmt.Errorf("failed to debit account: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check debit: %w", err)
	}
	if rows == 0 {
		// Balance guard failed; the rollback also discards the ledger entry,
		// so a later retry with topped-up credits can still succeed.
		return ErrInsufficientCredits
	}

	return tx.Commit()
}

// Refund reverses a charge at most once, guarded by the refunded flag. A
// token that was never charged is a no-op: cancellation paths call Refund
// unconditionally for every cancelled chunk.
func (db *DB) Refund(ctx context.Context, chargeToken uuid.UUID) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin refund tx: %w", err)
	}
	defer tx.Rollback()

	var (
		accountID uuid.UUID
		amount    int64
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE ledger_entries
		SET refunded = TRUE, updated_at = NOW()
		WHERE charge_token = $1 AND refunded = FALSE
		RETURNING account_id, amount
	`, chargeToken).Scan(&accountID, &amount)

	if err == sql.ErrNoRows {
		return nil // never charged, or already refunded
	}
	if err != nil {
		return fmt.Errorf("failed to mark refund: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2
	`, amount, accountID); err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}

	return tx.Commit()
}

// GetLedgerEntry looks up a charge record by its token.
func (db *DB) GetLedgerEntry(ctx context.Context, chargeToken uuid.UUID) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{}
	err := db.QueryRowContext(ctx, `
		SELECT id, charge_token, account_id, amount, refunded, created_at, updated_at
		FROM ledger_entries
		WHERE charge_token = $1
	`, chargeToken).Scan(
		&entry.ID, &entry.ChargeToken, &entry.AccountID, &entry.Amount,
		&entry.Refunded, &entry.CreatedAt, &entry.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}

	return entry, nil
}

// SumAccountCharges totals the non-refunded debits for an account.
func (db *DB) SumAccountCharges(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var total sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT SUM(amount) FROM ledger_entries
		WHERE account_id = $1 AND refunded = FALSE
	`, accountID).Scan(&total)
	return total.Int64, err
}
