package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/halfstep/lipsync/internal/models"
)

func (db *DB) CreateAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (id, email, balance)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		account.ID, account.Email, account.Balance,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
}

func (db *DB) GetAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	query := `
		SELECT id, email, balance, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`

	account := &models.Account{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&account.ID, &account.Email, &account.Balance,
		&account.CreatedAt, &account.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return account, nil
}

// AddCredits tops up an account balance (purchase flow lives outside this
// service; the balance store only exposes the atomic credit).
func (db *DB) AddCredits(ctx context.Context, id uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	result, err := db.ExecContext(ctx, `
		UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2
	`, amount, id)
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}
