package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quillmail/syncd/internal/models"
)

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `
	id, name, host, port, security, auth_mode, username,
	encrypted_password, credential_ref, is_gmail, unlink_phase, created_at`

// SaveAccount inserts or updates an account.
func SaveAccount(ctx context.Context, pool *pgxpool.Pool, account *models.Account) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO accounts (
			id, name, host, port, security, auth_mode, username,
			encrypted_password, credential_ref, is_gmail, unlink_phase
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			security = EXCLUDED.security,
			auth_mode = EXCLUDED.auth_mode,
			username = EXCLUDED.username,
			encrypted_password = EXCLUDED.encrypted_password,
			credential_ref = EXCLUDED.credential_ref,
			is_gmail = EXCLUDED.is_gmail
	`,
		account.ID,
		account.Name,
		account.Host,
		account.Port,
		account.Security,
		account.AuthMode,
		account.Username,
		account.EncryptedPassword,
		account.CredentialRef,
		account.IsGmail,
		account.UnlinkPhase,
	)

	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	return nil
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var account models.Account
	err := row.Scan(
		&account.ID,
		&account.Name,
		&account.Host,
		&account.Port,
		&account.Security,
		&account.AuthMode,
		&account.Username,
		&account.EncryptedPassword,
		&account.CredentialRef,
		&account.IsGmail,
		&account.UnlinkPhase,
		&account.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	return &account, nil
}

// GetAccount returns an account by id.
func GetAccount(ctx context.Context, pool *pgxpool.Pool, accountID string) (*models.Account, error) {
	row := pool.QueryRow(ctx, `SELECT`+accountColumns+` FROM accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

// ListAccounts returns all configured accounts.
func ListAccounts(ctx context.Context, pool *pgxpool.Pool) ([]*models.Account, error) {
	rows, err := pool.Query(ctx, `SELECT`+accountColumns+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// DeleteAccount removes an account; folders, messages, threads, bodies and
// files cascade.
func DeleteAccount(ctx context.Context, pool *pgxpool.Pool, accountID string) error {
	if _, err := pool.Exec(ctx, `DELETE FROM accounts WHERE id = $1`, accountID); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// SetAccountUnlinkPhase persists the account's current tombstone phase.
func SetAccountUnlinkPhase(ctx context.Context, pool *pgxpool.Pool, accountID string, phase int) error {
	if _, err := pool.Exec(ctx, `UPDATE accounts SET unlink_phase = $2 WHERE id = $1`, accountID, phase); err != nil {
		return fmt.Errorf("failed to set unlink phase: %w", err)
	}
	return nil
}
