package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hoodlink/hoodlink-server/internal/models"
)

// ========== Account Link Methods ==========

// CreateAccountLink creates a new account link
func (s *PostgresStore) CreateAccountLink(ctx context.Context, link *models.AccountLink) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}

	now := time.Now()
	if link.CreatedAt.IsZero() {
		link.CreatedAt = now
	}
	link.UpdatedAt = now

	refreshToken, err := s.seal(link.RefreshToken)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO account_links (
            id, created_at, updated_at, app_variant, access_token, refresh_token,
            expires_at, terminal_id, api_endpoint, account_uid, reauth_required
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
        )`

	_, err = s.getDB().ExecContext(ctx, query,
		link.ID, link.CreatedAt, link.UpdatedAt, link.AppVariant,
		link.AccessToken, refreshToken, link.ExpiresAt,
		link.TerminalID, link.APIEndpoint, link.AccountUID, link.ReauthRequired,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetAccountLink gets an account link by id
func (s *PostgresStore) GetAccountLink(ctx context.Context, id uuid.UUID) (*models.AccountLink, error) {
	query := `
        SELECT id, created_at, updated_at, app_variant, access_token, refresh_token,
               expires_at, terminal_id, api_endpoint, account_uid, reauth_required
        FROM account_links
        WHERE id = $1`

	link := &models.AccountLink{}
	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&link.ID, &link.CreatedAt, &link.UpdatedAt, &link.AppVariant,
		&link.AccessToken, &link.RefreshToken, &link.ExpiresAt,
		&link.TerminalID, &link.APIEndpoint, &link.AccountUID, &link.ReauthRequired,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	link.RefreshToken, err = s.open(link.RefreshToken)
	if err != nil {
		return nil, err
	}

	return link, nil
}

// UpdateAccountLink updates an account link's mutable fields (tokens,
// expiry, reauth flag).
func (s *PostgresStore) UpdateAccountLink(ctx context.Context, link *models.AccountLink) error {
	link.UpdatedAt = time.Now()

	refreshToken, err := s.seal(link.RefreshToken)
	if err != nil {
		return err
	}

	query := `
        UPDATE account_links SET
            updated_at = $2, access_token = $3, refresh_token = $4,
            expires_at = $5, reauth_required = $6
        WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		link.ID, link.UpdatedAt, link.AccessToken, refreshToken,
		link.ExpiresAt, link.ReauthRequired,
	)

	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteAccountLink deletes an account link and every device record
// that references it.
func (s *PostgresStore) DeleteAccountLink(ctx context.Context, id uuid.UUID) error {
	tx := s
	ownTx := s.tx == nil
	if ownTx {
		begun, err := s.BeginTx(ctx)
		if err != nil {
			return err
		}
		tx = begun.(*PostgresStore)
		defer tx.Rollback()
	}

	if _, err := tx.getDB().ExecContext(ctx,
		"DELETE FROM device_records WHERE account_link_id = $1", id,
	); err != nil {
		return err
	}

	result, err := tx.getDB().ExecContext(ctx,
		"DELETE FROM account_links WHERE id = $1", id,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	if ownTx {
		return tx.Commit()
	}
	return nil
}

// ListAccountLinks lists all account links
func (s *PostgresStore) ListAccountLinks(ctx context.Context) ([]*models.AccountLink, error) {
	query := `
        SELECT id, created_at, updated_at, app_variant, access_token, refresh_token,
               expires_at, terminal_id, api_endpoint, account_uid, reauth_required
        FROM account_links
        ORDER BY created_at`

	rows, err := s.getDB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []*models.AccountLink
	for rows.Next() {
		link := &models.AccountLink{}
		err := rows.Scan(
			&link.ID, &link.CreatedAt, &link.UpdatedAt, &link.AppVariant,
			&link.AccessToken, &link.RefreshToken, &link.ExpiresAt,
			&link.TerminalID, &link.APIEndpoint, &link.AccountUID, &link.ReauthRequired,
		)
		if err != nil {
			return nil, err
		}

		link.RefreshToken, err = s.open(link.RefreshToken)
		if err != nil {
			return nil, err
		}

		links = append(links, link)
	}

	return links, rows.Err()
}
