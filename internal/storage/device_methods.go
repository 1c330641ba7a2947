package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/hoodlink/hoodlink-server/internal/models"
)

// ========== Device Record Methods ==========

// UpsertDevice creates or updates a device record. A fresh listing
// may legitimately change the local key or address; replacing a
// non-empty stored key with an empty one is rejected unless force is
// set (see ErrKeyErasure).
func (s *PostgresStore) UpsertDevice(ctx context.Context, rec *models.DeviceRecord, force bool) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if rec.LocalKey == "" && !force {
		var stored string
		err := s.getDB().QueryRowContext(ctx,
			"SELECT local_key FROM device_records WHERE device_id = $1", rec.DeviceID,
		).Scan(&stored)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil && stored != "" {
			return ErrKeyErasure
		}
	}

	localKey, err := s.seal(rec.LocalKey)
	if err != nil {
		return err
	}

	query := `
        INSERT INTO device_records (
            device_id, created_at, updated_at, account_link_id, display_name,
            product_category, product_identifier, local_key, last_known_address,
            online_hint, classification, model_key
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
        )
        ON CONFLICT (device_id) DO UPDATE SET
            updated_at = EXCLUDED.updated_at,
            account_link_id = EXCLUDED.account_link_id,
            display_name = EXCLUDED.display_name,
            product_category = EXCLUDED.product_category,
            product_identifier = EXCLUDED.product_identifier,
            local_key = EXCLUDED.local_key,
            last_known_address = EXCLUDED.last_known_address,
            online_hint = EXCLUDED.online_hint,
            classification = EXCLUDED.classification,
            model_key = EXCLUDED.model_key`

	_, err = s.getDB().ExecContext(ctx, query,
		rec.DeviceID, rec.CreatedAt, rec.UpdatedAt, rec.AccountLinkID,
		rec.DisplayName, rec.ProductCategory, rec.ProductIdentifier,
		localKey, rec.LastKnownAddress, rec.OnlineHint,
		rec.Classification.Kind, rec.Classification.ModelKey,
	)

	return err
}

// GetDevice gets a device record by its vendor-assigned id
func (s *PostgresStore) GetDevice(ctx context.Context, deviceID string) (*models.DeviceRecord, error) {
	query := `
        SELECT device_id, created_at, updated_at, account_link_id, display_name,
               product_category, product_identifier, local_key, last_known_address,
               online_hint, classification, model_key
        FROM device_records
        WHERE device_id = $1`

	rec := &models.DeviceRecord{}
	err := s.getDB().QueryRowContext(ctx, query, deviceID).Scan(
		&rec.DeviceID, &rec.CreatedAt, &rec.UpdatedAt, &rec.AccountLinkID,
		&rec.DisplayName, &rec.ProductCategory, &rec.ProductIdentifier,
		&rec.LocalKey, &rec.LastKnownAddress, &rec.OnlineHint,
		&rec.Classification.Kind, &rec.Classification.ModelKey,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	rec.LocalKey, err = s.open(rec.LocalKey)
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// UpdateDeviceKey updates a device's local key and address after a
// scoped directory refetch. The same erasure guard as UpsertDevice
// applies.
func (s *PostgresStore) UpdateDeviceKey(ctx context.Context, deviceID, localKey, address string, force bool) error {
	if localKey == "" && !force {
		var stored string
		err := s.getDB().QueryRowContext(ctx,
			"SELECT local_key FROM device_records WHERE device_id = $1", deviceID,
		).Scan(&stored)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if stored != "" {
			return ErrKeyErasure
		}
	}

	sealed, err := s.seal(localKey)
	if err != nil {
		return err
	}

	query := `
        UPDATE device_records SET
            updated_at = $2, local_key = $3, last_known_address = $4
        WHERE device_id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		deviceID, time.Now(), sealed, address,
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

// DeleteDevice removes a single device record
func (s *PostgresStore) DeleteDevice(ctx context.Context, deviceID string) error {
	result, err := s.getDB().ExecContext(ctx,
		"DELETE FROM device_records WHERE device_id = $1", deviceID,
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

// ListDevices lists the device records owned by an account link
func (s *PostgresStore) ListDevices(ctx context.Context, linkID uuid.UUID) ([]*models.DeviceRecord, error) {
	query := `
        SELECT device_id, created_at, updated_at, account_link_id, display_name,
               product_category, product_identifier, local_key, last_known_address,
               online_hint, classification, model_key
        FROM device_records
        WHERE account_link_id = $1
        ORDER BY device_id`

	rows, err := s.getDB().QueryContext(ctx, query, linkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.DeviceRecord
	for rows.Next() {
		rec := &models.DeviceRecord{}
		err := rows.Scan(
			&rec.DeviceID, &rec.CreatedAt, &rec.UpdatedAt, &rec.AccountLinkID,
			&rec.DisplayName, &rec.ProductCategory, &rec.ProductIdentifier,
			&rec.LocalKey, &rec.LastKnownAddress, &rec.OnlineHint,
			&rec.Classification.Kind, &rec.Classification.ModelKey,
		)
		if err != nil {
			return nil, err
		}

		rec.LocalKey, err = s.open(rec.LocalKey)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}
