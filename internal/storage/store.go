package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/hoodlink/hoodlink-server/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrKeyErasure rejects a write that would replace a non-empty
	// local key with an empty one. A transient cloud response must
	// never wipe a working credential; callers that have confirmed the
	// cloud record itself dropped the key pass force.
	ErrKeyErasure = errors.New("refusing to erase stored local key")
)

// Store defines the credential storage interface. Writes are
// all-or-nothing per entity; partially-written state is never visible.
type Store interface {
	// Transaction support
	BeginTx(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error

	// Account link methods
	CreateAccountLink(ctx context.Context, link *models.AccountLink) error
	GetAccountLink(ctx context.Context, id uuid.UUID) (*models.AccountLink, error)
	UpdateAccountLink(ctx context.Context, link *models.AccountLink) error
	// DeleteAccountLink cascades to every DeviceRecord owned by the link.
	DeleteAccountLink(ctx context.Context, id uuid.UUID) error
	ListAccountLinks(ctx context.Context) ([]*models.AccountLink, error)

	// Device record methods
	UpsertDevice(ctx context.Context, rec *models.DeviceRecord, force bool) error
	GetDevice(ctx context.Context, deviceID string) (*models.DeviceRecord, error)
	UpdateDeviceKey(ctx context.Context, deviceID, localKey, address string, force bool) error
	DeleteDevice(ctx context.Context, deviceID string) error
	ListDevices(ctx context.Context, linkID uuid.UUID) ([]*models.DeviceRecord, error)

	// Close the store
	Close() error
}
