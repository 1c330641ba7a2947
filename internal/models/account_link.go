package models

import (
	"time"

	"github.com/google/uuid"
)

// AppVariant identifies which of the two functionally identical
// companion apps issued an account link. The cloud-facing schema
// string for each variant is configuration, not part of the model.
type AppVariant string

const (
	AppVariantA AppVariant = "variant_a"
	AppVariantB AppVariant = "variant_b"
)

// Valid reports whether v is a known variant.
func (v AppVariant) Valid() bool {
	return v == AppVariantA || v == AppVariantB
}

// AccountLink represents one authorized connection to a cloud account.
// It is created only by a completed pairing session and mutated only
// by token refresh or destroyed by unlink.
type AccountLink struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	AppVariant AppVariant `json:"appVariant" db:"app_variant"`

	// Credentials. Never serialized to JSON, encrypted at rest.
	AccessToken  string `json:"-" db:"access_token"`
	RefreshToken string `json:"-" db:"refresh_token"`

	ExpiresAt time.Time `json:"expiresAt" db:"expires_at"`

	// Session-scoping values issued at authorization time, constant
	// for the life of the link.
	TerminalID  string `json:"terminalId" db:"terminal_id"`
	APIEndpoint string `json:"apiEndpoint" db:"api_endpoint"`
	AccountUID  string `json:"-" db:"account_uid"`

	// ReauthRequired is latched when the cloud rejects the refresh
	// token. No automatic refresh happens until a new pairing run
	// replaces the credentials.
	ReauthRequired bool `json:"reauthRequired" db:"reauth_required"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// TokenBundle is the credential set issued by the cloud on successful
// authorization or refresh.
type TokenBundle struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	TerminalID   string
	APIEndpoint  string
	AccountUID   string
}
