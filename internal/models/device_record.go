package models

import (
	"time"

	"github.com/google/uuid"
)

// ClassificationKind is the outcome of the tiered family matcher.
type ClassificationKind string

const (
	// ClassificationKnownModel means the device resolved to a concrete
	// model in the known-products table; ModelKey is set.
	ClassificationKnownModel ClassificationKind = "known_model"

	// ClassificationUnknownButInFamily means only the brand prefix
	// matched. The record is unusable until the operator disambiguates
	// the model.
	ClassificationUnknownButInFamily ClassificationKind = "unknown_in_family"

	// ClassificationNotInFamily means the device is visible on the
	// account but does not belong to this product family.
	ClassificationNotInFamily ClassificationKind = "not_in_family"
)

// Classification is resolved once at directory time and carried on
// the record; operations never re-dispatch on raw category strings.
type Classification struct {
	Kind     ClassificationKind `json:"kind" db:"classification"`
	ModelKey string             `json:"modelKey,omitempty" db:"model_key"`
}

// KnownModel builds a KnownModel classification for the given model key.
func KnownModel(modelKey string) Classification {
	return Classification{Kind: ClassificationKnownModel, ModelKey: modelKey}
}

// UnknownButInFamily is the classification for a brand-prefix-only match.
var UnknownButInFamily = Classification{Kind: ClassificationUnknownButInFamily}

// NotInFamily is the classification for devices outside the product family.
var NotInFamily = Classification{Kind: ClassificationNotInFamily}

// DeviceRecord represents one physical appliance owned by exactly one
// AccountLink. DeviceID is the vendor-assigned identifier and the
// external unique key across the whole system.
type DeviceRecord struct {
	DeviceID      string    `json:"deviceId" db:"device_id"`
	AccountLinkID uuid.UUID `json:"accountLinkId" db:"account_link_id"`

	// Descriptive, non-authoritative.
	DisplayName       string `json:"displayName" db:"display_name"`
	ProductCategory   string `json:"productCategory" db:"product_category"`
	ProductIdentifier string `json:"productIdentifier" db:"product_identifier"`

	// LocalKey enables encrypted direct communication. Empty means the
	// device does not support local control (or the cloud withheld the
	// key); the resolver never fabricates one.
	LocalKey string `json:"-" db:"local_key"`

	// LastKnownAddress is a best-effort network locator, may be stale.
	LastKnownAddress string `json:"lastKnownAddress,omitempty" db:"last_known_address"`

	// OnlineHint is the last reachability flag from the cloud listing.
	// Advisory only, never authoritative over a connection attempt.
	OnlineHint bool `json:"onlineHint" db:"online_hint"`

	Classification Classification `json:"classification"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// HasLocalKey reports whether the record carries a usable local key.
func (d *DeviceRecord) HasLocalKey() bool {
	return d.LocalKey != ""
}

// Usable reports whether the record can back an operational session.
// UnknownButInFamily records need operator disambiguation first.
func (d *DeviceRecord) Usable() bool {
	return d.Classification.Kind == ClassificationKnownModel
}
