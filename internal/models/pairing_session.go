package models

import (
	"time"

	"github.com/google/uuid"
)

// PairingState is the state of an in-progress QR authentication attempt.
type PairingState string

const (
	PairingIdle             PairingState = "idle"
	PairingTokenRequested   PairingState = "token_requested"
	PairingAwaitingScan     PairingState = "awaiting_scan"
	PairingAuthorized       PairingState = "authorized"
	PairingDirectoryFetched PairingState = "directory_fetched"
	PairingComplete         PairingState = "complete"
	PairingFailed           PairingState = "failed"
	PairingTimedOut         PairingState = "timed_out"
)

// Terminal reports whether the state ends the session.
func (s PairingState) Terminal() bool {
	switch s {
	case PairingComplete, PairingFailed, PairingTimedOut:
		return true
	}
	return false
}

// FailReason narrows PairingFailed.
type FailReason string

const (
	FailInvalidUserCode  FailReason = "invalid_user_code"
	FailCloudUnreachable FailReason = "cloud_unreachable"
	FailDenied           FailReason = "denied"
	FailDirectoryFetch   FailReason = "directory_fetch_error"
	FailCanceled         FailReason = "canceled"
)

// PairingSession is the ephemeral record of one authentication
// attempt. It is never persisted; a completed session transfers its
// result into an AccountLink and its selected DeviceRecords, a failed
// session is simply discarded.
type PairingSession struct {
	ID         uuid.UUID    `json:"id"`
	UserCode   string       `json:"userCode"`
	AppVariant AppVariant   `json:"appVariant"`
	QRToken    string       `json:"-"`
	State      PairingState `json:"state"`
	Reason     FailReason   `json:"reason,omitempty"`
	StartedAt  time.Time    `json:"startedAt"`
	Deadline   time.Time    `json:"deadline"`
}
