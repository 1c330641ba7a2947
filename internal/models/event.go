package models

import (
	"time"

	"github.com/google/uuid"
)

// PairingEvent is published on every pairing state transition so the
// UI collaborator can render progress.
type PairingEvent struct {
	SessionID uuid.UUID    `json:"sessionId"`
	State     PairingState `json:"state"`
	Reason    FailReason   `json:"reason,omitempty"`
	Time      time.Time    `json:"time"`
}

// ConnectionState is the arbitration outcome for one device attempt.
type ConnectionState string

const (
	ConnDisconnected   ConnectionState = "disconnected"
	ConnLocalConnected ConnectionState = "local_connected"
	ConnCloudConnected ConnectionState = "cloud_connected"
)

// DeviceEvent is published when a device's connection state changes.
type DeviceEvent struct {
	DeviceID string          `json:"deviceId"`
	State    ConnectionState `json:"state"`
	Error    string          `json:"error,omitempty"`
	Time     time.Time       `json:"time"`
}
