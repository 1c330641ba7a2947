package server

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/hoodlink/hoodlink-server/internal/models"
)

// EventPublisher pushes pairing and device connectivity events to
// NATS so the UI collaborator can follow progress without polling.
// Publishing is best-effort; a slow or absent broker never blocks the
// state machines.
type EventPublisher struct {
	nc *nats.Conn
}

// NewEventPublisher creates an event publisher on an established
// NATS connection.
func NewEventPublisher(nc *nats.Conn) *EventPublisher {
	return &EventPublisher{nc: nc}
}

// PublishPairingEvent publishes a pairing state transition on
// pairing.<sessionId>.state.
func (p *EventPublisher) PublishPairingEvent(ev models.PairingEvent) {
	subject := fmt.Sprintf("pairing.%s.state", ev.SessionID)
	p.publish(subject, ev)
}

// PublishDeviceEvent publishes a connection state change on
// device.<deviceId>.connection.
func (p *EventPublisher) PublishDeviceEvent(ev models.DeviceEvent) {
	subject := fmt.Sprintf("device.%s.connection", ev.DeviceID)
	p.publish(subject, ev)
}

func (p *EventPublisher) publish(subject string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("marshal event")
		return
	}

	if err := p.nc.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}
