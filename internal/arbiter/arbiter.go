package arbiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hoodlink/hoodlink-server/internal/models"
	"github.com/hoodlink/hoodlink-server/internal/storage"
	"github.com/hoodlink/hoodlink-server/pkg/crypto"
	"github.com/hoodlink/hoodlink-server/pkg/deviceproto"
)

var (
	// ErrKeyOutOfDate means the stored local key was rejected and the
	// one bounded recovery attempt did not produce a working key. Most
	// often the device was unpaired from the account entirely.
	ErrKeyOutOfDate = errors.New("device credential out of date")

	// ErrUnreachable means neither the local path nor the cloud relay
	// produced a session this attempt. Retryable by the caller.
	ErrUnreachable = errors.New("device unreachable")
)

// KeyResolver refetches a single device's cloud record, scoped for
// local-key recovery.
type KeyResolver interface {
	ResolveDevice(ctx context.Context, bundle *models.TokenBundle, deviceID string) (*models.DeviceRecord, error)
}

// Credentials supplies valid account credentials for cloud fallback
// and key refetch.
type Credentials interface {
	Bundle(ctx context.Context, linkID uuid.UUID) (*models.TokenBundle, error)
}

// Publisher receives connection state changes. May be nil.
type Publisher interface {
	PublishDeviceEvent(ev models.DeviceEvent)
}

// Arbitrator decides, per attempt, between a direct local session and
// the cloud relay. It never self-schedules retries: one Connect call
// is exactly one attempt, reconnection cadence belongs to the caller.
// Devices arbitrate independently; there is no cross-device state.
type Arbitrator struct {
	store        storage.Store
	dialer       deviceproto.Dialer
	resolver     KeyResolver
	creds        Credentials
	pub          Publisher
	localTimeout time.Duration
}

// New creates an arbitrator.
func New(store storage.Store, dialer deviceproto.Dialer, resolver KeyResolver, creds Credentials, pub Publisher, localTimeout time.Duration) *Arbitrator {
	return &Arbitrator{
		store:        store,
		dialer:       dialer,
		resolver:     resolver,
		creds:        creds,
		pub:          pub,
		localTimeout: localTimeout,
	}
}

// Connect performs one arbitration attempt for the device and returns
// the established session and resulting state. On failure the state
// is ConnDisconnected and the error says whether the condition is
// retryable (ErrUnreachable) or needs the operator (ErrKeyOutOfDate).
func (a *Arbitrator) Connect(ctx context.Context, deviceID string) (deviceproto.Session, models.ConnectionState, error) {
	rec, err := a.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, models.ConnDisconnected, fmt.Errorf("load device record: %w", err)
	}

	if rec.HasLocalKey() && rec.LastKnownAddress != "" {
		sess, err := a.dialLocal(ctx, rec)
		switch {
		case err == nil:
			a.publish(deviceID, models.ConnLocalConnected, nil)
			return sess, models.ConnLocalConnected, nil

		case deviceproto.IsAuthFailure(err):
			sess, state, err := a.recoverKey(ctx, rec)
			a.publish(deviceID, state, err)
			return sess, state, err
		}

		log.Debug().Err(err).
			Str("device_id", deviceID).
			Msg("local attempt failed, falling back to cloud")
	}

	sess, state, err := a.dialCloud(ctx, rec)
	a.publish(deviceID, state, err)
	return sess, state, err
}

// recoverKey handles the device rejecting the stored key: one scoped
// directory refetch, update on change, one local retry. An unchanged
// key or a failed refetch surfaces to the operator.
func (a *Arbitrator) recoverKey(ctx context.Context, rec *models.DeviceRecord) (deviceproto.Session, models.ConnectionState, error) {
	log.Info().
		Str("device_id", rec.DeviceID).
		Str("key_fp", crypto.Fingerprint(rec.LocalKey)).
		Msg("device rejected local key, refetching from directory")

	bundle, err := a.creds.Bundle(ctx, rec.AccountLinkID)
	if err != nil {
		return nil, models.ConnDisconnected, fmt.Errorf("%w: cannot refetch key: %v", ErrKeyOutOfDate, err)
	}

	fresh, err := a.resolver.ResolveDevice(ctx, bundle, rec.DeviceID)
	if err != nil {
		return nil, models.ConnDisconnected, fmt.Errorf("%w: refetch failed: %v", ErrKeyOutOfDate, err)
	}

	if fresh.LocalKey == "" || fresh.LocalKey == rec.LocalKey {
		// The cloud has nothing newer; the device was most likely
		// unpaired from the account.
		return nil, models.ConnDisconnected, ErrKeyOutOfDate
	}

	rec.LocalKey = fresh.LocalKey
	if fresh.LastKnownAddress != "" {
		rec.LastKnownAddress = fresh.LastKnownAddress
	}
	if err := a.store.UpdateDeviceKey(ctx, rec.DeviceID, rec.LocalKey, rec.LastKnownAddress, false); err != nil {
		return nil, models.ConnDisconnected, fmt.Errorf("persist refreshed key: %w", err)
	}

	log.Info().
		Str("device_id", rec.DeviceID).
		Str("key_fp", crypto.Fingerprint(rec.LocalKey)).
		Msg("local key refreshed, retrying local attempt")

	sess, err := a.dialLocal(ctx, rec)
	if err == nil {
		return sess, models.ConnLocalConnected, nil
	}
	if deviceproto.IsAuthFailure(err) {
		return nil, models.ConnDisconnected, ErrKeyOutOfDate
	}

	// Fresh key but the device dropped off the network mid-recovery.
	return a.dialCloud(ctx, rec)
}

func (a *Arbitrator) dialLocal(ctx context.Context, rec *models.DeviceRecord) (deviceproto.Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, a.localTimeout)
	defer cancel()
	return a.dialer.DialLocal(dialCtx, rec.LastKnownAddress, rec.DeviceID, rec.LocalKey)
}

func (a *Arbitrator) dialCloud(ctx context.Context, rec *models.DeviceRecord) (deviceproto.Session, models.ConnectionState, error) {
	bundle, err := a.creds.Bundle(ctx, rec.AccountLinkID)
	if err != nil {
		return nil, models.ConnDisconnected, fmt.Errorf("%w: no usable cloud credentials: %v", ErrUnreachable, err)
	}

	sess, err := a.dialer.DialCloud(ctx, bundle.APIEndpoint, bundle.AccessToken, rec.DeviceID)
	if err != nil {
		return nil, models.ConnDisconnected, fmt.Errorf("%w: cloud relay: %v", ErrUnreachable, err)
	}

	return sess, models.ConnCloudConnected, nil
}

func (a *Arbitrator) publish(deviceID string, state models.ConnectionState, err error) {
	if a.pub == nil {
		return
	}
	ev := models.DeviceEvent{
		DeviceID: deviceID,
		State:    state,
		Time:     time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	a.pub.PublishDeviceEvent(ev)
}
