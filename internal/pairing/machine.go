package pairing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hoodlink/hoodlink-server/internal/cloud"
	"github.com/hoodlink/hoodlink-server/internal/config"
	"github.com/hoodlink/hoodlink-server/internal/models"
	"github.com/hoodlink/hoodlink-server/internal/storage"
)

// Manager errors.
var (
	ErrSessionNotFound = errors.New("pairing session not found")
	ErrInvalidState    = errors.New("operation not valid in current session state")

	// ErrDisambiguationRequired means a selected device classified as
	// UnknownButInFamily was confirmed without a model choice.
	ErrDisambiguationRequired = errors.New("device requires model disambiguation")
)

// AuthClient is the slice of the cloud client the machine drives.
type AuthClient interface {
	RequestQRToken(ctx context.Context, variant models.AppVariant, userCode string) (string, error)
	PollAuthorization(ctx context.Context, qrToken string, variant models.AppVariant, userCode string) (*models.TokenBundle, error)
}

// DirectoryClient fetches the account device listing after authorization.
type DirectoryClient interface {
	ListDevices(ctx context.Context, bundle *models.TokenBundle) ([]models.DeviceRecord, error)
}

// Publisher receives state transitions for the UI collaborator. May be nil.
type Publisher interface {
	PublishPairingEvent(ev models.PairingEvent)
}

// DeviceSelection is one device the operator chose to keep, with an
// optional model key resolving an UnknownButInFamily classification.
type DeviceSelection struct {
	DeviceID string `json:"deviceId"`
	ModelKey string `json:"modelKey,omitempty"`
}

// session holds the in-memory state of one pairing attempt. Nothing
// here is persisted; Complete transfers the result into the store and
// every other terminal state discards it.
type session struct {
	mu      sync.Mutex
	model   models.PairingSession
	bundle  *models.TokenBundle
	devices []models.DeviceRecord
	cancel  context.CancelFunc
	done    chan struct{}
	busy    bool
}

// Manager orchestrates QR pairing sessions. Each session runs as a
// cancellable background task; the caller's thread of execution is
// never blocked past session creation.
type Manager struct {
	auth  AuthClient
	dir   DirectoryClient
	store storage.Store
	pub   Publisher
	clock Clock
	cfg   config.PairingConfig

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

// NewManager creates a pairing manager.
func NewManager(auth AuthClient, dir DirectoryClient, store storage.Store, pub Publisher, clock Clock, cfg config.PairingConfig) *Manager {
	if clock == nil {
		clock = NewRealClock()
	}
	return &Manager{
		auth:     auth,
		dir:      dir,
		store:    store,
		pub:      pub,
		clock:    clock,
		cfg:      cfg,
		sessions: make(map[uuid.UUID]*session),
	}
}

// Start begins a new pairing attempt for the given user code and app
// variant and returns the initial session snapshot. The protocol runs
// in the background; progress is observable via Get and the publisher.
func (m *Manager) Start(userCode string, variant models.AppVariant) (models.PairingSession, error) {
	if userCode == "" {
		return models.PairingSession{}, fmt.Errorf("%w: empty user code", cloud.ErrInvalidUserCode)
	}
	if !variant.Valid() {
		return models.PairingSession{}, fmt.Errorf("unknown app variant %q", variant)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		model: models.PairingSession{
			ID:         uuid.New(),
			UserCode:   userCode,
			AppVariant: variant,
			State:      models.PairingIdle,
			StartedAt:  m.clock.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[s.model.ID] = s
	m.mu.Unlock()

	go m.run(ctx, s)

	return s.snapshot(), nil
}

// Get returns a snapshot of the session's current state.
func (m *Manager) Get(id uuid.UUID) (models.PairingSession, error) {
	s, err := m.lookup(id)
	if err != nil {
		return models.PairingSession{}, err
	}
	return s.snapshot(), nil
}

// QRToken returns the scannable token once the session has one.
func (m *Manager) QRToken(id uuid.UUID) (string, error) {
	s, err := m.lookup(id)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model.QRToken == "" {
		return "", fmt.Errorf("%w: no QR token yet", ErrInvalidState)
	}
	return s.model.QRToken, nil
}

// Devices returns the classified directory once the session reached
// DirectoryFetched.
func (m *Manager) Devices(id uuid.UUID) ([]models.DeviceRecord, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model.State != models.PairingDirectoryFetched {
		return nil, fmt.Errorf("%w: directory not fetched", ErrInvalidState)
	}

	out := make([]models.DeviceRecord, len(s.devices))
	copy(out, s.devices)
	return out, nil
}

// Cancel tears down a non-terminal session. No compensating cloud
// call is made; an unscanned token simply expires server-side. A
// session parked at DirectoryFetched, or failed with a retriable
// directory fetch, no longer has a protocol goroutine, so those are
// transitioned here directly.
func (m *Manager) Cancel(id uuid.UUID) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return fmt.Errorf("%w: confirm or retry in progress", ErrInvalidState)
	}
	state := s.model.State
	parked := state == models.PairingDirectoryFetched ||
		(state == models.PairingFailed && s.model.Reason == models.FailDirectoryFetch)
	if state.Terminal() && !parked {
		s.mu.Unlock()
		return fmt.Errorf("%w: session already finished", ErrInvalidState)
	}
	if parked {
		s.teardownLocked()
	}
	s.mu.Unlock()

	s.cancel()
	if parked {
		m.notify(s, models.PairingFailed, models.FailCanceled)
		return nil
	}
	<-s.done

	// The goroutine may have parked the session at DirectoryFetched
	// before it observed the cancellation; finish the teardown here.
	s.mu.Lock()
	parked = !s.busy && s.model.State == models.PairingDirectoryFetched
	if parked {
		s.teardownLocked()
	}
	s.mu.Unlock()
	if parked {
		m.notify(s, models.PairingFailed, models.FailCanceled)
	}
	return nil
}

// teardownLocked marks the session canceled and drops the held token
// bundle and directory. Caller holds s.mu.
func (s *session) teardownLocked() {
	s.bundle = nil
	s.devices = nil
	s.model.State = models.PairingFailed
	s.model.Reason = models.FailCanceled
}

// RetryDirectory re-runs the directory fetch after a
// DirectoryFetchError failure. The authorized token bundle is kept
// for the life of this process only, so no re-pairing is needed.
func (m *Manager) RetryDirectory(ctx context.Context, id uuid.UUID) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	retriable := !s.busy && s.model.State == models.PairingFailed &&
		s.model.Reason == models.FailDirectoryFetch && s.bundle != nil
	bundle := s.bundle
	if retriable {
		s.busy = true
	}
	s.mu.Unlock()

	if !retriable {
		return fmt.Errorf("%w: no retriable directory failure", ErrInvalidState)
	}
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	devices, err := m.dir.ListDevices(ctx, bundle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.devices = devices
	s.model.Reason = ""
	s.mu.Unlock()
	m.setState(s, models.PairingDirectoryFetched, "")
	return nil
}

// Confirm persists the operator's device selection. This is the only
// transition that writes: one AccountLink and the selected
// DeviceRecords are stored in a single transaction, then the session
// completes.
func (m *Manager) Confirm(ctx context.Context, id uuid.UUID, selections []DeviceSelection) (*models.AccountLink, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.busy || s.model.State != models.PairingDirectoryFetched {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session not in directory_fetched", ErrInvalidState)
	}
	s.busy = true
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()
	bundle := s.bundle
	byID := make(map[string]models.DeviceRecord, len(s.devices))
	for _, d := range s.devices {
		byID[d.DeviceID] = d
	}
	variant := s.model.AppVariant
	s.mu.Unlock()

	now := m.clock.Now()
	link := &models.AccountLink{
		ID:           uuid.New(),
		AppVariant:   variant,
		AccessToken:  bundle.AccessToken,
		RefreshToken: bundle.RefreshToken,
		ExpiresAt:    bundle.ExpiresAt,
		TerminalID:   bundle.TerminalID,
		APIEndpoint:  bundle.APIEndpoint,
		AccountUID:   bundle.AccountUID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	records := make([]models.DeviceRecord, 0, len(selections))
	for _, sel := range selections {
		rec, ok := byID[sel.DeviceID]
		if !ok {
			return nil, fmt.Errorf("device %s not in fetched directory", sel.DeviceID)
		}
		switch rec.Classification.Kind {
		case models.ClassificationKnownModel:
			// Already resolved; an operator override is ignored.
		case models.ClassificationUnknownButInFamily:
			if sel.ModelKey == "" {
				return nil, fmt.Errorf("%w: %s", ErrDisambiguationRequired, sel.DeviceID)
			}
			rec.Classification = models.KnownModel(sel.ModelKey)
		default:
			return nil, fmt.Errorf("device %s is not in the product family", sel.DeviceID)
		}
		rec.AccountLinkID = link.ID
		records = append(records, rec)
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := tx.CreateAccountLink(ctx, link); err != nil {
		return nil, fmt.Errorf("create account link: %w", err)
	}
	for i := range records {
		if err := tx.UpsertDevice(ctx, &records[i], false); err != nil {
			return nil, fmt.Errorf("store device %s: %w", records[i].DeviceID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	m.setState(s, models.PairingComplete, "")
	s.cancel()

	log.Info().
		Str("link_id", link.ID.String()).
		Int("devices", len(records)).
		Msg("pairing complete")

	return link, nil
}

// run drives the session through the protocol. It is the only
// long-lived suspension point in the system and yields at every poll
// interval.
func (m *Manager) run(ctx context.Context, s *session) {
	defer close(s.done)

	m.setState(s, models.PairingTokenRequested, "")

	qrCtx, cancel := context.WithTimeout(ctx, m.cfg.PollInterval*5)
	qrToken, err := m.auth.RequestQRToken(qrCtx, s.model.AppVariant, s.model.UserCode)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, cloud.ErrInvalidUserCode):
			m.fail(s, models.FailInvalidUserCode, err)
		case ctx.Err() != nil:
			m.fail(s, models.FailCanceled, ctx.Err())
		default:
			m.fail(s, models.FailCloudUnreachable, err)
		}
		return
	}

	deadline := m.clock.Now().Add(m.cfg.ScanTimeout)
	s.mu.Lock()
	s.model.QRToken = qrToken
	s.model.Deadline = deadline
	s.mu.Unlock()
	m.setState(s, models.PairingAwaitingScan, "")

	for {
		// Deadline is checked against the clock, not a poll counter,
		// so retried transport failures cannot shorten the budget.
		if !m.clock.Now().Before(deadline) {
			m.setState(s, models.PairingTimedOut, "")
			return
		}

		select {
		case <-ctx.Done():
			m.fail(s, models.FailCanceled, ctx.Err())
			return
		case <-m.clock.After(m.cfg.PollInterval):
		}

		pollCtx, cancel := context.WithTimeout(ctx, m.cfg.PollInterval*5)
		bundle, err := m.auth.PollAuthorization(pollCtx, qrToken, s.model.AppVariant, s.model.UserCode)
		cancel()

		switch {
		case err == nil:
			s.mu.Lock()
			s.bundle = bundle
			s.mu.Unlock()
			m.setState(s, models.PairingAuthorized, "")
			m.fetchDirectory(ctx, s)
			return
		case errors.Is(err, cloud.ErrAuthorizationPending):
			continue
		case errors.Is(err, cloud.ErrAuthorizationDenied):
			m.fail(s, models.FailDenied, err)
			return
		case ctx.Err() != nil:
			m.fail(s, models.FailCanceled, ctx.Err())
			return
		default:
			// Transient poll failure. Logged and retried; the deadline
			// keeps running on real time only.
			log.Warn().Err(err).
				Str("session_id", s.model.ID.String()).
				Msg("authorization poll failed, retrying")
		}
	}
}

// fetchDirectory moves an authorized session to DirectoryFetched.
func (m *Manager) fetchDirectory(ctx context.Context, s *session) {
	s.mu.Lock()
	bundle := s.bundle
	s.mu.Unlock()

	devices, err := m.dir.ListDevices(ctx, bundle)
	if err != nil {
		// The bundle stays valid in-memory; RetryDirectory can re-run
		// the fetch without re-pairing.
		m.fail(s, models.FailDirectoryFetch, err)
		return
	}

	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()
	m.setState(s, models.PairingDirectoryFetched, "")
}

func (m *Manager) lookup(id uuid.UUID) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) setState(s *session, state models.PairingState, reason models.FailReason) {
	s.mu.Lock()
	s.model.State = state
	s.model.Reason = reason
	s.mu.Unlock()
	m.notify(s, state, reason)
}

// notify logs and publishes a transition already applied to the
// session. The session ID is immutable, so no lock is needed here.
func (m *Manager) notify(s *session, state models.PairingState, reason models.FailReason) {
	ev := models.PairingEvent{
		SessionID: s.model.ID,
		State:     state,
		Reason:    reason,
		Time:      m.clock.Now(),
	}

	log.Debug().
		Str("session_id", ev.SessionID.String()).
		Str("state", string(state)).
		Str("reason", string(reason)).
		Msg("pairing state changed")

	if m.pub != nil {
		m.pub.PublishPairingEvent(ev)
	}
}

func (m *Manager) fail(s *session, reason models.FailReason, err error) {
	log.Warn().Err(err).
		Str("session_id", s.model.ID.String()).
		Str("reason", string(reason)).
		Msg("pairing failed")
	m.setState(s, models.PairingFailed, reason)
}

func (s *session) snapshot() models.PairingSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.model
	snap.QRToken = "" // never exposed in snapshots, fetched explicitly
	return snap
}

// Prune drops terminal sessions older than the given age. Called by
// the daemon's maintenance loop.
func (m *Manager) Prune(maxAge time.Duration) {
	cutoff := m.clock.Now().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		stale := s.model.State.Terminal() && s.model.StartedAt.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(m.sessions, id)
		}
	}
}
