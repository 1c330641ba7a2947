package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hoodlink/hoodlink-server/internal/cloud"
	"github.com/hoodlink/hoodlink-server/internal/models"
	"github.com/hoodlink/hoodlink-server/internal/storage"
	"github.com/hoodlink/hoodlink-server/pkg/crypto"
)

// ErrReauthRequired means the cloud invalidated the refresh token and
// the account link can only be restored by a new pairing run. Silent
// refresh stops until then.
var ErrReauthRequired = errors.New("account link requires re-authorization")

// Refresher is the slice of the cloud client the manager needs.
type Refresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (*models.TokenBundle, error)
}

// Manager keeps account-level token pairs valid. Refresh is proactive
// (margin before expiry) and mutually exclusive per link: the refresh
// endpoint may invalidate the prior refresh token, so duplicate
// concurrent refreshes are unsafe, not just wasteful.
type Manager struct {
	store  storage.Store
	cloud  Refresher
	margin time.Duration
	now    func() time.Time

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewManager creates a token lifecycle manager.
func NewManager(store storage.Store, refresher Refresher, margin time.Duration) *Manager {
	return &Manager{
		store:  store,
		cloud:  refresher,
		margin: margin,
		now:    time.Now,
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// EnsureValid returns an access token guaranteed to outlive the
// safety margin, refreshing first when needed. Concurrent callers on
// the same link block on one refresh; links refresh independently.
func (m *Manager) EnsureValid(ctx context.Context, linkID uuid.UUID) (string, error) {
	lock := m.linkLock(linkID)
	lock.Lock()
	defer lock.Unlock()

	link, err := m.store.GetAccountLink(ctx, linkID)
	if err != nil {
		return "", fmt.Errorf("load account link: %w", err)
	}

	if link.ReauthRequired {
		return "", ErrReauthRequired
	}

	if m.now().Before(link.ExpiresAt.Add(-m.margin)) {
		return link.AccessToken, nil
	}

	bundle, err := m.cloud.RefreshTokens(ctx, link.RefreshToken)
	if err != nil {
		if errors.Is(err, cloud.ErrAuthExpired) {
			m.latchReauth(ctx, link)
			return "", fmt.Errorf("%w: %v", ErrReauthRequired, err)
		}
		return "", fmt.Errorf("refresh tokens: %w", err)
	}

	link.AccessToken = bundle.AccessToken
	link.RefreshToken = bundle.RefreshToken

	// Expiry is monotonic: a refresh never moves it backwards.
	if bundle.ExpiresAt.After(link.ExpiresAt) {
		link.ExpiresAt = bundle.ExpiresAt
	}

	if err := m.store.UpdateAccountLink(ctx, link); err != nil {
		return "", fmt.Errorf("persist refreshed tokens: %w", err)
	}

	log.Info().
		Str("link_id", link.ID.String()).
		Str("token_fp", crypto.Fingerprint(link.AccessToken)).
		Time("expires_at", link.ExpiresAt).
		Msg("account tokens refreshed")

	return link.AccessToken, nil
}

// Bundle returns the link's current credential set for directory
// calls, refreshing through EnsureValid first.
func (m *Manager) Bundle(ctx context.Context, linkID uuid.UUID) (*models.TokenBundle, error) {
	if _, err := m.EnsureValid(ctx, linkID); err != nil {
		return nil, err
	}

	link, err := m.store.GetAccountLink(ctx, linkID)
	if err != nil {
		return nil, err
	}

	return &models.TokenBundle{
		AccessToken:  link.AccessToken,
		RefreshToken: link.RefreshToken,
		ExpiresAt:    link.ExpiresAt,
		TerminalID:   link.TerminalID,
		APIEndpoint:  link.APIEndpoint,
		AccountUID:   link.AccountUID,
	}, nil
}

// MaintainAll proactively refreshes every link that is close to
// expiry, skipping ones latched for re-authorization. Called
// periodically by the daemon.
func (m *Manager) MaintainAll(ctx context.Context) {
	links, err := m.store.ListAccountLinks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("token maintenance: list links")
		return
	}

	for _, link := range links {
		if link.ReauthRequired {
			continue
		}
		if _, err := m.EnsureValid(ctx, link.ID); err != nil {
			log.Warn().Err(err).
				Str("link_id", link.ID.String()).
				Msg("token maintenance: refresh failed")
		}
	}
}

// latchReauth marks the link as needing a full re-pairing so no
// further automatic refresh hammers an already-invalidated account.
func (m *Manager) latchReauth(ctx context.Context, link *models.AccountLink) {
	link.ReauthRequired = true
	if err := m.store.UpdateAccountLink(ctx, link); err != nil {
		log.Error().Err(err).
			Str("link_id", link.ID.String()).
			Msg("failed to persist reauth flag")
		return
	}
	log.Warn().
		Str("link_id", link.ID.String()).
		Msg("refresh token rejected, account link needs re-pairing")
}

func (m *Manager) linkLock(linkID uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[linkID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[linkID] = lock
	}
	return lock
}
