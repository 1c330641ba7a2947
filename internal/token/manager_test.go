package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hoodlink/hoodlink-server/internal/cloud"
	"github.com/hoodlink/hoodlink-server/internal/models"
	"github.com/hoodlink/hoodlink-server/internal/storage"
)

// memStore keeps account links in a map, enough to drive the manager.
type memStore struct {
	mu    sync.Mutex
	links map[uuid.UUID]*models.AccountLink
}

func newMemStore(links ...*models.AccountLink) *memStore {
	s := &memStore{links: make(map[uuid.UUID]*models.AccountLink)}
	for _, l := range links {
		cp := *l
		s.links[l.ID] = &cp
	}
	return s
}

func (s *memStore) GetAccountLink(ctx context.Context, id uuid.UUID) (*models.AccountLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *memStore) UpdateAccountLink(ctx context.Context, link *models.AccountLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[link.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *link
	s.links[link.ID] = &cp
	return nil
}

func (s *memStore) ListAccountLinks(ctx context.Context) ([]*models.AccountLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AccountLink, 0, len(s.links))
	for _, l := range s.links {
		cp := *l
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) BeginTx(context.Context) (storage.Store, error)           { return s, nil }
func (s *memStore) Commit() error                                            { return nil }
func (s *memStore) Rollback() error                                          { return nil }
func (s *memStore) CreateAccountLink(context.Context, *models.AccountLink) error { return nil }
func (s *memStore) DeleteAccountLink(context.Context, uuid.UUID) error       { return nil }
func (s *memStore) UpsertDevice(context.Context, *models.DeviceRecord, bool) error { return nil }
func (s *memStore) GetDevice(context.Context, string) (*models.DeviceRecord, error) {
	return nil, storage.ErrNotFound
}
func (s *memStore) UpdateDeviceKey(context.Context, string, string, string, bool) error { return nil }
func (s *memStore) DeleteDevice(context.Context, string) error                          { return nil }
func (s *memStore) ListDevices(context.Context, uuid.UUID) ([]*models.DeviceRecord, error) {
	return nil, nil
}
func (s *memStore) Close() error { return nil }

type fakeRefresher struct {
	calls  int32
	bundle *models.TokenBundle
	err    error
	delay  time.Duration
}

func (f *fakeRefresher) RefreshTokens(ctx context.Context, refreshToken string) (*models.TokenBundle, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.bundle, nil
}

func testLink(expiresAt time.Time) *models.AccountLink {
	return &models.AccountLink{
		ID:           uuid.New(),
		AppVariant:   models.AppVariantA,
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    expiresAt,
		TerminalID:   "term-1",
		APIEndpoint:  "https://px1.example.com",
	}
}

func TestEnsureValidSkipsFreshToken(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	link := testLink(now.Add(time.Hour))
	ref := &fakeRefresher{}
	m := NewManager(newMemStore(link), ref, 300*time.Second)
	m.now = func() time.Time { return now }

	tok, err := m.EnsureValid(context.Background(), link.ID)
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if tok != "at-old" {
		t.Fatalf("token = %q, want at-old", tok)
	}
	if n := atomic.LoadInt32(&ref.calls); n != 0 {
		t.Fatalf("refresh called %d times for a fresh token", n)
	}
}

func TestEnsureValidRefreshesInsideMargin(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	// 200s left, margin is 300s: must refresh.
	link := testLink(now.Add(200 * time.Second))
	st := newMemStore(link)
	ref := &fakeRefresher{bundle: &models.TokenBundle{
		AccessToken:  "at-new",
		RefreshToken: "rt-new",
		ExpiresAt:    now.Add(2 * time.Hour),
	}}
	m := NewManager(st, ref, 300*time.Second)
	m.now = func() time.Time { return now }

	tok, err := m.EnsureValid(context.Background(), link.ID)
	if err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}
	if tok != "at-new" {
		t.Fatalf("token = %q, want at-new", tok)
	}

	stored, _ := st.GetAccountLink(context.Background(), link.ID)
	if stored.RefreshToken != "rt-new" || !stored.ExpiresAt.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("stored link not updated: %+v", stored)
	}
}

func TestEnsureValidSingleRefreshUnderContention(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	link := testLink(now.Add(time.Second)) // expired for all callers
	st := newMemStore(link)
	ref := &fakeRefresher{
		bundle: &models.TokenBundle{
			AccessToken:  "at-new",
			RefreshToken: "rt-new",
			ExpiresAt:    now.Add(2 * time.Hour),
		},
		delay: 10 * time.Millisecond,
	}
	m := NewManager(st, ref, 300*time.Second)

	var mu sync.Mutex
	current := now
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	// After the first refresh lands, the stored expiry moves far out,
	// so callers queued behind the lock see a fresh token and return
	// without a second cloud call.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.EnsureValid(context.Background(), link.ID)
			if err != nil {
				t.Errorf("EnsureValid: %v", err)
				return
			}
			if tok != "at-new" {
				t.Errorf("token = %q, want at-new", tok)
			}
		}()
	}
	wg.Wait()

	if n := atomic.LoadInt32(&ref.calls); n != 1 {
		t.Fatalf("refresh called %d times, want exactly 1", n)
	}
}

func TestEnsureValidMonotonicExpiry(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	link := testLink(now.Add(100 * time.Second))
	st := newMemStore(link)
	// Cloud answers with an expiry in the past; the stored one must
	// not move backwards.
	ref := &fakeRefresher{bundle: &models.TokenBundle{
		AccessToken:  "at-new",
		RefreshToken: "rt-new",
		ExpiresAt:    now.Add(-time.Hour),
	}}
	m := NewManager(st, ref, 300*time.Second)
	m.now = func() time.Time { return now }

	if _, err := m.EnsureValid(context.Background(), link.ID); err != nil {
		t.Fatalf("EnsureValid: %v", err)
	}

	stored, _ := st.GetAccountLink(context.Background(), link.ID)
	if !stored.ExpiresAt.Equal(now.Add(100 * time.Second)) {
		t.Fatalf("expiry moved backwards to %v", stored.ExpiresAt)
	}
	if stored.AccessToken != "at-new" {
		t.Fatalf("access token not rotated: %q", stored.AccessToken)
	}
}

func TestEnsureValidLatchesReauth(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	link := testLink(now.Add(time.Second))
	st := newMemStore(link)
	ref := &fakeRefresher{err: cloud.ErrAuthExpired}
	m := NewManager(st, ref, 300*time.Second)
	m.now = func() time.Time { return now }

	_, err := m.EnsureValid(context.Background(), link.ID)
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("EnsureValid = %v, want ErrReauthRequired", err)
	}

	stored, _ := st.GetAccountLink(context.Background(), link.ID)
	if !stored.ReauthRequired {
		t.Fatal("reauth flag not persisted")
	}

	// Latched: the next call fails fast without touching the cloud.
	calls := atomic.LoadInt32(&ref.calls)
	if _, err := m.EnsureValid(context.Background(), link.ID); !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("second EnsureValid = %v, want ErrReauthRequired", err)
	}
	if atomic.LoadInt32(&ref.calls) != calls {
		t.Fatal("latched link still hit the refresh endpoint")
	}
}

func TestEnsureValidTransientErrorKeepsState(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	link := testLink(now.Add(time.Second))
	st := newMemStore(link)
	ref := &fakeRefresher{err: cloud.ErrCloudUnreachable}
	m := NewManager(st, ref, 300*time.Second)
	m.now = func() time.Time { return now }

	_, err := m.EnsureValid(context.Background(), link.ID)
	if err == nil || errors.Is(err, ErrReauthRequired) {
		t.Fatalf("EnsureValid = %v, want transient error", err)
	}

	stored, _ := st.GetAccountLink(context.Background(), link.ID)
	if stored.ReauthRequired {
		t.Fatal("transient failure latched reauth")
	}
	if stored.RefreshToken != "rt-old" {
		t.Fatal("transient failure mutated stored credentials")
	}
}

func TestMaintainAllSkipsLatchedLinks(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	healthy := testLink(now.Add(time.Second))
	latched := testLink(now.Add(time.Second))
	latched.ReauthRequired = true

	st := newMemStore(healthy, latched)
	ref := &fakeRefresher{bundle: &models.TokenBundle{
		AccessToken:  "at-new",
		RefreshToken: "rt-new",
		ExpiresAt:    now.Add(2 * time.Hour),
	}}
	m := NewManager(st, ref, 300*time.Second)
	m.now = func() time.Time { return now }

	m.MaintainAll(context.Background())

	if n := atomic.LoadInt32(&ref.calls); n != 1 {
		t.Fatalf("refresh called %d times, want 1 (latched link skipped)", n)
	}
}
