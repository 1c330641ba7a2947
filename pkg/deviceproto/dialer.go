package deviceproto

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hoodlink/hoodlink-server/pkg/crypto"
)

// Reply status codes on the local wire.
const (
	statusOK       = 0x00
	statusAuthFail = 0x01
)

// netDialer is the default Dialer: length-prefixed AES-GCM sealed
// frames over TCP for the local path, the vendor relay API for the
// cloud path.
type netDialer struct {
	http *http.Client
}

// NewDialer returns the default dialer. httpTimeout bounds cloud
// relay calls; local calls are bounded by the caller's context.
func NewDialer(httpTimeout time.Duration) Dialer {
	return &netDialer{
		http: &http.Client{Timeout: httpTimeout},
	}
}

// DialLocal opens a TCP connection and verifies the key with one
// sealed ping exchange.
func (d *netDialer) DialLocal(ctx context.Context, addr, deviceID, localKey string) (Session, error) {
	if localKey == "" {
		return nil, fmt.Errorf("device %s has no local key", deviceID)
	}

	key, err := keyBytes(localKey)
	if err != nil {
		return nil, fmt.Errorf("bad local key: %w", err)
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	s := &localSession{conn: conn, key: key}
	if err := s.Ping(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// DialCloud opens a relayed session through the vendor API.
func (d *netDialer) DialCloud(ctx context.Context, endpoint, accessToken, deviceID string) (Session, error) {
	s := &cloudSession{
		http:        d.http,
		endpoint:    endpoint,
		accessToken: accessToken,
		deviceID:    deviceID,
	}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// localSession frames payloads as 4-byte big-endian length plus
// AES-GCM sealed body. The reply's first plaintext byte carries the
// status; statusAuthFail is the protocol's key-rejection signal.
type localSession struct {
	conn net.Conn
	key  []byte
}

func (s *localSession) Ping(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(deadline)
		defer s.conn.SetDeadline(time.Time{})
	}

	sealed, err := crypto.Encrypt(s.key, []byte("ping"))
	if err != nil {
		return err
	}

	frame := make([]byte, 4+len(sealed))
	binary.BigEndian.PutUint32(frame, uint32(len(sealed)))
	copy(frame[4:], sealed)

	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	var header [4]byte
	if _, err := io.ReadFull(s.conn, header[:]); err != nil {
		return fmt.Errorf("read reply header: %w", err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if n == 0 || n > 1<<16 {
		return fmt.Errorf("bad reply length %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(s.conn, body); err != nil {
		return fmt.Errorf("read reply body: %w", err)
	}

	// A device that cannot decrypt our frame answers with a one-byte
	// plaintext status rather than a sealed payload.
	if n == 1 {
		if body[0] == statusAuthFail {
			return ErrAuthFailed
		}
		return fmt.Errorf("device error status %#x", body[0])
	}

	plain, err := crypto.Decrypt(s.key, body)
	if err != nil {
		// Undecryptable reply means the device sealed it with a
		// different key.
		return ErrAuthFailed
	}

	if len(plain) == 0 || plain[0] != statusOK {
		return fmt.Errorf("unexpected device reply")
	}

	return nil
}

func (s *localSession) Close() error {
	return s.conn.Close()
}

// cloudSession reaches the device through the vendor relay.
type cloudSession struct {
	http        *http.Client
	endpoint    string
	accessToken string
	deviceID    string
}

func (s *cloudSession) Ping(ctx context.Context) error {
	u := s.endpoint + "/v1.0/m/life/ha/devices/" + url.PathEscape(s.deviceID) + "/status"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("access_token", s.accessToken)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("relay status %d", resp.StatusCode)
	}

	return nil
}

func (s *cloudSession) Close() error {
	return nil
}

// keyBytes accepts the key either hex-encoded or raw.
func keyBytes(localKey string) ([]byte, error) {
	if b, err := hex.DecodeString(localKey); err == nil && len(b) == 16 {
		return b, nil
	}
	switch len(localKey) {
	case 16, 24, 32:
		return []byte(localKey), nil
	}
	return nil, fmt.Errorf("unsupported key length %d", len(localKey))
}
