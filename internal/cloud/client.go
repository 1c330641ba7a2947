package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hoodlink/hoodlink-server/internal/config"
	"github.com/hoodlink/hoodlink-server/internal/models"
	"github.com/hoodlink/hoodlink-server/pkg/crypto"
)

// Server-side result codes observed on the QR pairing endpoints.
const (
	codeUserCodeInvalid  = 1108
	codeAuthPending      = 1004
	codeAuthDenied       = 1005
	codeTokenExpired     = 1010
	codeRefreshExhausted = 1012
)

// envelope is the JSON wrapper every endpoint responds with.
type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Msg     string          `json:"msg"`
	T       int64           `json:"t"`
	Result  json.RawMessage `json:"result"`
}

// tokenResult is the bundle payload returned by the poll and refresh
// endpoints.
type tokenResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpireTime   int64  `json:"expire_time"`
	TerminalID   string `json:"terminal_id"`
	Endpoint     string `json:"endpoint"`
	UID          string `json:"uid"`
}

// Client is a stateless wrapper around the vendor's QR pairing HTTP
// endpoints. The client identifier and per-variant schema strings are
// immutable configuration fixed at construction; retry policy belongs
// to the caller.
type Client struct {
	cfg  config.CloudConfig
	http *http.Client
	now  func() time.Time
}

// NewClient creates a cloud auth client.
func NewClient(cfg config.CloudConfig) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		now: time.Now,
	}
}

// Schema returns the wire constant the cloud expects for an app variant.
func (c *Client) Schema(variant models.AppVariant) string {
	if variant == models.AppVariantB {
		return c.cfg.SchemaVariantB
	}
	return c.cfg.SchemaVariantA
}

// RequestQRToken exchanges a user code for a single-use scannable
// token. Fails with ErrInvalidUserCode when the server rejects the
// code and ErrCloudUnreachable on transport errors.
func (c *Client) RequestQRToken(ctx context.Context, variant models.AppVariant, userCode string) (string, error) {
	q := url.Values{}
	q.Set("clientid", c.cfg.ClientID)
	q.Set("usercode", userCode)
	q.Set("schema", c.Schema(variant))

	var result struct {
		QRCode string `json:"qrcode"`
	}

	if err := c.get(ctx, "/v1.0/m/life/ha/token", q, &result); err != nil {
		return "", err
	}

	if result.QRCode == "" {
		return "", fmt.Errorf("%w: empty qr token in response", ErrCloudUnreachable)
	}

	log.Debug().
		Str("user_code", userCode).
		Str("token_fp", crypto.Fingerprint(result.QRCode)).
		Msg("QR token issued")

	return result.QRCode, nil
}

// PollAuthorization performs a single non-blocking check of the token
// state. Returns ErrAuthorizationPending until the user acts,
// ErrAuthorizationDenied on rejection, or the issued token bundle.
func (c *Client) PollAuthorization(ctx context.Context, qrToken string, variant models.AppVariant, userCode string) (*models.TokenBundle, error) {
	q := url.Values{}
	q.Set("clientid", c.cfg.ClientID)
	q.Set("usercode", userCode)
	q.Set("schema", c.Schema(variant))

	var result tokenResult
	if err := c.get(ctx, "/v1.0/m/life/ha/token/"+url.PathEscape(qrToken), q, &result); err != nil {
		return nil, err
	}

	return c.bundle(result), nil
}

// RefreshTokens exchanges a refresh token for a new access/refresh
// pair. ErrAuthExpired signals the refresh token itself is dead and
// the link must be re-paired; the caller must stop automatic retries.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (*models.TokenBundle, error) {
	q := url.Values{}
	q.Set("clientid", c.cfg.ClientID)

	var result tokenResult
	if err := c.get(ctx, "/v1.0/m/token/"+url.PathEscape(refreshToken), q, &result); err != nil {
		return nil, err
	}

	log.Debug().
		Str("token_fp", crypto.Fingerprint(result.AccessToken)).
		Msg("tokens refreshed")

	return c.bundle(result), nil
}

func (c *Client) bundle(r tokenResult) *models.TokenBundle {
	return &models.TokenBundle{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    c.now().Add(time.Duration(r.ExpireTime) * time.Second),
		TerminalID:   r.TerminalID,
		APIEndpoint:  r.Endpoint,
		AccountUID:   r.UID,
	}
}

// get issues one GET against the pairing API and decodes the envelope
// into out. Error codes map to the package sentinels.
func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	q.Set("t", strconv.FormatInt(c.now().UnixMilli(), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCloudUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrCloudUnreachable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrCloudUnreachable, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: decode envelope: %v", ErrCloudUnreachable, err)
	}

	if !env.Success {
		return mapErrorCode(env.Code, env.Msg)
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("%w: decode result: %v", ErrCloudUnreachable, err)
		}
	}

	return nil
}

// mapErrorCode translates the server's code/msg error payload into a
// package sentinel.
func mapErrorCode(code int, msg string) error {
	switch code {
	case codeUserCodeInvalid:
		return fmt.Errorf("%w (code %d)", ErrInvalidUserCode, code)
	case codeAuthPending:
		return ErrAuthorizationPending
	case codeAuthDenied:
		return ErrAuthorizationDenied
	case codeTokenExpired, codeRefreshExhausted:
		return fmt.Errorf("%w (code %d)", ErrAuthExpired, code)
	default:
		return fmt.Errorf("%w: server error %d: %s", ErrCloudUnreachable, code, msg)
	}
}

// QRPayload renders the string the companion app expects to find in
// the scannable code.
func QRPayload(qrToken string) string {
	return "tuyaSmart--qrLogin?token=" + qrToken
}
