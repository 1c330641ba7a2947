package cloud

import "errors"

// Sentinel errors surfaced to callers. The pairing state machine and
// token manager own all retry policy; nothing here retries.
var (
	// ErrInvalidUserCode means the server does not recognize the
	// user-supplied account code. Never retried automatically.
	ErrInvalidUserCode = errors.New("user code not recognized")

	// ErrCloudUnreachable covers transport failures and unexpected
	// server responses. Retryable at the caller's discretion.
	ErrCloudUnreachable = errors.New("cloud unreachable")

	// ErrAuthorizationPending means the user has not yet scanned and
	// confirmed. Expected outcome while polling, not a failure.
	ErrAuthorizationPending = errors.New("authorization pending")

	// ErrAuthorizationDenied means the user rejected the request in
	// the companion app. Terminal for the pairing session.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrAuthExpired means the refresh token is no longer usable and
	// the account link must be re-paired from scratch.
	ErrAuthExpired = errors.New("cloud authorization expired")
)
