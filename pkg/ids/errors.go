package ids

import "fmt"

// Kind is the closed taxonomy of error categories surfaced by the core.
// Exact string values are an implementation choice; callers should
// switch on Kind, never on message text.
type Kind int

const (
	// Validation covers a malformed identifier, out-of-range value, or
	// empty required field.
	Validation Kind = iota
	// NotFound covers a pool/node/service/policy/secret/certificate
	// absent from its owning registry.
	NotFound
	// AlreadyExists covers a duplicate name at registration.
	AlreadyExists
	// Exhausted covers a depleted CIDR or VIP pool.
	Exhausted
	// RateLimited covers a sliding-window or budget denial; carries
	// RetryAfter.
	RateLimited
	// Blocked covers blocklist, geo, or reputation denial; carries
	// Reason and optional ExpiresAt.
	Blocked
	// AuthFailure covers a bad or missing credential, an expired or
	// revoked API key, or insufficient scope.
	AuthFailure
	// Protocol covers a framing error, first-frame discrimination
	// failure, or invalid envelope.
	Protocol
	// InternalConcurrency covers lock poisoning or a channel-closed
	// condition surfacing out of core code paths.
	InternalConcurrency
	// NotUsable covers an operation attempted on a connection whose
	// state forbids it.
	NotUsable
	// AttestationInvalid covers a bad signature, out-of-order
	// checkpoint sequence, or empty chain.
	AttestationInvalid
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "Validation"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case Exhausted:
		return "Exhausted"
	case RateLimited:
		return "RateLimited"
	case Blocked:
		return "Blocked"
	case AuthFailure:
		return "AuthFailure"
	case Protocol:
		return "Protocol"
	case InternalConcurrency:
		return "InternalConcurrency"
	case NotUsable:
		return "NotUsable"
	case AttestationInvalid:
		return "AttestationInvalid"
	default:
		return "Unknown"
	}
}

// ClawError is the core's error value. It is never used to carry
// expected-condition panics; callers always receive it as a regular
// error return.
type ClawError struct {
	Kind    Kind
	Message string
	Err     error

	// RetryAfterMs is set for RateLimited errors.
	RetryAfterMs int64
	// Reason and ExpiresAtUnix are set for Blocked errors. ExpiresAtUnix
	// is 0 when the block never expires.
	Reason        string
	ExpiresAtUnix int64
}

func (e *ClawError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClawError) Unwrap() error {
	return e.Err
}

// NewError constructs a ClawError, optionally wrapping a lower-level
// cause with %w-compatible Unwrap.
func NewError(kind Kind, message string, cause error) *ClawError {
	return &ClawError{Kind: kind, Message: message, Err: cause}
}

// NewRateLimited constructs a RateLimited error carrying retry_after.
func NewRateLimited(message string, retryAfterMs int64) *ClawError {
	return &ClawError{Kind: RateLimited, Message: message, RetryAfterMs: retryAfterMs}
}

// NewBlocked constructs a Blocked error carrying reason and an optional
// expiry (0 means never expires).
func NewBlocked(reason string, expiresAtUnix int64) *ClawError {
	return &ClawError{Kind: Blocked, Message: reason, Reason: reason, ExpiresAtUnix: expiresAtUnix}
}

// Is reports whether err is a ClawError of the given Kind.
func Is(err error, kind Kind) bool {
	ce, ok := err.(*ClawError)
	return ok && ce.Kind == kind
}
