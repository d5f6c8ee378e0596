package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrStalePrice    = errors.New("stale price")
)

// ErrCustodyLost is returned by Terminal implementations when the protocol no
// longer controls the position an operation targets.
var ErrCustodyLost = errors.New("custody lost")

// ErrSettlementFailed is returned by Terminal implementations when an exit
// shortfall could not be paid. The exit is not committed and no funds move.
var ErrSettlementFailed = errors.New("settlement failed")

// ErrorKind is the failure class of a brokering operation. Callers branch on
// the kind (and Reason) rather than on error strings.
type ErrorKind string

const (
	// KindAuthentication covers bad signatures, expired intents and payload
	// kind mismatches. Never retried.
	KindAuthentication ErrorKind = "authentication"
	// KindValidation covers caller-correctable input problems.
	KindValidation ErrorKind = "validation"
	// KindStateConflict is the expected outcome of losing a race, e.g. a
	// second kick against an already transferred position.
	KindStateConflict ErrorKind = "state_conflict"
	// KindExternalCall wraps failures of Terminal, Account, Position or oracle
	// capabilities.
	KindExternalCall ErrorKind = "external_call"
	// KindInternal is anything the core itself failed at (storage, signing).
	KindInternal ErrorKind = "internal"
)

// Stable failure reasons.
const (
	ReasonBadSignature         = "bad_signature"
	ReasonHashMismatch         = "hash_mismatch"
	ReasonExpired              = "expired"
	ReasonKindMismatch         = "kind_mismatch"
	ReasonMalformed            = "malformed_payload"
	ReasonNotProtocolPublished = "not_protocol_published"
	ReasonNotPublished         = "not_published"

	ReasonIndexOutOfRange    = "index_out_of_range"
	ReasonBelowMinAmount     = "below_min_amount"
	ReasonUnauthorizedTaker  = "unauthorized_taker"
	ReasonUnauthorizedCaller = "unauthorized_caller"
	ReasonInvalidOrder       = "invalid_order"
	ReasonInvalidFill        = "invalid_fill"

	ReasonCustodyTransferred = "custody_transferred"
	ReasonNotLiquidatable    = "not_liquidatable"
	ReasonBusy               = "position_busy"

	ReasonTerminalFailed = "terminal_failed"
	ReasonAccountFailed  = "account_failed"
	ReasonAssessorFailed = "assessor_failed"
	ReasonCustodyFailed  = "custody_failed"

	ReasonStorage = "storage_failed"
	ReasonSigning = "signing_failed"
)

// Error is the structured error returned by every brokering operation.
type Error struct {
	Kind    ErrorKind
	Reason  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError builds an *Error without a cause.
func NewError(kind ErrorKind, reason, msg string) error {
	return &Error{Kind: kind, Reason: reason, Message: msg}
}

// WrapError builds an *Error around cause.
func WrapError(kind ErrorKind, reason, msg string, cause error) error {
	return &Error{Kind: kind, Reason: reason, Message: msg, Cause: cause}
}

// KindOf returns the ErrorKind of err, or KindInternal when err carries no
// structured kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the Reason of err, or "" when err carries none.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsKind reports whether err is a structured error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
