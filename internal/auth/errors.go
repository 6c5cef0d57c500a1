package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/signalix/identity/internal/repo"
)

// Kind classifies an Error for callers deciding whether and how to retry.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindRateLimited
	KindExpired
	KindInvalidCode
	KindInvalidRefreshToken
	KindSignatureInvalid
	KindSecretNotFound
	KindNotFound
	KindDuplicateIdentifier
	KindDispatchFailed
	KindTransactionFailure
	KindInvalidStep
	KindPreconditionFailed
)

var kindNames = map[Kind]string{
	KindValidation:          "validation_error",
	KindRateLimited:         "rate_limited",
	KindExpired:             "expired",
	KindInvalidCode:         "invalid_code",
	KindInvalidRefreshToken: "invalid_refresh_token",
	KindSignatureInvalid:    "signature_invalid",
	KindSecretNotFound:      "secret_not_found",
	KindNotFound:            "not_found",
	KindDuplicateIdentifier: "duplicate_identifier",
	KindDispatchFailed:      "dispatch_failed",
	KindTransactionFailure:  "transaction_failure",
	KindInvalidStep:         "invalid_step",
	KindPreconditionFailed:  "precondition_failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the single error type returned by the identity core.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
	// RetryAfter is set for KindRateLimited.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrExpired) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrInvalidCode         = &Error{Kind: KindInvalidCode}
	ErrInvalidRefreshToken = &Error{Kind: KindInvalidRefreshToken}
	ErrSignatureInvalid    = &Error{Kind: KindSignatureInvalid}
	ErrSecretNotFound      = &Error{Kind: KindSecretNotFound}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrDuplicateIdentifier = &Error{Kind: KindDuplicateIdentifier}
	ErrDispatchFailed      = &Error{Kind: KindDispatchFailed}
	ErrTransactionFailure  = &Error{Kind: KindTransactionFailure}
	ErrInvalidStep         = &Error{Kind: KindInvalidStep}
	ErrPreconditionFailed  = &Error{Kind: KindPreconditionFailed}
)

func newError(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// storeError passes *Error values through and reports anything else as a
// store failure.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, repo.ErrNotFound) {
		return &Error{Kind: KindNotFound, Op: op, Err: err}
	}
	return &Error{Kind: KindTransactionFailure, Op: op, Msg: "store unavailable", Err: err}
}
