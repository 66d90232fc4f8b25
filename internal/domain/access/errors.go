package access

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Kinds are stable strings: they are
// written to the audit log and returned to callers.
type Kind string

const (
	KindIdentityInvalid           Kind = "identity_invalid"
	KindScopeViolation            Kind = "scope_violation"
	KindConsentDenied             Kind = "consent_denied"
	KindDataAccessAmbiguous       Kind = "data_access_ambiguous"
	KindDataAccessTimeout         Kind = "data_access_timeout"
	KindClassificationUnavailable Kind = "classification_unavailable"
	KindGenerationTimeout         Kind = "generation_timeout"
	KindGenerationError           Kind = "generation_error"
	KindResponseBlocked           Kind = "response_blocked"
	KindAuditWriteFailed          Kind = "audit_write_failed"
	KindCancelled                 Kind = "cancelled"
	KindInternal                  Kind = "internal"
)

// Sentinels for errors.Is. Matching compares Kind only.
var (
	ErrIdentityInvalid           = &Error{Kind: KindIdentityInvalid}
	ErrScopeViolation            = &Error{Kind: KindScopeViolation}
	ErrConsentDenied             = &Error{Kind: KindConsentDenied}
	ErrDataAccessAmbiguous       = &Error{Kind: KindDataAccessAmbiguous}
	ErrDataAccessTimeout         = &Error{Kind: KindDataAccessTimeout}
	ErrClassificationUnavailable = &Error{Kind: KindClassificationUnavailable}
	ErrGenerationTimeout         = &Error{Kind: KindGenerationTimeout}
	ErrGenerationError           = &Error{Kind: KindGenerationError}
	ErrResponseBlocked           = &Error{Kind: KindResponseBlocked}
	ErrAuditWriteFailed          = &Error{Kind: KindAuditWriteFailed}
	ErrCancelled                 = &Error{Kind: KindCancelled}
	ErrInternal                  = &Error{Kind: KindInternal}
)

// Error is the single error type surfaced by pipeline stages.
type Error struct {
	Kind  Kind
	Stage string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	s := string(e.Kind)
	if e.Stage != "" {
		s = e.Stage + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Errorf builds an *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind to err. A nil err yields nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// AtStage returns a copy of err tagged with the stage it surfaced in. Errors
// that are not *Error become KindInternal.
func AtStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		cp := *ae
		if cp.Stage == "" {
			cp.Stage = stage
		}
		return &cp
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Stage: stage, Err: err}
	}
	return &Error{Kind: KindInternal, Stage: stage, Err: err}
}

// KindOf extracts the kind of err. Context cancellation maps to
// KindCancelled; anything unrecognised is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// AccessViolation reports whether the kind is an access-control block. These
// are never retried with a narrower plan.
func (k Kind) AccessViolation() bool {
	switch k {
	case KindScopeViolation, KindConsentDenied, KindDataAccessAmbiguous, KindIdentityInvalid:
		return true
	}
	return false
}

// Outcome is the audit outcome recorded for a request.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// OutcomeFor maps an error kind to its audit outcome. An empty kind is a
// completed request.
func OutcomeFor(k Kind) Outcome {
	switch {
	case k == "":
		return OutcomeCompleted
	case k == KindCancelled:
		return OutcomeCancelled
	case k.AccessViolation(), k == KindResponseBlocked:
		return OutcomeBlocked
	}
	return OutcomeFailed
}

// publicMessages are the only failure texts ever shown to a caller.
var publicMessages = map[Kind]string{
	KindIdentityInvalid:     "We could not verify your identity. Please sign in again.",
	KindScopeViolation:      "This request is outside what your role is permitted to access.",
	KindConsentDenied:       "The requested information cannot be shared because the required consent is not on file.",
	KindDataAccessAmbiguous: "We could not safely determine which records this request refers to.",
	KindDataAccessTimeout:   "Retrieving records took too long. Please try again shortly.",
	KindGenerationTimeout:   "The assistant took too long to respond. Please try again.",
	KindGenerationError:     "The assistant is temporarily unavailable. Please try again later.",
	KindResponseBlocked:     "I'm unable to provide that information in a way that protects patient privacy.",
	KindAuditWriteFailed:    "Your request could not be completed. Please try again later.",
	KindCancelled:           "The request was cancelled.",
	KindInternal:            "Something went wrong while processing your request.",
}

// PublicMessage returns the fixed, privacy-safe text for a kind.
func (k Kind) PublicMessage() string {
	if m, ok := publicMessages[k]; ok {
		return m
	}
	return publicMessages[KindInternal]
}
