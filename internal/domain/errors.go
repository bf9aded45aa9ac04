package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the stable, enumerable reason attached to a rejected submission
// or a failed job. Collaborators render messages from it.
type ErrorKind string

const (
	KindNone ErrorKind = ""

	// Parse errors
	KindUnsupportedSite    ErrorKind = "unsupported_site"
	KindIDExtractionFailed ErrorKind = "id_extraction_failed"
	KindUnrecognizedFormat ErrorKind = "unrecognized_format"
	KindSiteInactive       ErrorKind = "site_inactive"
	KindInvalidPrompt      ErrorKind = "invalid_prompt"

	// Transport errors
	KindTimeout            ErrorKind = "timeout"
	KindNetworkUnreachable ErrorKind = "network_unreachable"

	// Upstream errors
	KindAuth              ErrorKind = "auth"
	KindRateLimited       ErrorKind = "rate_limited"
	KindClientInvalid     ErrorKind = "client_invalid"
	KindServerFailure     ErrorKind = "server_failure"
	KindRetryExhausted    ErrorKind = "retry_exhausted"
	KindMalformedResponse ErrorKind = "malformed_response"
	KindOrderFailed       ErrorKind = "order_failed"

	// Orchestration errors
	KindPollTimeout         ErrorKind = "poll_timeout"
	KindDuplicateSubmission ErrorKind = "duplicate_submission"
	KindUnknownHandle       ErrorKind = "unknown_handle"
	KindNotReady            ErrorKind = "not_ready"
)

// Family groups kinds the way callers branch on them.
type Family string

const (
	FamilyParse         Family = "parse"
	FamilyTransport     Family = "transport"
	FamilyUpstream      Family = "upstream"
	FamilyOrchestration Family = "orchestration"
)

// Family reports which group the kind belongs to.
func (k ErrorKind) Family() Family {
	switch k {
	case KindUnsupportedSite, KindIDExtractionFailed, KindUnrecognizedFormat, KindSiteInactive, KindInvalidPrompt:
		return FamilyParse
	case KindTimeout, KindNetworkUnreachable:
		return FamilyTransport
	case KindPollTimeout, KindDuplicateSubmission, KindUnknownHandle, KindNotReady:
		return FamilyOrchestration
	default:
		return FamilyUpstream
	}
}

// Retryable reports whether a single HTTP call failing with this kind may be retried.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindTimeout, KindNetworkUnreachable, KindRateLimited, KindServerFailure:
		return true
	}
	return false
}

// Error is the single concrete error type produced by the core.
type Error struct {
	Kind       ErrorKind
	Op         string // e.g. "create_order"
	StatusCode int    // upstream HTTP status, 0 when no response was received
	Attempts   int    // HTTP attempts made by the failing call
	Handle     string // job handle, set for orchestration errors
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Handle != "" {
		fmt.Fprintf(&b, " [%s]", e.Handle)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Cause returns the kind of the innermost *Error in the chain. For
// retry_exhausted this is the kind observed on the last attempt.
func (e *Error) Cause() ErrorKind {
	kind := e.Kind
	var inner *Error
	if e.Err != nil && errors.As(e.Err, &inner) {
		return inner.Cause()
	}
	return kind
}

var (
	ErrUnsupportedSite     = &Error{Kind: KindUnsupportedSite}
	ErrIDExtractionFailed  = &Error{Kind: KindIDExtractionFailed}
	ErrUnrecognizedFormat  = &Error{Kind: KindUnrecognizedFormat}
	ErrSiteInactive        = &Error{Kind: KindSiteInactive}
	ErrInvalidPrompt       = &Error{Kind: KindInvalidPrompt}
	ErrTimeout             = &Error{Kind: KindTimeout}
	ErrNetworkUnreachable  = &Error{Kind: KindNetworkUnreachable}
	ErrAuth                = &Error{Kind: KindAuth}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
	ErrClientInvalid       = &Error{Kind: KindClientInvalid}
	ErrServerFailure       = &Error{Kind: KindServerFailure}
	ErrRetryExhausted      = &Error{Kind: KindRetryExhausted}
	ErrMalformedResponse   = &Error{Kind: KindMalformedResponse}
	ErrOrderFailed         = &Error{Kind: KindOrderFailed}
	ErrPollTimeout         = &Error{Kind: KindPollTimeout}
	ErrDuplicateSubmission = &Error{Kind: KindDuplicateSubmission}
	ErrUnknownHandle       = &Error{Kind: KindUnknownHandle}
	ErrNotReady            = &Error{Kind: KindNotReady}
)

// KindOf extracts the outermost kind from err, or KindNone.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}
