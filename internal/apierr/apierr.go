// Package apierr defines the error-kind taxonomy shared by the retry engine,
// the token manager, and the HTTP surface.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one entry in the error taxonomy.
type Kind string

const (
	KindAuth                Kind = "auth"
	KindBadRequest          Kind = "bad_request"
	KindNoCredential        Kind = "no_credential_available"
	KindRefreshAuth         Kind = "refresh_auth"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindModelUnavailable    Kind = "model_unavailable"
	KindUpstreamTransient   Kind = "upstream_transient"
	KindUpstreamFatal       Kind = "upstream_fatal"
	KindDecodeError         Kind = "decode_error"
	KindIOCancelled         Kind = "io_cancelled"

	// KindCredentialAuth is the upstream 401/403 reported against one
	// credential's access token, distinct from KindAuth (client key
	// rejection). The retry engine refreshes once and retries the same
	// credential before rotating.
	KindCredentialAuth Kind = "credential_auth"
)

// Error is the boxed error type carried across package boundaries once a
// policy decision (retry vs. surface) needs to be made about it.
type Error struct {
	Kind    Kind
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the retry engine should consume a retry budget
// for this error kind rather than surface it immediately.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRefreshAuth, KindInsufficientBalance, KindModelUnavailable, KindUpstreamTransient, KindCredentialAuth:
		return true
	default:
		return false
	}
}

func newErr(kind Kind, status int, msg string, cause error) *Error {
	return &Error{Kind: kind, Status: status, Message: msg, Cause: cause}
}

func Auth(msg string) *Error                 { return newErr(KindAuth, http.StatusUnauthorized, msg, nil) }
func BadRequest(msg string) *Error           { return newErr(KindBadRequest, http.StatusBadRequest, msg, nil) }
func NoCredential(msg string) *Error         { return newErr(KindNoCredential, http.StatusServiceUnavailable, msg, nil) }
func RefreshAuth(msg string, cause error) *Error {
	return newErr(KindRefreshAuth, http.StatusUnauthorized, msg, cause)
}
func InsufficientBalance(msg string) *Error {
	return newErr(KindInsufficientBalance, http.StatusPaymentRequired, msg, nil)
}
func ModelUnavailable(msg string) *Error {
	return newErr(KindModelUnavailable, http.StatusServiceUnavailable, msg, nil)
}
func UpstreamTransient(msg string, cause error) *Error {
	return newErr(KindUpstreamTransient, http.StatusBadGateway, msg, cause)
}
func UpstreamFatal(msg string, cause error) *Error {
	return newErr(KindUpstreamFatal, http.StatusBadGateway, msg, cause)
}
func DecodeError(msg string, cause error) *Error {
	return newErr(KindDecodeError, http.StatusBadGateway, msg, cause)
}
func IOCancelled() *Error { return newErr(KindIOCancelled, 499, "client disconnected", nil) }
func CredentialAuth(msg string) *Error {
	return newErr(KindCredentialAuth, http.StatusUnauthorized, msg, nil)
}

// As extracts an *Error from err, if any is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Envelope is the Anthropic-style error body clients receive.
type Envelope struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToEnvelope renders e as the client-facing Anthropic error envelope.
func (e *Error) ToEnvelope() Envelope {
	return Envelope{
		Type: "error",
		Error: ErrorBody{
			Type:    envelopeType(e.Kind),
			Message: e.Message,
		},
	}
}

func envelopeType(k Kind) string {
	switch k {
	case KindAuth, KindRefreshAuth:
		return "authentication_error"
	case KindBadRequest:
		return "invalid_request_error"
	case KindNoCredential, KindModelUnavailable:
		return "overloaded_error"
	case KindInsufficientBalance:
		return "permission_error"
	default:
		return "api_error"
	}
}
