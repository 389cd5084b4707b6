// Package apperr defines the error taxonomy surfaced by the messaging core.
// Every error the core returns to a caller is either one of these kinds or an
// infrastructure failure (store, cache, broker) that is terminal for the
// triggering request. Nothing in the core retries.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the caller.
type Kind int

const (
	KindAuth             Kind = iota + 1 // invalid or expired session, bad credentials
	KindValidation                       // malformed input
	KindNotFound                         // unknown username reference
	KindPermission                       // non-admin caller or protected account
	KindDeliveryRejected                 // banned party
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindPermission:
		return "permission"
	case KindDeliveryRejected:
		return "delivery_rejected"
	default:
		return "unknown"
	}
}

// Error is a classified core error. Code is a stable machine-readable reason
// such as "empty_body" or "protected_account".
type Error struct {
	Kind Kind
	Code string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Code)
}

// Is reports whether target is an *Error with the same kind and code. A target
// with an empty code matches any error of its kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

func Auth(code string) error             { return &Error{Kind: KindAuth, Code: code} }
func Validation(code string) error       { return &Error{Kind: KindValidation, Code: code} }
func NotFound(code string) error         { return &Error{Kind: KindNotFound, Code: code} }
func Permission(code string) error       { return &Error{Kind: KindPermission, Code: code} }
func DeliveryRejected(code string) error { return &Error{Kind: KindDeliveryRejected, Code: code} }

// Common codes shared across packages.
const (
	CodeInvalidSession     = "invalid_session"
	CodeInvalidCredentials = "invalid_credentials"
	CodeBannedParty        = "banned_party"
	CodeAdminOnly          = "admin_only"
	CodeProtectedAccount   = "protected_account"
)

// ErrInvalidSession is returned whenever a token does not resolve to a live user.
var ErrInvalidSession = Auth(CodeInvalidSession)

// As extracts the classified error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or 0 when err is not classified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return 0
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Code returns the code of a classified error, or "internal".
func Code(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return "internal"
}

// HTTPStatus maps err onto a response status.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPermission:
		return http.StatusForbidden
	case KindDeliveryRejected:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// UserMessage is the text shown to an end user for err.
func UserMessage(err error) string {
	e, ok := As(err)
	if !ok {
		return "internal error"
	}
	switch e.Kind {
	case KindAuth:
		if e.Code == CodeInvalidCredentials {
			return "invalid username or password"
		}
		return "please log in again"
	case KindDeliveryRejected:
		return "message not delivered"
	case KindNotFound:
		return "unknown " + e.Code
	default:
		return e.Code
	}
}
