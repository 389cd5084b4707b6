package router

import (
	"strings"
	"unicode/utf8"

	"github.com/taptext/chat/internal/apperr"
)

const (
	MaxBodyBytes = 4096 // matches the transport's frame budget
	MaxBodyChars = 2000
)

// Body validation codes.
const (
	CodeEmptyBody       = "empty_body"
	CodeBodyTooLong     = "body_too_long"
	CodeInvalidEncoding = "invalid_encoding"
	CodeSelfMessage     = "self_message"
	CodeRecipient       = "recipient"
	CodeUser            = "user"
)

// ValidateBody checks that body is non-blank, valid UTF-8 and within limits.
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return apperr.Validation(CodeEmptyBody)
	}
	if !utf8.ValidString(body) {
		return apperr.Validation(CodeInvalidEncoding)
	}
	if len(body) > MaxBodyBytes || utf8.RuneCountInString(body) > MaxBodyChars {
		return apperr.Validation(CodeBodyTooLong)
	}
	return nil
}
