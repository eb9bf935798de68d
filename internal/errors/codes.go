// Package errors provides the structured error taxonomy for table operations.
//
// Every failure an operation reports to a client acknowledgement carries a
// machine-readable Code so clients can branch without parsing messages.
package errors

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input validation errors
	CodeValidation Code = "VALIDATION"

	// Lookup errors
	CodeNotFound          Code = "NOT_FOUND"
	CodeRecipientNotFound Code = "RECIPIENT_NOT_FOUND"

	// Access errors
	CodeForbidden     Code = "FORBIDDEN"
	CodeBanned        Code = "BANNED"
	CodeWrongPassword Code = "WRONG_PASSWORD"
	CodeMuted         Code = "MUTED"

	// Capacity and throttling errors
	CodeRoomFull    Code = "ROOM_FULL"
	CodeRateLimited Code = "RATE_LIMITED"

	// Semantic parse errors
	CodeInvalidTerm   Code = "INVALID_TERM"
	CodeInvalidAction Code = "INVALID_ACTION"
)

// Retryable reports whether the caller may retry the same request after
// backing off. Only throttling failures qualify; everything else requires the
// caller to change the request or its own state first.
func (c Code) Retryable() bool {
	return c == CodeRateLimited
}

// Error is a domain error with a machine-readable code and a human-readable
// message suitable for client acknowledgements.
type Error struct {
	Code    Code
	Message string
}

// New creates a domain error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

// CodeOf extracts the code from an error, returning CodeUnknown for errors
// raised outside this taxonomy.
func CodeOf(err error) Code {
	var domain *Error
	if errors.As(err, &domain) {
		return domain.Code
	}
	return CodeUnknown
}
