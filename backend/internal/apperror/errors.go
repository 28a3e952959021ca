// Package apperror defines the error taxonomy reported to collaboration clients.
package apperror

import (
	"fmt"
	"maps"
)

type Code string

const (
	CodeAuthentication     Code = "AUTHENTICATION_ERROR"
	CodeAccessDenied       Code = "ACCESS_DENIED"
	CodeDocumentNotFound   Code = "DOCUMENT_NOT_FOUND"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeCollaboration      Code = "COLLABORATION_ERROR"
	CodeDatabaseConnection Code = "DATABASE_CONNECTION_FAILED"
	CodeUnknown            Code = "UNKNOWN_ERROR"
)

var codeNames = map[Code]string{
	CodeAuthentication:     "AuthenticationError",
	CodeAccessDenied:       "AccessDeniedError",
	CodeDocumentNotFound:   "DocumentNotFoundError",
	CodeValidation:         "ValidationError",
	CodeRateLimitExceeded:  "RateLimitError",
	CodeCollaboration:      "CollaborationError",
	CodeDatabaseConnection: "DatabaseConnectionError",
	CodeUnknown:            "UnknownError",
}

// Retryable reports whether a client may retry an operation that failed with code.
func (c Code) Retryable() bool {
	switch c {
	case CodeRateLimitExceeded, CodeCollaboration, CodeDatabaseConnection:
		return true
	default:
		return false
	}
}

func (c Code) Name() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return codeNames[CodeUnknown]
}

// Error is a classified failure. Message is safe to show to clients; Err keeps the cause
// for logs only.
type Error struct {
	Name      string
	Message   string
	Code      Code
	Context   map[string]any
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// With returns a copy of e carrying an extra context entry.
func (e *Error) With(key string, value any) *Error {
	out := *e
	out.Context = make(map[string]any, len(e.Context)+1)
	maps.Copy(out.Context, e.Context)
	out.Context[key] = value
	return &out
}

// Is matches any *Error with the same code, so errors.Is(err, apperror.New(code, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

func New(code Code, message string) *Error {
	return &Error{
		Name:      code.Name(),
		Message:   message,
		Code:      code,
		Retryable: code.Retryable(),
	}
}

func Wrap(code Code, message string, err error) *Error {
	e := New(code, message)
	e.Err = err
	return e
}

func Authentication(message string) *Error { return New(CodeAuthentication, message) }
func AccessDenied(message string) *Error   { return New(CodeAccessDenied, message) }
func NotFound(message string) *Error       { return New(CodeDocumentNotFound, message) }
func Validation(message string) *Error     { return New(CodeValidation, message) }
func RateLimited(message string) *Error    { return New(CodeRateLimitExceeded, message) }

// Payload is the wire form of an error sent to clients.
type Payload struct {
	Message     string `json:"message"`
	Code        Code   `json:"code"`
	ShouldRetry bool   `json:"shouldRetry"`
}

func (e *Error) Payload() Payload {
	return Payload{Message: e.Message, Code: e.Code, ShouldRetry: e.Retryable}
}
