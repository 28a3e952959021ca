package apperror

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-sql-driver/mysql"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

const unknownMessage = "An unexpected error occurred"

// Classifier converts arbitrary failures into *Error values.
type Classifier struct {
	// Production hides the text of unrecognized errors from clients.
	Production bool
}

// Classify never panics. A nil err yields nil.
func (c Classifier) Classify(err error) (out *Error) {
	if err == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			out = c.unknown(fmt.Errorf("classify: %v", r))
		}
	}()

	var appErr *Error
	if errors.As(err, &appErr) && appErr != nil {
		if appErr.Name == "" {
			appErr.Name = appErr.Code.Name()
		}
		return appErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeCollaboration, "The operation timed out, please retry", err)
	case errors.Is(err, context.Canceled):
		return Wrap(CodeCollaboration, "The operation was cancelled", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return Wrap(CodeAuthentication, "Authentication token has expired", err)
	case errors.Is(err, jwt.ErrTokenMalformed),
		errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrTokenNotValidYet),
		errors.Is(err, jwt.ErrTokenInvalidClaims):
		return Wrap(CodeAuthentication, "Authentication token is invalid", err)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Wrap(CodeDocumentNotFound, "Document not found", err)
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, mysql.ErrInvalidConn):
		return Wrap(CodeDatabaseConnection, "Database connection failed", err)
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return Wrap(CodeDatabaseConnection, "Database operation failed", err).With("mysqlErrno", mysqlErr.Number)
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		fields := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields = append(fields, fe.Field())
		}
		return Wrap(CodeValidation, "Invalid payload: "+strings.Join(fields, ", "), err).With("fields", fields)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Wrap(CodeValidation, "Malformed message payload", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(CodeCollaboration, "A backing service is temporarily unavailable", err)
	}

	if code, ok := classifyMessage(err.Error()); ok {
		msg := err.Error()
		if c.Production {
			msg = defaultMessage(code)
		}
		return Wrap(code, msg, err)
	}
	return c.unknown(err)
}

func (c Classifier) unknown(err error) *Error {
	msg := unknownMessage
	if !c.Production && err != nil {
		msg = err.Error()
	}
	return Wrap(CodeUnknown, msg, err)
}

// Classify is a shorthand for Classifier{Production: production}.Classify(err).
func Classify(err error, production bool) *Error {
	return Classifier{Production: production}.Classify(err)
}

// classifyMessage is the last resort for untyped errors coming from collaborators.
func classifyMessage(msg string) (Code, bool) {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "rate limit"):
		return CodeRateLimitExceeded, true
	case strings.Contains(m, "token"), strings.Contains(m, "unauthenticated"), strings.Contains(m, "unauthorized"):
		return CodeAuthentication, true
	case strings.Contains(m, "forbidden"), strings.Contains(m, "access denied"), strings.Contains(m, "permission"):
		return CodeAccessDenied, true
	case strings.Contains(m, "not found"):
		return CodeDocumentNotFound, true
	case strings.Contains(m, "connection refused"), strings.Contains(m, "database"):
		return CodeDatabaseConnection, true
	}
	return "", false
}

func defaultMessage(code Code) string {
	switch code {
	case CodeAuthentication:
		return "Authentication failed"
	case CodeAccessDenied:
		return "Access denied"
	case CodeDocumentNotFound:
		return "Document not found"
	case CodeValidation:
		return "Invalid request"
	case CodeRateLimitExceeded:
		return "Too many requests, slow down"
	case CodeCollaboration:
		return "Collaboration service error, please retry"
	case CodeDatabaseConnection:
		return "Database connection failed"
	default:
		return unknownMessage
	}
}
