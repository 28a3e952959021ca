package protocol

import (
	"encoding/json"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"

	"collabsync/backend/internal/apperror"
)

var documentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func payloadValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("docid", func(fl validator.FieldLevel) bool {
			return documentIDPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// ValidDocumentID reports whether id is a well formed document identifier.
func ValidDocumentID(id string) bool {
	return documentIDPattern.MatchString(id)
}

// DecodePayload unmarshals raw into dst and validates its shape. Failures are
// VALIDATION_ERROR.
func DecodePayload(raw []byte, dst any) error {
	if len(raw) == 0 {
		return apperror.Validation("Missing message payload")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperror.Wrap(apperror.CodeValidation, "Malformed message payload", err)
	}
	if err := payloadValidator().Struct(dst); err != nil {
		return apperror.Classify(err, true)
	}
	return nil
}
