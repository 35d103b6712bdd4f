package app

import (
	"errors"
	"fmt"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	CodeNotFound          = "NOT_FOUND"
	CodeValidation        = "VALIDATION_ERROR"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeExtractionFailed  = "EXTRACTION_FAILED"
	CodeConflict          = "CONFLICT"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func notFound(message string) *DomainError {
	return domainError(http.StatusNotFound, CodeNotFound, message, nil)
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

func unauthorized() *DomainError {
	return domainError(http.StatusUnauthorized, CodeUnauthorized, "Authentication required", nil)
}

func forbidden(message string) *DomainError {
	return domainError(http.StatusForbidden, CodeForbidden, message, nil)
}

func invalidTransition(message string, details any) *DomainError {
	return domainError(http.StatusConflict, CodeInvalidTransition, message, details)
}

func extractionFailed(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeExtractionFailed, message, nil)
}

func conflict(message string) *DomainError {
	return domainError(http.StatusConflict, CodeConflict, message, nil)
}

// invalidInput turns ozzo validation errors into a VALIDATION_ERROR keyed by field.
func invalidInput(err error) error {
	if err == nil {
		return nil
	}
	var fields validation.Errors
	if errors.As(err, &fields) {
		return validationError("Invalid input", fields)
	}
	var single validation.Error
	if errors.As(err, &single) {
		return validationError(single.Error(), nil)
	}
	return err
}

// IsCode reports whether err is a DomainError with the given code.
func IsCode(err error, code string) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == code
}
