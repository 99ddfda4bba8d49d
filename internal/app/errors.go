package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	jujuerrors "github.com/juju/errors"

	"loanops/api/internal/auth"
	"loanops/api/internal/authpw"
	"loanops/api/internal/export"
	"loanops/api/internal/session"
	"loanops/api/internal/workflow"
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

func forbidden(action string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": action})
}

// validationError flattens validator failures into field/rule pairs.
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	}
	details := make([]map[string]string, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		details = append(details, map[string]string{
			"field": fieldErr.Field(),
			"rule":  fieldErr.Tag(),
		})
	}
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Request failed validation", details)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, workflow.ErrUnknownAction):
		return http.StatusBadRequest, "UNKNOWN_ACTION", err.Error(), nil
	case errors.Is(err, workflow.ErrNotAwaitingApproval), errors.Is(err, workflow.ErrAlreadyPending):
		return http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, session.ErrNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid employee id or password", nil
	case errors.Is(err, authpw.ErrInactiveUser):
		return http.StatusForbidden, "USER_INACTIVE", "User is deactivated", nil
	case errors.Is(err, authpw.ErrWeakPassword):
		return http.StatusBadRequest, "WEAK_PASSWORD", err.Error(), nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", err.Error(), nil
	case jujuerrors.Is(err, jujuerrors.NotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case jujuerrors.Is(err, jujuerrors.NotValid), jujuerrors.Is(err, jujuerrors.NotSupported):
		return http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil
	case jujuerrors.Is(err, jujuerrors.AlreadyExists):
		return http.StatusConflict, "CONFLICT", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
