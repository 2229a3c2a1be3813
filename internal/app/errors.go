package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"herfa/api/internal/auth"
	"herfa/api/internal/authpw"
	"herfa/api/internal/chat"
	"herfa/api/internal/storage"
	"herfa/api/internal/store"
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

var (
	errUnauthenticated = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	errForbidden       = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errNotFound        = domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
)

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_FAILED", message, nil)
}

func conflictError(code, message string) *DomainError {
	return domainError(http.StatusConflict, code, message, nil)
}

// mapError turns any error returned by the service into an HTTP status and
// the code/message pair of the JSON error body.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, chat.ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrBanned):
		return http.StatusForbidden, "BANNED", "Account is banned", nil
	case errors.Is(err, chat.ErrForbidden), errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED", err.Error(), nil
	case errors.Is(err, chat.ErrInvalidMessage):
		return http.StatusUnprocessableEntity, "INVALID_MESSAGE", err.Error(), nil
	case errors.Is(err, storage.ErrUnsupportedType):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_IMAGE", err.Error(), nil
	case errors.Is(err, storage.ErrTooLarge):
		return http.StatusUnprocessableEntity, "IMAGE_TOO_LARGE", err.Error(), nil
	case errors.Is(err, chat.ErrNoAcceptedProfessional):
		return http.StatusConflict, "NO_ACCEPTED_PROFESSIONAL", err.Error(), nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, store.ErrAlreadyAccepted):
		return http.StatusConflict, "ALREADY_ACCEPTED", "Another application is already accepted for this job", nil
	case errors.Is(err, store.ErrNotPending):
		return http.StatusConflict, "NOT_PENDING", "Application is not pending", nil
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "DUPLICATE", "Already exists", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
