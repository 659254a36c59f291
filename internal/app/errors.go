package app

import (
	"errors"
	"fmt"
	"net/http"

	"pagecollab/internal/auth"
	"pagecollab/internal/collab"
	"pagecollab/internal/doc"
	"pagecollab/internal/session"
	"pagecollab/internal/store"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var validationErr *store.ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationErr.Error(), map[string]any{"entityType": validationErr.EntityType}
	}
	var invalidStep *doc.InvalidStepError
	if errors.As(err, &invalidStep) {
		details := map[string]any{"reason": invalidStep.Reason}
		if invalidStep.Index >= 0 {
			details["index"] = invalidStep.Index
		}
		return http.StatusUnprocessableEntity, "INVALID_STEP", "Step batch does not apply; reload the page", details
	}
	var dropped *collab.MergeDroppedError
	if errors.As(err, &dropped) {
		return http.StatusConflict, "MERGE_DROPPED", dropped.Error(), dropped.Result
	}

	switch {
	case isNotFound(err):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrNotVersioned):
		return http.StatusConflict, "NOT_VERSIONED", "Entity is not versioned", nil
	case errors.Is(err, store.ErrVersioned):
		return http.StatusConflict, "VERSIONED", "Entity is versioned; create a version instead", nil
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT", "Page is busy, try again", nil
	case errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, session.ErrSessionNotFound)
}
