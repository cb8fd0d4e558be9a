// Package apperr defines the error taxonomy shared by the retrospective engine
// and its mapping onto the service's DomainError response shape.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeValidation      = "VALIDATION_ERROR"
	CodePhaseGuard      = "PHASE_GUARD"
	CodeOverBudget      = "OVER_BUDGET"
	CodeNotFound        = "NOT_FOUND"
	CodeExternalService = "EXTERNAL_SERVICE_ERROR"
	CodeServer          = "SERVER_ERROR"
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

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Validation builds a ValidationError for field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PhaseGuardError reports a refused phase transition. Condition names the
// unmet guard.
type PhaseGuardError struct {
	From      string
	To        string
	Condition string
	Detail    string
}

func (e *PhaseGuardError) Error() string {
	msg := fmt.Sprintf("phase %s -> %s refused: %s", e.From, e.To, e.Condition)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

// OverBudgetError reports an allocation that would exceed votes_per_member.
type OverBudgetError struct {
	Budget    int
	Current   int
	Requested int
}

func (e *OverBudgetError) Error() string {
	return fmt.Sprintf("vote budget exceeded: %d allocated elsewhere + %d requested > %d", e.Current, e.Requested, e.Budget)
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// NotFound builds a NotFoundError; id is formatted with %v.
func NotFound(entity string, id any) error {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

// ExternalServiceError wraps a failed AI or vector-store call. It is always
// safe to retry the operation that returned it.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// External wraps err as an ExternalServiceError unless it already is one.
func External(service string, err error) error {
	if err == nil {
		return nil
	}
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return err
	}
	return &ExternalServiceError{Service: service, Err: err}
}

// IsRetryable reports whether err came from an external collaborator.
func IsRetryable(err error) bool {
	var ext *ExternalServiceError
	return errors.As(err, &ext)
}

// ToDomain maps any error onto the response shape used by the HTTP adapter.
// An external failure wins over whatever it wraps.
func ToDomain(err error) *DomainError {
	var (
		domainErr  *DomainError
		validation *ValidationError
		guard      *PhaseGuardError
		overBudget *OverBudgetError
		notFound   *NotFoundError
		external   *ExternalServiceError
	)
	switch {
	case errors.As(err, &domainErr):
		return domainErr
	case errors.As(err, &external):
		return &DomainError{Status: http.StatusServiceUnavailable, Code: CodeExternalService, Message: external.Error(), Details: map[string]any{"retryable": true}}
	case errors.As(err, &validation):
		return &DomainError{Status: http.StatusUnprocessableEntity, Code: CodeValidation, Message: validation.Message, Details: detailsFor("field", validation.Field)}
	case errors.As(err, &guard):
		return &DomainError{Status: http.StatusConflict, Code: CodePhaseGuard, Message: guard.Error(), Details: map[string]any{
			"from":      guard.From,
			"to":        guard.To,
			"condition": guard.Condition,
		}}
	case errors.As(err, &overBudget):
		return &DomainError{Status: http.StatusConflict, Code: CodeOverBudget, Message: overBudget.Error(), Details: map[string]any{
			"budget":    overBudget.Budget,
			"current":   overBudget.Current,
			"requested": overBudget.Requested,
		}}
	case errors.As(err, &notFound):
		return &DomainError{Status: http.StatusNotFound, Code: CodeNotFound, Message: notFound.Error()}
	default:
		return &DomainError{Status: http.StatusInternalServerError, Code: CodeServer, Message: "Server error"}
	}
}

func detailsFor(key, value string) any {
	if value == "" {
		return nil
	}
	return map[string]any{key: value}
}
