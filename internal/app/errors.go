package app

import (
	"errors"
	"net/http"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/apperr"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/export"
	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

// mapError turns any service error into the DomainError written to clients.
func mapError(err error) *apperr.DomainError {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return &apperr.DomainError{Status: http.StatusNotFound, Code: apperr.CodeNotFound, Message: "Not found"}
	case errors.Is(err, export.ErrUnsupportedFormat):
		return &apperr.DomainError{Status: http.StatusBadRequest, Code: "UNSUPPORTED_FORMAT", Message: err.Error()}
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return &apperr.DomainError{Status: http.StatusServiceUnavailable, Code: "EXPORT_UNAVAILABLE", Message: err.Error()}
	}
	return apperr.ToDomain(err)
}
