package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/taistatconsultancy/Yoda-AI-sub000/internal/store"
)

// Service renders summaries and archives them.
type Service struct {
	objects    ObjectStore
	pdfEnabled bool
	logger     *slog.Logger

	renderPDF  func(ctx context.Context, html, title string) (*Result, error)
	renderDOCX func(ctx context.Context, html, title string) (*Result, error)
}

// NewService returns an export service. objects may be nil, which turns
// archiving off.
func NewService(objects ObjectStore, pdfEnabled bool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		objects:    objects,
		pdfEnabled: pdfEnabled,
		logger:     logger,
		renderPDF:  renderPDF,
		renderDOCX: renderDOCX,
	}
}

// Export renders summary in format.
func (s *Service) Export(ctx context.Context, summary store.Summary, format Format) (*Result, error) {
	if format == FormatJSON {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode summary: %w", err)
		}
		return &Result{Data: data, Filename: sanitizeFilename(summary.Title) + ".json", MimeType: "application/json"}, nil
	}

	html, err := RenderSummaryHTML(summary)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	switch format {
	case FormatHTML:
		return &Result{Data: []byte(html), Filename: sanitizeFilename(summary.Title) + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		return s.renderPDF(ctx, html, summary.Title)
	case FormatDOCX:
		return s.renderDOCX(ctx, html, summary.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// Archive uploads the JSON and HTML renderings of a summary, plus the PDF
// when enabled, under workspaceID/sessionID/. It returns the written keys.
// A missing PDF runtime skips the PDF without failing the archive.
func (s *Service) Archive(ctx context.Context, workspaceID string, summary store.Summary) ([]string, error) {
	if s.objects == nil {
		return nil, nil
	}
	formats := []Format{FormatJSON, FormatHTML}
	if s.pdfEnabled {
		formats = append(formats, FormatPDF)
	}

	var keys []string
	for _, format := range formats {
		result, err := s.Export(ctx, summary, format)
		if errors.Is(err, ErrPDFDependencyMissing) {
			s.logger.Warn("skipping pdf archive", "session_id", summary.SessionID, "error", err)
			continue
		}
		if err != nil {
			return keys, err
		}
		key := path.Join(workspaceID, summary.SessionID, "summary."+string(format))
		if err := s.objects.Put(ctx, key, result.Data, result.MimeType); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	s.logger.Info("summary archived", "session_id", summary.SessionID, "objects", len(keys))
	return keys, nil
}
