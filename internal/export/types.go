// Package export renders retrospective summaries as HTML, PDF, DOCX or JSON
// and archives them in object storage.
package export

import "errors"

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
	FormatJSON Format = "json"
)

// ParseFormat maps a request value onto a Format, defaulting to HTML.
func ParseFormat(value string) (Format, error) {
	switch f := Format(value); f {
	case "":
		return FormatHTML, nil
	case FormatHTML, FormatPDF, FormatDOCX, FormatJSON:
		return f, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
