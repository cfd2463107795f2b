// Package export renders demand letters to PDF and DOCX.
package export

import "errors"

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request contains parameters for an export operation.
type Request struct {
	LetterID      string
	VersionNumber int // 0 = current working copy
	Format        Format
}

// Result contains the export output.
type Result struct {
	Data        []byte
	Filename    string
	ContentType string
}

var (
	// ErrLetterNotFound indicates the letter or requested version does not exist.
	ErrLetterNotFound = errors.New("export letter not found")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
