// Package export renders query resolution reports as CSV or PDF.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatCSV Format = "csv"
	FormatPDF Format = "pdf"
)

// ParseFormat maps a query string value to a Format. Empty means CSV.
func ParseFormat(value string) (Format, error) {
	switch Format(value) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatPDF:
		return FormatPDF, nil
	}
	return "", ErrUnsupportedFormat
}

// Request contains parameters for an export operation
type Request struct {
	Format         Format
	IncludePending bool
	GeneratedBy    string
	Scope          string // human description of the team/branch scope
}

// Row is one sub-query line of a report.
type Row struct {
	QueryID        string
	AppNo          string
	CustomerName   string
	Branch         string
	SubQueryID     string
	Text           string
	Status         string
	ProposedAction string
	ResolvedBy     string
	ResolvedAt     *time.Time
	ApprovedBy     string
	Reason         string
	Age            string
}

// Summary counts rows by status.
type Summary struct {
	Status string
	Count  int
}

// Report is the rendered content shared by every format.
type Report struct {
	Title       string
	GeneratedAt time.Time
	GeneratedBy string
	Scope       string
	Rows        []Row
	Summary     []Summary
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	// URL is set when the report was uploaded to object storage.
	URL string
}

var (
	// ErrUnsupportedFormat indicates an unknown format was requested.
	ErrUnsupportedFormat = errors.New("export format not supported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
)
