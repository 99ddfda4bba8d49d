package export

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/loggo"

	"loanops/api/internal/store"
)

var logger = loggo.GetLogger("loanops.export")

// Uploader stores a finished report and returns a download URL.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, mimeType string) (string, error)
}

// Service provides report export functionality
type Service struct {
	uploader Uploader
	pdf      func(ctx context.Context, html, title string) (*Result, error)
	now      func() time.Time
}

// NewService creates a new export service. uploader may be nil, in which case
// reports are returned inline.
func NewService(uploader Uploader) *Service {
	return &Service{uploader: uploader, pdf: renderPDF, now: time.Now}
}

// Export generates a report over records in the requested format.
func (s *Service) Export(ctx context.Context, req Request, records []store.QueryRecord) (*Result, error) {
	now := s.now().UTC()
	report := BuildReport(records, req, now)
	name := fmt.Sprintf("%s-%s", sanitizeFilename(report.Title), now.Format("20060102-150405"))

	var result *Result
	switch req.Format {
	case FormatCSV, "":
		data, err := renderCSV(report)
		if err != nil {
			return nil, fmt.Errorf("render csv: %w", err)
		}
		result = &Result{Data: data, Filename: name + ".csv", MimeType: "text/csv"}
	case FormatPDF:
		html, err := RenderReportHTML(report)
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		result, err = s.pdf(ctx, html, name)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}

	if s.uploader == nil {
		return result, nil
	}
	link, err := s.uploader.Upload(ctx, result.Filename, result.Data, result.MimeType)
	if err != nil {
		// The caller still gets the bytes inline.
		logger.Warningf("report upload failed: %v", err)
		return result, nil
	}
	result.URL = link
	return result, nil
}
