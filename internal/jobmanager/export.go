package jobmanager

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/scrapekit/emailscraper/internal/scraper"
)

// Export formats.
const (
	FormatXLSX = "xlsx"
	FormatCSV  = "csv"
)

// ErrUnknownFormat is returned for export formats other than xlsx and csv.
var ErrUnknownFormat = errors.New("jobmanager: unknown export format")

var exportHeader = []string{
	"Email", "Source URL", "Confidence", "Method", "Context", "Found At",
}

// ExportEmails renders a job's stored emails as an xlsx workbook or CSV
// file and returns the bytes with a suggested filename.
func (m *Manager) ExportEmails(ctx context.Context, id int64, format string) ([]byte, string, error) {
	job, err := m.store.Job(ctx, id)
	if err != nil {
		return nil, "", err
	}
	emails, err := m.store.EmailsForJob(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("export job %d: %w", id, err)
	}

	stamp := time.Now().Format("20060102_150405")
	switch format {
	case FormatCSV:
		data, err := renderCSV(emails)
		if err != nil {
			return nil, "", fmt.Errorf("export job %d as csv: %w", id, err)
		}
		return data, fmt.Sprintf("job_%d_emails_%s.csv", job.ID, stamp), nil
	case FormatXLSX, "":
		data, err := renderXLSX(emails)
		if err != nil {
			return nil, "", fmt.Errorf("export job %d as xlsx: %w", id, err)
		}
		return data, fmt.Sprintf("job_%d_emails_%s.xlsx", job.ID, stamp), nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func renderCSV(emails []scraper.EmailRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, err
	}
	for _, e := range emails {
		record := []string{
			e.EmailAddress,
			e.SourceURL,
			strconv.FormatFloat(e.ConfidenceScore, 'f', 2, 64),
			e.ExtractionMethod,
			e.FoundContext,
			e.FoundAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func renderXLSX(emails []scraper.EmailRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Emails"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	for col, title := range exportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheet, cell, title); err != nil {
			return nil, err
		}
	}

	for row, e := range emails {
		values := []any{
			e.EmailAddress,
			e.SourceURL,
			e.ConfidenceScore,
			e.ExtractionMethod,
			e.FoundContext,
			e.FoundAt.Format(time.RFC3339),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row+2)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return nil, err
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
