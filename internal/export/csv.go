package export

import (
	"bytes"
	"encoding/csv"
	"time"
)

var csvHeader = []string{
	"Query ID", "App No", "Customer", "Branch", "Sub-Query ID", "Query",
	"Status", "Proposed Action", "Resolved By", "Resolved At", "Approved By", "Reason",
}

func renderCSV(report Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, row := range report.Rows {
		resolvedAt := ""
		if row.ResolvedAt != nil {
			resolvedAt = row.ResolvedAt.UTC().Format(time.RFC3339)
		}
		if err := w.Write([]string{
			row.QueryID, row.AppNo, row.CustomerName, row.Branch, row.SubQueryID, row.Text,
			row.Status, row.ProposedAction, row.ResolvedBy, resolvedAt, row.ApprovedBy, row.Reason,
		}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
