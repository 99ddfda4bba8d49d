// Package importer turns uploaded application spreadsheets (CSV) into
// application records.
package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/juju/errors"

	"loanops/api/internal/store"
)

// MaxRows bounds a single upload.
const MaxRows = 20000

// RowError records a skipped line. Line numbers count the header as line 1.
type RowError struct {
	Line   int    `json:"line"`
	AppNo  string `json:"appNo,omitempty"`
	Reason string `json:"reason"`
}

type Result struct {
	Applications []store.Application `json:"-"`
	Imported     int                 `json:"imported"`
	Sanctioned   int                 `json:"sanctioned"`
	Skipped      []RowError          `json:"skipped"`
}

type row struct {
	AppNo            string  `validate:"required,max=64"`
	CustomerName     string  `validate:"required,max=200"`
	Branch           string  `validate:"required_without=BranchCode"`
	BranchCode       string  `validate:"required_without=Branch"`
	LoanAmount       float64 `validate:"gte=0"`
	SanctionedAmount float64 `validate:"gte=0"`
}

var columns = map[string][]string{
	"appNo":            {"app no", "appno", "application no", "application number", "app_no"},
	"customerName":     {"customer name", "customername", "customer", "name", "customer_name"},
	"branch":           {"branch", "branch name", "branch_name"},
	"branchCode":       {"branch code", "branchcode", "branch_code"},
	"loanAmount":       {"loan amount", "loanamount", "amount", "loan_amount"},
	"status":           {"status", "application status"},
	"sanctionedAmount": {"sanctioned amount", "sanctionedamount", "sanction amount", "sanctioned_amount"},
	"sanctionDate":     {"sanction date", "sanctiondate", "sanctioned on", "sanction_date"},
}

var dateLayouts = []string{"2006-01-02", "02/01/2006", "02-01-2006", "2 Jan 2006", time.RFC3339}

var validate = validator.New()

// Parse reads CSV data with a header row. Rows that fail validation are
// reported in Skipped; a missing required column fails the whole upload.
func Parse(r io.Reader, uploadedBy string, now time.Time) (Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return Result{}, errors.NotValidf("empty file")
	}
	if err != nil {
		return Result{}, errors.Annotate(err, "read header")
	}
	index := mapHeader(header)
	if _, ok := index["appNo"]; !ok {
		return Result{}, errors.NotValidf("missing application number column")
	}
	if _, ok := index["customerName"]; !ok {
		return Result{}, errors.NotValidf("missing customer name column")
	}

	result := Result{Skipped: []RowError{}}
	seen := map[string]int{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			result.Skipped = append(result.Skipped, RowError{Line: line, Reason: err.Error()})
			continue
		}
		if blank(record) {
			continue
		}
		if line-1 > MaxRows {
			return Result{}, errors.NotValidf("more than %d rows", MaxRows)
		}

		get := func(key string) string {
			i, ok := index[key]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}
		app, reason := buildApplication(get, uploadedBy, now)
		if reason != "" {
			result.Skipped = append(result.Skipped, RowError{Line: line, AppNo: app.AppNo, Reason: reason})
			continue
		}
		if prev, dup := seen[app.AppNo]; dup {
			// Later rows win, matching a spreadsheet re-export.
			result.Applications[prev] = app
			continue
		}
		seen[app.AppNo] = len(result.Applications)
		result.Applications = append(result.Applications, app)
	}

	result.Imported = len(result.Applications)
	for _, app := range result.Applications {
		if app.SanctionDate != nil || app.SanctionedAmount > 0 {
			result.Sanctioned++
		}
	}
	return result, nil
}

func buildApplication(get func(string) string, uploadedBy string, now time.Time) (store.Application, string) {
	app := store.Application{
		AppNo:        strings.ToUpper(get("appNo")),
		CustomerName: get("customerName"),
		Branch:       get("branch"),
		BranchCode:   strings.ToUpper(get("branchCode")),
		Status:       strings.ToLower(get("status")),
		UploadedBy:   uploadedBy,
		UploadedAt:   now,
	}
	if app.Status == "" {
		app.Status = "pending"
	}
	var err error
	if app.LoanAmount, err = parseAmount(get("loanAmount")); err != nil {
		return app, fmt.Sprintf("loan amount: %v", err)
	}
	if app.SanctionedAmount, err = parseAmount(get("sanctionedAmount")); err != nil {
		return app, fmt.Sprintf("sanctioned amount: %v", err)
	}
	if raw := get("sanctionDate"); raw != "" {
		date, err := parseDate(raw)
		if err != nil {
			return app, fmt.Sprintf("sanction date: %v", err)
		}
		app.SanctionDate = &date
	}

	check := row{
		AppNo:            app.AppNo,
		CustomerName:     app.CustomerName,
		Branch:           app.Branch,
		BranchCode:       app.BranchCode,
		LoanAmount:       app.LoanAmount,
		SanctionedAmount: app.SanctionedAmount,
	}
	if err := validate.Struct(check); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return app, fmt.Sprintf("%s failed %s", verrs[0].Field(), verrs[0].Tag())
		}
		return app, err.Error()
	}
	return app, ""
}

func mapHeader(header []string) map[string]int {
	index := map[string]int{}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		for key, aliases := range columns {
			if _, taken := index[key]; taken {
				continue
			}
			for _, alias := range aliases {
				if name == alias {
					index[key] = i
					break
				}
			}
		}
	}
	return index
}

// parseAmount accepts plain and comma-grouped numbers, with an optional
// currency prefix.
func parseAmount(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	for _, prefix := range []string{"₹", "Rs.", "Rs", "INR"} {
		raw = strings.TrimSpace(strings.TrimPrefix(raw, prefix))
	}
	raw = strings.ReplaceAll(raw, ",", "")
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseFloat(raw, 64)
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Errorf("unrecognised date %q", raw)
}

func blank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
