package export

import (
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"loanops/api/internal/store"
	"loanops/api/internal/workflow"
)

// BuildReport flattens records into one row per resolved sub-query. Sub-queries
// waiting for approval are included only with includePending.
func BuildReport(records []store.QueryRecord, req Request, now time.Time) Report {
	report := Report{
		Title:       "Query Resolution Report",
		GeneratedAt: now,
		GeneratedBy: req.GeneratedBy,
		Scope:       req.Scope,
		Rows:        []Row{},
	}
	counts := map[string]int{}
	for _, record := range records {
		branch := record.Branch
		if record.AssignedToBranch != "" {
			branch = record.AssignedToBranch
		}
		for _, sub := range record.Queries {
			if !workflow.IsResolved(workflow.Status(sub.Status), req.IncludePending) {
				continue
			}
			stamp := record.UpdatedAt
			if sub.ResolvedAt != nil {
				stamp = *sub.ResolvedAt
			} else if sub.ProposedAt != nil {
				stamp = *sub.ProposedAt
			}
			report.Rows = append(report.Rows, Row{
				QueryID:        record.ID,
				AppNo:          record.AppNo,
				CustomerName:   record.CustomerName,
				Branch:         branch,
				SubQueryID:     sub.ID,
				Text:           sub.Text,
				Status:         sub.Status,
				ProposedAction: sub.ProposedAction,
				ResolvedBy:     sub.ResolvedBy,
				ResolvedAt:     sub.ResolvedAt,
				ApprovedBy:     sub.ApprovedBy,
				Reason:         sub.ResolutionReason,
				Age:            humanize.RelTime(stamp, now, "ago", "from now"),
			})
			counts[sub.Status]++
		}
	}
	for status, count := range counts {
		report.Summary = append(report.Summary, Summary{Status: status, Count: count})
	}
	sort.Slice(report.Summary, func(i, j int) bool {
		return report.Summary[i].Status < report.Summary[j].Status
	})
	return report
}
