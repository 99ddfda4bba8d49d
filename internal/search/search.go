// Package search indexes query records for free-text lookup.
package search

import (
	"strings"

	"loanops/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID               string   `json:"id"`
	AppNo            string   `json:"appNo"`
	CustomerName     string   `json:"customerName"`
	Branch           string   `json:"branch"`
	BranchCode       string   `json:"branchCode"`
	AssignedToBranch string   `json:"assignedToBranch,omitempty"`
	Status           string   `json:"status"`
	VisibleTo        []string `json:"visibleTo"`
	Snippet          string   `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
	// Team restricts hits to records visible to that team. Empty means every
	// record, for admin and operations callers.
	Team string
	// Branches restricts hits to records of those branches. Nil means every
	// branch; an empty slice matches nothing.
	Branches []string
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Source  string   `json:"source"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// QueryDocument is the data we index for a query record.
type QueryDocument struct {
	ID               string   `json:"id"`
	AppNo            string   `json:"appNo"`
	CustomerName     string   `json:"customerName"`
	Branch           string   `json:"branch"`
	BranchCode       string   `json:"branchCode"`
	AssignedToBranch string   `json:"assignedToBranch"`
	Status           string   `json:"status"`
	VisibleTo        []string `json:"visibleTo"`
	BranchKeys       []string `json:"branchKeys"`
	SubQueries       []string `json:"subQueries"`
	UpdatedAt        int64    `json:"updatedAt"`
}

// DocumentFromRecord flattens a record into its index shape.
func DocumentFromRecord(record store.QueryRecord) QueryDocument {
	texts := make([]string, 0, len(record.Queries))
	for _, sub := range record.Queries {
		texts = append(texts, sub.Text)
	}
	visible := record.VisibleTo
	if visible == nil {
		visible = []string{}
	}
	return QueryDocument{
		ID:               record.ID,
		AppNo:            record.AppNo,
		CustomerName:     record.CustomerName,
		Branch:           record.Branch,
		BranchCode:       record.BranchCode,
		AssignedToBranch: record.AssignedToBranch,
		Status:           record.Status,
		VisibleTo:        visible,
		BranchKeys:       branchKeys(record.Branch, record.BranchCode, record.AssignedToBranch),
		SubQueries:       texts,
		UpdatedAt:        record.UpdatedAt.Unix(),
	}
}

// branchKeys lowercases the branch fields so the index can filter them the
// way branch scopes compare.
func branchKeys(fields ...string) []string {
	keys := []string{}
	for _, field := range fields {
		if field = strings.ToLower(strings.TrimSpace(field)); field != "" {
			keys = append(keys, field)
		}
	}
	return keys
}

func resultFromRecord(record store.QueryRecord, text string) Result {
	snippet := ""
	needle := strings.ToLower(strings.TrimSpace(text))
	for _, sub := range record.Queries {
		if needle != "" && strings.Contains(strings.ToLower(sub.Text), needle) {
			snippet = sub.Text
			break
		}
	}
	if snippet == "" && len(record.Queries) > 0 {
		snippet = record.Queries[0].Text
	}
	return Result{
		ID:               record.ID,
		AppNo:            record.AppNo,
		CustomerName:     record.CustomerName,
		Branch:           record.Branch,
		BranchCode:       record.BranchCode,
		AssignedToBranch: record.AssignedToBranch,
		Status:           record.Status,
		VisibleTo:        record.VisibleTo,
		Snippet:          snippet,
	}
}
