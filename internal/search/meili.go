package search

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/loggo"
	meili "github.com/meilisearch/meilisearch-go"
)

var logger = loggo.GetLogger("loanops.search")

const idxQueries = "loanops_queries"

// Meili implements Searcher via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. The client
// is returned even when the server is down; Healthy reports false until the
// background check sees it recover.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warningf("meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxQueries,
		PrimaryKey: "id",
	}); err != nil {
		logger.Debugf("create index %s (may already exist): %v", idxQueries, err)
	}

	index := m.client.Index(idxQueries)
	filterable := []interface{}{"visibleTo", "status", "branchKeys"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		logger.Warningf("update filterable attrs for %s: %v", idxQueries, err)
	}
	searchable := []string{"appNo", "customerName", "subQueries", "branch"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		logger.Warningf("update searchable attrs for %s: %v", idxQueries, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				logger.Infof("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}
	sr := &meili.SearchRequest{
		IndexUID:              idxQueries,
		Query:                 q.Text,
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"subQueries"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	sr.Filter = filters(q)

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var results []Result
	total := 0
	for _, res := range resp.Results {
		total += int(res.EstimatedTotalHits)
		for _, hit := range res.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

func teamFilter(team string) string {
	return fmt.Sprintf("visibleTo = %q", team)
}

func branchFilter(branches []string) string {
	quoted := make([]string, 0, len(branches))
	for _, branch := range branches {
		quoted = append(quoted, fmt.Sprintf("%q", strings.ToLower(strings.TrimSpace(branch))))
	}
	return fmt.Sprintf("branchKeys IN [%s]", strings.Join(quoted, ", "))
}

// filters ANDs the team and branch restrictions of q.
func filters(q Query) []string {
	var out []string
	if q.Team != "" {
		out = append(out, teamFilter(q.Team))
	}
	if len(q.Branches) > 0 {
		out = append(out, branchFilter(q.Branches))
	}
	return out
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:               decodeString(hit, "id"),
		AppNo:            decodeString(hit, "appNo"),
		CustomerName:     decodeString(hit, "customerName"),
		Branch:           decodeString(hit, "branch"),
		BranchCode:       decodeString(hit, "branchCode"),
		AssignedToBranch: decodeString(hit, "assignedToBranch"),
		Status:           decodeString(hit, "status"),
		VisibleTo:        decodeStrings(hit, "visibleTo"),
	}
	formatted := decodeFormattedStrings(hit, "subQueries")
	for _, text := range formatted {
		if strings.Contains(text, "<mark>") {
			r.Snippet = text
			break
		}
	}
	if r.Snippet == "" {
		if texts := decodeStrings(hit, "subQueries"); len(texts) > 0 {
			r.Snippet = texts[0]
		}
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeStrings(hit meili.Hit, key string) []string {
	raw, ok := hit[key]
	if !ok {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}

func decodeFormattedStrings(hit meili.Hit, key string) []string {
	raw, ok := hit["_formatted"]
	if !ok {
		return nil
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return nil
	}
	var values []string
	if err := json.Unmarshal(formatted[key], &values); err != nil {
		return nil
	}
	return values
}

// IndexQuery adds or updates a query record in the search index.
func (m *Meili) IndexQuery(doc QueryDocument) error {
	_, err := m.client.Index(idxQueries).AddDocuments([]QueryDocument{doc}, nil)
	return err
}

// IndexQueries bulk-indexes query records.
func (m *Meili) IndexQueries(docs []QueryDocument) error {
	if len(docs) == 0 {
		return nil
	}
	_, err := m.client.Index(idxQueries).AddDocuments(docs, nil)
	return err
}

// DeleteQuery removes a query record from the search index.
func (m *Meili) DeleteQuery(id string) error {
	_, err := m.client.Index(idxQueries).DeleteDocument(id, nil)
	return err
}
