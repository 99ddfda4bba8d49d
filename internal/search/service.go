package search

import (
	"context"
	"strings"
	"time"

	"loanops/api/internal/store"
)

const (
	SourceIndex = "meilisearch"
	SourceStore = "store"
)

// QuerySource is the document store lookup used when the index is down.
type QuerySource interface {
	SearchQueries(ctx context.Context, text string, filter store.QueryFilter, offset int) ([]store.QueryRecord, int, error)
	ListQueries(ctx context.Context, filter store.QueryFilter) ([]store.QueryRecord, error)
}

// Service tries Meilisearch first and falls back to the document store.
type Service struct {
	meili   *Meili
	source  QuerySource
	timeout time.Duration
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, source QuerySource, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Service{meili: meili, source: source, timeout: timeout}
}

// Search tries Meilisearch if healthy, otherwise falls back to a regex scan
// of the queries collection. Team and branch scope are applied by the
// backend so Total counts only hits the caller may see.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.Branches != nil && len(q.Branches) == 0 {
		return Response{Results: []Result{}, Query: q.Text, Source: SourceStore}
	}
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Source: SourceIndex}
		}
		logger.Warningf("meilisearch error, falling back to store: %v", err)
	}

	if s.source == nil {
		return Response{Results: []Result{}, Query: q.Text, Source: SourceStore}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	filter := store.QueryFilter{VisibleTo: q.Team, Branches: q.Branches, Limit: q.Limit}
	records, total, err := s.source.SearchQueries(ctx, q.Text, filter, q.Offset)
	if err != nil {
		logger.Errorf("store search: %v", err)
		return Response{Results: []Result{}, Query: q.Text, Source: SourceStore}
	}
	results := make([]Result, 0, len(records))
	for _, record := range records {
		results = append(results, resultFromRecord(record, q.Text))
	}
	return Response{Results: results, Total: total, Query: q.Text, Source: SourceStore}
}

// IndexQuery indexes a record (fire-and-forget to Meilisearch).
func (s *Service) IndexQuery(record store.QueryRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	doc := DocumentFromRecord(record)
	go func() {
		if err := s.meili.IndexQuery(doc); err != nil {
			logger.Warningf("index query %s: %v", doc.ID, err)
		}
	}()
}

// DeleteQuery removes a record from the search index (fire-and-forget).
func (s *Service) DeleteQuery(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteQuery(id); err != nil {
			logger.Warningf("delete query %s: %v", id, err)
		}
	}()
}

// ReindexAll pushes every stored record to Meilisearch. Called at startup.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.source == nil {
		return
	}
	records, err := s.source.ListQueries(ctx, store.QueryFilter{})
	if err != nil {
		logger.Errorf("reindex load failed: %v", err)
		return
	}
	docs := make([]QueryDocument, 0, len(records))
	for _, record := range records {
		docs = append(docs, DocumentFromRecord(record))
	}
	if err := s.meili.IndexQueries(docs); err != nil {
		logger.Errorf("reindex queries: %v", err)
		return
	}
	logger.Infof("reindexed %d query records", len(docs))
}

// Close stops the Meilisearch health monitor, if any.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
