package app

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"golang.org/x/sync/errgroup"

	"loanops/api/internal/broadcast"
	"loanops/api/internal/export"
	"loanops/api/internal/journal"
	"loanops/api/internal/rbac"
	"loanops/api/internal/search"
	"loanops/api/internal/store"
	"loanops/api/internal/util"
	"loanops/api/internal/workflow"
)

type CreateQueryInput struct {
	AppNo         string   `json:"appNo" validate:"required,max=64"`
	CustomerName  string   `json:"customerName" validate:"required,max=200"`
	Branch        string   `json:"branch" validate:"required_without=BranchCode"`
	BranchCode    string   `json:"branchCode" validate:"required_without=Branch"`
	MarkedForTeam string   `json:"markedForTeam" validate:"required"`
	Queries       []string `json:"queries" validate:"required,min=1,dive,required,max=4000"`
}

// ListInput narrows a session-scoped listing.
type ListInput struct {
	// Status is pending, waiting, resolved or all.
	Status         string
	IncludePending bool
	// Team restricts to records visible to one team.
	Team  string
	AppNo string
	Limit int
}

// scope builds the store filter every read for session starts from.
// Sales and credit only see their team's records; everyone but admin is held
// to their assigned branches, and no assignment means no records.
func (s *Service) scope(session Session) store.QueryFilter {
	var filter store.QueryFilter
	if !workflow.SeesAllTeams(session.Role) {
		filter.VisibleTo = strings.ToLower(session.Role)
	}
	branches := s.branchScope(session)
	switch {
	case branches.All():
	case branches.Empty():
		filter.Branches = []string{}
	default:
		filter.Branches = branches.Branches()
	}
	return filter
}

func (s *Service) branchScope(session Session) workflow.BranchScope {
	if rbac.Normalize(session.Role) == rbac.RoleAdmin {
		return workflow.AllBranches()
	}
	return workflow.NewBranchScope(session.Branches)
}

// visible re-checks records against the session in memory so a store that
// ignores part of the filter cannot widen what a user sees.
func (s *Service) visible(session Session, record store.QueryRecord) bool {
	if !workflow.CanSee(session.Role, record.VisibleTo) {
		return false
	}
	return s.branchScope(session).Matches(record.Branch, record.BranchCode, record.AssignedToBranch)
}

func (s *Service) visibleQuery(ctx context.Context, session Session, queryID string) (store.QueryRecord, error) {
	queryID = strings.TrimSpace(queryID)
	if queryID == "" {
		return store.QueryRecord{}, badRequest("queryId is required")
	}
	record, err := s.store.GetQuery(ctx, queryID)
	if err != nil {
		return store.QueryRecord{}, err
	}
	if !s.visible(session, record) {
		return store.QueryRecord{}, errors.NotFoundf("query %q", queryID)
	}
	return record, nil
}

func (s *Service) filterVisible(session Session, records []store.QueryRecord) []store.QueryRecord {
	out := make([]store.QueryRecord, 0, len(records))
	for _, record := range records {
		if s.visible(session, record) {
			out = append(out, record)
		}
	}
	return out
}

func statusFilter(status string, includePending bool) ([]string, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "", "all":
		return nil, nil
	case "pending":
		return []string{string(workflow.StatusPending), string(workflow.StatusWaitingForApproval)}, nil
	case "waiting":
		return []string{string(workflow.StatusWaitingForApproval)}, nil
	case "resolved":
		statuses := workflow.ResolvedStatuses()
		if includePending {
			statuses = append(statuses, string(workflow.StatusWaitingForApproval))
		}
		return statuses, nil
	}
	return nil, errors.NotValidf("status %q", status)
}

func (s *Service) ListQueries(ctx context.Context, session Session, input ListInput) ([]store.QueryRecord, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	filter := s.scope(session)
	if team := strings.ToLower(strings.TrimSpace(input.Team)); team != "" {
		if team != workflow.TeamSales && team != workflow.TeamCredit {
			return nil, errors.NotValidf("team %q", input.Team)
		}
		if filter.VisibleTo != "" && filter.VisibleTo != team {
			return nil, forbidden("read " + team)
		}
		filter.VisibleTo = team
	}
	statuses, err := statusFilter(input.Status, input.IncludePending)
	if err != nil {
		return nil, err
	}
	filter.Statuses = statuses
	filter.AppNo = strings.TrimSpace(input.AppNo)
	filter.Limit = input.Limit

	records, err := s.store.ListQueries(ctx, filter)
	if err != nil {
		return nil, err
	}
	return s.filterVisible(session, records), nil
}

// ResolvedQueries lists records with at least one resolved sub-query. Sub-queries
// waiting for approval only count with includePending.
func (s *Service) ResolvedQueries(ctx context.Context, session Session, includePending bool) ([]store.QueryRecord, error) {
	records, err := s.ListQueries(ctx, session, ListInput{})
	if err != nil {
		return nil, err
	}
	out := make([]store.QueryRecord, 0, len(records))
	for _, record := range records {
		for _, sub := range record.Queries {
			if workflow.IsResolved(workflow.Status(sub.Status), includePending) {
				out = append(out, record)
				break
			}
		}
	}
	return out, nil
}

func (s *Service) GetQuery(ctx context.Context, session Session, queryID string) (store.QueryRecord, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return store.QueryRecord{}, err
	}
	return s.visibleQuery(ctx, session, queryID)
}

func (s *Service) CreateQuery(ctx context.Context, session Session, input CreateQueryInput) (store.QueryRecord, error) {
	if err := s.authorize(session, rbac.ActionCreate); err != nil {
		return store.QueryRecord{}, err
	}
	if err := s.check(input); err != nil {
		return store.QueryRecord{}, err
	}
	visibleTo, err := workflow.VisibleTo(input.MarkedForTeam)
	if err != nil {
		return store.QueryRecord{}, err
	}
	if !s.branchScope(session).Matches(input.Branch, input.BranchCode) {
		return store.QueryRecord{}, forbidden("create outside assigned branches")
	}

	now := s.now().UTC()
	record := store.QueryRecord{
		ID:            util.NewID(util.PrefixQuery),
		AppNo:         strings.TrimSpace(input.AppNo),
		CustomerName:  strings.TrimSpace(input.CustomerName),
		Branch:        strings.TrimSpace(input.Branch),
		BranchCode:    strings.ToUpper(strings.TrimSpace(input.BranchCode)),
		MarkedForTeam: strings.ToLower(strings.TrimSpace(input.MarkedForTeam)),
		VisibleTo:     visibleTo,
		Remarks:       []store.Remark{},
		Status:        string(workflow.StatusPending),
		CreatedBy:     session.UserName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, text := range input.Queries {
		record.Queries = append(record.Queries, store.SubQuery{
			ID:     util.NewID(util.PrefixSubQuery),
			Text:   strings.TrimSpace(text),
			Status: string(workflow.StatusPending),
		})
	}
	if err := s.store.InsertQuery(ctx, record); err != nil {
		return store.QueryRecord{}, err
	}

	s.record(ctx, record.ID, "query_created", session.UserName, map[string]any{"appNo": record.AppNo})
	s.search.IndexQuery(record)
	s.publish(ctx, broadcast.TypeQueryUpdated, record, map[string]any{"query": record, "event": "created"}, "", "")
	return record, nil
}

// Share makes a record visible to team as well as the teams that already see it.
func (s *Service) Share(ctx context.Context, session Session, queryID, team string) (store.QueryRecord, error) {
	return s.changeVisibility(ctx, session, queryID, team, true)
}

// Unshare hides a record from team. A record always stays visible to one team.
func (s *Service) Unshare(ctx context.Context, session Session, queryID, team string) (store.QueryRecord, error) {
	return s.changeVisibility(ctx, session, queryID, team, false)
}

func (s *Service) changeVisibility(ctx context.Context, session Session, queryID, team string, add bool) (store.QueryRecord, error) {
	if err := s.authorize(session, rbac.ActionShare); err != nil {
		return store.QueryRecord{}, err
	}
	team = strings.ToLower(strings.TrimSpace(team))
	if team != workflow.TeamSales && team != workflow.TeamCredit {
		return store.QueryRecord{}, errors.NotValidf("team %q", team)
	}
	record, err := s.visibleQuery(ctx, session, queryID)
	if err != nil {
		return store.QueryRecord{}, err
	}

	before := set.NewStrings(record.VisibleTo...)
	teams := set.NewStrings(record.VisibleTo...)
	if add {
		teams.Add(team)
	} else {
		teams.Remove(team)
	}
	if teams.IsEmpty() {
		return store.QueryRecord{}, domainError(http.StatusConflict, "LAST_TEAM", "A query must stay visible to at least one team", nil)
	}
	marked := workflow.TeamBoth
	if teams.Size() == 1 {
		marked = teams.Values()[0]
	}

	updated, err := s.store.SetVisibility(ctx, record.ID, marked, teams.SortedValues(), s.now().UTC())
	if err != nil {
		return store.QueryRecord{}, err
	}
	event := "shared"
	if !add {
		event = "unshared"
	}
	s.record(ctx, updated.ID, "query_"+event, session.UserName, map[string]any{"team": team})
	s.search.IndexQuery(updated)
	audience := before.Union(teams).SortedValues()
	s.publishTo(ctx, broadcast.TypeQueryUpdated, updated.ID, audience, map[string]any{"query": updated, "event": event, "team": team}, "", "")
	return updated, nil
}

type UpdatesResult struct {
	Queries []store.QueryRecord `json:"queries"`
	Since   time.Time           `json:"since"`
	// ServerTime is the value to pass as since on the next poll. When
	// Truncated is set it trails the last journal entry read.
	ServerTime time.Time `json:"serverTime"`
	Truncated  bool      `json:"truncated,omitempty"`
	Source     string    `json:"source"`
}

const (
	journalPageSize = 500
	journalMaxPages = 20
)

// Updates returns the records changed after since that session can see. The
// journal answers when configured; otherwise the store's updatedAt does.
func (s *Service) Updates(ctx context.Context, session Session, since time.Time) (UpdatesResult, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return UpdatesResult{}, err
	}
	result := UpdatesResult{Since: since, ServerTime: s.now().UTC(), Source: "store"}
	if s.journal != nil {
		records, cursor, err := s.updatesFromJournal(ctx, session, since)
		if err == nil {
			result.Queries = records
			result.Source = "journal"
			if !cursor.IsZero() {
				result.ServerTime = cursor.UTC()
				result.Truncated = true
			}
			return result, nil
		}
		logger.Warningf("journal updates since %s: %v; falling back to store", since.Format(time.RFC3339), err)
	}
	filter := s.scope(session)
	filter.Since = &since
	records, err := s.store.ListQueries(ctx, filter)
	if err != nil {
		return UpdatesResult{}, err
	}
	result.Queries = s.filterVisible(session, records)
	return result, nil
}

// updatesFromJournal pages through the journal after since. A non-zero cursor
// means the page budget ran out and the caller must resume from it.
func (s *Service) updatesFromJournal(ctx context.Context, session Session, since time.Time) ([]store.QueryRecord, time.Time, error) {
	var (
		cursor = since
		seen   = set.NewStrings()
		ids    []string
		more   = true
	)
	for page := 0; page < journalMaxPages && more; page++ {
		entries, err := s.journal.Since(ctx, cursor, journalPageSize)
		if err != nil {
			return nil, time.Time{}, err
		}
		for _, id := range journal.DistinctQueryIDs(entries) {
			if !seen.Contains(id) {
				seen.Add(id)
				ids = append(ids, id)
			}
		}
		more = len(entries) >= journalPageSize
		if more {
			// Entries sharing the last timestamp may spill onto the next page.
			cursor = entries[len(entries)-1].CreatedAt.Add(-time.Microsecond)
		}
	}

	records := []store.QueryRecord{}
	for _, id := range ids {
		record, err := s.store.GetQuery(ctx, id)
		if errors.Is(err, errors.NotFound) {
			continue
		}
		if err != nil {
			return nil, time.Time{}, err
		}
		if s.visible(session, record) {
			records = append(records, record)
		}
	}
	if more {
		return records, cursor, nil
	}
	return records, time.Time{}, nil
}

type Stats struct {
	store.QueryCounts
	Applications int `json:"applications"`
	Sanctioned   int `json:"sanctioned"`
}

// Stats counts the session's records by aggregate status in parallel.
func (s *Service) Stats(ctx context.Context, session Session) (Stats, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return Stats{}, err
	}
	base := s.scope(session)
	group, gctx := errgroup.WithContext(ctx)
	count := func(target *int, statuses ...workflow.Status) func() error {
		return func() error {
			filter := base
			for _, status := range statuses {
				filter.Statuses = append(filter.Statuses, string(status))
			}
			n, err := s.store.CountQueries(gctx, filter)
			*target = n
			return err
		}
	}

	var stats Stats
	group.Go(count(&stats.Total))
	group.Go(count(&stats.Pending, workflow.StatusPending))
	group.Go(count(&stats.Waiting, workflow.StatusWaitingForApproval))
	group.Go(count(&stats.Resolved, workflow.StatusResolved))
	group.Go(func() error {
		apps, err := s.store.ListApplications(gctx, false, base.Branches)
		stats.Applications = len(apps)
		return err
	})
	group.Go(func() error {
		apps, err := s.store.ListApplications(gctx, true, base.Branches)
		stats.Sanctioned = len(apps)
		return err
	})
	if err := group.Wait(); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Search runs a free-text lookup limited to what session can see.
func (s *Service) Search(ctx context.Context, session Session, text string, limit, offset int) (search.Response, error) {
	if err := s.authorize(session, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	filter := s.scope(session)
	q := search.Query{Text: text, Limit: limit, Offset: offset, Team: filter.VisibleTo, Branches: filter.Branches}
	return s.search.Search(ctx, q), nil
}

type ReportInput struct {
	Format         string
	IncludePending bool
}

// Report renders the resolution report over the session's records.
func (s *Service) Report(ctx context.Context, session Session, input ReportInput) (*export.Result, error) {
	format, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(input.Format)))
	if err != nil {
		return nil, err
	}
	records, err := s.ListQueries(ctx, session, ListInput{})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].AppNo < records[j].AppNo })
	return s.exports.Export(ctx, export.Request{
		Format:         format,
		IncludePending: input.IncludePending,
		GeneratedBy:    session.UserName,
		Scope:          describeScope(session, s.branchScope(session)),
	}, records)
}

func describeScope(session Session, branches workflow.BranchScope) string {
	teams := "all teams"
	if !workflow.SeesAllTeams(session.Role) {
		teams = strings.ToLower(session.Role) + " team"
	}
	switch {
	case branches.All():
		return teams + ", all branches"
	case branches.Empty():
		return teams + ", no branches"
	}
	return teams + ", branches " + strings.Join(branches.Branches(), ", ")
}
