package app

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"

	"loanops/api/internal/store"
	"loanops/api/internal/workflow"
)

// fakeStore keeps records in memory. Fn hooks, when set, replace the
// stateful behaviour of one method.
type fakeStore struct {
	mu           sync.Mutex
	queries      map[string]store.QueryRecord
	messages     []store.ChatMessage
	users        map[string]store.User
	branches     map[string]store.Branch
	applications map[string]store.Application

	pingFn          func(context.Context) error
	listQueriesFn   func(context.Context, store.QueryFilter) ([]store.QueryRecord, error)
	insertMessageFn func(context.Context, store.ChatMessage) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		queries:      map[string]store.QueryRecord{},
		users:        map[string]store.User{},
		branches:     map[string]store.Branch{},
		applications: map[string]store.Application{},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) InsertQuery(_ context.Context, record store.QueryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.queries[record.ID]; ok {
		return errors.AlreadyExistsf("query %q", record.ID)
	}
	f.queries[record.ID] = cloneRecord(record)
	return nil
}

func (f *fakeStore) GetQuery(_ context.Context, id string) (store.QueryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.queries[id]
	if !ok {
		return store.QueryRecord{}, errors.NotFoundf("query %q", id)
	}
	return cloneRecord(record), nil
}

func (f *fakeStore) ListQueries(ctx context.Context, filter store.QueryFilter) ([]store.QueryRecord, error) {
	if f.listQueriesFn != nil {
		return f.listQueriesFn(ctx, filter)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.QueryRecord{}
	for _, record := range f.queries {
		if matchesFilter(record, filter) {
			out = append(out, cloneRecord(record))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(record store.QueryRecord, filter store.QueryFilter) bool {
	if filter.VisibleTo != "" && !contains(record.VisibleTo, filter.VisibleTo) {
		return false
	}
	if filter.Branches != nil && !workflow.NewBranchScope(filter.Branches).Matches(record.Branch, record.BranchCode, record.AssignedToBranch) {
		return false
	}
	if len(filter.Statuses) > 0 && !contains(filter.Statuses, record.Status) {
		return false
	}
	if filter.AppNo != "" && record.AppNo != filter.AppNo {
		return false
	}
	if filter.Since != nil && !record.UpdatedAt.After(*filter.Since) {
		return false
	}
	return true
}

func (f *fakeStore) CountQueries(ctx context.Context, filter store.QueryFilter) (int, error) {
	records, err := f.ListQueries(ctx, filter)
	return len(records), err
}

func (f *fakeStore) SearchQueries(_ context.Context, text string, filter store.QueryFilter, offset int) ([]store.QueryRecord, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text = strings.ToLower(text)
	hits := []store.QueryRecord{}
	for _, record := range f.queries {
		if matchesFilter(record, filter) && strings.Contains(strings.ToLower(record.AppNo+" "+record.CustomerName), text) {
			hits = append(hits, cloneRecord(record))
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	total := len(hits)
	if offset >= len(hits) {
		return []store.QueryRecord{}, total, nil
	}
	hits = hits[offset:]
	if filter.Limit > 0 && len(hits) > filter.Limit {
		hits = hits[:filter.Limit]
	}
	return hits, total, nil
}

func (f *fakeStore) UpdateSubQuery(_ context.Context, queryID string, sub store.SubQuery, change store.RecordChange) (store.QueryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.queries[queryID]
	if !ok {
		return store.QueryRecord{}, errors.NotFoundf("query %q", queryID)
	}
	record = cloneRecord(record)
	target, ok := record.SubQuery(sub.ID)
	if !ok {
		return store.QueryRecord{}, errors.NotFoundf("sub-query %q", sub.ID)
	}
	*target = sub
	record.Status = change.Status
	if change.AssignedToBranch != "" {
		record.AssignedToBranch = change.AssignedToBranch
	}
	if change.Remark != nil {
		record.Remarks = append(record.Remarks, *change.Remark)
	}
	record.UpdatedAt = change.UpdatedAt
	f.queries[queryID] = record
	return cloneRecord(record), nil
}

func (f *fakeStore) SetVisibility(_ context.Context, queryID, marked string, visibleTo []string, now time.Time) (store.QueryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.queries[queryID]
	if !ok {
		return store.QueryRecord{}, errors.NotFoundf("query %q", queryID)
	}
	record.MarkedForTeam = marked
	record.VisibleTo = append([]string(nil), visibleTo...)
	record.UpdatedAt = now
	f.queries[queryID] = record
	return cloneRecord(record), nil
}

func (f *fakeStore) PushRemark(_ context.Context, queryID string, remark store.Remark) (store.QueryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.queries[queryID]
	if !ok {
		return store.QueryRecord{}, errors.NotFoundf("query %q", queryID)
	}
	record = cloneRecord(record)
	record.Remarks = append(record.Remarks, remark)
	record.UpdatedAt = remark.Timestamp
	f.queries[queryID] = record
	return cloneRecord(record), nil
}

func (f *fakeStore) EditRemark(_ context.Context, queryID, remarkID, text string, now time.Time) (store.QueryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.queries[queryID]
	if !ok {
		return store.QueryRecord{}, errors.NotFoundf("query %q", queryID)
	}
	record = cloneRecord(record)
	for i := range record.Remarks {
		if record.Remarks[i].ID == remarkID {
			record.Remarks[i].Text = text
			record.Remarks[i].IsEdited = true
			record.Remarks[i].EditedAt = &now
			record.UpdatedAt = now
			f.queries[queryID] = record
			return cloneRecord(record), nil
		}
	}
	return store.QueryRecord{}, errors.NotFoundf("remark %q", remarkID)
}

func (f *fakeStore) DeleteRemark(_ context.Context, queryID, remarkID string, now time.Time) (store.QueryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.queries[queryID]
	if !ok {
		return store.QueryRecord{}, errors.NotFoundf("query %q", queryID)
	}
	record = cloneRecord(record)
	kept := []store.Remark{}
	for _, remark := range record.Remarks {
		if remark.ID != remarkID {
			kept = append(kept, remark)
		}
	}
	record.Remarks = kept
	record.UpdatedAt = now
	f.queries[queryID] = record
	return cloneRecord(record), nil
}

func (f *fakeStore) ClearQueries(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.queries)
	f.queries = map[string]store.QueryRecord{}
	return n, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, message store.ChatMessage) error {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, message)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, queryID string) ([]store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.ChatMessage{}
	for _, message := range f.messages {
		if message.QueryID == queryID {
			out = append(out, message)
		}
	}
	return out, nil
}

func (f *fakeStore) ClearMessages(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.messages)
	f.messages = nil
	return n, nil
}

func (f *fakeStore) GetUser(_ context.Context, employeeID string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[employeeID]
	if !ok {
		return store.User{}, errors.NotFoundf("user %q", employeeID)
	}
	return user, nil
}

func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.User, 0, len(f.users))
	for _, user := range f.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out, nil
}

func (f *fakeStore) InsertUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.EmployeeID]; ok {
		return errors.AlreadyExistsf("user %q", user.EmployeeID)
	}
	f.users[user.EmployeeID] = user
	return nil
}

func (f *fakeStore) UpsertUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.EmployeeID] = user
	return nil
}

func (f *fakeStore) UpdateUser(_ context.Context, employeeID string, update store.UserUpdate) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[employeeID]
	if !ok {
		return store.User{}, errors.NotFoundf("user %q", employeeID)
	}
	if update.Name != nil {
		user.Name = *update.Name
	}
	if update.Email != nil {
		user.Email = *update.Email
	}
	if update.Role != nil {
		user.Role = *update.Role
	}
	if update.Branch != nil {
		user.Branch = *update.Branch
	}
	if update.AssignedBranches != nil {
		user.AssignedBranches = update.AssignedBranches
	}
	if update.Permissions != nil {
		user.Permissions = update.Permissions
	}
	if update.PasswordHash != nil {
		user.PasswordHash = *update.PasswordHash
	}
	if update.Active != nil {
		user.Active = *update.Active
	}
	f.users[employeeID] = user
	return user, nil
}

func (f *fakeStore) TouchLogin(_ context.Context, employeeID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user, ok := f.users[employeeID]; ok {
		user.LastLogin = &at
		f.users[employeeID] = user
	}
	return nil
}

func (f *fakeStore) DeleteUser(_ context.Context, employeeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[employeeID]; !ok {
		return errors.NotFoundf("user %q", employeeID)
	}
	delete(f.users, employeeID)
	return nil
}

func (f *fakeStore) ListBranches(_ context.Context, activeOnly bool) ([]store.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Branch{}
	for _, branch := range f.branches {
		if activeOnly && !branch.Active {
			continue
		}
		out = append(out, branch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (f *fakeStore) GetBranch(_ context.Context, code string) (store.Branch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	branch, ok := f.branches[code]
	if !ok {
		return store.Branch{}, errors.NotFoundf("branch %q", code)
	}
	return branch, nil
}

func (f *fakeStore) UpsertBranch(_ context.Context, branch store.Branch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[branch.Code] = branch
	return nil
}

func (f *fakeStore) ListApplications(_ context.Context, sanctioned bool, branches []string) ([]store.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Application{}
	for _, app := range f.applications {
		if sanctioned && !isSanctioned(app) {
			continue
		}
		if branches != nil && !workflow.NewBranchScope(branches).Matches(app.Branch, app.BranchCode) {
			continue
		}
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AppNo < out[j].AppNo })
	return out, nil
}

func (f *fakeStore) UpsertApplications(_ context.Context, apps []store.Application) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, app := range apps {
		f.applications[app.AppNo] = app
	}
	return len(apps), nil
}

func (f *fakeStore) GetSanctioned(_ context.Context, appNo string) (store.Application, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	app, ok := f.applications[appNo]
	if !ok || !isSanctioned(app) {
		return store.Application{}, errors.NotFoundf("sanctioned application %q", appNo)
	}
	return app, nil
}

func (f *fakeStore) DeleteSanctioned(_ context.Context, appNo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.applications, appNo)
	return nil
}

func (f *fakeStore) ClearSanctioned(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for appNo, app := range f.applications {
		if isSanctioned(app) {
			delete(f.applications, appNo)
			n++
		}
	}
	return n, nil
}

func isSanctioned(app store.Application) bool {
	return app.SanctionDate != nil || app.SanctionedAmount > 0
}

func (f *fakeStore) messageCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func cloneRecord(record store.QueryRecord) store.QueryRecord {
	record.Queries = append([]store.SubQuery(nil), record.Queries...)
	record.Remarks = append([]store.Remark(nil), record.Remarks...)
	record.VisibleTo = append([]string(nil), record.VisibleTo...)
	return record
}

func contains(values []string, value string) bool {
	for _, candidate := range values {
		if candidate == value {
			return true
		}
	}
	return false
}
