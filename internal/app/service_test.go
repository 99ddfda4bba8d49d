package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"

	"loanops/api/internal/broadcast"
	"loanops/api/internal/config"
	"loanops/api/internal/journal"
	"loanops/api/internal/search"
	"loanops/api/internal/session"
	"loanops/api/internal/store"
	"loanops/api/internal/workflow"
)

func testConfig() config.Config {
	return config.Config{
		Env:               "test",
		JWTSecret:         "test-secret",
		AccessTTL:         15 * time.Minute,
		RefreshTTL:        time.Hour,
		DownstreamTimeout: time.Second,
		GatedActions:      []string{"approve", "deferral", "otc"},
	}
}

func newTestService(t *testing.T, fs *fakeStore) *Service {
	t.Helper()
	svc, err := New(testConfig(), Dependencies{Store: fs, Sessions: session.NewMemoryStore()})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func sessionFor(role string, branches ...string) Session {
	return Session{
		UserID:   role + "-1",
		UserName: role + " user",
		Role:     role,
		Branches: branches,
	}
}

func seedQuery(fs *fakeStore, id, marked, branch string, subIDs ...string) store.QueryRecord {
	visibleTo, _ := workflow.VisibleTo(marked)
	record := store.QueryRecord{
		ID:            id,
		AppNo:         "APP-" + strings.TrimPrefix(id, "qry_"),
		CustomerName:  "Customer " + id,
		Branch:        branch,
		MarkedForTeam: marked,
		VisibleTo:     visibleTo,
		Remarks:       []store.Remark{},
		Status:        string(workflow.StatusPending),
		CreatedAt:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:     time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, subID := range subIDs {
		record.Queries = append(record.Queries, store.SubQuery{ID: subID, Text: "document " + subID, Status: string(workflow.StatusPending)})
	}
	fs.queries[id] = record
	return record
}

// drain returns the envelopes queued on conn without blocking.
func drain(t *testing.T, conn *broadcast.Connection) []broadcast.Envelope {
	t.Helper()
	var out []broadcast.Envelope
	for {
		select {
		case frame := <-conn.Frames():
			body := bytes.TrimSpace(bytes.TrimPrefix(frame, []byte("data: ")))
			var env broadcast.Envelope
			if err := json.Unmarshal(body, &env); err != nil {
				t.Fatalf("decode frame %q: %v", frame, err)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func countType(envs []broadcast.Envelope, kind string) int {
	n := 0
	for _, env := range envs {
		if env.Type == kind {
			n++
		}
	}
	return n
}

func TestGatedApproveThenConfirm(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	ctx := context.Background()

	created, err := svc.CreateQuery(ctx, sessionFor("operations", "Multiple"), CreateQueryInput{
		AppNo:         "APP-1",
		CustomerName:  "Asha Rao",
		Branch:        "Pune",
		MarkedForTeam: "both",
		Queries:       []string{"Missing salary slip"},
	})
	if err != nil {
		t.Fatalf("create query: %v", err)
	}
	if got := strings.Join(created.VisibleTo, ","); got != "credit,sales" {
		t.Fatalf("expected visibleTo credit,sales, got %s", got)
	}
	subID := created.Queries[0].ID

	sales := sessionFor("sales", "pune")
	proposed, err := svc.ApplyAction(ctx, sales, ActionInput{QueryID: created.ID, SubQueryID: subID, Action: "approve"})
	if err != nil {
		t.Fatalf("sales approve: %v", err)
	}
	if proposed.Mode != "gated" {
		t.Fatalf("expected gated mode, got %s", proposed.Mode)
	}
	if proposed.SubQuery.Status != string(workflow.StatusWaitingForApproval) || proposed.SubQuery.ProposedAction != "approve" {
		t.Fatalf("unexpected proposal: %+v", proposed.SubQuery)
	}
	if proposed.SubQuery.ProposedBy != sales.UserName || proposed.SubQuery.IsResolved {
		t.Fatalf("proposal should record proposer and stay unresolved: %+v", proposed.SubQuery)
	}
	if proposed.Query.Status != string(workflow.StatusWaitingForApproval) {
		t.Fatalf("expected record waiting for approval, got %s", proposed.Query.Status)
	}

	listener := svc.Registry().Register(broadcast.Filter{QueryID: created.ID})
	defer svc.Registry().Unregister(listener.ID)

	confirmed, err := svc.ApplyAction(ctx, sessionFor("operations", "Multiple"), ActionInput{QueryID: created.ID, SubQueryID: subID, Action: "confirm"})
	if err != nil {
		t.Fatalf("operations confirm: %v", err)
	}
	sub := confirmed.SubQuery
	if sub.Status != string(workflow.StatusApproved) || !sub.IsResolved {
		t.Fatalf("expected approved and resolved, got %+v", sub)
	}
	if sub.ResolvedBy != "operations user" || sub.ApprovedBy != "operations user" || sub.ProposedAction != "" {
		t.Fatalf("unexpected confirm fields: %+v", sub)
	}
	if confirmed.Query.Status != string(workflow.StatusResolved) {
		t.Fatalf("expected record resolved, got %s", confirmed.Query.Status)
	}

	stored, _ := fs.GetQuery(ctx, created.ID)
	systemRemarks := 0
	for _, remark := range stored.Remarks {
		if remark.System {
			systemRemarks++
		}
	}
	if systemRemarks != 2 {
		t.Fatalf("expected one system remark per action, got %d", systemRemarks)
	}

	envs := drain(t, listener)
	if got := countType(envs, broadcast.TypeMessageAdded); got != 1 {
		t.Fatalf("expected exactly one message_added for confirm, got %d", got)
	}
	if got := countType(envs, broadcast.TypeQueryUpdated); got != 1 {
		t.Fatalf("expected exactly one query_updated for confirm, got %d", got)
	}
}

func TestImmediateActionsResolveDirectly(t *testing.T) {
	tests := []struct {
		name   string
		role   string
		action string
		status workflow.Status
	}{
		{name: "operations waiver", role: "operations", action: "waiver", status: workflow.StatusWaived},
		{name: "admin deferral", role: "admin", action: "deferral", status: workflow.StatusDeferred},
		{name: "sales waiver", role: "sales", action: "waiver", status: workflow.StatusWaived},
		{name: "credit respond", role: "credit", action: "respond", status: workflow.StatusResolved},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := newFakeStore()
			seedQuery(fs, "qry_1", "both", "Pune", "sq_1", "sq_2")
			svc := newTestService(t, fs)

			result, err := svc.ApplyAction(context.Background(), sessionFor(tc.role, "Pune"), ActionInput{
				QueryID: "qry_1", SubQueryID: "sq_1", Action: tc.action, Remarks: "cleared",
			})
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if result.Mode != "immediate" {
				t.Fatalf("expected immediate mode, got %s", result.Mode)
			}
			if result.SubQuery.Status != string(tc.status) || !result.SubQuery.IsResolved {
				t.Fatalf("expected %s resolved, got %+v", tc.status, result.SubQuery)
			}
			if result.SubQuery.ResolutionReason != "cleared" {
				t.Fatalf("expected resolution reason, got %q", result.SubQuery.ResolutionReason)
			}
			// sq_2 is still pending, so the record stays pending.
			if result.Query.Status != string(workflow.StatusPending) {
				t.Fatalf("expected record pending, got %s", result.Query.Status)
			}
			if result.Message.ActionType != tc.action {
				t.Fatalf("expected chat mirror with action type %s, got %q", tc.action, result.Message.ActionType)
			}
			if fs.messageCount() != 1 {
				t.Fatalf("expected the action mirrored to chat once, got %d", fs.messageCount())
			}
		})
	}
}

func TestActionErrors(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_1", "sales", "Pune", "sq_1")
	svc := newTestService(t, fs)
	ctx := context.Background()

	tests := []struct {
		name    string
		session Session
		input   ActionInput
		status  int
		code    string
	}{
		{
			name:    "sales cannot confirm",
			session: sessionFor("sales", "Pune"),
			input:   ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "confirm"},
			status:  http.StatusForbidden,
			code:    "FORBIDDEN",
		},
		{
			name:    "unknown action",
			session: sessionFor("operations", "Multiple"),
			input:   ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "teleport"},
			status:  http.StatusBadRequest,
			code:    "UNKNOWN_ACTION",
		},
		{
			name:    "missing query",
			session: sessionFor("operations", "Multiple"),
			input:   ActionInput{QueryID: "qry_missing", SubQueryID: "sq_1", Action: "respond"},
			status:  http.StatusNotFound,
			code:    "NOT_FOUND",
		},
		{
			name:    "missing sub-query",
			session: sessionFor("operations", "Multiple"),
			input:   ActionInput{QueryID: "qry_1", SubQueryID: "sq_9", Action: "respond"},
			status:  http.StatusNotFound,
			code:    "NOT_FOUND",
		},
		{
			name:    "credit cannot see a sales record",
			session: sessionFor("credit", "Pune"),
			input:   ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "respond"},
			status:  http.StatusNotFound,
			code:    "NOT_FOUND",
		},
		{
			name:    "confirm without proposal",
			session: sessionFor("operations", "Multiple"),
			input:   ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "confirm"},
			status:  http.StatusConflict,
			code:    "INVALID_TRANSITION",
		},
		{
			name:    "revert pending",
			session: sessionFor("operations", "Multiple"),
			input:   ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "revert"},
			status:  http.StatusConflict,
			code:    "INVALID_TRANSITION",
		},
		{
			name:    "assign-branch without branch",
			session: sessionFor("operations", "Multiple"),
			input:   ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "assign-branch"},
			status:  http.StatusBadRequest,
			code:    "VALIDATION_ERROR",
		},
		{
			name:    "missing sub-query id",
			session: sessionFor("operations", "Multiple"),
			input:   ActionInput{QueryID: "qry_1", Action: "respond"},
			status:  http.StatusBadRequest,
			code:    "VALIDATION_ERROR",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.ApplyAction(ctx, tc.session, tc.input)
			if err == nil {
				t.Fatalf("expected error")
			}
			status, code, _, _ := mapError(err)
			if status != tc.status || code != tc.code {
				t.Fatalf("expected %d %s, got %d %s (%v)", tc.status, tc.code, status, code, err)
			}
		})
	}
}

func TestRejectAndRevertRestorePending(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_1", "credit", "Pune", "sq_1")
	svc := newTestService(t, fs)
	ctx := context.Background()
	credit := sessionFor("credit", "Pune")
	ops := sessionFor("operations", "Multiple")

	if _, err := svc.ApplyAction(ctx, credit, ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "otc"}); err != nil {
		t.Fatalf("propose otc: %v", err)
	}
	rejected, err := svc.ApplyAction(ctx, ops, ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "reject"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.SubQuery.Status != string(workflow.StatusPending) || rejected.SubQuery.ProposedAction != "" {
		t.Fatalf("reject should clear the proposal: %+v", rejected.SubQuery)
	}

	if _, err := svc.ApplyAction(ctx, credit, ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "respond"}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	reverted, err := svc.ApplyAction(ctx, ops, ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "revert"})
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	sub := reverted.SubQuery
	if sub.Status != string(workflow.StatusPending) || sub.IsResolved || sub.ResolvedBy != "" || sub.ResolvedAt != nil {
		t.Fatalf("revert should clear resolution: %+v", sub)
	}
}

func TestAssignBranchAndEscalateKeepStatus(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_1", "both", "Pune", "sq_1")
	svc := newTestService(t, fs)
	ctx := context.Background()
	ops := sessionFor("operations", "Multiple")

	assigned, err := svc.ApplyAction(ctx, ops, ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "assign-branch", Branch: "Nashik"})
	if err != nil {
		t.Fatalf("assign-branch: %v", err)
	}
	if assigned.SubQuery.Status != string(workflow.StatusPending) || assigned.SubQuery.AssignedBranch != "Nashik" {
		t.Fatalf("unexpected sub-query after assign: %+v", assigned.SubQuery)
	}
	if assigned.Query.AssignedToBranch != "Nashik" {
		t.Fatalf("expected record assigned to Nashik, got %q", assigned.Query.AssignedToBranch)
	}

	// A Nashik user now reaches the record through its assignment.
	if _, err := svc.GetQuery(ctx, sessionFor("sales", "nashik"), "qry_1"); err != nil {
		t.Fatalf("nashik sales should see the assigned record: %v", err)
	}

	escalated, err := svc.ApplyAction(ctx, ops, ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "escalate"})
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if !escalated.SubQuery.Escalated || escalated.SubQuery.Status != string(workflow.StatusPending) {
		t.Fatalf("unexpected sub-query after escalate: %+v", escalated.SubQuery)
	}
}

func TestListScopesByTeamAndBranch(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_1", "sales", "Pune", "sq_1")
	seedQuery(fs, "qry_2", "credit", "Pune", "sq_1")
	seedQuery(fs, "qry_3", "both", "Nagpur", "sq_1")
	svc := newTestService(t, fs)
	ctx := context.Background()

	tests := []struct {
		name    string
		session Session
		want    string
	}{
		{name: "sales in pune", session: sessionFor("sales", "Pune"), want: "qry_1"},
		{name: "credit everywhere", session: sessionFor("credit", "Multiple"), want: "qry_2,qry_3"},
		{name: "operations in nagpur", session: sessionFor("operations", "NAGPUR"), want: "qry_3"},
		{name: "admin unrestricted", session: sessionFor("admin"), want: "qry_1,qry_2,qry_3"},
		{name: "no branches", session: sessionFor("operations"), want: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			records, err := svc.ListQueries(ctx, tc.session, ListInput{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if records == nil {
				t.Fatalf("expected an empty list, not nil")
			}
			ids := make([]string, 0, len(records))
			for _, record := range records {
				ids = append(ids, record.ID)
			}
			if got := strings.Join(ids, ","); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestListRejectsOtherTeam(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)

	_, err := svc.ListQueries(context.Background(), sessionFor("sales", "Pune"), ListInput{Team: "credit"})
	status, code, _, _ := mapError(err)
	if status != http.StatusForbidden || code != "FORBIDDEN" {
		t.Fatalf("expected 403 FORBIDDEN, got %d %s", status, code)
	}
}

func TestResolvedQueriesIncludePending(t *testing.T) {
	fs := newFakeStore()
	record := seedQuery(fs, "qry_1", "both", "Pune", "sq_1")
	record.Queries[0].Status = string(workflow.StatusWaitingForApproval)
	fs.queries["qry_1"] = record
	svc := newTestService(t, fs)
	ctx := context.Background()
	ops := sessionFor("operations", "Multiple")

	without, err := svc.ResolvedQueries(ctx, ops, false)
	if err != nil {
		t.Fatalf("resolved: %v", err)
	}
	if len(without) != 0 {
		t.Fatalf("waiting sub-queries should not count as resolved, got %d", len(without))
	}
	with, err := svc.ResolvedQueries(ctx, ops, true)
	if err != nil {
		t.Fatalf("resolved with pending: %v", err)
	}
	if len(with) != 1 {
		t.Fatalf("expected waiting sub-query with includePending, got %d", len(with))
	}
}

func TestShareAndUnshare(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_1", "sales", "Pune", "sq_1")
	svc := newTestService(t, fs)
	ctx := context.Background()
	ops := sessionFor("operations", "Multiple")

	listener := svc.Registry().Register(broadcast.Filter{Team: "credit"})
	defer svc.Registry().Unregister(listener.ID)

	shared, err := svc.Share(ctx, ops, "qry_1", "credit")
	if err != nil {
		t.Fatalf("share: %v", err)
	}
	if shared.MarkedForTeam != "both" || strings.Join(shared.VisibleTo, ",") != "credit,sales" {
		t.Fatalf("unexpected visibility after share: %s %v", shared.MarkedForTeam, shared.VisibleTo)
	}

	unshared, err := svc.Unshare(ctx, ops, "qry_1", "credit")
	if err != nil {
		t.Fatalf("unshare: %v", err)
	}
	if unshared.MarkedForTeam != "sales" || strings.Join(unshared.VisibleTo, ",") != "sales" {
		t.Fatalf("unexpected visibility after unshare: %s %v", unshared.MarkedForTeam, unshared.VisibleTo)
	}
	// Credit hears about both changes, including the one that hid the record.
	if got := countType(drain(t, listener), broadcast.TypeQueryUpdated); got != 2 {
		t.Fatalf("expected credit to receive 2 updates, got %d", got)
	}

	_, err = svc.Unshare(ctx, ops, "qry_1", "sales")
	status, code, _, _ := mapError(err)
	if status != http.StatusConflict || code != "LAST_TEAM" {
		t.Fatalf("expected 409 LAST_TEAM, got %d %s", status, code)
	}

	_, err = svc.Share(ctx, sessionFor("sales", "Pune"), "qry_1", "credit")
	if status, _, _, _ := mapError(err); status != http.StatusForbidden {
		t.Fatalf("sales should not share, got %d", status)
	}
}

func TestBroadcastSkipsExcludedConnection(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_1", "both", "Pune", "sq_1")
	svc := newTestService(t, fs)

	sender := svc.Registry().Register(broadcast.Filter{QueryID: "qry_1"})
	other := svc.Registry().Register(broadcast.Filter{QueryID: "qry_1"})
	defer svc.Registry().Unregister(sender.ID)
	defer svc.Registry().Unregister(other.ID)

	_, err := svc.PostMessage(context.Background(), sessionFor("credit", "Pune"), "qry_1", MessageInput{
		Message:      "Uploaded the slip",
		ConnectionID: sender.ID,
	})
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	if got := len(drain(t, sender)); got != 0 {
		t.Fatalf("sender should not receive its own message, got %d frames", got)
	}
	if got := countType(drain(t, other), broadcast.TypeMessageAdded); got != 1 {
		t.Fatalf("expected one message_added for the other connection, got %d", got)
	}
}

func TestMessagesAreDedupedAndScoped(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_1", "sales", "Pune", "sq_1")
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fs.messages = []store.ChatMessage{
		{ID: "msg_1", QueryID: "qry_1", Message: "hello", Sender: "a", Timestamp: at},
		{ID: "msg_2", QueryID: "qry_1", Message: "hello", Sender: "a", Timestamp: at.Add(200 * time.Millisecond)},
		{ID: "msg_3", QueryID: "qry_1", Message: "later", Sender: "a", Timestamp: at.Add(time.Minute)},
	}
	svc := newTestService(t, fs)

	messages, err := svc.Messages(context.Background(), sessionFor("sales", "Pune"), "qry_1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected same-second repeat collapsed, got %d", len(messages))
	}

	_, err = svc.Messages(context.Background(), sessionFor("credit", "Pune"), "qry_1")
	if !errors.Is(err, errors.NotFound) {
		t.Fatalf("credit should not see a sales thread, got %v", err)
	}
}

func TestSideEffectFailuresDoNotFailAction(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_1", "both", "Pune", "sq_1")
	fs.insertMessageFn = func(context.Context, store.ChatMessage) error {
		return errors.New("chat unavailable")
	}
	svc := newTestService(t, fs)

	result, err := svc.ApplyAction(context.Background(), sessionFor("credit", "Pune"), ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "respond"})
	if err != nil {
		t.Fatalf("chat failure should not fail the action: %v", err)
	}
	if result.SubQuery.Status != string(workflow.StatusResolved) {
		t.Fatalf("expected resolved, got %s", result.SubQuery.Status)
	}
}

type fakeJournal struct {
	entries []journal.Entry
	sinceFn func(context.Context, time.Time, int) ([]journal.Entry, error)
}

func (j *fakeJournal) Append(_ context.Context, queryID, eventType, actor string, _ any) (int64, error) {
	j.entries = append(j.entries, journal.Entry{Seq: int64(len(j.entries) + 1), QueryID: queryID, EventType: eventType, Actor: actor, CreatedAt: time.Now().UTC()})
	return int64(len(j.entries)), nil
}

func (j *fakeJournal) Since(ctx context.Context, since time.Time, limit int) ([]journal.Entry, error) {
	if j.sinceFn != nil {
		return j.sinceFn(ctx, since, limit)
	}
	out := []journal.Entry{}
	for _, entry := range j.entries {
		if entry.CreatedAt.After(since) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (j *fakeJournal) Ping(context.Context) error { return nil }

func TestUpdatesUseJournalAndFallBackToStore(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_1", "both", "Pune", "sq_1")
	seedQuery(fs, "qry_2", "both", "Pune", "sq_1")
	jr := &fakeJournal{}
	svc, err := New(testConfig(), Dependencies{Store: fs, Sessions: session.NewMemoryStore(), Journal: jr})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx := context.Background()
	ops := sessionFor("operations", "Multiple")
	since := time.Now().Add(-time.Minute)

	if _, err := svc.ApplyAction(ctx, ops, ActionInput{QueryID: "qry_2", SubQueryID: "sq_1", Action: "respond"}); err != nil {
		t.Fatalf("respond: %v", err)
	}

	updates, err := svc.Updates(ctx, ops, since)
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	if updates.Source != "journal" || len(updates.Queries) != 1 || updates.Queries[0].ID != "qry_2" {
		t.Fatalf("expected qry_2 from the journal, got %s %+v", updates.Source, updates.Queries)
	}

	jr.sinceFn = func(context.Context, time.Time, int) ([]journal.Entry, error) {
		return nil, errors.New("journal down")
	}
	updates, err = svc.Updates(ctx, ops, since)
	if err != nil {
		t.Fatalf("updates fallback: %v", err)
	}
	if updates.Source != "store" || len(updates.Queries) != 1 || updates.Queries[0].ID != "qry_2" {
		t.Fatalf("expected qry_2 from the store, got %s %+v", updates.Source, updates.Queries)
	}
}

func TestRemarkOwnership(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_1", "both", "Pune", "sq_1")
	svc := newTestService(t, fs)
	ctx := context.Background()
	author := sessionFor("sales", "Pune")

	added, err := svc.AddRemark(ctx, author, "qry_1", RemarkInput{Text: "Customer called"})
	if err != nil {
		t.Fatalf("add remark: %v", err)
	}
	if added.Remark.AuthorTeam != "sales" || len(added.Remarks) != 1 {
		t.Fatalf("unexpected remark result: %+v", added)
	}

	_, err = svc.EditRemark(ctx, sessionFor("credit", "Pune"), "qry_1", added.Remark.ID, "changed")
	if status, _, _, _ := mapError(err); status != http.StatusForbidden {
		t.Fatalf("only the author may edit, got %d", status)
	}

	edited, err := svc.EditRemark(ctx, author, "qry_1", added.Remark.ID, "Customer called twice")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !edited.Remark.IsEdited || edited.Remark.Text != "Customer called twice" {
		t.Fatalf("unexpected edit: %+v", edited.Remark)
	}

	remarks, err := svc.DeleteRemark(ctx, sessionFor("admin"), "qry_1", added.Remark.ID)
	if err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	if len(remarks) != 0 {
		t.Fatalf("expected no remarks left, got %d", len(remarks))
	}
}

func TestDeleteSanctionedRequiresResolvedQueries(t *testing.T) {
	fs := newFakeStore()
	record := seedQuery(fs, "qry_1", "both", "Pune", "sq_1")
	fs.applications[record.AppNo] = store.Application{AppNo: record.AppNo, Branch: "Pune", SanctionedAmount: 500000}
	svc := newTestService(t, fs)
	ctx := context.Background()
	ops := sessionFor("operations", "Multiple")

	err := svc.DeleteSanctioned(ctx, ops, record.AppNo)
	if _, code, _, _ := mapError(err); code != "UNRESOLVED_QUERIES" {
		t.Fatalf("expected UNRESOLVED_QUERIES, got %v", err)
	}

	if _, err := svc.ApplyAction(ctx, ops, ActionInput{QueryID: "qry_1", SubQueryID: "sq_1", Action: "respond"}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if err := svc.DeleteSanctioned(ctx, ops, record.AppNo); err != nil {
		t.Fatalf("delete after resolution: %v", err)
	}
}

func TestClearRequiresAdminAndConfirm(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_1", "both", "Pune", "sq_1")
	svc := newTestService(t, fs)
	ctx := context.Background()

	if _, err := svc.Clear(ctx, sessionFor("operations", "Multiple"), "queries", true); err == nil {
		t.Fatalf("operations should not clear data")
	}
	_, err := svc.Clear(ctx, sessionFor("admin"), "queries", false)
	if _, code, _, _ := mapError(err); code != "CONFIRM_REQUIRED" {
		t.Fatalf("expected CONFIRM_REQUIRED, got %v", err)
	}
	removed, err := svc.Clear(ctx, sessionFor("admin"), "queries", true)
	if err != nil || removed != 1 {
		t.Fatalf("expected one record cleared, got %d %v", removed, err)
	}
}

func TestStatsCountsScope(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_1", "sales", "Pune", "sq_1")
	resolved := seedQuery(fs, "qry_2", "sales", "Pune", "sq_1")
	resolved.Status = string(workflow.StatusResolved)
	fs.queries["qry_2"] = resolved
	seedQuery(fs, "qry_3", "credit", "Pune", "sq_1")
	svc := newTestService(t, fs)

	stats, err := svc.Stats(context.Background(), sessionFor("sales", "Pune"))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Resolved != 1 || stats.Waiting != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func journalPage(entries []journal.Entry, since time.Time, limit int) []journal.Entry {
	out := []journal.Entry{}
	for _, entry := range entries {
		if entry.CreatedAt.After(since) {
			out = append(out, entry)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

func TestUpdatesReadPastFullJournalPages(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_early", "both", "Pune", "sq_1")
	seedQuery(fs, "qry_late", "both", "Pune", "sq_1")

	base := time.Date(2020, 6, 1, 9, 0, 0, 0, time.UTC)
	var entries []journal.Entry
	for i := 0; i < 1200; i++ {
		entries = append(entries, journal.Entry{Seq: int64(i + 1), QueryID: "qry_early", CreatedAt: base.Add(time.Duration(i) * time.Millisecond)})
	}
	entries = append(entries, journal.Entry{Seq: 1201, QueryID: "qry_late", CreatedAt: base.Add(2 * time.Second)})

	calls := 0
	jr := &fakeJournal{sinceFn: func(_ context.Context, since time.Time, limit int) ([]journal.Entry, error) {
		calls++
		return journalPage(entries, since, limit), nil
	}}
	svc, err := New(testConfig(), Dependencies{Store: fs, Sessions: session.NewMemoryStore(), Journal: jr})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	updates, err := svc.Updates(context.Background(), sessionFor("operations", "Multiple"), base.Add(-time.Second))
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	if updates.Truncated {
		t.Fatal("journal was read to the end, result should not be truncated")
	}
	ids := map[string]bool{}
	for _, record := range updates.Queries {
		ids[record.ID] = true
	}
	if !ids["qry_early"] || !ids["qry_late"] {
		t.Fatalf("expected both records, got %v", ids)
	}
	if calls != 3 {
		t.Fatalf("expected 3 journal pages, got %d", calls)
	}
}

func TestUpdatesReturnCursorWhenPageBudgetRunsOut(t *testing.T) {
	fs := newFakeStore()
	seedQuery(fs, "qry_busy", "both", "Pune", "sq_1")

	stamp := time.Date(2020, 6, 1, 9, 0, 0, 0, time.UTC)
	jr := &fakeJournal{sinceFn: func(_ context.Context, _ time.Time, limit int) ([]journal.Entry, error) {
		page := make([]journal.Entry, limit)
		for i := range page {
			page[i] = journal.Entry{Seq: int64(i + 1), QueryID: "qry_busy", CreatedAt: stamp}
		}
		return page, nil
	}}
	svc, err := New(testConfig(), Dependencies{Store: fs, Sessions: session.NewMemoryStore(), Journal: jr})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	updates, err := svc.Updates(context.Background(), sessionFor("operations", "Multiple"), stamp.Add(-time.Hour))
	if err != nil {
		t.Fatalf("updates: %v", err)
	}
	if !updates.Truncated {
		t.Fatal("expected a truncated result")
	}
	if !updates.ServerTime.Before(stamp) {
		t.Fatalf("serverTime %s must not pass the last entry read (%s)", updates.ServerTime, stamp)
	}
	if len(updates.Queries) != 1 || updates.Queries[0].ID != "qry_busy" {
		t.Fatalf("unexpected queries %+v", updates.Queries)
	}
}

func TestResolvedFilterCoversEveryTerminalStatus(t *testing.T) {
	statuses, err := statusFilter("resolved", false)
	if err != nil {
		t.Fatalf("statusFilter: %v", err)
	}
	for _, want := range []workflow.Status{workflow.StatusResolved, workflow.StatusApproved, workflow.StatusDeferred, workflow.StatusOTC, workflow.StatusWaived} {
		if !contains(statuses, string(want)) {
			t.Errorf("resolved filter %v is missing %q", statuses, want)
		}
	}
	if contains(statuses, string(workflow.StatusWaitingForApproval)) {
		t.Fatal("waiting for approval must need includePending")
	}
	withPending, _ := statusFilter("resolved", true)
	if !contains(withPending, string(workflow.StatusWaitingForApproval)) {
		t.Fatal("includePending should add waiting for approval")
	}
}

func TestSearchTotalCountsOnlyScopedHits(t *testing.T) {
	fs := newFakeStore()
	for i, branch := range []string{"Pune", "Pune", "Pune", "Nashik", "Nashik"} {
		seedQuery(fs, fmt.Sprintf("qry_%d", i), "both", branch, "sq_1")
	}
	svc := newTestService(t, fs)
	sales := sessionFor("sales", "pune")

	first, err := svc.Search(context.Background(), sales, "APP-", 2, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if first.Total != 3 || len(first.Results) != 2 {
		t.Fatalf("first page total %d with %d results, want 3 and 2", first.Total, len(first.Results))
	}
	second, err := svc.Search(context.Background(), sales, "APP-", 2, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if second.Total != 3 || len(second.Results) != 1 {
		t.Fatalf("second page total %d with %d results, want 3 and 1", second.Total, len(second.Results))
	}
	for _, page := range [][]search.Result{first.Results, second.Results} {
		for _, result := range page {
			if result.Branch != "Pune" {
				t.Fatalf("hit from branch %q leaked into a pune-only search", result.Branch)
			}
		}
	}
}
