package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"loanops/api/internal/broadcast"
	"loanops/api/internal/email"
	"loanops/api/internal/rbac"
	"loanops/api/internal/store"
	"loanops/api/internal/util"
	"loanops/api/internal/workflow"
)

type ActionInput struct {
	QueryID    string `json:"queryId" validate:"required"`
	SubQueryID string `json:"subQueryId" validate:"required"`
	Action     string `json:"action" validate:"required"`
	Remarks    string `json:"remarks" validate:"max=4000"`
	// Team is the acting team. Sales and credit users always act as their own team.
	Team string `json:"team"`
	// Branch is the target of assign-branch.
	Branch       string `json:"branch"`
	ConnectionID string `json:"connectionId"`
}

type ActionResult struct {
	Query    store.QueryRecord `json:"query"`
	SubQuery store.SubQuery    `json:"subQuery"`
	Remark   store.Remark      `json:"remark"`
	Message  store.ChatMessage `json:"message"`
	Mode     string            `json:"mode"`
}

// actingTeam resolves the team an action is taken for. Only operations and
// admin may act on behalf of another team.
func actingTeam(session Session, requested string) string {
	role := strings.ToLower(session.Role)
	if !workflow.SeesAllTeams(role) {
		return role
	}
	switch team := strings.ToLower(strings.TrimSpace(requested)); team {
	case workflow.TeamSales, workflow.TeamCredit, string(rbac.RoleOperations):
		return team
	}
	return role
}

// ApplyAction runs one action against one sub-query. The sub-query, the
// derived record status and a system remark are written in a single update;
// everything after that is best effort.
func (s *Service) ApplyAction(ctx context.Context, session Session, input ActionInput) (ActionResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.ApplyAction", trace.WithAttributes(
		attribute.String("loanops.query_id", input.QueryID),
		attribute.String("loanops.action", input.Action),
	))
	defer span.End()

	result, err := s.applyAction(ctx, session, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ActionResult{}, err
	}
	span.SetAttributes(attribute.String("loanops.mode", result.Mode), attribute.String("loanops.status", result.SubQuery.Status))
	return result, nil
}

func (s *Service) applyAction(ctx context.Context, session Session, input ActionInput) (ActionResult, error) {
	if err := s.check(input); err != nil {
		return ActionResult{}, err
	}
	action, err := workflow.ParseAction(input.Action)
	if err != nil {
		return ActionResult{}, err
	}
	required := rbac.ActionAct
	if action == workflow.ActionConfirm || action == workflow.ActionReject {
		required = rbac.ActionApprove
	}
	if err := s.authorize(session, required); err != nil {
		return ActionResult{}, err
	}
	if action == workflow.ActionAssignBranch && strings.TrimSpace(input.Branch) == "" {
		return ActionResult{}, badRequest("branch is required for assign-branch")
	}

	record, err := s.visibleQuery(ctx, session, input.QueryID)
	if err != nil {
		return ActionResult{}, err
	}
	current, ok := record.SubQuery(strings.TrimSpace(input.SubQueryID))
	if !ok {
		return ActionResult{}, errors.NotFoundf("sub-query %q of query %q", input.SubQueryID, record.ID)
	}

	team := actingTeam(session, input.Team)
	out, err := s.policy.Decide(action, team, workflow.Status(current.Status), workflow.Action(current.ProposedAction))
	if err != nil {
		return ActionResult{}, err
	}

	now := s.now().UTC()
	updated := applyOutcome(*current, out, session.UserName, input, now)

	statuses := make([]workflow.Status, 0, len(record.Queries))
	for _, sub := range record.Queries {
		if sub.ID == updated.ID {
			statuses = append(statuses, workflow.Status(updated.Status))
			continue
		}
		statuses = append(statuses, workflow.Status(sub.Status))
	}

	text := workflow.Describe(out, session.UserName, team)
	if remarks := strings.TrimSpace(input.Remarks); remarks != "" {
		text += ": " + remarks
	}
	remark := store.Remark{
		ID:         util.NewID(util.PrefixRemark),
		Text:       text,
		Author:     session.UserName,
		AuthorRole: session.Role,
		AuthorTeam: team,
		Timestamp:  now,
		System:     true,
	}
	change := store.RecordChange{
		Status:    string(workflow.DeriveStatus(statuses)),
		Remark:    &remark,
		UpdatedAt: now,
	}
	if out.AssignBranch {
		change.AssignedToBranch = updated.AssignedBranch
	}

	saved, err := s.store.UpdateSubQuery(ctx, record.ID, updated, change)
	if err != nil {
		return ActionResult{}, err
	}
	s.metrics.applied(string(action), out.Mode.String())

	message := store.ChatMessage{
		ID:         util.NewID(util.PrefixMessage),
		QueryID:    saved.ID,
		Message:    text,
		Sender:     session.UserName,
		SenderRole: session.Role,
		Team:       team,
		Timestamp:  now,
		ActionType: string(action),
	}
	s.afterAction(ctx, session, saved, updated, message, out, input)

	return ActionResult{
		Query:    saved,
		SubQuery: updated,
		Remark:   remark,
		Message:  message,
		Mode:     out.Mode.String(),
	}, nil
}

// applyOutcome returns sub with the fields out calls for written.
func applyOutcome(sub store.SubQuery, out workflow.Outcome, actor string, input ActionInput, now time.Time) store.SubQuery {
	sub.Status = string(out.Status)
	if out.ProposedAction != "" {
		sub.ProposedAction = string(out.ProposedAction)
		sub.ProposedBy = actor
		sub.ProposedAt = &now
	}
	if out.ClearProposal {
		sub.ProposedAction = ""
		sub.ProposedBy = ""
		sub.ProposedAt = nil
	}
	if out.Resolve {
		sub.IsResolved = true
		sub.ResolvedBy = actor
		sub.ResolvedAt = &now
		sub.ResolutionReason = strings.TrimSpace(input.Remarks)
	}
	if out.Approve {
		sub.ApprovedBy = actor
		sub.ApprovedAt = &now
	}
	if out.ClearResolution {
		sub.IsResolved = false
		sub.ResolvedBy = ""
		sub.ResolvedAt = nil
		sub.ResolutionReason = ""
		sub.ApprovedBy = ""
		sub.ApprovedAt = nil
	}
	if out.AssignBranch {
		sub.AssignedBranch = strings.TrimSpace(input.Branch)
	}
	if out.Escalate {
		sub.Escalated = true
		sub.EscalatedBy = actor
		sub.EscalatedAt = &now
	}
	return sub
}

func (s *Service) afterAction(ctx context.Context, session Session, record store.QueryRecord, sub store.SubQuery, message store.ChatMessage, out workflow.Outcome, input ActionInput) {
	if err := s.insertMessage(ctx, message); err != nil {
		logger.Warningf("mirror action %s on %s to chat: %v", out.Action, record.ID, err)
		s.metrics.failed("chat")
	}
	s.record(ctx, record.ID, "query_updated", session.UserName, map[string]any{
		"subQueryId": sub.ID,
		"action":     out.Action,
		"mode":       out.Mode.String(),
		"status":     sub.Status,
	})
	s.search.IndexQuery(record)
	if out.Escalate {
		s.notifyEscalation(record, sub, session, input.Remarks, message.Team)
	}

	transition := fmt.Sprintf("%s:%s:%s:%d", record.ID, sub.ID, out.Action, message.Timestamp.UnixNano())
	s.publish(ctx, broadcast.TypeQueryUpdated, record, map[string]any{
		"query":      record,
		"subQueryId": sub.ID,
		"action":     out.Action,
		"status":     sub.Status,
		"mode":       out.Mode.String(),
	}, "updated:"+transition, input.ConnectionID)
	s.publish(ctx, broadcast.TypeMessageAdded, record, map[string]any{"message": message}, "message:"+message.ID, input.ConnectionID)
}

func (s *Service) insertMessage(ctx context.Context, message store.ChatMessage) error {
	ctx, cancel := s.downstream(ctx)
	defer cancel()
	return s.store.InsertMessage(ctx, message)
}

// record appends to the update journal when one is configured.
func (s *Service) record(ctx context.Context, queryID, eventType, actor string, payload any) {
	if s.journal == nil {
		return
	}
	ctx, cancel := s.downstream(ctx)
	defer cancel()
	if _, err := s.journal.Append(ctx, queryID, eventType, actor, payload); err != nil {
		logger.Warningf("journal %s for %s: %v", eventType, queryID, err)
		s.metrics.failed("journal")
	}
}

// publish broadcasts to every team that can see record.
func (s *Service) publish(ctx context.Context, kind string, record store.QueryRecord, data any, dedupKey, exclude string) {
	s.publishTo(ctx, kind, record.ID, record.VisibleTo, data, dedupKey, exclude)
}

func (s *Service) publishTo(ctx context.Context, kind, queryID string, audience []string, data any, dedupKey, exclude string) {
	env, err := broadcast.NewEnvelope(kind, queryID, audience, data)
	if err != nil {
		logger.Errorf("build %s envelope for %s: %v", kind, queryID, err)
		return
	}
	env.DedupKey = dedupKey
	delivered, err := s.hub.Broadcast(context.WithoutCancel(ctx), env, strings.TrimSpace(exclude))
	if err != nil {
		logger.Warningf("broadcast %s for %s: %v", kind, queryID, err)
		s.metrics.failed("broadcast")
	}
	logger.Debugf("broadcast %s for %s to %d connections", kind, queryID, delivered)
}

func (s *Service) notifyEscalation(record store.QueryRecord, sub store.SubQuery, session Session, remarks, team string) {
	if !s.mailer.IsConfigured() {
		return
	}
	data := email.EscalationData{
		QueryID:      record.ID,
		AppNo:        record.AppNo,
		CustomerName: record.CustomerName,
		Branch:       firstNonBlank(record.Branch, record.BranchCode),
		SubQuery:     sub.Text,
		EscalatedBy:  session.UserName,
		Team:         team,
		Remarks:      remarks,
		EscalatedAt:  s.now().UTC(),
	}
	go func() {
		if err := s.mailer.SendEscalation(data); err != nil {
			logger.Warningf("escalation mail for %s: %v", record.ID, err)
			s.metrics.failed("email")
		}
	}()
}
