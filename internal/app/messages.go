package app

import (
	"context"
	"strings"

	"github.com/juju/errors"

	"loanops/api/internal/broadcast"
	"loanops/api/internal/chat"
	"loanops/api/internal/rbac"
	"loanops/api/internal/store"
	"loanops/api/internal/util"
	"loanops/api/internal/workflow"
)

type RemarkInput struct {
	Text string `json:"text" validate:"required,max=4000"`
	// Team the author writes for; defaults to the session role.
	Team         string `json:"authorTeam"`
	ConnectionID string `json:"connectionId"`
}

type RemarkResult struct {
	Remark  store.Remark   `json:"remark"`
	Remarks []store.Remark `json:"remarks"`
}

type MessageInput struct {
	Message      string `json:"message" validate:"required,max=4000"`
	Team         string `json:"team"`
	ConnectionID string `json:"connectionId"`
}

func (s *Service) ListRemarks(ctx context.Context, session Session, queryID string) ([]store.Remark, error) {
	record, err := s.GetQuery(ctx, session, queryID)
	if err != nil {
		return nil, err
	}
	if record.Remarks == nil {
		return []store.Remark{}, nil
	}
	return record.Remarks, nil
}

func (s *Service) AddRemark(ctx context.Context, session Session, queryID string, input RemarkInput) (RemarkResult, error) {
	if err := s.authorize(session, rbac.ActionComment); err != nil {
		return RemarkResult{}, err
	}
	if err := s.check(input); err != nil {
		return RemarkResult{}, err
	}
	record, err := s.visibleQuery(ctx, session, queryID)
	if err != nil {
		return RemarkResult{}, err
	}
	remark := store.Remark{
		ID:         util.NewID(util.PrefixRemark),
		Text:       strings.TrimSpace(input.Text),
		Author:     session.UserName,
		AuthorRole: session.Role,
		AuthorTeam: actingTeam(session, input.Team),
		Timestamp:  s.now().UTC(),
	}
	updated, err := s.store.PushRemark(ctx, record.ID, remark)
	if err != nil {
		return RemarkResult{}, err
	}
	s.record(ctx, updated.ID, "remark_added", session.UserName, map[string]any{"remarkId": remark.ID})
	s.publish(ctx, broadcast.TypeRemarkAdded, updated, map[string]any{"remark": remark}, "remark:"+remark.ID, input.ConnectionID)
	return RemarkResult{Remark: remark, Remarks: updated.Remarks}, nil
}

func (s *Service) EditRemark(ctx context.Context, session Session, queryID, remarkID, text string) (RemarkResult, error) {
	if err := s.check(RemarkInput{Text: text}); err != nil {
		return RemarkResult{}, err
	}
	record, remark, err := s.ownedRemark(ctx, session, queryID, remarkID)
	if err != nil {
		return RemarkResult{}, err
	}
	updated, err := s.store.EditRemark(ctx, record.ID, remark.ID, strings.TrimSpace(text), s.now().UTC())
	if err != nil {
		return RemarkResult{}, err
	}
	for _, candidate := range updated.Remarks {
		if candidate.ID == remark.ID {
			remark = candidate
		}
	}
	s.record(ctx, updated.ID, "remark_edited", session.UserName, map[string]any{"remarkId": remark.ID})
	s.publish(ctx, broadcast.TypeQueryUpdated, updated, map[string]any{"query": updated, "event": "remark_edited"}, "", "")
	return RemarkResult{Remark: remark, Remarks: updated.Remarks}, nil
}

func (s *Service) DeleteRemark(ctx context.Context, session Session, queryID, remarkID string) ([]store.Remark, error) {
	record, remark, err := s.ownedRemark(ctx, session, queryID, remarkID)
	if err != nil {
		return nil, err
	}
	updated, err := s.store.DeleteRemark(ctx, record.ID, remark.ID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	s.record(ctx, updated.ID, "remark_deleted", session.UserName, map[string]any{"remarkId": remark.ID})
	s.publish(ctx, broadcast.TypeQueryUpdated, updated, map[string]any{"query": updated, "event": "remark_deleted"}, "", "")
	if updated.Remarks == nil {
		return []store.Remark{}, nil
	}
	return updated.Remarks, nil
}

// ownedRemark loads a remark the session may change: its own, or any for admin.
func (s *Service) ownedRemark(ctx context.Context, session Session, queryID, remarkID string) (store.QueryRecord, store.Remark, error) {
	if err := s.authorize(session, rbac.ActionComment); err != nil {
		return store.QueryRecord{}, store.Remark{}, err
	}
	remarkID = strings.TrimSpace(remarkID)
	if remarkID == "" {
		return store.QueryRecord{}, store.Remark{}, badRequest("remarkId is required")
	}
	record, err := s.visibleQuery(ctx, session, queryID)
	if err != nil {
		return store.QueryRecord{}, store.Remark{}, err
	}
	for _, remark := range record.Remarks {
		if remark.ID != remarkID {
			continue
		}
		if remark.Author != session.UserName && rbac.Normalize(session.Role) != rbac.RoleAdmin {
			return store.QueryRecord{}, store.Remark{}, forbidden("change another user's remark")
		}
		return record, remark, nil
	}
	return store.QueryRecord{}, store.Remark{}, errors.NotFoundf("remark %q of query %q", remarkID, record.ID)
}

// Messages returns the conversation stored under exactly queryID, with
// same-second repeats from one sender collapsed.
func (s *Service) Messages(ctx context.Context, session Session, queryID string) ([]store.ChatMessage, error) {
	queryID = chat.NormalizeQueryID(queryID)
	if _, err := s.GetQuery(ctx, session, queryID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, queryID)
	if err != nil {
		return nil, err
	}
	return chat.Dedup(messages), nil
}

func (s *Service) PostMessage(ctx context.Context, session Session, queryID string, input MessageInput) (store.ChatMessage, error) {
	if err := s.authorize(session, rbac.ActionComment); err != nil {
		return store.ChatMessage{}, err
	}
	if err := s.check(input); err != nil {
		return store.ChatMessage{}, err
	}
	record, err := s.visibleQuery(ctx, session, chat.NormalizeQueryID(queryID))
	if err != nil {
		return store.ChatMessage{}, err
	}
	message := store.ChatMessage{
		ID:         util.NewID(util.PrefixMessage),
		QueryID:    record.ID,
		Message:    strings.TrimSpace(input.Message),
		Sender:     session.UserName,
		SenderRole: session.Role,
		Team:       actingTeam(session, input.Team),
		Timestamp:  s.now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return store.ChatMessage{}, err
	}
	s.record(ctx, record.ID, "message_added", session.UserName, map[string]any{"messageId": message.ID})
	s.publish(ctx, broadcast.TypeMessageAdded, record, map[string]any{"message": message}, "message:"+message.ID, input.ConnectionID)
	return message, nil
}

// streamFilter is the connection filter for a session's team-wide stream.
func streamFilter(session Session) broadcast.Filter {
	return broadcast.Filter{
		Team:     strings.ToLower(session.Role),
		AllTeams: workflow.SeesAllTeams(session.Role),
	}
}
