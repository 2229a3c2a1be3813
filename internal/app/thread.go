package app

import (
	"context"

	"herfa/api/internal/chat"
	"herfa/api/internal/rbac"
)

// ChatThread returns the counterparty, the full history and its date groups
// for one job thread.
func (s *Service) ChatThread(ctx context.Context, current Session, jobID string) (map[string]any, error) {
	if !s.Can(current.Role, rbac.ActionChat) {
		return nil, errForbidden
	}
	if err := s.access.Authorize(ctx, jobID, current.UserID); err != nil {
		return nil, err
	}
	counterparty, err := s.access.ResolveCounterparty(ctx, jobID, current.UserID)
	if err != nil {
		return nil, err
	}
	messages, err := s.messages.LoadHistory(ctx, current.UserID, jobID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"job_id":       jobID,
		"counterparty": counterparty,
		"messages":     messages,
		"groups":       chat.GroupByDate(messages, s.cfg.Location(), s.cfg.ChatDateLayout),
	}, nil
}

// SendMessage posts text from the principal to the other party of the thread.
func (s *Service) SendMessage(ctx context.Context, current Session, jobID, text string) (chat.Message, error) {
	if !s.Can(current.Role, rbac.ActionChat) {
		return chat.Message{}, errForbidden
	}
	if err := s.access.Authorize(ctx, jobID, current.UserID); err != nil {
		return chat.Message{}, err
	}
	counterparty, err := s.access.ResolveCounterparty(ctx, jobID, current.UserID)
	if err != nil {
		return chat.Message{}, err
	}
	return s.messages.Send(ctx, current.UserID, jobID, counterparty.ID, text)
}

// OpenChat starts a live session on a job thread for principalID, which may
// be empty when the caller is not signed in. The session is returned even
// when the outcome is not ready; closing it is always safe.
func (s *Service) OpenChat(ctx context.Context, principalID, jobID string, observer func(chat.Event)) (*chat.Session, chat.Outcome) {
	session := chat.NewSession(chat.SessionConfig{
		JobID:      jobID,
		Identity:   chat.StaticIdentity(principalID),
		Access:     s.access,
		Messages:   s.messages,
		Feed:       s.feed,
		Location:   s.cfg.Location(),
		DateLayout: s.cfg.ChatDateLayout,
		Observer:   observer,
		Logger:     s.logger,
	})
	return session, session.Open(ctx)
}
