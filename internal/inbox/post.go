package inbox

import (
	"context"
	"strings"

	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

type DispatchStatus string

const (
	DispatchNone   DispatchStatus = "none"
	DispatchQueued DispatchStatus = "queued"
	DispatchSent   DispatchStatus = "sent"
	DispatchFailed DispatchStatus = "failed"
)

type PostParams struct {
	SenderID       uint64
	ConversationID uint64
	Content        string
	Type           chat.MessageType
	FileURL        string
	FileName       string
	FileSize       int64
	FileMime       string
	// WaitDispatch sends to the external channel before returning so the caller
	// can report the outcome. Otherwise the send runs in the background.
	WaitDispatch bool
}

type PostResult struct {
	Conversation *chat.Conversation
	Message      *chat.Message
	Dispatch     DispatchStatus
}

// Post sends a message from a signed-in user into a conversation. Staff who are
// not yet participants join on their first message; customers may only write into
// their own conversation.
func (s *Service) Post(ctx context.Context, p PostParams) (*PostResult, error) {
	content := strings.TrimSpace(p.Content)
	if p.Type == "" {
		p.Type = chat.MessageText
	}
	if !p.Type.Valid() {
		return nil, apperr.Validation("invalid message type %q", p.Type)
	}
	if content == "" && p.FileURL == "" {
		return nil, apperr.Validation("content is required")
	}
	if len([]rune(content)) > maxContentLen {
		return nil, apperr.Validation("content exceeds %d characters", maxContentLen)
	}

	sender, err := s.repo.GetUser(ctx, p.SenderID)
	if err != nil {
		return nil, err
	}
	conv, err := s.repo.GetConversation(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsActive {
		return nil, apperr.Validation("conversation %d is closed", conv.ID)
	}
	if err := s.ensureMember(ctx, conv, sender); err != nil {
		return nil, err
	}

	return s.post(ctx, sender, conv, chat.AppendParams{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Content:        content,
		Type:           p.Type,
		FileURL:        p.FileURL,
		FileName:       p.FileName,
		FileSize:       p.FileSize,
		FileMime:       p.FileMime,
	}, p.WaitDispatch)
}

// PostMessage is the socket entry point. Outbound delivery runs in the background.
func (s *Service) PostMessage(ctx context.Context, senderID, conversationID uint64, content string, typ chat.MessageType) (*chat.Message, error) {
	res, err := s.Post(ctx, PostParams{
		SenderID:       senderID,
		ConversationID: conversationID,
		Content:        content,
		Type:           typ,
	})
	if err != nil {
		return nil, err
	}
	return res.Message, nil
}

func (s *Service) ensureMember(ctx context.Context, conv *chat.Conversation, u *models.User) error {
	ok, err := s.repo.IsActiveParticipant(ctx, conv.ID, u.ID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if u.IsStaff() || conv.ContactID == u.ID {
		if err := s.repo.AddParticipant(ctx, conv.ID, u); err != nil {
			return err
		}
		s.fanout.JoinUser(u.ID, conv.ID)
		return nil
	}
	return apperr.Authentication("not a participant of this conversation")
}

// post persists, applies lifecycle effects, broadcasts, and then forwards staff
// replies to the contact's external channel.
func (s *Service) post(ctx context.Context, sender *models.User, conv *chat.Conversation, params chat.AppendParams, wait bool) (*PostResult, error) {
	msg, err := s.repo.AppendMessage(ctx, params)
	if err != nil {
		return nil, err
	}
	conv, err = s.afterAppend(ctx, conv.ID, sender)
	if err != nil {
		return nil, err
	}
	s.fanout.MessageCreated(ctx, conv, msg, sender)

	res := &PostResult{Conversation: conv, Message: msg, Dispatch: DispatchNone}
	if !sender.IsStaff() || s.dispatcher == nil || !s.dispatcher.Supports(conv.Channel) {
		return res, nil
	}
	contact, err := s.repo.GetUser(ctx, conv.ContactID)
	if err != nil {
		// the message is already stored and broadcast
		s.log.Warn().Err(err).Uint64("conversation_id", conv.ID).Msg("load contact for dispatch")
		res.Dispatch = DispatchFailed
		return res, nil
	}
	text := outboundText(msg)

	if wait {
		res.Dispatch = s.send(ctx, conv, contact, text)
		return res, nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.send(context.WithoutCancel(ctx), conv, contact, text)
	}()
	res.Dispatch = DispatchQueued
	return res, nil
}

func (s *Service) send(ctx context.Context, conv *chat.Conversation, contact *models.User, text string) DispatchStatus {
	if contact.ExternalID == "" {
		s.log.Warn().Uint64("conversation_id", conv.ID).Msg("contact has no external id, reply not forwarded")
		return DispatchFailed
	}
	if s.dispatcher.Send(ctx, conv.Channel, contact.ExternalID, text) {
		return DispatchSent
	}
	return DispatchFailed
}

func outboundText(m *chat.Message) string {
	if m.FileURL == "" {
		return m.Content
	}
	if m.Content == "" {
		return m.FileURL
	}
	return m.Content + "\n" + m.FileURL
}
