package inbox

import (
	"context"
	"time"

	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/chat"
)

// Join adds a staff member to a conversation and subscribes their live sockets.
func (s *Service) Join(ctx context.Context, userID, conversationID uint64) (*chat.Conversation, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !u.IsStaff() {
		return nil, apperr.Authentication("only agents can join conversations")
	}
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsActive {
		return nil, apperr.Validation("conversation %d is closed", conv.ID)
	}
	if err := s.repo.AddParticipant(ctx, conv.ID, u); err != nil {
		return nil, err
	}
	s.fanout.JoinUser(u.ID, conv.ID)
	return conv, nil
}

// Leave removes the user from the conversation. The conversation is deactivated
// once its last participant has left.
func (s *Service) Leave(ctx context.Context, userID, conversationID uint64) (bool, error) {
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return false, err
	}
	deactivated, err := s.repo.LeaveConversation(ctx, conversationID, userID)
	if err != nil {
		return false, err
	}
	s.fanout.LeaveUser(userID, conversationID)
	if deactivated {
		s.log.Info().Uint64("conversation_id", conversationID).Msg("conversation deactivated")
	}
	return deactivated, nil
}

// MarkAllRead records receipts for every message the user has not read yet and
// broadcasts them.
func (s *Service) MarkAllRead(ctx context.Context, userID, conversationID uint64) ([]uint64, error) {
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	ids, err := s.repo.MarkConversationRead(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		s.fanout.BroadcastReads(conversationID, userID, ids, time.Now().UTC())
	}
	return ids, nil
}
