package inbox

import (
	"context"
	"strings"

	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/identity"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

const widgetHistory = 50

type WidgetSession struct {
	Visitor      *models.User
	Conversation *chat.Conversation
	Messages     []chat.Message
	Created      bool
}

// StartWidgetConversation resolves the visitor and returns their active
// conversation. A new conversation opens with a welcome message from the default
// agent.
func (s *Service) StartWidgetConversation(ctx context.Context, visitorID, name string) (*WidgetSession, error) {
	visitorID = strings.TrimSpace(visitorID)
	if visitorID == "" {
		return nil, apperr.Validation("visitorId is required")
	}
	visitor, err := s.resolver.Resolve(ctx, identity.ChannelWidget, visitorID, identity.Hints{DisplayName: name})
	if err != nil {
		return nil, err
	}
	agent, err := s.resolver.DefaultAgent(ctx)
	if err != nil {
		return nil, err
	}

	conv, created, err := s.repo.GetOrCreateConversation(ctx, visitor, chat.CreateOptions{
		Channel:   identity.ChannelWidget,
		Name:      visitor.Username,
		VisitorID: &visitorID,
		Agent:     agent,
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.fanout.JoinUser(visitor.ID, conv.ID)
		s.fanout.JoinUser(agent.ID, conv.ID)
		if s.welcome != "" {
			msg, err := s.repo.AppendMessage(ctx, chat.AppendParams{
				ConversationID: conv.ID,
				SenderID:       agent.ID,
				Content:        s.welcome,
				Type:           chat.MessageText,
				Metadata:       map[string]any{"welcome": true},
			})
			if err != nil {
				return nil, err
			}
			if conv, err = s.repo.GetConversation(ctx, conv.ID); err != nil {
				return nil, err
			}
			s.fanout.MessageCreated(ctx, conv, msg, agent)
		}
		s.log.Info().Str("visitor_id", visitorID).Uint64("conversation_id", conv.ID).Msg("widget conversation opened")
	}

	msgs, err := s.repo.ListMessages(ctx, conv.ID, widgetHistory, 0)
	if err != nil {
		return nil, err
	}
	return &WidgetSession{
		Visitor:      visitor,
		Conversation: conv,
		Messages:     chronological(msgs),
		Created:      created,
	}, nil
}

// VisitorMessages pages a widget conversation. A visitor only sees its own.
func (s *Service) VisitorMessages(ctx context.Context, visitorID string, conversationID uint64, limit int, beforeID uint64) ([]chat.Message, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.VisitorID == nil || *conv.VisitorID != visitorID {
		return nil, apperr.NotFound("conversation")
	}
	msgs, err := s.repo.ListMessages(ctx, conversationID, limit, beforeID)
	if err != nil {
		return nil, err
	}
	return chronological(msgs), nil
}

// chronological reverses a newest-first page.
func chronological(msgs []chat.Message) []chat.Message {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs
}
