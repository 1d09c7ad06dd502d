// Package inbox runs the message pipeline: resolve the sender, persist into the
// right conversation, apply lifecycle side effects, fan out, and send replies back
// to the originating channel.
package inbox

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/channels"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/identity"
	"github.com/suPer8Hu/supportdesk/internal/lifecycle"
	"github.com/suPer8Hu/supportdesk/internal/metrics"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

const maxContentLen = 8000

// Fanout is the realtime side of the pipeline.
type Fanout interface {
	MessageCreated(ctx context.Context, conv *chat.Conversation, msg *chat.Message, sender *models.User)
	BroadcastReads(conversationID, userID uint64, messageIDs []uint64, at time.Time)
	JoinUser(userID, conversationID uint64)
	LeaveUser(userID, conversationID uint64)
}

type Dispatcher interface {
	Supports(channel string) bool
	Send(ctx context.Context, channel, recipient, text string) bool
}

// Dedupe drops provider redeliveries. A claim is released when the message could not
// be stored so the provider's retry goes through.
type Dedupe interface {
	ClaimDelivery(ctx context.Context, channel, providerMsgID string) (bool, error)
	ReleaseDelivery(ctx context.Context, channel, providerMsgID string) error
}

type Deps struct {
	Repo       *chat.Repo
	Resolver   *identity.Resolver
	Lifecycle  *lifecycle.Engine
	Fanout     Fanout
	Dispatcher Dispatcher
	Dedupe     Dedupe
	// WelcomeMessage opens every new widget conversation.
	WelcomeMessage string
	Log            zerolog.Logger
}

type Service struct {
	repo       *chat.Repo
	resolver   *identity.Resolver
	lifecycle  *lifecycle.Engine
	fanout     Fanout
	dispatcher Dispatcher
	dedupe     Dedupe
	welcome    string
	log        zerolog.Logger

	wg sync.WaitGroup
}

func NewService(d Deps) *Service {
	return &Service{
		repo:       d.Repo,
		resolver:   d.Resolver,
		lifecycle:  d.Lifecycle,
		fanout:     d.Fanout,
		dispatcher: d.Dispatcher,
		dedupe:     d.Dedupe,
		welcome:    d.WelcomeMessage,
		log:        d.Log.With().Str("component", "inbox").Logger(),
	}
}

// Wait blocks until background outbound sends have finished.
func (s *Service) Wait() { s.wg.Wait() }

// Result describes what happened to one inbound message.
type Result struct {
	Conversation *chat.Conversation `json:"conversation,omitempty"`
	Message      *chat.Message      `json:"message,omitempty"`
	Duplicate    bool               `json:"duplicate,omitempty"`
}

// HandleInbound runs one normalized message through the pipeline.
func (s *Service) HandleInbound(ctx context.Context, in channels.InboundMessage) (*Result, error) {
	claimed, dup := s.claim(ctx, in)
	if dup {
		metrics.DuplicateDeliveriesTotal.WithLabelValues(in.Channel).Inc()
		s.log.Info().Str("channel", in.Channel).Str("provider_message_id", in.ProviderMessageID).Msg("duplicate delivery dropped")
		return &Result{Duplicate: true}, nil
	}
	res, err := s.handle(ctx, in)
	if err != nil && claimed {
		s.release(in)
	}
	return res, err
}

func (s *Service) handle(ctx context.Context, in channels.InboundMessage) (*Result, error) {
	if in.Channel == channels.AIAgent {
		return s.handleAgentReply(ctx, in)
	}

	sender, err := s.resolver.Resolve(ctx, in.Channel, in.ExternalID, identity.Hints{DisplayName: in.SenderDisplayName})
	if err != nil {
		return nil, err
	}
	conv, err := s.conversationFor(ctx, in, sender)
	if err != nil {
		return nil, err
	}

	msg, err := s.repo.AppendMessage(ctx, chat.AppendParams{
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		Content:        truncate(in.Text, maxContentLen),
		Type:           chat.MessageText,
		Metadata:       in.Metadata,
	})
	if err != nil {
		return nil, err
	}
	conv, err = s.afterAppend(ctx, conv.ID, sender)
	if err != nil {
		return nil, err
	}

	s.fanout.MessageCreated(ctx, conv, msg, sender)
	metrics.InboundMessagesTotal.WithLabelValues(in.Channel).Inc()
	s.log.Debug().
		Str("channel", in.Channel).
		Uint64("conversation_id", conv.ID).
		Uint64("message_id", msg.ID).
		Msg("inbound message stored")
	return &Result{Conversation: conv, Message: msg}, nil
}

// claim reports whether this call now holds the delivery claim and whether the
// delivery was already seen.
func (s *Service) claim(ctx context.Context, in channels.InboundMessage) (claimed, dup bool) {
	if s.dedupe == nil || in.ProviderMessageID == "" {
		return false, false
	}
	first, err := s.dedupe.ClaimDelivery(ctx, in.Channel, in.ProviderMessageID)
	if err != nil {
		s.log.Warn().Err(err).Str("channel", in.Channel).Msg("dedupe unavailable, processing delivery")
		return false, false
	}
	return first, !first
}

func (s *Service) release(in channels.InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.dedupe.ReleaseDelivery(ctx, in.Channel, in.ProviderMessageID); err != nil {
		s.log.Warn().Err(err).
			Str("channel", in.Channel).
			Str("provider_message_id", in.ProviderMessageID).
			Msg("release delivery claim")
	}
}

// conversationFor picks the conversation an inbound customer message lands in. A
// widget may name its conversation; every other channel uses the sender's active one.
func (s *Service) conversationFor(ctx context.Context, in channels.InboundMessage, sender *models.User) (*chat.Conversation, error) {
	if in.ConversationID != 0 {
		conv, err := s.repo.GetConversation(ctx, in.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv.ContactID != sender.ID {
			return nil, apperr.Authentication("conversation belongs to another visitor")
		}
		if conv.IsActive {
			return conv, nil
		}
	}

	agent, err := s.resolver.DefaultAgent(ctx)
	if err != nil {
		return nil, err
	}
	opts := chat.CreateOptions{
		Channel: in.Channel,
		Name:    conversationName(in, sender),
		Agent:   agent,
	}
	if in.Channel == identity.ChannelWidget {
		visitor := in.ExternalID
		opts.VisitorID = &visitor
	}
	conv, created, err := s.repo.GetOrCreateConversation(ctx, sender, opts)
	if err != nil {
		return nil, err
	}
	if created {
		s.fanout.JoinUser(sender.ID, conv.ID)
		s.fanout.JoinUser(agent.ID, conv.ID)
		s.log.Info().Str("channel", in.Channel).Uint64("conversation_id", conv.ID).Uint64("contact_id", sender.ID).Msg("conversation opened")
	}
	return conv, nil
}

func conversationName(in channels.InboundMessage, sender *models.User) string {
	if subject, ok := in.Metadata["subject"].(string); ok && strings.TrimSpace(subject) != "" {
		return truncate(strings.TrimSpace(subject), 255)
	}
	return sender.Username
}

// afterAppend reloads the conversation and applies the sender's lifecycle effects
// so the broadcast carries the post-transition state.
func (s *Service) afterAppend(ctx context.Context, conversationID uint64, sender *models.User) (*chat.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if sender.IsStaff() {
		return s.lifecycle.OnAgentMessage(ctx, conv, sender)
	}
	return s.lifecycle.OnCustomerMessage(ctx, conv)
}

// handleAgentReply stores a reply posted by the AI agent and forwards it to the
// contact's channel.
func (s *Service) handleAgentReply(ctx context.Context, in channels.InboundMessage) (*Result, error) {
	bot, err := s.resolver.AIAgent(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := s.repo.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.IsActive {
		return nil, apperr.Validation("conversation %d is closed", conv.ID)
	}
	if err := s.repo.AddParticipant(ctx, conv.ID, bot); err != nil {
		return nil, err
	}
	s.fanout.JoinUser(bot.ID, conv.ID)

	res, err := s.post(ctx, bot, conv, chat.AppendParams{
		ConversationID: conv.ID,
		SenderID:       bot.ID,
		Content:        truncate(in.Text, maxContentLen),
		Type:           chat.MessageText,
		Metadata:       in.Metadata,
	}, false)
	if err != nil {
		return nil, err
	}

	if jobID, _ := in.Metadata["job_id"].(string); jobID != "" {
		if err := s.repo.MarkJobSucceeded(ctx, jobID, res.Message.ID); err != nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("mark agent job succeeded")
		}
	}
	metrics.InboundMessagesTotal.WithLabelValues(in.Channel).Inc()
	return &Result{Conversation: res.Conversation, Message: res.Message}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
