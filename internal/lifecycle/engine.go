// Package lifecycle applies the status and assignment transitions of a conversation.
// Every transition is a single conditional update, so racing agents and channels
// cannot leave a conversation in a mixed state.
package lifecycle

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

const (
	EventAssigned = "conversation:assigned"
	EventResolved = "conversation:resolved"
	EventReopened = "conversation:reopened"
	EventPriority = "conversation:priority"
)

type Store interface {
	GetConversation(ctx context.Context, id uint64) (*chat.Conversation, error)
	GetUser(ctx context.Context, id uint64) (*models.User, error)
	SetStatus(ctx context.Context, id uint64, from, to chat.Status) (bool, error)
	AssignIfUnassigned(ctx context.Context, id, agentID uint64) (bool, error)
	SetAssignee(ctx context.Context, id, agentID uint64) (bool, error)
	AddParticipant(ctx context.Context, conversationID uint64, u *models.User) error
	SetPriority(ctx context.Context, id uint64, p chat.Priority) error
}

// Notifier receives a state-change event after it has been persisted.
type Notifier interface {
	ConversationChanged(ctx context.Context, event string, conv *chat.Conversation)
}

type Engine struct {
	store    Store
	notifier Notifier
	log      zerolog.Logger
}

func NewEngine(store Store, notifier Notifier, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		notifier: notifier,
		log:      log.With().Str("component", "lifecycle").Logger(),
	}
}

// SetNotifier wires the fanout after construction; the hub and engine depend on each other.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

func (e *Engine) notify(ctx context.Context, event string, conv *chat.Conversation) {
	if e.notifier != nil {
		e.notifier.ConversationChanged(ctx, event, conv)
	}
}

// transition moves OPEN<->RESOLVED. Already being in the target state is a no-op.
func (e *Engine) transition(ctx context.Context, id uint64, from, to chat.Status, event string) (*chat.Conversation, error) {
	if _, err := e.store.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	changed, err := e.store.SetStatus(ctx, id, from, to)
	if err != nil {
		return nil, err
	}
	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if changed {
		e.log.Info().Uint64("conversation_id", id).Str("status", string(to)).Msg("conversation status changed")
		e.notify(ctx, event, conv)
	}
	return conv, nil
}

func (e *Engine) Resolve(ctx context.Context, id uint64) (*chat.Conversation, error) {
	return e.transition(ctx, id, chat.StatusOpen, chat.StatusResolved, EventResolved)
}

func (e *Engine) Reopen(ctx context.Context, id uint64) (*chat.Conversation, error) {
	return e.transition(ctx, id, chat.StatusResolved, chat.StatusOpen, EventReopened)
}

// Assign gives the conversation to agentID, overriding any earlier assignee.
// The bool is false when the agent already held it.
func (e *Engine) Assign(ctx context.Context, id, agentID uint64) (*chat.Conversation, bool, error) {
	if _, err := e.store.GetConversation(ctx, id); err != nil {
		return nil, false, err
	}
	agent, err := e.store.GetUser(ctx, agentID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, false, apperr.Validation("assignee %d is not an agent", agentID)
		}
		return nil, false, err
	}
	if !agent.IsStaff() {
		return nil, false, apperr.Validation("assignee %d is not an agent", agentID)
	}

	changed, err := e.store.SetAssignee(ctx, id, agentID)
	if err != nil {
		return nil, false, err
	}
	if changed {
		if err := e.store.AddParticipant(ctx, id, agent); err != nil {
			return nil, false, err
		}
	}
	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if changed {
		e.log.Info().Uint64("conversation_id", id).Uint64("agent_id", agentID).Msg("conversation assigned")
		e.notify(ctx, EventAssigned, conv)
	}
	return conv, changed, nil
}

// SetPriority changes the triage priority. Setting the current value is a no-op.
func (e *Engine) SetPriority(ctx context.Context, id uint64, p chat.Priority) (*chat.Conversation, error) {
	if !p.Valid() {
		return nil, apperr.Validation("invalid priority %q", p)
	}
	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Priority == p {
		return conv, nil
	}
	if err := e.store.SetPriority(ctx, id, p); err != nil {
		return nil, err
	}
	if conv, err = e.store.GetConversation(ctx, id); err != nil {
		return nil, err
	}
	e.notify(ctx, EventPriority, conv)
	return conv, nil
}

// OnCustomerMessage reopens a resolved conversation. Callers run it before the
// message is broadcast.
func (e *Engine) OnCustomerMessage(ctx context.Context, conv *chat.Conversation) (*chat.Conversation, error) {
	if conv.Status != chat.StatusResolved {
		return conv, nil
	}
	return e.Reopen(ctx, conv.ID)
}

// OnAgentMessage gives an unassigned conversation to the first staff member who
// replies. The AI agent never takes the default assignment.
func (e *Engine) OnAgentMessage(ctx context.Context, conv *chat.Conversation, sender *models.User) (*chat.Conversation, error) {
	if !sender.IsStaff() || sender.ExternalOrigin == models.OriginAIAgent || conv.AssignedTo != nil {
		return conv, nil
	}
	won, err := e.store.AssignIfUnassigned(ctx, conv.ID, sender.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		return e.store.GetConversation(ctx, conv.ID)
	}
	if err := e.store.AddParticipant(ctx, conv.ID, sender); err != nil {
		return nil, err
	}
	updated, err := e.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	e.log.Info().Uint64("conversation_id", conv.ID).Uint64("agent_id", sender.ID).Msg("conversation auto-assigned")
	e.notify(ctx, EventAssigned, updated)
	return updated, nil
}
