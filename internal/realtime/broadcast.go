package realtime

import (
	"context"
	"time"

	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

// MessageCreated fans a persisted message out: message:new to the room,
// message:delivered naming the other participants with a live connection, and a
// conversation:updated summary to every staff connection.
func (h *Hub) MessageCreated(ctx context.Context, conv *chat.Conversation, msg *chat.Message, sender *models.User) {
	h.emitToRoom(conv.ID, EventMessageNew, messagePayload{
		Message: msg,
		Sender:  senderInfo{ID: sender.ID, Username: sender.Username, Role: sender.Role},
	})

	parts, err := h.store.ActiveParticipants(ctx, conv.ID)
	if err != nil {
		h.log.Warn().Err(err).Uint64("conversation_id", conv.ID).Msg("load participants for delivery")
	}
	delivered := make([]uint64, 0, len(parts))
	for _, p := range parts {
		if p.UserID != sender.ID && h.IsOnline(p.UserID) {
			delivered = append(delivered, p.UserID)
		}
	}
	h.emitToRoom(conv.ID, EventMessageDelivered, deliveredPayload{
		MessageID:      msg.ID,
		ConversationID: conv.ID,
		DeliveredTo:    delivered,
	})

	h.deliver(h.staffTargets(), EventConversationUpdated, chat.NewSummary(conv, msg))
}

// ConversationChanged announces a lifecycle transition to the room and to every
// staff connection, followed by a fresh dashboard summary.
func (h *Hub) ConversationChanged(ctx context.Context, event string, conv *chat.Conversation) {
	targets := h.collect(func(add func(clientSet)) {
		add(h.rooms[conv.ID])
		add(h.byRole[models.RoleAgent])
		add(h.byRole[models.RoleAdmin])
	}, 0)
	h.deliver(targets, event, conv)

	last, err := h.store.LastMessage(ctx, conv.ID)
	if err != nil && !apperr.IsNotFound(err) {
		h.log.Warn().Err(err).Uint64("conversation_id", conv.ID).Msg("load last message for summary")
	}
	h.deliver(h.staffTargets(), EventConversationUpdated, chat.NewSummary(conv, last))
}

func (h *Hub) requireRoom(c *Client, conversationID uint64) error {
	if !h.InRoom(c, conversationID) {
		return apperr.Authentication("join the conversation first")
	}
	return nil
}

// StartTyping persists the indicator and tells the rest of the room.
func (h *Hub) StartTyping(ctx context.Context, c *Client, conversationID uint64) error {
	if err := h.requireRoom(c, conversationID); err != nil {
		return err
	}
	if err := h.store.StartTyping(ctx, conversationID, c.UserID, h.now()); err != nil {
		return err
	}
	h.deliver(h.roomTargets(conversationID, c.UserID), EventTypingStart, typingPayload{
		ConversationID: conversationID,
		UserID:         c.UserID,
		Username:       c.Username,
	})
	return nil
}

// StopTyping removes the indicator. Start and stop are both stamped with the hub's
// clock on receipt, so a stop only loses to a start received after it. Without a live
// indicator nothing is broadcast.
func (h *Hub) StopTyping(ctx context.Context, c *Client, conversationID uint64) error {
	if err := h.requireRoom(c, conversationID); err != nil {
		return err
	}
	removed, err := h.store.StopTyping(ctx, conversationID, c.UserID, h.now())
	if err != nil || !removed {
		return err
	}
	h.deliver(h.roomTargets(conversationID, c.UserID), EventTypingStop, typingPayload{
		ConversationID: conversationID,
		UserID:         c.UserID,
		Username:       c.Username,
	})
	return nil
}

// MarkRead records a read receipt and broadcasts it. Reading an already read
// message is a no-op.
func (h *Hub) MarkRead(ctx context.Context, c *Client, conversationID, messageID uint64) error {
	if err := h.requireRoom(c, conversationID); err != nil {
		return err
	}
	msg, err := h.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.ConversationID != conversationID {
		return apperr.Validation("message %d is not in conversation %d", messageID, conversationID)
	}
	read, created, err := h.store.MarkRead(ctx, messageID, c.UserID)
	if err != nil || !created {
		return err
	}
	h.emitToRoom(conversationID, EventMessageRead, readPayload{
		MessageID:      messageID,
		ConversationID: conversationID,
		ReadBy:         c.UserID,
		ReadAt:         read.ReadAt,
	})
	return nil
}

// BroadcastReads announces receipts created outside a socket, e.g. a REST mark-all-read.
func (h *Hub) BroadcastReads(conversationID, userID uint64, messageIDs []uint64, at time.Time) {
	targets := h.roomTargets(conversationID, 0)
	for _, id := range messageIDs {
		h.deliver(targets, EventMessageRead, readPayload{
			MessageID:      id,
			ConversationID: conversationID,
			ReadBy:         userID,
			ReadAt:         at,
		})
	}
}

// typingCleared broadcasts typing:stop for indicators removed by a sweep.
func (h *Hub) typingCleared(ctx context.Context, rows []chat.TypingIndicator) {
	if len(rows) == 0 {
		return
	}
	ids := make([]uint64, 0, len(rows))
	for _, ti := range rows {
		ids = append(ids, ti.UserID)
	}
	users, err := h.store.GetUsers(ctx, ids)
	if err != nil {
		h.log.Warn().Err(err).Msg("load typing users")
	}
	for _, ti := range rows {
		var name string
		if u := users[ti.UserID]; u != nil {
			name = u.Username
		}
		h.emitToRoom(ti.ConversationID, EventTypingStop, typingPayload{
			ConversationID: ti.ConversationID,
			UserID:         ti.UserID,
			Username:       name,
		})
	}
}
