package realtime

import (
	"time"

	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Inbound events.
const (
	EventJoin        = "conversation:join"
	EventLeave       = "conversation:leave"
	EventMessageSend = "message:send"
)

// Events flowing both ways.
const (
	EventTypingStart = "typing:start"
	EventTypingStop  = "typing:stop"
	EventMessageRead = "message:read"
)

// Outbound events.
const (
	EventMessageNew          = "message:new"
	EventMessageDelivered    = "message:delivered"
	EventUserOnline          = "user:online"
	EventUserOffline         = "user:offline"
	EventUserStatus          = "user:status"
	EventConversationUpdated = "conversation:updated"
	EventJoined              = "conversation:joined"
	EventError               = "error"
)

type senderInfo struct {
	ID       uint64      `json:"id"`
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
}

type messagePayload struct {
	*chat.Message
	Sender senderInfo `json:"sender"`
}

type deliveredPayload struct {
	MessageID      uint64   `json:"messageId"`
	ConversationID uint64   `json:"conversationId"`
	DeliveredTo    []uint64 `json:"deliveredTo"`
}

type readPayload struct {
	MessageID      uint64    `json:"messageId"`
	ConversationID uint64    `json:"conversationId"`
	ReadBy         uint64    `json:"readBy"`
	ReadAt         time.Time `json:"readAt"`
}

type typingPayload struct {
	ConversationID uint64 `json:"conversationId"`
	UserID         uint64 `json:"userId"`
	Username       string `json:"username"`
}

type presencePayload struct {
	UserID uint64 `json:"userId"`
}

type statusPayload struct {
	UserID   uint64    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}
