package chat

import "time"

// Summary is the dashboard projection of a conversation.
type Summary struct {
	ID          uint64    `json:"id"`
	Kind        string    `json:"kind"`
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Channel     string    `json:"channel"`
	ContactID   uint64    `json:"contact_id"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	AssignedTo  *uint64   `json:"assigned_to"`
	IsActive    bool      `json:"is_active"`
	LastMessage *Message  `json:"last_message,omitempty"`
	UnreadCount *int64    `json:"unread_count,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func NewSummary(c *Conversation, last *Message) Summary {
	return Summary{
		ID:          c.ID,
		Kind:        c.Type.DashboardKind(),
		Type:        string(c.Type),
		Name:        c.Name,
		Channel:     c.Channel,
		ContactID:   c.ContactID,
		Status:      c.Status,
		Priority:    c.Priority,
		AssignedTo:  c.AssignedTo,
		IsActive:    c.IsActive,
		LastMessage: last,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}
