package chat

import (
	"time"

	"gorm.io/datatypes"
)

type ConversationType string

const (
	TypeDirect ConversationType = "DIRECT"
	TypeGroup  ConversationType = "GROUP"
)

// DashboardKind is the agent dashboard's name for the conversation type.
func (t ConversationType) DashboardKind() string {
	if t == TypeGroup {
		return "ticket"
	}
	return "chat"
}

type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusResolved Status = "RESOLVED"
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type Conversation struct {
	ID        uint64           `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      ConversationType `gorm:"type:varchar(16);not null;default:DIRECT" json:"type"`
	Name      string           `gorm:"type:varchar(255)" json:"name"`
	Channel   string           `gorm:"type:varchar(32);index;not null" json:"channel"`
	ContactID uint64           `gorm:"index;not null" json:"contact_id"`
	VisitorID *string          `gorm:"type:varchar(128);index" json:"visitor_id,omitempty"`

	Status     Status   `gorm:"type:varchar(16);index;not null;default:OPEN" json:"status"`
	Priority   Priority `gorm:"type:varchar(16);not null;default:MEDIUM" json:"priority"`
	AssignedTo *uint64  `gorm:"index" json:"assigned_to"`
	IsActive   bool     `gorm:"index;not null;default:true" json:"is_active"`

	// Set while the conversation is the contact's active one, NULL otherwise.
	// The unique index collapses racing creations for one contact into a single row.
	ActiveContactKey *string `gorm:"type:varchar(64);uniqueIndex" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

func (Conversation) TableName() string { return "conversations" }

type Participant struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint64     `gorm:"not null;index:uniq_participant,unique,priority:1" json:"conversation_id"`
	UserID         uint64     `gorm:"not null;index:uniq_participant,unique,priority:2;index" json:"user_id"`
	Role           string     `gorm:"type:varchar(16);not null" json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `gorm:"index" json:"left_at"`
}

func (Participant) TableName() string { return "conversation_participants" }

type MessageType string

const (
	MessageText  MessageType = "TEXT"
	MessageFile  MessageType = "FILE"
	MessageImage MessageType = "IMAGE"
)

func (t MessageType) Valid() bool {
	return t == MessageText || t == MessageFile || t == MessageImage
}

type Message struct {
	ID             uint64            `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint64            `gorm:"not null;index" json:"conversation_id"`
	SenderID       uint64            `gorm:"not null;index" json:"sender_id"`
	Content        string            `gorm:"type:text;not null" json:"content"`
	Type           MessageType       `gorm:"type:varchar(16);not null;default:TEXT" json:"type"`
	FileURL        string            `gorm:"type:varchar(512)" json:"file_url,omitempty"`
	FileName       string            `gorm:"type:varchar(255)" json:"file_name,omitempty"`
	FileSize       int64             `json:"file_size,omitempty"`
	FileMime       string            `gorm:"type:varchar(128)" json:"file_mime,omitempty"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (Message) TableName() string { return "messages" }

type MessageRead struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID      uint64    `gorm:"not null;index:uniq_message_read,unique,priority:1" json:"message_id"`
	UserID         uint64    `gorm:"not null;index:uniq_message_read,unique,priority:2" json:"user_id"`
	ConversationID uint64    `gorm:"not null;index" json:"conversation_id"`
	ReadAt         time.Time `json:"read_at"`
}

func (MessageRead) TableName() string { return "message_reads" }

type TypingIndicator struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint64    `gorm:"not null;index:uniq_typing,unique,priority:1" json:"conversation_id"`
	UserID         uint64    `gorm:"not null;index:uniq_typing,unique,priority:2;index" json:"user_id"`
	StartedAt      time.Time `gorm:"not null;index" json:"started_at"`
}

func (TypingIndicator) TableName() string { return "typing_indicators" }
