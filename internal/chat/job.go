package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// AgentJob is one request for the AI agent to answer a conversation.
type AgentJob struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID

	ConversationID uint64 `gorm:"index;not null" json:"conversation_id"`
	RequestedBy    uint64 `gorm:"not null;index:uniq_job_idempo,unique,priority:1" json:"requested_by"`

	// Optional operator instruction appended to the conversation history.
	Instruction string `gorm:"type:text" json:"instruction,omitempty"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_job_idempo,unique,priority:2" json:"-"`

	Status JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`

	ResultMessageID *uint64 `gorm:"index" json:"result_message_id"`
	Error           *string `gorm:"type:text" json:"error"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (AgentJob) TableName() string { return "agent_jobs" }
