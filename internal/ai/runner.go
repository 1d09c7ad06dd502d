package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/channels"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/metrics"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

const systemPrompt = "You are a helpful customer support assistant. Answer the customer's latest message " +
	"briefly and politely. If you cannot help, say that a human agent will follow up."

var ErrEmptyReply = errors.New("ai: provider returned an empty reply")

type JobStore interface {
	GetJobByID(ctx context.Context, id string) (*chat.AgentJob, error)
	MarkJobRunning(ctx context.Context, id string) (bool, error)
	MarkJobFailed(ctx context.Context, id string, errMsg string) error
	GetConversation(ctx context.Context, id uint64) (*chat.Conversation, error)
	ListMessages(ctx context.Context, conversationID uint64, limit int, beforeID uint64) ([]chat.Message, error)
	GetUsers(ctx context.Context, ids []uint64) (map[uint64]*models.User, error)
}

// Poster hands a generated reply back to the server's AI agent webhook.
type Poster interface {
	PostReply(ctx context.Context, p channels.AIAgentPayload) error
}

type PosterFunc func(ctx context.Context, p channels.AIAgentPayload) error

func (f PosterFunc) PostReply(ctx context.Context, p channels.AIAgentPayload) error { return f(ctx, p) }

// Runner executes one AgentJob: build the conversation history, ask the provider,
// post the reply.
type Runner struct {
	store    JobStore
	provider Provider
	poster   Poster
	window   int
	timeout  time.Duration
	log      zerolog.Logger
}

func NewRunner(store JobStore, provider Provider, poster Poster, window int, timeout time.Duration, log zerolog.Logger) *Runner {
	if window <= 0 {
		window = 20
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Runner{
		store:    store,
		provider: provider,
		poster:   poster,
		window:   window,
		timeout:  timeout,
		log:      log.With().Str("component", "ai-runner").Logger(),
	}
}

// Run processes a job once. A job another worker already claimed, or one that
// has finished, is skipped without error so queue redeliveries are harmless.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	start := time.Now()

	claimed, err := r.store.MarkJobRunning(ctx, jobID)
	if err != nil {
		return err
	}
	job, err := r.store.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		r.log.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("job already claimed, skipping")
		return nil
	}

	if err := r.generate(ctx, job); err != nil {
		if markErr := r.store.MarkJobFailed(ctx, jobID, err.Error()); markErr != nil {
			r.log.Error().Err(markErr).Str("job_id", jobID).Msg("mark job failed")
		}
		metrics.AgentJobsTotal.WithLabelValues(string(chat.JobFailed)).Inc()
		r.log.Warn().Err(err).Str("job_id", jobID).Dur("cost", time.Since(start)).Msg("agent job failed")
		return err
	}

	metrics.AgentJobsTotal.WithLabelValues(string(chat.JobSucceeded)).Inc()
	r.log.Info().Str("job_id", jobID).Uint64("conversation_id", job.ConversationID).Dur("cost", time.Since(start)).Msg("agent job done")
	return nil
}

func (r *Runner) generate(ctx context.Context, job *chat.AgentJob) error {
	conv, err := r.store.GetConversation(ctx, job.ConversationID)
	if err != nil {
		return err
	}
	if !conv.IsActive {
		return apperr.Validation("conversation %d is closed", conv.ID)
	}
	history, err := r.history(ctx, conv, job.Instruction)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	reply, err := r.provider.Chat(cctx, history)
	if err != nil {
		return fmt.Errorf("generate reply: %w", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return ErrEmptyReply
	}

	payload := channels.AIAgentPayload{
		ConversationID: conv.ID,
		Message:        reply,
		JobID:          job.ID,
	}
	payload.Metadata.Intent = "reply"
	if err := r.poster.PostReply(ctx, payload); err != nil {
		return fmt.Errorf("post reply: %w", err)
	}
	return nil
}

// history renders the latest window of the conversation from the assistant's
// point of view: the contact speaks as user, everyone else as assistant.
func (r *Runner) history(ctx context.Context, conv *chat.Conversation, instruction string) ([]Message, error) {
	msgs, err := r.store.ListMessages(ctx, conv.ID, r.window, 0)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(msgs)+2)
	out = append(out, Message{Role: RoleSystem, Content: systemPrompt})
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		role := RoleAssistant
		if m.SenderID == conv.ContactID {
			role = RoleUser
		}
		content := m.Content
		if content == "" && m.FileURL != "" {
			content = "[attachment] " + m.FileName
		}
		out = append(out, Message{Role: role, Content: content})
	}
	if s := strings.TrimSpace(instruction); s != "" {
		out = append(out, Message{Role: RoleSystem, Content: s})
	}
	return out, nil
}
