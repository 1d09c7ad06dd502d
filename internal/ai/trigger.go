package ai

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/common"
	"github.com/suPer8Hu/supportdesk/internal/metrics"
)

// JobPublisher enqueues a job for an out-of-process worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type TriggerStore interface {
	GetConversation(ctx context.Context, id uint64) (*chat.Conversation, error)
	CreateJobOrGetExisting(ctx context.Context, job *chat.AgentJob) (*chat.AgentJob, bool, error)
	MarkJobFailed(ctx context.Context, id string, errMsg string) error
}

type TriggerRequest struct {
	ConversationID uint64
	RequestedBy    uint64
	Instruction    string
	IdempotencyKey string
}

// Trigger creates AgentJobs and hands them to the queue, or to an in-process
// runner when no queue is configured.
type Trigger struct {
	store     TriggerStore
	publisher JobPublisher
	runner    *Runner
	log       zerolog.Logger
	wg        sync.WaitGroup
}

func NewTrigger(store TriggerStore, publisher JobPublisher, runner *Runner, log zerolog.Logger) *Trigger {
	return &Trigger{
		store:     store,
		publisher: publisher,
		runner:    runner,
		log:       log.With().Str("component", "ai-trigger").Logger(),
	}
}

// Wait blocks until in-process jobs have finished.
func (t *Trigger) Wait() { t.wg.Wait() }

// Trigger returns the job and whether this call created it. Repeating a request
// with the same idempotency key returns the first job without enqueueing again.
func (t *Trigger) Trigger(ctx context.Context, req TriggerRequest) (*chat.AgentJob, bool, error) {
	conv, err := t.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, false, err
	}
	if !conv.IsActive {
		return nil, false, apperr.Validation("conversation %d is closed", conv.ID)
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if len(key) > 128 {
		return nil, false, apperr.Validation("idempotency key too long")
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	job := &chat.AgentJob{
		ID:             jobID,
		ConversationID: conv.ID,
		RequestedBy:    req.RequestedBy,
		Instruction:    strings.TrimSpace(req.Instruction),
		Status:         chat.JobQueued,
	}
	if key != "" {
		job.IdempotencyKey = &key
	}

	job, created, err := t.store.CreateJobOrGetExisting(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return job, false, nil
	}
	metrics.AgentJobsTotal.WithLabelValues(string(chat.JobQueued)).Inc()

	if t.publisher != nil {
		if err := t.publisher.PublishJob(ctx, job.ID); err != nil {
			_ = t.store.MarkJobFailed(ctx, job.ID, "enqueue failed")
			return nil, false, apperr.Dispatch("enqueue agent job", err)
		}
		t.log.Info().Str("job_id", job.ID).Uint64("conversation_id", conv.ID).Msg("agent job enqueued")
		return job, true, nil
	}
	if t.runner == nil {
		_ = t.store.MarkJobFailed(ctx, job.ID, "no agent runner configured")
		return nil, false, apperr.Dispatch("no agent runner configured", nil)
	}

	t.wg.Add(1)
	go func(id string) {
		defer t.wg.Done()
		_ = t.runner.Run(context.WithoutCancel(ctx), id)
	}(job.ID)
	return job, true, nil
}
