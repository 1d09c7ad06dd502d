package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/channels"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/db"
	"github.com/suPer8Hu/supportdesk/internal/models"
	"gorm.io/gorm"
)

type scriptedProvider struct {
	reply string
	err   error
	seen  []Message
	delay time.Duration
}

func (p *scriptedProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	p.seen = messages
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return p.reply, p.err
}

type capturePoster struct {
	mu    sync.Mutex
	posts []channels.AIAgentPayload
	err   error
}

func (c *capturePoster) PostReply(_ context.Context, p channels.AIAgentPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.posts = append(c.posts, p)
	return c.err
}

func (c *capturePoster) all() []channels.AIAgentPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]channels.AIAgentPayload(nil), c.posts...)
}

type recordingPublisher struct {
	ids []string
	err error
}

func (p *recordingPublisher) PublishJob(_ context.Context, id string) error {
	p.ids = append(p.ids, id)
	return p.err
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

// seed creates a conversation where the customer asked and an agent answered.
func seed(t *testing.T, repo *chat.Repo) (*chat.Conversation, *models.User) {
	t.Helper()
	ctx := context.Background()
	customer := &models.User{Email: "telegram_1@channel.local", Username: "c", PasswordHash: "x", Role: models.RoleCustomer}
	agent := &models.User{Email: "agent@example.com", Username: "a", PasswordHash: "x", Role: models.RoleAgent}
	require.NoError(t, repo.CreateUser(ctx, customer))
	require.NoError(t, repo.CreateUser(ctx, agent))
	conv, _, err := repo.GetOrCreateConversation(ctx, customer, chat.CreateOptions{Channel: "telegram", Agent: agent})
	require.NoError(t, err)
	_, err = repo.AppendMessage(ctx, chat.AppendParams{ConversationID: conv.ID, SenderID: customer.ID, Content: "my order?"})
	require.NoError(t, err)
	_, err = repo.AppendMessage(ctx, chat.AppendParams{ConversationID: conv.ID, SenderID: agent.ID, Content: "checking"})
	require.NoError(t, err)
	return conv, agent
}

func TestRunner_PostsReplyWithHistory(t *testing.T) {
	ctx := context.Background()
	repo := chat.NewRepo(openTestDB(t))
	conv, agent := seed(t, repo)

	job, _, err := repo.CreateJobOrGetExisting(ctx, &chat.AgentJob{ID: "01J0000000000000000000000A", ConversationID: conv.ID, RequestedBy: agent.ID, Instruction: "offer a refund"})
	require.NoError(t, err)

	provider := &scriptedProvider{reply: " It ships today. "}
	poster := &capturePoster{}
	runner := NewRunner(repo, provider, poster, 10, time.Second, zerolog.Nop())
	require.NoError(t, runner.Run(ctx, job.ID))

	require.Equal(t, []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: "my order?"},
		{Role: RoleAssistant, Content: "checking"},
		{Role: RoleSystem, Content: "offer a refund"},
	}, provider.seen)

	posts := poster.all()
	require.Len(t, posts, 1)
	require.Equal(t, conv.ID, posts[0].ConversationID)
	require.Equal(t, "It ships today.", posts[0].Message)
	require.Equal(t, job.ID, posts[0].JobID)

	stored, err := repo.GetJobByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, chat.JobRunning, stored.Status)

	// a redelivered job is skipped
	require.NoError(t, runner.Run(ctx, job.ID))
	require.Len(t, poster.all(), 1)
}

func TestRunner_FailuresMarkJob(t *testing.T) {
	ctx := context.Background()
	repo := chat.NewRepo(openTestDB(t))
	conv, agent := seed(t, repo)

	cases := []struct {
		name     string
		provider *scriptedProvider
		poster   *capturePoster
		wantErr  string
	}{
		{"provider error", &scriptedProvider{err: errors.New("boom")}, &capturePoster{}, "boom"},
		{"empty reply", &scriptedProvider{reply: "  "}, &capturePoster{}, "empty reply"},
		{"timeout", &scriptedProvider{reply: "late", delay: time.Second}, &capturePoster{}, "deadline exceeded"},
		{"webhook down", &scriptedProvider{reply: "ok"}, &capturePoster{err: errors.New("503")}, "post reply"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := fmt.Sprintf("01J000000000000000000000%02d", i)
			_, _, err := repo.CreateJobOrGetExisting(ctx, &chat.AgentJob{ID: id, ConversationID: conv.ID, RequestedBy: agent.ID})
			require.NoError(t, err)

			runner := NewRunner(repo, tc.provider, tc.poster, 10, 50*time.Millisecond, zerolog.Nop())
			err = runner.Run(ctx, id)
			require.ErrorContains(t, err, tc.wantErr)

			stored, err := repo.GetJobByID(ctx, id)
			require.NoError(t, err)
			require.Equal(t, chat.JobFailed, stored.Status)
			require.NotNil(t, stored.Error)
		})
	}
}

func TestTrigger_IdempotentAndPublished(t *testing.T) {
	ctx := context.Background()
	repo := chat.NewRepo(openTestDB(t))
	conv, agent := seed(t, repo)
	pub := &recordingPublisher{}
	trigger := NewTrigger(repo, pub, nil, zerolog.Nop())

	req := TriggerRequest{ConversationID: conv.ID, RequestedBy: agent.ID, IdempotencyKey: "k1"}
	j1, created, err := trigger.Trigger(ctx, req)
	require.NoError(t, err)
	require.True(t, created)
	require.Len(t, j1.ID, 26)

	j2, created, err := trigger.Trigger(ctx, req)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, j1.ID, j2.ID)
	require.Equal(t, []string{j1.ID}, pub.ids)

	_, _, err = trigger.Trigger(ctx, TriggerRequest{ConversationID: 999, RequestedBy: agent.ID})
	require.True(t, apperr.IsNotFound(err))
}

func TestTrigger_PublishFailure(t *testing.T) {
	ctx := context.Background()
	repo := chat.NewRepo(openTestDB(t))
	conv, agent := seed(t, repo)
	trigger := NewTrigger(repo, &recordingPublisher{err: errors.New("broker down")}, nil, zerolog.Nop())

	_, _, err := trigger.Trigger(ctx, TriggerRequest{ConversationID: conv.ID, RequestedBy: agent.ID})
	require.Equal(t, apperr.KindDispatch, apperr.KindOf(err))
}

func TestTrigger_InProcessRunner(t *testing.T) {
	ctx := context.Background()
	repo := chat.NewRepo(openTestDB(t))
	conv, agent := seed(t, repo)
	poster := &capturePoster{}
	runner := NewRunner(repo, &scriptedProvider{reply: "hello from the bot"}, poster, 10, time.Second, zerolog.Nop())
	trigger := NewTrigger(repo, nil, runner, zerolog.Nop())

	job, created, err := trigger.Trigger(ctx, TriggerRequest{ConversationID: conv.ID, RequestedBy: agent.ID})
	require.NoError(t, err)
	require.True(t, created)

	trigger.Wait()
	posts := poster.all()
	require.Len(t, posts, 1)
	require.Equal(t, job.ID, posts[0].JobID)
}
