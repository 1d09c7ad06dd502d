package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/supportdesk/internal/ai"
	"github.com/suPer8Hu/supportdesk/internal/auth"
	"github.com/suPer8Hu/supportdesk/internal/channels"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/config"
	"github.com/suPer8Hu/supportdesk/internal/db"
	"github.com/suPer8Hu/supportdesk/internal/dispatch"
	"github.com/suPer8Hu/supportdesk/internal/httpapi/handlers"
	"github.com/suPer8Hu/supportdesk/internal/identity"
	"github.com/suPer8Hu/supportdesk/internal/inbox"
	"github.com/suPer8Hu/supportdesk/internal/lifecycle"
	"github.com/suPer8Hu/supportdesk/internal/models"
	"github.com/suPer8Hu/supportdesk/internal/realtime"
	"gorm.io/gorm"
)

const (
	testSecret      = "test-secret"
	fbVerifyToken   = "fb-verify-me"
	agentHookSecret = "agent-hook"
)

type queue struct {
	mu  sync.Mutex
	ids []string
}

func (q *queue) PublishJob(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, id)
	return nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type server struct {
	t      *testing.T
	engine *gin.Engine
	gdb    *gorm.DB
	repo   *chat.Repo
	jobs   *queue
	admin  *models.User
	agent  *models.User
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.ReplaceAll(t.Name(), "/", "_")
	gdb, err := gorm.Open(gormsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))

	cfg := config.Config{
		Environment:          "test",
		JWTSecret:            testSecret,
		TokenTTL:             time.Hour,
		TypingStaleAfter:     5 * time.Minute,
		WidgetAllowedOrigins: []string{"http://localhost:3000"},
		WidgetWelcomeMessage: "Hi there!",
	}
	log := zerolog.Nop()
	repo := chat.NewRepo(gdb)
	resolver := identity.NewResolver(repo)
	engine := lifecycle.NewEngine(repo, nil, log)
	hub := realtime.NewHub(repo, nil, log)
	engine.SetNotifier(hub)
	svc := inbox.NewService(inbox.Deps{
		Repo:           repo,
		Resolver:       resolver,
		Lifecycle:      engine,
		Fanout:         hub,
		Dispatcher:     dispatch.New(time.Second, log),
		WelcomeMessage: cfg.WidgetWelcomeMessage,
		Log:            log,
	})
	t.Cleanup(svc.Wait)
	jobs := &queue{}
	h := handlers.NewHandler(handlers.Deps{
		Repo:      repo,
		Inbox:     svc,
		Lifecycle: engine,
		Channels: channels.NewRegistry(
			channels.NewFacebook(fbVerifyToken, ""),
			channels.NewTelegram(""),
			channels.NewEmail(),
			channels.NewWidget(),
			channels.NewAIAgent(agentHookSecret),
		),
		Trigger: ai.NewTrigger(repo, jobs, nil, log),
		Rooms:   hub,
		Cfg:     cfg,
		Log:     log,
	})

	s := &server{t: t, engine: NewRouter(cfg, h, nil, log), gdb: gdb, repo: repo, jobs: jobs}
	s.admin = s.staff("admin@example.com", models.RoleAdmin)
	s.agent = s.staff("agent@example.com", models.RoleAgent)
	return s
}

func (s *server) staff(email string, role models.Role) *models.User {
	hash, err := auth.HashPassword("password123")
	require.NoError(s.t, err)
	u := &models.User{Email: email, Username: strings.Split(email, "@")[0], PasswordHash: hash, Role: role}
	require.NoError(s.t, s.repo.CreateUser(context.Background(), u))
	return u
}

func (s *server) token(u *models.User) string {
	tok, err := auth.SignJWT(u, testSecret, time.Hour)
	require.NoError(s.t, err)
	return tok
}

func (s *server) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(s.t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

// ok asserts a 200 envelope and decodes its data into out.
func (s *server) ok(w *httptest.ResponseRecorder, out any) {
	s.t.Helper()
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	var env envelope
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &env))
	require.Equal(s.t, 0, env.Code)
	if out != nil {
		require.NoError(s.t, json.Unmarshal(env.Data, out))
	}
}

// deliver posts a provider webhook and expects the plain acknowledgement.
func (s *server) deliver(channel, body string) {
	s.t.Helper()
	w := s.do(http.MethodPost, "/channels/"+channel+"/webhook", "", body)
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(s.t, "EVENT_RECEIVED", w.Body.String())
}

func fbMessage(sender, mid, text string) string {
	return fmt.Sprintf(`{"object":"page","entry":[{"id":"page-1","messaging":[{"sender":{"id":%q},"recipient":{"id":"page-1"},"message":{"mid":%q,"text":%q}}]}]}`, sender, mid, text)
}

func TestPingAndUnknownRoute(t *testing.T) {
	s := newServer(t)
	s.ok(s.do(http.MethodGet, "/ping", "", nil), nil)

	w := s.do(http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), "40400")
	require.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestRegisterLoginMe(t *testing.T) {
	s := newServer(t)

	var reg struct {
		ID    uint64      `json:"id"`
		Role  models.Role `json:"role"`
		Token string      `json:"token"`
	}
	s.ok(s.do(http.MethodPost, "/users", "", gin.H{"email": "jo@example.com", "password": "hunter2hunter2"}), &reg)
	require.Equal(t, models.RoleCustomer, reg.Role)

	w := s.do(http.MethodPost, "/users", "", gin.H{"email": "jo@example.com", "password": "hunter2hunter2"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(http.MethodPost, "/users", "", gin.H{"email": "x@widget.local", "password": "hunter2hunter2"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var login struct {
		Token string `json:"token"`
	}
	s.ok(s.do(http.MethodPost, "/login", "", gin.H{"email": "jo@example.com", "password": "hunter2hunter2"}), &login)

	var me struct {
		ID uint64 `json:"id"`
	}
	s.ok(s.do(http.MethodGet, "/me", login.Token, nil), &me)
	require.Equal(t, reg.ID, me.ID)

	w = s.do(http.MethodPost, "/login", "", gin.H{"email": "jo@example.com", "password": "wrong-password"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/me", "", nil).Code)
}

func TestLogin_RejectsSyntheticIdentity(t *testing.T) {
	s := newServer(t)
	s.deliver("facebook", fbMessage("psid-1", "m1", "hi"))

	w := s.do(http.MethodPost, "/login", "", gin.H{"email": identity.LookupKey("facebook", "psid-1"), "password": "anything"})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Contains(t, w.Body.String(), "40302")
}

func TestCreateAgent_AdminOnly(t *testing.T) {
	s := newServer(t)
	body := gin.H{"email": "new@example.com", "password": "password123"}

	require.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/agents", s.token(s.agent), body).Code)

	var created struct {
		Role models.Role `json:"role"`
	}
	s.ok(s.do(http.MethodPost, "/agents", s.token(s.admin), body), &created)
	require.Equal(t, models.RoleAgent, created.Role)
}

func TestDashboard_RequiresStaff(t *testing.T) {
	s := newServer(t)
	require.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/agent-dashboard/stats", "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/agent-dashboard/stats", "garbage", nil).Code)

	customer := &models.User{Email: "c@example.com", Username: "c", PasswordHash: "x", Role: models.RoleCustomer}
	require.NoError(t, s.repo.CreateUser(context.Background(), customer))
	require.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/agent-dashboard/stats", s.token(customer), nil).Code)
}

func TestFacebookVerifyChallenge(t *testing.T) {
	s := newServer(t)

	w := s.do(http.MethodGet, "/channels/facebook/webhook?hub.mode=subscribe&hub.verify_token="+fbVerifyToken+"&hub.challenge=12345", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "12345", w.Body.String())

	w = s.do(http.MethodGet, "/channels/facebook/webhook?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=12345", "", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.NotContains(t, w.Body.String(), fbVerifyToken)

	// telegram has no handshake
	require.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/channels/telegram/webhook", "", nil).Code)
	require.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/channels/widget/webhook", "", "{}").Code)
}

func TestWebhook_SameSenderSameConversation(t *testing.T) {
	s := newServer(t)

	for i, text := range []string{"hello", "anyone there?"} {
		s.deliver("facebook", fbMessage("psid-7", fmt.Sprintf("m%d", i), text))
	}

	var list struct {
		Conversations []chat.Summary `json:"conversations"`
		Total         int64          `json:"total"`
	}
	s.ok(s.do(http.MethodGet, "/agent-dashboard/conversations?channel=facebook", s.token(s.agent), nil), &list)
	require.EqualValues(t, 1, list.Total)
	require.Len(t, list.Conversations, 1)
	conv := list.Conversations[0]
	require.Equal(t, "chat", conv.Kind)
	require.NotNil(t, conv.UnreadCount)
	require.EqualValues(t, 2, *conv.UnreadCount)
	require.Equal(t, "anyone there?", conv.LastMessage.Content)

	w := s.do(http.MethodPost, "/channels/facebook/webhook", "", `{"entry": [`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_StoreFailureIsNotAcknowledged(t *testing.T) {
	s := newServer(t)
	require.NoError(t, s.gdb.Exec("DROP TABLE messages").Error)

	w := s.do(http.MethodPost, "/channels/facebook/webhook", "", fbMessage("1001", "m1", "Hi"))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotEqual(t, "EVENT_RECEIVED", w.Body.String())
	require.Contains(t, w.Body.String(), "50001")
	require.NotContains(t, w.Body.String(), "no such table")
}

func TestDashboard_AssignBody(t *testing.T) {
	s := newServer(t)
	s.deliver("facebook", fbMessage("psid-3", "m1", "help"))

	var list struct {
		Conversations []chat.Summary `json:"conversations"`
	}
	agentTok := s.token(s.agent)
	s.ok(s.do(http.MethodGet, "/agent-dashboard/conversations", agentTok, nil), &list)
	base := fmt.Sprintf("/agent-dashboard/conversations/%d", list.Conversations[0].ID)

	w := s.do(http.MethodPost, base+"/assign", agentTok, `{"agent_id":"1"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "10001")
	w = s.do(http.MethodPost, base+"/assign", agentTok, `{"agent_id":`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	conv, err := s.repo.GetConversation(context.Background(), list.Conversations[0].ID)
	require.NoError(t, err)
	require.Nil(t, conv.AssignedTo)

	var assigned struct {
		Conversation chat.Conversation `json:"conversation"`
		Changed      bool              `json:"changed"`
	}
	s.ok(s.do(http.MethodPost, base+"/assign", agentTok, nil), &assigned)
	require.True(t, assigned.Changed)
	require.NotNil(t, assigned.Conversation.AssignedTo)
	require.Equal(t, s.agent.ID, *assigned.Conversation.AssignedTo)
}

func TestDashboard_ConversationWorkflow(t *testing.T) {
	s := newServer(t)
	s.deliver("telegram", `{"update_id":1,"message":{"message_id":9,"date":1700000000,"chat":{"id":555,"type":"private"},"from":{"id":555,"is_bot":false,"first_name":"Ann","username":"ann"},"text":"my parcel is late"}}`)

	var list struct {
		Conversations []chat.Summary `json:"conversations"`
	}
	agentTok := s.token(s.agent)
	s.ok(s.do(http.MethodGet, "/agent-dashboard/conversations?assigned_to=none", agentTok, nil), &list)
	require.Len(t, list.Conversations, 1)
	id := list.Conversations[0].ID
	base := fmt.Sprintf("/agent-dashboard/conversations/%d", id)

	// telegram has no outbound sender configured here
	var sent struct {
		Success  bool         `json:"success"`
		Dispatch string       `json:"dispatch"`
		Message  chat.Message `json:"message"`
	}
	s.ok(s.do(http.MethodPost, base+"/messages", agentTok, gin.H{"content": "on it"}), &sent)
	require.Equal(t, "on it", sent.Message.Content)
	require.Equal(t, "none", sent.Dispatch)

	var detail struct {
		Conversation chat.Summary `json:"conversation"`
		Participants []struct {
			UserID uint64 `json:"user_id"`
		} `json:"participants"`
	}
	s.ok(s.do(http.MethodGet, base, agentTok, nil), &detail)
	require.NotNil(t, detail.Conversation.AssignedTo)
	require.Equal(t, s.agent.ID, *detail.Conversation.AssignedTo)

	var read struct {
		Count int `json:"count"`
	}
	s.ok(s.do(http.MethodPost, base+"/read", agentTok, nil), &read)
	require.Equal(t, 1, read.Count)
	s.ok(s.do(http.MethodGet, base, agentTok, nil), &detail)
	require.EqualValues(t, 0, *detail.Conversation.UnreadCount)

	// explicit assignment overrides; non-staff targets are rejected
	var assigned struct {
		Changed bool `json:"changed"`
	}
	s.ok(s.do(http.MethodPost, base+"/assign", agentTok, gin.H{"agent_id": s.admin.ID}), &assigned)
	require.True(t, assigned.Changed)
	w := s.do(http.MethodPost, base+"/assign", agentTok, gin.H{"agent_id": detail.Conversation.ContactID})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var state struct {
		Conversation chat.Conversation `json:"conversation"`
	}
	s.ok(s.do(http.MethodPost, base+"/resolve", agentTok, nil), &state)
	require.Equal(t, chat.StatusResolved, state.Conversation.Status)
	s.ok(s.do(http.MethodPatch, base+"/priority", agentTok, gin.H{"priority": "urgent"}), &state)
	require.Equal(t, chat.PriorityUrgent, state.Conversation.Priority)
	require.Equal(t, http.StatusBadRequest, s.do(http.MethodPatch, base+"/priority", agentTok, gin.H{"priority": "soon"}).Code)

	var stats map[string]int64
	s.ok(s.do(http.MethodGet, "/agent-dashboard/stats", agentTok, nil), &stats)
	require.EqualValues(t, 1, stats["resolved"])
	require.EqualValues(t, 0, stats["open"])

	s.ok(s.do(http.MethodPost, base+"/reopen", agentTok, nil), &state)
	require.Equal(t, chat.StatusOpen, state.Conversation.Status)

	var msgs struct {
		Messages     []chat.Message `json:"messages"`
		NextBeforeID uint64         `json:"next_before_id"`
	}
	s.ok(s.do(http.MethodGet, base+"/messages?limit=1", agentTok, nil), &msgs)
	require.Len(t, msgs.Messages, 1)
	require.Equal(t, "on it", msgs.Messages[0].Content)
	s.ok(s.do(http.MethodGet, fmt.Sprintf("%s/messages?before_id=%d", base, msgs.NextBeforeID), agentTok, nil), &msgs)
	require.Len(t, msgs.Messages, 1)
	require.Equal(t, "my parcel is late", msgs.Messages[0].Content)

	require.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/agent-dashboard/conversations/9999/resolve", agentTok, nil).Code)
	require.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/agent-dashboard/conversations/abc/resolve", agentTok, nil).Code)
}

func TestDashboard_TypingPoll(t *testing.T) {
	s := newServer(t)
	s.deliver("facebook", fbMessage("psid-9", "m1", "hi"))

	var list struct {
		Conversations []chat.Summary `json:"conversations"`
	}
	s.ok(s.do(http.MethodGet, "/agent-dashboard/conversations", s.token(s.agent), nil), &list)
	id := list.Conversations[0].ID
	require.NoError(t, s.repo.StartTyping(context.Background(), id, list.Conversations[0].ContactID, time.Now().UTC()))

	var typing struct {
		Typing []chat.TypingIndicator `json:"typing"`
	}
	s.ok(s.do(http.MethodGet, fmt.Sprintf("/agent-dashboard/conversations/%d/typing", id), s.token(s.agent), nil), &typing)
	require.Len(t, typing.Typing, 1)
}

func TestWidget_Flow(t *testing.T) {
	s := newServer(t)

	var start struct {
		Conversation chat.Conversation `json:"conversation"`
		Messages     []chat.Message    `json:"messages"`
		Created      bool              `json:"created"`
		Token        string            `json:"token"`
	}
	s.ok(s.do(http.MethodPost, "/widget/conversation", "", gin.H{"visitorId": "v42"}), &start)
	require.True(t, start.Created)
	require.Len(t, start.Messages, 1)
	require.Equal(t, "Hi there!", start.Messages[0].Content)

	author, err := s.repo.GetUser(context.Background(), start.Messages[0].SenderID)
	require.NoError(t, err)
	require.True(t, author.IsStaff())

	s.ok(s.do(http.MethodPost, "/widget/conversation", "", gin.H{"visitorId": "v42"}), &start)
	require.False(t, start.Created)
	require.Len(t, start.Messages, 1)

	var posted struct {
		ConversationID uint64 `json:"conversation_id"`
	}
	body := gin.H{"visitorId": "v42", "message": "where is my order?", "conversationId": start.Conversation.ID}
	s.ok(s.do(http.MethodPost, "/widget/message", start.Token, body), &posted)
	require.Equal(t, start.Conversation.ID, posted.ConversationID)

	body["visitorId"] = "v43"
	require.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/widget/message", start.Token, body).Code)
	require.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/widget/message", "", body).Code)

	var page struct {
		Messages []chat.Message `json:"messages"`
	}
	path := fmt.Sprintf("/widget/conversation/%d/messages", start.Conversation.ID)
	s.ok(s.do(http.MethodGet, path, start.Token, nil), &page)
	require.Len(t, page.Messages, 2)
	require.Equal(t, "where is my order?", page.Messages[1].Content)

	// another visitor cannot read it
	var other struct {
		Token string `json:"token"`
	}
	s.ok(s.do(http.MethodPost, "/widget/conversation", "", gin.H{"visitorId": "v99"}), &other)
	require.Equal(t, http.StatusNotFound, s.do(http.MethodGet, path, other.Token, nil).Code)
}

func TestAIAgent_TriggerAndReply(t *testing.T) {
	s := newServer(t)
	s.deliver("facebook", fbMessage("psid-3", "m1", "refund please"))

	var list struct {
		Conversations []chat.Summary `json:"conversations"`
	}
	agentTok := s.token(s.agent)
	s.ok(s.do(http.MethodGet, "/agent-dashboard/conversations", agentTok, nil), &list)
	convID := list.Conversations[0].ID

	var job struct {
		JobID   string `json:"job_id"`
		Created bool   `json:"created"`
	}
	req := gin.H{"conversation_id": convID}
	s.ok(s.do(http.MethodPost, "/ai-agent/trigger", agentTok, req, "Idempotency-Key", "k-1"), &job)
	require.True(t, job.Created)
	first := job.JobID
	s.ok(s.do(http.MethodPost, "/ai-agent/trigger", agentTok, req, "Idempotency-Key", "k-1"), &job)
	require.False(t, job.Created)
	require.Equal(t, first, job.JobID)
	require.Equal(t, []string{first}, s.jobs.ids)

	reply := fmt.Sprintf(`{"conversationId":%d,"message":"Refund issued.","jobId":%q,"metadata":{"intent":"refund","confidence":0.9}}`, convID, first)
	require.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/ai-agent/webhook", "", reply).Code)
	s.ok(s.do(http.MethodPost, "/ai-agent/webhook", "", reply, "X-AI-Agent-Secret", agentHookSecret), nil)

	var got struct {
		Job struct {
			Status          chat.JobStatus `json:"status"`
			ResultMessageID *uint64        `json:"result_message_id"`
		} `json:"job"`
	}
	s.ok(s.do(http.MethodGet, "/ai-agent/jobs/"+first, agentTok, nil), &got)
	require.Equal(t, chat.JobSucceeded, got.Job.Status)
	require.NotNil(t, got.Job.ResultMessageID)

	// the AI agent never takes the default assignment
	conv, err := s.repo.GetConversation(context.Background(), convID)
	require.NoError(t, err)
	require.Nil(t, conv.AssignedTo)

	require.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/ai-agent/jobs/missing", agentTok, nil).Code)
}
