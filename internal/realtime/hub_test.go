package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/db"
	"github.com/suPer8Hu/supportdesk/internal/models"
	"gorm.io/gorm"
)

type fixture struct {
	repo     *chat.Repo
	hub      *Hub
	customer *models.User
	agent    *models.User
	conv     *chat.Conversation
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

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	repo := chat.NewRepo(openTestDB(t))

	customer := &models.User{Email: "widget_v42@widget.local", Username: "Visitor", PasswordHash: "x", Role: models.RoleCustomer, ExternalOrigin: "widget", ExternalID: "v42"}
	agent := &models.User{Email: "agent@example.com", Username: "agent", PasswordHash: "x", Role: models.RoleAgent}
	require.NoError(t, repo.CreateUser(ctx, customer))
	require.NoError(t, repo.CreateUser(ctx, agent))

	visitor := "v42"
	conv, _, err := repo.GetOrCreateConversation(ctx, customer, chat.CreateOptions{Channel: "widget", VisitorID: &visitor, Agent: agent})
	require.NoError(t, err)

	return &fixture{
		repo:     repo,
		hub:      NewHub(repo, nil, zerolog.Nop()),
		customer: customer,
		agent:    agent,
		conv:     conv,
	}
}

type rawFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func next(t *testing.T, c *Client) rawFrame {
	t.Helper()
	select {
	case b := <-c.Send():
		var f rawFrame
		require.NoError(t, json.Unmarshal(b, &f))
		return f
	case <-time.After(time.Second):
		t.Fatalf("no frame for user %d", c.UserID)
	}
	return rawFrame{}
}

func nextEvent(t *testing.T, c *Client, event string) rawFrame {
	t.Helper()
	for {
		f := next(t, c)
		if f.Event == event {
			return f
		}
	}
}

func requireSilent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case b := <-c.Send():
		t.Fatalf("unexpected frame: %s", b)
	default:
	}
}

func TestRegister_PresenceGoesToConversationRooms(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	agentConn := NewClient(f.agent.ID, f.agent.Username, f.agent.Role, "")
	f.hub.Register(ctx, agentConn)
	require.True(t, f.hub.InRoom(agentConn, f.conv.ID))

	customerConn := NewClient(f.customer.ID, f.customer.Username, f.customer.Role, "v42")
	f.hub.Register(ctx, customerConn)

	online := next(t, agentConn)
	require.Equal(t, EventUserOnline, online.Event)
	var p presencePayload
	require.NoError(t, json.Unmarshal(online.Data, &p))
	require.Equal(t, f.customer.ID, p.UserID)

	status := next(t, agentConn)
	require.Equal(t, EventUserStatus, status.Event)
	var s statusPayload
	require.NoError(t, json.Unmarshal(status.Data, &s))
	require.True(t, s.IsOnline)

	// a user never hears about their own presence
	requireSilent(t, customerConn)

	u, err := f.repo.GetUser(ctx, f.customer.ID)
	require.NoError(t, err)
	require.True(t, u.IsOnline)

	f.hub.Unregister(ctx, customerConn)
	require.Equal(t, EventUserOffline, next(t, agentConn).Event)
	require.Equal(t, EventUserStatus, next(t, agentConn).Event)
	require.False(t, f.hub.IsOnline(f.customer.ID))

	// second unregister is a no-op
	f.hub.Unregister(ctx, customerConn)
	requireSilent(t, agentConn)
}

func TestRegister_SecondConnectionDoesNotReannounce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	agentConn := NewClient(f.agent.ID, f.agent.Username, f.agent.Role, "")
	f.hub.Register(ctx, agentConn)

	first := NewClient(f.customer.ID, f.customer.Username, f.customer.Role, "v42")
	second := NewClient(f.customer.ID, f.customer.Username, f.customer.Role, "v42")
	f.hub.Register(ctx, first)
	next(t, agentConn)
	next(t, agentConn)

	f.hub.Register(ctx, second)
	requireSilent(t, agentConn)

	f.hub.Unregister(ctx, first)
	requireSilent(t, agentConn)
	require.True(t, f.hub.IsOnline(f.customer.ID))
	require.Equal(t, 2, f.hub.ConnectionCount())
}

func TestMessageCreated_DeliveredToLiveParticipants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	agentConn := NewClient(f.agent.ID, f.agent.Username, f.agent.Role, "")
	customerConn := NewClient(f.customer.ID, f.customer.Username, f.customer.Role, "v42")
	f.hub.Register(ctx, agentConn)
	f.hub.Register(ctx, customerConn)
	next(t, agentConn) // user:online
	next(t, agentConn) // user:status

	msg, err := f.repo.AppendMessage(ctx, chat.AppendParams{ConversationID: f.conv.ID, SenderID: f.customer.ID, Content: "hello"})
	require.NoError(t, err)
	f.hub.MessageCreated(ctx, f.conv, msg, f.customer)

	newMsg := next(t, agentConn)
	require.Equal(t, EventMessageNew, newMsg.Event)
	require.Contains(t, string(newMsg.Data), `"content":"hello"`)

	delivered := next(t, agentConn)
	require.Equal(t, EventMessageDelivered, delivered.Event)
	var d deliveredPayload
	require.NoError(t, json.Unmarshal(delivered.Data, &d))
	require.Equal(t, []uint64{f.agent.ID}, d.DeliveredTo)

	require.Equal(t, EventConversationUpdated, next(t, agentConn).Event)

	// the sender's own connection receives the echo but not the dashboard summary
	require.Equal(t, EventMessageNew, next(t, customerConn).Event)
	require.Equal(t, EventMessageDelivered, next(t, customerConn).Event)
	requireSilent(t, customerConn)
}

func TestMessageCreated_OfflineParticipantNotDelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	customerConn := NewClient(f.customer.ID, f.customer.Username, f.customer.Role, "v42")
	f.hub.Register(ctx, customerConn)

	msg, err := f.repo.AppendMessage(ctx, chat.AppendParams{ConversationID: f.conv.ID, SenderID: f.customer.ID, Content: "anyone?"})
	require.NoError(t, err)
	f.hub.MessageCreated(ctx, f.conv, msg, f.customer)

	delivered := nextEvent(t, customerConn, EventMessageDelivered)
	var d deliveredPayload
	require.NoError(t, json.Unmarshal(delivered.Data, &d))
	require.Empty(t, d.DeliveredTo)
}

func TestJoin_RequiresParticipantOrOwnVisitorConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	outsider := &models.User{Email: "other@example.com", Username: "other", PasswordHash: "x", Role: models.RoleCustomer}
	require.NoError(t, f.repo.CreateUser(ctx, outsider))
	outsiderConn := NewClient(outsider.ID, outsider.Username, outsider.Role, "v99")
	f.hub.Register(ctx, outsiderConn)

	err := f.hub.Join(ctx, outsiderConn, f.conv.ID)
	require.Error(t, err)
	require.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))

	visitorConn := NewClient(outsider.ID, outsider.Username, outsider.Role, "v42")
	f.hub.Register(ctx, visitorConn)
	require.NoError(t, f.hub.Join(ctx, visitorConn, f.conv.ID))
	require.True(t, f.hub.InRoom(visitorConn, f.conv.ID))

	err = f.hub.Join(ctx, visitorConn, 9999)
	require.True(t, apperr.IsNotFound(err))
}

func TestTyping_StopStampedOnReceipt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.hub.now = func() time.Time { return base }

	agentConn := NewClient(f.agent.ID, f.agent.Username, f.agent.Role, "")
	customerConn := NewClient(f.customer.ID, f.customer.Username, f.customer.Role, "v42")
	f.hub.Register(ctx, agentConn)
	f.hub.Register(ctx, customerConn)
	next(t, agentConn)
	next(t, agentConn)

	// no live indicator, nothing to announce
	require.NoError(t, f.hub.StopTyping(ctx, customerConn, f.conv.ID))
	requireSilent(t, agentConn)

	require.NoError(t, f.hub.StartTyping(ctx, customerConn, f.conv.ID))
	start := next(t, agentConn)
	require.Equal(t, EventTypingStart, start.Event)
	requireSilent(t, customerConn)

	// a stop received in the same instant as the start still clears it
	require.NoError(t, f.hub.StopTyping(ctx, customerConn, f.conv.ID))
	require.Equal(t, EventTypingStop, next(t, agentConn).Event)
	rows, err := f.repo.ListTyping(ctx, f.conv.ID, time.Time{})
	require.NoError(t, err)
	require.Empty(t, rows)

	f.hub.now = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, f.hub.StartTyping(ctx, customerConn, f.conv.ID))
	nextEvent(t, agentConn, EventTypingStart)
	f.hub.now = func() time.Time { return base.Add(time.Minute + time.Second) }
	require.NoError(t, f.hub.StopTyping(ctx, customerConn, f.conv.ID))
	require.Equal(t, EventTypingStop, next(t, agentConn).Event)
}

func TestUnregister_OtherConnectionKeepsTyping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	agentConn := NewClient(f.agent.ID, f.agent.Username, f.agent.Role, "")
	tab1 := NewClient(f.customer.ID, f.customer.Username, f.customer.Role, "v42")
	tab2 := NewClient(f.customer.ID, f.customer.Username, f.customer.Role, "v42")
	f.hub.Register(ctx, agentConn)
	f.hub.Register(ctx, tab1)
	f.hub.Register(ctx, tab2)
	require.NoError(t, f.hub.StartTyping(ctx, tab2, f.conv.ID))
	nextEvent(t, agentConn, EventTypingStart)

	f.hub.Unregister(ctx, tab1)
	requireSilent(t, agentConn)
	rows, err := f.repo.ListTyping(ctx, f.conv.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	f.hub.Unregister(ctx, tab2)
	require.Equal(t, EventTypingStop, nextEvent(t, agentConn, EventTypingStop).Event)
	rows, err = f.repo.ListTyping(ctx, f.conv.ID, time.Time{})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestTyping_RequiresRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c := NewClient(f.customer.ID, f.customer.Username, f.customer.Role, "v42")
	f.hub.Register(ctx, c)
	f.hub.Leave(c, f.conv.ID)

	err := f.hub.StartTyping(ctx, c, f.conv.ID)
	require.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
}

func TestUnregister_ClearsTyping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	agentConn := NewClient(f.agent.ID, f.agent.Username, f.agent.Role, "")
	customerConn := NewClient(f.customer.ID, f.customer.Username, f.customer.Role, "v42")
	f.hub.Register(ctx, agentConn)
	f.hub.Register(ctx, customerConn)
	require.NoError(t, f.hub.StartTyping(ctx, customerConn, f.conv.ID))
	nextEvent(t, agentConn, EventTypingStart)

	f.hub.Unregister(ctx, customerConn)
	stop := next(t, agentConn)
	require.Equal(t, EventTypingStop, stop.Event)
	var p typingPayload
	require.NoError(t, json.Unmarshal(stop.Data, &p))
	require.Equal(t, f.customer.ID, p.UserID)
	require.Equal(t, "Visitor", p.Username)

	rows, err := f.repo.ListTyping(ctx, f.conv.ID, time.Time{})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestMarkRead_DuplicateIsSilent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	agentConn := NewClient(f.agent.ID, f.agent.Username, f.agent.Role, "")
	customerConn := NewClient(f.customer.ID, f.customer.Username, f.customer.Role, "v42")
	f.hub.Register(ctx, agentConn)
	f.hub.Register(ctx, customerConn)
	next(t, agentConn)
	next(t, agentConn)

	msg, err := f.repo.AppendMessage(ctx, chat.AppendParams{ConversationID: f.conv.ID, SenderID: f.customer.ID, Content: "ping"})
	require.NoError(t, err)

	require.NoError(t, f.hub.MarkRead(ctx, agentConn, f.conv.ID, msg.ID))
	read := next(t, customerConn)
	require.Equal(t, EventMessageRead, read.Event)
	var r readPayload
	require.NoError(t, json.Unmarshal(read.Data, &r))
	require.Equal(t, msg.ID, r.MessageID)
	require.Equal(t, f.agent.ID, r.ReadBy)
	next(t, agentConn)

	require.NoError(t, f.hub.MarkRead(ctx, agentConn, f.conv.ID, msg.ID))
	requireSilent(t, customerConn)
	requireSilent(t, agentConn)

	err = f.hub.MarkRead(ctx, agentConn, f.conv.ID, 424242)
	require.True(t, apperr.IsNotFound(err))
}

func TestConversationChanged_ReachesStaffAndRoom(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	other := &models.User{Email: "admin@example.com", Username: "admin", PasswordHash: "x", Role: models.RoleAdmin}
	require.NoError(t, f.repo.CreateUser(ctx, other))
	adminConn := NewClient(other.ID, other.Username, other.Role, "")
	customerConn := NewClient(f.customer.ID, f.customer.Username, f.customer.Role, "v42")
	f.hub.Register(ctx, adminConn)
	f.hub.Register(ctx, customerConn)

	f.hub.ConversationChanged(ctx, "conversation:resolved", f.conv)

	require.Equal(t, "conversation:resolved", next(t, adminConn).Event)
	require.Equal(t, EventConversationUpdated, next(t, adminConn).Event)
	require.Equal(t, "conversation:resolved", next(t, customerConn).Event)
	requireSilent(t, customerConn)
}

func TestDeliver_SlowConsumerIsDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	slow := NewClient(f.agent.ID, f.agent.Username, f.agent.Role, "")
	f.hub.Register(ctx, slow)
	for i := 0; i < sendBuffer; i++ {
		f.hub.SendTo(slow, EventError, errorPayload{Message: "filler"})
	}
	f.hub.SendTo(slow, EventError, errorPayload{Message: "overflow"})

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow client was not closed")
	}
	require.Eventually(t, func() bool { return f.hub.ConnectionCount() == 0 }, time.Second, 10*time.Millisecond)
}
