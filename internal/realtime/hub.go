// Package realtime keeps the live socket registry and fans persisted state out to it.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/metrics"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

const sendBuffer = 64

// Store is the part of the conversation store the fanout reads and writes.
type Store interface {
	GetConversation(ctx context.Context, id uint64) (*chat.Conversation, error)
	IsActiveParticipant(ctx context.Context, conversationID, userID uint64) (bool, error)
	ActiveParticipants(ctx context.Context, conversationID uint64) ([]chat.Participant, error)
	ConversationIDsForUser(ctx context.Context, userID uint64) ([]uint64, error)
	SetUserPresence(ctx context.Context, userID uint64, online bool, at time.Time) error
	GetUsers(ctx context.Context, ids []uint64) (map[uint64]*models.User, error)
	GetMessage(ctx context.Context, id uint64) (*chat.Message, error)
	LastMessage(ctx context.Context, conversationID uint64) (*chat.Message, error)
	MarkRead(ctx context.Context, messageID, userID uint64) (*chat.MessageRead, bool, error)
	StartTyping(ctx context.Context, conversationID, userID uint64, at time.Time) error
	StopTyping(ctx context.Context, conversationID, userID uint64, at time.Time) (bool, error)
	ClearTypingForUser(ctx context.Context, userID uint64) ([]chat.TypingIndicator, error)
	PurgeStaleTyping(ctx context.Context, before time.Time) ([]chat.TypingIndicator, error)
}

// Presence mirrors online state outside the process.
type Presence interface {
	SetPresence(ctx context.Context, userID uint64, online bool) error
}

// Client is one registered connection. A user may hold several.
type Client struct {
	ID        string
	UserID    uint64
	Username  string
	Role      models.Role
	VisitorID string

	send  chan []byte
	done  chan struct{}
	once  sync.Once
	rooms map[uint64]struct{} // guarded by Hub.mu
}

func NewClient(userID uint64, username string, role models.Role, visitorID string) *Client {
	return &Client{
		ID:        uuid.NewString(),
		UserID:    userID,
		Username:  username,
		Role:      role,
		VisitorID: visitorID,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		rooms:     make(map[uint64]struct{}),
	}
}

// Send returns the outbound frame queue.
func (c *Client) Send() <-chan []byte { return c.send }

// Done is closed once the client has been unregistered.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) close() { c.once.Do(func() { close(c.done) }) }

type clientSet map[string]*Client

// Hub is the connection registry: a primary index by connection id and secondary
// indexes by user, role and conversation room. All maps are guarded by mu and no
// store or network call happens while it is held.
type Hub struct {
	mu      sync.RWMutex
	clients clientSet
	byUser  map[uint64]clientSet
	byRole  map[models.Role]clientSet
	rooms   map[uint64]clientSet

	store    Store
	presence Presence
	log      zerolog.Logger
	now      func() time.Time
}

func NewHub(store Store, presence Presence, log zerolog.Logger) *Hub {
	return &Hub{
		clients:  make(clientSet),
		byUser:   make(map[uint64]clientSet),
		byRole:   make(map[models.Role]clientSet),
		rooms:    make(map[uint64]clientSet),
		store:    store,
		presence: presence,
		log:      log.With().Str("component", "realtime-hub").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func addTo[K comparable](m map[K]clientSet, k K, c *Client) {
	set, ok := m[k]
	if !ok {
		set = make(clientSet)
		m[k] = set
	}
	set[c.ID] = c
}

func removeFrom[K comparable](m map[K]clientSet, k K, id string) {
	if set, ok := m[k]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, k)
		}
	}
}

// Register adds the connection, joins it to the rooms of the conversations its user
// is in, and announces the user online on their first connection.
func (h *Hub) Register(ctx context.Context, c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	addTo(h.byUser, c.UserID, c)
	addTo(h.byRole, c.Role, c)
	first := len(h.byUser[c.UserID]) == 1
	h.mu.Unlock()
	metrics.LiveConnections.Inc()

	convIDs, err := h.store.ConversationIDsForUser(ctx, c.UserID)
	if err != nil {
		h.log.Warn().Err(err).Uint64("user_id", c.UserID).Msg("load conversations for connection")
	}
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; ok {
		for _, id := range convIDs {
			addTo(h.rooms, id, c)
			c.rooms[id] = struct{}{}
		}
	}
	h.mu.Unlock()

	h.log.Debug().Str("conn_id", c.ID).Uint64("user_id", c.UserID).Msg("connection registered")
	if first {
		h.announcePresence(ctx, c.UserID, true, convIDs)
	}
}

// Unregister evicts the connection. When it was the user's last connection the
// user's typing state is cleared and the user goes offline. Safe to call more than once.
func (h *Hub) Unregister(ctx context.Context, c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	removeFrom(h.byUser, c.UserID, c.ID)
	removeFrom(h.byRole, c.Role, c.ID)
	for id := range c.rooms {
		removeFrom(h.rooms, id, c.ID)
	}
	c.rooms = make(map[uint64]struct{})
	last := len(h.byUser[c.UserID]) == 0
	h.mu.Unlock()
	c.close()
	metrics.LiveConnections.Dec()

	h.log.Debug().Str("conn_id", c.ID).Uint64("user_id", c.UserID).Msg("connection unregistered")
	if last {
		h.clearTyping(ctx, c)
		convIDs, err := h.store.ConversationIDsForUser(ctx, c.UserID)
		if err != nil {
			h.log.Warn().Err(err).Uint64("user_id", c.UserID).Msg("load conversations for presence")
		}
		h.announcePresence(ctx, c.UserID, false, convIDs)
	}
}

func (h *Hub) clearTyping(ctx context.Context, c *Client) {
	cleared, err := h.store.ClearTypingForUser(ctx, c.UserID)
	if err != nil {
		h.log.Warn().Err(err).Uint64("user_id", c.UserID).Msg("clear typing on disconnect")
	}
	for _, ti := range cleared {
		h.emitToRoom(ti.ConversationID, EventTypingStop, typingPayload{
			ConversationID: ti.ConversationID,
			UserID:         ti.UserID,
			Username:       c.Username,
		})
	}
}

func (h *Hub) announcePresence(ctx context.Context, userID uint64, online bool, convIDs []uint64) {
	at := h.now()
	if err := h.store.SetUserPresence(ctx, userID, online, at); err != nil {
		h.log.Warn().Err(err).Uint64("user_id", userID).Msg("persist presence")
	}
	if h.presence != nil {
		if err := h.presence.SetPresence(ctx, userID, online); err != nil {
			h.log.Warn().Err(err).Uint64("user_id", userID).Msg("mirror presence")
		}
	}

	event := EventUserOffline
	if online {
		event = EventUserOnline
	}
	targets := h.collect(func(add func(clientSet)) {
		for _, id := range convIDs {
			add(h.rooms[id])
		}
	}, userID)
	h.deliver(targets, event, presencePayload{UserID: userID})
	h.deliver(targets, EventUserStatus, statusPayload{UserID: userID, IsOnline: online, LastSeen: at})
}

// Join subscribes the connection to a conversation room. Only active participants
// may join, except a widget visitor joining its own conversation.
func (h *Hub) Join(ctx context.Context, c *Client, conversationID uint64) error {
	conv, err := h.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	allowed := c.VisitorID != "" && conv.VisitorID != nil && *conv.VisitorID == c.VisitorID
	if !allowed {
		allowed, err = h.store.IsActiveParticipant(ctx, conversationID, c.UserID)
		if err != nil {
			return err
		}
	}
	if !allowed {
		return apperr.Authentication("not a participant of this conversation")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return apperr.Authentication("connection closed")
	}
	addTo(h.rooms, conversationID, c)
	c.rooms[conversationID] = struct{}{}
	return nil
}

func (h *Hub) Leave(c *Client, conversationID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	removeFrom(h.rooms, conversationID, c.ID)
	delete(c.rooms, conversationID)
}

// JoinUser subscribes every live connection of a user to a room, used when the
// user becomes a participant while connected.
func (h *Hub) JoinUser(userID, conversationID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.byUser[userID] {
		addTo(h.rooms, conversationID, c)
		c.rooms[conversationID] = struct{}{}
	}
}

// LeaveUser removes every live connection of a user from a room.
func (h *Hub) LeaveUser(userID, conversationID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.byUser[userID] {
		removeFrom(h.rooms, conversationID, c.ID)
		delete(c.rooms, conversationID)
	}
}

func (h *Hub) InRoom(c *Client, conversationID uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[conversationID][c.ID]
	return ok
}

func (h *Hub) IsOnline(userID uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// collect snapshots targets under the read lock, skipping connections of exceptUser.
func (h *Hub) collect(fill func(add func(clientSet)), exceptUser uint64) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []*Client
	fill(func(set clientSet) {
		for id, c := range set {
			if _, dup := seen[id]; dup || (exceptUser != 0 && c.UserID == exceptUser) {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, c)
		}
	})
	return out
}

func (h *Hub) roomTargets(conversationID uint64, exceptUser uint64) []*Client {
	return h.collect(func(add func(clientSet)) { add(h.rooms[conversationID]) }, exceptUser)
}

func (h *Hub) staffTargets() []*Client {
	return h.collect(func(add func(clientSet)) {
		add(h.byRole[models.RoleAgent])
		add(h.byRole[models.RoleAdmin])
	}, 0)
}

func (h *Hub) emitToRoom(conversationID uint64, event string, data any) {
	h.deliver(h.roomTargets(conversationID, 0), event, data)
}

// deliver queues one encoded frame on every target without blocking. A connection
// whose buffer is full is evicted.
func (h *Hub) deliver(targets []*Client, event string, data any) {
	if len(targets) == 0 {
		return
	}
	b, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("encode frame")
		return
	}
	for _, c := range targets {
		select {
		case c.send <- b:
			metrics.EventsEmittedTotal.WithLabelValues(event).Inc()
		case <-c.done:
		default:
			h.log.Warn().Str("conn_id", c.ID).Uint64("user_id", c.UserID).Msg("send buffer full, dropping connection")
			metrics.SlowConsumersDropped.Inc()
			c.close()
			go h.Unregister(context.Background(), c)
		}
	}
}

// SendTo queues a frame for one connection.
func (h *Hub) SendTo(c *Client, event string, data any) {
	h.deliver([]*Client{c}, event, data)
}
