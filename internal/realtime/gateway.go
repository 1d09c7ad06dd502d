package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/auth"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/common"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	handleTimeout  = 15 * time.Second
)

// MessagePoster persists and fans out a message sent over the socket.
type MessagePoster interface {
	PostMessage(ctx context.Context, senderID, conversationID uint64, content string, typ chat.MessageType) (*chat.Message, error)
}

// Gateway upgrades authenticated HTTP requests to sockets and dispatches
// inbound frames to the hub.
type Gateway struct {
	hub      *Hub
	poster   MessagePoster
	secret   string
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func NewGateway(hub *Hub, poster MessagePoster, jwtSecret string, allowedOrigins []string, log zerolog.Logger) *Gateway {
	g := &Gateway{
		hub:    hub,
		poster: poster,
		secret: jwtSecret,
		log:    log.With().Str("component", "realtime-gateway").Logger(),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return g
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

func tokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// ServeWS handles GET /ws.
func (g *Gateway) ServeWS(c *gin.Context) {
	tok := tokenFromRequest(c.Request)
	if tok == "" {
		common.Fail(c, http.StatusUnauthorized, 40101, "missing token")
		return
	}
	claims, err := auth.ParseJWT(tok, g.secret)
	if err != nil {
		common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
		return
	}
	users, err := g.hub.store.GetUsers(c.Request.Context(), []uint64{claims.UserID})
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	u := users[claims.UserID]
	if u == nil {
		common.Fail(c, http.StatusUnauthorized, 40102, "invalid token")
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader already wrote the error response
		g.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	client := NewClient(u.ID, u.Username, u.Role, claims.VisitorID)
	ctx := c.Request.Context()
	g.hub.Register(ctx, client)

	go g.writePump(conn, client)
	g.readPump(ctx, conn, client)
}

func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, client *Client) {
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleTimeout)
		g.hub.Unregister(uctx, client)
		cancel()
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.log.Debug().Err(err).Str("conn_id", client.ID).Msg("socket closed")
			}
			return
		}
		select {
		case <-client.Done():
			return
		default:
		}
		g.handleFrame(ctx, client, raw)
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case b := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type conversationRef struct {
	ConversationID uint64 `json:"conversationId"`
}

type sendRequest struct {
	ConversationID uint64           `json:"conversationId"`
	Content        string           `json:"content"`
	Type           chat.MessageType `json:"type"`
}

type readRequest struct {
	ConversationID uint64 `json:"conversationId"`
	MessageID      uint64 `json:"messageId"`
}

func (g *Gateway) handleFrame(parent context.Context, client *Client, raw []byte) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		g.hub.SendTo(client, EventError, errorPayload{Message: "invalid frame"})
		return
	}

	ctx, cancel := context.WithTimeout(parent, handleTimeout)
	defer cancel()

	var err error
	switch f.Event {
	case EventJoin:
		var req conversationRef
		if err = decodeData(f.Data, &req); err == nil {
			if err = g.hub.Join(ctx, client, req.ConversationID); err == nil {
				g.hub.SendTo(client, EventJoined, req)
			}
		}
	case EventLeave:
		var req conversationRef
		if err = decodeData(f.Data, &req); err == nil {
			g.hub.Leave(client, req.ConversationID)
		}
	case EventMessageSend:
		var req sendRequest
		if err = decodeData(f.Data, &req); err == nil {
			if req.Type == "" {
				req.Type = chat.MessageText
			}
			_, err = g.poster.PostMessage(ctx, client.UserID, req.ConversationID, req.Content, req.Type)
		}
	case EventTypingStart:
		var req conversationRef
		if err = decodeData(f.Data, &req); err == nil {
			err = g.hub.StartTyping(ctx, client, req.ConversationID)
		}
	case EventTypingStop:
		var req conversationRef
		if err = decodeData(f.Data, &req); err == nil {
			err = g.hub.StopTyping(ctx, client, req.ConversationID)
		}
	case EventMessageRead:
		var req readRequest
		if err = decodeData(f.Data, &req); err == nil {
			err = g.hub.MarkRead(ctx, client, req.ConversationID, req.MessageID)
		}
	default:
		err = apperr.Validation("unknown event %q", f.Event)
	}

	if err != nil {
		if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
			g.log.Error().Err(err).Str("event", f.Event).Uint64("user_id", client.UserID).Msg("handle frame")
		}
		g.hub.SendTo(client, EventError, errorPayload{Event: f.Event, Message: apperr.Message(err)})
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperr.Validation("data is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Validation("invalid data")
	}
	return nil
}
