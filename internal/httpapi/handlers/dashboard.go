package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/common"
	"github.com/suPer8Hu/supportdesk/internal/inbox"
)

// summarize builds the dashboard row for conv, with the unread count seen from
// the viewer's side.
func (h *Handler) summarize(c *gin.Context, conv *chat.Conversation) (chat.Summary, error) {
	ctx := c.Request.Context()
	last, err := h.repo.LastMessage(ctx, conv.ID)
	if err != nil && !apperr.IsNotFound(err) {
		return chat.Summary{}, err
	}
	s := chat.NewSummary(conv, last)
	unread, err := h.repo.CountUnread(ctx, conv.ID, roleFromContext(c))
	if err != nil {
		return chat.Summary{}, err
	}
	s.UnreadCount = &unread
	return s, nil
}

// conversationFilter reads status, channel, priority, assigned_to (an id, "me" or
// "none"), active, limit and offset.
func conversationFilter(c *gin.Context, uid uint64) (chat.ConversationFilter, error) {
	f := chat.ConversationFilter{
		Status:   chat.Status(strings.ToUpper(c.Query("status"))),
		Channel:  strings.ToLower(c.Query("channel")),
		Priority: chat.Priority(strings.ToUpper(c.Query("priority"))),
		Limit:    queryInt(c, "limit"),
		Offset:   queryInt(c, "offset"),
	}
	if f.Status != "" && f.Status != chat.StatusOpen && f.Status != chat.StatusResolved {
		return f, apperr.Validation("invalid status %q", f.Status)
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return f, apperr.Validation("invalid priority %q", f.Priority)
	}
	switch a := c.Query("assigned_to"); a {
	case "":
	case "none":
		f.Unassigned = true
	case "me":
		f.AssignedTo = &uid
	default:
		id, err := strconv.ParseUint(a, 10, 64)
		if err != nil {
			return f, apperr.Validation("invalid assigned_to")
		}
		f.AssignedTo = &id
	}
	if v := c.Query("active"); v != "" {
		f.ActiveOnly = v == "true" || v == "1"
	}
	return f, nil
}

func (h *Handler) ListConversations(c *gin.Context) {
	uid, _ := userIDFromContext(c)
	f, err := conversationFilter(c, uid)
	if err != nil {
		h.fail(c, err)
		return
	}
	convs, total, err := h.repo.ListConversations(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}

	out := make([]chat.Summary, 0, len(convs))
	for i := range convs {
		s, err := h.summarize(c, &convs[i])
		if err != nil {
			h.fail(c, err)
			return
		}
		out = append(out, s)
	}
	common.OK(c, gin.H{"conversations": out, "total": total})
}

func (h *Handler) GetConversation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	conv, err := h.repo.GetConversation(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	s, err := h.summarize(c, conv)
	if err != nil {
		h.fail(c, err)
		return
	}
	parts, err := h.repo.ActiveParticipants(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	ids := make([]uint64, 0, len(parts)+1)
	ids = append(ids, conv.ContactID)
	for _, p := range parts {
		ids = append(ids, p.UserID)
	}
	users, err := h.repo.GetUsers(ctx, ids)
	if err != nil {
		h.fail(c, err)
		return
	}

	members := make([]gin.H, 0, len(parts))
	for _, p := range parts {
		m := gin.H{"user_id": p.UserID, "role": p.Role, "joined_at": p.JoinedAt}
		if u := users[p.UserID]; u != nil {
			m["username"] = u.Username
			m["is_online"] = u.IsOnline
		}
		members = append(members, m)
	}
	var contact gin.H
	if u := users[conv.ContactID]; u != nil {
		contact = gin.H{"id": u.ID, "username": u.Username, "channel": u.ExternalOrigin, "is_online": u.IsOnline, "last_seen": u.LastSeen}
	}
	common.OK(c, gin.H{"conversation": s, "contact": contact, "participants": members})
}

func (h *Handler) ListMessages(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.repo.GetConversation(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	msgs, err := h.repo.ListMessages(ctx, id, queryInt(c, "limit"), queryUint(c, "before_id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[len(msgs)-1].ID
	}
	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}

type sendMessageReq struct {
	Content  string           `json:"content"`
	Type     chat.MessageType `json:"type"`
	FileURL  string           `json:"file_url"`
	FileName string           `json:"file_name"`
	FileSize int64            `json:"file_size"`
	FileMime string           `json:"file_mime"`
}

// SendMessage posts an agent reply and relays it to the contact's channel before
// answering, so the dashboard learns whether the external send worked.
func (h *Handler) SendMessage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	uid, _ := userIDFromContext(c)
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	res, err := h.inbox.Post(c.Request.Context(), inbox.PostParams{
		SenderID:       uid,
		ConversationID: id,
		Content:        req.Content,
		Type:           chat.MessageType(strings.ToUpper(string(req.Type))),
		FileURL:        req.FileURL,
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		FileMime:       req.FileMime,
		WaitDispatch:   true,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{
		"success":  res.Dispatch != inbox.DispatchFailed,
		"message":  res.Message,
		"dispatch": res.Dispatch,
	})
}

type assignReq struct {
	AgentID uint64 `json:"agent_id"`
}

// Assign hands the conversation to agent_id, or to the caller when it is omitted.
func (h *Handler) Assign(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	uid, _ := userIDFromContext(c)
	var req assignReq
	// an empty body assigns the caller
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if req.AgentID == 0 {
		req.AgentID = uid
	}

	conv, changed, err := h.lifecycle.Assign(c.Request.Context(), id, req.AgentID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if changed {
		h.rooms.JoinUser(req.AgentID, id)
	}
	common.OK(c, gin.H{"conversation": conv, "changed": changed})
}

func (h *Handler) Resolve(c *gin.Context) {
	h.transition(c, h.lifecycle.Resolve)
}

func (h *Handler) Reopen(c *gin.Context) {
	h.transition(c, h.lifecycle.Reopen)
}

func (h *Handler) transition(c *gin.Context, apply func(ctx context.Context, id uint64) (*chat.Conversation, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	conv, err := apply(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"conversation": conv})
}

func (h *Handler) Join(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	uid, _ := userIDFromContext(c)
	conv, err := h.inbox.Join(c.Request.Context(), uid, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"conversation": conv})
}

func (h *Handler) Leave(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	uid, _ := userIDFromContext(c)
	deactivated, err := h.inbox.Leave(c.Request.Context(), uid, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"left": true, "deactivated": deactivated})
}

// MarkRead records receipts for every message in the conversation the caller has
// not read yet.
func (h *Handler) MarkRead(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	uid, _ := userIDFromContext(c)
	ids, err := h.inbox.MarkAllRead(c.Request.Context(), uid, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	common.OK(c, gin.H{"message_ids": ids, "count": len(ids)})
}

// ListTyping lets a poller rebuild typing state without a socket.
func (h *Handler) ListTyping(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.repo.GetConversation(ctx, id); err != nil {
		h.fail(c, err)
		return
	}
	since := time.Now().UTC().Add(-h.cfg.TypingStaleAfter)
	rows, err := h.repo.ListTyping(ctx, id, since)
	if err != nil {
		h.fail(c, err)
		return
	}
	if rows == nil {
		rows = []chat.TypingIndicator{}
	}
	common.OK(c, gin.H{"typing": rows})
}

type priorityReq struct {
	Priority chat.Priority `json:"priority" binding:"required"`
}

func (h *Handler) SetPriority(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req priorityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	conv, err := h.lifecycle.SetPriority(c.Request.Context(), id, chat.Priority(strings.ToUpper(string(req.Priority))))
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"conversation": conv})
}

// Stats counts conversations for the dashboard header.
func (h *Handler) Stats(c *gin.Context) {
	uid, _ := userIDFromContext(c)
	ctx := c.Request.Context()
	buckets := []struct {
		name string
		f    chat.ConversationFilter
	}{
		{"open", chat.ConversationFilter{Status: chat.StatusOpen}},
		{"resolved", chat.ConversationFilter{Status: chat.StatusResolved}},
		{"unassigned", chat.ConversationFilter{Status: chat.StatusOpen, Unassigned: true}},
		{"mine", chat.ConversationFilter{Status: chat.StatusOpen, AssignedTo: &uid}},
		{"urgent", chat.ConversationFilter{Status: chat.StatusOpen, Priority: chat.PriorityUrgent}},
		{"total", chat.ConversationFilter{}},
	}

	out := make(gin.H, len(buckets)+1)
	for _, b := range buckets {
		n, err := h.repo.CountConversations(ctx, b.f)
		if err != nil {
			h.fail(c, err)
			return
		}
		out[b.name] = n
	}
	staff, err := h.repo.ListStaff(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	online := 0
	for _, u := range staff {
		if u.IsOnline {
			online++
		}
	}
	out["agents_online"] = online
	common.OK(c, out)
}
