package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/supportdesk/internal/auth"
	"github.com/suPer8Hu/supportdesk/internal/channels"
	"github.com/suPer8Hu/supportdesk/internal/common"
)

type widgetStartReq struct {
	VisitorID string `json:"visitorId"`
	Name      string `json:"name"`
}

// StartWidgetConversation opens (or resumes) the visitor's conversation and issues
// the visitor token the widget uses for the socket and later calls.
func (h *Handler) StartWidgetConversation(c *gin.Context) {
	var req widgetStartReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	visitorID := strings.TrimSpace(req.VisitorID)
	sess, err := h.inbox.StartWidgetConversation(c.Request.Context(), visitorID, req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}

	token, err := auth.SignClaims(auth.Claims{
		UserID:    sess.Visitor.ID,
		Role:      sess.Visitor.Role,
		Origin:    sess.Visitor.ExternalOrigin,
		VisitorID: visitorID,
	}, h.cfg.JWTSecret, h.cfg.TokenTTL)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 20003, "failed to sign token")
		return
	}

	common.OK(c, gin.H{
		"conversation": sess.Conversation,
		"messages":     sess.Messages,
		"created":      sess.Created,
		"token":        token,
		"visitor": gin.H{
			"id":       sess.Visitor.ID,
			"username": sess.Visitor.Username,
		},
	})
}

// SendWidgetMessage takes {visitorId, message, conversationId}. The visitor in the
// body must be the one the token was issued to.
func (h *Handler) SendWidgetMessage(c *gin.Context) {
	n, ok := h.channels.Get(channels.Widget)
	if !ok {
		common.Fail(c, http.StatusNotFound, 40403, "widget is not configured")
		return
	}
	body, err := readBody(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	msgs, err := n.Normalize(body)
	if err != nil {
		h.fail(c, err)
		return
	}
	in := msgs[0]
	if in.ExternalID != visitorFromContext(c) {
		common.Fail(c, http.StatusForbidden, 40301, "visitor mismatch")
		return
	}

	res, err := h.inbox.HandleInbound(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{
		"conversation_id": res.Conversation.ID,
		"message":         res.Message,
	})
}

func (h *Handler) ListWidgetMessages(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	visitorID := visitorFromContext(c)
	if visitorID == "" {
		common.Fail(c, http.StatusForbidden, 40301, "visitor token required")
		return
	}
	msgs, err := h.inbox.VisitorMessages(c.Request.Context(), visitorID, id, queryInt(c, "limit"), queryUint(c, "before_id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	var nextBeforeID uint64
	if len(msgs) > 0 {
		nextBeforeID = msgs[0].ID
	}
	common.OK(c, gin.H{
		"messages":       msgs,
		"next_before_id": nextBeforeID,
	})
}
