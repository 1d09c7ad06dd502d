package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/channels"
	"github.com/suPer8Hu/supportdesk/internal/common"
)

const maxWebhookBody = 1 << 20

// webhookChannel resolves :name to a provider channel. The widget and the AI agent
// have their own routes.
func (h *Handler) webhookChannel(c *gin.Context) (channels.Normalizer, bool) {
	name := c.Param("name")
	n, ok := h.channels.Get(name)
	if !ok || n.Channel() == channels.Widget || n.Channel() == channels.AIAgent {
		common.Fail(c, http.StatusNotFound, 40403, "unknown channel")
		return nil, false
	}
	return n, true
}

// VerifyWebhook answers the hub.challenge handshake.
func (h *Handler) VerifyWebhook(c *gin.Context) {
	n, ok := h.webhookChannel(c)
	if !ok {
		return
	}
	v, ok := n.(channels.Verifier)
	if !ok {
		common.Fail(c, http.StatusNotFound, 40403, "channel has no verification handshake")
		return
	}
	challenge, err := v.VerifyChallenge(c.Query("hub.mode"), c.Query("hub.verify_token"), c.Query("hub.challenge"))
	if err != nil {
		h.log.Warn().Str("channel", n.Channel()).Msg("webhook verification rejected")
		h.fail(c, err)
		return
	}
	c.String(http.StatusOK, challenge)
}

func readBody(c *gin.Context) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Validation("payload too large")
		}
		return nil, apperr.Validation("unreadable body")
	}
	return body, nil
}

// authenticatedPayload reads the body and runs the channel's signature check.
func (h *Handler) authenticatedPayload(c *gin.Context, n channels.Normalizer) ([]channels.InboundMessage, bool) {
	body, err := readBody(c)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if a, ok := n.(channels.RequestAuthenticator); ok {
		if err := a.Authenticate(c.Request.Header, body); err != nil {
			h.log.Warn().Str("channel", n.Channel()).Msg("webhook authentication failed")
			h.fail(c, err)
			return nil, false
		}
	}
	msgs, err := n.Normalize(body)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return msgs, true
}

// ReceiveWebhook feeds every message of a provider delivery into the inbox. A message
// rejected as invalid is logged and skipped. A storage failure fails the whole delivery
// so the provider retries it; messages already stored are dropped as redeliveries.
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	n, ok := h.webhookChannel(c)
	if !ok {
		return
	}
	msgs, ok := h.authenticatedPayload(c, n)
	if !ok {
		return
	}
	var storeErr error
	for _, in := range msgs {
		_, err := h.inbox.HandleInbound(c.Request.Context(), in)
		if err == nil {
			continue
		}
		if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
			if storeErr == nil {
				storeErr = err
			}
			continue
		}
		h.log.Warn().Err(err).
			Str("channel", in.Channel).
			Str("external_id", in.ExternalID).
			Msg("inbound message rejected")
	}
	if storeErr != nil {
		h.fail(c, storeErr)
		return
	}
	c.String(http.StatusOK, "EVENT_RECEIVED")
}

// AIAgentWebhook accepts a reply generated by the AI agent.
func (h *Handler) AIAgentWebhook(c *gin.Context) {
	n, ok := h.channels.Get(channels.AIAgent)
	if !ok {
		common.Fail(c, http.StatusNotFound, 40403, "ai agent is not configured")
		return
	}
	msgs, ok := h.authenticatedPayload(c, n)
	if !ok {
		return
	}
	res, err := h.inbox.HandleInbound(c.Request.Context(), msgs[0])
	if err != nil {
		h.fail(c, err)
		return
	}
	if res.Duplicate {
		common.OK(c, gin.H{"success": true, "duplicate": true})
		return
	}
	common.OK(c, gin.H{
		"success":         true,
		"conversation_id": res.Conversation.ID,
		"message_id":      res.Message.ID,
	})
}
