package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/supportdesk/internal/ai"
	"github.com/suPer8Hu/supportdesk/internal/common"
)

type triggerReq struct {
	ConversationID uint64 `json:"conversation_id" binding:"required"`
	Instruction    string `json:"instruction"`
}

// TriggerAgent asks the AI agent to answer a conversation. An Idempotency-Key
// header makes retries return the first job.
func (h *Handler) TriggerAgent(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	var req triggerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	job, created, err := h.trigger.Trigger(c.Request.Context(), ai.TriggerRequest{
		ConversationID: req.ConversationID,
		RequestedBy:    uid,
		Instruction:    req.Instruction,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"job_id": job.ID, "status": job.Status, "created": created})
}

func (h *Handler) GetAgentJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if jobID == "" {
		common.Fail(c, http.StatusBadRequest, 10002, "job_id required")
		return
	}

	j, err := h.repo.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		h.fail(c, err)
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":                j.ID,
			"conversation_id":   j.ConversationID,
			"requested_by":      j.RequestedBy,
			"status":            j.Status,
			"result_message_id": j.ResultMessageID,
			"error":             j.Error,
			"created_at":        j.CreatedAt,
			"updated_at":        j.UpdatedAt,
		},
	})
}
