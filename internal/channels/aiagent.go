package channels

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/suPer8Hu/supportdesk/internal/apperr"
)

const AIAgentSecretHeader = "X-AI-Agent-Secret"

// AIAgentNormalizer accepts replies posted back by the AI agent worker.
type AIAgentNormalizer struct {
	secret string
}

func NewAIAgent(secret string) *AIAgentNormalizer { return &AIAgentNormalizer{secret: secret} }

func (*AIAgentNormalizer) Channel() string { return AIAgent }

func (n *AIAgentNormalizer) Authenticate(h http.Header, _ []byte) error {
	if n.secret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(h.Get(AIAgentSecretHeader)), []byte(n.secret)) != 1 {
		return apperr.Authentication("invalid agent secret")
	}
	return nil
}

type AIAgentPayload struct {
	ConversationID uint64 `json:"conversationId"`
	Message        string `json:"message"`
	JobID          string `json:"jobId,omitempty"`
	Metadata       struct {
		Intent     string  `json:"intent"`
		Confidence float64 `json:"confidence"`
	} `json:"metadata"`
}

func (n *AIAgentNormalizer) Normalize(raw []byte) ([]InboundMessage, error) {
	var p AIAgentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidPayload(err)
	}
	text := strings.TrimSpace(p.Message)
	if p.ConversationID == 0 || text == "" {
		return nil, apperr.Validation("conversationId and message are required")
	}
	meta := map[string]any{
		"channel":    AIAgent,
		"intent":     p.Metadata.Intent,
		"confidence": p.Metadata.Confidence,
	}
	if p.JobID != "" {
		meta["job_id"] = p.JobID
	}
	return []InboundMessage{{
		Channel:           AIAgent,
		ExternalID:        AIAgent,
		Text:              text,
		ProviderMessageID: p.JobID,
		ConversationID:    p.ConversationID,
		Metadata:          meta,
	}}, nil
}
