package channels

import (
	"encoding/json"
	"strings"

	"github.com/suPer8Hu/supportdesk/internal/apperr"
)

type WidgetNormalizer struct{}

func NewWidget() *WidgetNormalizer { return &WidgetNormalizer{} }

func (*WidgetNormalizer) Channel() string { return Widget }

type WidgetPayload struct {
	VisitorID      string `json:"visitorId"`
	Message        string `json:"message"`
	ConversationID uint64 `json:"conversationId"`
	Name           string `json:"name"`
}

func (n *WidgetNormalizer) Normalize(raw []byte) ([]InboundMessage, error) {
	var p WidgetPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidPayload(err)
	}
	visitor := strings.TrimSpace(p.VisitorID)
	text := strings.TrimSpace(p.Message)
	if visitor == "" || text == "" {
		return nil, apperr.Validation("visitorId and message are required")
	}
	return []InboundMessage{{
		Channel:           Widget,
		ExternalID:        visitor,
		SenderDisplayName: p.Name,
		Text:              text,
		ConversationID:    p.ConversationID,
		Metadata:          map[string]any{"channel": Widget},
	}}, nil
}
