package channels

import (
	"encoding/json"
	"strings"
)

type FacebookNormalizer struct {
	graphApp
}

func NewFacebook(verifyToken, appSecret string) *FacebookNormalizer {
	return &FacebookNormalizer{graphApp{verifyToken: verifyToken, appSecret: appSecret}}
}

func (*FacebookNormalizer) Channel() string { return Facebook }

type fbPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string `json:"id"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Recipient struct {
				ID string `json:"id"`
			} `json:"recipient"`
			Timestamp int64 `json:"timestamp"`
			Message   *struct {
				MID         string `json:"mid"`
				Text        string `json:"text"`
				IsEcho      bool   `json:"is_echo"`
				Attachments []struct {
					Type    string `json:"type"`
					Payload struct {
						URL string `json:"url"`
					} `json:"payload"`
				} `json:"attachments"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

func (n *FacebookNormalizer) Normalize(raw []byte) ([]InboundMessage, error) {
	var p fbPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidPayload(err)
	}

	var out []InboundMessage
	for _, entry := range p.Entry {
		for _, ev := range entry.Messaging {
			m := ev.Message
			if m == nil || m.IsEcho || ev.Sender.ID == "" {
				continue
			}
			meta := map[string]any{
				"channel": Facebook,
				"page_id": entry.ID,
			}
			text := strings.TrimSpace(m.Text)
			if len(m.Attachments) > 0 {
				urls := make([]string, 0, len(m.Attachments))
				for _, a := range m.Attachments {
					urls = append(urls, a.Payload.URL)
				}
				meta["attachments"] = urls
				if text == "" {
					text = "[" + m.Attachments[0].Type + "]"
				}
			}
			if text == "" {
				continue
			}
			out = append(out, InboundMessage{
				Channel:           Facebook,
				ExternalID:        ev.Sender.ID,
				Text:              text,
				ProviderMessageID: m.MID,
				Metadata:          meta,
			})
		}
	}
	return out, nil
}
