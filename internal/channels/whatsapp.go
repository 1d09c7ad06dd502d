package channels

import (
	"encoding/json"
	"strings"
)

type WhatsAppNormalizer struct {
	graphApp
}

func NewWhatsApp(verifyToken, appSecret string) *WhatsAppNormalizer {
	return &WhatsAppNormalizer{graphApp{verifyToken: verifyToken, appSecret: appSecret}}
}

func (*WhatsAppNormalizer) Channel() string { return WhatsApp }

type waPayload struct {
	Entry []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func (n *WhatsAppNormalizer) Normalize(raw []byte) ([]InboundMessage, error) {
	var p waPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidPayload(err)
	}

	var out []InboundMessage
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			// status callbacks carry no messages and fall through
			for _, m := range v.Messages {
				text := strings.TrimSpace(m.Text.Body)
				if m.From == "" {
					continue
				}
				if text == "" {
					if m.Type == "" || m.Type == "text" {
						continue
					}
					text = "[" + m.Type + "]"
				}
				out = append(out, InboundMessage{
					Channel:           WhatsApp,
					ExternalID:        m.From,
					SenderDisplayName: names[m.From],
					Text:              text,
					ProviderMessageID: m.ID,
					Metadata: map[string]any{
						"channel":         WhatsApp,
						"phone_number_id": v.Metadata.PhoneNumberID,
						"message_type":    m.Type,
					},
				})
			}
		}
	}
	return out, nil
}
