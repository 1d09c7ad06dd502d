package channels

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
)

const telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

type TelegramNormalizer struct {
	secretToken string
}

func NewTelegram(secretToken string) *TelegramNormalizer {
	return &TelegramNormalizer{secretToken: secretToken}
}

func (*TelegramNormalizer) Channel() string { return Telegram }

func (n *TelegramNormalizer) Authenticate(h http.Header, _ []byte) error {
	if n.secretToken == "" {
		return nil
	}
	got := h.Get(telegramSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(n.secretToken)) != 1 {
		return apperr.Authentication("invalid secret token")
	}
	return nil
}

func (n *TelegramNormalizer) Normalize(raw []byte) ([]InboundMessage, error) {
	var u tgbotapi.Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, invalidPayload(err)
	}
	m := u.Message
	if m == nil || m.Chat == nil {
		return nil, nil
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	if text == "" {
		return nil, nil
	}

	var display string
	meta := map[string]any{
		"channel":    Telegram,
		"chat_type":  m.Chat.Type,
		"message_id": m.MessageID,
	}
	if m.From != nil {
		display = m.From.UserName
		if display == "" {
			display = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		}
		meta["username"] = m.From.UserName
	}

	return []InboundMessage{{
		Channel:           Telegram,
		ExternalID:        strconv.FormatInt(m.Chat.ID, 10),
		SenderDisplayName: display,
		Text:              text,
		ProviderMessageID: strconv.Itoa(u.UpdateID),
		Metadata:          meta,
	}}, nil
}
