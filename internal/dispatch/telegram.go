package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSender calls the Bot API sendMessage method directly so that no
// getMe round trip is needed at startup.
type TelegramSender struct {
	token      string
	httpClient *resty.Client
}

func NewTelegramSender(apiURL, token string) *TelegramSender {
	if token == "" {
		return nil
	}
	return &TelegramSender{
		token: token,
		httpClient: resty.New().
			SetBaseURL(strings.TrimRight(apiURL, "/")).
			SetHeader("Content-Type", "application/json").
			SetTimeout(10 * time.Second),
	}
}

func (*TelegramSender) Channel() string { return "telegram" }

func (s *TelegramSender) Send(ctx context.Context, recipient, text string) error {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram send: invalid chat id %q", recipient)
	}

	var out tgbotapi.APIResponse
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]any{"chat_id": chatID, "text": text}).
		SetResult(&out).
		SetError(&out).
		Post("/bot" + s.token + "/sendMessage")
	if err != nil {
		// resty errors carry the URL, which holds the token
		return fmt.Errorf("telegram send: %s", strings.ReplaceAll(err.Error(), s.token, "***"))
	}
	if resp.IsError() || !out.Ok {
		return fmt.Errorf("telegram send (%d): %s", resp.StatusCode(), out.Description)
	}
	return nil
}
