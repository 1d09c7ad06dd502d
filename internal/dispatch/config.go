package dispatch

import (
	"github.com/suPer8Hu/supportdesk/internal/config"
	"github.com/suPer8Hu/supportdesk/internal/email"
)

// SendersFromConfig builds a sender for every channel that has credentials.
func SendersFromConfig(cfg config.Config) []Sender {
	var out []Sender
	if s := NewFacebookSender(cfg.FacebookGraphURL, cfg.FacebookPageToken); s != nil {
		out = append(out, s)
	}
	if s := NewWhatsAppSender(cfg.WhatsAppGraphURL, cfg.WhatsAppAccessToken, cfg.WhatsAppPhoneNumberID); s != nil {
		out = append(out, s)
	}
	if s := NewTelegramSender(cfg.TelegramAPIURL, cfg.TelegramBotToken); s != nil {
		out = append(out, s)
	}
	if s := NewEmailSender(email.SMTPConfig{
		Host: cfg.SMTPHost,
		Port: cfg.SMTPPort,
		User: cfg.SMTPUser,
		Pass: cfg.SMTPPass,
		From: cfg.SMTPFrom,
	}); s != nil {
		out = append(out, s)
	}
	return out
}
