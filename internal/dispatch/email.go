package dispatch

import (
	"context"

	"github.com/suPer8Hu/supportdesk/internal/email"
)

type EmailSender struct {
	cfg     email.SMTPConfig
	subject string
}

func NewEmailSender(cfg email.SMTPConfig) *EmailSender {
	if !cfg.Enabled() {
		return nil
	}
	return &EmailSender{cfg: cfg, subject: "Re: your support request"}
}

func (*EmailSender) Channel() string { return "email" }

func (s *EmailSender) Send(ctx context.Context, recipient, text string) error {
	return email.SendText(ctx, s.cfg, recipient, s.subject, text)
}
