package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type graphError struct {
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// FacebookSender posts to the Messenger Send API.
type FacebookSender struct {
	pageToken  string
	httpClient *resty.Client
}

func NewFacebookSender(graphURL, pageToken string) *FacebookSender {
	if pageToken == "" {
		return nil
	}
	return &FacebookSender{
		pageToken: pageToken,
		httpClient: resty.New().
			SetBaseURL(strings.TrimRight(graphURL, "/")).
			SetHeader("Content-Type", "application/json").
			SetTimeout(10 * time.Second),
	}
}

func (*FacebookSender) Channel() string { return "facebook" }

func (s *FacebookSender) Send(ctx context.Context, recipient, text string) error {
	var apiErr graphError
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetQueryParam("access_token", s.pageToken).
		SetBody(map[string]any{
			"recipient":      map[string]string{"id": recipient},
			"message":        map[string]string{"text": text},
			"messaging_type": "RESPONSE",
		}).
		SetError(&apiErr).
		Post("/me/messages")
	if err != nil {
		return fmt.Errorf("facebook send: %w", err)
	}
	if resp.IsError() {
		if apiErr.Error != nil {
			return fmt.Errorf("facebook send (%d): %s", resp.StatusCode(), apiErr.Error.Message)
		}
		return fmt.Errorf("facebook send (%d)", resp.StatusCode())
	}
	return nil
}

// WhatsAppSender posts to the WhatsApp Cloud API messages endpoint.
type WhatsAppSender struct {
	phoneNumberID string
	httpClient    *resty.Client
}

func NewWhatsAppSender(graphURL, accessToken, phoneNumberID string) *WhatsAppSender {
	if accessToken == "" || phoneNumberID == "" {
		return nil
	}
	return &WhatsAppSender{
		phoneNumberID: phoneNumberID,
		httpClient: resty.New().
			SetBaseURL(strings.TrimRight(graphURL, "/")).
			SetAuthToken(accessToken).
			SetHeader("Content-Type", "application/json").
			SetTimeout(10 * time.Second),
	}
}

func (*WhatsAppSender) Channel() string { return "whatsapp" }

func (s *WhatsAppSender) Send(ctx context.Context, recipient, text string) error {
	var apiErr graphError
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"messaging_product": "whatsapp",
			"recipient_type":    "individual",
			"to":                recipient,
			"type":              "text",
			"text":              map[string]any{"body": text, "preview_url": false},
		}).
		SetError(&apiErr).
		Post("/" + s.phoneNumberID + "/messages")
	if err != nil {
		return fmt.Errorf("whatsapp send: %w", err)
	}
	if resp.IsError() {
		if apiErr.Error != nil {
			return fmt.Errorf("whatsapp send (%d): %s", resp.StatusCode(), apiErr.Error.Message)
		}
		return fmt.Errorf("whatsapp send (%d)", resp.StatusCode())
	}
	return nil
}
