package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type OllamaProvider struct {
	Model  string
	client *resty.Client
}

func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3:latest"
	}
	return &OllamaProvider{
		Model: model,
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetHeader("Content-Type", "application/json").
			SetTimeout(90 * time.Second),
	}
}

type ollamaChatReq struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChatResp struct {
	Message Message `json:"message"`
	Error   string  `json:"error,omitempty"`
}

func (p *OllamaProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	var decoded ollamaChatResp
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(ollamaChatReq{Model: p.Model, Messages: messages}).
		SetResult(&decoded).
		SetError(&decoded).
		Post("/api/chat")
	if err != nil {
		return "", fmt.Errorf("ollama: %w", err)
	}
	if decoded.Error != "" {
		return "", errors.New("ollama: " + decoded.Error)
	}
	if resp.IsError() {
		return "", fmt.Errorf("ollama: status %d", resp.StatusCode())
	}
	return decoded.Message.Content, nil
}
