// Package channels turns provider webhook payloads into InboundMessage values.
// Normalizers only parse; they never persist anything.
package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sort"
	"strings"

	"github.com/suPer8Hu/supportdesk/internal/apperr"
)

const (
	Facebook = "facebook"
	WhatsApp = "whatsapp"
	Telegram = "telegram"
	Email    = "email"
	Widget   = "widget"
	AIAgent  = "ai-agent"
)

// InboundMessage is the channel-agnostic form of one inbound message.
type InboundMessage struct {
	Channel           string
	ExternalID        string
	SenderDisplayName string
	Text              string
	// ProviderMessageID identifies a provider delivery, used to drop redeliveries.
	ProviderMessageID string
	// ConversationID targets an existing conversation (widget, ai-agent). Zero means
	// the sender's active conversation.
	ConversationID uint64
	Metadata       map[string]any
}

// Normalizer parses one channel's payload. A payload may carry zero or more messages;
// events that are not customer messages (echoes, receipts, statuses) are skipped.
type Normalizer interface {
	Channel() string
	Normalize(raw []byte) ([]InboundMessage, error)
}

// Verifier answers the provider's GET subscription handshake.
type Verifier interface {
	VerifyChallenge(mode, token, challenge string) (string, error)
}

// RequestAuthenticator checks provider signatures or secret headers on a POST.
type RequestAuthenticator interface {
	Authenticate(h http.Header, body []byte) error
}

type Registry struct {
	byName map[string]Normalizer
}

func NewRegistry(normalizers ...Normalizer) *Registry {
	r := &Registry{byName: make(map[string]Normalizer, len(normalizers))}
	for _, n := range normalizers {
		r.byName[n.Channel()] = n
	}
	return r
}

func (r *Registry) Get(name string) (Normalizer, bool) {
	n, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return n, ok
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// verifyChallenge implements the hub.mode/hub.verify_token handshake. The expected
// token never appears in the returned error.
func verifyChallenge(expected, mode, token, challenge string) (string, error) {
	if expected == "" {
		return "", apperr.Authentication("verification is not configured")
	}
	if mode != "subscribe" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		return "", apperr.Authentication("verification failed")
	}
	return challenge, nil
}

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>") against body.
func VerifySignature(secret string, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SignBody returns the X-Hub-Signature-256 value for body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// graphApp holds the settings Facebook and WhatsApp share.
type graphApp struct {
	verifyToken string
	appSecret   string
}

func (g graphApp) VerifyChallenge(mode, token, challenge string) (string, error) {
	return verifyChallenge(g.verifyToken, mode, token, challenge)
}

func (g graphApp) Authenticate(h http.Header, body []byte) error {
	if g.appSecret == "" {
		return nil
	}
	if !VerifySignature(g.appSecret, body, h.Get("X-Hub-Signature-256")) {
		return apperr.Authentication("invalid signature")
	}
	return nil
}

func invalidPayload(err error) error {
	return &apperr.Error{Kind: apperr.KindValidation, Message: "invalid payload", Err: err}
}
