package channels

import (
	"encoding/json"
	"net/mail"
	"strings"

	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"golang.org/x/net/html"
)

type EmailNormalizer struct{}

func NewEmail() *EmailNormalizer { return &EmailNormalizer{} }

func (*EmailNormalizer) Channel() string { return Email }

type emailPayload struct {
	From      string `json:"from"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	HTML      string `json:"html"`
	MessageID string `json:"messageId"`
}

func (n *EmailNormalizer) Normalize(raw []byte) ([]InboundMessage, error) {
	var p emailPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalidPayload(err)
	}
	if strings.TrimSpace(p.From) == "" {
		return nil, apperr.Validation("from is required")
	}

	addr, name := strings.TrimSpace(p.From), ""
	if parsed, err := mail.ParseAddress(p.From); err == nil {
		addr, name = parsed.Address, parsed.Name
	}
	addr = strings.ToLower(addr)

	text := strings.TrimSpace(p.Text)
	if text == "" && p.HTML != "" {
		text = HTMLToText(p.HTML)
	}
	if text == "" {
		text = strings.TrimSpace(p.Subject)
	}
	if text == "" {
		return nil, nil
	}

	return []InboundMessage{{
		Channel:           Email,
		ExternalID:        addr,
		SenderDisplayName: name,
		Text:              text,
		ProviderMessageID: p.MessageID,
		Metadata: map[string]any{
			"channel": Email,
			"subject": p.Subject,
			"from":    addr,
		},
	}}, nil
}

var blockTags = map[string]bool{
	"br": true, "p": true, "div": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true,
}

// HTMLToText flattens an html body into plain text, dropping scripts and styles
// and keeping a line break per block element.
func HTMLToText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseLines(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				skip++
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if (tag == "script" || tag == "style") && skip > 0 {
				skip--
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.Join(strings.Fields(l), " ")
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
