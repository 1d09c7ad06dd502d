package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/supportdesk/internal/channels"
)

func TestWebhookPoster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(channels.AIAgentSecretHeader) != "s3cret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var p channels.AIAgentPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, uint64(7), p.ConversationID)
		assert.Equal(t, "reply", p.Metadata.Intent)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	payload := channels.AIAgentPayload{ConversationID: 7, Message: "hi"}
	payload.Metadata.Intent = "reply"

	require.NoError(t, NewWebhookPoster(srv.URL, "s3cret", time.Second).PostReply(context.Background(), payload))
	err := NewWebhookPoster(srv.URL, "wrong", time.Second).PostReply(context.Background(), payload)
	require.ErrorContains(t, err, "status 403")
}
