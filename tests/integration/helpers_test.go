//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/testutil"
)

// sentMessage is one sendMessage call received by the fake Bot API.
type sentMessage struct {
	Token               string
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	DisableNotification bool   `json:"disable_notification"`
}

// fakeTelegram is a Bot API stand-in that records messages.
type fakeTelegram struct {
	*httptest.Server
	mu       sync.Mutex
	messages []sentMessage
}

func newFakeTelegram() *fakeTelegram {
	f := &fakeTelegram{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg sentMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		// Path is /bot<token>/sendMessage
		msg.Token = strings.TrimPrefix(strings.TrimSuffix(r.URL.Path, "/sendMessage"), "/bot")

		f.mu.Lock()
		f.messages = append(f.messages, msg)
		id := len(f.messages)
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":     true,
			"result": map[string]any{"message_id": id},
		})
	}))
	return f
}

// messagesTo returns the messages delivered to chatID.
func (f *fakeTelegram) messagesTo(chatID string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []sentMessage
	for _, m := range f.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

type ingestResult struct {
	QueueID        string `json:"queueId"`
	Priority       int    `json:"priority"`
	PrioritySource string `json:"prioritySource"`
}

// postEvent ingests an event and returns the decoded result.
func postEvent(t *testing.T, client *testutil.Client, event map[string]any) ingestResult {
	t.Helper()

	resp, err := client.POST("/api/v1/events", map[string]any{"event": event})
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var result struct {
		Data ingestResult `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &result)
	require.NotEmpty(t, result.Data.QueueID)
	return result.Data
}

// putTenant stores a tenant config directly in the database.
func putTenant(t *testing.T, tenantID string, cfg domain.TenantConfig) {
	t.Helper()
	require.NoError(t, testStore.PutTenantConfig(context.Background(), tenantID, cfg))
}

// waitForStatus polls the entry until it reaches status.
func waitForStatus(t *testing.T, client *testutil.Client, id string, status domain.QueueStatus) domain.QueueEntry {
	t.Helper()

	var entry domain.QueueEntry
	assert.Eventually(t, func() bool {
		resp, err := client.GET("/api/v1/entries/" + id)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		var result struct {
			Data domain.QueueEntry `json:"data"`
		}
		testutil.DecodeJSON(t, resp, &result)
		entry = result.Data
		return entry.Status == status
	}, 10*time.Second, 100*time.Millisecond)
	return entry
}
