package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/bissquit/alarm-relay/internal/domain"
)

var testCreds = domain.TelegramCredentials{BotToken: "123456:ABC", ChatID: "-100200"}

func newTestClient(server *httptest.Server) *Client {
	return &Client{
		httpClient: server.Client(),
		limiter:    rate.NewLimiter(rate.Inf, 1),
		apiURL:     server.URL + "/%s/sendMessage",
	}
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient(Config{})

	assert.Equal(t, defaultAPIURL, c.apiURL)
	assert.Equal(t, defaultTimeout, c.httpClient.Timeout)
	assert.Equal(t, rate.Limit(defaultRateLimit), c.limiter.Limit())
}

func TestNewClient_Custom(t *testing.T) {
	c := NewClient(Config{APIURL: "http://x/%s", RateLimit: 5, Timeout: 2 * time.Second})

	assert.Equal(t, "http://x/%s", c.apiURL)
	assert.Equal(t, 2*time.Second, c.httpClient.Timeout)
	assert.Equal(t, rate.Limit(5), c.limiter.Limit())
}

func TestClient_Send_Success(t *testing.T) {
	var got sendMessageRequest
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
	}))
	defer server.Close()

	resp, err := newTestClient(server).Send(context.Background(), testCreds, Message{
		Text:                "<b>alarm</b>",
		DisableNotification: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "/123456:ABC/sendMessage", gotPath)
	assert.Equal(t, "-100200", got.ChatID)
	assert.Equal(t, "<b>alarm</b>", got.Text)
	assert.Equal(t, "HTML", got.ParseMode)
	assert.True(t, got.DisableNotification)

	assert.Equal(t, int64(42), resp.MessageID)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Body, `"message_id":42`)
}

func TestClient_Send_IncompleteCredentials(t *testing.T) {
	c := &Client{limiter: rate.NewLimiter(rate.Inf, 1)}

	_, err := c.Send(context.Background(), domain.TelegramCredentials{BotToken: "t"}, Message{Text: "x"})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestClient_Send_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantRetryable bool
		wantCode      int
		wantContains  string
		wantRetry     time.Duration
	}{
		{
			name:          "rate limited with retry_after",
			status:        http.StatusTooManyRequests,
			body:          `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 30","parameters":{"retry_after":30}}`,
			wantRetryable: true,
			wantCode:      429,
			wantContains:  "30s",
			wantRetry:     30 * time.Second,
		},
		{
			name:          "rate limited without parameters",
			status:        http.StatusTooManyRequests,
			body:          `{"ok":false,"error_code":429,"description":"Too Many Requests"}`,
			wantRetryable: true,
			wantCode:      429,
			wantContains:  "rate limited",
			wantRetry:     time.Second,
		},
		{
			name:          "invalid token",
			status:        http.StatusUnauthorized,
			body:          `{"ok":false,"error_code":401,"description":"Unauthorized"}`,
			wantRetryable: false,
			wantCode:      401,
			wantContains:  "invalid bot token",
		},
		{
			name:          "bot blocked",
			status:        http.StatusForbidden,
			body:          `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
			wantRetryable: false,
			wantCode:      403,
			wantContains:  "telegram error 403",
		},
		{
			name:          "chat not found",
			status:        http.StatusBadRequest,
			body:          `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`,
			wantRetryable: false,
			wantCode:      400,
			wantContains:  "chat not found",
		},
		{
			name:          "server error",
			status:        http.StatusInternalServerError,
			body:          `{"ok":false,"error_code":500,"description":"Internal Server Error"}`,
			wantRetryable: true,
			wantCode:      500,
		},
		{
			name:          "bad gateway without json",
			status:        http.StatusBadGateway,
			body:          `<html>bad gateway</html>`,
			wantRetryable: true,
			wantCode:      502,
			wantContains:  "Bad Gateway",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := newTestClient(server).Send(context.Background(), testCreds, Message{Text: "x"})
			require.Error(t, err)

			assert.Equal(t, tt.wantRetryable, IsRetryable(err))
			assert.Equal(t, tt.wantCode, StatusCode(err))
			assert.Equal(t, tt.wantRetry, GetRetryAfter(err))
			if tt.wantContains != "" {
				assert.Contains(t, err.Error(), tt.wantContains)
			}
		})
	}
}

func TestClient_Send_NetworkErrorRedactsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	c := newTestClient(server)
	server.Close()

	_, err := c.Send(context.Background(), testCreds, Message{Text: "x"})
	require.Error(t, err)

	assert.True(t, IsRetryable(err))
	assert.NotContains(t, err.Error(), testCreds.BotToken)
}

func TestClient_Send_ContextCancelled(t *testing.T) {
	c := &Client{limiter: rate.NewLimiter(rate.Every(time.Hour), 1), apiURL: "http://unused/%s"}
	// Drain the single burst token so Wait must block.
	c.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Send(ctx, testCreds, Message{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
}

func TestClient_Send_CancelledInFlight_RedactsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := newTestClient(server).Send(ctx, testCreds, Message{Text: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotContains(t, err.Error(), testCreds.BotToken)
	assert.False(t, IsRetryable(err))
}

func TestHelpers_UnclassifiedError(t *testing.T) {
	err := errors.New("boom")

	assert.False(t, IsRetryable(err))
	assert.Equal(t, time.Duration(0), GetRetryAfter(err))
	assert.Equal(t, 0, StatusCode(err))
}
