// Package telegram sends alarm messages through the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/bissquit/alarm-relay/internal/domain"
)

const (
	defaultAPIURL    = "https://api.telegram.org/bot%s/sendMessage"
	defaultRateLimit = 25.0 // Bot API allows about 30 messages per second per bot
	defaultTimeout   = 10 * time.Second
	defaultRetryWait = time.Second
	maxBodyLog       = 2048
)

// Config holds client configuration.
type Config struct {
	// APIURL is a format string with one %s for the bot token.
	APIURL    string
	RateLimit float64
	Timeout   time.Duration
}

// Message is one outbound chat message.
type Message struct {
	Text                string
	DisableNotification bool
}

// Response describes a successful send.
type Response struct {
	MessageID  int64
	StatusCode int
	Body       string
}

// Client sends messages, enforcing a process-wide send rate.
type Client struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	apiURL     string
}

// NewClient creates a Telegram client.
func NewClient(config Config) *Client {
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	apiURL := config.APIURL
	if apiURL == "" {
		apiURL = defaultAPIURL
	}

	slog.Info("telegram client configured",
		"rate_limit", config.RateLimit,
		"timeout", config.Timeout,
	)

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		apiURL:     apiURL,
	}
}

type sendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Result      *struct {
		MessageID int64 `json:"message_id"`
	} `json:"result,omitempty"`
	Parameters *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// Send posts msg to the chat of creds. Failures are returned as
// *RateLimitError, *RetryableError or *PermanentError.
func (c *Client) Send(ctx context.Context, creds domain.TelegramCredentials, msg Message) (*Response, error) {
	if !creds.Complete() {
		return nil, &PermanentError{Message: "bot token and chat id are required"}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(sendMessageRequest{
		ChatID:              creds.ChatID,
		Text:                msg.Text,
		ParseMode:           "HTML",
		DisableNotification: msg.DisableNotification,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf(c.apiURL, creds.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error embeds the token-bearing URL, so it is never returned as is.
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("send request: %w", context.Canceled)
		}
		return nil, &RetryableError{Message: fmt.Sprintf("send request: %v", redact(err, creds.BotToken))}
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleResponse(resp, creds.ChatID)
}

func (c *Client) handleResponse(resp *http.Response, chatID string) (*Response, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	var tgResp telegramResponse
	if err := json.Unmarshal(raw, &tgResp); err != nil && resp.StatusCode == http.StatusOK {
		return nil, &RetryableError{Code: resp.StatusCode, Message: "malformed response body"}
	}

	if resp.StatusCode == http.StatusOK && tgResp.OK {
		out := &Response{StatusCode: resp.StatusCode, Body: truncate(string(raw), maxBodyLog)}
		if tgResp.Result != nil {
			out.MessageID = tgResp.Result.MessageID
		}
		slog.Debug("telegram message sent", "chat_id", chatID, "message_id", out.MessageID)
		return out, nil
	}

	code := tgResp.ErrorCode
	if code == 0 {
		code = resp.StatusCode
	}
	description := tgResp.Description
	if description == "" {
		description = http.StatusText(code)
	}

	switch {
	case code == http.StatusTooManyRequests:
		retryAfter := defaultRetryWait
		if tgResp.Parameters != nil && tgResp.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(tgResp.Parameters.RetryAfter) * time.Second
		}
		return nil, &RateLimitError{RetryAfter: retryAfter, Message: description}

	case code == http.StatusUnauthorized:
		return nil, &PermanentError{Code: code, Message: "invalid bot token"}

	case code >= 500:
		return nil, &RetryableError{Code: code, Message: description}

	default:
		return nil, &PermanentError{Code: code, Message: description}
	}
}

func redact(err error, token string) string {
	return string(bytes.ReplaceAll([]byte(err.Error()), []byte(token), []byte("***")))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
