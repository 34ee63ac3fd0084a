package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/opsbot/pkg/backend"
)

const backendName = "telegram"

// ClientConfig holds Bot API settings.
type ClientConfig struct {
	Token   string
	APIBase string
	Retry   backend.Policy
}

// Client sends messages through the Bot API.
type Client struct {
	token   string
	apiBase string
	retry   backend.Policy
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a Bot API client.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = backend.DefaultPolicy()
	}
	return &Client{
		token:   cfg.Token,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		retry:   cfg.Retry,
		http:    &http.Client{},
		logger:  logger,
	}, nil
}

// SendMessage delivers a reply into a chat, optionally threading it
// onto the message that triggered it. Replies retry on transient
// failures so a flaky uplink does not eat command results.
func (c *Client) SendMessage(ctx context.Context, chatID, replyTo int64, text string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if replyTo != 0 {
		payload["reply_to_message_id"] = replyTo
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return backend.Permanent(backendName, "sendMessage", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.apiBase, c.token)
	return c.retry.Do(ctx, c.logger, backendName+"/sendMessage", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backend.Permanent(backendName, "sendMessage", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return backend.ClassifyTransport(backendName, "sendMessage", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &backend.Error{
				Backend: backendName,
				Op:      "sendMessage",
				Kind:    backend.ClassifyHTTP(resp.StatusCode),
				Err:     fmt.Errorf("status %d", resp.StatusCode),
			}
		}
		return nil
	})
}
