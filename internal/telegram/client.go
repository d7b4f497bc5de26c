// Package telegram bridges the orchestrator to an operator chat: inbound
// messages become queued session input, outbound notifications land in
// per-session forum topics.
//
// The Bot API surface used here is small and needs forum-topic fields
// (message_thread_id) end to end, so the client speaks HTTP directly.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrThreadNotFound marks a send into a topic that no longer exists.
var ErrThreadNotFound = errors.New("message thread not found")

// Client is a minimal Telegram Bot API client.
type Client struct {
	token string
	base  string
	httpc *http.Client
}

// NewClient creates a client for the given bot token.
func NewClient(token string) *Client {
	return &Client{
		token: token,
		base:  "https://api.telegram.org",
		// Individual calls carry their own context deadlines; the transport
		// timeout is a backstop for stuck connections.
		httpc: &http.Client{Timeout: 90 * time.Second},
	}
}

// NewClientWithBase creates a client against a custom API base URL. Tests
// point this at a local stub.
func NewClientWithBase(token, base string) *Client {
	c := NewClient(token)
	c.base = strings.TrimRight(base, "/")
	return c
}

// Update is one long-poll result.
type Update struct {
	UpdateID int64     `json:"update_id"`
	Message  *Incoming `json:"message"`
}

// Incoming is an inbound chat message.
type Incoming struct {
	MessageID       int    `json:"message_id"`
	Text            string `json:"text"`
	MessageThreadID int    `json:"message_thread_id"`
	Chat            struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	From struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/%s", c.base, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return fmt.Errorf("telegram %s: decoding response: %w", method, err)
	}
	if !api.OK {
		if strings.Contains(strings.ToLower(api.Description), "thread not found") {
			return fmt.Errorf("telegram %s: %w", method, ErrThreadNotFound)
		}
		return fmt.Errorf("telegram %s: %s", method, api.Description)
	}
	if result != nil && len(api.Result) > 0 {
		if err := json.Unmarshal(api.Result, result); err != nil {
			return fmt.Errorf("telegram %s: decoding result: %w", method, err)
		}
	}
	return nil
}

// GetUpdates long-polls for updates after offset, blocking up to timeout.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}, &updates)
	return updates, err
}

// SendMessage posts text to a chat, optionally into a forum topic. A send
// into a deleted topic falls back to the main chat rather than getting lost.
func (c *Client) SendMessage(ctx context.Context, chatID int64, threadID int, text string) error {
	params := map[string]any{"chat_id": chatID, "text": text}
	if threadID > 0 {
		params["message_thread_id"] = threadID
	}
	err := c.call(ctx, "sendMessage", params, nil)
	if errors.Is(err, ErrThreadNotFound) && threadID > 0 {
		return c.call(ctx, "sendMessage", map[string]any{"chat_id": chatID, "text": text}, nil)
	}
	return err
}

type forumTopic struct {
	MessageThreadID int `json:"message_thread_id"`
}

// CreateForumTopic creates a topic in a forum supergroup and returns its
// thread id.
func (c *Client) CreateForumTopic(ctx context.Context, chatID int64, name string) (int, error) {
	var topic forumTopic
	err := c.call(ctx, "createForumTopic", map[string]any{"chat_id": chatID, "name": name}, &topic)
	if err != nil {
		return 0, err
	}
	return topic.MessageThreadID, nil
}

// DeleteForumTopic removes a topic and its messages.
func (c *Client) DeleteForumTopic(ctx context.Context, chatID int64, threadID int) error {
	return c.call(ctx, "deleteForumTopic", map[string]any{"chat_id": chatID, "message_thread_id": threadID}, nil)
}
