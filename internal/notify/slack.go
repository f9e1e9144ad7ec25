package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ahrav/go-orchestra/internal/config"
)

// SlackSender posts direct messages with the chat.postMessage Web API.
type SlackSender struct {
	token  string
	apiURL string
	client *http.Client
}

var _ Sender = (*SlackSender)(nil)

// NewSlackSender creates a sender from Slack settings. A nil client gets a
// default with a 10s timeout.
func NewSlackSender(cfg config.Slack, client *http.Client) *SlackSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackSender{
		token:  cfg.Token,
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		client: client,
	}
}

type slackPostMessage struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Send implements Sender. The recipient is the worker's Slack user ID, which
// chat.postMessage accepts as a DM channel.
func (s *SlackSender) Send(ctx context.Context, msg Message) error {
	text := msg.Body
	if msg.Subject != "" {
		text = "*" + msg.Subject + "*\n" + msg.Body
	}
	body, err := json.Marshal(slackPostMessage{Channel: msg.Recipient, Text: text})
	if err != nil {
		return fmt.Errorf("slack: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/chat.postMessage", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack: unexpected status %d", resp.StatusCode)
	}
	var out slackResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("slack: decode response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("slack: %s", out.Error)
	}
	return nil
}
