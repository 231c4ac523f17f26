package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"coderoom/internal/protocol"
)

// HistoryClient reads chat history from the server's HTTP API.
type HistoryClient struct {
	BaseURL string
	Client  *http.Client
}

// ChatHistory returns the room's chat messages ordered by creation time.
func (c *HistoryClient) ChatHistory(ctx context.Context, roomID string) ([]protocol.ChatMessage, error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	endpoint := fmt.Sprintf("%s/api/rooms/%s/chat", strings.TrimRight(HTTPBase(c.BaseURL), "/"), url.PathEscape(roomID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build chat history request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chat history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat history: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Messages []protocol.ChatMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode chat history: %w", err)
	}
	return body.Messages, nil
}

// HTTPBase maps a ws:// or wss:// server URL onto its http(s) equivalent.
func HTTPBase(base string) string {
	switch {
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	default:
		return base
	}
}
