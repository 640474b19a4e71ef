package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Message is one attendance confirmation to deliver to a student or parent.
type Message struct {
	Roll    string    `json:"roll"`
	Name    string    `json:"name"`
	Subject string    `json:"subject"`
	Period  string    `json:"period"`
	Status  string    `json:"status"`
	When    time.Time `json:"when"`
}

// SendResult contains the gateway's delivery response.
type SendResult struct {
	Delivered bool   `json:"delivered"`
	Channel   string `json:"channel"`
	MessageID string `json:"message_id"`
}

// Client calls the notification gateway that delivers attendance
// confirmations over SMS with email fallback.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set, sends are stubbed out so the worker
// runs without a gateway in dev.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Health pings the gateway.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notify: health check failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: health check status %d", resp.StatusCode)
	}
	return nil
}

// SendConfirmation delivers one confirmation message.
func (c *Client) SendConfirmation(ctx context.Context, msg Message) (*SendResult, error) {
	if c.Skip {
		return &SendResult{Delivered: true, Channel: "skip"}, nil
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("notify: encode message failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("notify: create request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notify: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("notify: send failed (%d): %s", resp.StatusCode, string(body))
	}

	var result SendResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("notify: decode response failed: %w", err)
	}
	return &result, nil
}
