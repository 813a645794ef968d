package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/zhaopengme/witbot/pkg/logger"
	"github.com/zhaopengme/witbot/pkg/utils"
)

const defaultGraphAPIBase = "https://graph.facebook.com/v19.0"

// TransportError reports a failed delivery through the Send API.
type TransportError struct {
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("send API: %v", e.Err)
	case e.Status != 0:
		return fmt.Sprintf("send API error (status %d): %s", e.Status, e.Message)
	default:
		return "send API error: " + e.Message
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type MessengerOptions struct {
	PageToken string
	APIBase   string
	Timeout   time.Duration
}

// Messenger delivers text replies through the Graph Send API.
type Messenger struct {
	client   *http.Client
	endpoint string
}

func NewMessenger(opts MessengerOptions) *Messenger {
	base := strings.TrimRight(opts.APIBase, "/")
	if base == "" {
		base = defaultGraphAPIBase
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: opts.PageToken,
		TokenType:   "Bearer",
	}))
	client.Timeout = timeout

	return &Messenger{
		client:   client,
		endpoint: base + "/me/messages",
	}
}

type sendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
	Error       *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (m *Messenger) Send(ctx context.Context, recipientID, text string) error {
	var payload sendRequest
	payload.Recipient.ID = recipientID
	payload.Message.Text = text

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return &TransportError{Status: resp.StatusCode, Err: err}
	}

	var result sendResponse
	jsonErr := json.Unmarshal(respBody, &result)
	if jsonErr == nil && result.Error != nil {
		return &TransportError{Status: resp.StatusCode, Message: result.Error.Message}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransportError{Status: resp.StatusCode, Message: utils.Truncate(string(respBody), 200)}
	}

	logger.DebugCF("messenger", "Message sent",
		map[string]interface{}{
			"recipient_id": recipientID,
			"message_id":   result.MessageID,
			"preview":      utils.Truncate(text, 50),
		})
	return nil
}
