package wit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/zhaopengme/witbot/pkg/actions"
	"github.com/zhaopengme/witbot/pkg/engine"
	"github.com/zhaopengme/witbot/pkg/logger"
	"github.com/zhaopengme/witbot/pkg/session"
	"github.com/zhaopengme/witbot/pkg/utils"
)

const defaultAPIBase = "https://api.wit.ai"

type Options struct {
	Token   string
	APIBase string
	Version string
	Timeout time.Duration
}

// Client talks to the Wit.ai converse endpoint.
type Client struct {
	httpClient *http.Client
	apiBase    string
	version    string
}

func NewClient(opts Options) *Client {
	base := strings.TrimRight(opts.APIBase, "/")
	if base == "" {
		base = defaultAPIBase
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: opts.Token,
		TokenType:   "Bearer",
	}))
	httpClient.Timeout = timeout

	return &Client{
		httpClient: httpClient,
		apiBase:    base,
		version:    opts.Version,
	}
}

type converseResponse struct {
	Type       string                     `json:"type"`
	Msg        string                     `json:"msg"`
	Action     string                     `json:"action"`
	Entities   map[string]json.RawMessage `json:"entities"`
	Confidence float64                    `json:"confidence"`
	Error      string                     `json:"error"`
}

// Converse posts the context and (on the first call of a turn) the user's
// text, and maps the reply onto an engine.Step.
func (c *Client) Converse(ctx context.Context, sessionID, text string, convCtx session.Context) (*engine.Step, error) {
	q := url.Values{}
	q.Set("session_id", sessionID)
	if c.version != "" {
		q.Set("v", c.version)
	}
	if text != "" {
		q.Set("q", text)
	}

	if convCtx == nil {
		convCtx = session.Context{}
	}
	body, err := json.Marshal(convCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context: %w", err)
	}

	endpoint := c.apiBase + "/converse?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	logger.DebugCF("wit", "Converse request",
		map[string]interface{}{
			"session_id": sessionID,
			"text":       utils.Truncate(text, 80),
		})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("converse request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read converse response: %w", err)
	}

	var out converseResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("converse API error (status %d): %s", resp.StatusCode, utils.Truncate(string(respBody), 200))
	}
	if out.Error != "" {
		return nil, fmt.Errorf("converse API error (status %d): %s", resp.StatusCode, out.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("converse API error (status %d)", resp.StatusCode)
	}

	return toStep(out)
}

func toStep(out converseResponse) (*engine.Step, error) {
	step := &engine.Step{Confidence: out.Confidence}

	switch out.Type {
	case "action":
		step.Type = engine.StepAction
		step.Action = out.Action
	case "msg":
		step.Type = engine.StepMessage
		step.Message = out.Msg
	case "stop":
		step.Type = engine.StepStop
	default:
		return nil, fmt.Errorf("unknown converse step type %q", out.Type)
	}

	entities, err := decodeEntities(out.Entities)
	if err != nil {
		return nil, err
	}
	step.Entities = entities

	return step, nil
}

// decodeEntities accepts both the list form {"loc":[{...}]} and the older
// single-object form {"loc":{...}}.
func decodeEntities(raw map[string]json.RawMessage) (actions.Entities, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	entities := make(actions.Entities, len(raw))
	for name, msg := range raw {
		trimmed := bytes.TrimSpace(msg)
		if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
			continue
		}

		var list []actions.Entity
		if trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &list); err != nil {
				return nil, fmt.Errorf("decoding entity %q: %w", name, err)
			}
		} else {
			var single actions.Entity
			if err := json.Unmarshal(trimmed, &single); err != nil {
				return nil, fmt.Errorf("decoding entity %q: %w", name, err)
			}
			list = []actions.Entity{single}
		}
		entities[name] = list
	}
	return entities, nil
}
