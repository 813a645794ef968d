package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zhaopengme/witbot/pkg/actions"
	"github.com/zhaopengme/witbot/pkg/engine"
	"github.com/zhaopengme/witbot/pkg/logger"
	"github.com/zhaopengme/witbot/pkg/session"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 1024

	systemPrompt = `You are a chat bot on a messaging platform. Decide what to do with the user's message.
Call at most one tool per response. Tool results contain the updated conversation context as JSON.
When you have what you need, answer the user with a short plain-text message.`
)

type Options struct {
	APIKey    string
	APIBase   string
	Model     string
	MaxTokens int64
}

// Engine is a decision engine backed by the Anthropic Messages API. The
// described actions are offered as tools; a tool call becomes an action
// step and the final text answer becomes a message step.
type Engine struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	tools     []anthropic.ToolUnionParam

	turns map[string]*turn
	mu    sync.Mutex
}

// turn holds the transcript of one in-flight turn for a session.
type turn struct {
	messages []anthropic.MessageParam
	pending  []string
	failure  string
	answered bool
}

func New(opts Options, described []actions.DescribedAction) *Engine {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if base := strings.TrimSpace(opts.APIBase); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	client := anthropic.NewClient(reqOpts...)
	return NewWithClient(&client, opts, described)
}

func NewWithClient(client *anthropic.Client, opts Options, described []actions.DescribedAction) *Engine {
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Engine{
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		tools:     translateActions(described),
		turns:     make(map[string]*turn),
	}
}

func (e *Engine) Converse(ctx context.Context, sessionID, text string, convCtx session.Context) (*engine.Step, error) {
	contextJSON, err := json.Marshal(convCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal context: %w", err)
	}

	e.mu.Lock()
	t := e.turns[sessionID]
	if text != "" {
		t = &turn{}
		t.messages = append(t.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(
			fmt.Sprintf("%s\n\nConversation context: %s", text, contextJSON),
		)))
		e.turns[sessionID] = t
	}
	if t == nil || t.answered {
		delete(e.turns, sessionID)
		e.mu.Unlock()
		return &engine.Step{Type: engine.StepStop}, nil
	}
	if len(t.pending) > 0 {
		t.messages = append(t.messages, anthropic.NewUserMessage(toolResults(t.pending, string(contextJSON), t.failure)...))
		t.pending = nil
		t.failure = ""
	}
	messages := append([]anthropic.MessageParam(nil), t.messages...)
	e.mu.Unlock()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: e.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:  messages,
	}
	if len(e.tools) > 0 {
		params.Tools = e.tools
	}

	resp, err := e.client.Messages.New(ctx, params)
	if err != nil {
		e.forget(sessionID)
		return nil, fmt.Errorf("claude API call: %w", err)
	}

	step, assistant, pending := parseResponse(resp)

	e.mu.Lock()
	defer e.mu.Unlock()
	t = e.turns[sessionID]
	if t == nil {
		return step, nil
	}
	t.messages = append(t.messages, assistant)
	t.pending = pending

	switch step.Type {
	case engine.StepMessage:
		t.answered = true
	case engine.StepStop:
		delete(e.turns, sessionID)
	}

	logger.DebugCF("claude", "Engine step",
		map[string]interface{}{
			"session_id":  sessionID,
			"step":        step.String(),
			"stop_reason": string(resp.StopReason),
		})

	return step, nil
}

// ActionFailed marks the outstanding tool call of sessionID as failed; the
// next request reports it to the model as an error result.
func (e *Engine) ActionFailed(sessionID, action string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t := e.turns[sessionID]; t != nil && len(t.pending) > 0 {
		t.failure = err.Error()
	}
}

func (e *Engine) forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.turns, sessionID)
}

// toolResults answers every outstanding tool call. Only the first one was
// executed; the rest are reported as skipped. A non-empty failure replaces
// the first result with an error.
func toolResults(pending []string, contextJSON, failure string) []anthropic.ContentBlockParamUnion {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(pending))
	for i, id := range pending {
		if i == 0 {
			if failure != "" {
				blocks = append(blocks, anthropic.NewToolResultBlock(id, "failed: "+failure+"\nConversation context: "+contextJSON, true))
				continue
			}
			blocks = append(blocks, anthropic.NewToolResultBlock(id, contextJSON, false))
			continue
		}
		blocks = append(blocks, anthropic.NewToolResultBlock(id, "not executed: one tool call per response", true))
	}
	return blocks
}

func parseResponse(resp *anthropic.Message) (*engine.Step, anthropic.MessageParam, []string) {
	var text strings.Builder
	var blocks []anthropic.ContentBlockParamUnion
	var pending []string
	var step *engine.Step

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			tb := block.AsText()
			text.WriteString(tb.Text)
			blocks = append(blocks, anthropic.NewTextBlock(tb.Text))
		case "tool_use":
			tu := block.AsToolUse()
			blocks = append(blocks, anthropic.NewToolUseBlock(tu.ID, tu.Input, tu.Name))
			pending = append(pending, tu.ID)
			if step == nil {
				step = &engine.Step{
					Type:       engine.StepAction,
					Action:     tu.Name,
					Entities:   inputToEntities(tu.Input),
					Confidence: 1,
				}
			}
		}
	}

	if step == nil {
		if msg := strings.TrimSpace(text.String()); msg != "" {
			step = &engine.Step{Type: engine.StepMessage, Message: msg, Confidence: 1}
		} else {
			step = &engine.Step{Type: engine.StepStop}
		}
	}

	return step, anthropic.NewAssistantMessage(blocks...), pending
}

func inputToEntities(raw json.RawMessage) actions.Entities {
	var input map[string]interface{}
	if err := json.Unmarshal(raw, &input); err != nil || len(input) == 0 {
		return nil
	}
	entities := make(actions.Entities, len(input))
	for name, v := range input {
		entities[name] = []actions.Entity{{Value: v, Confidence: 1}}
	}
	return entities
}

func translateActions(described []actions.DescribedAction) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(described))
	for _, a := range described {
		properties := make(map[string]interface{}, len(a.Entities()))
		for _, name := range a.Entities() {
			properties[name] = map[string]interface{}{
				"type":        "string",
				"description": fmt.Sprintf("The %s mentioned by the user.", name),
			}
		}
		tool := anthropic.ToolParam{
			Name: a.Name(),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: properties,
			},
		}
		if desc := a.Description(); desc != "" {
			tool.Description = anthropic.String(desc)
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return result
}
