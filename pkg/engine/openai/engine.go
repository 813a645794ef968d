package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"

	"github.com/zhaopengme/witbot/pkg/actions"
	"github.com/zhaopengme/witbot/pkg/engine"
	"github.com/zhaopengme/witbot/pkg/logger"
	"github.com/zhaopengme/witbot/pkg/session"
)

const (
	defaultModel = "gpt-4o-mini"

	instructions = `You are a chat bot on a messaging platform. Decide what to do with the user's message.
Call at most one function per response. Function outputs contain the updated conversation context as JSON.
When you have what you need, answer the user with a short plain-text message.`
)

type Options struct {
	APIKey  string
	APIBase string
	Model   string
}

// Engine is a decision engine backed by the OpenAI Responses API. Described
// actions are offered as function tools; a function call becomes an action
// step and the output text becomes a message step.
type Engine struct {
	client *openai.Client
	model  string
	tools  []responses.ToolUnionParam

	turns map[string]*turn
	mu    sync.Mutex
}

type turn struct {
	input    responses.ResponseInputParam
	pending  []string
	failure  string
	answered bool
}

func New(opts Options, described []actions.DescribedAction) *Engine {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if base := strings.TrimSpace(opts.APIBase); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	client := openai.NewClient(reqOpts...)
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	return &Engine{
		client: &client,
		model:  model,
		tools:  translateActions(described),
		turns:  make(map[string]*turn),
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
		t.input = append(t.input, userMessage(fmt.Sprintf("%s\n\nConversation context: %s", text, contextJSON)))
		e.turns[sessionID] = t
	}
	if t == nil || t.answered {
		delete(e.turns, sessionID)
		e.mu.Unlock()
		return &engine.Step{Type: engine.StepStop}, nil
	}
	if len(t.pending) > 0 {
		t.input = append(t.input, functionOutputs(t.pending, string(contextJSON), t.failure)...)
		t.pending = nil
		t.failure = ""
	}
	input := append(responses.ResponseInputParam(nil), t.input...)
	e.mu.Unlock()

	params := responses.ResponseNewParams{
		Model: e.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: input,
		},
		Instructions: openai.Opt(instructions),
		Store:        openai.Opt(false),
	}
	if len(e.tools) > 0 {
		params.Tools = e.tools
	}

	resp, err := e.client.Responses.New(ctx, params)
	if err != nil {
		e.forget(sessionID)
		fields := map[string]interface{}{
			"session_id": sessionID,
			"model":      e.model,
			"error":      err.Error(),
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			fields["status_code"] = apiErr.StatusCode
			fields["api_code"] = apiErr.Code
		}
		logger.ErrorCF("openai", "Responses API call failed", fields)
		return nil, fmt.Errorf("openai API call: %w", err)
	}

	step, echoed, pending := parseResponse(resp)

	e.mu.Lock()
	defer e.mu.Unlock()
	t = e.turns[sessionID]
	if t == nil {
		return step, nil
	}
	t.input = append(t.input, echoed...)
	t.pending = pending

	switch step.Type {
	case engine.StepMessage:
		t.answered = true
	case engine.StepStop:
		delete(e.turns, sessionID)
	}

	logger.DebugCF("openai", "Engine step",
		map[string]interface{}{
			"session_id": sessionID,
			"step":       step.String(),
			"status":     string(resp.Status),
		})

	return step, nil
}

// ActionFailed marks the outstanding function call of sessionID as failed.
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

func userMessage(text string) responses.ResponseInputItemUnionParam {
	return responses.ResponseInputItemUnionParam{
		OfMessage: &responses.EasyInputMessageParam{
			Role:    responses.EasyInputMessageRoleUser,
			Content: responses.EasyInputMessageContentUnionParam{OfString: openai.Opt(text)},
		},
	}
}

func functionOutput(callID, output string) responses.ResponseInputItemUnionParam {
	return responses.ResponseInputItemUnionParam{
		OfFunctionCallOutput: &responses.ResponseInputItemFunctionCallOutputParam{
			CallID: callID,
			Output: responses.ResponseInputItemFunctionCallOutputOutputUnionParam{OfString: openai.Opt(output)},
		},
	}
}

// functionOutputs answers every outstanding call. Only the first was executed.
func functionOutputs(pending []string, contextJSON, failure string) []responses.ResponseInputItemUnionParam {
	items := make([]responses.ResponseInputItemUnionParam, 0, len(pending))
	for i, id := range pending {
		switch {
		case i > 0:
			items = append(items, functionOutput(id, "not executed: one function call per response"))
		case failure != "":
			items = append(items, functionOutput(id, "failed: "+failure+"\nConversation context: "+contextJSON))
		default:
			items = append(items, functionOutput(id, contextJSON))
		}
	}
	return items
}

// parseResponse turns the model output into the next step, the items to
// replay as input on the following call, and the ids of the function calls
// that still need an output.
func parseResponse(resp *responses.Response) (*engine.Step, []responses.ResponseInputItemUnionParam, []string) {
	var text strings.Builder
	var echoed []responses.ResponseInputItemUnionParam
	var pending []string
	var step *engine.Step

	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					text.WriteString(c.Text)
				}
			}
		case "function_call":
			echoed = append(echoed, responses.ResponseInputItemUnionParam{
				OfFunctionCall: &responses.ResponseFunctionToolCallParam{
					CallID:    item.CallID,
					Name:      item.Name,
					Arguments: item.Arguments,
				},
			})
			pending = append(pending, item.CallID)
			if step == nil {
				step = &engine.Step{
					Type:       engine.StepAction,
					Action:     item.Name,
					Entities:   argumentsToEntities(item.Arguments),
					Confidence: 1,
				}
			}
		}
	}

	msg := strings.TrimSpace(text.String())
	if msg != "" {
		echoed = append([]responses.ResponseInputItemUnionParam{{
			OfMessage: &responses.EasyInputMessageParam{
				Role:    responses.EasyInputMessageRoleAssistant,
				Content: responses.EasyInputMessageContentUnionParam{OfString: openai.Opt(msg)},
			},
		}}, echoed...)
	}

	if step == nil {
		if msg != "" {
			step = &engine.Step{Type: engine.StepMessage, Message: msg, Confidence: 1}
		} else {
			step = &engine.Step{Type: engine.StepStop}
		}
	}

	return step, echoed, pending
}

func argumentsToEntities(arguments string) actions.Entities {
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || len(args) == 0 {
		return nil
	}
	entities := make(actions.Entities, len(args))
	for name, v := range args {
		entities[name] = []actions.Entity{{Value: v, Confidence: 1}}
	}
	return entities
}

func translateActions(described []actions.DescribedAction) []responses.ToolUnionParam {
	result := make([]responses.ToolUnionParam, 0, len(described))
	for _, a := range described {
		properties := make(map[string]interface{}, len(a.Entities()))
		for _, name := range a.Entities() {
			properties[name] = map[string]interface{}{
				"type":        "string",
				"description": fmt.Sprintf("The %s mentioned by the user.", name),
			}
		}
		ft := responses.FunctionToolParam{
			Name: a.Name(),
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": properties,
			},
			Strict: openai.Opt(false),
		}
		if desc := a.Description(); desc != "" {
			ft.Description = openai.Opt(desc)
		}
		result = append(result, responses.ToolUnionParam{OfFunction: &ft})
	}
	return result
}
