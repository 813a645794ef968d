package claude

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/witbot/pkg/actions"
	"github.com/zhaopengme/witbot/pkg/engine"
	"github.com/zhaopengme/witbot/pkg/session"
)

const toolUseResponse = `{
	"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
	"content": [{"type": "tool_use", "id": "toolu_1", "name": "getForecast", "input": {"location": "Paris"}}],
	"stop_reason": "tool_use", "stop_sequence": null,
	"usage": {"input_tokens": 10, "output_tokens": 5}
}`

const textResponse = `{
	"id": "msg_2", "type": "message", "role": "assistant", "model": "claude-test",
	"content": [{"type": "text", "text": "It is sunny in Paris."}],
	"stop_reason": "end_turn", "stop_sequence": null,
	"usage": {"input_tokens": 20, "output_tokens": 7}
}`

func TestEngine_ToolCallThenAnswerThenStop(t *testing.T) {
	var calls int32
	var secondBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) == 1 {
			assert.Contains(t, string(body), "getForecast")
			_, _ = w.Write([]byte(toolUseResponse))
			return
		}
		secondBody = string(body)
		_, _ = w.Write([]byte(textResponse))
	}))
	defer srv.Close()

	described := []actions.DescribedAction{actions.NewForecastAction(nil, "")}
	e := New(Options{APIKey: "test-key", APIBase: srv.URL + "/", Model: "claude-test"}, described)
	ctx := context.Background()

	step, err := e.Converse(ctx, "s1", "weather in Paris?", session.Context{})
	require.NoError(t, err)
	assert.Equal(t, engine.StepAction, step.Type)
	assert.Equal(t, "getForecast", step.Action)
	loc, ok := actions.FirstEntityValue(step.Entities, "location")
	assert.True(t, ok)
	assert.Equal(t, "Paris", loc)

	step, err = e.Converse(ctx, "s1", "", session.Context{"loc": "Paris", "forecast": "sunny"})
	require.NoError(t, err)
	assert.Equal(t, engine.StepMessage, step.Type)
	assert.Equal(t, "It is sunny in Paris.", step.Message)
	assert.Contains(t, secondBody, "tool_result")
	assert.Contains(t, secondBody, "toolu_1")

	step, err = e.Converse(ctx, "s1", "", session.Context{})
	require.NoError(t, err)
	assert.Equal(t, engine.StepStop, step.Type)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEngine_ReportsFailedActionAsToolError(t *testing.T) {
	var calls int32
	var secondBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = w.Write([]byte(toolUseResponse))
			return
		}
		secondBody = string(body)
		_, _ = w.Write([]byte(textResponse))
	}))
	defer srv.Close()

	e := New(Options{APIKey: "test-key", APIBase: srv.URL + "/"}, []actions.DescribedAction{actions.NewForecastAction(nil, "")})
	ctx := context.Background()

	_, err := e.Converse(ctx, "s1", "weather in Paris?", session.Context{})
	require.NoError(t, err)
	e.ActionFailed("s1", "getForecast", errors.New("upstream timeout"))

	_, err = e.Converse(ctx, "s1", "", session.Context{})
	require.NoError(t, err)
	assert.Contains(t, secondBody, `"is_error":true`)
	assert.Contains(t, secondBody, "upstream timeout")
}

func TestEngine_ActionFailedWithoutTurnIsIgnored(t *testing.T) {
	e := New(Options{APIKey: "k"}, nil)
	e.ActionFailed("nobody", "send", errors.New("x"))

	step, err := e.Converse(context.Background(), "nobody", "", nil)
	require.NoError(t, err)
	assert.Equal(t, engine.StepStop, step.Type)
}

func TestEngine_UnknownSessionStops(t *testing.T) {
	e := New(Options{APIKey: "k"}, nil)

	step, err := e.Converse(context.Background(), "nobody", "", nil)
	require.NoError(t, err)
	assert.Equal(t, engine.StepStop, step.Type)
}

func TestTranslateActions(t *testing.T) {
	tools := translateActions([]actions.DescribedAction{actions.MoodAction{}})
	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "howzyou", tools[0].OfTool.Name)
	assert.Contains(t, tools[0].OfTool.InputSchema.Properties, "howzyou")
}

func TestInputToEntities(t *testing.T) {
	entities := inputToEntities([]byte(`{"location":"Oslo"}`))
	v, ok := actions.FirstEntityValue(entities, "location")
	assert.True(t, ok)
	assert.Equal(t, "Oslo", v)

	assert.Nil(t, inputToEntities([]byte(`{}`)))
	assert.Nil(t, inputToEntities([]byte(`not json`)))
}
