package wit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/witbot/pkg/actions"
	"github.com/zhaopengme/witbot/pkg/engine"
	"github.com/zhaopengme/witbot/pkg/session"
)

func TestConverse_ActionStep(t *testing.T) {
	var gotAuth, gotQuery, gotSession, gotVersion string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/converse", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("q")
		gotSession = r.URL.Query().Get("session_id")
		gotVersion = r.URL.Query().Get("v")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"type": "action",
			"action": "getForecast",
			"confidence": 0.91,
			"entities": {"location": [{"value": "Paris", "confidence": 0.98}]}
		}`))
	}))
	defer srv.Close()

	c := NewClient(Options{Token: "wit-token", APIBase: srv.URL, Version: "20160526"})
	step, err := c.Converse(context.Background(), "sess-1", "weather in Paris", session.Context{"howz": "fine"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer wit-token", gotAuth)
	assert.Equal(t, "weather in Paris", gotQuery)
	assert.Equal(t, "sess-1", gotSession)
	assert.Equal(t, "20160526", gotVersion)
	assert.Equal(t, "fine", gotBody["howz"])

	assert.Equal(t, engine.StepAction, step.Type)
	assert.Equal(t, "getForecast", step.Action)
	assert.InDelta(t, 0.91, step.Confidence, 1e-9)
	loc, ok := actions.FirstEntityValue(step.Entities, "location")
	assert.True(t, ok)
	assert.Equal(t, "Paris", loc)
}

func TestConverse_FollowUpOmitsText(t *testing.T) {
	var hasQ bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasQ = r.URL.Query()["q"]
		_, _ = w.Write([]byte(`{"type":"msg","msg":"It is sunny"}`))
	}))
	defer srv.Close()

	step, err := NewClient(Options{Token: "t", APIBase: srv.URL}).Converse(context.Background(), "s", "", nil)
	require.NoError(t, err)

	assert.False(t, hasQ)
	assert.Equal(t, engine.StepMessage, step.Type)
	assert.Equal(t, "It is sunny", step.Message)
}

func TestConverse_StopAndSingleObjectEntity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"type":"stop","entities":{"intent":{"value":"bye"},"empty":null}}`))
	}))
	defer srv.Close()

	step, err := NewClient(Options{Token: "t", APIBase: srv.URL}).Converse(context.Background(), "s", "", nil)
	require.NoError(t, err)

	assert.Equal(t, engine.StepStop, step.Type)
	intent, ok := actions.FirstEntityValue(step.Entities, "intent")
	assert.True(t, ok)
	assert.Equal(t, "bye", intent)
	assert.NotContains(t, step.Entities, "empty")
}

func TestConverse_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Bad auth, check token/params","code":"no-auth"}`))
	}))
	defer srv.Close()

	_, err := NewClient(Options{Token: "t", APIBase: srv.URL}).Converse(context.Background(), "s", "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Bad auth")
}

func TestConverse_NonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`<html>bad gateway</html>`))
	}))
	defer srv.Close()

	_, err := NewClient(Options{Token: "t", APIBase: srv.URL}).Converse(context.Background(), "s", "hi", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestConverse_UnknownStepType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"type":"merge"}`))
	}))
	defer srv.Close()

	_, err := NewClient(Options{Token: "t", APIBase: srv.URL}).Converse(context.Background(), "s", "hi", nil)
	assert.ErrorContains(t, err, "merge")
}
