package channels

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/witbot/pkg/actions"
	"github.com/zhaopengme/witbot/pkg/config"
	"github.com/zhaopengme/witbot/pkg/dispatch"
	"github.com/zhaopengme/witbot/pkg/engine"
	"github.com/zhaopengme/witbot/pkg/session"
)

type outbox struct {
	mu   sync.Mutex
	to   []string
	text []string
}

func (o *outbox) Send(_ context.Context, recipientID, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.to = append(o.to, recipientID)
	o.text = append(o.text, text)
	return nil
}

func (o *outbox) messages() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.text...)
}

// blockingForecast holds every lookup until release is closed.
type blockingForecast struct {
	entered chan struct{}
	release chan struct{}
}

func (f *blockingForecast) Forecast(ctx context.Context, _ string) (string, error) {
	f.entered <- struct{}{}
	select {
	case <-f.release:
		return "rainy", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type staticForecast string

func (f staticForecast) Forecast(context.Context, string) (string, error) {
	return string(f), nil
}

// countingEngine wraps the default stories and counts user turns.
type countingEngine struct {
	*engine.Script
	mu    sync.Mutex
	turns int
}

func (e *countingEngine) Converse(ctx context.Context, sessionID, text string, convCtx session.Context) (*engine.Step, error) {
	if text != "" {
		e.mu.Lock()
		e.turns++
		e.mu.Unlock()
	}
	return e.Script.Converse(ctx, sessionID, text, convCtx)
}

type harness struct {
	webhook *Webhook
	store   *session.Store
	outbox  *outbox
	engine  *countingEngine
}

func newHarness(t *testing.T, mutate func(*config.MessengerConfig)) *harness {
	t.Helper()
	return newHarnessWithForecaster(t, staticForecast("cloudy"), mutate)
}

func newHarnessWithForecaster(t *testing.T, forecaster actions.Forecaster, mutate func(*config.MessengerConfig)) *harness {
	t.Helper()
	cfg := config.DefaultConfig().Messenger
	cfg.AppSecret = testSecret
	cfg.VerifyToken = "verify-me"
	if mutate != nil {
		mutate(&cfg)
	}

	store := session.NewStore()
	out := &outbox{}
	registry := actions.NewRegistry()
	actions.RegisterBuiltins(registry, store, out, forecaster, "sunny")
	eng := &countingEngine{Script: engine.NewScript(engine.DefaultStories)}

	loop := dispatch.NewLoop(dispatch.LoopConfig{
		Engine:   eng,
		Actions:  registry,
		Sessions: store,
	})

	h := &harness{
		webhook: NewWebhook(WebhookOptions{Config: cfg, Sessions: store, Loop: loop, Sender: out}),
		store:   store,
		outbox:  out,
		engine:  eng,
	}
	t.Cleanup(func() { _ = h.webhook.Shutdown(context.Background()) })
	return h
}

func (h *harness) post(t *testing.T, body string, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body))
	if signed {
		req.Header.Set(signatureHeaderSHA256, Sign(testSecret, []byte(body)))
	}
	rec := httptest.NewRecorder()
	h.webhook.ServeHTTP(rec, req)
	h.webhook.Wait()
	return rec
}

func textEvent(mid, text string) string {
	return `{"object":"page","entry":[{"id":"page-1","time":1,"messaging":[{"sender":{"id":"user-1"},"recipient":{"id":"page-1"},"timestamp":1,"message":{"mid":"` + mid + `","text":"` + text + `"}}]}]}`
}

func TestWebhook_VerifyHandshake(t *testing.T) {
	h := newHarness(t, nil)

	rec := httptest.NewRecorder()
	h.webhook.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())

	rec = httptest.NewRecorder()
	h.webhook.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = httptest.NewRecorder()
	h.webhook.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	h := newHarness(t, nil)

	rec := httptest.NewRecorder()
	h.webhook.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhook_WeatherTurnEndToEnd(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.post(t, textEvent("m.1", "weather in Paris"), true)
	require.Equal(t, http.StatusOK, rec.Code)

	sess, created := h.store.ResolveOrCreate("user-1")
	assert.False(t, created)
	assert.Equal(t, "Paris", sess.Context["loc"])
	assert.Equal(t, "cloudy", sess.Context["forecast"])
	assert.Equal(t, []string{"The weather in Paris is cloudy."}, h.outbox.messages())
}

func TestWebhook_AcknowledgesBeforeHandlerFinishes(t *testing.T) {
	forecast := &blockingForecast{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarnessWithForecaster(t, forecast, nil)
	body := textEvent("m.slow", "weather in Paris")

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body))
	req.Header.Set(signatureHeaderSHA256, Sign(testSecret, []byte(body)))
	rec := httptest.NewRecorder()
	h.webhook.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case <-forecast.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("forecast action never ran")
	}
	assert.Empty(t, h.outbox.messages())

	close(forecast.release)
	h.webhook.Wait()

	sess, _ := h.store.ResolveOrCreate("user-1")
	assert.Equal(t, session.Context{"loc": "Paris", "forecast": "rainy"}, sess.Context)
	assert.Equal(t, []string{"The weather in Paris is rainy."}, h.outbox.messages())
}

func TestWebhook_ContextCarriesAcrossTurns(t *testing.T) {
	h := newHarness(t, nil)

	h.post(t, textEvent("m.1", "weather in Paris"), true)
	h.post(t, textEvent("m.2", "I am happy"), true)

	assert.Equal(t, 1, h.store.Count())
	sess, _ := h.store.ResolveOrCreate("user-1")
	assert.Equal(t, "Paris", sess.Context["loc"])
	assert.Equal(t, "happy", sess.Context["howz"])
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	h := newHarness(t, nil)
	body := textEvent("m.1", "weather in Paris")

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body))
	req.Header.Set(signatureHeaderSHA256, Sign("not-the-secret", []byte(body)))
	rec := httptest.NewRecorder()
	h.webhook.ServeHTTP(rec, req)
	h.webhook.Wait()

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, h.store.Count())
	assert.Empty(t, h.outbox.messages())
}

func TestWebhook_FallsBackToSHA1Header(t *testing.T) {
	h := newHarness(t, nil)
	body := textEvent("m.1", "hello")

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body))
	req.Header.Set(signatureHeader, "sha1=0000")
	rec := httptest.NewRecorder()
	h.webhook.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebhook_MissingSignaturePolicy(t *testing.T) {
	lenient := newHarness(t, nil)
	rec := lenient.post(t, textEvent("m.1", "hello"), false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, lenient.store.Count())

	strict := newHarness(t, func(c *config.MessengerConfig) { c.RequireSignature = true })
	rec = strict.post(t, textEvent("m.1", "hello"), false)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, strict.store.Count())
}

func TestWebhook_MalformedJSON(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.post(t, `{"object":`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_NonPageObjectIgnored(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.post(t, `{"object":"instagram","entry":[{"messaging":[{"sender":{"id":"u"},"message":{"mid":"x","text":"hi"}}]}]}`, true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, h.store.Count())
}

func TestWebhook_AttachmentsOnlyGetAutoReply(t *testing.T) {
	h := newHarness(t, nil)
	body := `{"object":"page","entry":[{"messaging":[{"sender":{"id":"user-1"},"message":{"mid":"m.img","attachments":[{"type":"image","payload":{"url":"https://example.com/a.png"}}]}}]}]}`

	rec := h.post(t, body, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{AttachmentReply}, h.outbox.messages())
	assert.Equal(t, 0, h.engine.turns)
	assert.Equal(t, 1, h.store.Count())
}

func TestWebhook_EmptyMessageDropped(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.post(t, `{"object":"page","entry":[{"messaging":[{"sender":{"id":"user-1"},"message":{"mid":"m.e"}}]}]}`, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, h.engine.turns)
	assert.Empty(t, h.outbox.messages())
}

func TestWebhook_DuplicateMidDispatchesOnce(t *testing.T) {
	h := newHarness(t, nil)

	h.post(t, textEvent("m.dup", "weather in Oslo"), true)
	h.post(t, textEvent("m.dup", "weather in Oslo"), true)

	assert.Equal(t, 1, h.engine.turns)
	assert.Len(t, h.outbox.messages(), 1)
}

func TestWebhook_EchoAndReceiptsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	body := `{"object":"page","entry":[{"messaging":[
		{"sender":{"id":"page-1"},"recipient":{"id":"user-1"},"message":{"mid":"m.echo","text":"hi","is_echo":true}},
		{"sender":{"id":"user-1"},"recipient":{"id":"page-1"},"delivery":{"mids":["m.echo"]}}
	]}]}`

	rec := h.post(t, body, true)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, h.engine.turns)
	assert.Equal(t, 0, h.store.Count())
}

func TestWebhook_ConcurrentUsersGetSeparateSessions(t *testing.T) {
	h := newHarness(t, nil)
	body := `{"object":"page","entry":[{"messaging":[
		{"sender":{"id":"a"},"message":{"mid":"m.a","text":"weather in Rome"}},
		{"sender":{"id":"b"},"message":{"mid":"m.b","text":"weather in Lima"}}
	]}]}`

	h.post(t, body, true)

	assert.Equal(t, 2, h.store.Count())
	a, _ := h.store.ResolveOrCreate("a")
	b, _ := h.store.ResolveOrCreate("b")
	assert.Equal(t, "Rome", a.Context["loc"])
	assert.Equal(t, "Lima", b.Context["loc"])
}
