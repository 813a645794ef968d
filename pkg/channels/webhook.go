// WitBot - Messenger bridge for action-dispatch bots
// License: MIT
//
// Copyright (c) 2026 WitBot contributors

package channels

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/zhaopengme/witbot/pkg/actions"
	"github.com/zhaopengme/witbot/pkg/config"
	"github.com/zhaopengme/witbot/pkg/dispatch"
	"github.com/zhaopengme/witbot/pkg/logger"
	"github.com/zhaopengme/witbot/pkg/session"
	"github.com/zhaopengme/witbot/pkg/utils"
)

const (
	maxWebhookBody = 1 << 20

	// AttachmentReply is sent when a message carries attachments but no text.
	AttachmentReply = "Sorry I can only process text messages for now."
)

type WebhookOptions struct {
	Config   config.MessengerConfig
	Sessions *session.Store
	Loop     *dispatch.Loop
	Sender   actions.Sender
}

// Webhook is the Messenger webhook endpoint. GET answers the subscription
// handshake; POST verifies, acknowledges and then dispatches each messaging
// event in the background.
type Webhook struct {
	config   config.MessengerConfig
	sessions *session.Store
	loop     *dispatch.Loop
	sender   actions.Sender
	dedup    *dedupWindow

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWebhook(opts WebhookOptions) *Webhook {
	ctx, cancel := context.WithCancel(context.Background())
	return &Webhook{
		config:   opts.Config,
		sessions: opts.Sessions,
		loop:     opts.Loop,
		sender:   opts.Sender,
		dedup:    newDedupWindow(opts.Config.DedupWindow),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Messenger webhook payload
type webhookEnvelope struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID        string           `json:"id"`
	Time      int64            `json:"time"`
	Messaging []messagingEvent `json:"messaging"`
}

type messagingEvent struct {
	Sender    messengerParty    `json:"sender"`
	Recipient messengerParty    `json:"recipient"`
	Timestamp int64             `json:"timestamp"`
	Message   *messengerMessage `json:"message"`
}

type messengerParty struct {
	ID string `json:"id"`
}

type messengerMessage struct {
	Mid         string                `json:"mid"`
	Text        string                `json:"text"`
	IsEcho      bool                  `json:"is_echo"`
	Attachments []messengerAttachment `json:"attachments"`
}

type messengerAttachment struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleVerify(w, r)
	case http.MethodPost:
		h.handleEvents(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Webhook) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && h.config.VerifyToken != "" && q.Get("hub.verify_token") == h.config.VerifyToken {
		logger.InfoC("messenger", "Webhook subscription verified")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, q.Get("hub.challenge"))
		return
	}

	logger.WarnCF("messenger", "Webhook verification rejected",
		map[string]interface{}{
			"mode": q.Get("hub.mode"),
		})
	w.WriteHeader(http.StatusBadRequest)
}

func (h *Webhook) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		logger.ErrorCF("messenger", "Failed to read request body",
			map[string]interface{}{
				"error": err.Error(),
			})
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	header := r.Header.Get(signatureHeaderSHA256)
	if header == "" {
		header = r.Header.Get(signatureHeader)
	}
	if err := VerifySignature(h.config.AppSecret, body, header); err != nil {
		if !errors.Is(err, ErrSignatureMissing) || h.config.RequireSignature {
			logger.WarnCF("messenger", "Rejected webhook with bad signature",
				map[string]interface{}{
					"error": err.Error(),
				})
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		logger.WarnC("messenger", "Webhook request carries no signature, accepting")
	}

	var envelope webhookEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		logger.ErrorCF("messenger", "Failed to parse webhook payload",
			map[string]interface{}{
				"error": err.Error(),
			})
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	// Acknowledge first; the platform retries slow webhooks.
	w.WriteHeader(http.StatusOK)

	if envelope.Object != "page" {
		logger.DebugCF("messenger", "Ignoring non-page webhook",
			map[string]interface{}{
				"object": envelope.Object,
			})
		return
	}

	for _, entry := range envelope.Entry {
		for _, event := range entry.Messaging {
			h.wg.Add(1)
			go func(ev messagingEvent) {
				defer h.wg.Done()
				h.processEvent(h.ctx, ev)
			}(event)
		}
	}
}

func (h *Webhook) processEvent(ctx context.Context, event messagingEvent) {
	msg := event.Message
	if msg == nil {
		logger.DebugCF("messenger", "Ignoring non-message event",
			map[string]interface{}{
				"sender_id": event.Sender.ID,
			})
		return
	}
	if msg.IsEcho {
		return
	}
	if msg.Mid != "" && h.dedup.Seen(msg.Mid) {
		logger.DebugCF("messenger", "Ignoring redelivered message",
			map[string]interface{}{
				"mid": msg.Mid,
			})
		return
	}

	userID := event.Sender.ID
	if userID == "" {
		logger.WarnC("messenger", "Message event without sender id")
		return
	}

	sess, created := h.sessions.ResolveOrCreate(userID)
	if created {
		logger.InfoCF("messenger", "New session",
			map[string]interface{}{
				"session_id": sess.ID,
				"user_id":    userID,
			})
	}

	if msg.Text == "" {
		if len(msg.Attachments) == 0 {
			logger.DebugCF("messenger", "Ignoring empty message",
				map[string]interface{}{
					"user_id": userID,
					"mid":     msg.Mid,
				})
			return
		}
		if err := h.sender.Send(ctx, userID, AttachmentReply); err != nil {
			logger.ErrorCF("messenger", "Failed to send attachment reply",
				map[string]interface{}{
					"user_id": userID,
					"error":   err.Error(),
				})
		}
		return
	}

	unlock, err := h.sessions.Lock(sess.ID)
	if err != nil {
		logger.ErrorCF("messenger", "Failed to lock session",
			map[string]interface{}{
				"session_id": sess.ID,
				"error":      err.Error(),
			})
		return
	}
	defer unlock()

	// Reload under the lock so the turn starts from the previous turn's result.
	sess, err = h.sessions.Get(sess.ID)
	if err != nil {
		logger.ErrorCF("messenger", "Session vanished",
			map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
		return
	}

	logger.InfoCF("messenger", "Received message",
		map[string]interface{}{
			"session_id": sess.ID,
			"user_id":    userID,
			"mid":        msg.Mid,
			"preview":    utils.Truncate(msg.Text, 50),
		})

	turn, err := h.loop.Start(ctx, sess, msg.Text).Wait(ctx)
	if err != nil {
		logger.WarnCF("messenger", "Turn did not complete",
			map[string]interface{}{
				"session_id": sess.ID,
				"error":      err.Error(),
			})
		return
	}
	logger.DebugCF("messenger", "Turn finished",
		map[string]interface{}{
			"session_id": sess.ID,
			"state":      string(turn.State),
			"steps":      turn.Steps,
		})
}

// Wait blocks until every event accepted so far has been processed.
func (h *Webhook) Wait() {
	h.wg.Wait()
}

// Shutdown waits for in-flight events and then cancels the ones still
// running when ctx expires.
func (h *Webhook) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		return ctx.Err()
	}
}
