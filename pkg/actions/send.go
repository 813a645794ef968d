package actions

import (
	"context"

	"github.com/zhaopengme/witbot/pkg/logger"
	"github.com/zhaopengme/witbot/pkg/session"
)

// Sender delivers a text message to a platform user.
type Sender interface {
	Send(ctx context.Context, recipientID, text string) error
}

// SessionLookup resolves a session id back to its platform user.
type SessionLookup interface {
	Get(sessionID string) (*session.Session, error)
}

// SendAction is the "send" action: the bot has something to say to the user
// who owns the session. It never changes the context and never fails the
// turn; a missing recipient or a delivery error is logged and swallowed.
//
// Context keys: none.
type SendAction struct {
	sessions SessionLookup
	sender   Sender
}

func NewSendAction(sessions SessionLookup, sender Sender) *SendAction {
	return &SendAction{sessions: sessions, sender: sender}
}

func (a *SendAction) Name() string {
	return "send"
}

func (a *SendAction) Execute(ctx context.Context, req *Request) (session.Context, error) {
	recipientID := ""
	if sess, err := a.sessions.Get(req.SessionID); err == nil {
		recipientID = sess.UserID
	}
	if recipientID == "" {
		logger.ErrorCF("send", "Couldn't find user for session",
			map[string]interface{}{
				"session_id": req.SessionID,
			})
		return nil, nil
	}

	if err := a.sender.Send(ctx, recipientID, req.Text); err != nil {
		logger.ErrorCF("send", "Failed to forward response",
			map[string]interface{}{
				"session_id":   req.SessionID,
				"recipient_id": recipientID,
				"error":        err.Error(),
			})
		return nil, nil
	}

	return nil, nil
}
