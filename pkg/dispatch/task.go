package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/zhaopengme/witbot/pkg/logger"
	"github.com/zhaopengme/witbot/pkg/session"
)

// Task is a dispatch running in its own goroutine.
type Task struct {
	done chan struct{}
	turn *Turn
}

// Start runs a turn in the background. Panics inside the turn are recovered
// and reported as a failed turn.
func (l *Loop) Start(ctx context.Context, sess *session.Session, text string) *Task {
	t := &Task{done: make(chan struct{})}

	go func() {
		defer close(t.done)
		defer func() {
			if p := recover(); p != nil {
				logger.ErrorCF("dispatch", "Dispatch panicked",
					map[string]interface{}{
						"session_id": sess.ID,
						"panic":      fmt.Sprint(p),
						"stack":      string(debug.Stack()),
					})
				t.turn = l.fail(&Turn{SessionID: sess.ID, UserID: sess.UserID}, fmt.Errorf("dispatch panic: %v", p))
			}
		}()
		t.turn = l.Run(ctx, sess, text)
	}()

	return t
}

func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the turn ends or ctx is done.
func (t *Task) Wait(ctx context.Context) (*Turn, error) {
	select {
	case <-t.done:
		return t.turn, t.turn.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the finished turn, or nil while it is still running.
func (t *Task) Result() *Turn {
	select {
	case <-t.done:
		return t.turn
	default:
		return nil
	}
}
