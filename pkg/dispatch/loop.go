// WitBot - Messenger bridge for action-dispatch bots
// License: MIT
//
// Copyright (c) 2026 WitBot contributors

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhaopengme/witbot/pkg/actions"
	"github.com/zhaopengme/witbot/pkg/bus"
	"github.com/zhaopengme/witbot/pkg/engine"
	"github.com/zhaopengme/witbot/pkg/logger"
	"github.com/zhaopengme/witbot/pkg/session"
	"github.com/zhaopengme/witbot/pkg/utils"
)

const DefaultMaxSteps = 5

var (
	ErrMaxStepsExceeded = errors.New("max steps exceeded")
	ErrEngine           = errors.New("decision engine failed")
)

type State string

const (
	StateRunning   State = "running"
	StateSuspended State = "suspended"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// ContextStore is the part of the session store a turn writes back to.
type ContextStore interface {
	Update(sessionID string, ctx session.Context) error
}

// Turn is the outcome of one dispatch.
type Turn struct {
	SessionID string
	UserID    string
	State     State
	Steps     int
	Context   session.Context
	Err       error
}

type LoopConfig struct {
	Engine   engine.Engine
	Actions  *actions.Registry
	Sessions ContextStore
	MaxSteps int
	Events   bus.Publisher
}

// Loop alternates between asking the engine for the next step and executing
// it, until the engine stops or the turn fails.
type Loop struct {
	engine   engine.Engine
	actions  *actions.Registry
	sessions ContextStore
	maxSteps int
	events   bus.Publisher
}

func NewLoop(cfg LoopConfig) *Loop {
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Loop{
		engine:   cfg.Engine,
		actions:  cfg.Actions,
		sessions: cfg.Sessions,
		maxSteps: maxSteps,
		events:   cfg.Events,
	}
}

// Run executes one turn for sess. The stored context is replaced only when
// the turn completes; a failed turn leaves the session as it was.
func (l *Loop) Run(ctx context.Context, sess *session.Session, text string) *Turn {
	turn := &Turn{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Context:   sess.Context.Clone(),
	}

	logger.InfoCF("dispatch", "Turn started",
		map[string]interface{}{
			"session_id": sess.ID,
			"text":       utils.Truncate(text, 80),
		})

	// lastFailure is the error of the most recent action; it is cleared as
	// soon as a later action succeeds.
	var lastFailure error
	query := text

	for {
		if turn.Steps >= l.maxSteps {
			return l.fail(turn, fmt.Errorf("%w (%d)", ErrMaxStepsExceeded, l.maxSteps))
		}
		turn.Steps++
		l.transition(turn, StateRunning, "", nil)

		step, err := l.engine.Converse(ctx, sess.ID, query, turn.Context)
		query = ""
		if err != nil {
			return l.fail(turn, fmt.Errorf("%w: %v", ErrEngine, err))
		}

		logger.DebugCF("dispatch", "Engine step",
			map[string]interface{}{
				"session_id": sess.ID,
				"step":       turn.Steps,
				"type":       string(step.Type),
				"action":     step.Action,
				"confidence": step.Confidence,
			})

		var name string
		req := &actions.Request{
			SessionID: sess.ID,
			Context:   turn.Context.Clone(),
			Entities:  step.Entities,
		}

		switch step.Type {
		case engine.StepStop:
			if lastFailure != nil {
				return l.fail(turn, lastFailure)
			}
			return l.complete(turn)
		case engine.StepMessage:
			name = "send"
			req.Text = step.Message
		case engine.StepAction:
			name = step.Action
		default:
			return l.fail(turn, fmt.Errorf("%w: unknown step type %q", ErrEngine, step.Type))
		}

		result, err := l.actions.Execute(ctx, name, req)
		if err != nil {
			if errors.Is(err, actions.ErrActionNotFound) {
				return l.fail(turn, err)
			}
			lastFailure = err
			if obs, ok := l.engine.(engine.FailureObserver); ok {
				obs.ActionFailed(sess.ID, name, err)
			}
			l.transition(turn, StateSuspended, name, err)
			continue
		}

		lastFailure = nil
		if result != nil {
			turn.Context = result
		}
		l.transition(turn, StateSuspended, name, nil)
	}
}

func (l *Loop) complete(turn *Turn) *Turn {
	if err := l.sessions.Update(turn.SessionID, turn.Context); err != nil {
		return l.fail(turn, fmt.Errorf("persisting context: %w", err))
	}
	turn.State = StateCompleted
	l.publish(turn, "", nil)

	logger.InfoCF("dispatch", "Turn completed, waiting for next user message",
		map[string]interface{}{
			"session_id": turn.SessionID,
			"steps":      turn.Steps,
		})
	return turn
}

func (l *Loop) fail(turn *Turn, err error) *Turn {
	turn.State = StateFailed
	turn.Err = err
	l.publish(turn, "", err)

	logger.ErrorCF("dispatch", "Turn failed",
		map[string]interface{}{
			"session_id": turn.SessionID,
			"steps":      turn.Steps,
			"error":      err.Error(),
		})
	return turn
}

func (l *Loop) transition(turn *Turn, state State, action string, err error) {
	turn.State = state
	l.publish(turn, action, err)
}

func (l *Loop) publish(turn *Turn, action string, err error) {
	if l.events == nil {
		return
	}
	ev := bus.TurnEvent{
		SessionID: turn.SessionID,
		UserID:    turn.UserID,
		State:     string(turn.State),
		Step:      turn.Steps,
		Action:    action,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	l.events.Publish(ev)
}
