// Package engine defines the decision engine contract: given a session, the
// user's text and the current context, the engine names the next step of
// the conversation. Implementations live in sub-packages.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/zhaopengme/witbot/pkg/actions"
	"github.com/zhaopengme/witbot/pkg/session"
)

type StepType string

const (
	// StepAction asks the dispatcher to run a named action.
	StepAction StepType = "action"
	// StepMessage asks the dispatcher to send Message to the user.
	StepMessage StepType = "msg"
	// StepStop ends the turn.
	StepStop StepType = "stop"
)

type Step struct {
	Type       StepType         `json:"type"`
	Action     string           `json:"action,omitempty"`
	Message    string           `json:"msg,omitempty"`
	Entities   actions.Entities `json:"entities,omitempty"`
	Confidence float64          `json:"confidence,omitempty"`
}

func (s *Step) String() string {
	switch s.Type {
	case StepAction:
		return fmt.Sprintf("action(%s)", s.Action)
	case StepMessage:
		return "msg"
	default:
		return string(s.Type)
	}
}

// Engine selects the next step. text is non-empty only on the first call of
// a turn; subsequent calls carry the context produced by the previous step.
type Engine interface {
	Converse(ctx context.Context, sessionID, text string, convCtx session.Context) (*Step, error)
}

// FailureObserver is implemented by engines that want to hear when the
// action they picked failed, so the next Converse call can take it into
// account.
type FailureObserver interface {
	ActionFailed(sessionID, action string, err error)
}

// ScriptFunc picks the steps of a turn from the user's text.
type ScriptFunc func(text string, convCtx session.Context) []Step

// Script is a deterministic in-process engine. Each turn's steps come from
// the ScriptFunc; once they run out the engine reports StepStop. Message
// steps may reference context keys as {key}; they are filled in from the
// context current at the time the step is handed out.
type Script struct {
	fn      ScriptFunc
	pending map[string][]Step
	mu      sync.Mutex
}

func NewScript(fn ScriptFunc) *Script {
	return &Script{fn: fn, pending: make(map[string][]Step)}
}

func (s *Script) Converse(_ context.Context, sessionID, text string, convCtx session.Context) (*Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if text != "" {
		s.pending[sessionID] = s.fn(text, convCtx)
	}

	steps := s.pending[sessionID]
	if len(steps) == 0 {
		delete(s.pending, sessionID)
		return &Step{Type: StepStop}, nil
	}

	next := steps[0]
	s.pending[sessionID] = steps[1:]
	if next.Type == StepMessage {
		next.Message = expandTemplate(next.Message, convCtx)
	}
	return &next, nil
}

var placeholder = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\}`)

func expandTemplate(msg string, convCtx session.Context) string {
	return placeholder.ReplaceAllStringFunc(msg, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := convCtx[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return m
	})
}
