package actions

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhaopengme/witbot/pkg/session"
)

var ErrActionNotFound = errors.New("action not found")

// Request is what a handler sees for one action invocation.
type Request struct {
	SessionID string
	Context   session.Context
	Entities  Entities
	// Text is the reply text for message steps; empty for action steps.
	Text string
}

// Action is the interface that all bot actions must implement.
//
// Execute returns the updated context. A nil context means "no change".
// Handlers own the Context they were given and may mutate it in place.
type Action interface {
	Name() string
	Execute(ctx context.Context, req *Request) (session.Context, error)
}

// DescribedAction is an optional interface for actions that can be offered
// to an LLM-backed engine as a tool. Entities lists the entity names the
// action reads.
type DescribedAction interface {
	Action
	Description() string
	Entities() []string
}

// HandlerError wraps a failure inside a specific action.
type HandlerError struct {
	Action string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("action %q failed: %v", e.Action, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc struct {
	ActionName string
	Fn         func(ctx context.Context, req *Request) (session.Context, error)
}

func (a ActionFunc) Name() string {
	return a.ActionName
}

func (a ActionFunc) Execute(ctx context.Context, req *Request) (session.Context, error) {
	return a.Fn(ctx, req)
}
