package actions

import (
	"context"

	"github.com/zhaopengme/witbot/pkg/session"
)

const (
	KeyMood      = "howz"
	EntityMood   = "howzyou"
	readingTopic = "what-to-read"
)

// MoodAction is "howzyou": it copies the howzyou entity into context.howz.
type MoodAction struct{}

func (MoodAction) Name() string { return "howzyou" }

func (MoodAction) Description() string {
	return "Remember how the user says they are feeling."
}

func (MoodAction) Entities() []string { return []string{EntityMood} }

func (MoodAction) Execute(_ context.Context, req *Request) (session.Context, error) {
	mood, ok := FirstEntityValue(req.Entities, EntityMood)
	if !ok {
		return req.Context, nil
	}
	out := req.Context.Clone()
	out[KeyMood] = mood
	return out, nil
}

// PassThrough is an action with no effect, used as a branch terminus in a
// story graph.
type PassThrough struct {
	ActionName string
}

func NewPassThrough(name string) PassThrough {
	return PassThrough{ActionName: name}
}

func (p PassThrough) Name() string { return p.ActionName }

func (p PassThrough) Execute(_ context.Context, req *Request) (session.Context, error) {
	return req.Context, nil
}

// RegisterBuiltins wires the default action set.
func RegisterBuiltins(r *Registry, sessions SessionLookup, sender Sender, forecaster Forecaster, fallback string) {
	r.Register(NewSendAction(sessions, sender))
	r.Register(NewForecastAction(forecaster, fallback))
	r.Register(MoodAction{})
	r.Register(NewPassThrough(readingTopic))
}
