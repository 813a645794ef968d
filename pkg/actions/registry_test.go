package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/witbot/pkg/session"
)

func TestRegistry_RegisterAndList(t *testing.T) {
	r := NewRegistry()
	r.Register(NewPassThrough("b"))
	r.Register(NewPassThrough("a"))

	assert.Equal(t, []string{"a", "b"}, r.List())
	assert.Equal(t, 2, r.Count())

	_, ok := r.Get("a")
	assert.True(t, ok)
	_, ok = r.Get("zzz")
	assert.False(t, ok)
}

func TestRegistry_Require(t *testing.T) {
	r := NewRegistry()
	r.Register(NewPassThrough("send"))

	assert.NoError(t, r.Require("send"))

	err := r.Require("send", "getForecast", "bookFlight")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrActionNotFound)
	assert.Contains(t, err.Error(), "getForecast")
	assert.Contains(t, err.Error(), "bookFlight")
}

func TestRegistry_ExecuteUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Execute(context.Background(), "nope", &Request{SessionID: "s"})
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestRegistry_ExecuteWrapsHandlerError(t *testing.T) {
	r := NewRegistry()
	boom := errors.New("boom")
	r.Register(ActionFunc{ActionName: "fail", Fn: func(context.Context, *Request) (session.Context, error) {
		return nil, boom
	}})

	_, err := r.Execute(context.Background(), "fail", &Request{SessionID: "s"})

	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "fail", herr.Action)
	assert.ErrorIs(t, err, boom)
}

func TestRegistry_ExecuteRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(ActionFunc{ActionName: "panic", Fn: func(context.Context, *Request) (session.Context, error) {
		panic("nil map")
	}})

	result, err := r.Execute(context.Background(), "panic", &Request{SessionID: "s"})

	assert.Nil(t, result)
	var herr *HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Contains(t, herr.Error(), "nil map")
}

func TestRegistry_Described(t *testing.T) {
	r := NewRegistry()
	r.Register(MoodAction{})
	r.Register(NewPassThrough("what-to-read"))
	r.Register(NewForecastAction(nil, ""))

	described := r.Described()
	require.Len(t, described, 2)
	assert.Equal(t, "getForecast", described[0].Name())
	assert.Equal(t, "howzyou", described[1].Name())
}

func TestPassThroughAndMood(t *testing.T) {
	ctx := session.Context{"loc": "Paris"}

	out, err := NewPassThrough("what-to-read").Execute(context.Background(), &Request{Context: ctx})
	require.NoError(t, err)
	assert.Equal(t, ctx, out)

	out, err = MoodAction{}.Execute(context.Background(), &Request{
		Context:  ctx,
		Entities: Entities{"howzyou": {{Value: "great"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "great", out[KeyMood])
	assert.Equal(t, "Paris", out["loc"])

	out, err = MoodAction{}.Execute(context.Background(), &Request{Context: ctx})
	require.NoError(t, err)
	assert.NotContains(t, out, KeyMood)
}
