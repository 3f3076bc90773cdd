package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillchat/internal/domain/chat"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchRoutesTypedEvents(t *testing.T) {
	d := New(quiet())
	var typing []chat.UserTyping
	var roster []chat.UserID
	Handle(d, func(_ context.Context, ev chat.UserTyping) error {
		typing = append(typing, ev)
		return nil
	})
	Handle(d, func(_ context.Context, ev chat.OnlineRosterReplaced) error {
		roster = ev.UserIDs
		return nil
	})

	require.NoError(t, d.Dispatch(context.Background(), "user:typing", []byte(`{"userId":"u1","isTyping":true}`)))
	require.NoError(t, d.Dispatch(context.Background(), "users:online", []byte(`["u1","u2"]`)))
	assert.Equal(t, []chat.UserTyping{{UserID: "u1", IsTyping: true}}, typing)
	assert.Equal(t, []chat.UserID{"u1", "u2"}, roster)
}

func TestDispatchDropsMalformedAndUnknown(t *testing.T) {
	d := New(quiet())
	called := false
	Handle(d, func(context.Context, chat.UserTyping) error {
		called = true
		return nil
	})

	err := d.Dispatch(context.Background(), "user:typing", []byte(`{"userId":`))
	assert.ErrorIs(t, err, chat.ErrMalformedEvent)
	err = d.Dispatch(context.Background(), "room:joined", []byte(`{}`))
	assert.ErrorIs(t, err, chat.ErrUnknownEvent)
	err = d.Dispatch(context.Background(), "users:online", []byte(`[]`))
	assert.ErrorIs(t, err, ErrHandlerNotFound)
	assert.False(t, called)
}

func TestHandlersAreReplaceable(t *testing.T) {
	d := New(quiet())
	var got []string
	Handle(d, func(context.Context, chat.MessageStatusChanged) error {
		got = append(got, "first")
		return nil
	})
	payload := []byte(`{"messageIds":["m1"],"status":"read"}`)
	require.NoError(t, d.Dispatch(context.Background(), "message:status", payload))

	Handle(d, func(context.Context, chat.MessageStatusChanged) error {
		got = append(got, "second")
		return nil
	})
	require.NoError(t, d.Dispatch(context.Background(), "message:status", payload))
	assert.Equal(t, []string{"first", "second"}, got)

	Handle[chat.MessageStatusChanged](d, nil)
	assert.False(t, d.Registered(chat.EventMessageStatus))
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	d := New(quiet())
	Handle(d, func(context.Context, chat.UserTyping) error {
		panic("boom")
	})
	err := d.Dispatch(context.Background(), "user:typing", []byte(`{"userId":"u1","isTyping":false}`))
	assert.ErrorIs(t, err, ErrHandlerPanic)
}

func TestHandlerErrorIsReturned(t *testing.T) {
	d := New(quiet())
	boom := errors.New("boom")
	Handle(d, func(context.Context, chat.UserStatusChanged) error { return boom })
	err := d.Route(context.Background(), chat.UserStatusChanged{UserID: "u1", Status: chat.StatusOnline})
	assert.ErrorIs(t, err, boom)
}
