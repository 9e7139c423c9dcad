package chatsync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamroster/chatsync/internal/metrics"
)

func TestSenderValidation(t *testing.T) {
	api := newFakeAPI()
	tr := newFakeTransport(true)
	s := NewSender(tr, api, NewStream(api, 10, zerolog.Nop()), Destinations{}, nil, zerolog.Nop())

	tests := []struct {
		name string
		msg  OutgoingMessage
		want error
	}{
		{"blank text", OutgoingMessage{RoomID: 1, Content: " \n\t "}, ErrEmptyMessage},
		{"empty", OutgoingMessage{RoomID: 1}, ErrEmptyMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Send(context.Background(), tt.msg)
			require.ErrorIs(t, err, tt.want)
		})
	}

	_, err := s.Send(context.Background(), OutgoingMessage{RoomID: 1, Type: "VOICE", Content: "x"})
	require.Error(t, err)

	assert.Empty(t, tr.publishes())
	assert.Empty(t, api.posted)
}

func TestSenderFileMessage(t *testing.T) {
	api := newFakeAPI()
	tr := newFakeTransport(true)
	s := NewSender(tr, api, NewStream(api, 10, zerolog.Nop()), Destinations{SendPattern: "/app/rooms/%d/send"}, nil, zerolog.Nop())

	res, err := s.Send(context.Background(), OutgoingMessage{RoomID: 8, Type: MessageImage, FileURL: "https://cdn.example/a.png"})
	require.NoError(t, err)
	assert.Equal(t, PathPush, res.Path)

	pubs := tr.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "/app/rooms/8/send", pubs[0].Destination)
}

func TestSenderFallbackRefreshes(t *testing.T) {
	api := newFakeAPI()
	api.postHook = func(m OutgoingMessage) (*ChatMessage, error) {
		created := msg(m.RoomID, 40)
		return &created, nil
	}
	stream := NewStream(api, 10, zerolog.Nop())
	_, err := stream.Open(context.Background(), 2)
	require.NoError(t, err)

	refreshed := 0
	s := NewSender(newFakeTransport(false), api, stream, Destinations{}, func() { refreshed++ }, zerolog.Nop())
	before := testutil.ToFloat64(metrics.Sends.WithLabelValues("fallback", "ok"))

	res, err := s.Send(context.Background(), OutgoingMessage{RoomID: 2, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, PathFallback, res.Path)
	assert.Equal(t, int64(40), res.Message.ID)
	assert.Equal(t, []int64{40}, ids(stream.Messages()))
	assert.Equal(t, 1, refreshed)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Sends.WithLabelValues("fallback", "ok")))
}

func TestComposerClearIf(t *testing.T) {
	var c Composer
	c.SetDraft("hello")
	c.clearIf("hello")
	assert.Equal(t, "", c.Draft())

	c.SetDraft("typed while sending")
	c.clearIf("hello")
	assert.Equal(t, "typed while sending", c.Draft())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(fmt.Errorf("send: %w", &APIError{Status: 502})))
	assert.True(t, isRetryable(&APIError{Status: 429}))
	assert.False(t, isRetryable(&APIError{Status: 403}))
	assert.False(t, isRetryable(ErrEmptyMessage))
	assert.True(t, isRetryable(errors.New("connection reset")))
}

func TestRoomBinder(t *testing.T) {
	tr := newFakeTransport(false)
	var got []int64
	b := NewRoomBinder(tr, Destinations{}, func(roomID int64, body []byte) { got = append(got, roomID) }, zerolog.Nop())

	b.Bind(1)
	b.Bind(1)
	b.Bind(2)
	assert.Equal(t, int64(2), b.Current())

	assert.False(t, tr.deliver("/topic/chat/1", []byte("{}")))
	assert.True(t, tr.deliver("/topic/chat/2", []byte("{}")))
	assert.Equal(t, []int64{2}, got)

	b.Bind(0)
	assert.Equal(t, int64(0), b.Current())
	assert.Equal(t, []string{
		"sub /topic/chat/1",
		"unsub /topic/chat/1",
		"sub /topic/chat/2",
		"unsub /topic/chat/2",
	}, tr.subscriptionLog())
}
