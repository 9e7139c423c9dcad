package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Fake gateway
// ============================================================================

type fakeGateway struct {
	srv    *httptest.Server
	frames chan Frame
	conns  chan *websocket.Conn
	authz  chan string
	pings  atomic.Int32
	dials  atomic.Int32
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		frames: make(chan Frame, 64),
		conns:  make(chan *websocket.Conn, 8),
		authz:  make(chan string, 8),
	}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	g.dials.Add(1)
	select {
	case g.authz <- r.Header.Get("Authorization"):
	default:
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()
	if err := wsjson.Write(ctx, c, Frame{Type: FrameConnected}); err != nil {
		return
	}
	g.conns <- c
	for {
		var f Frame
		if err := wsjson.Read(ctx, c, &f); err != nil {
			return
		}
		// Client heartbeats are counted, never answered.
		if f.Type == FramePing {
			g.pings.Add(1)
			continue
		}
		g.frames <- f
	}
}

func nextFrame(t *testing.T, ch <-chan Frame) Frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func nextConn(t *testing.T, ch <-chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for gateway connection")
		return nil
	}
}

func nextBody(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered body")
		return nil
	}
}

func newTestGateway(fg *fakeGateway, hb time.Duration) *Gateway {
	return NewGateway(GatewayConfig{
		URL:               fg.url(),
		Token:             "tok-123",
		ReconnectDelay:    20 * time.Millisecond,
		HeartbeatInterval: hb,
	}, zerolog.Nop())
}

// ============================================================================
// Tests
// ============================================================================

func TestGatewayConnectSubscribePublish(t *testing.T) {
	fg := newFakeGateway(t)
	gw := newTestGateway(fg, time.Second)

	err := gw.Publish(context.Background(), "/app/chat/1", OutgoingMessage{Content: "x"})
	require.ErrorIs(t, err, ErrNotConnected)

	bodies := make(chan []byte, 8)
	sub := gw.Subscribe("/topic/chat/1", func(b []byte) { bodies <- b })
	assert.True(t, strings.HasPrefix(sub.ID(), "sub-"))

	gw.Start(context.Background())
	defer gw.Stop()

	assert.Equal(t, "Bearer tok-123", <-fg.authz)
	conn := nextConn(t, fg.conns)

	f := nextFrame(t, fg.frames)
	assert.Equal(t, Frame{Type: FrameSubscribe, ID: sub.ID(), Destination: "/topic/chat/1"}, f)
	require.Eventually(t, gw.Connected, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, wsjson.Write(ctx, conn, Frame{Type: FrameMessage, ID: sub.ID(), Body: json.RawMessage(`{"n":1}`)}))
	assert.JSONEq(t, `{"n":1}`, string(nextBody(t, bodies)))

	// Destination routing when the gateway omits the subscription id.
	require.NoError(t, wsjson.Write(ctx, conn, Frame{Type: FrameMessage, Destination: "/topic/chat/1", Body: json.RawMessage(`{"n":2}`)}))
	assert.JSONEq(t, `{"n":2}`, string(nextBody(t, bodies)))

	out := OutgoingMessage{RoomID: 1, SenderID: "u-7", SenderName: "Ann Lee", Type: MessageText, Content: "hi"}
	require.NoError(t, gw.Publish(ctx, "/app/chat/1", out))
	f = nextFrame(t, fg.frames)
	assert.Equal(t, FrameSend, f.Type)
	assert.Equal(t, "/app/chat/1", f.Destination)
	assert.JSONEq(t, `{"senderId":"u-7","senderName":"Ann Lee","type":"TEXT","content":"hi"}`, string(f.Body))

	gw.Unsubscribe(sub)
	f = nextFrame(t, fg.frames)
	assert.Equal(t, Frame{Type: FrameUnsubscribe, ID: sub.ID(), Destination: "/topic/chat/1"}, f)

	gw.Stop()
	assert.Equal(t, StateDisconnected, gw.State())
	assert.Equal(t, int32(1), fg.dials.Load())
}

func TestGatewayReconnectReplaysSubscriptions(t *testing.T) {
	fg := newFakeGateway(t)
	gw := newTestGateway(fg, time.Second)

	var mu sync.Mutex
	var states []ConnState
	gw.OnStateChange(func(s ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	gw.Start(context.Background())
	defer gw.Stop()

	first := nextConn(t, fg.conns)
	require.Eventually(t, gw.Connected, time.Second, 5*time.Millisecond)

	// Subscribed while connected goes out immediately.
	sub := gw.Subscribe("/topic/chat/9", func([]byte) {})
	assert.Equal(t, sub.ID(), nextFrame(t, fg.frames).ID)

	go first.Close(websocket.StatusGoingAway, "restart")

	nextConn(t, fg.conns)
	f := nextFrame(t, fg.frames)
	assert.Equal(t, Frame{Type: FrameSubscribe, ID: sub.ID(), Destination: "/topic/chat/9"}, f)
	require.Eventually(t, gw.Connected, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateReconnecting)
	assert.Equal(t, StateConnected, states[len(states)-1])
}

func TestGatewayHeartbeatTimeout(t *testing.T) {
	fg := newFakeGateway(t)
	gw := NewGateway(GatewayConfig{
		URL:               fg.url(),
		Token:             "tok-123",
		ReconnectDelay:    10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  60 * time.Millisecond,
	}, zerolog.Nop())

	gw.Start(context.Background())
	defer gw.Stop()

	nextConn(t, fg.conns)
	// The fake never answers pings, so the client must give up and redial.
	nextConn(t, fg.conns)
	assert.GreaterOrEqual(t, fg.pings.Load(), int32(1))
}

func TestGatewayAnswersServerPing(t *testing.T) {
	fg := newFakeGateway(t)
	gw := newTestGateway(fg, time.Second)
	gw.Start(context.Background())
	defer gw.Stop()

	conn := nextConn(t, fg.conns)
	require.NoError(t, wsjson.Write(context.Background(), conn, Frame{Type: FramePing, ID: "p-1"}))
	assert.Equal(t, Frame{Type: FramePong, ID: "p-1"}, nextFrame(t, fg.frames))
}

func TestGatewaySurvivesBadFramesAndHandlers(t *testing.T) {
	fg := newFakeGateway(t)
	gw := newTestGateway(fg, time.Second)

	bodies := make(chan []byte, 8)
	calls := 0
	sub := gw.Subscribe("/topic/chat/3", func(b []byte) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		bodies <- b
	})

	gw.Start(context.Background())
	defer gw.Stop()

	conn := nextConn(t, fg.conns)
	nextFrame(t, fg.frames)

	ctx := context.Background()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("not a frame")))
	require.NoError(t, wsjson.Write(ctx, conn, Frame{Type: "mystery"}))
	require.NoError(t, wsjson.Write(ctx, conn, Frame{Type: FrameMessage, ID: sub.ID(), Body: json.RawMessage(`{"n":1}`)}))
	require.NoError(t, wsjson.Write(ctx, conn, Frame{Type: FrameMessage, ID: sub.ID(), Body: json.RawMessage(`{"n":2}`)}))

	assert.JSONEq(t, `{"n":2}`, string(nextBody(t, bodies)))
	assert.Equal(t, int32(1), fg.dials.Load(), "bad frames must not drop the connection")
	assert.True(t, gw.Connected())
}
