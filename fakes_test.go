package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testSession = Session{CompanyID: "acme", UserID: "u-7", UserName: "Ann Lee", Token: "tok-123"}

type fetchCall struct {
	RoomID int64
	Page   int
	Size   int
}

type readCall struct {
	RoomID  int64
	Receipt ReadReceipt
}

// fakeAPI is an in-memory chat REST API.
type fakeAPI struct {
	mu         sync.Mutex
	rooms      []ChatRoom
	roomsErr   error
	listCalls  int
	pages      map[int64][]ChatMessage // newest first
	fetchCalls []fetchCall
	fetchHook  func(ctx context.Context, roomID int64, page int) ([]ChatMessage, error)
	readCalls  []readCall
	readHook   func(ctx context.Context, roomID int64) error
	posted     []OutgoingMessage
	postHook   func(msg OutgoingMessage) (*ChatMessage, error)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{pages: make(map[int64][]ChatMessage)}
}

func (f *fakeAPI) ListRooms(ctx context.Context, companyID, userID string) ([]ChatRoom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.roomsErr != nil {
		return nil, f.roomsErr
	}
	return cloneRooms(f.rooms), nil
}

func (f *fakeAPI) FetchMessages(ctx context.Context, roomID int64, page, size int) ([]ChatMessage, error) {
	f.mu.Lock()
	f.fetchCalls = append(f.fetchCalls, fetchCall{RoomID: roomID, Page: page, Size: size})
	hook := f.fetchHook
	msgs := append([]ChatMessage(nil), f.pages[roomID]...)
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, roomID, page)
	}
	if page > 0 {
		return nil, nil
	}
	return msgs, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, roomID int64, receipt ReadReceipt) error {
	f.mu.Lock()
	f.readCalls = append(f.readCalls, readCall{RoomID: roomID, Receipt: receipt})
	hook := f.readHook
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, roomID)
	}
	return nil
}

func (f *fakeAPI) PostMessage(ctx context.Context, msg OutgoingMessage) (*ChatMessage, error) {
	f.mu.Lock()
	f.posted = append(f.posted, msg)
	hook := f.postHook
	f.mu.Unlock()
	if hook != nil {
		return hook(msg)
	}
	return nil, fmt.Errorf("no post hook")
}

func (f *fakeAPI) reads() []readCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]readCall(nil), f.readCalls...)
}

func (f *fakeAPI) fetches() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.fetchCalls...)
}

func (f *fakeAPI) lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type published struct {
	Destination string
	Body        any
}

// fakeTransport records subscription intents and publishes.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	subs       map[string]*Subscription
	log        []string
	published  []published
	publishErr error
	onState    []func(ConnState)
	nextID     int
}

func newFakeTransport(connected bool) *fakeTransport {
	return &fakeTransport{connected: connected, subs: make(map[string]*Subscription)}
}

func (t *fakeTransport) Start(ctx context.Context) {}
func (t *fakeTransport) Stop()                     {}

func (t *fakeTransport) OnStateChange(h func(ConnState)) {
	t.mu.Lock()
	t.onState = append(t.onState, h)
	t.mu.Unlock()
}

func (t *fakeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *fakeTransport) setConnected(c bool) {
	t.mu.Lock()
	t.connected = c
	handlers := append([]func(ConnState){}, t.onState...)
	t.mu.Unlock()
	state := StateDisconnected
	if c {
		state = StateConnected
	}
	for _, h := range handlers {
		h(state)
	}
}

func (t *fakeTransport) Subscribe(destination string, h FrameHandler) *Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	sub := &Subscription{id: fmt.Sprintf("sub-%d", t.nextID), destination: destination, handler: h}
	t.subs[sub.id] = sub
	t.log = append(t.log, "sub "+destination)
	return sub
}

func (t *fakeTransport) Unsubscribe(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, sub.id)
	t.log = append(t.log, "unsub "+sub.destination)
}

func (t *fakeTransport) Publish(ctx context.Context, destination string, body any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published = append(t.published, published{Destination: destination, Body: body})
	return nil
}

func (t *fakeTransport) subscriptionLog() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.log...)
}

func (t *fakeTransport) publishes() []published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]published(nil), t.published...)
}

// deliver pushes body to the subscription for destination, as the gateway
// read loop would. It reports whether anyone was subscribed.
func (t *fakeTransport) deliver(destination string, body []byte) bool {
	t.mu.Lock()
	var sub *Subscription
	for _, s := range t.subs {
		if s.destination == destination {
			sub = s
		}
	}
	t.mu.Unlock()
	if sub == nil {
		return false
	}
	sub.handler(body)
	return true
}

func msg(room, id int64) ChatMessage {
	return ChatMessage{
		ID:         id,
		RoomID:     room,
		SenderID:   "u-2",
		SenderName: "Bob",
		Type:       MessageText,
		Content:    fmt.Sprintf("message %d", id),
	}
}

// newestFirst builds a backfill page for ids given in ascending order.
func newestFirst(room int64, ids ...int64) []ChatMessage {
	out := make([]ChatMessage, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, msg(room, ids[i]))
	}
	return out
}

func messageEnvelope(t *testing.T, m ChatMessage) []byte {
	t.Helper()
	b, err := json.Marshal(Envelope{Type: EnvelopeMessage, RoomID: m.RoomID, SenderID: m.SenderID, SenderName: m.SenderName, Message: &m})
	require.NoError(t, err)
	return b
}

func ids(msgs []ChatMessage) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func newTestEngine(t *testing.T, api *fakeAPI, tr *fakeTransport) *Engine {
	t.Helper()
	e, err := New(Config{PageSize: 20}, testSession, WithAPI(api), WithTransport(tr))
	require.NoError(t, err)
	return e
}
