package chatsync

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// PubSub is the slice of the gateway the room binder and send pipeline use.
type PubSub interface {
	Subscribe(destination string, h FrameHandler) *Subscription
	Unsubscribe(sub *Subscription)
	Connected() bool
	Publisher
}

// Destinations builds per-room gateway destinations from printf patterns.
type Destinations struct {
	TopicPattern string
	SendPattern  string
}

func (d Destinations) withDefaults() Destinations {
	if d.TopicPattern == "" {
		d.TopicPattern = "/topic/chat/%d"
	}
	if d.SendPattern == "" {
		d.SendPattern = "/app/chat/%d"
	}
	return d
}

// Topic is the subscribe destination for a room.
func (d Destinations) Topic(roomID int64) string { return fmt.Sprintf(d.TopicPattern, roomID) }

// Send is the publish destination for a room.
func (d Destinations) Send(roomID int64) string { return fmt.Sprintf(d.SendPattern, roomID) }

// RoomBinder keeps at most one room topic subscribed: the open room's.
type RoomBinder struct {
	ps      PubSub
	dest    Destinations
	handler func(roomID int64, body []byte)
	log     zerolog.Logger

	mu      sync.Mutex
	roomID  int64
	current *Subscription
}

// NewRoomBinder creates a binder that routes topic bodies to handler.
func NewRoomBinder(ps PubSub, dest Destinations, handler func(roomID int64, body []byte), log zerolog.Logger) *RoomBinder {
	return &RoomBinder{
		ps:      ps,
		dest:    dest.withDefaults(),
		handler: handler,
		log:     log.With().Str("component", "binder").Logger(),
	}
}

// Bind switches the live subscription to roomID; 0 means no room. The old
// subscription is always released before the new one is requested, whether
// or not the gateway is connected.
func (b *RoomBinder) Bind(roomID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil && b.roomID == roomID {
		return
	}
	if b.current != nil {
		b.ps.Unsubscribe(b.current)
		b.log.Debug().Int64("room", b.roomID).Msg("room unsubscribed")
		b.current = nil
	}
	b.roomID = roomID
	if roomID == 0 {
		return
	}

	b.current = b.ps.Subscribe(b.dest.Topic(roomID), func(body []byte) {
		b.handler(roomID, body)
	})
	b.log.Debug().Int64("room", roomID).Str("topic", b.current.Destination()).Bool("connected", b.ps.Connected()).Msg("room subscribed")
}

// Current returns the bound room id, or 0.
func (b *RoomBinder) Current() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.roomID
}
