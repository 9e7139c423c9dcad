package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teamroster/chatsync/internal/metrics"
)

// Publisher publishes a body to a gateway destination.
type Publisher interface {
	Publish(ctx context.Context, destination string, body any) error
}

// MessagePoster creates a message over REST.
type MessagePoster interface {
	PostMessage(ctx context.Context, msg OutgoingMessage) (*ChatMessage, error)
}

// SendPath tells which route a message took.
type SendPath string

const (
	PathPush     SendPath = "push"
	PathFallback SendPath = "fallback"
)

// SendResult describes a successful send. Message is set only for the
// fallback path; push sends materialise through the server echo.
type SendResult struct {
	Path    SendPath
	Message *ChatMessage
}

// Sender submits outgoing messages, preferring the push channel.
type Sender struct {
	ps      PubSub
	api     MessagePoster
	stream  *Stream
	dest    Destinations
	refresh func()
	log     zerolog.Logger
}

// NewSender creates a send pipeline. refresh is called after every
// successful fallback send.
func NewSender(ps PubSub, api MessagePoster, stream *Stream, dest Destinations, refresh func(), log zerolog.Logger) *Sender {
	return &Sender{
		ps:      ps,
		api:     api,
		stream:  stream,
		dest:    dest.withDefaults(),
		refresh: refresh,
		log:     log.With().Str("component", "sender").Logger(),
	}
}

// Send publishes msg over the gateway when connected. If the gateway is
// down or the publish fails it posts over REST, merges the returned message
// and triggers a directory refresh.
func (s *Sender) Send(ctx context.Context, msg OutgoingMessage) (SendResult, error) {
	if err := msg.normalize(); err != nil {
		return SendResult{}, err
	}

	if s.ps.Connected() {
		err := s.ps.Publish(ctx, s.dest.Send(msg.RoomID), msg)
		if err == nil {
			metrics.Sends.WithLabelValues(string(PathPush), "ok").Inc()
			s.log.Debug().Int64("room", msg.RoomID).Msg("message published")
			return SendResult{Path: PathPush}, nil
		}
		metrics.Sends.WithLabelValues(string(PathPush), "error").Inc()
		s.log.Warn().Err(err).Int64("room", msg.RoomID).Msg("publish failed, falling back to REST")
	}

	start := time.Now()
	created, err := s.api.PostMessage(ctx, msg)
	metrics.RequestDuration.WithLabelValues("post_message").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Sends.WithLabelValues(string(PathFallback), "error").Inc()
		s.log.Error().Err(err).Int64("room", msg.RoomID).Msg("fallback send failed")
		return SendResult{}, fmt.Errorf("send message: %w", err)
	}
	metrics.Sends.WithLabelValues(string(PathFallback), "ok").Inc()

	s.stream.Merge(*created)
	if s.refresh != nil {
		s.refresh()
	}
	return SendResult{Path: PathFallback, Message: created}, nil
}

// Composer is the input buffer of the chat surface. Its text survives a
// failed send so the user can retry.
type Composer struct {
	mu    sync.Mutex
	draft string
}

// SetDraft replaces the buffer.
func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the buffer.
func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// clearIf empties the buffer if it still holds sent. Text typed while the
// send was in flight is kept.
func (c *Composer) clearIf(sent string) {
	c.mu.Lock()
	if c.draft == sent {
		c.draft = ""
	}
	c.mu.Unlock()
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == 429
	}
	return !errors.Is(err, ErrEmptyMessage)
}
