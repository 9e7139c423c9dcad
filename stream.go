package chatsync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teamroster/chatsync/internal/metrics"
)

// MessageFetcher fetches a page of room history, newest first.
type MessageFetcher interface {
	FetchMessages(ctx context.Context, roomID int64, page, size int) ([]ChatMessage, error)
}

// Stream is the open room's message sequence. Backfilled, pushed and
// fallback-sent messages all land here, deduplicated by id and kept in
// ascending id order.
type Stream struct {
	api      MessageFetcher
	pageSize int
	log      zerolog.Logger

	mu         sync.RWMutex
	room       int64
	generation uint64
	nextPage   int
	exhausted  bool
	msgs       []ChatMessage
	seen       map[int64]struct{}
}

// NewStream creates an empty stream.
func NewStream(api MessageFetcher, pageSize int, log zerolog.Logger) *Stream {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Stream{
		api:      api,
		pageSize: pageSize,
		log:      log.With().Str("component", "stream").Logger(),
		seen:     make(map[int64]struct{}),
	}
}

// Open makes roomID the open room and backfills its newest page. It returns
// the highest message id in the page (0 for an empty room). If the open room
// changed while the fetch was in flight the page is discarded and
// ErrStaleResult is returned. On fetch failure the stream keeps whatever it
// already holds for the room.
func (s *Stream) Open(ctx context.Context, roomID int64) (int64, error) {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	if s.room != roomID {
		s.resetLocked()
	}
	s.room = roomID
	s.nextPage = 0
	s.exhausted = false
	s.mu.Unlock()

	return s.fetch(ctx, roomID, gen, 0)
}

// LoadOlder fetches the next older page of the open room.
func (s *Stream) LoadOlder(ctx context.Context) (int, error) {
	s.mu.RLock()
	roomID, gen, page, done := s.room, s.generation, s.nextPage, s.exhausted
	before := len(s.msgs)
	s.mu.RUnlock()

	if roomID == 0 {
		return 0, ErrNoOpenRoom
	}
	if done {
		return 0, nil
	}
	if _, err := s.fetch(ctx, roomID, gen, page); err != nil {
		return 0, err
	}
	return s.Len() - before, nil
}

func (s *Stream) fetch(ctx context.Context, roomID int64, gen uint64, page int) (int64, error) {
	start := time.Now()
	msgs, err := s.api.FetchMessages(ctx, roomID, page, s.pageSize)
	metrics.RequestDuration.WithLabelValues("fetch_messages").Observe(time.Since(start).Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generation != gen || s.room != roomID {
		metrics.Backfills.WithLabelValues("stale").Inc()
		s.log.Debug().Int64("room", roomID).Int("page", page).Msg("discarding stale backfill")
		return 0, ErrStaleResult
	}
	if err != nil {
		metrics.Backfills.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Int64("room", roomID).Int("page", page).Msg("backfill failed, keeping current messages")
		return 0, err
	}

	// Pages arrive newest first; insert oldest first.
	var last int64
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.RoomID == 0 {
			m.RoomID = roomID
		}
		if m.RoomID != roomID {
			continue
		}
		if m.ID > last {
			last = m.ID
		}
		s.insertLocked(m)
	}
	s.nextPage = page + 1
	if len(msgs) < s.pageSize {
		s.exhausted = true
	}
	metrics.Backfills.WithLabelValues("applied").Inc()
	s.log.Debug().Int64("room", roomID).Int("page", page).Int("fetched", len(msgs)).Int("total", len(s.msgs)).Msg("backfill applied")
	return last, nil
}

// Merge appends a single pushed or fallback-sent message if it belongs to
// the open room and its id is new. It reports whether the sequence changed.
func (s *Stream) Merge(m ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == 0 || m.RoomID != s.room {
		return false
	}
	return s.insertLocked(m)
}

func (s *Stream) insertLocked(m ChatMessage) bool {
	if _, dup := s.seen[m.ID]; dup {
		return false
	}
	s.seen[m.ID] = struct{}{}

	n := len(s.msgs)
	if n == 0 || s.msgs[n-1].ID < m.ID {
		s.msgs = append(s.msgs, m)
		return true
	}
	i := sort.Search(n, func(i int) bool { return s.msgs[i].ID > m.ID })
	s.msgs = append(s.msgs, ChatMessage{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = m
	return true
}

// Close clears the sequence and invalidates in-flight backfills.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.room = 0
	s.resetLocked()
}

func (s *Stream) resetLocked() {
	s.msgs = nil
	s.seen = make(map[int64]struct{})
	s.nextPage = 0
	s.exhausted = false
}

// OpenRoom returns the open room id, or 0.
func (s *Stream) OpenRoom() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Messages returns a copy of the sequence.
func (s *Stream) Messages() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ChatMessage(nil), s.msgs...)
}

// Len returns the number of messages in the sequence.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.msgs)
}

// LastID returns the highest id in the sequence, or 0.
func (s *Stream) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.msgs) == 0 {
		return 0
	}
	return s.msgs[len(s.msgs)-1].ID
}
