package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/teamroster/chatsync/internal/metrics"
)

// ReadMarker records read cursors on the server.
type ReadMarker interface {
	MarkRead(ctx context.Context, roomID int64, receipt ReadReceipt) error
}

// ReadTracker advances per-room read cursors. The unread counter is zeroed
// locally before the server call goes out and is not restored if the call
// fails; the next directory poll corrects it.
type ReadTracker struct {
	api     ReadMarker
	dir     *Directory
	userID  ID
	name    string
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	cursors map[int64]int64
	wg      sync.WaitGroup
	closed  bool
	onZero  func(roomID int64)
}

// NewReadTracker creates a tracker writing to dir.
func NewReadTracker(api ReadMarker, dir *Directory, sess Session, log zerolog.Logger) *ReadTracker {
	return &ReadTracker{
		api:     api,
		dir:     dir,
		userID:  ID(sess.UserID),
		name:    sess.UserName,
		timeout: DefaultTimeout,
		log:     log.With().Str("component", "receipts").Logger(),
		cursors: make(map[int64]int64),
	}
}

// MarkRead zeroes roomID's unread counter immediately and sends the read
// receipt in the background. lastID <= 0 only zeroes locally. After Close, or
// once ctx is done, it does nothing.
func (t *ReadTracker) MarkRead(ctx context.Context, roomID, lastID int64) {
	t.mu.Lock()
	if t.closed || ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	if lastID > 0 {
		t.wg.Add(1)
	}
	t.mu.Unlock()

	if t.dir.ResetUnread(roomID) && t.onZero != nil {
		t.onZero(roomID)
	}
	if lastID <= 0 {
		return
	}

	receipt := ReadReceipt{UserID: t.userID, UserName: t.name, LastMessageID: lastID}
	go func() {
		defer t.wg.Done()
		callCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		start := time.Now()
		err := t.api.MarkRead(callCtx, roomID, receipt)
		metrics.RequestDuration.WithLabelValues("mark_read").Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.ReadReceipts.WithLabelValues("error").Inc()
			t.log.Warn().Err(err).Int64("room", roomID).Int64("last_message_id", lastID).Msg("read receipt failed")
			return
		}
		metrics.ReadReceipts.WithLabelValues("ok").Inc()

		t.mu.Lock()
		if lastID > t.cursors[roomID] {
			t.cursors[roomID] = lastID
		}
		t.mu.Unlock()
	}()
}

// Cursor returns the highest acknowledged read cursor for a room.
func (t *ReadTracker) Cursor(roomID int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursors[roomID]
}

// Wait blocks until all in-flight receipts have finished.
func (t *ReadTracker) Wait() {
	t.wg.Wait()
}

// Close stops new receipts from being sent and waits for in-flight ones.
func (t *ReadTracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *ReadTracker) resume() {
	t.mu.Lock()
	t.closed = false
	t.mu.Unlock()
}
