package chatsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/teamroster/chatsync/internal/metrics"
)

// ============================================================================
// Directory Store
// ============================================================================

// Directory is the in-memory room list of the current user. Snapshots
// replace it wholesale; the only in-place writes are unread zeroing and the
// open room's preview patch.
type Directory struct {
	mu      sync.RWMutex
	rooms   []ChatRoom
	index   map[int64]int
	applied uint64
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{index: make(map[int64]int)}
}

// Replace installs a snapshot fetched under sequence number seq. Snapshots
// older than the last applied one are ignored and Replace returns false.
func (d *Directory) Replace(seq uint64, rooms []ChatRoom) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq <= d.applied {
		return false
	}
	d.applied = seq
	d.rooms = cloneRooms(rooms)
	d.index = make(map[int64]int, len(d.rooms))
	for i, r := range d.rooms {
		d.index[r.ID] = i
	}
	return true
}

// Rooms returns a copy of the current snapshot in server order.
func (d *Directory) Rooms() []ChatRoom {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return cloneRooms(d.rooms)
}

// Room returns one row.
func (d *Directory) Room(id int64) (ChatRoom, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	i, ok := d.index[id]
	if !ok {
		return ChatRoom{}, false
	}
	return cloneRoom(d.rooms[i]), true
}

// ResetUnread sets a room's unread counter to zero.
func (d *Directory) ResetUnread(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index[id]
	if !ok {
		return false
	}
	d.rooms[i].UnreadCount = 0
	return true
}

// PatchPreview updates a room's last-message fields from msg. Messages older
// than the current preview are ignored. A message without a timestamp is
// taken as the newest and stamped with the current time.
func (d *Directory) PatchPreview(id int64, msg ChatMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index[id]
	if !ok {
		return false
	}
	r := &d.rooms[i]
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = Timestamp{time.Now().UTC()}
	} else if r.LastMessage != nil && msg.CreatedAt.Before(r.LastMessage.CreatedAt.Time) {
		return false
	}
	r.LastMessage = &MessagePreview{
		Content:    previewText(msg),
		SenderName: msg.SenderName,
		CreatedAt:  msg.CreatedAt,
	}
	at := msg.CreatedAt
	r.LastMessageAt = &at
	return true
}

// TotalUnread is the badge value: the sum of all rooms' unread counters.
func (d *Directory) TotalUnread() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, r := range d.rooms {
		total += r.UnreadCount
	}
	return total
}

func previewText(msg ChatMessage) string {
	switch {
	case msg.IsDeleted:
		return ""
	case msg.Content != "":
		return msg.Content
	case msg.FileName != "":
		return msg.FileName
	}
	return string(msg.Type)
}

func cloneRoom(r ChatRoom) ChatRoom {
	if r.LastMessage != nil {
		p := *r.LastMessage
		r.LastMessage = &p
	}
	if r.LastMessageAt != nil {
		t := *r.LastMessageAt
		r.LastMessageAt = &t
	}
	return r
}

func cloneRooms(rooms []ChatRoom) []ChatRoom {
	out := make([]ChatRoom, len(rooms))
	for i, r := range rooms {
		out[i] = cloneRoom(r)
	}
	return out
}

// ============================================================================
// Directory Synchronizer
// ============================================================================

// RoomLister fetches the room directory.
type RoomLister interface {
	ListRooms(ctx context.Context, companyID, userID string) ([]ChatRoom, error)
}

// DirectorySync refreshes a Directory on mount and on a fixed interval.
type DirectorySync struct {
	api       RoomLister
	store     *Directory
	companyID string
	userID    string
	interval  time.Duration
	log       zerolog.Logger
	seq       atomic.Uint64
	onUpdate  func([]ChatRoom)
}

// NewDirectorySync creates a poller for store.
func NewDirectorySync(api RoomLister, store *Directory, sess Session, interval time.Duration, log zerolog.Logger) *DirectorySync {
	return &DirectorySync{
		api:       api,
		store:     store,
		companyID: sess.CompanyID,
		userID:    sess.UserID,
		interval:  interval,
		log:       log.With().Str("component", "directory").Logger(),
	}
}

// Refresh fetches the directory once. On failure the previous snapshot is
// kept. A fetch that completes after a newer one is dropped.
func (s *DirectorySync) Refresh(ctx context.Context) error {
	seq := s.seq.Add(1)
	start := time.Now()
	rooms, err := s.api.ListRooms(ctx, s.companyID, s.userID)
	metrics.RequestDuration.WithLabelValues("list_rooms").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DirectoryRefreshes.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Uint64("seq", seq).Msg("directory refresh failed, keeping previous snapshot")
		return err
	}
	if !s.store.Replace(seq, rooms) {
		metrics.DirectoryRefreshes.WithLabelValues("superseded").Inc()
		s.log.Debug().Uint64("seq", seq).Msg("directory snapshot superseded by newer fetch")
		return nil
	}
	metrics.DirectoryRefreshes.WithLabelValues("applied").Inc()
	s.log.Debug().Uint64("seq", seq).Int("rooms", len(rooms)).Msg("directory snapshot applied")
	if s.onUpdate != nil {
		s.onUpdate(s.store.Rooms())
	}
	return nil
}

// Run refreshes immediately and then on every tick until ctx is done.
func (s *DirectorySync) Run(ctx context.Context) {
	_ = s.Refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Refresh(ctx)
		}
	}
}
