package chatsync

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadTrackerZeroesBeforeServerCall(t *testing.T) {
	api := newFakeAPI()
	entered := make(chan struct{})
	release := make(chan struct{})
	api.readHook = func(ctx context.Context, roomID int64) error {
		close(entered)
		<-release
		return nil
	}
	d := NewDirectory()
	d.Replace(1, []ChatRoom{{ID: 4, UnreadCount: 9}})
	rt := NewReadTracker(api, d, testSession, zerolog.Nop())

	var zeroed []int64
	rt.onZero = func(id int64) { zeroed = append(zeroed, id) }

	rt.MarkRead(context.Background(), 4, 77)
	assert.Equal(t, 0, d.TotalUnread())
	assert.Equal(t, []int64{4}, zeroed)

	<-entered
	assert.Equal(t, int64(0), rt.Cursor(4), "cursor moves only after the server acknowledges")
	close(release)
	rt.Wait()
	assert.Equal(t, int64(77), rt.Cursor(4))

	reads := api.reads()
	require.Len(t, reads, 1)
	assert.Equal(t, ReadReceipt{UserID: "u-7", UserName: "Ann Lee", LastMessageID: 77}, reads[0].Receipt)
}

func TestReadTrackerFailureDoesNotRestoreUnread(t *testing.T) {
	api := newFakeAPI()
	api.readHook = func(ctx context.Context, roomID int64) error { return errors.New("500") }
	d := NewDirectory()
	d.Replace(1, []ChatRoom{{ID: 4, UnreadCount: 2}})
	rt := NewReadTracker(api, d, testSession, zerolog.Nop())

	rt.MarkRead(context.Background(), 4, 10)
	rt.Wait()
	assert.Equal(t, 0, d.TotalUnread())
	assert.Equal(t, int64(0), rt.Cursor(4))
}

func TestReadTrackerEmptyRoomSkipsServer(t *testing.T) {
	api := newFakeAPI()
	d := NewDirectory()
	d.Replace(1, []ChatRoom{{ID: 4, UnreadCount: 2}})
	rt := NewReadTracker(api, d, testSession, zerolog.Nop())

	rt.MarkRead(context.Background(), 4, 0)
	rt.Wait()
	assert.Equal(t, 0, d.TotalUnread())
	assert.Empty(t, api.reads())
}

func TestReadTrackerCursorOnlyAdvances(t *testing.T) {
	api := newFakeAPI()
	rt := NewReadTracker(api, NewDirectory(), testSession, zerolog.Nop())

	rt.MarkRead(context.Background(), 1, 20)
	rt.Wait()
	rt.MarkRead(context.Background(), 1, 15)
	rt.Wait()
	assert.Equal(t, int64(20), rt.Cursor(1))
	assert.Len(t, api.reads(), 2)
}

func TestReadTrackerClosedSendsNothing(t *testing.T) {
	api := newFakeAPI()
	d := NewDirectory()
	d.Replace(1, []ChatRoom{{ID: 4, UnreadCount: 2}})
	rt := NewReadTracker(api, d, testSession, zerolog.Nop())

	rt.Close()
	rt.MarkRead(context.Background(), 4, 10)
	rt.Wait()
	assert.Empty(t, api.reads())
	assert.Equal(t, 2, d.TotalUnread())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rt.resume()
	rt.MarkRead(ctx, 4, 10)
	assert.Empty(t, api.reads(), "a cancelled session context sends nothing")

	rt.MarkRead(context.Background(), 4, 10)
	rt.Wait()
	assert.Len(t, api.reads(), 1)
	assert.Equal(t, 0, d.TotalUnread())
}
