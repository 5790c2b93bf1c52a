package realtime

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/channel"
	serrors "github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifications_UnreadCountDerived(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		now := time.Now()
		ch := newFakeChannel()
		api := &fakeNotificationAPI{history: []models.Record{
			note("n1", "Budget", false, now.Add(-2*time.Hour)),
			note("n2", "Fund", true, now.Add(-time.Hour)),
		}}

		n := newTestNotifications(t, ch, api)
		defer n.Close()

		require.NoError(t, n.Open(context.Background()))
		assert.Equal(t, 1, n.UnreadCount())

		ch.push(notificationFrame("n3", "Post", now))
		synctest.Wait()

		assert.Equal(t, 2, n.UnreadCount())

		snap := n.Snapshot()
		assert.Equal(t, []string{"n1", "n2", "n3"}, ids(snap))
		assert.Equal(t, "me", snap[2].ScopeID)
		assert.Equal(t, "Post", snap[2].Title)

		// A duplicate push changes nothing.
		ch.push(notificationFrame("n3", "Post", now))
		synctest.Wait()
		assert.Equal(t, 2, n.UnreadCount())
	})
}

func TestNotifications_NonNotificationPushIgnored(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ch := newFakeChannel()
		n := newTestNotifications(t, ch, &fakeNotificationAPI{})
		defer n.Close()

		require.NoError(t, n.Open(context.Background()))

		ch.push(`{"type":"receive_message","messages":[]}`)
		ch.push(`{"type":"notification","id":`)
		ch.push(`{"type":"notification","title":"no id"}`)
		synctest.Wait()

		assert.Equal(t, 0, n.UnreadCount())
		assert.Empty(t, n.Snapshot())
	})
}

func TestNotifications_MarkRead(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ch := newFakeChannel()
		api := &fakeNotificationAPI{history: []models.Record{note("n1", "Budget", false, time.Now())}}
		n := newTestNotifications(t, ch, api)
		defer n.Close()

		require.NoError(t, n.Open(context.Background()))
		require.NoError(t, n.MarkRead(context.Background(), "n1"))

		assert.Equal(t, 0, n.UnreadCount())
		assert.Equal(t, []string{"n1"}, api.readCalls())

		// Already read: no second server call.
		require.NoError(t, n.MarkRead(context.Background(), "n1"))
		assert.Equal(t, []string{"n1"}, api.readCalls())
	})
}

func TestNotifications_MarkReadRollsBackOnFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ch := newFakeChannel()
		api := &fakeNotificationAPI{
			history:  []models.Record{note("n1", "Budget", false, time.Now())},
			failRead: map[string]bool{"n1": true},
		}
		n := newTestNotifications(t, ch, api)
		defer n.Close()

		require.NoError(t, n.Open(context.Background()))

		err := n.MarkRead(context.Background(), "n1")
		require.Error(t, err)
		assert.ErrorIs(t, err, serrors.ErrMarkReadFailed)
		assert.ErrorIs(t, err, serrors.ErrAPIRequest)

		var se *serrors.ScopeError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, OpMarkRead, se.Op)
		assert.Equal(t, "me", se.Scope)

		assert.Equal(t, 1, n.UnreadCount())
		assert.False(t, n.Snapshot()[0].Read)
	})
}

func TestNotifications_MarkReadSurvivesReloadDuringCall(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ch := newFakeChannel()
		api := &fakeNotificationAPI{history: []models.Record{note("n1", "Budget", false, time.Now())}}
		n := newTestNotifications(t, ch, api)
		defer n.Close()

		// The server still reports n1 unread while the call is in flight.
		api.onRead = func(string) {
			require.NoError(t, n.loadHistory(context.Background()))
		}

		require.NoError(t, n.Open(context.Background()))
		require.NoError(t, n.MarkRead(context.Background(), "n1"))

		assert.Equal(t, 0, n.UnreadCount())
		assert.True(t, n.Snapshot()[0].Read)
	})
}

func TestNotifications_StaleReloadAfterMarkRead(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		at := time.Now()
		ch := newFakeChannel()
		api := &fakeNotificationAPI{history: []models.Record{note("n1", "Budget", false, at)}}
		n := newTestNotifications(t, ch, api)
		defer n.Close()

		require.NoError(t, n.Open(context.Background()))
		require.NoError(t, n.MarkRead(context.Background(), "n1"))

		// A fetch that raced the call returns the old unread state.
		require.NoError(t, n.loadHistory(context.Background()))
		assert.Equal(t, 0, n.UnreadCount())

		// Once history agrees the pin is released, so a later unread
		// from the server is shown again.
		api.setHistory([]models.Record{note("n1", "Budget", true, at)})
		require.NoError(t, n.loadHistory(context.Background()))
		assert.Equal(t, 0, n.UnreadCount())

		api.setHistory([]models.Record{note("n1", "Budget", false, at)})
		require.NoError(t, n.loadHistory(context.Background()))
		assert.Equal(t, 1, n.UnreadCount())
	})
}

func TestNotifications_FailedMarkReadDuringReloadRollsBack(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ch := newFakeChannel()
		api := &fakeNotificationAPI{
			history:  []models.Record{note("n1", "Budget", false, time.Now())},
			failRead: map[string]bool{"n1": true},
		}
		n := newTestNotifications(t, ch, api)
		defer n.Close()

		api.onRead = func(string) {
			require.NoError(t, n.loadHistory(context.Background()))
		}

		require.NoError(t, n.Open(context.Background()))
		require.ErrorIs(t, n.MarkRead(context.Background(), "n1"), serrors.ErrMarkReadFailed)

		assert.Equal(t, 1, n.UnreadCount())

		require.NoError(t, n.loadHistory(context.Background()))
		assert.Equal(t, 1, n.UnreadCount())
	})
}

func TestNotifications_MarkReadUnknown(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ch := newFakeChannel()
		api := &fakeNotificationAPI{}
		n := newTestNotifications(t, ch, api)
		defer n.Close()

		require.NoError(t, n.Open(context.Background()))

		assert.ErrorIs(t, n.MarkRead(context.Background(), "ghost"), serrors.ErrUnknownRecord)
		assert.Empty(t, api.readCalls())
	})
}

func TestNotifications_MarkAllReadPartialFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		now := time.Now()
		ch := newFakeChannel()
		api := &fakeNotificationAPI{
			history: []models.Record{
				note("n1", "a", false, now),
				note("n2", "b", false, now.Add(time.Second)),
				note("n3", "c", true, now.Add(2*time.Second)),
				note("n4", "d", false, now.Add(3*time.Second)),
			},
			failRead: map[string]bool{"n2": true},
		}
		n := newTestNotifications(t, ch, api)
		defer n.Close()

		require.NoError(t, n.Open(context.Background()))
		require.Equal(t, 3, n.UnreadCount())

		marked, err := n.MarkAllRead(context.Background())
		assert.Equal(t, 2, marked)
		require.Error(t, err)
		assert.ErrorIs(t, err, serrors.ErrMarkReadFailed)

		assert.Equal(t, 1, n.UnreadCount())
		assert.ElementsMatch(t, []string{"n1", "n2", "n4"}, api.readCalls())
	})
}

func TestNotifications_RefetchAfterReconnect(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ch := newFakeChannel()
		api := &fakeNotificationAPI{}
		n := newTestNotifications(t, ch, api)
		defer n.Close()

		require.NoError(t, n.Open(context.Background()))

		ch.emitState(channel.Reconnecting)
		ch.emitState(channel.Connected)
		synctest.Wait()

		api.mu.Lock()
		defer api.mu.Unlock()
		assert.Equal(t, 2, api.fetches)
	})
}

func TestNotifications_HistoryFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ch := newFakeChannel()
		api := &fakeNotificationAPI{fetchErr: serrors.ErrAPIRequest}
		n := newTestNotifications(t, ch, api)
		defer n.Close()

		err := n.Open(context.Background())
		assert.True(t, IsHistoryError(err))
		assert.Equal(t, "me", n.ScopeID())
		assert.Equal(t, RoleNotifications, n.Status().Role)
	})
}

func TestIsHistoryError(t *testing.T) {
	assert.False(t, IsHistoryError(nil))
	assert.False(t, IsHistoryError(serrors.ErrHistoryFetch))
	assert.False(t, IsHistoryError(serrors.Wrap("c1", OpOpen, serrors.ErrAuthenticationExhausted)))
	assert.True(t, IsHistoryError(serrors.Wrap("c1", OpLoadHistory, serrors.ErrHistoryFetch)))
}
