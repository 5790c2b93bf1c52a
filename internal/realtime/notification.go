package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/api"
	serrors "github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/metrics"
	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/alexjbarnes/dash-sync/internal/reconcile"
	"github.com/tidwall/gjson"
)

const typeNotification = "notification"

// NotificationAPI is the REST side of the notification stream.
// *api.Client satisfies it.
type NotificationAPI interface {
	FetchNotifications(ctx context.Context, userID string) ([]models.Record, error)
	MarkNotificationRead(ctx context.Context, id string) error
}

// NotificationOptions configures a NotificationSync.
type NotificationOptions struct {
	UserID  string
	Channel PushChannel
	API     NotificationAPI

	Metrics  *metrics.Metrics
	OnStatus func(Status)
}

// NotificationSync keeps a user's notifications consistent with the
// push channel and derives the unread count from them.
type NotificationSync struct {
	*scope
	api NotificationAPI

	// marking holds ids with a mark-read call in flight; accepted holds
	// ids the server acknowledged but no fetched history has yet shown
	// as read. A reload of stale history must not undo either.
	markingMu sync.Mutex
	marking   map[string]int
	accepted  map[string]struct{}
}

// NewNotifications builds a NotificationSync. Nothing connects until Open.
func NewNotifications(opts NotificationOptions, logger *slog.Logger) *NotificationSync {
	n := &NotificationSync{
		scope: newScope(RoleNotifications, opts.UserID, opts.Channel, reconcile.New(opts.UserID), logger, opts.Metrics),
		api:     opts.API,
		marking:  make(map[string]int),
		accepted: make(map[string]struct{}),
	}

	n.fetch = func(ctx context.Context) ([]models.Record, error) {
		return n.api.FetchNotifications(ctx, n.id)
	}
	n.onPush = n.handlePush
	n.beforeLoad = n.keepMarked
	n.afterLoad = n.reapplyMarked
	n.onState = opts.OnStatus
	n.refetch = true

	return n
}

// Open subscribes to the channel, then loads history and connects
// concurrently.
func (n *NotificationSync) Open(ctx context.Context) error {
	return n.open(ctx)
}

// Close cancels in-flight work and closes the channel.
func (n *NotificationSync) Close() error {
	return n.close()
}

// ScopeID returns the user id.
func (n *NotificationSync) ScopeID() string { return n.id }

// Snapshot returns the ordered notifications.
func (n *NotificationSync) Snapshot() []models.Record { return n.rec.Snapshot() }

// Subscribe returns a coalescing change notification channel and a
// func that cancels it.
func (n *NotificationSync) Subscribe() (<-chan struct{}, func()) { return n.rec.Subscribe() }

// Status reports connectivity.
func (n *NotificationSync) Status() Status { return n.status() }

// UnreadCount is the number of Confirmed notifications not yet read.
// It is always derived from the current view.
func (n *NotificationSync) UnreadCount() int {
	return n.rec.Count(func(r models.Record) bool {
		return r.DeliveryState == models.Confirmed && !r.Read
	})
}

// MarkRead flips the notification to read locally, then tells the
// server. A failed call rolls the flag back.
func (n *NotificationSync) MarkRead(ctx context.Context, id string) error {
	if n.isClosed() {
		return serrors.Wrap(n.id, OpMarkRead, serrors.ErrScopeClosed)
	}

	n.track(id)

	prev, err := n.rec.SetRead(id, true)
	if err != nil || prev {
		n.untrack(id, false)
		return serrors.Wrap(n.id, OpMarkRead, err)
	}

	err = n.api.MarkNotificationRead(ctx, id)

	// Untrack before any rollback so a concurrent reload cannot
	// re-apply a flag the server never accepted.
	n.untrack(id, err == nil)

	if err != nil {
		if _, rbErr := n.rec.SetRead(id, false); rbErr != nil {
			// Reset or history reload dropped it meanwhile.
			n.logger.Debug("mark read rollback skipped", slog.String("error", rbErr.Error()))
		}

		return serrors.Wrap(n.id, OpMarkRead, fmt.Errorf("%w: %w", serrors.ErrMarkReadFailed, err))
	}

	return nil
}

func (n *NotificationSync) track(id string) {
	n.markingMu.Lock()
	n.marking[id]++
	n.markingMu.Unlock()
}

func (n *NotificationSync) untrack(id string, ok bool) {
	n.markingMu.Lock()
	defer n.markingMu.Unlock()

	if n.marking[id]--; n.marking[id] <= 0 {
		delete(n.marking, id)
	}

	if ok {
		n.accepted[id] = struct{}{}
	}
}

// markedIDs returns every id whose read flag must survive a reload.
func (n *NotificationSync) markedIDs() map[string]struct{} {
	n.markingMu.Lock()
	defer n.markingMu.Unlock()

	ids := make(map[string]struct{}, len(n.marking)+len(n.accepted))
	for id := range n.marking {
		ids[id] = struct{}{}
	}

	for id := range n.accepted {
		ids[id] = struct{}{}
	}

	return ids
}

// keepMarked flips fetched records that are being, or have just been,
// marked read. An accepted id is forgotten once history agrees or no
// longer carries it.
func (n *NotificationSync) keepMarked(records []models.Record) {
	n.markingMu.Lock()
	defer n.markingMu.Unlock()

	if len(n.marking) == 0 && len(n.accepted) == 0 {
		return
	}

	seen := make(map[string]bool, len(n.accepted))

	for i := range records {
		id := records[i].ID

		if _, ok := n.marking[id]; ok {
			records[i].Read = true
		}

		if _, ok := n.accepted[id]; ok {
			seen[id] = records[i].Read
			records[i].Read = true
		}
	}

	for id := range n.accepted {
		if read, ok := seen[id]; !ok || read {
			delete(n.accepted, id)
		}
	}
}

// reapplyMarked covers a mark-read that started while the load was
// being merged.
func (n *NotificationSync) reapplyMarked() {
	for id := range n.markedIDs() {
		_, _ = n.rec.SetRead(id, true)
	}
}

// MarkAllRead marks every unread notification. Each failure is rolled
// back individually; the returned count covers the successes.
func (n *NotificationSync) MarkAllRead(ctx context.Context) (int, error) {
	var (
		marked int
		errs   []error
	)

	for _, r := range n.rec.Snapshot() {
		if r.Read || r.DeliveryState != models.Confirmed {
			continue
		}

		if err := n.MarkRead(ctx, r.ID); err != nil {
			errs = append(errs, err)
			continue
		}

		marked++
	}

	return marked, errors.Join(errs...)
}

func (n *NotificationSync) handlePush(data []byte) {
	typ := gjson.GetBytes(data, "type").String()
	if typ != typeNotification {
		n.logger.Debug("ignoring push", slog.String("type", typ))
		return
	}

	var p api.Notification
	if err := json.Unmarshal(data, &p); err != nil {
		n.logger.Warn("invalid notification push", slog.String("error", err.Error()))
		return
	}

	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	n.ingest(p.Record(n.id))
}
