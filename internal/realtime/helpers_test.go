package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/channel"
	serrors "github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChannel is an in-memory PushChannel. Open reports Connected
// unless openErr is set.
type fakeChannel struct {
	mu         sync.Mutex
	events     chan channel.Event
	subscribed bool
	state      channel.State
	openErr    error
	sendErr    error
	sendHook   func()
	sent       [][]byte
	opens      int
	closed     bool
	closeOnce  sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan channel.Event, 64)}
}

func (f *fakeChannel) Subscribe() (<-chan channel.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subscribed {
		return nil, serrors.ErrAlreadySubscribed
	}

	f.subscribed = true

	return f.events, nil
}

func (f *fakeChannel) Open(ctx context.Context) error {
	f.mu.Lock()
	f.opens++
	err := f.openErr
	f.mu.Unlock()

	if err != nil {
		f.emitState(channel.Reconnecting)
		return err
	}

	f.emitState(channel.Connected)

	return nil
}

func (f *fakeChannel) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.sent = append(f.sent, data)
	hook := f.sendHook
	sendErr := f.sendErr
	f.mu.Unlock()

	if hook != nil {
		hook()
	}

	return sendErr
}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.state = channel.Closed
		f.mu.Unlock()
		close(f.events)
	})

	return nil
}

func (f *fakeChannel) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

func (f *fakeChannel) RetryCount() int          { return 0 }
func (f *fakeChannel) NextAttemptAt() time.Time { return time.Time{} }

func (f *fakeChannel) emitState(s channel.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()

	f.events <- channel.Event{Kind: channel.EventState, State: s}
}

func (f *fakeChannel) emitError(err error) {
	f.events <- channel.Event{Kind: channel.EventError, Err: err}
}

func (f *fakeChannel) push(frame string) {
	f.events <- channel.Event{Kind: channel.EventPush, Data: []byte(frame)}
}

func (f *fakeChannel) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func (f *fakeChannel) lastSent() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.sent) == 0 {
		return nil
	}

	var m map[string]any
	_ = json.Unmarshal(f.sent[len(f.sent)-1], &m)

	return m
}

func (f *fakeChannel) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

// fakeMessageAPI serves canned history.
type fakeMessageAPI struct {
	mu       sync.Mutex
	history  []models.Record
	fetchErr error
	block    bool
	fetches  int
	clearErr error
	clears   int
}

func (f *fakeMessageAPI) FetchMessages(ctx context.Context, conversationID string) ([]models.Record, error) {
	f.mu.Lock()
	f.fetches++
	block := f.block
	out := append([]models.Record(nil), f.history...)
	err := f.fetchErr
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	return out, err
}

func (f *fakeMessageAPI) ClearConversation(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.clears++

	return f.clearErr
}

func (f *fakeMessageAPI) setHistory(recs ...models.Record) {
	f.mu.Lock()
	f.history = recs
	f.mu.Unlock()
}

func (f *fakeMessageAPI) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.fetches
}

// fakeNotificationAPI serves canned notifications and records mark-read calls.
type fakeNotificationAPI struct {
	mu       sync.Mutex
	history  []models.Record
	fetchErr error
	fetches  int
	failRead map[string]bool
	reads    []string

	// onRead runs inside MarkNotificationRead before it returns.
	onRead func(id string)
}

func (f *fakeNotificationAPI) FetchNotifications(ctx context.Context, userID string) ([]models.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches++

	return append([]models.Record(nil), f.history...), f.fetchErr
}

func (f *fakeNotificationAPI) MarkNotificationRead(ctx context.Context, id string) error {
	if f.onRead != nil {
		f.onRead(id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.reads = append(f.reads, id)

	if f.failRead[id] {
		return fmt.Errorf("mark %s: %w", id, serrors.ErrAPIRequest)
	}

	return nil
}

func (f *fakeNotificationAPI) setHistory(recs []models.Record) {
	f.mu.Lock()
	f.history = recs
	f.mu.Unlock()
}

func (f *fakeNotificationAPI) readCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.reads...)
}

func msg(id, sender, content string, at time.Time) models.Record {
	return models.Record{
		ID:            id,
		AuthorID:      sender,
		Content:       content,
		CreatedAt:     at,
		DeliveryState: models.Confirmed,
	}
}

func note(id, title string, read bool, at time.Time) models.Record {
	return models.Record{
		ID:            id,
		Title:         title,
		Content:       title + " body",
		CreatedAt:     at,
		DeliveryState: models.Confirmed,
		Read:          read,
	}
}

func receiveFrame(sender, id, content string, at time.Time) string {
	return fmt.Sprintf(`{"type":"receive_message","senderId":%q,"messages":[{"id":%q,"content":%q,"sentAt":%q}]}`,
		sender, id, content, at.UTC().Format(time.RFC3339Nano))
}

func notificationFrame(id, title string, at time.Time) string {
	return fmt.Sprintf(`{"type":"notification","id":%q,"title":%q,"content":"body","timestamp":%q}`,
		id, title, at.UTC().Format(time.RFC3339Nano))
}

func ids(recs []models.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Key()
	}

	return out
}

func newTestConversation(t *testing.T, ch *fakeChannel, api *fakeMessageAPI) *ConversationSync {
	t.Helper()

	return NewConversation(ConversationOptions{
		ConversationID: "c1",
		UserID:         "me",
		Channel:        ch,
		API:            api,
	}, discardLogger())
}

func newTestNotifications(t *testing.T, ch *fakeChannel, api *fakeNotificationAPI) *NotificationSync {
	t.Helper()

	return NewNotifications(NotificationOptions{
		UserID:  "me",
		Channel: ch,
		API:     api,
	}, discardLogger())
}
