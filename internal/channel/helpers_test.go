package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/coder/websocket"
)

var errFakeClosed = errors.New("fake connection closed")

// fakeConn is a scripted wsConn. Frames pushed into inbound are
// returned by Read; writes are recorded on the writes channel.
type fakeConn struct {
	inbound chan []byte
	writes  chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	mu        sync.Mutex
	closeCode websocket.StatusCode
}

func newFakeConn(frames ...string) *fakeConn {
	fc := &fakeConn{
		inbound: make(chan []byte, 64),
		writes:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}

	for _, f := range frames {
		fc.inbound <- []byte(f)
	}

	return fc
}

func (f *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case data := <-f.inbound:
		return websocket.MessageText, data, nil
	case <-f.closed:
		return 0, nil, errFakeClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}

	select {
	case f.writes <- p:
		return nil
	case <-f.closed:
		return errFakeClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeConn) Close(code websocket.StatusCode, _ string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.mu.Unlock()
		close(f.closed)
	})

	return nil
}

func (f *fakeConn) SetReadLimit(int64) {}

func (f *fakeConn) push(frame string) {
	f.inbound <- []byte(frame)
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) code() websocket.StatusCode {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closeCode
}

// fakeDialer records each dial and delegates the outcome to next.
type fakeDialer struct {
	mu     sync.Mutex
	tokens []string
	conns  []*fakeConn
	next   func(n int) (*fakeConn, int, error)
}

func (d *fakeDialer) dial(_ context.Context, _ string, opts *websocket.DialOptions) (wsConn, *http.Response, error) {
	d.mu.Lock()
	n := len(d.tokens)
	d.tokens = append(d.tokens, opts.HTTPHeader.Get("Authorization"))
	d.mu.Unlock()

	fc, status, err := d.next(n)
	if err != nil {
		var resp *http.Response
		if status != 0 {
			resp = &http.Response{StatusCode: status, Body: http.NoBody}
		}

		return nil, resp, err
	}

	d.mu.Lock()
	d.conns = append(d.conns, fc)
	d.mu.Unlock()

	return fc, nil, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.tokens)
}

func (d *fakeDialer) token(n int) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.tokens[n]
}

func (d *fakeDialer) conn(n int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.conns[n]
}

// readyDialer succeeds on every dial with a conn that is ready at once.
func readyDialer() *fakeDialer {
	return &fakeDialer{next: func(int) (*fakeConn, int, error) {
		return newFakeConn(`{"type":"ready"}`), 0, nil
	}}
}

// fakeTokens is an in-memory TokenProvider.
type fakeTokens struct {
	mu        sync.Mutex
	token     string
	listeners map[int]func()
	nextID    int
}

func newFakeTokens(token string) *fakeTokens {
	return &fakeTokens{token: token, listeners: make(map[int]func())}
}

func (f *fakeTokens) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.token
}

func (f *fakeTokens) OnRotate(fn func()) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	f.listeners[id] = fn

	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeTokens) Rotate(token string) {
	f.mu.Lock()
	f.token = token
	fns := make([]func(), 0, len(f.listeners))

	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (f *fakeTokens) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.listeners)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConnection(t *testing.T, d *fakeDialer, tokens TokenProvider, opts Options) *Connection {
	t.Helper()

	opts.URL = "ws://push.test/ws/conversations?scope=c1"
	opts.Role = "conversation"
	opts.Scope = "c1"
	opts.Tokens = tokens

	c := New(opts, discardLogger())
	c.dial = d.dial

	return c
}

// drainEvents returns every event currently buffered on ch without
// blocking.
func drainEvents(ch <-chan Event) []Event {
	var out []Event

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}

			out = append(out, ev)
		default:
			return out
		}
	}
}

func states(events []Event) []State {
	var out []State

	for _, ev := range events {
		if ev.Kind == EventState {
			out = append(out, ev.State)
		}
	}

	return out
}

func pushes(events []Event) []string {
	var out []string

	for _, ev := range events {
		if ev.Kind == EventPush {
			out = append(out, string(ev.Data))
		}
	}

	return out
}
