// Package channel maintains one logical push channel per scope: it dials
// the WebSocket endpoint, waits for the server's ready frame, keeps the
// socket alive with heartbeats, and reconnects with a fixed backoff
// schedule until closed.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	serrors "github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/metrics"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultPingAfter        = 10 * time.Second
	defaultDisconnectAfter  = 60 * time.Second

	// inboundChanSize is the buffer size for the channel carrying
	// messages from the WebSocket reader goroutine to the event loop.
	inboundChanSize = 64

	// eventChanSize bounds the subscriber channel. A subscriber that
	// falls this far behind stalls the event loop.
	eventChanSize = 256

	wsReadLimit = 1 << 20

	minHeartbeatTick = time.Millisecond
)

// Endpoint paths, one per role.
const (
	ConversationsPath = "/ws/conversations"
	NotificationsPath = "/ws/notifications"
)

// Frame types consumed by the connection itself.
const (
	frameReady = "ready"
	framePing  = "ping"
	framePong  = "pong"
	frameError = "error"

	codeUnauthorized = "unauthorized"
	codeForbidden    = "forbidden"
)

var (
	errHeartbeatTimeout = errors.New("heartbeat timeout")
	errRotated          = errors.New("credential rotated")
)

// TokenProvider supplies the bearer credential and notifies listeners
// when it changes. OnRotate returns a func that removes the listener.
type TokenProvider interface {
	Token() string
	OnRotate(fn func()) (unsubscribe func())
}

// EventKind distinguishes the values delivered to the subscriber.
type EventKind int

const (
	// EventPush carries one server data frame in Data.
	EventPush EventKind = iota
	// EventState reports a lifecycle transition in State.
	EventState
	// EventError reports a fatal error in Err. Only
	// ErrAuthenticationExhausted is delivered this way.
	EventError
)

// Event is delivered to the single subscriber in transport order.
type Event struct {
	Kind  EventKind
	Data  []byte
	State State
	Err   error
}

// ConnectionError is a transient transport or handshake failure. The
// connection keeps retrying after returning one.
type ConnectionError struct {
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("push channel attempt %d: %v", e.Attempt, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// wsConn abstracts the WebSocket connection so Connection can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (wsConn, *http.Response, error)

func dialWebSocket(ctx context.Context, u string, opts *websocket.DialOptions) (wsConn, *http.Response, error) {
	conn, resp, err := websocket.Dial(ctx, u, opts) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, resp, err
	}

	return conn, resp, nil
}

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

type sendReq struct {
	ctx    context.Context
	data   []byte
	result chan error
}

// session is the live part of one successful handshake. Send reaches
// the event loop through it; done is closed when the socket is lost.
type session struct {
	sendCh chan sendReq
	done   chan struct{}
}

// Options configures a Connection.
type Options struct {
	// URL is the full endpoint, see Endpoint.
	URL   string
	Role  string
	Scope string

	Tokens TokenProvider

	// Backoff overrides DefaultBackoff.
	Backoff          []time.Duration
	HandshakeTimeout time.Duration
	PingAfter        time.Duration
	DisconnectAfter  time.Duration

	Metrics *metrics.Metrics
}

// Connection is one push channel.
//
// Architecture: a run goroutine owns the retry loop. While connected, a
// reader goroutine feeds an inbound channel and the run goroutine's
// event loop selects over inbound frames, send requests, heartbeat
// ticks and credential rotation. All writes to the socket happen from
// the event loop.
type Connection struct {
	opts   Options
	logger *slog.Logger
	dial   dialFunc

	mu            sync.Mutex
	state         State
	retryCount    int
	nextAttemptAt time.Time
	started       bool
	subscribed    bool
	fatal         error
	session       *session
	cancel        context.CancelFunc
	unsubRotate   func()

	events     chan Event
	eventsOnce sync.Once
	rotateCh   chan struct{}
	firstCh    chan error
	firstOnce  sync.Once
	closeOnce  sync.Once
	done       chan struct{}
}

// New creates an Idle connection. Nothing is dialled until Open.
func New(opts Options, logger *slog.Logger) *Connection {
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff
	}

	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}

	if opts.PingAfter <= 0 {
		opts.PingAfter = defaultPingAfter
	}

	if opts.DisconnectAfter <= 0 {
		opts.DisconnectAfter = defaultDisconnectAfter
	}

	return &Connection{
		opts:     opts,
		logger:   logger.With(slog.String("role", opts.Role), slog.String("scope", opts.Scope)),
		dial:     dialWebSocket,
		events:   make(chan Event, eventChanSize),
		rotateCh: make(chan struct{}, 1),
		firstCh:  make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Endpoint builds the channel URL for scopeID under pushURL. http(s)
// schemes are mapped to ws(s).
func Endpoint(pushURL, path, scopeID string) (string, error) {
	u, err := url.Parse(pushURL)
	if err != nil {
		return "", fmt.Errorf("parsing push url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("push url %q: unsupported scheme %q", pushURL, u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + path

	q := u.Query()
	q.Set("scope", scopeID)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Subscribe returns the event channel. Only one subscriber is allowed.
// The channel is closed when the connection terminates.
func (c *Connection) Subscribe() (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscribed {
		return nil, serrors.ErrAlreadySubscribed
	}

	c.subscribed = true

	return c.events, nil
}

// Open starts the connection and waits for the outcome of the first
// handshake. It is a no-op if the connection is already running. A
// *ConnectionError means the first attempt failed and retries continue
// in the background.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()

	if c.state == Closed {
		err := c.fatal
		c.mu.Unlock()

		if err != nil {
			return err
		}

		return serrors.ErrConnectionClosed
	}

	if c.started {
		c.mu.Unlock()
		return nil
	}

	c.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	if c.opts.Tokens != nil {
		c.unsubRotate = c.opts.Tokens.OnRotate(c.notifyRotate)
	}

	c.mu.Unlock()

	go c.run(runCtx)

	select {
	case err := <-c.firstCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send marshals v and writes it as a text frame. It fails fast with
// ErrNotConnected unless the connection is Connected and never retries.
func (c *Connection) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()

	if sess == nil {
		return serrors.ErrNotConnected
	}

	req := sendReq{ctx: ctx, data: data, result: make(chan error, 1)}

	select {
	case sess.sendCh <- req:
	case <-sess.done:
		return serrors.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		if err != nil {
			return &ConnectionError{Err: fmt.Errorf("writing message: %w", err)}
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the retry loop and releases the socket. Safe to call
// more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasClosed := c.state == Closed
		c.state = Closed
		cancel := c.cancel
		started := c.started
		unsub := c.unsubRotate
		c.unsubRotate = nil
		c.mu.Unlock()

		if !wasClosed {
			c.opts.Metrics.SetConnectionState(c.opts.Role, int(Closed))
			c.logger.Debug("push channel closed")
		}

		if unsub != nil {
			unsub()
		}

		if cancel != nil {
			cancel()
		}

		if started {
			<-c.done
		} else {
			c.closeEvents()
		}
	})

	return nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// RetryCount returns the number of handshake attempts since the last
// successful one.
func (c *Connection) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.retryCount
}

// NextAttemptAt returns when the next handshake is scheduled, or the
// zero time when no retry is pending.
func (c *Connection) NextAttemptAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nextAttemptAt
}

// Role returns the role label the connection was created with.
func (c *Connection) Role() string {
	return c.opts.Role
}

func (c *Connection) notifyRotate() {
	select {
	case c.rotateCh <- struct{}{}:
	default:
	}
}

// drainRotation reports whether a rotation was signalled, consuming it.
func (c *Connection) drainRotation() bool {
	select {
	case <-c.rotateCh:
		return true
	default:
		return false
	}
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	defer c.closeEvents()
	defer c.reportFirst(serrors.ErrConnectionClosed)

	authRejects := 0
	attempt := 0

	for {
		if !c.setState(ctx, Connecting) {
			return
		}

		attempt++
		if attempt > 1 {
			c.opts.Metrics.Reconnect(c.opts.Role)
		}

		conn, early, err := c.connect(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close(websocket.StatusNormalClosure, "bye")
			}

			return
		}

		skipWait := false

		if err == nil {
			err = c.serve(ctx, conn, early)
			if ctx.Err() != nil {
				return
			}

			// An unauthorized frame after ready is a rejection too; only a
			// session that ends for another reason clears the count.
			if errors.Is(err, serrors.ErrAuthRejected) {
				c.opts.Metrics.AuthRejected(c.opts.Role)

				authRejects++
				if authRejects >= 2 {
					c.exhaust(ctx, nil)
					return
				}
			} else {
				authRejects = 0
			}

			skipWait = errors.Is(err, errRotated)
			if !skipWait {
				c.logger.Warn("push channel lost, reconnecting",
					slog.String("error", err.Error()),
				)
			}
		} else {
			if c.drainRotation() {
				authRejects = 0
				skipWait = true
			}

			if errors.Is(err, serrors.ErrAuthRejected) {
				c.opts.Metrics.AuthRejected(c.opts.Role)

				authRejects++
				if authRejects >= 2 {
					c.exhaust(ctx, conn)
					return
				}
			}

			c.logger.Warn("push channel handshake failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			c.reportFirst(&ConnectionError{Attempt: attempt, Err: err})
		}

		if !c.setState(ctx, Reconnecting) {
			return
		}

		rotated, ok := c.wait(ctx, skipWait)
		if !ok {
			return
		}

		if rotated {
			authRejects = 0
		}
	}
}

// wait sleeps for the backoff owed by the current retry count and then
// increments it. A credential rotation cuts the wait short.
func (c *Connection) wait(ctx context.Context, skip bool) (rotated, ok bool) {
	c.mu.Lock()
	delay := Backoff(c.opts.Backoff, c.retryCount)
	c.retryCount++

	if skip {
		delay = 0
	}

	c.nextAttemptAt = time.Now().Add(delay)
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.nextAttemptAt = time.Time{}
		c.mu.Unlock()
	}()

	if delay <= 0 {
		return false, ctx.Err() == nil
	}

	c.logger.Debug("waiting before reconnect", slog.Duration("backoff", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, false
	case <-timer.C:
		return false, true
	case <-c.rotateCh:
		c.logger.Info("credential rotated, skipping backoff")
		return true, true
	}
}

// connect dials and completes the handshake. The returned frames are
// data pushes the server sent before its ready frame.
func (c *Connection) connect(ctx context.Context) (wsConn, [][]byte, error) {
	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	if c.opts.Tokens != nil {
		if tok := c.opts.Tokens.Token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	c.logger.Debug("connecting", slog.String("url", c.opts.URL))

	conn, resp, err := c.dial(hctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, nil, fmt.Errorf("%w: HTTP %d", serrors.ErrAuthRejected, resp.StatusCode)
		}

		return nil, nil, fmt.Errorf("dialing websocket: %w", err)
	}

	early, err := c.handshake(hctx, conn)
	if err != nil {
		return nil, nil, err
	}

	return conn, early, nil
}

// handshake reads frames until the server sends ready. An error frame
// with an auth code is an auth rejection; anything else is transient.
func (c *Connection) handshake(ctx context.Context, conn wsConn) ([][]byte, error) {
	conn.SetReadLimit(wsReadLimit)

	var early [][]byte

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "handshake failed")
			return nil, fmt.Errorf("waiting for ready: %w", err)
		}

		if typ != websocket.MessageText || !gjson.ValidBytes(data) {
			c.logger.Debug("ignoring frame before ready", slog.Int("bytes", len(data)))
			continue
		}

		switch gjson.GetBytes(data, "type").String() {
		case frameReady:
			c.logger.Debug("push channel ready")
			return early, nil

		case frameError:
			code := gjson.GetBytes(data, "code").String()
			msg := gjson.GetBytes(data, "message").String()

			conn.Close(websocket.StatusNormalClosure, "handshake rejected")

			if code == codeUnauthorized || code == codeForbidden {
				return nil, fmt.Errorf("%w: %s", serrors.ErrAuthRejected, msg)
			}

			return nil, fmt.Errorf("handshake error %s: %s", code, msg)

		case framePong:

		default:
			early = append(early, data)
		}
	}
}

// heartbeatTick is how often serve checks for idleness: half of
// pingAfter, never below minHeartbeatTick.
func heartbeatTick(pingAfter time.Duration) time.Duration {
	return max(pingAfter/2, minHeartbeatTick)
}

// serve is the event loop for one live socket. It returns when the
// socket is lost, the credential rotates, or ctx is cancelled.
func (c *Connection) serve(ctx context.Context, conn wsConn, early [][]byte) error {
	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	sess := &session{
		sendCh: make(chan sendReq),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.retryCount = 0
	c.session = sess
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()
		close(sess.done)
	}()

	if !c.setState(ctx, Connected) {
		conn.Close(websocket.StatusNormalClosure, "bye")
		return ctx.Err()
	}

	c.logger.Info("push channel connected")
	c.reportFirst(nil)

	for _, data := range early {
		c.emit(ctx, Event{Kind: EventPush, Data: data})
	}

	inbound := startReader(connCtx, conn)

	ticker := time.NewTicker(heartbeatTick(c.opts.PingAfter))
	defer ticker.Stop()

	lastMessage := time.Now()

	for {
		select {
		case msg := <-inbound:
			if msg.err != nil {
				if ctx.Err() != nil {
					conn.Close(websocket.StatusNormalClosure, "bye")
					return ctx.Err()
				}

				conn.Close(websocket.StatusGoingAway, "read failed")
				return fmt.Errorf("reading message: %w", msg.err)
			}

			lastMessage = time.Now()

			if msg.typ != websocket.MessageText {
				c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			if err := c.handleInbound(ctx, msg.data); err != nil {
				conn.Close(websocket.StatusNormalClosure, "server error")
				return err
			}

		case req := <-sess.sendCh:
			err := conn.Write(req.ctx, websocket.MessageText, req.data)
			req.result <- err

			if err != nil {
				conn.Close(websocket.StatusGoingAway, "write failed")
				return fmt.Errorf("writing message: %w", err)
			}

		case <-ticker.C:
			elapsed := time.Since(lastMessage)

			if elapsed > c.opts.DisconnectAfter {
				c.logger.Warn("push channel timed out, closing")
				conn.Close(websocket.StatusGoingAway, "timeout")

				return errHeartbeatTimeout
			}

			if elapsed > c.opts.PingAfter {
				if err := writeJSON(ctx, conn, map[string]string{"type": framePing}); err != nil {
					conn.Close(websocket.StatusGoingAway, "ping failed")
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-c.rotateCh:
			c.logger.Info("credential rotated, reconnecting")
			conn.Close(websocket.StatusNormalClosure, "credential rotated")

			return errRotated

		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			return ctx.Err()
		}
	}
}

// handleInbound consumes control frames and forwards everything else
// to the subscriber. An unauthorized error frame drops the socket.
func (c *Connection) handleInbound(ctx context.Context, data []byte) error {
	if !gjson.ValidBytes(data) {
		c.logger.Debug("unparseable text frame", slog.Int("bytes", len(data)))
		return nil
	}

	switch gjson.GetBytes(data, "type").String() {
	case framePong, frameReady:
		return nil

	case frameError:
		code := gjson.GetBytes(data, "code").String()
		msg := gjson.GetBytes(data, "message").String()

		c.logger.Warn("push channel error frame",
			slog.String("code", code),
			slog.String("message", msg),
		)

		if code == codeUnauthorized || code == codeForbidden {
			return fmt.Errorf("%w: %s", serrors.ErrAuthRejected, msg)
		}

		return nil
	}

	c.emit(ctx, Event{Kind: EventPush, Data: data})

	return nil
}

// exhaust closes the connection after repeated auth rejections and
// tells the subscriber reauthentication is needed.
func (c *Connection) exhaust(ctx context.Context, conn wsConn) {
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "authentication exhausted")
	}

	c.mu.Lock()
	c.state = Closed
	c.fatal = serrors.ErrAuthenticationExhausted
	unsub := c.unsubRotate
	c.unsubRotate = nil
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	c.opts.Metrics.SetConnectionState(c.opts.Role, int(Closed))
	c.logger.Error("push channel closed, authentication exhausted")

	c.emit(ctx, Event{Kind: EventError, Err: serrors.ErrAuthenticationExhausted})
	c.emit(ctx, Event{Kind: EventState, State: Closed})
	c.reportFirst(serrors.ErrAuthenticationExhausted)
}

// setState records a transition and reports it. It returns false once
// the connection is Closed; no transitions happen after that.
func (c *Connection) setState(ctx context.Context, s State) bool {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return false
	}

	prev := c.state
	c.state = s
	c.mu.Unlock()

	if prev == s {
		return true
	}

	c.opts.Metrics.SetConnectionState(c.opts.Role, int(s))
	c.logger.Debug("push channel state",
		slog.String("from", prev.String()),
		slog.String("to", s.String()),
	)
	c.emit(ctx, Event{Kind: EventState, State: s})

	return true
}

// emit delivers ev if someone subscribed. It blocks while the
// subscriber's buffer is full, until ctx is cancelled.
func (c *Connection) emit(ctx context.Context, ev Event) {
	c.mu.Lock()
	sub := c.subscribed
	c.mu.Unlock()

	if !sub {
		return
	}

	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Connection) reportFirst(err error) {
	c.firstOnce.Do(func() {
		c.firstCh <- err
	})
}

func (c *Connection) closeEvents() {
	c.eventsOnce.Do(func() {
		close(c.events)
	})
}

// startReader launches a goroutine that reads from conn and feeds the
// returned channel. It exits when ctx is cancelled or a read fails; the
// error is delivered as the final message.
func startReader(ctx context.Context, conn wsConn) <-chan inboundMsg {
	ch := make(chan inboundMsg, inboundChanSize)

	go func() {
		for {
			typ, data, err := conn.Read(ctx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-ctx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()

	return ch
}

// writeJSON marshals v and writes it as a text frame.
func writeJSON(ctx context.Context, conn wsConn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}
