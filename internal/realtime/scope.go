// Package realtime composes one push channel and one reconciler into a
// live scope: a conversation or a user's notification stream.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/channel"
	serrors "github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/metrics"
	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/alexjbarnes/dash-sync/internal/reconcile"
	"golang.org/x/sync/errgroup"
)

// Roles name the two kinds of scope. They double as the channel role
// and the metrics label.
const (
	RoleConversation  = "conversation"
	RoleNotifications = "notifications"
)

// Operation names carried in ScopeError.Op.
const (
	OpOpen         = "open"
	OpLoadHistory  = "load_history"
	OpSendMessage  = "send_message"
	OpRetry        = "retry"
	OpDiscard      = "discard"
	OpClearHistory = "clear_history"
	OpMarkRead     = "mark_read"
)

// PushChannel is the live feed a scope consumes. *channel.Connection
// satisfies it.
type PushChannel interface {
	Subscribe() (<-chan channel.Event, error)
	Open(ctx context.Context) error
	Send(ctx context.Context, v any) error
	Close() error
	State() channel.State
	RetryCount() int
	NextAttemptAt() time.Time
}

// Status is a point-in-time view of a scope's connectivity.
type Status struct {
	Role            string
	ScopeID         string
	State           channel.State
	RetryCount      int
	NextAttemptAt   time.Time
	NeedsReauth     bool
	LastHistoryErr  error
	LastConnectedAt time.Time
}

// IsHistoryError reports whether err is only a failed history fetch.
// The scope stays live in that case.
func IsHistoryError(err error) bool {
	var se *serrors.ScopeError
	return errors.As(err, &se) && se.Op == OpLoadHistory
}

type fetchFunc func(ctx context.Context) ([]models.Record, error)

// scope is the machinery shared by ConversationSync and NotificationSync.
// A single consumer goroutine drains the channel's events and feeds the
// reconciler, so pushes are ingested in transport order.
type scope struct {
	role    string
	id      string
	ch      PushChannel
	rec     *reconcile.Reconciler
	fetch   fetchFunc
	onPush  func(data []byte)
	onState func(Status)
	refetch bool

	// beforeLoad may adjust fetched records; afterLoad runs once they
	// are merged.
	beforeLoad func(records []models.Record)
	afterLoad  func()

	logger  *slog.Logger
	metrics *metrics.Metrics

	// ctx is cancelled by close and bounds every background fetch.
	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	opened          bool
	closed          bool
	connectedOnce   bool
	needsReauth     bool
	historyErr      error
	lastConnectedAt time.Time

	bg           sync.WaitGroup
	consumerDone chan struct{}
	closeOnce    sync.Once
}

func newScope(role, id string, ch PushChannel, rec *reconcile.Reconciler, logger *slog.Logger, m *metrics.Metrics) *scope {
	ctx, cancel := context.WithCancel(context.Background())

	return &scope{
		role:         role,
		id:           id,
		ch:           ch,
		rec:          rec,
		logger:       logger.With(slog.String("role", role), slog.String("scope", id)),
		metrics:      m,
		ctx:          ctx,
		cancel:       cancel,
		consumerDone: make(chan struct{}),
	}
}

// open subscribes to the channel, starts the consumer, then fetches
// history and opens the channel concurrently. A fatal channel error
// wins over a history error; a transient channel error is only logged
// because the connection keeps retrying on its own.
func (s *scope) open(ctx context.Context) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return serrors.Wrap(s.id, OpOpen, serrors.ErrScopeClosed)
	}

	if s.opened {
		s.mu.Unlock()
		return nil
	}

	s.opened = true
	s.mu.Unlock()

	events, err := s.ch.Subscribe()
	if err != nil {
		close(s.consumerDone)
		return serrors.Wrap(s.id, OpOpen, err)
	}

	go s.consume(events)

	var (
		g          errgroup.Group
		historyErr error
		openErr    error
	)

	g.Go(func() error {
		historyErr = s.loadHistory(ctx)
		return nil
	})

	g.Go(func() error {
		openErr = s.ch.Open(ctx)
		return nil
	})

	_ = g.Wait()

	var connErr *channel.ConnectionError
	if errors.As(openErr, &connErr) {
		s.logger.Warn("push channel first attempt failed, retrying",
			slog.String("error", openErr.Error()),
		)

		openErr = nil
	}

	if openErr != nil {
		return serrors.Wrap(s.id, OpOpen, openErr)
	}

	return historyErr
}

// loadHistory fetches the history and merges it. The fetch is bound to
// both ctx and the scope lifetime.
func (s *scope) loadHistory(ctx context.Context) error {
	fctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	records, err := s.fetch(fctx)

	if s.ctx.Err() != nil {
		return serrors.Wrap(s.id, OpOpen, serrors.ErrScopeClosed)
	}

	if err != nil {
		s.metrics.HistoryFailed(s.role)
		s.logger.Warn("history fetch failed", slog.String("error", err.Error()))

		err = serrors.Wrap(s.id, OpLoadHistory, fmt.Errorf("%w: %w", serrors.ErrHistoryFetch, err))

		s.mu.Lock()
		s.historyErr = err
		s.mu.Unlock()
		s.notifyStatus()

		return err
	}

	if s.beforeLoad != nil {
		s.beforeLoad(records)
	}

	s.rec.LoadHistory(records)

	if s.afterLoad != nil {
		s.afterLoad()
	}

	s.logger.Debug("history loaded", slog.Int("records", len(records)))

	s.mu.Lock()
	cleared := s.historyErr != nil
	s.historyErr = nil
	s.mu.Unlock()

	if cleared {
		s.notifyStatus()
	}

	return nil
}

func (s *scope) consume(events <-chan channel.Event) {
	defer close(s.consumerDone)

	for ev := range events {
		switch ev.Kind {
		case channel.EventPush:
			s.onPush(ev.Data)
		case channel.EventState:
			s.handleState(ev.State)
		case channel.EventError:
			s.handleFatal(ev.Err)
		}
	}
}

func (s *scope) handleState(st channel.State) {
	if st == channel.Connected {
		s.mu.Lock()
		again := s.connectedOnce
		s.connectedOnce = true
		s.lastConnectedAt = time.Now()
		s.needsReauth = false
		s.mu.Unlock()

		// No resume token exists; a fresh history fetch backfills
		// whatever was pushed while the socket was down.
		if again && s.refetch {
			s.spawn(func() { _ = s.loadHistory(s.ctx) })
		}
	}

	s.notifyStatus()
}

func (s *scope) handleFatal(err error) {
	if err == nil {
		return
	}

	if errors.Is(err, serrors.ErrAuthenticationExhausted) {
		s.mu.Lock()
		s.needsReauth = true
		s.mu.Unlock()
	}

	s.logger.Error("push channel failed permanently", slog.String("error", err.Error()))
	s.notifyStatus()
}

// ingest merges one pushed record and records the outcome.
func (s *scope) ingest(rec models.Record) {
	s.metrics.PushReceived(s.role)

	res, err := s.rec.IngestPushed(rec)
	if err != nil {
		s.logger.Warn("dropping pushed record", slog.String("error", err.Error()))
		return
	}

	switch res {
	case reconcile.Duplicate:
		s.metrics.Duplicate(s.role)
	case reconcile.Promoted:
		s.metrics.Promoted(s.role)
	}
}

// spawn runs fn in the background unless the scope is closing. close
// waits for everything spawned.
func (s *scope) spawn(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	s.bg.Add(1)

	go func() {
		defer s.bg.Done()
		fn()
	}()
}

func (s *scope) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *scope) status() Status {
	s.mu.Lock()
	st := Status{
		Role:            s.role,
		ScopeID:         s.id,
		NeedsReauth:     s.needsReauth,
		LastHistoryErr:  s.historyErr,
		LastConnectedAt: s.lastConnectedAt,
	}
	s.mu.Unlock()

	st.State = s.ch.State()
	st.RetryCount = s.ch.RetryCount()
	st.NextAttemptAt = s.ch.NextAttemptAt()

	return st
}

func (s *scope) notifyStatus() {
	if s.onState != nil {
		s.onState(s.status())
	}
}

// close cancels in-flight fetches, closes the channel and waits for
// the consumer. Safe to call more than once.
func (s *scope) close() error {
	var err error

	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		opened := s.opened
		s.mu.Unlock()

		s.cancel()
		err = s.ch.Close()

		if opened {
			<-s.consumerDone
		}

		s.bg.Wait()
		s.logger.Debug("scope closed")
	})

	return err
}
