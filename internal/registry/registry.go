// Package registry guarantees at most one live scope per role for a
// session. It is an explicit object, constructed once and passed down.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/dash-sync/internal/channel"
	serrors "github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/realtime"
)

// Scope is what a Handle owns. Both realtime syncs satisfy it.
type Scope interface {
	Open(ctx context.Context) error
	Close() error
	ScopeID() string
	Status() realtime.Status
}

// Builders construct unopened scopes. The registry opens them.
type Builders struct {
	Conversation  func(conversationID string) (*realtime.ConversationSync, error)
	Notifications func(userID string) (*realtime.NotificationSync, error)
}

// Handle is the caller's reference to an active scope.
type Handle[T Scope] struct {
	sync    T
	release func()
	once    sync.Once
	err     error
}

// Sync returns the scope.
func (h *Handle[T]) Sync() T {
	return h.sync
}

// Close disposes the scope and frees its role slot if it still holds
// it. Safe to call more than once.
func (h *Handle[T]) Close() error {
	h.once.Do(func() {
		h.err = h.sync.Close()
		h.release()
	})

	return h.err
}

// Registry holds the current scope per role.
type Registry struct {
	userID   string
	builders Builders
	logger   *slog.Logger

	// Activation is serialized per role; mu guards the slots.
	convMu sync.Mutex
	noteMu sync.Mutex

	mu            sync.Mutex
	closed        bool
	conversation  *Handle[*realtime.ConversationSync]
	notifications *Handle[*realtime.NotificationSync]
}

// New returns a Registry for userID.
func New(userID string, builders Builders, logger *slog.Logger) *Registry {
	return &Registry{
		userID:   userID,
		builders: builders,
		logger:   logger,
	}
}

// UserID returns the session's user.
func (r *Registry) UserID() string { return r.userID }

// ActivateConversation makes conversationID the live conversation,
// closing any other first. A history-only open failure returns both
// the handle and the error; the scope stays live.
func (r *Registry) ActivateConversation(ctx context.Context, conversationID string) (*Handle[*realtime.ConversationSync], error) {
	return activate(ctx, r, realtime.RoleConversation, &r.convMu, &r.conversation, conversationID, r.builders.Conversation)
}

// ActivateNotifications makes the user's notification stream live.
func (r *Registry) ActivateNotifications(ctx context.Context) (*Handle[*realtime.NotificationSync], error) {
	return activate(ctx, r, realtime.RoleNotifications, &r.noteMu, &r.notifications, r.userID, r.builders.Notifications)
}

// Conversation returns the live conversation handle, or nil.
func (r *Registry) Conversation() *Handle[*realtime.ConversationSync] {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.conversation
}

// Notifications returns the live notifications handle, or nil.
func (r *Registry) Notifications() *Handle[*realtime.NotificationSync] {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.notifications
}

// Shutdown closes every scope. Later activations fail with
// ErrRegistryClosed.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	r.closed = true
	conv := r.conversation
	notes := r.notifications
	r.mu.Unlock()

	var errs []error

	if conv != nil {
		errs = append(errs, conv.Close())
	}

	if notes != nil {
		errs = append(errs, notes.Close())
	}

	r.logger.Info("sync registry shut down")

	return errors.Join(errs...)
}

func activate[T Scope](
	ctx context.Context,
	r *Registry,
	role string,
	roleMu *sync.Mutex,
	slot **Handle[T],
	id string,
	build func(string) (T, error),
) (*Handle[T], error) {
	roleMu.Lock()
	defer roleMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, serrors.ErrRegistryClosed
	}

	cur := *slot
	r.mu.Unlock()

	if cur != nil {
		if cur.sync.ScopeID() == id && cur.sync.Status().State != channel.Closed {
			return cur, nil
		}

		if err := cur.Close(); err != nil {
			r.logger.Warn("closing previous scope",
				slog.String("role", role),
				slog.String("scope", cur.sync.ScopeID()),
				slog.String("error", err.Error()),
			)
		}
	}

	if build == nil {
		return nil, fmt.Errorf("no builder for %s scopes", role)
	}

	s, err := build(id)
	if err != nil {
		return nil, fmt.Errorf("building %s scope %s: %w", role, id, err)
	}

	h := &Handle[T]{sync: s}
	h.release = func() {
		r.mu.Lock()
		if *slot == h {
			*slot = nil
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = s.Close()

		return nil, serrors.ErrRegistryClosed
	}

	*slot = h
	r.mu.Unlock()

	r.logger.Info("scope activated", slog.String("role", role), slog.String("scope", id))

	if err := s.Open(ctx); err != nil {
		if realtime.IsHistoryError(err) {
			return h, err
		}

		_ = h.Close()

		return nil, err
	}

	return h, nil
}
