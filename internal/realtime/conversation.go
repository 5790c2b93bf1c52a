package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/api"
	serrors "github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/metrics"
	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/alexjbarnes/dash-sync/internal/reconcile"
	"github.com/tidwall/gjson"
)

// Push and client frame types on the conversation channel.
const (
	typeReceiveMessage = "receive_message"
	typeHistoryCleared = "history_cleared"
	typeSendMessage    = "send_message"
)

// MessageAPI is the REST side of a conversation. *api.Client satisfies it.
type MessageAPI interface {
	FetchMessages(ctx context.Context, conversationID string) ([]models.Record, error)
	ClearConversation(ctx context.Context, conversationID string) error
}

// messagePush is {type:"receive_message", senderId, messages:[...]}.
type messagePush struct {
	SenderID string        `json:"senderId"`
	Messages []api.Message `json:"messages"`
}

// sendMessageFrame is written to the channel for each outgoing message.
type sendMessageFrame struct {
	Type     string `json:"type"`
	ScopeID  string `json:"scopeId"`
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

// ConversationOptions configures a ConversationSync.
type ConversationOptions struct {
	ConversationID string
	// UserID authors outgoing messages.
	UserID  string
	Channel PushChannel
	API     MessageAPI

	MatchWindow time.Duration
	Metrics     *metrics.Metrics

	// OnStatus, if set, is called after every connectivity change. It
	// runs on the consumer goroutine and must not block.
	OnStatus func(Status)
}

// ConversationSync keeps one conversation consistent with its push
// channel and history endpoint.
type ConversationSync struct {
	*scope
	userID string
	api    MessageAPI
}

// NewConversation builds a ConversationSync. Nothing connects until Open.
func NewConversation(opts ConversationOptions, logger *slog.Logger) *ConversationSync {
	var ropts []reconcile.Option
	if opts.MatchWindow > 0 {
		ropts = append(ropts, reconcile.WithMatchWindow(opts.MatchWindow))
	}

	rec := reconcile.New(opts.ConversationID, ropts...)

	c := &ConversationSync{
		scope:  newScope(RoleConversation, opts.ConversationID, opts.Channel, rec, logger, opts.Metrics),
		userID: opts.UserID,
		api:    opts.API,
	}

	c.fetch = func(ctx context.Context) ([]models.Record, error) {
		return c.api.FetchMessages(ctx, c.id)
	}
	c.onPush = c.handlePush
	c.onState = opts.OnStatus
	c.refetch = true

	return c
}

// Open subscribes to the channel, then loads history and connects
// concurrently. A history failure is returned as a ScopeError with
// Op "load_history" while the scope stays live.
func (c *ConversationSync) Open(ctx context.Context) error {
	return c.open(ctx)
}

// Close cancels in-flight work and closes the channel.
func (c *ConversationSync) Close() error {
	return c.close()
}

// ScopeID returns the conversation id.
func (c *ConversationSync) ScopeID() string { return c.id }

// UserID returns the local author id.
func (c *ConversationSync) UserID() string { return c.userID }

// Snapshot returns the ordered, reconciled messages.
func (c *ConversationSync) Snapshot() []models.Record { return c.rec.Snapshot() }

// Groups returns the messages grouped by calendar date in loc.
func (c *ConversationSync) Groups(loc *time.Location) []models.DateGroup { return c.rec.Groups(loc) }

// Find looks a message up by server id or client temp id.
func (c *ConversationSync) Find(key string) (models.Record, bool) { return c.rec.Find(key) }

// Subscribe returns a coalescing change notification channel and a
// func that cancels it.
func (c *ConversationSync) Subscribe() (<-chan struct{}, func()) { return c.rec.Subscribe() }

// Status reports connectivity.
func (c *ConversationSync) Status() Status { return c.status() }

// SendMessage appends an optimistic record and sends it over the push
// channel. The client temp id is returned even on failure so the
// caller can Retry or Discard it.
func (c *ConversationSync) SendMessage(ctx context.Context, content string) (string, error) {
	if c.isClosed() {
		return "", serrors.Wrap(c.id, OpSendMessage, serrors.ErrScopeClosed)
	}

	if strings.TrimSpace(content) == "" {
		return "", serrors.Wrap(c.id, OpSendMessage, fmt.Errorf("%w: empty message", serrors.ErrInvalidRecord))
	}

	tempID := c.rec.AppendOptimistic(content, c.userID)

	return tempID, c.send(ctx, OpSendMessage, tempID, content)
}

// Retry resends a Failed message.
func (c *ConversationSync) Retry(ctx context.Context, clientTempID string) error {
	if c.isClosed() {
		return serrors.Wrap(c.id, OpRetry, serrors.ErrScopeClosed)
	}

	rec, err := c.rec.Requeue(clientTempID)
	if err != nil {
		return serrors.Wrap(c.id, OpRetry, err)
	}

	return c.send(ctx, OpRetry, clientTempID, rec.Content)
}

// Discard removes a Failed message from the view.
func (c *ConversationSync) Discard(clientTempID string) error {
	return serrors.Wrap(c.id, OpDiscard, c.rec.Discard(clientTempID))
}

// ClearHistory clears the conversation on the server, then locally.
func (c *ConversationSync) ClearHistory(ctx context.Context) error {
	if c.isClosed() {
		return serrors.Wrap(c.id, OpClearHistory, serrors.ErrScopeClosed)
	}

	if err := c.api.ClearConversation(ctx, c.id); err != nil {
		return serrors.Wrap(c.id, OpClearHistory, err)
	}

	c.rec.Reset()
	c.logger.Info("conversation history cleared")

	return nil
}

func (c *ConversationSync) send(ctx context.Context, op, tempID, content string) error {
	err := c.ch.Send(ctx, sendMessageFrame{
		Type:     typeSendMessage,
		ScopeID:  c.id,
		SenderID: c.userID,
		Content:  content,
	})

	// The scope may have been closed while the write was in flight; its
	// records are gone and the outcome no longer matters.
	if c.isClosed() {
		return serrors.Wrap(c.id, op, serrors.ErrScopeClosed)
	}

	if err != nil {
		c.metrics.SendFailed(c.role)

		if mErr := c.rec.MarkFailed(tempID); mErr != nil {
			c.logger.Warn("marking send failed", slog.String("error", mErr.Error()))
		}

		return serrors.Wrap(c.id, op, fmt.Errorf("%w: %w", serrors.ErrSendFailed, err))
	}

	return nil
}

func (c *ConversationSync) handlePush(data []byte) {
	switch typ := gjson.GetBytes(data, "type").String(); typ {
	case typeReceiveMessage:
		var p messagePush
		if err := json.Unmarshal(data, &p); err != nil {
			c.logger.Warn("invalid message push", slog.String("error", err.Error()))
			return
		}

		for _, m := range p.Messages {
			if m.SenderID == "" {
				m.SenderID = p.SenderID
			}

			if m.SentAt.IsZero() {
				m.SentAt = time.Now()
			}

			c.ingest(m.Record(c.id))
		}

	case typeHistoryCleared:
		c.rec.Reset()
		c.logger.Info("conversation history cleared by server")

	default:
		c.logger.Debug("ignoring push", slog.String("type", typ))
	}
}
