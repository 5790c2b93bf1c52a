// Package mcpserver registers MCP tools that expose the live sync
// scopes to an agent. It adapts the registry to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/alexjbarnes/dash-sync/internal/realtime"
	"github.com/alexjbarnes/dash-sync/internal/registry"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var (
	errNoConversation  = errors.New("no active conversation; call conversation_open first")
	errNoNotifications = errors.New("notifications are not active")
)

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, reg *registry.Registry) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Connectivity of every live scope: channel state, retry count, next attempt, whether reauthentication is needed, and the unread notification count.",
	}, statusHandler(reg))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_open",
		Description: "Make a conversation the live one, closing any other. Loads its history and connects its push channel.",
	}, openHandler(reg))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_messages",
		Description: "Read the reconciled messages of the live conversation, oldest first. Pending and failed local sends are included with their client_temp_id.",
	}, messagesHandler(reg))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_send",
		Description: "Send a message in the live conversation. Returns the client_temp_id; a failed send stays visible and can be retried or discarded.",
	}, sendHandler(reg))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_retry",
		Description: "Resend a failed message by client_temp_id.",
	}, retryHandler(reg))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_discard",
		Description: "Remove a failed message by client_temp_id.",
	}, discardHandler(reg))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conversation_clear",
		Description: "Clear the live conversation's history on the server and locally.",
	}, clearHandler(reg))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notifications_list",
		Description: "List notifications, oldest first, with the derived unread count.",
	}, notificationsHandler(reg))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notifications_mark_read",
		Description: "Mark one notification read by id, or every unread notification when all is true.",
	}, markReadHandler(reg))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// OpenInput holds parameters for conversation_open.
type OpenInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation to activate"`
}

// MessagesInput holds parameters for conversation_messages.
type MessagesInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"return only the newest N messages, 0 means all"`
}

// SendInput holds parameters for conversation_send.
type SendInput struct {
	Content string `json:"content" jsonschema:"required,message text"`
}

// TempIDInput holds parameters for conversation_retry and conversation_discard.
type TempIDInput struct {
	ClientTempID string `json:"client_temp_id" jsonschema:"required,client_temp_id of a failed message"`
}

// ClearInput has no parameters.
type ClearInput struct{}

// NotificationsInput holds parameters for notifications_list.
type NotificationsInput struct {
	UnreadOnly bool `json:"unread_only,omitempty" jsonschema:"only return unread notifications"`
}

// MarkReadInput holds parameters for notifications_mark_read.
type MarkReadInput struct {
	ID  string `json:"id,omitempty" jsonschema:"notification id"`
	All bool   `json:"all,omitempty" jsonschema:"mark every unread notification"`
}

// --- Output types ---

// ScopeStatus is one scope's connectivity.
type ScopeStatus struct {
	Role            string `json:"role"`
	ScopeID         string `json:"scope_id"`
	State           string `json:"state"`
	RetryCount      int    `json:"retry_count"`
	NextAttemptAt   string `json:"next_attempt_at,omitempty"`
	NeedsReauth     bool   `json:"needs_reauth"`
	LastHistoryErr  string `json:"last_history_error,omitempty"`
	LastConnectedAt string `json:"last_connected_at,omitempty"`
}

// StatusResult is returned by sync_status.
type StatusResult struct {
	Scopes      []ScopeStatus `json:"scopes"`
	UnreadCount int           `json:"unread_count"`
}

// OpenResult is returned by conversation_open.
type OpenResult struct {
	Status   ScopeStatus `json:"status"`
	Messages int         `json:"messages"`
	Warning  string      `json:"warning,omitempty"`
}

// MessageView is a record as seen by a client.
type MessageView struct {
	ID           string `json:"id,omitempty"`
	ClientTempID string `json:"client_temp_id,omitempty"`
	AuthorID     string `json:"author_id"`
	Mine         bool   `json:"mine"`
	Content      string `json:"content"`
	CreatedAt    string `json:"created_at"`
	State        string `json:"state"`
}

// MessagesResult is returned by conversation_messages.
type MessagesResult struct {
	ConversationID string        `json:"conversation_id"`
	Total          int           `json:"total"`
	Messages       []MessageView `json:"messages"`
}

// SendResult is returned by conversation_send and conversation_retry.
type SendResult struct {
	ClientTempID string `json:"client_temp_id"`
	State        string `json:"state"`
	Error        string `json:"error,omitempty"`
}

// OKResult is returned by tools with nothing else to report.
type OKResult struct {
	OK bool `json:"ok"`
}

// NotificationView is a notification as seen by a client.
type NotificationView struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	Read      bool   `json:"read"`
}

// NotificationsResult is returned by notifications_list.
type NotificationsResult struct {
	UnreadCount   int                `json:"unread_count"`
	Notifications []NotificationView `json:"notifications"`
}

// MarkReadResult is returned by notifications_mark_read.
type MarkReadResult struct {
	Marked      int `json:"marked"`
	UnreadCount int `json:"unread_count"`
}

// --- Handlers ---

func statusHandler(reg *registry.Registry) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := &StatusResult{Scopes: []ScopeStatus{}}

		if h := reg.Notifications(); h != nil {
			result.Scopes = append(result.Scopes, scopeStatus(h.Sync().Status()))
			result.UnreadCount = h.Sync().UnreadCount()
		}

		if h := reg.Conversation(); h != nil {
			result.Scopes = append(result.Scopes, scopeStatus(h.Sync().Status()))
		}

		return textResult(result), result, nil
	}
}

func openHandler(reg *registry.Registry) mcp.ToolHandlerFor[OpenInput, *OpenResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input OpenInput) (*mcp.CallToolResult, *OpenResult, error) {
		if input.ConversationID == "" {
			return nil, nil, fmt.Errorf("conversation_id is required")
		}

		h, err := reg.ActivateConversation(ctx, input.ConversationID)
		if h == nil {
			return nil, nil, err
		}

		c := h.Sync()
		result := &OpenResult{
			Status:   scopeStatus(c.Status()),
			Messages: len(c.Snapshot()),
		}

		if err != nil {
			result.Warning = err.Error()
		}

		return textResult(result), result, nil
	}
}

func messagesHandler(reg *registry.Registry) mcp.ToolHandlerFor[MessagesInput, *MessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		h := reg.Conversation()
		if h == nil {
			return nil, nil, errNoConversation
		}

		c := h.Sync()
		snap := c.Snapshot()
		total := len(snap)

		if input.Limit > 0 && input.Limit < len(snap) {
			snap = snap[len(snap)-input.Limit:]
		}

		result := &MessagesResult{
			ConversationID: c.ScopeID(),
			Total:          total,
			Messages:       make([]MessageView, 0, len(snap)),
		}

		for _, r := range snap {
			result.Messages = append(result.Messages, messageView(r, c.UserID()))
		}

		return textResult(result), result, nil
	}
}

func sendHandler(reg *registry.Registry) mcp.ToolHandlerFor[SendInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendInput) (*mcp.CallToolResult, *SendResult, error) {
		h := reg.Conversation()
		if h == nil {
			return nil, nil, errNoConversation
		}

		tempID, err := h.Sync().SendMessage(ctx, input.Content)
		if tempID == "" {
			return nil, nil, err
		}

		return sendOutcome(h.Sync(), tempID, err)
	}
}

func retryHandler(reg *registry.Registry) mcp.ToolHandlerFor[TempIDInput, *SendResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TempIDInput) (*mcp.CallToolResult, *SendResult, error) {
		h := reg.Conversation()
		if h == nil {
			return nil, nil, errNoConversation
		}

		err := h.Sync().Retry(ctx, input.ClientTempID)
		if _, ok := h.Sync().Find(input.ClientTempID); !ok {
			return nil, nil, err
		}

		return sendOutcome(h.Sync(), input.ClientTempID, err)
	}
}

func discardHandler(reg *registry.Registry) mcp.ToolHandlerFor[TempIDInput, *OKResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input TempIDInput) (*mcp.CallToolResult, *OKResult, error) {
		h := reg.Conversation()
		if h == nil {
			return nil, nil, errNoConversation
		}

		if err := h.Sync().Discard(input.ClientTempID); err != nil {
			return nil, nil, err
		}

		result := &OKResult{OK: true}

		return textResult(result), result, nil
	}
}

func clearHandler(reg *registry.Registry) mcp.ToolHandlerFor[ClearInput, *OKResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ClearInput) (*mcp.CallToolResult, *OKResult, error) {
		h := reg.Conversation()
		if h == nil {
			return nil, nil, errNoConversation
		}

		if err := h.Sync().ClearHistory(ctx); err != nil {
			return nil, nil, err
		}

		result := &OKResult{OK: true}

		return textResult(result), result, nil
	}
}

func notificationsHandler(reg *registry.Registry) mcp.ToolHandlerFor[NotificationsInput, *NotificationsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input NotificationsInput) (*mcp.CallToolResult, *NotificationsResult, error) {
		h := reg.Notifications()
		if h == nil {
			return nil, nil, errNoNotifications
		}

		n := h.Sync()
		result := &NotificationsResult{
			UnreadCount:   n.UnreadCount(),
			Notifications: []NotificationView{},
		}

		for _, r := range n.Snapshot() {
			if input.UnreadOnly && r.Read {
				continue
			}

			result.Notifications = append(result.Notifications, NotificationView{
				ID:        r.ID,
				Title:     r.Title,
				Content:   r.Content,
				CreatedAt: formatTime(r.CreatedAt),
				Read:      r.Read,
			})
		}

		return textResult(result), result, nil
	}
}

func markReadHandler(reg *registry.Registry) mcp.ToolHandlerFor[MarkReadInput, *MarkReadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input MarkReadInput) (*mcp.CallToolResult, *MarkReadResult, error) {
		h := reg.Notifications()
		if h == nil {
			return nil, nil, errNoNotifications
		}

		n := h.Sync()
		result := &MarkReadResult{}

		switch {
		case input.All:
			marked, err := n.MarkAllRead(ctx)
			if err != nil && marked == 0 {
				return nil, nil, err
			}

			result.Marked = marked

		case input.ID != "":
			if err := n.MarkRead(ctx, input.ID); err != nil {
				return nil, nil, err
			}

			result.Marked = 1

		default:
			return nil, nil, fmt.Errorf("either id or all is required")
		}

		result.UnreadCount = n.UnreadCount()

		return textResult(result), result, nil
	}
}

// --- helpers ---

func sendOutcome(c *realtime.ConversationSync, tempID string, err error) (*mcp.CallToolResult, *SendResult, error) {
	result := &SendResult{ClientTempID: tempID}

	if rec, ok := c.Find(tempID); ok {
		result.State = rec.DeliveryState.String()
	}

	if err != nil {
		result.Error = err.Error()
	}

	return textResult(result), result, nil
}

func scopeStatus(s realtime.Status) ScopeStatus {
	out := ScopeStatus{
		Role:            s.Role,
		ScopeID:         s.ScopeID,
		State:           s.State.String(),
		RetryCount:      s.RetryCount,
		NextAttemptAt:   formatTime(s.NextAttemptAt),
		NeedsReauth:     s.NeedsReauth,
		LastConnectedAt: formatTime(s.LastConnectedAt),
	}

	if s.LastHistoryErr != nil {
		out.LastHistoryErr = s.LastHistoryErr.Error()
	}

	return out
}

func messageView(r models.Record, userID string) MessageView {
	return MessageView{
		ID:           r.ID,
		ClientTempID: r.ClientTempID,
		AuthorID:     r.AuthorID,
		Mine:         r.Mine(userID),
		Content:      r.Content,
		CreatedAt:    formatTime(r.CreatedAt),
		State:        r.DeliveryState.String(),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
