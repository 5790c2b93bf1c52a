package e2e_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/api"
	"github.com/alexjbarnes/dash-sync/internal/auth"
	"github.com/alexjbarnes/dash-sync/internal/channel"
	"github.com/alexjbarnes/dash-sync/internal/mcpserver"
	"github.com/alexjbarnes/dash-sync/internal/metrics"
	"github.com/alexjbarnes/dash-sync/internal/realtime"
	"github.com/alexjbarnes/dash-sync/internal/registry"
	"github.com/alexjbarnes/dash-sync/internal/server"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const (
	testUserID  = "me"
	backendAuth = "backend-token"
	mcpKey      = "e2e-mcp-key"
)

// backend fakes the REST API and both push endpoints.
type backend struct {
	mu       sync.Mutex
	messages map[string][]api.Message
	notes    []api.Notification
	reads    []string
	clears   []string
	nextID   int

	notePush chan []byte
}

func newBackend() *backend {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	return &backend{
		messages: map[string][]api.Message{
			"c1": {{ID: "m1", SenderID: "bob", Content: "hello", SentAt: t0}},
		},
		notes: []api.Notification{
			{ID: "n1", Title: "Budget", Content: "Over budget", Timestamp: t0},
		},
		notePush: make(chan []byte, 8),
	}
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		msgs := append([]api.Message{}, b.messages[r.PathValue("id")]...)
		b.mu.Unlock()

		writeJSON(w, msgs)
	})

	mux.HandleFunc("POST /api/conversations/{id}/clear", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		delete(b.messages, r.PathValue("id"))
		b.clears = append(b.clears, r.PathValue("id"))
		b.mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/notifications", func(w http.ResponseWriter, _ *http.Request) {
		b.mu.Lock()
		notes := append([]api.Notification{}, b.notes...)
		b.mu.Unlock()

		writeJSON(w, notes)
	})

	mux.HandleFunc("POST /api/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.reads = append(b.reads, r.PathValue("id"))
		b.mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc(channel.ConversationsPath, b.serveConversation)
	mux.HandleFunc(channel.NotificationsPath, b.serveNotifications)

	return requireBearer(mux)
}

func requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+backendAuth {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func accept(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, false
	}

	if err := conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"ready"}`)); err != nil {
		conn.CloseNow()
		return nil, false
	}

	return conn, true
}

// serveConversation answers each send_message with a receive_message
// carrying a fresh server id, and stores the message.
func (b *backend) serveConversation(w http.ResponseWriter, r *http.Request) {
	conn, ok := accept(w, r)
	if !ok {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	scope := r.URL.Query().Get("scope")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		switch gjson.GetBytes(data, "type").String() {
		case "ping":
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))

		case "send_message":
			b.mu.Lock()
			b.nextID++
			m := api.Message{
				ID:       fmt.Sprintf("srv-%d", b.nextID),
				SenderID: gjson.GetBytes(data, "senderId").String(),
				Content:  gjson.GetBytes(data, "content").String(),
				SentAt:   time.Now().UTC(),
			}
			b.messages[scope] = append(b.messages[scope], m)
			b.mu.Unlock()

			push, _ := json.Marshal(map[string]any{
				"type":     "receive_message",
				"senderId": m.SenderID,
				"messages": []api.Message{m},
			})
			_ = conn.Write(ctx, websocket.MessageText, push)
		}
	}
}

// serveNotifications forwards whatever is queued on notePush.
func (b *backend) serveNotifications(w http.ResponseWriter, r *http.Request) {
	conn, ok := accept(w, r)
	if !ok {
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}

			if gjson.GetBytes(data, "type").String() == "ping" {
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-b.notePush:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (b *backend) pushNotification(t *testing.T, n api.Notification) {
	t.Helper()

	data, err := json.Marshal(struct {
		Type string `json:"type"`
		api.Notification
	}{Type: "notification", Notification: n})
	require.NoError(t, err)

	b.notePush <- data
}

func (b *backend) snapshot() (reads, clears []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string{}, b.reads...), append([]string{}, b.clears...)
}

// harness is the whole process against a fake backend: real channels,
// REST client, registry and MCP server behind the API key.
type harness struct {
	URL      string
	Backend  *backend
	Registry *registry.Registry
	Client   *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	be := newBackend()
	backendSrv := httptest.NewServer(be.handler())
	t.Cleanup(backendSrv.Close)

	logger := slog.New(slog.DiscardHandler)
	tokens := auth.NewProvider(backendAuth, nil, logger)
	m := metrics.New()
	client := api.NewClient(backendSrv.URL, tokens)

	newChannel := func(role, path, scopeID string) (*channel.Connection, error) {
		u, err := channel.Endpoint(backendSrv.URL, path, scopeID)
		if err != nil {
			return nil, err
		}

		return channel.New(channel.Options{
			URL:     u,
			Role:    role,
			Scope:   scopeID,
			Tokens:  tokens,
			Metrics: m,
		}, logger), nil
	}

	reg := registry.New(testUserID, registry.Builders{
		Conversation: func(id string) (*realtime.ConversationSync, error) {
			ch, err := newChannel(realtime.RoleConversation, channel.ConversationsPath, id)
			if err != nil {
				return nil, err
			}

			return realtime.NewConversation(realtime.ConversationOptions{
				ConversationID: id,
				UserID:         testUserID,
				Channel:        ch,
				API:            client,
				Metrics:        m,
			}, logger), nil
		},
		Notifications: func(userID string) (*realtime.NotificationSync, error) {
			ch, err := newChannel(realtime.RoleNotifications, channel.NotificationsPath, userID)
			if err != nil {
				return nil, err
			}

			return realtime.NewNotifications(realtime.NotificationOptions{
				UserID:  userID,
				Channel: ch,
				API:     client,
				Metrics: m,
			}, logger), nil
		},
	}, logger)
	t.Cleanup(func() { _ = reg.Shutdown() })

	_, err := reg.ActivateNotifications(t.Context())
	require.NoError(t, err)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "dash-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, reg)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		APIKey:         mcpKey,
		MCPHandler:     mcpHandler,
		MetricsHandler: m.Handler(),
		Logger:         logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:      ts.URL,
		Backend:  be,
		Registry: reg,
		Client:   ts.Client(),
	}
}

// bearerTransport injects an Authorization header into every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callJSON calls a tool, requires success and decodes its text content.
func callJSON(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s failed: %v", name, result.Content)
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}
