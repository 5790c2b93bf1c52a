package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/api"
	"github.com/alexjbarnes/dash-sync/internal/auth"
	"github.com/alexjbarnes/dash-sync/internal/channel"
	"github.com/alexjbarnes/dash-sync/internal/config"
	"github.com/alexjbarnes/dash-sync/internal/logging"
	"github.com/alexjbarnes/dash-sync/internal/mcpserver"
	"github.com/alexjbarnes/dash-sync/internal/metrics"
	"github.com/alexjbarnes/dash-sync/internal/realtime"
	"github.com/alexjbarnes/dash-sync/internal/registry"
	"github.com/alexjbarnes/dash-sync/internal/server"
	"github.com/alexjbarnes/dash-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

// app is the wired process: config, persisted state, credential,
// REST client and the scope registry.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	state    *state.State
	tokens   *auth.Provider
	metrics  *metrics.Metrics
	api      *api.Client
	registry *registry.Registry
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	path := cfg.StatePath
	if path == "" {
		p, err := state.DefaultPath()
		if err != nil {
			return nil, err
		}

		path = p
	}

	appState, err := state.LoadAt(path)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	token, err := resolveToken(cfg, appState, logger)
	if err != nil {
		appState.Close()
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		state:   appState,
		tokens:  auth.NewProvider(token, appState, logger),
		metrics: metrics.New(),
	}

	a.api = api.NewClient(cfg.APIBaseURL, a.tokens, api.WithRateLimit(cfg.APIRateLimit, cfg.APIRateBurst))
	a.registry = registry.New(cfg.UserID, a.builders(), logger)

	return a, nil
}

// resolveToken picks AUTH_TOKEN, then AUTH_TOKEN_FILE, then the token
// cached by the previous run.
func resolveToken(cfg *config.Config, appState *state.State, logger *slog.Logger) (string, error) {
	if cfg.AuthToken != "" {
		return cfg.AuthToken, nil
	}

	if cfg.AuthTokenFile != "" {
		token, err := auth.ReadTokenFile(cfg.AuthTokenFile)
		if err == nil && token != "" {
			return token, nil
		}

		logger.Warn("token file unusable, trying cached token",
			slog.String("path", cfg.AuthTokenFile),
			slog.Any("error", err),
		)
	}

	if token := appState.Token(); token != "" {
		logger.Debug("using cached token")
		return token, nil
	}

	return "", fmt.Errorf("no bearer token: set AUTH_TOKEN or AUTH_TOKEN_FILE")
}

func (a *app) builders() registry.Builders {
	return registry.Builders{
		Conversation: func(id string) (*realtime.ConversationSync, error) {
			ch, err := a.channel(realtime.RoleConversation, channel.ConversationsPath, id)
			if err != nil {
				return nil, err
			}

			return realtime.NewConversation(realtime.ConversationOptions{
				ConversationID: id,
				UserID:         a.cfg.UserID,
				Channel:        ch,
				API:            a.api,
				MatchWindow:    a.cfg.MatchWindow,
				Metrics:        a.metrics,
				OnStatus:       a.recordStatus,
			}, a.logger), nil
		},
		Notifications: func(userID string) (*realtime.NotificationSync, error) {
			ch, err := a.channel(realtime.RoleNotifications, channel.NotificationsPath, userID)
			if err != nil {
				return nil, err
			}

			return realtime.NewNotifications(realtime.NotificationOptions{
				UserID:   userID,
				Channel:  ch,
				API:      a.api,
				Metrics:  a.metrics,
				OnStatus: a.recordStatus,
			}, a.logger), nil
		},
	}
}

func (a *app) channel(role, path, scopeID string) (*channel.Connection, error) {
	u, err := channel.Endpoint(a.cfg.PushURL, path, scopeID)
	if err != nil {
		return nil, err
	}

	return channel.New(channel.Options{
		URL:              u,
		Role:             role,
		Scope:            scopeID,
		Tokens:           a.tokens,
		Backoff:          a.cfg.Backoff,
		HandshakeTimeout: a.cfg.HandshakeTimeout,
		PingAfter:        a.cfg.PingAfter,
		DisconnectAfter:  a.cfg.DisconnectAfter,
		Metrics:          a.metrics,
	}, a.logger), nil
}

// recordStatus persists the last known status so a restart can report
// what each scope was doing.
func (a *app) recordStatus(st realtime.Status) {
	meta := state.ScopeMeta{
		Role:            st.Role,
		ScopeID:         st.ScopeID,
		State:           st.State.String(),
		NeedsReauth:     st.NeedsReauth,
		LastConnectedAt: st.LastConnectedAt,
		UpdatedAt:       time.Now(),
	}

	if st.LastHistoryErr != nil {
		meta.LastError = st.LastHistoryErr.Error()
	}

	if err := a.state.SetScopeMeta(meta); err != nil {
		a.logger.Debug("failed to save scope status", slog.String("error", err.Error()))
	}

	if st.NeedsReauth {
		a.logger.Error("credential rejected, supply a new token",
			slog.String("role", st.Role),
			slog.String("scope", st.ScopeID),
		)
	}
}

func (a *app) close() {
	if err := a.registry.Shutdown(); err != nil {
		a.logger.Warn("closing scopes", slog.String("error", err.Error()))
	}

	a.state.Close()
}

// watchToken runs the token file watcher if one is configured.
func (a *app) watchToken(ctx context.Context) error {
	if a.cfg.AuthTokenFile == "" {
		return nil
	}

	err := auth.NewFileWatcher(a.cfg.AuthTokenFile, a.tokens, a.logger).Watch(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("dash-sync starting",
		slog.String("version", Version),
		slog.String("user", cfg.UserID),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notes, err := a.registry.ActivateNotifications(ctx)
	if notes == nil {
		return fmt.Errorf("activating notifications: %w", err)
	}

	if err != nil {
		logger.Warn("notifications live without history", slog.String("error", err.Error()))
	}

	if cfg.ConversationID != "" {
		conv, err := a.registry.ActivateConversation(ctx, cfg.ConversationID)
		if conv == nil {
			return fmt.Errorf("activating conversation: %w", err)
		}

		if err != nil {
			logger.Warn("conversation live without history", slog.String("error", err.Error()))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.watchToken(gctx) })
	g.Go(func() error { return a.logUnread(gctx, notes.Sync()) })

	if cfg.EnableMCP {
		g.Go(func() error { return a.runMCP(gctx) })
	}

	return g.Wait()
}

// logUnread logs the unread count whenever it changes.
func (a *app) logUnread(ctx context.Context, n *realtime.NotificationSync) error {
	changes, cancel := n.Subscribe()
	defer cancel()

	last := -1

	for {
		if c := n.UnreadCount(); c != last {
			last = c
			a.logger.Info("unread notifications", slog.Int("count", c))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		}
	}
}

// runMCP starts the MCP HTTP server.
func (a *app) runMCP(ctx context.Context) error {
	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "dash-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, a.registry)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := server.NewHTTPServer(a.cfg.MCPListenAddr, server.NewMux(server.MuxConfig{
		APIKey:         a.cfg.MCPAPIKey,
		MCPHandler:     mcpHandler,
		MetricsHandler: a.metrics.Handler(),
		Logger:         mcpLogger,
	}))

	mcpLogger.Info("starting MCP server",
		slog.String("listen", a.cfg.MCPListenAddr),
		slog.Bool("api_key", a.cfg.MCPAPIKey != ""),
	)

	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
