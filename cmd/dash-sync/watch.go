package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alexjbarnes/dash-sync/internal/config"
	"github.com/alexjbarnes/dash-sync/internal/logging"
	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/alexjbarnes/dash-sync/internal/realtime"
	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"
)

var (
	dateStyle    = color.New(color.FgHiBlack, color.Bold)
	mineStyle    = color.New(color.FgCyan)
	theirsStyle  = color.New(color.FgGreen)
	pendingStyle = color.New(color.FgYellow)
	failedStyle  = color.New(color.FgRed)
	statusStyle  = color.New(color.FgMagenta)
)

func runWatch(ctx context.Context, conversationID string, in io.Reader, out, errOut io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := watchLogger(errOut, cfg.Environment, cfg.LogLevel)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h, err := a.registry.ActivateConversation(ctx, conversationID)
	if h == nil {
		return fmt.Errorf("activating conversation: %w", err)
	}

	if err != nil {
		fmt.Fprintln(out, failedStyle.Sprintf("history unavailable: %v", err))
	}

	conv := h.Sync()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.watchToken(gctx) })
	g.Go(func() error { return renderLoop(gctx, conv, out) })
	g.Go(func() error {
		err := readInput(gctx, conv, in, out, logger)
		stop()

		return err
	})

	return g.Wait()
}

// watchLogger logs to w, which is kept apart from the rendered
// conversation, and defaults to warn so the view stays readable.
func watchLogger(w io.Writer, env, level string) *slog.Logger {
	if level == "" {
		level = "warn"
	}

	return logging.NewLoggerTo(w, env, level)
}

// renderLoop redraws the conversation on every change.
func renderLoop(ctx context.Context, conv *realtime.ConversationSync, out io.Writer) error {
	changes, cancel := conv.Subscribe()
	defer cancel()

	var lastStatus string

	for {
		renderGroups(out, conv.Groups(nil), conv.UserID())

		if st := statusLine(conv.Status()); st != lastStatus {
			lastStatus = st
			fmt.Fprintln(out, statusStyle.Sprint(st))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		}
	}
}

// readInput sends each stdin line, or runs it as a slash command. It
// returns at EOF or /quit.
func readInput(ctx context.Context, conv *realtime.ConversationSync, in io.Reader, out io.Writer, logger *slog.Logger) error {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string

		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}

			line = strings.TrimSpace(l)
		}

		if line == "" {
			continue
		}

		if line == "/quit" {
			return nil
		}

		if err := runLine(ctx, conv, line); err != nil {
			logger.Debug("command failed", slog.String("line", line), slog.String("error", err.Error()))
			fmt.Fprintln(out, failedStyle.Sprint(err.Error()))
		}
	}
}

func runLine(ctx context.Context, conv *realtime.ConversationSync, line string) error {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/retry":
		return conv.Retry(ctx, arg)
	case "/discard":
		return conv.Discard(arg)
	case "/clear":
		return conv.ClearHistory(ctx)
	}

	if strings.HasPrefix(line, "/") {
		return fmt.Errorf("unknown command %s", cmd)
	}

	_, err := conv.SendMessage(ctx, line)

	return err
}

// renderGroups writes the conversation grouped by day. Pending and
// failed local sends are marked; failed ones show the id to retry with.
func renderGroups(w io.Writer, groups []models.DateGroup, userID string) {
	fmt.Fprintln(w)

	for _, g := range groups {
		fmt.Fprintln(w, dateStyle.Sprintf("-- %s --", g.Date))

		for _, r := range g.Records {
			fmt.Fprintln(w, renderRecord(r, userID))
		}
	}
}

func renderRecord(r models.Record, userID string) string {
	who := theirsStyle.Sprint(r.AuthorID)
	if r.Mine(userID) {
		who = mineStyle.Sprint("me")
	}

	line := fmt.Sprintf("%s %s: %s", r.CreatedAt.Local().Format("15:04"), who, r.Content)

	switch r.DeliveryState {
	case models.Pending:
		line += " " + pendingStyle.Sprint("(sending)")
	case models.Failed:
		line += " " + failedStyle.Sprintf("(failed, /retry %s)", r.ClientTempID)
	}

	return line
}

func statusLine(st realtime.Status) string {
	s := fmt.Sprintf("[%s]", st.State)

	if st.RetryCount > 0 {
		s += fmt.Sprintf(" retry %d", st.RetryCount)

		if !st.NextAttemptAt.IsZero() {
			s += " at " + st.NextAttemptAt.Local().Format("15:04:05")
		}
	}

	if st.NeedsReauth {
		s += " needs new token"
	}

	if st.LastHistoryErr != nil {
		s += " history stale"
	}

	return s
}
