// Package api is the REST collaborator of the sync core: history
// fetch, mark-read and clear-history. Pushes arrive elsewhere.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	serrors "github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/models"
	"golang.org/x/time/rate"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// TokenSource yields the bearer token for each request.
type TokenSource interface {
	Token() string
}

// Client talks to the dashboard REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit throttles outgoing requests to rps with the given burst.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaks
// to a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL.
func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		limiter: rate.NewLimiter(rate.Inf, 1),
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

// FetchMessages returns the conversation history as Confirmed records.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]models.Record, error) {
	var msgs []Message

	endpoint := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, endpoint, &msgs); err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	out := make([]models.Record, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Record(conversationID))
	}

	return out, nil
}

// ClearConversation deletes the conversation history on the server.
func (c *Client) ClearConversation(ctx context.Context, conversationID string) error {
	endpoint := "/api/conversations/" + url.PathEscape(conversationID) + "/clear"
	if err := c.do(ctx, http.MethodPost, endpoint, nil); err != nil {
		return fmt.Errorf("clearing conversation: %w", err)
	}

	return nil
}

// FetchNotifications returns the signed-in user's notifications. The
// user is identified by the bearer token; userID only scopes the
// returned records.
func (c *Client) FetchNotifications(ctx context.Context, userID string) ([]models.Record, error) {
	var items []Notification
	if err := c.do(ctx, http.MethodGet, "/api/notifications", &items); err != nil {
		return nil, fmt.Errorf("fetching notifications: %w", err)
	}

	out := make([]models.Record, 0, len(items))
	for _, n := range items {
		out = append(out, n.Record(userID))
	}

	return out, nil
}

// MarkNotificationRead marks one notification read. Idempotent.
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	endpoint := "/api/notifications/" + url.PathEscape(id) + "/read"
	if err := c.do(ctx, http.MethodPost, endpoint, nil); err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}

	return nil
}

// do sends a request and decodes a JSON response into result when it
// is non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: waiting for rate limiter: %w", serrors.ErrAPIRequest, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, http.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: fmt.Errorf("%w: sending request to %s: %w", serrors.ErrAPIRequest, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("%w: reading response from %s: %w", serrors.ErrAPIRequest, endpoint, err)}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("API %s: %w", endpoint, serrors.ErrInvalidToken)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := sanitizeResponseBody(respBody)

		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.text() != "" {
			detail = apiErr.text()
		}

		err := fmt.Errorf("%w: %s returned status %d: %s", serrors.ErrAPIRequest, endpoint, resp.StatusCode, detail)
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %w", serrors.ErrAPIResponse, endpoint, err)
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
