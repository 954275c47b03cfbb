package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/chat"
	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/notify"
	"github.com/agentworkforce/relaysync/internal/syncer"
	"github.com/agentworkforce/relaysync/internal/transport"
)

// HTTPError is a non-2xx relay response. Code, Message and CorrelationID
// come from the relay's JSON error body; CorrelationID falls back to the id
// the client sent when the body carries none.
type HTTPError struct {
	StatusCode    int    `json:"-"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

func (e *HTTPError) Error() string {
	text := e.Message
	if text == "" {
		text = http.StatusText(e.StatusCode)
	}
	if e.Code == "" {
		return fmt.Sprintf("relay %d: %s", e.StatusCode, text)
	}
	return fmt.Sprintf("relay %d (%s): %s [%s]", e.StatusCode, e.Code, text, e.CorrelationID)
}

func relayError(status int, data []byte, sent string) *HTTPError {
	e := &HTTPError{StatusCode: status}
	_ = json.Unmarshal(data, e)
	e.StatusCode = status
	if e.CorrelationID == "" {
		e.CorrelationID = sent
	}
	return e
}

// HTTPClient talks to the relay REST resources. It implements chat.API and
// notify.API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	baseDelay  time.Duration
	maxDelay   time.Duration
	clock      clock.Clock
	logger     zerolog.Logger

	mu    sync.RWMutex
	token string
}

var (
	_ chat.API   = (*HTTPClient)(nil)
	_ notify.API = (*HTTPClient)(nil)
)

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8090"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		retries:    3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		clock:      clock.Real(),
		logger:     zerolog.Nop(),
	}
}

// WithLogger sets the logger used for retry diagnostics.
func (c *HTTPClient) WithLogger(logger zerolog.Logger) *HTTPClient {
	c.logger = logger.With().Str("component", "restapi").Logger()
	return c
}

// WithClock sets the clock that times retry pauses.
func (c *HTTPClient) WithClock(clk clock.Clock) *HTTPClient {
	c.clock = clock.OrReal(clk)
	return c
}

// SetToken replaces the bearer token used by subsequent requests.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

func (c *HTTPClient) currentToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func pageQuery(page, limit int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return q.Encode()
}

func roomPath(roomID string, rest ...string) string {
	parts := []string{"/v1/rooms", url.PathEscape(roomID), "messages"}
	for _, p := range rest {
		parts = append(parts, url.PathEscape(p))
	}
	return strings.Join(parts, "/")
}

// call is one relay route invocation. replayable marks routes whose effect
// does not stack when the relay sees them twice; only those are resent after
// a 5xx or a transport error. A 429 is resent for every route because the
// relay rejects it before the handler runs.
type call struct {
	method     string
	path       string
	body       any
	out        any
	replayable bool
}

func get(path string, out any) call {
	return call{method: http.MethodGet, path: path, out: out, replayable: true}
}

func (c *HTTPClient) ListMessages(ctx context.Context, roomID string, page, limit int) (syncer.Page[chat.Message], error) {
	var out syncer.Page[chat.Message]
	err := c.send(ctx, get(roomPath(roomID)+"?"+pageQuery(page, limit), &out))
	return out, err
}

// CreateMessage replays safely: the relay keys creates by author and
// clientTempId.
func (c *HTTPClient) CreateMessage(ctx context.Context, roomID string, draft chat.Draft) (chat.Message, error) {
	var out chat.Message
	err := c.send(ctx, call{method: http.MethodPost, path: roomPath(roomID), body: draft, out: &out, replayable: true})
	return out, err
}

func (c *HTTPClient) EditMessage(ctx context.Context, roomID, id, body string) (chat.Message, error) {
	var out chat.Message
	err := c.send(ctx, call{method: http.MethodPatch, path: roomPath(roomID, id), body: map[string]string{"body": body}, out: &out, replayable: true})
	return out, err
}

func (c *HTTPClient) DeleteMessage(ctx context.Context, roomID, id string) error {
	return c.send(ctx, call{method: http.MethodDelete, path: roomPath(roomID, id), replayable: true})
}

// ToggleReaction flips state on the relay, so a replay could undo itself.
func (c *HTTPClient) ToggleReaction(ctx context.Context, roomID, id, emoji string) (chat.Message, error) {
	var out chat.Message
	err := c.send(ctx, call{method: http.MethodPost, path: roomPath(roomID, id, "reactions"), body: map[string]string{"emoji": emoji}, out: &out})
	return out, err
}

func (c *HTTPClient) ListNotifications(ctx context.Context, page, limit int) (syncer.Page[notify.Notification], error) {
	var out syncer.Page[notify.Notification]
	err := c.send(ctx, get("/v1/notifications?"+pageQuery(page, limit), &out))
	return out, err
}

func (c *HTTPClient) MarkRead(ctx context.Context, id string) (notify.Notification, error) {
	var out notify.Notification
	err := c.send(ctx, call{method: http.MethodPost, path: "/v1/notifications/" + url.PathEscape(id) + "/read", out: &out, replayable: true})
	return out, err
}

func (c *HTTPClient) MarkAllRead(ctx context.Context) error {
	return c.send(ctx, call{method: http.MethodPost, path: "/v1/notifications/read-all", replayable: true})
}

func (c *HTTPClient) ListBookmarks(ctx context.Context) ([]string, error) {
	var out struct {
		IDs []string `json:"ids"`
	}
	err := c.send(ctx, get("/v1/bookmarks", &out))
	return out.IDs, err
}

func (c *HTTPClient) AddBookmark(ctx context.Context, messageID string) error {
	return c.send(ctx, call{method: http.MethodPut, path: "/v1/bookmarks/" + url.PathEscape(messageID), replayable: true})
}

func (c *HTTPClient) RemoveBookmark(ctx context.Context, messageID string) error {
	return c.send(ctx, call{method: http.MethodDelete, path: "/v1/bookmarks/" + url.PathEscape(messageID), replayable: true})
}

// reply is what one round trip produced: a transport error, or a status with
// its headers and drained body.
type reply struct {
	err    error
	status int
	header http.Header
	data   []byte
}

func (r reply) ok() bool {
	return r.err == nil && r.status >= 200 && r.status < 300
}

// send runs cl under one correlation id, so every attempt of a call groups
// together in the relay's logs.
func (c *HTTPClient) send(ctx context.Context, cl call) error {
	var payload []byte
	if cl.body != nil {
		encoded, err := json.Marshal(cl.body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", cl.method, cl.path, err)
		}
		payload = encoded
	}
	correlation := "rs_" + uuid.NewString()
	log := c.logger.With().Str("method", cl.method).Str("path", cl.path).Str("correlation_id", correlation).Logger()

	for attempt := 1; ; attempt++ {
		r := c.roundTrip(ctx, cl, payload, correlation)
		if r.ok() {
			if cl.out == nil || len(r.data) == 0 {
				return nil
			}
			return json.Unmarshal(r.data, cl.out)
		}
		wait, again := c.nextAttempt(ctx, cl, attempt, r)
		if !again {
			if r.err != nil {
				return r.err
			}
			return relayError(r.status, r.data, correlation)
		}
		log.Debug().Err(r.err).Int("status", r.status).Int("attempt", attempt).Dur("wait", wait).Msg("relay call failed, retrying")
		if err := c.pause(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *HTTPClient) roundTrip(ctx context.Context, cl call, payload []byte, correlation string) reply {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, body)
	if err != nil {
		return reply{err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.currentToken())
	req.Header.Set("X-Correlation-Id", correlation)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return reply{err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return reply{err: err}
	}
	return reply{status: resp.StatusCode, header: resp.Header, data: data}
}

// nextAttempt decides whether the call that produced r on the given attempt
// is sent again, and after how long.
func (c *HTTPClient) nextAttempt(ctx context.Context, cl call, attempt int, r reply) (time.Duration, bool) {
	if attempt > c.retries || ctx.Err() != nil {
		return 0, false
	}
	switch {
	case r.err != nil:
		return c.backoff(attempt, nil), cl.replayable
	case r.status == http.StatusTooManyRequests:
		return c.backoff(attempt, r.header), true
	case r.status >= 500:
		return c.backoff(attempt, r.header), cl.replayable
	}
	return 0, false
}

// backoff doubles from baseDelay per attempt up to maxDelay. The relay's
// Retry-After, whole seconds, replaces the doubling but not the cap.
func (c *HTTPClient) backoff(attempt int, header http.Header) time.Duration {
	if header != nil {
		if secs, err := strconv.Atoi(strings.TrimSpace(header.Get("Retry-After"))); err == nil && secs > 0 {
			return min(time.Duration(secs)*time.Second, c.maxDelay)
		}
	}
	return transport.BackoffDelay(attempt-1, c.baseDelay, c.maxDelay)
}

func (c *HTTPClient) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	timer := c.clock.AfterFunc(d, func() { close(done) })
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
