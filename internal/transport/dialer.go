package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"nhooyr.io/websocket"
)

// Subprotocol is negotiated on every websocket connection so the relay can
// refuse clients speaking a different envelope framing.
const Subprotocol = "relaysync.v1.json"

type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, target Target) (Conn, error)
}

// Target is everything the connect handshake carries: the endpoint, an
// opaque bearer credential and the scope parameters the server routes on.
type Target struct {
	Endpoint    string
	Credentials string
	Scope       map[string]string
}

func (t Target) URL() (string, error) {
	endpoint := strings.TrimSpace(t.Endpoint)
	if endpoint == "" {
		return "", fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if len(t.Scope) > 0 {
		q := u.Query()
		keys := make([]string, 0, len(t.Scope))
		for key := range t.Scope {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if value := strings.TrimSpace(t.Scope[key]); value != "" {
				q.Add(key, value)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected with http %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

type WebsocketDialer struct {
	HTTPClient *http.Client
	ReadLimit  int64
}

func (d WebsocketDialer) Dial(ctx context.Context, target Target) (Conn, error) {
	endpoint, err := target.URL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if token := strings.TrimSpace(target.Credentials); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
