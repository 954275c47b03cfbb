package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

func TestTargetURLAddsScopeParams(t *testing.T) {
	target := Target{
		Endpoint: "ws://relay.test/v1/connect?stream=chat",
		Scope:    map[string]string{"roomId": "r1", "empty": " "},
	}
	got, err := target.URL()
	if err != nil {
		t.Fatalf("url: %v", err)
	}
	if got != "ws://relay.test/v1/connect?roomId=r1&stream=chat" {
		t.Fatalf("unexpected url %q", got)
	}
	if _, err := (Target{}).URL(); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}

func TestWebsocketDialerRoundTrip(t *testing.T) {
	received := make(chan Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret-token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("roomId") != "r1" {
			http.Error(w, "missing scope", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		frame, _ := json.Marshal(Envelope{Type: TypeNewItem, Scope: "r1", Payload: json.RawMessage(`{"id":"m1"}`)})
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err == nil {
			received <- env
		}
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	m, err := NewManager(Options{Name: "chat", Dialer: WebsocketDialer{ReadLimit: 1 << 20}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	defer m.Dispose()

	inbound := make(chan Envelope, 1)
	m.Subscribe("r1", func(env Envelope) { inbound <- env })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := m.Connect(ctx, endpoint, "secret-token", map[string]string{"roomId": "r1"})
	if conn.State != StateConnected {
		t.Fatalf("expected connected, got %+v", conn)
	}

	select {
	case env := <-inbound:
		if env.Type != TypeNewItem || string(env.Payload) != `{"id":"m1"}` {
			t.Fatalf("unexpected inbound envelope %+v", env)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for inbound envelope")
	}

	out, err := NewEnvelope(TypeTyping, "r1", map[string]string{"userId": "u1"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if !m.Send(ctx, out) {
		t.Fatalf("expected send to succeed")
	}
	select {
	case env := <-received:
		if env.Type != TypeTyping || env.Scope != "r1" {
			t.Fatalf("unexpected outbound envelope %+v", env)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for server to read envelope")
	}
}

func TestWebsocketDialerReportsHandshakeRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := WebsocketDialer{}.Dial(context.Background(), Target{Endpoint: srv.URL, Credentials: "bad"})
	var handshakeErr *HandshakeError
	if !errors.As(err, &handshakeErr) {
		t.Fatalf("expected handshake error, got %v", err)
	}
	if handshakeErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", handshakeErr.StatusCode)
	}
}
