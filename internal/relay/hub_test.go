package relay

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/chat"
	"github.com/agentworkforce/relaysync/internal/notify"
	"github.com/agentworkforce/relaysync/internal/restapi"
	"github.com/agentworkforce/relaysync/internal/transport"
)

type liveRelay struct {
	server    *Server
	http      *httptest.Server
	validator *transport.EnvelopeValidator
}

func startLiveRelay(t *testing.T) *liveRelay {
	t.Helper()
	validator, err := transport.NewEnvelopeValidator()
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}
	server := NewServer(Options{Validator: validator, Metrics: NewMetrics(nil)})
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		server.Close()
		ts.Close()
	})
	return &liveRelay{server: server, http: ts, validator: validator}
}

func (r *liveRelay) connect(t *testing.T, identityID string, scope map[string]string) (*transport.Manager, string) {
	t.Helper()
	token := mustTestJWT(t, "dev-secret", identityID, DefaultScopes)
	manager, err := transport.NewManager(transport.Options{
		Name:      identityID,
		Dialer:    transport.WebsocketDialer{},
		Validator: r.validator,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(manager.Dispose)
	endpoint := "ws" + strings.TrimPrefix(r.http.URL, "http") + "/v1/connect"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := manager.Connect(ctx, endpoint, token, scope)
	if conn.State != transport.StateConnected {
		t.Fatalf("expected %s to connect, got %s (%v)", identityID, conn.State, conn.LastError)
	}
	return manager, token
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPushDeliversRoomAndInboxChanges(t *testing.T) {
	relay := startLiveRelay(t)
	bobTransport, bobToken := relay.connect(t, "bob", map[string]string{"roomId": "general,random", "identityId": "bob"})
	api := restapi.NewHTTPClient(relay.http.URL, bobToken, relay.http.Client())

	room, err := chat.NewRoom(chat.Options{RoomID: "general", UserID: "bob", API: api, Transport: bobTransport})
	if err != nil {
		t.Fatalf("new room: %v", err)
	}
	t.Cleanup(room.Dispose)
	feed, err := notify.NewFeed(notify.Options{IdentityID: "bob", API: api, Transport: bobTransport})
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	t.Cleanup(feed.Dispose)

	eventually(t, "bob's push connection", func() bool { return relay.server.Hub().Clients() == 1 })

	resp := doRequest(t, relay.server, request{
		method:  "POST",
		path:    "/v1/rooms/general/messages",
		headers: authHeaders(t, "alice", "corr_push"),
		body:    map[string]any{"body": "standup in 5 @bob"},
	})
	if resp.Code != 201 {
		t.Fatalf("expected 201, got %d (%s)", resp.Code, resp.Body.String())
	}

	eventually(t, "alice's message in bob's room", func() bool {
		items := room.Snapshot().Items
		return len(items) == 1 && items[0].Body == "standup in 5 @bob" && items[0].AuthorID == "alice"
	})
	eventually(t, "bob's mention to count as unread", func() bool { return feed.UnreadCount() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	op, err := room.Send(ctx, "on my way")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	sent, err := op.Wait(ctx)
	if err != nil {
		t.Fatalf("send result: %v", err)
	}
	eventually(t, "bob's own message to settle once", func() bool {
		items := room.Snapshot().Items
		return len(items) == 2 && items[1].ID == sent.ID
	})
}

func TestTypingFansOutToOtherConnections(t *testing.T) {
	relay := startLiveRelay(t)
	aliceTransport, aliceToken := relay.connect(t, "alice", map[string]string{"roomId": "general"})
	bobTransport, bobToken := relay.connect(t, "bob", map[string]string{"roomId": "general"})

	aliceRoom, err := chat.NewRoom(chat.Options{
		RoomID:    "general",
		UserID:    "alice",
		API:       restapi.NewHTTPClient(relay.http.URL, aliceToken, relay.http.Client()),
		Transport: aliceTransport,
	})
	if err != nil {
		t.Fatalf("new room for alice: %v", err)
	}
	t.Cleanup(aliceRoom.Dispose)
	bobRoom, err := chat.NewRoom(chat.Options{
		RoomID:        "general",
		UserID:        "bob",
		API:           restapi.NewHTTPClient(relay.http.URL, bobToken, relay.http.Client()),
		Transport:     bobTransport,
		TypingTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("new room for bob: %v", err)
	}
	t.Cleanup(bobRoom.Dispose)
	eventually(t, "both push connections", func() bool { return relay.server.Hub().Clients() == 2 })

	if !aliceRoom.SendTyping(context.Background()) {
		t.Fatalf("expected typing signal to be sent")
	}
	eventually(t, "alice typing in bob's room", func() bool {
		names := bobRoom.Typing()
		return len(names) == 1 && names[0] == "alice"
	})
	if names := aliceRoom.Typing(); len(names) != 0 {
		t.Fatalf("expected the sender not to see their own typing signal, got %v", names)
	}
}

func TestHubCloseEndsConnections(t *testing.T) {
	relay := startLiveRelay(t)
	manager, _ := relay.connect(t, "alice", map[string]string{"roomId": "general"})
	eventually(t, "push connection", func() bool { return relay.server.Hub().Clients() == 1 })

	relay.server.Close()
	eventually(t, "hub to drop the connection", func() bool { return relay.server.Hub().Clients() == 0 })
	eventually(t, "client to notice the drop", func() bool {
		return manager.Connection().State != transport.StateConnected
	})
}

func TestSlowClientIsEvicted(t *testing.T) {
	relay := startLiveRelay(t)
	hub := relay.server.Hub()
	c := &client{
		hub:        hub,
		identityID: "alice",
		rooms:      map[string]struct{}{"general": {}},
		send:       make(chan []byte, 1),
		done:       make(chan struct{}),
	}
	hub.mu.Lock()
	hub.clients[c] = struct{}{}
	hub.mu.Unlock()

	env, err := transport.NewEnvelope(transport.TypeTyping, "general", chat.Typing{RoomID: "general", UserID: "bob"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if n := hub.PublishRoom("general", env, nil); n != 1 {
		t.Fatalf("expected first publish to queue, got %d", n)
	}
	if n := hub.PublishRoom("general", env, nil); n != 0 {
		t.Fatalf("expected full buffer to evict instead of queueing, got %d", n)
	}
	select {
	case <-c.done:
	default:
		t.Fatalf("expected slow client to be closed")
	}
	if n := hub.PublishRoom("general", env, nil); n != 0 {
		t.Fatalf("expected evicted client to be skipped, got %d", n)
	}
}
