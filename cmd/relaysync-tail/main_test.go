package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/relay"
)

func TestParseConfigRequiresIdentity(t *testing.T) {
	fs := flag.NewFlagSet("relaysync-tail", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := ParseConfig(fs, nil); err == nil {
		t.Fatalf("expected missing identity to fail")
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("RELAYSYNC_IDENTITY", "alice")
	t.Setenv("RELAYSYNC_ROOMS", "general")
	t.Setenv("RELAYSYNC_REFRESH_INTERVAL", "1m")

	fs := flag.NewFlagSet("relaysync-tail", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-rooms", "ops, general,ops", "-page-size", "5"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Identity != "alice" || cfg.PageSize != 5 || cfg.RefreshInterval != time.Minute {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if got := strings.Join(roomList(cfg.Rooms), ","); got != "ops,general" {
		t.Fatalf("expected deduplicated rooms ops,general, got %q", got)
	}
}

func TestParseConfigRejectsEmptyRooms(t *testing.T) {
	fs := flag.NewFlagSet("relaysync-tail", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if _, err := ParseConfig(fs, []string{"-identity", "alice", "-rooms", " , "}); err == nil {
		t.Fatalf("expected empty room list to fail")
	}
}

func TestPushURL(t *testing.T) {
	cases := []struct {
		cfg  Config
		want string
	}{
		{Config{BaseURL: "http://127.0.0.1:8090"}, "ws://127.0.0.1:8090/v1/connect"},
		{Config{BaseURL: "https://relay.example.com/api/"}, "wss://relay.example.com/api/v1/connect"},
		{Config{BaseURL: "http://ignored", PushURL: "ws://push.local/socket"}, "ws://push.local/socket"},
	}
	for _, tc := range cases {
		got, err := pushURL(tc.cfg)
		if err != nil {
			t.Fatalf("push url for %+v: %v", tc.cfg, err)
		}
		if got != tc.want {
			t.Fatalf("expected %q, got %q", tc.want, got)
		}
	}
	if _, err := pushURL(Config{BaseURL: "ftp://relay"}); err == nil {
		t.Fatalf("expected unsupported scheme to fail")
	}
}

func TestResolveTokenMintsDevToken(t *testing.T) {
	now := time.Now()
	token, err := resolveToken(Config{Identity: "alice", DevSecret: "tail-secret"}, now)
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	var claims relay.Claims
	_, err = jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte("tail-secret"), nil
	})
	if err != nil {
		t.Fatalf("parse minted token: %v", err)
	}
	if claims.IdentityID != "alice" || len(claims.Scopes) == 0 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestResolveTokenPrefersExplicitThenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  from-file\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	token, err := resolveToken(Config{Token: "explicit", TokenFile: path}, time.Now())
	if err != nil || token != "explicit" {
		t.Fatalf("expected explicit token, got %q err=%v", token, err)
	}
	token, err = resolveToken(Config{TokenFile: path}, time.Now())
	if err != nil || token != "from-file" {
		t.Fatalf("expected trimmed file token, got %q err=%v", token, err)
	}
	if _, err := resolveToken(Config{Identity: "alice"}, time.Now()); err == nil {
		t.Fatalf("expected missing credentials to fail")
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line string
		want command
	}{
		{"hello there", command{name: "send", text: "hello there"}},
		{"/reply m1 sounds good", command{name: "reply", arg: "m1", text: "sounds good"}},
		{"/REACT  m2 👍", command{name: "react", arg: "m2", text: "👍"}},
		{"/quit", command{name: "quit"}},
		{"  ", command{name: "send"}},
	}
	for _, tc := range cases {
		if got := parseCommand(tc.line); got != tc.want {
			t.Fatalf("parse %q: expected %+v, got %+v", tc.line, tc.want, got)
		}
	}
}

func TestWatchTokenFileAppliesRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("initial"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	applied := make(chan string, 16)
	done := make(chan error, 1)
	go func() {
		done <- watchTokenFile(ctx, path, zerolog.Nop(), func(token string) { applied <- token })
	}()

	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for i := 0; ; i++ {
		select {
		case token := <-applied:
			if !strings.HasPrefix(token, "rotated-") {
				t.Fatalf("expected rotated token, got %q", token)
			}
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("watcher returned %v", err)
			}
			return
		case <-ticker.C:
			if err := os.WriteFile(path, []byte(fmt.Sprintf("rotated-%d\n", i)), 0o600); err != nil {
				t.Fatalf("rewrite token: %v", err)
			}
		case <-deadline:
			t.Fatalf("token rotation was never applied")
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestRunDrivesRelayFromCommands(t *testing.T) {
	server := relay.NewServer(relay.Options{Config: relay.Config{JWTSecret: "tail-secret"}})
	ts := httptest.NewServer(server)
	defer ts.Close()
	defer server.Close()

	cfg := Config{BaseURL: ts.URL, Identity: "alice", DevSecret: "tail-secret", Rooms: "general,ops", PageSize: 10}
	in, stdin := io.Pipe()
	defer stdin.Close()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), cfg, zerolog.Nop(), in, out)
	}()

	eventually(t, func() bool { return server.Hub().Clients() == 1 })
	fmt.Fprintln(stdin, "hello relay")
	eventually(t, func() bool {
		return len(server.State().ListMessages("general", 1, 10).Items) == 1
	})
	msgID := server.State().ListMessages("general", 1, 10).Items[0].ID
	eventually(t, func() bool { return strings.Contains(out.String(), "<alice> hello relay") })

	fmt.Fprintf(stdin, "/bookmark %s\n", msgID)
	fmt.Fprintln(stdin, "/bookmarks")
	eventually(t, func() bool { return strings.Contains(out.String(), "* bookmark "+msgID) })

	fmt.Fprintln(stdin, "/room ops")
	fmt.Fprintln(stdin, "in ops")
	eventually(t, func() bool {
		return len(server.State().ListMessages("ops", 1, 10).Items) == 1
	})

	fmt.Fprintln(stdin, "/nope")
	eventually(t, func() bool { return strings.Contains(out.String(), "unknown command /nope") })

	fmt.Fprintln(stdin, "/quit")
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop after /quit")
	}
}
