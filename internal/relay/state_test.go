package relay

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentworkforce/relaysync/internal/chat"
	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/notify"
)

func newTestState() (*State, *clock.FakeClock) {
	c := clock.NewFake(time.Unix(1700000000, 0).UTC())
	return NewState(c), c
}

func TestPageWindowCountsBackFromNewest(t *testing.T) {
	cases := []struct {
		n, page, limit          int
		start, end, totalPages int
	}{
		{5, 1, 2, 3, 5, 3},
		{5, 2, 2, 1, 3, 3},
		{5, 3, 2, 0, 1, 3},
		{5, 4, 2, 0, 0, 3},
		{0, 1, 2, 0, 0, 0},
		{4, 0, 10, 0, 4, 1},
	}
	for _, tc := range cases {
		start, end, total := pageWindow(tc.n, tc.page, tc.limit)
		if start != tc.start || end != tc.end || total != tc.totalPages {
			t.Fatalf("pageWindow(%d,%d,%d): expected %d,%d,%d got %d,%d,%d",
				tc.n, tc.page, tc.limit, tc.start, tc.end, tc.totalPages, start, end, total)
		}
	}
}

func TestCreateMessageIsIdempotentPerDraft(t *testing.T) {
	state, c := newTestState()
	first, err := state.CreateMessage("general", "alice", chat.Draft{ClientTempID: "tmp-1", Body: " hello "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !first.Created || first.Message.Body != "hello" || first.Message.ClientTempID != "tmp-1" {
		t.Fatalf("unexpected first create: %+v", first)
	}
	c.Advance(time.Second)
	again, err := state.CreateMessage("general", "alice", chat.Draft{ClientTempID: "tmp-1", Body: "hello"})
	if err != nil {
		t.Fatalf("replayed create: %v", err)
	}
	if again.Created || again.Message.ID != first.Message.ID {
		t.Fatalf("expected replay to return the original message, got %+v", again)
	}
	// Another author may reuse the same temp id.
	other, err := state.CreateMessage("general", "bob", chat.Draft{ClientTempID: "tmp-1", Body: "hi"})
	if err != nil {
		t.Fatalf("create for bob: %v", err)
	}
	if !other.Created || other.Message.ID == first.Message.ID {
		t.Fatalf("expected a new message for bob, got %+v", other)
	}
	if page := state.ListMessages("general", 1, 10); len(page.Items) != 2 {
		t.Fatalf("expected two stored messages, got %d", len(page.Items))
	}
	if _, err := state.CreateMessage("general", "alice", chat.Draft{Body: "   "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank body, got %v", err)
	}
}

func TestListMessagesNewestPageFirst(t *testing.T) {
	state, c := newTestState()
	for _, body := range []string{"m1", "m2", "m3", "m4", "m5"} {
		if _, err := state.CreateMessage("general", "alice", chat.Draft{Body: body}); err != nil {
			t.Fatalf("create %s: %v", body, err)
		}
		c.Advance(time.Minute)
	}
	page1 := state.ListMessages("general", 1, 2)
	if page1.TotalPages != 3 || len(page1.Items) != 2 || page1.Items[0].Body != "m4" || page1.Items[1].Body != "m5" {
		t.Fatalf("unexpected page 1: %+v", page1)
	}
	page3 := state.ListMessages("general", 3, 2)
	if len(page3.Items) != 1 || page3.Items[0].Body != "m1" {
		t.Fatalf("unexpected page 3: %+v", page3)
	}
	if page1.Items[0].ID >= page1.Items[1].ID {
		t.Fatalf("expected ids to sort by creation time: %s, %s", page1.Items[0].ID, page1.Items[1].ID)
	}
	if empty := state.ListMessages("nowhere", 1, 2); len(empty.Items) != 0 || empty.TotalPages != 0 {
		t.Fatalf("expected empty page for unknown room, got %+v", empty)
	}
}

func TestEditDeleteRequireAuthor(t *testing.T) {
	state, c := newTestState()
	created, err := state.CreateMessage("general", "alice", chat.Draft{Body: "draft"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := created.Message.ID
	if _, err := state.EditMessage("general", "bob", id, "hijack"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	c.Advance(time.Minute)
	edited, err := state.EditMessage("general", "alice", id, "final")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Body != "final" || edited.EditedAt == nil || !edited.EditedAt.Equal(c.Now()) {
		t.Fatalf("unexpected edit result: %+v", edited)
	}
	reacted, err := state.ToggleReaction("general", "bob", id, "👍")
	if err != nil {
		t.Fatalf("react: %v", err)
	}
	if !reacted.ReactedBy("👍", "bob") {
		t.Fatalf("expected bob's reaction, got %+v", reacted.Reactions)
	}
	if _, err := state.DeleteMessage("general", "bob", id); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on delete, got %v", err)
	}
	if _, err := state.DeleteMessage("general", "alice", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := state.DeleteMessage("general", "alice", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMentionsAndRepliesNotify(t *testing.T) {
	state, _ := newTestState()
	parent, err := state.CreateMessage("general", "bob", chat.Draft{Body: "lunch?"})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if len(parent.Notifications) != 0 {
		t.Fatalf("expected no notifications, got %+v", parent.Notifications)
	}
	reply, err := state.CreateMessage("general", "alice", chat.Draft{
		Body:      "sure @bob, cc @carol and @alice and @carol",
		ReplyToID: parent.Message.ID,
	})
	if err != nil {
		t.Fatalf("create reply: %v", err)
	}
	if len(reply.Notifications) != 2 {
		t.Fatalf("expected one notification each for bob and carol, got %+v", reply.Notifications)
	}
	if reply.Notifications[0].IdentityID != "bob" || reply.Notifications[0].Kind != KindReply {
		t.Fatalf("expected reply notification for bob, got %+v", reply.Notifications[0])
	}
	if reply.Notifications[1].IdentityID != "carol" || reply.Notifications[1].Kind != KindMention {
		t.Fatalf("expected mention notification for carol, got %+v", reply.Notifications[1])
	}
	inbox := state.ListNotifications("carol", 1, 10)
	if len(inbox.Items) != 1 || inbox.Items[0].Read {
		t.Fatalf("expected one unread notification for carol, got %+v", inbox)
	}
}

func TestNotificationsNewestFirstAndMarkRead(t *testing.T) {
	state, c := newTestState()
	var ids []string
	for _, title := range []string{"n1", "n2", "n3"} {
		n, err := state.AddNotification(notify.Notification{IdentityID: "bob", Title: title})
		if err != nil {
			t.Fatalf("add %s: %v", title, err)
		}
		if n.Kind != "system" {
			t.Fatalf("expected default kind, got %q", n.Kind)
		}
		ids = append(ids, n.ID)
		c.Advance(time.Second)
	}
	page := state.ListNotifications("bob", 1, 2)
	if page.TotalPages != 2 || page.Items[0].Title != "n3" || page.Items[1].Title != "n2" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	if _, err := state.MarkRead("bob", ids[0]); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if _, err := state.MarkRead("alice", ids[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another inbox, got %v", err)
	}
	changed := state.MarkAllRead("bob")
	if len(changed) != 2 {
		t.Fatalf("expected two changed records, got %d", len(changed))
	}
	if again := state.MarkAllRead("bob"); len(again) != 0 {
		t.Fatalf("expected nothing left to mark, got %d", len(again))
	}
	if _, err := state.AddNotification(notify.Notification{IdentityID: "bob"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput without title, got %v", err)
	}
}

func TestLoadAndApplySeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	fixture := `rooms:
  - id: general
    messages:
      - author: bob
        body: second
        at: 2024-01-01T10:05:00Z
      - author: alice
        body: first
        at: 2024-01-01T10:00:00Z
      - author: carol
        body: untimed
notifications:
  - identity: alice
    title: Welcome
  - identity: alice
    kind: digest
    title: Old news
    read: true
`
	if err := os.WriteFile(path, []byte(fixture), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	seed, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	state, _ := newTestState()
	if err := state.ApplySeed(seed); err != nil {
		t.Fatalf("apply seed: %v", err)
	}
	page := state.ListMessages("general", 1, 10)
	var got []string
	for _, m := range page.Items {
		got = append(got, m.Body)
	}
	// The untimed message is stamped with the fake clock, which predates the fixture times.
	if len(got) != 3 || got[0] != "untimed" || got[1] != "first" || got[2] != "second" {
		t.Fatalf("unexpected seeded order: %v", got)
	}
	inbox := state.ListNotifications("alice", 1, 10)
	if len(inbox.Items) != 2 {
		t.Fatalf("expected two seeded notifications, got %d", len(inbox.Items))
	}
	unread := 0
	for _, n := range inbox.Items {
		if !n.Read {
			unread++
		}
	}
	if unread != 1 {
		t.Fatalf("expected one unread seeded notification, got %d", unread)
	}

	if err := state.ApplySeed(Seed{Rooms: []SeedRoom{{ID: "x", Messages: []SeedMessage{{Author: "a"}}}}}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid seed to be rejected, got %v", err)
	}
}
