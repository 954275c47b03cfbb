package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/chat"
	"github.com/agentworkforce/relaysync/internal/notify"
	"github.com/agentworkforce/relaysync/internal/syncer"
	"github.com/agentworkforce/relaysync/internal/transport"
)

type bookmarkAPI interface {
	ListBookmarks(ctx context.Context) ([]string, error)
	AddBookmark(ctx context.Context, messageID string) error
	RemoveBookmark(ctx context.Context, messageID string) error
}

type sessionAPI interface {
	chat.API
	notify.API
	bookmarkAPI
}

type sessionTransport interface {
	syncer.Transport
	Reconnect(ctx context.Context) transport.Connection
	Watch(fn func(transport.Connection)) func()
}

type sessionOptions struct {
	Identity  string
	Rooms     []string
	PageSize  int
	API       sessionAPI
	Transport sessionTransport
	Logger    *zerolog.Logger
	Out       io.Writer
}

// session is one signed-in terminal: a room per joined channel, the inbox
// and the shared push connection.
type session struct {
	identity  string
	api       sessionAPI
	transport sessionTransport
	rooms     map[string]*chat.Room
	roomOrder []string
	feed      *notify.Feed

	outMu sync.Mutex
	out   io.Writer

	mu      sync.Mutex
	current string
	unread  int
	latest  map[string]string
	unsubs  []func()
}

var errUsage = errors.New("usage")

func newSession(opts sessionOptions) (*session, error) {
	if len(opts.Rooms) == 0 {
		return nil, errors.New("at least one room is required")
	}
	s := &session{
		identity:  opts.Identity,
		api:       opts.API,
		transport: opts.Transport,
		rooms:     map[string]*chat.Room{},
		out:       opts.Out,
		current:   opts.Rooms[0],
		unread:    -1,
		latest:    map[string]string{},
	}
	for _, roomID := range opts.Rooms {
		room, err := chat.NewRoom(chat.Options{
			RoomID:    roomID,
			UserID:    opts.Identity,
			API:       opts.API,
			Transport: opts.Transport,
			Logger:    opts.Logger,
			PageSize:  opts.PageSize,
		})
		if err != nil {
			s.close()
			return nil, err
		}
		s.rooms[roomID] = room
		s.roomOrder = append(s.roomOrder, roomID)
		id := roomID
		s.unsubs = append(s.unsubs,
			room.Subscribe(func(snap syncer.Snapshot[chat.Message]) { s.renderLatest(id, room, snap) }),
			room.SubscribeTyping(func(names []string) { s.renderTyping(id, names) }),
		)
	}
	feed, err := notify.NewFeed(notify.Options{
		IdentityID: opts.Identity,
		API:        opts.API,
		Transport:  opts.Transport,
		Logger:     opts.Logger,
		PageSize:   opts.PageSize,
	})
	if err != nil {
		s.close()
		return nil, err
	}
	s.feed = feed
	s.unsubs = append(s.unsubs,
		feed.Subscribe(s.renderUnread),
		opts.Transport.Watch(func(c transport.Connection) {
			if c.LastError != nil && c.State != transport.StateConnected {
				s.printf("* %s (attempt %d): %v", c.State, c.Attempts, c.LastError)
				return
			}
			s.printf("* %s", c.State)
		}),
	)
	return s, nil
}

func (s *session) close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
	for _, room := range s.rooms {
		room.Dispose()
	}
	if s.feed != nil {
		s.feed.Dispose()
	}
}

func (s *session) printf(format string, args ...any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *session) currentRoom() *chat.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[s.current]
}

func (s *session) initialFetch(ctx context.Context) {
	for _, id := range s.roomOrder {
		if err := s.rooms[id].FetchPage(ctx, 1); err != nil {
			s.printf("! [%s] fetch: %v", id, err)
		}
	}
	if err := s.feed.FetchPage(ctx, 1); err != nil {
		s.printf("! inbox fetch: %v", err)
	}
}

func (s *session) autoRefresh(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.feed.AutoRefresh(ctx, false); err != nil && ctx.Err() == nil {
				s.printf("! inbox refresh: %v", err)
			}
		}
	}
}

// readCommands executes one line at a time until EOF, /quit or ctx ends.
func (s *session) readCommands(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			quit, err := s.execute(ctx, line)
			if err != nil {
				s.printf("! %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

type command struct {
	name string
	// arg is the first word after the command; text is everything after it.
	arg  string
	text string
}

func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{name: "send", text: line}
	}
	name, rest := splitFirst(line[1:])
	arg, text := splitFirst(rest)
	return command{name: strings.ToLower(name), arg: arg, text: text}
}

func splitFirst(s string) (string, string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

func (s *session) execute(ctx context.Context, line string) (bool, error) {
	cmd := parseCommand(line)
	room := s.currentRoom()
	switch cmd.name {
	case "send":
		if cmd.text == "" {
			return false, nil
		}
		op, err := room.Send(ctx, cmd.text)
		if err != nil {
			return false, err
		}
		watchOp(ctx, s, "send", op)
	case "reply":
		if cmd.arg == "" || cmd.text == "" {
			return false, fmt.Errorf("%w: /reply <id> <text>", errUsage)
		}
		op, err := room.Reply(ctx, cmd.arg, cmd.text)
		if err != nil {
			return false, err
		}
		watchOp(ctx, s, "reply", op)
	case "edit":
		if cmd.arg == "" || cmd.text == "" {
			return false, fmt.Errorf("%w: /edit <id> <text>", errUsage)
		}
		op, err := room.Edit(ctx, cmd.arg, cmd.text)
		if err != nil {
			return false, err
		}
		watchOp(ctx, s, "edit", op)
	case "delete":
		if cmd.arg == "" {
			return false, fmt.Errorf("%w: /delete <id>", errUsage)
		}
		op, err := room.Delete(ctx, cmd.arg)
		if err != nil {
			return false, err
		}
		watchOp(ctx, s, "delete", op)
	case "react":
		if cmd.arg == "" || cmd.text == "" {
			return false, fmt.Errorf("%w: /react <id> <emoji>", errUsage)
		}
		op, err := room.React(ctx, cmd.arg, cmd.text)
		if err != nil {
			return false, err
		}
		watchOp(ctx, s, "react", op)
	case "retry":
		op, err := room.Retry(ctx, cmd.arg)
		if err != nil {
			return false, err
		}
		watchOp(ctx, s, "retry", op)
	case "discard":
		if !room.Discard(cmd.arg) {
			return false, fmt.Errorf("no unsent message %q", cmd.arg)
		}
	case "typing":
		if !room.SendTyping(ctx) {
			return false, errors.New("not connected")
		}
	case "preview":
		preview, ok := room.ReplyPreview(cmd.arg)
		if !ok {
			return false, fmt.Errorf("%w: /preview <id>", errUsage)
		}
		s.printf("%s", formatPreview(preview))
	case "history":
		for _, m := range room.Snapshot().Items {
			s.printf("%s", s.formatMessage(room, m))
		}
	case "more":
		if err := room.LoadMore(ctx); err != nil {
			return false, err
		}
	case "rooms":
		s.mu.Lock()
		current := s.current
		s.mu.Unlock()
		for _, id := range s.roomOrder {
			marker := " "
			if id == current {
				marker = "*"
			}
			s.printf("%s %s", marker, id)
		}
	case "room":
		s.mu.Lock()
		_, ok := s.rooms[cmd.arg]
		if ok {
			s.current = cmd.arg
		}
		s.mu.Unlock()
		if !ok {
			return false, fmt.Errorf("not joined to %q", cmd.arg)
		}
		s.printf("* now in %s", cmd.arg)
	case "inbox":
		snap := s.feed.Snapshot()
		for _, n := range snap.Items {
			s.printf("%s", formatNotification(n))
		}
		s.printf("* %d unread", snap.Unread)
	case "older":
		if err := s.feed.LoadMore(ctx); err != nil {
			return false, err
		}
	case "read":
		op, err := s.feed.MarkAsRead(ctx, cmd.arg)
		if err != nil {
			return false, err
		}
		watchOp(ctx, s, "read", op)
	case "readall":
		watchErr(ctx, s, "read all", s.feed.MarkAllAsRead(ctx))
	case "refresh":
		watchErr(ctx, s, "refresh", s.feed.Refresh(ctx))
	case "bookmarks":
		ids, err := s.api.ListBookmarks(ctx)
		if err != nil {
			return false, err
		}
		if len(ids) == 0 {
			s.printf("* no bookmarks")
		}
		for _, id := range ids {
			s.printf("* bookmark %s", id)
		}
	case "bookmark":
		if cmd.arg == "" {
			return false, fmt.Errorf("%w: /bookmark <id>", errUsage)
		}
		return false, s.api.AddBookmark(ctx, cmd.arg)
	case "unbookmark":
		if cmd.arg == "" {
			return false, fmt.Errorf("%w: /unbookmark <id>", errUsage)
		}
		return false, s.api.RemoveBookmark(ctx, cmd.arg)
	case "reconnect":
		c := s.transport.Reconnect(ctx)
		if c.LastError != nil {
			return false, c.LastError
		}
	case "status":
		c := s.transport.Connection()
		s.printf("* %s, %d unread, room %s", c.State, s.feed.UnreadCount(), room.ID())
	case "help":
		s.printf("%s", helpText)
	case "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", cmd.name)
	}
	return false, nil
}

const helpText = `text               send to the current room
/reply <id> <text> reply to a message
/edit <id> <text>  edit your message
/delete <id>       delete your message
/react <id> <e>    toggle a reaction
/retry <tmp>       resend a failed message
/discard <tmp>     drop a failed message
/typing            announce typing
/preview <id>      show a reply preview
/history /more     show or page back the current room
/rooms /room <id>  list or switch rooms
/inbox /older      show or page back notifications
/read <id>         mark one notification read
/readall /refresh  mark all read, refetch the inbox
/bookmarks /bookmark <id> /unbookmark <id>
/status /reconnect /quit`

func watchOp[T any](ctx context.Context, s *session, label string, op *syncer.Op[T]) {
	go func() {
		if _, err := op.Wait(ctx); err != nil && ctx.Err() == nil {
			s.printf("! %s: %v", label, err)
		}
	}()
}

func watchErr(ctx context.Context, s *session, label string, ch <-chan error) {
	go func() {
		select {
		case err := <-ch:
			if err != nil && !errors.Is(err, notify.ErrSuperseded) {
				s.printf("! %s: %v", label, err)
			}
		case <-ctx.Done():
		}
	}()
}

// renderLatest prints the newest record of a room whenever it changes.
func (s *session) renderLatest(roomID string, room *chat.Room, snap syncer.Snapshot[chat.Message]) {
	if len(snap.Items) == 0 {
		return
	}
	line := s.formatMessage(room, snap.Items[len(snap.Items)-1])
	s.mu.Lock()
	changed := s.latest[roomID] != line
	s.latest[roomID] = line
	s.mu.Unlock()
	if changed {
		s.printf("[%s] %s", roomID, line)
	}
}

func (s *session) renderTyping(roomID string, names []string) {
	if len(names) == 0 {
		return
	}
	names = append([]string(nil), names...)
	sort.Strings(names)
	s.printf("[%s] %s typing…", roomID, strings.Join(names, ", "))
}

func (s *session) renderUnread(snap notify.Snapshot) {
	s.mu.Lock()
	changed := snap.Unread != s.unread
	s.unread = snap.Unread
	s.mu.Unlock()
	if changed {
		s.printf("* %d unread", snap.Unread)
	}
}

func (s *session) formatMessage(room *chat.Room, m chat.Message) string {
	id := m.ID
	if id == "" {
		id = "~" + m.ClientTempID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s <%s> %s", m.CreatedAt.Local().Format("15:04"), id, m.AuthorID, m.Body)
	if m.EditedAt != nil {
		b.WriteString(" (edited)")
	}
	switch m.Status {
	case syncer.StatusPending, syncer.StatusSent:
		b.WriteString(" …")
	case syncer.StatusError:
		b.WriteString(" [failed]")
	}
	if len(m.Reactions) > 0 {
		emojis := make([]string, 0, len(m.Reactions))
		for emoji := range m.Reactions {
			emojis = append(emojis, emoji)
		}
		sort.Strings(emojis)
		for _, emoji := range emojis {
			fmt.Fprintf(&b, " %s%d", emoji, m.ReactionCount(emoji))
		}
	}
	if room != nil && m.ReplyToID != "" {
		if preview, ok := room.ReplyPreview(m.ReplyToID); ok {
			b.WriteString("\n    ")
			b.WriteString(formatPreview(preview))
		}
	}
	return b.String()
}

func formatPreview(p chat.Preview) string {
	if p.Missing {
		return "↪ " + p.Excerpt
	}
	return fmt.Sprintf("↪ <%s> %s", p.AuthorID, p.Excerpt)
}

func formatNotification(n notify.Notification) string {
	marker := " "
	if !n.Read {
		marker = "●"
	}
	return fmt.Sprintf("%s %s [%s] %s", marker, n.ID, n.Kind, n.Title)
}
