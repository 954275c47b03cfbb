package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/syncer"
	"github.com/agentworkforce/relaysync/internal/transport"
)

const (
	DefaultTypingTimeout = 3 * time.Second
	previewLength        = 80
)

var (
	ErrEmptyBody    = errors.New("message body is empty")
	ErrNotConfirmed = errors.New("message has no server id yet")
)

// API is the request/response side of a room: history pages and mutations.
type API interface {
	ListMessages(ctx context.Context, roomID string, page, limit int) (syncer.Page[Message], error)
	CreateMessage(ctx context.Context, roomID string, draft Draft) (Message, error)
	EditMessage(ctx context.Context, roomID, id, body string) (Message, error)
	DeleteMessage(ctx context.Context, roomID, id string) error
	ToggleReaction(ctx context.Context, roomID, id, emoji string) (Message, error)
}

type Options struct {
	RoomID        string
	UserID        string
	API           API
	Transport     syncer.Transport
	Clock         clock.Clock
	Logger        *zerolog.Logger
	PageSize      int
	TypingTimeout time.Duration
}

// Preview is the quoted line shown above a reply. Missing is set when the
// referenced message is not loaded or no longer exists.
type Preview struct {
	ID       string
	AuthorID string
	Excerpt  string
	Missing  bool
}

type typist struct {
	timer clock.Timer
	seq   uint64
}

// Room synchronizes one conversation room.
type Room struct {
	roomID        string
	userID        string
	api           API
	transport     syncer.Transport
	clock         clock.Clock
	logger        zerolog.Logger
	typingTimeout time.Duration
	engine        *syncer.Engine[Message]
	unsubscribe   func()

	mu         sync.Mutex
	typists    map[string]typist
	typingSeq  uint64
	nextSub    uint64
	typingSubs map[uint64]func([]string)
	disposed   bool
}

func NewRoom(opts Options) (*Room, error) {
	roomID := strings.TrimSpace(opts.RoomID)
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	if opts.API == nil {
		return nil, fmt.Errorf("api is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = DefaultTypingTimeout
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("component", "chat").Str("room_id", roomID).Logger()

	r := &Room{
		roomID:        roomID,
		userID:        opts.UserID,
		api:           opts.API,
		transport:     opts.Transport,
		clock:         clock.OrReal(opts.Clock),
		logger:        logger,
		typingTimeout: opts.TypingTimeout,
		typists:       map[string]typist{},
		typingSubs:    map[uint64]func([]string){},
	}
	engine, err := syncer.New[Message](syncer.Options[Message]{
		Name: "chat:" + roomID,
		Fetcher: syncer.FetchFunc[Message](func(ctx context.Context, page, limit int) (syncer.Page[Message], error) {
			return r.api.ListMessages(ctx, r.roomID, page, limit)
		}),
		PageSize: opts.PageSize,
		Less:     byCreatedAt,
		Logger:   &logger,
		Accept: func(m Message) bool {
			return m.RoomID == "" || m.RoomID == roomID
		},
	})
	if err != nil {
		return nil, err
	}
	r.engine = engine
	r.unsubscribe = opts.Transport.Subscribe(roomID, r.handle)
	return r, nil
}

func (r *Room) ID() string {
	return r.roomID
}

func (r *Room) handle(env transport.Envelope) {
	switch env.Type {
	case transport.TypeTyping:
		var t Typing
		if err := env.Decode(&t); err != nil {
			r.logger.Warn().Err(err).Msg("decode typing envelope")
			return
		}
		if t.RoomID != "" && t.RoomID != r.roomID {
			return
		}
		r.markTyping(t.UserID)
	case transport.TypeNewItem, transport.TypeUpdateItem, transport.TypeDeleteItem:
		change, _ := r.engine.HandleEnvelope(env)
		if env.Type != transport.TypeNewItem {
			return
		}
		// A message from a typist ends their typing indicator.
		switch change.Kind {
		case syncer.ChangeInserted, syncer.ChangeReconciled:
			r.clearTyping(change.After.AuthorID, 0)
		case syncer.ChangeDuplicate:
			r.clearTyping(change.Before.AuthorID, 0)
		}
	}
}

func (r *Room) FetchPage(ctx context.Context, page int) error {
	return r.engine.FetchPage(ctx, page)
}

func (r *Room) LoadMore(ctx context.Context) error {
	return r.engine.LoadMore(ctx)
}

func (r *Room) Send(ctx context.Context, body string) (*syncer.Op[Message], error) {
	return r.Reply(ctx, "", body)
}

// Reply sends a message that refers to replyToID. The target does not have
// to be loaded.
func (r *Room) Reply(ctx context.Context, replyToID, body string) (*syncer.Op[Message], error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyBody
	}
	draft := Message{
		RoomID:    r.roomID,
		AuthorID:  r.userID,
		Body:      body,
		CreatedAt: r.clock.Now().UTC(),
		ReplyToID: replyToID,
	}
	return r.engine.Submit(ctx, draft, r.create(body, replyToID)), nil
}

func (r *Room) create(body, replyToID string) syncer.CreateFunc[Message] {
	return func(ctx context.Context, tempID string) (Message, error) {
		return r.api.CreateMessage(ctx, r.roomID, Draft{ClientTempID: tempID, Body: body, ReplyToID: replyToID})
	}
}

// Retry resends a message whose create failed.
func (r *Room) Retry(ctx context.Context, tempID string) (*syncer.Op[Message], error) {
	msg, ok := r.engine.LookupKey(tempID)
	if !ok || msg.ID != "" {
		return nil, syncer.ErrNotFound
	}
	return r.engine.Resubmit(ctx, tempID, r.create(msg.Body, msg.ReplyToID)), nil
}

// Discard drops a failed local message.
func (r *Room) Discard(tempID string) bool {
	return r.engine.Discard(tempID)
}

func (r *Room) Edit(ctx context.Context, id, body string) (*syncer.Op[Message], error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, ErrEmptyBody
	}
	if err := r.confirmed(id); err != nil {
		return nil, err
	}
	apply := func(m Message) Message {
		now := r.clock.Now().UTC()
		m.Body = body
		m.EditedAt = &now
		return m
	}
	request := func(ctx context.Context) (Message, error) {
		return r.api.EditMessage(ctx, r.roomID, id, body)
	}
	return r.engine.Mutate(ctx, "edit", id, apply, request), nil
}

func (r *Room) Delete(ctx context.Context, id string) (*syncer.Op[Message], error) {
	if err := r.confirmed(id); err != nil {
		return nil, err
	}
	return r.engine.Remove(ctx, id, func(ctx context.Context) error {
		return r.api.DeleteMessage(ctx, r.roomID, id)
	}), nil
}

// React toggles the current user's emoji reaction on message id.
func (r *Room) React(ctx context.Context, id, emoji string) (*syncer.Op[Message], error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, fmt.Errorf("emoji is required")
	}
	if err := r.confirmed(id); err != nil {
		return nil, err
	}
	apply := func(m Message) Message {
		return m.WithReaction(emoji, r.userID)
	}
	request := func(ctx context.Context) (Message, error) {
		return r.api.ToggleReaction(ctx, r.roomID, id, emoji)
	}
	return r.engine.Mutate(ctx, "react", id, apply, request), nil
}

func (r *Room) confirmed(id string) error {
	msg, ok := r.engine.LookupKey(id)
	if !ok {
		return syncer.ErrNotFound
	}
	if msg.ID == "" {
		return ErrNotConfirmed
	}
	return nil
}

// SendTyping announces that the current user is typing. It reports false
// when the transport is not connected; nothing is queued.
func (r *Room) SendTyping(ctx context.Context) bool {
	env, err := transport.NewEnvelope(transport.TypeTyping, r.roomID, Typing{RoomID: r.roomID, UserID: r.userID})
	if err != nil {
		r.logger.Error().Err(err).Msg("build typing envelope")
		return false
	}
	return r.transport.Send(ctx, env)
}

func (r *Room) markTyping(userID string) {
	if userID == "" || userID == r.userID {
		return
	}
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	if prev, ok := r.typists[userID]; ok {
		prev.timer.Stop()
	}
	r.typingSeq++
	seq := r.typingSeq
	timer := r.clock.AfterFunc(r.typingTimeout, func() {
		r.clearTyping(userID, seq)
	})
	r.typists[userID] = typist{timer: timer, seq: seq}
	names, subs := r.typingLocked()
	r.mu.Unlock()
	for _, fn := range subs {
		fn(names)
	}
}

// clearTyping removes userID's flag. A non-zero seq only clears the flag set
// by that particular signal.
func (r *Room) clearTyping(userID string, seq uint64) {
	r.mu.Lock()
	cur, ok := r.typists[userID]
	if r.disposed || !ok || (seq != 0 && cur.seq != seq) {
		r.mu.Unlock()
		return
	}
	cur.timer.Stop()
	delete(r.typists, userID)
	names, subs := r.typingLocked()
	r.mu.Unlock()
	for _, fn := range subs {
		fn(names)
	}
}

func (r *Room) typingLocked() ([]string, []func([]string)) {
	names := make([]string, 0, len(r.typists))
	for name := range r.typists {
		names = append(names, name)
	}
	sort.Strings(names)
	ids := make([]uint64, 0, len(r.typingSubs))
	for id := range r.typingSubs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]func([]string), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, r.typingSubs[id])
	}
	return names, subs
}

// Typing lists users currently typing, sorted.
func (r *Room) Typing() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names, _ := r.typingLocked()
	return names
}

func (r *Room) SubscribeTyping(fn func([]string)) func() {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return func() {}
	}
	r.nextSub++
	id := r.nextSub
	r.typingSubs[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.typingSubs, id)
		r.mu.Unlock()
	}
}

// ReplyPreview resolves replyToID against the loaded messages. The bool is
// false when replyToID is empty.
func (r *Room) ReplyPreview(replyToID string) (Preview, bool) {
	if replyToID == "" {
		return Preview{}, false
	}
	msg, ok := r.engine.Lookup(replyToID)
	if !ok {
		return Preview{ID: replyToID, Excerpt: "original message unavailable", Missing: true}, true
	}
	return Preview{ID: msg.ID, AuthorID: msg.AuthorID, Excerpt: excerpt(msg.Body, previewLength)}, true
}

func excerpt(body string, limit int) string {
	body = strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(body) <= limit {
		return body
	}
	runes := []rune(body)
	return string(runes[:limit-1]) + "…"
}

func (r *Room) Lookup(id string) (Message, bool) {
	return r.engine.LookupKey(id)
}

func (r *Room) Snapshot() syncer.Snapshot[Message] {
	return r.engine.Snapshot()
}

func (r *Room) Subscribe(fn func(syncer.Snapshot[Message])) func() {
	return r.engine.Subscribe(fn)
}

func (r *Room) Connection() transport.Connection {
	return r.transport.Connection()
}

// Dispose detaches the room from its transport, clears typing state and
// disposes the collection. It does not close the shared transport.
func (r *Room) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	for _, t := range r.typists {
		t.timer.Stop()
	}
	r.typists = map[string]typist{}
	r.typingSubs = map[uint64]func([]string){}
	r.mu.Unlock()
	r.unsubscribe()
	r.engine.Dispose()
}
