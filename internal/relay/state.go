package relay

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/agentworkforce/relaysync/internal/chat"
	"github.com/agentworkforce/relaysync/internal/clock"
	"github.com/agentworkforce/relaysync/internal/notify"
	"github.com/agentworkforce/relaysync/internal/syncer"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
)

const (
	KindMention = "mention"
	KindReply   = "reply"
)

var mentionPattern = regexp.MustCompile(`(?:^|\s)@([A-Za-z0-9_.-]+)`)

// State is the relay's authoritative in-memory record of rooms and
// notification inboxes. Records are kept oldest first.
type State struct {
	clock clock.Clock

	mu    sync.Mutex
	rooms map[string]*roomLog
	inbox map[string][]notify.Notification
}

type roomLog struct {
	messages []chat.Message
	// author + "\x00" + clientTempId -> message id, for idempotent creates
	drafts map[string]string
}

type CreateResult struct {
	Message chat.Message
	// Created is false when the draft was already accepted earlier.
	Created       bool
	Notifications []notify.Notification
}

func NewState(c clock.Clock) *State {
	return &State{
		clock: clock.OrReal(c),
		rooms: map[string]*roomLog{},
		inbox: map[string][]notify.Notification{},
	}
}

func (s *State) newIDLocked() string {
	id, err := ksuid.NewRandomWithTime(s.clock.Now())
	if err != nil {
		return ksuid.New().String()
	}
	return id.String()
}

func (s *State) roomLocked(roomID string) *roomLog {
	room, ok := s.rooms[roomID]
	if !ok {
		room = &roomLog{drafts: map[string]string{}}
		s.rooms[roomID] = room
	}
	return room
}

func (r *roomLog) indexOf(id string) int {
	for i, msg := range r.messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

// pageWindow returns the bounds of page (1-based) counted back from the
// newest end of a slice of n oldest-first records.
func pageWindow(n, page, limit int) (start, end, totalPages int) {
	if limit <= 0 {
		limit = 20
	}
	if page < 1 {
		page = 1
	}
	totalPages = (n + limit - 1) / limit
	end = n - (page-1)*limit
	if end <= 0 {
		return 0, 0, totalPages
	}
	start = end - limit
	if start < 0 {
		start = 0
	}
	return start, end, totalPages
}

// ListMessages returns page (1 = newest) of roomID's messages in
// chronological order.
func (s *State) ListMessages(roomID string, page, limit int) syncer.Page[chat.Message] {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return syncer.Page[chat.Message]{Items: []chat.Message{}}
	}
	start, end, total := pageWindow(len(room.messages), page, limit)
	return syncer.Page[chat.Message]{
		Items:      append([]chat.Message{}, room.messages[start:end]...),
		TotalPages: total,
	}
}

func (s *State) CreateMessage(roomID, authorID string, draft chat.Draft) (CreateResult, error) {
	roomID = strings.TrimSpace(roomID)
	authorID = strings.TrimSpace(authorID)
	body := strings.TrimSpace(draft.Body)
	if roomID == "" || authorID == "" || body == "" {
		return CreateResult{}, fmt.Errorf("%w: room, author and body are required", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room := s.roomLocked(roomID)

	draftKey := ""
	if tempID := strings.TrimSpace(draft.ClientTempID); tempID != "" {
		draftKey = authorID + "\x00" + tempID
		if id, ok := room.drafts[draftKey]; ok {
			if idx := room.indexOf(id); idx >= 0 {
				return CreateResult{Message: room.messages[idx]}, nil
			}
		}
	}

	msg := chat.Message{
		ID:           s.newIDLocked(),
		ClientTempID: strings.TrimSpace(draft.ClientTempID),
		RoomID:       roomID,
		AuthorID:     authorID,
		Body:         body,
		CreatedAt:    s.clock.Now().UTC(),
		ReplyToID:    strings.TrimSpace(draft.ReplyToID),
	}
	room.messages = append(room.messages, msg)
	if draftKey != "" {
		room.drafts[draftKey] = msg.ID
	}

	result := CreateResult{Message: msg, Created: true}
	notified := map[string]bool{authorID: true}
	if msg.ReplyToID != "" {
		if idx := room.indexOf(msg.ReplyToID); idx >= 0 {
			parent := room.messages[idx]
			if !notified[parent.AuthorID] {
				notified[parent.AuthorID] = true
				result.Notifications = append(result.Notifications, s.addLocked(notify.Notification{
					IdentityID: parent.AuthorID,
					Kind:       KindReply,
					Title:      authorID + " replied to you in " + roomID,
					Body:       body,
					Link:       messageLink(roomID, msg.ID),
				}))
			}
		}
	}
	for _, match := range mentionPattern.FindAllStringSubmatch(body, -1) {
		target := match[1]
		if notified[target] {
			continue
		}
		notified[target] = true
		result.Notifications = append(result.Notifications, s.addLocked(notify.Notification{
			IdentityID: target,
			Kind:       KindMention,
			Title:      authorID + " mentioned you in " + roomID,
			Body:       body,
			Link:       messageLink(roomID, msg.ID),
		}))
	}
	return result, nil
}

func messageLink(roomID, id string) string {
	return "/rooms/" + roomID + "/messages/" + id
}

// mutate applies fn to an existing message. Only the author may
// mutate unless anyone is set.
func (s *State) mutate(roomID, userID, id string, anyone bool, fn func(*roomLog, int) (chat.Message, error)) (chat.Message, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(userID) == "" {
		return chat.Message{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return chat.Message{}, ErrNotFound
	}
	idx := room.indexOf(id)
	if idx < 0 {
		return chat.Message{}, ErrNotFound
	}
	if !anyone && room.messages[idx].AuthorID != userID {
		return chat.Message{}, ErrForbidden
	}
	return fn(room, idx)
}

func (s *State) EditMessage(roomID, authorID, id, body string) (chat.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return chat.Message{}, fmt.Errorf("%w: body is required", ErrInvalidInput)
	}
	return s.mutate(roomID, authorID, id, false, func(room *roomLog, idx int) (chat.Message, error) {
		msg := room.messages[idx]
		edited := s.clock.Now().UTC()
		msg.Body = body
		msg.EditedAt = &edited
		room.messages[idx] = msg
		return msg, nil
	})
}

func (s *State) DeleteMessage(roomID, authorID, id string) (chat.Message, error) {
	return s.mutate(roomID, authorID, id, false, func(room *roomLog, idx int) (chat.Message, error) {
		msg := room.messages[idx]
		room.messages = append(room.messages[:idx], room.messages[idx+1:]...)
		return msg, nil
	})
}

func (s *State) ToggleReaction(roomID, userID, id, emoji string) (chat.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return chat.Message{}, fmt.Errorf("%w: emoji is required", ErrInvalidInput)
	}
	return s.mutate(roomID, userID, id, true, func(room *roomLog, idx int) (chat.Message, error) {
		msg := room.messages[idx].WithReaction(emoji, userID)
		room.messages[idx] = msg
		return msg, nil
	})
}

// ListNotifications returns page (1 = newest) of identityID's inbox, newest
// first.
func (s *State) ListNotifications(identityID string, page, limit int) syncer.Page[notify.Notification] {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.inbox[identityID]
	start, end, total := pageWindow(len(items), page, limit)
	out := make([]notify.Notification, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, items[i])
	}
	return syncer.Page[notify.Notification]{Items: out, TotalPages: total}
}

func (s *State) AddNotification(n notify.Notification) (notify.Notification, error) {
	n.IdentityID = strings.TrimSpace(n.IdentityID)
	if n.IdentityID == "" || strings.TrimSpace(n.Title) == "" {
		return notify.Notification{}, fmt.Errorf("%w: identityId and title are required", ErrInvalidInput)
	}
	if strings.TrimSpace(n.Kind) == "" {
		n.Kind = "system"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(n), nil
}

func (s *State) addLocked(n notify.Notification) notify.Notification {
	n.ID = s.newIDLocked()
	n.ClientTempID = ""
	n.Status = ""
	n.CreatedAt = s.clock.Now().UTC()
	s.inbox[n.IdentityID] = append(s.inbox[n.IdentityID], n)
	return n
}

func (s *State) MarkRead(identityID, id string) (notify.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.markReadLocked(identityID, id)
	if !ok {
		return notify.Notification{}, ErrNotFound
	}
	return n, nil
}

func (s *State) markReadLocked(identityID, id string) (notify.Notification, bool) {
	items := s.inbox[identityID]
	for i := range items {
		if items[i].ID == id {
			items[i].Read = true
			return items[i], true
		}
	}
	return notify.Notification{}, false
}

// MarkAllRead marks the whole inbox read and returns the records that
// changed.
func (s *State) MarkAllRead(identityID string) []notify.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []notify.Notification
	items := s.inbox[identityID]
	for i := range items {
		if !items[i].Read {
			items[i].Read = true
			changed = append(changed, items[i])
		}
	}
	return changed
}

// appendMessageLocked inserts a fixture message without notification
// fan-out.
func (s *State) appendMessageLocked(roomID, authorID, body string, at time.Time) chat.Message {
	if at.IsZero() {
		at = s.clock.Now()
	}
	id, err := ksuid.NewRandomWithTime(at)
	if err != nil {
		id = ksuid.New()
	}
	msg := chat.Message{
		ID:        id.String(),
		RoomID:    roomID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: at.UTC(),
	}
	room := s.roomLocked(roomID)
	room.messages = append(room.messages, msg)
	return msg
}
