package chat

import (
	"sort"
	"time"

	"github.com/agentworkforce/relaysync/internal/syncer"
)

// Message is one chat record. Records are values; the With methods return
// copies so snapshots handed to subscribers never change underneath them.
type Message struct {
	ID           string              `json:"id,omitempty"`
	ClientTempID string              `json:"clientTempId,omitempty"`
	RoomID       string              `json:"roomId"`
	AuthorID     string              `json:"authorId"`
	Body         string              `json:"body"`
	CreatedAt    time.Time           `json:"createdAt"`
	EditedAt     *time.Time          `json:"editedAt,omitempty"`
	Status       syncer.Status       `json:"status,omitempty"`
	Reactions    map[string][]string `json:"reactions,omitempty"`
	ReplyToID    string              `json:"replyToId,omitempty"`
}

func (m Message) Key() string               { return m.ID }
func (m Message) TempKey() string           { return m.ClientTempID }
func (m Message) SyncStatus() syncer.Status { return m.Status }

func (m Message) WithTempKey(tempID string) Message {
	m.ClientTempID = tempID
	return m
}

func (m Message) WithStatus(status syncer.Status) Message {
	m.Status = status
	return m
}

// WithReaction toggles userID's emoji reaction.
func (m Message) WithReaction(emoji, userID string) Message {
	reactions := make(map[string][]string, len(m.Reactions)+1)
	for k, holders := range m.Reactions {
		reactions[k] = append([]string(nil), holders...)
	}
	holders := reactions[emoji]
	idx := -1
	for i, h := range holders {
		if h == userID {
			idx = i
			break
		}
	}
	if idx >= 0 {
		holders = append(holders[:idx], holders[idx+1:]...)
	} else {
		holders = append(holders, userID)
		sort.Strings(holders)
	}
	if len(holders) == 0 {
		delete(reactions, emoji)
	} else {
		reactions[emoji] = holders
	}
	if len(reactions) == 0 {
		reactions = nil
	}
	m.Reactions = reactions
	return m
}

func (m Message) ReactionCount(emoji string) int {
	return len(m.Reactions[emoji])
}

func (m Message) ReactedBy(emoji, userID string) bool {
	for _, h := range m.Reactions[emoji] {
		if h == userID {
			return true
		}
	}
	return false
}

// Typing is the payload of a typing envelope.
type Typing struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// Draft is what a create request carries.
type Draft struct {
	ClientTempID string `json:"clientTempId"`
	Body         string `json:"body"`
	ReplyToID    string `json:"replyToId,omitempty"`
}

func byCreatedAt(a, b Message) bool {
	return a.CreatedAt.Before(b.CreatedAt)
}
