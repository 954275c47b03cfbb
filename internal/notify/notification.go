package notify

import (
	"time"

	"github.com/agentworkforce/relaysync/internal/syncer"
)

type Notification struct {
	ID           string        `json:"id,omitempty"`
	ClientTempID string        `json:"clientTempId,omitempty"`
	IdentityID   string        `json:"identityId"`
	Kind         string        `json:"kind"`
	Title        string        `json:"title"`
	Body         string        `json:"body,omitempty"`
	Link         string        `json:"link,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	Read         bool          `json:"read"`
	Status       syncer.Status `json:"status,omitempty"`
}

func (n Notification) Key() string               { return n.ID }
func (n Notification) TempKey() string           { return n.ClientTempID }
func (n Notification) SyncStatus() syncer.Status { return n.Status }

func (n Notification) WithTempKey(tempID string) Notification {
	n.ClientTempID = tempID
	return n
}

func (n Notification) WithStatus(status syncer.Status) Notification {
	n.Status = status
	return n
}

func countUnread(items []Notification) int {
	n := 0
	for _, item := range items {
		if !item.Read {
			n++
		}
	}
	return n
}
