package relay

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaysync/internal/notify"
)

// Seed is a fixture of rooms and inbox entries loaded at relay startup.
type Seed struct {
	Rooms         []SeedRoom         `yaml:"rooms"`
	Notifications []SeedNotification `yaml:"notifications"`
}

type SeedRoom struct {
	ID       string        `yaml:"id"`
	Messages []SeedMessage `yaml:"messages"`
}

type SeedMessage struct {
	Author string    `yaml:"author"`
	Body   string    `yaml:"body"`
	At     time.Time `yaml:"at"`
}

type SeedNotification struct {
	Identity string `yaml:"identity"`
	Kind     string `yaml:"kind"`
	Title    string `yaml:"title"`
	Body     string `yaml:"body"`
	Link     string `yaml:"link"`
	Read     bool   `yaml:"read"`
}

func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, err
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return seed, nil
}

// ApplySeed loads seed into the state. Untimed messages are stamped with
// the current time, then each room is inserted in timestamp order.
func (s *State) ApplySeed(seed Seed) error {
	for _, room := range seed.Rooms {
		if strings.TrimSpace(room.ID) == "" {
			return fmt.Errorf("%w: seed room without id", ErrInvalidInput)
		}
		for _, msg := range room.Messages {
			if strings.TrimSpace(msg.Author) == "" || strings.TrimSpace(msg.Body) == "" {
				return fmt.Errorf("%w: seed message in %s needs author and body", ErrInvalidInput, room.ID)
			}
		}
	}
	for _, n := range seed.Notifications {
		if strings.TrimSpace(n.Identity) == "" || strings.TrimSpace(n.Title) == "" {
			return fmt.Errorf("%w: seed notification needs identity and title", ErrInvalidInput)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range seed.Rooms {
		messages := append([]SeedMessage(nil), room.Messages...)
		now := s.clock.Now()
		for i := range messages {
			if messages[i].At.IsZero() {
				messages[i].At = now
			}
		}
		sort.SliceStable(messages, func(i, j int) bool {
			return messages[i].At.Before(messages[j].At)
		})
		for _, msg := range messages {
			s.appendMessageLocked(strings.TrimSpace(room.ID), strings.TrimSpace(msg.Author), strings.TrimSpace(msg.Body), msg.At)
		}
	}
	for _, n := range seed.Notifications {
		kind := strings.TrimSpace(n.Kind)
		if kind == "" {
			kind = "system"
		}
		added := s.addLocked(notify.Notification{
			IdentityID: strings.TrimSpace(n.Identity),
			Kind:       kind,
			Title:      n.Title,
			Body:       n.Body,
			Link:       n.Link,
		})
		if n.Read {
			s.markReadLocked(added.IdentityID, added.ID)
		}
	}
	return nil
}
