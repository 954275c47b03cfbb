// Package bookmarks keeps the bookmarked message ids of each identity. It is
// a companion cache next to the sync core: the relay serves it over REST and
// the core never reads or writes it.
package bookmarks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type Store interface {
	List(ctx context.Context, identityID string) ([]string, error)
	Add(ctx context.Context, identityID, messageID string) error
	Remove(ctx context.Context, identityID, messageID string) error
	Close() error
}

func validate(identityID, messageID string) error {
	if strings.TrimSpace(identityID) == "" || strings.TrimSpace(messageID) == "" {
		return ErrInvalidInput
	}
	return nil
}

type MemoryStore struct {
	mu  sync.Mutex
	ids map[string]map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: map[string]map[string]struct{}{}}
}

func (s *MemoryStore) List(_ context.Context, identityID string) ([]string, error) {
	if strings.TrimSpace(identityID) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedIDs(s.ids[identityID]), nil
}

func (s *MemoryStore) Add(_ context.Context, identityID, messageID string) error {
	if err := validate(identityID, messageID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.ids[identityID]
	if !ok {
		set = map[string]struct{}{}
		s.ids[identityID] = set
	}
	set[messageID] = struct{}{}
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, identityID, messageID string) error {
	if err := validate(identityID, messageID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids[identityID], messageID)
	if len(s.ids[identityID]) == 0 {
		delete(s.ids, identityID)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// FileStore persists every identity's set into one JSON document, rewritten
// through a temp file and rename on each change.
type FileStore struct {
	Path string

	mu sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: strings.TrimSpace(path)}
}

func (s *FileStore) load() (map[string][]string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string][]string{}, nil
		}
		return nil, err
	}
	doc := map[string][]string{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *FileStore) save(doc map[string][]string) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func (s *FileStore) List(_ context.Context, identityID string) ([]string, error) {
	if strings.TrimSpace(identityID) == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return append([]string{}, doc[identityID]...), nil
}

func (s *FileStore) Add(_ context.Context, identityID, messageID string) error {
	return s.update(identityID, messageID, func(set map[string]struct{}) {
		set[messageID] = struct{}{}
	})
}

func (s *FileStore) Remove(_ context.Context, identityID, messageID string) error {
	return s.update(identityID, messageID, func(set map[string]struct{}) {
		delete(set, messageID)
	})
}

func (s *FileStore) update(identityID, messageID string, fn func(map[string]struct{})) error {
	if err := validate(identityID, messageID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	set := map[string]struct{}{}
	for _, id := range doc[identityID] {
		set[id] = struct{}{}
	}
	fn(set)
	if len(set) == 0 {
		delete(doc, identityID)
	} else {
		doc[identityID] = sortedIDs(set)
	}
	return s.save(doc)
}

func (s *FileStore) Close() error {
	return nil
}

func sortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
