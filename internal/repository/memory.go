package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"coderoom/internal/models"

	"github.com/segmentio/ksuid"
)

/*
IN-MEMORY STORES

Used when no database is configured and in tests. Rooms live only while
they have members: the hub calls ForgetRoom when the last one leaves, so a
server without Postgres never accumulates dead rooms.
*/

// MemoryFileStore keeps room files in process memory. It is used when the
// database is disabled and in tests.
type MemoryFileStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*models.RoomFile
}

// NewMemoryFileStore creates an empty store
func NewMemoryFileStore() *MemoryFileStore {
	return &MemoryFileStore{rooms: make(map[string]map[string]*models.RoomFile)}
}

func (s *MemoryFileStore) EnsureFile(_ context.Context, roomID, path, kind string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := s.room(roomID)
	if _, ok := files[path]; ok {
		return false, nil
	}
	now := time.Now()
	files[path] = &models.RoomFile{
		ID:        ksuid.New().String(),
		RoomID:    roomID,
		Path:      path,
		Type:      kind,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return true, nil
}

func (s *MemoryFileStore) SaveContent(ctx context.Context, roomID, path, content string) error {
	if _, err := s.EnsureFile(ctx, roomID, path, "file"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.rooms[roomID][path]
	f.Content = content
	f.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryFileStore) GetContent(_ context.Context, roomID, path string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.rooms[roomID][path]
	if !ok {
		return "", false, nil
	}
	return f.Content, true, nil
}

func (s *MemoryFileStore) List(_ context.Context, roomID string) ([]*models.RoomFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.RoomFile, 0, len(s.rooms[roomID]))
	for _, f := range s.rooms[roomID] {
		cp := *f
		cp.Content = ""
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ForgetRoom drops everything stored for roomID.
func (s *MemoryFileStore) ForgetRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}

// room must be called with mu held.
func (s *MemoryFileStore) room(roomID string) map[string]*models.RoomFile {
	files, ok := s.rooms[roomID]
	if !ok {
		files = make(map[string]*models.RoomFile)
		s.rooms[roomID] = files
	}
	return files
}

// MemoryChatStore keeps room chat in process memory.
type MemoryChatStore struct {
	mu    sync.RWMutex
	rooms map[string][]*models.ChatMessage
	now   func() time.Time
}

// NewMemoryChatStore creates an empty store
func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{rooms: make(map[string][]*models.ChatMessage), now: time.Now}
}

func (s *MemoryChatStore) Append(_ context.Context, msg *models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = ksuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	cp := *msg
	s.rooms[msg.RoomID] = append(s.rooms[msg.RoomID], &cp)
	return nil
}

func (s *MemoryChatStore) History(_ context.Context, roomID string, limit int) ([]*models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.rooms[roomID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*models.ChatMessage, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

// ForgetRoom drops the chat of roomID.
func (s *MemoryChatStore) ForgetRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}
