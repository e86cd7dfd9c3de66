package inbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store for tests and the
// development broker setup.
type MemStore struct {
	mu       sync.RWMutex
	nextID   int64
	messages map[int64]*Message
}

// NewMemStore returns an empty in-memory message store.
func NewMemStore() *MemStore {
	return &MemStore{nextID: 1, messages: map[int64]*Message{}}
}

func cloneMessage(m *Message) *Message {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	if m.ProcessedAt != nil {
		t := *m.ProcessedAt
		c.ProcessedAt = &t
	}
	if m.DeviceID != nil {
		id := *m.DeviceID
		c.DeviceID = &id
	}
	return &c
}

// Create implements Store.
func (s *MemStore) Create(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextID
	s.nextID++
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

// OldestNew implements Store.
func (s *MemStore) OldestNew(ctx context.Context, limit int) ([]*Message, error) {
	return s.list(func(m *Message) bool { return m.State == StateNew }, limit, true)
}

// ListRecent implements Store.
func (s *MemStore) ListRecent(ctx context.Context, limit int) ([]*Message, error) {
	return s.list(func(m *Message) bool { return true }, limit, false)
}

func (s *MemStore) list(match func(*Message) bool, limit int, ascending bool) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := []*Message{}
	for _, m := range s.messages {
		if match(m) {
			result = append(result, cloneMessage(m))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if ascending {
			return result[i].ID < result[j].ID
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MarkProcessed implements Store.
func (s *MemStore) MarkProcessed(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

// MarkDoneBulk implements Store.
func (s *MemStore) MarkDoneBulk(ctx context.Context, ids []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.messages[id]; ok {
			m.State = StateDone
			t := at
			m.ProcessedAt = &t
		}
	}
	return nil
}
