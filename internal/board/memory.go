package board

import (
	"context"
	"sort"
	"sync"
)

type recordKey struct {
	chatID int64
	typ    MessageType
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]Record)}
}

func (s *MemoryStore) Get(_ context.Context, chatID int64, typ MessageType) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{chatID, typ}]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{rec.ChatID, rec.Type}] = rec
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, chatID int64, typ MessageType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, recordKey{chatID, typ})
	return nil
}

func (s *MemoryStore) ChatIDs(context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]struct{})
	var ids []int64
	for k := range s.records {
		if _, ok := seen[k.chatID]; ok {
			continue
		}
		seen[k.chatID] = struct{}{}
		ids = append(ids, k.chatID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
