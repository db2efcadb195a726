package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryLog is a process-local Log for development and tests.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
	now    func() time.Time
}

var _ Log = (*MemoryLog)(nil)

// NewMemoryLog returns an empty log. now stamps CreatedAt; nil uses time.Now.
func NewMemoryLog(now func() time.Time) *MemoryLog {
	if now == nil {
		now = time.Now
	}
	return &MemoryLog{now: now}
}

func (l *MemoryLog) Append(_ context.Context, evt Event) (Event, error) {
	evt, err := prepare(evt)
	if err != nil {
		return Event{}, err
	}
	evt.CreatedAt = l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if evt.Action != ActionBreak {
		for i := range l.events {
			e := &l.events[i]
			if e.ChatID != evt.ChatID || e.UserID != evt.UserID || e.Action == ActionBreak {
				continue
			}
			// A backdated event never supersedes a later one.
			if e.When.After(evt.When) {
				evt.Active = false
				continue
			}
			e.Active = false
		}
	}
	l.events = append(l.events, evt)
	return evt, nil
}

func (l *MemoryLog) Query(_ context.Context, chatID int64, from, to time.Time) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Event
	for _, e := range l.events {
		if e.ChatID == chatID && !e.When.Before(from) && e.When.Before(to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].When.Before(out[j].When) })
	return out, nil
}

func (l *MemoryLog) LatestPerUser(ctx context.Context, chatID int64, from, to time.Time) ([]Event, error) {
	events, err := l.Query(ctx, chatID, from, to)
	if err != nil {
		return nil, err
	}
	latest := make(map[int64]Event)
	for _, e := range events {
		latest[e.UserID] = e
	}
	out := make([]Event, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (l *MemoryLog) DistinctChatIDs(context.Context) ([]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[int64]struct{})
	var ids []int64
	for _, e := range l.events {
		if _, ok := seen[e.ChatID]; ok {
			continue
		}
		seen[e.ChatID] = struct{}{}
		ids = append(ids, e.ChatID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (l *MemoryLog) OldestEventTimestamp(context.Context) (time.Time, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var (
		oldest time.Time
		ok     bool
	)
	for _, e := range l.events {
		if !ok || e.When.Before(oldest) {
			oldest, ok = e.When, true
		}
	}
	return oldest, ok, nil
}

// All returns a copy of every stored event in append order.
func (l *MemoryLog) All() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}
