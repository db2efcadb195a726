package board

import (
	"context"
	"sync"
)

// Gates serializes work per chat. Each chat gets a one-slot channel so a
// waiter can give up when its context ends.
type Gates struct {
	mu    sync.Mutex
	gates map[int64]chan struct{}
}

func NewGates() *Gates {
	return &Gates{gates: make(map[int64]chan struct{})}
}

func (g *Gates) gate(chatID int64) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch, ok := g.gates[chatID]
	if !ok {
		ch = make(chan struct{}, 1)
		g.gates[chatID] = ch
	}
	return ch
}

// Lock acquires the chat's gate. The returned func releases it and must be
// called exactly once.
func (g *Gates) Lock(ctx context.Context, chatID int64) (func(), error) {
	ch := g.gate(chatID)
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
