package presence

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryTracker keeps presence in process. It is only correct for a single
// server instance.
type MemoryTracker struct {
	window time.Duration
	mu     sync.Mutex
	rooms  map[string]map[string]time.Time
}

func NewMemoryTracker(window time.Duration) *MemoryTracker {
	return &MemoryTracker{
		window: window,
		rooms:  make(map[string]map[string]time.Time),
	}
}

func (t *MemoryTracker) Touch(_ context.Context, roomId, userId string, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.rooms[roomId]
	if !ok {
		users = make(map[string]time.Time)
		t.rooms[roomId] = users
	}
	if prev, ok := users[userId]; !ok || at.After(prev) {
		users[userId] = at
	}

	return nil
}

func (t *MemoryTracker) Leave(_ context.Context, roomId, userId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if users, ok := t.rooms[roomId]; ok {
		delete(users, userId)
		if len(users) == 0 {
			delete(t.rooms, roomId)
		}
	}

	return nil
}

func (t *MemoryTracker) Online(_ context.Context, roomId string, now time.Time) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	online := make([]string, 0)
	for userId, seen := range t.rooms[roomId] {
		if seen.Before(cutoff) {
			delete(t.rooms[roomId], userId)
			continue
		}
		online = append(online, userId)
	}
	slices.Sort(online)

	return online, nil
}

func (t *MemoryTracker) Forget(_ context.Context, roomId string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.rooms, roomId)
	return nil
}
