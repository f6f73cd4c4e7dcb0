package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"

	"github.com/Hayvi/roomy/internal/types"
)

// FeedHandlers are invoked from the feed's delivery goroutine.
type FeedHandlers struct {
	// OnMessage is called for every message appended after the initial load.
	OnMessage func(types.Message)
	// OnRoomDeleted is called once if the room is deleted while the feed is open.
	OnRoomDeleted func()
}

// Feed holds a room's messages in the order the client observed them.
type Feed struct {
	c        *Client
	roomId   string
	handlers FeedHandlers

	mu       sync.Mutex
	messages []types.Message
	seen     map[int]struct{}
	closed   bool

	sub  *Subscription
	done chan struct{}
}

// OpenFeed subscribes to the room before fetching its history so no insert
// falls between the two; anything delivered twice is dropped by id.
// rt may be nil for a history-only feed.
func (c *Client) OpenFeed(ctx context.Context, roomId string, rt *Realtime, h FeedHandlers) (*Feed, error) {
	f := &Feed{
		c:        c,
		roomId:   roomId,
		handlers: h,
		seen:     make(map[int]struct{}),
		done:     make(chan struct{}),
	}

	if rt != nil {
		sub, err := rt.Subscribe(ctx, RoomTopic(roomId))
		if err != nil {
			return nil, err
		}
		f.sub = sub
	}

	history, err := f.fetch(ctx)
	if err != nil {
		if f.sub != nil {
			f.sub.Close(context.Background())
		}
		return nil, err
	}

	f.mu.Lock()
	for _, msg := range history {
		f.appendLocked(msg)
	}
	f.mu.Unlock()

	if f.sub != nil {
		go f.run()
	} else {
		close(f.done)
	}

	return f, nil
}

func (f *Feed) fetch(ctx context.Context) ([]types.Message, error) {
	var msgs []types.Message
	path := fmt.Sprintf("/api/rooms/%s/messages?limit=%d", f.roomId, types.MessageHistoryLimit)
	if err := f.c.backend.doJSON(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}

	for _, msg := range msgs {
		f.c.rememberName(msg.UserId, msg.DisplayName)
	}
	return msgs, nil
}

func (f *Feed) run() {
	defer close(f.done)

	for n := range f.sub.C {
		if n.Event == nil {
			continue
		}

		switch {
		case n.Event.Table == TableMessages && n.Event.Type == EventInsert:
			var msg types.Message
			if err := json.Unmarshal(n.Event.Record, &msg); err != nil {
				f.c.log.Warnf("decode message event: %v", err)
				continue
			}
			f.push(msg)
		case n.Event.Table == TableRooms && n.Event.Type == EventDelete:
			if room, err := decodeRoom(n.Event); err == nil && room.Id == f.roomId {
				f.mu.Lock()
				closed := f.closed
				f.mu.Unlock()
				if !closed && f.handlers.OnRoomDeleted != nil {
					f.handlers.OnRoomDeleted()
				}
			}
		}
	}
}

// push enriches msg with its author's name and appends it.
func (f *Feed) push(msg types.Message) {
	if msg.DisplayName == "" {
		// events are small; resolve the name lazily and cache it
		name, err := f.c.DisplayName(context.Background(), msg.UserId)
		if err != nil {
			f.c.log.Warnf("resolve display name for %q: %v", msg.UserId, err)
		}
		msg.DisplayName = name
	} else {
		f.c.rememberName(msg.UserId, msg.DisplayName)
	}

	f.mu.Lock()
	if f.closed || !f.appendLocked(msg) {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	if f.handlers.OnMessage != nil {
		f.handlers.OnMessage(msg)
	}
}

func (f *Feed) appendLocked(msg types.Message) bool {
	if _, dup := f.seen[msg.Id]; dup {
		return false
	}
	f.seen[msg.Id] = struct{}{}
	f.messages = append(f.messages, msg)
	return true
}

// Messages returns a snapshot of the feed.
func (f *Feed) Messages() []types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.messages)
}

// Close stops delivery. Events that arrive afterwards are ignored.
func (f *Feed) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	var err error
	if f.sub != nil {
		err = f.sub.Close(ctx)
	}
	<-f.done
	return err
}
