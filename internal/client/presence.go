package client

import (
	"context"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Presence keeps the caller marked online in a room and tracks who else is.
type Presence struct {
	c      *Client
	roomId string
	rt     *Realtime
	sub    *Subscription

	mu     sync.Mutex
	online []string
	err    error

	cancel context.CancelFunc
	done   chan struct{}
}

// StartPresence sends a heartbeat immediately and then on every interval
// until Stop. Without rt, heartbeats go over HTTP and the online set is not
// pushed.
func (c *Client) StartPresence(ctx context.Context, roomId string, rt *Realtime) (*Presence, error) {
	p := &Presence{
		c:      c,
		roomId: roomId,
		rt:     rt,
		done:   make(chan struct{}),
	}

	if rt != nil {
		sub, err := rt.Subscribe(ctx, RoomTopic(roomId))
		if err != nil {
			return nil, err
		}
		p.sub = sub
	}

	if err := p.beat(ctx); err != nil {
		if p.sub != nil {
			p.sub.Close(context.Background())
		}
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.run(runCtx)

	return p, nil
}

func (p *Presence) beat(ctx context.Context) error {
	if p.rt != nil {
		return p.rt.Heartbeat(ctx, p.roomId)
	}
	return p.c.backend.doJSON(ctx, http.MethodPost, "/api/rooms/"+p.roomId+"/heartbeat", nil, nil)
}

func (p *Presence) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.c.heartbeatInterval)
	defer ticker.Stop()

	var updates <-chan Notification
	if p.sub != nil {
		updates = p.sub.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.beat(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.setErr(err)
				switch KindOf(err) {
				case KindForbidden, KindSession, KindNotFound:
					// membership, session or room is gone; further beats cannot succeed
					return
				}
			}
		case n, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if n.Presence != nil {
				p.mu.Lock()
				p.online = slices.Clone(n.Presence.Users)
				p.mu.Unlock()
			}
		}
	}
}

func (p *Presence) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Online is the last pushed set of distinct identities in the room.
func (p *Presence) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.online)
}

func (p *Presence) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}

// Err returns the last heartbeat failure.
func (p *Presence) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Presence) Stop(ctx context.Context) error {
	p.cancel()
	<-p.done
	if p.sub != nil {
		return p.sub.Close(ctx)
	}
	return nil
}
