package client

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/Hayvi/roomy/internal/types"
)

// Gate decides whether the current identity may enter a room.
type Gate struct {
	c      *Client
	roomId string

	mu     sync.Mutex
	member bool
	closed bool
}

func (c *Client) Gate(roomId string) *Gate {
	return &Gate{c: c, roomId: roomId}
}

// Member is the last known membership state.
func (g *Gate) Member() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.member
}

// settle records a result unless the gate was closed while the call was in flight.
func (g *Gate) settle(member bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrClosed
	}
	g.member = member
	return nil
}

func (g *Gate) Check(ctx context.Context) (bool, error) {
	var status types.MembershipStatus
	if err := g.c.backend.doJSON(ctx, http.MethodGet, "/api/rooms/"+g.roomId+"/membership", nil, &status); err != nil {
		return false, err
	}

	if err := g.settle(status.Member); err != nil {
		return false, err
	}
	return status.Member, nil
}

// Join submits password. A rejected attempt leaves the membership as it was.
func (g *Gate) Join(ctx context.Context, password string) error {
	if password == "" {
		return validationError("password is required")
	}

	var ok bool
	err := g.c.backend.doJSON(ctx, http.MethodPost, "/api/rpc/join_room", types.JoinRoomRequest{
		RoomId:        g.roomId,
		PasswordInput: password,
	}, &ok)
	if err != nil {
		return asIncorrectPassword(err)
	}
	if !ok {
		return &Error{Kind: KindIncorrectPassword, Message: "incorrect password"}
	}

	return g.settle(true)
}

func (g *Gate) Leave(ctx context.Context) error {
	if err := g.c.backend.doJSON(ctx, http.MethodDelete, "/api/rooms/"+g.roomId+"/membership", nil, nil); err != nil {
		return err
	}
	return g.settle(false)
}

// Close makes the gate ignore results that arrive afterwards.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

// asIncorrectPassword reports a refused join as a password rejection. Session,
// network, rate limit and not-found failures keep their own kind.
func asIncorrectPassword(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindForbidden {
		return &Error{Kind: KindIncorrectPassword, Status: e.Status, Message: "incorrect password", Err: err}
	}
	return err
}
