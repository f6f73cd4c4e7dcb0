package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Hayvi/roomy/internal/types"
	nanoid "github.com/jaevor/go-nanoid"
)

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// CreatedRoom is returned once, at creation. The password is not shown again
// except through the owner's secret lookup.
type CreatedRoom struct {
	RoomId   string
	Password string
}

type roomIdResponse struct {
	RoomId string `json:"room_id"`
}

// Directory lists, creates, deletes and joins rooms.
type Directory struct {
	c           *Client
	newPassword func() string
}

func (c *Client) Directory() (*Directory, error) {
	gen, err := nanoid.CustomASCII(passwordAlphabet, types.RoomPasswordLength)
	if err != nil {
		return nil, fmt.Errorf("password generator: %w", err)
	}
	return &Directory{c: c, newPassword: gen}, nil
}

func (d *Directory) List(ctx context.Context) ([]types.Room, error) {
	var rooms []types.Room
	if err := d.c.backend.doJSON(ctx, http.MethodGet, "/api/rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func validateRoomName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", validationError("room name is required")
	}
	if utf8.RuneCountInString(name) > types.MaxRoomNameLength {
		return "", validationError(fmt.Sprintf("room name must be at most %d characters", types.MaxRoomNameLength))
	}
	return name, nil
}

// Create makes a room with a generated password. Invalid names never reach the backend.
func (d *Directory) Create(ctx context.Context, name string) (CreatedRoom, error) {
	name, err := validateRoomName(name)
	if err != nil {
		return CreatedRoom{}, err
	}
	if _, err := d.c.requireSession(); err != nil {
		return CreatedRoom{}, err
	}

	password := d.newPassword()

	var resp roomIdResponse
	err = d.c.backend.doJSON(ctx, http.MethodPost, "/api/rpc/create_room", types.CreateRoomRequest{
		NameInput:     name,
		PasswordInput: password,
	}, &resp)
	if err != nil {
		return CreatedRoom{}, err
	}

	return CreatedRoom{RoomId: resp.RoomId, Password: password}, nil
}

// CanDelete reports whether the current identity owns room.
func (d *Directory) CanDelete(room types.Room) bool {
	me, ok := d.c.Identity()
	return ok && room.OwnerId == me.Id
}

// Delete removes room after confirm approves it. The call is not attempted
// for rooms the caller does not own.
func (d *Directory) Delete(ctx context.Context, room types.Room, confirm func(types.Room) bool) error {
	if !d.CanDelete(room) {
		return &Error{Kind: KindForbidden, Message: "only the owner can delete a room"}
	}
	if confirm == nil || !confirm(room) {
		return ErrCancelled
	}

	return d.c.backend.doJSON(ctx, http.MethodDelete, "/api/rooms/"+room.Id, nil, nil)
}

// Secret returns the room password to its owner.
func (d *Directory) Secret(ctx context.Context, roomId string) (string, error) {
	var secret types.RoomSecret
	if err := d.c.backend.doJSON(ctx, http.MethodGet, "/api/rooms/"+roomId+"/secret", nil, &secret); err != nil {
		return "", err
	}
	return secret.PasswordPlaintext, nil
}

// JoinByName joins the room called name whose password matches.
func (d *Directory) JoinByName(ctx context.Context, name, password string) (string, error) {
	name, err := validateRoomName(name)
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", validationError("password is required")
	}

	var resp roomIdResponse
	err = d.c.backend.doJSON(ctx, http.MethodPost, "/api/rpc/join_room_by_name", types.JoinRoomByNameRequest{
		NameInput:     name,
		PasswordInput: password,
	}, &resp)
	if err != nil {
		return "", asIncorrectPassword(err)
	}

	return resp.RoomId, nil
}

// Watch calls onChange with a fresh listing on every poll tick and on every
// rooms change pushed over rt. rt may be nil, in which case only polling runs.
// Watch returns when ctx is done.
func (d *Directory) Watch(ctx context.Context, rt *Realtime, onChange func([]types.Room)) error {
	refresh := func() {
		rooms, err := d.List(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.c.log.Warnf("refresh rooms: %v", err)
			}
			return
		}
		if ctx.Err() == nil {
			onChange(rooms)
		}
	}

	var pushed <-chan Notification
	if rt != nil {
		sub, err := rt.Subscribe(ctx, TopicRooms)
		if err != nil {
			return err
		}
		defer sub.Close(context.Background())
		pushed = sub.C
	}

	refresh()

	ticker := time.NewTicker(d.c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			refresh()
		case n, ok := <-pushed:
			if !ok {
				// connection dropped; keep polling
				pushed = nil
				continue
			}
			if n.Event != nil && n.Event.Table == TableRooms {
				refresh()
			}
		}
	}
}

// decodeRoom reads the room carried by a rooms event.
func decodeRoom(ev *Event) (types.Room, error) {
	var room types.Room
	err := json.Unmarshal(ev.Record, &room)
	return room, err
}
