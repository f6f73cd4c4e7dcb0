package server

import (
	"net/http"
	"strings"
	"time"
)

const (
	TopicRooms      = "rooms"
	roomTopicPrefix = "room:"

	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"

	TableRooms    = "rooms"
	TableMessages = "messages"
)

// RoomTopic is the realtime topic carrying one room's events and presence.
func RoomTopic(roomId string) string {
	return roomTopicPrefix + roomId
}

func roomIdFromTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, roomTopicPrefix)
	return id, ok && id != ""
}

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
	Heartbeat   *Heartbeat   `json:"heartbeat,omitempty"`
	UserId      string       `json:"-"`
	client      *Client      `json:"-"`
}

type Subscribe struct {
	Topic string `json:"topic"`
}

type Unsubscribe struct {
	Topic string `json:"topic"`
}

type Heartbeat struct {
	RoomId string `json:"room_id"`
}

type ServerMessage struct {
	BaseMessage
	Response   *Response      `json:"response,omitempty"`
	Event      *Event         `json:"event,omitempty"`
	Presence   *PresenceState `json:"presence,omitempty"`
	SkipClient *Client        `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

// Event is a change notification for one row.
type Event struct {
	Type   string `json:"type"`
	Table  string `json:"table"`
	Topic  string `json:"topic"`
	Record any    `json:"record"`
}

// PresenceState is the full set of identities online in a room.
type PresenceState struct {
	RoomId string   `json:"room_id"`
	Users  []string `json:"users"`
	Count  int      `json:"count"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func newErrResponse(id, code int, msg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        msg,
		},
	}
}

func ErrRoomNotFound(id int) *ServerMessage {
	return newErrResponse(id, http.StatusNotFound, "room not found")
}

func ErrNotMember(id int) *ServerMessage {
	return newErrResponse(id, http.StatusForbidden, "not a member of this room")
}

func ErrInternalError(id int) *ServerMessage {
	return newErrResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return newErrResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrUnknownTopic(id int) *ServerMessage {
	return newErrResponse(id, http.StatusBadRequest, "unknown topic")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := newErrResponse(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
