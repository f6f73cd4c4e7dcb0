package server

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomTopic(t *testing.T) {
	assert.Equal(t, "room:abc", RoomTopic("abc"))

	id, ok := roomIdFromTopic("room:abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = roomIdFromTopic("room:")
	assert.False(t, ok, "empty room id is not a topic")

	_, ok = roomIdFromTopic(TopicRooms)
	assert.False(t, ok)
}

func TestNoErrOk(t *testing.T) {
	result := NoErrOK(1, map[string]any{"testkey": "testvalue"})

	assert.Equal(t, 1, result.Id)
	assert.False(t, result.Timestamp.IsZero(), "expected timestamp to be set")
	assert.Equal(t, http.StatusOK, result.Response.ResponseCode)
	assert.Equal(t, map[string]any{"testkey": "testvalue"}, result.Response.Data)
	assert.Empty(t, result.Response.Error)
}

func TestErrorResponses(t *testing.T) {
	tcases := []struct {
		name string
		msg  *ServerMessage
		code int
		err  string
	}{
		{"room not found", ErrRoomNotFound(2), http.StatusNotFound, "room not found"},
		{"not member", ErrNotMember(2), http.StatusForbidden, "not a member of this room"},
		{"internal", ErrInternalError(2), http.StatusInternalServerError, "internal server error"},
		{"unavailable", ErrServiceUnavailable(2), http.StatusServiceUnavailable, "service unavailable"},
		{"unknown topic", ErrUnknownTopic(2), http.StatusBadRequest, "unknown topic"},
		{"invalid message", ErrInvalidMessage(2), http.StatusBadRequest, "invalid message format"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, 2, tc.msg.Id)
			assert.Equal(t, tc.code, tc.msg.Response.ResponseCode)
			assert.Equal(t, tc.err, tc.msg.Response.Error)
		})
	}

	assert.Equal(t, 0, ErrInvalidMessage(-1).Id, "negative ids are not echoed")
}

func TestServerMessageJSON(t *testing.T) {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Presence:    &PresenceState{RoomId: "r1", Users: []string{"u1"}, Count: 1},
		SkipClient:  &Client{},
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.NotContains(t, decoded, "SkipClient")
	assert.NotContains(t, decoded, "response")
	assert.Contains(t, decoded, "presence")
}
