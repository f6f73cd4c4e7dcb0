package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/Hayvi/roomy/internal/config"
	"github.com/Hayvi/roomy/internal/database"
	"github.com/Hayvi/roomy/internal/limiter"
	"github.com/Hayvi/roomy/internal/presence"
	"github.com/Hayvi/roomy/internal/server"
	"github.com/Hayvi/roomy/internal/stats"
	"github.com/Hayvi/roomy/internal/storage"
	"github.com/Hayvi/roomy/internal/testutil"
	"github.com/Hayvi/roomy/internal/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testUserId  = "8f0e4a52-5b0e-4b1e-9d6c-1b1a3c9d2e11"
	otherUserId = "2c7d9f31-0a4e-4f4b-8b8e-6e5d4c3b2a10"
)

type testApp struct {
	*GoChatApp
	db    *database.MockChatRepository
	stats *stats.MockStatsUpdater
}

func newTestApp(t *testing.T, svc Services) *testApp {
	t.Helper()

	db := &database.MockChatRepository{}
	su := stats.NewMockStatsUpdater()
	logger := testutil.TestLogger(t)

	if svc.Presence == nil {
		svc.Presence = presence.NewMemoryTracker(types.OnlineWindow)
	}

	cs, err := server.NewChatServer(logger, db, svc.Presence, su)
	require.NoError(t, err)
	go cs.Run()
	t.Cleanup(func() { cs.Shutdown(context.Background()) })

	app := NewGoChatApp(http.NewServeMux(), logger, cs, db, su, svc, &config.Config{
		ServerAddr: "localhost:0",
		SigningKey: []byte("test-signing-key"),
		PublicURL:  "http://localhost:8000",
		SessionTTL: time.Hour,
	})

	return &testApp{GoChatApp: app, db: db, stats: su}
}

// do runs the request through the full middleware chain, authenticated as userId unless it is empty.
func (a *testApp) do(t *testing.T, method, target string, body any, userId string) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, rdr)
	if userId != "" {
		token, err := a.createJwtForSession(userId, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) ApiError {
	t.Helper()
	var apiErr ApiError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr))
	return apiErr
}

func testRoom(t *testing.T, password string) database.Room {
	t.Helper()
	hash, err := hashPassword(password)
	require.NoError(t, err)
	return database.Room{
		Id:           1,
		ExternalId:   "EoGKUXPHgz",
		Name:         "general",
		PasswordHash: hash,
		OwnerId:      testUserId,
		MemberCount:  1,
		CreatedAt:    time.Now().UTC(),
	}
}

func Test_healthCheck(t *testing.T) {
	tcases := []struct {
		name    string
		mockErr error
	}{
		{
			name:    "successful health check",
			mockErr: nil,
		},
		{
			name:    "failed health check",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t, Services{})
			app.db.On("Ping").Return(tc.mockErr).Once()

			rr := app.do(t, http.MethodGet, "/healthz", nil, "")

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected status code to be 500")
			} else {
				assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
			app.db.AssertExpectations(t)
		})
	}
}

func TestSignInHandler(t *testing.T) {
	suffixed := regexp.MustCompile(`^ann#[1-9][0-9]{3}$`)

	tcases := []struct {
		name       string
		body       any
		mockErr    error
		callsDb    bool
		wantStatus int
	}{
		{
			name:       "creates an anonymous identity",
			body:       types.SignInRequest{DisplayName: "  ann  "},
			callsDb:    true,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "rejects an empty name",
			body:       types.SignInRequest{DisplayName: "   "},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "rejects a name over the limit",
			body:       types.SignInRequest{DisplayName: strings.Repeat("a", types.MaxDisplayNameLength+1)},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "rejects invalid json",
			body:       "invalid json",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "reports a taken name as conflict",
			body:       types.SignInRequest{DisplayName: "ann"},
			mockErr:    &pq.Error{Code: "23505"},
			callsDb:    true,
			wantStatus: http.StatusConflict,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t, Services{})
			if tc.callsDb {
				app.db.On("CreateProfile", mock.MatchedBy(func(p database.CreateProfileParams) bool {
					return p.Id != "" && suffixed.MatchString(p.DisplayName)
				})).Return(database.Profile{Id: testUserId, DisplayName: "ann#4242"}, tc.mockErr).Once()
			}

			rr := app.do(t, http.MethodPost, "/api/auth/anonymous", tc.body, "")

			assert.Equal(t, tc.wantStatus, rr.Code)
			app.db.AssertExpectations(t)
			if !tc.callsDb {
				app.db.AssertNotCalled(t, "CreateProfile", mock.Anything)
			}

			if tc.wantStatus == http.StatusCreated {
				var session types.Session
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&session))
				assert.Equal(t, testUserId, session.Profile.Id)
				assert.Equal(t, "ann#4242", session.Profile.DisplayName)

				userId, err := app.extractUserIdFromToken(session.Token)
				require.NoError(t, err)
				assert.Equal(t, testUserId, userId)
				assert.NotNil(t, findCookie(rr, tokenCookieKey), "expected session cookie")
			}
		})
	}
}

func TestSessionHandler(t *testing.T) {
	t.Run("resolves the current identity", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetProfile", testUserId).Return(database.Profile{Id: testUserId, DisplayName: "ann#4242"}, nil).Once()

		rr := app.do(t, http.MethodGet, "/api/auth/session", nil, testUserId)

		require.Equal(t, http.StatusOK, rr.Code)
		var session types.Session
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&session))
		assert.Equal(t, "ann#4242", session.Profile.DisplayName)
		assert.Empty(t, session.Token, "token is not echoed back")
	})

	t.Run("missing token", func(t *testing.T) {
		app := newTestApp(t, Services{})
		rr := app.do(t, http.MethodGet, "/api/auth/session", nil, "")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("identity no longer exists", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetProfile", testUserId).Return(database.Profile{}, sql.ErrNoRows).Once()

		rr := app.do(t, http.MethodGet, "/api/auth/session", nil, testUserId)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}

func TestLogoutHandler(t *testing.T) {
	app := newTestApp(t, Services{})
	rr := app.do(t, http.MethodGet, "/api/auth/logout", nil, testUserId)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	cookie := findCookie(rr, tokenCookieKey)
	require.NotNil(t, cookie)
	assert.Empty(t, cookie.Value)
}

func TestGetProfileHandler(t *testing.T) {
	t.Run("known profile", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetProfile", otherUserId).Return(database.Profile{Id: otherUserId, DisplayName: "bob#0001"}, nil).Once()

		rr := app.do(t, http.MethodGet, "/api/profiles/"+otherUserId, nil, testUserId)

		require.Equal(t, http.StatusOK, rr.Code)
		var profile types.Profile
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&profile))
		assert.Equal(t, "bob#0001", profile.DisplayName)
	})

	t.Run("unknown profile", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetProfile", otherUserId).Return(database.Profile{}, sql.ErrNoRows).Once()

		rr := app.do(t, http.MethodGet, "/api/profiles/"+otherUserId, nil, testUserId)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("malformed id never reaches the database", func(t *testing.T) {
		app := newTestApp(t, Services{})

		for _, id := range []string{"bob", "8f0e4a52", "%20" + otherUserId} {
			rr := app.do(t, http.MethodGet, "/api/profiles/"+id, nil, testUserId)
			assert.Equal(t, http.StatusNotFound, rr.Code, id)
		}
		app.db.AssertNotCalled(t, "GetProfile", mock.Anything)
	})
}

func TestListRoomsHandler(t *testing.T) {
	tracker := presence.NewMemoryTracker(types.OnlineWindow)
	app := newTestApp(t, Services{Presence: tracker})

	room := testRoom(t, "abc123")
	require.NoError(t, tracker.Touch(context.Background(), room.ExternalId, testUserId, server.Now()))
	app.db.On("ListRooms").Return([]database.Room{room}, nil).Once()

	rr := app.do(t, http.MethodGet, "/api/rooms", nil, testUserId)

	require.Equal(t, http.StatusOK, rr.Code)
	var rooms []types.Room
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, room.ExternalId, rooms[0].Id)
	assert.Equal(t, testUserId, rooms[0].OwnerId)
	assert.Equal(t, 1, rooms[0].MemberCount)
	require.NotNil(t, rooms[0].OnlineCount)
	assert.Equal(t, 1, *rooms[0].OnlineCount)
}

func TestCreateRoomHandler(t *testing.T) {
	tcases := []struct {
		name       string
		body       any
		callsDb    bool
		wantStatus int
	}{
		{
			name:       "creates a room",
			body:       types.CreateRoomRequest{NameInput: " general ", PasswordInput: "k3x9qa"},
			callsDb:    true,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "rejects a name over the limit",
			body:       types.CreateRoomRequest{NameInput: strings.Repeat("n", types.MaxRoomNameLength+1), PasswordInput: "k3x9qa"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "rejects an empty name",
			body:       types.CreateRoomRequest{NameInput: "  ", PasswordInput: "k3x9qa"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "rejects an empty password",
			body:       types.CreateRoomRequest{NameInput: "general"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t, Services{})
			if tc.callsDb {
				app.db.On("CreateRoom", mock.MatchedBy(func(params database.CreateRoomParams) bool {
					return params.Name == "general" &&
						params.OwnerId == testUserId &&
						params.ExternalId != "" &&
						params.PasswordPlaintext == "k3x9qa" &&
						verifyPassword(params.PasswordHash, "k3x9qa")
				})).Return(database.Room{Id: 1, ExternalId: "EoGKUXPHgz", Name: "general", OwnerId: testUserId, MemberCount: 1}, nil).Once()
			}

			rr := app.do(t, http.MethodPost, "/api/rpc/create_room", tc.body, testUserId)

			assert.Equal(t, tc.wantStatus, rr.Code)
			app.db.AssertExpectations(t)
			if !tc.callsDb {
				app.db.AssertNotCalled(t, "CreateRoom", mock.Anything)
				return
			}

			var resp RoomIdResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, "EoGKUXPHgz", resp.RoomId)
			app.stats.AssertCalled(t, "Incr", stats.RoomsCreated)
		})
	}
}

func TestJoinRoomHandler(t *testing.T) {
	room := testRoom(t, "abc123")

	t.Run("correct password joins", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("CreateMembership", otherUserId, room.Id).Return(database.Membership{RoomId: room.Id, UserId: otherUserId}, nil).Once()

		rr := app.do(t, http.MethodPost, "/api/rpc/join_room", types.JoinRoomRequest{RoomId: room.ExternalId, PasswordInput: "abc123"}, otherUserId)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "true", strings.TrimSpace(rr.Body.String()))
		app.db.AssertExpectations(t)
	})

	t.Run("wrong password leaves membership unchanged", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()

		rr := app.do(t, http.MethodPost, "/api/rpc/join_room", types.JoinRoomRequest{RoomId: room.ExternalId, PasswordInput: "nope00"}, otherUserId)

		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, "incorrect password", decodeError(t, rr).Message)
		app.db.AssertNotCalled(t, "CreateMembership", mock.Anything, mock.Anything)
		app.stats.AssertCalled(t, "Incr", stats.JoinsRejected)
	})

	t.Run("unknown room", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetRoomByExternalId", "missing").Return(database.Room{}, sql.ErrNoRows).Once()

		rr := app.do(t, http.MethodPost, "/api/rpc/join_room", types.JoinRoomRequest{RoomId: "missing", PasswordInput: "abc123"}, otherUserId)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("attempts over the limit are refused", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })

		app := newTestApp(t, Services{Limiter: limiter.NewRedisLimiter(rdb, 1, time.Minute)})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()

		body := types.JoinRoomRequest{RoomId: room.ExternalId, PasswordInput: "guess1"}
		first := app.do(t, http.MethodPost, "/api/rpc/join_room", body, otherUserId)
		assert.Equal(t, http.StatusForbidden, first.Code)

		second := app.do(t, http.MethodPost, "/api/rpc/join_room", body, otherUserId)
		assert.Equal(t, http.StatusTooManyRequests, second.Code)
		app.db.AssertExpectations(t)
	})
}

func TestJoinRoomByNameHandler(t *testing.T) {
	first := testRoom(t, "aaaaaa")
	second := testRoom(t, "bbbbbb")
	second.Id = 2
	second.ExternalId = "Zk3pQ9aB"

	t.Run("joins the room whose password matches", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("ListRoomsByName", "general").Return([]database.Room{first, second}, nil).Once()
		app.db.On("CreateMembership", otherUserId, second.Id).Return(database.Membership{}, nil).Once()

		rr := app.do(t, http.MethodPost, "/api/rpc/join_room_by_name", types.JoinRoomByNameRequest{NameInput: " general ", PasswordInput: "bbbbbb"}, otherUserId)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp RoomIdResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, second.ExternalId, resp.RoomId)
		app.db.AssertExpectations(t)
	})

	t.Run("no password matches", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("ListRoomsByName", "general").Return([]database.Room{first, second}, nil).Once()

		rr := app.do(t, http.MethodPost, "/api/rpc/join_room_by_name", types.JoinRoomByNameRequest{NameInput: "general", PasswordInput: "cccccc"}, otherUserId)

		assert.Equal(t, http.StatusForbidden, rr.Code)
		app.db.AssertNotCalled(t, "CreateMembership", mock.Anything, mock.Anything)
	})

	t.Run("no room with that name", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("ListRoomsByName", "nowhere").Return([]database.Room{}, nil).Once()

		rr := app.do(t, http.MethodPost, "/api/rpc/join_room_by_name", types.JoinRoomByNameRequest{NameInput: "nowhere", PasswordInput: "cccccc"}, otherUserId)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestDeleteRoomHandler(t *testing.T) {
	room := testRoom(t, "abc123")

	tcases := []struct {
		name       string
		userId     string
		wantStatus int
	}{
		{"owner deletes", testUserId, http.StatusNoContent},
		{"non-owner is refused", otherUserId, http.StatusForbidden},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t, Services{})
			app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
			if tc.wantStatus == http.StatusNoContent {
				app.db.On("DeleteRoom", room.Id).Return(nil).Once()
			}

			rr := app.do(t, http.MethodDelete, "/api/rooms/"+room.ExternalId, nil, tc.userId)

			assert.Equal(t, tc.wantStatus, rr.Code)
			app.db.AssertExpectations(t)
			if tc.wantStatus != http.StatusNoContent {
				app.db.AssertNotCalled(t, "DeleteRoom", mock.Anything)
			}
		})
	}
}

func TestGetRoomSecretHandler(t *testing.T) {
	room := testRoom(t, "k3x9qa")

	t.Run("owner reads the password", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("GetRoomSecret", room.Id).Return("k3x9qa", nil).Once()

		rr := app.do(t, http.MethodGet, "/api/rooms/"+room.ExternalId+"/secret", nil, testUserId)

		require.Equal(t, http.StatusOK, rr.Code)
		var secret types.RoomSecret
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&secret))
		assert.Equal(t, "k3x9qa", secret.PasswordPlaintext)
		assert.Equal(t, room.ExternalId, secret.RoomId)
	})

	t.Run("non-owner is refused", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()

		rr := app.do(t, http.MethodGet, "/api/rooms/"+room.ExternalId+"/secret", nil, otherUserId)

		assert.Equal(t, http.StatusForbidden, rr.Code)
		app.db.AssertNotCalled(t, "GetRoomSecret", mock.Anything)
	})
}

func TestMembershipHandlers(t *testing.T) {
	room := testRoom(t, "abc123")

	t.Run("check", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("MembershipExists", otherUserId, room.Id).Return(false, nil).Once()

		rr := app.do(t, http.MethodGet, "/api/rooms/"+room.ExternalId+"/membership", nil, otherUserId)

		require.Equal(t, http.StatusOK, rr.Code)
		var status types.MembershipStatus
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&status))
		assert.False(t, status.Member)
	})

	t.Run("check fails on lookup error", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("MembershipExists", otherUserId, room.Id).Return(false, errors.New("connection reset")).Once()

		rr := app.do(t, http.MethodGet, "/api/rooms/"+room.ExternalId+"/membership", nil, otherUserId)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("leave", func(t *testing.T) {
		tracker := presence.NewMemoryTracker(types.OnlineWindow)
		app := newTestApp(t, Services{Presence: tracker})
		require.NoError(t, tracker.Touch(context.Background(), room.ExternalId, otherUserId, server.Now()))

		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("MembershipExists", otherUserId, room.Id).Return(true, nil).Once()
		app.db.On("DeleteMembership", otherUserId, room.Id).Return(nil).Once()

		rr := app.do(t, http.MethodDelete, "/api/rooms/"+room.ExternalId+"/membership", nil, otherUserId)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		online, err := tracker.Online(context.Background(), room.ExternalId, server.Now())
		require.NoError(t, err)
		assert.Empty(t, online)
	})

	t.Run("heartbeat", func(t *testing.T) {
		tracker := presence.NewMemoryTracker(types.OnlineWindow)
		app := newTestApp(t, Services{Presence: tracker})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("TouchMembership", otherUserId, room.Id, mock.Anything).Return(nil).Once()

		rr := app.do(t, http.MethodPost, "/api/rooms/"+room.ExternalId+"/heartbeat", nil, otherUserId)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		count, err := presence.Count(context.Background(), tracker, room.ExternalId, server.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("heartbeat from non-member", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("TouchMembership", otherUserId, room.Id, mock.Anything).Return(sql.ErrNoRows).Once()

		rr := app.do(t, http.MethodPost, "/api/rooms/"+room.ExternalId+"/heartbeat", nil, otherUserId)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestMessagesHandlers(t *testing.T) {
	room := testRoom(t, "abc123")
	target := "/api/rooms/" + room.ExternalId + "/messages"

	t.Run("non-member cannot list", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("MembershipExists", otherUserId, room.Id).Return(false, nil).Once()

		rr := app.do(t, http.MethodGet, target, nil, otherUserId)

		assert.Equal(t, http.StatusForbidden, rr.Code)
		app.db.AssertNotCalled(t, "GetMessages", mock.Anything, mock.Anything)
	})

	t.Run("non-member cannot insert", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("MembershipExists", otherUserId, room.Id).Return(false, nil).Once()

		rr := app.do(t, http.MethodPost, target, types.CreateMessageRequest{Content: "hi"}, otherUserId)

		assert.Equal(t, http.StatusForbidden, rr.Code)
		app.db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})

	t.Run("membership lookup failure is a server error", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Times(2)
		app.db.On("MembershipExists", testUserId, room.Id).Return(false, errors.New("connection reset")).Times(2)

		rr := app.do(t, http.MethodGet, target, nil, testUserId)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)

		rr = app.do(t, http.MethodPost, target, types.CreateMessageRequest{Content: "hi"}, testUserId)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)

		app.db.AssertNotCalled(t, "GetMessages", mock.Anything, mock.Anything)
		app.db.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})

	t.Run("member lists the most recent messages", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("MembershipExists", testUserId, room.Id).Return(true, nil).Once()
		app.db.On("GetMessages", room.Id, types.MessageHistoryLimit).Return([]database.Message{
			{Id: 1, RoomId: room.Id, UserId: testUserId, DisplayName: "ann#4242", Content: "a"},
			{Id: 2, RoomId: room.Id, UserId: testUserId, DisplayName: "ann#4242", Content: "b"},
		}, nil).Once()

		rr := app.do(t, http.MethodGet, target+"?limit=500", nil, testUserId)

		require.Equal(t, http.StatusOK, rr.Code)
		var msgs []types.Message
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&msgs))
		require.Len(t, msgs, 2)
		assert.Equal(t, "a", msgs[0].Content)
		assert.Equal(t, "ann#4242", msgs[0].DisplayName)
		assert.Equal(t, room.ExternalId, msgs[1].RoomId)
		app.db.AssertExpectations(t)
	})

	t.Run("invalid limit", func(t *testing.T) {
		app := newTestApp(t, Services{})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("MembershipExists", testUserId, room.Id).Return(true, nil).Once()

		rr := app.do(t, http.MethodGet, target+"?limit=zero", nil, testUserId)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	insertCases := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"text message", types.CreateMessageRequest{Content: "  hello  "}, http.StatusCreated},
		{"attachment only", types.CreateMessageRequest{AttachmentUrl: "http://localhost:8000/storage/chat-attachments/" + testUserId + "/1.png"}, http.StatusCreated},
		{"empty message", types.CreateMessageRequest{Content: "   "}, http.StatusBadRequest},
		{"message over the limit", types.CreateMessageRequest{Content: strings.Repeat("x", types.MaxMessageLength+1)}, http.StatusBadRequest},
		{"foreign attachment url", types.CreateMessageRequest{AttachmentUrl: "http://evil.example/x.png"}, http.StatusBadRequest},
		{"someone else's attachment", types.CreateMessageRequest{AttachmentUrl: "http://localhost:8000/storage/chat-attachments/" + otherUserId + "/1.png"}, http.StatusBadRequest},
	}

	for _, tc := range insertCases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t, Services{})
			app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
			app.db.On("MembershipExists", testUserId, room.Id).Return(true, nil).Once()
			if tc.wantStatus == http.StatusCreated {
				req := tc.body.(types.CreateMessageRequest)
				app.db.On("CreateMessage", database.CreateMessageParams{
					RoomId:        room.Id,
					UserId:        testUserId,
					Content:       strings.TrimSpace(req.Content),
					AttachmentUrl: req.AttachmentUrl,
				}).Return(database.Message{Id: 7, RoomId: room.Id, UserId: testUserId, DisplayName: "ann#4242", Content: strings.TrimSpace(req.Content), AttachmentUrl: req.AttachmentUrl}, nil).Once()
			}

			rr := app.do(t, http.MethodPost, target, tc.body, testUserId)

			assert.Equal(t, tc.wantStatus, rr.Code)
			app.db.AssertExpectations(t)
			if tc.wantStatus == http.StatusCreated {
				var msg types.Message
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&msg))
				assert.Equal(t, 7, msg.Id)
				assert.Equal(t, room.ExternalId, msg.RoomId)
				app.stats.AssertCalled(t, "Incr", stats.MessagesSent)
			} else {
				app.db.AssertNotCalled(t, "CreateMessage", mock.Anything)
			}
		})
	}
}

func TestCreateMessage_DiscardsRefusedAttachment(t *testing.T) {
	room := testRoom(t, "abc123")
	target := "/api/rooms/" + room.ExternalId + "/messages"
	ownUpload := testUserId + "/1760000000123.png"
	body := types.CreateMessageRequest{AttachmentUrl: "http://localhost:8000/storage/chat-attachments/" + ownUpload}

	newStore := func(t *testing.T) *storage.MemoryStore {
		store := storage.NewMemoryStore()
		_, err := store.Create(context.Background(), ownUpload, []byte("png"), "image/png")
		require.NoError(t, err)
		return store
	}

	t.Run("refused for a non-member", func(t *testing.T) {
		store := newStore(t)
		app := newTestApp(t, Services{Store: store})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("MembershipExists", testUserId, room.Id).Return(false, nil).Once()

		rr := app.do(t, http.MethodPost, target, body, testUserId)

		assert.Equal(t, http.StatusForbidden, rr.Code)
		_, _, err := store.Fetch(context.Background(), ownUpload)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("insert fails", func(t *testing.T) {
		store := newStore(t)
		app := newTestApp(t, Services{Store: store})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("MembershipExists", testUserId, room.Id).Return(true, nil).Once()
		app.db.On("CreateMessage", mock.Anything).Return(database.Message{}, errors.New("connection reset")).Once()

		rr := app.do(t, http.MethodPost, target, body, testUserId)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		_, _, err := store.Fetch(context.Background(), ownUpload)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("another identity's upload is left alone", func(t *testing.T) {
		store := newStore(t)
		app := newTestApp(t, Services{Store: store})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("MembershipExists", otherUserId, room.Id).Return(false, nil).Once()

		rr := app.do(t, http.MethodPost, target, body, otherUserId)

		assert.Equal(t, http.StatusForbidden, rr.Code)
		_, _, err := store.Fetch(context.Background(), ownUpload)
		assert.NoError(t, err)
	})

	t.Run("sent message keeps it", func(t *testing.T) {
		store := newStore(t)
		app := newTestApp(t, Services{Store: store})
		app.db.On("GetRoomByExternalId", room.ExternalId).Return(room, nil).Once()
		app.db.On("MembershipExists", testUserId, room.Id).Return(true, nil).Once()
		app.db.On("CreateMessage", mock.Anything).Return(database.Message{Id: 9, RoomId: room.Id, UserId: testUserId, AttachmentUrl: body.AttachmentUrl}, nil).Once()

		rr := app.do(t, http.MethodPost, target, body, testUserId)

		assert.Equal(t, http.StatusCreated, rr.Code)
		_, _, err := store.Fetch(context.Background(), ownUpload)
		assert.NoError(t, err)
	})
}

func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return buf, mw.FormDataContentType()
}

func TestAttachmentHandlers(t *testing.T) {
	upload := func(t *testing.T, app *testApp, filename string, data []byte) *httptest.ResponseRecorder {
		body, contentType := multipartBody(t, filename, data)
		req := httptest.NewRequest(http.MethodPost, "/api/storage/chat-attachments", body)
		req.Header.Set("Content-Type", contentType)
		token, err := app.createJwtForSession(testUserId, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)

		rr := httptest.NewRecorder()
		app.Handler().ServeHTTP(rr, req)
		return rr
	}

	t.Run("upload and public read", func(t *testing.T) {
		app := newTestApp(t, Services{})
		rr := upload(t, app, "Cat.PNG", []byte("not really a png"))

		require.Equal(t, http.StatusCreated, rr.Code)
		var att types.Attachment
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&att))
		assert.Regexp(t, `^`+testUserId+`/[0-9]+\.png$`, att.Path)
		assert.Equal(t, "http://localhost:8000/storage/chat-attachments/"+att.Path, att.PublicUrl)
		assert.EqualValues(t, len("not really a png"), att.Size)

		get := app.do(t, http.MethodGet, "/storage/chat-attachments/"+att.Path, nil, "")
		require.Equal(t, http.StatusOK, get.Code)
		assert.Equal(t, "not really a png", get.Body.String())
	})

	t.Run("oversized file is refused", func(t *testing.T) {
		app := newTestApp(t, Services{})
		rr := upload(t, app, "big.bin", make([]byte, types.MaxAttachmentSize+1))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})

	t.Run("missing object", func(t *testing.T) {
		app := newTestApp(t, Services{})
		rr := app.do(t, http.MethodGet, "/storage/chat-attachments/"+testUserId+"/1.png", nil, "")
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

// findCookie is a helper function to find a cookie by name in the response recorder.
// It returns the cookie if found, or nil if not found.
func findCookie(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == name {
			return cookie
		}
	}
	return nil
}
