package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/Hayvi/roomy/internal/database"
	"github.com/Hayvi/roomy/internal/presence"
	"github.com/Hayvi/roomy/internal/server"
	"github.com/Hayvi/roomy/internal/stats"
	"github.com/Hayvi/roomy/internal/storage"
	"github.com/Hayvi/roomy/internal/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"
)

// RoomIdResponse is the result of the create_room and join_room_by_name calls.
type RoomIdResponse struct {
	RoomId string `json:"room_id"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("json encode: %v", err)
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error(errResp.Error())
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func toProfile(p database.Profile) types.Profile {
	return types.Profile{
		Id:          p.Id,
		DisplayName: p.DisplayName,
		CreatedAt:   p.CreatedAt,
	}
}

func toMessage(roomId string, m database.Message) types.Message {
	return types.Message{
		Id:            m.Id,
		RoomId:        roomId,
		UserId:        m.UserId,
		DisplayName:   m.DisplayName,
		Content:       m.Content,
		AttachmentUrl: m.AttachmentUrl,
		CreatedAt:     m.CreatedAt,
	}
}

func (s *GoChatApp) toRoom(r *http.Request, room database.Room) types.Room {
	out := types.Room{
		Id:          room.ExternalId,
		Name:        room.Name,
		MemberCount: room.MemberCount,
		OwnerId:     room.OwnerId,
		CreatedAt:   room.CreatedAt,
	}

	online, err := presence.Count(r.Context(), s.presence, room.ExternalId, server.Now())
	if err != nil {
		// the directory still lists the room without a count
		s.log.Warnf("online count for room %q: %v", room.ExternalId, err)
		return out
	}
	out.OnlineCount = &online

	return out
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.log.Errorf("health check: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *GoChatApp) getProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		s.writeError(w, NewNotFoundError())
		return
	}

	profile, err := s.db.GetProfile(id)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.writeJson(w, http.StatusOK, toProfile(profile))
}

// loadRoom resolves the {id} path segment, writing the error response itself on failure.
func (s *GoChatApp) loadRoom(w http.ResponseWriter, r *http.Request) (database.Room, bool) {
	externalId := r.PathValue("id")
	if externalId == "" {
		s.writeError(w, NewBadRequestError())
		return database.Room{}, false
	}

	room, err := s.db.GetRoomByExternalId(externalId)
	if err != nil {
		s.writeError(w, dbError(err))
		return database.Room{}, false
	}

	return room, true
}

func (s *GoChatApp) requireMember(w http.ResponseWriter, r *http.Request) (database.Room, string, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return database.Room{}, "", false
	}

	room, ok := s.loadRoom(w, r)
	if !ok {
		return database.Room{}, "", false
	}

	member, err := s.db.MembershipExists(userId, room.Id)
	if err != nil {
		s.writeError(w, dbError(err))
		return database.Room{}, "", false
	}
	if !member {
		s.writeError(w, NewForbiddenError())
		return database.Room{}, "", false
	}

	return room, userId, true
}

func (s *GoChatApp) requireOwner(w http.ResponseWriter, r *http.Request) (database.Room, bool) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return database.Room{}, false
	}

	room, ok := s.loadRoom(w, r)
	if !ok {
		return database.Room{}, false
	}

	if room.OwnerId != userId {
		s.writeError(w, NewForbiddenError())
		return database.Room{}, false
	}

	return room, true
}

func (s *GoChatApp) listRooms(w http.ResponseWriter, r *http.Request) {
	dbRooms, err := s.db.ListRooms()
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	rooms := make([]types.Room, 0, len(dbRooms))
	for _, room := range dbRooms {
		rooms = append(rooms, s.toRoom(r, room))
	}

	s.writeJson(w, http.StatusOK, rooms)
}

func (s *GoChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.loadRoom(w, r)
	if !ok {
		return
	}

	s.writeJson(w, http.StatusOK, s.toRoom(r, room))
}

func (s *GoChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req types.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	name := strings.TrimSpace(req.NameInput)
	if name == "" || utf8.RuneCountInString(name) > types.MaxRoomNameLength {
		s.writeError(w, NewValidationError(fmt.Sprintf("room name must be 1 to %d characters", types.MaxRoomNameLength)))
		return
	}
	if req.PasswordInput == "" {
		s.writeError(w, NewValidationError("password is required"))
		return
	}

	pwdHash, err := hashPassword(req.PasswordInput)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	sid, err := shortid.Generate()
	if err != nil {
		s.writeError(w, NewInternalServerError(fmt.Errorf("generate room id: %w", err)))
		return
	}

	newRoom, err := s.db.CreateRoom(database.CreateRoomParams{
		Name:              name,
		ExternalId:        sid,
		OwnerId:           userId,
		PasswordHash:      pwdHash,
		PasswordPlaintext: req.PasswordInput,
	})
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.stats.Incr(stats.RoomsCreated)
	if err := s.cs.NotifyRooms(r.Context(), server.EventInsert, s.toRoom(r, newRoom)); err != nil {
		s.log.Warnf("notify room insert: %v", err)
	}

	s.writeJson(w, http.StatusCreated, RoomIdResponse{RoomId: newRoom.ExternalId})
}

func (s *GoChatApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.requireOwner(w, r)
	if !ok {
		return
	}

	if err := s.db.DeleteRoom(room.Id); err != nil {
		s.writeError(w, dbError(err))
		return
	}

	if err := s.cs.UnloadRoom(r.Context(), room.ExternalId, true); err != nil {
		s.writeError(w, NewInternalServerError(fmt.Errorf("unload room: %w", err)))
		return
	}

	if err := s.cs.NotifyRooms(r.Context(), server.EventDelete, types.Room{Id: room.ExternalId}); err != nil {
		s.log.Warnf("notify room delete: %v", err)
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) getRoomSecret(w http.ResponseWriter, r *http.Request) {
	room, ok := s.requireOwner(w, r)
	if !ok {
		return
	}

	secret, err := s.db.GetRoomSecret(room.Id)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.writeJson(w, http.StatusOK, types.RoomSecret{
		RoomId:            room.ExternalId,
		PasswordPlaintext: secret,
	})
}

// allowJoin applies the per-identity attempt budget and writes 429 when it is spent.
func (s *GoChatApp) allowJoin(w http.ResponseWriter, r *http.Request, userId string) bool {
	allowed, err := s.limiter.Allow(r.Context(), "join:"+userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return false
	}

	if !allowed {
		s.stats.Incr(stats.JoinsRejected)
		s.writeError(w, NewTooManyRequestsError())
		return false
	}

	return true
}

func (s *GoChatApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req types.JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	if !s.allowJoin(w, r, userId) {
		return
	}

	room, err := s.db.GetRoomByExternalId(req.RoomId)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	if !verifyPassword(room.PasswordHash, req.PasswordInput) {
		s.stats.Incr(stats.JoinsRejected)
		s.writeError(w, NewIncorrectPasswordError())
		return
	}

	if _, err := s.db.CreateMembership(userId, room.Id); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, true)
}

func (s *GoChatApp) joinRoomByName(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req types.JoinRoomByNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	name := strings.TrimSpace(req.NameInput)
	if name == "" {
		s.writeError(w, NewValidationError("room name is required"))
		return
	}

	if !s.allowJoin(w, r, userId) {
		return
	}

	candidates, err := s.db.ListRoomsByName(name)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	if len(candidates) == 0 {
		s.writeError(w, NewNotFoundError())
		return
	}

	idx := slices.IndexFunc(candidates, func(room database.Room) bool {
		return verifyPassword(room.PasswordHash, req.PasswordInput)
	})
	if idx < 0 {
		s.stats.Incr(stats.JoinsRejected)
		s.writeError(w, NewIncorrectPasswordError())
		return
	}
	room := candidates[idx]

	if _, err := s.db.CreateMembership(userId, room.Id); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, RoomIdResponse{RoomId: room.ExternalId})
}

func (s *GoChatApp) getMembership(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	room, ok := s.loadRoom(w, r)
	if !ok {
		return
	}

	member, err := s.db.MembershipExists(userId, room.Id)
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}

	s.writeJson(w, http.StatusOK, types.MembershipStatus{Member: member})
}

func (s *GoChatApp) leaveRoom(w http.ResponseWriter, r *http.Request) {
	room, userId, ok := s.requireMember(w, r)
	if !ok {
		return
	}

	if err := s.db.DeleteMembership(userId, room.Id); err != nil {
		s.writeError(w, dbError(err))
		return
	}

	if err := s.presence.Leave(r.Context(), room.ExternalId, userId); err != nil {
		s.log.Warnf("leave presence: %v", err)
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) heartbeat(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	room, ok := s.loadRoom(w, r)
	if !ok {
		return
	}

	now := server.Now()
	if err := s.db.TouchMembership(userId, room.Id, now); err != nil {
		errResp := dbError(err)
		if errResp.StatusCode == http.StatusNotFound {
			errResp = NewForbiddenError()
		}
		s.writeError(w, errResp)
		return
	}

	if err := s.presence.Touch(r.Context(), room.ExternalId, userId, now); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *GoChatApp) getMessages(w http.ResponseWriter, r *http.Request) {
	room, _, ok := s.requireMember(w, r)
	if !ok {
		return
	}

	limit := types.MessageHistoryLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			s.writeError(w, NewBadRequestError())
			return
		}
		limit = min(n, types.MessageHistoryLimit)
	}

	dbMessages, err := s.db.GetMessages(room.Id, limit)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, msg := range dbMessages {
		messages = append(messages, toMessage(room.ExternalId, msg))
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *GoChatApp) createMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req types.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	// an upload only exists to be sent; once the message is refused the object is dropped
	sent := false
	defer func() {
		if !sent {
			s.discardAttachment(r.Context(), userId, req.AttachmentUrl)
		}
	}()

	room, _, ok := s.requireMember(w, r)
	if !ok {
		return
	}

	content := strings.TrimSpace(req.Content)
	if utf8.RuneCountInString(content) > types.MaxMessageLength {
		s.writeError(w, NewValidationError(fmt.Sprintf("message must be at most %d characters", types.MaxMessageLength)))
		return
	}
	if content == "" && req.AttachmentUrl == "" {
		s.writeError(w, NewValidationError("message needs text or an attachment"))
		return
	}
	if req.AttachmentUrl != "" {
		name, ok := storage.NameFromURL(s.publicURL, types.AttachmentBucket, req.AttachmentUrl)
		if !ok || !storage.OwnedBy(name, userId) {
			s.writeError(w, NewValidationError("attachment must be uploaded first"))
			return
		}
	}

	dbMsg, err := s.db.CreateMessage(database.CreateMessageParams{
		RoomId:        room.Id,
		UserId:        userId,
		Content:       content,
		AttachmentUrl: req.AttachmentUrl,
	})
	if err != nil {
		s.writeError(w, dbError(err))
		return
	}
	sent = true

	msg := toMessage(room.ExternalId, dbMsg)
	s.stats.Incr(stats.MessagesSent)
	if err := s.cs.PublishMessage(r.Context(), msg); err != nil {
		s.log.Warnf("publish message: %v", err)
	}

	s.writeJson(w, http.StatusCreated, msg)
}

// discardAttachment removes the caller's own upload referenced by url. URLs
// outside the bucket or under another identity are left alone.
func (s *GoChatApp) discardAttachment(ctx context.Context, userId, url string) {
	name, ok := storage.NameFromURL(s.publicURL, types.AttachmentBucket, url)
	if !ok || !storage.OwnedBy(name, userId) {
		return
	}

	if err := s.store.Remove(context.WithoutCancel(ctx), name); err != nil {
		s.log.Warnf("discard attachment %s: %v", name, err)
	}
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	profile, err := s.db.GetProfile(id)
	if err != nil {
		errResp := dbError(err)
		if errResp.StatusCode == http.StatusNotFound {
			errResp = NewUnauthorizedError()
		}
		s.writeError(w, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				// if no origin header, allow the request
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("error upgrading connection: %v", err)
		return
	}

	client := server.NewClient(toProfile(profile), conn, s.cs, s.log)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
