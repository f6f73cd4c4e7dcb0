package database

import (
	"database/sql"
	"slices"
	"sync"
	"time"

	"github.com/lib/pq"
)

// MemoryChatRepository keeps everything in process memory. It backs local
// development runs and end-to-end tests, and reports constraint errors the
// same way postgres does so callers cannot tell the two apart.
type MemoryChatRepository struct {
	mu           sync.RWMutex
	profiles     map[string]Profile
	rooms        map[int]Room
	secrets      map[int]string
	memberships  map[int]map[string]Membership
	messages     map[int][]Message
	nextRoomId   int
	nextMemberId int
	nextMsgId    int
}

func NewMemoryChatRepository() *MemoryChatRepository {
	return &MemoryChatRepository{
		profiles:    make(map[string]Profile),
		rooms:       make(map[int]Room),
		secrets:     make(map[int]string),
		memberships: make(map[int]map[string]Membership),
		messages:    make(map[int][]Message),
	}
}

func (db *MemoryChatRepository) Ping() error {
	return nil
}

func (db *MemoryChatRepository) CreateProfile(params CreateProfileParams) (Profile, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.profiles[params.Id]; ok {
		return Profile{}, &pq.Error{Code: uniqueViolation, Constraint: "profiles_pkey"}
	}
	for _, p := range db.profiles {
		if p.DisplayName == params.DisplayName {
			return Profile{}, &pq.Error{Code: uniqueViolation, Constraint: "profiles_display_name_key"}
		}
	}

	p := Profile{Id: params.Id, DisplayName: params.DisplayName, CreatedAt: time.Now().UTC()}
	db.profiles[p.Id] = p

	return p, nil
}

func (db *MemoryChatRepository) GetProfile(id string) (Profile, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	p, ok := db.profiles[id]
	if !ok {
		return Profile{}, sql.ErrNoRows
	}

	return p, nil
}

func (db *MemoryChatRepository) withCount(r Room) Room {
	r.MemberCount = len(db.memberships[r.Id])
	return r
}

func (db *MemoryChatRepository) sortedRooms(match func(Room) bool) []Room {
	rooms := make([]Room, 0, len(db.rooms))
	for _, r := range db.rooms {
		if match(r) {
			rooms = append(rooms, db.withCount(r))
		}
	}

	// newest first, ties broken by insertion order
	slices.SortFunc(rooms, func(a, b Room) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return b.Id - a.Id
	})

	return rooms
}

func (db *MemoryChatRepository) ListRooms() ([]Room, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.sortedRooms(func(Room) bool { return true }), nil
}

func (db *MemoryChatRepository) ListRoomsByName(name string) ([]Room, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	return db.sortedRooms(func(r Room) bool { return r.Name == name }), nil
}

func (db *MemoryChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	for _, r := range db.rooms {
		if r.ExternalId == externalId {
			return db.withCount(r), nil
		}
	}

	return Room{}, sql.ErrNoRows
}

func (db *MemoryChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	for _, r := range db.rooms {
		if r.ExternalId == params.ExternalId {
			return Room{}, &pq.Error{Code: uniqueViolation, Constraint: "rooms_external_id_key"}
		}
	}

	now := time.Now().UTC()
	db.nextRoomId++
	room := Room{
		Id:           db.nextRoomId,
		ExternalId:   params.ExternalId,
		Name:         params.Name,
		PasswordHash: params.PasswordHash,
		OwnerId:      params.OwnerId,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	db.rooms[room.Id] = room
	db.secrets[room.Id] = params.PasswordPlaintext
	db.upsertMembership(params.OwnerId, room.Id, now)

	return db.withCount(room), nil
}

func (db *MemoryChatRepository) DeleteRoom(id int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.rooms[id]; !ok {
		return sql.ErrNoRows
	}

	delete(db.rooms, id)
	delete(db.secrets, id)
	delete(db.memberships, id)
	delete(db.messages, id)

	return nil
}

func (db *MemoryChatRepository) GetRoomSecret(roomId int) (string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	secret, ok := db.secrets[roomId]
	if !ok {
		return "", sql.ErrNoRows
	}

	return secret, nil
}

func (db *MemoryChatRepository) upsertMembership(userId string, roomId int, now time.Time) Membership {
	members := db.memberships[roomId]
	if members == nil {
		members = make(map[string]Membership)
		db.memberships[roomId] = members
	}

	m, ok := members[userId]
	if !ok {
		db.nextMemberId++
		m = Membership{Id: db.nextMemberId, RoomId: roomId, UserId: userId, CreatedAt: now}
	}
	m.LastSeen = now
	members[userId] = m

	return m
}

func (db *MemoryChatRepository) CreateMembership(userId string, roomId int) (Membership, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.rooms[roomId]; !ok {
		return Membership{}, &pq.Error{Code: "23503", Constraint: "room_members_room_id_fkey"}
	}

	return db.upsertMembership(userId, roomId, time.Now().UTC()), nil
}

func (db *MemoryChatRepository) MembershipExists(userId string, roomId int) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	_, ok := db.memberships[roomId][userId]
	return ok, nil
}

func (db *MemoryChatRepository) DeleteMembership(userId string, roomId int) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	delete(db.memberships[roomId], userId)
	return nil
}

func (db *MemoryChatRepository) TouchMembership(userId string, roomId int, seen time.Time) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	m, ok := db.memberships[roomId][userId]
	if !ok {
		return sql.ErrNoRows
	}
	m.LastSeen = seen
	db.memberships[roomId][userId] = m

	return nil
}

func (db *MemoryChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.rooms[params.RoomId]; !ok {
		return Message{}, &pq.Error{Code: "23503", Constraint: "messages_room_id_fkey"}
	}
	profile, ok := db.profiles[params.UserId]
	if !ok {
		return Message{}, sql.ErrNoRows
	}

	db.nextMsgId++
	msg := Message{
		Id:            db.nextMsgId,
		RoomId:        params.RoomId,
		UserId:        params.UserId,
		DisplayName:   profile.DisplayName,
		Content:       params.Content,
		AttachmentUrl: params.AttachmentUrl,
		CreatedAt:     time.Now().UTC(),
	}
	db.messages[params.RoomId] = append(db.messages[params.RoomId], msg)

	return msg, nil
}

func (db *MemoryChatRepository) GetMessages(roomId, limit int) ([]Message, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	all := db.messages[roomId]
	start := max(len(all)-limit, 0)

	return slices.Clone(all[start:]), nil
}
