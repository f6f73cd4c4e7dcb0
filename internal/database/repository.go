package database

import (
	"errors"
	"time"

	"github.com/lib/pq"
)

type ChatRepository interface {
	Ping() error
	CreateProfile(params CreateProfileParams) (Profile, error)
	GetProfile(id string) (Profile, error)
	ListRooms() ([]Room, error)
	ListRoomsByName(name string) ([]Room, error)
	GetRoomByExternalId(externalId string) (Room, error)
	CreateRoom(params CreateRoomParams) (Room, error)
	DeleteRoom(id int) error
	GetRoomSecret(roomId int) (string, error)
	CreateMembership(userId string, roomId int) (Membership, error)
	MembershipExists(userId string, roomId int) (bool, error)
	DeleteMembership(userId string, roomId int) error
	TouchMembership(userId string, roomId int, seen time.Time) error
	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessages(roomId, limit int) ([]Message, error)
}

const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a postgres unique constraint error.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}
