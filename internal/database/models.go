package database

import "time"

type Profile struct {
	Id          string
	DisplayName string
	CreatedAt   time.Time
}

type Room struct {
	Id           int
	ExternalId   string
	Name         string
	PasswordHash string
	OwnerId      string
	MemberCount  int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Membership struct {
	Id        int
	RoomId    int
	UserId    string
	LastSeen  time.Time
	CreatedAt time.Time
}

type Message struct {
	Id            int
	RoomId        int
	UserId        string
	DisplayName   string
	Content       string
	AttachmentUrl string
	CreatedAt     time.Time
}

type CreateProfileParams struct {
	Id          string
	DisplayName string
}

type CreateRoomParams struct {
	Name              string
	ExternalId        string
	OwnerId           string
	PasswordHash      string
	PasswordPlaintext string
}

type CreateMessageParams struct {
	RoomId        int
	UserId        string
	Content       string
	AttachmentUrl string
}
