package types

import (
	"time"
)

type Profile struct {
	Id          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

type Session struct {
	Token   string  `json:"token,omitempty"`
	Profile Profile `json:"profile"`
}

type Room struct {
	Id          string    `json:"id"`
	Name        string    `json:"name"`
	MemberCount int       `json:"member_count"`
	OnlineCount *int      `json:"online_count,omitempty"`
	OwnerId     string    `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type Membership struct {
	RoomId   string    `json:"room_id"`
	UserId   string    `json:"user_id"`
	LastSeen time.Time `json:"last_seen"`
}

type RoomSecret struct {
	RoomId            string `json:"room_id"`
	PasswordPlaintext string `json:"password_plaintext"`
}

type Message struct {
	Id            int       `json:"id"`
	RoomId        string    `json:"room_id"`
	UserId        string    `json:"user_id"`
	DisplayName   string    `json:"display_name,omitempty"`
	Content       string    `json:"content"`
	AttachmentUrl string    `json:"attachment_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type Attachment struct {
	Path      string `json:"path"`
	PublicUrl string `json:"public_url"`
	Size      int64  `json:"size"`
}

// Limits shared by the backend and the client.
const (
	MaxDisplayNameLength = 30
	MaxRoomNameLength    = 50
	MaxMessageLength     = 500
	MaxAttachmentSize    = 5 * 1024 * 1024
	RoomPasswordLength   = 6
	MessageHistoryLimit  = 50

	NameSuffixMin = 1000
	NameSuffixMax = 9999

	HeartbeatInterval = 30 * time.Second
	OnlineWindow      = time.Minute
	RoomPollInterval  = 10 * time.Second

	AttachmentBucket = "chat-attachments"
)

// RPC request bodies.

type CreateRoomRequest struct {
	NameInput     string `json:"name_input"`
	PasswordInput string `json:"password_input"`
}

type JoinRoomRequest struct {
	RoomId        string `json:"room_id"`
	PasswordInput string `json:"password_input"`
}

type JoinRoomByNameRequest struct {
	NameInput     string `json:"name_input"`
	PasswordInput string `json:"password_input"`
}

type SignInRequest struct {
	DisplayName string `json:"display_name"`
}

type CreateMessageRequest struct {
	Content       string `json:"content"`
	AttachmentUrl string `json:"attachment_url,omitempty"`
}

type MembershipStatus struct {
	Member bool `json:"member"`
}
