package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockChatRepository struct {
	mock.Mock
}

func (m *MockChatRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockChatRepository) CreateProfile(params CreateProfileParams) (Profile, error) {
	args := m.Called(params)
	return args.Get(0).(Profile), args.Error(1)
}
func (m *MockChatRepository) GetProfile(id string) (Profile, error) {
	args := m.Called(id)
	return args.Get(0).(Profile), args.Error(1)
}
func (m *MockChatRepository) ListRooms() ([]Room, error) {
	args := m.Called()
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockChatRepository) ListRoomsByName(name string) ([]Room, error) {
	args := m.Called(name)
	return args.Get(0).([]Room), args.Error(1)
}
func (m *MockChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	args := m.Called(externalId)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	args := m.Called(params)
	return args.Get(0).(Room), args.Error(1)
}
func (m *MockChatRepository) DeleteRoom(id int) error {
	args := m.Called(id)
	return args.Error(0)
}
func (m *MockChatRepository) GetRoomSecret(roomId int) (string, error) {
	args := m.Called(roomId)
	return args.String(0), args.Error(1)
}
func (m *MockChatRepository) CreateMembership(userId string, roomId int) (Membership, error) {
	args := m.Called(userId, roomId)
	return args.Get(0).(Membership), args.Error(1)
}
func (m *MockChatRepository) MembershipExists(userId string, roomId int) (bool, error) {
	args := m.Called(userId, roomId)
	return args.Bool(0), args.Error(1)
}
func (m *MockChatRepository) DeleteMembership(userId string, roomId int) error {
	args := m.Called(userId, roomId)
	return args.Error(0)
}
func (m *MockChatRepository) TouchMembership(userId string, roomId int, seen time.Time) error {
	args := m.Called(userId, roomId, seen)
	return args.Error(0)
}
func (m *MockChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}
func (m *MockChatRepository) GetMessages(roomId, limit int) ([]Message, error) {
	args := m.Called(roomId, limit)
	return args.Get(0).([]Message), args.Error(1)
}
