package database

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	roomColumns = "r.id, r.external_id, r.name, r.password_hash, r.owner_id, r.created_at, r.updated_at, " +
		"(SELECT COUNT(*) FROM room_members m WHERE m.room_id = r.id) AS member_count"
	createMembershipQuery = "INSERT INTO room_members (room_id, user_id, last_seen, created_at) VALUES ($1, $2, $3, $3) " +
		"ON CONFLICT (room_id, user_id) DO UPDATE SET last_seen = EXCLUDED.last_seen " +
		"RETURNING id, room_id, user_id, last_seen, created_at"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (Room, error) {
	var room Room
	err := row.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.PasswordHash,
		&room.OwnerId,
		&room.CreatedAt,
		&room.UpdatedAt,
		&room.MemberCount,
	)
	return room, err
}

func (db *PgChatRepository) CreateProfile(params CreateProfileParams) (Profile, error) {
	res := db.conn.QueryRow(
		"INSERT INTO profiles (id, display_name, created_at) VALUES ($1, $2, $3) "+
			"RETURNING id, display_name, created_at",
		params.Id,
		params.DisplayName,
		time.Now().UTC(),
	)

	var p Profile
	err := res.Scan(&p.Id, &p.DisplayName, &p.CreatedAt)

	return p, err
}

func (db *PgChatRepository) GetProfile(id string) (Profile, error) {
	row := db.conn.QueryRow(
		"SELECT id, display_name, created_at FROM profiles WHERE id = $1 LIMIT 1",
		id,
	)

	var p Profile
	err := row.Scan(&p.Id, &p.DisplayName, &p.CreatedAt)

	return p, err
}

func (db *PgChatRepository) queryRooms(query string, args ...any) ([]Room, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgChatRepository) ListRooms() ([]Room, error) {
	return db.queryRooms("SELECT " + roomColumns + " FROM rooms r ORDER BY r.created_at DESC")
}

func (db *PgChatRepository) ListRoomsByName(name string) ([]Room, error) {
	return db.queryRooms(
		"SELECT "+roomColumns+" FROM rooms r WHERE r.name = $1 ORDER BY r.created_at DESC",
		name,
	)
}

func (db *PgChatRepository) GetRoomByExternalId(externalId string) (Room, error) {
	row := db.conn.QueryRow(
		"SELECT "+roomColumns+" FROM rooms r WHERE r.external_id = $1 LIMIT 1",
		externalId,
	)

	return scanRoom(row)
}

// CreateRoom inserts the room, its secret and the owner's membership in one transaction.
func (db *PgChatRepository) CreateRoom(params CreateRoomParams) (Room, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Room{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	res := tx.QueryRow(
		"INSERT INTO rooms (name, external_id, password_hash, owner_id, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $5) RETURNING id, external_id, name, password_hash, owner_id, created_at, updated_at",
		params.Name,
		params.ExternalId,
		params.PasswordHash,
		params.OwnerId,
		now,
	)

	var room Room
	err = res.Scan(
		&room.Id,
		&room.ExternalId,
		&room.Name,
		&room.PasswordHash,
		&room.OwnerId,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		return Room{}, err
	}

	_, err = tx.Exec(
		"INSERT INTO room_secrets (room_id, password_plaintext) VALUES ($1, $2)",
		room.Id,
		params.PasswordPlaintext,
	)
	if err != nil {
		return Room{}, err
	}

	_, err = tx.Exec(createMembershipQuery, room.Id, params.OwnerId, now)
	if err != nil {
		return Room{}, err
	}

	if err = tx.Commit(); err != nil {
		return Room{}, err
	}

	room.MemberCount = 1
	return room, nil
}

// DeleteRoom removes the room; memberships, messages and the secret cascade.
func (db *PgChatRepository) DeleteRoom(id int) error {
	res, err := db.conn.Exec("DELETE FROM rooms WHERE id = $1", id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgChatRepository) GetRoomSecret(roomId int) (string, error) {
	row := db.conn.QueryRow(
		"SELECT password_plaintext FROM room_secrets WHERE room_id = $1",
		roomId,
	)

	var secret string
	err := row.Scan(&secret)

	return secret, err
}

func (db *PgChatRepository) CreateMembership(userId string, roomId int) (Membership, error) {
	res := db.conn.QueryRow(createMembershipQuery, roomId, userId, time.Now().UTC())

	var m Membership
	err := res.Scan(&m.Id, &m.RoomId, &m.UserId, &m.LastSeen, &m.CreatedAt)

	return m, err
}

func (db *PgChatRepository) MembershipExists(userId string, roomId int) (bool, error) {
	var exists bool
	err := db.conn.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM room_members WHERE user_id = $1 AND room_id = $2)",
		userId,
		roomId,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("membership exists: %w", err)
	}

	return exists, nil
}

func (db *PgChatRepository) DeleteMembership(userId string, roomId int) error {
	_, err := db.conn.Exec(
		"DELETE FROM room_members WHERE user_id = $1 AND room_id = $2",
		userId,
		roomId,
	)

	return err
}

func (db *PgChatRepository) TouchMembership(userId string, roomId int, seen time.Time) error {
	res, err := db.conn.Exec(
		"UPDATE room_members SET last_seen = $3 WHERE user_id = $1 AND room_id = $2",
		userId,
		roomId,
		seen,
	)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgChatRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	res := db.conn.QueryRow(
		"WITH inserted AS ("+
			"INSERT INTO messages (room_id, user_id, content, attachment_url, created_at) "+
			"VALUES ($1, $2, $3, $4, $5) RETURNING id, room_id, user_id, content, attachment_url, created_at) "+
			"SELECT i.id, i.room_id, i.user_id, p.display_name, i.content, i.attachment_url, i.created_at "+
			"FROM inserted i JOIN profiles p ON p.id = i.user_id",
		params.RoomId,
		params.UserId,
		params.Content,
		params.AttachmentUrl,
		time.Now().UTC(),
	)

	var msg Message
	err := res.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.UserId,
		&msg.DisplayName,
		&msg.Content,
		&msg.AttachmentUrl,
		&msg.CreatedAt,
	)

	return msg, err
}

// GetMessages returns the newest limit messages of a room in ascending order.
func (db *PgChatRepository) GetMessages(roomId, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := db.conn.Query(
		"SELECT * FROM ("+
			"SELECT m.id, m.room_id, m.user_id, p.display_name, m.content, m.attachment_url, m.created_at "+
			"FROM messages m JOIN profiles p ON p.id = m.user_id "+
			"WHERE m.room_id = $1 ORDER BY m.created_at DESC, m.id DESC LIMIT $2"+
			") recent ORDER BY created_at ASC, id ASC",
		roomId,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(
			&msg.Id,
			&msg.RoomId,
			&msg.UserId,
			&msg.DisplayName,
			&msg.Content,
			&msg.AttachmentUrl,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}
