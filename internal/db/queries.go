package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ariellinfy/liteline-nova/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// IsUniqueViolation reports whether err is a unique-constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// User queries

func (db *Database) CreateUser(ctx context.Context, username, email, passwordHash string) (*models.User, error) {
	user := &models.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
	}
	err := db.QueryRow(ctx,
		`INSERT INTO users (id, username, email, password_hash) VALUES ($1, $2, $3, $4)
		 RETURNING created_at`,
		user.ID, user.Username, user.Email, user.PasswordHash,
	).Scan(&user.CreatedAt)
	return user, err
}

func (db *Database) GetUserByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User
	err := db.QueryRow(ctx,
		`SELECT id, username, email, created_at FROM users WHERE id = $1`,
		userID,
	).Scan(&user.ID, &user.Username, &user.Email, &user.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (db *Database) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := db.QueryRow(ctx,
		`SELECT id, username, email, password_hash, created_at FROM users WHERE username = $1`,
		username,
	).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

// Room queries

func (db *Database) CreateRoom(ctx context.Context, name, description string, isPrivate bool, passcodeHash string, creatorID uuid.UUID) (*models.Room, error) {
	room := &models.Room{
		ID:           uuid.New(),
		Name:         name,
		Description:  description,
		IsPrivate:    isPrivate,
		PasscodeHash: passcodeHash,
		CreatorID:    creatorID,
	}
	err := db.QueryRow(ctx,
		`INSERT INTO rooms (id, name, description, is_private, passcode_hash, creator_id)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6) RETURNING created_at`,
		room.ID, room.Name, room.Description, room.IsPrivate, room.PasscodeHash, room.CreatorID,
	).Scan(&room.CreatedAt)
	if err != nil {
		return nil, err
	}
	// The creator is an active member from the start.
	if err := db.JoinRoom(ctx, room.ID, creatorID); err != nil {
		return nil, err
	}
	return room, nil
}

func (db *Database) GetRoomByID(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	var room models.Room
	err := db.QueryRow(ctx,
		`SELECT id, name, description, is_private, COALESCE(passcode_hash, ''), creator_id, created_at
		 FROM rooms WHERE id = $1`,
		roomID,
	).Scan(&room.ID, &room.Name, &room.Description, &room.IsPrivate, &room.PasscodeHash, &room.CreatorID, &room.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &room, nil
}

func (db *Database) ListPublicRooms(ctx context.Context) ([]models.Room, error) {
	rows, err := db.Query(ctx,
		`SELECT id, name, description, is_private, creator_id, created_at
		 FROM rooms WHERE is_private = false
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRooms(rows)
}

func (db *Database) GetRoomsByUser(ctx context.Context, userID uuid.UUID) ([]models.Room, error) {
	rows, err := db.Query(ctx,
		`SELECT r.id, r.name, r.description, r.is_private, r.creator_id, r.created_at
		 FROM rooms r
		 INNER JOIN room_memberships rm ON r.id = rm.room_id
		 WHERE rm.user_id = $1 AND rm.is_active
		 ORDER BY rm.joined_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRooms(rows)
}

func scanRooms(rows pgx.Rows) ([]models.Room, error) {
	var rooms []models.Room
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Description, &room.IsPrivate, &room.CreatorID, &room.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// Membership queries

// JoinRoom creates or reactivates a membership. Re-joining flips is_active
// back on and refreshes joined_at.
func (db *Database) JoinRoom(ctx context.Context, roomID, userID uuid.UUID) error {
	_, err := db.Exec(ctx,
		`INSERT INTO room_memberships (user_id, room_id, joined_at, is_active)
		 VALUES ($1, $2, NOW(), true)
		 ON CONFLICT (user_id, room_id) DO UPDATE SET is_active = true, joined_at = NOW()`,
		userID, roomID,
	)
	return err
}

// LeaveRoom soft-deletes the membership so history is preserved.
func (db *Database) LeaveRoom(ctx context.Context, roomID, userID uuid.UUID) error {
	_, err := db.Exec(ctx,
		`UPDATE room_memberships SET is_active = false WHERE user_id = $1 AND room_id = $2`,
		userID, roomID,
	)
	return err
}

func (db *Database) IsActiveMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	var active bool
	err := db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_memberships WHERE room_id = $1 AND user_id = $2 AND is_active)`,
		roomID, userID,
	).Scan(&active)
	return active, err
}

// ActiveRoomIDs returns the rooms the user is currently an active member of.
func (db *Database) ActiveRoomIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.Query(ctx,
		`SELECT room_id FROM room_memberships WHERE user_id = $1 AND is_active
		 ORDER BY joined_at DESC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUUIDs(rows)
}

// ActiveMemberIDs returns the users currently active in the room.
func (db *Database) ActiveMemberIDs(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.Query(ctx,
		`SELECT user_id FROM room_memberships WHERE room_id = $1 AND is_active`,
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUUIDs(rows)
}

func scanUUIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Message queries
//
// Room ordering is (created_at DESC, id DESC); timestamps come from the
// DB clock so ties are possible and broken by id.

const messageColumns = `m.id, m.room_id, m.user_id, COALESCE(u.username, ''), m.content, m.message_type, m.created_at`

// InsertMessage appends a message; the DB assigns id and created_at.
// The persisted row is the canonical message.
func (db *Database) InsertMessage(ctx context.Context, msg *models.Message) error {
	return db.QueryRow(ctx,
		`INSERT INTO messages (room_id, user_id, content, message_type)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		msg.RoomID, msg.UserID, msg.Content, msg.MessageType,
	).Scan(&msg.ID, &msg.CreatedAt)
}

func (db *Database) GetMessageByID(ctx context.Context, messageID int64) (*models.Message, error) {
	var msg models.Message
	err := db.QueryRow(ctx,
		`SELECT `+messageColumns+`
		 FROM messages m LEFT JOIN users u ON m.user_id = u.id
		 WHERE m.id = $1`,
		messageID,
	).Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.Username, &msg.Content, &msg.MessageType, &msg.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

// NewestMessages returns up to limit newest messages for a room, newest first.
func (db *Database) NewestMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Message, error) {
	rows, err := db.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages m LEFT JOIN users u ON m.user_id = u.id
		 WHERE m.room_id = $1
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT $2`,
		roomID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MessagesBefore returns up to limit messages strictly older than the
// (created_at, id) cursor, newest first. The strict bound keeps stitched
// cache+DB reads duplicate-free.
func (db *Database) MessagesBefore(ctx context.Context, roomID uuid.UUID, before *models.Message, limit int) ([]models.Message, error) {
	rows, err := db.Query(ctx,
		`SELECT `+messageColumns+`
		 FROM messages m LEFT JOIN users u ON m.user_id = u.id
		 WHERE m.room_id = $1 AND (m.created_at, m.id) < ($2, $3)
		 ORDER BY m.created_at DESC, m.id DESC
		 LIMIT $4`,
		roomID, before.CreatedAt, before.ID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]models.Message, error) {
	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.Username, &msg.Content, &msg.MessageType, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
