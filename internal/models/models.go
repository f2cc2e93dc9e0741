package models

import (
	"time"

	"github.com/google/uuid"
)

// Message kinds. Text messages always carry an author; system messages
// (join/leave notices) may not.
const (
	MessageKindText   = "text"
	MessageKindSystem = "system"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// User represents a user in the chat system
type User struct {
	ID           uuid.UUID `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // Don't expose password hash
	CreatedAt    time.Time `json:"created_at"`
}

// Room represents a chat room. Private rooms always carry a passcode hash.
type Room struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	IsPrivate    bool      `json:"is_private"`
	PasscodeHash string    `json:"-"`
	CreatorID    uuid.UUID `json:"creator_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// Membership represents a user's membership in a room. Leaving flips
// IsActive rather than deleting the row so history survives.
type Membership struct {
	UserID   uuid.UUID `json:"user_id"`
	RoomID   uuid.UUID `json:"room_id"`
	JoinedAt time.Time `json:"joined_at"`
	IsActive bool      `json:"is_active"`
}

// Message represents a chat message. IDs are DB-assigned and ordering
// within a room is (created_at, id).
type Message struct {
	ID          int64      `json:"id"`
	RoomID      uuid.UUID  `json:"room_id"`
	UserID      *uuid.UUID `json:"user_id,omitempty"` // nil for system messages
	Username    string     `json:"username,omitempty"`
	Content     string     `json:"content"`
	MessageType string     `json:"message_type"` // text, system
	CreatedAt   time.Time  `json:"created_at"`
}

// Presence is the hot per-user presence record kept in the fast store.
// ActiveRooms is authoritative over any DB replica for the current moment.
type Presence struct {
	UserID      uuid.UUID   `json:"user_id"`
	Username    string      `json:"username,omitempty"`
	Status      string      `json:"status"` // online, offline
	LastSeen    time.Time   `json:"last_seen"`
	ActiveRooms []uuid.UUID `json:"active_rooms"`
}
