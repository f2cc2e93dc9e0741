// Package protocol defines the client-facing socket wire contracts: a
// tagged union of client events and typed server events. All payloads are
// JSON with the event name carried in a top-level "type" field.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ariellinfy/liteline-nova/internal/models"
)

// Client event names.
const (
	EventJoinRoom         = "join_room"
	EventLeaveRoom        = "leave_room"
	EventSendMessage      = "send_message"
	EventLoadMoreMessages = "load_more_messages"
	EventTypingStart      = "typing_start"
	EventTypingStop       = "typing_stop"
	EventHeartbeat        = "heartbeat"
	EventGetRoomPresences = "get_room_presences"
	EventGetMyRooms       = "get_my_rooms"
)

// Server event names.
const (
	EventRoomJoined         = "room_joined"
	EventRoomLeft           = "room_left"
	EventRoomUpdate         = "room_update"
	EventRecentMessages     = "recent_messages"
	EventMoreMessagesLoaded = "more_messages_loaded"
	EventRoomPresences      = "room_presences"
	EventMyRooms            = "my_rooms"
	EventUserTyping         = "user_typing"
	EventHeartbeatAck       = "heartbeat_ack"
	EventError              = "error"
)

// Room-update subtypes carried inside room_update events.
const (
	UpdateNewMessage       = "new_message"
	UpdateUserJoined       = "user_joined"
	UpdateUserLeft         = "user_left"
	UpdateUserConnected    = "user_connected"
	UpdateUserDisconnected = "user_disconnected"
)

var ErrUnknownEvent = errors.New("unknown event type")

// ClientEvent is the decoded tagged union of an inbound frame. Payload
// holds the raw frame so the dispatcher can bind it to the typed struct
// for the event.
type ClientEvent struct {
	Type    string
	Payload json.RawMessage
}

// DecodeClientEvent splits a raw frame into its tag and payload.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return ClientEvent{}, fmt.Errorf("malformed frame: %w", err)
	}
	if tag.Type == "" {
		return ClientEvent{}, errors.New("frame missing type")
	}
	return ClientEvent{Type: tag.Type, Payload: data}, nil
}

// Bind unmarshals the payload into the typed struct for the event.
func (e ClientEvent) Bind(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Client payloads

type JoinRoomPayload struct {
	RoomID        uuid.UUID `json:"room_id"`
	AlreadyJoined bool      `json:"already_joined"`
}

func (p JoinRoomPayload) Validate() error {
	if p.RoomID == uuid.Nil {
		return errors.New("room_id is required")
	}
	return nil
}

type LeaveRoomPayload struct {
	RoomID uuid.UUID `json:"room_id"`
}

func (p LeaveRoomPayload) Validate() error {
	if p.RoomID == uuid.Nil {
		return errors.New("room_id is required")
	}
	return nil
}

type SendMessagePayload struct {
	RoomID  uuid.UUID `json:"room_id"`
	Content string    `json:"content"`
}

func (p SendMessagePayload) Validate() error {
	if p.RoomID == uuid.Nil {
		return errors.New("room_id is required")
	}
	if strings.TrimSpace(p.Content) == "" {
		return errors.New("content is empty")
	}
	return nil
}

type LoadMorePayload struct {
	RoomID uuid.UUID `json:"room_id"`
	Limit  int       `json:"limit,omitempty"`
	Before int64     `json:"before,omitempty"`
}

func (p LoadMorePayload) Validate() error {
	if p.RoomID == uuid.Nil {
		return errors.New("room_id is required")
	}
	if p.Before <= 0 {
		return errors.New("before cursor is required")
	}
	return nil
}

type TypingPayload struct {
	RoomID uuid.UUID `json:"room_id"`
}

func (p TypingPayload) Validate() error {
	if p.RoomID == uuid.Nil {
		return errors.New("room_id is required")
	}
	return nil
}

type RoomPresencesPayload struct {
	RoomID uuid.UUID `json:"room_id"`
}

func (p RoomPresencesPayload) Validate() error {
	if p.RoomID == uuid.Nil {
		return errors.New("room_id is required")
	}
	return nil
}

// Server events. Every struct carries its own type tag so it can be
// written to the socket as-is.

type RoomJoined struct {
	Type      string            `json:"type"`
	RoomID    uuid.UUID         `json:"room_id"`
	Presences []models.Presence `json:"presences"`
}

func NewRoomJoined(roomID uuid.UUID, presences []models.Presence) RoomJoined {
	return RoomJoined{Type: EventRoomJoined, RoomID: roomID, Presences: presences}
}

type RoomLeft struct {
	Type   string    `json:"type"`
	RoomID uuid.UUID `json:"room_id"`
}

func NewRoomLeft(roomID uuid.UUID) RoomLeft {
	return RoomLeft{Type: EventRoomLeft, RoomID: roomID}
}

// RoomUpdate is the room-wide broadcast envelope: a new message or a
// presence transition, with the subtype in Update.
type RoomUpdate struct {
	Type      string            `json:"type"`
	Update    string            `json:"update_type"`
	RoomID    uuid.UUID         `json:"room_id,omitempty"`
	Message   *models.Message   `json:"message,omitempty"`
	Presences []models.Presence `json:"presences,omitempty"`
	UserID    uuid.UUID         `json:"user_id,omitempty"`
	Username  string            `json:"username,omitempty"`
}

func NewRoomUpdate(update string, roomID uuid.UUID) RoomUpdate {
	return RoomUpdate{Type: EventRoomUpdate, Update: update, RoomID: roomID}
}

type MessagesPage struct {
	Type       string           `json:"type"`
	RoomID     uuid.UUID        `json:"room_id"`
	Messages   []models.Message `json:"messages"`
	HasMore    bool             `json:"has_more"`
	NextCursor *int64           `json:"next_cursor,omitempty"`
}

func NewRecentMessages(roomID uuid.UUID, messages []models.Message, hasMore bool, next *int64) MessagesPage {
	return MessagesPage{Type: EventRecentMessages, RoomID: roomID, Messages: messages, HasMore: hasMore, NextCursor: next}
}

func NewMoreMessagesLoaded(roomID uuid.UUID, messages []models.Message, hasMore bool, next *int64) MessagesPage {
	return MessagesPage{Type: EventMoreMessagesLoaded, RoomID: roomID, Messages: messages, HasMore: hasMore, NextCursor: next}
}

type RoomPresences struct {
	Type      string            `json:"type"`
	RoomID    uuid.UUID         `json:"room_id"`
	Presences []models.Presence `json:"presences"`
}

func NewRoomPresences(roomID uuid.UUID, presences []models.Presence) RoomPresences {
	return RoomPresences{Type: EventRoomPresences, RoomID: roomID, Presences: presences}
}

type MyRooms struct {
	Type  string        `json:"type"`
	Rooms []models.Room `json:"rooms"`
}

func NewMyRooms(rooms []models.Room) MyRooms {
	return MyRooms{Type: EventMyRooms, Rooms: rooms}
}

type UserTyping struct {
	Type     string    `json:"type"`
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	RoomID   uuid.UUID `json:"room_id"`
	IsTyping bool      `json:"is_typing"`
}

func NewUserTyping(userID uuid.UUID, username string, roomID uuid.UUID, isTyping bool) UserTyping {
	return UserTyping{Type: EventUserTyping, UserID: userID, Username: username, RoomID: roomID, IsTyping: isTyping}
}

type HeartbeatAck struct {
	Type string `json:"type"`
}

func NewHeartbeatAck() HeartbeatAck {
	return HeartbeatAck{Type: EventHeartbeatAck}
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func NewError(message, code string) ErrorEvent {
	return ErrorEvent{Type: EventError, Message: message, Code: code}
}
