package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariellinfy/liteline-nova/internal/bus"
	"github.com/ariellinfy/liteline-nova/internal/contextkey"
	"github.com/ariellinfy/liteline-nova/internal/db"
	"github.com/ariellinfy/liteline-nova/internal/models"
	"github.com/ariellinfy/liteline-nova/internal/pipeline"
	"github.com/ariellinfy/liteline-nova/internal/protocol"
	"github.com/ariellinfy/liteline-nova/internal/utils"
)

// eventError carries a client-visible code alongside the underlying error.
type eventError struct {
	code    string
	message string
	err     error
}

func (e *eventError) Error() string {
	if e.err != nil {
		return e.message + ": " + e.err.Error()
	}
	return e.message
}

func (e *eventError) Unwrap() error { return e.err }

func badInput(message string) *eventError {
	return &eventError{code: utils.CodeValidationError, message: message}
}

func forbidden(message string) *eventError {
	return &eventError{code: utils.CodeForbidden, message: message}
}

// handleConnect runs the authenticated-connect lifecycle: presence goes
// online with the DB-active rooms and every one of them hears
// user_connected. The socket joins no room bucket yet; that only happens
// on an explicit join_room.
func (h *Hub) handleConnect(c *Client) {
	ctx, cancel := h.eventContext(c)
	defer cancel()

	rooms, err := h.directory.ActiveRoomIDs(ctx, c.user.ID)
	if err != nil {
		h.logger.Error(ctx, "connect: failed to load active rooms for %s: %v", c.user.ID, err)
		rooms = nil
	}
	if err := h.presence.MarkOnline(ctx, c.user.ID, c.user.Username, rooms); err != nil {
		h.logger.Error(ctx, "connect: failed to mark %s online: %v", c.user.ID, err)
	}
	if err := h.sessions.SetSession(ctx, c.user.ID, c.socketID, h.opts.SessionTTL); err != nil {
		h.logger.Error(ctx, "connect: failed to record session for %s: %v", c.user.ID, err)
	}
	for _, roomID := range rooms {
		h.emitPresenceEvent(ctx, protocol.UpdateUserConnected, roomID, c.user.ID, c.user.Username)
	}
}

// handleDisconnect runs when the socket goes away for any reason. The
// online-set removal inside MarkOffline gates the broadcasts, so a user
// already reaped elsewhere produces none. Deaths the socket layer never
// notices are the reaper's job.
func (h *Hub) handleDisconnect(c *Client) {
	ctx, cancel := h.eventContext(c)
	defer cancel()

	// A draining node leaves presence alone unless configured otherwise;
	// the user reconnects elsewhere, and the reaper covers the rest.
	if h.draining.Load() && !h.opts.OfflineOnShutdown {
		return
	}

	if err := h.sessions.DeleteSession(ctx, c.user.ID); err != nil {
		h.logger.Error(ctx, "disconnect: failed to drop session for %s: %v", c.user.ID, err)
	}

	prev, removed, err := h.presence.MarkOffline(ctx, c.user.ID)
	if err != nil {
		h.logger.Error(ctx, "disconnect: failed to mark %s offline: %v", c.user.ID, err)
		return
	}
	if !removed || prev == nil {
		return
	}
	for _, roomID := range prev.ActiveRooms {
		h.emitPresenceEvent(ctx, protocol.UpdateUserDisconnected, roomID, c.user.ID, c.user.Username)
	}
}

// dispatch routes one inbound event under the per-event deadline. Any
// handler error is logged with its correlation ids and answered with a
// single error event to the originating socket; errors never cascade into
// a broadcast.
func (h *Hub) dispatch(c *Client, ev protocol.ClientEvent) {
	ctx, cancel := h.eventContext(c)
	defer cancel()

	var err error
	switch ev.Type {
	case protocol.EventJoinRoom:
		err = h.handleJoinRoom(ctx, c, ev)
	case protocol.EventLeaveRoom:
		err = h.handleLeaveRoom(ctx, c, ev)
	case protocol.EventSendMessage:
		err = h.handleSendMessage(ctx, c, ev)
	case protocol.EventLoadMoreMessages:
		err = h.handleLoadMore(ctx, c, ev)
	case protocol.EventTypingStart:
		err = h.handleTyping(ctx, c, ev, true)
	case protocol.EventTypingStop:
		err = h.handleTyping(ctx, c, ev, false)
	case protocol.EventHeartbeat:
		err = h.handleHeartbeat(ctx, c)
	case protocol.EventGetRoomPresences:
		err = h.handleGetRoomPresences(ctx, c, ev)
	case protocol.EventGetMyRooms:
		err = h.handleGetMyRooms(ctx, c)
	default:
		err = badInput(fmt.Sprintf("unknown event %q", ev.Type))
	}

	if err != nil {
		h.logger.Error(ctx, "event %s failed (socket=%s user=%s): %v", ev.Type, c.socketID, c.user.ID, err)
		c.enqueue(h.clientError(err))
	}
}

func (h *Hub) eventContext(c *Client) (context.Context, context.CancelFunc) {
	ctx := context.WithValue(context.Background(), contextkey.ContextKeyUserID, c.user.ID)
	return context.WithTimeout(ctx, h.opts.EventDeadline)
}

// clientError maps an internal error to the single error event the client
// sees. Downstream failures surface as SERVER_ERROR without detail.
func (h *Hub) clientError(err error) protocol.ErrorEvent {
	var evErr *eventError
	if errors.As(err, &evErr) {
		return protocol.NewError(evErr.message, evErr.code)
	}
	if errors.Is(err, pipeline.ErrEmptyContent) {
		return protocol.NewError("message content is empty", utils.CodeValidationError)
	}
	if errors.Is(err, db.ErrNotFound) {
		return protocol.NewError("not found", utils.CodeNotFound)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.NewError("request timed out", utils.CodeServerError)
	}
	return protocol.NewError("internal error", utils.CodeServerError)
}

// handleJoinRoom attaches the socket to the room bucket, refreshes
// presence with the updated room set, replies with the presence snapshot
// plus the first message page, and (for a first join) writes the system
// join message and broadcasts user_joined.
func (h *Hub) handleJoinRoom(ctx context.Context, c *Client, ev protocol.ClientEvent) error {
	var p protocol.JoinRoomPayload
	if err := ev.Bind(&p); err != nil {
		return badInput("invalid join_room payload")
	}
	if err := p.Validate(); err != nil {
		return badInput(err.Error())
	}

	// Membership itself is established over REST; the socket only ever
	// attaches to rooms the user already belongs to.
	member, err := h.directory.IsActiveMember(ctx, p.RoomID, c.user.ID)
	if err != nil {
		return fmt.Errorf("membership check failed: %w", err)
	}
	if !member {
		return forbidden("join the room before subscribing to it")
	}

	h.joinBucket(p.RoomID, c)
	c.joined[p.RoomID] = true

	if err := h.sessions.AddRoomMember(ctx, p.RoomID, c.user.ID); err != nil {
		h.logger.Error(ctx, "join: failed to add %s to member set of %s: %v", c.user.ID, p.RoomID, err)
	}

	rooms, err := h.directory.ActiveRoomIDs(ctx, c.user.ID)
	if err != nil {
		return fmt.Errorf("failed to refresh active rooms: %w", err)
	}
	if err := h.presence.MarkOnline(ctx, c.user.ID, c.user.Username, rooms); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}

	// Cache preload never blocks the join reply.
	go h.messages.Preload(context.WithoutCancel(ctx), p.RoomID)

	if !p.AlreadyJoined {
		content := fmt.Sprintf("%s joined the room", c.user.Username)
		if _, err := h.messages.Create(ctx, p.RoomID, nil, "", content, models.MessageKindSystem); err != nil {
			h.logger.Error(ctx, "join: failed to write system message for %s in %s: %v", c.user.ID, p.RoomID, err)
		}
	}

	presences, err := h.presence.Snapshot(ctx, p.RoomID)
	if err != nil {
		return fmt.Errorf("failed to snapshot room: %w", err)
	}
	c.enqueue(protocol.NewRoomJoined(p.RoomID, presences))

	page, err := h.messages.Recent(ctx, p.RoomID, h.opts.PageLimit)
	if err != nil {
		return fmt.Errorf("failed to load recent messages: %w", err)
	}
	c.enqueue(protocol.NewRecentMessages(p.RoomID, page.Messages, page.HasMore, page.NextCursor))

	if !p.AlreadyJoined {
		h.emitPresenceEvent(ctx, protocol.UpdateUserJoined, p.RoomID, c.user.ID, c.user.Username)
	}
	return nil
}

// handleLeaveRoom detaches the socket, refreshes presence from the DB
// membership (the REST leave already flipped it), and broadcasts
// user_left.
func (h *Hub) handleLeaveRoom(ctx context.Context, c *Client, ev protocol.ClientEvent) error {
	var p protocol.LeaveRoomPayload
	if err := ev.Bind(&p); err != nil {
		return badInput("invalid leave_room payload")
	}
	if err := p.Validate(); err != nil {
		return badInput(err.Error())
	}

	h.leaveBucket(p.RoomID, c)
	delete(c.joined, p.RoomID)

	if err := h.sessions.RemoveRoomMember(ctx, p.RoomID, c.user.ID); err != nil {
		h.logger.Error(ctx, "leave: failed to remove %s from member set of %s: %v", c.user.ID, p.RoomID, err)
	}

	rooms, err := h.directory.ActiveRoomIDs(ctx, c.user.ID)
	if err != nil {
		return fmt.Errorf("failed to refresh active rooms: %w", err)
	}
	if err := h.presence.MarkOnline(ctx, c.user.ID, c.user.Username, rooms); err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}

	content := fmt.Sprintf("%s left the room", c.user.Username)
	if _, err := h.messages.Create(ctx, p.RoomID, nil, "", content, models.MessageKindSystem); err != nil {
		h.logger.Error(ctx, "leave: failed to write system message for %s in %s: %v", c.user.ID, p.RoomID, err)
	}

	if h.opts.PurgeOnLeave {
		if err := h.messages.PurgeRoom(ctx, p.RoomID); err != nil {
			h.logger.Error(ctx, "leave: failed to purge cache for %s: %v", p.RoomID, err)
		}
	}

	c.enqueue(protocol.NewRoomLeft(p.RoomID))
	h.emitPresenceEvent(ctx, protocol.UpdateUserLeft, p.RoomID, c.user.ID, c.user.Username)
	return nil
}

// handleSendMessage validates, bumps activity (which may rehydrate an
// idle user) and pushes the message through the pipeline. The pipeline's
// own emit does the fan-out.
func (h *Hub) handleSendMessage(ctx context.Context, c *Client, ev protocol.ClientEvent) error {
	var p protocol.SendMessagePayload
	if err := ev.Bind(&p); err != nil {
		return badInput("invalid send_message payload")
	}
	if err := p.Validate(); err != nil {
		return badInput(err.Error())
	}

	h.bumpActivity(ctx, c)

	userID := c.user.ID
	if _, err := h.messages.Create(ctx, p.RoomID, &userID, c.user.Username, p.Content, models.MessageKindText); err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (h *Hub) handleLoadMore(ctx context.Context, c *Client, ev protocol.ClientEvent) error {
	var p protocol.LoadMorePayload
	if err := ev.Bind(&p); err != nil {
		return badInput("invalid load_more_messages payload")
	}
	if err := p.Validate(); err != nil {
		return badInput(err.Error())
	}
	limit := p.Limit
	if limit <= 0 || limit > h.opts.PageLimit {
		limit = h.opts.PageLimit
	}

	page, err := h.messages.Older(ctx, p.RoomID, limit, p.Before)
	if err != nil {
		return fmt.Errorf("failed to load older messages: %w", err)
	}
	c.enqueue(protocol.NewMoreMessagesLoaded(p.RoomID, page.Messages, page.HasMore, page.NextCursor))
	return nil
}

// handleTyping broadcasts the indicator room-wide, excluding the sender
// via the origin socket id. Nothing is persisted.
func (h *Hub) handleTyping(ctx context.Context, c *Client, ev protocol.ClientEvent, isTyping bool) error {
	var p protocol.TypingPayload
	if err := ev.Bind(&p); err != nil {
		return badInput("invalid typing payload")
	}
	if err := p.Validate(); err != nil {
		return badInput(err.Error())
	}

	if isTyping {
		h.bumpActivity(ctx, c)
	}
	h.markTyping(p.RoomID, c.user.ID, c.user.Username, isTyping)

	busEv := bus.Event{
		Type:     protocol.EventUserTyping,
		RoomID:   p.RoomID,
		Origin:   c.socketID,
		UserID:   c.user.ID,
		Username: c.user.Username,
		IsTyping: isTyping,
	}
	if err := h.emitter.Publish(ctx, busEv); err != nil {
		h.logger.Error(ctx, "typing: failed to publish for %s in %s: %v", c.user.ID, p.RoomID, err)
	}
	return nil
}

// handleHeartbeat bumps activity and acks the sender only.
func (h *Hub) handleHeartbeat(ctx context.Context, c *Client) error {
	h.bumpActivity(ctx, c)
	if err := h.sessions.RefreshSession(ctx, c.user.ID, h.opts.SessionTTL); err != nil {
		h.logger.Error(ctx, "heartbeat: failed to refresh session for %s: %v", c.user.ID, err)
	}
	c.enqueue(protocol.NewHeartbeatAck())
	return nil
}

func (h *Hub) handleGetRoomPresences(ctx context.Context, c *Client, ev protocol.ClientEvent) error {
	var p protocol.RoomPresencesPayload
	if err := ev.Bind(&p); err != nil {
		return badInput("invalid get_room_presences payload")
	}
	if err := p.Validate(); err != nil {
		return badInput(err.Error())
	}

	presences, err := h.presence.Snapshot(ctx, p.RoomID)
	if err != nil {
		return fmt.Errorf("failed to snapshot room: %w", err)
	}
	c.enqueue(protocol.NewRoomPresences(p.RoomID, presences))
	return nil
}

func (h *Hub) handleGetMyRooms(ctx context.Context, c *Client) error {
	rooms, err := h.directory.GetRoomsByUser(ctx, c.user.ID)
	if err != nil {
		return fmt.Errorf("failed to list rooms: %w", err)
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	c.enqueue(protocol.NewMyRooms(rooms))
	return nil
}

// bumpActivity refreshes the heartbeat and, when the user had gone idle,
// rehydrates them to online and announces user_connected to every room
// the transition touched.
func (h *Hub) bumpActivity(ctx context.Context, c *Client) {
	rooms, err := h.presence.BumpActivity(ctx, c.user.ID, c.user.Username)
	if err != nil {
		h.logger.Error(ctx, "failed to bump activity for %s: %v", c.user.ID, err)
		return
	}
	for _, roomID := range rooms {
		h.emitPresenceEvent(ctx, protocol.UpdateUserConnected, roomID, c.user.ID, c.user.Username)
	}
}
