package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ariellinfy/liteline-nova/internal/bus"
	"github.com/ariellinfy/liteline-nova/internal/models"
	"github.com/ariellinfy/liteline-nova/internal/pipeline"
	"github.com/ariellinfy/liteline-nova/internal/protocol"
	"github.com/ariellinfy/liteline-nova/internal/utils"
)

var openSockets = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "hub_open_sockets",
	Help: "WebSocket connections currently attached to this node.",
})

// Directory is the durable membership and room lookup surface.
type Directory interface {
	IsActiveMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error)
	ActiveRoomIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
	GetRoomsByUser(ctx context.Context, userID uuid.UUID) ([]models.Room, error)
}

// Presence is the slice of the presence engine the router drives.
type Presence interface {
	MarkOnline(ctx context.Context, userID uuid.UUID, username string, rooms []uuid.UUID) error
	MarkOffline(ctx context.Context, userID uuid.UUID) (*models.Presence, bool, error)
	BumpActivity(ctx context.Context, userID uuid.UUID, username string) ([]uuid.UUID, error)
	Snapshot(ctx context.Context, roomID uuid.UUID) ([]models.Presence, error)
}

// Messages is the message pipeline surface.
type Messages interface {
	Create(ctx context.Context, roomID uuid.UUID, userID *uuid.UUID, username, content, kind string) (*models.Message, error)
	Recent(ctx context.Context, roomID uuid.UUID, limit int) (pipeline.Page, error)
	Older(ctx context.Context, roomID uuid.UUID, limit int, beforeID int64) (pipeline.Page, error)
	Preload(ctx context.Context, roomID uuid.UUID)
	PurgeRoom(ctx context.Context, roomID uuid.UUID) error
}

// Emitter publishes room-scoped events cluster-wide.
type Emitter interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Sessions is the hot-state bookkeeping the router maintains alongside
// presence: the per-room member sets used for fan-out snapshots and the
// per-user session key.
type Sessions interface {
	AddRoomMember(ctx context.Context, roomID, userID uuid.UUID) error
	RemoveRoomMember(ctx context.Context, roomID, userID uuid.UUID) error
	SetSession(ctx context.Context, userID uuid.UUID, socketID string, ttl time.Duration) error
	RefreshSession(ctx context.Context, userID uuid.UUID, ttl time.Duration) error
	DeleteSession(ctx context.Context, userID uuid.UUID) error
}

// Options tunes router behavior.
type Options struct {
	EventDeadline time.Duration // per-event budget for DB/KV calls
	SessionTTL    time.Duration
	PageLimit     int  // default page size for recent/older reads
	PurgeOnLeave  bool // drop the room cache when a user leaves

	// OfflineOnShutdown makes a draining node mark its users offline. Off
	// by default so a rolling restart does not flap presence: users
	// reconnect to another node before their heartbeat goes stale.
	OfflineOnShutdown bool
}

// Hub owns every socket attached to this node and the room buckets used
// for local delivery. Cross-node fan-out goes through the bus; the hub
// hears its own publishes back on the subscription, so there is a single
// delivery path for local and remote events.
type Hub struct {
	directory Directory
	presence  Presence
	messages  Messages
	emitter   Emitter
	sessions  Sessions
	logger    *utils.Logger
	opts      Options

	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[uuid.UUID]map[*Client]bool

	// typing state per room, pruned by the janitor; stale entries get a
	// local is_typing=false delivery so indicators cannot stick
	typingMu sync.Mutex
	typing   map[uuid.UUID]map[uuid.UUID]typingState

	draining atomic.Bool

	done chan struct{}
	wg   sync.WaitGroup
}

type typingState struct {
	username string
	at       time.Time
}

const typingExpiry = 3 * time.Second

// New creates a hub.
func New(directory Directory, presenceEngine Presence, messages Messages, emitter Emitter, sessions Sessions, logger *utils.Logger, opts Options) *Hub {
	if opts.EventDeadline <= 0 {
		opts.EventDeadline = 5 * time.Second
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = time.Hour
	}
	if opts.PageLimit <= 0 {
		opts.PageLimit = 50
	}
	return &Hub{
		directory: directory,
		presence:  presenceEngine,
		messages:  messages,
		emitter:   emitter,
		sessions:  sessions,
		logger:    logger,
		opts:      opts,
		clients:   make(map[*Client]bool),
		rooms:     make(map[uuid.UUID]map[*Client]bool),
		typing:    make(map[uuid.UUID]map[uuid.UUID]typingState),
		done:      make(chan struct{}),
	}
}

// Start launches the typing janitor.
func (h *Hub) Start(ctx context.Context) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.done:
				return
			case <-ticker.C:
				h.expireTyping(ctx)
			}
		}
	}()
}

// Stop closes every client connection and waits for the janitor. Closing
// the connections lets each read pump unwind through its own unregister
// path.
func (h *Hub) Stop() {
	h.draining.Store(true)
	close(h.done)

	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		conns = append(conns, client)
	}
	h.mu.RUnlock()

	for _, client := range conns {
		client.conn.Close()
	}
	h.wg.Wait()
}

// register attaches a freshly authenticated socket.
func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
	openSockets.Inc()
}

// unregister detaches a socket from the hub and all room buckets.
func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	for roomID, bucket := range h.rooms {
		if bucket[client] {
			delete(bucket, client)
			if len(bucket) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	h.mu.Unlock()
	client.closeSend()
	openSockets.Dec()
}

func (h *Hub) joinBucket(roomID uuid.UUID, client *Client) {
	h.mu.Lock()
	bucket, ok := h.rooms[roomID]
	if !ok {
		bucket = make(map[*Client]bool)
		h.rooms[roomID] = bucket
	}
	bucket[client] = true
	h.mu.Unlock()
}

func (h *Hub) leaveBucket(roomID uuid.UUID, client *Client) {
	h.mu.Lock()
	if bucket, ok := h.rooms[roomID]; ok {
		delete(bucket, client)
		if len(bucket) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()
}

// HandleBusEvent is the bus subscription sink: it translates a cross-node
// envelope into wire events for the local sockets in the room's bucket.
func (h *Hub) HandleBusEvent(ctx context.Context, ev bus.Event) {
	h.mu.RLock()
	bucket := h.rooms[ev.RoomID]
	targets := make([]*Client, 0, len(bucket))
	for client := range bucket {
		targets = append(targets, client)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var payload interface{}
	switch ev.Type {
	case protocol.UpdateNewMessage:
		update := protocol.NewRoomUpdate(protocol.UpdateNewMessage, ev.RoomID)
		update.Message = ev.Message
		payload = update
	case protocol.UpdateUserJoined, protocol.UpdateUserLeft,
		protocol.UpdateUserConnected, protocol.UpdateUserDisconnected:
		update := protocol.NewRoomUpdate(ev.Type, ev.RoomID)
		update.Presences = ev.Presences
		update.UserID = ev.UserID
		update.Username = ev.Username
		payload = update
	case protocol.EventUserTyping:
		payload = protocol.NewUserTyping(ev.UserID, ev.Username, ev.RoomID, ev.IsTyping)
	default:
		h.logger.Debug(ctx, "ignoring unknown bus event %q for room %s", ev.Type, ev.RoomID)
		return
	}

	for _, client := range targets {
		// Typing indicators never echo back to the sender.
		if ev.Type == protocol.EventUserTyping && client.socketID == ev.Origin {
			continue
		}
		client.enqueue(payload)
	}
}

// emitPresenceEvent snapshots the room and publishes a presence-transition
// event for it. Emit failures are logged; broadcasts are never retried.
func (h *Hub) emitPresenceEvent(ctx context.Context, eventType string, roomID, userID uuid.UUID, username string) {
	presences, err := h.presence.Snapshot(ctx, roomID)
	if err != nil {
		h.logger.Error(ctx, "failed to snapshot room %s for %s: %v", roomID, eventType, err)
		presences = []models.Presence{}
	}
	ev := bus.Event{
		Type:      eventType,
		RoomID:    roomID,
		UserID:    userID,
		Username:  username,
		Presences: presences,
	}
	if err := h.emitter.Publish(ctx, ev); err != nil {
		h.logger.Error(ctx, "failed to emit %s for room %s: %v", eventType, roomID, err)
	}
}

// markTyping records a typing_start so the janitor can expire it.
func (h *Hub) markTyping(roomID, userID uuid.UUID, username string, isTyping bool) {
	h.typingMu.Lock()
	defer h.typingMu.Unlock()
	if isTyping {
		room, ok := h.typing[roomID]
		if !ok {
			room = make(map[uuid.UUID]typingState)
			h.typing[roomID] = room
		}
		room[userID] = typingState{username: username, at: time.Now()}
		return
	}
	if room, ok := h.typing[roomID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(h.typing, roomID)
		}
	}
}

// expireTyping clears indicators whose typing_start was never followed by
// a stop, delivering the stop to local sockets only.
func (h *Hub) expireTyping(ctx context.Context) {
	now := time.Now()
	type expired struct {
		roomID   uuid.UUID
		userID   uuid.UUID
		username string
	}
	var stale []expired

	h.typingMu.Lock()
	for roomID, room := range h.typing {
		for userID, state := range room {
			if now.Sub(state.at) > typingExpiry {
				stale = append(stale, expired{roomID, userID, state.username})
				delete(room, userID)
			}
		}
		if len(room) == 0 {
			delete(h.typing, roomID)
		}
	}
	h.typingMu.Unlock()

	for _, s := range stale {
		h.HandleBusEvent(ctx, bus.Event{
			Type:     protocol.EventUserTyping,
			RoomID:   s.roomID,
			UserID:   s.userID,
			Username: s.username,
			IsTyping: false,
		})
	}
}
