package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ariellinfy/liteline-nova/internal/bus"
	"github.com/ariellinfy/liteline-nova/internal/models"
	"github.com/ariellinfy/liteline-nova/internal/utils"
)

// Store is the slice of the KV adapter the engine needs. The online-users
// set inside it is the serialization point for online/offline transitions.
type Store interface {
	SetPresence(ctx context.Context, p models.Presence) error
	GetPresence(ctx context.Context, userID uuid.UUID) (*models.Presence, error)
	AddOnline(ctx context.Context, userID uuid.UUID) error
	RemoveOnline(ctx context.Context, userID uuid.UUID) (bool, error)
	OnlineUsers(ctx context.Context) ([]uuid.UUID, error)
	RoomMembers(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error)
	SetHeartbeat(ctx context.Context, userID uuid.UUID, at time.Time, ttl time.Duration) error
	GetHeartbeat(ctx context.Context, userID uuid.UUID) (time.Time, bool, error)
}

// MembershipSource answers which rooms a user is an active member of.
// Active rooms are always recomputed from here on an online transition
// rather than mutated in place, so lost hash updates converge.
type MembershipSource interface {
	ActiveRoomIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error)
}

// Emitter publishes room-scoped events cluster-wide. The reaper uses it
// for user_disconnected broadcasts.
type Emitter interface {
	Publish(ctx context.Context, ev bus.Event) error
}

// Options tunes the heartbeat bookkeeping.
type Options struct {
	HeartbeatTTL   time.Duration // freshness window advertised to clients
	StaleThreshold time.Duration // heartbeats older than this are dead
}

// Engine owns the per-user presence lifecycle: online/offline transitions,
// heartbeat bookkeeping and room-scoped snapshots.
type Engine struct {
	store       Store
	memberships MembershipSource
	emitter     Emitter
	logger      *utils.Logger
	opts        Options

	now func() time.Time
}

// NewEngine creates a presence engine.
func NewEngine(store Store, memberships MembershipSource, emitter Emitter, logger *utils.Logger, opts Options) *Engine {
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = 30 * time.Second
	}
	if opts.StaleThreshold <= 0 {
		opts.StaleThreshold = 180 * time.Second
	}
	return &Engine{
		store:       store,
		memberships: memberships,
		emitter:     emitter,
		logger:      logger,
		opts:        opts,
		now:         time.Now,
	}
}

// MarkOnline writes the presence record as online with the given active
// rooms and adds the user to the online set. Re-marking an already online
// user just refreshes last_seen and the rooms, it is idempotent.
func (e *Engine) MarkOnline(ctx context.Context, userID uuid.UUID, username string, rooms []uuid.UUID) error {
	p := models.Presence{
		UserID:      userID,
		Username:    username,
		Status:      models.StatusOnline,
		LastSeen:    e.now(),
		ActiveRooms: rooms,
	}
	if err := e.store.SetPresence(ctx, p); err != nil {
		return fmt.Errorf("failed to write presence for %s: %w", userID, err)
	}
	if err := e.store.AddOnline(ctx, userID); err != nil {
		return fmt.Errorf("failed to add %s to online set: %w", userID, err)
	}
	return nil
}

// MarkOffline transitions the user to offline. The removal from the
// online set is the commit point: when removed is false another node has
// already performed the transition and the caller must not emit any
// disconnect events. The returned record is the presence as it stood
// before the transition (nil when no record existed).
func (e *Engine) MarkOffline(ctx context.Context, userID uuid.UUID) (prev *models.Presence, removed bool, err error) {
	removed, err = e.store.RemoveOnline(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to remove %s from online set: %w", userID, err)
	}

	prev, err = e.store.GetPresence(ctx, userID)
	if err != nil {
		return nil, removed, err
	}

	p := models.Presence{
		UserID:   userID,
		Status:   models.StatusOffline,
		LastSeen: e.now(),
	}
	if prev != nil {
		p.Username = prev.Username
		p.ActiveRooms = prev.ActiveRooms // keep rooms for the disconnect fan-out
	}
	if err := e.store.SetPresence(ctx, p); err != nil {
		return prev, removed, fmt.Errorf("failed to write offline presence for %s: %w", userID, err)
	}
	return prev, removed, nil
}

// Touch refreshes the user's heartbeat. This is the O(1) hot path; it
// never reads or rewrites the presence record.
func (e *Engine) Touch(ctx context.Context, userID uuid.UUID) error {
	// TTL spans the stale window plus slack so the reaper can read the
	// timestamp for the whole decision period; absence still means stale.
	ttl := e.opts.StaleThreshold + e.opts.HeartbeatTTL
	return e.store.SetHeartbeat(ctx, userID, e.now(), ttl)
}

// BumpActivity touches the heartbeat and, when the user is not currently
// online, rehydrates them: presence flips to online with the active rooms
// recomputed from the membership source. It returns the rooms that need a
// user_connected broadcast; nil means no transition happened.
func (e *Engine) BumpActivity(ctx context.Context, userID uuid.UUID, username string) ([]uuid.UUID, error) {
	if err := e.Touch(ctx, userID); err != nil {
		return nil, err
	}

	p, err := e.store.GetPresence(ctx, userID)
	if err != nil {
		return nil, err
	}
	if p != nil && p.Status == models.StatusOnline {
		return nil, nil
	}

	rooms, err := e.memberships.ActiveRoomIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active rooms for %s: %w", userID, err)
	}
	if err := e.MarkOnline(ctx, userID, username, rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// Snapshot returns the presence of every user in the room's member set.
// A missing record for a listed member is degraded to offline rather than
// failing the whole snapshot.
func (e *Engine) Snapshot(ctx context.Context, roomID uuid.UUID) ([]models.Presence, error) {
	members, err := e.store.RoomMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", roomID, err)
	}

	presences := make([]models.Presence, 0, len(members))
	for _, userID := range members {
		p, err := e.store.GetPresence(ctx, userID)
		if err != nil {
			e.logger.Error(ctx, "failed to read presence for %s in room %s: %v", userID, roomID, err)
			continue
		}
		if p == nil {
			presences = append(presences, models.Presence{
				UserID: userID,
				Status: models.StatusOffline,
			})
			continue
		}
		presences = append(presences, *p)
	}
	return presences, nil
}
