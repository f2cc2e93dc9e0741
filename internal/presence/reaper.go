package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ariellinfy/liteline-nova/internal/bus"
	"github.com/ariellinfy/liteline-nova/internal/models"
	"github.com/ariellinfy/liteline-nova/internal/protocol"
	"github.com/ariellinfy/liteline-nova/internal/utils"
)

var usersReaped = promauto.NewCounter(prometheus.CounterOpts{
	Name: "presence_users_reaped_total",
	Help: "Users transitioned to offline by the reaper on this node.",
})

// Reaper demotes users whose heartbeat went stale. One reaper runs per
// node; the SRem on the online-users set inside MarkOffline guarantees at
// most one node emits the user_disconnected broadcasts for a transition.
type Reaper struct {
	engine   *Engine
	logger   *utils.Logger
	interval time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

// NewReaper creates a reaper ticking at the given interval.
func NewReaper(engine *Engine, logger *utils.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		engine:   engine,
		logger:   logger,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the reap loop. Errors inside a tick are logged and the
// loop continues on the next tick.
func (r *Reaper) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.done:
				return
			case <-ticker.C:
				r.reapOnce(ctx)
			}
		}
	}()
}

// Stop shuts the reaper down and waits for an in-flight tick.
func (r *Reaper) Stop() {
	close(r.done)
	r.wg.Wait()
}

// reapOnce enumerates the online set and transitions every user with an
// absent or stale heartbeat. The enumeration is bounded and holds no
// transaction.
func (r *Reaper) reapOnce(ctx context.Context) {
	users, err := r.engine.store.OnlineUsers(ctx)
	if err != nil {
		r.logger.Error(ctx, "reaper: failed to enumerate online users: %v", err)
		return
	}

	now := r.engine.now()
	for _, userID := range users {
		beat, ok, err := r.engine.store.GetHeartbeat(ctx, userID)
		if err != nil {
			r.logger.Error(ctx, "reaper: failed to read heartbeat for %s: %v", userID, err)
			continue
		}
		if ok && now.Sub(beat) < r.engine.opts.StaleThreshold {
			continue
		}
		r.reapUser(ctx, userID)
	}
}

func (r *Reaper) reapUser(ctx context.Context, userID uuid.UUID) {
	prev, removed, err := r.engine.MarkOffline(ctx, userID)
	if err != nil {
		r.logger.Error(ctx, "reaper: failed to mark %s offline: %v", userID, err)
		return
	}
	if !removed {
		// Another node won the SRem race and already owns the broadcast.
		return
	}
	usersReaped.Inc()
	r.logger.Info(ctx, "reaper: user %s reaped after stale heartbeat", userID)

	if prev == nil {
		// Online without a presence record is a broken invariant; there is
		// nothing to fan out, treat as already offline.
		r.logger.Error(ctx, "reaper: user %s was online without a presence record", userID)
		return
	}

	for _, roomID := range prev.ActiveRooms {
		presences, err := r.engine.Snapshot(ctx, roomID)
		if err != nil {
			r.logger.Error(ctx, "reaper: failed to snapshot room %s: %v", roomID, err)
			presences = []models.Presence{}
		}
		ev := bus.Event{
			Type:      protocol.UpdateUserDisconnected,
			RoomID:    roomID,
			UserID:    userID,
			Username:  prev.Username,
			Presences: presences,
		}
		if err := r.engine.emitter.Publish(ctx, ev); err != nil {
			r.logger.Error(ctx, "reaper: failed to emit user_disconnected for %s in %s: %v", userID, roomID, err)
		}
	}
}
