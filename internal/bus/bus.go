package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariellinfy/liteline-nova/internal/models"
	"github.com/ariellinfy/liteline-nova/internal/utils"
)

// Room-scoped events travel on one channel per room. A node receives every
// room channel and delivers only to rooms with local subscribers, so no
// per-room subscription bookkeeping is needed.
const channelPattern = "room:*"

func roomChannel(roomID uuid.UUID) string {
	return "room:" + roomID.String()
}

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_published_total",
		Help: "Room events published to the bus by this node.",
	}, []string{"type"})
	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bus_events_received_total",
		Help: "Room events received from the bus on this node.",
	}, []string{"type"})
)

// Event is the cross-node envelope for everything that fans out to a room.
type Event struct {
	Type      string            `json:"type"`
	RoomID    uuid.UUID         `json:"room_id"`
	Origin    string            `json:"origin,omitempty"` // socket id of the originating connection
	Message   *models.Message   `json:"message,omitempty"`
	Presences []models.Presence `json:"presences,omitempty"`
	UserID    uuid.UUID         `json:"user_id,omitempty"`
	Username  string            `json:"username,omitempty"`
	IsTyping  bool              `json:"is_typing,omitempty"`
}

// Handler consumes events received from other nodes (and loopbacks from
// this one).
type Handler func(ctx context.Context, ev Event)

// Bus is the cross-node pub/sub adapter. Delivery is best-effort,
// at-most-once, in publisher order per publisher. The subscriber runs on
// its own Redis connection as required by the pub/sub protocol.
type Bus struct {
	client *redis.Client
	logger *utils.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a bus backed by the given Redis instance. The DSN may point
// at the same instance as the KV store.
func New(dsn string, logger *utils.Logger) (*Bus, error) {
	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bus URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to bus: %w", err)
	}
	return &Bus{client: client, logger: logger}, nil
}

// Publish sends an event to every node holding subscribers for the room.
// Errors are surfaced to the caller; callers decide whether to retry, and
// the router does not (losing a transient fan-out beats re-delivery).
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	ctx, span := otel.Tracer("bus").Start(ctx, "bus.publish", trace.WithAttributes(
		attribute.String("bus.event", ev.Type),
		attribute.String("room.id", ev.RoomID.String()),
	))
	defer span.End()

	payload, err := json.Marshal(ev)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal bus event: %w", err)
	}
	if err := b.client.Publish(ctx, roomChannel(ev.RoomID), payload).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bus publish failed")
		return fmt.Errorf("failed to publish %s to %s: %w", ev.Type, ev.RoomID, err)
	}
	eventsPublished.WithLabelValues(ev.Type).Inc()
	return nil
}

// Start subscribes to all room channels and dispatches incoming events to
// the handler until the context is canceled or Close is called.
func (b *Bus) Start(ctx context.Context, handler Handler) {
	ctx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	b.cancel = cancel
	b.pubsub = b.client.PSubscribe(ctx, channelPattern)
	pubsub := b.pubsub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Error(ctx, "dropping malformed bus event on %s: %v", msg.Channel, err)
					continue
				}
				if ev.RoomID == uuid.Nil {
					// Fall back to the channel name; old publishers may omit room_id.
					if id, err := uuid.Parse(strings.TrimPrefix(msg.Channel, "room:")); err == nil {
						ev.RoomID = id
					}
				}
				eventsReceived.WithLabelValues(ev.Type).Inc()
				handler(ctx, ev)
			}
		}
	}()
}

// Close stops the subscriber and releases the connections.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
	}
	pubsub := b.pubsub
	b.mu.Unlock()

	if pubsub != nil {
		pubsub.Close()
	}
	b.wg.Wait()
	return b.client.Close()
}
