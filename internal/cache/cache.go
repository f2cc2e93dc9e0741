package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ariellinfy/liteline-nova/internal/models"
)

var (
	redisLatency metric.Float64Histogram
)

// Key layout:
//   room:<room_id>:recent    LIST   serialized messages, newest first
//   room:<room_id>:members   SET    active member user ids
//   online_users             SET    user ids currently marked online
//   presence:<user_id>       HASH   status, last_seen, active_rooms, username
//   heartbeat:<user_id>      STRING RFC3339Nano timestamp, TTL-bound
//   session:<user_id>        STRING socket id, TTL-bound

func recentKey(roomID uuid.UUID) string {
	return fmt.Sprintf("room:%s:recent", roomID)
}

func membersKey(roomID uuid.UUID) string {
	return fmt.Sprintf("room:%s:members", roomID)
}

const onlineUsersKey = "online_users"

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

func heartbeatKey(userID uuid.UUID) string {
	return fmt.Sprintf("heartbeat:%s", userID)
}

func sessionKey(userID uuid.UUID) string {
	return fmt.Sprintf("session:%s", userID)
}

type Cache struct {
	client *redis.Client
}

// New creates a new Redis cache connection
func New(dsn string) (*Cache, error) {
	var err error

	// Initialize metrics
	meter := otel.Meter("redis-client")
	redisLatency, err = meter.Float64Histogram("redis.command.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create redis.command.latency instrument: %w", err)
	}

	opt, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection with tracing
	ctx, span := otel.Tracer("redis-client").Start(context.Background(), "redis.ping")
	defer span.End()
	if err := client.Ping(ctx).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to ping Redis")
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	span.SetStatus(codes.Ok, "Redis connected successfully")

	return &Cache{client: client}, nil
}

// GetClient returns the underlying Redis client (instrumented operations should use Cache methods)
func (c *Cache) GetClient() *redis.Client {
	// Direct access to client bypasses tracing/metrics, use with caution.
	return c.client
}

// Close closes the Redis client
func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// span starts an instrumented region for a single Redis command and returns
// the finisher to run in a defer.
func (c *Cache) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	start := time.Now()
	ctx, sp := otel.Tracer("redis-client").Start(ctx, "redis."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil && err != redis.Nil {
			sp.RecordError(err)
			sp.SetStatus(codes.Error, "Redis "+op+" failed")
		}
		redisLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("redis.command", op)))
		sp.End()
	}
}

// Recent-message list operations

// PushRecent prepends a serialized message to the room's recent list.
// The push, the trim to maxLen and the TTL refresh run as one pipeline so
// the length bound holds across interleaved writers.
func (c *Cache) PushRecent(ctx context.Context, roomID uuid.UUID, payload string, maxLen int, ttl time.Duration) error {
	ctx, done := c.span(ctx, "push_recent", attribute.String("room.id", roomID.String()))
	key := recentKey(roomID)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(maxLen-1))
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	done(err)
	return err
}

// seedScript populates the recent list only when the key is still
// absent. A writer that pushed between the caller's DB read and this
// call owns a newer suffix than the seed payloads, so the seed must
// lose that race, never overwrite it.
var seedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
for i = 1, #ARGV - 2 do
	redis.call('LPUSH', KEYS[1], ARGV[i])
end
redis.call('LTRIM', KEYS[1], 0, tonumber(ARGV[#ARGV - 1]) - 1)
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[#ARGV]))
return 1
`)

// SeedRecent fills an absent recent list with payloads given in
// chronological order, leaving the list newest first. An existing list
// is left untouched.
func (c *Cache) SeedRecent(ctx context.Context, roomID uuid.UUID, payloads []string, maxLen int, ttl time.Duration) error {
	ctx, done := c.span(ctx, "seed_recent", attribute.String("room.id", roomID.String()))
	args := make([]interface{}, 0, len(payloads)+2)
	for _, p := range payloads {
		args = append(args, p)
	}
	args = append(args, maxLen, ttl.Milliseconds())
	err := seedScript.Run(ctx, c.client, []string{recentKey(roomID)}, args...).Err()
	done(err)
	return err
}

// RecentRange returns up to n serialized messages, newest first.
func (c *Cache) RecentRange(ctx context.Context, roomID uuid.UUID, n int) ([]string, error) {
	ctx, done := c.span(ctx, "recent_range", attribute.String("room.id", roomID.String()))
	vals, err := c.client.LRange(ctx, recentKey(roomID), 0, int64(n-1)).Result()
	done(err)
	return vals, err
}

func (c *Cache) RecentLen(ctx context.Context, roomID uuid.UUID) (int64, error) {
	ctx, done := c.span(ctx, "recent_len", attribute.String("room.id", roomID.String()))
	n, err := c.client.LLen(ctx, recentKey(roomID)).Result()
	done(err)
	return n, err
}

func (c *Cache) RecentExists(ctx context.Context, roomID uuid.UUID) (bool, error) {
	ctx, done := c.span(ctx, "recent_exists", attribute.String("room.id", roomID.String()))
	n, err := c.client.Exists(ctx, recentKey(roomID)).Result()
	done(err)
	return n > 0, err
}

func (c *Cache) DeleteRecent(ctx context.Context, roomID uuid.UUID) error {
	ctx, done := c.span(ctx, "delete_recent", attribute.String("room.id", roomID.String()))
	err := c.client.Del(ctx, recentKey(roomID)).Err()
	done(err)
	return err
}

// Room member set operations

func (c *Cache) AddRoomMember(ctx context.Context, roomID, userID uuid.UUID) error {
	ctx, done := c.span(ctx, "add_room_member", attribute.String("room.id", roomID.String()))
	err := c.client.SAdd(ctx, membersKey(roomID), userID.String()).Err()
	done(err)
	return err
}

func (c *Cache) RemoveRoomMember(ctx context.Context, roomID, userID uuid.UUID) error {
	ctx, done := c.span(ctx, "remove_room_member", attribute.String("room.id", roomID.String()))
	err := c.client.SRem(ctx, membersKey(roomID), userID.String()).Err()
	done(err)
	return err
}

func (c *Cache) RoomMembers(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	ctx, done := c.span(ctx, "room_members", attribute.String("room.id", roomID.String()))
	vals, err := c.client.SMembers(ctx, membersKey(roomID)).Result()
	done(err)
	if err != nil {
		return nil, err
	}
	return parseUUIDs(vals), nil
}

func (c *Cache) IsRoomMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	ctx, done := c.span(ctx, "is_room_member", attribute.String("room.id", roomID.String()))
	ok, err := c.client.SIsMember(ctx, membersKey(roomID), userID.String()).Result()
	done(err)
	return ok, err
}

// Online-users set operations

func (c *Cache) AddOnline(ctx context.Context, userID uuid.UUID) error {
	ctx, done := c.span(ctx, "add_online", attribute.String("user.id", userID.String()))
	err := c.client.SAdd(ctx, onlineUsersKey, userID.String()).Err()
	done(err)
	return err
}

// RemoveOnline removes the user from the online set and reports whether
// this call actually removed them. The removal is the cluster-wide commit
// point for an offline transition: only the caller that observed true may
// emit the matching disconnect events.
func (c *Cache) RemoveOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	ctx, done := c.span(ctx, "remove_online", attribute.String("user.id", userID.String()))
	n, err := c.client.SRem(ctx, onlineUsersKey, userID.String()).Result()
	done(err)
	return n > 0, err
}

func (c *Cache) OnlineUsers(ctx context.Context) ([]uuid.UUID, error) {
	ctx, done := c.span(ctx, "online_users")
	vals, err := c.client.SMembers(ctx, onlineUsersKey).Result()
	done(err)
	if err != nil {
		return nil, err
	}
	return parseUUIDs(vals), nil
}

// Presence hash operations

// SetPresence writes the full presence record for a user.
func (c *Cache) SetPresence(ctx context.Context, p models.Presence) error {
	ctx, done := c.span(ctx, "set_presence", attribute.String("user.id", p.UserID.String()))
	rooms, err := json.Marshal(p.ActiveRooms)
	if err != nil {
		done(err)
		return fmt.Errorf("failed to marshal active rooms: %w", err)
	}
	err = c.client.HSet(ctx, presenceKey(p.UserID), map[string]interface{}{
		"status":       p.Status,
		"username":     p.Username,
		"last_seen":    p.LastSeen.Format(time.RFC3339Nano),
		"active_rooms": string(rooms),
	}).Err()
	done(err)
	return err
}

// GetPresence reads the full presence record. A missing record returns
// (nil, nil); callers treat that as offline.
func (c *Cache) GetPresence(ctx context.Context, userID uuid.UUID) (*models.Presence, error) {
	ctx, done := c.span(ctx, "get_presence", attribute.String("user.id", userID.String()))
	fields, err := c.client.HGetAll(ctx, presenceKey(userID)).Result()
	done(err)
	if err != nil {
		return nil, fmt.Errorf("failed to get presence: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	p := &models.Presence{
		UserID:   userID,
		Username: fields["username"],
		Status:   fields["status"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["last_seen"]); err == nil {
		p.LastSeen = ts
	}
	if raw := fields["active_rooms"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.ActiveRooms); err != nil {
			return nil, fmt.Errorf("failed to unmarshal active rooms: %w", err)
		}
	}
	return p, nil
}

// Heartbeat and session keys

// SetHeartbeat records the user's last heartbeat. The Redis TTL must cover
// the whole staleness decision window so the reaper can still read the
// timestamp; an evicted key is treated as stale.
func (c *Cache) SetHeartbeat(ctx context.Context, userID uuid.UUID, at time.Time, ttl time.Duration) error {
	ctx, done := c.span(ctx, "set_heartbeat", attribute.String("user.id", userID.String()))
	err := c.client.Set(ctx, heartbeatKey(userID), at.Format(time.RFC3339Nano), ttl).Err()
	done(err)
	return err
}

// GetHeartbeat returns the last heartbeat time; ok is false when the key
// is absent or unparsable.
func (c *Cache) GetHeartbeat(ctx context.Context, userID uuid.UUID) (time.Time, bool, error) {
	ctx, done := c.span(ctx, "get_heartbeat", attribute.String("user.id", userID.String()))
	val, err := c.client.Get(ctx, heartbeatKey(userID)).Result()
	done(err)
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	ts, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

func (c *Cache) DeleteHeartbeat(ctx context.Context, userID uuid.UUID) error {
	ctx, done := c.span(ctx, "delete_heartbeat", attribute.String("user.id", userID.String()))
	err := c.client.Del(ctx, heartbeatKey(userID)).Err()
	done(err)
	return err
}

func (c *Cache) SetSession(ctx context.Context, userID uuid.UUID, socketID string, ttl time.Duration) error {
	ctx, done := c.span(ctx, "set_session", attribute.String("user.id", userID.String()))
	err := c.client.Set(ctx, sessionKey(userID), socketID, ttl).Err()
	done(err)
	return err
}

// RefreshSession extends the session TTL on activity.
func (c *Cache) RefreshSession(ctx context.Context, userID uuid.UUID, ttl time.Duration) error {
	ctx, done := c.span(ctx, "refresh_session", attribute.String("user.id", userID.String()))
	err := c.client.Expire(ctx, sessionKey(userID), ttl).Err()
	done(err)
	return err
}

func (c *Cache) DeleteSession(ctx context.Context, userID uuid.UUID) error {
	ctx, done := c.span(ctx, "delete_session", attribute.String("user.id", userID.String()))
	err := c.client.Del(ctx, sessionKey(userID)).Err()
	done(err)
	return err
}

func parseUUIDs(vals []string) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(vals))
	for _, v := range vals {
		if id, err := uuid.Parse(v); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}
