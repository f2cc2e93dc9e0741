package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariellinfy/liteline-nova/internal/bus"
	"github.com/ariellinfy/liteline-nova/internal/models"
	"github.com/ariellinfy/liteline-nova/internal/utils"
)

type heartbeat struct {
	at      time.Time
	expires time.Time
}

// fakeKV implements Store in memory, mirroring the Redis semantics the
// engine depends on: set membership for online users, TTL'd heartbeats.
type fakeKV struct {
	mu         sync.Mutex
	presences  map[uuid.UUID]models.Presence
	online     map[uuid.UUID]bool
	members    map[uuid.UUID][]uuid.UUID
	heartbeats map[uuid.UUID]heartbeat

	now func() time.Time
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		presences:  make(map[uuid.UUID]models.Presence),
		online:     make(map[uuid.UUID]bool),
		members:    make(map[uuid.UUID][]uuid.UUID),
		heartbeats: make(map[uuid.UUID]heartbeat),
		now:        time.Now,
	}
}

func (f *fakeKV) SetPresence(ctx context.Context, p models.Presence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences[p.UserID] = p
	return nil
}

func (f *fakeKV) GetPresence(ctx context.Context, userID uuid.UUID) (*models.Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.presences[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeKV) AddOnline(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = true
	return nil
}

func (f *fakeKV) RemoveOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[userID] {
		return false, nil
	}
	delete(f.online, userID)
	return true, nil
}

func (f *fakeKV) OnlineUsers(ctx context.Context) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	for id := range f.online {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeKV) RoomMembers(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.members[roomID]...), nil
}

func (f *fakeKV) SetHeartbeat(ctx context.Context, userID uuid.UUID, at time.Time, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[userID] = heartbeat{at: at, expires: at.Add(ttl)}
	return nil
}

func (f *fakeKV) GetHeartbeat(ctx context.Context, userID uuid.UUID) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hb, ok := f.heartbeats[userID]
	if !ok || f.now().After(hb.expires) {
		return time.Time{}, false, nil
	}
	return hb.at, true, nil
}

// fakeMemberships answers active rooms per user.
type fakeMemberships struct {
	mu    sync.Mutex
	rooms map[uuid.UUID][]uuid.UUID
}

func (f *fakeMemberships) ActiveRoomIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.rooms[userID]...), nil
}

type captureEmitter struct {
	mu     sync.Mutex
	events []bus.Event
}

func (e *captureEmitter) Publish(ctx context.Context, ev bus.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *captureEmitter) all() []bus.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bus.Event(nil), e.events...)
}

func newTestEngine(t *testing.T) (*Engine, *fakeKV, *fakeMemberships, *captureEmitter) {
	t.Helper()
	kv := newFakeKV()
	memberships := &fakeMemberships{rooms: make(map[uuid.UUID][]uuid.UUID)}
	emitter := &captureEmitter{}
	e := NewEngine(kv, memberships, emitter, utils.NewLogger("error"), Options{
		HeartbeatTTL:   30 * time.Second,
		StaleThreshold: 180 * time.Second,
	})
	return e, kv, memberships, emitter
}

func TestMarkOnlineIsIdempotent(t *testing.T) {
	e, kv, _, _ := newTestEngine(t)
	userID := uuid.New()
	rooms := []uuid.UUID{uuid.New(), uuid.New()}

	require.NoError(t, e.MarkOnline(context.Background(), userID, "alice", rooms))
	require.NoError(t, e.MarkOnline(context.Background(), userID, "alice", rooms))

	online, err := kv.OnlineUsers(context.Background())
	require.NoError(t, err)
	assert.Len(t, online, 1)

	p, err := kv.GetPresence(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.StatusOnline, p.Status)
	assert.Equal(t, rooms, p.ActiveRooms)
}

func TestMarkOfflineCommitPoint(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	userID := uuid.New()
	rooms := []uuid.UUID{uuid.New()}
	require.NoError(t, e.MarkOnline(context.Background(), userID, "alice", rooms))

	prev, removed, err := e.MarkOffline(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, removed)
	require.NotNil(t, prev)
	assert.Equal(t, models.StatusOnline, prev.Status)
	assert.Equal(t, rooms, prev.ActiveRooms)

	// A second transition loses the race: removed is false, so the caller
	// must not broadcast.
	_, removed, err = e.MarkOffline(context.Background(), userID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMarkOfflineKeepsRoomsOnRecord(t *testing.T) {
	e, kv, _, _ := newTestEngine(t)
	userID := uuid.New()
	rooms := []uuid.UUID{uuid.New(), uuid.New()}
	require.NoError(t, e.MarkOnline(context.Background(), userID, "alice", rooms))

	_, _, err := e.MarkOffline(context.Background(), userID)
	require.NoError(t, err)

	p, err := kv.GetPresence(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, models.StatusOffline, p.Status)
	assert.Equal(t, rooms, p.ActiveRooms)
	assert.Equal(t, "alice", p.Username)
}

func TestTouchSetsHeartbeatWithSlack(t *testing.T) {
	e, kv, _, _ := newTestEngine(t)
	userID := uuid.New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	require.NoError(t, e.Touch(context.Background(), userID))

	hb := kv.heartbeats[userID]
	assert.Equal(t, now, hb.at)
	assert.Equal(t, now.Add(210*time.Second), hb.expires)
}

func TestBumpActivityRehydratesIdleUser(t *testing.T) {
	e, kv, memberships, _ := newTestEngine(t)
	userID := uuid.New()
	rooms := []uuid.UUID{uuid.New(), uuid.New()}
	memberships.rooms[userID] = rooms

	// User was reaped: offline record, not in the online set.
	require.NoError(t, kv.SetPresence(context.Background(), models.Presence{
		UserID: userID, Username: "alice", Status: models.StatusOffline,
	}))

	transitioned, err := e.BumpActivity(context.Background(), userID, "alice")
	require.NoError(t, err)
	assert.Equal(t, rooms, transitioned)

	p, _ := kv.GetPresence(context.Background(), userID)
	require.NotNil(t, p)
	assert.Equal(t, models.StatusOnline, p.Status)
	assert.Equal(t, rooms, p.ActiveRooms)

	// A second bump finds the user online and reports no transition.
	transitioned, err = e.BumpActivity(context.Background(), userID, "alice")
	require.NoError(t, err)
	assert.Nil(t, transitioned)
}

func TestSnapshotDegradesMissingRecords(t *testing.T) {
	e, kv, _, _ := newTestEngine(t)
	roomID := uuid.New()
	known, unknown := uuid.New(), uuid.New()
	kv.members[roomID] = []uuid.UUID{known, unknown}

	require.NoError(t, e.MarkOnline(context.Background(), known, "alice", []uuid.UUID{roomID}))

	presences, err := e.Snapshot(context.Background(), roomID)
	require.NoError(t, err)
	require.Len(t, presences, 2)

	byUser := make(map[uuid.UUID]models.Presence)
	for _, p := range presences {
		byUser[p.UserID] = p
	}
	assert.Equal(t, models.StatusOnline, byUser[known].Status)
	assert.Equal(t, models.StatusOffline, byUser[unknown].Status)
}
