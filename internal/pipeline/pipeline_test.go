package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariellinfy/liteline-nova/internal/bus"
	"github.com/ariellinfy/liteline-nova/internal/db"
	"github.com/ariellinfy/liteline-nova/internal/models"
	"github.com/ariellinfy/liteline-nova/internal/utils"
)

// fakeStore keeps messages in insertion order with monotonically
// increasing ids and non-decreasing timestamps.
type fakeStore struct {
	mu     sync.Mutex
	nextID int64
	clock  time.Time
	rows   []models.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1, clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (s *fakeStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = s.nextID
	msg.CreatedAt = s.clock
	s.nextID++
	s.clock = s.clock.Add(time.Second)
	s.rows = append(s.rows, *msg)
	return nil
}

func (s *fakeStore) GetMessageByID(ctx context.Context, messageID int64) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID == messageID {
			m := row
			return &m, nil
		}
	}
	return nil, db.ErrNotFound
}

func (s *fakeStore) NewestMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for i := len(s.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if s.rows[i].RoomID == roomID {
			out = append(out, s.rows[i])
		}
	}
	return out, nil
}

func (s *fakeStore) MessagesBefore(ctx context.Context, roomID uuid.UUID, before *models.Message, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for i := len(s.rows) - 1; i >= 0 && len(out) < limit; i-- {
		row := s.rows[i]
		if row.RoomID != roomID {
			continue
		}
		if row.CreatedAt.After(before.CreatedAt) {
			continue
		}
		if row.CreatedAt.Equal(before.CreatedAt) && row.ID >= before.ID {
			continue
		}
		out = append(out, row)
	}
	return out, nil
}

// fakeCache is a newest-first bounded list per room.
type fakeCache struct {
	mu    sync.Mutex
	lists map[uuid.UUID][]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{lists: make(map[uuid.UUID][]string)}
}

func (c *fakeCache) PushRecent(ctx context.Context, roomID uuid.UUID, payload string, maxLen int, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append([]string{payload}, c.lists[roomID]...)
	if len(list) > maxLen {
		list = list[:maxLen]
	}
	c.lists[roomID] = list
	return nil
}

func (c *fakeCache) SeedRecent(ctx context.Context, roomID uuid.UUID, payloads []string, maxLen int, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Seeds only fill an absent key, like the scripted Redis seed.
	if _, ok := c.lists[roomID]; ok {
		return nil
	}
	var list []string
	for _, p := range payloads {
		list = append([]string{p}, list...)
	}
	if len(list) > maxLen {
		list = list[:maxLen]
	}
	c.lists[roomID] = list
	return nil
}

func (c *fakeCache) RecentRange(ctx context.Context, roomID uuid.UUID, n int) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.lists[roomID]
	if n < len(list) {
		list = list[:n]
	}
	return append([]string(nil), list...), nil
}

func (c *fakeCache) RecentExists(ctx context.Context, roomID uuid.UUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lists[roomID]
	return ok, nil
}

func (c *fakeCache) DeleteRecent(ctx context.Context, roomID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lists, roomID)
	return nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []bus.Event
}

func (e *fakeEmitter) Publish(ctx context.Context, ev bus.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *fakeEmitter) all() []bus.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bus.Event(nil), e.events...)
}

func newTestPipeline(t *testing.T) (*Pipeline, *fakeStore, *fakeCache, *fakeEmitter) {
	t.Helper()
	store := newFakeStore()
	cache := newFakeCache()
	emitter := &fakeEmitter{}
	p := New(store, cache, emitter, utils.NewLogger("error"), Options{CacheSize: 5, CacheTTL: time.Hour})
	return p, store, cache, emitter
}

func createN(t *testing.T, p *Pipeline, roomID uuid.UUID, n int) []models.Message {
	t.Helper()
	userID := uuid.New()
	var out []models.Message
	for i := 0; i < n; i++ {
		msg, err := p.Create(context.Background(), roomID, &userID, "alice", "hello", models.MessageKindText)
		require.NoError(t, err)
		out = append(out, *msg)
	}
	return out
}

func TestCreateRejectsEmptyContent(t *testing.T) {
	p, store, _, emitter := newTestPipeline(t)
	userID := uuid.New()

	_, err := p.Create(context.Background(), uuid.New(), &userID, "alice", "   \n\t", models.MessageKindText)
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Empty(t, store.rows)
	assert.Empty(t, emitter.all())
}

func TestCreatePersistsCachesAndEmits(t *testing.T) {
	p, store, cache, emitter := newTestPipeline(t)
	roomID := uuid.New()
	userID := uuid.New()

	msg, err := p.Create(context.Background(), roomID, &userID, "alice", "hello there", models.MessageKindText)
	require.NoError(t, err)
	assert.Equal(t, int64(1), msg.ID)
	assert.False(t, msg.CreatedAt.IsZero())

	require.Len(t, store.rows, 1)

	raw, err := cache.RecentRange(context.Background(), roomID, 10)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	var cached models.Message
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &cached))
	assert.Equal(t, msg.ID, cached.ID)

	events := emitter.all()
	require.Len(t, events, 1)
	assert.Equal(t, "new_message", events[0].Type)
	assert.Equal(t, roomID, events[0].RoomID)
	require.NotNil(t, events[0].Message)
	assert.Equal(t, msg.ID, events[0].Message.ID)
}

func TestCreateSystemMessageHasNoAuthor(t *testing.T) {
	p, store, _, _ := newTestPipeline(t)

	msg, err := p.Create(context.Background(), uuid.New(), nil, "", "alice joined the room", models.MessageKindSystem)
	require.NoError(t, err)
	assert.Nil(t, msg.UserID)
	assert.Equal(t, models.MessageKindSystem, store.rows[0].MessageType)

	_, err = p.Create(context.Background(), uuid.New(), nil, "", "orphan", models.MessageKindText)
	assert.Error(t, err)
}

func TestRecentServedFromCache(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	roomID := uuid.New()
	created := createN(t, p, roomID, 5)

	page, err := p.Recent(context.Background(), roomID, 3)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	// Newest three, in chronological order.
	assert.Equal(t, created[2].ID, page.Messages[0].ID)
	assert.Equal(t, created[4].ID, page.Messages[2].ID)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)
	assert.Equal(t, created[2].ID, *page.NextCursor)
}

func TestRecentStitchesCacheAndStore(t *testing.T) {
	p, _, cache, _ := newTestPipeline(t)
	roomID := uuid.New()
	created := createN(t, p, roomID, 5)

	// Trim the cache down to the two newest entries; the rest must come
	// from the store without duplication.
	cache.mu.Lock()
	cache.lists[roomID] = cache.lists[roomID][:2]
	cache.mu.Unlock()

	page, err := p.Recent(context.Background(), roomID, 5)
	require.NoError(t, err)
	require.Len(t, page.Messages, 5)
	for i, msg := range page.Messages {
		assert.Equal(t, created[i].ID, msg.ID)
	}
	assert.False(t, page.HasMore)
	assert.Nil(t, page.NextCursor)
}

func TestRecentColdCacheFallsBackAndSeeds(t *testing.T) {
	p, store, cache, _ := newTestPipeline(t)
	roomID := uuid.New()
	userID := uuid.New()

	// Rows exist only in the store, as after a cache eviction.
	for i := 0; i < 4; i++ {
		msg := &models.Message{RoomID: roomID, UserID: &userID, Username: "alice", Content: "hi", MessageType: models.MessageKindText}
		require.NoError(t, store.InsertMessage(context.Background(), msg))
	}

	page, err := p.Recent(context.Background(), roomID, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 4)
	assert.False(t, page.HasMore)

	exists, err := cache.RecentExists(context.Background(), roomID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRecentEmptyRoom(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)

	page, err := p.Recent(context.Background(), uuid.New(), 10)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.NextCursor)
}

func TestOlderPagination(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	roomID := uuid.New()
	created := createN(t, p, roomID, 7)

	// Page back from the fifth message.
	page, err := p.Older(context.Background(), roomID, 2, created[4].ID)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, created[2].ID, page.Messages[0].ID)
	assert.Equal(t, created[3].ID, page.Messages[1].ID)
	assert.True(t, page.HasMore)
	require.NotNil(t, page.NextCursor)

	// Follow the cursor to the start of history.
	page, err = p.Older(context.Background(), roomID, 10, *page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, created[0].ID, page.Messages[0].ID)
	assert.False(t, page.HasMore)
	assert.Nil(t, page.NextCursor)
}

func TestOlderUnknownCursor(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	roomID := uuid.New()
	createN(t, p, roomID, 3)

	page, err := p.Older(context.Background(), roomID, 10, 9999)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
}

func TestOlderCursorFromAnotherRoom(t *testing.T) {
	p, _, _, _ := newTestPipeline(t)
	roomA, roomB := uuid.New(), uuid.New()
	createN(t, p, roomA, 2)
	other := createN(t, p, roomB, 1)

	page, err := p.Older(context.Background(), roomA, 10, other[0].ID)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
}

// racingCache reports the cache as cold, then lands a concurrent push
// before the read returns, like a writer interleaving with a rebuild.
type racingCache struct {
	*fakeCache
	roomID  uuid.UUID
	payload string
	once    sync.Once
}

func (c *racingCache) RecentRange(ctx context.Context, roomID uuid.UUID, n int) ([]string, error) {
	c.once.Do(func() {
		_ = c.fakeCache.PushRecent(ctx, c.roomID, c.payload, 5, time.Hour)
	})
	return nil, nil
}

func TestRecentSeedLosesRaceToConcurrentPush(t *testing.T) {
	store := newFakeStore()
	roomID := uuid.New()
	userID := uuid.New()
	for i := 0; i < 3; i++ {
		msg := &models.Message{RoomID: roomID, UserID: &userID, Username: "alice", Content: "old", MessageType: models.MessageKindText}
		require.NoError(t, store.InsertMessage(context.Background(), msg))
	}

	newest, err := json.Marshal(models.Message{ID: 99, RoomID: roomID, Content: "concurrent"})
	require.NoError(t, err)
	cache := &racingCache{fakeCache: newFakeCache(), roomID: roomID, payload: string(newest)}
	p := New(store, cache, &fakeEmitter{}, utils.NewLogger("error"), Options{CacheSize: 5, CacheTTL: time.Hour})

	page, err := p.Recent(context.Background(), roomID, 3)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)

	// The concurrently pushed message survives; the rebuild did not
	// overwrite the list it lost the race for.
	raw, err := cache.fakeCache.RecentRange(context.Background(), roomID, 10)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	var head models.Message
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &head))
	assert.Equal(t, int64(99), head.ID)
}

func TestPreloadSkipsWarmCache(t *testing.T) {
	p, store, cache, _ := newTestPipeline(t)
	roomID := uuid.New()
	createN(t, p, roomID, 2)

	// Mark the cache with a sentinel; Preload must leave it alone.
	// Create warmed the key, so clear it first or the conditional seed no-ops.
	require.NoError(t, cache.DeleteRecent(context.Background(), roomID))
	require.NoError(t, cache.SeedRecent(context.Background(), roomID, []string{"{}"}, 5, time.Hour))
	p.Preload(context.Background(), roomID)
	raw, _ := cache.RecentRange(context.Background(), roomID, 10)
	require.Len(t, raw, 1)

	// A cold cache gets seeded from the store.
	require.NoError(t, cache.DeleteRecent(context.Background(), roomID))
	p.Preload(context.Background(), roomID)
	raw, _ = cache.RecentRange(context.Background(), roomID, 10)
	assert.Len(t, raw, len(store.rows))
}
