package hub

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
	"github.com/ariellinfy/liteline-nova/internal/models"
	"github.com/ariellinfy/liteline-nova/internal/pipeline"
	"github.com/ariellinfy/liteline-nova/internal/protocol"
	"github.com/ariellinfy/liteline-nova/internal/utils"
)

type fakeDirectory struct {
	mu      sync.Mutex
	members map[uuid.UUID]map[uuid.UUID]bool // room -> users
	rooms   []models.Room
}

func (f *fakeDirectory) IsActiveMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[roomID][userID], nil
}

func (f *fakeDirectory) ActiveRoomIDs(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []uuid.UUID
	for roomID, users := range f.members {
		if users[userID] {
			out = append(out, roomID)
		}
	}
	return out, nil
}

func (f *fakeDirectory) GetRoomsByUser(ctx context.Context, userID uuid.UUID) ([]models.Room, error) {
	return f.rooms, nil
}

func (f *fakeDirectory) addMember(roomID, userID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[roomID] == nil {
		f.members[roomID] = make(map[uuid.UUID]bool)
	}
	f.members[roomID][userID] = true
}

type fakePresence struct {
	mu        sync.Mutex
	online    map[uuid.UUID]bool
	snapshots map[uuid.UUID][]models.Presence
	bumps     int
}

func (f *fakePresence) MarkOnline(ctx context.Context, userID uuid.UUID, username string, rooms []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online[userID] = true
	return nil
}

func (f *fakePresence) MarkOffline(ctx context.Context, userID uuid.UUID) (*models.Presence, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[userID] {
		return nil, false, nil
	}
	delete(f.online, userID)
	return &models.Presence{UserID: userID, Status: models.StatusOnline}, true, nil
}

func (f *fakePresence) BumpActivity(ctx context.Context, userID uuid.UUID, username string) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bumps++
	return nil, nil
}

func (f *fakePresence) Snapshot(ctx context.Context, roomID uuid.UUID) ([]models.Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[roomID], nil
}

type fakeMessages struct {
	mu       sync.Mutex
	created  []models.Message
	page     pipeline.Page
	preloads []uuid.UUID
}

func (f *fakeMessages) Create(ctx context.Context, roomID uuid.UUID, userID *uuid.UUID, username, content, kind string) (*models.Message, error) {
	if content == "" {
		return nil, pipeline.ErrEmptyContent
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := models.Message{ID: int64(len(f.created) + 1), RoomID: roomID, UserID: userID, Username: username, Content: content, MessageType: kind}
	f.created = append(f.created, msg)
	return &msg, nil
}

func (f *fakeMessages) Recent(ctx context.Context, roomID uuid.UUID, limit int) (pipeline.Page, error) {
	return f.page, nil
}

func (f *fakeMessages) Older(ctx context.Context, roomID uuid.UUID, limit int, beforeID int64) (pipeline.Page, error) {
	return f.page, nil
}

func (f *fakeMessages) Preload(ctx context.Context, roomID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preloads = append(f.preloads, roomID)
}

func (f *fakeMessages) PurgeRoom(ctx context.Context, roomID uuid.UUID) error { return nil }

func (f *fakeMessages) all() []models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.created...)
}

type fakeBus struct {
	mu     sync.Mutex
	events []bus.Event
}

func (f *fakeBus) Publish(ctx context.Context, ev bus.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBus) all() []bus.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.Event(nil), f.events...)
}

type fakeSessions struct{}

func (fakeSessions) AddRoomMember(ctx context.Context, roomID, userID uuid.UUID) error    { return nil }
func (fakeSessions) RemoveRoomMember(ctx context.Context, roomID, userID uuid.UUID) error { return nil }
func (fakeSessions) SetSession(ctx context.Context, userID uuid.UUID, socketID string, ttl time.Duration) error {
	return nil
}
func (fakeSessions) RefreshSession(ctx context.Context, userID uuid.UUID, ttl time.Duration) error {
	return nil
}
func (fakeSessions) DeleteSession(ctx context.Context, userID uuid.UUID) error { return nil }

type testEnv struct {
	hub       *Hub
	directory *fakeDirectory
	presence  *fakePresence
	messages  *fakeMessages
	emitter   *fakeBus
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	directory := &fakeDirectory{members: make(map[uuid.UUID]map[uuid.UUID]bool)}
	presenceFake := &fakePresence{online: make(map[uuid.UUID]bool), snapshots: make(map[uuid.UUID][]models.Presence)}
	messages := &fakeMessages{}
	emitter := &fakeBus{}
	h := New(directory, presenceFake, messages, emitter, fakeSessions{}, utils.NewLogger("error"), Options{
		EventDeadline: time.Second,
		SessionTTL:    time.Hour,
		PageLimit:     50,
	})
	return &testEnv{hub: h, directory: directory, presence: presenceFake, messages: messages, emitter: emitter}
}

func (env *testEnv) newClient(t *testing.T) *Client {
	t.Helper()
	user := models.User{ID: uuid.New(), Username: "alice"}
	c := &Client{
		hub:      env.hub,
		send:     make(chan interface{}, 64),
		socketID: uuid.NewString(),
		user:     user,
		joined:   make(map[uuid.UUID]bool),
	}
	env.hub.register(c)
	return c
}

func drain(c *Client) []interface{} {
	var out []interface{}
	for {
		select {
		case payload := <-c.send:
			out = append(out, payload)
		default:
			return out
		}
	}
}

func event(t *testing.T, eventType string, payload map[string]interface{}) protocol.ClientEvent {
	t.Helper()
	payload["type"] = eventType
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	ev, err := protocol.DecodeClientEvent(raw)
	require.NoError(t, err)
	return ev
}

func TestDispatchUnknownEvent(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	env.hub.dispatch(c, protocol.ClientEvent{Type: "no_such_event", Payload: []byte(`{}`)})

	replies := drain(c)
	require.Len(t, replies, 1)
	errEv, ok := replies[0].(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, utils.CodeValidationError, errEv.Code)
}

func TestJoinRoomRequiresMembership(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	roomID := uuid.New()

	env.hub.dispatch(c, event(t, protocol.EventJoinRoom, map[string]interface{}{"room_id": roomID}))

	replies := drain(c)
	require.Len(t, replies, 1)
	errEv, ok := replies[0].(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, utils.CodeForbidden, errEv.Code)
	assert.False(t, c.joined[roomID])
}

func TestJoinRoomFirstJoin(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	roomID := uuid.New()
	env.directory.addMember(roomID, c.user.ID)

	env.hub.dispatch(c, event(t, protocol.EventJoinRoom, map[string]interface{}{"room_id": roomID}))

	replies := drain(c)
	require.Len(t, replies, 2)
	joined, ok := replies[0].(protocol.RoomJoined)
	require.True(t, ok)
	assert.Equal(t, roomID, joined.RoomID)
	page, ok := replies[1].(protocol.MessagesPage)
	require.True(t, ok)
	assert.Equal(t, protocol.EventRecentMessages, page.Type)

	assert.True(t, c.joined[roomID])

	// First join writes the system notice and announces user_joined.
	created := env.messages.all()
	require.Len(t, created, 1)
	assert.Equal(t, models.MessageKindSystem, created[0].MessageType)
	assert.Nil(t, created[0].UserID)

	var joinEvents int
	for _, ev := range env.emitter.all() {
		if ev.Type == protocol.UpdateUserJoined {
			joinEvents++
			assert.Equal(t, c.user.ID, ev.UserID)
		}
	}
	assert.Equal(t, 1, joinEvents)
}

func TestJoinRoomResubscribe(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	roomID := uuid.New()
	env.directory.addMember(roomID, c.user.ID)

	env.hub.dispatch(c, event(t, protocol.EventJoinRoom, map[string]interface{}{
		"room_id": roomID, "already_joined": true,
	}))

	replies := drain(c)
	require.Len(t, replies, 2)
	// No system message, no user_joined broadcast on a reconnect.
	assert.Empty(t, env.messages.all())
	for _, ev := range env.emitter.all() {
		assert.NotEqual(t, protocol.UpdateUserJoined, ev.Type)
	}
}

func TestLeaveRoom(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	roomID := uuid.New()
	env.directory.addMember(roomID, c.user.ID)
	env.hub.joinBucket(roomID, c)
	c.joined[roomID] = true

	env.hub.dispatch(c, event(t, protocol.EventLeaveRoom, map[string]interface{}{"room_id": roomID}))

	replies := drain(c)
	require.Len(t, replies, 1)
	left, ok := replies[0].(protocol.RoomLeft)
	require.True(t, ok)
	assert.Equal(t, roomID, left.RoomID)
	assert.False(t, c.joined[roomID])

	created := env.messages.all()
	require.Len(t, created, 1)
	assert.Equal(t, models.MessageKindSystem, created[0].MessageType)

	var leftEvents int
	for _, ev := range env.emitter.all() {
		if ev.Type == protocol.UpdateUserLeft {
			leftEvents++
		}
	}
	assert.Equal(t, 1, leftEvents)
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	roomID := uuid.New()

	env.hub.dispatch(c, event(t, protocol.EventSendMessage, map[string]interface{}{
		"room_id": roomID, "content": "hello",
	}))

	assert.Empty(t, drain(c))
	created := env.messages.all()
	require.Len(t, created, 1)
	assert.Equal(t, models.MessageKindText, created[0].MessageType)
	require.NotNil(t, created[0].UserID)
	assert.Equal(t, c.user.ID, *created[0].UserID)
	assert.Equal(t, 1, env.presence.bumps)
}

func TestSendMessageEmptyContent(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	env.hub.dispatch(c, event(t, protocol.EventSendMessage, map[string]interface{}{
		"room_id": uuid.New(), "content": "   ",
	}))

	replies := drain(c)
	require.Len(t, replies, 1)
	errEv, ok := replies[0].(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, utils.CodeValidationError, errEv.Code)
	assert.Empty(t, env.messages.all())
}

func TestLoadMoreRequiresCursor(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	env.hub.dispatch(c, event(t, protocol.EventLoadMoreMessages, map[string]interface{}{
		"room_id": uuid.New(),
	}))

	replies := drain(c)
	require.Len(t, replies, 1)
	errEv, ok := replies[0].(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, utils.CodeValidationError, errEv.Code)
}

func TestHeartbeatAck(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)

	env.hub.dispatch(c, event(t, protocol.EventHeartbeat, map[string]interface{}{}))

	replies := drain(c)
	require.Len(t, replies, 1)
	_, ok := replies[0].(protocol.HeartbeatAck)
	assert.True(t, ok)
	assert.Equal(t, 1, env.presence.bumps)
}

func TestBusEventFansOutToBucket(t *testing.T) {
	env := newTestEnv(t)
	c1 := env.newClient(t)
	c2 := env.newClient(t)
	outsider := env.newClient(t)
	roomID := uuid.New()
	env.hub.joinBucket(roomID, c1)
	env.hub.joinBucket(roomID, c2)

	msg := &models.Message{ID: 7, RoomID: roomID, Content: "hi"}
	env.hub.HandleBusEvent(context.Background(), bus.Event{
		Type: protocol.UpdateNewMessage, RoomID: roomID, Message: msg,
	})

	for _, c := range []*Client{c1, c2} {
		replies := drain(c)
		require.Len(t, replies, 1)
		update, ok := replies[0].(protocol.RoomUpdate)
		require.True(t, ok)
		assert.Equal(t, protocol.UpdateNewMessage, update.Update)
		require.NotNil(t, update.Message)
		assert.Equal(t, int64(7), update.Message.ID)
	}
	assert.Empty(t, drain(outsider))
}

func TestTypingExcludesOrigin(t *testing.T) {
	env := newTestEnv(t)
	sender := env.newClient(t)
	receiver := env.newClient(t)
	roomID := uuid.New()
	env.hub.joinBucket(roomID, sender)
	env.hub.joinBucket(roomID, receiver)

	env.hub.HandleBusEvent(context.Background(), bus.Event{
		Type:     protocol.EventUserTyping,
		RoomID:   roomID,
		Origin:   sender.socketID,
		UserID:   sender.user.ID,
		Username: sender.user.Username,
		IsTyping: true,
	})

	assert.Empty(t, drain(sender))
	replies := drain(receiver)
	require.Len(t, replies, 1)
	typing, ok := replies[0].(protocol.UserTyping)
	require.True(t, ok)
	assert.True(t, typing.IsTyping)
}

func TestTypingExpiry(t *testing.T) {
	env := newTestEnv(t)
	watcher := env.newClient(t)
	roomID := uuid.New()
	env.hub.joinBucket(roomID, watcher)

	userID := uuid.New()
	env.hub.markTyping(roomID, userID, "bob", true)

	// Force the entry past its window.
	env.hub.typingMu.Lock()
	state := env.hub.typing[roomID][userID]
	state.at = time.Now().Add(-2 * typingExpiry)
	env.hub.typing[roomID][userID] = state
	env.hub.typingMu.Unlock()

	env.hub.expireTyping(context.Background())

	replies := drain(watcher)
	require.Len(t, replies, 1)
	typing, ok := replies[0].(protocol.UserTyping)
	require.True(t, ok)
	assert.False(t, typing.IsTyping)
	assert.Equal(t, userID, typing.UserID)
}

func TestFanOutRacingUnregisterNeverPanics(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	roomID := uuid.New()
	env.hub.joinBucket(roomID, c)

	ev := bus.Event{
		Type:    protocol.UpdateNewMessage,
		RoomID:  roomID,
		Message: &models.Message{ID: 1, RoomID: roomID, Content: "hi"},
	}

	// The bus sink snapshots the bucket before delivering, so a
	// disconnect can land between snapshot and enqueue. Late deliveries
	// must be dropped, not sent on a closed channel.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			env.hub.HandleBusEvent(context.Background(), ev)
		}
	}()
	go func() {
		defer wg.Done()
		env.hub.unregister(c)
	}()
	wg.Wait()

	// Direct delivery to a detached client is a no-op.
	c.enqueue(protocol.NewHeartbeatAck())
}

func TestUnregisterIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	c := env.newClient(t)
	roomID := uuid.New()
	env.hub.joinBucket(roomID, c)

	env.hub.unregister(c)
	env.hub.unregister(c) // second call must not double-close send

	env.hub.mu.RLock()
	_, stillTracked := env.hub.clients[c]
	_, bucketAlive := env.hub.rooms[roomID]
	env.hub.mu.RUnlock()
	assert.False(t, stillTracked)
	assert.False(t, bucketAlive)
}
