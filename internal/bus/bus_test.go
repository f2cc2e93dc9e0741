package bus

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariellinfy/liteline-nova/internal/models"
)

func TestRoomChannelNaming(t *testing.T) {
	roomID := uuid.New()
	assert.Equal(t, "room:"+roomID.String(), roomChannel(roomID))
}

func TestEventEnvelopeRoundTrip(t *testing.T) {
	roomID := uuid.New()
	userID := uuid.New()
	ev := Event{
		Type:     "new_message",
		RoomID:   roomID,
		Origin:   "socket-1",
		UserID:   userID,
		Username: "alice",
		Message:  &models.Message{ID: 9, RoomID: roomID, Content: "hi", MessageType: models.MessageKindText},
	}

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, ev.Type, decoded.Type)
	assert.Equal(t, ev.RoomID, decoded.RoomID)
	assert.Equal(t, ev.Origin, decoded.Origin)
	require.NotNil(t, decoded.Message)
	assert.Equal(t, int64(9), decoded.Message.ID)
}

func TestEventEnvelopeOmitsEmptyFields(t *testing.T) {
	raw, err := json.Marshal(Event{Type: "user_typing", RoomID: uuid.New(), IsTyping: false})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	_, hasMessage := decoded["message"]
	assert.False(t, hasMessage)
	_, hasPresences := decoded["presences"]
	assert.False(t, hasPresences)
}
