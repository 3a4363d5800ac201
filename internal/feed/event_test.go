package feed

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventType(t *testing.T) {
	assert.Equal(t, "messages.insert", Event{Table: TableMessages, Op: OpInsert}.Type())
	assert.Equal(t, "messages.update", Event{Table: TableMessages, Op: OpUpdate}.Type())
	assert.Equal(t, "conversations.insert", Event{Table: TableConversations, Op: OpInsert}.Type())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	reader := uuid.New()
	ev := Event{
		Table: TableMessages,
		Op:    OpUpdate,
		Message: &MessageRow{
			ID:              uuid.New(),
			ConversationID:  uuid.New(),
			ParticipantLow:  uuid.New(),
			ParticipantHigh: uuid.New(),
			SenderID:        uuid.New(),
			Text:            "hello",
			CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
			ReadBy:          []uuid.UUID{reader},
		},
		OccurredAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	data, err := Encode(ev)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ev.Table, got.Table)
	assert.Equal(t, ev.Op, got.Op)
	require.NotNil(t, got.Message)
	assert.Equal(t, ev.Message.ID, got.Message.ID)
	assert.Equal(t, ev.Message.Text, got.Message.Text)
	assert.True(t, got.Message.ReadByContains(reader))
	assert.False(t, got.Message.ReadByContains(uuid.New()))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"event_type":"messages.insert","payload":"not an object"}`))
	assert.Error(t, err)
}

func TestMemoryFeedRoutesToParticipants(t *testing.T) {
	viewer := uuid.New()
	peer := uuid.New()
	stranger := uuid.New()
	low, high := viewer, peer

	f := NewMemoryFeed()
	viewerCh, cancelViewer, err := f.Subscribe(context.Background(), viewer)
	require.NoError(t, err)
	defer cancelViewer()
	strangerCh, cancelStranger, err := f.Subscribe(context.Background(), stranger)
	require.NoError(t, err)
	defer cancelStranger()

	ev := Event{
		Table: TableMessages,
		Op:    OpInsert,
		Message: &MessageRow{
			ID:              uuid.New(),
			ConversationID:  uuid.New(),
			ParticipantLow:  low,
			ParticipantHigh: high,
			SenderID:        peer,
		},
	}
	require.NoError(t, f.Publish(context.Background(), ev))

	select {
	case got := <-viewerCh:
		assert.Equal(t, ev.Message.ID, got.Message.ID)
	case <-time.After(time.Second):
		t.Fatal("participant did not receive the event")
	}
	assert.Empty(t, strangerCh)
}

func TestMemoryFeedDisconnectClosesChannels(t *testing.T) {
	f := NewMemoryFeed()
	ch, cancel, err := f.Subscribe(context.Background(), uuid.New())
	require.NoError(t, err)
	defer cancel()

	f.DisconnectAll()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed on disconnect")
	}
}
