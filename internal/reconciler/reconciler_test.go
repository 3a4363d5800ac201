package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"haven-chat/internal/domain/chat"
	"haven-chat/internal/feed"
	haven_errors "haven-chat/pkg/errors"
	"haven-chat/pkg/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore serves canned summaries and records fetches.
type stubStore struct {
	mu        sync.Mutex
	summaries map[uuid.UUID][]chat.ConversationSummary
	err       error
}

func (s *stubStore) ViewerSummaries(_ context.Context, viewerID uuid.UUID) ([]chat.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]chat.ConversationSummary(nil), s.summaries[viewerID]...), nil
}

func (s *stubStore) ViewerSummary(_ context.Context, conversationID, viewerID uuid.UUID) (chat.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return chat.ConversationSummary{}, s.err
	}
	for _, c := range s.summaries[viewerID] {
		if c.ConversationID == conversationID {
			return c, nil
		}
	}
	return chat.ConversationSummary{}, haven_errors.ErrNotFound
}

func (s *stubStore) set(viewerID uuid.UUID, summaries ...chat.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[viewerID] = summaries
}

// stubFeed hands out plain channels so tests control delivery order,
// duplicates, non-member events and disconnects directly.
type stubFeed struct {
	mu  sync.Mutex
	chs []chan feed.Event
}

func (f *stubFeed) Subscribe(context.Context, uuid.UUID) (<-chan feed.Event, feed.CancelFunc, error) {
	ch := make(chan feed.Event, 64)
	f.mu.Lock()
	f.chs = append(f.chs, ch)
	f.mu.Unlock()
	return ch, func() {}, nil
}

func (f *stubFeed) current() chan feed.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chs[len(f.chs)-1]
}

func (f *stubFeed) disconnect() {
	close(f.current())
}

func newStubStore() *stubStore {
	return &stubStore{summaries: make(map[uuid.UUID][]chat.ConversationSummary)}
}

func insertEvent(conv chat.ConversationSummary, viewer, sender uuid.UUID, id uuid.UUID, text string, at time.Time, readBy ...uuid.UUID) feed.Event {
	low, high := chat.SortPair(viewer, conv.OtherParticipant)
	return feed.Event{
		Table: feed.TableMessages,
		Op:    feed.OpInsert,
		Message: &feed.MessageRow{
			ID:              id,
			ConversationID:  conv.ConversationID,
			ParticipantLow:  low,
			ParticipantHigh: high,
			SenderID:        sender,
			Text:            text,
			CreatedAt:       at,
			ReadBy:          readBy,
		},
		OccurredAt: at,
	}
}

func readEvent(conv chat.ConversationSummary, viewer, sender uuid.UUID, id uuid.UUID, readBy ...uuid.UUID) feed.Event {
	ev := insertEvent(conv, viewer, sender, id, "", time.Time{}, readBy...)
	ev.Op = feed.OpUpdate
	return ev
}

// startLive builds a reconciler seeded from the store and waits until it is
// live.
func startLive(t *testing.T, store *stubStore, fd *stubFeed, viewer uuid.UUID) *Reconciler {
	t.Helper()
	r := New(viewer, store, fd, logger.NewNop())
	r.ReseedBackoff = time.Millisecond
	require.NoError(t, r.Start(context.Background()))
	require.Equal(t, Live, r.State())
	t.Cleanup(r.Close)
	return r
}

// deliver pushes events and waits for the fold loop to drain them.
func deliver(t *testing.T, r *Reconciler, fd *stubFeed, events ...feed.Event) {
	t.Helper()
	ch := fd.current()
	for _, ev := range events {
		ch <- ev
	}
	waitDrained(t, r, ch)
}

func waitDrained(t *testing.T, r *Reconciler, ch chan feed.Event) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(ch) == 0 {
			// One more yield so the in-flight fold finishes.
			time.Sleep(5 * time.Millisecond)
			if len(ch) == 0 {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("fold loop did not drain events")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func unreadOf(r *Reconciler, conversationID uuid.UUID) int64 {
	for _, s := range r.Snapshot() {
		if s.ConversationID == conversationID {
			return s.UnreadCount
		}
	}
	return -1
}

func TestStartSeedsFromStore(t *testing.T) {
	viewer := uuid.New()
	peer := uuid.New()
	conv := chat.ConversationSummary{
		ConversationID:   uuid.New(),
		OtherParticipant: peer,
		LastMessageText:  "hello",
		LastMessageTime:  time.Now(),
		UnreadCount:      2,
	}

	store := newStubStore()
	store.set(viewer, conv)
	fd := &stubFeed{}

	r := startLive(t, store, fd, viewer)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, conv.ConversationID, snap[0].ConversationID)
	assert.Equal(t, int64(2), snap[0].UnreadCount)
	assert.Equal(t, int64(2), r.TotalUnread())
}

func TestStartFailsWhenStoreDown(t *testing.T) {
	store := newStubStore()
	store.err = haven_errors.ErrStoreUnavailable

	r := New(uuid.New(), store, &stubFeed{}, logger.NewNop())
	err := r.Start(context.Background())
	require.ErrorIs(t, err, haven_errors.ErrStoreUnavailable)
	assert.Equal(t, Uninitialized, r.State())
}

func TestFoldIncrementsUnreadForPeerMessages(t *testing.T) {
	viewer := uuid.New()
	peer := uuid.New()
	conv := chat.ConversationSummary{ConversationID: uuid.New(), OtherParticipant: peer}

	store := newStubStore()
	store.set(viewer, conv)
	fd := &stubFeed{}
	r := startLive(t, store, fd, viewer)

	base := time.Now()
	deliver(t, r, fd,
		insertEvent(conv, viewer, peer, uuid.New(), "one", base),
		insertEvent(conv, viewer, peer, uuid.New(), "two", base.Add(time.Second)),
		insertEvent(conv, viewer, peer, uuid.New(), "three", base.Add(2*time.Second)),
	)

	assert.Equal(t, int64(3), unreadOf(r, conv.ConversationID))
	snap := r.Snapshot()
	assert.Equal(t, "three", snap[0].LastMessageText)
	assert.Equal(t, int64(3), r.TotalUnread())
}

func TestFoldOwnMessageNeverUnread(t *testing.T) {
	viewer := uuid.New()
	conv := chat.ConversationSummary{ConversationID: uuid.New(), OtherParticipant: uuid.New()}

	store := newStubStore()
	store.set(viewer, conv)
	fd := &stubFeed{}
	r := startLive(t, store, fd, viewer)

	deliver(t, r, fd, insertEvent(conv, viewer, viewer, uuid.New(), "mine", time.Now()))

	assert.Equal(t, int64(0), unreadOf(r, conv.ConversationID))
	assert.Equal(t, "mine", r.Snapshot()[0].LastMessageText)
}

func TestDuplicateInsertIsIdempotent(t *testing.T) {
	viewer := uuid.New()
	peer := uuid.New()
	conv := chat.ConversationSummary{ConversationID: uuid.New(), OtherParticipant: peer}

	store := newStubStore()
	store.set(viewer, conv)
	fd := &stubFeed{}
	r := startLive(t, store, fd, viewer)

	ev := insertEvent(conv, viewer, peer, uuid.New(), "hi", time.Now())
	deliver(t, r, fd, ev, ev, ev)

	assert.Equal(t, int64(1), unreadOf(r, conv.ConversationID))
}

func TestReadUpdateDecrementsOnce(t *testing.T) {
	viewer := uuid.New()
	peer := uuid.New()
	conv := chat.ConversationSummary{ConversationID: uuid.New(), OtherParticipant: peer}

	store := newStubStore()
	store.set(viewer, conv)
	fd := &stubFeed{}
	r := startLive(t, store, fd, viewer)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	base := time.Now()
	deliver(t, r, fd,
		insertEvent(conv, viewer, peer, ids[0], "m1", base),
		insertEvent(conv, viewer, peer, ids[1], "m2", base.Add(time.Second)),
		insertEvent(conv, viewer, peer, ids[2], "m3", base.Add(2*time.Second)),
	)
	require.Equal(t, int64(3), unreadOf(r, conv.ConversationID))

	// Mark message 2 read, delivered twice.
	read := readEvent(conv, viewer, peer, ids[1], viewer)
	deliver(t, r, fd, read, read)

	assert.Equal(t, int64(2), unreadOf(r, conv.ConversationID))
}

func TestPeerReadReceiptIgnored(t *testing.T) {
	viewer := uuid.New()
	peer := uuid.New()
	conv := chat.ConversationSummary{ConversationID: uuid.New(), OtherParticipant: peer}

	store := newStubStore()
	store.set(viewer, conv)
	fd := &stubFeed{}
	r := startLive(t, store, fd, viewer)

	id := uuid.New()
	deliver(t, r, fd, insertEvent(conv, viewer, peer, id, "hi", time.Now()))

	// The peer reading the viewer's messages must not change this count.
	ownMsg := uuid.New()
	own := readEvent(conv, viewer, viewer, ownMsg, peer)
	deliver(t, r, fd, own)

	assert.Equal(t, int64(1), unreadOf(r, conv.ConversationID))
}

func TestUnreadNeverNegative(t *testing.T) {
	viewer := uuid.New()
	peer := uuid.New()
	conv := chat.ConversationSummary{ConversationID: uuid.New(), OtherParticipant: peer}

	store := newStubStore()
	store.set(viewer, conv)
	fd := &stubFeed{}
	r := startLive(t, store, fd, viewer)

	// Read update for a message this session never counted.
	deliver(t, r, fd, readEvent(conv, viewer, peer, uuid.New(), viewer))

	assert.Equal(t, int64(0), unreadOf(r, conv.ConversationID))
	assert.Equal(t, int64(0), r.TotalUnread())
}

func TestReadBeforeInsertDeliveryOrder(t *testing.T) {
	viewer := uuid.New()
	peer := uuid.New()
	conv := chat.ConversationSummary{ConversationID: uuid.New(), OtherParticipant: peer}

	store := newStubStore()
	store.set(viewer, conv)
	fd := &stubFeed{}
	r := startLive(t, store, fd, viewer)

	id := uuid.New()
	// The feed does not order across rows: the read receipt may land first.
	deliver(t, r, fd,
		readEvent(conv, viewer, peer, id, viewer),
		insertEvent(conv, viewer, peer, id, "hi", time.Now()),
	)

	assert.Equal(t, int64(0), unreadOf(r, conv.ConversationID))
}

func TestLastMessageNeverMovesBackward(t *testing.T) {
	viewer := uuid.New()
	peer := uuid.New()
	conv := chat.ConversationSummary{ConversationID: uuid.New(), OtherParticipant: peer}

	store := newStubStore()
	store.set(viewer, conv)
	fd := &stubFeed{}
	r := startLive(t, store, fd, viewer)

	base := time.Now()
	// The newer message is delivered first; the older one still counts as
	// unread but must not win the last-message cache.
	deliver(t, r, fd,
		insertEvent(conv, viewer, peer, uuid.New(), "newer", base.Add(time.Second)),
		insertEvent(conv, viewer, peer, uuid.New(), "older", base),
	)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "newer", snap[0].LastMessageText)
	assert.Equal(t, int64(2), snap[0].UnreadCount)
}

func TestNonMemberEventsIgnored(t *testing.T) {
	viewer := uuid.New()
	conv := chat.ConversationSummary{ConversationID: uuid.New(), OtherParticipant: uuid.New()}

	store := newStubStore()
	store.set(viewer, conv)
	fd := &stubFeed{}
	r := startLive(t, store, fd, viewer)

	strangerA, strangerB := uuid.New(), uuid.New()
	other := chat.ConversationSummary{ConversationID: uuid.New(), OtherParticipant: strangerB}
	deliver(t, r, fd, insertEvent(other, strangerA, strangerB, uuid.New(), "psst", time.Now()))

	assert.Len(t, r.Snapshot(), 1)
	assert.Equal(t, int64(0), r.TotalUnread())
}

func TestUnknownConversationFetchedNotDoubleCounted(t *testing.T) {
	viewer := uuid.New()
	peer := uuid.New()
	conv := chat.ConversationSummary{
		ConversationID:   uuid.New(),
		OtherParticipant: peer,
		UnreadCount:      1, // already includes the message carried below
	}

	store := newStubStore()
	fd := &stubFeed{}
	// Seed from an empty store, then register the conversation so only the
	// targeted per-conversation fetch can see it.
	r := startLive(t, store, fd, viewer)
	store.set(viewer, conv)

	msgID := uuid.New()
	deliver(t, r, fd, insertEvent(conv, viewer, peer, msgID, "hi", time.Now()))
	deliver(t, r, fd, insertEvent(conv, viewer, peer, msgID, "hi", time.Now()))

	// The store count already covered the message; the triggering event
	// and its redelivery must not inflate it.
	assert.Equal(t, int64(1), unreadOf(r, conv.ConversationID))
}

func TestConversationUpdateOverwritesLastMessage(t *testing.T) {
	viewer := uuid.New()
	peer := uuid.New()
	conv := chat.ConversationSummary{
		ConversationID:   uuid.New(),
		OtherParticipant: peer,
		LastMessageText:  "old",
		LastMessageTime:  time.Now().Add(-time.Hour),
		UnreadCount:      4,
	}

	store := newStubStore()
	store.set(viewer, conv)
	fd := &stubFeed{}
	r := startLive(t, store, fd, viewer)

	low, high := chat.SortPair(viewer, peer)
	now := time.Now()
	deliver(t, r, fd, feed.Event{
		Table: feed.TableConversations,
		Op:    feed.OpUpdate,
		Conversation: &feed.ConversationRow{
			ID:              conv.ConversationID,
			ParticipantLow:  low,
			ParticipantHigh: high,
			LastMessageText: "new",
			LastMessageTime: now,
		},
		OccurredAt: now,
	})

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "new", snap[0].LastMessageText)
	// The overwrite never touches the count.
	assert.Equal(t, int64(4), snap[0].UnreadCount)
}

func TestDisconnectTriggersReseed(t *testing.T) {
	viewer := uuid.New()
	peer := uuid.New()
	conv := chat.ConversationSummary{ConversationID: uuid.New(), OtherParticipant: peer}

	store := newStubStore()
	store.set(viewer, conv)
	fd := &stubFeed{}
	r := startLive(t, store, fd, viewer)

	base := time.Now()
	deliver(t, r, fd,
		insertEvent(conv, viewer, peer, uuid.New(), "m1", base),
		insertEvent(conv, viewer, peer, uuid.New(), "m2", base.Add(time.Second)),
	)
	require.Equal(t, int64(2), r.TotalUnread())

	// A third message lands while disconnected; the store knows about all
	// three. Reseed must read 3, not 2.
	updated := conv
	updated.UnreadCount = 3
	store.set(viewer, updated)
	fd.disconnect()

	require.Eventually(t, func() bool {
		return r.State() == Live && r.TotalUnread() == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRepeatedReseedFailureCloses(t *testing.T) {
	viewer := uuid.New()
	store := newStubStore()
	fd := &stubFeed{}
	r := New(viewer, store, fd, logger.NewNop())
	r.ReseedAttempts = 2
	r.ReseedBackoff = time.Millisecond
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Close)

	store.mu.Lock()
	store.err = haven_errors.ErrStoreUnavailable
	store.mu.Unlock()
	fd.disconnect()

	require.Eventually(t, func() bool {
		return r.State() == Closed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseReleasesSession(t *testing.T) {
	viewer := uuid.New()
	store := newStubStore()
	fd := &stubFeed{}
	r := startLive(t, store, fd, viewer)

	r.Close()
	assert.Equal(t, Closed, r.State())
	assert.Empty(t, r.Snapshot())

	err := r.Start(context.Background())
	assert.ErrorIs(t, err, haven_errors.ErrClosed)
}

func TestTotalUnreadMatchesSum(t *testing.T) {
	viewer := uuid.New()
	convA := chat.ConversationSummary{ConversationID: uuid.New(), OtherParticipant: uuid.New(), UnreadCount: 2}
	convB := chat.ConversationSummary{ConversationID: uuid.New(), OtherParticipant: uuid.New(), UnreadCount: 5}

	store := newStubStore()
	store.set(viewer, convA, convB)
	fd := &stubFeed{}
	r := startLive(t, store, fd, viewer)

	var sum int64
	for _, s := range r.Snapshot() {
		sum += s.UnreadCount
	}
	assert.Equal(t, sum, r.TotalUnread())
	assert.Equal(t, int64(7), r.TotalUnread())
}
