package reconciler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"haven-chat/internal/domain/chat"
	"haven-chat/internal/feed"
	haven_errors "haven-chat/pkg/errors"
	"haven-chat/pkg/logger"

	"github.com/google/uuid"
)

// State is the reconciler lifecycle.
type State int32

const (
	Uninitialized State = iota
	Seeding
	Live
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Seeding:
		return "seeding"
	case Live:
		return "live"
	default:
		return "closed"
	}
}

const (
	DefaultReseedAttempts = 5
	DefaultReseedBackoff  = 500 * time.Millisecond
)

// Store is the snapshot surface the reconciler seeds from.
// repository.ConversationRepository satisfies it.
type Store interface {
	ViewerSummaries(ctx context.Context, viewerID uuid.UUID) ([]chat.ConversationSummary, error)
	ViewerSummary(ctx context.Context, conversationID, viewerID uuid.UUID) (chat.ConversationSummary, error)
}

// entry is the live per-conversation state plus the bookkeeping that makes
// folding idempotent. The feed is at-least-once and unordered across rows,
// so a single last-folded-id watermark could drop a late insert; sets are
// kept instead. Both sets die with the viewing session.
type entry struct {
	summary    chat.ConversationSummary
	folded     map[uuid.UUID]struct{}
	readFolded map[uuid.UUID]struct{}
	fetched    bool
}

// Reconciler maintains one viewer's conversation list: for every
// conversation the viewer belongs to, the last message and the count of
// messages the viewer has not read. It seeds from a bulk snapshot, then
// folds change-feed events one at a time; each fold is O(1) except when an
// event references a conversation not yet in the map, which costs one
// targeted store fetch.
//
// All folds run on a single goroutine. Snapshot and TotalUnread take a read
// lock so transports can render concurrently.
type Reconciler struct {
	// ReseedAttempts and ReseedBackoff bound recovery after a feed
	// disconnect. Adjust before Start.
	ReseedAttempts int
	ReseedBackoff  time.Duration

	viewer uuid.UUID
	store  Store
	feed   feed.Subscriber
	log    *logger.Logger

	mu      sync.RWMutex
	state   State
	entries map[uuid.UUID]*entry

	updates   chan struct{}
	cancelSub feed.CancelFunc
	cancelRun context.CancelFunc
}

func New(viewer uuid.UUID, store Store, fd feed.Subscriber, log *logger.Logger) *Reconciler {
	return &Reconciler{
		ReseedAttempts: DefaultReseedAttempts,
		ReseedBackoff:  DefaultReseedBackoff,
		viewer:         viewer,
		store:          store,
		feed:           fd,
		log:            log,
		state:          Uninitialized,
		entries:        make(map[uuid.UUID]*entry),
		updates:        make(chan struct{}, 1),
	}
}

// Start seeds the map and opens the feed subscription. It may be called
// once per reconciler.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != Uninitialized {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("reconciler is %s: %w", state, haven_errors.ErrClosed)
	}
	r.state = Seeding
	r.mu.Unlock()

	if err := r.seed(ctx); err != nil {
		r.setState(Uninitialized)
		return fmt.Errorf("seed: %w: %s", haven_errors.ErrStoreUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	events, cancelSub, err := r.feed.Subscribe(runCtx, r.viewer)
	if err != nil {
		cancel()
		r.setState(Uninitialized)
		return fmt.Errorf("subscribe: %w: %s", haven_errors.ErrFeedDisconnected, err)
	}

	r.mu.Lock()
	r.cancelRun = cancel
	r.cancelSub = cancelSub
	r.state = Live
	r.mu.Unlock()

	go r.run(runCtx, events)
	r.signal()
	return nil
}

// Close ends the viewing session: the subscription is released and the map
// is discarded. Side-effect free elsewhere.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.state == Closed {
		r.mu.Unlock()
		return
	}
	r.state = Closed
	r.entries = make(map[uuid.UUID]*entry)
	cancelSub, cancelRun := r.cancelSub, r.cancelRun
	r.mu.Unlock()

	if cancelSub != nil {
		cancelSub()
	}
	if cancelRun != nil {
		cancelRun()
	}
}

// State returns the current lifecycle state.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Updates signals after every fold that changed state. The channel is
// coalesced: a slow consumer sees at least one signal for any burst.
func (r *Reconciler) Updates() <-chan struct{} {
	return r.updates
}

// Snapshot returns a copy of the viewer's list, newest activity first.
func (r *Reconciler) Snapshot() []chat.ConversationSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]chat.ConversationSummary, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.summary)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})
	return out
}

// TotalUnread is the aggregate badge: the sum of unread counts over the
// live map.
func (r *Reconciler) TotalUnread() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, e := range r.entries {
		total += e.summary.UnreadCount
	}
	return total
}

func (r *Reconciler) run(ctx context.Context, events <-chan feed.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if r.State() == Closed {
					return
				}
				next, err := r.recover(ctx)
				if err != nil {
					r.log.Errorf("reconciler: viewer %s: %v", r.viewer, err)
					r.Close()
					return
				}
				events = next
				continue
			}
			if r.fold(ctx, ev) {
				r.signal()
			}
		}
	}
}

// recover handles a dropped feed: incremental state is invalid because
// events may have been missed, so the map is rebuilt from a fresh snapshot
// before going live again.
func (r *Reconciler) recover(ctx context.Context) (<-chan feed.Event, error) {
	r.setState(Seeding)
	var lastErr error
	for attempt := 0; attempt < r.ReseedAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.ReseedBackoff):
			}
		}
		if err := r.seed(ctx); err != nil {
			lastErr = err
			continue
		}
		events, cancelSub, err := r.feed.Subscribe(ctx, r.viewer)
		if err != nil {
			lastErr = err
			continue
		}
		r.mu.Lock()
		r.cancelSub = cancelSub
		r.state = Live
		r.mu.Unlock()
		r.signal()
		r.log.Infof("reconciler: viewer %s reseeded after feed disconnect", r.viewer)
		return events, nil
	}
	return nil, fmt.Errorf("reseed failed after %d attempts: %w: %s",
		r.ReseedAttempts, haven_errors.ErrFeedDisconnected, lastErr)
}

func (r *Reconciler) seed(ctx context.Context) error {
	summaries, err := r.store.ViewerSummaries(ctx, r.viewer)
	if err != nil {
		return err
	}
	entries := make(map[uuid.UUID]*entry, len(summaries))
	for _, s := range summaries {
		entries[s.ConversationID] = newEntry(s)
	}
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) fold(ctx context.Context, ev feed.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Live {
		return false
	}

	switch ev.Table {
	case feed.TableConversations:
		return r.foldConversation(ctx, ev)
	case feed.TableMessages:
		return r.foldMessage(ctx, ev)
	default:
		return false
	}
}

func (r *Reconciler) foldConversation(ctx context.Context, ev feed.Event) bool {
	row := ev.Conversation
	if row == nil || (row.ParticipantLow != r.viewer && row.ParticipantHigh != r.viewer) {
		return false
	}

	e, ok := r.entries[row.ID]
	if !ok {
		r.entries[row.ID] = r.fetchEntry(ctx, row.ID, conversationFallback(row, r.viewer))
		return true
	}
	if ev.Op != feed.OpUpdate {
		return false
	}
	// Last-writer overwrite: the upstream fields are monotonically intended.
	e.summary.LastMessageText = row.LastMessageText
	e.summary.LastMessageTime = row.LastMessageTime
	return true
}

func (r *Reconciler) foldMessage(ctx context.Context, ev feed.Event) bool {
	row := ev.Message
	if row == nil || (row.ParticipantLow != r.viewer && row.ParticipantHigh != r.viewer) {
		return false
	}

	e, ok := r.entries[row.ConversationID]
	if !ok {
		e = r.fetchEntry(ctx, row.ConversationID, messageFallback(row, r.viewer))
		r.entries[row.ConversationID] = e
		if e.fetched {
			// The store snapshot was taken after this row was persisted, so
			// its count and last-message cache already cover it. Folding
			// the triggering event on top would double-apply it.
			e.folded[row.ID] = struct{}{}
			e.readFolded[row.ID] = struct{}{}
			return true
		}
	}

	switch ev.Op {
	case feed.OpInsert:
		return r.foldInsert(e, row) || !ok
	case feed.OpUpdate:
		return r.foldReadUpdate(e, row) || !ok
	default:
		return !ok
	}
}

func (r *Reconciler) foldInsert(e *entry, row *feed.MessageRow) bool {
	if _, dup := e.folded[row.ID]; dup {
		r.log.Debugf("reconciler: duplicate insert for message %s ignored", row.ID)
		return false
	}
	e.folded[row.ID] = struct{}{}

	// A read-state update may outrun its insert on the unordered feed; a
	// message already folded as read never counts as unread.
	_, alreadyRead := e.readFolded[row.ID]
	if row.SenderID != r.viewer && !alreadyRead && !row.ReadByContains(r.viewer) {
		e.summary.UnreadCount++
	}
	// The cache never moves backward even when delivery order does.
	if !row.CreatedAt.Before(e.summary.LastMessageTime) {
		e.summary.LastMessageText = row.Text
		e.summary.LastMessageTime = row.CreatedAt
	}
	return true
}

func (r *Reconciler) foldReadUpdate(e *entry, row *feed.MessageRow) bool {
	if row.SenderID == r.viewer {
		// Own messages are never unread to the sender.
		return false
	}
	if !row.ReadByContains(r.viewer) {
		// The peer's read receipt; irrelevant to this viewer's count.
		return false
	}
	if _, dup := e.readFolded[row.ID]; dup {
		r.log.Debugf("reconciler: duplicate read update for message %s ignored", row.ID)
		return false
	}
	e.readFolded[row.ID] = struct{}{}

	if e.summary.UnreadCount <= 0 {
		// Invariant violation: a decrement below zero means reconciliation
		// drifted. Clamp and let the next reseed heal it.
		r.log.Warnf("reconciler: negative count clamped for conversation %s viewer %s",
			e.summary.ConversationID, r.viewer)
		e.summary.UnreadCount = 0
		return false
	}
	e.summary.UnreadCount--
	return true
}

// fetchEntry builds the entry for a conversation seen first via the feed.
// The targeted store fetch is preferred; when the store is unreachable the
// fallback derived from the event is used with a zero count, a documented
// benign undercount until the next reseed.
func (r *Reconciler) fetchEntry(ctx context.Context, conversationID uuid.UUID, fallback chat.ConversationSummary) *entry {
	summary, err := r.store.ViewerSummary(ctx, conversationID, r.viewer)
	if err != nil {
		r.log.Warnf("reconciler: snapshot fetch for %s failed, inserting stale entry: %v", conversationID, err)
		return newEntry(fallback)
	}
	e := newEntry(summary)
	e.fetched = true
	return e
}

func (r *Reconciler) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Reconciler) signal() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

func newEntry(s chat.ConversationSummary) *entry {
	return &entry{
		summary:    s,
		folded:     make(map[uuid.UUID]struct{}),
		readFolded: make(map[uuid.UUID]struct{}),
	}
}

func conversationFallback(row *feed.ConversationRow, viewer uuid.UUID) chat.ConversationSummary {
	other := row.ParticipantLow
	if other == viewer {
		other = row.ParticipantHigh
	}
	return chat.ConversationSummary{
		ConversationID:   row.ID,
		OtherParticipant: other,
		LastMessageText:  row.LastMessageText,
		LastMessageTime:  row.LastMessageTime,
	}
}

func messageFallback(row *feed.MessageRow, viewer uuid.UUID) chat.ConversationSummary {
	other := row.ParticipantLow
	if other == viewer {
		other = row.ParticipantHigh
	}
	return chat.ConversationSummary{
		ConversationID:   row.ConversationID,
		OtherParticipant: other,
	}
}
