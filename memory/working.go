package memory

import (
	"sync"

	"go.uber.org/zap"

	"github.com/laffeybot/laffey/core"
)

// DefaultWindowCapacity matches the original deployment's per-conversation
// window of 20 turns.
const DefaultWindowCapacity = 20

// Snapshot is a read-only copy of a conversation's unconsolidated turns,
// taken by the consolidator. UpTo is the highest sequence number included;
// passing it back to MarkConsolidated releases exactly these turns, so
// appends racing with consolidation are never lost nor double-consolidated.
type Snapshot struct {
	ConversationID string
	Turns          []core.Turn
	UpTo           uint64
}

// WorkingStore holds per-conversation bounded windows of recent turns.
// State lives only for the process lifetime; there is no implicit
// persistence. All methods are safe for concurrent use, and operations on
// different conversations never contend.
type WorkingStore struct {
	mu       sync.RWMutex
	windows  map[string]*window
	capacity int
	logger   *zap.Logger
}

type window struct {
	mu    sync.Mutex
	turns []core.Turn

	// Turns evicted from the window before being consolidated. They stay
	// visible to Snapshot so eviction never loses data; MarkConsolidated
	// drains them.
	pendingEvicted []core.Turn

	nextSeq         uint64
	consolidatedSeq uint64
}

// NewWorkingStore creates a store with the given window capacity per
// conversation. Capacity values below 1 fall back to the default.
func NewWorkingStore(capacity int, logger *zap.Logger) *WorkingStore {
	if capacity < 1 {
		capacity = DefaultWindowCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkingStore{
		windows:  make(map[string]*window),
		capacity: capacity,
		logger:   logger.With(zap.String("component", "working_memory")),
	}
}

// Capacity returns the per-conversation window capacity.
func (s *WorkingStore) Capacity() int { return s.capacity }

func (s *WorkingStore) getOrCreate(conversationID string) *window {
	s.mu.RLock()
	w, ok := s.windows[conversationID]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[conversationID]; ok {
		return w
	}
	w = &window{}
	s.windows[conversationID] = w
	return w
}

// Append adds a turn to the conversation's window, assigning its sequence
// number. It returns the window after insertion and any turns evicted by
// the append (at most one), so the caller can react to eviction; evicted
// turns that were not yet consolidated remain reachable via Snapshot.
func (s *WorkingStore) Append(conversationID string, t core.Turn) (windowAfter, evicted []core.Turn, err error) {
	t.ConversationID = conversationID
	if err := t.Validate(); err != nil {
		return nil, nil, err
	}

	w := s.getOrCreate(conversationID)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextSeq++
	t.Seq = w.nextSeq
	w.turns = append(w.turns, t)

	if len(w.turns) > s.capacity {
		old := w.turns[0]
		w.turns = append([]core.Turn(nil), w.turns[1:]...)
		evicted = []core.Turn{old}
		if old.Seq > w.consolidatedSeq {
			w.pendingEvicted = append(w.pendingEvicted, old)
			if len(w.pendingEvicted) > 3*s.capacity {
				s.logger.Warn("unconsolidated evicted turns piling up",
					zap.String("conversation_id", conversationID),
					zap.Int("pending", len(w.pendingEvicted)))
			}
		}
	}

	return cloneTurns(w.turns), evicted, nil
}

// Read returns the conversation's window in chronological order. Unknown
// conversations yield an empty slice, not an error.
func (s *WorkingStore) Read(conversationID string) []core.Turn {
	s.mu.RLock()
	w, ok := s.windows[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return cloneTurns(w.turns)
}

// Len returns the current window length for a conversation.
func (s *WorkingStore) Len(conversationID string) int {
	s.mu.RLock()
	w, ok := s.windows[conversationID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.turns)
}

// Clear wipes a conversation's window and any pending evicted turns.
// This is the administrative wipe; cleared turns are gone for good.
func (s *WorkingStore) Clear(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, conversationID)
}

// Snapshot returns a read-only copy of every unconsolidated turn for the
// conversation: evicted-but-pending turns first, then the live window tail
// past the consolidated marker. It does not block concurrent appends beyond
// the copy itself.
func (s *WorkingStore) Snapshot(conversationID string) Snapshot {
	snap := Snapshot{ConversationID: conversationID}

	s.mu.RLock()
	w, ok := s.windows[conversationID]
	s.mu.RUnlock()
	if !ok {
		return snap
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	snap.Turns = append(snap.Turns, w.pendingEvicted...)
	for _, t := range w.turns {
		if t.Seq > w.consolidatedSeq {
			snap.Turns = append(snap.Turns, t)
		}
	}
	for _, t := range snap.Turns {
		if t.Seq > snap.UpTo {
			snap.UpTo = t.Seq
		}
	}
	return snap
}

// MarkConsolidated records that every turn with sequence <= upTo has been
// folded into longer-term memory. The window may now evict those turns
// without parking them, and pending evicted turns up to the marker are
// released.
func (s *WorkingStore) MarkConsolidated(conversationID string, upTo uint64) {
	s.mu.RLock()
	w, ok := s.windows[conversationID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if upTo > w.consolidatedSeq {
		w.consolidatedSeq = upTo
	}
	kept := w.pendingEvicted[:0]
	for _, t := range w.pendingEvicted {
		if t.Seq > upTo {
			kept = append(kept, t)
		}
	}
	w.pendingEvicted = kept
}

// Conversations lists every conversation currently holding a window.
func (s *WorkingStore) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.windows))
	for id := range s.windows {
		ids = append(ids, id)
	}
	return ids
}

// TotalTurns returns the number of turns across all windows.
func (s *WorkingStore) TotalTurns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, w := range s.windows {
		w.mu.Lock()
		total += len(w.turns)
		w.mu.Unlock()
	}
	return total
}

func cloneTurns(ts []core.Turn) []core.Turn {
	if len(ts) == 0 {
		return nil
	}
	out := make([]core.Turn, len(ts))
	copy(out, ts)
	return out
}
