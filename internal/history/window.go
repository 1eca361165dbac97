// Package history bounds the conversation turns retained per handler.
//
// Each dispatcher and worker owns its own Window. Windows evict strictly
// oldest-first once the configured bound is exceeded. Pinned turns, which
// carry the context of an unresolved pending action, are never evicted.
package history

// Role identifies who produced a turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// Turn is one exchange in a handler's history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Index is the turn's ordinal position since the window was created;
	// it is stable across evictions.
	Index int `json:"index"`
	// Pinned turns survive eviction while a pending action references them.
	Pinned bool `json:"pinned,omitempty"`
}

// Window retains at most Bound turns, evicting oldest non-pinned first.
type Window struct {
	bound int
	next  int
	turns []Turn
}

// DefaultDispatcherBound retains enough cross-worker context for routing.
const DefaultDispatcherBound = 30

// DefaultWorkerBound is narrower: a worker's task is self-contained.
const DefaultWorkerBound = 15

// NewWindow creates a window with the given bound. Bounds below 1 are
// clamped to 1.
func NewWindow(bound int) *Window {
	if bound < 1 {
		bound = 1
	}
	return &Window{bound: bound}
}

// Append adds a turn, assigning its ordinal index, then evicts the oldest
// non-pinned turns until the window is within bound. When every retained
// turn is pinned the window temporarily exceeds its bound rather than drop
// the context of an unresolved pending action.
func (w *Window) Append(role Role, content string) Turn {
	t := Turn{Role: role, Content: content, Index: w.next}
	w.next++
	w.turns = append(w.turns, t)
	w.evict()
	return t
}

func (w *Window) evict() {
	for len(w.turns) > w.bound {
		dropped := false
		for i, t := range w.turns {
			if !t.Pinned {
				w.turns = append(w.turns[:i], w.turns[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			return
		}
	}
}

// Pin marks the turn with the given ordinal index as non-evictable.
// Returns false if the turn has already been evicted.
func (w *Window) Pin(index int) bool {
	for i := range w.turns {
		if w.turns[i].Index == index {
			w.turns[i].Pinned = true
			return true
		}
	}
	return false
}

// UnpinAll clears every pin, then re-applies the bound.
// Called when a pending action is resolved.
func (w *Window) UnpinAll() {
	for i := range w.turns {
		w.turns[i].Pinned = false
	}
	w.evict()
}

// Turns returns a copy of the retained turns, oldest first.
func (w *Window) Turns() []Turn {
	out := make([]Turn, len(w.turns))
	copy(out, w.turns)
	return out
}

// Len returns the number of retained turns.
func (w *Window) Len() int { return len(w.turns) }

// Bound returns the configured maximum.
func (w *Window) Bound() int { return w.bound }

// Reset discards all turns and restarts ordinal numbering.
func (w *Window) Reset() {
	w.turns = nil
	w.next = 0
}

// Snapshot is the persisted form of a window.
type Snapshot struct {
	Bound int    `json:"bound"`
	Next  int    `json:"next"`
	Turns []Turn `json:"turns,omitempty"`
}

// Snapshot captures the window for durable storage.
func (w *Window) Snapshot() Snapshot {
	return Snapshot{Bound: w.bound, Next: w.next, Turns: w.Turns()}
}

// Restore rebuilds a window from a snapshot.
func Restore(s Snapshot) *Window {
	w := NewWindow(s.Bound)
	w.next = s.Next
	w.turns = make([]Turn, len(s.Turns))
	copy(w.turns, s.Turns)
	return w
}
