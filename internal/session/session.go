// Package session defines the durable unit of conversation state.
//
// A session is one user conversation: the dispatcher window, every worker's
// collected fields and window, the shared context pairs, and any approval
// still waiting for a decision. The whole record is persisted after every
// turn so a crashed process resumes exactly where the conversation stopped.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fernwell/frontdesk/internal/approval"
	"github.com/fernwell/frontdesk/internal/history"
	"github.com/fernwell/frontdesk/internal/worker"
)

// Session carries the conversation identity.
type Session struct {
	ID        string    `json:"id"`
	Requester string    `json:"requester,omitempty"`
	// ActiveWorker is the worker type currently owning the conversation,
	// empty when the dispatcher is routing.
	ActiveWorker string    `json:"active_worker,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Record is the full persisted state of a session.
type Record struct {
	Session Session `json:"session"`
	// Context holds the propagated context pairs (requester, filing date).
	Context map[string]string `json:"context,omitempty"`
	// Workers maps worker type to its serialized collection state.
	Workers map[string]worker.State `json:"workers,omitempty"`
	// Windows maps window owner ("dispatcher" or a worker type) to its
	// history snapshot.
	Windows map[string]history.Snapshot `json:"windows,omitempty"`
	// Pending is the approval awaiting a decision when the record was
	// saved, nil otherwise. On resume it is re-presented before any new
	// input is accepted.
	Pending *approval.PendingAction `json:"pending,omitempty"`
}

// DispatcherWindow is the Windows key for the dispatcher's own history.
const DispatcherWindow = "dispatcher"

// NewRecord initializes a record for a fresh session.
func NewRecord(id string, now time.Time) *Record {
	return &Record{
		Session: Session{ID: id, CreatedAt: now, UpdatedAt: now},
		Context: make(map[string]string),
		Workers: make(map[string]worker.State),
		Windows: make(map[string]history.Snapshot),
	}
}

// NewID generates a collision-resistant session identifier. The timestamp
// keeps directory listings chronological; the uuid suffix disambiguates
// sessions created within the same second.
func NewID(prefix string) string {
	if prefix == "" {
		prefix = "sess"
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%s", prefix, time.Now().UTC().Format("20060102T150405"), suffix)
}
