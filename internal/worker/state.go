package worker

import (
	"github.com/fernwell/frontdesk/internal/approval"
	"github.com/fernwell/frontdesk/internal/fares"
)

// Stage is the lifecycle position of a worker.
type Stage string

const (
	// StageIdle means no fields have been collected this round.
	StageIdle Stage = "idle"
	// StageCollecting means the worker is asking for fields.
	StageCollecting Stage = "collecting"
	// StageAwaitingApproval means a pending action is waiting on a decision.
	StageAwaitingApproval Stage = "awaiting_approval"
	// StageCompleted means the document was rendered.
	StageCompleted Stage = "completed"
	// StageCancelled means the round was abandoned by decision or reset.
	StageCancelled Stage = "cancelled"
)

// Leg is one collected travel segment with its resolved fare.
type Leg struct {
	Departure   string          `json:"departure"`
	Destination string          `json:"destination"`
	Date        string          `json:"date"`
	Transport   fares.Transport `json:"transport"`
	Fare        int64           `json:"fare"`
	// FareMethod records how the fare was resolved (route table or fixed).
	FareMethod string `json:"fare_method,omitempty"`
}

// State is the serializable snapshot of a worker. One struct covers every
// worker type; type-specific data lives in Fields and Legs.
type State struct {
	Type  Type   `json:"type"`
	Stage Stage  `json:"stage"`
	// Await names the question the worker asked last; the next input is
	// interpreted as its answer.
	Await  string            `json:"await,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
	Legs   []Leg             `json:"legs,omitempty"`
	// PreApproved records manager pre-approval for totals over the
	// threshold. It survives revisions within the round.
	PreApproved bool                     `json:"pre_approved,omitempty"`
	Pending     *approval.PendingAction `json:"pending,omitempty"`
}

// Clone deep-copies the state so persisted snapshots cannot alias live
// worker memory.
func (s State) Clone() State {
	out := s
	if s.Fields != nil {
		out.Fields = make(map[string]string, len(s.Fields))
		for k, v := range s.Fields {
			out.Fields[k] = v
		}
	}
	if s.Legs != nil {
		out.Legs = append([]Leg(nil), s.Legs...)
	}
	if s.Pending != nil {
		p := *s.Pending
		p.Params = make(map[string]string, len(s.Pending.Params))
		for k, v := range s.Pending.Params {
			p.Params[k] = v
		}
		out.Pending = &p
	}
	return out
}

// newState initializes an idle state for the given type.
func newState(t Type) State {
	return State{Type: t, Stage: StageIdle, Fields: make(map[string]string)}
}
