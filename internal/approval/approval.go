// Package approval implements the human checkpoint in front of
// side-effecting actions.
//
// A worker that has finished collecting fields emits a PendingAction: an
// immutable snapshot of what it is about to do. The Gate presents it to a
// Decider and blocks until a decision arrives. Each pending action is
// resolved exactly once; a second decision for the same action is a
// programming-contract violation, not user input.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fernwell/frontdesk/internal/logging"
)

// DecisionKind is the outcome of human judgment on a pending action.
type DecisionKind string

const (
	// Approved releases the action for execution.
	Approved DecisionKind = "approved"
	// Revised sends the action back to field collection with feedback.
	Revised DecisionKind = "revised"
	// Cancelled aborts the current worker round. It is a neutral outcome,
	// not an error: the session keeps running.
	Cancelled DecisionKind = "cancelled"
)

// Decision is the consumed-once outcome of a Gate submission.
type Decision struct {
	Kind DecisionKind `json:"kind"`
	// Feedback carries the revision request. Non-empty iff Kind is Revised.
	Feedback string `json:"feedback,omitempty"`
}

// PendingAction is a side-effecting call awaiting human judgment. The
// parameter snapshot is taken when the worker reaches readiness and is not
// updated afterwards; a revision produces a brand-new action.
type PendingAction struct {
	// ID uniquely identifies this submission.
	ID string `json:"id"`
	// Action is the action identifier the gate selects on
	// (e.g. "travel.report").
	Action string `json:"action"`
	// WorkerType names the worker that produced the action.
	WorkerType string `json:"worker_type"`
	// Summary is the human-readable description shown to the decider.
	Summary string `json:"summary"`
	// Params is the immutable parameter snapshot handed to the renderer.
	Params map[string]string `json:"params,omitempty"`
	// HistoryIndex is the ordinal of the turn that produced this action,
	// pinned in the worker's window until resolution.
	HistoryIndex int       `json:"history_index"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewPendingAction builds an action with a fresh id and timestamp.
func NewPendingAction(action, workerType, summary string, params map[string]string) *PendingAction {
	snapshot := make(map[string]string, len(params))
	for k, v := range params {
		snapshot[k] = v
	}
	return &PendingAction{
		ID:         uuid.New().String(),
		Action:     action,
		WorkerType: workerType,
		Summary:    summary,
		Params:     snapshot,
		CreatedAt:  time.Now(),
	}
}

// Decider supplies human (or policy) judgment for a pending action.
type Decider interface {
	// Decide blocks until a decision is available for the action.
	Decide(ctx context.Context, action *PendingAction) (Decision, error)
}

// ErrAlreadyResolved reports a second decision for a resolved action.
var ErrAlreadyResolved = errors.New("pending action already resolved")

// Gate is the single synchronous checkpoint before side-effecting actions.
//
// The gate is selective: only registered action identifiers are
// intercepted, everything else passes straight through as approved.
type Gate struct {
	decider Decider
	gated   map[string]bool
	logger  *logging.Logger

	mu       sync.Mutex
	resolved map[string]Decision
}

// NewGate creates a gate intercepting the given action identifiers.
func NewGate(decider Decider, logger *logging.Logger, actions ...string) *Gate {
	if logger == nil {
		logger = logging.NewNop()
	}
	gated := make(map[string]bool, len(actions))
	for _, a := range actions {
		gated[a] = true
	}
	return &Gate{
		decider:  decider,
		gated:    gated,
		logger:   logger,
		resolved: make(map[string]Decision),
	}
}

// Gated reports whether the action identifier is intercepted.
func (g *Gate) Gated(action string) bool {
	return g.gated[action]
}

// Submit presents the action to the decider and blocks until a decision is
// supplied. Non-gated actions pass through approved without suspension.
//
// A Revised decision must carry non-empty feedback; empty feedback is
// invalid input and the decider is asked to resubmit. There is no timeout:
// a stalled decision stalls this session only.
func (g *Gate) Submit(ctx context.Context, action *PendingAction) (Decision, error) {
	if !g.gated[action.Action] {
		return Decision{Kind: Approved}, nil
	}

	g.mu.Lock()
	if _, done := g.resolved[action.ID]; done {
		g.mu.Unlock()
		return Decision{}, fmt.Errorf("%w: %s", ErrAlreadyResolved, action.ID)
	}
	g.mu.Unlock()

	g.logger.Info(ctx, "awaiting approval",
		zap.String("action", action.Action),
		zap.String("pending_id", action.ID))

	for {
		decision, err := g.decider.Decide(ctx, action)
		if err != nil {
			return Decision{}, fmt.Errorf("decision failed for %s: %w", action.Action, err)
		}
		if decision.Kind == Revised && decision.Feedback == "" {
			g.logger.Warn(ctx, "revision without feedback, requesting resubmission",
				zap.String("pending_id", action.ID))
			continue
		}

		g.mu.Lock()
		if _, done := g.resolved[action.ID]; done {
			g.mu.Unlock()
			return Decision{}, fmt.Errorf("%w: %s", ErrAlreadyResolved, action.ID)
		}
		g.resolved[action.ID] = decision
		g.mu.Unlock()

		g.logger.Info(ctx, "pending action resolved",
			zap.String("pending_id", action.ID),
			zap.String("decision", string(decision.Kind)))
		return decision, nil
	}
}
