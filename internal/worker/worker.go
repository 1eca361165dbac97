// Package worker implements the per-task conversation handlers.
//
// A worker owns one task type end to end: it asks for the fields it still
// needs, validates each answer against the filing rules, and, once the form
// is complete, emits a pending action for human approval. Workers never
// execute side effects themselves; the approved action is handed to the
// renderer by Resolve.
package worker

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/fernwell/frontdesk/internal/approval"
	"github.com/fernwell/frontdesk/internal/callctx"
	"github.com/fernwell/frontdesk/internal/fares"
	"github.com/fernwell/frontdesk/internal/logging"
	"github.com/fernwell/frontdesk/internal/render"
	"github.com/fernwell/frontdesk/internal/rules"
)

// Type tags a worker implementation.
type Type string

const (
	// TypeTravel handles travel expense applications.
	TypeTravel Type = "travel"
	// TypeReceipt handles receipt-backed expense applications.
	TypeReceipt Type = "receipt"
)

// Action identifiers emitted by workers. Only these pass through the
// approval gate; everything else a worker does is read-only.
const (
	ActionTravelReport  = "travel.report"
	ActionReceiptReport = "receipt.report"
)

// GatedActions lists every side-effecting action identifier.
func GatedActions() []string {
	return []string{ActionTravelReport, ActionReceiptReport}
}

// Outcome is the result of one worker turn.
type Outcome struct {
	// Reply is the user-facing text for this turn.
	Reply string
	// Stage is the worker stage after the turn.
	Stage Stage
	// Pending is non-nil when the worker requires an approval decision
	// before it can proceed.
	Pending *approval.PendingAction
	// Artifact is the rendered document path, set on completion.
	Artifact string
	// Done reports a terminal round (completed or cancelled); the
	// dispatcher releases the worker and resumes routing.
	Done bool
}

// Worker is a stateful, resumable task handler.
type Worker interface {
	Type() Type
	// State snapshots the worker for persistence.
	State() State
	// Restore rebuilds the worker from a persisted snapshot.
	Restore(State) error
	// Advance processes one user input and returns the next prompt, or a
	// pending action when the form is complete.
	Advance(ctx context.Context, bag callctx.Bag, input string) (Outcome, error)
	// Resolve applies an approval decision to the worker's pending action.
	Resolve(ctx context.Context, bag callctx.Bag, decision approval.Decision) (Outcome, error)
	// Reset discards all collected fields and returns the worker to idle.
	Reset()
}

// Deps are the collaborators shared by all workers.
type Deps struct {
	Rules    *rules.Rules
	Fares    *fares.Service
	Renderer render.Renderer
	Logger   *logging.Logger
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
}

// Constructor builds a fresh worker.
type Constructor func(deps Deps) Worker

// Registry maps worker types to constructors. The set is fixed at build
// time; adding a task type means adding an entry here.
func Registry() map[Type]Constructor {
	return map[Type]Constructor{
		TypeTravel:  NewTravel,
		TypeReceipt: NewReceipt,
	}
}

// parseYesNo interprets a confirmation answer. ok is false when the input
// is neither.
func parseYesNo(input string) (value, ok bool) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "yes", "y", "yeah", "yep", "sure", "ok", "okay":
		return true, true
	case "no", "n", "nope":
		return false, true
	}
	return false, false
}

var inlinePairRe = regexp.MustCompile(`(\w+)\s*=\s*(\S+)`)

// inlinePairs extracts key=value assignments from free-form input, keyed to
// the allowed field names. It lets a user supply several fields in one turn.
func inlinePairs(input string, allowed map[string]bool) map[string]string {
	pairs := make(map[string]string)
	for _, m := range inlinePairRe.FindAllStringSubmatch(input, -1) {
		key := strings.ToLower(m[1])
		if allowed[key] {
			pairs[key] = m[2]
		}
	}
	return pairs
}

var revisionLegRe = regexp.MustCompile(`(?i)\b(?:item|leg)\s*#?\s*(\d+)`)

// revisionTarget parses revision feedback like "fix the date of item 2"
// into a leg ordinal (1-based, 0 when absent) and a field name.
func revisionTarget(feedback string, fields []string) (leg int, field string) {
	if m := revisionLegRe.FindStringSubmatch(feedback); m != nil {
		fmt.Sscanf(m[1], "%d", &leg)
	}
	lower := strings.ToLower(feedback)
	for _, f := range fields {
		if strings.Contains(lower, f) {
			field = f
			break
		}
	}
	return leg, field
}
