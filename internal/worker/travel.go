package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fernwell/frontdesk/internal/approval"
	"github.com/fernwell/frontdesk/internal/callctx"
	"github.com/fernwell/frontdesk/internal/fares"
	"github.com/fernwell/frontdesk/internal/rules"
)

// Question keys for the travel worker.
const (
	awaitDeparture    = "departure"
	awaitDestination  = "destination"
	awaitDate         = "date"
	awaitTransport    = "transport"
	awaitAnotherLeg   = "another_leg"
	awaitPurpose      = "purpose"
	awaitPreApproval  = "pre_approval"
	awaitReviseTarget = "revise_target"
	awaitReviseValue  = "revise_value"
)

var travelLegFields = []string{awaitDeparture, awaitDestination, awaitDate, awaitTransport}

// travelWorker collects travel legs one at a time, prices each against the
// fare tables, and files the whole application in a single approval.
type travelWorker struct {
	deps  Deps
	state State
}

// NewTravel creates an idle travel worker.
func NewTravel(deps Deps) Worker {
	deps.defaults()
	return &travelWorker{deps: deps, state: newState(TypeTravel)}
}

func (w *travelWorker) Type() Type   { return TypeTravel }
func (w *travelWorker) State() State { return w.state.Clone() }

func (w *travelWorker) Restore(s State) error {
	if s.Type != TypeTravel {
		return fmt.Errorf("cannot restore %q state into a travel worker", s.Type)
	}
	w.state = s.Clone()
	if w.state.Fields == nil {
		w.state.Fields = make(map[string]string)
	}
	return nil
}

func (w *travelWorker) Reset() {
	w.state = newState(TypeTravel)
}

// Advance implements Worker.
func (w *travelWorker) Advance(ctx context.Context, bag callctx.Bag, input string) (Outcome, error) {
	input = strings.TrimSpace(input)

	switch w.state.Stage {
	case StageIdle:
		w.state.Stage = StageCollecting
		w.state.Await = awaitDeparture
		// The routed request may already carry fields inline.
		if reply, advanced := w.applyInline(input); advanced {
			return w.afterFields(ctx, bag, reply)
		}
		return w.reply("Let's file your travel expenses. Where did the first leg depart from?"), nil

	case StageCollecting:
		return w.collect(ctx, bag, input)

	case StageAwaitingApproval:
		// Input while a decision is outstanding cannot move the worker.
		return w.reply("This application is waiting for an approval decision."), nil

	default:
		return Outcome{}, fmt.Errorf("travel worker advanced in terminal stage %q", w.state.Stage)
	}
}

func (w *travelWorker) collect(ctx context.Context, bag callctx.Bag, input string) (Outcome, error) {
	// Multi-field answers are accepted at any leg question.
	if isLegField(w.state.Await) {
		if reply, advanced := w.applyInline(input); advanced {
			return w.afterFields(ctx, bag, reply)
		}
	}

	switch w.state.Await {
	case awaitDeparture, awaitDestination:
		loc, err := w.deps.Rules.ValidateLocation(w.state.Await, input, w.knownLocations())
		if err != nil {
			return w.validationReply(err), nil
		}
		w.state.Fields[w.state.Await] = loc
		return w.afterFields(ctx, bag, "")

	case awaitDate:
		parsed, err := w.deps.Rules.ValidateDate(awaitDate, input)
		if err != nil {
			return w.validationReply(err), nil
		}
		w.state.Fields[awaitDate] = parsed.Format("2006-01-02")
		return w.afterFields(ctx, bag, "")

	case awaitTransport:
		transport, err := fares.ParseTransport(strings.ToLower(input))
		if err != nil {
			return w.reply(err.Error() + " Which transport was used?"), nil
		}
		w.state.Fields[awaitTransport] = string(transport)
		return w.afterFields(ctx, bag, "")

	case awaitAnotherLeg:
		more, ok := parseYesNo(input)
		if !ok {
			return w.reply("Please answer yes or no: is there another leg?"), nil
		}
		if more {
			w.state.Await = awaitDeparture
			return w.reply(fmt.Sprintf("Leg %d: where did it depart from?", len(w.state.Legs)+1)), nil
		}
		w.state.Await = awaitPurpose
		return w.reply("What was the business purpose of this trip?"), nil

	case awaitPurpose:
		if input == "" {
			return w.reply("A business purpose is required. What was the trip for?"), nil
		}
		w.state.Fields[awaitPurpose] = input
		return w.finalize(ctx, bag)

	case awaitPreApproval:
		approved, ok := parseYesNo(input)
		if !ok {
			return w.reply("Please answer yes or no: has your manager pre-approved this amount?"), nil
		}
		if !approved {
			return w.reply(fmt.Sprintf(
				"Totals over %d require manager pre-approval before filing. Please obtain it, then answer yes. You can also type reset to abandon this application.",
				w.deps.Rules.PreApprovalThreshold())), nil
		}
		w.state.PreApproved = true
		return w.finalize(ctx, bag)

	case awaitReviseTarget:
		leg, field := revisionTarget(input, travelLegFields)
		if leg < 1 || leg > len(w.state.Legs) || field == "" {
			return w.reply(fmt.Sprintf(
				"Tell me which leg and which field to change, e.g. \"leg 2 date\". There are %d legs.", len(w.state.Legs))), nil
		}
		return w.askReviseValue(leg, field), nil

	case awaitReviseValue:
		return w.applyRevision(ctx, bag, input)

	default:
		return Outcome{}, fmt.Errorf("travel worker in unknown question state %q", w.state.Await)
	}
}

// applyInline fills any key=value pairs found in the input. It reports
// whether at least one field was accepted; validation problems come back in
// the reply prefix.
func (w *travelWorker) applyInline(input string) (reply string, advanced bool) {
	allowed := map[string]bool{
		awaitDeparture: true, awaitDestination: true,
		awaitDate: true, awaitTransport: true,
	}
	pairs := inlinePairs(input, allowed)
	if len(pairs) == 0 {
		return "", false
	}

	var problems []string
	for _, field := range travelLegFields {
		value, ok := pairs[field]
		if !ok {
			continue
		}
		if err := w.setLegField(field, value); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		advanced = true
	}
	return strings.Join(problems, " "), advanced
}

func (w *travelWorker) setLegField(field, value string) error {
	switch field {
	case awaitDeparture, awaitDestination:
		loc, err := w.deps.Rules.ValidateLocation(field, value, w.knownLocations())
		if err != nil {
			return err
		}
		w.state.Fields[field] = loc
	case awaitDate:
		parsed, err := w.deps.Rules.ValidateDate(field, value)
		if err != nil {
			return err
		}
		w.state.Fields[field] = parsed.Format("2006-01-02")
	case awaitTransport:
		transport, err := fares.ParseTransport(strings.ToLower(value))
		if err != nil {
			return err
		}
		w.state.Fields[field] = string(transport)
	}
	return nil
}

// afterFields decides the next question once one or more leg fields have
// been stored. prefix carries any inline-validation complaints.
func (w *travelWorker) afterFields(ctx context.Context, bag callctx.Bag, prefix string) (Outcome, error) {
	for _, field := range travelLegFields {
		if w.state.Fields[field] == "" {
			w.state.Await = field
			return w.reply(joinReply(prefix, legQuestion(field))), nil
		}
	}
	return w.completeLeg(ctx, bag, prefix)
}

func legQuestion(field string) string {
	switch field {
	case awaitDeparture:
		return "Where did this leg depart from?"
	case awaitDestination:
		return "Where did it arrive?"
	case awaitDate:
		return "On what date did you travel? (YYYY-MM-DD)"
	case awaitTransport:
		return "Which transport was used? (train, bus, taxi or airplane)"
	}
	return ""
}

// completeLeg prices the collected leg, checks commuter overlap and appends
// it.
func (w *travelWorker) completeLeg(ctx context.Context, bag callctx.Bag, prefix string) (Outcome, error) {
	departure := w.state.Fields[awaitDeparture]
	destination := w.state.Fields[awaitDestination]

	if w.deps.Rules.CommuterOverlap(departure, destination) {
		w.clearLegFields()
		w.state.Await = awaitAnotherLeg
		return w.reply(joinReply(prefix, fmt.Sprintf(
			"%s to %s is covered by your commuter pass and cannot be claimed. I dropped that leg. Is there another leg?",
			departure, destination))), nil
	}

	table, err := w.deps.Fares.Table()
	if err != nil {
		return Outcome{}, fmt.Errorf("fare tables unavailable: %w", err)
	}
	quote, err := table.Lookup(departure, destination, fares.Transport(w.state.Fields[awaitTransport]))
	if err != nil {
		if errors.Is(err, fares.ErrRouteNotFound) {
			w.state.Fields[awaitDeparture] = ""
			w.state.Fields[awaitDestination] = ""
			w.state.Await = awaitDeparture
			return w.reply(joinReply(prefix, fmt.Sprintf(
				"I could not find a train fare for %s to %s. Please check the station names. Where did this leg depart from?",
				departure, destination))), nil
		}
		return Outcome{}, fmt.Errorf("pricing leg: %w", err)
	}

	leg := Leg{
		Departure:   departure,
		Destination: destination,
		Date:        w.state.Fields[awaitDate],
		Transport:   fares.Transport(w.state.Fields[awaitTransport]),
		Fare:        quote.Fare,
		FareMethod:  quote.Method,
	}
	w.state.Legs = append(w.state.Legs, leg)
	w.clearLegFields()
	w.state.Await = awaitAnotherLeg

	w.deps.Logger.Debug(ctx, "travel leg recorded",
		zap.Int("leg", len(w.state.Legs)),
		zap.Int64("fare", leg.Fare))

	return w.reply(joinReply(prefix, fmt.Sprintf(
		"Recorded leg %d: %s to %s on %s by %s, fare %d (%s). Is there another leg? (yes/no)",
		len(w.state.Legs), leg.Departure, leg.Destination, leg.Date, leg.Transport, leg.Fare, quote.Method))), nil
}

func (w *travelWorker) clearLegFields() {
	for _, f := range travelLegFields {
		delete(w.state.Fields, f)
	}
}

// finalize runs whole-application checks and, if they pass, emits the
// pending action.
func (w *travelWorker) finalize(ctx context.Context, bag callctx.Bag) (Outcome, error) {
	if len(w.state.Legs) == 0 {
		w.state.Await = awaitDeparture
		return w.reply("There are no claimable legs left. Where did the first leg depart from?"), nil
	}

	total := w.totalFares()
	if err := w.deps.Rules.CheckFilingLimit(total); err != nil {
		w.state.Await = awaitReviseTarget
		var verr *rules.ValidationError
		errors.As(err, &verr)
		return w.reply(fmt.Sprintf(
			"This application cannot be filed: %s. Tell me which leg to change, e.g. \"leg 2 transport\".", verr.Reason)), nil
	}

	if w.deps.Rules.NeedsPreApproval(total) && !w.state.PreApproved {
		w.state.Await = awaitPreApproval
		return w.reply(fmt.Sprintf(
			"The total of %d requires manager pre-approval. Has it been pre-approved? (yes/no)", total)), nil
	}

	action, err := w.buildAction(bag, total)
	if err != nil {
		return Outcome{}, err
	}
	w.state.Pending = action
	w.state.Stage = StageAwaitingApproval
	w.state.Await = ""

	w.deps.Logger.Info(ctx, "travel application ready",
		zap.Int("legs", len(w.state.Legs)),
		zap.Int64("total", total))

	return Outcome{
		Reply:   "Your travel application is complete. Please review the summary.",
		Stage:   w.state.Stage,
		Pending: action,
	}, nil
}

func (w *travelWorker) buildAction(bag callctx.Bag, total int64) (*approval.PendingAction, error) {
	legsJSON, err := json.Marshal(w.state.Legs)
	if err != nil {
		return nil, fmt.Errorf("encoding legs: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Travel expense application for %s\n", bag.ValueOr(callctx.KeyRequester, "(unknown requester)"))
	for i, leg := range w.state.Legs {
		fmt.Fprintf(&b, "  %d. %s -> %s on %s by %s: %d\n", i+1, leg.Departure, leg.Destination, leg.Date, leg.Transport, leg.Fare)
	}
	fmt.Fprintf(&b, "Purpose: %s\n", w.state.Fields[awaitPurpose])
	fmt.Fprintf(&b, "Total: %d", total)

	params := map[string]string{
		"requester": bag.ValueOr(callctx.KeyRequester, ""),
		"purpose":   w.state.Fields[awaitPurpose],
		"total":     fmt.Sprintf("%d", total),
		"legs":      string(legsJSON),
	}
	if filing, ok := bag.Value(callctx.KeyFilingDate); ok {
		params["filing_date"] = filing
	}
	return approval.NewPendingAction(ActionTravelReport, string(TypeTravel), b.String(), params), nil
}

// Resolve implements Worker.
func (w *travelWorker) Resolve(ctx context.Context, bag callctx.Bag, decision approval.Decision) (Outcome, error) {
	if w.state.Stage != StageAwaitingApproval || w.state.Pending == nil {
		return Outcome{}, fmt.Errorf("travel worker has no pending action to resolve")
	}
	pending := w.state.Pending
	w.state.Pending = nil

	switch decision.Kind {
	case approval.Approved:
		result, err := w.deps.Renderer.Render(ctx, pending)
		if err != nil || !result.Success {
			// Collected state survives so the user can re-approve after
			// the failure is addressed.
			retry := approval.NewPendingAction(pending.Action, pending.WorkerType, pending.Summary, pending.Params)
			w.state.Pending = retry
			w.deps.Logger.Error(ctx, "travel document render failed", zap.Error(err))
			return Outcome{
				Reply:   fmt.Sprintf("Document generation failed (%s). Your entries are kept; approval will be requested again.", result.ErrorMessage),
				Stage:   w.state.Stage,
				Pending: retry,
			}, nil
		}
		w.state.Stage = StageCompleted
		return Outcome{
			Reply:    fmt.Sprintf("Your travel expense application has been filed. Document: %s", result.ArtifactPath),
			Stage:    StageCompleted,
			Artifact: result.ArtifactPath,
			Done:     true,
		}, nil

	case approval.Revised:
		w.state.Stage = StageCollecting
		leg, field := revisionTarget(decision.Feedback, travelLegFields)
		if leg >= 1 && leg <= len(w.state.Legs) && field != "" {
			return w.askReviseValue(leg, field), nil
		}
		w.state.Await = awaitReviseTarget
		return w.reply(fmt.Sprintf(
			"I could not map that revision to a leg. Tell me which leg and field to change, e.g. \"leg 2 date\". There are %d legs.",
			len(w.state.Legs))), nil

	case approval.Cancelled:
		w.state.Stage = StageCancelled
		return Outcome{
			Reply: "The travel application was cancelled. No document was generated.",
			Stage: StageCancelled,
			Done:  true,
		}, nil

	default:
		return Outcome{}, fmt.Errorf("unknown decision kind %q", decision.Kind)
	}
}

func (w *travelWorker) askReviseValue(leg int, field string) Outcome {
	w.state.Await = awaitReviseValue
	w.state.Fields["revise_leg"] = fmt.Sprintf("%d", leg)
	w.state.Fields["revise_field"] = field
	return w.reply(fmt.Sprintf("What is the corrected %s for leg %d?", field, leg))
}

// applyRevision updates exactly one field of one leg, leaving all other
// legs untouched, then re-runs the whole-application checks.
func (w *travelWorker) applyRevision(ctx context.Context, bag callctx.Bag, input string) (Outcome, error) {
	var legIdx int
	fmt.Sscanf(w.state.Fields["revise_leg"], "%d", &legIdx)
	field := w.state.Fields["revise_field"]
	if legIdx < 1 || legIdx > len(w.state.Legs) {
		w.state.Await = awaitReviseTarget
		return w.reply("That leg no longer exists. Which leg should change?"), nil
	}
	leg := w.state.Legs[legIdx-1]

	switch field {
	case awaitDate:
		parsed, err := w.deps.Rules.ValidateDate(field, input)
		if err != nil {
			return w.validationReply(err), nil
		}
		leg.Date = parsed.Format("2006-01-02")
	case awaitDeparture, awaitDestination:
		loc, err := w.deps.Rules.ValidateLocation(field, input, w.knownLocations())
		if err != nil {
			return w.validationReply(err), nil
		}
		if field == awaitDeparture {
			leg.Departure = loc
		} else {
			leg.Destination = loc
		}
	case awaitTransport:
		transport, err := fares.ParseTransport(strings.ToLower(input))
		if err != nil {
			return w.reply(err.Error()), nil
		}
		leg.Transport = transport
	default:
		w.state.Await = awaitReviseTarget
		return w.reply("I can change departure, destination, date or transport. Which one?"), nil
	}

	// Route or transport changes require repricing and a fresh overlap
	// check.
	if w.deps.Rules.CommuterOverlap(leg.Departure, leg.Destination) {
		return w.reply(fmt.Sprintf(
			"%s to %s is covered by your commuter pass and cannot be claimed. Give me a different %s.",
			leg.Departure, leg.Destination, field)), nil
	}
	table, err := w.deps.Fares.Table()
	if err != nil {
		return Outcome{}, fmt.Errorf("fare tables unavailable: %w", err)
	}
	quote, err := table.Lookup(leg.Departure, leg.Destination, leg.Transport)
	if err != nil {
		if errors.Is(err, fares.ErrRouteNotFound) {
			return w.reply(fmt.Sprintf(
				"No train fare found for %s to %s. Give me a different %s.", leg.Departure, leg.Destination, field)), nil
		}
		return Outcome{}, fmt.Errorf("pricing revised leg: %w", err)
	}
	leg.Fare = quote.Fare
	leg.FareMethod = quote.Method

	w.state.Legs[legIdx-1] = leg
	delete(w.state.Fields, "revise_leg")
	delete(w.state.Fields, "revise_field")

	w.deps.Logger.Info(ctx, "travel leg revised",
		zap.Int("leg", legIdx), zap.String("field", field))

	return w.finalize(ctx, bag)
}

func (w *travelWorker) totalFares() int64 {
	var total int64
	for _, leg := range w.state.Legs {
		total += leg.Fare
	}
	return total
}

func (w *travelWorker) knownLocations() map[string]bool {
	table, err := w.deps.Fares.Table()
	if err != nil {
		return nil
	}
	return table.Locations()
}

func (w *travelWorker) reply(text string) Outcome {
	return Outcome{Reply: text, Stage: w.state.Stage}
}

func (w *travelWorker) validationReply(err error) Outcome {
	var verr *rules.ValidationError
	if errors.As(err, &verr) {
		return w.reply(fmt.Sprintf("That %s was rejected: %s. Please try again.", verr.Field, verr.Reason))
	}
	return w.reply(err.Error())
}

func isLegField(await string) bool {
	switch await {
	case awaitDeparture, awaitDestination, awaitDate, awaitTransport:
		return true
	}
	return false
}

func joinReply(prefix, text string) string {
	if prefix == "" {
		return text
	}
	return prefix + " " + text
}
