package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fernwell/frontdesk/internal/approval"
	"github.com/fernwell/frontdesk/internal/callctx"
	"github.com/fernwell/frontdesk/internal/rules"
)

// Question keys for the receipt worker.
const (
	awaitStore           = "store"
	awaitAmount          = "amount"
	awaitItems           = "items"
	awaitCategoryConfirm = "category_confirm"
	awaitCategory        = "category"
)

// Expense categories for receipt applications.
const (
	CategoryOfficeSupplies = "office supplies"
	CategoryLodging        = "lodging"
	CategoryCertification  = "certification"
	CategoryOther          = "other"
)

var receiptFields = []string{awaitStore, awaitAmount, awaitDate, awaitItems, awaitCategory, awaitPurpose}

// receiptWorker collects a single receipt: store, amount, date, purchased
// items and an expense category judged from the items.
type receiptWorker struct {
	deps  Deps
	state State
}

// NewReceipt creates an idle receipt worker.
func NewReceipt(deps Deps) Worker {
	deps.defaults()
	return &receiptWorker{deps: deps, state: newState(TypeReceipt)}
}

func (w *receiptWorker) Type() Type   { return TypeReceipt }
func (w *receiptWorker) State() State { return w.state.Clone() }

func (w *receiptWorker) Restore(s State) error {
	if s.Type != TypeReceipt {
		return fmt.Errorf("cannot restore %q state into a receipt worker", s.Type)
	}
	w.state = s.Clone()
	if w.state.Fields == nil {
		w.state.Fields = make(map[string]string)
	}
	return nil
}

func (w *receiptWorker) Reset() {
	w.state = newState(TypeReceipt)
}

// Advance implements Worker.
func (w *receiptWorker) Advance(ctx context.Context, bag callctx.Bag, input string) (Outcome, error) {
	input = strings.TrimSpace(input)

	switch w.state.Stage {
	case StageIdle:
		w.state.Stage = StageCollecting
		w.state.Await = awaitStore
		return w.reply("Let's file your receipt. Which store is the receipt from?"), nil

	case StageCollecting:
		return w.collect(ctx, bag, input)

	case StageAwaitingApproval:
		return w.reply("This application is waiting for an approval decision."), nil

	default:
		return Outcome{}, fmt.Errorf("receipt worker advanced in terminal stage %q", w.state.Stage)
	}
}

func (w *receiptWorker) collect(ctx context.Context, bag callctx.Bag, input string) (Outcome, error) {
	switch w.state.Await {
	case awaitStore:
		if input == "" {
			return w.reply("The store name must not be empty. Which store is it from?"), nil
		}
		w.state.Fields[awaitStore] = input
		w.state.Await = awaitAmount
		return w.reply("What is the total amount on the receipt?"), nil

	case awaitAmount:
		amount, err := w.deps.Rules.ValidateAmount(awaitAmount, input)
		if err != nil {
			return w.validationReply(err), nil
		}
		if err := w.deps.Rules.CheckFilingLimit(amount); err != nil {
			var verr *rules.ValidationError
			errors.As(err, &verr)
			return w.reply(fmt.Sprintf(
				"This receipt cannot be filed: %s. If the amount was mistyped, enter the correct amount.", verr.Reason)), nil
		}
		w.state.Fields[awaitAmount] = fmt.Sprintf("%d", amount)
		w.state.Await = awaitDate
		return w.reply("What is the purchase date on the receipt? (YYYY-MM-DD)"), nil

	case awaitDate:
		parsed, err := w.deps.Rules.ValidateDate(awaitDate, input)
		if err != nil {
			return w.validationReply(err), nil
		}
		w.state.Fields[awaitDate] = parsed.Format("2006-01-02")
		w.state.Await = awaitItems
		return w.reply("What was purchased? List the items, comma separated."), nil

	case awaitItems:
		if input == "" {
			return w.reply("Please list at least one item."), nil
		}
		w.state.Fields[awaitItems] = input
		guess := Categorize(input)
		w.state.Fields[awaitCategory] = guess
		w.state.Await = awaitCategoryConfirm
		return w.reply(fmt.Sprintf("These look like %q expenses. Is that right? (yes/no)", guess)), nil

	case awaitCategoryConfirm:
		confirmed, ok := parseYesNo(input)
		if !ok {
			return w.reply("Please answer yes or no: is the category correct?"), nil
		}
		if !confirmed {
			w.state.Await = awaitCategory
			return w.reply(fmt.Sprintf(
				"Which category applies? (%s, %s, %s or %s)",
				CategoryOfficeSupplies, CategoryLodging, CategoryCertification, CategoryOther)), nil
		}
		w.state.Await = awaitPurpose
		return w.reply("What was the business purpose of this purchase?"), nil

	case awaitCategory:
		category, err := parseCategory(input)
		if err != nil {
			return w.reply(err.Error()), nil
		}
		w.state.Fields[awaitCategory] = category
		w.state.Await = awaitPurpose
		return w.reply("What was the business purpose of this purchase?"), nil

	case awaitPurpose:
		if input == "" {
			return w.reply("A business purpose is required. What was the purchase for?"), nil
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
				"Amounts over %d require manager pre-approval before filing. Please obtain it, then answer yes. You can also type reset to abandon this application.",
				w.deps.Rules.PreApprovalThreshold())), nil
		}
		w.state.PreApproved = true
		return w.finalize(ctx, bag)

	case awaitReviseTarget:
		_, field := revisionTarget(input, receiptFields)
		if field == "" {
			return w.reply("Which field should change? (store, amount, date, items, category or purpose)"), nil
		}
		return w.askReviseValue(field), nil

	case awaitReviseValue:
		return w.applyRevision(ctx, bag, input)

	default:
		return Outcome{}, fmt.Errorf("receipt worker in unknown question state %q", w.state.Await)
	}
}

func (w *receiptWorker) finalize(ctx context.Context, bag callctx.Bag) (Outcome, error) {
	var amount int64
	fmt.Sscanf(w.state.Fields[awaitAmount], "%d", &amount)

	if w.deps.Rules.NeedsPreApproval(amount) && !w.state.PreApproved {
		w.state.Await = awaitPreApproval
		return w.reply(fmt.Sprintf(
			"The amount of %d requires manager pre-approval. Has it been pre-approved? (yes/no)", amount)), nil
	}

	action := w.buildAction(bag, amount)
	w.state.Pending = action
	w.state.Stage = StageAwaitingApproval
	w.state.Await = ""

	w.deps.Logger.Info(ctx, "receipt application ready",
		zap.String("category", w.state.Fields[awaitCategory]),
		zap.Int64("amount", amount))

	return Outcome{
		Reply:   "Your receipt application is complete. Please review the summary.",
		Stage:   w.state.Stage,
		Pending: action,
	}, nil
}

func (w *receiptWorker) buildAction(bag callctx.Bag, amount int64) *approval.PendingAction {
	var b strings.Builder
	fmt.Fprintf(&b, "Receipt expense application for %s\n", bag.ValueOr(callctx.KeyRequester, "(unknown requester)"))
	fmt.Fprintf(&b, "  Store:    %s\n", w.state.Fields[awaitStore])
	fmt.Fprintf(&b, "  Date:     %s\n", w.state.Fields[awaitDate])
	fmt.Fprintf(&b, "  Items:    %s\n", w.state.Fields[awaitItems])
	fmt.Fprintf(&b, "  Category: %s\n", w.state.Fields[awaitCategory])
	fmt.Fprintf(&b, "Purpose: %s\n", w.state.Fields[awaitPurpose])
	fmt.Fprintf(&b, "Total: %d", amount)

	params := map[string]string{
		"requester": bag.ValueOr(callctx.KeyRequester, ""),
		"store":     w.state.Fields[awaitStore],
		"date":      w.state.Fields[awaitDate],
		"items":     w.state.Fields[awaitItems],
		"category":  w.state.Fields[awaitCategory],
		"purpose":   w.state.Fields[awaitPurpose],
		"total":     fmt.Sprintf("%d", amount),
	}
	if filing, ok := bag.Value(callctx.KeyFilingDate); ok {
		params["filing_date"] = filing
	}
	return approval.NewPendingAction(ActionReceiptReport, string(TypeReceipt), b.String(), params)
}

// Resolve implements Worker.
func (w *receiptWorker) Resolve(ctx context.Context, bag callctx.Bag, decision approval.Decision) (Outcome, error) {
	if w.state.Stage != StageAwaitingApproval || w.state.Pending == nil {
		return Outcome{}, fmt.Errorf("receipt worker has no pending action to resolve")
	}
	pending := w.state.Pending
	w.state.Pending = nil

	switch decision.Kind {
	case approval.Approved:
		result, err := w.deps.Renderer.Render(ctx, pending)
		if err != nil || !result.Success {
			retry := approval.NewPendingAction(pending.Action, pending.WorkerType, pending.Summary, pending.Params)
			w.state.Pending = retry
			w.deps.Logger.Error(ctx, "receipt document render failed", zap.Error(err))
			return Outcome{
				Reply:   fmt.Sprintf("Document generation failed (%s). Your entries are kept; approval will be requested again.", result.ErrorMessage),
				Stage:   w.state.Stage,
				Pending: retry,
			}, nil
		}
		w.state.Stage = StageCompleted
		return Outcome{
			Reply:    fmt.Sprintf("Your receipt expense application has been filed. Document: %s", result.ArtifactPath),
			Stage:    StageCompleted,
			Artifact: result.ArtifactPath,
			Done:     true,
		}, nil

	case approval.Revised:
		w.state.Stage = StageCollecting
		_, field := revisionTarget(decision.Feedback, receiptFields)
		if field == "" {
			w.state.Await = awaitReviseTarget
			return w.reply("Which field should change? (store, amount, date, items, category or purpose)"), nil
		}
		return w.askReviseValue(field), nil

	case approval.Cancelled:
		w.state.Stage = StageCancelled
		return Outcome{
			Reply: "The receipt application was cancelled. No document was generated.",
			Stage: StageCancelled,
			Done:  true,
		}, nil

	default:
		return Outcome{}, fmt.Errorf("unknown decision kind %q", decision.Kind)
	}
}

func (w *receiptWorker) askReviseValue(field string) Outcome {
	w.state.Await = awaitReviseValue
	w.state.Fields["revise_field"] = field
	return w.reply(fmt.Sprintf("What is the corrected %s?", field))
}

// applyRevision replaces one field, re-validating it, then re-runs the
// final checks.
func (w *receiptWorker) applyRevision(ctx context.Context, bag callctx.Bag, input string) (Outcome, error) {
	field := w.state.Fields["revise_field"]

	switch field {
	case awaitAmount:
		amount, err := w.deps.Rules.ValidateAmount(field, input)
		if err != nil {
			return w.validationReply(err), nil
		}
		if err := w.deps.Rules.CheckFilingLimit(amount); err != nil {
			return w.validationReply(err), nil
		}
		w.state.Fields[field] = fmt.Sprintf("%d", amount)
	case awaitDate:
		parsed, err := w.deps.Rules.ValidateDate(field, input)
		if err != nil {
			return w.validationReply(err), nil
		}
		w.state.Fields[field] = parsed.Format("2006-01-02")
	case awaitCategory:
		category, err := parseCategory(input)
		if err != nil {
			return w.reply(err.Error()), nil
		}
		w.state.Fields[field] = category
	case awaitStore, awaitItems, awaitPurpose:
		if input == "" {
			return w.reply(fmt.Sprintf("The %s must not be empty.", field)), nil
		}
		w.state.Fields[field] = input
	default:
		w.state.Await = awaitReviseTarget
		return w.reply("Which field should change? (store, amount, date, items, category or purpose)"), nil
	}

	delete(w.state.Fields, "revise_field")
	w.deps.Logger.Info(ctx, "receipt field revised", zap.String("field", field))
	return w.finalize(ctx, bag)
}

func (w *receiptWorker) reply(text string) Outcome {
	return Outcome{Reply: text, Stage: w.state.Stage}
}

func (w *receiptWorker) validationReply(err error) Outcome {
	var verr *rules.ValidationError
	if errors.As(err, &verr) {
		return w.reply(fmt.Sprintf("That %s was rejected: %s. Please try again.", verr.Field, verr.Reason))
	}
	return w.reply(err.Error())
}

// Categorize guesses the expense category from the purchased items.
func Categorize(items string) string {
	lower := strings.ToLower(items)
	switch {
	case containsAny(lower, "hotel", "inn", "lodging", "stay", "room"):
		return CategoryLodging
	case containsAny(lower, "exam", "certification", "certificate", "license", "qualification"):
		return CategoryCertification
	case containsAny(lower, "pen", "notebook", "paper", "stationery", "book", "toner", "folder", "stapler"):
		return CategoryOfficeSupplies
	default:
		return CategoryOther
	}
}

func parseCategory(input string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case CategoryOfficeSupplies, "office", "supplies":
		return CategoryOfficeSupplies, nil
	case CategoryLodging:
		return CategoryLodging, nil
	case CategoryCertification:
		return CategoryCertification, nil
	case CategoryOther:
		return CategoryOther, nil
	}
	return "", fmt.Errorf("unknown category %q (expected %s, %s, %s or %s)",
		input, CategoryOfficeSupplies, CategoryLodging, CategoryCertification, CategoryOther)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
