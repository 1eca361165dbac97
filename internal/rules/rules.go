// Package rules implements the filing rules as pure validation functions.
//
// All checks are side-effect free: they take a value and return the
// normalized value or a ValidationError naming the field and reason. The
// thresholds come from immutable configuration.
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fernwell/frontdesk/internal/config"
)

// ValidationError reports why a collected field was rejected. It is
// recoverable: the worker stays in collection and tells the user which
// field failed and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Rules evaluates filing rules against configured thresholds.
type Rules struct {
	cfg config.RulesConfig

	// now is injectable for tests.
	now func() time.Time
}

// New creates a rule set from config.
func New(cfg config.RulesConfig) *Rules {
	return &Rules{cfg: cfg, now: time.Now}
}

// WithClock returns a copy using the given clock. Test hook.
func (r *Rules) WithClock(now func() time.Time) *Rules {
	return &Rules{cfg: r.cfg, now: now}
}

var dateLayouts = []string{"2006-01-02", "2006/01/02", "20060102"}

// ValidateDate parses a date and checks it falls inside the filing window:
// no further back than the configured number of days and not in the future.
func (r *Rules) ValidateDate(field, value string) (time.Time, error) {
	var parsed time.Time
	var err error
	for _, layout := range dateLayouts {
		parsed, err = time.Parse(layout, strings.TrimSpace(value))
		if err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, &ValidationError{Field: field, Reason: fmt.Sprintf("unrecognized date %q, use YYYY-MM-DD", value)}
	}

	// "Today" is the calendar day in the clock's location. Truncating the
	// instant would place the boundary at UTC midnight and misjudge
	// same-day dates whenever the clock runs in another zone.
	now := r.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	oldest := today.AddDate(0, 0, -r.cfg.FilingWindowDays)

	if parsed.After(today) {
		return time.Time{}, &ValidationError{Field: field, Reason: fmt.Sprintf("date %s is in the future", parsed.Format("2006-01-02"))}
	}
	if parsed.Before(oldest) {
		return time.Time{}, &ValidationError{
			Field: field,
			Reason: fmt.Sprintf("date %s is older than the %d-day filing window (oldest allowed: %s)",
				parsed.Format("2006-01-02"), r.cfg.FilingWindowDays, oldest.Format("2006-01-02")),
		}
	}
	return parsed, nil
}

// ValidateAmount parses a positive amount within the plausibility bound.
// Accepts thousands separators and a leading currency marker.
func (r *Rules) ValidateAmount(field, value string) (int64, error) {
	cleaned := strings.NewReplacer(",", "", "¥", "", " ", "").Replace(strings.TrimSpace(value))
	amount, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: field, Reason: fmt.Sprintf("amount %q is not a number", value)}
	}
	if amount <= 0 {
		return 0, &ValidationError{Field: field, Reason: "amount must be positive"}
	}
	if amount > r.cfg.MaxParseAmount {
		return 0, &ValidationError{Field: field, Reason: fmt.Sprintf("amount %d exceeds the plausible maximum %d", amount, r.cfg.MaxParseAmount)}
	}
	return amount, nil
}

// ValidateLocation checks the location is non-empty and known to the fare
// table. An empty known set skips the table check (fare data unavailable is
// not the user's fault).
func (r *Rules) ValidateLocation(field, value string, known map[string]bool) (string, error) {
	loc := strings.TrimSpace(value)
	if loc == "" {
		return "", &ValidationError{Field: field, Reason: "location must not be empty"}
	}
	if len(known) > 0 && !known[loc] {
		return "", &ValidationError{Field: field, Reason: fmt.Sprintf("unknown location %q, not present in the fare table", loc)}
	}
	return loc, nil
}

// CheckFilingLimit enforces the hard filing ceiling on a total amount.
func (r *Rules) CheckFilingLimit(total int64) error {
	if total > r.cfg.MaxAmount {
		return &ValidationError{
			Field:  "total",
			Reason: fmt.Sprintf("total %d exceeds the filing limit of %d", total, r.cfg.MaxAmount),
		}
	}
	return nil
}

// NeedsPreApproval reports whether the total requires confirmed manager
// pre-approval before filing.
func (r *Rules) NeedsPreApproval(total int64) bool {
	return total > r.cfg.PreApprovalAmount
}

// PreApprovalThreshold returns the configured pre-approval amount, for
// user-facing messages.
func (r *Rules) PreApprovalThreshold() int64 {
	return r.cfg.PreApprovalAmount
}

// CommuterOverlap reports whether a leg duplicates a commuter-pass segment.
// Segments are undirected.
func (r *Rules) CommuterOverlap(departure, destination string) bool {
	for _, seg := range r.cfg.CommuterSegments {
		if (seg.A == departure && seg.B == destination) || (seg.B == departure && seg.A == destination) {
			return true
		}
	}
	return false
}
