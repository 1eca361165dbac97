package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	summaryStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)
)

// ConsoleDecider prompts a human on an interactive terminal with three
// choices: approve, revise with feedback, or cancel. Empty revision
// feedback is re-prompted locally so the gate only ever sees valid input.
type ConsoleDecider struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewConsoleDecider creates a decider reading choices from in and writing
// prompts to out.
func NewConsoleDecider(in io.Reader, out io.Writer) *ConsoleDecider {
	return &ConsoleDecider{in: bufio.NewScanner(in), out: out}
}

// Decide implements Decider.
func (d *ConsoleDecider) Decide(_ context.Context, action *PendingAction) (Decision, error) {
	fmt.Fprintln(d.out, headerStyle.Render("Final confirmation"))
	fmt.Fprintln(d.out, summaryStyle.Render(action.Summary))
	fmt.Fprintln(d.out, "  1. Approve and generate the document")
	fmt.Fprintln(d.out, "  2. Request a revision")
	fmt.Fprintln(d.out, "  3. Cancel this application")

	for {
		fmt.Fprint(d.out, "Choice (1-3): ")
		line, err := d.readLine()
		if err != nil {
			return Decision{}, err
		}

		switch strings.TrimSpace(line) {
		case "1":
			return Decision{Kind: Approved}, nil
		case "2":
			feedback, err := d.readFeedback()
			if err != nil {
				return Decision{}, err
			}
			return Decision{Kind: Revised, Feedback: feedback}, nil
		case "3":
			return Decision{Kind: Cancelled}, nil
		default:
			fmt.Fprintln(d.out, faintStyle.Render("Enter 1, 2 or 3."))
		}
	}
}

func (d *ConsoleDecider) readFeedback() (string, error) {
	for {
		fmt.Fprint(d.out, "Describe the revision: ")
		line, err := d.readLine()
		if err != nil {
			return "", err
		}
		if feedback := strings.TrimSpace(line); feedback != "" {
			return feedback, nil
		}
		fmt.Fprintln(d.out, faintStyle.Render("Revision feedback must not be empty."))
	}
}

func (d *ConsoleDecider) readLine() (string, error) {
	if !d.in.Scan() {
		if err := d.in.Err(); err != nil {
			return "", fmt.Errorf("reading decision input: %w", err)
		}
		return "", io.EOF
	}
	return d.in.Text(), nil
}

// PolicyDecider approves actions automatically when their total stays at or
// below a configured limit and cancels them otherwise. It demonstrates the
// pluggable, non-interactive decision channel.
type PolicyDecider struct {
	// MaxAutoApprove is the largest total approved without a human.
	MaxAutoApprove int64
}

// Decide implements Decider. An action without a parsable "total" parameter
// is never auto-approved.
func (d *PolicyDecider) Decide(_ context.Context, action *PendingAction) (Decision, error) {
	raw, ok := action.Params["total"]
	if !ok {
		return Decision{Kind: Cancelled}, nil
	}
	total, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || total > d.MaxAutoApprove {
		return Decision{Kind: Cancelled}, nil
	}
	return Decision{Kind: Approved}, nil
}
