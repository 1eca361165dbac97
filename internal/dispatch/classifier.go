package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fernwell/frontdesk/internal/llm"
	"github.com/fernwell/frontdesk/internal/worker"
)

// ErrAmbiguous reports a request that cannot be routed to exactly one
// worker. The dispatcher turns it into a clarifying question; nothing is
// collected until the user disambiguates.
var ErrAmbiguous = errors.New("request is ambiguous")

// Classifier routes a natural-language request to a worker type.
type Classifier interface {
	Classify(ctx context.Context, input string) (worker.Type, error)
}

var (
	travelKeywords  = []string{"travel", "train", "trip", "transport", "fare", "commute", "taxi", "bus", "flight", "airplane"}
	receiptKeywords = []string{"receipt", "purchase", "bought", "store", "buy", "lodging", "certification"}
)

// KeywordClassifier routes on keyword hits. It is the offline fallback; the
// LLM classifier delegates to it when the model is unavailable.
type KeywordClassifier struct{}

// Classify implements Classifier.
func (KeywordClassifier) Classify(_ context.Context, input string) (worker.Type, error) {
	lower := strings.ToLower(input)
	travel := hitsAny(lower, travelKeywords)
	receipt := hitsAny(lower, receiptKeywords)

	switch {
	case travel && !receipt:
		return worker.TypeTravel, nil
	case receipt && !travel:
		return worker.TypeReceipt, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrAmbiguous, input)
	}
}

func hitsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

const classifySystemPrompt = `You route expense requests to a handler.
Answer with exactly one word:
  travel  - travel expense applications (train, bus, taxi, airplane fares)
  receipt - receipt-backed expense applications (purchases with a receipt)
  unknown - anything else or unclear`

// LLMClassifier routes with the completion model, falling back to keywords
// when the model call fails.
type LLMClassifier struct {
	completer llm.Completer
	fallback  KeywordClassifier
}

// NewLLMClassifier wraps a completer as a classifier.
func NewLLMClassifier(completer llm.Completer) *LLMClassifier {
	return &LLMClassifier{completer: completer}
}

// Classify implements Classifier.
func (c *LLMClassifier) Classify(ctx context.Context, input string) (worker.Type, error) {
	resp, err := c.completer.Complete(ctx, llm.Request{
		System: classifySystemPrompt,
		Prompt: input,
	})
	if err != nil {
		return c.fallback.Classify(ctx, input)
	}

	switch strings.ToLower(strings.TrimSpace(resp.Text)) {
	case string(worker.TypeTravel):
		return worker.TypeTravel, nil
	case string(worker.TypeReceipt):
		return worker.TypeReceipt, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrAmbiguous, input)
	}
}
