package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwell/frontdesk/internal/llm"
	"github.com/fernwell/frontdesk/internal/worker"
)

func TestKeywordClassifier(t *testing.T) {
	c := KeywordClassifier{}
	ctx := context.Background()

	tests := []struct {
		input string
		want  worker.Type
		err   bool
	}{
		{"I need to file travel expenses for my train trip", worker.TypeTravel, false},
		{"expense this receipt from the bookstore", worker.TypeReceipt, false},
		{"I have a receipt to expense", worker.TypeReceipt, false},
		{"took a taxi to the airport", worker.TypeTravel, false},
		{"hello there", "", true},
		{"I bought train tickets, here is the receipt", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := c.Classify(ctx, tt.input)
			if tt.err {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrAmbiguous)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// fixedCompleter returns a canned answer or error.
type fixedCompleter struct {
	text string
	err  error
}

func (c *fixedCompleter) Complete(context.Context, llm.Request) (llm.Response, error) {
	if c.err != nil {
		return llm.Response{}, c.err
	}
	return llm.Response{Text: c.text}, nil
}

func TestLLMClassifier(t *testing.T) {
	ctx := context.Background()

	got, err := NewLLMClassifier(&fixedCompleter{text: " Travel \n"}).Classify(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, worker.TypeTravel, got)

	got, err = NewLLMClassifier(&fixedCompleter{text: "receipt"}).Classify(ctx, "anything")
	require.NoError(t, err)
	assert.Equal(t, worker.TypeReceipt, got)

	_, err = NewLLMClassifier(&fixedCompleter{text: "unknown"}).Classify(ctx, "anything")
	assert.ErrorIs(t, err, ErrAmbiguous)
}

func TestLLMClassifier_FallsBackOnModelFailure(t *testing.T) {
	c := NewLLMClassifier(&fixedCompleter{err: errors.New("model down")})

	got, err := c.Classify(context.Background(), "file my travel expenses")
	require.NoError(t, err)
	assert.Equal(t, worker.TypeTravel, got)
}
