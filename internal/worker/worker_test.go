package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fernwell/frontdesk/internal/approval"
	"github.com/fernwell/frontdesk/internal/callctx"
	"github.com/fernwell/frontdesk/internal/config"
	"github.com/fernwell/frontdesk/internal/fares"
	"github.com/fernwell/frontdesk/internal/render"
	"github.com/fernwell/frontdesk/internal/rules"
)

const trainTableJSON = `{
  "routes": [
    {"departure": "Tokyo", "destination": "Yokohama", "fare": 480},
    {"departure": "Yokohama", "destination": "Tokyo", "fare": 480},
    {"departure": "Tokyo", "destination": "Osaka", "fare": 8900},
    {"departure": "Ueno", "destination": "Toyosu", "fare": 210}
  ]
}`

const fixedTableJSON = `{"bus": 210, "taxi": 1200, "airplane": 31000}`

// stubRenderer fails the first failFirst calls, then succeeds.
type stubRenderer struct {
	failFirst int
	calls     int
	artifact  string
}

func (r *stubRenderer) Render(_ context.Context, _ *approval.PendingAction) (render.Result, error) {
	r.calls++
	if r.calls <= r.failFirst {
		return render.Result{Success: false, ErrorMessage: "disk full"}, render.ErrRenderFailed
	}
	if r.artifact == "" {
		r.artifact = "output/report.json"
	}
	return render.Result{Success: true, ArtifactPath: r.artifact}, nil
}

func testFares(t *testing.T) *fares.Service {
	t.Helper()
	dir := t.TempDir()
	trainPath := filepath.Join(dir, "train_fares.json")
	fixedPath := filepath.Join(dir, "fixed_fares.json")
	require.NoError(t, os.WriteFile(trainPath, []byte(trainTableJSON), 0600))
	require.NoError(t, os.WriteFile(fixedPath, []byte(fixedTableJSON), 0600))

	svc := fares.NewService(trainPath, fixedPath, nil)
	require.NoError(t, svc.Load(context.Background()))
	return svc
}

func testDeps(t *testing.T, renderer render.Renderer) Deps {
	t.Helper()
	cfg := config.RulesConfig{
		FilingWindowDays:  90,
		PreApprovalAmount: 5000,
		MaxAmount:         30000,
		MaxParseAmount:    1000000,
		CommuterSegments: []config.Segment{
			{A: "Ueno", B: "Toyosu"},
		},
	}
	fixed := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	return Deps{
		Rules:    rules.New(cfg).WithClock(func() time.Time { return fixed }),
		Fares:    testFares(t),
		Renderer: renderer,
	}
}

func testBag() callctx.Bag {
	return callctx.New(map[string]string{
		callctx.KeyRequester:  "Alice Tanaka",
		callctx.KeyFilingDate: "2026-08-23",
	})
}

// advance runs one worker turn and fails the test on error.
func advance(t *testing.T, w Worker, input string) Outcome {
	t.Helper()
	out, err := w.Advance(context.Background(), testBag(), input)
	require.NoError(t, err)
	return out
}

func resolve(t *testing.T, w Worker, decision approval.Decision) Outcome {
	t.Helper()
	out, err := w.Resolve(context.Background(), testBag(), decision)
	require.NoError(t, err)
	return out
}
