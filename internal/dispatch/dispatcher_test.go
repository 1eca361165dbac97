package dispatch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwell/frontdesk/internal/approval"
	"github.com/fernwell/frontdesk/internal/config"
	"github.com/fernwell/frontdesk/internal/fares"
	"github.com/fernwell/frontdesk/internal/render"
	"github.com/fernwell/frontdesk/internal/rules"
	"github.com/fernwell/frontdesk/internal/session"
	"github.com/fernwell/frontdesk/internal/worker"
)

const trainTableJSON = `{
  "routes": [
    {"departure": "Tokyo", "destination": "Yokohama", "fare": 480},
    {"departure": "Yokohama", "destination": "Tokyo", "fare": 480},
    {"departure": "Tokyo", "destination": "Osaka", "fare": 8900}
  ]
}`

const fixedTableJSON = `{"bus": 210, "taxi": 1200, "airplane": 31000}`

// scriptDecider replays decisions and records every action it sees.
type scriptDecider struct {
	decisions []approval.Decision
	calls     int
	seen      []*approval.PendingAction
}

func (d *scriptDecider) Decide(_ context.Context, action *approval.PendingAction) (approval.Decision, error) {
	d.seen = append(d.seen, action)
	if d.calls >= len(d.decisions) {
		return approval.Decision{Kind: approval.Cancelled}, nil
	}
	dec := d.decisions[d.calls]
	d.calls++
	return dec, nil
}

type fixture struct {
	dispatcher *Dispatcher
	store      *session.FileStore
	decider    *scriptDecider
	cfg        *config.Config
	deps       worker.Deps
}

func newFixture(t *testing.T, decisions ...approval.Decision) *fixture {
	t.Helper()
	dir := t.TempDir()

	trainPath := filepath.Join(dir, "train_fares.json")
	fixedPath := filepath.Join(dir, "fixed_fares.json")
	require.NoError(t, os.WriteFile(trainPath, []byte(trainTableJSON), 0600))
	require.NoError(t, os.WriteFile(fixedPath, []byte(fixedTableJSON), 0600))

	cfg := &config.Config{
		History: config.HistoryConfig{DispatcherBound: 30, WorkerBound: 15},
		Rules: config.RulesConfig{
			FilingWindowDays:  90,
			PreApprovalAmount: 5000,
			MaxAmount:         30000,
			MaxParseAmount:    1000000,
			CommuterSegments:  []config.Segment{{A: "Ueno", B: "Toyosu"}},
		},
		Store:    config.StoreConfig{Dir: filepath.Join(dir, "sessions"), SessionPrefix: "sess"},
		Dispatch: config.DispatchConfig{MaxIterations: 10},
	}

	fareSvc := fares.NewService(trainPath, fixedPath, nil)
	require.NoError(t, fareSvc.Load(context.Background()))

	fixed := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	deps := worker.Deps{
		Rules:    rules.New(cfg.Rules).WithClock(func() time.Time { return fixed }),
		Fares:    fareSvc,
		Renderer: render.NewFileRenderer(filepath.Join(dir, "output"), nil),
	}

	decider := &scriptDecider{decisions: decisions}
	store := session.NewFileStore(cfg.Store.Dir, nil)
	f := &fixture{
		store:   store,
		decider: decider,
		cfg:     cfg,
		deps:    deps,
	}
	f.dispatcher = f.newDispatcher()
	return f
}

func (f *fixture) newDispatcher() *Dispatcher {
	return New(Options{
		Config:     f.cfg,
		Classifier: KeywordClassifier{},
		Gate:       approval.NewGate(f.decider, nil, worker.GatedActions()...),
		Store:      f.store,
		WorkerDeps: f.deps,
	})
}

func (f *fixture) turn(t *testing.T, input string) Reply {
	t.Helper()
	reply, err := f.dispatcher.HandleTurn(context.Background(), input)
	require.NoError(t, err)
	return reply
}

// start opens a session and supplies the requester name.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	opening, err := f.dispatcher.StartSession(context.Background())
	require.NoError(t, err)
	require.Contains(t, opening, "name")
	f.turn(t, "Alice Tanaka")
}

// collectSingleLeg walks the travel worker to the approval point; the
// scripted decision fires during the last turn.
func (f *fixture) collectSingleLeg(t *testing.T) Reply {
	t.Helper()
	f.turn(t, "I need to file travel expenses")
	f.turn(t, "Tokyo")
	f.turn(t, "Yokohama")
	f.turn(t, "2026-08-20")
	f.turn(t, "train")
	f.turn(t, "no")
	return f.turn(t, "client visit")
}

func TestDispatcher_TravelApprovedEndToEnd(t *testing.T) {
	f := newFixture(t, approval.Decision{Kind: approval.Approved})
	f.start(t)

	reply := f.collectSingleLeg(t)
	assert.Contains(t, reply.Text, "has been filed")
	assert.Equal(t, 1, f.decider.calls)
	assert.Contains(t, f.decider.seen[0].Summary, "Tokyo -> Yokohama")

	// The artifact exists on disk.
	assert.FileExists(t, pathFromReply(t, reply.Text))

	// The worker round is over; the dispatcher is routing again.
	rec, err := f.store.Load(context.Background(), f.dispatcher.SessionID())
	require.NoError(t, err)
	assert.Empty(t, rec.Session.ActiveWorker)
	assert.Nil(t, rec.Pending)
	assert.Equal(t, worker.StageCompleted, rec.Workers["travel"].Stage)
}

// pathFromReply extracts the artifact path from the completion message.
func pathFromReply(t *testing.T, text string) string {
	t.Helper()
	const marker = "Document: "
	i := strings.Index(text, marker)
	require.GreaterOrEqual(t, i, 0, "no document path in reply %q", text)
	return text[i+len(marker):]
}

func TestDispatcher_ReviseSecondItemDate(t *testing.T) {
	f := newFixture(t,
		approval.Decision{Kind: approval.Revised, Feedback: "fix the date of item 2"},
		approval.Decision{Kind: approval.Approved},
	)
	f.start(t)

	f.turn(t, "travel expenses")
	f.turn(t, "Tokyo")
	f.turn(t, "Yokohama")
	f.turn(t, "2026-08-18")
	f.turn(t, "train")
	f.turn(t, "yes")
	f.turn(t, "Yokohama")
	f.turn(t, "Tokyo")
	f.turn(t, "2026-08-19")
	f.turn(t, "train")
	f.turn(t, "no")

	reply := f.turn(t, "customer workshop")
	assert.Contains(t, reply.Text, "corrected date for leg 2")

	reply = f.turn(t, "2026-08-20")
	assert.Contains(t, reply.Text, "has been filed")

	require.Equal(t, 2, f.decider.calls)
	assert.NotEqual(t, f.decider.seen[0].ID, f.decider.seen[1].ID,
		"revision must resubmit a fresh pending action")
	assert.Contains(t, f.decider.seen[1].Summary, "2026-08-20")
	assert.Contains(t, f.decider.seen[1].Summary, "2026-08-18",
		"the untouched leg keeps its original date")
}

func TestDispatcher_CancelLeavesSessionUsable(t *testing.T) {
	f := newFixture(t,
		approval.Decision{Kind: approval.Cancelled},
		approval.Decision{Kind: approval.Approved},
	)
	f.start(t)

	reply := f.collectSingleLeg(t)
	assert.Contains(t, reply.Text, "cancelled")

	// The session keeps running: a receipt round works immediately after.
	f.turn(t, "I have a receipt to expense")
	f.turn(t, "Maruzen Books")
	f.turn(t, "1280")
	f.turn(t, "2026-08-15")
	f.turn(t, "notebook, pens")
	f.turn(t, "yes")
	reply = f.turn(t, "team supplies")
	assert.Contains(t, reply.Text, "has been filed")

	rec, err := f.store.Load(context.Background(), f.dispatcher.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "Alice Tanaka", rec.Session.Requester, "identity survives cancellation")
	assert.Equal(t, worker.StageCancelled, rec.Workers["travel"].Stage)
	assert.Equal(t, worker.StageCompleted, rec.Workers["receipt"].Stage)
}

func TestDispatcher_ResumeRepresentsPendingApproval(t *testing.T) {
	// The decider errors out on first contact, simulating a crash while
	// awaiting the decision: the pending state is already on disk.
	f := newFixture(t) // empty script: first Decide returns Cancelled
	crashed := &crashingDecider{}
	f.dispatcher = New(Options{
		Config:     f.cfg,
		Classifier: KeywordClassifier{},
		Gate:       approval.NewGate(crashed, nil, worker.GatedActions()...),
		Store:      f.store,
		WorkerDeps: f.deps,
	})
	f.start(t)

	f.turn(t, "travel expenses")
	f.turn(t, "Tokyo")
	f.turn(t, "Yokohama")
	f.turn(t, "2026-08-20")
	f.turn(t, "train")
	f.turn(t, "no")
	reply := f.turn(t, "client visit")
	assert.Contains(t, reply.Text, "Something went wrong", "gate failure is converted at the turn boundary")

	id := f.dispatcher.SessionID()
	rec, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, rec.Pending, "awaiting state was persisted before the gate blocked")
	pendingID := rec.Pending.ID

	// Fresh process: resume re-presents the same pending action.
	resumed := f.newDispatcher()
	opening, err := resumed.Resume(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, opening, "Welcome back")
	assert.Contains(t, opening, "cancelled", "scripted decider cancels the re-presented action")
	require.Len(t, f.decider.seen, 1)
	assert.Equal(t, pendingID, f.decider.seen[0].ID, "the same action is re-presented, not rebuilt")
}

// crashingDecider fails every decision, standing in for a process crash
// while blocked on the gate.
type crashingDecider struct{}

func (crashingDecider) Decide(context.Context, *approval.PendingAction) (approval.Decision, error) {
	return approval.Decision{}, os.ErrDeadlineExceeded
}

// flakyDecider fails its first decision, then approves.
type flakyDecider struct{ calls int }

func (d *flakyDecider) Decide(context.Context, *approval.PendingAction) (approval.Decision, error) {
	d.calls++
	if d.calls == 1 {
		return approval.Decision{}, os.ErrDeadlineExceeded
	}
	return approval.Decision{Kind: approval.Approved}, nil
}

func TestDispatcher_GateFailureRecoversOnNextTurn(t *testing.T) {
	f := newFixture(t)
	flaky := &flakyDecider{}
	f.dispatcher = New(Options{
		Config:     f.cfg,
		Classifier: KeywordClassifier{},
		Gate:       approval.NewGate(flaky, nil, worker.GatedActions()...),
		Store:      f.store,
		WorkerDeps: f.deps,
	})
	f.start(t)

	reply := f.collectSingleLeg(t)
	assert.Contains(t, reply.Text, "Something went wrong")

	rec, err := f.store.Load(context.Background(), f.dispatcher.SessionID())
	require.NoError(t, err)
	require.NotNil(t, rec.Pending, "the suspended approval stays persisted")

	// Any later input re-presents the pending action instead of dead-ending
	// on the suspended worker.
	reply = f.turn(t, "is anyone there?")
	assert.Contains(t, reply.Text, "has been filed")
	assert.Equal(t, 2, flaky.calls, "the decider is consulted again")

	rec, err = f.store.Load(context.Background(), f.dispatcher.SessionID())
	require.NoError(t, err)
	assert.Nil(t, rec.Pending)
	assert.Equal(t, worker.StageCompleted, rec.Workers["travel"].Stage)
}

// approveDecider approves everything, counting calls.
type approveDecider struct{ calls int }

func (d *approveDecider) Decide(context.Context, *approval.PendingAction) (approval.Decision, error) {
	d.calls++
	return approval.Decision{Kind: approval.Approved}, nil
}

// failingRenderer never succeeds.
type failingRenderer struct{ calls int }

func (r *failingRenderer) Render(context.Context, *approval.PendingAction) (render.Result, error) {
	r.calls++
	return render.Result{Success: false, ErrorMessage: "disk full"}, render.ErrRenderFailed
}

func TestDispatcher_RenderRetriesHitIterationLimit(t *testing.T) {
	f := newFixture(t)
	f.cfg.Dispatch.MaxIterations = 3
	approver := &approveDecider{}
	renderer := &failingRenderer{}
	deps := f.deps
	deps.Renderer = renderer
	f.dispatcher = New(Options{
		Config:     f.cfg,
		Classifier: KeywordClassifier{},
		Gate:       approval.NewGate(approver, nil, worker.GatedActions()...),
		Store:      f.store,
		WorkerDeps: deps,
	})
	f.start(t)

	reply := f.collectSingleLeg(t)
	assert.Contains(t, reply.Text, "too complex")
	assert.Equal(t, 3, approver.calls)
	assert.Equal(t, 3, renderer.calls)

	rec, err := f.store.Load(context.Background(), f.dispatcher.SessionID())
	require.NoError(t, err)
	assert.Nil(t, rec.Pending)
	assert.Empty(t, rec.Session.ActiveWorker)
	assert.Equal(t, "Alice Tanaka", rec.Session.Requester, "the session stays usable")

	// The next request routes normally.
	reply = f.turn(t, "I have a receipt to file")
	assert.Contains(t, reply.Text, "store")
}

func TestDispatcher_ResetMidCollection(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.turn(t, "travel expenses")
	f.turn(t, "Tokyo")

	reply := f.turn(t, "reset")
	assert.Contains(t, reply.Text, "name")

	rec, err := f.store.Load(context.Background(), f.dispatcher.SessionID())
	require.NoError(t, err)
	assert.Empty(t, rec.Session.ActiveWorker)
	assert.NotContains(t, rec.Workers, "travel")
	assert.Empty(t, rec.Session.Requester, "reset requires identity re-acquisition")

	// The session restarts from identity, then routes again.
	f.turn(t, "Bob Sato")
	reply = f.turn(t, "travel expenses")
	assert.Contains(t, reply.Text, "depart")
}

func TestDispatcher_AmbiguousAsksClarifyingQuestion(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	reply := f.turn(t, "I need help with something")
	assert.Contains(t, reply.Text, "Which one")

	rec, err := f.store.Load(context.Background(), f.dispatcher.SessionID())
	require.NoError(t, err)
	assert.Empty(t, rec.Session.ActiveWorker, "nothing is collected until the user disambiguates")

	reply = f.turn(t, "travel expenses please")
	assert.Contains(t, reply.Text, "depart")
}

func TestDispatcher_EmptyInputIgnored(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	before, err := f.store.Load(context.Background(), f.dispatcher.SessionID())
	require.NoError(t, err)

	reply := f.turn(t, "   ")
	assert.Empty(t, reply.Text)

	after, err := f.store.Load(context.Background(), f.dispatcher.SessionID())
	require.NoError(t, err)
	assert.Equal(t, before.Windows[session.DispatcherWindow].Next, after.Windows[session.DispatcherWindow].Next,
		"blank input must not consume a turn")
}

func TestDispatcher_ExitEndsSession(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	reply := f.turn(t, "exit")
	assert.True(t, reply.Done)
	assert.Contains(t, reply.Text, "Goodbye")
}

func TestDispatcher_ActiveWorkerWins(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.turn(t, "travel expenses")
	// Input mentioning receipts is still treated as the departure answer
	// while the travel worker is active; validation rejects it.
	reply := f.turn(t, "receipt store shopping")
	assert.Contains(t, reply.Text, "rejected")

	rec, err := f.store.Load(context.Background(), f.dispatcher.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "travel", rec.Session.ActiveWorker)
}

func TestDispatcher_RequesterInActionParams(t *testing.T) {
	f := newFixture(t, approval.Decision{Kind: approval.Approved})
	f.start(t)
	f.collectSingleLeg(t)

	require.Len(t, f.decider.seen, 1)
	assert.Equal(t, "Alice Tanaka", f.decider.seen[0].Params["requester"],
		"identity reaches the action through propagated context, not re-asking")
}
