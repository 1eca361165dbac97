// Package dispatch implements the conversation front door.
//
// The dispatcher owns one session: it acquires the requester's identity,
// routes each request to a worker, forwards follow-up input while a worker
// is active, drives the approval gate when a worker reaches readiness, and
// persists the whole session after every turn. Internal errors never reach
// the user verbatim; they are logged and converted to a safe reply at the
// turn boundary.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fernwell/frontdesk/internal/approval"
	"github.com/fernwell/frontdesk/internal/callctx"
	"github.com/fernwell/frontdesk/internal/config"
	"github.com/fernwell/frontdesk/internal/history"
	"github.com/fernwell/frontdesk/internal/logging"
	"github.com/fernwell/frontdesk/internal/session"
	"github.com/fernwell/frontdesk/internal/telemetry"
	"github.com/fernwell/frontdesk/internal/worker"
)

// ErrLoopLimit reports that one turn exceeded the configured number of
// internal round-trips.
var ErrLoopLimit = errors.New("turn exceeded iteration limit")

// safeErrorReply is what the user sees when something breaks internally.
const safeErrorReply = "Something went wrong on my side. Nothing was filed; please try again."

// Reply is the user-facing result of one turn.
type Reply struct {
	Text string
	// Done reports that the session ended (exit command).
	Done bool
}

// Options wires a dispatcher.
type Options struct {
	Config     *config.Config
	Classifier Classifier
	Gate       *approval.Gate
	Store      session.Store
	WorkerDeps worker.Deps
	Metrics    *telemetry.Metrics
	Logger     *logging.Logger
}

// Dispatcher drives one session's conversation loop.
type Dispatcher struct {
	cfg        *config.Config
	classifier Classifier
	gate       *approval.Gate
	store      session.Store
	deps       worker.Deps
	registry   map[worker.Type]worker.Constructor
	metrics    *telemetry.Metrics
	logger     *logging.Logger

	rec     *session.Record
	bag     callctx.Bag
	window  *history.Window
	workers map[worker.Type]worker.Worker
	windows map[worker.Type]*history.Window
	turn    int
}

// New creates a dispatcher. Call StartSession or Resume before HandleTurn.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		cfg:        opts.Config,
		classifier: opts.Classifier,
		gate:       opts.Gate,
		store:      opts.Store,
		deps:       opts.WorkerDeps,
		registry:   worker.Registry(),
		metrics:    opts.Metrics,
		logger:     logger,
		workers:    make(map[worker.Type]worker.Worker),
		windows:    make(map[worker.Type]*history.Window),
	}
}

// SessionID returns the current session id, empty before StartSession.
func (d *Dispatcher) SessionID() string {
	if d.rec == nil {
		return ""
	}
	return d.rec.Session.ID
}

// StartSession begins a fresh session and returns the opening prompt.
func (d *Dispatcher) StartSession(ctx context.Context) (string, error) {
	id := session.NewID(d.cfg.Store.SessionPrefix)
	d.rec = session.NewRecord(id, time.Now().UTC())
	d.bag = callctx.New(map[string]string{callctx.KeySessionID: id})
	d.window = history.NewWindow(d.cfg.History.DispatcherBound)
	// Discard anything a failed Resume may have partially rebuilt.
	d.workers = make(map[worker.Type]worker.Worker)
	d.windows = make(map[worker.Type]*history.Window)
	d.turn = 0

	if err := d.persist(ctx); err != nil {
		return "", err
	}
	d.logger.Info(ctx, "session started", zap.String("session_id", id))
	return "Hello! I handle travel and receipt expense applications. First, what is your name?", nil
}

// Resume rebuilds a session from storage and returns an opening reply. When
// the saved session was waiting on an approval decision, the pending action
// is re-presented before any new input is accepted.
func (d *Dispatcher) Resume(ctx context.Context, id string) (string, error) {
	rec, err := d.store.Load(ctx, id)
	if err != nil {
		return "", err
	}
	d.rec = rec
	d.bag = callctx.New(rec.Context).With(map[string]string{callctx.KeySessionID: id})

	if snap, ok := rec.Windows[session.DispatcherWindow]; ok {
		d.window = history.Restore(snap)
	} else {
		d.window = history.NewWindow(d.cfg.History.DispatcherBound)
	}

	for name, state := range rec.Workers {
		constructor, ok := d.registry[worker.Type(name)]
		if !ok {
			return "", fmt.Errorf("%w: %s: unknown worker type %q", session.ErrCorrupt, id, name)
		}
		// Terminal states are audit records, not live workers; the next
		// round of that type starts fresh.
		if state.Stage == worker.StageCompleted || state.Stage == worker.StageCancelled {
			continue
		}
		w := constructor(d.deps)
		if err := w.Restore(state); err != nil {
			return "", fmt.Errorf("%w: %s: %v", session.ErrCorrupt, id, err)
		}
		d.workers[worker.Type(name)] = w
		if snap, ok := rec.Windows[name]; ok {
			d.windows[worker.Type(name)] = history.Restore(snap)
		}
	}

	d.logger.Info(ctx, "session resumed",
		zap.String("session_id", id),
		zap.Bool("pending_approval", rec.Pending != nil))

	if rec.Pending != nil && rec.Session.ActiveWorker != "" {
		w, ok := d.workers[worker.Type(rec.Session.ActiveWorker)]
		if !ok {
			return "", fmt.Errorf("%w: %s: pending action without its worker", session.ErrCorrupt, id)
		}
		reply, err := d.resolvePending(ctx, w, rec.Pending)
		if err != nil && !errors.Is(err, ErrLoopLimit) {
			d.logger.Error(ctx, "resuming pending approval failed", zap.Error(err))
			return safeErrorReply, nil
		}
		return "Welcome back. There was an application waiting for your decision.\n" + reply, nil
	}

	name := rec.Session.Requester
	if name == "" {
		return "Welcome back! What is your name?", nil
	}
	return fmt.Sprintf("Welcome back, %s. What would you like to do?", name), nil
}

// HandleTurn processes one line of user input.
func (d *Dispatcher) HandleTurn(ctx context.Context, input string) (Reply, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		// Blank input is ignored outright: no turn, no state change.
		return Reply{}, nil
	}
	if d.rec == nil {
		return Reply{}, fmt.Errorf("no session: call StartSession or Resume first")
	}

	d.turn++
	ctx = logging.WithSessionID(ctx, d.rec.Session.ID)
	ctx = logging.WithTurn(ctx, d.turn)
	ctx, span := telemetry.StartTurnSpan(ctx, d.rec.Session.ID, d.turn)
	defer span.End()

	started := time.Now()
	reply, err := d.handle(ctx, input)
	if d.metrics != nil {
		d.metrics.TurnDuration.Observe(time.Since(started).Seconds())
		d.metrics.TurnsTotal.WithLabelValues(d.handlerLabel()).Inc()
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Reply{}, err
		}
		// Internal detail stays in the log; the user gets a safe message.
		d.logger.Error(ctx, "turn failed", zap.Error(err))
		return Reply{Text: safeErrorReply}, nil
	}
	return reply, nil
}

func (d *Dispatcher) handle(ctx context.Context, input string) (Reply, error) {
	switch strings.ToLower(input) {
	case "exit", "quit":
		if err := d.persist(ctx); err != nil {
			return Reply{}, err
		}
		return Reply{Text: "Goodbye.", Done: true}, nil
	case "reset":
		return d.reset(ctx)
	}

	d.window.Append(history.RoleUser, input)

	// Identity comes before routing: every application needs a requester.
	if d.rec.Session.Requester == "" {
		return d.adoptRequester(ctx, input)
	}

	if active := d.activeWorker(); active != nil {
		return d.forward(ctx, active, input)
	}
	return d.route(ctx, input)
}

func (d *Dispatcher) adoptRequester(ctx context.Context, input string) (Reply, error) {
	name := strings.TrimSpace(input)
	if len(name) > 100 {
		return d.say(ctx, "That name is too long. What is your name?")
	}
	d.rec.Session.Requester = name
	today := time.Now().Format("2006-01-02")
	d.bag = d.bag.With(map[string]string{
		callctx.KeyRequester:  name,
		callctx.KeyFilingDate: today,
	})
	d.logger.Info(ctx, "requester identified")
	return d.say(ctx, fmt.Sprintf(
		"Thanks, %s. I can file travel expenses or receipt expenses. What would you like to do?", name))
}

// route classifies a fresh request and hands it to a worker.
func (d *Dispatcher) route(ctx context.Context, input string) (Reply, error) {
	workerType, err := d.classifier.Classify(ctx, input)
	if err != nil {
		if errors.Is(err, ErrAmbiguous) {
			d.countClassification("ambiguous")
			return d.say(ctx, "I can help with travel expense applications or receipt expense applications. Which one do you need?")
		}
		return Reply{}, fmt.Errorf("classification: %w", err)
	}
	d.countClassification(string(workerType))

	w, err := d.workerFor(workerType)
	if err != nil {
		return Reply{}, err
	}
	d.rec.Session.ActiveWorker = string(workerType)
	return d.forward(ctx, w, input)
}

// forward runs the worker turn and drives any approval it raises.
func (d *Dispatcher) forward(ctx context.Context, w worker.Worker, input string) (Reply, error) {
	// A gate failure on an earlier turn leaves the worker suspended with its
	// pending action persisted. Re-present that action instead of advancing;
	// the worker cannot move until the decision lands.
	if d.rec.Pending != nil && w.State().Stage == worker.StageAwaitingApproval {
		reply, err := d.resolvePending(ctx, w, d.rec.Pending)
		if err != nil {
			if errors.Is(err, ErrLoopLimit) {
				return d.say(ctx, reply)
			}
			return Reply{}, err
		}
		return Reply{Text: reply}, nil
	}

	win := d.workerWindow(w.Type())
	userTurn := win.Append(history.RoleUser, input)

	outcome, err := w.Advance(ctx, d.bag, input)
	if err != nil {
		return Reply{}, fmt.Errorf("worker %s: %w", w.Type(), err)
	}

	if outcome.Pending != nil {
		outcome.Pending.HistoryIndex = userTurn.Index
		win.Pin(userTurn.Index)
		reply, err := d.resolvePending(ctx, w, outcome.Pending)
		if err != nil {
			if errors.Is(err, ErrLoopLimit) {
				return d.say(ctx, reply)
			}
			return Reply{}, err
		}
		// resolvePending already recorded and persisted the reply.
		return Reply{Text: reply}, nil
	}

	return d.afterOutcome(ctx, w, outcome)
}

// resolvePending persists the awaiting-approval state, then blocks on the
// gate and applies the decision. Render-failure retries loop here, bounded
// by the configured iteration limit.
func (d *Dispatcher) resolvePending(ctx context.Context, w worker.Worker, pending *approval.PendingAction) (string, error) {
	for iteration := 0; pending != nil; iteration++ {
		if iteration >= d.cfg.Dispatch.MaxIterations {
			w.Reset()
			d.rec.Session.ActiveWorker = ""
			d.rec.Pending = nil
			d.logger.Warn(ctx, "iteration limit reached, abandoning round",
				zap.Int("limit", d.cfg.Dispatch.MaxIterations))
			if err := d.persist(ctx); err != nil {
				return "", err
			}
			return "This task is too complex to complete automatically. I've cancelled the current application.", ErrLoopLimit
		}

		// The awaiting state hits disk before the gate blocks, so a crash
		// while waiting for a decision resumes at this exact point.
		d.rec.Pending = pending
		if err := d.persist(ctx); err != nil {
			return "", err
		}

		decision, err := d.gate.Submit(ctx, pending)
		if err != nil {
			return "", fmt.Errorf("approval gate: %w", err)
		}
		d.countDecision(decision.Kind)
		d.rec.Pending = nil
		d.unpin(w.Type())

		outcome, err := w.Resolve(ctx, d.bag, decision)
		if err != nil {
			return "", fmt.Errorf("worker %s resolving decision: %w", w.Type(), err)
		}
		if outcome.Pending != nil && d.metrics != nil {
			d.metrics.RenderFailures.Inc()
		}
		pending = outcome.Pending
		if pending == nil {
			reply, err := d.afterOutcome(ctx, w, outcome)
			return reply.Text, err
		}
	}
	return "", nil
}

// afterOutcome records the agent reply and releases terminal workers.
func (d *Dispatcher) afterOutcome(ctx context.Context, w worker.Worker, outcome worker.Outcome) (Reply, error) {
	d.workerWindow(w.Type()).Append(history.RoleAgent, outcome.Reply)
	d.window.Append(history.RoleAgent, outcome.Reply)

	if outcome.Done {
		d.rec.Session.ActiveWorker = ""
		// Terminal state stays in the record for audit; the live instance
		// is released so the next round starts clean.
		d.rec.Workers[string(w.Type())] = w.State()
		delete(d.workers, w.Type())
		delete(d.windows, w.Type())
	}

	if err := d.persist(ctx); err != nil {
		return Reply{}, err
	}
	return Reply{Text: outcome.Reply}, nil
}

// say appends a plain dispatcher reply and persists.
func (d *Dispatcher) say(ctx context.Context, text string) (Reply, error) {
	d.window.Append(history.RoleAgent, text)
	if err := d.persist(ctx); err != nil {
		return Reply{}, err
	}
	return Reply{Text: text}, nil
}

// reset wipes everything but the session id: collected fields, history
// windows, and identity. The next turn starts from identity acquisition.
func (d *Dispatcher) reset(ctx context.Context) (Reply, error) {
	for t, w := range d.workers {
		w.Reset()
		delete(d.workers, t)
		delete(d.windows, t)
	}
	d.rec.Workers = make(map[string]worker.State)
	d.rec.Windows = make(map[string]history.Snapshot)
	d.rec.Session.ActiveWorker = ""
	d.rec.Session.Requester = ""
	d.rec.Pending = nil
	d.bag = callctx.New(map[string]string{callctx.KeySessionID: d.rec.Session.ID})
	d.window = history.NewWindow(d.cfg.History.DispatcherBound)

	d.logger.Info(ctx, "session reset")
	return d.say(ctx, "Okay, I've discarded everything and we're starting over. What is your name?")
}

// persist syncs live state into the record and saves it.
func (d *Dispatcher) persist(ctx context.Context) error {
	d.rec.Context = d.bag.Map()
	d.rec.Windows[session.DispatcherWindow] = d.window.Snapshot()
	for t, w := range d.workers {
		d.rec.Workers[string(t)] = w.State()
		if win, ok := d.windows[t]; ok {
			d.rec.Windows[string(t)] = win.Snapshot()
		}
	}
	if err := d.store.Save(ctx, d.rec); err != nil {
		return fmt.Errorf("persisting session: %w", err)
	}
	if d.metrics != nil {
		d.metrics.SessionSaves.Inc()
	}
	return nil
}

func (d *Dispatcher) activeWorker() worker.Worker {
	if d.rec.Session.ActiveWorker == "" {
		return nil
	}
	return d.workers[worker.Type(d.rec.Session.ActiveWorker)]
}

// workerFor returns a live worker for the type, constructing one when the
// previous round ended.
func (d *Dispatcher) workerFor(t worker.Type) (worker.Worker, error) {
	if w, ok := d.workers[t]; ok {
		return w, nil
	}
	constructor, ok := d.registry[t]
	if !ok {
		return nil, fmt.Errorf("no worker registered for type %q", t)
	}
	w := constructor(d.deps)
	d.workers[t] = w
	return w, nil
}

func (d *Dispatcher) workerWindow(t worker.Type) *history.Window {
	win, ok := d.windows[t]
	if !ok {
		win = history.NewWindow(d.cfg.History.WorkerBound)
		d.windows[t] = win
	}
	return win
}

func (d *Dispatcher) unpin(t worker.Type) {
	if win, ok := d.windows[t]; ok {
		win.UnpinAll()
	}
}

func (d *Dispatcher) handlerLabel() string {
	if d.rec != nil && d.rec.Session.ActiveWorker != "" {
		return d.rec.Session.ActiveWorker
	}
	return "dispatcher"
}

func (d *Dispatcher) countClassification(result string) {
	if d.metrics != nil {
		d.metrics.ClassificationsTotal.WithLabelValues(result).Inc()
	}
}

func (d *Dispatcher) countDecision(kind approval.DecisionKind) {
	if d.metrics != nil {
		d.metrics.ApprovalDecisions.WithLabelValues(string(kind)).Inc()
	}
}
