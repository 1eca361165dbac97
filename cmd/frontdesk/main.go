// Package main implements the frontdesk CLI, an interactive expense-filing
// agent with a human approval gate in front of every generated document.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fernwell/frontdesk/internal/approval"
	"github.com/fernwell/frontdesk/internal/config"
	"github.com/fernwell/frontdesk/internal/dispatch"
	"github.com/fernwell/frontdesk/internal/fares"
	"github.com/fernwell/frontdesk/internal/llm"
	"github.com/fernwell/frontdesk/internal/logging"
	"github.com/fernwell/frontdesk/internal/render"
	"github.com/fernwell/frontdesk/internal/rules"
	"github.com/fernwell/frontdesk/internal/session"
	"github.com/fernwell/frontdesk/internal/telemetry"
	"github.com/fernwell/frontdesk/internal/worker"
)

// version information (set via ldflags during build)
var version = "dev"

var (
	configPath     string
	metricsAddr    string
	resumeID       string
	autoApproveMax int64
)

var bannerStyle = lipgloss.NewStyle().
	Bold(true).
	Border(lipgloss.RoundedBorder()).
	Padding(0, 2)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "frontdesk",
	Short: "Interactive expense-filing agent",
	Long: `frontdesk is an interactive agent that files travel and receipt
expense applications. It collects the required fields over a conversation,
quotes fares from the configured tables, and asks for explicit human
approval before any document is generated.

Sessions are persisted after every turn; a crashed or interrupted session
can be resumed with --resume.`,
	Version: version,
	RunE:    runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus listen address (overrides config)")
	rootCmd.Flags().StringVar(&resumeID, "resume", "", "resume a persisted session by id")
	rootCmd.Flags().Int64Var(&autoApproveMax, "auto-approve-max", 0,
		"auto-approve actions up to this total instead of prompting (0 = interactive)")
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the frontdesk version",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("frontdesk %s\n", version)
	},
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if metricsAddr != "" {
		cfg.Metrics.Addr = metricsAddr
	}

	logCfg := logging.NewDefaultConfig()
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	if level, perr := zapcore.ParseLevel(cfg.Logging.Level); perr == nil {
		logCfg.Level = level
	}
	logger, err := logging.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fareSvc := fares.NewService(cfg.Fares.TrainPath, cfg.Fares.FixedPath, logger)
	if err := fareSvc.Load(ctx); err != nil {
		return fmt.Errorf("loading fare tables: %w", err)
	}
	if cfg.Fares.Watch {
		if err := fareSvc.Watch(ctx); err != nil {
			logger.Warn(ctx, "fare table watching disabled", zap.Error(err))
		}
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	if cfg.Metrics.Addr != "" {
		srv := telemetry.NewServer(cfg.Metrics.Addr, prometheus.DefaultGatherer, logger)
		go srv.Start(ctx)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	deps := worker.Deps{
		Rules:    rules.New(cfg.Rules),
		Fares:    fareSvc,
		Renderer: render.NewFileRenderer(cfg.Output.Dir, logger),
		Logger:   logger,
	}

	dispatcher := dispatch.New(dispatch.Options{
		Config:     cfg,
		Classifier: buildClassifier(ctx, cfg, logger),
		Gate:       approval.NewGate(buildDecider(), logger, worker.GatedActions()...),
		Store:      session.NewFileStore(cfg.Store.Dir, logger),
		WorkerDeps: deps,
		Metrics:    metrics,
		Logger:     logger,
	})

	// The registry owns the live-session map. The CLI drives one session at
	// a time; an embedding process reuses the same surface for many.
	return repl(ctx, dispatcher, dispatch.NewRegistry())
}

// buildClassifier prefers the model-backed classifier when an API key is
// available and quietly falls back to keyword routing otherwise.
func buildClassifier(ctx context.Context, cfg *config.Config, logger *logging.Logger) dispatch.Classifier {
	if os.Getenv(cfg.Model.APIKeyEnv) == "" {
		logger.Info(ctx, "no model API key, using keyword routing",
			zap.String("env", cfg.Model.APIKeyEnv))
		return dispatch.KeywordClassifier{}
	}
	client, err := llm.NewClient(cfg.Model, logger)
	if err != nil {
		logger.Warn(ctx, "model client unavailable, using keyword routing", zap.Error(err))
		return dispatch.KeywordClassifier{}
	}
	return dispatch.NewLLMClassifier(client)
}

func buildDecider() approval.Decider {
	if autoApproveMax > 0 {
		return &approval.PolicyDecider{MaxAutoApprove: autoApproveMax}
	}
	return approval.NewConsoleDecider(os.Stdin, os.Stdout)
}

// repl runs the read-eval loop until exit, EOF or signal.
func repl(ctx context.Context, dispatcher *dispatch.Dispatcher, registry *dispatch.Registry) error {
	var opening string
	var err error
	if resumeID != "" {
		opening, err = dispatcher.Resume(ctx, resumeID)
		if errors.Is(err, session.ErrCorrupt) {
			// A corrupt record must not take the agent down: report it and
			// start fresh.
			fmt.Fprintf(os.Stderr, "session %s is corrupt and cannot be resumed; starting a new session\n", resumeID)
			opening, err = dispatcher.StartSession(ctx)
		}
	} else {
		opening, err = dispatcher.StartSession(ctx)
	}
	if err != nil {
		return err
	}

	if err := registry.Add(dispatcher); err != nil {
		return err
	}
	defer registry.Remove(dispatcher.SessionID())

	fmt.Println(bannerStyle.Render(fmt.Sprintf("frontdesk %s  |  session %s", version, dispatcher.SessionID())))
	fmt.Println(opening)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		default:
		}

		fmt.Print("> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("reading input: %w", err)
			}
			return nil
		}

		reply, err := dispatcher.HandleTurn(ctx, scanner.Text())
		if err != nil {
			return err
		}
		if reply.Text != "" {
			fmt.Println(reply.Text)
		}
		if reply.Done {
			return nil
		}
	}
}
