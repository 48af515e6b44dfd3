package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"autotune/internal/config"
	"autotune/internal/experiment"
	"autotune/internal/invoke"
	"autotune/internal/logging"
	"autotune/internal/plugins"
	"autotune/internal/registry"
	"autotune/internal/scheduler"
	"autotune/internal/store"
	"autotune/internal/usage"
)

var (
	// Global flags
	verbose   bool
	apiKey    string
	workspace string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "autotune",
	Short: "autotune - adaptive artifact optimization engine",
	Long: `autotune watches how the artifacts of a workspace are used, picks the
hottest ones, and runs background optimization experiments against them:
a strategy proposes a rewrite, an evaluator judges it, and adopted
proposals are recorded for the operator to apply.

Run 'autotune serve' to start the adaptive scheduler loop.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd runs the adaptive scheduler loop
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the adaptive optimization loop",
	Long: `Starts the full engine: usage tracker, experiment runner, sqlite run
store, adaptive scheduler, and a config watcher that applies safe setting
changes without a restart. Stops cleanly on SIGINT/SIGTERM.`,
	RunE: runServe,
}

// optimizeCmd runs a single ad hoc experiment
var optimizeCmd = &cobra.Command{
	Use:   "optimize [target]",
	Short: "Run a one-off optimization experiment for a target",
	Long: `Runs the strategy and evaluator stages once for a single target and
prints the proposal and verdict as JSON. The target is a file path relative
to the workspace, or a literal artifact string.

Example:
  autotune optimize queries/users.sql --strategy gemini`,
	Args: cobra.ExactArgs(1),
	RunE: runOptimize,
}

// capabilitiesCmd lists registered capabilities
var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "List registered capabilities by kind",
	RunE:  runCapabilities,
}

// statsCmd summarizes stored experiment runs
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recorded experiment runs",
	RunE:  runStats,
}

// runsCmd lists recorded experiment runs
var runsCmd = &cobra.Command{
	Use:   "runs [target]",
	Short: "List recorded experiment runs, optionally filtered by target",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRuns,
}

var (
	optimizeStrategy  string
	optimizeEvaluator string
	optimizeOut       string
	serveFeed         string
	runsLimit         int
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Gemini API key (or set GEMINI_API_KEY env)")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")

	optimizeCmd.Flags().StringVar(&optimizeStrategy, "strategy", "", "Strategy capability to use (default from config)")
	optimizeCmd.Flags().StringVar(&optimizeEvaluator, "evaluator", "", "Evaluator capability to use (default from config)")
	optimizeCmd.Flags().StringVar(&optimizeOut, "out", "", "Write the result JSON to a file instead of stdout")

	serveCmd.Flags().StringVar(&serveFeed, "feed", "", "Usage feed file: lines of 'target calls duration' replayed into the tracker")

	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to list")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(optimizeCmd)
	rootCmd.AddCommand(capabilitiesCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(runsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolveWorkspace returns the configured workspace, defaulting to the
// current directory.
func resolveWorkspace() (string, error) {
	if workspace != "" {
		return filepath.Abs(workspace)
	}
	return os.Getwd()
}

// bootstrap loads config, initializes logging, and builds the shared
// component set every command needs.
type engine struct {
	cfg      *config.Config
	registry *registry.Registry
	tracker  *usage.Tracker
	invoker  *invoke.Invoker
	client   plugins.LLMClient
}

func bootstrap(ctx context.Context) (*engine, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(ws)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		cfg.LLM.APIKey = apiKey
	}

	stateDir := filepath.Join(ws, config.StateDirName)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := logging.Initialize(stateDir); err != nil {
		return nil, err
	}
	logging.Configure(logging.Options{
		Debug:      cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	})
	logging.Boot("autotune %s starting in %s", cfg.Version, ws)

	var client plugins.LLMClient
	if cfg.LLM.APIKey != "" {
		c, err := plugins.NewGenAIClient(ctx, cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
		client = c
	}

	tracker := usage.NewTracker(usage.TrackerConfig{
		Window: cfg.Usage.Window.Std(),
		Policy: usage.ThresholdHotPolicy(cfg.Usage.HotCallThreshold),
	})

	reg := registry.New()
	if err := plugins.RegisterBuiltins(reg, client, tracker, cfg); err != nil {
		return nil, err
	}

	return &engine{
		cfg:      cfg,
		registry: reg,
		tracker:  tracker,
		invoker:  invoke.NewInvoker(cfg.Experiment.StageTimeout.Std()),
		client:   client,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer logging.CloseAll()
	cfg := eng.cfg

	runStore, err := store.NewRunStore(cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer runStore.Close()

	runner, err := experiment.NewRunner(experiment.RunnerConfig{
		Registry:          eng.registry,
		Invoker:           eng.invoker,
		StageTimeout:      cfg.Experiment.StageTimeout.Std(),
		AdoptionThreshold: cfg.Experiment.AdoptionThreshold,
		Strategy:          cfg.Experiment.Strategy,
		Evaluator:         cfg.Experiment.Evaluator,
		Sink:              runStore,
	})
	if err != nil {
		return err
	}

	sched, err := scheduler.New(eng.tracker, runner, scheduler.Config{
		Interval:      cfg.Scheduler.Interval.Std(),
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		TopK:          cfg.Scheduler.TopK,
		BackoffBase:   cfg.Scheduler.BackoffBase.Std(),
		BackoffCap:    cfg.Scheduler.BackoffCap.Std(),
		StopGrace:     cfg.Scheduler.StopGrace.Std(),
	})
	if err != nil {
		return err
	}

	// Apply safe config changes live. Window and scheduling knobs reload;
	// anything structural needs a restart.
	watcher, err := config.NewWatcher(cfg.Workspace, func(next *config.Config) {
		eng.tracker.Reconfigure(next.Usage.Window.Std(),
			usage.ThresholdHotPolicy(next.Usage.HotCallThreshold))
		sched.Reconfigure(next.Scheduler.Interval.Std(),
			next.Scheduler.BackoffBase.Std(), next.Scheduler.BackoffCap.Std(),
			next.Scheduler.TopK)
		logger.Info("Configuration reloaded",
			zap.Duration("interval", next.Scheduler.Interval.Std()),
			zap.Int("top_k", next.Scheduler.TopK))
	})
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else {
		if err := watcher.Start(); err != nil {
			logger.Warn("Config watcher failed to start", zap.Error(err))
		}
		defer watcher.Stop()
	}

	if serveFeed != "" {
		n, err := replayFeed(eng.tracker, serveFeed)
		if err != nil {
			return err
		}
		logger.Info("Replayed usage feed", zap.Int("events", n))
	}

	sched.Start(ctx)
	logger.Info("Scheduler running",
		zap.Duration("interval", cfg.Scheduler.Interval.Std()),
		zap.Int("max_concurrent", cfg.Scheduler.MaxConcurrent))

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("Received shutdown signal")
	cancel()
	sched.Stop()

	stats := sched.GetStats()
	logger.Info("Scheduler stopped",
		zap.Int64("ticks", stats.Ticks),
		zap.Int64("dispatched", stats.Dispatched),
		zap.Int64("tick_errors", stats.TickErrors))
	return nil
}

func runOptimize(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("Received shutdown signal")
		cancel()
	}()

	eng, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer logging.CloseAll()

	runner, err := experiment.NewRunner(experiment.RunnerConfig{
		Registry:          eng.registry,
		Invoker:           eng.invoker,
		StageTimeout:      eng.cfg.Experiment.StageTimeout.Std(),
		AdoptionThreshold: eng.cfg.Experiment.AdoptionThreshold,
		Strategy:          eng.cfg.Experiment.Strategy,
		Evaluator:         eng.cfg.Experiment.Evaluator,
	})
	if err != nil {
		return err
	}

	result, err := runner.AdHoc(ctx, experiment.AdHocRequest{
		Target:    args[0],
		Strategy:  optimizeStrategy,
		Evaluator: optimizeEvaluator,
	})
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	if optimizeOut != "" {
		if err := os.WriteFile(optimizeOut, append(out, '\n'), 0644); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	} else {
		fmt.Println(string(out))
	}

	if result.Outcome != experiment.OutcomeSuccess {
		return fmt.Errorf("experiment outcome: %s", result.Outcome)
	}
	return nil
}

func runCapabilities(cmd *cobra.Command, args []string) error {
	eng, err := bootstrap(context.Background())
	if err != nil {
		return err
	}
	defer logging.CloseAll()

	for _, kind := range registry.Kinds() {
		descs := eng.registry.List(kind)
		if len(descs) == 0 {
			continue
		}
		fmt.Printf("%s:\n", kind)
		for _, d := range descs {
			fmt.Printf("  %-12s %s\n", d.Name, d.Description)
			if len(d.Options) > 0 {
				keys := make([]string, 0, len(d.Options))
				for k := range d.Options {
					keys = append(keys, k)
				}
				fmt.Printf("               options: %s\n", strings.Join(keys, ", "))
			}
		}
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	eng, err := bootstrap(context.Background())
	if err != nil {
		return err
	}
	defer logging.CloseAll()

	runStore, err := store.NewRunStore(eng.cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer runStore.Close()

	stats, err := runStore.GetStats()
	if err != nil {
		return err
	}

	fmt.Printf("Total runs:    %d\n", stats.TotalRuns)
	fmt.Printf("  success:     %d\n", stats.SuccessCount)
	fmt.Printf("  failure:     %d\n", stats.FailureCount)
	fmt.Printf("  error:       %d\n", stats.ErrorCount)
	fmt.Printf("Avg duration:  %s\n", time.Duration(stats.AvgDurationMs)*time.Millisecond)
	if len(stats.ByTarget) > 0 {
		fmt.Println("By target:")
		for target, count := range stats.ByTarget {
			fmt.Printf("  %-30s %d\n", target, count)
		}
	}
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	eng, err := bootstrap(context.Background())
	if err != nil {
		return err
	}
	defer logging.CloseAll()

	runStore, err := store.NewRunStore(eng.cfg.Store.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open run store: %w", err)
	}
	defer runStore.Close()

	target := ""
	if len(args) == 1 {
		target = args[0]
	}
	records, err := runStore.ListRuns(target, runsLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	for _, rec := range records {
		line := fmt.Sprintf("%s  %-8s  %-24s  %s",
			rec.StartedAt.Format("2006-01-02 15:04:05"), rec.Outcome, rec.TargetID, rec.RunID)
		if rec.FailedStage != "" {
			line += fmt.Sprintf("  [%s: %s]", rec.FailedStage, rec.Error)
		}
		fmt.Println(line)
	}
	return nil
}

// replayFeed loads a usage feed file into the tracker. Each line is
// 'target calls duration', e.g. 'queries/users.sql 12 340ms'.
func replayFeed(tracker *usage.Tracker, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read feed: %w", err)
	}

	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return n, fmt.Errorf("bad feed line %q", line)
		}
		var calls int64
		if _, err := fmt.Sscanf(fields[1], "%d", &calls); err != nil {
			return n, fmt.Errorf("bad call count in %q", line)
		}
		dur, err := time.ParseDuration(fields[2])
		if err != nil {
			return n, fmt.Errorf("bad duration in %q", line)
		}
		tracker.Record(fields[0], usage.Event{Calls: calls, Duration: dur})
		n++
	}
	return n, nil
}
