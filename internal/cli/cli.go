// ============================================================================
// dialog-forge CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra based command line interface for the generation engine
//
// Command Structure:
//   dialog-forge                   # Root command
//   ├── run                        # Start the engine
//   │   ├── --check-endpoint       # Ping the LLM endpoint before starting
//   │   ├── --env-file             # .env files to load (default .env)
//   │   └── --threads              # Override generation.threads
//   ├── status                     # Show config, output files, last run summary
//   ├── validate                   # Load and validate the config file
//   ├── clean                      # Repair CJK / U+FFFD artifacts in a dataset
//   │   ├── --input, -i            # Dataset to read (required)
//   │   ├── --output, -o           # Cleaned copy (default <input>.cleaned.jsonl)
//   │   ├── --analyze, -a          # Only report artifacts, write nothing
//   │   ├── --batch-size, -b       # Records cleaned concurrently (default 10)
//   │   └── --env-file             # .env files to load (default .env)
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --log-level                # debug | info | warn | error
//   └── --log-format               # text | json
//
// run Command:
//   1. Load .env files, config file, environment overrides
//   2. Build the slog handler (stdout, plus logging.file when set)
//   3. Create Controller (writer, worker pool, summary)
//   4. Start Metrics HTTP server and gRPC health server (if enabled)
//   5. Wait for SIGINT/SIGTERM or for every worker to exit
//   6. Stop gracefully and write the final run summary
//
//   Examples:
//     ./dialog-forge run
//     ./dialog-forge run -c configs/prod.toml --check-endpoint
//     ./dialog-forge clean -i data/dialogues.jsonl --analyze
//
// Exit Code:
//   Non-zero only when initialization fails (config, output file, endpoint
//   check, listener). Shutdown problems are logged.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/dialog-forge/internal/cleaner"
	"github.com/ChuLiYu/dialog-forge/internal/config"
	"github.com/ChuLiYu/dialog-forge/internal/controller"
	"github.com/ChuLiYu/dialog-forge/internal/llm"
	"github.com/ChuLiYu/dialog-forge/internal/metrics"
	"github.com/ChuLiYu/dialog-forge/internal/server"
	"github.com/ChuLiYu/dialog-forge/internal/snapshot"
	"github.com/ChuLiYu/dialog-forge/internal/storage/jsonl"
	"github.com/ChuLiYu/dialog-forge/pkg/types"
)

const endpointCheckTimeout = 30 * time.Second

var (
	configFile string
	logLevel   string
	logFormat  string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dialog-forge",
		Short: "dialog-forge: a concurrent LLM dialog dataset generator",
		Long: `dialog-forge generates structured dialog records with a pool of workers:
- per-worker retrying LLM client
- durable JSON-lines output with rotation and cross-process locking
- Prometheus metrics and gRPC health checks`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildValidateCommand())
	rootCmd.AddCommand(buildCleanCommand())

	return rootCmd
}

// loadConfig reads the config file and applies env and flag overrides
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}

// ============================================================================
// run
// ============================================================================

type runOptions struct {
	envFiles      []string
	checkEndpoint bool
	threads       int
}

func buildRunCommand() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the generation engine",
		Long:  "Start the worker pool and generate records until interrupted or every worker has exited",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&opts.checkEndpoint, "check-endpoint", false, "ping the LLM endpoint before starting")
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, ".env files to load before reading the config")
	cmd.Flags().IntVar(&opts.threads, "threads", 0, "override generation.threads")

	return cmd
}

// runEngine runs until ctx is cancelled or the controller reports that every
// worker has exited.
func runEngine(ctx context.Context, opts runOptions, stdout io.Writer) error {
	if err := config.LoadEnv(opts.envFiles...); err != nil {
		return err
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.threads > 0 {
		cfg.Generation.Threads = opts.threads
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Logging, stdout)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	if opts.checkEndpoint {
		if err := checkEndpoint(ctx, cfg, logger); err != nil {
			return err
		}
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}
	var health *server.HealthServer
	if cfg.Health.Enabled {
		health = server.NewHealthServer(logger)
	}

	ctrl, err := controller.New(cfg, controller.Options{
		Logger:  logger,
		Metrics: collector,
		Health:  health,
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if collector != nil {
		g.Go(func() error {
			logger.Info("Starting metrics server", "addr", cfg.Metrics.Addr)
			if err := metrics.StartServer(gctx, cfg.Metrics.Addr); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	if health != nil {
		g.Go(func() error {
			if err := health.ListenAndServe(gctx, cfg.Health.Addr); err != nil {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
	}

	if err := ctrl.Start(); err != nil {
		cancel()
		g.Wait()
		ctrl.Stop(cfg.Monitor.StopTimeout.Std())
		return fmt.Errorf("failed to start controller: %w", err)
	}
	logger.Info("System started successfully", "config", configFile)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			logger.Info("Received shutdown signal, stopping gracefully...")
		case <-ctrl.Done():
			logger.Warn("Every worker has exited, shutting down")
		}
		if err := ctrl.Stop(cfg.Monitor.StopTimeout.Std()); err != nil {
			logger.Error("Shutdown finished with errors", "error", err)
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("System stopped. Goodbye!")
	return nil
}

// checkEndpoint pings the configured endpoint once
func checkEndpoint(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := llm.New(llm.Options{
		BaseURL: cfg.API.BaseURL,
		APIKey:  cfg.API.APIKey,
		Model:   cfg.API.Model,
		Timeout: cfg.API.Timeout.Std(),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, endpointCheckTimeout)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("endpoint check failed: %w", err)
	}
	logger.Info("Endpoint reachable", "base_url", cfg.API.BaseURL, "model", cfg.API.Model)
	return nil
}

// newLogger builds the slog logger; the returned func closes logging.file
func newLogger(lc config.LoggingConfig, stdout io.Writer) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}

	out := stdout
	closeFn := func() {}
	if lc.File != "" {
		if err := os.MkdirAll(filepath.Dir(lc.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(lc.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(stdout, f)
		closeFn = func() { f.Close() }
	}

	hopts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(lc.Format, "json") {
		h = slog.NewJSONHandler(out, hopts)
	} else {
		h = slog.NewTextHandler(out, hopts)
	}
	return slog.New(h), closeFn, nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration, output files and the last run summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(w io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           dialog-forge Status                             ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	codes := make([]string, 0, len(cfg.Generation.Languages))
	for _, l := range cfg.Generation.Languages {
		codes = append(codes, l.Code)
	}
	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Workers:         %d\n", cfg.Generation.Threads)
	fmt.Fprintf(w, "  ├─ Languages:       %s\n", strings.Join(codes, ", "))
	fmt.Fprintf(w, "  ├─ Model:           %s\n", cfg.API.Model)
	fmt.Fprintf(w, "  └─ Endpoint:        %s\n", cfg.API.BaseURL)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Output:")
	fmt.Fprintf(w, "  ├─ File:            %s (%s)\n", cfg.Output.Filename, fileSize(cfg.Output.Filename))
	fmt.Fprintf(w, "  ├─ Rotate At:       %s\n", cfg.Output.MaxFileSize)
	ext := filepath.Ext(cfg.Output.Filename)
	stem := strings.TrimSuffix(cfg.Output.Filename, ext)
	backups := 0
	for i := 1; i <= cfg.Output.BackupCount; i++ {
		p := fmt.Sprintf("%s.%d%s", stem, i, ext)
		if _, err := os.Stat(p); err == nil {
			fmt.Fprintf(w, "  │  └─ Backup %d:     %s (%s)\n", i, p, fileSize(p))
			backups++
		}
	}
	fmt.Fprintf(w, "  └─ Backups:         %d of %d\n", backups, cfg.Output.BackupCount)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Last Run:")
	s, err := snapshot.NewManager(cfg.Monitor.SummaryPath).Load()
	switch {
	case errors.Is(err, snapshot.ErrSnapshotNotFound):
		fmt.Fprintln(w, "  └─ No run summary yet (run 'dialog-forge run' to start)")
	case err != nil:
		fmt.Fprintf(w, "  └─ ⚠️  Unreadable summary: %v\n", err)
	default:
		state := "running"
		if s.Final {
			state = "finished"
		}
		fmt.Fprintf(w, "  ├─ Run ID:          %s (%s)\n", s.RunID, state)
		fmt.Fprintf(w, "  ├─ Updated:         %s\n", humanize.Time(s.UpdatedAt))
		fmt.Fprintf(w, "  ├─ Groups:          %s (✅ %s / ❌ %s)\n",
			humanize.Comma(s.Pool.Total), humanize.Comma(s.Pool.Successes), humanize.Comma(s.Pool.Failures))
		fmt.Fprintf(w, "  ├─ Records:         %s\n", humanize.Comma(s.Writer.TotalWritten))
		fmt.Fprintf(w, "  ├─ Success Rate:    %.1f%%\n", s.Pool.SuccessRate*100)
		fmt.Fprintf(w, "  ├─ Workers Alive:   %d/%d\n", s.Health.Alive, s.Health.Total)
		fmt.Fprintf(w, "  ├─ Tokens:          %s\n", humanize.Comma(s.Client.TotalTokens))
		fmt.Fprintf(w, "  └─ Estimated Cost:  $%.4f\n", s.Client.EstimatedCost)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Endpoints:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  ├─ Metrics: ✅ http://%s/metrics\n", displayAddr(cfg.Metrics.Addr))
	} else {
		fmt.Fprintln(w, "  ├─ Metrics: ⚠️  Disabled")
	}
	if cfg.Health.Enabled {
		fmt.Fprintf(w, "  └─ Health:  ✅ grpc://%s\n", displayAddr(cfg.Health.Addr))
	} else {
		fmt.Fprintln(w, "  └─ Health:  ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "missing"
	}
	return humanize.Bytes(uint64(info.Size()))
}

func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateConfig(cmd.OutOrStdout())
		},
	}
	return cmd
}

func validateConfig(w io.Writer) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(w, "❌ %s: %d problem(s)\n", configFile, len(verr.Problems))
			for _, p := range verr.Problems {
				fmt.Fprintf(w, "  - %s\n", p)
			}
		}
		return err
	}

	fmt.Fprintf(w, "✅ %s is valid\n", configFile)
	fmt.Fprintf(w, "  ├─ Workers:    %d\n", cfg.Generation.Threads)
	fmt.Fprintf(w, "  ├─ Languages:  %d\n", len(cfg.Generation.Languages))
	fmt.Fprintf(w, "  ├─ Templates:  %d\n", len(cfg.PromptTemplates.Templates))
	fmt.Fprintf(w, "  └─ Fields:     %s\n", strings.Join(cfg.OutputSchema.Fields, ", "))
	return nil
}

// ============================================================================
// clean
// ============================================================================

type cleanOptions struct {
	input     string
	output    string
	analyze   bool
	batchSize int
	envFiles  []string
}

func buildCleanCommand() *cobra.Command {
	var opts cleanOptions

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Find and repair CJK and replacement-character artifacts in a dataset",
		Long: `Scan a JSON-lines dataset for Chinese, Japanese and U+FFFD characters inside
dialog lines. With --analyze only a report is printed; otherwise every affected
line is rewritten through the configured LLM endpoint into a new file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.analyze {
				return analyzeDataset(cmd.OutOrStdout(), opts.input)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return cleanDataset(ctx, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.input, "input", "i", "", "dataset to read")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "cleaned copy (default <input>.cleaned.jsonl)")
	cmd.Flags().BoolVarP(&opts.analyze, "analyze", "a", false, "only report artifacts")
	cmd.Flags().IntVarP(&opts.batchSize, "batch-size", "b", cleaner.DefaultBatchSize, "records cleaned concurrently")
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, ".env files to load before reading the config")
	cmd.MarkFlagRequired("input")

	return cmd
}

func analyzeDataset(w io.Writer, input string) error {
	report, err := cleaner.Analyze(input)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "🔍 Artifact analysis:", input)
	fmt.Fprintln(w, string(data))
	if report.DialogsWithArtifacts == 0 {
		fmt.Fprintln(w, "✅ No artifacts found")
	} else {
		fmt.Fprintf(w, "⚠️  %s of %s dialogs need cleaning\n",
			humanize.Comma(int64(report.DialogsWithArtifacts)), humanize.Comma(int64(report.TotalDialogs)))
	}
	return nil
}

func cleanDataset(ctx context.Context, opts cleanOptions, stdout io.Writer) error {
	output := opts.output
	if output == "" {
		ext := filepath.Ext(opts.input)
		output = strings.TrimSuffix(opts.input, ext) + ".cleaned" + ext
	}
	if samePath(opts.input, output) {
		return fmt.Errorf("output %q must differ from input", output)
	}
	if _, err := os.Stat(opts.input); err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}

	if err := config.LoadEnv(opts.envFiles...); err != nil {
		return err
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Logging, stdout)
	if err != nil {
		return err
	}
	defer closeLog()

	api := cfg.API
	client, err := llm.New(llm.Options{
		BaseURL:        api.BaseURL,
		APIKey:         api.APIKey,
		Model:          api.Model,
		MaxTokens:      api.MaxTokens,
		Timeout:        api.Timeout.Std(),
		MaxRetries:     api.MaxRetries,
		BaseDelay:      api.RetryBaseDelay.Std(),
		MaxDelay:       api.RetryMaxDelay.Std(),
		FailFastOnAuth: api.FailFastOnAuth,
		SystemPrompt:   api.SystemPrompt,
		JSONMode:       api.JSONMode,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	order := append(slices.Clone(cfg.OutputSchema.Fields), types.MetadataFields...)
	writer, err := jsonl.NewWriter(jsonl.Options{
		Path:       output,
		FieldOrder: append(order, cleaner.FieldCleaned),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}
	defer writer.Close()

	cl, err := cleaner.New(cleaner.Options{
		Caller:    client,
		Languages: cfg.Generation.Languages,
		BatchSize: opts.batchSize,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	s, err := cl.CleanFile(ctx, opts.input, writer)
	if err != nil {
		return fmt.Errorf("cleaning stopped after %d records: %w", s.Total, err)
	}

	usage := client.Usage()
	fmt.Fprintln(stdout, "🧹 Cleaning finished:", output)
	fmt.Fprintf(stdout, "  ├─ Records:         %s (%s skipped as invalid)\n", humanize.Comma(int64(s.Total)), humanize.Comma(int64(s.InvalidInputs)))
	fmt.Fprintf(stdout, "  ├─ Cleaned:         %s records / %s lines\n", humanize.Comma(int64(s.Cleaned)), humanize.Comma(int64(s.LinesCleaned)))
	fmt.Fprintf(stdout, "  ├─ Left As Is:      %s lines\n", humanize.Comma(int64(s.LinesFailed)))
	fmt.Fprintf(stdout, "  └─ Tokens:          %s\n", humanize.Comma(usage.TotalTokens))
	return nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}
