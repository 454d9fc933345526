package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocluster/internal/config"
	"github.com/3leaps/gocluster/internal/observability"
	"github.com/3leaps/gocluster/pkg/analysis"
	"github.com/3leaps/gocluster/pkg/input"
	"github.com/3leaps/gocluster/pkg/orchestrator"
	"github.com/3leaps/gocluster/pkg/output"
	"github.com/3leaps/gocluster/pkg/provider"
	"github.com/3leaps/gocluster/pkg/resultstore"
	"github.com/3leaps/gocluster/pkg/runconfig"
	"github.com/3leaps/gocluster/pkg/schema"
	"github.com/3leaps/gocluster/pkg/sideload"
	"github.com/3leaps/gocluster/pkg/workerpool"
)

var runCmd = &cobra.Command{
	Use:   "run [input]",
	Short: "Analyse the records of a FASTA input",
	Long: `Analyse every record of a FASTA input on a pool of workers.

Sideloaded region annotations are validated entry by entry and merged with
the regions found during analysis. One JSONL line is written per record, in
input order, followed by a summary. Per-record failures are reported and do
not stop the run.

Examples:
  gocluster run genome.fa
  gocluster run genome.fa.gz --sideload regions.yaml --workers 8
  gocluster run s3://bucket/genome.fa --output results.jsonl --store results.db
  gocluster run genome.fa --limit-to-record 'contig_*,!contig_9'
  gocluster run genome.fa --dry-run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

// optionFlags maps run flags onto option keys. Only flags that were set on
// the command line override other configuration sources.
var optionFlags = []struct {
	name string
	key  string
}{
	{"input", runconfig.KeyInput},
	{"output", runconfig.KeyOutputDestination},
	{"workers", runconfig.KeyWorkers},
	{"queue-size", runconfig.KeyQueueSize},
	{"task-timeout", runconfig.KeyTaskTimeout},
	{"shutdown-grace", runconfig.KeyShutdownGrace},
	{"minlength", runconfig.KeyMinLength},
	{"taxon", runconfig.KeyTaxon},
	{"genefinding-tool", runconfig.KeyGeneFindingTool},
	{"genefinding-executable", runconfig.KeyGeneFindingExec},
	{"genefinding-gff3", runconfig.KeyGeneFindingGFF3},
	{"detection-executable", runconfig.KeyDetectionExec},
	{"strictness", runconfig.KeyStrictness},
	{"sideload", runconfig.KeySideload},
	{"sideload-simple", runconfig.KeySideloadSimple},
	{"limit-to-record", runconfig.KeyLimitToRecord},
	{"rate-limit", runconfig.KeyRateLimit},
	{"store", runconfig.KeyStorePath},
	{"store-url", runconfig.KeyStoreURL},
	{"log-file", runconfig.KeyLoggingFile},
}

var (
	runDryRun        bool
	runProgressEvery int
)

func init() {
	rootCmd.AddCommand(runCmd)
	registerOptionFlags(runCmd)
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate configuration and show the plan without running")
	runCmd.Flags().IntVar(&runProgressEvery, "progress-every", 100, "Write a progress line every N records (0 disables)")
}

// registerOptionFlags adds one flag per entry of optionFlags, typed and
// described by the option table.
func registerOptionFlags(cmd *cobra.Command) {
	descs := make(map[string]runconfig.Option)
	for _, d := range runconfig.Descriptors() {
		descs[d.Key] = d
	}
	fs := cmd.Flags()
	for _, f := range optionFlags {
		d := descs[f.key]
		switch d.Kind {
		case runconfig.KindInt:
			fs.Int(f.name, 0, d.Description)
		case runconfig.KindFloat:
			fs.Float64(f.name, 0, d.Description)
		case runconfig.KindDuration:
			fs.Duration(f.name, 0, d.Description)
		case runconfig.KindStrings:
			fs.StringSlice(f.name, nil, d.Description)
		case runconfig.KindBool:
			fs.Bool(f.name, false, d.Description)
		default:
			fs.String(f.name, "", d.Description)
		}
	}
}

// flagOverrides collects the option flags that were set.
func flagOverrides(cmd *cobra.Command) (map[string]any, error) {
	fs := cmd.Flags()
	out := make(map[string]any)
	for _, f := range optionFlags {
		if !fs.Changed(f.name) {
			continue
		}
		var (
			v   any
			err error
		)
		switch fs.Lookup(f.name).Value.Type() {
		case "int":
			v, err = fs.GetInt(f.name)
		case "float64":
			v, err = fs.GetFloat64(f.name)
		case "duration":
			v, err = fs.GetDuration(f.name)
		case "stringSlice":
			v, err = fs.GetStringSlice(f.name)
		case "bool":
			v, err = fs.GetBool(f.name)
		default:
			v, err = fs.GetString(f.name)
		}
		if err != nil {
			return nil, fmt.Errorf("flag --%s: %w", f.name, err)
		}
		out[f.key] = v
	}
	return out, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	overrides, err := flagOverrides(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid flags", err)
	}
	if len(args) == 1 {
		if cmd.Flags().Changed("input") {
			return exitError(foundry.ExitInvalidArgument, "Invalid arguments", errors.New("input given both as argument and --input"))
		}
		overrides[runconfig.KeyInput] = args[0]
	}

	cfg, err := config.Load(ctx, config.Sources{File: cfgFile, Overrides: overrides})
	if err != nil {
		observability.CLILogger.Error("Invalid configuration", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	if err := applyLogging(cfg); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to configure logging", err)
	}

	if runDryRun {
		return showRunPlan(cmd.OutOrStdout(), cfg)
	}
	return executeRun(ctx, cfg, runOptions{progressEvery: runProgressEvery})
}

// applyLogging applies the configured level and log file unless the level
// was chosen on the command line.
func applyLogging(cfg *runconfig.Config) error {
	file := cfg.String(runconfig.KeyLoggingFile)
	if logLevelFromFlags() && file == "" {
		return nil
	}
	level := cfg.String(runconfig.KeyLoggingLevel)
	if logLevelFromFlags() {
		level = logLevel
		if verbose {
			level = "debug"
		}
	}
	return observability.Configure(observability.LogConfig{
		Name:  config.AppName,
		Level: level,
		JSON:  logJSON,
		File:  file,
	})
}

// showRunPlan displays what would run without executing.
func showRunPlan(w io.Writer, cfg *runconfig.Config) error {
	pipeline, err := analysis.NewPipeline(cfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid analysis configuration", err)
	}

	p := func(format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }
	p("=== Run Plan (dry-run) ===\n\n")
	p("Input:       %s\n", cfg.String(runconfig.KeyInput))
	if gff := cfg.String(runconfig.KeyGeneFindingGFF3); gff != "" {
		p("GFF3:        %s\n", gff)
	}
	p("Taxon:       %s\n", cfg.String(runconfig.KeyTaxon))
	p("Min length:  %d\n", cfg.Int(runconfig.KeyMinLength))
	p("Stages:      %s\n", strings.Join(pipeline.Stages(), " -> "))
	if sl := cfg.Strings(runconfig.KeySideload); len(sl) > 0 {
		p("Sideload:\n")
		for _, path := range sl {
			p("  - %s\n", path)
		}
	}
	if simple := cfg.String(runconfig.KeySideloadSimple); simple != "" {
		p("Simple:      %s\n", simple)
	}
	if limit := cfg.String(runconfig.KeyLimitToRecord); limit != "" {
		p("Records:     %s\n", limit)
	}
	p("Workers:     %d\n", cfg.WorkerCount())
	p("Queue:       %d\n", cfg.QueueCapacity())
	if d := cfg.Duration(runconfig.KeyTaskTimeout); d > 0 {
		p("Timeout:     %s\n", d)
	}
	if r := cfg.Float(runconfig.KeyRateLimit); r > 0 {
		p("Rate limit:  %.1f tasks/s\n", r)
	}
	p("Output:      %s\n", cfg.String(runconfig.KeyOutputDestination))
	if store := storeConfig(cfg); store != nil {
		target := store.Path
		if store.URL != "" {
			target = store.URL
		}
		p("Store:       %s\n", target)
	}
	p("\nConfiguration validated successfully. Remove --dry-run to execute.\n")
	return nil
}

type runOptions struct {
	progressEvery int
	stdout        io.Writer
}

// executeRun runs the whole pipeline for cfg.
func executeRun(ctx context.Context, cfg *runconfig.Config, opts runOptions) error {
	logger := observability.CLILogger
	runID := uuid.New().String()

	opener := input.NewOpener(input.WithS3(input.S3Options{
		Region:   cfg.String(runconfig.KeyS3Region),
		Endpoint: cfg.String(runconfig.KeyS3Endpoint),
		Profile:  cfg.String(runconfig.KeyS3Profile),
	}))
	defer func() { _ = opener.Close() }()

	validator, err := schema.Default()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load schemas", err)
	}

	inputURI := cfg.String(runconfig.KeyInput)
	records, err := opener.LoadRecords(ctx, inputURI, cfg.String(runconfig.KeyGeneFindingGFF3))
	if err != nil {
		logger.Error("Failed to read input", zap.String("input", inputURI), zap.Error(err))
		if provider.IsNotFound(err) || errors.Is(err, os.ErrNotExist) {
			return exitError(foundry.ExitFileNotFound, "Input not found", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to read input", err)
	}

	external, err := sideload.Load(ctx, opener, validator,
		cfg.Strings(runconfig.KeySideload), cfg.String(runconfig.KeySideloadSimple))
	if err != nil {
		logger.Error("Failed to load sideloaded annotations", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid sideload", err)
	}

	writer, cleanup, err := createWriter(cfg.String(runconfig.KeyOutputDestination), runID, opts.stdout)
	if err != nil {
		logger.Error("Failed to create writer", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Failed to create output", err)
	}
	defer cleanup()

	factory := func(c *runconfig.Config) (workerpool.Analyzer, error) {
		p, err := analysis.NewPipeline(c, analysis.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	pool, err := workerpool.New(cfg.WorkerCount(), cfg, factory, workerpool.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to start worker pool", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start worker pool", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Duration(runconfig.KeyShutdownGrace)+time.Second)
		defer cancel()
		_ = pool.Shutdown(sctx)
	}()

	orch, err := orchestrator.New(pool, validator, cfg,
		orchestrator.WithLogger(logger),
		orchestrator.WithWriter(writer),
		orchestrator.WithRunID(runID),
		orchestrator.WithProgressEvery(opts.progressEvery))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run configuration", err)
	}

	logger.Info("Starting run",
		zap.String("run_id", runID),
		zap.String("input", inputURI),
		zap.Int("records", len(records)),
		zap.Int("workers", pool.Size()))

	report, runErr := orch.Process(ctx, records, external)
	if report != nil {
		if err := persistReport(ctx, cfg, report, inputURI); err != nil {
			logger.Error("Failed to persist report", zap.String("run_id", runID), zap.Error(err))
			if runErr == nil {
				return exitError(foundry.ExitFileWriteError, "Failed to persist report", err)
			}
		}
	}

	if runErr != nil {
		if ctx.Err() != nil {
			logger.Warn("Run cancelled", zap.String("run_id", runID))
			return exitError(foundry.ExitSignalInt, "Run cancelled", runErr)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to write report", runErr)
	}

	s := report.Summary
	logger.Info("Run completed",
		zap.String("run_id", runID),
		zap.Int("records", s.Records),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped),
		zap.Int("rejected", s.Rejected),
		zap.Int("regions", s.Regions),
		zap.Duration("duration", s.Duration),
		zap.Duration("task_p95", s.TaskP95))
	return nil
}

// storeConfig returns the configured result store, or nil when results are
// not persisted.
func storeConfig(cfg *runconfig.Config) *resultstore.Config {
	path := cfg.String(runconfig.KeyStorePath)
	url := cfg.String(runconfig.KeyStoreURL)
	if path == "" && url == "" {
		return nil
	}
	return &resultstore.Config{Path: path, URL: url, AuthToken: cfg.String(runconfig.KeyStoreAuthToken)}
}

// persistReport saves the report when a result store is configured. It runs
// even after cancellation so partial runs are kept.
func persistReport(ctx context.Context, cfg *runconfig.Config, report *orchestrator.Report, inputURI string) error {
	sc := storeConfig(cfg)
	if sc == nil {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	db, err := resultstore.Open(ctx, *sc)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := resultstore.Migrate(ctx, db); err != nil {
		return err
	}
	cfgJSON, err := cfg.RedactedJSON()
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}
	if err := resultstore.SaveReport(ctx, db, report, resultstore.RunMeta{Input: inputURI, Config: cfgJSON}); err != nil {
		return err
	}
	observability.CLILogger.Debug("Report persisted", zap.String("run_id", report.RunID))
	return nil
}

// createWriter creates an output writer for dest.
// Returns the writer, a cleanup function, and any error.
func createWriter(dest, runID string, stdout io.Writer) (output.Writer, func(), error) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if dest == "" || dest == "stdout" || dest == "-" {
		w := output.NewJSONLWriter(stdout, runID)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}

	w := output.NewJSONLWriter(f, runID)
	cleanup := func() {
		_ = w.Close()
		_ = f.Close()
	}
	return w, cleanup, nil
}
