// Package cmd implements the gocluster command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocluster/internal/config"
	"github.com/3leaps/gocluster/internal/observability"
)

// VersionInfo describes the build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

var versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

// SetVersionInfo is called from main with values injected at build time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

var (
	cfgFile  string
	verbose  bool
	logLevel string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   config.AppName,
	Short: "Orchestrate biosynthetic gene cluster analysis of genomic records",
	Long: `gocluster reads genomic records, merges externally supplied region
annotations with the regions found by analysis, and analyses every record
on a pool of isolated workers. Results are streamed as JSONL and can be
persisted to a SQLite or libsql result store.

Configuration is layered: defaults, config file (--config or GOCLUSTER_CONFIG),
GOCLUSTER_* environment variables, then command-line flags.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initLogging,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (YAML or JSON)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.BoolVar(&logJSON, "log-json", false, "Write logs to stderr as JSON")
}

func initLogging(cmd *cobra.Command, args []string) error {
	level := logLevel
	if verbose {
		level = "debug"
	}
	if err := observability.Configure(observability.LogConfig{Name: config.AppName, Level: level, JSON: logJSON}); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --log-level value", err)
	}
	return nil
}

// logLevelFromFlags reports whether the log level was chosen on the command
// line, in which case configured logging.level is ignored.
func logLevelFromFlags() bool {
	return verbose || logLevel != ""
}

// Execute runs the root command and returns the process exit code.
// SIGINT and SIGTERM cancel the command context.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Sync()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ee *ExitError
	if errors.As(err, &ee) {
		observability.CLILogger.Error(ee.Message, zap.Error(ee.Err), zap.Int("exit_code", ee.Code))
		return ee.Code
	}
	// flag and argument errors from cobra
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return foundry.ExitInvalidArgument
}

// ExitError carries the exit code a command failure maps to.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}
