package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocluster/internal/config"
	"github.com/3leaps/gocluster/internal/observability"
	"github.com/3leaps/gocluster/pkg/analysis"
	"github.com/3leaps/gocluster/pkg/input"
	"github.com/3leaps/gocluster/pkg/resultstore"
	"github.com/3leaps/gocluster/pkg/runconfig"
	"github.com/3leaps/gocluster/pkg/schema"
)

var doctorProvider string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and the effective configuration.

The configured gene finding and detection executables must be on PATH, the
configured input must be readable and the result store, when configured,
must open and migrate.

Examples:
  gocluster doctor
  gocluster doctor --config run.yaml
  gocluster doctor --provider s3   # include AWS credential checks`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

// doctorCheck returns a short detail on success.
type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	observability.CLILogger.Info("=== gocluster doctor ===")
	observability.CLILogger.Info("")

	checks := []doctorCheck{
		{"Go version", checkGoVersion},
		{"Gofulmen", checkGofulmen},
		{"schemas", checkSchemas},
		{"data directory", checkDataDir},
	}

	cfg, cfgErr := doctorConfig(ctx)
	checks = append(checks, doctorCheck{"configuration", func(context.Context) (string, error) {
		if cfgErr != nil {
			return "", cfgErr
		}
		return fmt.Sprintf("%d options", len(cfg.Keys())), nil
	}})
	if cfg != nil {
		checks = append(checks, configChecks(cfg)...)
	}
	if doctorProvider == "s3" {
		checks = append(checks, doctorCheck{"AWS credentials", checkAWSCredentials})
	}

	failed := runChecks(ctx, checks)

	observability.CLILogger.Info("")
	if failed > 0 {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed", fmt.Errorf("%d checks failed", failed))
	}
	observability.CLILogger.Info("✅ All checks passed.")
	return nil
}

// runChecks logs each check and returns the number that failed.
func runChecks(ctx context.Context, checks []doctorCheck) int {
	failed := 0
	for i, c := range checks {
		prefix := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		detail, err := c.run(ctx)
		if err != nil {
			failed++
			observability.CLILogger.Error(prefix+" ❌", zap.Error(err))
			continue
		}
		observability.CLILogger.Info(prefix + " ✅ " + detail)
	}
	return failed
}

// doctorConfig loads the effective configuration. A missing input is
// tolerated so the environment can be checked before a run is set up.
func doctorConfig(ctx context.Context) (*runconfig.Config, error) {
	settings, err := config.Settings(ctx, config.Sources{File: cfgFile})
	if err != nil {
		return nil, err
	}
	if _, ok := settings[runconfig.KeyInput]; !ok {
		settings[runconfig.KeyInput] = input.Stdin
	}
	return runconfig.Build(settings)
}

// configChecks derives checks from the configured tools, input and store.
func configChecks(cfg *runconfig.Config) []doctorCheck {
	var checks []doctorCheck

	finder, err := analysis.NewGeneFinder(cfg)
	switch {
	case err != nil:
		checks = append(checks, doctorCheck{"gene finder", func(context.Context) (string, error) { return "", err }})
	case finder != nil:
		exe := finder.Tool.Executable
		checks = append(checks, doctorCheck{"gene finder " + finder.ToolName, func(context.Context) (string, error) {
			return checkExecutable(exe)
		}})
	}
	if exe := cfg.String(runconfig.KeyDetectionExec); exe != "" {
		checks = append(checks, doctorCheck{"detector", func(context.Context) (string, error) {
			return checkExecutable(exe)
		}})
	}

	if uri := cfg.String(runconfig.KeyInput); uri != input.Stdin {
		checks = append(checks, doctorCheck{"input", func(ctx context.Context) (string, error) {
			return checkInput(ctx, cfg, uri)
		}})
	}
	if sc := storeConfig(cfg); sc != nil {
		checks = append(checks, doctorCheck{"result store", func(ctx context.Context) (string, error) {
			return checkStore(ctx, *sc)
		}})
	}
	return checks
}

func checkGoVersion(context.Context) (string, error) {
	return fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH), nil
}

func checkGofulmen(context.Context) (string, error) {
	version := crucible.GetVersion()
	if version.Gofulmen == "" {
		return "", errors.New("cannot determine gofulmen version")
	}
	return fmt.Sprintf("gofulmen v%s, crucible v%s", version.Gofulmen, version.Crucible), nil
}

func checkSchemas(context.Context) (string, error) {
	v, err := schema.Default()
	if err != nil {
		return "", err
	}
	return strings.Join(v.IDs(), ", "), nil
}

func checkDataDir(context.Context) (string, error) {
	dir := filepath.Dir(config.DefaultStorePath())
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return dir + " (not created yet)", nil
	}
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	return dir, nil
}

func checkExecutable(name string) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("executable %q not found: %w", name, err)
	}
	return path, nil
}

func checkInput(ctx context.Context, cfg *runconfig.Config, uri string) (string, error) {
	opener := input.NewOpener(input.WithS3(input.S3Options{
		Region:   cfg.String(runconfig.KeyS3Region),
		Endpoint: cfg.String(runconfig.KeyS3Endpoint),
		Profile:  cfg.String(runconfig.KeyS3Profile),
	}))
	defer func() { _ = opener.Close() }()

	meta, err := opener.Stat(ctx, uri)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s (%d bytes)", uri, meta.Size), nil
}

func checkStore(ctx context.Context, sc resultstore.Config) (string, error) {
	db, err := resultstore.Open(ctx, sc)
	if err != nil {
		return "", err
	}
	defer func() { _ = db.Close() }()

	if err := resultstore.Migrate(ctx, db); err != nil {
		return "", err
	}
	version, err := resultstore.Version(ctx, db)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("schema v%d", version), nil
}

func checkAWSCredentials(ctx context.Context) (string, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("load AWS config: %w", err)
	}
	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("%s from %s", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
