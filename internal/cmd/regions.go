package cmd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gocluster/internal/config"
	"github.com/3leaps/gocluster/pkg/region"
	"github.com/3leaps/gocluster/pkg/resultstore"
	"github.com/3leaps/gocluster/pkg/runconfig"
)

// Query output record types.
const (
	typeRegionRow    = "gocluster.region.v1"
	typeProductCount = "gocluster.product_count.v1"
	typeRunRow       = "gocluster.run.v1"
)

var (
	storePath string
	storeURL  string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs persisted in the result store",
	Long: `List runs persisted in the result store, newest first.

Examples:
  gocluster runs
  gocluster runs --store results.db --limit 5
  gocluster runs --json`,
	Args: cobra.NoArgs,
	RunE: runRuns,
}

var regionsCmd = &cobra.Command{
	Use:   "regions",
	Short: "Query regions persisted in the result store",
	Long: `Query regions persisted in the result store. Results are emitted as
JSONL records to stdout. Without --run the most recent run is queried.

Record ids are matched with doublestar globs (same as --limit-to-record).

Examples:
  gocluster regions --product NRPS
  gocluster regions --run 7d9c... --record 'contig_*' --overlaps 1000-5000
  gocluster regions --count-products`,
	Args: cobra.NoArgs,
	RunE: runRegions,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(regionsCmd)

	for _, c := range []*cobra.Command{runsCmd, regionsCmd} {
		c.Flags().StringVar(&storePath, "store", "", "Result store path (default: configured store.path or the app data directory)")
		c.Flags().StringVar(&storeURL, "store-url", "", "Result store libsql URL")
	}

	runsCmd.Flags().Int("limit", 20, "Maximum number of runs (0 = no limit)")
	runsCmd.Flags().Bool("json", false, "Emit JSONL instead of a table")

	regionsCmd.Flags().String("run", "", "Run id (default: most recent run)")
	regionsCmd.Flags().StringP("record", "r", "", "Doublestar glob matched against record ids")
	regionsCmd.Flags().StringP("product", "p", "", "Only regions carrying this product")
	regionsCmd.Flags().String("overlaps", "", "Only regions overlapping START-END")
	regionsCmd.Flags().Int("limit", 0, "Maximum number of results (0 = no limit)")
	regionsCmd.Flags().Bool("count-products", false, "Only output per-product region counts")
}

// resolveStore picks the store from flags, then configuration, then the
// default path in the app data directory. The auth token always comes from
// configuration so it never has to appear on a command line.
func resolveStore(ctx context.Context) (resultstore.Config, error) {
	settings, err := config.Settings(ctx, config.Sources{File: cfgFile})
	if err != nil {
		return resultstore.Config{}, err
	}
	str := func(key string) string {
		s, _ := settings[key].(string)
		return s
	}
	token := str(runconfig.KeyStoreAuthToken)
	if storePath != "" || storeURL != "" {
		return resultstore.Config{Path: storePath, URL: storeURL, AuthToken: token}, nil
	}
	sc := resultstore.Config{
		Path:      str(runconfig.KeyStorePath),
		URL:       str(runconfig.KeyStoreURL),
		AuthToken: token,
	}
	if sc.Path == "" && sc.URL == "" {
		sc.Path = config.DefaultStorePath()
	}
	return sc, nil
}

func openStore(ctx context.Context) (*sql.DB, error) {
	sc, err := resolveStore(ctx)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	db, err := resultstore.Open(ctx, sc)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open result store", err)
	}
	if err := resultstore.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to migrate result store", err)
	}
	return db, nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	runs, err := resultstore.ListRuns(ctx, db, limit)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list runs", err)
	}
	if asJSON {
		return writeRunsJSON(cmd.OutOrStdout(), runs)
	}
	return writeRunsTable(cmd.OutOrStdout(), cmd.ErrOrStderr(), runs)
}

func writeRunsTable(out, errOut io.Writer, runs []resultstore.RunRow) error {
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(errOut, "No runs found")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN ID\tSTARTED\tSTATUS\tRECORDS\tOK\tFAILED\tSKIPPED\tREJECTED\tREGIONS\tDURATION\tINPUT")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			r.RunID, r.StartedAt.Format(time.RFC3339), r.Status,
			r.Records, r.Succeeded, r.Failed, r.Skipped, r.Rejected, r.Regions,
			r.Duration, r.Input)
	}
	return w.Flush()
}

type runRecordData struct {
	RunID     string `json:"run_id"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at"`
	Status    string `json:"status"`
	Input     string `json:"input,omitempty"`
	Records   int    `json:"records"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Rejected  int    `json:"rejected"`
	Warnings  int    `json:"warnings"`
	Regions   int    `json:"regions"`
	Duration  int64  `json:"duration_ms"`
}

func writeRunsJSON(out io.Writer, runs []resultstore.RunRow) error {
	enc := json.NewEncoder(out)
	for _, r := range runs {
		if err := enc.Encode(queryRecord{Type: typeRunRow, TS: nowTS(), Data: runRecordData{
			RunID:     r.RunID,
			StartedAt: r.StartedAt.Format(time.RFC3339Nano),
			EndedAt:   r.EndedAt.Format(time.RFC3339Nano),
			Status:    string(r.Status),
			Input:     r.Input,
			Records:   r.Records,
			Succeeded: r.Succeeded,
			Failed:    r.Failed,
			Skipped:   r.Skipped,
			Rejected:  r.Rejected,
			Warnings:  r.Warnings,
			Regions:   r.Regions,
			Duration:  r.Duration.Milliseconds(),
		}}); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}

// queryRecord is the JSONL envelope for query results.
type queryRecord struct {
	Type string `json:"type"`
	TS   string `json:"ts"`
	Data any    `json:"data"`
}

type regionRecordData struct {
	RunID        string              `json:"run_id"`
	RecordID     string              `json:"record_id"`
	Number       int                 `json:"region_number"`
	Start        int                 `json:"start"`
	End          int                 `json:"end"`
	Products     []string            `json:"products"`
	Provenance   region.Provenance   `json:"provenance"`
	Contributors []region.Definition `json:"contributors"`
}

func nowTS() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func runRegions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	fs := cmd.Flags()
	runID, _ := fs.GetString("run")
	q := resultstore.RegionQuery{}
	q.RecordPattern, _ = fs.GetString("record")
	q.Product, _ = fs.GetString("product")
	q.Limit, _ = fs.GetInt("limit")
	countProducts, _ := fs.GetBool("count-products")

	if overlaps, _ := fs.GetString("overlaps"); overlaps != "" {
		span, err := parseSpan(overlaps)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --overlaps value", err)
		}
		q.Overlaps = &span
	}

	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if runID == "" {
		runs, err := resultstore.ListRuns(ctx, db, 1)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list runs", err)
		}
		if len(runs) == 0 {
			return exitError(foundry.ExitFileNotFound, "No runs in result store", resultstore.ErrRunNotFound)
		}
		runID = runs[0].RunID
	} else if _, err := resultstore.GetRun(ctx, db, runID); err != nil {
		if errors.Is(err, resultstore.ErrRunNotFound) {
			return exitError(foundry.ExitFileNotFound, "Unknown run", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read run", err)
	}
	q.RunID = runID

	if countProducts {
		counts, err := resultstore.ProductCounts(ctx, db, runID)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to count products", err)
		}
		return writeProductCounts(cmd.OutOrStdout(), counts)
	}

	rows, err := resultstore.QueryRegions(ctx, db, q)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Query failed", err)
	}
	if err := writeRegions(cmd.OutOrStdout(), runID, rows); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Matched %d regions\n", len(rows))
	return nil
}

func writeRegions(out io.Writer, runID string, rows []resultstore.RegionRow) error {
	enc := json.NewEncoder(out)
	for _, r := range rows {
		if err := enc.Encode(queryRecord{Type: typeRegionRow, TS: nowTS(), Data: regionRecordData{
			RunID:        runID,
			RecordID:     r.RecordID,
			Number:       r.Number,
			Start:        r.Span.Start,
			End:          r.Span.End,
			Products:     r.Products,
			Provenance:   r.Provenance,
			Contributors: r.Contributors,
		}}); err != nil {
			return err
		}
	}
	return nil
}

func writeProductCounts(out io.Writer, counts []resultstore.ProductCount) error {
	enc := json.NewEncoder(out)
	for _, c := range counts {
		if err := enc.Encode(queryRecord{Type: typeProductCount, TS: nowTS(), Data: map[string]any{
			"product": c.Product,
			"regions": c.Regions,
		}}); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
		}
	}
	return nil
}

// parseSpan parses START-END (0-based, END exclusive).
func parseSpan(s string) (region.Span, error) {
	startStr, endStr, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return region.Span{}, fmt.Errorf("expected START-END, got %q", s)
	}
	start, err := strconv.Atoi(startStr)
	if err != nil {
		return region.Span{}, fmt.Errorf("invalid start %q", startStr)
	}
	end, err := strconv.Atoi(endStr)
	if err != nil {
		return region.Span{}, fmt.Errorf("invalid end %q", endStr)
	}
	if start < 0 || start >= end {
		return region.Span{}, fmt.Errorf("start must be non-negative and before end, got %q", s)
	}
	return region.Span{Start: start, End: end}, nil
}
