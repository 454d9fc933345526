package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gocluster/internal/observability"
	"github.com/3leaps/gocluster/pkg/input"
	"github.com/3leaps/gocluster/pkg/schema"
	"github.com/3leaps/gocluster/pkg/sideload"
)

var validateSimple string

var validateCmd = &cobra.Command{
	Use:   "validate <document>...",
	Short: "Validate sideload documents",
	Long: `Validate sideload documents without running an analysis.

The document envelope and every protocluster and subregion entry are
checked. Every violation is printed, one per line.

Examples:
  gocluster validate regions.yaml
  gocluster validate a.json b.yaml s3://bucket/regions.json
  gocluster validate --simple contig_1:100-2500`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVar(&validateSimple, "simple", "", "Also validate an ACCESSION:START-END value")
}

func runValidate(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && validateSimple == "" {
		return exitError(foundry.ExitInvalidArgument, "Nothing to validate", errors.New("pass at least one document or --simple"))
	}

	v, err := schema.Default()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to load schemas", err)
	}
	opener := input.NewOpener()
	defer func() { _ = opener.Close() }()

	invalid, err := validateDocuments(cmd.Context(), cmd.OutOrStdout(), opener, v, args, validateSimple)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read document", err)
	}
	if invalid > 0 {
		return exitError(foundry.ExitInvalidArgument, "Validation failed", fmt.Errorf("%d invalid", invalid))
	}
	return nil
}

// validateDocuments reports every problem found in paths and simple to w
// and returns how many documents or entries were invalid. Only read errors
// are returned as errors.
func validateDocuments(ctx context.Context, w io.Writer, opener sideload.Opener, v *schema.Validator, paths []string, simple string) (int, error) {
	invalid := 0
	report := func(location string, err error) {
		invalid++
		var verrs schema.ValidationErrors
		if errors.As(err, &verrs) {
			for _, ve := range verrs {
				_, _ = fmt.Fprintf(w, "%s: %s\n", location, ve.Error())
			}
			return
		}
		_, _ = fmt.Fprintf(w, "%s: %v\n", location, err)
	}

	for _, path := range paths {
		data, err := readAll(ctx, opener, path)
		if err != nil {
			return invalid, err
		}
		doc, err := sideload.Parse(data, path, v)
		if err != nil {
			report(path, err)
			continue
		}

		bad := 0
		for _, e := range doc.Entries {
			if _, err := e.Definition(v); err != nil {
				report(e.Location(), err)
				bad++
			}
		}
		observability.CLILogger.Debug("Validated sideload document",
			zap.String("path", path),
			zap.String("tool", doc.Tool.Name),
			zap.Int("entries", len(doc.Entries)),
			zap.Int("invalid", bad))
		if bad == 0 {
			_, _ = fmt.Fprintf(w, "%s: ok (%d entries)\n", path, len(doc.Entries))
		}
	}

	if simple != "" {
		e, err := sideload.ParseSimple(simple)
		if err == nil {
			_, err = e.Definition(v)
		}
		if err != nil {
			report(simple, err)
		} else {
			_, _ = fmt.Fprintf(w, "%s: ok\n", simple)
		}
	}
	return invalid, nil
}

func readAll(ctx context.Context, opener sideload.Opener, path string) ([]byte, error) {
	rc, err := opener.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
