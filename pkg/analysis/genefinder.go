package analysis

import (
	"bytes"
	"context"
	"fmt"

	"github.com/3leaps/gocluster/pkg/record"
	"github.com/3leaps/gocluster/pkg/runconfig"
)

// GeneFinder calls genes with an external tool that writes GFF3 to stdout.
type GeneFinder struct {
	ToolName string
	Tool     Tool
}

// NewGeneFinder returns the gene finder selected by genefinding.tool, or nil
// when gene finding is disabled.
func NewGeneFinder(cfg *runconfig.Config) (*GeneFinder, error) {
	name := cfg.String(runconfig.KeyGeneFindingTool)
	exe := cfg.String(runconfig.KeyGeneFindingExec)
	extra := cfg.Strings(runconfig.KeyGeneFindingArgs)

	var args []string
	switch name {
	case "", runconfig.ToolNone:
		return nil, nil
	case runconfig.ToolProdigal:
		if exe == "" {
			exe = "prodigal"
		}
		args = append([]string{"-f", "gff", "-q"}, extra...)
	case runconfig.ToolGlimmerHMM:
		if exe == "" {
			exe = "glimmerhmm"
		}
		args = append(append([]string{FASTAPlaceholder}, extra...), "-g")
	case runconfig.ToolExternal:
		if exe == "" {
			return nil, fmt.Errorf("%s requires %s", runconfig.ToolExternal, runconfig.KeyGeneFindingExec)
		}
		args = extra
	default:
		return nil, fmt.Errorf("unknown gene finding tool %q", name)
	}

	return &GeneFinder{
		ToolName: name,
		Tool: Tool{
			Executable: exe,
			Args:       args,
			Env:        []string{"GOCLUSTER_TAXON=" + cfg.String(runconfig.KeyTaxon)},
		},
	}, nil
}

func (g *GeneFinder) Name() string { return "genefinding" }

func (g *GeneFinder) Run(ctx context.Context, t *Task) error {
	out, err := g.Tool.Run(ctx, t.Record)
	if err != nil {
		return err
	}

	features, err := record.ReadGFF3(bytes.NewReader(out))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrToolOutput, err)
	}
	for id, fs := range features {
		if id != t.Record.ID() {
			return fmt.Errorf("%w: gene finder reported unknown record %q", ErrToolOutput, id)
		}
		for _, f := range fs {
			if f.End > t.Record.Len() {
				return fmt.Errorf("%w: gene %d-%d exceeds record length %d", ErrToolOutput, f.Start+1, f.End, t.Record.Len())
			}
			if f.Source == "" || f.Source == "." {
				f.Source = g.ToolName
			}
			t.Features = append(t.Features, f)
		}
	}
	return nil
}
