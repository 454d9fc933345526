package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/3leaps/gocluster/pkg/region"
	"github.com/3leaps/gocluster/pkg/runconfig"
	"github.com/3leaps/gocluster/pkg/schema"
)

// Detector runs an external region detector. The detector reads the record
// as FASTA and writes a JSON object to stdout:
//
//	{"protoclusters": [{"core_start": 10, "core_end": 500, "product": "NRPS"}]}
//
// Each protocluster is validated against the protocluster schema; invalid
// ones become warnings rather than failing the record.
type Detector struct {
	Tool      Tool
	validator *schema.Validator
}

// NewDetector builds the detector configured by detection.executable.
func NewDetector(cfg *runconfig.Config) *Detector {
	return &Detector{
		Tool: Tool{
			Executable: cfg.String(runconfig.KeyDetectionExec),
			Args:       cfg.Strings(runconfig.KeyDetectionArgs),
			Env: []string{
				"GOCLUSTER_TAXON=" + cfg.String(runconfig.KeyTaxon),
				"GOCLUSTER_STRICTNESS=" + cfg.String(runconfig.KeyStrictness),
			},
		},
	}
}

func (d *Detector) Name() string { return "detection" }

type detectorOutput struct {
	Protoclusters []json.RawMessage `json:"protoclusters"`
}

func (d *Detector) Run(ctx context.Context, t *Task) error {
	v := d.validator
	if v == nil {
		var err error
		if v, err = schema.Default(); err != nil {
			return err
		}
	}

	out, err := d.Tool.Run(ctx, t.Record)
	if err != nil {
		return err
	}

	var parsed detectorOutput
	if err := json.Unmarshal(bytes.TrimSpace(out), &parsed); err != nil {
		return fmt.Errorf("%w: %w", ErrToolOutput, err)
	}

	toolName := filepath.Base(d.Tool.Executable)
	for i, raw := range parsed.Protoclusters {
		doc, err := v.ValidateJSON(raw, schema.Protocluster)
		if err != nil {
			t.Warnings = append(t.Warnings, region.Warning{
				RecordID: t.Record.ID(),
				Definition: region.Definition{
					Source: region.SourceInternal, Kind: region.KindProtocluster, Tool: toolName,
				},
				Reason: fmt.Sprintf("detector protocluster %d rejected: %v", i, err),
			})
			continue
		}
		var f struct {
			CoreStart          int            `json:"core_start"`
			CoreEnd            int            `json:"core_end"`
			Product            string         `json:"product"`
			NeighbourhoodLeft  int            `json:"neighbourhood_left"`
			NeighbourhoodRight int            `json:"neighbourhood_right"`
			Details            map[string]any `json:"details"`
		}
		if err := doc.Decode(&f); err != nil {
			return fmt.Errorf("%w: %w", ErrToolOutput, err)
		}
		t.Detected = append(t.Detected, region.Definition{
			CoreStart:          f.CoreStart,
			CoreEnd:            f.CoreEnd,
			Product:            f.Product,
			NeighbourhoodLeft:  f.NeighbourhoodLeft,
			NeighbourhoodRight: f.NeighbourhoodRight,
			Details:            f.Details,
			Source:             region.SourceInternal,
			Kind:               region.KindProtocluster,
			Tool:               toolName,
		})
	}
	return nil
}
