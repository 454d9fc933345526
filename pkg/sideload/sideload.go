// Package sideload reads externally supplied region annotations.
//
// A sideload document names the tool that produced it and lists, per
// record, protoclusters and subregions:
//
//	tool:
//	  name: mytool
//	  version: "1.2"
//	records:
//	  - name: contig_1
//	    protoclusters:
//	      - {core_start: 100, core_end: 500, product: NRPS}
//	    subregions:
//	      - {start: 20, end: 80, label: island}
//
// The document envelope is validated when it is parsed. Individual region
// entries are validated later, one at a time, so that a single bad entry is
// rejected without discarding its siblings.
package sideload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/gocluster/pkg/region"
	"github.com/3leaps/gocluster/pkg/schema"
)

// ManualTool names the tool of entries created from ACCESSION:START-END.
const ManualTool = "manual"

var (
	// ErrInvalidDocument indicates a sideload document could not be parsed
	// or its envelope failed validation.
	ErrInvalidDocument = errors.New("invalid sideload document")

	// ErrInvalidSimple indicates a malformed ACCESSION:START-END value.
	ErrInvalidSimple = errors.New("invalid simple sideload")
)

// Tool describes the tool that produced a sideload document.
type Tool struct {
	Name          string         `json:"name"`
	Version       string         `json:"version"`
	Description   string         `json:"description"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// Entry is one region annotation from a sideload document, not yet
// validated.
type Entry struct {
	RecordID string
	Kind     region.Kind
	Tool     string

	// Path is the document the entry came from; empty for simple entries.
	Path string

	// Index is the entry's position within its record's protocluster or
	// subregion list.
	Index int

	Raw map[string]any
}

// SchemaID returns the schema the entry is validated against.
func (e Entry) SchemaID() string {
	if e.Kind == region.KindSubregion {
		return schema.Subregion
	}
	return schema.Protocluster
}

// Location identifies the entry in its document, e.g.
// "regions.yaml:contig_1/protoclusters/2".
func (e Entry) Location() string {
	list := "protoclusters"
	if e.Kind == region.KindSubregion {
		list = "subregions"
	}
	src := e.Path
	if src == "" {
		src = "sideload_simple"
	}
	return fmt.Sprintf("%s:%s/%s/%d", src, e.RecordID, list, e.Index)
}

type protoclusterFields struct {
	CoreStart          int            `json:"core_start"`
	CoreEnd            int            `json:"core_end"`
	Product            string         `json:"product"`
	NeighbourhoodLeft  int            `json:"neighbourhood_left"`
	NeighbourhoodRight int            `json:"neighbourhood_right"`
	Details            map[string]any `json:"details"`
}

type subregionFields struct {
	Start   int            `json:"start"`
	End     int            `json:"end"`
	Label   string         `json:"label"`
	Details map[string]any `json:"details"`
}

// Definition validates the entry and converts it to an external region
// definition. Validation failures wrap schema.ErrValidationFailed.
//
// Subregions become definitions without a neighbourhood; their label is the
// product, falling back to the tool name when unlabelled.
func (e Entry) Definition(v *schema.Validator) (region.Definition, error) {
	doc, err := v.Validate(e.Raw, e.SchemaID())
	if err != nil {
		return region.Definition{}, err
	}

	def := region.Definition{
		Source: region.SourceExternal,
		Kind:   e.Kind,
		Tool:   e.Tool,
	}
	switch e.Kind {
	case region.KindSubregion:
		var f subregionFields
		if err := doc.Decode(&f); err != nil {
			return region.Definition{}, err
		}
		def.CoreStart, def.CoreEnd, def.Details = f.Start, f.End, f.Details
		def.Product = f.Label
		if def.Product == "" {
			def.Product = e.Tool
		}
	default:
		var f protoclusterFields
		if err := doc.Decode(&f); err != nil {
			return region.Definition{}, err
		}
		def.CoreStart, def.CoreEnd, def.Product = f.CoreStart, f.CoreEnd, f.Product
		def.NeighbourhoodLeft, def.NeighbourhoodRight = f.NeighbourhoodLeft, f.NeighbourhoodRight
		def.Details = f.Details
	}
	return def, nil
}

// Document is a parsed sideload document.
type Document struct {
	Path    string
	Tool    Tool
	Entries []Entry
}

type envelope struct {
	Tool    Tool `json:"tool"`
	Records []struct {
		Name          string           `json:"name"`
		Protoclusters []map[string]any `json:"protoclusters"`
		Subregions    []map[string]any `json:"subregions"`
	} `json:"records"`
}

// Parse reads a YAML or JSON sideload document and validates its envelope.
//
// path is used for error messages and entry locations. An envelope that
// fails validation returns schema.ValidationErrors wrapped with
// ErrInvalidDocument.
func Parse(data []byte, path string, v *schema.Validator) (*Document, error) {
	raw, err := decode(data, path)
	if err != nil {
		return nil, err
	}

	doc, err := v.Validate(raw, schema.Sideload)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalidDocument, path, err)
	}

	var env envelope
	if err := decodeNumbers(doc.Value, &env); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalidDocument, path, err)
	}

	out := &Document{Path: path, Tool: env.Tool}
	for _, rec := range env.Records {
		for i, raw := range rec.Protoclusters {
			out.Entries = append(out.Entries, Entry{
				RecordID: rec.Name, Kind: region.KindProtocluster, Tool: env.Tool.Name,
				Path: path, Index: i, Raw: raw,
			})
		}
		for i, raw := range rec.Subregions {
			out.Entries = append(out.Entries, Entry{
				RecordID: rec.Name, Kind: region.KindSubregion, Tool: env.Tool.Name,
				Path: path, Index: i, Raw: raw,
			})
		}
	}
	return out, nil
}

// decode parses YAML (a superset of JSON) unless the file is clearly JSON,
// in which case numbers are kept exact.
func decode(data []byte, path string) (any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w %s: empty document", ErrInvalidDocument, path)
	}

	var raw any
	if strings.EqualFold(filepath.Ext(path), ".json") || trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrInvalidDocument, path, err)
		}
		return raw, nil
	}
	if err := yaml.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalidDocument, path, err)
	}
	return raw, nil
}

func decodeNumbers(value any, out any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

// ParseSimple parses ACCESSION:START-END into a subregion entry. Positions
// are 0-based with START inclusive and END exclusive.
func ParseSimple(s string) (Entry, error) {
	acc, span, ok := strings.Cut(s, ":")
	if !ok || acc == "" || strings.Contains(span, ":") {
		return Entry{}, fmt.Errorf("%w %q: expected ACCESSION:START-END", ErrInvalidSimple, s)
	}
	startStr, endStr, ok := strings.Cut(span, "-")
	if !ok || strings.Contains(endStr, "-") {
		return Entry{}, fmt.Errorf("%w %q: expected ACCESSION:START-END", ErrInvalidSimple, s)
	}
	start, err1 := strconv.Atoi(startStr)
	end, err2 := strconv.Atoi(endStr)
	if err1 != nil || err2 != nil {
		return Entry{}, fmt.Errorf("%w %q: positions are not numeric", ErrInvalidSimple, s)
	}
	if start >= end {
		return Entry{}, fmt.Errorf("%w %q: start must be before end", ErrInvalidSimple, s)
	}
	return Entry{
		RecordID: acc,
		Kind:     region.KindSubregion,
		Tool:     ManualTool,
		Raw:      map[string]any{"start": start, "end": end},
	}, nil
}
