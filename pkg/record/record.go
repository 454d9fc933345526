// Package record holds the sequence records processed by a run and reads
// them from FASTA and GFF3 input.
package record

import (
	"maps"
	"slices"
	"strconv"

	"github.com/3leaps/gocluster/pkg/region"
)

// Feature types that carry prior region calls.
const (
	FeatureProtocluster = "protocluster"
	FeatureRegion       = "region"
	FeatureCDS          = "CDS"
)

// Strand of a feature.
type Strand int8

const (
	StrandUnknown Strand = 0
	StrandForward Strand = 1
	StrandReverse Strand = -1
)

// Feature is an annotated interval on a record. Coordinates are 0-based and
// End is exclusive.
type Feature struct {
	Type       string              `json:"type"`
	Source     string              `json:"source,omitempty"`
	Start      int                 `json:"start"`
	End        int                 `json:"end"`
	Strand     Strand              `json:"strand"`
	Qualifiers map[string][]string `json:"qualifiers,omitempty"`
}

// Qualifier returns the first value of a qualifier, or "".
func (f Feature) Qualifier(key string) string {
	if v := f.Qualifiers[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Clone returns a deep copy of f.
func (f Feature) Clone() Feature {
	if f.Qualifiers != nil {
		q := make(map[string][]string, len(f.Qualifiers))
		for k, v := range f.Qualifiers {
			q[k] = slices.Clone(v)
		}
		f.Qualifiers = q
	}
	return f
}

// Record is one sequence and its known features.
type Record struct {
	RecordID    string              `json:"id"`
	Description string              `json:"description,omitempty"`
	Seq         []byte              `json:"-"`
	Features    []Feature           `json:"features,omitempty"`
	Regions     []region.Reconciled `json:"regions,omitempty"`
	Annotations map[string]string   `json:"annotations,omitempty"`
}

// ID returns the record id.
func (r *Record) ID() string { return r.RecordID }

// Len returns the sequence length.
func (r *Record) Len() int { return len(r.Seq) }

// Clone returns a deep copy that shares no storage with r.
func (r *Record) Clone() *Record {
	out := &Record{
		RecordID:    r.RecordID,
		Description: r.Description,
		Seq:         slices.Clone(r.Seq),
		Regions:     region.CloneAll(r.Regions),
		Annotations: maps.Clone(r.Annotations),
	}
	if r.Features != nil {
		out.Features = make([]Feature, len(r.Features))
		for i, f := range r.Features {
			out.Features[i] = f.Clone()
		}
	}
	return out
}

// InternalDefinitions converts prior protocluster and region features into
// internal region definitions.
//
// The neighbourhood is taken from the neighbourhood_left/right qualifiers
// when present; region features have no neighbourhood.
func (r *Record) InternalDefinitions() []region.Definition {
	var defs []region.Definition
	for _, f := range r.Features {
		if f.Type != FeatureProtocluster && f.Type != FeatureRegion {
			continue
		}
		product := f.Qualifier("product")
		if product == "" {
			product = f.Qualifier("Name")
		}
		defs = append(defs, region.Definition{
			CoreStart:          f.Start,
			CoreEnd:            f.End,
			Product:            product,
			NeighbourhoodLeft:  atoiOrZero(f.Qualifier("neighbourhood_left")),
			NeighbourhoodRight: atoiOrZero(f.Qualifier("neighbourhood_right")),
			Source:             region.SourceInternal,
			Kind:               region.KindProtocluster,
			Tool:               f.Source,
		})
	}
	return defs
}

// GC returns the GC fraction of the sequence, ignoring gaps and ambiguous
// bases. It returns 0 for sequences without any A, C, G or T.
func (r *Record) GC() float64 {
	var gc, total int
	for _, b := range r.Seq {
		switch b {
		case 'G', 'C', 'S':
			gc++
			total++
		case 'A', 'T', 'W':
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(gc) / float64(total)
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
