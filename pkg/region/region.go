// Package region models coordinate regions on a sequence record and
// reconciles externally supplied definitions with internally detected ones.
package region

import (
	"fmt"
	"slices"
)

// Source identifies where a definition came from.
type Source string

const (
	SourceExternal Source = "external"
	SourceInternal Source = "internal"
)

// Kind identifies the type of area a definition describes.
type Kind string

const (
	KindProtocluster Kind = "protocluster"
	KindSubregion    Kind = "subregion"
)

// Provenance records which sources contributed to a reconciled region.
type Provenance string

const (
	ProvenanceExternal Provenance = "external"
	ProvenanceInternal Provenance = "internal"
	ProvenanceMerged   Provenance = "merged"
)

// Definition is a single region core with optional neighbourhood extensions.
//
// Coordinates are 0-based; CoreEnd is exclusive.
type Definition struct {
	CoreStart          int            `json:"core_start"`
	CoreEnd            int            `json:"core_end"`
	Product            string         `json:"product,omitempty"`
	NeighbourhoodLeft  int            `json:"neighbourhood_left,omitempty"`
	NeighbourhoodRight int            `json:"neighbourhood_right,omitempty"`
	Details            map[string]any `json:"details,omitempty"`

	Source Source `json:"source"`
	Kind   Kind   `json:"kind"`
	Tool   string `json:"tool,omitempty"`
}

// Span returns the effective span clamped to [0, length]. Neighbourhoods
// reaching past either end saturate at the bound instead of overflowing.
func (d Definition) Span(length int) Span {
	start := 0
	if d.NeighbourhoodLeft < d.CoreStart {
		start = d.CoreStart - d.NeighbourhoodLeft
	}
	end := length
	if d.CoreEnd < length && d.NeighbourhoodRight < length-d.CoreEnd {
		end = d.CoreEnd + d.NeighbourhoodRight
	}
	return Span{Start: start, End: end}
}

// Clone returns a deep copy of d.
func (d Definition) Clone() Definition {
	d.Details = cloneMap(d.Details)
	return d
}

func (d Definition) String() string {
	label := d.Product
	if label == "" {
		label = string(d.Kind)
	}
	return fmt.Sprintf("%s %s %d-%d (%s)", d.Source, label, d.CoreStart, d.CoreEnd, d.Tool)
}

// Span is a half-open coordinate interval.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the span length; it is <= 0 for degenerate spans.
func (s Span) Len() int {
	return s.End - s.Start
}

// Touches reports whether the spans share at least one boundary coordinate.
func (s Span) Touches(o Span) bool {
	return s.Start <= o.End && o.Start <= s.End
}

// Contains reports whether o lies entirely within s.
func (s Span) Contains(o Span) bool {
	return s.Start <= o.Start && o.End <= s.End
}

// Reconciled is a canonical region after merging overlapping definitions.
type Reconciled struct {
	Span         Span         `json:"span"`
	Products     []string     `json:"products"`
	Provenance   Provenance   `json:"provenance"`
	Contributors []Definition `json:"contributors"`
}

// Clone returns a deep copy of r.
func (r Reconciled) Clone() Reconciled {
	out := Reconciled{
		Span:       r.Span,
		Products:   slices.Clone(r.Products),
		Provenance: r.Provenance,
	}
	if r.Contributors != nil {
		out.Contributors = make([]Definition, len(r.Contributors))
		for i, d := range r.Contributors {
			out.Contributors[i] = d.Clone()
		}
	}
	return out
}

// HasProduct reports whether product is among the region's products.
func (r Reconciled) HasProduct(product string) bool {
	return slices.Contains(r.Products, product)
}

// CloneAll deep-copies a region list.
func CloneAll(regions []Reconciled) []Reconciled {
	if regions == nil {
		return nil
	}
	out := make([]Reconciled, len(regions))
	for i, r := range regions {
		out[i] = r.Clone()
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(x)
	default:
		return v
	}
}
