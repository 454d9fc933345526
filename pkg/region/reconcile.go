package region

import (
	"fmt"
	"sort"
)

// Target is the record a set of definitions is reconciled against.
type Target interface {
	ID() string
	Len() int
}

// Warning reports a definition dropped during reconciliation.
// Warnings never stop processing of the record.
type Warning struct {
	RecordID   string     `json:"record_id"`
	Definition Definition `json:"definition"`
	Reason     string     `json:"reason"`
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: dropped %s: %s", w.RecordID, w.Definition, w.Reason)
}

// Result is the outcome of reconciling one record's definitions.
type Result struct {
	Regions  []Reconciled
	Warnings []Warning
}

type candidate struct {
	def   Definition
	span  Span
	order int
}

// Reconcile merges external and internal definitions into an ordered,
// non-touching set of regions.
//
// Spans are sorted by start; ties put the larger span first and then keep
// insertion order, with every external definition ahead of every internal
// one. Spans that share a coordinate are merged, so two regions where one
// ends exactly where the next starts become one. Definitions whose clamped
// span is empty are dropped with a Warning.
func Reconcile(target Target, external, internal []Definition) Result {
	var res Result
	length := target.Len()

	cands := make([]candidate, 0, len(external)+len(internal))
	add := func(defs []Definition, source Source) {
		for _, d := range defs {
			d = d.Clone()
			if d.Source == "" {
				d.Source = source
			}
			if reason := degenerate(d, length); reason != "" {
				res.Warnings = append(res.Warnings, Warning{RecordID: target.ID(), Definition: d, Reason: reason})
				continue
			}
			cands = append(cands, candidate{def: d, span: d.Span(length), order: len(cands)})
		}
	}
	add(external, SourceExternal)
	add(internal, SourceInternal)

	if len(cands) == 0 {
		return res
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.span.Start != b.span.Start {
			return a.span.Start < b.span.Start
		}
		if a.span.Len() != b.span.Len() {
			return a.span.Len() > b.span.Len()
		}
		return a.order < b.order
	})

	current := open(cands[0])
	for _, c := range cands[1:] {
		if c.span.Start <= current.Span.End {
			current.absorb(c)
			continue
		}
		res.Regions = append(res.Regions, current.finish())
		current = open(c)
	}
	res.Regions = append(res.Regions, current.finish())

	return res
}

func degenerate(d Definition, length int) string {
	if d.CoreEnd <= d.CoreStart {
		return fmt.Sprintf("core end %d is not after core start %d", d.CoreEnd, d.CoreStart)
	}
	if span := d.Span(length); span.Len() <= 0 {
		return fmt.Sprintf("span %d-%d is empty within record length %d", span.Start, span.End, length)
	}
	return ""
}

type builder struct {
	Reconciled
	seen    map[string]struct{}
	sources map[Source]struct{}
}

func open(c candidate) *builder {
	b := &builder{
		Reconciled: Reconciled{Span: c.span},
		seen:       make(map[string]struct{}),
		sources:    make(map[Source]struct{}),
	}
	b.absorb(c)
	return b
}

func (b *builder) absorb(c candidate) {
	b.Span.Start = min(b.Span.Start, c.span.Start)
	b.Span.End = max(b.Span.End, c.span.End)
	b.Contributors = append(b.Contributors, c.def)
	b.sources[c.def.Source] = struct{}{}
	if p := c.def.Product; p != "" {
		if _, ok := b.seen[p]; !ok {
			b.seen[p] = struct{}{}
			b.Products = append(b.Products, p)
		}
	}
}

func (b *builder) finish() Reconciled {
	_, ext := b.sources[SourceExternal]
	_, in := b.sources[SourceInternal]
	switch {
	case ext && in:
		b.Provenance = ProvenanceMerged
	case ext:
		b.Provenance = ProvenanceExternal
	default:
		b.Provenance = ProvenanceInternal
	}
	if b.Products == nil {
		b.Products = []string{}
	}
	return b.Reconciled
}

// Split recovers the external and internal contributors of regions in
// region order. Reconciling the two lists again yields the same regions.
func Split(regions []Reconciled) (external, internal []Definition) {
	for _, r := range regions {
		for _, d := range r.Contributors {
			if d.Source == SourceInternal {
				internal = append(internal, d.Clone())
				continue
			}
			external = append(external, d.Clone())
		}
	}
	return external, internal
}
