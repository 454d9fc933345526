package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/gocluster/pkg/region"
)

// RegionQuery filters stored regions.
type RegionQuery struct {
	// RunID limits the query to one run. Required.
	RunID string

	// RecordPattern is a doublestar glob matched against record ids.
	// Optional. If empty, matches all records.
	RecordPattern string

	// Product keeps regions carrying this product. Optional.
	Product string

	// Overlaps keeps regions sharing at least one position with this span.
	// Optional.
	Overlaps *region.Span

	// Limit caps the number of results returned. Zero means no limit.
	Limit int
}

// RegionRow is one stored region.
type RegionRow struct {
	RecordID     string
	Number       int
	Span         region.Span
	Products     []string
	Provenance   region.Provenance
	Contributors []region.Definition
}

// QueryRegions returns regions matching q ordered by record id and region
// number.
//
// Run id and overlap filters are applied in SQL; record pattern and product
// filters are applied while scanning.
func QueryRegions(ctx context.Context, db *sql.DB, q RegionQuery) ([]RegionRow, error) {
	if q.RunID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	if q.RecordPattern != "" && !doublestar.ValidatePattern(q.RecordPattern) {
		return nil, fmt.Errorf("invalid glob pattern: %s", q.RecordPattern)
	}

	query := `SELECT record_id, region_number, start_pos, end_pos, products, provenance, contributors
		FROM regions
		WHERE run_id = ?`
	args := []any{q.RunID}
	if q.Overlaps != nil {
		query += ` AND start_pos < ? AND end_pos > ?`
		args = append(args, q.Overlaps.End, q.Overlaps.Start)
	}
	query += ` ORDER BY record_id, region_number`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query regions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []RegionRow
	for rows.Next() {
		var (
			r                      RegionRow
			products, contributors string
			provenance             string
		)
		if err := rows.Scan(&r.RecordID, &r.Number, &r.Span.Start, &r.Span.End,
			&products, &provenance, &contributors); err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}

		if q.RecordPattern != "" {
			matched, err := doublestar.Match(q.RecordPattern, r.RecordID)
			if err != nil || !matched {
				continue
			}
		}
		if err := json.Unmarshal([]byte(products), &r.Products); err != nil {
			return nil, fmt.Errorf("decode products for %s/%d: %w", r.RecordID, r.Number, err)
		}
		if q.Product != "" && !slices.Contains(r.Products, q.Product) {
			continue
		}
		if err := json.Unmarshal([]byte(contributors), &r.Contributors); err != nil {
			return nil, fmt.Errorf("decode contributors for %s/%d: %w", r.RecordID, r.Number, err)
		}
		r.Provenance = region.Provenance(provenance)

		out = append(out, r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate regions: %w", err)
	}
	return out, nil
}

// ProductCount is the number of regions carrying a product in one run.
type ProductCount struct {
	Product string
	Regions int
}

// ProductCounts tallies region products for a run, most common first.
func ProductCounts(ctx context.Context, db *sql.DB, runID string) ([]ProductCount, error) {
	regions, err := QueryRegions(ctx, db, RegionQuery{RunID: runID})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, r := range regions {
		for _, p := range r.Products {
			counts[p]++
		}
	}
	out := make([]ProductCount, 0, len(counts))
	for p, n := range counts {
		out = append(out, ProductCount{Product: p, Regions: n})
	}
	slices.SortFunc(out, func(a, b ProductCount) int {
		if a.Regions != b.Regions {
			return b.Regions - a.Regions
		}
		if a.Product < b.Product {
			return -1
		}
		if a.Product > b.Product {
			return 1
		}
		return 0
	})
	return out, nil
}
