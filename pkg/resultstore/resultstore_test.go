package resultstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocluster/pkg/orchestrator"
	"github.com/3leaps/gocluster/pkg/record"
	"github.com/3leaps/gocluster/pkg/region"
	"github.com/3leaps/gocluster/pkg/schema"
	"github.com/3leaps/gocluster/pkg/workerpool"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "nested", "results.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Migrate(ctx, db))
	return db
}

func reconciled(start, end int, provenance region.Provenance, products ...string) region.Reconciled {
	contributors := make([]region.Definition, len(products))
	for i, p := range products {
		contributors[i] = region.Definition{CoreStart: start, CoreEnd: end, Product: p, Kind: region.KindProtocluster}
	}
	return region.Reconciled{
		Span:         region.Span{Start: start, End: end},
		Products:     products,
		Provenance:   provenance,
		Contributors: contributors,
	}
}

func sampleReport(runID string) *orchestrator.Report {
	return &orchestrator.Report{
		RunID: runID,
		Records: []*record.Record{
			{RecordID: "contig_1", Seq: make([]byte, 5000), Regions: []region.Reconciled{
				reconciled(100, 900, region.ProvenanceExternal, "NRPS"),
				reconciled(2000, 3500, region.ProvenanceMerged, "T1PKS", "NRPS"),
			}},
			{RecordID: "contig_2", Seq: make([]byte, 300)},
			{RecordID: "plasmid_1", Seq: make([]byte, 4000), Regions: []region.Reconciled{
				reconciled(0, 1200, region.ProvenanceInternal, "terpene"),
			}},
		},
		Outcomes: []orchestrator.Outcome{
			{Status: orchestrator.StatusOK, Worker: 0, Duration: 12 * time.Millisecond},
			{Status: orchestrator.StatusFailed, Reason: "ambiguous bases", Worker: 1, Duration: time.Millisecond},
			{Status: orchestrator.StatusOK, Worker: 1, Duration: 8 * time.Millisecond},
		},
		Failures: []orchestrator.Failure{
			{Index: 1, RecordID: "contig_2", Kind: workerpool.FailureAnalysis, Message: "ambiguous bases"},
		},
		Rejections: []orchestrator.Rejection{{
			Index: 0, RecordID: "contig_1", Location: "regions.yaml:contig_1/protoclusters/2",
			SchemaID: schema.Protocluster, Message: "/: missing property 'product'",
			Errors: schema.ValidationErrors{{SchemaID: schema.Protocluster, Path: "/", Field: "product", Message: "missing property 'product'"}},
		}},
		Warnings: []region.Warning{{RecordID: "contig_1", Reason: "core lies beyond record end", Definition: region.Definition{CoreStart: 6000, CoreEnd: 6100, Product: "RiPP"}}},
		Summary: orchestrator.Summary{
			Records: 3, Succeeded: 2, Failed: 1, Rejected: 1, Warnings: 1, Regions: 3,
			Duration: 1500 * time.Millisecond,
		},
	}
}

func TestOpen_Errors(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.Error(t, err)
}

func TestBuildDSN(t *testing.T) {
	dsn, err := buildDSN(Config{URL: "libsql://db.example.io", AuthToken: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://db.example.io?authToken=secret", dsn)

	dsn, err = buildDSN(Config{URL: "libsql://db.example.io?authToken=kept", AuthToken: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://db.example.io?authToken=kept", dsn)

	dsn, err = buildDSN(Config{Path: ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, ":memory:", dsn)

	dir := t.TempDir()
	dsn, err = buildDSN(Config{Path: filepath.Join(dir, "a", "results.db")})
	require.NoError(t, err)
	assert.Equal(t, "file:"+filepath.Join(dir, "a", "results.db"), dsn)
	assert.DirExists(t, filepath.Join(dir, "a"))
}

func TestMigrate_Idempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, Migrate(ctx, db))
	v, err := Version(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, v)
}

func TestMigrate_RejectsNewerSchema(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `UPDATE schema_meta SET schema_version = ? WHERE id = 1`, SchemaVersion+1)
	require.NoError(t, err)
	assert.ErrorContains(t, Migrate(ctx, db), "newer than supported")
}

func TestSaveReport_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ended := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rep := sampleReport("run-1")
	require.NoError(t, SaveReport(ctx, db, rep, RunMeta{Input: "genome.fa", Config: []byte(`{"input":"genome.fa"}`), EndedAt: ended}))

	run, err := GetRun(ctx, db, "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusPartial, run.Status)
	assert.Equal(t, "genome.fa", run.Input)
	assert.JSONEq(t, `{"input":"genome.fa"}`, run.Config)
	assert.Equal(t, ended, run.EndedAt)
	assert.Equal(t, ended.Add(-1500*time.Millisecond), run.StartedAt)
	assert.Equal(t, 1500*time.Millisecond, run.Duration)
	assert.Equal(t, 3, run.Records)
	assert.Equal(t, 2, run.Succeeded)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, 3, run.Regions)

	failures, err := RunFailures(ctx, db, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []FailureRow{{Index: 1, RecordID: "contig_2", Kind: "analysis", Message: "ambiguous bases"}}, failures)

	rejections, err := RunRejections(ctx, db, "run-1")
	require.NoError(t, err)
	require.Len(t, rejections, 1)
	assert.Equal(t, schema.Protocluster, rejections[0].SchemaID)

	var recordRows int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE run_id = ?`, "run-1").Scan(&recordRows))
	assert.Equal(t, 3, recordRows)

	// saving the same run again fails and leaves the first copy intact
	assert.Error(t, SaveReport(ctx, db, rep, RunMeta{}))
	regions, err := QueryRegions(ctx, db, RegionQuery{RunID: "run-1"})
	require.NoError(t, err)
	assert.Len(t, regions, 3)
}

func TestGetRun_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := GetRun(context.Background(), db, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStatusOf(t *testing.T) {
	rep := sampleReport("r")
	assert.Equal(t, RunStatusPartial, StatusOf(rep))

	rep.Summary.Failed = 0
	assert.Equal(t, RunStatusSuccess, StatusOf(rep))

	rep.Summary.Cancelled = true
	assert.Equal(t, RunStatusCancelled, StatusOf(rep))
}

func TestListRuns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		require.NoError(t, SaveReport(ctx, db, sampleReport(id), RunMeta{EndedAt: base.Add(time.Duration(i) * time.Hour)}))
	}

	runs, err := ListRuns(ctx, db, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-c", runs[0].RunID)
	assert.Equal(t, "run-a", runs[2].RunID)

	runs, err = ListRuns(ctx, db, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-c", runs[0].RunID)
}

func TestQueryRegions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, SaveReport(ctx, db, sampleReport("run-1"), RunMeta{}))
	require.NoError(t, SaveReport(ctx, db, sampleReport("run-2"), RunMeta{}))

	ids := func(rows []RegionRow) []string {
		out := make([]string, len(rows))
		for i, r := range rows {
			out[i] = fmt.Sprintf("%s/%d", r.RecordID, r.Number)
		}
		return out
	}

	tests := []struct {
		name string
		q    RegionQuery
		want []string
	}{
		{name: "all", q: RegionQuery{RunID: "run-1"}, want: []string{"contig_1/1", "contig_1/2", "plasmid_1/1"}},
		{name: "record pattern", q: RegionQuery{RunID: "run-1", RecordPattern: "contig_*"}, want: []string{"contig_1/1", "contig_1/2"}},
		{name: "product", q: RegionQuery{RunID: "run-1", Product: "NRPS"}, want: []string{"contig_1/1", "contig_1/2"}},
		{name: "product no match", q: RegionQuery{RunID: "run-1", Product: "lanthipeptide"}, want: []string{}},
		{name: "overlap", q: RegionQuery{RunID: "run-1", Overlaps: &region.Span{Start: 850, End: 2100}}, want: []string{"contig_1/1", "contig_1/2", "plasmid_1/1"}},
		{name: "touching is not overlap", q: RegionQuery{RunID: "run-1", RecordPattern: "contig_1", Overlaps: &region.Span{Start: 900, End: 2000}}, want: []string{}},
		{name: "limit", q: RegionQuery{RunID: "run-1", Limit: 2}, want: []string{"contig_1/1", "contig_1/2"}},
		{name: "other run", q: RegionQuery{RunID: "run-3"}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows, err := QueryRegions(ctx, db, tt.q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(rows))
		})
	}

	t.Run("decodes details", func(t *testing.T) {
		rows, err := QueryRegions(ctx, db, RegionQuery{RunID: "run-1", RecordPattern: "contig_1", Product: "T1PKS"})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, region.ProvenanceMerged, rows[0].Provenance)
		assert.Equal(t, []string{"T1PKS", "NRPS"}, rows[0].Products)
		assert.Equal(t, region.Span{Start: 2000, End: 3500}, rows[0].Span)
		require.Len(t, rows[0].Contributors, 2)
		assert.Equal(t, "NRPS", rows[0].Contributors[1].Product)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := QueryRegions(ctx, db, RegionQuery{})
		assert.Error(t, err)
		_, err = QueryRegions(ctx, db, RegionQuery{RunID: "run-1", RecordPattern: "contig_["})
		assert.Error(t, err)
	})
}

func TestProductCounts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, SaveReport(ctx, db, sampleReport("run-1"), RunMeta{}))

	counts, err := ProductCounts(ctx, db, "run-1")
	require.NoError(t, err)
	assert.Equal(t, []ProductCount{
		{Product: "NRPS", Regions: 2},
		{Product: "T1PKS", Regions: 1},
		{Product: "terpene", Regions: 1},
	}, counts)
}
