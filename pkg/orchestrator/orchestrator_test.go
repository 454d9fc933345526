package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/3leaps/gocluster/pkg/analysis"
	"github.com/3leaps/gocluster/pkg/output"
	"github.com/3leaps/gocluster/pkg/record"
	"github.com/3leaps/gocluster/pkg/region"
	"github.com/3leaps/gocluster/pkg/runconfig"
	"github.com/3leaps/gocluster/pkg/schema"
	"github.com/3leaps/gocluster/pkg/sideload"
	"github.com/3leaps/gocluster/pkg/workerpool"
)

type analyzeFunc func(ctx context.Context, rec *record.Record, regions []region.Reconciled) (*analysis.Annotations, error)

func (f analyzeFunc) Analyze(ctx context.Context, rec *record.Record, regions []region.Reconciled) (*analysis.Annotations, error) {
	return f(ctx, rec, regions)
}

func testConfig(t require.TestingT, extra map[string]any) *runconfig.Config {
	opts := map[string]any{"input": "genome.fa", "shutdown_grace": "50ms"}
	for k, v := range extra {
		opts[k] = v
	}
	cfg, err := runconfig.Build(opts)
	require.NoError(t, err)
	return cfg
}

func validator(t require.TestingT) *schema.Validator {
	v, err := schema.Default()
	require.NoError(t, err)
	return v
}

func newPool(t require.TestingT, size int, cfg *runconfig.Config, f analyzeFunc) *workerpool.Pool {
	p, err := workerpool.New(size, cfg, func(*runconfig.Config) (workerpool.Analyzer, error) { return f, nil })
	require.NoError(t, err)
	return p
}

func shutdown(p *workerpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)
}

// deterministic classifies records by sequence content and passes the
// reconciled regions through.
func deterministic(_ context.Context, rec *record.Record, regions []region.Reconciled) (*analysis.Annotations, error) {
	seq := string(rec.Seq)
	switch {
	case strings.Contains(seq, "X"):
		panic("bad residue")
	case strings.Contains(seq, "N"):
		return nil, errors.New("ambiguous bases")
	case rec.Len() < 4:
		return &analysis.Annotations{Regions: regions, Skipped: "too short"}, nil
	}
	return &analysis.Annotations{
		Regions: regions,
		Notes:   map[string]string{"length": fmt.Sprint(rec.Len())},
	}, nil
}

// jittered sleeps a little so tasks complete out of order.
func jittered(ctx context.Context, rec *record.Record, regions []region.Reconciled) (*analysis.Annotations, error) {
	time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
	return deterministic(ctx, rec, regions)
}

func newRecord(id, seq string) *record.Record {
	return &record.Record{RecordID: id, Seq: []byte(seq)}
}

func protocluster(id string, index, start, end int, product string) sideload.Entry {
	raw := map[string]any{"core_start": start, "core_end": end}
	if product != "" {
		raw["product"] = product
	}
	return sideload.Entry{
		RecordID: id,
		Kind:     region.KindProtocluster,
		Tool:     "mytool",
		Path:     "regions.yaml",
		Index:    index,
		Raw:      raw,
	}
}

func TestNew_Errors(t *testing.T) {
	cfg := testConfig(t, nil)
	p := newPool(t, 1, cfg, deterministic)
	defer shutdown(p)

	_, err := New(nil, validator(t), cfg)
	assert.Error(t, err)

	_, err = New(p, nil, cfg)
	assert.Error(t, err)

	_, err = New(p, validator(t), testConfig(t, map[string]any{"limit_to_record": "contig_["}))
	assert.ErrorIs(t, err, runconfig.ErrConfig)

	o, err := New(p, validator(t), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, o.RunID())

	o, err = New(p, validator(t), cfg, WithRunID("run-1"))
	require.NoError(t, err)
	assert.Equal(t, "run-1", o.RunID())
}

func TestProcess_OrderAndFailures(t *testing.T) {
	cfg := testConfig(t, nil)
	p := newPool(t, 3, cfg, jittered)
	defer shutdown(p)

	o, err := New(p, validator(t), cfg, WithRunID("run-1"))
	require.NoError(t, err)

	records := []*record.Record{
		newRecord("a", "ACGTACGT"),
		newRecord("b", "ACGNNACG"),
		newRecord("c", "GGGGCCCC"),
		newRecord("d", "ACXT"),
		newRecord("e", "AC"),
		newRecord("f", "TTTTAAAA"),
	}

	rep, err := o.Process(context.Background(), records, nil)
	require.NoError(t, err)
	assert.Equal(t, "run-1", rep.RunID)

	require.Len(t, rep.Records, len(records))
	for i, r := range rep.Records {
		assert.Equal(t, records[i].ID(), r.ID(), "record %d out of order", i)
	}

	// failed records are returned unmodified
	assert.Same(t, records[1], rep.Records[1])
	assert.Same(t, records[3], rep.Records[3])

	// successful records are annotated copies
	assert.NotSame(t, records[0], rep.Records[0])
	assert.Equal(t, "8", rep.Records[0].Annotations["length"])
	assert.Nil(t, records[0].Annotations)

	require.Len(t, rep.Failures, 2)
	assert.Equal(t, 1, rep.Failures[0].Index)
	assert.Equal(t, workerpool.FailureAnalysis, rep.Failures[0].Kind)
	assert.Equal(t, "ambiguous bases", rep.Failures[0].Message)
	assert.Equal(t, 3, rep.Failures[1].Index)
	assert.Equal(t, workerpool.FailurePanic, rep.Failures[1].Kind)

	statuses := make([]string, len(rep.Outcomes))
	for i, oc := range rep.Outcomes {
		statuses[i] = oc.Status
	}
	assert.Equal(t, []string{StatusOK, StatusFailed, StatusOK, StatusFailed, StatusSkipped, StatusOK}, statuses)
	assert.Equal(t, "too short", rep.Outcomes[4].Reason)
	assert.Equal(t, []int{4}, rep.Skipped())

	assert.Equal(t, Summary{Records: 6, Succeeded: 3, Failed: 2, Skipped: 1}, Summary{
		Records:   rep.Summary.Records,
		Succeeded: rep.Summary.Succeeded,
		Failed:    rep.Summary.Failed,
		Skipped:   rep.Summary.Skipped,
	})
	assert.False(t, rep.Summary.Cancelled)
	assert.Positive(t, rep.Summary.TaskMax)
	assert.LessOrEqual(t, rep.Summary.TaskP50, rep.Summary.TaskMax)
}

func TestProcess_SideloadedRegions(t *testing.T) {
	cfg := testConfig(t, nil)
	p := newPool(t, 2, cfg, deterministic)
	defer shutdown(p)

	o, err := New(p, validator(t), cfg)
	require.NoError(t, err)

	rec := newRecord("rec1", strings.Repeat("ACGT", 25))
	rec.Features = []record.Feature{{
		Type: record.FeatureProtocluster, Source: "detector", Start: 22, End: 30,
		Qualifiers: map[string][]string{"product": {"T1PKS"}},
	}}
	other := newRecord("rec2", strings.Repeat("ACGT", 25))

	external := map[string][]sideload.Entry{
		"rec1": {
			protocluster("rec1", 0, 10, 20, "A1"),
			protocluster("rec1", 1, 15, 25, "B1"),
			protocluster("rec1", 2, 30, 40, ""),     // missing product
			protocluster("rec1", 3, 150, 160, "C1"), // beyond record end
		},
		"missing": {protocluster("missing", 0, 1, 5, "D1")},
	}

	rep, err := o.Process(context.Background(), []*record.Record{rec, other}, external)
	require.NoError(t, err)

	got := rep.Records[0]
	require.Len(t, got.Regions, 1)
	assert.Equal(t, region.Span{Start: 10, End: 30}, got.Regions[0].Span)
	assert.Equal(t, []string{"A1", "B1", "T1PKS"}, got.Regions[0].Products)
	assert.Equal(t, region.ProvenanceMerged, got.Regions[0].Provenance)
	assert.Empty(t, rec.Regions, "input record is not modified")
	assert.Empty(t, rep.Records[1].Regions)

	require.Len(t, rep.Rejections, 2)
	unknown, invalid := rep.Rejections[0], rep.Rejections[1]
	assert.Equal(t, -1, unknown.Index)
	assert.Equal(t, "missing", unknown.RecordID)
	assert.Contains(t, unknown.Message, "no input record")

	assert.Equal(t, 0, invalid.Index)
	assert.Equal(t, "regions.yaml:rec1/protoclusters/2", invalid.Location)
	assert.Equal(t, schema.Protocluster, invalid.SchemaID)
	assert.Contains(t, invalid.Errors.Fields(), "product")

	require.Len(t, rep.Warnings, 1)
	assert.Equal(t, "rec1", rep.Warnings[0].RecordID)
	assert.Equal(t, "C1", rep.Warnings[0].Definition.Product)

	assert.Equal(t, 1, rep.Summary.Regions)
	assert.Equal(t, 2, rep.Summary.Rejected)
	assert.Equal(t, 1, rep.Summary.Warnings)
	assert.Equal(t, 2, rep.Summary.Succeeded)
}

func TestProcess_AnalysisWarningsAreReported(t *testing.T) {
	cfg := testConfig(t, nil)
	warn := region.Warning{RecordID: "a", Reason: "detector protocluster 0 rejected"}
	p := newPool(t, 1, cfg, func(_ context.Context, _ *record.Record, regions []region.Reconciled) (*analysis.Annotations, error) {
		return &analysis.Annotations{Regions: regions, Warnings: []region.Warning{warn}}, nil
	})
	defer shutdown(p)

	o, err := New(p, validator(t), cfg)
	require.NoError(t, err)

	rep, err := o.Process(context.Background(), []*record.Record{newRecord("a", "ACGT")}, nil)
	require.NoError(t, err)
	assert.Equal(t, []region.Warning{warn}, rep.Warnings)
}

func TestProcess_LimitToRecord(t *testing.T) {
	cfg := testConfig(t, map[string]any{"limit_to_record": "keep_*"})
	var calls atomic.Int32
	p := newPool(t, 2, cfg, func(ctx context.Context, rec *record.Record, regions []region.Reconciled) (*analysis.Annotations, error) {
		calls.Add(1)
		return deterministic(ctx, rec, regions)
	})
	defer shutdown(p)

	o, err := New(p, validator(t), cfg)
	require.NoError(t, err)

	records := []*record.Record{newRecord("keep_1", "ACGTACGT"), newRecord("drop_1", "ACGTACGT"), newRecord("keep_2", "ACGTACGT")}
	rep, err := o.Process(context.Background(), records, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Same(t, records[1], rep.Records[1])
	assert.Equal(t, StatusSkipped, rep.Outcomes[1].Status)
	assert.Equal(t, "excluded by limit_to_record", rep.Outcomes[1].Reason)
	assert.Equal(t, -1, rep.Outcomes[1].Worker)
	assert.Equal(t, StatusOK, rep.Outcomes[2].Status)
}

func TestProcess_PoolClosed(t *testing.T) {
	cfg := testConfig(t, nil)
	p := newPool(t, 1, cfg, deterministic)
	shutdown(p)

	o, err := New(p, validator(t), cfg)
	require.NoError(t, err)

	records := []*record.Record{newRecord("a", "ACGT"), newRecord("b", "ACGT"), nil}
	rep, err := o.Process(context.Background(), records, nil)
	require.NoError(t, err)

	require.Len(t, rep.Failures, 3)
	for i, f := range rep.Failures {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, workerpool.FailureCancelled, f.Kind)
		assert.Contains(t, f.Message, "worker pool is closed")
	}
	assert.Same(t, records[0], rep.Records[0])
	assert.Nil(t, rep.Records[2])
}

func TestProcess_NilRecord(t *testing.T) {
	cfg := testConfig(t, nil)
	p := newPool(t, 1, cfg, deterministic)
	defer shutdown(p)

	o, err := New(p, validator(t), cfg)
	require.NoError(t, err)

	rep, err := o.Process(context.Background(), []*record.Record{nil, newRecord("a", "ACGT")}, nil)
	require.NoError(t, err)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, workerpool.FailureInvalidInput, rep.Failures[0].Kind)
	assert.Equal(t, StatusOK, rep.Outcomes[1].Status)
}

func TestProcess_Cancellation(t *testing.T) {
	cfg := testConfig(t, nil)
	started := make(chan struct{}, 8)
	p := newPool(t, 1, cfg, func(ctx context.Context, _ *record.Record, _ []region.Reconciled) (*analysis.Annotations, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	defer shutdown(p)

	o, err := New(p, validator(t), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	records := []*record.Record{newRecord("a", "ACGT"), newRecord("b", "ACGT"), newRecord("c", "ACGT")}

	done := make(chan struct{})
	var rep *Report
	go func() {
		defer close(done)
		rep, err = o.Process(ctx, records, nil)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Process did not return after cancellation")
	}

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, rep)
	require.Len(t, rep.Records, 3)
	require.Len(t, rep.Failures, 3)
	for i, f := range rep.Failures {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, workerpool.FailureCancelled, f.Kind)
		assert.Same(t, records[i], rep.Records[i])
	}
	assert.True(t, rep.Summary.Cancelled)
}

func TestProcess_WritesJSONL(t *testing.T) {
	cfg := testConfig(t, nil)
	p := newPool(t, 2, cfg, jittered)
	defer shutdown(p)

	var buf bytes.Buffer
	o, err := New(p, validator(t), cfg,
		WithRunID("run-7"),
		WithWriter(output.NewJSONLWriter(&buf, "run-7")),
		WithProgressEvery(2))
	require.NoError(t, err)

	records := []*record.Record{newRecord("a", "ACGT"), newRecord("b", "ANNA"), newRecord("c", "GGCC")}
	external := map[string][]sideload.Entry{"c": {protocluster("c", 0, 0, 2, "")}}
	_, err = o.Process(context.Background(), records, external)
	require.NoError(t, err)

	var (
		types []string
		ids   []string
	)
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var env output.Record
		require.NoError(t, json.Unmarshal([]byte(line), &env))
		assert.Equal(t, "run-7", env.RunID)
		types = append(types, env.Type)
		if env.Type == output.TypeRecord {
			var rr output.RecordResult
			require.NoError(t, json.Unmarshal(env.Data, &rr))
			ids = append(ids, rr.RecordID)
		}
	}

	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, []string{
		output.TypeProgress,
		output.TypeRecord,
		output.TypeFailure, output.TypeRecord,
		output.TypeProgress,
		output.TypeRejection, output.TypeRecord,
		output.TypeProgress,
		output.TypeSummary,
	}, types)
}

type brokenWriter struct {
	output.Writer
	err error
}

func (b brokenWriter) WriteRecord(context.Context, *output.RecordResult) error { return b.err }

func (b brokenWriter) WriteProgress(context.Context, *output.ProgressRecord) error { return nil }

func TestProcess_WriterFailureKeepsProcessing(t *testing.T) {
	cfg := testConfig(t, nil)
	p := newPool(t, 2, cfg, deterministic)
	defer shutdown(p)

	wantErr := errors.New("disk full")
	o, err := New(p, validator(t), cfg, WithWriter(brokenWriter{err: wantErr}))
	require.NoError(t, err)

	records := []*record.Record{newRecord("a", "ACGT"), newRecord("b", "ACGT")}
	rep, err := o.Process(context.Background(), records, nil)
	assert.ErrorIs(t, err, wantErr)
	require.NotNil(t, rep)
	assert.Equal(t, 2, rep.Summary.Succeeded)
}

// runAll processes records with a fresh pool of the given size.
func runAll(t require.TestingT, size int, records []*record.Record, external map[string][]sideload.Entry) *Report {
	cfg := testConfig(t, nil)
	p := newPool(t, size, cfg, jittered)
	defer shutdown(p)

	o, err := New(p, validator(t), cfg)
	require.NoError(t, err)
	rep, err := o.Process(context.Background(), records, external)
	require.NoError(t, err)
	return rep
}

type view struct {
	ID       string
	Status   string
	Reason   string
	Regions  []region.Reconciled
	Failures []string
}

func summarizeRun(rep *Report) []view {
	out := make([]view, len(rep.Records))
	for i, r := range rep.Records {
		out[i] = view{ID: r.ID(), Status: rep.Outcomes[i].Status, Reason: rep.Outcomes[i].Reason, Regions: r.Regions}
	}
	for _, f := range rep.Failures {
		out[f.Index].Failures = append(out[f.Index].Failures, string(f.Kind)+": "+f.Message)
	}
	return out
}

func TestProcess_PoolSizeEquivalence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "records")
		records := make([]*record.Record, n)
		external := make(map[string][]sideload.Entry)
		for i := range records {
			id := fmt.Sprintf("rec%d", i)
			seq := rapid.StringOfN(rapid.RuneFrom([]rune("ACGTN")), 2, 60, -1).Draw(t, "seq")
			records[i] = newRecord(id, seq)

			k := rapid.IntRange(0, 3).Draw(t, "entries")
			for j := range k {
				start := rapid.IntRange(0, 70).Draw(t, "start")
				end := start + rapid.IntRange(-1, 20).Draw(t, "span")
				product := rapid.SampledFrom([]string{"NRPS", "T1PKS", "x", ""}).Draw(t, "product")
				external[id] = append(external[id], protocluster(id, j, start, max(end, 0), product))
			}
		}

		size := rapid.IntRange(2, 6).Draw(t, "size")
		sequential := runAll(t, 1, records, external)
		parallel := runAll(t, size, records, external)

		require.Equal(t, summarizeRun(sequential), summarizeRun(parallel))
		require.Equal(t, len(sequential.Rejections), len(parallel.Rejections))
		require.Equal(t, len(sequential.Warnings), len(parallel.Warnings))
	})
}
