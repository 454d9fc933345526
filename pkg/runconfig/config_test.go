package runconfig

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalOptions() map[string]any {
	return map[string]any{"input": "genome.fasta"}
}

func TestBuild(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := Build(minimalOptions())
		require.NoError(t, err)

		assert.Equal(t, "genome.fasta", cfg.String(KeyInput))
		assert.Equal(t, "stdout", cfg.String(KeyOutputDestination))
		assert.Equal(t, 0, cfg.Int(KeyWorkers))
		assert.Equal(t, 1000, cfg.Int(KeyMinLength))
		assert.Equal(t, 10*time.Second, cfg.Duration(KeyShutdownGrace))
		assert.Equal(t, TaxonBacteria, cfg.String(KeyTaxon))
		assert.Equal(t, ToolNone, cfg.String(KeyGeneFindingTool))
		assert.False(t, cfg.Has(KeyGeneFindingExec))
	})

	t.Run("NestedOptions", func(t *testing.T) {
		cfg, err := Build(map[string]any{
			"input":       "genome.fasta",
			"taxon":       "fungi",
			"genefinding": map[string]any{"tool": "glimmerhmm", "args": []any{"-g", "-v"}},
			"workers":     "8",
		})
		require.NoError(t, err)

		assert.Equal(t, ToolGlimmerHMM, cfg.String(KeyGeneFindingTool))
		assert.Equal(t, []string{"-g", "-v"}, cfg.Strings(KeyGeneFindingArgs))
		assert.Equal(t, 8, cfg.Int(KeyWorkers))
	})

	t.Run("CommaSeparatedList", func(t *testing.T) {
		cfg, err := Build(map[string]any{"input": "x.fa", "sideload": "a.json, b.json"})
		require.NoError(t, err)
		assert.Equal(t, []string{"a.json", "b.json"}, cfg.Strings(KeySideload))
	})

	t.Run("MissingRequired", func(t *testing.T) {
		_, err := Build(map[string]any{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConfig))

		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.True(t, cfgErr.Has(KeyInput))
	})

	t.Run("CollectsEveryProblem", func(t *testing.T) {
		_, err := Build(map[string]any{
			"input":    "x.fa",
			"taxon":    "archaea",
			"workers":  -2,
			"unknown1": true,
		})
		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.True(t, cfgErr.Has(KeyTaxon))
		assert.True(t, cfgErr.Has(KeyWorkers))
		assert.True(t, cfgErr.Has("unknown1"))
		assert.Len(t, cfgErr.Problems, 3)
	})

	t.Run("TypeMismatch", func(t *testing.T) {
		_, err := Build(map[string]any{"input": "x.fa", "task_timeout": "soon"})
		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.True(t, cfgErr.Has(KeyTaskTimeout))
	})
}

func TestBuildConflicts(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]any
		option  string
	}{
		{
			name:    "gff3 with gene finding tool",
			options: map[string]any{"input": "x.fa", "genefinding.gff3": "genes.gff", "genefinding.tool": "prodigal"},
			option:  KeyGeneFindingGFF3,
		},
		{
			name:    "glimmerhmm needs fungi",
			options: map[string]any{"input": "x.fa", "genefinding.tool": "glimmerhmm"},
			option:  KeyGeneFindingTool,
		},
		{
			name:    "prodigal needs bacteria",
			options: map[string]any{"input": "x.fa", "genefinding.tool": "prodigal", "taxon": "fungi"},
			option:  KeyGeneFindingTool,
		},
		{
			name:    "external tool needs executable",
			options: map[string]any{"input": "x.fa", "genefinding.tool": "external"},
			option:  KeyGeneFindingExec,
		},
		{
			name:    "duplicate sideload files",
			options: map[string]any{"input": "x.fa", "sideload": []string{"a.json", "a.json"}},
			option:  KeySideload,
		},
		{
			name:    "malformed simple sideload",
			options: map[string]any{"input": "x.fa", "sideload_simple": "a:1-5-50"},
			option:  KeySideloadSimple,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build(tt.options)
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.True(t, cfgErr.Has(tt.option), "problems: %v", cfgErr.Problems)
		})
	}
}

func TestSnapshot(t *testing.T) {
	cfg, err := Build(map[string]any{
		"input":    "x.fa",
		"sideload": []string{"a.json", "b.json"},
		"workers":  3,
	})
	require.NoError(t, err)

	snap := cfg.Snapshot()
	assert.True(t, cfg.Equal(snap))
	assert.Equal(t, cfg.Strings(KeySideload), snap.Strings(KeySideload))

	// Returned slices are copies; mutating them affects neither instance.
	list := snap.Strings(KeySideload)
	list[0] = "mutated.json"
	assert.Equal(t, "a.json", snap.Strings(KeySideload)[0])
	assert.Equal(t, "a.json", cfg.Strings(KeySideload)[0])

	// Deriving from the snapshot leaves the source untouched.
	derived, err := snap.With(KeyWorkers, 7)
	require.NoError(t, err)
	assert.Equal(t, 7, derived.Int(KeyWorkers))
	assert.Equal(t, 3, snap.Int(KeyWorkers))
	assert.Equal(t, 3, cfg.Int(KeyWorkers))
	assert.False(t, derived.Equal(cfg))
}

func TestJSONRoundTrip(t *testing.T) {
	cfg, err := Build(map[string]any{
		"input":        "x.fa",
		"task_timeout": "90s",
		"rate_limit":   2.5,
		"sideload":     []string{"a.json"},
		"minlength":    500,
	})
	require.NoError(t, err)

	data, err := cfg.MarshalJSON()
	require.NoError(t, err)

	restored, err := FromJSON(data)
	require.NoError(t, err)
	assert.True(t, cfg.Equal(restored))
	assert.Equal(t, 90*time.Second, restored.Duration(KeyTaskTimeout))
}

func TestRedactedJSON(t *testing.T) {
	cfg, err := Build(map[string]any{
		"input":            "x.fa",
		"store.url":        "libsql://db.example",
		"store.auth_token": "SECRET-TOKEN",
	})
	require.NoError(t, err)

	full, err := cfg.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(full), "SECRET-TOKEN")

	data, err := cfg.RedactedJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "SECRET-TOKEN")
	assert.NotContains(t, string(data), KeyStoreAuthToken)

	restored, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, "libsql://db.example", restored.String(KeyStoreURL))
	assert.False(t, restored.Has(KeyStoreAuthToken))
}

func TestWithRevalidates(t *testing.T) {
	cfg, err := Build(minimalOptions())
	require.NoError(t, err)

	_, err = cfg.With(KeyTaxon, "archaea")
	assert.True(t, errors.Is(err, ErrConfig))
	assert.Equal(t, TaxonBacteria, cfg.String(KeyTaxon))
}

func TestDecodeOptions(t *testing.T) {
	cfg, err := Build(map[string]any{
		"input":                  "x.fa",
		"workers":                4,
		"task_timeout":           "2m",
		"genefinding.tool":       "external",
		"genefinding.executable": "/usr/bin/caller",
		"store":                  map[string]any{"path": "/tmp/results.db"},
	})
	require.NoError(t, err)

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, "x.fa", opts.Input)
	assert.Equal(t, 4, opts.Workers)
	assert.Equal(t, 2*time.Minute, opts.TaskTimeout)
	assert.Equal(t, ToolExternal, opts.GeneFinding.Tool)
	assert.Equal(t, "/usr/bin/caller", opts.GeneFinding.Executable)
	assert.Equal(t, "/tmp/results.db", opts.Store.Path)
	assert.Equal(t, "stdout", opts.Output.Destination)
}

func TestWorkerCountAndQueue(t *testing.T) {
	cfg, err := Build(map[string]any{"input": "x.fa", "workers": 3})
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.WorkerCount())
	assert.Equal(t, 6, cfg.QueueCapacity())

	cfg, err = Build(minimalOptions())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cfg.WorkerCount(), 1)
}
