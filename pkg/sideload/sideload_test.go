package sideload

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gocluster/pkg/region"
	"github.com/3leaps/gocluster/pkg/schema"
)

const yamlDoc = `
tool:
  name: mytool
  version: "1.2"
  description: test tool
  configuration:
    mode: fast
records:
  - name: contig_1
    protoclusters:
      - core_start: 100
        core_end: 500
        product: NRPS
        neighbourhood_left: 10
        details:
          score: "0.9"
      - core_start: 600
        core_end: 700
        product: x
    subregions:
      - start: 20
        end: 80
        label: island
  - name: contig_2
    subregions:
      - start: 0
        end: 10
`

const jsonDoc = `{
  "tool": {"name": "other", "version": "0.1", "description": "", "configuration": {}},
  "records": [{"name": "contig_1", "protoclusters": [{"core_start": 5, "core_end": 9, "product": "terpene"}]}]
}`

func validator(t *testing.T) *schema.Validator {
	t.Helper()
	v, err := schema.Default()
	require.NoError(t, err)
	return v
}

func TestParse_YAML(t *testing.T) {
	doc, err := Parse([]byte(yamlDoc), "regions.yaml", validator(t))
	require.NoError(t, err)

	assert.Equal(t, "mytool", doc.Tool.Name)
	assert.Equal(t, "fast", doc.Tool.Configuration["mode"])
	require.Len(t, doc.Entries, 4)

	first := doc.Entries[0]
	assert.Equal(t, "contig_1", first.RecordID)
	assert.Equal(t, region.KindProtocluster, first.Kind)
	assert.Equal(t, "mytool", first.Tool)
	assert.Equal(t, "regions.yaml:contig_1/protoclusters/0", first.Location())

	assert.Equal(t, region.KindSubregion, doc.Entries[2].Kind)
	assert.Equal(t, "contig_2", doc.Entries[3].RecordID)
}

func TestParse_JSON(t *testing.T) {
	doc, err := Parse([]byte(jsonDoc), "regions.json", validator(t))
	require.NoError(t, err)
	require.Len(t, doc.Entries, 1)

	def, err := doc.Entries[0].Definition(validator(t))
	require.NoError(t, err)
	assert.Equal(t, region.Definition{
		CoreStart: 5, CoreEnd: 9, Product: "terpene",
		Source: region.SourceExternal, Kind: region.KindProtocluster, Tool: "other",
	}, def)
}

func TestParse_InvalidEnvelope(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: "  \n"},
		{name: "malformed json", data: `{"tool": `},
		{name: "missing tool", data: `{"records": []}`},
		{name: "undeclared field", data: strings.Replace(jsonDoc, `"records"`, `"extra": 1, "records"`, 1)},
		{name: "record without name", data: "tool: {name: a, version: b, description: c, configuration: {}}\nrecords:\n  - protoclusters: []\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), "doc.yaml", validator(t))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidDocument))
		})
	}

	t.Run("reports schema errors", func(t *testing.T) {
		_, err := Parse([]byte(`{"records": []}`), "doc.json", validator(t))
		var verrs schema.ValidationErrors
		require.True(t, errors.As(err, &verrs))
		assert.Contains(t, verrs.Fields(), "tool")
	})
}

func TestEntry_Definition(t *testing.T) {
	v := validator(t)
	doc, err := Parse([]byte(yamlDoc), "regions.yaml", v)
	require.NoError(t, err)

	t.Run("protocluster", func(t *testing.T) {
		def, err := doc.Entries[0].Definition(v)
		require.NoError(t, err)
		assert.Equal(t, 100, def.CoreStart)
		assert.Equal(t, 500, def.CoreEnd)
		assert.Equal(t, "NRPS", def.Product)
		assert.Equal(t, 10, def.NeighbourhoodLeft)
		assert.Equal(t, "0.9", def.Details["score"])
	})

	t.Run("product too short is rejected", func(t *testing.T) {
		_, err := doc.Entries[1].Definition(v)
		require.Error(t, err)
		assert.True(t, errors.Is(err, schema.ErrValidationFailed))
	})

	t.Run("subregion label becomes product", func(t *testing.T) {
		def, err := doc.Entries[2].Definition(v)
		require.NoError(t, err)
		assert.Equal(t, region.KindSubregion, def.Kind)
		assert.Equal(t, 20, def.CoreStart)
		assert.Equal(t, 80, def.CoreEnd)
		assert.Equal(t, "island", def.Product)
		assert.Zero(t, def.NeighbourhoodLeft)
	})

	t.Run("unlabelled subregion uses tool name", func(t *testing.T) {
		def, err := doc.Entries[3].Definition(v)
		require.NoError(t, err)
		assert.Equal(t, "mytool", def.Product)
	})

	t.Run("undeclared field", func(t *testing.T) {
		e := Entry{RecordID: "r", Kind: region.KindProtocluster, Raw: map[string]any{
			"core_start": 1, "core_end": 5, "product": "NRPS", "prodcut": "typo",
		}}
		_, err := e.Definition(v)
		var verrs schema.ValidationErrors
		require.True(t, errors.As(err, &verrs))
		assert.Equal(t, []string{"prodcut"}, verrs.Fields())
	})
}

func TestParseSimple(t *testing.T) {
	e, err := ParseSimple("contig_1:10-50")
	require.NoError(t, err)
	assert.Equal(t, "contig_1", e.RecordID)
	assert.Equal(t, region.KindSubregion, e.Kind)
	assert.Equal(t, ManualTool, e.Tool)
	assert.Equal(t, "sideload_simple:contig_1/subregions/0", e.Location())

	def, err := e.Definition(validator(t))
	require.NoError(t, err)
	assert.Equal(t, 10, def.CoreStart)
	assert.Equal(t, 50, def.CoreEnd)
	assert.Equal(t, ManualTool, def.Product)

	for _, bad := range []string{"", "contig", ":1-5", "a:b:1-5", "a:1", "a:1-5-50", "a:x-5", "a:5-5", "a:9-5"} {
		t.Run(bad, func(t *testing.T) {
			_, err := ParseSimple(bad)
			assert.True(t, errors.Is(err, ErrInvalidSimple))
		})
	}
}

type mapOpener map[string]string

func (m mapOpener) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	data, ok := m[uri]
	if !ok {
		return nil, errors.New("not found: " + uri)
	}
	return io.NopCloser(strings.NewReader(data)), nil
}

func TestLoad(t *testing.T) {
	opener := mapOpener{"a.yaml": yamlDoc, "b.json": jsonDoc}
	v := validator(t)

	entries, err := Load(context.Background(), opener, v, []string{"a.yaml", "b.json"}, "contig_9:1-4")
	require.NoError(t, err)

	require.Len(t, entries["contig_1"], 4)
	assert.Equal(t, "a.yaml", entries["contig_1"][0].Path)
	assert.Equal(t, "b.json", entries["contig_1"][3].Path, "later documents follow earlier ones")
	assert.Len(t, entries["contig_2"], 1)
	require.Len(t, entries["contig_9"], 1)
	assert.Equal(t, ManualTool, entries["contig_9"][0].Tool)

	t.Run("duplicate paths", func(t *testing.T) {
		_, err := Load(context.Background(), opener, v, []string{"a.yaml", "a.yaml"}, "")
		assert.True(t, errors.Is(err, ErrInvalidDocument))
	})

	t.Run("missing document", func(t *testing.T) {
		_, err := Load(context.Background(), opener, v, []string{"a.yaml", "missing.yaml"}, "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing.yaml")
	})

	t.Run("bad simple", func(t *testing.T) {
		_, err := Load(context.Background(), opener, v, nil, "nope")
		assert.True(t, errors.Is(err, ErrInvalidSimple))
	})
}
