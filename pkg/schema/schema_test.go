package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validator(t *testing.T) *Validator {
	t.Helper()
	v, err := Default()
	require.NoError(t, err)
	return v
}

func TestNewValidator(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)
	assert.Equal(t, []string{Details, Protocluster, Sideload, Subregion}, v.IDs())
}

func TestValidate_Protocluster(t *testing.T) {
	v := validator(t)

	t.Run("Valid", func(t *testing.T) {
		doc, err := v.Validate(map[string]any{
			"core_start":          10,
			"core_end":            20,
			"product":             "NRPS",
			"neighbourhood_left":  5,
			"neighbourhood_right": 0,
			"details":             map[string]any{"score": "12", "domains": []string{"A", "B"}},
		}, Protocluster)
		require.NoError(t, err)
		assert.Equal(t, Protocluster, doc.SchemaID)

		var out struct {
			CoreStart int    `json:"core_start"`
			Product   string `json:"product"`
		}
		require.NoError(t, doc.Decode(&out))
		assert.Equal(t, 10, out.CoreStart)
		assert.Equal(t, "NRPS", out.Product)
	})

	t.Run("MissingRequiredField", func(t *testing.T) {
		_, err := v.Validate(map[string]any{"core_start": 10, "core_end": 20}, Protocluster)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed))

		var verrs ValidationErrors
		require.True(t, errors.As(err, &verrs))
		assert.Contains(t, verrs.Fields(), "product")
		assert.Contains(t, err.Error(), "product")
	})

	t.Run("UndeclaredField", func(t *testing.T) {
		_, err := v.Validate(map[string]any{
			"core_start": 10,
			"core_end":   20,
			"product":    "NRPS",
			"prodcut":    "typo",
		}, Protocluster)
		var verrs ValidationErrors
		require.True(t, errors.As(err, &verrs))
		assert.Equal(t, []string{"prodcut"}, verrs.Fields())
		assert.Equal(t, "additionalProperties", verrs[0].Keyword)
		assert.Contains(t, err.Error(), "prodcut")
	})

	t.Run("ReportsEveryViolation", func(t *testing.T) {
		_, err := v.Validate(map[string]any{
			"core_start":         -1,
			"core_end":           0,
			"product":            "X",
			"neighbourhood_left": -4,
		}, Protocluster)
		var verrs ValidationErrors
		require.True(t, errors.As(err, &verrs))
		fields := verrs.Fields()
		assert.ElementsMatch(t, []string{"core_start", "core_end", "product", "neighbourhood_left"}, fields)
	})

	t.Run("ProductPattern", func(t *testing.T) {
		_, err := v.Validate(map[string]any{"core_start": 0, "core_end": 5, "product": "-bad name"}, Protocluster)
		var verrs ValidationErrors
		require.True(t, errors.As(err, &verrs))
		assert.Equal(t, "product", verrs[0].Field)
		assert.Equal(t, "pattern", verrs[0].Keyword)
	})

	t.Run("ProductTooLong", func(t *testing.T) {
		_, err := v.Validate(map[string]any{"core_start": 0, "core_end": 5, "product": "abcdefghijklmnopqrstuvwxyz"}, Protocluster)
		var verrs ValidationErrors
		require.True(t, errors.As(err, &verrs))
		assert.Equal(t, "maxLength", verrs[0].Keyword)
	})

	t.Run("NonIntegerCoordinate", func(t *testing.T) {
		_, err := v.ValidateJSON([]byte(`{"core_start": 1.5, "core_end": 20, "product": "NRPS"}`), Protocluster)
		var verrs ValidationErrors
		require.True(t, errors.As(err, &verrs))
		assert.Equal(t, "core_start", verrs[0].Field)
	})

	t.Run("NestedDetails", func(t *testing.T) {
		_, err := v.Validate(map[string]any{
			"core_start": 0,
			"core_end":   5,
			"product":    "NRPS",
			"details":    map[string]any{"score": 3},
		}, Protocluster)
		var verrs ValidationErrors
		require.True(t, errors.As(err, &verrs))
		for _, e := range verrs {
			assert.Equal(t, "/details/score", e.Path)
		}
	})
}

func TestValidate_DoesNotMutateInput(t *testing.T) {
	v := validator(t)

	input := map[string]any{
		"core_start": 10,
		"core_end":   20,
		"product":    "NRPS",
		"details":    map[string]any{"k": "v"},
	}
	before, err := json.Marshal(input)
	require.NoError(t, err)

	_, err = v.Validate(input, Protocluster)
	require.NoError(t, err)

	after, err := json.Marshal(input)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
	assert.Equal(t, 10, input["core_start"])
}

func TestValidate_Subregion(t *testing.T) {
	v := validator(t)

	_, err := v.Validate(map[string]any{"start": 5, "end": 50, "label": "candidate"}, Subregion)
	require.NoError(t, err)

	_, err = v.Validate(map[string]any{"start": 5}, Subregion)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, []string{"end"}, verrs.Fields())
}

func TestValidate_SubregionDetailsReference(t *testing.T) {
	v := validator(t)

	_, err := v.Validate(map[string]any{
		"start":   5,
		"end":     50,
		"details": map[string]any{"domains": []string{"PKS_KS"}},
	}, Subregion)
	require.NoError(t, err)

	_, err = v.Validate(map[string]any{
		"start":   5,
		"end":     50,
		"details": map[string]any{"domains": []int{1}},
	}, Subregion)
	require.True(t, errors.Is(err, ErrValidationFailed))
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	for _, e := range verrs {
		assert.Contains(t, e.Path, "/details/domains")
	}
}

func TestValidate_Sideload(t *testing.T) {
	v := validator(t)

	doc := `{
  "tool": {"name": "external", "version": "1.0", "description": "test", "configuration": {"mode": ["a", "b"]}},
  "records": [
    {"name": "rec1", "protoclusters": [{"core_start": 1, "core_end": 10, "product": "NRPS"}]},
    {"name": "rec2", "subregions": [{"start": 1, "end": 3}]}
  ]
}`
	_, err := v.ValidateJSON([]byte(doc), Sideload)
	require.NoError(t, err)

	_, err = v.ValidateJSON([]byte(`{"tool": {"name": "x"}, "records": [], "extra": 1}`), Sideload)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Contains(t, verrs.Fields(), "extra")
	assert.Contains(t, verrs.Fields(), "version")
}

func TestValidate_UnknownSchema(t *testing.T) {
	v := validator(t)

	_, err := v.Validate(map[string]any{}, "cluster")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownSchema))
	assert.False(t, errors.Is(err, ErrValidationFailed))
}

func TestValidationErrors_Error(t *testing.T) {
	single := ValidationErrors{{SchemaID: Protocluster, Path: "/core_end", Message: "must be >= 1 but found 0"}}
	assert.Equal(t, "protocluster document invalid: /core_end: must be >= 1 but found 0", single.Error())

	multi := ValidationErrors{
		{SchemaID: Protocluster, Path: "", Message: "missing properties: 'product'"},
		{SchemaID: Protocluster, Path: "/core_end", Message: "must be >= 1 but found 0"},
	}
	assert.Contains(t, multi.Error(), "2 errors")
	assert.Contains(t, multi.Error(), "/: missing properties: 'product'")
}
