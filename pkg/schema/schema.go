// Package schema validates externally supplied region documents against the
// closed set of embedded JSON schemas.
//
// Validation is pure: documents are normalised through a JSON round trip
// before checking, so callers' values are never mutated, and every violated
// rule is reported, not only the first.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	schemasassets "github.com/3leaps/gocluster/internal/assets/schemas"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema identifiers.
const (
	Protocluster = "protocluster"
	Subregion    = "subregion"
	Details      = "details"
	Sideload     = "sideload"
)

var (
	// ErrValidationFailed indicates a document failed schema validation.
	ErrValidationFailed = errors.New("schema validation failed")

	// ErrUnknownSchema indicates the requested schema id is not in the set.
	ErrUnknownSchema = errors.New("unknown schema")

	// ErrSchemaNotFound indicates an embedded schema is missing or empty.
	ErrSchemaNotFound = errors.New("schema not found")
)

// Cached validator instance (compiled once from embedded schemas)
var (
	defaultOnce sync.Once
	defaultVal  *Validator
	defaultErr  error
)

// ValidationError is a single violated rule.
type ValidationError struct {
	// SchemaID is the schema the document was validated against.
	SchemaID string `json:"schema_id"`

	// Path is the JSON pointer to the offending value (e.g., "/core_end").
	Path string `json:"path"`

	// Field is the name of the offending field, when one can be determined.
	Field string `json:"field,omitempty"`

	// Keyword is the schema keyword that failed (e.g., "required").
	Keyword string `json:"keyword,omitempty"`

	// Message describes the violation.
	Message string `json:"message"`
}

// Error implements error interface.
func (e ValidationError) Error() string {
	path := e.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s: %s", path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ErrValidationFailed.Error()
	}
	if len(e) == 1 {
		return fmt.Sprintf("%s document invalid: %s", e[0].SchemaID, e[0].Error())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s document invalid with %d errors:\n", e[0].SchemaID, len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error type.
func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Fields returns the distinct offending field names in order of appearance.
func (e ValidationErrors) Fields() []string {
	seen := make(map[string]struct{}, len(e))
	var out []string
	for _, err := range e {
		if err.Field == "" {
			continue
		}
		if _, ok := seen[err.Field]; ok {
			continue
		}
		seen[err.Field] = struct{}{}
		out = append(out, err.Field)
	}
	return out
}

// Document is a value that passed validation.
type Document struct {
	// SchemaID is the schema the value conforms to.
	SchemaID string

	// Value is the normalised JSON value (maps, slices, strings, bools,
	// json.Number, nil).
	Value any
}

// Decode copies the validated value into out using JSON decoding.
func (d *Document) Decode(out any) error {
	data, err := json.Marshal(d.Value)
	if err != nil {
		return fmt.Errorf("encode %s document: %w", d.SchemaID, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s document: %w", d.SchemaID, err)
	}
	return nil
}

// Validator checks documents against the compiled schema set.
// It is safe for concurrent use.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded schema set.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	for name, data := range schemasassets.All() {
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: embedded %s is empty", ErrSchemaNotFound, name)
		}
		if err := compiler.AddResource(schemasassets.BaseURL+name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to load schema %s: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	for _, id := range []string{Protocluster, Subregion, Details, Sideload} {
		compiled, err := compiler.Compile(schemasassets.BaseURL + id + ".schema.json")
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s schema: %w", id, err)
		}
		v.schemas[id] = compiled
	}
	return v, nil
}

// Default returns a shared validator compiled on first use.
func Default() (*Validator, error) {
	defaultOnce.Do(func() {
		defaultVal, defaultErr = NewValidator()
	})
	return defaultVal, defaultErr
}

// IDs returns the known schema ids in sorted order.
func (v *Validator) IDs() []string {
	ids := make([]string, 0, len(v.schemas))
	for id := range v.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks document against the named schema.
//
// document may be any value that encodes to JSON (decoded maps, structs,
// yaml.v3 output). Returns ValidationErrors listing every violation.
func (v *Validator) Validate(document any, schemaID string) (*Document, error) {
	data, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document for validation: %w", err)
	}
	return v.ValidateJSON(data, schemaID)
}

// ValidateJSON checks raw JSON data against the named schema.
func (v *Validator) ValidateJSON(data []byte, schemaID string) (*Document, error) {
	compiled, ok := v.schemas[schemaID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchema, schemaID)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	if err := compiled.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			return nil, fmt.Errorf("schema validation error: %w", err)
		}
		return nil, collect(schemaID, ve)
	}

	return &Document{SchemaID: schemaID, Value: value}, nil
}

// collect flattens the jsonschema error tree into its leaves.
func collect(schemaID string, root *jsonschema.ValidationError) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]struct{})

	var walk func(ve *jsonschema.ValidationError)
	walk = func(ve *jsonschema.ValidationError) {
		if len(ve.Causes) > 0 {
			for _, c := range ve.Causes {
				walk(c)
			}
			return
		}
		key := ve.InstanceLocation + "\x00" + ve.Message
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}

		keyword := lastSegment(ve.KeywordLocation)
		for _, field := range fieldNames(keyword, ve.InstanceLocation, ve.Message) {
			errs = append(errs, ValidationError{
				SchemaID: schemaID,
				Path:     ve.InstanceLocation,
				Field:    field,
				Keyword:  keyword,
				Message:  ve.Message,
			})
		}
	}
	walk(root)

	sort.SliceStable(errs, func(i, j int) bool {
		if errs[i].Path != errs[j].Path {
			return errs[i].Path < errs[j].Path
		}
		if errs[i].Message != errs[j].Message {
			return errs[i].Message < errs[j].Message
		}
		return errs[i].Field < errs[j].Field
	})
	return errs
}

// fieldNames picks the fields a violation refers to. For required and
// additionalProperties they are named in the message; otherwise it is the
// last segment of the instance location.
func fieldNames(keyword, location, message string) []string {
	switch keyword {
	case "required", "additionalProperties":
		if names := quotedNames(message); len(names) > 0 {
			return names
		}
	}
	return []string{lastSegment(location)}
}

func quotedNames(message string) []string {
	var names []string
	for {
		start := strings.IndexByte(message, '\'')
		if start < 0 {
			return names
		}
		rest := message[start+1:]
		end := strings.IndexByte(rest, '\'')
		if end < 0 {
			return names
		}
		names = append(names, rest[:end])
		message = rest[end+1:]
	}
}

func lastSegment(pointer string) string {
	if i := strings.LastIndexByte(pointer, '/'); i >= 0 {
		return pointer[i+1:]
	}
	return pointer
}
