// Package runconfig defines the immutable configuration of a gocluster run.
//
// A Config is built once from raw options (see internal/config for the
// file/env/flag layering) and handed by value to every component that needs
// it. Workers never observe the creator's configuration by reference: each
// receives its own Snapshot at pool creation.
//
// Values are restricted to strings, bools, int64s, float64s, durations and
// string lists, so a Config holds no process-local resources and can always
// be copied or serialised (MarshalJSON / FromJSON).
package runconfig

import (
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
)

// Config is an immutable run configuration.
//
// The zero value is not usable; construct with Build or FromJSON.
type Config struct {
	values map[string]any
}

// Build validates raw options and returns an immutable configuration.
//
// Options may be flat ("genefinding.tool") or nested
// ({"genefinding": {"tool": ...}}). Defaults are applied for absent keys.
// Every problem found is reported in a single *ConfigError.
func Build(options map[string]any) (*Config, error) {
	flat := make(map[string]any)
	flatten("", options, flat)

	var problems []Problem
	values := make(map[string]any, len(descriptors))

	for _, opt := range descriptors {
		raw, ok := flat[opt.Key]
		if !ok || raw == nil {
			if opt.Required {
				problems = append(problems, Problem{Option: opt.Key, Message: "required option is missing"})
				continue
			}
			if opt.Default != nil {
				values[opt.Key] = copyValue(opt.Default)
			}
			continue
		}

		v, err := coerce(opt, raw)
		if err != nil {
			problems = append(problems, Problem{Option: opt.Key, Message: err.Error()})
			continue
		}
		if opt.Required && isEmpty(v) {
			problems = append(problems, Problem{Option: opt.Key, Message: "required option is empty"})
			continue
		}
		problems = append(problems, checkBounds(opt, v)...)
		values[opt.Key] = v
	}

	unknown := make([]string, 0)
	for key := range flat {
		if _, ok := lookup(key); !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		problems = append(problems, Problem{Option: key, Message: "unknown option"})
	}

	if len(problems) == 0 {
		problems = checkCombinations(values)
	}
	if len(problems) > 0 {
		return nil, &ConfigError{Problems: problems}
	}

	return &Config{values: values}, nil
}

// FromJSON rebuilds a configuration from its MarshalJSON form.
func FromJSON(data []byte) (*Config, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrConfig, err)
	}
	return Build(raw)
}

// MarshalJSON encodes the configuration as a flat JSON object.
// Durations are encoded as Go duration strings.
func (c *Config) MarshalJSON() ([]byte, error) {
	return c.encode(false)
}

// RedactedJSON is MarshalJSON without secret options. Use it wherever the
// configuration is recorded rather than transmitted.
func (c *Config) RedactedJSON() ([]byte, error) {
	return c.encode(true)
}

func (c *Config) encode(redact bool) ([]byte, error) {
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		if redact {
			if opt, ok := lookup(k); ok && opt.Secret {
				continue
			}
		}
		if d, ok := v.(time.Duration); ok {
			out[k] = d.String()
			continue
		}
		out[k] = v
	}
	return json.Marshal(out)
}

// Snapshot returns a value-equal copy that shares no storage with c.
func (c *Config) Snapshot() *Config {
	values := make(map[string]any, len(c.values))
	for k, v := range c.values {
		values[k] = copyValue(v)
	}
	return &Config{values: values}
}

// With returns a new configuration with key set to value. c is unchanged.
func (c *Config) With(key string, value any) (*Config, error) {
	raw := make(map[string]any, len(c.values)+1)
	for k, v := range c.values {
		raw[k] = copyValue(v)
	}
	raw[key] = value
	return Build(raw)
}

// Equal reports whether both configurations hold the same option values.
func (c *Config) Equal(other *Config) bool {
	if c == nil || other == nil {
		return c == other
	}
	return reflect.DeepEqual(c.values, other.values)
}

// Has reports whether the option has a value (explicit or default).
func (c *Config) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Keys returns the set option keys in sorted order.
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String returns a string option, or "" when unset.
func (c *Config) String(key string) string {
	s, _ := c.values[key].(string)
	return s
}

// Bool returns a bool option, or false when unset.
func (c *Config) Bool(key string) bool {
	b, _ := c.values[key].(bool)
	return b
}

// Int returns an int option, or 0 when unset.
func (c *Config) Int(key string) int {
	n, _ := c.values[key].(int64)
	return int(n)
}

// Float returns a float option, or 0 when unset.
func (c *Config) Float(key string) float64 {
	f, _ := c.values[key].(float64)
	return f
}

// Duration returns a duration option, or 0 when unset.
func (c *Config) Duration(key string) time.Duration {
	d, _ := c.values[key].(time.Duration)
	return d
}

// Strings returns a copy of a string list option.
func (c *Config) Strings(key string) []string {
	s, _ := c.values[key].([]string)
	return slices.Clone(s)
}

// WorkerCount resolves the workers option; 0 means one worker per CPU.
func (c *Config) WorkerCount() int {
	if n := c.Int(KeyWorkers); n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// QueueCapacity resolves the queue_size option; 0 means twice the worker count.
func (c *Config) QueueCapacity() int {
	if n := c.Int(KeyQueueSize); n > 0 {
		return n
	}
	return 2 * c.WorkerCount()
}

// Decode copies the configuration into a typed struct using mapstructure tags.
func (c *Config) Decode(out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	if err := decoder.Decode(unflatten(c.Snapshot().values)); err != nil {
		return fmt.Errorf("decode run configuration: %w", err)
	}
	return nil
}

// Options decodes the configuration into the Options struct.
func (c *Config) Options() (Options, error) {
	var opts Options
	err := c.Decode(&opts)
	return opts, err
}

func coerce(opt Option, raw any) (any, error) {
	switch opt.Kind {
	case KindString:
		s, err := cast.ToStringE(raw)
		if err != nil {
			return nil, fmt.Errorf("expected %s: %v", opt.Kind, err)
		}
		s = strings.TrimSpace(s)
		if len(opt.Enum) > 0 && s != "" && !slices.Contains(opt.Enum, s) {
			return nil, fmt.Errorf("must be one of %s, got %q", strings.Join(opt.Enum, "|"), s)
		}
		return s, nil
	case KindBool:
		b, err := cast.ToBoolE(raw)
		if err != nil {
			return nil, fmt.Errorf("expected %s: %v", opt.Kind, err)
		}
		return b, nil
	case KindInt:
		n, err := cast.ToInt64E(raw)
		if err != nil {
			return nil, fmt.Errorf("expected %s: %v", opt.Kind, err)
		}
		return n, nil
	case KindFloat:
		f, err := cast.ToFloat64E(raw)
		if err != nil {
			return nil, fmt.Errorf("expected %s: %v", opt.Kind, err)
		}
		return f, nil
	case KindDuration:
		d, err := cast.ToDurationE(raw)
		if err != nil {
			return nil, fmt.Errorf("expected %s: %v", opt.Kind, err)
		}
		return d, nil
	case KindStrings:
		if s, ok := raw.(string); ok {
			return splitList(s), nil
		}
		list, err := cast.ToStringSliceE(raw)
		if err != nil {
			return nil, fmt.Errorf("expected %s: %v", opt.Kind, err)
		}
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, splitList(item)...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported option kind %d", opt.Kind)
	}
}

func checkBounds(opt Option, v any) []Problem {
	if !opt.HasMin {
		return nil
	}
	var n float64
	switch x := v.(type) {
	case int64:
		n = float64(x)
	case float64:
		n = x
	case time.Duration:
		n = float64(x)
	default:
		return nil
	}
	if n < opt.Min {
		return []Problem{{Option: opt.Key, Message: fmt.Sprintf("must be >= %v", opt.Min)}}
	}
	return nil
}

func checkCombinations(values map[string]any) []Problem {
	str := func(key string) string {
		s, _ := values[key].(string)
		return s
	}

	var problems []Problem
	tool := str(KeyGeneFindingTool)
	taxon := str(KeyTaxon)

	if str(KeyGeneFindingGFF3) != "" && tool != ToolNone {
		problems = append(problems, Problem{
			Option:  KeyGeneFindingGFF3,
			Message: fmt.Sprintf("cannot be combined with %s=%s", KeyGeneFindingTool, tool),
		})
	}
	if tool == ToolGlimmerHMM && taxon != TaxonFungi {
		problems = append(problems, Problem{
			Option:  KeyGeneFindingTool,
			Message: fmt.Sprintf("%s requires %s=%s", ToolGlimmerHMM, KeyTaxon, TaxonFungi),
		})
	}
	if tool == ToolProdigal && taxon != TaxonBacteria {
		problems = append(problems, Problem{
			Option:  KeyGeneFindingTool,
			Message: fmt.Sprintf("%s requires %s=%s", ToolProdigal, KeyTaxon, TaxonBacteria),
		})
	}
	if tool == ToolExternal && str(KeyGeneFindingExec) == "" {
		problems = append(problems, Problem{
			Option:  KeyGeneFindingExec,
			Message: fmt.Sprintf("required when %s=%s", KeyGeneFindingTool, ToolExternal),
		})
	}
	if sideload, _ := values[KeySideload].([]string); len(sideload) > 0 {
		seen := make(map[string]struct{}, len(sideload))
		for _, path := range sideload {
			if _, dup := seen[path]; dup {
				problems = append(problems, Problem{Option: KeySideload, Message: "sideloaded filenames contain duplicates: " + path})
				break
			}
			seen[path] = struct{}{}
		}
	}
	if simple := str(KeySideloadSimple); simple != "" && !isSimpleSideload(simple) {
		problems = append(problems, Problem{
			Option:  KeySideloadSimple,
			Message: "invalid format, expected ACCESSION:START-END",
		})
	}
	return problems
}

// isSimpleSideload performs a shape check only; sideload.ParseSimple
// enforces the coordinate rules.
func isSimpleSideload(s string) bool {
	acc, span, ok := strings.Cut(s, ":")
	if !ok || acc == "" || strings.Contains(span, ":") {
		return false
	}
	start, end, ok := strings.Cut(span, "-")
	return ok && start != "" && end != ""
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch nested := v.(type) {
		case map[string]any:
			flatten(key, nested, out)
		case map[any]any:
			converted := make(map[string]any, len(nested))
			for nk, nv := range nested {
				converted[fmt.Sprint(nk)] = nv
			}
			flatten(key, converted, out)
		default:
			out[strings.ToLower(key)] = v
		}
	}
}

func unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		cur := out
		for _, part := range parts[:len(parts)-1] {
			next, ok := cur[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[part] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = v
	}
	return out
}

func copyValue(v any) any {
	if s, ok := v.([]string); ok {
		return slices.Clone(s)
	}
	return v
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case string:
		return x == ""
	case []string:
		return len(x) == 0
	default:
		return false
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
