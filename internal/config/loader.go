// Package config layers the run configuration sources for the CLI.
//
// Precedence, lowest first: option defaults, config file, GOCLUSTER_*
// environment variables, runtime overrides (command-line flags). The merged
// settings are validated by runconfig.Build.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/viper"

	"github.com/3leaps/gocluster/pkg/runconfig"
)

// AppName names the config and data directories.
const AppName = "gocluster"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "GOCLUSTER"

// ConfigFileEnv names a config file when --config is not given.
const ConfigFileEnv = EnvPrefix + "_CONFIG"

// Sources are the inputs to Load.
type Sources struct {
	// File is a YAML or JSON config file. Optional.
	File string

	// Overrides take precedence over everything else. Keys are dotted
	// option names.
	Overrides map[string]any
}

// EnvSpec maps an environment variable to an option key.
type EnvSpec struct {
	Name string
	Path string
}

// EnvName returns the environment variable for an option key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// EnvSpecs lists the environment variable for every option.
func EnvSpecs() []EnvSpec {
	descs := runconfig.Descriptors()
	specs := make([]EnvSpec, 0, len(descs))
	for _, d := range descs {
		specs = append(specs, EnvSpec{Name: EnvName(d.Key), Path: d.Key})
	}
	return specs
}

// Settings merges the sources into a flat option map without validating it.
func Settings(ctx context.Context, src Sources) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, spec := range EnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	file := strings.TrimSpace(src.File)
	if file == "" {
		file = strings.TrimSpace(os.Getenv(ConfigFileEnv))
	}
	if file != "" {
		v.SetConfigFile(file)
		if ext := strings.TrimPrefix(filepath.Ext(file), "."); ext == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read config file %s: %v", runconfig.ErrConfig, file, err)
		}
	}

	for key, value := range src.Overrides {
		v.Set(key, value)
	}

	out := make(map[string]any)
	for _, key := range v.AllKeys() {
		if value := v.Get(key); value != nil {
			out[key] = value
		}
	}
	return out, nil
}

// Load merges the sources and builds the run configuration.
func Load(ctx context.Context, src Sources) (*runconfig.Config, error) {
	settings, err := Settings(ctx, src)
	if err != nil {
		return nil, err
	}
	return runconfig.Build(settings)
}

// DefaultStorePath is the result store used when none is configured.
func DefaultStorePath() string {
	return filepath.Join(gfconfig.GetAppDataDir(AppName), "results.db")
}
