// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the notebook LSP configuration.
//
// The embedded default.yaml is always loaded first. A file named by
// NOTEBOOK_LSP_CONFIG, or passed explicitly, is decoded over it, so a user
// file only needs the keys it changes.
//
// Thread Safety:
//
//	A loaded Config is read-only and safe for concurrent use.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/connection"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/extractor"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/overrides"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/virtualdoc"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// EnvConfigPath names the environment variable holding a config path.
	EnvConfigPath = "NOTEBOOK_LSP_CONFIG"

	// MaxYAMLFileSize is the maximum accepted configuration file size (1MB).
	MaxYAMLFileSize = 1024 * 1024
)

//go:embed default.yaml
var defaultYAML []byte

var (
	configLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notebook_config_loads_total",
		Help: "Configuration loads by source and result",
	}, []string{"source", "result"})

	configTracer = otel.Tracer("aleutian.notebook.config")

	validate = validator.New()
)

// =============================================================================
// Types
// =============================================================================

// Config is the notebook LSP configuration.
type Config struct {
	// Debounce is how long cell notifications are coalesced.
	Debounce time.Duration `yaml:"debounce" validate:"min=0"`

	// BlankLinesBetweenCells pads cells in virtual documents.
	BlankLinesBetweenCells int `yaml:"blank_lines_between_cells" validate:"min=0,max=10"`

	// MaxDepth bounds foreign document nesting.
	MaxDepth int `yaml:"max_depth" validate:"min=1,max=16"`

	// Extensions maps document language to file extension.
	Extensions map[string]string `yaml:"extensions" validate:"dive,keys,required,endkeys,required"`

	// LanguageServers are merged over the built-in server table.
	LanguageServers map[string]lsp.ServerSpec `yaml:"language_servers" validate:"dive"`

	// Reconnect throttles reconnection per language.
	Reconnect ReconnectConfig `yaml:"reconnect"`

	// Manager controls server lifecycles.
	Manager lsp.ManagerConfig `yaml:"manager"`

	// Overrides are extra template rules.
	Overrides []overrides.RuleSpec `yaml:"overrides" validate:"dive"`

	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server"`
}

// ReconnectConfig throttles reconnection attempts.
type ReconnectConfig struct {
	Interval time.Duration `yaml:"interval" validate:"min=0"`
	Burst    int           `yaml:"burst" validate:"min=1,max=100"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port  int  `yaml:"port" validate:"min=1,max=65535"`
	Debug bool `yaml:"debug"`
}

// =============================================================================
// Loading
// =============================================================================

// Default returns the embedded configuration.
func Default() *Config {
	cfg, err := parse(defaultYAML, nil)
	if err != nil {
		// The embedded file is covered by tests.
		panic(fmt.Sprintf("config: embedded default: %v", err))
	}
	return cfg
}

// Load returns the embedded defaults merged with the file at path.
//
// Description:
//
//	An empty path falls back to $NOTEBOOK_LSP_CONFIG. With neither, the
//	defaults are returned. The merged result is validated.
//
// Inputs:
//
//	ctx - Context for tracing
//	path - Configuration file, may be empty
//
// Outputs:
//
//	*Config - The configuration
//	error - Read, size, decode or validation failure
func Load(ctx context.Context, path string) (*Config, error) {
	_, span := configTracer.Start(ctx, "config.Load")
	defer span.End()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		configLoads.WithLabelValues("default", "ok").Inc()
		return Default(), nil
	}
	span.SetAttributes(attribute.String("config.path", path))

	f, err := os.Open(path)
	if err != nil {
		configLoads.WithLabelValues("file", "error").Inc()
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxYAMLFileSize+1))
	if err != nil {
		configLoads.WithLabelValues("file", "error").Inc()
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > MaxYAMLFileSize {
		configLoads.WithLabelValues("file", "error").Inc()
		return nil, fmt.Errorf("config %s exceeds %d bytes", path, MaxYAMLFileSize)
	}

	cfg, err := parse(defaultYAML, data)
	if err != nil {
		configLoads.WithLabelValues("file", "error").Inc()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	configLoads.WithLabelValues("file", "ok").Inc()
	return cfg, nil
}

// Parse decodes data over the embedded defaults.
func Parse(data []byte) (*Config, error) {
	return parse(defaultYAML, data)
}

func parse(base, overlay []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(base, &cfg); err != nil {
		return nil, fmt.Errorf("decode defaults: %w", err)
	}
	if len(overlay) > 0 {
		if err := yaml.Unmarshal(overlay, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	for id, spec := range cfg.LanguageServers {
		spec.ID = id
		cfg.LanguageServers[id] = spec
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and that every override rule compiles.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, spec := range c.Overrides {
		if _, err := spec.Compile(); err != nil {
			return fmt.Errorf("invalid config: override %s: %w", spec.Name, err)
		}
	}
	return nil
}

// =============================================================================
// Builders
// =============================================================================

// SpecRegistry returns the built-in servers with the configured servers
// registered over them.
func (c *Config) SpecRegistry() (*lsp.SpecRegistry, error) {
	r := lsp.NewDefaultSpecRegistry()
	ids := make([]string, 0, len(c.LanguageServers))
	for id := range c.LanguageServers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := r.Register(c.LanguageServers[id]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// OverrideRegistry returns the IPython rules for language followed by the
// configured rules.
func (c *Config) OverrideRegistry(language string) (*overrides.Registry, error) {
	r := overrides.NewRegistry()
	if strings.EqualFold(language, "python") {
		if err := overrides.RegisterIPython(r, "python"); err != nil {
			return nil, err
		}
	}
	for _, spec := range c.Overrides {
		rule, err := spec.Compile()
		if err != nil {
			return nil, err
		}
		if err := r.Register(spec.Language, rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Extractor returns the foreign code rules for a host language.
func (c *Config) Extractor(language string) (*extractor.Extractor, error) {
	e := extractor.New()
	if strings.EqualFold(language, "python") {
		if err := extractor.RegisterIPython(e, "python"); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Extension returns the file extension for a language, or the language
// itself when none is configured.
func (c *Config) Extension(language string) string {
	if ext, ok := c.Extensions[strings.ToLower(language)]; ok {
		return ext
	}
	return strings.ToLower(language)
}

// DocumentOptions returns root document options for a notebook.
func (c *Config) DocumentOptions(path, language string) (virtualdoc.Options, error) {
	ex, err := c.Extractor(language)
	if err != nil {
		return virtualdoc.Options{}, err
	}
	ov, err := c.OverrideRegistry(language)
	if err != nil {
		return virtualdoc.Options{}, err
	}
	return virtualdoc.Options{
		Language:               strings.ToLower(language),
		Path:                   path,
		FileExtension:          c.Extension(language),
		Extractor:              ex,
		Overrides:              ov,
		BlankLinesBetweenCells: c.BlankLinesBetweenCells,
		MaxDepth:               c.MaxDepth,
	}, nil
}

// ConnectionConfig returns the connection manager settings.
func (c *Config) ConnectionConfig() connection.Config {
	return connection.Config{
		ReconnectInterval: c.Reconnect.Interval,
		ReconnectBurst:    c.Reconnect.Burst,
		RequestTimeout:    c.Manager.RequestTimeout,
	}
}
