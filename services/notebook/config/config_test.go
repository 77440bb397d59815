// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/overrides"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 150*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 2, cfg.BlankLinesBetweenCells)
	assert.Equal(t, 4, cfg.MaxDepth)
	assert.Equal(t, "R", cfg.Extension("r"))
	assert.Equal(t, "py", cfg.Extension("Python"))
	assert.Equal(t, "scala", cfg.Extension("scala"))
	assert.Equal(t, 12230, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Manager.RequestTimeout)

	pyright, ok := cfg.LanguageServers["pyright"]
	require.True(t, ok)
	assert.Equal(t, "pyright", pyright.ID)
	assert.Equal(t, "basic", pyright.Setting("python.analysis.typeCheckingMode"))

	conn := cfg.ConnectionConfig()
	assert.Equal(t, 5*time.Second, conn.ReconnectInterval)
	assert.Equal(t, 1, conn.ReconnectBurst)
	assert.Equal(t, 10*time.Second, conn.RequestTimeout)
}

func TestParse_MergesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
debounce: 50ms
extensions:
  scala: sc
language_servers:
  jedi:
    command: jedi-language-server
    languages: [python]
    priority: 90
server:
  port: 9000
`))
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 2, cfg.BlankLinesBetweenCells, "unset keys keep defaults")
	assert.Equal(t, "sc", cfg.Extension("scala"))
	assert.Equal(t, "py", cfg.Extension("python"))
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Contains(t, cfg.LanguageServers, "pyright")

	specs, err := cfg.SpecRegistry()
	require.NoError(t, err)
	best, ok := specs.ForLanguage("python")
	require.True(t, ok)
	assert.Equal(t, "jedi", best.ID)
	_, ok = specs.Get("texlab")
	assert.True(t, ok, "built-in servers stay registered")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "debounce: [\n"},
		{"bad duration", "debounce: soon"},
		{"negative padding", "blank_lines_between_cells: -1"},
		{"zero depth", "max_depth: 0"},
		{"port range", "server: {port: 70000}"},
		{"server without command", "language_servers: {x: {languages: [python]}}"},
		{"server without languages", "language_servers: {x: {command: x}}"},
		{"bad scope", "overrides: [{name: x, language: python, scope: file, pattern: a}]"},
		{"bad pattern", "overrides: [{name: x, language: python, scope: line, pattern: '('}]"},
		{"empty extension", "extensions: {go: ''}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestOverrideRegistry(t *testing.T) {
	cfg, err := Parse([]byte(`
overrides:
  - name: shell-escape
    language: python
    scope: line
    pattern: '^!(.*)$'
    replacement: 'get_ipython().system("$1")'
    reverse_pattern: '^get_ipython\(\)\.system\("(.*)"\)$'
    reverse_replacement: '!$1'
`))
	require.NoError(t, err)

	py, err := cfg.OverrideRegistry("python")
	require.NoError(t, err)
	lines := py.Rules(overrides.ScopeLine, "python")
	require.NotEmpty(t, lines)
	assert.Equal(t, "shell-escape", lines[len(lines)-1].Name, "configured rules follow the IPython table")

	r, err := cfg.OverrideRegistry("r")
	require.NoError(t, err)
	assert.Empty(t, r.Rules(overrides.ScopeLine, "r"))
}

func TestDocumentOptions(t *testing.T) {
	cfg := Default()
	opts, err := cfg.DocumentOptions("/work/nb.ipynb", "Python")
	require.NoError(t, err)

	assert.Equal(t, "python", opts.Language)
	assert.Equal(t, "py", opts.FileExtension)
	assert.Equal(t, 2, opts.BlankLinesBetweenCells)
	assert.Equal(t, 4, opts.MaxDepth)
	require.NotNil(t, opts.Extractor)
	assert.True(t, opts.Extractor.HasForeignCode("%%R\nx <- 1", "python"))

	opts, err = cfg.DocumentOptions("/work/nb.ipynb", "r")
	require.NoError(t, err)
	assert.Equal(t, "R", opts.FileExtension)
	assert.False(t, opts.Extractor.HasForeignCode("%%R\nx <- 1", "r"))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notebook-lsp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_depth: 2\n"), 0o644))

	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxDepth)

	t.Setenv(EnvConfigPath, path)
	cfg, err = Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxDepth)

	t.Setenv(EnvConfigPath, "")
	cfg, err = Load(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MaxDepth)

	_, err = Load(context.Background(), filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	big := filepath.Join(dir, "big.yaml")
	require.NoError(t, os.WriteFile(big, []byte("# "+strings.Repeat("x", MaxYAMLFileSize)), 0o644))
	_, err = Load(context.Background(), big)
	assert.ErrorContains(t, err, "exceeds")
}
