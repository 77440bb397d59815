// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ServerSpec describes how to run one language server.
type ServerSpec struct {
	// ID names the server, e.g. "pyright". Unique within a registry.
	ID string `yaml:"-" json:"id"`

	// Command is the executable name or path.
	Command string `yaml:"command" json:"command" validate:"required"`

	// Args are command-line arguments to pass to the server.
	Args []string `yaml:"args" json:"args,omitempty"`

	// Env is appended to the environment of the server process.
	Env []string `yaml:"env" json:"env,omitempty"`

	// Languages are the document languages the server handles.
	Languages []string `yaml:"languages" json:"languages" validate:"required,min=1,dive,required"`

	// Priority orders servers that handle the same language. Higher wins.
	Priority int `yaml:"priority" json:"priority"`

	// Settings are sent with workspace/didChangeConfiguration and answer
	// workspace/configuration requests.
	Settings map[string]interface{} `yaml:"settings" json:"settings,omitempty"`

	// InitializationOptions are passed during initialize.
	InitializationOptions map[string]interface{} `yaml:"initialization_options" json:"initialization_options,omitempty"`
}

// Handles reports whether the server is configured for language.
func (s ServerSpec) Handles(language string) bool {
	for _, l := range s.Languages {
		if strings.EqualFold(l, language) {
			return true
		}
	}
	return false
}

// Setting returns the settings value at a dotted section path, or nil.
func (s ServerSpec) Setting(section string) interface{} {
	if section == "" {
		return s.Settings
	}
	var cur interface{} = s.Settings
	for _, key := range strings.Split(section, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// SpecRegistry holds the known language servers.
//
// Thread Safety: Safe for concurrent use.
type SpecRegistry struct {
	mu   sync.RWMutex
	byID map[string]ServerSpec
}

// NewSpecRegistry creates an empty registry.
func NewSpecRegistry() *SpecRegistry {
	return &SpecRegistry{byID: make(map[string]ServerSpec)}
}

// DefaultSpecs returns configurations for common notebook languages:
// Python (pyright, pylsp), R (languageserver), shell, JavaScript, HTML,
// Markdown and LaTeX.
func DefaultSpecs() []ServerSpec {
	return []ServerSpec{
		{ID: "pyright", Command: "pyright-langserver", Args: []string{"--stdio"}, Languages: []string{"python"}, Priority: 50},
		{ID: "pylsp", Command: "pylsp", Languages: []string{"python"}, Priority: 40},
		{ID: "r-languageserver", Command: "R", Args: []string{"--slave", "-e", "languageserver::run()"}, Languages: []string{"r"}, Priority: 50},
		{ID: "bash-language-server", Command: "bash-language-server", Args: []string{"start"}, Languages: []string{"shell"}, Priority: 50},
		{ID: "typescript-language-server", Command: "typescript-language-server", Args: []string{"--stdio"}, Languages: []string{"javascript", "typescript"}, Priority: 50},
		{ID: "vscode-html-language-server", Command: "vscode-html-language-server", Args: []string{"--stdio"}, Languages: []string{"html"}, Priority: 50},
		{ID: "marksman", Command: "marksman", Args: []string{"server"}, Languages: []string{"markdown"}, Priority: 50},
		{ID: "texlab", Command: "texlab", Languages: []string{"latex"}, Priority: 50},
	}
}

// NewDefaultSpecRegistry creates a registry holding DefaultSpecs.
func NewDefaultSpecRegistry() *SpecRegistry {
	r := NewSpecRegistry()
	for _, s := range DefaultSpecs() {
		_ = r.Register(s)
	}
	return r
}

// Register adds or replaces a server spec.
//
// Outputs:
//
//	error - ErrInvalidSpec if the id, command or languages are missing
func (r *SpecRegistry) Register(spec ServerSpec) error {
	if spec.ID == "" || spec.Command == "" || len(spec.Languages) == 0 {
		return fmt.Errorf("%w: %q needs id, command and languages", ErrInvalidSpec, spec.ID)
	}
	langs := make([]string, len(spec.Languages))
	for i, l := range spec.Languages {
		langs[i] = strings.ToLower(l)
	}
	spec.Languages = langs

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[spec.ID] = spec
	return nil
}

// Get returns the spec with the given id.
func (r *SpecRegistry) Get(id string) (ServerSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// ForLanguage returns the highest priority server for language. Ties are
// broken by id so the choice is stable.
func (r *SpecRegistry) ForLanguage(language string) (ServerSpec, bool) {
	candidates := r.Candidates(language)
	if len(candidates) == 0 {
		return ServerSpec{}, false
	}
	return candidates[0], true
}

// Candidates returns every server for language, best first.
func (r *SpecRegistry) Candidates(language string) []ServerSpec {
	r.mu.RLock()
	var out []ServerSpec
	for _, s := range r.byID {
		if s.Handles(language) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Specs returns all specs sorted by id.
func (r *SpecRegistry) Specs() []ServerSpec {
	r.mu.RLock()
	out := make([]ServerSpec, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
