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
	"errors"
	"testing"
)

func TestSpecRegistry_ForLanguage(t *testing.T) {
	r := NewDefaultSpecRegistry()

	tests := []struct {
		language string
		want     string
		found    bool
	}{
		{"python", "pyright", true},
		{"Python", "pyright", true},
		{"r", "r-languageserver", true},
		{"shell", "bash-language-server", true},
		{"javascript", "typescript-language-server", true},
		{"cobol", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			got, ok := r.ForLanguage(tt.language)
			if ok != tt.found {
				t.Fatalf("ForLanguage(%q) found = %v, want %v", tt.language, ok, tt.found)
			}
			if got.ID != tt.want {
				t.Errorf("ForLanguage(%q) = %q, want %q", tt.language, got.ID, tt.want)
			}
		})
	}
}

func TestSpecRegistry_PriorityOverride(t *testing.T) {
	r := NewDefaultSpecRegistry()
	if err := r.Register(ServerSpec{ID: "pylsp", Command: "pylsp", Languages: []string{"PYTHON"}, Priority: 90}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, _ := r.ForLanguage("python")
	if got.ID != "pylsp" {
		t.Errorf("ForLanguage() = %q, want pylsp", got.ID)
	}
	c := r.Candidates("python")
	if len(c) != 2 || c[1].ID != "pyright" {
		t.Errorf("Candidates() = %+v", c)
	}
}

func TestSpecRegistry_TiesBrokenByID(t *testing.T) {
	r := NewSpecRegistry()
	_ = r.Register(ServerSpec{ID: "b", Command: "b", Languages: []string{"r"}})
	_ = r.Register(ServerSpec{ID: "a", Command: "a", Languages: []string{"r"}})

	got, _ := r.ForLanguage("r")
	if got.ID != "a" {
		t.Errorf("ForLanguage() = %q, want a", got.ID)
	}
}

func TestSpecRegistry_RegisterInvalid(t *testing.T) {
	r := NewSpecRegistry()
	for _, spec := range []ServerSpec{
		{Command: "x", Languages: []string{"r"}},
		{ID: "x", Languages: []string{"r"}},
		{ID: "x", Command: "x"},
	} {
		if err := r.Register(spec); !errors.Is(err, ErrInvalidSpec) {
			t.Errorf("Register(%+v) = %v, want ErrInvalidSpec", spec, err)
		}
	}
	if len(r.Specs()) != 0 {
		t.Error("invalid specs were registered")
	}
}

func TestServerSpec_Setting(t *testing.T) {
	spec := ServerSpec{Settings: map[string]interface{}{
		"python": map[string]interface{}{"analysis": map[string]interface{}{"mode": "strict"}},
	}}

	if got := spec.Setting("python.analysis.mode"); got != "strict" {
		t.Errorf("Setting() = %v, want strict", got)
	}
	if got := spec.Setting("python.missing"); got != nil {
		t.Errorf("Setting() = %v, want nil", got)
	}
	if got := spec.Setting("python.analysis.mode.deeper"); got != nil {
		t.Errorf("Setting() = %v, want nil", got)
	}
	if got := spec.Setting(""); got == nil {
		t.Error("Setting(\"\") should return all settings")
	}
}

func TestFileURI_RoundTrip(t *testing.T) {
	for _, p := range []string{"/work/a b/nb.ipynb.py", "/tmp/x.R"} {
		uri := FileURI(p)
		got, err := URIToPath(uri)
		if err != nil {
			t.Fatalf("URIToPath(%q) error = %v", uri, err)
		}
		if got != p {
			t.Errorf("round trip %q -> %q -> %q", p, uri, got)
		}
	}
	if _, err := URIToPath("http://x/y"); err == nil {
		t.Error("expected error for non-file scheme")
	}
}
