// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateCellID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"short", "a", false},
		{"uuid prefix", "3f2a9c1e", false},
		{"with hyphen and underscore", "load-data_2", false},
		{"max length", strings.Repeat("x", 64), false},

		// Invalid ids
		{"empty", "", true},
		{"too long", strings.Repeat("x", 65), true},
		{"slash", "a/b", true},
		{"traversal", "../etc", true},
		{"space", "a b", true},
		{"newline", "a\nb", true},
		{"unicode", "zellé", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCellID(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCellID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidInput) {
				t.Errorf("ValidateCellID(%q) error does not wrap ErrInvalidInput", tt.id)
			}
		})
	}
}

func TestValidateCellIDs(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		wantErr bool
	}{
		{"all valid", []string{"a", "b"}, false},
		{"empty ids allowed", []string{"", "a", ""}, false},
		{"one invalid", []string{"a", "b/c"}, true},
		{"empty slice", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCellIDs(tt.ids)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCellIDs(%v) error = %v, wantErr %v", tt.ids, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeLanguage(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"python", "python", false},
		{"  Python ", "python", false},
		{"c++", "c++", false},
		{"f#", "f#", false},
		{"", "", false},
		{"py thon", "", true},
		{"1python", "", true},
		{"python;rm", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := SanitizeLanguage(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SanitizeLanguage(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("SanitizeLanguage(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateNotebookPath(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		root    string
		path    string
		want    string
		wantErr bool
	}{
		{"relative inside root", root, "sub/nb.ipynb", filepath.Join(root, "sub", "nb.ipynb"), false},
		{"absolute inside root", root, filepath.Join(root, "nb.ipynb"), filepath.Join(root, "nb.ipynb"), false},
		{"cleaned inside root", root, "sub/../nb.ipynb", filepath.Join(root, "nb.ipynb"), false},
		{"upper case extension", root, "NB.IPYNB", filepath.Join(root, "NB.IPYNB"), false},

		// Invalid paths
		{"empty", root, "", "", true},
		{"wrong extension", root, "nb.py", "", true},
		{"nul byte", root, "nb\x00.ipynb", "", true},
		{"traversal", root, "../nb.ipynb", "", true},
		{"absolute outside root", root, "/etc/nb.ipynb", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateNotebookPath(tt.root, tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateNotebookPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ValidateNotebookPath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestValidateNotebookPath_NoRoot(t *testing.T) {
	got, err := ValidateNotebookPath("", "nb.ipynb")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("ValidateNotebookPath returned relative path %q", got)
	}
}
