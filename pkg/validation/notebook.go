// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for security-sensitive operations.
//
// This package contains validators for user-provided inputs that reach the
// file system or a language server: notebook paths, cell ids and language
// names. Using these validators prevents path traversal outside the
// workspace and keeps ids usable in URLs and virtual document URIs.
package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrInvalidInput is wrapped by every validation failure.
var ErrInvalidInput = errors.New("invalid input")

// NotebookExtension is the only file extension accepted for notebooks.
const NotebookExtension = ".ipynb"

// cellIDPattern follows nbformat 4.5: 1-64 characters of letters, digits,
// hyphens and underscores.
var cellIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// languagePattern matches kernel language names such as "python", "r",
// "c++" or "f#".
var languagePattern = regexp.MustCompile(`^[a-z][a-z0-9+#._-]{0,31}$`)

// ValidateCellID validates an nbformat cell id.
//
// Example:
//
//	if err := validation.ValidateCellID(c.Param("cell")); err != nil {
//	    return err
//	}
func ValidateCellID(id string) error {
	if !cellIDPattern.MatchString(id) {
		return fmt.Errorf("%w: cell id %q (must be 1-64 letters, digits, '-' or '_')", ErrInvalidInput, id)
	}
	return nil
}

// ValidateCellIDs validates every non-empty id. Empty ids are allowed
// because they are generated on insertion.
// Returns an error listing all invalid ids if any fail validation.
func ValidateCellIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := ValidateCellID(id); err != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: cell ids %q", ErrInvalidInput, invalid)
	}
	return nil
}

// SanitizeLanguage normalizes and validates a language name. An empty
// name is returned unchanged so callers can apply their default.
func SanitizeLanguage(language string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(language))
	if normalized == "" {
		return "", nil
	}
	if !languagePattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: language %q", ErrInvalidInput, language)
	}
	return normalized, nil
}

// ValidateNotebookPath checks a notebook path and returns it cleaned and
// absolute.
//
// Description:
//
//	The path must be non-empty, free of NUL bytes and end in .ipynb. When
//	root is non-empty the path is resolved against root and must stay
//	inside it; relative paths are taken relative to root.
//
// Inputs:
//
//	root - Workspace root, or "" for no containment check
//	path - User-provided path
//
// Outputs:
//
//	string - Absolute, cleaned path
//	error - Wraps ErrInvalidInput
func ValidateNotebookPath(root, path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty notebook path", ErrInvalidInput)
	}
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: notebook path contains NUL", ErrInvalidInput)
	}
	if !strings.EqualFold(filepath.Ext(path), NotebookExtension) {
		return "", fmt.Errorf("%w: %q is not a %s file", ErrInvalidInput, path, NotebookExtension)
	}

	if root == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return abs, nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(absRoot, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q is outside the workspace", ErrInvalidInput, path)
	}
	return abs, nil
}
