// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notebook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// =============================================================================
// LOAD
// =============================================================================

// Load reads an nbformat 4 notebook.
//
// Description:
//
//	Cell sources may be a string or a list of strings. Cells without an id
//	(nbformat 4.0 to 4.4) get a generated one and the minor version is
//	raised to 5 on save. The language comes from
//	metadata.language_info.name, then metadata.kernelspec.language, and
//	defaults to python.
//
// Outputs:
//
//	*Notebook - The notebook
//	error - ErrInvalidNotebook wrapping the parse failure
func Load(r io.Reader) (*Notebook, error) {
	var top map[string]json.RawMessage
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&top); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidNotebook, err)
	}

	n := New("")
	if err := decodeInt(top, "nbformat", &n.format); err != nil {
		return nil, err
	}
	if n.format != 4 {
		return nil, fmt.Errorf("%w: nbformat %d", ErrInvalidNotebook, n.format)
	}
	if err := decodeInt(top, "nbformat_minor", &n.minor); err != nil {
		return nil, err
	}

	var rawCells []map[string]json.RawMessage
	if raw, ok := top["cells"]; ok {
		if err := json.Unmarshal(raw, &rawCells); err != nil {
			return nil, fmt.Errorf("%w: cells: %v", ErrInvalidNotebook, err)
		}
	}
	for i, rc := range rawCells {
		c, err := decodeCell(rc)
		if err != nil {
			return nil, fmt.Errorf("%w: cell %d: %v", ErrInvalidNotebook, i, err)
		}
		if c.ID == "" {
			c.ID = NewCellID()
		}
		if _, dup := n.byID[c.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCell, c.ID)
		}
		n.cells = append(n.cells, c)
		n.byID[c.ID] = c
	}

	delete(top, "cells")
	delete(top, "nbformat")
	delete(top, "nbformat_minor")
	n.meta = top
	n.language = languageOf(top["metadata"])
	return n, nil
}

// LoadFile reads a notebook file.
func LoadFile(path string) (*Notebook, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	n, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return n, nil
}

func decodeInt(top map[string]json.RawMessage, key string, dst *int) error {
	raw, ok := top[key]
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrInvalidNotebook, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidNotebook, key, err)
	}
	return nil
}

func decodeCell(rc map[string]json.RawMessage) (*Cell, error) {
	c := &Cell{}
	if raw, ok := rc["id"]; ok {
		if err := json.Unmarshal(raw, &c.ID); err != nil {
			return nil, fmt.Errorf("id: %v", err)
		}
	}
	if err := json.Unmarshal(rc["cell_type"], &c.Type); err != nil || !c.Type.Valid() {
		return nil, fmt.Errorf("cell_type %s", rc["cell_type"])
	}
	src, err := decodeSource(rc["source"])
	if err != nil {
		return nil, fmt.Errorf("source: %v", err)
	}
	c.Source = src

	delete(rc, "id")
	delete(rc, "cell_type")
	delete(rc, "source")
	c.extra = rc
	return c, nil
}

// decodeSource accepts the string and the line-list forms.
func decodeSource(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		return "", err
	}
	return strings.Join(lines, ""), nil
}

func languageOf(metadata json.RawMessage) string {
	var md struct {
		LanguageInfo struct {
			Name string `json:"name"`
		} `json:"language_info"`
		Kernelspec struct {
			Language string `json:"language"`
		} `json:"kernelspec"`
	}
	_ = json.Unmarshal(metadata, &md)
	switch {
	case md.LanguageInfo.Name != "":
		return strings.ToLower(md.LanguageInfo.Name)
	case md.Kernelspec.Language != "":
		return strings.ToLower(md.Kernelspec.Language)
	}
	return "python"
}

// =============================================================================
// SAVE
// =============================================================================

// Save writes the notebook as indented nbformat 4 JSON. Sources are written
// in the line-list form.
func (n *Notebook) Save(w io.Writer) error {
	n.mu.RLock()
	top := make(map[string]interface{}, len(n.meta)+3)
	for k, v := range n.meta {
		top[k] = v
	}
	if _, ok := top["metadata"]; !ok {
		top["metadata"] = map[string]interface{}{}
	}
	minor := n.minor
	if minor < 5 {
		minor = 5
	}
	top["nbformat"] = n.format
	top["nbformat_minor"] = minor

	cells := make([]map[string]interface{}, len(n.cells))
	for i, c := range n.cells {
		m := make(map[string]interface{}, len(c.extra)+3)
		for k, v := range c.extra {
			m[k] = v
		}
		m["id"] = c.ID
		m["cell_type"] = c.Type
		m["source"] = SplitLines(c.Source)
		if _, ok := m["metadata"]; !ok {
			m["metadata"] = map[string]interface{}{}
		}
		if c.Type == CellCode {
			if _, ok := m["outputs"]; !ok {
				m["outputs"] = []interface{}{}
			}
			if _, ok := m["execution_count"]; !ok {
				m["execution_count"] = nil
			}
		}
		cells[i] = m
	}
	top["cells"] = cells
	n.mu.RUnlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", " ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(top); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// SaveFile writes the notebook to path through a temporary file and a
// rename.
func (n *Notebook) SaveFile(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := n.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if info, err := os.Stat(path); err == nil {
		_ = os.Chmod(tmp.Name(), info.Mode().Perm())
	}
	return os.Rename(tmp.Name(), path)
}

// SplitLines splits s into lines that keep their trailing newline, the
// nbformat line-list form.
func SplitLines(s string) []string {
	if s == "" {
		return []string{}
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
