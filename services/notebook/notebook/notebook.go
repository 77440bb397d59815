// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notebook is an in-memory notebook with nbformat 4 persistence.
//
// Cells keep every field they were loaded with, so outputs, metadata and
// attachments survive a load and save round trip untouched. Only the
// source of a cell is ever rewritten.
package notebook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/virtualdoc"
)

// Sentinel errors for notebooks.
var (
	// ErrUnknownCell indicates a cell id that is not in the notebook.
	ErrUnknownCell = errors.New("unknown cell")

	// ErrDuplicateCell indicates two cells with the same id.
	ErrDuplicateCell = errors.New("duplicate cell id")

	// ErrInvalidNotebook indicates a file that is not nbformat 4 JSON.
	ErrInvalidNotebook = errors.New("invalid notebook")
)

// CellType is the nbformat cell type.
type CellType string

// Cell types.
const (
	CellCode     CellType = "code"
	CellMarkdown CellType = "markdown"
	CellRaw      CellType = "raw"
)

// Valid reports whether t is a known cell type.
func (t CellType) Valid() bool {
	switch t {
	case CellCode, CellMarkdown, CellRaw:
		return true
	}
	return false
}

// Cell is one notebook cell.
type Cell struct {
	ID     string   `json:"id"`
	Type   CellType `json:"cell_type"`
	Source string   `json:"source"`

	// extra holds every other nbformat field of the cell.
	extra map[string]json.RawMessage
}

// =============================================================================
// NOTEBOOK
// =============================================================================

// Notebook is an ordered set of cells.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Notebook struct {
	mu       sync.RWMutex
	cells    []*Cell
	byID     map[string]*Cell
	language string

	// Top-level nbformat fields other than cells.
	meta          map[string]json.RawMessage
	format, minor int
}

// New creates an empty notebook in language.
func New(language string) *Notebook {
	if language == "" {
		language = "python"
	}
	return &Notebook{
		byID:     make(map[string]*Cell),
		language: strings.ToLower(language),
		meta:     make(map[string]json.RawMessage),
		format:   4,
		minor:    5,
	}
}

// NewCellID returns a fresh nbformat cell id.
func NewCellID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// Language returns the kernel language.
func (n *Notebook) Language() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.language
}

// Len returns the number of cells.
func (n *Notebook) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.cells)
}

// Cells returns a copy of every cell in order.
func (n *Notebook) Cells() []Cell {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Cell, len(n.cells))
	for i, c := range n.cells {
		out[i] = Cell{ID: c.ID, Type: c.Type, Source: c.Source}
	}
	return out
}

// Cell returns one cell.
func (n *Notebook) Cell(id string) (Cell, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.byID[id]
	if !ok {
		return Cell{}, false
	}
	return Cell{ID: c.ID, Type: c.Type, Source: c.Source}, true
}

// CodeCells returns the code cells in order. Markdown and raw cells are
// not part of any virtual document.
func (n *Notebook) CodeCells() []virtualdoc.Cell {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]virtualdoc.Cell, 0, len(n.cells))
	for _, c := range n.cells {
		if c.Type == CellCode {
			out = append(out, virtualdoc.Cell{ID: c.ID, Text: c.Source})
		}
	}
	return out
}

// Text returns the source of a cell.
func (n *Notebook) Text(id string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.byID[id]
	if !ok {
		return "", false
	}
	return c.Source, true
}

// SetText replaces the source of a cell.
func (n *Notebook) SetText(id, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCell, id)
	}
	c.Source = text
	return nil
}

// SetCells replaces the cell list. Cells that keep an existing id keep
// their outputs and metadata. Cells without an id get a new one.
//
// Outputs:
//
//	[]string - The ids of the new cell list, in order
//	error - ErrDuplicateCell or an invalid cell type. The notebook is
//	unchanged on error.
func (n *Notebook) SetCells(cells []Cell) ([]string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	next := make([]*Cell, 0, len(cells))
	byID := make(map[string]*Cell, len(cells))
	ids := make([]string, 0, len(cells))
	for _, c := range cells {
		if c.Type == "" {
			c.Type = CellCode
		}
		if !c.Type.Valid() {
			return nil, fmt.Errorf("%w: cell type %q", ErrInvalidNotebook, c.Type)
		}
		if c.ID == "" {
			c.ID = NewCellID()
		}
		if _, dup := byID[c.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCell, c.ID)
		}
		nc := &Cell{ID: c.ID, Type: c.Type, Source: c.Source}
		if old, ok := n.byID[c.ID]; ok && old.Type == c.Type {
			nc.extra = old.extra
		}
		next = append(next, nc)
		byID[nc.ID] = nc
		ids = append(ids, nc.ID)
	}
	n.cells, n.byID = next, byID
	return ids, nil
}

// InsertCell inserts a cell before index. An index past the end appends.
func (n *Notebook) InsertCell(index int, c Cell) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if c.Type == "" {
		c.Type = CellCode
	}
	if !c.Type.Valid() {
		return "", fmt.Errorf("%w: cell type %q", ErrInvalidNotebook, c.Type)
	}
	if c.ID == "" {
		c.ID = NewCellID()
	}
	if _, dup := n.byID[c.ID]; dup {
		return "", fmt.Errorf("%w: %s", ErrDuplicateCell, c.ID)
	}
	if index < 0 || index > len(n.cells) {
		index = len(n.cells)
	}
	nc := &Cell{ID: c.ID, Type: c.Type, Source: c.Source}
	n.cells = append(n.cells, nil)
	copy(n.cells[index+1:], n.cells[index:])
	n.cells[index] = nc
	n.byID[nc.ID] = nc
	return nc.ID, nil
}

// DeleteCell removes a cell.
func (n *Notebook) DeleteCell(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCell, id)
	}
	delete(n.byID, id)
	for i, c := range n.cells {
		if c.ID == id {
			n.cells = append(n.cells[:i], n.cells[i+1:]...)
			break
		}
	}
	return nil
}

// Replace takes over the cells and metadata of other, for reloading a
// notebook from disk in place.
func (n *Notebook) Replace(other *Notebook) {
	other.mu.RLock()
	cells := make([]*Cell, len(other.cells))
	byID := make(map[string]*Cell, len(other.cells))
	for i, c := range other.cells {
		cp := *c
		cells[i] = &cp
		byID[cp.ID] = &cp
	}
	meta := make(map[string]json.RawMessage, len(other.meta))
	for k, v := range other.meta {
		meta[k] = v
	}
	language, format, minor := other.language, other.format, other.minor
	other.mu.RUnlock()

	n.mu.Lock()
	n.cells, n.byID, n.meta = cells, byID, meta
	n.language, n.format, n.minor = language, format, minor
	n.mu.Unlock()
}
