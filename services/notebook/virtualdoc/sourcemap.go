// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package virtualdoc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/extractor"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/text"
)

// =============================================================================
// ENTRIES
// =============================================================================

// EntryKind classifies the lines of a virtual document.
type EntryKind int

const (
	// KindBlock lines hold cell text.
	KindBlock EntryKind = iota

	// KindPadding lines separate blocks. The final line after the last
	// block is padding too.
	KindPadding
)

// String returns "block" or "padding".
func (k EntryKind) String() string {
	if k == KindPadding {
		return "padding"
	}
	return "block"
}

// Entry covers the virtual lines [VirtualStart, VirtualEnd).
type Entry struct {
	// Kind is block or padding.
	Kind EntryKind `json:"kind"`

	// VirtualStart is the first virtual line of the entry.
	VirtualStart int `json:"virtual_start"`

	// VirtualEnd is one past the last virtual line of the entry.
	VirtualEnd int `json:"virtual_end"`

	// CellID is the cell of the block, or of the block before a padding.
	CellID string `json:"cell_id"`

	// Block indexes SourceMap.Blocks.
	Block int `json:"block"`
}

// Block is the contribution of one cell, or one fragment of a cell, to a
// virtual document.
type Block struct {
	// CellID identifies the source cell.
	CellID string

	// Text is the block as it appears in the virtual document.
	Text string

	// Raw is the full cell text the block came from.
	Raw string

	// Kept is the host text after foreign code was masked. Root blocks
	// only; equals Raw unless Masked.
	Kept string

	// Masked is true if an extractor removed text from the host.
	Masked bool

	// Chain is the fragment path from the cell to this block, outermost
	// first. Empty for blocks of the root document.
	Chain []*extractor.Fragment

	// VirtualStart and VirtualEnd are the virtual lines of the block.
	VirtualStart, VirtualEnd int

	rawIdx  *text.Index
	cellEnd text.Position
}

// Prologue returns the synthesised text at the start of the block.
func (b *Block) Prologue() string {
	if len(b.Chain) == 0 {
		return ""
	}
	return b.Chain[len(b.Chain)-1].Prologue
}

// toCell maps a position local to the block text to a cell position.
func (b *Block) toCell(local text.Position) (text.Position, error) {
	if len(b.Chain) == 0 {
		if local.Line >= b.rawIdx.LineCount() {
			return b.rawIdx.End(), nil
		}
		width := text.UTF16Len(b.rawIdx.Line(local.Line))
		if local.Character > width {
			local.Character = width
		}
		return local, nil
	}

	pos := local
	for i := len(b.Chain) - 1; i >= 0; i-- {
		var ok bool
		if pos, ok = b.Chain[i].ToHost(pos); !ok {
			return text.Position{}, fmt.Errorf("%w: %w", ErrPositionUnmapped, ErrInPrologue)
		}
	}
	return pos, nil
}

// fromCell maps a cell position into the block text.
func (b *Block) fromCell(p text.Position) (text.Position, bool) {
	if len(b.Chain) == 0 {
		lines := text.LineCount(b.Text)
		if p.Line >= lines {
			return text.Position{}, false
		}
		idx := text.NewIndex(b.Text)
		width := text.UTF16Len(idx.Line(p.Line))
		if p.Character > width {
			p.Character = width
		}
		return p, true
	}

	pos := p
	for _, f := range b.Chain {
		var ok bool
		if pos, ok = f.FromHost(pos); !ok {
			return text.Position{}, false
		}
	}
	return pos, true
}

// =============================================================================
// SOURCE MAP
// =============================================================================

// CellPosition is a position inside one cell.
type CellPosition struct {
	CellID   string        `json:"cell_id"`
	Position text.Position `json:"position"`
}

// SourceMap maps virtual document lines to cells for one generation.
//
// Description:
//
//	Entries are contiguous, ordered and cover every line of the virtual
//	document. A rebuild produces a new SourceMap; existing maps are never
//	changed, so a caller holding one resolves positions consistently.
//
// Thread Safety:
//
//	Immutable after construction. Safe for concurrent use.
type SourceMap struct {
	entries    []Entry
	blocks     []Block
	byCell     map[string][]int
	lineCount  int
	generation uint64
}

// buildSnapshot composes blocks into a document value and its map.
func buildSnapshot(blocks []Block, blankLines int, generation uint64) (string, *SourceMap) {
	var sb strings.Builder
	m := &SourceMap{
		blocks:     blocks,
		byCell:     make(map[string][]int),
		generation: generation,
	}
	line := 0
	sep := strings.Repeat("\n", blankLines)

	for i := range blocks {
		b := &blocks[i]
		if i > 0 && blankLines > 0 {
			sb.WriteString(sep)
			m.entries = append(m.entries, Entry{
				Kind: KindPadding, VirtualStart: line, VirtualEnd: line + blankLines,
				CellID: blocks[i-1].CellID, Block: i - 1,
			})
			line += blankLines
		}
		n := text.LineCount(b.Text)
		b.VirtualStart, b.VirtualEnd = line, line+n
		m.entries = append(m.entries, Entry{
			Kind: KindBlock, VirtualStart: line, VirtualEnd: line + n,
			CellID: b.CellID, Block: i,
		})
		m.byCell[b.CellID] = append(m.byCell[b.CellID], i)
		sb.WriteString(b.Text)
		sb.WriteByte('\n')
		line += n
	}
	if len(blocks) > 0 {
		last := len(blocks) - 1
		m.entries = append(m.entries, Entry{
			Kind: KindPadding, VirtualStart: line, VirtualEnd: line + 1,
			CellID: blocks[last].CellID, Block: last,
		})
	}
	m.lineCount = line + 1
	return sb.String(), m
}

// Generation returns the rebuild generation the map belongs to.
func (m *SourceMap) Generation() uint64 { return m.generation }

// LineCount returns the number of virtual lines covered.
func (m *SourceMap) LineCount() int { return m.lineCount }

// Entries returns a copy of the entries in order.
func (m *SourceMap) Entries() []Entry { return append([]Entry(nil), m.entries...) }

// Blocks returns the blocks in document order. Callers must not modify them.
func (m *SourceMap) Blocks() []Block { return m.blocks }

// BlocksForCell returns the indexes of the blocks of cellID.
func (m *SourceMap) BlocksForCell(cellID string) []int { return m.byCell[cellID] }

// Lookup returns the entry covering virtual line.
func (m *SourceMap) Lookup(line int) (Entry, bool) {
	i := sort.Search(len(m.entries), func(i int) bool {
		return m.entries[i].VirtualEnd > line
	})
	if i < len(m.entries) && m.entries[i].VirtualStart <= line && line >= 0 {
		return m.entries[i], true
	}
	return Entry{}, false
}

// ToCell resolves a virtual position to a cell position.
//
// Description:
//
//	Block lines map through the block's fragment chain. Padding lines
//	belong to the block entry before them and all resolve to the end of
//	that block's cell, so a diagnostic or cursor in the blank lines
//	between cells lands at the end of the previous cell.
//
// Outputs:
//
//	CellPosition - The cell and position in it
//	error - ErrPositionUnmapped if p is outside the document or in a
//	prologue
func (m *SourceMap) ToCell(p text.Position) (CellPosition, error) {
	e, ok := m.Lookup(p.Line)
	if !ok {
		return CellPosition{}, fmt.Errorf("%w: line %d", ErrPositionUnmapped, p.Line)
	}
	b := &m.blocks[e.Block]
	if e.Kind == KindPadding {
		return CellPosition{CellID: b.CellID, Position: b.cellEnd}, nil
	}
	pos, err := b.toCell(text.Position{Line: p.Line - e.VirtualStart, Character: p.Character})
	if err != nil {
		return CellPosition{}, err
	}
	return CellPosition{CellID: b.CellID, Position: pos}, nil
}

// ToVirtual resolves a cell position to a virtual position.
//
// Outputs:
//
//	text.Position - The virtual position
//	error - ErrUnknownCell if the cell has no block, ErrPositionUnmapped
//	if no block of the cell covers p
func (m *SourceMap) ToVirtual(cellID string, p text.Position) (text.Position, error) {
	idxs, ok := m.byCell[cellID]
	if !ok {
		return text.Position{}, fmt.Errorf("%w: %s", ErrUnknownCell, cellID)
	}
	for _, i := range idxs {
		b := &m.blocks[i]
		if local, ok := b.fromCell(p); ok {
			return text.Position{Line: b.VirtualStart + local.Line, Character: local.Character}, nil
		}
	}
	return text.Position{}, fmt.Errorf("%w: %s at %s", ErrPositionUnmapped, cellID, p)
}
