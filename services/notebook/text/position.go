// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package text provides line/character positions over document text.
//
// Characters are counted in UTF-16 code units, the unit language servers
// use by default. Offsets are byte offsets into Go strings.
package text

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// ErrOutOfBounds indicates a position that does not exist in the text.
var ErrOutOfBounds = errors.New("position out of bounds")

// =============================================================================
// POSITION TYPES
// =============================================================================

// Position is a zero-based line and UTF-16 character offset.
type Position struct {
	// Line is the zero-based line number.
	Line int `json:"line"`

	// Character is the zero-based UTF-16 code unit offset within the line.
	Character int `json:"character"`
}

// Range is a half-open span between two positions.
type Range struct {
	// Start is the inclusive start position.
	Start Position `json:"start"`

	// End is the exclusive end position.
	End Position `json:"end"`
}

// Compare orders two positions. It returns -1, 0 or +1.
func Compare(a, b Position) int {
	switch {
	case a.Line < b.Line:
		return -1
	case a.Line > b.Line:
		return 1
	case a.Character < b.Character:
		return -1
	case a.Character > b.Character:
		return 1
	}
	return 0
}

// Before reports whether a sorts strictly before b.
func (p Position) Before(b Position) bool { return Compare(p, b) < 0 }

// String renders the position as line:character, both one-based.
func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line+1, p.Character+1)
}

// IsEmpty reports whether the range covers no text.
func (r Range) IsEmpty() bool { return Compare(r.Start, r.End) == 0 }

// Overlaps reports whether two ranges share any text. Touching ranges and
// an insertion at the boundary of another range do not overlap.
func (r Range) Overlaps(o Range) bool {
	if r.IsEmpty() && o.IsEmpty() {
		return false
	}
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// =============================================================================
// UTF-16 CONVERSION
// =============================================================================

// UTF16Len returns the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// UTF16ToByte converts a UTF-16 offset within line to a byte offset.
// Offsets past the end clamp to len(line); an offset that splits a
// surrogate pair resolves to the start of that rune.
func UTF16ToByte(line string, col int) int {
	if col <= 0 {
		return 0
	}
	units := 0
	for i, r := range line {
		w := 1
		if r >= 0x10000 {
			w = 2
		}
		if units+w > col {
			return i
		}
		units += w
		if units == col {
			return i + utf8.RuneLen(r)
		}
	}
	return len(line)
}

// ByteToUTF16 converts a byte offset within line to a UTF-16 offset.
func ByteToUTF16(line string, b int) int {
	if b <= 0 {
		return 0
	}
	if b > len(line) {
		b = len(line)
	}
	return UTF16Len(line[:b])
}

// =============================================================================
// LINE INDEX
// =============================================================================

// Index maps between byte offsets and positions for one immutable text.
//
// Thread Safety:
//
//	Safe for concurrent reads once constructed.
type Index struct {
	text       string
	lineStarts []int
}

// NewIndex builds a line index over s.
func NewIndex(s string) *Index {
	starts := make([]int, 1, strings.Count(s, "\n")+1)
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &Index{text: s, lineStarts: starts}
}

// Text returns the indexed text.
func (x *Index) Text() string { return x.text }

// LineCount returns the number of lines. Text ending in a newline has a
// final empty line.
func (x *Index) LineCount() int { return len(x.lineStarts) }

// Line returns line n without its newline.
func (x *Index) Line(n int) string {
	if n < 0 || n >= len(x.lineStarts) {
		return ""
	}
	end := len(x.text)
	if n+1 < len(x.lineStarts) {
		end = x.lineStarts[n+1] - 1
	}
	return x.text[x.lineStarts[n]:end]
}

// LineStart returns the byte offset of the start of line n.
func (x *Index) LineStart(n int) int {
	if n < 0 {
		return 0
	}
	if n >= len(x.lineStarts) {
		return len(x.text)
	}
	return x.lineStarts[n]
}

// Offset converts p to a byte offset. It fails when the line does not
// exist or the character lies past the end of the line.
func (x *Index) Offset(p Position) (int, error) {
	if p.Line < 0 || p.Line >= len(x.lineStarts) || p.Character < 0 {
		return 0, fmt.Errorf("%w: %s", ErrOutOfBounds, p)
	}
	line := x.Line(p.Line)
	if p.Character > UTF16Len(line) {
		return 0, fmt.Errorf("%w: %s", ErrOutOfBounds, p)
	}
	return x.lineStarts[p.Line] + UTF16ToByte(line, p.Character), nil
}

// PositionAt converts a byte offset to a position, clamping to the text.
func (x *Index) PositionAt(off int) Position {
	if off <= 0 {
		return Position{}
	}
	if off > len(x.text) {
		off = len(x.text)
	}
	line := sort.Search(len(x.lineStarts), func(i int) bool {
		return x.lineStarts[i] > off
	}) - 1
	return Position{Line: line, Character: ByteToUTF16(x.Line(line), off-x.lineStarts[line])}
}

// End returns the position just past the last character.
func (x *Index) End() Position { return x.PositionAt(len(x.text)) }

// Splice replaces the text covered by r with newText.
func (x *Index) Splice(r Range, newText string) (string, error) {
	start, err := x.Offset(r.Start)
	if err != nil {
		return "", err
	}
	end, err := x.Offset(r.End)
	if err != nil {
		return "", err
	}
	if start > end {
		return "", fmt.Errorf("%w: start %s after end %s", ErrOutOfBounds, r.Start, r.End)
	}
	return x.text[:start] + newText + x.text[end:], nil
}

// Slice returns the text covered by r.
func (x *Index) Slice(r Range) (string, error) {
	start, err := x.Offset(r.Start)
	if err != nil {
		return "", err
	}
	end, err := x.Offset(r.End)
	if err != nil {
		return "", err
	}
	if start > end {
		return "", fmt.Errorf("%w: start %s after end %s", ErrOutOfBounds, r.Start, r.End)
	}
	return x.text[start:end], nil
}

// LineCount returns the number of lines in s.
func LineCount(s string) int { return strings.Count(s, "\n") + 1 }
