// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extractor finds code in a foreign language embedded in host
// cell text, such as an R cell magic inside a Python notebook.
package extractor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/text"
)

// ErrInvalidRule indicates an extractor rule that cannot be evaluated.
var ErrInvalidRule = errors.New("invalid extractor rule")

// =============================================================================
// FRAGMENT
// =============================================================================

// Fragment is one piece of foreign code found in a host text.
//
// Description:
//
//	Code is a contiguous substring of the host text starting at byte
//	offset Start. Prologue is synthesised code placed before Code in the
//	foreign document; it has no host range.
type Fragment struct {
	// Rule is the name of the rule that produced the fragment.
	Rule string

	// Language is the foreign language.
	Language string

	// FileExtension is the extension for the foreign document.
	FileExtension string

	// Standalone fragments each get their own foreign document.
	Standalone bool

	// Prologue is prepended to Code in the foreign document.
	Prologue string

	// Code is the foreign text as it appears in the host.
	Code string

	// Start and End are byte offsets of Code in the host text.
	Start, End int

	// HostStart and HostEnd are the positions of Start and End.
	HostStart, HostEnd text.Position
}

// Text returns the foreign document text for this fragment.
func (f *Fragment) Text() string { return f.Prologue + f.Code }

// ToHost maps a position in Text to a position in the host text.
//
// Outputs:
//
//	text.Position - The host position
//	bool - False if p lies inside the prologue
func (f *Fragment) ToHost(p text.Position) (text.Position, bool) {
	pl := strings.Count(f.Prologue, "\n")
	last := text.UTF16Len(f.Prologue[strings.LastIndexByte(f.Prologue, '\n')+1:])

	switch {
	case p.Line < pl:
		return text.Position{}, false
	case p.Line == pl:
		if p.Character < last {
			return text.Position{}, false
		}
		return text.Position{Line: f.HostStart.Line, Character: f.HostStart.Character + p.Character - last}, true
	default:
		return text.Position{Line: f.HostStart.Line + p.Line - pl, Character: p.Character}, true
	}
}

// FromHost maps a host position to a position in Text.
//
// Outputs:
//
//	text.Position - The fragment position
//	bool - False if p lies outside the fragment
func (f *Fragment) FromHost(p text.Position) (text.Position, bool) {
	if p.Before(f.HostStart) || f.HostEnd.Before(p) {
		return text.Position{}, false
	}
	pl := strings.Count(f.Prologue, "\n")
	last := text.UTF16Len(f.Prologue[strings.LastIndexByte(f.Prologue, '\n')+1:])

	if p.Line == f.HostStart.Line {
		return text.Position{Line: pl, Character: last + p.Character - f.HostStart.Character}, true
	}
	return text.Position{Line: pl + p.Line - f.HostStart.Line, Character: p.Character}, true
}

// Result is the outcome of one extraction.
type Result struct {
	// KeptHostText is the host text after masking replaced fragments.
	KeptHostText string

	// Fragments are ordered by Start.
	Fragments []Fragment

	// Masked is true if any fragment was removed from the host text.
	Masked bool
}

// =============================================================================
// EXTRACTOR
// =============================================================================

// Extractor holds the extraction rules of every host language.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Extractor struct {
	mu    sync.RWMutex
	rules map[string][]*Rule
}

// New creates an extractor with no rules.
func New() *Extractor {
	return &Extractor{rules: make(map[string][]*Rule)}
}

// Register adds a rule for hostLanguage. Rules are tried in registration
// order.
func (e *Extractor) Register(hostLanguage string, rule Rule) error {
	if err := rule.compile(); err != nil {
		return err
	}
	key := strings.ToLower(hostLanguage)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[key] = append(e.rules[key], &rule)
	return nil
}

// Rules returns the rules registered for hostLanguage.
func (e *Extractor) Rules(hostLanguage string) []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Rule(nil), e.rules[strings.ToLower(hostLanguage)]...)
}

// HasForeignCode reports whether any rule for hostLanguage matches.
func (e *Extractor) HasForeignCode(hostText, hostLanguage string) bool {
	for _, r := range e.Rules(hostLanguage) {
		if r.Pattern.MatchString(hostText) {
			return true
		}
	}
	return false
}

type span struct{ start, end int }

// Extract splits hostText into kept host text and foreign fragments.
//
// Description:
//
//	Every rule of hostLanguage is matched globally, in registration order.
//	A match that overlaps a range claimed by an earlier match is skipped,
//	so no host range belongs to two fragments. The fragment range comes
//	from the rule's "foreign" capture group, not the whole match.
//
// Inputs:
//
//	hostText - The raw cell text
//	hostLanguage - The language of the document holding the cell
//
// Outputs:
//
//	Result - Kept host text and fragments ordered by position
func (e *Extractor) Extract(hostText, hostLanguage string) Result {
	rules := e.Rules(hostLanguage)
	if len(rules) == 0 {
		return Result{KeptHostText: hostText}
	}

	var (
		claimed   []span
		fragments []Fragment
		masks     []mask
	)
	idx := text.NewIndex(hostText)

	for _, r := range rules {
		for _, loc := range r.Pattern.FindAllStringSubmatchIndex(hostText, -1) {
			whole := span{loc[0], loc[1]}
			if whole.start == whole.end || overlapsAny(whole, claimed) {
				continue
			}
			fs, fe := whole.start, whole.end
			if r.foreignIdx > 0 {
				fs, fe = loc[2*r.foreignIdx], loc[2*r.foreignIdx+1]
				if fs < 0 {
					continue
				}
			}
			claimed = append(claimed, whole)

			var prologue string
			if r.Prologue != nil {
				args := ""
				if r.argsIdx > 0 && loc[2*r.argsIdx] >= 0 {
					args = hostText[loc[2*r.argsIdx]:loc[2*r.argsIdx+1]]
				}
				prologue = r.Prologue(args)
			}

			fragments = append(fragments, Fragment{
				Rule:          r.Name,
				Language:      r.Language,
				FileExtension: r.FileExtension,
				Standalone:    r.Standalone,
				Prologue:      prologue,
				Code:          hostText[fs:fe],
				Start:         fs,
				End:           fe,
				HostStart:     idx.PositionAt(fs),
				HostEnd:       idx.PositionAt(fe),
			})

			if !r.KeepInHost {
				repl := string(r.Pattern.ExpandString(nil, r.HostReplacer, hostText, loc))
				masks = append(masks, mask{span: whole, replacement: keepLineCount(repl, hostText[whole.start:whole.end])})
			}
		}
	}

	sort.Slice(fragments, func(i, j int) bool { return fragments[i].Start < fragments[j].Start })

	res := Result{KeptHostText: hostText, Fragments: fragments}
	if len(masks) > 0 {
		res.KeptHostText = applyMasks(hostText, masks)
		res.Masked = true
	}
	return res
}

type mask struct {
	span
	replacement string
}

func applyMasks(s string, masks []mask) string {
	sort.Slice(masks, func(i, j int) bool { return masks[i].start < masks[j].start })
	var b strings.Builder
	prev := 0
	for _, m := range masks {
		b.WriteString(s[prev:m.start])
		b.WriteString(m.replacement)
		prev = m.end
	}
	b.WriteString(s[prev:])
	return b.String()
}

// keepLineCount pads or folds repl so it spans as many lines as orig.
func keepLineCount(repl, orig string) string {
	want := strings.Count(orig, "\n")
	have := strings.Count(repl, "\n")
	if have < want {
		return repl + strings.Repeat("\n", want-have)
	}
	for have > want {
		i := strings.LastIndexByte(repl, '\n')
		repl = repl[:i] + " " + repl[i+1:]
		have--
	}
	return repl
}

func overlapsAny(s span, claimed []span) bool {
	for _, c := range claimed {
		if s.start < c.end && c.start < s.end {
			return true
		}
	}
	return false
}

func (r *Rule) String() string {
	return fmt.Sprintf("%s(%s)", r.Name, r.Language)
}
