// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package edits applies language server workspace edits, expressed in
// virtual document coordinates, to notebook cells.
package edits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/extractor"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/text"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/virtualdoc"
)

// Cells is the set of cell buffers edits are written to.
type Cells interface {
	// Text returns the current text of a cell.
	Text(cellID string) (string, bool)

	// SetText replaces the text of a cell.
	SetText(cellID, text string) error
}

// Outcome summarises one Apply call.
type Outcome struct {
	// AppliedChanges counts replacements applied, no-ops included.
	AppliedChanges int `json:"applied_changes"`

	// ModifiedCells counts distinct cells touched by applied replacements.
	ModifiedCells int `json:"modified_cells"`

	// WasGranular is true when at least one applied replacement stayed
	// inside one block. A false value means every applied replacement
	// repartitioned cells, or nothing was applied.
	WasGranular bool `json:"was_granular"`

	// Dropped counts replacements that were not applied.
	Dropped int `json:"dropped"`

	// Errors describes rejected batches and dropped replacements.
	Errors []string `json:"errors,omitempty"`
}

// Applier writes workspace edits back to cells.
//
// Description:
//
//	Each document of the edit is resolved against one snapshot of its
//	value and source map. Replacements inside one block are spliced into
//	that block. Replacements spanning blocks are merged and repartitioned
//	over the affected blocks. Block texts are then mapped back to cell
//	text through the reverse overrides and, for foreign documents,
//	through the fragment chain into the raw cell.
//
// Thread Safety:
//
//	Not safe for concurrent use with a rebuild of the same document.
//	Callers serialise Apply with Rebuild and rebuild afterwards.
type Applier struct {
	root   *virtualdoc.Document
	cells  Cells
	logger *slog.Logger
}

// NewApplier creates an applier for the document tree rooted at root.
func NewApplier(root *virtualdoc.Document, cells Cells, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{root: root, cells: cells, logger: logger}
}

// Apply applies a workspace edit.
//
// Description:
//
//	documentChanges are preferred over changes. Edits for unknown URIs
//	are dropped with a warning. A batch for one URI is rejected as a
//	whole when it is malformed or versioned against another generation;
//	other URIs are still applied. Individual replacements are dropped
//	when their cell was deleted or changed, when they alter a prologue,
//	or when the cell cannot be written back.
//
// Inputs:
//
//	ctx - Context for tracing
//	edit - The workspace edit in virtual coordinates
//
// Outputs:
//
//	Outcome - Counts and messages
//	error - Joined ErrMalformedEdit and ErrStaleEdit batch failures, or
//	cell write failures. Nil when every batch was accepted.
func (a *Applier) Apply(ctx context.Context, edit lsp.WorkspaceEdit) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Applier.Apply")
	defer span.End()

	_, rootMap := a.root.Snapshot()
	rawByCell := make(map[string]string)
	for _, b := range rootMap.Blocks() {
		rawByCell[b.CellID] = b.Raw
	}

	run := &applyRun{
		applier:   a,
		rawByCell: rawByCell,
		touched:   make(map[string]bool),
	}
	var errs []error
	for _, b := range collect(edit) {
		if err := run.batch(b); err != nil {
			errs = append(errs, err)
			run.out.Errors = append(run.out.Errors, err.Error())
		}
	}

	out := run.out
	out.ModifiedCells = len(run.touched)
	out.WasGranular = run.granular

	span.SetAttributes(
		attribute.Int("edits.applied", out.AppliedChanges),
		attribute.Int("edits.dropped", out.Dropped),
		attribute.Int("edits.cells", out.ModifiedCells),
		attribute.Bool("edits.granular", out.WasGranular),
	)
	recordOutcome(ctx, out)

	a.logger.Debug("workspace edit applied",
		slog.Int("applied", out.AppliedChanges),
		slog.Int("dropped", out.Dropped),
		slog.Int("modified_cells", out.ModifiedCells),
		slog.Bool("granular", out.WasGranular),
	)
	return out, errors.Join(errs...)
}

// =============================================================================
// BATCHES
// =============================================================================

// batch is every edit for one URI.
type batch struct {
	uri      string
	versions []*int
	edits    []lsp.TextEdit
}

// collect groups edits by URI, keeping first-seen order for
// documentChanges and URI order for changes.
func collect(edit lsp.WorkspaceEdit) []batch {
	var out []batch
	if len(edit.DocumentChanges) > 0 {
		pos := make(map[string]int)
		for _, dc := range edit.DocumentChanges {
			uri := dc.TextDocument.URI
			i, ok := pos[uri]
			if !ok {
				i = len(out)
				pos[uri] = i
				out = append(out, batch{uri: uri})
			}
			out[i].versions = append(out[i].versions, dc.TextDocument.Version)
			out[i].edits = append(out[i].edits, dc.Edits...)
		}
		return out
	}

	uris := make([]string, 0, len(edit.Changes))
	for uri := range edit.Changes {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	for _, uri := range uris {
		out = append(out, batch{uri: uri, edits: edit.Changes[uri]})
	}
	return out
}

// applyRun is the state of one Apply call.
type applyRun struct {
	applier   *Applier
	rawByCell map[string]string
	touched   map[string]bool
	granular  bool // some applied change stayed inside one cell
	out       Outcome
}

func (r *applyRun) batch(b batch) error {
	a := r.applier
	doc, ok := a.root.Find(b.uri)
	if !ok {
		a.logger.Warn("dropping edits for unknown document",
			slog.String("uri", b.uri),
			slog.Int("edits", len(b.edits)),
		)
		r.out.Dropped += len(b.edits)
		return nil
	}

	value, smap := doc.Snapshot()
	for _, v := range b.versions {
		if v != nil && (*v < 0 || uint64(*v) != smap.Generation()) {
			r.out.Dropped += len(b.edits)
			return fmt.Errorf("%s: %w: version %d, generation %d", b.uri, ErrStaleEdit, *v, smap.Generation())
		}
	}

	st := newDocState(doc, value, smap)
	changes, err := st.resolve(b.edits)
	if err != nil {
		r.out.Dropped += len(b.edits)
		return fmt.Errorf("%s: %w", b.uri, err)
	}

	for _, c := range changes {
		cellIDs, granular, err := st.apply(c, r.checkCell)
		if err != nil {
			r.out.Dropped++
			msg := fmt.Sprintf("%s: edit %d: %v", b.uri, c.order, err)
			r.out.Errors = append(r.out.Errors, msg)
			a.logger.Warn("dropping edit", slog.String("uri", b.uri), slog.Int("edit", c.order), slog.String("error", err.Error()))
			continue
		}
		r.out.AppliedChanges++
		r.granular = r.granular || granular
		if !c.noop() {
			for _, id := range cellIDs {
				r.touched[id] = true
			}
		}
	}

	return st.commit(a.cells, r.rawByCell)
}

// checkCell verifies the cell still exists with the text it had at
// composition.
func (r *applyRun) checkCell(cellID string) error {
	cur, ok := r.applier.cells.Text(cellID)
	if !ok {
		return fmt.Errorf("cell %s: %w", cellID, ErrCellDeleted)
	}
	if raw, ok := r.rawByCell[cellID]; !ok || raw != cur {
		return fmt.Errorf("cell %s: %w", cellID, ErrCellChanged)
	}
	return nil
}

// =============================================================================
// DOCUMENT STATE
// =============================================================================

// change is one replacement in byte offsets of the snapshot value.
type change struct {
	order      int
	start, end int
	startLine  int
	endLine    int
	text       string
}

func (c change) noop() bool { return c.start == c.end && c.text == "" }

// docState holds one document snapshot and the working text of every
// block changed so far.
type docState struct {
	doc    *virtualdoc.Document
	value  string
	idx    *text.Index
	blocks []virtualdoc.Block
	smap   *virtualdoc.SourceMap
	starts []int
	work   map[int]string
}

func newDocState(doc *virtualdoc.Document, value string, smap *virtualdoc.SourceMap) *docState {
	idx := text.NewIndex(value)
	blocks := smap.Blocks()
	starts := make([]int, len(blocks))
	for i := range blocks {
		starts[i] = idx.LineStart(blocks[i].VirtualStart)
	}
	return &docState{
		doc:    doc,
		value:  value,
		idx:    idx,
		blocks: blocks,
		smap:   smap,
		starts: starts,
		work:   make(map[int]string),
	}
}

func (s *docState) text(k int) string {
	if w, ok := s.work[k]; ok {
		return w
	}
	return s.blocks[k].Text
}

// blockEnd is the offset just past the snapshot text of block k.
func (s *docState) blockEnd(k int) int { return s.starts[k] + len(s.blocks[k].Text) }

// resolve validates the edits and returns them in application order,
// last start first.
func (s *docState) resolve(edits []lsp.TextEdit) ([]change, error) {
	changes := make([]change, len(edits))
	for i, e := range edits {
		start, err := s.idx.Offset(e.Range.Start)
		if err != nil {
			return nil, fmt.Errorf("%w: edit %d: %v", ErrMalformedEdit, i, err)
		}
		end, err := s.idx.Offset(e.Range.End)
		if err != nil {
			return nil, fmt.Errorf("%w: edit %d: %v", ErrMalformedEdit, i, err)
		}
		if start > end {
			return nil, fmt.Errorf("%w: edit %d ends before it starts", ErrMalformedEdit, i)
		}
		if _, ok := s.smap.Lookup(e.Range.Start.Line); !ok {
			return nil, fmt.Errorf("%w: edit %d: no cell at line %d", ErrMalformedEdit, i, e.Range.Start.Line)
		}
		changes[i] = change{
			order: i, start: start, end: end,
			startLine: e.Range.Start.Line, endLine: e.Range.End.Line,
			text: e.NewText,
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].start != changes[j].start {
			return changes[i].start < changes[j].start
		}
		return changes[i].end < changes[j].end
	})
	for i := 1; i < len(changes); i++ {
		if changes[i-1].end > changes[i].start {
			return nil, fmt.Errorf("%w: edits %d and %d overlap", ErrMalformedEdit, changes[i-1].order, changes[i].order)
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].start != changes[j].start {
			return changes[i].start > changes[j].start
		}
		return changes[i].order > changes[j].order
	})
	return changes, nil
}

// locate maps a snapshot offset to a block and an offset in its text.
// Offsets in padding resolve to the end of the block before them; gap is
// the number of padding bytes skipped.
func (s *docState) locate(off, line int) (block, local, gap int) {
	e, _ := s.smap.Lookup(line)
	if e.Kind == virtualdoc.KindBlock {
		return e.Block, off - s.starts[e.Block], 0
	}
	return e.Block, len(s.blocks[e.Block].Text), off - s.blockEnd(e.Block)
}

// apply applies one change to the working block texts.
//
// Outputs:
//
//	[]string - Cells of the affected blocks
//	bool - True if the change stayed inside one block
//	error - Why the change was dropped
func (s *docState) apply(c change, checkCell func(string) error) ([]string, bool, error) {
	bs, ls, gs := s.locate(c.start, c.startLine)
	be, le, ge := s.locate(c.end, c.endLine)

	newText := c.text
	prefix := ""
	if gs > 0 {
		prefix = s.value[s.blockEnd(bs) : s.blockEnd(bs)+gs]
	}
	if ge > 0 {
		newText = trimTrailingNewlines(newText, ge)
	}

	if p := len(s.blocks[bs].Prologue()); ls < p {
		stop := p
		if bs == be && le < p {
			stop = le
		}
		tail := s.blocks[bs].Text[ls:stop]
		if !strings.HasPrefix(newText, tail) {
			return nil, false, ErrPrologueEdit
		}
		newText, ls = newText[len(tail):], stop
		if bs == be && le < p && newText != "" {
			return nil, false, ErrPrologueEdit
		}
	}

	var cellIDs []string
	seen := make(map[string]bool)
	for k := bs; k <= be; k++ {
		id := s.blocks[k].CellID
		if seen[id] {
			continue
		}
		seen[id] = true
		if err := checkCell(id); err != nil {
			return nil, false, err
		}
		cellIDs = append(cellIDs, id)
	}

	if bs == be {
		cur := s.text(bs)
		next := cur[:ls] + prefix + newText + cur[le:]
		if err := s.writable(bs, next); err != nil {
			return nil, false, err
		}
		s.work[bs] = next
		return cellIDs, true, nil
	}

	old := make([]string, 0, be-bs+1)
	for k := bs; k <= be; k++ {
		old = append(old, s.text(k))
	}
	merged := old[0][:ls] + prefix + newText + old[len(old)-1][le:]
	sep := s.value[s.blockEnd(bs):s.starts[bs+1]]
	pieces := Repartition(old, merged, sep)

	for i, p := range pieces {
		if err := s.writable(bs+i, p); err != nil {
			return nil, false, err
		}
	}
	for i, p := range pieces {
		s.work[bs+i] = p
	}
	return cellIDs, false, nil
}

// writable reports whether block k may take next as its text.
func (s *docState) writable(k int, next string) error {
	b := &s.blocks[k]
	if next == b.Text {
		return nil
	}
	if !s.doc.Reversible(b) || !s.doc.PreservesOverrides(b, next) {
		return fmt.Errorf("cell %s: %w", b.CellID, ErrIrreversibleCell)
	}
	if len(b.Chain) == 0 {
		return nil
	}
	if !strings.HasPrefix(s.doc.ReverseOverrides(next), b.Prologue()) {
		return fmt.Errorf("cell %s: %w", b.CellID, ErrPrologueEdit)
	}
	if _, _, ok := rawSpan(b.Chain); !ok {
		return fmt.Errorf("cell %s: %w", b.CellID, ErrIrreversibleCell)
	}
	return nil
}

// splice replaces raw[start:end] of a cell.
type splice struct {
	start, end int
	text       string
}

// commit writes the changed blocks back to their cells.
func (s *docState) commit(cells Cells, rawByCell map[string]string) error {
	byCell := make(map[string][]splice)
	for k, w := range s.work {
		b := &s.blocks[k]
		if w == b.Text {
			continue
		}
		rev := s.doc.ReverseOverrides(w)
		if len(b.Chain) == 0 {
			byCell[b.CellID] = append(byCell[b.CellID], splice{0, len(rawByCell[b.CellID]), rev})
			continue
		}
		start, end, _ := rawSpan(b.Chain)
		byCell[b.CellID] = append(byCell[b.CellID], splice{start, end, rev[len(b.Prologue()):]})
	}

	ids := make([]string, 0, len(byCell))
	for id := range byCell {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		raw := rawByCell[id]
		sp := byCell[id]
		sort.Slice(sp, func(i, j int) bool { return sp[i].start > sp[j].start })
		for _, x := range sp {
			raw = raw[:x.start] + x.text + raw[x.end:]
		}
		if raw == rawByCell[id] {
			continue
		}
		if err := cells.SetText(id, raw); err != nil {
			errs = append(errs, fmt.Errorf("write cell %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// HELPERS
// =============================================================================

// rawSpan maps the code of the innermost fragment of chain to byte
// offsets in the raw cell.
func rawSpan(chain []*extractor.Fragment) (start, end int, ok bool) {
	if len(chain) == 0 {
		return 0, 0, false
	}
	last := chain[len(chain)-1]
	start, end = last.Start, last.End
	for k := len(chain) - 2; k >= 0; k-- {
		pl := len(chain[k].Prologue)
		if start < pl {
			return 0, 0, false
		}
		start = chain[k].Start + start - pl
		end = chain[k].Start + end - pl
	}
	return start, end, true
}

// trimTrailingNewlines removes at most n trailing newlines.
func trimTrailingNewlines(s string, n int) string {
	for i := 0; i < n && strings.HasSuffix(s, "\n"); i++ {
		s = s[:len(s)-1]
	}
	return s
}

// Repartition distributes merged, the new text of consecutive blocks
// joined by sep, back over those blocks.
//
// Description:
//
//	When merged splits on sep into as many pieces as the old texts did,
//	each block keeps the same number of pieces it had, so separators
//	inside a block stay inside it. Otherwise, when the piece count equals
//	the block count, each block gets one piece. Otherwise the first block
//	takes all of merged and the rest are emptied.
//
// Inputs:
//
//	old - The current texts of the blocks
//	merged - Their replacement, separators included
//	sep - The text between two blocks in the document
//
// Outputs:
//
//	[]string - One text per block
func Repartition(old []string, merged, sep string) []string {
	n := len(old)
	out := make([]string, n)
	if n == 1 {
		out[0] = merged
		return out
	}

	pieces := strings.Split(merged, sep)
	counts := make([]int, n)
	total := 0
	for i, o := range old {
		counts[i] = len(strings.Split(o, sep))
		total += counts[i]
	}

	oldPieces := strings.Split(strings.Join(old, sep), sep)
	if len(oldPieces) == total && len(pieces) == total && joinsBack(oldPieces, counts, old, sep) {
		off := 0
		for i, c := range counts {
			out[i] = strings.Join(pieces[off:off+c], sep)
			off += c
		}
		return out
	}
	if len(pieces) == n {
		copy(out, pieces)
		return out
	}
	out[0] = merged
	return out
}

// joinsBack checks that grouping pieces by counts reproduces old.
func joinsBack(pieces []string, counts []int, old []string, sep string) bool {
	off := 0
	for i, c := range counts {
		if strings.Join(pieces[off:off+c], sep) != old[i] {
			return false
		}
		off += c
	}
	return true
}
