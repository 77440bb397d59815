// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package virtualdoc composes notebook cells into virtual documents that a
// language server can analyse, and maps positions back to cells.
//
// A root document holds the host-language text of every code cell. Code
// in other languages, found by the extractor, goes to foreign documents
// owned by the root, which may in turn own foreign documents of their own.
package virtualdoc

import (
	"context"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/extractor"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/overrides"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/text"
)

// DefaultBlankLinesBetweenCells is the number of empty lines between blocks.
const DefaultBlankLinesBetweenCells = 2

// DefaultMaxDepth bounds nesting of foreign documents.
const DefaultMaxDepth = 4

// Cell is one code cell handed to a rebuild.
type Cell struct {
	ID   string
	Text string
}

// Options configures a root virtual document.
type Options struct {
	// Language is the host language, e.g. "python".
	Language string

	// Path is the notebook path. Virtual paths are derived from it.
	Path string

	// FileExtension is the extension of the host language, e.g. "py".
	FileExtension string

	// HasLspSupportedFile means Path itself is a file the server
	// understands, so the root URI is Path unchanged.
	HasLspSupportedFile bool

	// Standalone marks a document that is never shared between cells.
	Standalone bool

	// Extractor finds foreign code. Nil disables extraction.
	Extractor *extractor.Extractor

	// Overrides rewrites notebook syntax. Nil disables overrides.
	Overrides *overrides.Registry

	// BlankLinesBetweenCells defaults to DefaultBlankLinesBetweenCells
	// when negative. Zero is allowed.
	BlankLinesBetweenCells int

	// MaxDepth defaults to DefaultMaxDepth when zero.
	MaxDepth int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns options for a Python notebook at path.
func DefaultOptions(path string) Options {
	return Options{
		Language:               "python",
		Path:                   path,
		FileExtension:          "py",
		BlankLinesBetweenCells: DefaultBlankLinesBetweenCells,
		MaxDepth:               DefaultMaxDepth,
	}
}

// =============================================================================
// DOCUMENT
// =============================================================================

// snapshot is the published state of one generation.
type snapshot struct {
	value string
	smap  *SourceMap
}

// Document is a virtual document and the root of its foreign documents.
//
// Description:
//
//	Rebuild clears the document and appends every code cell in order.
//	Each append extracts foreign code from the raw cell, rewrites the kept
//	host text with the override registry and adds the result as a block.
//	Readers see a snapshot that is replaced, never mutated, at the end of
//	each rebuild.
//
// Thread Safety:
//
//	Safe for concurrent use. Rebuilds of one document should still be
//	serialised by the caller so generations are published in order.
type Document struct {
	opts       Options
	logger     *slog.Logger
	language   string
	path       string
	instanceID string
	parent     *Document
	depth      int

	mu         sync.RWMutex
	blocks     []Block
	children   map[string]*Document
	order      []string
	generation uint64
	snap       *snapshot
}

// New creates an empty root document.
func New(opts Options) *Document {
	if opts.BlankLinesBetweenCells < 0 {
		opts.BlankLinesBetweenCells = DefaultBlankLinesBetweenCells
	}
	if opts.MaxDepth == 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.FileExtension == "" {
		opts.FileExtension = opts.Language
	}
	opts.Language = strings.ToLower(opts.Language)

	d := &Document{
		opts:     opts,
		logger:   opts.Logger.With(slog.String("document", filepath.Base(opts.Path)), slog.String("language", opts.Language)),
		language: opts.Language,
		path:     opts.Path,
		children: make(map[string]*Document),
	}
	d.snap = &snapshot{smap: &SourceMap{byCell: map[string][]int{}, lineCount: 1}}
	return d
}

// Language returns the document language.
func (d *Document) Language() string { return d.language }

// Standalone reports whether the document belongs to a single fragment.
func (d *Document) Standalone() bool { return d.opts.Standalone }

// FileExtension returns the extension used in the document path.
func (d *Document) FileExtension() string { return d.opts.FileExtension }

// Parent returns the owning document, or nil for the root.
func (d *Document) Parent() *Document { return d.parent }

// Root returns the root of the document tree.
func (d *Document) Root() *Document {
	for d.parent != nil {
		d = d.parent
	}
	return d
}

// FilePath returns the path the language server sees.
func (d *Document) FilePath() string {
	if d.parent == nil && d.opts.HasLspSupportedFile {
		return d.path
	}
	return d.path + "." + d.opts.FileExtension
}

// URI returns the file URI of FilePath.
func (d *Document) URI() string {
	p := filepath.ToSlash(d.FilePath())
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// Value returns the document text of the latest generation.
func (d *Document) Value() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap.value
}

// SourceMap returns the map of the latest generation.
func (d *Document) SourceMap() *SourceMap {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap.smap
}

// Snapshot returns the value and map of the latest generation together.
func (d *Document) Snapshot() (string, *SourceMap) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap.value, d.snap.smap
}

// Generation returns the generation of the latest published snapshot.
func (d *Document) Generation() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snap.smap.generation
}

// Children returns the direct foreign documents in creation order.
func (d *Document) Children() []*Document {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Document, 0, len(d.order))
	for _, k := range d.order {
		out = append(out, d.children[k])
	}
	return out
}

// Documents returns this document and all descendants, parents first.
func (d *Document) Documents() []*Document {
	out := []*Document{d}
	for _, c := range d.Children() {
		out = append(out, c.Documents()...)
	}
	return out
}

// Find returns the document in this tree with the given URI.
func (d *Document) Find(uri string) (*Document, bool) {
	for _, doc := range d.Documents() {
		if doc.URI() == uri {
			return doc, true
		}
	}
	return nil, false
}

// =============================================================================
// COMPOSITION
// =============================================================================

// Rebuild recomposes the document tree from cells.
//
// Description:
//
//	Starts a new generation, appends every cell and publishes the new
//	snapshots of the root and every foreign document. Standalone foreign
//	documents are recreated with fresh identities. Shared foreign
//	documents keep their URI and are dropped only when no cell feeds them.
//
// Inputs:
//
//	ctx - Context for tracing
//	cells - Code cells in notebook order
//
// Thread Safety:
//
//	Callers must serialise rebuilds of one document.
func (d *Document) Rebuild(ctx context.Context, cells []Cell) {
	ctx, span := tracer.Start(ctx, "VirtualDocument.Rebuild", trace.WithAttributes(
		attribute.String("notebook.language", d.language),
		attribute.Int("notebook.cells", len(cells)),
	))
	defer span.End()
	start := time.Now()

	d.Clear()
	d.mu.Lock()
	for _, c := range cells {
		d.appendCellLocked(c.Text, c.ID)
	}
	d.mu.Unlock()
	d.prune()
	d.publishTree()

	foreign := len(d.Documents()) - 1
	span.SetAttributes(attribute.Int("notebook.foreign_documents", foreign))
	recordRebuild(ctx, d.language, time.Since(start), foreign)

	d.logger.Debug("virtual document rebuilt",
		slog.Uint64("generation", d.Generation()),
		slog.Int("cells", len(cells)),
		slog.Int("foreign_documents", foreign),
	)
}

// Clear removes all blocks and starts a new generation. Standalone
// foreign documents are discarded.
func (d *Document) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLocked(d.generation + 1)
}

func (d *Document) clearLocked(generation uint64) {
	d.generation = generation
	d.blocks = nil
	order := d.order[:0]
	for _, k := range d.order {
		c := d.children[k]
		if c.opts.Standalone {
			delete(d.children, k)
			continue
		}
		c.mu.Lock()
		c.clearLocked(generation)
		c.mu.Unlock()
		order = append(order, k)
	}
	d.order = order
}

// AppendCodeBlock adds one cell to the end of the document and publishes
// the result.
func (d *Document) AppendCodeBlock(cellText, cellID string) {
	d.mu.Lock()
	d.appendCellLocked(cellText, cellID)
	d.mu.Unlock()
	d.publishTree()
}

func (d *Document) appendCellLocked(raw, cellID string) {
	idx := text.NewIndex(raw)
	b := Block{CellID: cellID, Raw: raw, Kept: raw, rawIdx: idx, cellEnd: idx.End()}

	if strings.TrimSpace(raw) == "" {
		d.blocks = append(d.blocks, b)
		return
	}

	var fragments []extractor.Fragment
	if d.opts.Extractor != nil {
		res := d.opts.Extractor.Extract(raw, d.language)
		b.Kept, b.Masked, fragments = res.KeptHostText, res.Masked, res.Fragments
	}
	b.Text = d.applyOverrides(b.Kept)
	d.blocks = append(d.blocks, b)

	for i := range fragments {
		f := &fragments[i]
		d.childLocked(f).appendFragment(cellID, f, nil)
	}
}

// appendFragment adds one foreign fragment as a block of d.
func (d *Document) appendFragment(cellID string, f *extractor.Fragment, parentChain []*extractor.Fragment) {
	chain := make([]*extractor.Fragment, 0, len(parentChain)+1)
	chain = append(chain, parentChain...)
	chain = append(chain, f)

	src := f.Text()
	b := Block{CellID: cellID, Raw: src, Kept: src, Chain: chain}

	var nested []extractor.Fragment
	if d.opts.Extractor != nil && d.depth < d.opts.MaxDepth {
		res := d.opts.Extractor.Extract(src, d.language)
		b.Kept, b.Masked, nested = res.KeptHostText, res.Masked, res.Fragments
	} else if d.depth >= d.opts.MaxDepth {
		d.logger.Debug("foreign nesting limit reached", slog.Int("depth", d.depth))
	}
	b.Text = d.applyOverrides(b.Kept)

	b.cellEnd = chain[0].HostEnd
	if end, err := b.toCell(text.NewIndex(b.Text).End()); err == nil {
		b.cellEnd = end
	}

	d.mu.Lock()
	d.blocks = append(d.blocks, b)
	children := make([]*Document, len(nested))
	for i := range nested {
		children[i] = d.childLocked(&nested[i])
	}
	d.mu.Unlock()

	for i := range nested {
		children[i].appendFragment(cellID, &nested[i], chain)
	}
}

func (d *Document) applyOverrides(s string) string {
	if d.opts.Overrides == nil || s == "" {
		return s
	}
	return d.opts.Overrides.ApplyCell(d.language, s)
}

// childLocked returns the foreign document for f, creating it if needed.
// Standalone fragments always get a new document.
func (d *Document) childLocked(f *extractor.Fragment) *Document {
	key := f.Language
	instance := ""
	if f.Standalone {
		instance = uuid.NewString()
		key = f.Language + "#" + instance
	} else if c, ok := d.children[key]; ok {
		return c
	}

	name := f.Language
	if instance != "" {
		name += "-" + instance[:8]
	}
	opts := d.opts
	opts.Language = f.Language
	opts.FileExtension = f.FileExtension
	opts.Standalone = f.Standalone
	opts.HasLspSupportedFile = false

	c := &Document{
		opts:       opts,
		logger:     d.opts.Logger.With(slog.String("document", filepath.Base(d.path)+"."+name), slog.String("language", f.Language)),
		language:   f.Language,
		path:       d.path + "." + name,
		instanceID: instance,
		parent:     d,
		depth:      d.depth + 1,
		children:   make(map[string]*Document),
		generation: d.generation,
	}
	c.snap = &snapshot{smap: &SourceMap{byCell: map[string][]int{}, lineCount: 1, generation: d.generation}}
	d.children[key] = c
	d.order = append(d.order, key)
	return c
}

// prune drops shared foreign documents that received no blocks.
func (d *Document) prune() {
	d.mu.Lock()
	order := d.order[:0]
	var kept []*Document
	for _, k := range d.order {
		c := d.children[k]
		c.mu.RLock()
		empty := len(c.blocks) == 0
		c.mu.RUnlock()
		if empty {
			d.logger.Debug("dropping unused foreign document", slog.String("uri", c.URI()))
			delete(d.children, k)
			continue
		}
		order = append(order, k)
		kept = append(kept, c)
	}
	d.order = order
	d.mu.Unlock()

	for _, c := range kept {
		c.prune()
	}
}

// publishTree publishes snapshots of d and its descendants.
func (d *Document) publishTree() {
	d.mu.Lock()
	blocks := append([]Block(nil), d.blocks...)
	value, smap := buildSnapshot(blocks, d.opts.BlankLinesBetweenCells, d.generation)
	d.snap = &snapshot{value: value, smap: smap}
	d.mu.Unlock()

	for _, c := range d.Children() {
		c.publishTree()
	}
}

// =============================================================================
// POSITION MAPPING
// =============================================================================

// TransformVirtualToCell maps a virtual position to a cell position.
func (d *Document) TransformVirtualToCell(p text.Position) (CellPosition, error) {
	return d.SourceMap().ToCell(p)
}

// TransformCellToVirtual maps a cell position to a virtual position.
func (d *Document) TransformCellToVirtual(cellID string, p text.Position) (text.Position, error) {
	return d.SourceMap().ToVirtual(cellID, p)
}

// GetEditorAtVirtualLine returns the cell that owns a virtual line.
// Padding lines belong to the cell before them.
func (d *Document) GetEditorAtVirtualLine(line int) (string, bool) {
	e, ok := d.SourceMap().Lookup(line)
	if !ok {
		return "", false
	}
	return e.CellID, true
}

// ForCellPosition returns the innermost document containing a cell
// position, and the virtual position in it.
//
// Outputs:
//
//	*Document - The deepest document whose blocks cover the position
//	text.Position - The virtual position in that document
//	error - ErrUnknownCell if no document holds the cell
func (d *Document) ForCellPosition(cellID string, p text.Position) (*Document, text.Position, error) {
	docs := d.Documents()
	for i := len(docs) - 1; i >= 0; i-- {
		if docs[i] == d {
			continue
		}
		if v, err := docs[i].TransformCellToVirtual(cellID, p); err == nil {
			return docs[i], v, nil
		}
	}
	v, err := d.TransformCellToVirtual(cellID, p)
	if err != nil {
		return nil, text.Position{}, err
	}
	return d, v, nil
}

// =============================================================================
// WRITE BACK
// =============================================================================

// ReverseOverrides undoes the override rewrite of a block text.
func (d *Document) ReverseOverrides(blockText string) string {
	if d.opts.Overrides == nil {
		return blockText
	}
	return d.opts.Overrides.ReverseCell(d.language, blockText)
}

// Reversible reports whether the block text b can be written back to the
// source it came from.
func (d *Document) Reversible(b *Block) bool {
	if b.Masked {
		return false
	}
	if b.Text == "" && strings.TrimSpace(b.Raw) == "" {
		return true
	}
	return d.ReverseOverrides(b.Text) == b.Kept
}

// PreservesOverrides reports whether next, a new text for block b, still
// carries every override rewrite of b in a form the reverse rules restore.
// Text that reverses and re-applies to something else, or that lost a
// rewritten magic, would write plain code over the magic.
func (d *Document) PreservesOverrides(b *Block, next string) bool {
	if d.opts.Overrides == nil {
		return true
	}
	rev := d.ReverseOverrides(next)
	if d.applyOverrides(rev) != next {
		return false
	}
	return d.opts.Overrides.Matches(d.language, rev) >= d.opts.Overrides.Matches(d.language, b.Kept)
}
