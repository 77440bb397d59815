// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/text"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/virtualdoc"
)

// =============================================================================
// RESULT TYPES
// =============================================================================

// Completion is the completion list at a cell position. Text edit ranges
// are in cell coordinates; items whose edit cannot be mapped keep only
// their insert text.
type Completion struct {
	IsIncomplete bool                 `json:"is_incomplete"`
	Items        []lsp.CompletionItem `json:"items"`
}

// Hover is hover information at a cell position.
type Hover struct {
	Contents lsp.MarkupContent `json:"contents"`

	// Range is the hovered range in the cell, when the server sent one.
	Range *text.Range `json:"range,omitempty"`
}

// Target is a definition location. CellID is set when the location lies in
// one of the notebook's virtual documents, and Range is then in cell
// coordinates. Otherwise URI and Range are the server's.
type Target struct {
	CellID string     `json:"cell_id,omitempty"`
	URI    string     `json:"uri,omitempty"`
	Range  text.Range `json:"range"`
}

// LocationLink is the link form of a definition result.
type LocationLink struct {
	TargetURI            string    `json:"targetUri"`
	TargetRange          lsp.Range `json:"targetRange"`
	TargetSelectionRange lsp.Range `json:"targetSelectionRange"`
}

// =============================================================================
// REQUEST PIPELINE
// =============================================================================

// positionRequest is one feature request issued at a cell position.
type positionRequest struct {
	op        string
	method    string
	supported func(*lsp.ServerCapabilities) bool
	params    func(uri string, p lsp.Position) interface{}
}

// at resolves a cell position, sends the request and checks that the
// document did not change meanwhile.
func (m *Manager) at(ctx context.Context, r positionRequest, cellID string, pos text.Position, result interface{}) (doc *virtualdoc.Document, err error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	ctx, span := startOperationSpan(ctx, r.op, cellID)
	defer span.End()
	start := time.Now()
	language := ""
	defer func() { endOperation(ctx, span, r.op, language, start, err) }()

	doc, vpos, err := m.root.ForCellPosition(cellID, pos)
	if err != nil {
		return nil, err
	}
	language = doc.Language()
	return doc, m.send(ctx, doc, r.method, r.supported, r.params(doc.URI(), vpos), result)
}

// send issues one request for doc after syncing it.
func (m *Manager) send(ctx context.Context, doc *virtualdoc.Document, method string, supported func(*lsp.ServerCapabilities) bool, params, result interface{}) error {
	if err := m.syncDocument(ctx, doc); err != nil {
		return err
	}
	conn, err := m.connect(ctx, doc.Language())
	if err != nil {
		return err
	}
	caps := conn.Capabilities()
	if supported != nil && !supported(&caps) {
		return fmt.Errorf("%w: %s", ErrNotSupported, method)
	}

	gen := doc.Generation()
	if m.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.RequestTimeout)
		defer cancel()
	}

	err = conn.Request(ctx, method, params, result)
	var lspErr *lsp.LSPError
	switch {
	case errors.As(err, &lspErr) && lspErr.IsContentModified():
		return fmt.Errorf("%w: %s", ErrStaleResponse, method)
	case errors.Is(err, lsp.ErrServerCrashed), errors.Is(err, lsp.ErrServerNotRunning):
		m.disconnect(doc.Language(), conn, err)
		return err
	case err != nil:
		return err
	}
	if cur, ok := m.root.Find(doc.URI()); !ok || cur != doc {
		return fmt.Errorf("%w: %s: %s was replaced", ErrStaleResponse, method, doc.URI())
	}
	if doc.Generation() != gen {
		return fmt.Errorf("%w: %s: generation %d -> %d", ErrStaleResponse, method, gen, doc.Generation())
	}
	return nil
}

func isStale(err error) bool { return errors.Is(err, ErrStaleResponse) }

func positionParams(uri string, p lsp.Position) interface{} {
	return lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: uri},
		Position:     p,
	}
}

// =============================================================================
// COMPLETION
// =============================================================================

// Completion requests completion candidates at a cell position.
//
// Inputs:
//
//	ctx - Context for cancellation
//	cellID - The cell holding the cursor
//	pos - Cursor position in the cell
//
// Outputs:
//
//	*Completion - Candidates, possibly empty
//	error - ErrStaleResponse if the notebook changed during the request,
//	ErrNotSupported, ErrDisconnected or a request failure
func (m *Manager) Completion(ctx context.Context, cellID string, pos text.Position) (*Completion, error) {
	var raw json.RawMessage
	doc, err := m.at(ctx, positionRequest{
		op:        "completion",
		method:    "textDocument/completion",
		supported: (*lsp.ServerCapabilities).HasCompletionProvider,
		params:    positionParams,
	}, cellID, pos, &raw)
	if err != nil {
		return nil, err
	}

	list, err := parseCompletion(raw)
	if err != nil {
		return nil, err
	}
	smap := doc.SourceMap()
	for i := range list.Items {
		te := list.Items[i].TextEdit
		if te == nil {
			continue
		}
		r, ok := rangeToCell(smap, te.Range, cellID)
		if !ok {
			if list.Items[i].InsertText == "" {
				list.Items[i].InsertText = te.NewText
			}
			list.Items[i].TextEdit = nil
			continue
		}
		list.Items[i].TextEdit = &lsp.TextEdit{Range: r, NewText: te.NewText}
	}
	return &Completion{IsIncomplete: list.IsIncomplete, Items: list.Items}, nil
}

// parseCompletion accepts a CompletionList or a bare item array.
func parseCompletion(data json.RawMessage) (lsp.CompletionList, error) {
	var list lsp.CompletionList
	if len(data) == 0 || string(data) == "null" {
		return list, nil
	}
	if data[0] == '[' {
		if err := json.Unmarshal(data, &list.Items); err != nil {
			return list, fmt.Errorf("%w: completion: %v", lsp.ErrInvalidResponse, err)
		}
		return list, nil
	}
	if err := json.Unmarshal(data, &list); err != nil {
		return list, fmt.Errorf("%w: completion: %v", lsp.ErrInvalidResponse, err)
	}
	return list, nil
}

// =============================================================================
// HOVER
// =============================================================================

// Hover requests hover information at a cell position. A nil result means
// the server had nothing to show.
func (m *Manager) Hover(ctx context.Context, cellID string, pos text.Position) (*Hover, error) {
	var res *lsp.HoverResult
	doc, err := m.at(ctx, positionRequest{
		op:        "hover",
		method:    "textDocument/hover",
		supported: (*lsp.ServerCapabilities).HasHoverProvider,
		params:    positionParams,
	}, cellID, pos, &res)
	if err != nil || res == nil {
		return nil, err
	}

	h := &Hover{Contents: res.Contents}
	if res.Range != nil {
		if r, ok := rangeToCell(doc.SourceMap(), *res.Range, cellID); ok {
			h.Range = &r
		}
	}
	return h, nil
}

// =============================================================================
// DEFINITION
// =============================================================================

// Definition returns definition targets for the symbol at a cell position.
func (m *Manager) Definition(ctx context.Context, cellID string, pos text.Position) ([]Target, error) {
	var raw json.RawMessage
	_, err := m.at(ctx, positionRequest{
		op:        "definition",
		method:    "textDocument/definition",
		supported: (*lsp.ServerCapabilities).HasDefinitionProvider,
		params:    positionParams,
	}, cellID, pos, &raw)
	if err != nil {
		return nil, err
	}

	locations, err := parseLocationResponse(raw)
	if err != nil {
		return nil, err
	}
	targets := make([]Target, 0, len(locations))
	for _, loc := range locations {
		targets = append(targets, m.target(loc))
	}
	return targets, nil
}

// target maps a location into cell coordinates when it lies in the
// notebook.
func (m *Manager) target(loc lsp.Location) Target {
	doc, ok := m.root.Find(loc.URI)
	if !ok {
		return Target{URI: loc.URI, Range: loc.Range}
	}
	smap := doc.SourceMap()
	start, err := smap.ToCell(loc.Range.Start)
	if err != nil {
		return Target{URI: loc.URI, Range: loc.Range}
	}
	r, ok := rangeToCell(smap, loc.Range, start.CellID)
	if !ok {
		r = text.Range{Start: start.Position, End: start.Position}
	}
	return Target{CellID: start.CellID, Range: r}
}

// parseLocationResponse parses a location, a location array or a location
// link array.
func parseLocationResponse(data json.RawMessage) ([]lsp.Location, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	if data[0] == '[' {
		var links []LocationLink
		if err := json.Unmarshal(data, &links); err == nil && len(links) > 0 && links[0].TargetURI != "" {
			locations := make([]lsp.Location, len(links))
			for i, link := range links {
				locations[i] = lsp.Location{URI: link.TargetURI, Range: link.TargetSelectionRange}
			}
			return locations, nil
		}
		var locations []lsp.Location
		if err := json.Unmarshal(data, &locations); err == nil {
			return locations, nil
		}
		return nil, lsp.ErrInvalidResponse
	}

	var single lsp.Location
	if err := json.Unmarshal(data, &single); err == nil && single.URI != "" {
		return []lsp.Location{single}, nil
	}
	return nil, lsp.ErrInvalidResponse
}

// =============================================================================
// RENAME AND FORMATTING
// =============================================================================

// Rename asks the server to rename the symbol at a cell position. The
// returned edit carries the generation of every notebook document it
// touches as its version, so applying it after another rebuild fails with
// edits.ErrStaleEdit.
func (m *Manager) Rename(ctx context.Context, cellID string, pos text.Position, newName string) (lsp.WorkspaceEdit, error) {
	var edit lsp.WorkspaceEdit
	_, err := m.at(ctx, positionRequest{
		op:        "rename",
		method:    "textDocument/rename",
		supported: (*lsp.ServerCapabilities).HasRenameProvider,
		params: func(uri string, p lsp.Position) interface{} {
			return lsp.RenameParams{
				TextDocumentPositionParams: lsp.TextDocumentPositionParams{
					TextDocument: lsp.TextDocumentIdentifier{URI: uri},
					Position:     p,
				},
				NewName: newName,
			}
		},
	}, cellID, pos, &edit)
	if err != nil {
		return lsp.WorkspaceEdit{}, err
	}
	return m.versioned(edit), nil
}

// Format requests whole-document formatting of one virtual document, the
// root when uri is empty, and returns it as a versioned workspace edit.
func (m *Manager) Format(ctx context.Context, uri string, options lsp.FormattingOptions) (edit lsp.WorkspaceEdit, err error) {
	if ctx == nil {
		return lsp.WorkspaceEdit{}, fmt.Errorf("ctx must not be nil")
	}
	doc := m.root
	if uri != "" {
		var ok bool
		if doc, ok = m.root.Find(uri); !ok {
			return lsp.WorkspaceEdit{}, fmt.Errorf("%w: %s", virtualdoc.ErrUnknownDocument, uri)
		}
	}

	ctx, span := startOperationSpan(ctx, "format", "")
	defer span.End()
	start := time.Now()
	defer func() { endOperation(ctx, span, "format", doc.Language(), start, err) }()

	gen := int(doc.Generation())
	var textEdits []lsp.TextEdit
	err = m.send(ctx, doc, "textDocument/formatting", (*lsp.ServerCapabilities).HasFormattingProvider,
		lsp.DocumentFormattingParams{
			TextDocument: lsp.TextDocumentIdentifier{URI: doc.URI()},
			Options:      options,
		}, &textEdits)
	if err != nil {
		return lsp.WorkspaceEdit{}, err
	}
	if len(textEdits) == 0 {
		return lsp.WorkspaceEdit{}, nil
	}
	return lsp.WorkspaceEdit{DocumentChanges: []lsp.TextDocumentEdit{{
		TextDocument: lsp.VersionedTextDocumentIdentifier{
			TextDocumentIdentifier: lsp.TextDocumentIdentifier{URI: doc.URI()},
			Version:                &gen,
		},
		Edits: textEdits,
	}}}, nil
}

// versioned converts unversioned changes to documentChanges stamped with
// the current generation of each notebook document.
func (m *Manager) versioned(edit lsp.WorkspaceEdit) lsp.WorkspaceEdit {
	if len(edit.DocumentChanges) > 0 || len(edit.Changes) == 0 {
		return edit
	}
	uris := make([]string, 0, len(edit.Changes))
	for uri := range edit.Changes {
		uris = append(uris, uri)
	}
	sort.Strings(uris)

	out := lsp.WorkspaceEdit{}
	for _, uri := range uris {
		id := lsp.VersionedTextDocumentIdentifier{TextDocumentIdentifier: lsp.TextDocumentIdentifier{URI: uri}}
		if doc, ok := m.root.Find(uri); ok {
			v := int(doc.Generation())
			id.Version = &v
		}
		out.DocumentChanges = append(out.DocumentChanges, lsp.TextDocumentEdit{TextDocument: id, Edits: edit.Changes[uri]})
	}
	return out
}

// rangeToCell maps a virtual range into cellID. Both ends must land in
// that cell.
func rangeToCell(smap *virtualdoc.SourceMap, r lsp.Range, cellID string) (text.Range, bool) {
	start, err := smap.ToCell(r.Start)
	if err != nil || start.CellID != cellID {
		return text.Range{}, false
	}
	end, err := smap.ToCell(r.End)
	if err != nil || end.CellID != cellID {
		return text.Range{}, false
	}
	return text.Range{Start: start.Position, End: end.Position}, true
}
