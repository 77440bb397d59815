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
	"log/slog"
	"sort"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/text"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/virtualdoc"
)

// =============================================================================
// TYPES
// =============================================================================

// CellDiagnostic is a diagnostic in cell coordinates.
type CellDiagnostic struct {
	CellID   string                 `json:"cell_id"`
	Range    text.Range             `json:"range"`
	Severity lsp.DiagnosticSeverity `json:"severity"`
	Message  string                 `json:"message"`
	Source   string                 `json:"source,omitempty"`
	Code     interface{}            `json:"code,omitempty"`

	// URI and Language identify the virtual document that produced it.
	URI      string `json:"uri"`
	Language string `json:"language"`
}

// DiagnosticsEvent is delivered to subscribers whenever the diagnostics of
// one virtual document are replaced. An empty Diagnostics slice clears them.
type DiagnosticsEvent struct {
	URI         string           `json:"uri"`
	Language    string           `json:"language"`
	Generation  uint64           `json:"generation"`
	Diagnostics []CellDiagnostic `json:"diagnostics"`
}

type documentDiagnostics struct {
	generation uint64
	items      []CellDiagnostic
}

// =============================================================================
// PUBLISH
// =============================================================================

func (m *Manager) handleDiagnostics(ctx context.Context, params json.RawMessage) {
	var p lsp.PublishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil {
		m.logger.Warn("malformed publishDiagnostics", slog.String("error", err.Error()))
		return
	}

	doc, ok := m.root.Find(p.URI)
	if !ok {
		m.logger.Debug("diagnostics for unknown document", slog.String("uri", p.URI))
		recordDiagnostics(ctx, "", "unknown", len(p.Diagnostics))
		return
	}
	_, smap := doc.Snapshot()
	gen := smap.Generation()

	version, synced := m.syncedVersion(p.URI)
	if p.Version != nil {
		version, synced = *p.Version, true
	}
	if !synced || uint64(version) != gen {
		m.logger.Debug("dropping stale diagnostics",
			slog.String("uri", p.URI),
			slog.Int("version", version),
			slog.Uint64("generation", gen),
		)
		recordDiagnostics(ctx, doc.Language(), "stale", len(p.Diagnostics))
		return
	}

	items, unmapped := mapDiagnostics(smap, p.URI, doc.Language(), p.Diagnostics)
	recordDiagnostics(ctx, doc.Language(), "accepted", len(items))
	if unmapped > 0 {
		recordDiagnostics(ctx, doc.Language(), "unmapped", unmapped)
	}

	m.mu.Lock()
	m.diagnostics[p.URI] = documentDiagnostics{generation: gen, items: items}
	m.mu.Unlock()

	m.publish(DiagnosticsEvent{URI: p.URI, Language: doc.Language(), Generation: gen, Diagnostics: items})
}

// mapDiagnostics converts diagnostics to cell coordinates. Diagnostics that
// start in prologue code have no cell and are counted as unmapped. A range
// ending in another cell is cut at its start.
func mapDiagnostics(smap *virtualdoc.SourceMap, uri, language string, in []lsp.Diagnostic) ([]CellDiagnostic, int) {
	out := make([]CellDiagnostic, 0, len(in))
	unmapped := 0
	for _, d := range in {
		start, err := smap.ToCell(d.Range.Start)
		if err != nil {
			unmapped++
			continue
		}
		end, err := smap.ToCell(d.Range.End)
		if err != nil || end.CellID != start.CellID || text.Compare(end.Position, start.Position) < 0 {
			end = start
		}
		sev := d.Severity
		if sev == 0 {
			sev = lsp.SeverityError
		}
		out = append(out, CellDiagnostic{
			CellID:   start.CellID,
			Range:    text.Range{Start: start.Position, End: end.Position},
			Severity: sev,
			Message:  d.Message,
			Source:   d.Source,
			Code:     d.Code,
			URI:      uri,
			Language: language,
		})
	}
	return out, unmapped
}

// =============================================================================
// QUERIES
// =============================================================================

// Diagnostics returns every current diagnostic in notebook order: by cell
// position in the root document, then by line and column.
func (m *Manager) Diagnostics() []CellDiagnostic {
	order := make(map[string]int)
	for i, b := range m.root.SourceMap().Blocks() {
		order[b.CellID] = i
	}

	m.mu.Lock()
	var out []CellDiagnostic
	for _, dd := range m.diagnostics {
		out = append(out, dd.items...)
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if oa, ob := order[a.CellID], order[b.CellID]; oa != ob {
			return oa < ob
		}
		if c := text.Compare(a.Range.Start, b.Range.Start); c != 0 {
			return c < 0
		}
		if a.URI != b.URI {
			return a.URI < b.URI
		}
		return a.Message < b.Message
	})
	return out
}

// CellDiagnostics returns the diagnostics of one cell.
func (m *Manager) CellDiagnostics(cellID string) []CellDiagnostic {
	var out []CellDiagnostic
	for _, d := range m.Diagnostics() {
		if d.CellID == cellID {
			out = append(out, d)
		}
	}
	return out
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers fn for diagnostics events and returns a function that
// removes it. fn runs on the connection's read goroutine and must not block.
func (m *Manager) Subscribe(fn func(DiagnosticsEvent)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) publish(ev DiagnosticsEvent) {
	m.mu.Lock()
	ids := make([]int, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(DiagnosticsEvent), len(ids))
	for i, id := range ids {
		subs[i] = m.subscribers[id]
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
