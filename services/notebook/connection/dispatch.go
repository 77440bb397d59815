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
	"sync"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
)

// =============================================================================
// DISPATCH
// =============================================================================

// dispatcher routes the server-initiated messages of one connection to the
// managers that have documents on it.
//
// Description:
//
//	A server connection is shared by every notebook of a workspace, but a
//	connection holds one handler per method. The dispatcher is that one
//	handler; it hands each message to the manager whose tree holds the
//	URI the message is about.
//
// Thread Safety:
//
//	Safe for concurrent use.
type dispatcher struct {
	mu       sync.RWMutex
	managers []*Manager
}

var (
	dispatchMu  sync.Mutex
	dispatchers = make(map[Connection]*dispatcher)
)

// attach subscribes m to the messages of conn, installing the connection's
// handlers the first time any manager attaches.
func attach(conn Connection, m *Manager) {
	dispatchMu.Lock()
	defer dispatchMu.Unlock()

	d, ok := dispatchers[conn]
	if ok {
		select {
		case <-conn.Done():
			ok = false
		default:
		}
	}
	if !ok {
		d = &dispatcher{}
		dispatchers[conn] = d
		conn.OnNotification("textDocument/publishDiagnostics", d.handleDiagnostics)
		conn.OnRequest("workspace/applyEdit", d.handleApplyEdit)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, have := range d.managers {
		if have == m {
			return
		}
	}
	d.managers = append(d.managers, m)
}

// detach unsubscribes m from conn. The last manager to leave drops the
// dispatcher; messages still arriving on conn are then discarded.
func detach(conn Connection, m *Manager) {
	dispatchMu.Lock()
	defer dispatchMu.Unlock()

	d, ok := dispatchers[conn]
	if !ok {
		return
	}
	d.mu.Lock()
	kept := d.managers[:0]
	for _, have := range d.managers {
		if have != m {
			kept = append(kept, have)
		}
	}
	d.managers = kept
	empty := len(kept) == 0
	d.mu.Unlock()
	if empty {
		delete(dispatchers, conn)
	}
}

// owner returns the first attached manager whose tree holds uri.
func (d *dispatcher) owner(uri string) (*Manager, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.managers {
		if _, ok := m.root.Find(uri); ok {
			return m, true
		}
	}
	return nil, false
}

func (d *dispatcher) handleDiagnostics(ctx context.Context, params json.RawMessage) {
	var p lsp.PublishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil {
		slog.Default().Warn("malformed publishDiagnostics", slog.String("error", err.Error()))
		return
	}
	m, ok := d.owner(p.URI)
	if !ok {
		slog.Default().Debug("diagnostics for unknown document", slog.String("uri", p.URI))
		recordDiagnostics(ctx, "", "unknown", len(p.Diagnostics))
		return
	}
	m.handleDiagnostics(ctx, params)
}

func (d *dispatcher) handleApplyEdit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p lsp.ApplyWorkspaceEditParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &lsp.LSPError{Code: lsp.CodeInvalidParams, Message: err.Error()}
	}
	for _, uri := range editedURIs(p.Edit) {
		if m, ok := d.owner(uri); ok {
			return m.handleApplyEdit(ctx, params)
		}
	}
	return lsp.ApplyWorkspaceEditResult{FailureReason: "no open notebook holds the edited documents"}, nil
}

// editedURIs lists the documents a workspace edit touches, in a stable
// order.
func editedURIs(edit lsp.WorkspaceEdit) []string {
	var out []string
	seen := make(map[string]bool)
	for _, dc := range edit.DocumentChanges {
		if uri := dc.TextDocument.URI; !seen[uri] {
			seen[uri] = true
			out = append(out, uri)
		}
	}
	rest := make([]string, 0, len(edit.Changes))
	for uri := range edit.Changes {
		if !seen[uri] {
			rest = append(rest, uri)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
