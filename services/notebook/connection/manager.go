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
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/edits"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/virtualdoc"
)

// EditHandler applies a server-initiated workspace edit. The widget adapter
// installs one so that server edits are serialised with rebuilds.
type EditHandler func(ctx context.Context, edit lsp.WorkspaceEdit) (edits.Outcome, error)

// =============================================================================
// MANAGER
// =============================================================================

// Manager connects the documents of one notebook to language servers.
//
// Description:
//
//	Each document language gets one connection from the Connector. A
//	failure marks only that language disconnected; reconnection attempts
//	are throttled by a per-language rate limiter.
//
// Thread Safety:
//
//	Safe for concurrent use. Sync is expected to be called by one
//	goroutine at a time, after each rebuild.
type Manager struct {
	root      *virtualdoc.Document
	connector Connector
	config    Config
	logger    *slog.Logger

	mu          sync.Mutex
	languages   map[string]*languageConn
	open        map[string]openDocument
	diagnostics map[string]documentDiagnostics
	subscribers map[int]func(DiagnosticsEvent)
	nextSub     int
	editHandler EditHandler
}

type languageConn struct {
	conn    Connection
	state   State
	err     error
	limiter *rate.Limiter
}

type openDocument struct {
	language string
	version  int
	conn     Connection
}

// NewManager creates a connection manager for a root document.
//
// Inputs:
//
//	root - The root virtual document of the notebook
//	connector - Source of connections, usually ServerConnector
//	config - Reconnect and timeout settings
//	logger - Logger, nil for slog.Default()
//
// Outputs:
//
//	*Manager - The manager. No connection is made until Sync.
func NewManager(root *virtualdoc.Document, connector Connector, config Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ReconnectBurst < 1 {
		config.ReconnectBurst = 1
	}
	return &Manager{
		root:        root,
		connector:   connector,
		config:      config,
		logger:      logger.With(slog.String("component", "connection")),
		languages:   make(map[string]*languageConn),
		open:        make(map[string]openDocument),
		diagnostics: make(map[string]documentDiagnostics),
		subscribers: make(map[int]func(DiagnosticsEvent)),
	}
}

// SetEditHandler installs the handler for workspace/applyEdit.
func (m *Manager) SetEditHandler(h EditHandler) {
	m.mu.Lock()
	m.editHandler = h
	m.mu.Unlock()
}

// Root returns the root document.
func (m *Manager) Root() *virtualdoc.Document { return m.root }

// =============================================================================
// CONNECTIONS
// =============================================================================

// connect returns the live connection for a language, connecting if the
// limiter allows it.
func (m *Manager) connect(ctx context.Context, language string) (Connection, error) {
	m.mu.Lock()
	lc, ok := m.languages[language]
	if !ok {
		lc = &languageConn{
			limiter: rate.NewLimiter(rate.Every(m.config.ReconnectInterval), m.config.ReconnectBurst),
		}
		m.languages[language] = lc
	}
	if lc.conn != nil {
		select {
		case <-lc.conn.Done():
			m.dropConnLocked(language, lc, ErrConnectionLost)
		default:
			conn := lc.conn
			m.mu.Unlock()
			return conn, nil
		}
	}
	switch {
	case lc.state == StateUnsupported:
		err := lc.err
		m.mu.Unlock()
		return nil, err
	case lc.state == StateConnecting:
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: connection in progress", ErrDisconnected, language)
	case !lc.limiter.Allow():
		err := lc.err
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %v", ErrDisconnected, language, err)
	}
	lc.state = StateConnecting
	m.mu.Unlock()

	conn, err := m.connector.Connect(ctx, language)
	recordConnect(ctx, language, err == nil)
	if err == nil {
		attach(conn, m)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		lc.err = err
		lc.state = StateDisconnected
		if errors.Is(err, lsp.ErrUnsupportedLanguage) {
			lc.state = StateUnsupported
		}
		m.logger.Warn("language server connection failed",
			slog.String("language", language),
			slog.String("state", lc.state.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	lc.conn, lc.state, lc.err = conn, StateConnected, nil
	m.logger.Info("language server connected", slog.String("language", language))
	return conn, nil
}

// dropConnLocked forgets a connection and every document opened on it.
func (m *Manager) dropConnLocked(language string, lc *languageConn, cause error) {
	for uri, od := range m.open {
		if od.conn == lc.conn {
			delete(m.open, uri)
		}
	}
	detach(lc.conn, m)
	lc.conn, lc.state, lc.err = nil, StateDisconnected, cause
	m.logger.Warn("language server disconnected",
		slog.String("language", language),
		slog.String("error", cause.Error()),
	)
}

// disconnect marks a language disconnected after a transport failure.
func (m *Manager) disconnect(language string, conn Connection, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lc, ok := m.languages[language]; ok && lc.conn == conn {
		m.dropConnLocked(language, lc, cause)
	}
}

// State returns the connection state of a language.
func (m *Manager) State(language string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lc, ok := m.languages[language]; ok {
		return lc.state
	}
	return StateIdle
}

// States returns the state of every language seen so far.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.languages))
	for l, lc := range m.languages {
		out[l] = lc.state
	}
	return out
}

// =============================================================================
// DOCUMENT SYNC
// =============================================================================

// Sync pushes the current document tree to the language servers.
//
// Description:
//
//	Documents not yet open on their connection get didOpen. Documents
//	whose generation changed get a full-text didChange with version equal
//	to the generation. Documents that are no longer part of the tree get
//	didClose and lose their diagnostics. Languages without a configured
//	server are skipped.
//
// Inputs:
//
//	ctx - Context for connecting and sending
//
// Outputs:
//
//	error - Joined per-document failures. Other documents are still synced.
func (m *Manager) Sync(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Manager.Sync")
	defer span.End()

	docs := m.root.Documents()
	seen := make(map[string]bool, len(docs))
	var errs []error
	for _, d := range docs {
		seen[d.URI()] = true
		if err := m.syncDocument(ctx, d); err != nil {
			if errors.Is(err, lsp.ErrUnsupportedLanguage) {
				m.logger.Debug("no language server for document",
					slog.String("uri", d.URI()),
					slog.String("language", d.Language()),
				)
				continue
			}
			errs = append(errs, fmt.Errorf("%s: %w", d.URI(), err))
		}
	}

	type closed struct {
		uri string
		od  openDocument
	}
	var gone []closed
	m.mu.Lock()
	for uri, od := range m.open {
		if !seen[uri] {
			gone = append(gone, closed{uri, od})
			delete(m.open, uri)
			delete(m.diagnostics, uri)
		}
	}
	m.mu.Unlock()

	sort.Slice(gone, func(i, j int) bool { return gone[i].uri < gone[j].uri })
	for _, g := range gone {
		err := g.od.conn.Notify(ctx, "textDocument/didClose", lsp.DidCloseTextDocumentParams{
			TextDocument: lsp.TextDocumentIdentifier{URI: g.uri},
		})
		if err != nil {
			m.logger.Debug("didClose failed", slog.String("uri", g.uri), slog.String("error", err.Error()))
		}
		m.publish(DiagnosticsEvent{URI: g.uri, Language: g.od.language})
	}
	return errors.Join(errs...)
}

// syncDocument brings one document up to date on its connection.
func (m *Manager) syncDocument(ctx context.Context, d *virtualdoc.Document) error {
	language := d.Language()
	conn, err := m.connect(ctx, language)
	if err != nil {
		return err
	}

	uri := d.URI()
	value, smap := d.Snapshot()
	version := int(smap.Generation())

	m.mu.Lock()
	od, opened := m.open[uri]
	m.mu.Unlock()
	if opened && od.conn == conn && od.version == version {
		return nil
	}

	if opened && od.conn == conn {
		err = conn.Notify(ctx, "textDocument/didChange", lsp.DidChangeTextDocumentParams{
			TextDocument: lsp.VersionedTextDocumentIdentifier{
				TextDocumentIdentifier: lsp.TextDocumentIdentifier{URI: uri},
				Version:                &version,
			},
			ContentChanges: []lsp.TextDocumentContentChangeEvent{{Text: value}},
		})
	} else {
		err = conn.Notify(ctx, "textDocument/didOpen", lsp.DidOpenTextDocumentParams{
			TextDocument: lsp.TextDocumentItem{
				URI:        uri,
				LanguageID: language,
				Version:    version,
				Text:       value,
			},
		})
	}
	if err != nil {
		m.disconnect(language, conn, err)
		return err
	}

	m.mu.Lock()
	m.open[uri] = openDocument{language: language, version: version, conn: conn}
	m.mu.Unlock()
	return nil
}

// Close sends didClose for every open document, forgets diagnostics and
// stops receiving server messages. Connections stay up for other
// notebooks sharing them.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	open := m.open
	m.open = make(map[string]openDocument)
	m.diagnostics = make(map[string]documentDiagnostics)
	for _, lc := range m.languages {
		if lc.conn != nil {
			detach(lc.conn, m)
			lc.conn, lc.state = nil, StateIdle
		}
	}
	m.mu.Unlock()

	for uri, od := range open {
		_ = od.conn.Notify(ctx, "textDocument/didClose", lsp.DidCloseTextDocumentParams{
			TextDocument: lsp.TextDocumentIdentifier{URI: uri},
		})
	}
}

// syncedVersion returns the version last sent for uri.
func (m *Manager) syncedVersion(uri string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	od, ok := m.open[uri]
	return od.version, ok
}

// =============================================================================
// SERVER REQUESTS
// =============================================================================

func (m *Manager) handleApplyEdit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p lsp.ApplyWorkspaceEditParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &lsp.LSPError{Code: lsp.CodeInvalidParams, Message: err.Error()}
	}

	m.mu.Lock()
	h := m.editHandler
	m.mu.Unlock()
	if h == nil {
		return lsp.ApplyWorkspaceEditResult{FailureReason: "no editor attached"}, nil
	}

	out, err := h(ctx, p.Edit)
	if err != nil {
		m.logger.Warn("server workspace edit rejected",
			slog.String("label", p.Label),
			slog.String("error", err.Error()),
		)
		return lsp.ApplyWorkspaceEditResult{FailureReason: err.Error()}, nil
	}
	if out.AppliedChanges == 0 && out.Dropped > 0 {
		return lsp.ApplyWorkspaceEditResult{FailureReason: strings.Join(out.Errors, "; ")}, nil
	}
	return lsp.ApplyWorkspaceEditResult{Applied: true}, nil
}
