// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session wires one notebook to its virtual documents, language
// server connections and widget adapter.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/adapter"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/config"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/connection"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/edits"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/notebook"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/virtualdoc"
)

// Sentinel errors for sessions.
var (
	// ErrNotFound indicates an unknown session id.
	ErrNotFound = errors.New("session not found")

	// ErrNoPath indicates a save or reload of a notebook with no file.
	ErrNoPath = errors.New("session has no file path")
)

// =============================================================================
// SESSION
// =============================================================================

// Options configures a Session.
type Options struct {
	// Config supplies document and connection settings. Required.
	Config *config.Config

	// Connector opens language server connections. Nil disables servers.
	Connector connection.Connector

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Session is one open notebook.
//
// Thread Safety:
//
//	Safe for concurrent use. Cell mutations go through the notebook and
//	are followed by an adapter notification.
type Session struct {
	id       string
	path     string
	nb       *notebook.Notebook
	doc      *virtualdoc.Document
	conns    *connection.Manager
	adapter  *adapter.Adapter
	logger   *slog.Logger
	openedAt time.Time

	watchMu sync.Mutex
	watcher *adapter.FileWatcher
}

// Open builds a session around nb.
//
// Description:
//
//	path names the notebook file and seeds the virtual document URIs. It
//	may be a notebook that only exists in memory. The document is built
//	and synced once before Open returns.
//
// Inputs:
//
//	ctx - Context for the first build and sync
//	path - Notebook path, made absolute
//	nb - The notebook
//	opts - Configuration
//
// Outputs:
//
//	*Session - The session. Call Close when done.
//	error - Invalid configuration. A failed first sync is logged, not returned.
func Open(ctx context.Context, path string, nb *notebook.Notebook, opts Options) (*Session, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	docOpts, err := opts.Config.DocumentOptions(abs, nb.Language())
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	docOpts.Logger = logger.With(slog.String("session", id))
	doc := virtualdoc.New(docOpts)

	var conns *connection.Manager
	if opts.Connector != nil {
		conns = connection.NewManager(doc, opts.Connector, opts.Config.ConnectionConfig(), docOpts.Logger)
	}

	s := &Session{
		id:       id,
		path:     abs,
		nb:       nb,
		doc:      doc,
		conns:    conns,
		logger:   docOpts.Logger,
		openedAt: time.Now(),
	}
	s.adapter = adapter.New(adapter.Options{
		Document:    doc,
		Notebook:    nb,
		Connections: conns,
		Debounce:    opts.Config.Debounce,
		Logger:      docOpts.Logger,
	})
	if _, err := s.adapter.Rebuild(ctx); err != nil {
		s.logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}
	s.logger.Info("notebook opened",
		slog.String("path", abs),
		slog.String("language", nb.Language()),
		slog.Int("cells", nb.Len()))
	return s, nil
}

// OpenFile loads the notebook at path and opens a session for it.
func OpenFile(ctx context.Context, path string, opts Options) (*Session, error) {
	nb, err := notebook.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return Open(ctx, path, nb, opts)
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Path returns the absolute notebook path.
func (s *Session) Path() string { return s.path }

// Notebook returns the notebook.
func (s *Session) Notebook() *notebook.Notebook { return s.nb }

// Document returns the root virtual document.
func (s *Session) Document() *virtualdoc.Document { return s.doc }

// Connections returns the connection manager, or nil without servers.
func (s *Session) Connections() *connection.Manager { return s.conns }

// Adapter returns the widget adapter.
func (s *Session) Adapter() *adapter.Adapter { return s.adapter }

// OpenedAt returns when the session was opened.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// =============================================================================
// CELL MUTATIONS
// =============================================================================

// SetText replaces one cell's source and schedules a rebuild.
func (s *Session) SetText(cellID, text string) error {
	if err := s.nb.SetText(cellID, text); err != nil {
		return err
	}
	s.adapter.CellContentChanged(cellID)
	return nil
}

// SetCells replaces the cell list and schedules a rebuild.
func (s *Session) SetCells(cells []notebook.Cell) ([]string, error) {
	ids, err := s.nb.SetCells(cells)
	if err != nil {
		return nil, err
	}
	s.adapter.CellListChanged()
	return ids, nil
}

// ApplyEdit applies a workspace edit expressed in virtual coordinates.
func (s *Session) ApplyEdit(ctx context.Context, edit lsp.WorkspaceEdit) (edits.Outcome, error) {
	return s.adapter.ApplyEdit(ctx, edit)
}

// Flush rebuilds and syncs immediately.
func (s *Session) Flush(ctx context.Context) error {
	return s.adapter.Flush(ctx)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// Save writes the notebook back to its file.
func (s *Session) Save() error {
	if s.path == "" {
		return ErrNoPath
	}
	return s.nb.SaveFile(s.path)
}

// Reload re-reads the notebook file and rebuilds.
//
// Description:
//
//	A file that fails to parse, typically one caught mid-write, leaves the
//	session unchanged and returns the parse error.
func (s *Session) Reload(ctx context.Context) error {
	fresh, err := notebook.LoadFile(s.path)
	if err != nil {
		return err
	}
	s.nb.Replace(fresh)
	s.adapter.CellListChanged()
	return s.adapter.Flush(ctx)
}

// Watch reloads the session whenever its file changes on disk.
//
// Description:
//
//	Reload failures are logged. Calling Watch twice is a no-op. The
//	watcher stops on Close or when ctx is cancelled.
func (s *Session) Watch(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watcher != nil {
		return nil
	}
	w, err := adapter.WatchFile(ctx, s.path, func() {
		if err := s.Reload(ctx); err != nil {
			s.logger.Warn("reload failed", slog.String("error", err.Error()))
			return
		}
		s.logger.Info("notebook reloaded", slog.String("path", s.path))
	}, s.logger)
	if err != nil {
		return err
	}
	s.watcher = w
	return nil
}

// Close stops the watcher and adapter and closes server documents.
func (s *Session) Close(ctx context.Context) {
	s.watchMu.Lock()
	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
	}
	s.watchMu.Unlock()

	s.adapter.Close()
	if s.conns != nil {
		s.conns.Close(ctx)
	}
	s.logger.Info("notebook closed", slog.String("path", s.path))
}

// =============================================================================
// STORE
// =============================================================================

// Store holds the open sessions of a server process.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty store. opts is used for every session.
func NewStore(opts Options) *Store {
	return &Store{opts: opts, sessions: make(map[string]*Session)}
}

// Open opens a session and adds it to the store.
func (st *Store) Open(ctx context.Context, path string, nb *notebook.Notebook) (*Session, error) {
	s, err := Open(ctx, path, nb, st.opts)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	st.sessions[s.id] = s
	st.mu.Unlock()
	return s, nil
}

// Get returns the session with id.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns the open sessions, oldest first.
func (st *Store) List() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].openedAt.Equal(out[j].openedAt) {
			return out[i].openedAt.Before(out[j].openedAt)
		}
		return out[i].id < out[j].id
	})
	return out
}

// Close closes and removes one session.
func (st *Store) Close(ctx context.Context, id string) error {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.Close(ctx)
	return nil
}

// CloseAll closes every session.
func (st *Store) CloseAll(ctx context.Context) {
	st.mu.Lock()
	all := st.sessions
	st.sessions = make(map[string]*Session)
	st.mu.Unlock()
	for _, s := range all {
		s.Close(ctx)
	}
}
