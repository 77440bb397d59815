// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adapter binds a notebook to its virtual document.
//
// The Adapter receives cell change notifications, coalesces them for a
// debounce window and then rebuilds the virtual document and syncs it to
// the language servers. Rebuilds and edit application hold the same lock,
// so an edit never observes a half-built document.
package adapter

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/connection"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/edits"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/virtualdoc"
)

var tracer = otel.Tracer("aleutian.notebook.adapter")

// ErrClosed indicates the adapter was closed.
var ErrClosed = errors.New("adapter closed")

// Notebook is the cell store the adapter reads from and writes edits to.
type Notebook interface {
	edits.Cells

	// CodeCells returns the code cells in notebook order.
	CodeCells() []virtualdoc.Cell
}

// Options configures an Adapter.
type Options struct {
	// Document is the root virtual document. Required.
	Document *virtualdoc.Document

	// Notebook is the cell store. Required.
	Notebook Notebook

	// Connections syncs documents after each rebuild. Optional.
	Connections *connection.Manager

	// Debounce is how long notifications are coalesced before a rebuild.
	// Zero rebuilds on every notification.
	Debounce time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// RebuildEvent describes one completed rebuild.
type RebuildEvent struct {
	Generation uint64   `json:"generation"`
	Changed    []string `json:"changed,omitempty"`
	SyncError  string   `json:"sync_error,omitempty"`
}

// Adapter serialises rebuilds and edit application for one notebook.
//
// Description:
//
//	A single goroutine owns the debounce timer. Notifications only signal
//	it. Close must be called to stop the goroutine.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Adapter struct {
	doc      *virtualdoc.Document
	nb       Notebook
	conns    *connection.Manager
	applier  *edits.Applier
	debounce time.Duration
	logger   *slog.Logger

	// mu serialises rebuilds and edit application.
	mu sync.Mutex

	pendingMu sync.Mutex
	changed   map[string]bool

	listenersMu  sync.Mutex
	listeners    map[int]func(RebuildEvent)
	nextListener int

	notify   chan struct{}
	flushReq chan chan error
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates an adapter and starts its debounce goroutine.
//
// Inputs:
//
//	opts - Document and Notebook are required
//
// Outputs:
//
//	*Adapter - Running adapter. The document is not rebuilt until the
//	first notification or Flush.
func New(opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		doc:       opts.Document,
		nb:        opts.Notebook,
		conns:     opts.Connections,
		debounce:  opts.Debounce,
		logger:    logger.With(slog.String("component", "adapter")),
		changed:   make(map[string]bool),
		listeners: make(map[int]func(RebuildEvent)),
		notify:    make(chan struct{}, 1),
		flushReq:  make(chan chan error),
		done:      make(chan struct{}),
	}
	a.applier = edits.NewApplier(opts.Document, opts.Notebook, logger)
	if a.conns != nil {
		a.conns.SetEditHandler(a.ApplyEdit)
	}

	a.wg.Add(1)
	go a.loop()
	return a
}

// Document returns the root virtual document.
func (a *Adapter) Document() *virtualdoc.Document { return a.doc }

// Connections returns the connection manager, or nil.
func (a *Adapter) Connections() *connection.Manager { return a.conns }

// OnRebuild registers fn to run after each debounced rebuild. fn runs on
// the adapter goroutine and must not block. cancel removes it.
func (a *Adapter) OnRebuild(fn func(RebuildEvent)) (cancel func()) {
	a.listenersMu.Lock()
	id := a.nextListener
	a.nextListener++
	a.listeners[id] = fn
	a.listenersMu.Unlock()
	return func() {
		a.listenersMu.Lock()
		delete(a.listeners, id)
		a.listenersMu.Unlock()
	}
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// CellContentChanged records that the text of one cell changed.
func (a *Adapter) CellContentChanged(cellID string) {
	a.pendingMu.Lock()
	a.changed[cellID] = true
	a.pendingMu.Unlock()
	a.signal()
}

// CellListChanged records that cells were added, removed or reordered.
func (a *Adapter) CellListChanged() {
	a.signal()
}

func (a *Adapter) signal() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

// loop owns the debounce timer.
func (a *Adapter) loop() {
	defer a.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time
	stop := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stop()

	for {
		select {
		case <-a.done:
			return

		case <-a.notify:
			if a.debounce <= 0 {
				a.rebuildAndNotify(context.Background())
				continue
			}
			if timer == nil {
				timer = time.NewTimer(a.debounce)
				timerC = timer.C
			} else {
				timer.Reset(a.debounce)
			}

		case <-timerC:
			timer, timerC = nil, nil
			a.rebuildAndNotify(context.Background())

		case reply := <-a.flushReq:
			stop()
			// Drain a notification that raced with the flush.
			select {
			case <-a.notify:
			default:
			}
			reply <- a.rebuildAndNotify(context.Background())
		}
	}
}

// Flush rebuilds now, discarding any pending debounce.
//
// Outputs:
//
//	error - The sync error of the rebuild, ctx.Err(), or ErrClosed
func (a *Adapter) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case a.flushReq <- reply:
	case <-a.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the debounce goroutine. Pending notifications are dropped.
func (a *Adapter) Close() {
	a.stopOnce.Do(func() {
		close(a.done)
	})
	a.wg.Wait()
}

// =============================================================================
// REBUILD AND APPLY
// =============================================================================

func (a *Adapter) rebuildAndNotify(ctx context.Context) error {
	a.pendingMu.Lock()
	changed := make([]string, 0, len(a.changed))
	for id := range a.changed {
		changed = append(changed, id)
	}
	a.changed = make(map[string]bool)
	a.pendingMu.Unlock()
	sort.Strings(changed)

	gen, err := a.Rebuild(ctx)
	ev := RebuildEvent{Generation: gen, Changed: changed}
	if err != nil {
		ev.SyncError = err.Error()
		a.logger.Warn("document sync failed", slog.Uint64("generation", gen), slog.String("error", err.Error()))
	}

	a.listenersMu.Lock()
	ids := make([]int, 0, len(a.listeners))
	for id := range a.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]func(RebuildEvent), len(ids))
	for i, id := range ids {
		listeners[i] = a.listeners[id]
	}
	a.listenersMu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
	return err
}

// Rebuild recomposes the document from the notebook's code cells and syncs
// it to the language servers.
//
// Outputs:
//
//	uint64 - The new generation
//	error - Sync failure. The rebuild itself cannot fail.
func (a *Adapter) Rebuild(ctx context.Context) (uint64, error) {
	ctx, span := tracer.Start(ctx, "Adapter.Rebuild")
	defer span.End()

	a.mu.Lock()
	a.doc.Rebuild(ctx, a.nb.CodeCells())
	gen := a.doc.Generation()
	a.mu.Unlock()

	span.SetAttributes(attribute.Int64("notebook.generation", int64(gen)))
	a.logger.Debug("document rebuilt", slog.Uint64("generation", gen))
	return gen, a.sync(ctx)
}

func (a *Adapter) sync(ctx context.Context) error {
	if a.conns == nil {
		return nil
	}
	return a.conns.Sync(ctx)
}

// ApplyEdit applies a workspace edit to the notebook cells.
//
// Description:
//
//	Holds the rebuild lock while the edit is applied. When any cell was
//	modified the document is rebuilt before the lock is released, so the
//	next edit sees the new text, and the result is synced.
//
// Inputs:
//
//	ctx - Context for tracing and sync
//	edit - Edit in virtual document coordinates
//
// Outputs:
//
//	edits.Outcome - What was applied
//	error - Rejected batches (see edits.Applier.Apply)
func (a *Adapter) ApplyEdit(ctx context.Context, edit lsp.WorkspaceEdit) (edits.Outcome, error) {
	ctx, span := tracer.Start(ctx, "Adapter.ApplyEdit")
	defer span.End()

	a.mu.Lock()
	out, err := a.applier.Apply(ctx, edit)
	rebuilt := false
	if out.ModifiedCells > 0 {
		a.doc.Rebuild(ctx, a.nb.CodeCells())
		rebuilt = true
	}
	a.mu.Unlock()

	if rebuilt {
		if serr := a.sync(ctx); serr != nil {
			a.logger.Warn("document sync after edit failed", slog.String("error", serr.Error()))
		}
	}
	return out, err
}
