// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNotebookLSP/pkg/ux"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/connection"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/session"
)

// watchSettle is how long diagnostics must be quiet before watch reprints.
const watchSettle = 300 * time.Millisecond

// =============================================================================
// CHECK
// =============================================================================

func newCheckCmd(a *app) *cobra.Command {
	var (
		timeout time.Duration
		failOn  string
	)
	cmd := &cobra.Command{
		Use:   "check NOTEBOOK",
		Short: "Run language servers over a notebook and print cell diagnostics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, err := parseFailOn(failOn)
			if err != nil {
				return err
			}
			s, closeFn, err := a.openNotebook(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			defer closeFn()

			a.waitForDiagnostics(cmd.Context(), s, timeout)
			a.reportStates(s)
			if worst := a.reportDiagnostics(args[0], s); worst != 0 && worst <= threshold {
				return errFindings
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for diagnostics")
	cmd.Flags().StringVar(&failOn, "fail-on", "error", "Exit 1 at or above this severity: error, warning, info, hint, never")
	return cmd
}

func parseFailOn(s string) (lsp.DiagnosticSeverity, error) {
	switch s {
	case "error":
		return lsp.SeverityError, nil
	case "warning":
		return lsp.SeverityWarning, nil
	case "info":
		return lsp.SeverityInformation, nil
	case "hint":
		return lsp.SeverityHint, nil
	case "never":
		return 0, nil
	default:
		return 0, fmt.Errorf("invalid --fail-on %q", s)
	}
}

// waitForDiagnostics re-syncs the session and waits until every document
// with a connected server has published diagnostics, or timeout elapses.
func (a *app) waitForDiagnostics(ctx context.Context, s *session.Session, timeout time.Duration) {
	conns := s.Connections()
	if conns == nil {
		return
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]bool)
		seen    = make(map[string]bool)
		ready   bool
		done    = make(chan struct{})
		closed  bool
	)
	cancel := conns.Subscribe(func(ev connection.DiagnosticsEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen[ev.URI] = true
		if !ready {
			return
		}
		delete(pending, ev.URI)
		if len(pending) == 0 && !closed {
			closed = true
			close(done)
		}
	})
	defer cancel()

	// A fresh sync makes servers publish again after the subscription.
	if err := s.Flush(ctx); err != nil {
		a.logger.Debug("sync before check failed", "error", err)
	}

	states := conns.States()
	mu.Lock()
	for _, doc := range s.Document().Documents() {
		if states[doc.Language()] == connection.StateConnected {
			pending[doc.URI()] = true
		}
	}
	for uri := range seen {
		delete(pending, uri)
	}
	ready = true
	if len(pending) == 0 && !closed {
		closed = true
		close(done)
	}
	mu.Unlock()

	spin := a.printer.Spinner(fmt.Sprintf("waiting for diagnostics (%d documents)", len(s.Document().Documents())))
	spin.Start()
	defer spin.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-ctx.Done():
	case <-timer.C:
		spin.Stop()
		mu.Lock()
		waiting := make([]string, 0, len(pending))
		for uri := range pending {
			waiting = append(waiting, uri)
		}
		mu.Unlock()
		sort.Strings(waiting)
		for _, uri := range waiting {
			a.printer.Warning("no diagnostics received for " + uri)
		}
	}
}

// reportStates warns about languages that have no working server.
func (a *app) reportStates(s *session.Session) {
	if s.Connections() == nil {
		return
	}
	states := s.Connections().States()
	languages := make([]string, 0, len(states))
	for l := range states {
		languages = append(languages, l)
	}
	sort.Strings(languages)
	for _, l := range languages {
		if st := states[l]; st != connection.StateConnected {
			a.printer.Warning(fmt.Sprintf("%s: no language server (%s)", l, st))
		}
	}
}

// reportDiagnostics prints the session's diagnostics and a summary. It
// returns the most severe severity seen, or 0 when there were none.
func (a *app) reportDiagnostics(path string, s *session.Session) lsp.DiagnosticSeverity {
	if s.Connections() == nil {
		return 0
	}
	display := path
	if rel, err := filepath.Rel(".", path); err == nil {
		display = rel
	}

	var errs, warns, other int
	var worst lsp.DiagnosticSeverity
	for _, d := range s.Connections().Diagnostics() {
		a.printer.Diagnostic(toFinding(display, d))
		switch d.Severity {
		case lsp.SeverityError:
			errs++
		case lsp.SeverityWarning:
			warns++
		default:
			other++
		}
		if worst == 0 || d.Severity < worst {
			worst = d.Severity
		}
	}
	a.printer.Summary(errs, warns, other)
	return worst
}

func toFinding(file string, d connection.CellDiagnostic) ux.Finding {
	sev := ux.SeverityInfo
	switch d.Severity {
	case lsp.SeverityError:
		sev = ux.SeverityError
	case lsp.SeverityWarning:
		sev = ux.SeverityWarning
	case lsp.SeverityHint:
		sev = ux.SeverityHint
	}
	return ux.Finding{
		File:     file,
		Cell:     d.CellID,
		Line:     d.Range.Start.Line + 1,
		Column:   d.Range.Start.Character + 1,
		Severity: sev,
		Message:  d.Message,
		Source:   d.Source,
	}
}

// =============================================================================
// WATCH
// =============================================================================

func newWatchCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "watch NOTEBOOK",
		Short: "Re-check a notebook whenever it is saved",
		Long: `Checks the notebook like 'check', then reloads it on every change to
the file and prints the diagnostics again once they settle. Stops on
Ctrl-C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, closeFn, err := a.openNotebook(ctx, args[0], true)
			if err != nil {
				return err
			}
			defer closeFn()

			a.waitForDiagnostics(ctx, s, timeout)
			a.reportStates(s)
			a.reportDiagnostics(args[0], s)
			return a.watch(ctx, args[0], s)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the first diagnostics")
	return cmd
}

func (a *app) watch(ctx context.Context, path string, s *session.Session) error {
	if err := s.Watch(ctx); err != nil {
		return err
	}
	a.printer.Muted("Watching " + s.Path() + " (Ctrl-C to stop)")

	events := make(chan struct{}, 1)
	cancel := s.Connections().Subscribe(func(connection.DiagnosticsEvent) {
		select {
		case events <- struct{}{}:
		default:
		}
	})
	defer cancel()

	timer := time.NewTimer(watchSettle)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-events:
			timer.Reset(watchSettle)
		case <-timer.C:
			a.printer.Title(fmt.Sprintf("%s  generation %d", time.Now().Format(time.TimeOnly), s.Document().Generation()))
			a.reportDiagnostics(path, s)
		}
	}
}
