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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/notebook"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/session"
)

type formatOptions struct {
	write    bool
	showDiff bool
	check    bool
	tabSize  int
	timeout  time.Duration
}

func newFormatCmd(a *app) *cobra.Command {
	var opts formatOptions
	cmd := &cobra.Command{
		Use:   "format NOTEBOOK",
		Short: "Format the code cells of a notebook with its language servers",
		Long: `Requests document formatting for every virtual document and writes the
result back to the cells. Without --write the notebook file is left
untouched and the cells that would change are listed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runFormat(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.write, "write", "w", false, "Write the formatted notebook back to disk")
	cmd.Flags().BoolVarP(&opts.showDiff, "diff", "d", false, "Print a unified diff of the changed cells")
	cmd.Flags().BoolVar(&opts.check, "check", false, "Exit 1 if any cell would change")
	cmd.Flags().IntVar(&opts.tabSize, "tab-size", 4, "Indentation width passed to the formatter")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 60*time.Second, "Overall time limit")
	return cmd
}

func (a *app) runFormat(ctx context.Context, path string, opts formatOptions) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	s, closeFn, err := a.openNotebook(ctx, path, true)
	if err != nil {
		return err
	}
	defer closeFn()

	before := s.Notebook().Cells()
	a.formatDocuments(ctx, s, lsp.FormattingOptions{TabSize: opts.tabSize, InsertSpaces: true})
	changes := cellChanges(before, s.Notebook())

	if opts.showDiff {
		out, err := unifiedDiff(changes)
		if err != nil {
			return fmt.Errorf("render diff: %w", err)
		}
		a.printer.Raw(out)
	}

	switch {
	case len(changes) == 0:
		a.printer.Success("already formatted")
	case opts.write:
		if err := s.Save(); err != nil {
			return err
		}
		a.printer.Success(fmt.Sprintf("formatted %d cell(s) in %s", len(changes), path))
	case !opts.showDiff:
		for _, c := range changes {
			a.printer.Info("would reformat " + c.Label)
		}
	}
	if opts.check && len(changes) > 0 && !opts.write {
		return errFindings
	}
	return nil
}

// formatDocuments formats each virtual document in turn. Every applied
// edit rebuilds the tree, so documents are looked up again by URI.
func (a *app) formatDocuments(ctx context.Context, s *session.Session, options lsp.FormattingOptions) {
	conns := s.Connections()
	var uris []string
	for _, doc := range s.Document().Documents() {
		uris = append(uris, doc.URI())
	}

	var warnings []string
	spin := a.printer.Spinner("formatting")
	spin.Start()
	defer func() {
		spin.Stop()
		for _, w := range warnings {
			a.printer.Warning(w)
		}
	}()

	for _, uri := range uris {
		doc, ok := s.Document().Find(uri)
		if !ok {
			continue
		}
		spin.Update("formatting " + doc.Language())
		edit, err := conns.Format(ctx, uri, options)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", doc.Language(), err))
			continue
		}
		if len(edit.DocumentChanges) == 0 && len(edit.Changes) == 0 {
			continue
		}
		out, err := s.ApplyEdit(ctx, edit)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", doc.Language(), err))
			continue
		}
		for _, msg := range out.Errors {
			warnings = append(warnings, fmt.Sprintf("%s: %s", doc.Language(), msg))
		}
		a.logger.Debug("formatting applied",
			"uri", uri,
			"applied", out.AppliedChanges,
			"cells", out.ModifiedCells,
			"granular", out.WasGranular)
	}
}

// cellChanges compares cell sources before and after formatting, in
// notebook order.
func cellChanges(before []notebook.Cell, nb *notebook.Notebook) []cellChange {
	var out []cellChange
	for i, c := range before {
		now, ok := nb.Text(c.ID)
		if !ok || now == c.Source {
			continue
		}
		out = append(out, cellChange{
			Label: fmt.Sprintf("cell-%d-%s", i+1, c.ID),
			Old:   c.Source,
			New:   now,
		})
	}
	return out
}
