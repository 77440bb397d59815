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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/virtualdoc"
)

func newComposeCmd(a *app) *cobra.Command {
	var showMap bool
	cmd := &cobra.Command{
		Use:   "compose NOTEBOOK",
		Short: "Print the virtual documents composed from a notebook",
		Long: `Composes the code cells into one virtual document per language and
prints them. No language server is started.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeFn, err := a.openNotebook(cmd.Context(), args[0], false)
			if err != nil {
				return err
			}
			defer closeFn()

			for _, doc := range s.Document().Documents() {
				a.printDocument(doc, showMap)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showMap, "map", false, "Also print which cell each virtual line came from")
	return cmd
}

func (a *app) printDocument(doc *virtualdoc.Document, showMap bool) {
	value, smap := doc.Snapshot()
	title := fmt.Sprintf("%s (%s, generation %d)", doc.URI(), doc.Language(), smap.Generation())

	if a.printer.Machine() {
		a.printer.Raw(fmt.Sprintf("### %s\n%s", title, value))
		if !strings.HasSuffix(value, "\n") {
			a.printer.Raw("\n")
		}
	} else {
		a.printer.Box(title, strings.TrimRight(value, "\n"))
	}
	if !showMap {
		return
	}
	for _, e := range smap.Entries() {
		if e.VirtualStart == e.VirtualEnd {
			continue
		}
		a.printer.Info(fmt.Sprintf("lines %d-%d\t%s\t%s", e.VirtualStart+1, e.VirtualEnd, e.Kind, e.CellID))
	}
}
