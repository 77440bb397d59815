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
	"bytes"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/sourcegraph/go-diff/diff"
)

// diffContext is the number of unchanged lines around each hunk.
const diffContext = 3

// cellChange is the before and after text of one cell.
type cellChange struct {
	Label string
	Old   string
	New   string
}

// unifiedDiff renders changed cells as a multi-file unified diff, one file
// section per cell. Unchanged cells are skipped. The result is empty when
// nothing changed.
func unifiedDiff(changes []cellChange) (string, error) {
	var files []*diff.FileDiff
	for _, c := range changes {
		if c.Old == c.New {
			continue
		}
		a, b := splitDiffLines(c.Old), splitDiffLines(c.New)
		fd := &diff.FileDiff{OrigName: "a/" + c.Label, NewName: "b/" + c.Label}
		for _, group := range difflib.NewMatcher(a, b).GetGroupedOpCodes(diffContext) {
			fd.Hunks = append(fd.Hunks, buildHunk(a, b, group))
		}
		files = append(files, fd)
	}
	if len(files) == 0 {
		return "", nil
	}
	out, err := diff.PrintMultiFileDiff(files)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func splitDiffLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}

// buildHunk turns one group of opcodes into a hunk. Start lines are
// one-based; an empty side starts at the line before the change.
func buildHunk(a, b []string, group []difflib.OpCode) *diff.Hunk {
	first, last := group[0], group[len(group)-1]
	h := &diff.Hunk{
		OrigStartLine: int32(first.I1 + 1),
		OrigLines:     int32(last.I2 - first.I1),
		NewStartLine:  int32(first.J1 + 1),
		NewLines:      int32(last.J2 - first.J1),
	}
	if h.OrigLines == 0 {
		h.OrigStartLine--
	}
	if h.NewLines == 0 {
		h.NewStartLine--
	}

	var body bytes.Buffer
	for _, op := range group {
		switch op.Tag {
		case 'e':
			writeLines(&body, ' ', a[op.I1:op.I2])
		case 'd':
			writeLines(&body, '-', a[op.I1:op.I2])
		case 'i':
			writeLines(&body, '+', b[op.J1:op.J2])
		case 'r':
			writeLines(&body, '-', a[op.I1:op.I2])
			writeLines(&body, '+', b[op.J1:op.J2])
		}
	}
	h.Body = body.Bytes()
	return h
}

func writeLines(buf *bytes.Buffer, prefix byte, lines []string) {
	for _, l := range lines {
		buf.WriteByte(prefix)
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
}
