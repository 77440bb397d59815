// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package edits

import "errors"

// Sentinel errors for edit application.
var (
	// ErrMalformedEdit rejects every edit for one document: a range is out
	// of bounds, ends before it starts, or overlaps another range.
	ErrMalformedEdit = errors.New("malformed workspace edit")

	// ErrStaleEdit rejects versioned edits made against an older generation.
	ErrStaleEdit = errors.New("workspace edit for stale document version")

	// ErrCellDeleted drops a change whose cell no longer exists.
	ErrCellDeleted = errors.New("cell no longer exists")

	// ErrCellChanged drops a change whose cell was edited after the
	// document was composed.
	ErrCellChanged = errors.New("cell changed since composition")

	// ErrIrreversibleCell drops a change to a cell whose virtual text cannot
	// be mapped back to the cell source.
	ErrIrreversibleCell = errors.New("cell text cannot be written back")

	// ErrPrologueEdit drops a change that alters synthesised prologue code.
	ErrPrologueEdit = errors.New("edit changes generated prologue")
)
