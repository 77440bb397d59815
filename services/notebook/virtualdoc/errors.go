// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package virtualdoc

import "errors"

// Sentinel errors for virtual documents.
var (
	// ErrPositionUnmapped indicates a position with no source location.
	ErrPositionUnmapped = errors.New("position has no source mapping")

	// ErrInPrologue indicates a position inside synthesised prologue code.
	ErrInPrologue = errors.New("position inside prologue")

	// ErrUnknownCell indicates a cell that is not part of the document.
	ErrUnknownCell = errors.New("unknown cell")

	// ErrUnknownDocument indicates a URI that matches no virtual document.
	ErrUnknownDocument = errors.New("unknown virtual document")
)
