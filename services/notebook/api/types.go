// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"time"

	"github.com/AleutianAI/AleutianNotebookLSP/pkg/extensions"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/adapter"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/connection"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/edits"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/notebook"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/text"
)

// =============================================================================
// REQUESTS
// =============================================================================

// OpenRequest is the body of POST /v1/notebook/notebooks.
type OpenRequest struct {
	// Path names the notebook. It is loaded from disk when Cells is empty
	// and the file exists.
	Path string `json:"path" binding:"required"`

	// Language is the kernel language of an in-memory notebook.
	Language string `json:"language,omitempty"`

	// Cells seeds an in-memory notebook.
	Cells []CellBody `json:"cells,omitempty" binding:"dive"`

	// Watch reloads the notebook when the file changes.
	Watch bool `json:"watch,omitempty"`
}

// CellBody is one cell in a request or response.
type CellBody struct {
	ID     string            `json:"id,omitempty"`
	Type   notebook.CellType `json:"cell_type,omitempty" binding:"omitempty,oneof=code markdown raw"`
	Source string            `json:"source"`
}

// SetCellsRequest is the body of PUT /cells.
type SetCellsRequest struct {
	Cells []CellBody `json:"cells" binding:"dive"`
}

// SetTextRequest is the body of PATCH /cells/:cell.
type SetTextRequest struct {
	Source *string `json:"source" binding:"required"`
}

// PositionRequest addresses a cell position.
type PositionRequest struct {
	CellID   string        `json:"cell_id" binding:"required"`
	Position text.Position `json:"position"`
}

// RenameRequest is the body of POST /rename.
type RenameRequest struct {
	PositionRequest
	NewName string `json:"new_name" binding:"required"`

	// Apply writes the edit back to the cells before responding.
	Apply bool `json:"apply,omitempty"`
}

// FormatRequest is the body of POST /format.
type FormatRequest struct {
	// URI selects a virtual document. Defaults to the root document.
	URI          string `json:"uri,omitempty"`
	TabSize      int    `json:"tab_size,omitempty" binding:"omitempty,min=1,max=16"`
	InsertSpaces *bool  `json:"insert_spaces,omitempty"`
	Apply        bool   `json:"apply,omitempty"`
}

// EditRequest is the body of POST /edits.
type EditRequest struct {
	Edit lsp.WorkspaceEdit `json:"edit"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SessionResponse summarises an open notebook.
type SessionResponse struct {
	ID          string                      `json:"id"`
	Path        string                      `json:"path"`
	Language    string                      `json:"language"`
	Cells       int                         `json:"cells"`
	Generation  uint64                      `json:"generation"`
	OpenedAt    time.Time                   `json:"opened_at"`
	Connections map[string]connection.State `json:"connections,omitempty"`
}

// CellsResponse lists cells.
type CellsResponse struct {
	Cells []CellBody `json:"cells"`
}

// DocumentResponse describes one virtual document.
type DocumentResponse struct {
	URI        string `json:"uri"`
	Language   string `json:"language"`
	Generation uint64 `json:"generation"`
	Lines      int    `json:"lines"`
	Text       string `json:"text,omitempty"`
}

// DiagnosticsResponse lists cell diagnostics.
type DiagnosticsResponse struct {
	Diagnostics []connection.CellDiagnostic `json:"diagnostics"`
}

// DefinitionResponse lists definition targets.
type DefinitionResponse struct {
	Targets []connection.Target `json:"targets"`
}

// EditResponse reports an applied workspace edit.
type EditResponse struct {
	edits.Outcome
	Generation uint64 `json:"generation"`
}

// WorkspaceEditResponse carries an edit and, when applied, its outcome.
type WorkspaceEditResponse struct {
	Edit    lsp.WorkspaceEdit `json:"edit"`
	Outcome *EditResponse     `json:"outcome,omitempty"`
}

// StreamMessage is one websocket message.
type StreamMessage struct {
	// Type is "rebuild" or "diagnostics".
	Type        string                       `json:"type"`
	Rebuild     *adapter.RebuildEvent        `json:"rebuild,omitempty"`
	Diagnostics *connection.DiagnosticsEvent `json:"diagnostics,omitempty"`
}

// AuditQuery filters GET /v1/notebook/audit.
type AuditQuery struct {
	Session string   `form:"session"`
	Types   []string `form:"type"`
	Outcome string   `form:"outcome" binding:"omitempty,oneof=success failure"`
	Limit   int      `form:"limit" binding:"min=0,max=1000"`
}

// AuditResponse lists audit events, newest first.
type AuditResponse struct {
	Events []extensions.AuditEvent `json:"events"`
}
