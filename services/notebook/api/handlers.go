// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api exposes notebook sessions over HTTP.
//
// A browser front end opens a notebook, pushes cell edits, and asks for
// completions, hovers and diagnostics in cell coordinates. Virtual document
// coordinates never cross the API except in raw workspace edits.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianNotebookLSP/pkg/extensions"
	"github.com/AleutianAI/AleutianNotebookLSP/pkg/validation"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/connection"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/edits"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/notebook"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/session"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/telemetry"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/virtualdoc"
)

// ServiceVersion is the notebook API version.
const ServiceVersion = "0.1.0"

// Handlers contains the HTTP handlers for notebook sessions.
type Handlers struct {
	store *session.Store
	root  string
	audit extensions.AuditLogger
}

// NewHandlers creates handlers over store. Auditing is off until
// WithAudit is called.
func NewHandlers(store *session.Store) *Handlers {
	return &Handlers{store: store, audit: &extensions.NopAuditLogger{}}
}

// WithAudit records notebook changes to l.
func (h *Handlers) WithAudit(l extensions.AuditLogger) *Handlers {
	if l != nil {
		h.audit = l
	}
	return h
}

// WithWorkspaceRoot restricts opened notebooks to paths inside root.
func (h *Handlers) WithWorkspaceRoot(root string) *Handlers {
	h.root = root
	return h
}

// =============================================================================
// HELPERS
// =============================================================================

func getOrCreateRequestID(c *gin.Context) string {
	if id := c.Writer.Header().Get("X-Request-ID"); id != "" {
		return id
	}
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func (h *Handlers) logger(c *gin.Context, handler string) *slog.Logger {
	l := slog.With("request_id", getOrCreateRequestID(c), "handler", handler)
	return telemetry.LoggerWithTrace(c.Request.Context(), l)
}

// record writes an audit event for s. Audit failures are logged only.
func (h *Handlers) record(c *gin.Context, eventType string, s *session.Session, err error, metadata map[string]any) {
	ev := extensions.AuditEvent{
		EventType: eventType,
		RequestID: getOrCreateRequestID(c),
		Outcome:   extensions.OutcomeSuccess,
		Metadata:  metadata,
	}
	if s != nil {
		ev.SessionID, ev.Path = s.ID(), s.Path()
	}
	if err != nil {
		ev.Outcome, ev.Error = extensions.OutcomeFailure, err.Error()
	}
	if aerr := h.audit.Log(c.Request.Context(), ev); aerr != nil {
		h.logger(c, "audit").Warn("Audit log failed", "event_type", eventType, "error", aerr)
	}
}

func outcomeMetadata(out edits.Outcome) map[string]any {
	return map[string]any{
		"applied_changes": out.AppliedChanges,
		"modified_cells":  out.ModifiedCells,
		"was_granular":    out.WasGranular,
		"dropped":         out.Dropped,
	}
}

// session resolves :id, writing a 404 when it is unknown.
func (h *Handlers) session(c *gin.Context) (*session.Session, bool) {
	s, err := h.store.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	return s, true
}

// connections returns the connection manager, writing a 503 when the
// session runs without language servers.
func connections(c *gin.Context, s *session.Session) (*connection.Manager, bool) {
	conns := s.Connections()
	if conns == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: "language servers are disabled",
			Code:  "NO_SERVERS",
		})
		return nil, false
	}
	return conns, true
}

func bind(c *gin.Context, logger *slog.Logger, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Code:    "INVALID_REQUEST",
			Details: err.Error(),
		})
		return false
	}
	return true
}

// writeError maps package errors to status codes.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, validation.ErrInvalidInput):
		status, code = http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, session.ErrNotFound):
		status, code = http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, notebook.ErrUnknownCell), errors.Is(err, virtualdoc.ErrUnknownCell):
		status, code = http.StatusNotFound, "UNKNOWN_CELL"
	case errors.Is(err, virtualdoc.ErrUnknownDocument):
		status, code = http.StatusNotFound, "UNKNOWN_DOCUMENT"
	case errors.Is(err, notebook.ErrDuplicateCell), errors.Is(err, notebook.ErrInvalidNotebook):
		status, code = http.StatusBadRequest, "INVALID_NOTEBOOK"
	case errors.Is(err, virtualdoc.ErrPositionUnmapped), errors.Is(err, virtualdoc.ErrInPrologue):
		status, code = http.StatusBadRequest, "UNMAPPED_POSITION"
	case errors.Is(err, edits.ErrMalformedEdit):
		status, code = http.StatusBadRequest, "MALFORMED_EDIT"
	case errors.Is(err, edits.ErrStaleEdit), errors.Is(err, connection.ErrStaleResponse):
		status, code = http.StatusConflict, "STALE"
	case errors.Is(err, connection.ErrNotSupported):
		status, code = http.StatusNotImplemented, "NOT_SUPPORTED"
	case errors.Is(err, connection.ErrDisconnected), errors.Is(err, connection.ErrConnectionLost),
		errors.Is(err, lsp.ErrServerNotInstalled), errors.Is(err, lsp.ErrUnsupportedLanguage):
		status, code = http.StatusServiceUnavailable, "SERVER_UNAVAILABLE"
	case errors.Is(err, lsp.ErrRequestTimeout):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func summary(s *session.Session) SessionResponse {
	resp := SessionResponse{
		ID:         s.ID(),
		Path:       s.Path(),
		Language:   s.Notebook().Language(),
		Cells:      s.Notebook().Len(),
		Generation: s.Document().Generation(),
		OpenedAt:   s.OpenedAt(),
	}
	if conns := s.Connections(); conns != nil {
		resp.Connections = conns.States()
	}
	return resp
}

func toCells(in []CellBody) []notebook.Cell {
	out := make([]notebook.Cell, len(in))
	for i, c := range in {
		out[i] = notebook.Cell{ID: c.ID, Type: c.Type, Source: c.Source}
	}
	return out
}

func cellIDs(in []CellBody) []string {
	ids := make([]string, len(in))
	for i, c := range in {
		ids[i] = c.ID
	}
	return ids
}

// =============================================================================
// SESSIONS
// =============================================================================

// HandleOpen handles POST /v1/notebook/notebooks.
//
// Description:
//
//	Opens a notebook session. With no cells in the body the notebook is
//	loaded from path. A path that does not exist opens an empty notebook
//	that Save will create.
//
// Response:
//
//	201 Created: SessionResponse
//	400 Bad Request: Invalid body or notebook
func (h *Handlers) HandleOpen(c *gin.Context) {
	logger := h.logger(c, "HandleOpen")

	var req OpenRequest
	if !bind(c, logger, &req) {
		return
	}

	path, err := validation.ValidateNotebookPath(h.root, req.Path)
	if err != nil {
		logger.Warn("Rejected notebook path", "path", req.Path, "error", err)
		writeError(c, err)
		return
	}
	language, err := validation.SanitizeLanguage(req.Language)
	if err != nil {
		writeError(c, err)
		return
	}

	var nb *notebook.Notebook
	if len(req.Cells) == 0 {
		loaded, err := notebook.LoadFile(path)
		switch {
		case err == nil:
			nb = loaded
		case errors.Is(err, os.ErrNotExist):
			nb = notebook.New(language)
		default:
			logger.Warn("Load failed", "path", path, "error", err)
			writeError(c, err)
			return
		}
	} else {
		if err := validation.ValidateCellIDs(cellIDs(req.Cells)); err != nil {
			writeError(c, err)
			return
		}
		nb = notebook.New(language)
		if _, err := nb.SetCells(toCells(req.Cells)); err != nil {
			writeError(c, err)
			return
		}
	}

	s, err := h.store.Open(c.Request.Context(), path, nb)
	if err != nil {
		logger.Error("Open failed", "error", err)
		writeError(c, err)
		return
	}
	if req.Watch {
		if err := s.Watch(context.WithoutCancel(c.Request.Context())); err != nil {
			logger.Warn("Watch failed", "path", s.Path(), "error", err)
		}
	}

	h.record(c, extensions.EventNotebookOpen, s, nil, map[string]any{
		"cells":    nb.Len(),
		"language": nb.Language(),
	})
	logger.Info("Notebook opened", "session", s.ID(), "path", s.Path(), "cells", nb.Len())
	c.JSON(http.StatusCreated, summary(s))
}

// HandleList handles GET /v1/notebook/notebooks.
func (h *Handlers) HandleList(c *gin.Context) {
	all := h.store.List()
	out := make([]SessionResponse, len(all))
	for i, s := range all {
		out[i] = summary(s)
	}
	c.JSON(http.StatusOK, out)
}

// HandleGet handles GET /v1/notebook/notebooks/:id.
func (h *Handlers) HandleGet(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, summary(s))
}

// HandleClose handles DELETE /v1/notebook/notebooks/:id.
func (h *Handlers) HandleClose(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := h.store.Close(c.Request.Context(), s.ID()); err != nil {
		writeError(c, err)
		return
	}
	h.record(c, extensions.EventNotebookClose, s, nil, nil)
	c.Status(http.StatusNoContent)
}

// HandleSave handles POST /v1/notebook/notebooks/:id/save.
func (h *Handlers) HandleSave(c *gin.Context) {
	logger := h.logger(c, "HandleSave")
	s, ok := h.session(c)
	if !ok {
		return
	}
	err := s.Save()
	h.record(c, extensions.EventNotebookSave, s, err, map[string]any{"cells": s.Notebook().Len()})
	if err != nil {
		logger.Error("Save failed", "path", s.Path(), "error", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary(s))
}

// HandleFlush handles POST /v1/notebook/notebooks/:id/flush.
//
// Description:
//
//	Rebuilds and syncs without waiting for the debounce. A sync failure is
//	reported in the body with status 200 because the rebuild succeeded.
func (h *Handlers) HandleFlush(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	err := s.Flush(c.Request.Context())
	resp := gin.H{"generation": s.Document().Generation()}
	if err != nil {
		resp["sync_error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// =============================================================================
// CELLS
// =============================================================================

// HandleGetCells handles GET /v1/notebook/notebooks/:id/cells.
func (h *Handlers) HandleGetCells(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	cells := s.Notebook().Cells()
	out := make([]CellBody, len(cells))
	for i, cell := range cells {
		out[i] = CellBody{ID: cell.ID, Type: cell.Type, Source: cell.Source}
	}
	c.JSON(http.StatusOK, CellsResponse{Cells: out})
}

// HandleSetCells handles PUT /v1/notebook/notebooks/:id/cells.
//
// Description:
//
//	Replaces the cell list. Cells that keep their id keep their outputs.
//	The response carries the ids in order, including generated ones.
func (h *Handlers) HandleSetCells(c *gin.Context) {
	logger := h.logger(c, "HandleSetCells")
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req SetCellsRequest
	if !bind(c, logger, &req) {
		return
	}
	if err := validation.ValidateCellIDs(cellIDs(req.Cells)); err != nil {
		writeError(c, err)
		return
	}
	ids, err := s.SetCells(toCells(req.Cells))
	h.record(c, extensions.EventCellsReplace, s, err, map[string]any{"cells": len(req.Cells)})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ids": ids})
}

// HandleSetText handles PATCH /v1/notebook/notebooks/:id/cells/:cell.
func (h *Handlers) HandleSetText(c *gin.Context) {
	logger := h.logger(c, "HandleSetText")
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := validation.ValidateCellID(c.Param("cell")); err != nil {
		writeError(c, err)
		return
	}
	var req SetTextRequest
	if !bind(c, logger, &req) {
		return
	}
	if err := s.SetText(c.Param("cell"), *req.Source); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// HandleDocuments handles GET /v1/notebook/notebooks/:id/documents.
//
// Query Parameters:
//
//	text - "true" includes each document's text
func (h *Handlers) HandleDocuments(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	withText := c.Query("text") == "true"
	docs := s.Document().Documents()
	out := make([]DocumentResponse, 0, len(docs))
	for _, d := range docs {
		value, smap := d.Snapshot()
		r := DocumentResponse{
			URI:        d.URI(),
			Language:   d.Language(),
			Generation: smap.Generation(),
			Lines:      smap.LineCount(),
		}
		if withText {
			r.Text = value
		}
		out = append(out, r)
	}
	c.JSON(http.StatusOK, out)
}

// HandleDiagnostics handles GET /v1/notebook/notebooks/:id/diagnostics.
//
// Query Parameters:
//
//	cell - Restrict to one cell
func (h *Handlers) HandleDiagnostics(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	conns, ok := connections(c, s)
	if !ok {
		return
	}
	var diags []connection.CellDiagnostic
	if cell := c.Query("cell"); cell != "" {
		diags = conns.CellDiagnostics(cell)
	} else {
		diags = conns.Diagnostics()
	}
	if diags == nil {
		diags = []connection.CellDiagnostic{}
	}
	c.JSON(http.StatusOK, DiagnosticsResponse{Diagnostics: diags})
}

// =============================================================================
// LANGUAGE FEATURES
// =============================================================================

// positionHandler binds a PositionRequest-shaped body and resolves the
// session and connections shared by every position feature.
func (h *Handlers) positionHandler(c *gin.Context, name string, req interface{}) (*session.Session, *connection.Manager, *slog.Logger, bool) {
	logger := h.logger(c, name)
	s, ok := h.session(c)
	if !ok {
		return nil, nil, nil, false
	}
	conns, ok := connections(c, s)
	if !ok {
		return nil, nil, nil, false
	}
	if !bind(c, logger, req) {
		return nil, nil, nil, false
	}
	return s, conns, logger, true
}

// HandleCompletion handles POST /v1/notebook/notebooks/:id/completion.
func (h *Handlers) HandleCompletion(c *gin.Context) {
	var req PositionRequest
	_, conns, logger, ok := h.positionHandler(c, "HandleCompletion", &req)
	if !ok {
		return
	}
	res, err := conns.Completion(c.Request.Context(), req.CellID, req.Position)
	if err != nil {
		logger.Debug("Completion failed", "cell", req.CellID, "error", err)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleHover handles POST /v1/notebook/notebooks/:id/hover.
func (h *Handlers) HandleHover(c *gin.Context) {
	var req PositionRequest
	_, conns, logger, ok := h.positionHandler(c, "HandleHover", &req)
	if !ok {
		return
	}
	res, err := conns.Hover(c.Request.Context(), req.CellID, req.Position)
	if err != nil {
		logger.Debug("Hover failed", "cell", req.CellID, "error", err)
		writeError(c, err)
		return
	}
	if res == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleDefinition handles POST /v1/notebook/notebooks/:id/definition.
func (h *Handlers) HandleDefinition(c *gin.Context) {
	var req PositionRequest
	_, conns, logger, ok := h.positionHandler(c, "HandleDefinition", &req)
	if !ok {
		return
	}
	targets, err := conns.Definition(c.Request.Context(), req.CellID, req.Position)
	if err != nil {
		logger.Debug("Definition failed", "cell", req.CellID, "error", err)
		writeError(c, err)
		return
	}
	if targets == nil {
		targets = []connection.Target{}
	}
	c.JSON(http.StatusOK, DefinitionResponse{Targets: targets})
}

// HandleRename handles POST /v1/notebook/notebooks/:id/rename.
//
// Description:
//
//	Returns the server's workspace edit. With apply set the edit is
//	written to the cells first and the outcome is included.
func (h *Handlers) HandleRename(c *gin.Context) {
	var req RenameRequest
	s, conns, logger, ok := h.positionHandler(c, "HandleRename", &req)
	if !ok {
		return
	}
	edit, err := conns.Rename(c.Request.Context(), req.CellID, req.Position, req.NewName)
	if err != nil {
		logger.Debug("Rename failed", "cell", req.CellID, "error", err)
		writeError(c, err)
		return
	}
	h.respondEdit(c, s, logger, edit, req.Apply)
}

// HandleFormat handles POST /v1/notebook/notebooks/:id/format.
func (h *Handlers) HandleFormat(c *gin.Context) {
	var req FormatRequest
	s, conns, logger, ok := h.positionHandler(c, "HandleFormat", &req)
	if !ok {
		return
	}
	uri := req.URI
	if uri == "" {
		uri = s.Document().URI()
	}
	opts := lsp.FormattingOptions{TabSize: 4, InsertSpaces: true}
	if req.TabSize > 0 {
		opts.TabSize = req.TabSize
	}
	if req.InsertSpaces != nil {
		opts.InsertSpaces = *req.InsertSpaces
	}
	edit, err := conns.Format(c.Request.Context(), uri, opts)
	if err != nil {
		logger.Debug("Format failed", "uri", uri, "error", err)
		writeError(c, err)
		return
	}
	h.respondEdit(c, s, logger, edit, req.Apply)
}

func (h *Handlers) respondEdit(c *gin.Context, s *session.Session, logger *slog.Logger, edit lsp.WorkspaceEdit, apply bool) {
	resp := WorkspaceEditResponse{Edit: edit}
	if apply {
		out, err := s.ApplyEdit(c.Request.Context(), edit)
		h.record(c, extensions.EventEditApply, s, err, outcomeMetadata(out))
		if err != nil {
			logger.Warn("Apply failed", "error", err)
			writeError(c, err)
			return
		}
		resp.Outcome = &EditResponse{Outcome: out, Generation: s.Document().Generation()}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleApplyEdit handles POST /v1/notebook/notebooks/:id/edits.
//
// Description:
//
//	Applies a workspace edit in virtual document coordinates, as a
//	front end does after running a code action.
//
// Response:
//
//	200 OK: EditResponse
//	400 Bad Request: Malformed edit
//	409 Conflict: Versioned edit against a stale generation
func (h *Handlers) HandleApplyEdit(c *gin.Context) {
	logger := h.logger(c, "HandleApplyEdit")
	s, ok := h.session(c)
	if !ok {
		return
	}
	var req EditRequest
	if !bind(c, logger, &req) {
		return
	}
	out, err := s.ApplyEdit(c.Request.Context(), req.Edit)
	h.record(c, extensions.EventEditApply, s, err, outcomeMetadata(out))
	if err != nil {
		logger.Warn("Apply failed", "error", err)
		writeError(c, err)
		return
	}
	logger.Info("Edit applied",
		"applied", out.AppliedChanges,
		"modified_cells", out.ModifiedCells,
		"dropped", out.Dropped)
	c.JSON(http.StatusOK, EditResponse{Outcome: out, Generation: s.Document().Generation()})
}

// =============================================================================
// AUDIT
// =============================================================================

// HandleAudit handles GET /v1/notebook/audit.
//
// Query Parameters:
//
//	session - Only events of this session
//	type - Only this event type (repeatable)
//	outcome - "success" or "failure"
//	limit - Maximum number of events (default 100)
//
// Response:
//
//	200 OK: AuditResponse, newest first
func (h *Handlers) HandleAudit(c *gin.Context) {
	var q AuditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid query", Code: "INVALID_REQUEST", Details: err.Error()})
		return
	}
	if q.Limit == 0 {
		q.Limit = 100
	}
	events, err := h.audit.Query(c.Request.Context(), extensions.AuditFilter{
		EventTypes: q.Types,
		SessionID:  q.Session,
		Outcome:    q.Outcome,
		Limit:      q.Limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, AuditResponse{Events: events})
}

// =============================================================================
// HEALTH
// =============================================================================

// HandleHealth handles GET /v1/notebook/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"version":  ServiceVersion,
		"sessions": len(h.store.List()),
	})
}
