// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"encoding/json"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/text"
)

// =============================================================================
// POSITION & RANGE TYPES
// =============================================================================

// Position is a zero-based line and UTF-16 character offset.
type Position = text.Position

// Range is a half-open range of positions.
type Range = text.Range

// Location represents a location in a document.
type Location struct {
	// URI is the document URI (file:// scheme).
	URI string `json:"uri"`

	// Range is the range within the document.
	Range Range `json:"range"`
}

// =============================================================================
// DOCUMENT IDENTIFIERS
// =============================================================================

// TextDocumentIdentifier identifies a text document by URI.
type TextDocumentIdentifier struct {
	URI string `json:"uri"`
}

// TextDocumentItem represents a text document with its content.
type TextDocumentItem struct {
	// URI is the document's URI.
	URI string `json:"uri"`

	// LanguageID is the language identifier (e.g., "python", "r").
	LanguageID string `json:"languageId"`

	// Version increases with every change.
	Version int `json:"version"`

	// Text is the content of the document.
	Text string `json:"text"`
}

// VersionedTextDocumentIdentifier identifies a specific version of a document.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier

	// Version is the version number. Null means the version is unknown.
	Version *int `json:"version"`
}

// =============================================================================
// DOCUMENT SYNC
// =============================================================================

// DidOpenTextDocumentParams contains params for textDocument/didOpen.
type DidOpenTextDocumentParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidCloseTextDocumentParams contains params for textDocument/didClose.
type DidCloseTextDocumentParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DidChangeTextDocumentParams contains params for textDocument/didChange.
type DidChangeTextDocumentParams struct {
	TextDocument   VersionedTextDocumentIdentifier  `json:"textDocument"`
	ContentChanges []TextDocumentContentChangeEvent `json:"contentChanges"`
}

// TextDocumentContentChangeEvent describes a content change event.
type TextDocumentContentChangeEvent struct {
	// Range is the range that got replaced. Omit for full document sync.
	Range *Range `json:"range,omitempty"`

	// Text is the new text for the range or full document.
	Text string `json:"text"`
}

// DidChangeConfigurationParams carries server settings.
type DidChangeConfigurationParams struct {
	Settings json.RawMessage `json:"settings"`
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

// DiagnosticSeverity ranks diagnostics. Lower is more severe.
type DiagnosticSeverity int

// Diagnostic severities as defined by LSP.
const (
	SeverityError       DiagnosticSeverity = 1
	SeverityWarning     DiagnosticSeverity = 2
	SeverityInformation DiagnosticSeverity = 3
	SeverityHint        DiagnosticSeverity = 4
)

// String returns the lower-case severity name.
func (s DiagnosticSeverity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	case SeverityInformation:
		return "information"
	case SeverityHint:
		return "hint"
	}
	return "unknown"
}

// Diagnostic is a problem reported by a language server.
type Diagnostic struct {
	Range    Range              `json:"range"`
	Severity DiagnosticSeverity `json:"severity,omitempty"`
	Code     interface{}        `json:"code,omitempty"`
	Source   string             `json:"source,omitempty"`
	Message  string             `json:"message"`
}

// PublishDiagnosticsParams is sent with textDocument/publishDiagnostics.
type PublishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Version     *int         `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// =============================================================================
// REQUEST PARAMETER TYPES
// =============================================================================

// TextDocumentPositionParams identifies a position in a text document.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     Position               `json:"position"`
}

// RenameParams contains rename request parameters.
type RenameParams struct {
	TextDocumentPositionParams

	// NewName is the new name to rename the symbol to.
	NewName string `json:"newName"`
}

// FormattingOptions describes formatting preferences.
type FormattingOptions struct {
	TabSize      int  `json:"tabSize"`
	InsertSpaces bool `json:"insertSpaces"`
}

// DocumentFormattingParams contains textDocument/formatting parameters.
type DocumentFormattingParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Options      FormattingOptions      `json:"options"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// HoverResult contains hover information.
type HoverResult struct {
	Contents MarkupContent `json:"contents"`
	Range    *Range        `json:"range,omitempty"`
}

// MarkupContent represents documentation content.
type MarkupContent struct {
	// Kind is the type of markup: "plaintext" or "markdown".
	Kind string `json:"kind"`

	// Value is the actual content.
	Value string `json:"value"`
}

// UnmarshalJSON accepts MarkupContent, a plain string, or a MarkedString
// object, all of which servers send as hover contents.
func (m *MarkupContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Kind, m.Value = "plaintext", s
		return nil
	}
	var obj struct {
		Kind     string `json:"kind"`
		Language string `json:"language"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		m.Kind, m.Value = obj.Kind, obj.Value
		if m.Kind == "" {
			m.Kind = "markdown"
		}
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	for i, raw := range list {
		var part MarkupContent
		if err := part.UnmarshalJSON(raw); err != nil {
			return err
		}
		if i > 0 {
			m.Value += "\n\n"
		}
		m.Value += part.Value
	}
	m.Kind = "markdown"
	return nil
}

// CompletionItem is one completion candidate.
type CompletionItem struct {
	Label      string    `json:"label"`
	Kind       int       `json:"kind,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	InsertText string    `json:"insertText,omitempty"`
	TextEdit   *TextEdit `json:"textEdit,omitempty"`
}

// CompletionList is the result of textDocument/completion.
type CompletionList struct {
	IsIncomplete bool             `json:"isIncomplete"`
	Items        []CompletionItem `json:"items"`
}

// WorkspaceEdit represents changes to many resources.
type WorkspaceEdit struct {
	// Changes is a map from URI to list of text edits.
	Changes map[string][]TextEdit `json:"changes,omitempty"`

	// DocumentChanges are versioned document edits (preferred over Changes).
	DocumentChanges []TextDocumentEdit `json:"documentChanges,omitempty"`
}

// TextEdit represents a single text change.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"newText"`
}

// TextDocumentEdit describes edits to a specific document version.
type TextDocumentEdit struct {
	TextDocument VersionedTextDocumentIdentifier `json:"textDocument"`
	Edits        []TextEdit                      `json:"edits"`
}

// ApplyWorkspaceEditParams is sent by servers with workspace/applyEdit.
type ApplyWorkspaceEditParams struct {
	Label string        `json:"label,omitempty"`
	Edit  WorkspaceEdit `json:"edit"`
}

// ApplyWorkspaceEditResult answers workspace/applyEdit.
type ApplyWorkspaceEditResult struct {
	Applied       bool   `json:"applied"`
	FailureReason string `json:"failureReason,omitempty"`
}

// =============================================================================
// INITIALIZE TYPES
// =============================================================================

// InitializeParams contains initialization parameters.
type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	RootURI               string             `json:"rootUri"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions interface{}        `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
}

// WorkspaceFolder represents a workspace folder.
type WorkspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// ClientCapabilities describes what the client supports.
type ClientCapabilities struct {
	TextDocument TextDocumentClientCapabilities `json:"textDocument,omitempty"`
	Workspace    WorkspaceClientCapabilities    `json:"workspace,omitempty"`
}

// TextDocumentClientCapabilities describes text document capabilities.
type TextDocumentClientCapabilities struct {
	Synchronization    *SynchronizationCapabilities    `json:"synchronization,omitempty"`
	Completion         *CompletionCapabilities         `json:"completion,omitempty"`
	Hover              *HoverCapabilities              `json:"hover,omitempty"`
	Definition         *DynamicCapabilities            `json:"definition,omitempty"`
	Rename             *DynamicCapabilities            `json:"rename,omitempty"`
	Formatting         *DynamicCapabilities            `json:"formatting,omitempty"`
	PublishDiagnostics *PublishDiagnosticsCapabilities `json:"publishDiagnostics,omitempty"`
}

// SynchronizationCapabilities describes document sync capabilities.
type SynchronizationCapabilities struct {
	DidSave bool `json:"didSave,omitempty"`
}

// CompletionCapabilities describes completion support.
type CompletionCapabilities struct {
	ContextSupport bool `json:"contextSupport,omitempty"`
}

// HoverCapabilities describes hover support.
type HoverCapabilities struct {
	ContentFormat []string `json:"contentFormat,omitempty"`
}

// DynamicCapabilities is the common shape of simple feature capabilities.
type DynamicCapabilities struct {
	DynamicRegistration bool `json:"dynamicRegistration,omitempty"`
}

// PublishDiagnosticsCapabilities describes diagnostics support.
type PublishDiagnosticsCapabilities struct {
	VersionSupport bool `json:"versionSupport,omitempty"`
}

// WorkspaceClientCapabilities describes workspace capabilities.
type WorkspaceClientCapabilities struct {
	ApplyEdit              bool                             `json:"applyEdit,omitempty"`
	WorkspaceEdit          *WorkspaceEditClientCapabilities `json:"workspaceEdit,omitempty"`
	Configuration          bool                             `json:"configuration,omitempty"`
	DidChangeConfiguration *DynamicCapabilities             `json:"didChangeConfiguration,omitempty"`
}

// WorkspaceEditClientCapabilities describes workspace edit capabilities.
type WorkspaceEditClientCapabilities struct {
	DocumentChanges bool `json:"documentChanges,omitempty"`
}

// InitializeResult contains the server's response to initialize.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerInfo contains information about the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerCapabilities describes what the server supports.
type ServerCapabilities struct {
	TextDocumentSync           interface{} `json:"textDocumentSync,omitempty"`
	CompletionProvider         interface{} `json:"completionProvider,omitempty"`
	HoverProvider              interface{} `json:"hoverProvider,omitempty"`
	DefinitionProvider         interface{} `json:"definitionProvider,omitempty"`
	RenameProvider             interface{} `json:"renameProvider,omitempty"`
	DocumentFormattingProvider interface{} `json:"documentFormattingProvider,omitempty"`
}

func provided(v interface{}) bool { return v != nil && v != false }

// HasCompletionProvider returns true if completion is supported.
func (c *ServerCapabilities) HasCompletionProvider() bool { return provided(c.CompletionProvider) }

// HasHoverProvider returns true if hover is supported.
func (c *ServerCapabilities) HasHoverProvider() bool { return provided(c.HoverProvider) }

// HasDefinitionProvider returns true if definition is supported.
func (c *ServerCapabilities) HasDefinitionProvider() bool { return provided(c.DefinitionProvider) }

// HasRenameProvider returns true if rename is supported.
func (c *ServerCapabilities) HasRenameProvider() bool { return provided(c.RenameProvider) }

// HasFormattingProvider returns true if whole-document formatting is supported.
func (c *ServerCapabilities) HasFormattingProvider() bool {
	return provided(c.DocumentFormattingProvider)
}
