// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/edits"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/extractor"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/overrides"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/text"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/virtualdoc"
)

// =============================================================================
// FAKES
// =============================================================================

type sent struct {
	method string
	params json.RawMessage
}

type fakeConn struct {
	mu            sync.Mutex
	caps          lsp.ServerCapabilities
	sent          []sent
	notifications map[string]lsp.NotificationHandler
	requests      map[string]lsp.RequestHandler
	respond       func(method string, params json.RawMessage) (interface{}, error)
	done          chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		caps: lsp.ServerCapabilities{
			CompletionProvider:         map[string]interface{}{},
			HoverProvider:              true,
			DefinitionProvider:         true,
			RenameProvider:             true,
			DocumentFormattingProvider: true,
		},
		notifications: make(map[string]lsp.NotificationHandler),
		requests:      make(map[string]lsp.RequestHandler),
		done:          make(chan struct{}),
	}
}

func (f *fakeConn) Request(_ context.Context, method string, params, result interface{}) error {
	raw, _ := json.Marshal(params)
	f.mu.Lock()
	f.sent = append(f.sent, sent{method, raw})
	respond := f.respond
	f.mu.Unlock()

	if respond == nil {
		return &lsp.LSPError{Code: lsp.CodeMethodNotFound, Message: method}
	}
	v, err := respond(method, raw)
	if err != nil {
		return err
	}
	b, _ := json.Marshal(v)
	return json.Unmarshal(b, result)
}

func (f *fakeConn) Notify(_ context.Context, method string, params interface{}) error {
	raw, _ := json.Marshal(params)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{method, raw})
	return nil
}

func (f *fakeConn) OnNotification(method string, h lsp.NotificationHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications[method] = h
}

func (f *fakeConn) OnRequest(method string, h lsp.RequestHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[method] = h
}

func (f *fakeConn) Capabilities() lsp.ServerCapabilities { return f.caps }

func (f *fakeConn) Done() <-chan struct{} { return f.done }

func (f *fakeConn) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.method
	}
	return out
}

func (f *fakeConn) find(method, uri string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		s := f.sent[i]
		var p struct {
			TextDocument struct {
				URI string `json:"uri"`
			} `json:"textDocument"`
		}
		_ = json.Unmarshal(s.params, &p)
		if s.method == method && p.TextDocument.URI == uri {
			return s.params, true
		}
	}
	return nil, false
}

func (f *fakeConn) publish(t *testing.T, uri string, version *int, diags ...lsp.Diagnostic) {
	t.Helper()
	f.mu.Lock()
	h := f.notifications["textDocument/publishDiagnostics"]
	f.mu.Unlock()
	require.NotNil(t, h, "publishDiagnostics handler not installed")
	raw, err := json.Marshal(lsp.PublishDiagnosticsParams{URI: uri, Version: version, Diagnostics: diags})
	require.NoError(t, err)
	h(context.Background(), raw)
}

type fixture struct {
	doc   *virtualdoc.Document
	conn  *fakeConn
	mgr   *Manager
	calls map[string]int
}

func newFixture(t *testing.T, config Config, cells ...virtualdoc.Cell) *fixture {
	t.Helper()
	ex := extractor.New()
	require.NoError(t, extractor.RegisterIPython(ex, "python"))
	ov := overrides.NewRegistry()
	require.NoError(t, overrides.RegisterIPython(ov, "python"))
	opts := virtualdoc.DefaultOptions("/work/nb.ipynb")
	opts.Extractor = ex
	opts.Overrides = ov
	doc := virtualdoc.New(opts)
	doc.Rebuild(context.Background(), cells)

	f := &fixture{doc: doc, conn: newFakeConn(), calls: make(map[string]int)}
	var mu sync.Mutex
	connector := ConnectorFunc(func(_ context.Context, language string) (Connection, error) {
		mu.Lock()
		defer mu.Unlock()
		f.calls[language]++
		return f.conn, nil
	})
	f.mgr = NewManager(doc, connector, config, nil)
	return f
}

func rebuild(f *fixture, cells ...virtualdoc.Cell) {
	f.doc.Rebuild(context.Background(), cells)
}

func decode(t *testing.T, raw json.RawMessage, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v))
}

func intPtr(v int) *int { return &v }

func pos(line, char int) text.Position { return text.Position{Line: line, Character: char} }

func rng(sl, sc, el, ec int) text.Range { return text.Range{Start: pos(sl, sc), End: pos(el, ec)} }

func TestState_JSON(t *testing.T) {
	in := map[string]State{"python": StateConnected, "r": StateUnsupported, "julia": StateIdle}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"python":"connected","r":"unsupported","julia":"idle"}`, string(raw))

	var out map[string]State
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)

	var s State
	assert.Error(t, s.UnmarshalText([]byte("asleep")))
}

// =============================================================================
// SYNC
// =============================================================================

func TestSync_OpenChangeClose(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		virtualdoc.Cell{ID: "a", Text: "x = 1"},
		virtualdoc.Cell{ID: "r", Text: "%%R\ny <- 2"},
	)
	rootURI := f.doc.URI()
	rDoc, ok := f.doc.Find("file:///work/nb.ipynb.r.R")
	require.True(t, ok)

	require.NoError(t, f.mgr.Sync(context.Background()))
	assert.Equal(t, []string{"textDocument/didOpen", "textDocument/didOpen"}, f.conn.methods())

	raw, ok := f.conn.find("textDocument/didOpen", rootURI)
	require.True(t, ok)
	var open lsp.DidOpenTextDocumentParams
	decode(t, raw, &open)
	assert.Equal(t, "python", open.TextDocument.LanguageID)
	assert.Equal(t, f.doc.Value(), open.TextDocument.Text)
	assert.Equal(t, int(f.doc.Generation()), open.TextDocument.Version)

	raw, ok = f.conn.find("textDocument/didOpen", rDoc.URI())
	require.True(t, ok)
	decode(t, raw, &open)
	assert.Equal(t, "r", open.TextDocument.LanguageID)
	assert.Equal(t, "y <- 2\n", open.TextDocument.Text)

	// Nothing changed: nothing sent.
	require.NoError(t, f.mgr.Sync(context.Background()))
	assert.Len(t, f.conn.methods(), 2)

	rebuild(f, virtualdoc.Cell{ID: "a", Text: "x = 2"})
	require.NoError(t, f.mgr.Sync(context.Background()))

	raw, ok = f.conn.find("textDocument/didChange", rootURI)
	require.True(t, ok)
	var change lsp.DidChangeTextDocumentParams
	decode(t, raw, &change)
	require.NotNil(t, change.TextDocument.Version)
	assert.Equal(t, int(f.doc.Generation()), *change.TextDocument.Version)
	require.Len(t, change.ContentChanges, 1)
	assert.Nil(t, change.ContentChanges[0].Range)
	assert.Equal(t, "x = 2\n", change.ContentChanges[0].Text)

	_, ok = f.conn.find("textDocument/didClose", rDoc.URI())
	assert.True(t, ok, "vanished foreign document must be closed")
	assert.Equal(t, 1, f.calls["python"])
	assert.Equal(t, 1, f.calls["r"])
	assert.Equal(t, StateConnected, f.mgr.State("python"))
}

func TestSync_UnsupportedLanguageSkipped(t *testing.T) {
	f := newFixture(t, DefaultConfig(), virtualdoc.Cell{ID: "a", Text: "%%R\nx <- 1"})
	f.mgr.connector = ConnectorFunc(func(_ context.Context, language string) (Connection, error) {
		f.calls[language]++
		if language == "r" {
			return nil, lsp.ErrUnsupportedLanguage
		}
		return f.conn, nil
	})

	require.NoError(t, f.mgr.Sync(context.Background()))
	require.NoError(t, f.mgr.Sync(context.Background()))
	assert.Equal(t, StateUnsupported, f.mgr.State("r"))
	assert.Equal(t, 1, f.calls["r"], "unsupported languages are not retried")
	assert.Equal(t, StateConnected, f.mgr.State("python"))
}

func TestSync_ReconnectIsRateLimited(t *testing.T) {
	f := newFixture(t, Config{ReconnectInterval: time.Hour, ReconnectBurst: 1}, virtualdoc.Cell{ID: "a", Text: "x"})
	failure := errors.New("spawn failed")
	f.mgr.connector = ConnectorFunc(func(context.Context, string) (Connection, error) {
		f.calls["python"]++
		return nil, failure
	})

	err := f.mgr.Sync(context.Background())
	assert.ErrorIs(t, err, failure)
	assert.Equal(t, StateDisconnected, f.mgr.State("python"))

	err = f.mgr.Sync(context.Background())
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.Equal(t, 1, f.calls["python"])
}

func TestSync_ReopensAfterConnectionLoss(t *testing.T) {
	f := newFixture(t, Config{ReconnectBurst: 1}, virtualdoc.Cell{ID: "a", Text: "x"})
	require.NoError(t, f.mgr.Sync(context.Background()))

	first := f.conn
	close(first.done)
	f.conn = newFakeConn()

	require.NoError(t, f.mgr.Sync(context.Background()))
	assert.Equal(t, 2, f.calls["python"])
	_, ok := f.conn.find("textDocument/didOpen", f.doc.URI())
	assert.True(t, ok, "documents are reopened on the new connection")
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

func TestDiagnostics_MappedToCells(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		virtualdoc.Cell{ID: "a", Text: "import os"},
		virtualdoc.Cell{ID: "b", Text: "os.pth\nprint(y)"},
	)
	require.NoError(t, f.mgr.Sync(context.Background()))

	var events []DiagnosticsEvent
	cancel := f.mgr.Subscribe(func(ev DiagnosticsEvent) { events = append(events, ev) })
	defer cancel()

	gen := int(f.doc.Generation())
	f.conn.publish(t, f.doc.URI(), intPtr(gen),
		lsp.Diagnostic{Range: rng(4, 6, 4, 7), Severity: lsp.SeverityWarning, Message: "undefined y"},
		lsp.Diagnostic{Range: rng(3, 3, 3, 6), Message: "no attribute pth", Source: "pyright"},
		lsp.Diagnostic{Range: rng(0, 7, 0, 9), Severity: lsp.SeverityHint, Message: "unused import"},
	)

	got := f.mgr.Diagnostics()
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].CellID)
	assert.Equal(t, rng(0, 7, 0, 9), got[0].Range)
	assert.Equal(t, "b", got[1].CellID)
	assert.Equal(t, rng(0, 3, 0, 6), got[1].Range)
	assert.Equal(t, lsp.SeverityError, got[1].Severity, "missing severity defaults to error")
	assert.Equal(t, rng(1, 6, 1, 7), got[2].Range)
	assert.Equal(t, "python", got[2].Language)

	assert.Len(t, f.mgr.CellDiagnostics("b"), 2)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(gen), events[0].Generation)
}

func TestDiagnostics_StaleGenerationDropped(t *testing.T) {
	f := newFixture(t, DefaultConfig(), virtualdoc.Cell{ID: "a", Text: "x = y"})
	require.NoError(t, f.mgr.Sync(context.Background()))
	old := int(f.doc.Generation())

	rebuild(f, virtualdoc.Cell{ID: "a", Text: "x = 1"})
	f.conn.publish(t, f.doc.URI(), intPtr(old), lsp.Diagnostic{Range: rng(0, 4, 0, 5), Message: "undefined y"})
	assert.Empty(t, f.mgr.Diagnostics(), "versioned diagnostics for an old generation")

	// Unversioned diagnostics are checked against the last synced version.
	f.conn.publish(t, f.doc.URI(), nil, lsp.Diagnostic{Range: rng(0, 4, 0, 5), Message: "undefined y"})
	assert.Empty(t, f.mgr.Diagnostics(), "unversioned diagnostics before sync")

	require.NoError(t, f.mgr.Sync(context.Background()))
	f.conn.publish(t, f.doc.URI(), nil, lsp.Diagnostic{Range: rng(0, 0, 0, 1), Message: "fine"})
	assert.Len(t, f.mgr.Diagnostics(), 1)
}

func TestDiagnostics_PrologueIsUnmapped(t *testing.T) {
	f := newFixture(t, DefaultConfig(), virtualdoc.Cell{ID: "r1", Text: "%%R -i df\nggplot(df)"})
	require.NoError(t, f.mgr.Sync(context.Background()))
	r, ok := f.doc.Find("file:///work/nb.ipynb.r.R")
	require.True(t, ok)

	f.conn.publish(t, r.URI(), intPtr(int(r.Generation())),
		lsp.Diagnostic{Range: rng(0, 0, 0, 2), Message: "in prologue"},
		lsp.Diagnostic{Range: rng(0, 20, 0, 26), Message: "ggplot not found"},
	)
	got := f.mgr.CellDiagnostics("r1")
	require.Len(t, got, 1)
	assert.Equal(t, rng(1, 0, 1, 6), got[0].Range)
	assert.Equal(t, "r", got[0].Language)
}

// =============================================================================
// FEATURE REQUESTS
// =============================================================================

func TestHover_MapsPositions(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		virtualdoc.Cell{ID: "a", Text: "x = 1"},
		virtualdoc.Cell{ID: "b", Text: "os.path"},
	)
	f.conn.respond = func(method string, params json.RawMessage) (interface{}, error) {
		var p lsp.TextDocumentPositionParams
		_ = json.Unmarshal(params, &p)
		if method != "textDocument/hover" || p.Position != pos(3, 3) {
			return nil, errors.New("unexpected request")
		}
		r := rng(3, 0, 3, 7)
		return lsp.HoverResult{Contents: lsp.MarkupContent{Kind: "markdown", Value: "os.path"}, Range: &r}, nil
	}

	h, err := f.mgr.Hover(context.Background(), "b", pos(0, 3))
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "os.path", h.Contents.Value)
	require.NotNil(t, h.Range)
	assert.Equal(t, rng(0, 0, 0, 7), *h.Range)

	// The document was synced before the request.
	_, ok := f.conn.find("textDocument/didOpen", f.doc.URI())
	assert.True(t, ok)
}

func TestRequest_StaleResponseDiscarded(t *testing.T) {
	f := newFixture(t, DefaultConfig(), virtualdoc.Cell{ID: "a", Text: "x = 1"})
	f.conn.respond = func(string, json.RawMessage) (interface{}, error) {
		rebuild(f, virtualdoc.Cell{ID: "a", Text: "x = 12"})
		return []lsp.CompletionItem{{Label: "x"}}, nil
	}

	_, err := f.mgr.Completion(context.Background(), "a", pos(0, 1))
	assert.ErrorIs(t, err, ErrStaleResponse)

	f.conn.respond = func(string, json.RawMessage) (interface{}, error) {
		return nil, &lsp.LSPError{Code: lsp.CodeContentModified, Message: "modified"}
	}
	_, err = f.mgr.Completion(context.Background(), "a", pos(0, 1))
	assert.ErrorIs(t, err, ErrStaleResponse)
}

func TestRequest_ReplacedStandaloneDocumentIsStale(t *testing.T) {
	f := newFixture(t, DefaultConfig(), virtualdoc.Cell{ID: "a", Text: "%%bash\necho hi"})
	f.conn.respond = func(string, json.RawMessage) (interface{}, error) {
		rebuild(f, virtualdoc.Cell{ID: "a", Text: "%%bash\nls -la /tmp"})
		return []lsp.CompletionItem{{Label: "echo"}}, nil
	}

	_, err := f.mgr.Completion(context.Background(), "a", pos(1, 2))
	assert.ErrorIs(t, err, ErrStaleResponse)
}

func TestCompletion_ListAndTextEdits(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		virtualdoc.Cell{ID: "a", Text: "import os"},
		virtualdoc.Cell{ID: "b", Text: "os.pa"},
	)
	f.conn.respond = func(string, json.RawMessage) (interface{}, error) {
		return lsp.CompletionList{IsIncomplete: true, Items: []lsp.CompletionItem{
			{Label: "path", TextEdit: &lsp.TextEdit{Range: rng(3, 3, 3, 5), NewText: "path"}},
			{Label: "pardir", TextEdit: &lsp.TextEdit{Range: rng(0, 0, 0, 2), NewText: "pardir"}},
		}}, nil
	}

	c, err := f.mgr.Completion(context.Background(), "b", pos(0, 5))
	require.NoError(t, err)
	assert.True(t, c.IsIncomplete)
	require.Len(t, c.Items, 2)
	require.NotNil(t, c.Items[0].TextEdit)
	assert.Equal(t, rng(0, 3, 0, 5), c.Items[0].TextEdit.Range)
	assert.Nil(t, c.Items[1].TextEdit, "edit outside the cell is dropped")
	assert.Equal(t, "pardir", c.Items[1].InsertText)
}

func TestRequest_NotSupported(t *testing.T) {
	f := newFixture(t, DefaultConfig(), virtualdoc.Cell{ID: "a", Text: "x"})
	f.conn.caps.HoverProvider = false

	_, err := f.mgr.Hover(context.Background(), "a", pos(0, 0))
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestDefinition_TargetsInCellsAndFiles(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		virtualdoc.Cell{ID: "a", Text: "def f():\n    pass"},
		virtualdoc.Cell{ID: "b", Text: "f()"},
	)
	f.conn.respond = func(string, json.RawMessage) (interface{}, error) {
		return []LocationLink{
			{TargetURI: f.doc.URI(), TargetSelectionRange: rng(0, 4, 0, 5)},
			{TargetURI: "file:///usr/lib/python3/os.py", TargetSelectionRange: rng(10, 0, 10, 3)},
		}, nil
	}

	got, err := f.mgr.Definition(context.Background(), "b", pos(0, 0))
	require.NoError(t, err)
	assert.Equal(t, []Target{
		{CellID: "a", Range: rng(0, 4, 0, 5)},
		{URI: "file:///usr/lib/python3/os.py", Range: rng(10, 0, 10, 3)},
	}, got)
}

func TestParseLocationResponse(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    int
		wantErr bool
	}{
		{"null", `null`, 0, false},
		{"single", `{"uri":"file:///a.py","range":{"start":{"line":1,"character":0},"end":{"line":1,"character":1}}}`, 1, false},
		{"array", `[{"uri":"file:///a.py","range":{"start":{"line":0,"character":0},"end":{"line":0,"character":0}}},{"uri":"file:///b.py","range":{"start":{"line":0,"character":0},"end":{"line":0,"character":0}}}]`, 2, false},
		{"links", `[{"targetUri":"file:///a.py","targetRange":{"start":{"line":0,"character":0},"end":{"line":3,"character":0}},"targetSelectionRange":{"start":{"line":1,"character":4},"end":{"line":1,"character":5}}}]`, 1, false},
		{"garbage", `42`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLocationResponse(json.RawMessage(tt.data))
			if tt.wantErr {
				assert.ErrorIs(t, err, lsp.ErrInvalidResponse)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

// =============================================================================
// EDITS
// =============================================================================

func TestRename_VersionedAndApplied(t *testing.T) {
	f := newFixture(t, DefaultConfig(),
		virtualdoc.Cell{ID: "a", Text: "def f():\n    pass"},
		virtualdoc.Cell{ID: "b", Text: "f()"},
	)
	uri := f.doc.URI()
	f.conn.respond = func(method string, params json.RawMessage) (interface{}, error) {
		var p lsp.RenameParams
		_ = json.Unmarshal(params, &p)
		return lsp.WorkspaceEdit{Changes: map[string][]lsp.TextEdit{uri: {
			{Range: rng(0, 4, 0, 5), NewText: p.NewName},
			{Range: rng(4, 0, 4, 1), NewText: p.NewName},
		}}}, nil
	}

	edit, err := f.mgr.Rename(context.Background(), "b", pos(0, 0), "g")
	require.NoError(t, err)
	require.Len(t, edit.DocumentChanges, 1)
	require.NotNil(t, edit.DocumentChanges[0].TextDocument.Version)
	assert.Equal(t, int(f.doc.Generation()), *edit.DocumentChanges[0].TextDocument.Version)

	cells := &memCells{m: map[string]string{"a": "def f():\n    pass", "b": "f()"}}
	out, err := edits.NewApplier(f.doc, cells, nil).Apply(context.Background(), edit)
	require.NoError(t, err)
	assert.Equal(t, 2, out.ModifiedCells)
	assert.Equal(t, "def g():\n    pass", cells.m["a"])
	assert.Equal(t, "g()", cells.m["b"])
}

func TestFormat_ReturnsVersionedEdit(t *testing.T) {
	f := newFixture(t, DefaultConfig(), virtualdoc.Cell{ID: "a", Text: "x=1"})
	f.conn.respond = func(method string, _ json.RawMessage) (interface{}, error) {
		return []lsp.TextEdit{{Range: rng(0, 0, 0, 3), NewText: "x = 1"}}, nil
	}

	edit, err := f.mgr.Format(context.Background(), "", lsp.FormattingOptions{TabSize: 4, InsertSpaces: true})
	require.NoError(t, err)
	require.Len(t, edit.DocumentChanges, 1)
	assert.Equal(t, f.doc.URI(), edit.DocumentChanges[0].TextDocument.URI)

	_, err = f.mgr.Format(context.Background(), "file:///nowhere.py", lsp.FormattingOptions{})
	assert.ErrorIs(t, err, virtualdoc.ErrUnknownDocument)
}

func TestApplyEditRequest(t *testing.T) {
	f := newFixture(t, DefaultConfig(), virtualdoc.Cell{ID: "a", Text: "x = 1"})
	require.NoError(t, f.mgr.Sync(context.Background()))
	h := f.conn.requests["workspace/applyEdit"]
	require.NotNil(t, h)

	params, _ := json.Marshal(lsp.ApplyWorkspaceEditParams{Edit: lsp.WorkspaceEdit{
		Changes: map[string][]lsp.TextEdit{f.doc.URI(): {{Range: rng(0, 4, 0, 5), NewText: "2"}}},
	}})

	res, err := h(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, lsp.ApplyWorkspaceEditResult{FailureReason: "no editor attached"}, res)

	cells := &memCells{m: map[string]string{"a": "x = 1"}}
	applier := edits.NewApplier(f.doc, cells, nil)
	f.mgr.SetEditHandler(applier.Apply)

	res, err = h(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, lsp.ApplyWorkspaceEditResult{Applied: true}, res)
	assert.Equal(t, "x = 2", cells.m["a"])

	_, err = h(context.Background(), json.RawMessage(`{"edit": 7}`))
	var lspErr *lsp.LSPError
	require.ErrorAs(t, err, &lspErr)
	assert.Equal(t, lsp.CodeInvalidParams, lspErr.Code)
}

// sharedManager builds a second notebook whose connector hands out an
// existing connection, the way one server serves a whole workspace.
func sharedManager(t *testing.T, conn Connection, path string, cells ...virtualdoc.Cell) *Manager {
	t.Helper()
	ex := extractor.New()
	require.NoError(t, extractor.RegisterIPython(ex, "python"))
	opts := virtualdoc.DefaultOptions(path)
	opts.Extractor = ex
	doc := virtualdoc.New(opts)
	doc.Rebuild(context.Background(), cells)
	return NewManager(doc, ConnectorFunc(func(context.Context, string) (Connection, error) {
		return conn, nil
	}), DefaultConfig(), nil)
}

func TestSharedConnection_RoutesByDocument(t *testing.T) {
	f := newFixture(t, DefaultConfig(), virtualdoc.Cell{ID: "a", Text: "x = 1"})
	other := sharedManager(t, f.conn, "/work/other.ipynb", virtualdoc.Cell{ID: "b", Text: "y = 2"})
	require.NoError(t, f.mgr.Sync(context.Background()))
	require.NoError(t, other.Sync(context.Background()))

	diag := lsp.Diagnostic{Range: rng(0, 0, 0, 1), Message: "unused"}
	f.conn.publish(t, f.doc.URI(), intPtr(int(f.doc.Generation())), diag)
	f.conn.publish(t, other.Root().URI(), intPtr(int(other.Root().Generation())), diag, diag)

	require.Len(t, f.mgr.Diagnostics(), 1)
	assert.Equal(t, "a", f.mgr.Diagnostics()[0].CellID)
	require.Len(t, other.Diagnostics(), 2)
	assert.Equal(t, "b", other.Diagnostics()[0].CellID)

	// Server edits reach the notebook that owns the edited document.
	cells := &memCells{m: map[string]string{"a": "x = 1"}}
	f.mgr.SetEditHandler(edits.NewApplier(f.doc, cells, nil).Apply)
	params, _ := json.Marshal(lsp.ApplyWorkspaceEditParams{Edit: lsp.WorkspaceEdit{
		Changes: map[string][]lsp.TextEdit{f.doc.URI(): {{Range: rng(0, 4, 0, 5), NewText: "3"}}},
	}})
	res, err := f.conn.requests["workspace/applyEdit"](context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, lsp.ApplyWorkspaceEditResult{Applied: true}, res)
	assert.Equal(t, "x = 3", cells.m["a"])

	// Closing one notebook leaves the other subscribed.
	f.mgr.Close(context.Background())
	f.conn.publish(t, other.Root().URI(), intPtr(int(other.Root().Generation())), diag)
	assert.Len(t, other.Diagnostics(), 1)
	f.conn.publish(t, f.doc.URI(), intPtr(int(f.doc.Generation())), diag)
	assert.Empty(t, f.mgr.Diagnostics())

	params, _ = json.Marshal(lsp.ApplyWorkspaceEditParams{Edit: lsp.WorkspaceEdit{
		Changes: map[string][]lsp.TextEdit{f.doc.URI(): {{Range: rng(0, 4, 0, 5), NewText: "4"}}},
	}})
	res, err = f.conn.requests["workspace/applyEdit"](context.Background(), params)
	require.NoError(t, err)
	assert.False(t, res.(lsp.ApplyWorkspaceEditResult).Applied)
	assert.Equal(t, "x = 3", cells.m["a"])
}

type memCells struct{ m map[string]string }

func (c *memCells) Text(id string) (string, bool) {
	t, ok := c.m[id]
	return t, ok
}

func (c *memCells) SetText(id, t string) error {
	c.m[id] = t
	return nil
}
