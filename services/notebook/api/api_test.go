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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNotebookLSP/pkg/extensions"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/config"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/connection"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/lsp"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/session"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// =============================================================================
// FAKES
// =============================================================================

type stubConn struct {
	mu      sync.Mutex
	notify  map[string]lsp.NotificationHandler
	respond func(method string) (interface{}, error)
	done    chan struct{}
}

func newStubConn() *stubConn {
	return &stubConn{notify: make(map[string]lsp.NotificationHandler), done: make(chan struct{})}
}

func (s *stubConn) Request(_ context.Context, method string, _, result interface{}) error {
	s.mu.Lock()
	respond := s.respond
	s.mu.Unlock()
	if respond == nil {
		return &lsp.LSPError{Code: lsp.CodeMethodNotFound, Message: method}
	}
	v, err := respond(method)
	if err != nil {
		return err
	}
	b, _ := json.Marshal(v)
	return json.Unmarshal(b, result)
}

func (s *stubConn) Notify(context.Context, string, interface{}) error { return nil }

func (s *stubConn) OnNotification(method string, h lsp.NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify[method] = h
}

func (s *stubConn) OnRequest(string, lsp.RequestHandler) {}

func (s *stubConn) Capabilities() lsp.ServerCapabilities {
	return lsp.ServerCapabilities{HoverProvider: true}
}

func (s *stubConn) Done() <-chan struct{} { return s.done }

func (s *stubConn) publish(params string) {
	s.mu.Lock()
	h := s.notify["textDocument/publishDiagnostics"]
	s.mu.Unlock()
	h(context.Background(), json.RawMessage(params))
}

// =============================================================================
// FIXTURE
// =============================================================================

type fixture struct {
	t      *testing.T
	store  *session.Store
	router *gin.Engine
	conn   *stubConn
}

func newFixture(t *testing.T, withServers bool) *fixture {
	t.Helper()
	f := &fixture{t: t, conn: newStubConn()}
	opts := session.Options{Config: config.Default()}
	if withServers {
		opts.Connector = connection.ConnectorFunc(func(context.Context, string) (connection.Connection, error) {
			return f.conn, nil
		})
	}
	f.store = session.NewStore(opts)
	t.Cleanup(func() { f.store.CloseAll(context.Background()) })
	f.router = NewRouter(NewHandlers(f.store), false)
	return f
}

func (f *fixture) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) open(cells ...CellBody) SessionResponse {
	f.t.Helper()
	w := f.do(http.MethodPost, "/v1/notebook/notebooks", OpenRequest{
		Path:     filepath.Join(f.t.TempDir(), "nb.ipynb"),
		Language: "python",
		Cells:    cells,
	})
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	var resp SessionResponse
	require.NoError(f.t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// =============================================================================
// TESTS
// =============================================================================

func TestHealth(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t, false)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestOpenAndEditCells(t *testing.T) {
	f := newFixture(t, false)
	s := f.open(CellBody{ID: "a", Source: "import os"}, CellBody{ID: "b", Source: "%%R\nx <- 1"})
	assert.Equal(t, 2, s.Cells)
	assert.Equal(t, uint64(1), s.Generation)
	base := "/v1/notebook/notebooks/" + s.ID

	w := f.do(http.MethodPatch, base+"/cells/a", SetTextRequest{Source: ptr("import sys")})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, base+"/flush", nil).Code)

	docs := decode[[]DocumentResponse](t, f.do(http.MethodGet, base+"/documents?text=true", nil))
	require.Len(t, docs, 2)
	assert.Equal(t, "python", docs[0].Language)
	assert.True(t, strings.HasPrefix(docs[0].Text, "import sys\n"))
	assert.Equal(t, "r", docs[1].Language)

	cells := decode[CellsResponse](t, f.do(http.MethodGet, base+"/cells", nil))
	require.Len(t, cells.Cells, 2)
	assert.Equal(t, "import sys", cells.Cells[0].Source)

	w = f.do(http.MethodPut, base+"/cells", SetCellsRequest{Cells: []CellBody{{Source: "y = 2"}}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ids := decode[map[string][]string](t, w)["ids"]
	require.Len(t, ids, 1)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPatch, base+"/cells/missing", SetTextRequest{Source: ptr("x")}).Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, base, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, base, nil).Code)
}

func TestOpenFromDiskAndSave(t *testing.T) {
	f := newFixture(t, false)
	path := filepath.Join(t.TempDir(), "disk.ipynb")
	require.NoError(t, os.WriteFile(path, []byte(`{"cells":[{"id":"a","cell_type":"code","source":"x = 1","metadata":{},"outputs":[]}],
	"metadata":{},"nbformat":4,"nbformat_minor":5}`), 0o644))

	w := f.do(http.MethodPost, "/v1/notebook/notebooks", OpenRequest{Path: path})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	s := decode[SessionResponse](t, w)
	assert.Equal(t, 1, s.Cells)

	base := "/v1/notebook/notebooks/" + s.ID
	f.do(http.MethodPatch, base+"/cells/a", SetTextRequest{Source: ptr("x = 2")})
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, base+"/save", nil).Code)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"x = 2"`)

	list := decode[[]SessionResponse](t, f.do(http.MethodGet, "/v1/notebook/notebooks", nil))
	assert.Len(t, list, 1)
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t, false)
	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
	}{
		{"missing path", http.MethodPost, "/v1/notebook/notebooks", `{}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/v1/notebook/notebooks", `{`, http.StatusBadRequest},
		{"bad cell type", http.MethodPost, "/v1/notebook/notebooks", `{"path":"/x.ipynb","cells":[{"cell_type":"widget"}]}`, http.StatusBadRequest},
		{"duplicate ids", http.MethodPost, "/v1/notebook/notebooks", `{"path":"/x.ipynb","cells":[{"id":"a"},{"id":"a"}]}`, http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/v1/notebook/notebooks/nope", nil, http.StatusNotFound},
		{"not a notebook", http.MethodPost, "/v1/notebook/notebooks", `{"path":"/x.py"}`, http.StatusBadRequest},
		{"bad cell id", http.MethodPost, "/v1/notebook/notebooks", `{"path":"/x.ipynb","cells":[{"id":"../a"}]}`, http.StatusBadRequest},
		{"bad language", http.MethodPost, "/v1/notebook/notebooks", `{"path":"/x.ipynb","language":"py thon","cells":[{"id":"a"}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestOpen_WorkspaceRoot(t *testing.T) {
	f := newFixture(t, false)
	root := t.TempDir()
	f.router = NewRouter(NewHandlers(f.store).WithWorkspaceRoot(root), false)

	w := f.do(http.MethodPost, "/v1/notebook/notebooks", OpenRequest{Path: "../escape.ipynb"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", decode[ErrorResponse](t, w).Code)

	w = f.do(http.MethodPost, "/v1/notebook/notebooks", OpenRequest{Path: "inside.ipynb", Language: "Python"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[SessionResponse](t, w)
	assert.Equal(t, filepath.Join(root, "inside.ipynb"), resp.Path)
	assert.Equal(t, "python", resp.Language)
}

func TestAudit(t *testing.T) {
	f := newFixture(t, false)
	audit := extensions.NewMemoryAuditLogger(100, nil)
	f.router = NewRouter(NewHandlers(f.store).WithAudit(audit), false)

	s := f.open(CellBody{ID: "a", Source: "x = 1"})
	base := "/v1/notebook/notebooks/" + s.ID
	require.Equal(t, http.StatusOK, f.do(http.MethodPut, base+"/cells", SetCellsRequest{
		Cells: []CellBody{{ID: "a", Source: "x = 2"}, {ID: "b", Source: "y = 1"}},
	}).Code)
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, base+"/save", nil).Code)
	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, base, nil).Code)

	w := f.do(http.MethodGet, "/v1/notebook/audit?session="+s.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode[AuditResponse](t, w).Events
	require.Len(t, events, 4)
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.EventType
		assert.Equal(t, extensions.OutcomeSuccess, e.Outcome)
		assert.NotEmpty(t, e.RequestID)
	}
	assert.Equal(t, []string{
		extensions.EventNotebookClose,
		extensions.EventNotebookSave,
		extensions.EventCellsReplace,
		extensions.EventNotebookOpen,
	}, types)

	w = f.do(http.MethodGet, "/v1/notebook/audit?type=notebook.save&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[AuditResponse](t, w).Events, 1)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/v1/notebook/audit?outcome=maybe", nil).Code)
}

func TestApplyEdit(t *testing.T) {
	f := newFixture(t, false)
	s := f.open(CellBody{ID: "a", Source: "x = 1"})
	base := "/v1/notebook/notebooks/" + s.ID
	docs := decode[[]DocumentResponse](t, f.do(http.MethodGet, base+"/documents", nil))
	uri := docs[0].URI

	edit := `{"edit":{"changes":{"` + uri + `":[{"range":{"start":{"line":0,"character":4},"end":{"line":0,"character":5}},"newText":"2"}]}}}`
	w := f.do(http.MethodPost, base+"/edits", edit)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[EditResponse](t, w)
	assert.Equal(t, 1, out.ModifiedCells)
	assert.Equal(t, uint64(2), out.Generation)

	stale := `{"edit":{"documentChanges":[{"textDocument":{"uri":"` + uri + `","version":1},
		"edits":[{"range":{"start":{"line":0,"character":0},"end":{"line":0,"character":1}},"newText":"y"}]}]}}`
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, base+"/edits", stale).Code)

	malformed := `{"edit":{"changes":{"` + uri + `":[{"range":{"start":{"line":9,"character":0},"end":{"line":9,"character":1}},"newText":"y"}]}}}`
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, base+"/edits", malformed).Code)
}

func TestLanguageFeaturesWithoutServers(t *testing.T) {
	f := newFixture(t, false)
	s := f.open(CellBody{ID: "a", Source: "x = 1"})
	base := "/v1/notebook/notebooks/" + s.ID

	w := f.do(http.MethodGet, base+"/diagnostics", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "NO_SERVERS", decode[ErrorResponse](t, w).Code)
	assert.Equal(t, http.StatusServiceUnavailable,
		f.do(http.MethodPost, base+"/hover", PositionRequest{CellID: "a"}).Code)
}

func TestHover(t *testing.T) {
	f := newFixture(t, true)
	f.conn.respond = func(method string) (interface{}, error) {
		return map[string]interface{}{
			"contents": map[string]string{"kind": "markdown", "value": "module os"},
			"range":    map[string]interface{}{"start": map[string]int{"line": 0, "character": 7}, "end": map[string]int{"line": 0, "character": 9}},
		}, nil
	}
	s := f.open(CellBody{ID: "a", Source: "import os"})
	base := "/v1/notebook/notebooks/" + s.ID

	w := f.do(http.MethodPost, base+"/hover", `{"cell_id":"a","position":{"line":0,"character":8}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	hover := decode[connection.Hover](t, w)
	assert.Equal(t, "module os", hover.Contents.Value)
	require.NotNil(t, hover.Range)
	assert.Equal(t, 7, hover.Range.Start.Character)

	assert.Equal(t, http.StatusNotImplemented,
		f.do(http.MethodPost, base+"/completion", `{"cell_id":"a","position":{"line":0,"character":8}}`).Code)
	assert.Equal(t, http.StatusNotFound,
		f.do(http.MethodPost, base+"/hover", `{"cell_id":"zz","position":{"line":0,"character":0}}`).Code)

	summary := decode[SessionResponse](t, f.do(http.MethodGet, base, nil))
	assert.Equal(t, connection.StateConnected, summary.Connections["python"])
}

func TestStream(t *testing.T) {
	f := newFixture(t, true)
	s := f.open(CellBody{ID: "a", Source: "x = undefined"})
	base := "/v1/notebook/notebooks/" + s.ID

	srv := httptest.NewServer(f.router)
	defer srv.Close()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+base+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	// The subscription is installed after the upgrade; wait for the handler.
	time.Sleep(50 * time.Millisecond)

	f.do(http.MethodPatch, base+"/cells/a", SetTextRequest{Source: ptr("y = undefined")})
	f.do(http.MethodPost, base+"/flush", nil)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg StreamMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "rebuild", msg.Type)
	require.NotNil(t, msg.Rebuild)
	assert.Equal(t, uint64(2), msg.Rebuild.Generation)

	docs := decode[[]DocumentResponse](t, f.do(http.MethodGet, base+"/documents", nil))
	f.conn.publish(`{"uri":"` + docs[0].URI + `","version":2,"diagnostics":[{"range":{"start":{"line":0,"character":4},"end":{"line":0,"character":13}},"severity":1,"message":"undefined"}]}`)

	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "diagnostics", msg.Type)
	require.NotNil(t, msg.Diagnostics)
	require.Len(t, msg.Diagnostics.Diagnostics, 1)
	assert.Equal(t, "a", msg.Diagnostics.Diagnostics[0].CellID)

	diags := decode[DiagnosticsResponse](t, f.do(http.MethodGet, base+"/diagnostics?cell=a", nil))
	assert.Len(t, diags.Diagnostics, 1)
}

func ptr(s string) *string { return &s }
