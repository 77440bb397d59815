// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/config"
	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/notebook"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const twoCells = `{"cells":[
 {"id":"a","cell_type":"code","metadata":{},"outputs":[],"execution_count":null,"source":"import os"},
 {"id":"b","cell_type":"code","metadata":{},"outputs":[],"execution_count":null,"source":"%%R\nx <- 1"}
],"metadata":{"language_info":{"name":"python"}},"nbformat":4,"nbformat_minor":5}`

func writeNotebook(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nb.ipynb")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestOpenFile(t *testing.T) {
	path := writeNotebook(t, twoCells)
	s, err := OpenFile(context.Background(), path, Options{Config: config.Default()})
	require.NoError(t, err)
	defer s.Close(context.Background())

	assert.Equal(t, path, s.Path())
	assert.Nil(t, s.Connections())
	assert.Equal(t, uint64(1), s.Document().Generation())
	assert.True(t, strings.HasSuffix(s.Document().URI(), "nb.ipynb.py"))
	assert.Len(t, s.Document().Documents(), 2, "R cell gets a foreign document")
}

func TestSession_SetTextAndSave(t *testing.T) {
	path := writeNotebook(t, twoCells)
	s, err := OpenFile(context.Background(), path, Options{})
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.NoError(t, s.SetText("a", "import sys"))
	require.NoError(t, s.Flush(context.Background()))
	assert.True(t, strings.HasPrefix(s.Document().Value(), "import sys\n"))

	assert.ErrorIs(t, s.SetText("missing", "x"), notebook.ErrUnknownCell)

	require.NoError(t, s.Save())
	loaded, err := notebook.LoadFile(path)
	require.NoError(t, err)
	text, _ := loaded.Text("a")
	assert.Equal(t, "import sys", text)
}

func TestSession_Watch(t *testing.T) {
	path := writeNotebook(t, twoCells)
	s, err := OpenFile(context.Background(), path, Options{})
	require.NoError(t, err)
	defer s.Close(context.Background())
	require.NoError(t, s.Watch(context.Background()))
	require.NoError(t, s.Watch(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(twoCells, "import os", "import re", 1)), 0o644))

	require.Eventually(t, func() bool {
		return strings.HasPrefix(s.Document().Value(), "import re\n")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestStore(t *testing.T) {
	st := NewStore(Options{})
	ctx := context.Background()

	first, err := st.Open(ctx, "/work/one.ipynb", notebook.New("python"))
	require.NoError(t, err)
	second, err := st.Open(ctx, "/work/two.ipynb", notebook.New("r"))
	require.NoError(t, err)

	got, err := st.Get(first.ID())
	require.NoError(t, err)
	assert.Same(t, first, got)
	assert.Len(t, st.List(), 2)
	assert.Equal(t, "r", second.Document().Language())

	require.NoError(t, st.Close(ctx, first.ID()))
	assert.ErrorIs(t, st.Close(ctx, first.ID()), ErrNotFound)
	_, err = st.Get(first.ID())
	assert.ErrorIs(t, err, ErrNotFound)

	st.CloseAll(ctx)
	assert.Empty(t, st.List())
}
