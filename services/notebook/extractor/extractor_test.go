// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extractor

import (
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/AleutianAI/AleutianNotebookLSP/services/notebook/text"
)

func newIPython(t testing.TB) *Extractor {
	e := New()
	require.NoError(t, RegisterIPython(e, "python"))
	return e
}

func TestExtract_RCellMagicWithInputs(t *testing.T) {
	e := newIPython(t)
	host := "%%R -i df\nggplot(df)"

	res := e.Extract(host, "python")

	assert.Equal(t, host, res.KeptHostText, "rpy2 cells stay in the host")
	assert.False(t, res.Masked)
	require.Len(t, res.Fragments, 1)

	f := res.Fragments[0]
	assert.Equal(t, "r", f.Language)
	assert.Equal(t, "R", f.FileExtension)
	assert.False(t, f.Standalone)
	assert.Equal(t, "df <- data.frame(); ggplot(df)", f.Text())
	assert.Equal(t, text.Position{Line: 1, Character: 0}, f.HostStart)

	host0, ok := f.ToHost(text.Position{Line: 0, Character: 22})
	require.True(t, ok)
	assert.Equal(t, text.Position{Line: 1, Character: 2}, host0)

	_, ok = f.ToHost(text.Position{Line: 0, Character: 5})
	assert.False(t, ok, "positions in the prologue have no host range")

	back, ok := f.FromHost(text.Position{Line: 1, Character: 2})
	require.True(t, ok)
	assert.Equal(t, text.Position{Line: 0, Character: 22}, back)
}

func TestExtract_RLineMagics(t *testing.T) {
	e := newIPython(t)
	host := "import pandas\n%R -i x summary(x)\ny = %R nrow(df)\nprint(y)"

	res := e.Extract(host, "python")
	require.Len(t, res.Fragments, 2)

	assert.Equal(t, "x <- data.frame(); summary(x)", res.Fragments[0].Text())
	assert.Equal(t, text.Position{Line: 1, Character: 8}, res.Fragments[0].HostStart)
	assert.Equal(t, "nrow(df)", res.Fragments[1].Text())
	assert.Equal(t, text.Position{Line: 2, Character: 7}, res.Fragments[1].HostStart)
}

func TestExtract_StandaloneMagics(t *testing.T) {
	e := newIPython(t)

	tests := []struct {
		host     string
		language string
		ext      string
	}{
		{"%%markdown\n# Title", "markdown", "md"},
		{"%%html\n<b>x</b>", "html", "html"},
		{"%%js\nconsole.log(1)", "javascript", "js"},
		{"%%bash -e\nls", "shell", "sh"},
		{"%%latex\n$x$", "latex", "tex"},
	}
	for _, tt := range tests {
		t.Run(tt.language, func(t *testing.T) {
			res := e.Extract(tt.host, "python")
			require.Len(t, res.Fragments, 1)
			assert.True(t, res.Fragments[0].Standalone)
			assert.Equal(t, tt.language, res.Fragments[0].Language)
			assert.Equal(t, tt.ext, res.Fragments[0].FileExtension)
		})
	}

	res := e.Extract("%%sql\nSELECT 1", "python")
	require.Len(t, res.Fragments, 1)
	assert.False(t, res.Fragments[0].Standalone)
}

func TestExtract_NoOverlap(t *testing.T) {
	e := newIPython(t)

	// The %R line inside the %%R body is already claimed by the cell rule.
	res := e.Extract("%%R\nx <- 1\n%R y\n", "python")
	require.Len(t, res.Fragments, 1)
	assert.Equal(t, "x <- 1\n%R y\n", res.Fragments[0].Code)
}

func TestExtract_UnterminatedRunsToEnd(t *testing.T) {
	e := newIPython(t)
	res := e.Extract("%%html\n<div>\n<p>open", "python")
	require.Len(t, res.Fragments, 1)
	assert.Equal(t, "<div>\n<p>open", res.Fragments[0].Code)
	assert.Equal(t, text.Position{Line: 2, Character: 7}, res.Fragments[0].HostEnd)
}

func TestExtract_HostReplacerKeepsLines(t *testing.T) {
	e := New()
	require.NoError(t, e.Register("python", Rule{
		Name:         "sql.masked",
		Language:     "sql",
		Pattern:      regexp.MustCompile(`(?s)^%%sql\n(?P<foreign>.*)`),
		HostReplacer: "_ = None",
	}))

	res := e.Extract("%%sql\nSELECT *\nFROM t", "python")
	assert.True(t, res.Masked)
	assert.Equal(t, "_ = None\n\n", res.KeptHostText)
	require.Len(t, res.Fragments, 1)
	assert.Equal(t, "SELECT *\nFROM t", res.Fragments[0].Code)
}

func TestExtract_UnknownHostLanguage(t *testing.T) {
	e := newIPython(t)
	res := e.Extract("%%R\nx", "julia")
	assert.Equal(t, "%%R\nx", res.KeptHostText)
	assert.Empty(t, res.Fragments)
	assert.False(t, e.HasForeignCode("x = 1", "python"))
	assert.True(t, e.HasForeignCode("%%R\nx", "python"))
}

func TestRegister_Invalid(t *testing.T) {
	e := New()
	err := e.Register("python", Rule{Name: "nil"})
	assert.True(t, errors.Is(err, ErrInvalidRule))

	err = e.Register("python", Rule{
		Name:     "no args",
		Language: "r",
		Pattern:  regexp.MustCompile(`x`),
		Prologue: RPy2Prologue,
	})
	assert.True(t, errors.Is(err, ErrInvalidRule))
}

func TestRPy2Prologue(t *testing.T) {
	tests := []struct {
		args string
		want string
	}{
		{"", ""},
		{" -i df", "df <- data.frame(); "},
		{" -i a,b -o out", "a <- data.frame(); b <- data.frame(); "},
		{" --input=x -w 300", "x <- data.frame(); "},
		{" -iy", "y <- data.frame(); "},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RPy2Prologue(tt.args), tt.args)
	}
}

func TestProperty_FragmentsNeverOverlap(t *testing.T) {
	e := newIPython(t)
	rapid.Check(t, func(t *rapid.T) {
		lines := rapid.SliceOfN(rapid.SampledFrom([]string{
			"%%R", "%%R -i df", "%R x", "y = %R -i a b", "%%html", "print(1)", "", "%%sql",
		}), 1, 8).Draw(t, "lines")
		host := ""
		for i, l := range lines {
			if i > 0 {
				host += "\n"
			}
			host += l
		}

		res := e.Extract(host, "python")
		for i := 1; i < len(res.Fragments); i++ {
			if res.Fragments[i].Start < res.Fragments[i-1].End {
				t.Fatalf("fragments overlap in %q: %+v", host, res.Fragments)
			}
		}
		for _, f := range res.Fragments {
			if host[f.Start:f.End] != f.Code {
				t.Fatalf("fragment code is not the host slice")
			}
		}
	})
}
