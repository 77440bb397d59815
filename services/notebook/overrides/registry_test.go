// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package overrides

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newPythonRegistry(t testing.TB) *Registry {
	r := NewRegistry()
	require.NoError(t, RegisterIPython(r, "python"))
	return r
}

func TestIPython_Apply(t *testing.T) {
	r := newPythonRegistry(t)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "assigned line magic",
			in:   "x = %ls\nprint(x)",
			want: "x = get_ipython().run_line_magic(\"ls\", \"\")\nprint(x)",
		},
		{
			name: "line magic with arguments",
			in:   "%timeit -n 10 f(\"a\")",
			want: `get_ipython().run_line_magic("timeit", "-n 10 f(\"a\")")`,
		},
		{
			name: "indented shell escape",
			in:   "if True:\n    !ls -la",
			want: "if True:\n    get_ipython().getoutput(\"ls -la\")",
		},
		{
			name: "help queries",
			in:   "np.array?\nnp??",
			want: "get_ipython().run_line_magic('pinfo', 'np.array')\nget_ipython().run_line_magic('pinfo2', 'np')",
		},
		{
			name: "prefix help queries keep their form",
			in:   "?np.array\n  ??np\nnp?",
			want: "get_ipython().run_line_magic(magic_name='pinfo', line='np.array')\n" +
				"  get_ipython().run_line_magic(magic_name='pinfo2', line='np')\n" +
				"get_ipython().run_line_magic('pinfo', 'np')",
		},
		{
			name: "cell magic keeps body lines in place",
			in:   "%%timeit -n1\nfor i in range(3):\n    pass",
			want: "get_ipython().run_cell_magic(\"timeit\", \"-n1\", \"\"\"\nfor i in range(3):\n    pass\"\"\")",
		},
		{
			name: "plain code passes through",
			in:   "a = 5 % 3\nb = a != 2",
			want: "a = 5 % 3\nb = a != 2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.ApplyCell("python", tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, strings.Count(tt.in, "\n"), strings.Count(got, "\n"), "line count must be preserved")
			assert.Equal(t, tt.in, r.ReverseCell("python", got))
		})
	}
}

func TestRegistry_Matches(t *testing.T) {
	r := newPythonRegistry(t)

	assert.Equal(t, 0, r.Matches("python", "import os\nx = 1"))
	assert.Equal(t, 2, r.Matches("python", "%matplotlib inline\nimport os\n!ls\n"))
	assert.Equal(t, 1, r.Matches("python", "%%bash\n!ls\n%pwd"), "a cell rule counts once")
	assert.Equal(t, 0, r.Matches("python", `get_ipython().run_line_magic("matplotlib", "inline")`))
	assert.Equal(t, 0, r.Matches("r", "%ls"))
}

func TestRegistry_ScopesAndLanguages(t *testing.T) {
	r := newPythonRegistry(t)

	t.Run("cell rules only match at cell start", func(t *testing.T) {
		out, ok := r.Apply(ScopeCell, "python", "x = 1\n%%timeit\nf()")
		assert.False(t, ok)
		assert.Equal(t, "x = 1\n%%timeit\nf()", out)
	})

	t.Run("unknown language passes through", func(t *testing.T) {
		out, ok := r.Apply(ScopeLine, "r", "%ls")
		assert.False(t, ok)
		assert.Equal(t, "%ls", out)
	})

	t.Run("language is case insensitive", func(t *testing.T) {
		_, ok := r.Apply(ScopeLine, "Python", "%ls")
		assert.True(t, ok)
	})

	assert.Equal(t, []string{"python"}, r.Languages())
	assert.Len(t, r.Rules(ScopeLine, "python"), 3)
	assert.Len(t, r.Rules(ScopeCell, "python"), 1)
}

func TestRule_PanickingReplacerIsNoMatch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("python", Rule{
		Name:    "boom",
		Scope:   ScopeLine,
		Pattern: regexp.MustCompile(`^boom$`),
		Replace: func([]string) string { panic("boom") },
	}))

	out, ok := r.Apply(ScopeLine, "python", "boom\nok")
	assert.False(t, ok)
	assert.Equal(t, "boom\nok", out)
}

func TestRuleSpec_Compile(t *testing.T) {
	spec := RuleSpec{
		Name:               "julia.shell",
		Language:           "julia",
		Scope:              "line",
		Pattern:            `^;(.*)$`,
		Replacement:        `run(` + "`" + `$1` + "`" + `)`,
		ReversePattern:     "^run\\(`(.*)`\\)$",
		ReverseReplacement: `;$1`,
	}
	rule, err := spec.Compile()
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, r.Register(spec.Language, rule))

	out, ok := r.Apply(ScopeLine, "julia", ";ls")
	require.True(t, ok)
	assert.Equal(t, "run(`ls`)", out)

	back, ok := r.Reverse(ScopeLine, "julia", out)
	require.True(t, ok)
	assert.Equal(t, ";ls", back)

	_, err = RuleSpec{Name: "x", Scope: "page", Pattern: "a"}.Compile()
	assert.True(t, errors.Is(err, ErrUnknownScope))

	_, err = RuleSpec{Name: "x", Scope: "line", Pattern: "("}.Compile()
	assert.True(t, errors.Is(err, ErrInvalidRule))
}

func TestRule_Validate(t *testing.T) {
	err := (&Rule{Name: "nil"}).Validate()
	assert.True(t, errors.Is(err, ErrInvalidRule))

	err = (&Rule{
		Name:    "mixed",
		Scope:   ScopeLine,
		Pattern: regexp.MustCompile("a"),
		Reverse: &Rule{Scope: ScopeCell, Pattern: regexp.MustCompile("b")},
	}).Validate()
	assert.True(t, errors.Is(err, ErrInvalidRule))
}

// =============================================================================
// PROPERTIES
// =============================================================================

func lineGen() *rapid.Generator[string] {
	name := rapid.StringMatching(`[a-z_][a-z0-9_]{0,5}`)
	args := rapid.StringMatching(`[a-z0-9 "\\=\-]{0,8}`)
	prefix := rapid.SampledFrom([]string{"", "    ", "x = ", "out=", "  res = "})

	return rapid.Custom(func(t *rapid.T) string {
		p := prefix.Draw(t, "prefix")
		switch rapid.IntRange(0, 5).Draw(t, "kind") {
		case 0:
			line := p + "%" + name.Draw(t, "magic")
			if a := args.Draw(t, "args"); a != "" {
				line += " " + a
			}
			return line
		case 1:
			return p + "!" + args.Draw(t, "cmd")
		case 2:
			return rapid.SampledFrom([]string{"", "  "}).Draw(t, "indent") +
				name.Draw(t, "obj") + rapid.SampledFrom([]string{"?", "??"}).Draw(t, "q")
		case 3:
			return rapid.SampledFrom([]string{"", "  "}).Draw(t, "indent") +
				rapid.SampledFrom([]string{"?", "??"}).Draw(t, "q") + name.Draw(t, "obj")
		default:
			return rapid.StringMatching(`[a-z0-9 ()+=:.,]{0,20}`).Draw(t, "code")
		}
	})
}

func TestProperty_LineOverridesRoundTrip(t *testing.T) {
	r := newPythonRegistry(t)
	rapid.Check(t, func(t *rapid.T) {
		lines := rapid.SliceOfN(lineGen(), 1, 6).Draw(t, "lines")
		src := strings.Join(lines, "\n")

		forward := r.ApplyCell("python", src)
		if got := r.ReverseCell("python", forward); got != src {
			t.Fatalf("round trip mismatch:\nsrc:     %q\nforward: %q\nback:    %q", src, forward, got)
		}
		if strings.Count(forward, "\n") != strings.Count(src, "\n") {
			t.Fatalf("line count changed: %q -> %q", src, forward)
		}
	})
}

func TestProperty_CellMagicRoundTrip(t *testing.T) {
	r := newPythonRegistry(t)
	rapid.Check(t, func(t *rapid.T) {
		name := rapid.StringMatching(`[A-Za-z][a-z0-9_]{0,6}`).Draw(t, "name")
		args := rapid.StringMatching(`[a-z0-9 "\\\-]{0,8}`).Draw(t, "args")
		body := rapid.StringMatching(`[a-z0-9 "\\\n()=]{0,30}`).Draw(t, "body")

		src := "%%" + name
		if args != "" {
			src += " " + args
		}
		src += "\n" + body

		forward, ok := r.Apply(ScopeCell, "python", src)
		if !ok {
			t.Fatalf("cell magic did not match %q", src)
		}
		if got := r.ReverseCell("python", forward); got != src {
			t.Fatalf("round trip mismatch:\nsrc:     %q\nforward: %q\nback:    %q", src, forward, got)
		}
	})
}
