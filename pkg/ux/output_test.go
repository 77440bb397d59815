// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePersonalityLevel(t *testing.T) {
	tests := []struct {
		in   string
		want PersonalityLevel
	}{
		{"full", PersonalityFull},
		{" Minimal ", PersonalityMinimal},
		{"min", PersonalityMinimal},
		{"machine", PersonalityMachine},
		{"plain", PersonalityMachine},
		{"bogus", PersonalityFull},
		{"", PersonalityFull},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePersonalityLevel(tt.in))
		})
	}
}

func TestDetectPersonality(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv("ALEUTIAN_PERSONALITY", "minimal")
		assert.Equal(t, PersonalityMinimal, DetectPersonality(nil))
	})

	t.Run("non terminal is machine", func(t *testing.T) {
		t.Setenv("ALEUTIAN_PERSONALITY", "")
		f, err := os.CreateTemp(t.TempDir(), "out")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, PersonalityMachine, DetectPersonality(f))
	})
}

func TestPrinter_Machine(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, "")
	require.True(t, p.Machine())

	p.Title("ignored")
	p.Muted("ignored")
	p.Success("done")
	p.Info("note")
	p.Warning("careful")
	p.Error("broken")

	assert.Equal(t, "OK: done\nnote\n", out.String())
	assert.Equal(t, "WARN: careful\nERROR: broken\n", errOut.String())
}

func TestPrinter_Diagnostic(t *testing.T) {
	f := Finding{
		File:     "nb.ipynb",
		Cell:     "c1",
		Line:     3,
		Column:   5,
		Severity: SeverityError,
		Message:  "undefined name\n'x'",
		Source:   "pyflakes",
	}

	t.Run("machine", func(t *testing.T) {
		var out bytes.Buffer
		p := NewPrinter(&out, &out, PersonalityMachine)
		p.Diagnostic(f)
		p.Summary(1, 0, 2)
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		assert.Equal(t, "nb.ipynb\tc1\t3\t5\terror\tpyflakes\tundefined name 'x'", lines[0])
		assert.Equal(t, "SUMMARY: errors=1 warnings=0 other=2", lines[1])
	})

	t.Run("minimal has no escapes", func(t *testing.T) {
		var out bytes.Buffer
		p := NewPrinter(&out, &out, PersonalityMinimal)
		p.Diagnostic(f)
		got := out.String()
		assert.NotContains(t, got, "\x1b[")
		assert.Contains(t, got, "nb.ipynb[c1]:3:5")
		assert.Contains(t, got, string(IconError))
		assert.Contains(t, got, "(pyflakes)")
	})
}

func TestPrinter_Box(t *testing.T) {
	var out bytes.Buffer
	p := NewPrinter(&out, &out, PersonalityMinimal)
	p.Box("file:///nb.py", "x = 1")
	assert.Equal(t, "file:///nb.py:\nx = 1\n", out.String())
}
