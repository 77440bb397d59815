// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders CLI output in the Aleutian style.
package ux

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorInfo    = lipgloss.Color("#20B9B4")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Info    lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:    lipgloss.NewStyle().Bold(true),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Info:    lipgloss.NewStyle().Foreground(ColorInfo),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon provides themed status icons.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconInfo    Icon = "•"
	IconArrow   Icon = "→"
)

// Render returns the icon with its style.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconInfo:
		return Styles.Info.Render(string(i))
	default:
		return string(i)
	}
}

// =============================================================================
// PRINTER
// =============================================================================

// Printer writes styled output. Machine mode writes plain, prefixed lines
// that are stable for scripts.
//
// Thread Safety:
//
//	Safe for concurrent use. Each call writes whole lines.
type Printer struct {
	mu    sync.Mutex
	out   io.Writer
	err   io.Writer
	level PersonalityLevel
}

// NewPrinter creates a printer. A zero level is detected from out when out
// is an *os.File and is machine otherwise.
func NewPrinter(out, errOut io.Writer, level PersonalityLevel) *Printer {
	if level == "" {
		level = PersonalityMachine
		if f, ok := out.(*os.File); ok {
			level = DetectPersonality(f)
		}
	}
	return &Printer{out: out, err: errOut, level: level}
}

// Stdout returns a printer on the process streams.
func Stdout() *Printer {
	return NewPrinter(os.Stdout, os.Stderr, "")
}

// Level returns the personality level.
func (p *Printer) Level() PersonalityLevel { return p.level }

// Machine reports whether output is plain.
func (p *Printer) Machine() bool { return p.level == PersonalityMachine }

func (p *Printer) style(s lipgloss.Style, text string) string {
	if p.level != PersonalityFull {
		return text
	}
	return s.Render(text)
}

func (p *Printer) icon(i Icon) string {
	if p.level != PersonalityFull {
		return string(i)
	}
	return i.Render()
}

func (p *Printer) println(w io.Writer, s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(w, s)
}

// Title prints a heading. Nothing is printed in machine mode.
func (p *Printer) Title(text string) {
	if p.Machine() {
		return
	}
	p.println(p.out, p.style(Styles.Title, text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	if p.Machine() {
		p.println(p.out, "OK: "+text)
		return
	}
	p.println(p.out, p.icon(IconSuccess)+" "+p.style(Styles.Success, text))
}

// Warning prints a warning line to the error stream.
func (p *Printer) Warning(text string) {
	if p.Machine() {
		p.println(p.err, "WARN: "+text)
		return
	}
	p.println(p.err, p.icon(IconWarning)+" "+p.style(Styles.Warning, text))
}

// Error prints an error line to the error stream.
func (p *Printer) Error(text string) {
	if p.Machine() {
		p.println(p.err, "ERROR: "+text)
		return
	}
	p.println(p.err, p.icon(IconError)+" "+p.style(Styles.Error, text))
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.Machine() {
		p.println(p.out, text)
		return
	}
	p.println(p.out, p.style(Styles.Muted, "│")+" "+text)
}

// Muted prints secondary text. Nothing is printed in machine mode.
func (p *Printer) Muted(text string) {
	if p.Machine() {
		return
	}
	p.println(p.out, p.style(Styles.Muted, text))
}

// Raw prints text unchanged.
func (p *Printer) Raw(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.out, text)
}

// Box prints content in a rounded box under title.
func (p *Printer) Box(title, content string) {
	if p.level != PersonalityFull {
		p.println(p.out, title+":")
		p.println(p.out, content)
		return
	}
	p.println(p.out, Styles.Box.Render(Styles.Title.Render(title)+"\n"+content))
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

// Severity names a diagnostic severity for display.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
	SeverityHint    Severity = "hint"
)

// Finding is one diagnostic ready for display. Line and Column are
// one-based.
type Finding struct {
	File     string
	Cell     string
	Line     int
	Column   int
	Severity Severity
	Message  string
	Source   string
}

// Diagnostic prints one finding.
//
// Machine mode prints tab-separated fields:
//
//	file	cell	line	column	severity	source	message
func (p *Printer) Diagnostic(f Finding) {
	msg := strings.ReplaceAll(f.Message, "\n", " ")
	if p.Machine() {
		p.println(p.out, strings.Join([]string{
			f.File, f.Cell, fmt.Sprint(f.Line), fmt.Sprint(f.Column), string(f.Severity), f.Source, msg,
		}, "\t"))
		return
	}

	var icon Icon
	var style lipgloss.Style
	switch f.Severity {
	case SeverityError:
		icon, style = IconError, Styles.Error
	case SeverityWarning:
		icon, style = IconWarning, Styles.Warning
	default:
		icon, style = IconInfo, Styles.Info
	}
	loc := fmt.Sprintf("%s[%s]:%d:%d", f.File, f.Cell, f.Line, f.Column)
	line := fmt.Sprintf("%s %s %s %s", p.icon(icon), p.style(Styles.Bold, loc), p.style(style, string(f.Severity)), msg)
	if f.Source != "" {
		line += " " + p.style(Styles.Muted, "("+f.Source+")")
	}
	p.println(p.out, line)
}

// Summary prints diagnostic counts.
func (p *Printer) Summary(errors, warnings, other int) {
	if p.Machine() {
		p.println(p.out, fmt.Sprintf("SUMMARY: errors=%d warnings=%d other=%d", errors, warnings, other))
		return
	}
	p.println(p.out, fmt.Sprintf("\n%s %s  %s %s  %s %s",
		p.style(Styles.Error, fmt.Sprint(errors)), p.style(Styles.Muted, "errors"),
		p.style(Styles.Warning, fmt.Sprint(warnings)), p.style(Styles.Muted, "warnings"),
		p.style(Styles.Bold, fmt.Sprint(other)), p.style(Styles.Muted, "other"),
	))
}
