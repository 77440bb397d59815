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
	"fmt"
	"regexp"
	"strings"
)

// Capture group names with a role in a rule pattern.
const (
	// GroupForeign names the group holding the foreign code.
	GroupForeign = "foreign"

	// GroupArgs names the group passed to the prologue function.
	GroupArgs = "args"
)

// Rule recognises one kind of foreign code in a host language.
//
// Description:
//
//	Pattern is matched globally against the host text. The (?P<foreign>)
//	group, or the whole match when absent, becomes the fragment. The
//	(?P<args>) group, when present, is handed to Prologue. A pattern that
//	captures to the end of the text, like `[\s\S]*`, makes an unterminated
//	fragment run to the end of the cell.
type Rule struct {
	// Name identifies the rule in logs.
	Name string

	// Language is the foreign language, e.g. "r".
	Language string

	// Pattern finds the foreign code.
	Pattern *regexp.Regexp

	// Standalone rules give every fragment its own document.
	Standalone bool

	// FileExtension is used for the foreign document's URI.
	FileExtension string

	// KeepInHost leaves the matched text in the host document.
	KeepInHost bool

	// HostReplacer is the $-template replacing the whole match in the host
	// when KeepInHost is false.
	HostReplacer string

	// Prologue builds code prepended to the fragment from the args group.
	Prologue func(args string) string

	foreignIdx int
	argsIdx    int
}

func (r *Rule) compile() error {
	if r.Pattern == nil {
		return fmt.Errorf("%w: %s: nil pattern", ErrInvalidRule, r.Name)
	}
	if r.Language == "" {
		return fmt.Errorf("%w: %s: empty language", ErrInvalidRule, r.Name)
	}
	r.Language = strings.ToLower(r.Language)
	r.foreignIdx = r.Pattern.SubexpIndex(GroupForeign)
	r.argsIdx = r.Pattern.SubexpIndex(GroupArgs)
	if r.Prologue != nil && r.argsIdx < 0 {
		return fmt.Errorf("%w: %s: prologue without %q group", ErrInvalidRule, r.Name, GroupArgs)
	}
	if r.FileExtension == "" {
		r.FileExtension = r.Language
	}
	return nil
}

// =============================================================================
// IPYTHON RULES
// =============================================================================

// RPy2Prologue declares every rpy2 input variable as an R data frame.
//
// "-i df -i x,y" and "--input=df" forms are accepted. Output and other
// flags are ignored.
func RPy2Prologue(args string) string {
	var inputs []string
	fields := strings.Fields(args)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case f == "-i" || f == "--input":
			if i+1 < len(fields) {
				inputs = append(inputs, strings.Split(fields[i+1], ",")...)
				i++
			}
		case strings.HasPrefix(f, "--input="):
			inputs = append(inputs, strings.Split(strings.TrimPrefix(f, "--input="), ",")...)
		case strings.HasPrefix(f, "-i") && len(f) > 2 && !strings.HasPrefix(f, "--"):
			inputs = append(inputs, strings.Split(f[2:], ",")...)
		}
	}

	var b strings.Builder
	for _, in := range inputs {
		if in = strings.TrimSpace(in); in != "" {
			b.WriteString(in + " <- data.frame(); ")
		}
	}
	return b.String()
}

// standaloneMagics maps cell magic names to foreign languages.
var standaloneMagics = []struct {
	magic, language, ext string
}{
	{"markdown", "markdown", "md"},
	{"latex", "latex", "tex"},
	{"html", "html", "html"},
	{"javascript", "javascript", "js"},
	{"js", "javascript", "js"},
	{"bash", "shell", "sh"},
	{"sh", "shell", "sh"},
}

// IPythonRules returns the extractor rules for IPython notebooks.
//
// Outputs:
//
//	[]Rule - rpy2 cell and line magics, then display and script cell
//	magics, then %%sql
func IPythonRules() []Rule {
	rules := []Rule{
		{
			Name:          "rpy2.cell",
			Language:      "r",
			Pattern:       regexp.MustCompile(`^%%R(?P<args> [^\n]*)?\n(?P<foreign>[\s\S]*)`),
			FileExtension: "R",
			KeepInHost:    true,
			Prologue:      RPy2Prologue,
		},
		{
			Name:          "rpy2.line",
			Language:      "r",
			Pattern:       regexp.MustCompile(`(?m)^(?:[ \t]*|[ \t]*\S+[ \t]*=[ \t]*)%R(?P<args>(?:[ \t]+-(?:i|-input)[ \t]+\S+)*)[ \t]+(?P<foreign>[^\n]*)$`),
			FileExtension: "R",
			KeepInHost:    true,
			Prologue:      RPy2Prologue,
		},
	}
	for _, m := range standaloneMagics {
		rules = append(rules, Rule{
			Name:          "magic." + m.magic,
			Language:      m.language,
			Pattern:       regexp.MustCompile(`^%%` + m.magic + `(?: [^\n]*)?\n(?P<foreign>[\s\S]*)`),
			Standalone:    true,
			FileExtension: m.ext,
			KeepInHost:    true,
		})
	}
	rules = append(rules, Rule{
		Name:          "magic.sql",
		Language:      "sql",
		Pattern:       regexp.MustCompile(`^%%sql(?: [^\n]*)?\n(?P<foreign>[\s\S]*)`),
		FileExtension: "sql",
		KeepInHost:    true,
	})
	return rules
}

// RegisterIPython registers IPythonRules for hostLanguage.
func RegisterIPython(e *Extractor, hostLanguage string) error {
	for _, r := range IPythonRules() {
		if err := e.Register(hostLanguage, r); err != nil {
			return err
		}
	}
	return nil
}
