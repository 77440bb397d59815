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
	"regexp"
	"strings"
)

// quoted matches the body of a double-quoted string with backslash escapes.
const quoted = `((?:[^"\\]|\\.)*)`

// assignPrefix matches leading indentation or "target = " before a magic.
const assignPrefix = `^(\s*|\s*\S+\s*=\s*)`

// =============================================================================
// IPYTHON RULES
// =============================================================================

// IPythonRules returns the IPython cell and line overrides.
//
// Description:
//
//	Cell magics become run_cell_magic calls whose body is a triple-quoted
//	string opening on the first line, so body lines keep their line
//	numbers. Line magics, shell escapes and help queries, prefix or
//	suffix, become get_ipython() calls on the same line. All strings are
//	escaped so the reverse rules restore the original text exactly.
//
// Outputs:
//
//	[]Rule - Rules in evaluation order
func IPythonRules() []Rule {
	return []Rule{
		{
			Name:    "ipython.cell_magic",
			Scope:   ScopeCell,
			Pattern: regexp.MustCompile(`^%%([^\s"]+)(?: ([^\n]+))?\n([\s\S]*)$`),
			Replace: func(g []string) string {
				return `get_ipython().run_cell_magic("` + g[1] + `", "` + escape(g[2]) +
					`", """` + "\n" + escape(g[3]) + `""")`
			},
			Reverse: &Rule{
				Name:  "ipython.cell_magic.reverse",
				Scope: ScopeCell,
				Pattern: regexp.MustCompile(`^get_ipython\(\)\.run_cell_magic\("([^\s"]+)", "` + quoted +
					`", """` + "\n" + `([\s\S]*)"""\)$`),
				Replace: func(g []string) string {
					head := "%%" + g[1]
					if args := unescape(g[2]); args != "" {
						head += " " + args
					}
					return head + "\n" + unescape(g[3])
				},
			},
		},
		{
			// Help queries use single quotes so they never collide with the
			// reverse of an explicit %pinfo line magic.
			Name:    "ipython.help",
			Scope:   ScopeLine,
			Pattern: regexp.MustCompile(`^(\s*)([A-Za-z_][\w.]*)(\?\??)$`),
			Replace: func(g []string) string {
				magic := "pinfo"
				if g[3] == "??" {
					magic = "pinfo2"
				}
				return g[1] + `get_ipython().run_line_magic('` + magic + `', '` + g[2] + `')`
			},
			Reverse: &Rule{
				Name:    "ipython.help.reverse",
				Scope:   ScopeLine,
				Pattern: regexp.MustCompile(`^(\s*)get_ipython\(\)\.run_line_magic\('(pinfo2?)', '([A-Za-z_][\w.]*)'\)$`),
				Replace: func(g []string) string {
					suffix := "?"
					if g[2] == "pinfo2" {
						suffix = "??"
					}
					return g[1] + g[3] + suffix
				},
			},
		},
		{
			// Prefix help (?obj, ??obj) passes keyword arguments so its reverse
			// never takes the suffix form.
			Name:    "ipython.help_prefix",
			Scope:   ScopeLine,
			Pattern: regexp.MustCompile(`^(\s*)(\?\??)([A-Za-z_][\w.]*)$`),
			Replace: func(g []string) string {
				magic := "pinfo"
				if g[2] == "??" {
					magic = "pinfo2"
				}
				return g[1] + `get_ipython().run_line_magic(magic_name='` + magic + `', line='` + g[3] + `')`
			},
			Reverse: &Rule{
				Name:    "ipython.help_prefix.reverse",
				Scope:   ScopeLine,
				Pattern: regexp.MustCompile(`^(\s*)get_ipython\(\)\.run_line_magic\(magic_name='(pinfo2?)', line='([A-Za-z_][\w.]*)'\)$`),
				Replace: func(g []string) string {
					prefix := "?"
					if g[2] == "pinfo2" {
						prefix = "??"
					}
					return g[1] + prefix + g[3]
				},
			},
		},
		{
			Name:    "ipython.line_magic",
			Scope:   ScopeLine,
			Pattern: regexp.MustCompile(assignPrefix + `%([^\s%"][^\s"]*)(?: (.+))?$`),
			Replace: func(g []string) string {
				return g[1] + `get_ipython().run_line_magic("` + g[2] + `", "` + escape(g[3]) + `")`
			},
			Reverse: &Rule{
				Name:    "ipython.line_magic.reverse",
				Scope:   ScopeLine,
				Pattern: regexp.MustCompile(assignPrefix + `get_ipython\(\)\.run_line_magic\("([^\s%"][^\s"]*)", "` + quoted + `"\)$`),
				Replace: func(g []string) string {
					out := g[1] + "%" + g[2]
					if args := unescape(g[3]); args != "" {
						out += " " + args
					}
					return out
				},
			},
		},
		{
			Name:    "ipython.shell",
			Scope:   ScopeLine,
			Pattern: regexp.MustCompile(assignPrefix + `!(.*)$`),
			Replace: func(g []string) string {
				return g[1] + `get_ipython().getoutput("` + escape(g[2]) + `")`
			},
			Reverse: &Rule{
				Name:    "ipython.shell.reverse",
				Scope:   ScopeLine,
				Pattern: regexp.MustCompile(assignPrefix + `get_ipython\(\)\.getoutput\("` + quoted + `"\)$`),
				Replace: func(g []string) string {
					return g[1] + "!" + unescape(g[2])
				},
			},
		},
	}
}

// RegisterIPython registers IPythonRules for language (normally "python").
func RegisterIPython(r *Registry, language string) error {
	for _, rule := range IPythonRules() {
		if err := r.Register(language, rule); err != nil {
			return err
		}
	}
	return nil
}

var (
	escaper   = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	unescaper = regexp.MustCompile(`\\(.)`)
)

func escape(s string) string { return escaper.Replace(s) }

func unescape(s string) string { return unescaper.ReplaceAllString(s, "$1") }
