// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package overrides rewrites notebook-only syntax, such as IPython magics,
// into code a language server can analyse, and rewrites it back.
package overrides

import (
	"strings"
	"sync"
)

type registryKey struct {
	scope    Scope
	language string
}

// Registry holds override rules keyed by (scope, language).
//
// Description:
//
//	Rules for one key are evaluated in registration order. For cell
//	scope the first matching rule rewrites the cell. For line scope each
//	line is rewritten by the first rule that matches it.
//
// Thread Safety:
//
//	Safe for concurrent use. Rules are registered at startup and read on
//	every rebuild.
type Registry struct {
	mu    sync.RWMutex
	rules map[registryKey][]Rule
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[registryKey][]Rule)}
}

// Register adds a rule for language. Languages are case-insensitive.
//
// Outputs:
//
//	error - ErrInvalidRule if the rule cannot be evaluated
func (r *Registry) Register(language string, rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	k := registryKey{scope: rule.Scope, language: normalize(language)}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[k] = append(r.rules[k], rule)
	return nil
}

// Rules returns a copy of the rules for (scope, language) in order.
func (r *Registry) Rules(scope Scope, language string) []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules := r.rules[registryKey{scope: scope, language: normalize(language)}]
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

// Languages returns every language with at least one rule.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for k := range r.rules {
		if !seen[k.language] {
			seen[k.language] = true
			out = append(out, k.language)
		}
	}
	return out
}

// Apply rewrites text with the forward rules of (scope, language).
//
// Outputs:
//
//	string - The rewritten text, or text unchanged when nothing matched
//	bool - True if at least one rule matched
func (r *Registry) Apply(scope Scope, language, text string) (string, bool) {
	out, n := run(r.Rules(scope, language), scope, text, false)
	return out, n > 0
}

// Reverse rewrites text with the reverse rules of (scope, language).
//
// Outputs:
//
//	string - The restored text, or text unchanged when nothing matched
//	bool - True if at least one reverse rule matched
func (r *Registry) Reverse(scope Scope, language, text string) (string, bool) {
	out, n := run(r.Rules(scope, language), scope, text, true)
	return out, n > 0
}

// ApplyCell rewrites a whole cell: the cell-scope rules first, and the
// line-scope rules only when no cell rule matched.
func (r *Registry) ApplyCell(language, text string) string {
	if out, ok := r.Apply(ScopeCell, language, text); ok {
		return out
	}
	out, _ := r.Apply(ScopeLine, language, text)
	return out
}

// ReverseCell undoes ApplyCell.
func (r *Registry) ReverseCell(language, text string) string {
	if out, ok := r.Reverse(ScopeCell, language, text); ok {
		return out
	}
	out, _ := r.Reverse(ScopeLine, language, text)
	return out
}

// Matches counts the rewrites ApplyCell would make to text: one for a
// matching cell rule, otherwise one per rewritten line.
func (r *Registry) Matches(language, text string) int {
	if _, n := run(r.Rules(ScopeCell, language), ScopeCell, text, false); n > 0 {
		return n
	}
	_, n := run(r.Rules(ScopeLine, language), ScopeLine, text, false)
	return n
}

// run applies rules and returns the result with the number of matches.
// Cell scope stops at the first match; line scope rewrites each line with
// its first matching rule.
func run(rules []Rule, scope Scope, text string, reverse bool) (string, int) {
	if len(rules) == 0 {
		return text, 0
	}
	if scope == ScopeCell {
		for i := range rules {
			rule := pick(&rules[i], reverse)
			if rule == nil {
				continue
			}
			if out, ok := rule.apply(text); ok {
				return out, 1
			}
		}
		return text, 0
	}

	lines := strings.Split(text, "\n")
	matched := 0
	for n, line := range lines {
		for i := range rules {
			rule := pick(&rules[i], reverse)
			if rule == nil {
				continue
			}
			if out, ok := rule.apply(line); ok {
				lines[n] = out
				matched++
				break
			}
		}
	}
	if matched == 0 {
		return text, 0
	}
	return strings.Join(lines, "\n"), matched
}

func pick(rule *Rule, reverse bool) *Rule {
	if reverse {
		return rule.Reverse
	}
	return rule
}

func normalize(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}
