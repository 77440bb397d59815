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
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Sentinel errors for override rules.
var (
	// ErrInvalidRule indicates a rule that cannot be evaluated.
	ErrInvalidRule = errors.New("invalid override rule")

	// ErrUnknownScope indicates a scope name other than "cell" or "line".
	ErrUnknownScope = errors.New("unknown override scope")
)

// =============================================================================
// SCOPE
// =============================================================================

// Scope selects where an override rule may match.
type Scope int

const (
	// ScopeCell rules match only at the start of a whole cell.
	ScopeCell Scope = iota

	// ScopeLine rules match one physical line at a time.
	ScopeLine
)

// String returns the configuration name of the scope.
func (s Scope) String() string {
	switch s {
	case ScopeCell:
		return "cell"
	case ScopeLine:
		return "line"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ParseScope parses "cell" or "line".
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cell":
		return ScopeCell, nil
	case "line":
		return ScopeLine, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownScope, s)
}

// =============================================================================
// RULE
// =============================================================================

// Replacer computes a replacement from the submatches of a rule pattern.
// groups[0] is the whole match. Unmatched optional groups are "".
//
// Replacers must be pure: the same groups always produce the same output.
type Replacer func(groups []string) string

// Rule rewrites the start of a text into a form a language server accepts.
//
// Description:
//
//	A rule matches Pattern anchored at offset zero of its input (the whole
//	cell for ScopeCell, one line for ScopeLine) and replaces the matched
//	prefix. The replacement is Replace(groups) when Replace is set, and
//	Template expanded with $1-style references otherwise. Reverse, when
//	set, undoes the rewrite so edits can be written back to the cell.
type Rule struct {
	// Name identifies the rule in logs.
	Name string

	// Scope selects whole-cell or per-line matching.
	Scope Scope

	// Pattern is matched at the start of the input.
	Pattern *regexp.Regexp

	// Template is the $-expansion template used when Replace is nil.
	Template string

	// Replace computes the replacement. Takes precedence over Template.
	Replace Replacer

	// Reverse undoes this rule. Its Scope must equal the rule's Scope.
	Reverse *Rule
}

// Validate checks that the rule can be evaluated.
func (r *Rule) Validate() error {
	if r.Pattern == nil {
		return fmt.Errorf("%w: %s: nil pattern", ErrInvalidRule, r.Name)
	}
	if r.Reverse != nil {
		if r.Reverse.Scope != r.Scope {
			return fmt.Errorf("%w: %s: reverse scope %s differs from %s",
				ErrInvalidRule, r.Name, r.Reverse.Scope, r.Scope)
		}
		if r.Reverse.Reverse != nil {
			return fmt.Errorf("%w: %s: reverse rule must not have its own reverse", ErrInvalidRule, r.Name)
		}
		if err := r.Reverse.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// apply rewrites the prefix of text matched by the rule.
//
// It reports false when the pattern does not match at offset zero. A
// panicking Replacer is treated as no match.
func (r *Rule) apply(text string) (out string, ok bool) {
	loc := r.Pattern.FindStringSubmatchIndex(text)
	if loc == nil || loc[0] != 0 {
		return text, false
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Warn("override replacer panicked",
				slog.String("rule", r.Name),
				slog.Any("panic", p),
			)
			out, ok = text, false
		}
	}()

	var replacement string
	if r.Replace != nil {
		groups := make([]string, len(loc)/2)
		for i := range groups {
			if loc[2*i] >= 0 {
				groups[i] = text[loc[2*i]:loc[2*i+1]]
			}
		}
		replacement = r.Replace(groups)
	} else {
		replacement = string(r.Pattern.ExpandString(nil, r.Template, text, loc))
	}
	return replacement + text[loc[1]:], true
}

// =============================================================================
// CONFIGURED RULES
// =============================================================================

// RuleSpec is the configuration form of a template rule.
type RuleSpec struct {
	Name               string `yaml:"name" json:"name" validate:"required"`
	Language           string `yaml:"language" json:"language" validate:"required"`
	Scope              string `yaml:"scope" json:"scope" validate:"required,oneof=cell line"`
	Pattern            string `yaml:"pattern" json:"pattern" validate:"required"`
	Replacement        string `yaml:"replacement" json:"replacement"`
	ReversePattern     string `yaml:"reverse_pattern,omitempty" json:"reverse_pattern,omitempty"`
	ReverseReplacement string `yaml:"reverse_replacement,omitempty" json:"reverse_replacement,omitempty"`
}

// Compile turns a RuleSpec into a Rule.
//
// Outputs:
//
//	Rule - The compiled rule
//	error - ErrUnknownScope or a regexp compile error
func (s RuleSpec) Compile() (Rule, error) {
	scope, err := ParseScope(s.Scope)
	if err != nil {
		return Rule{}, err
	}
	pattern, err := regexp.Compile(s.Pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %s: %v", ErrInvalidRule, s.Name, err)
	}
	rule := Rule{Name: s.Name, Scope: scope, Pattern: pattern, Template: s.Replacement}

	if s.ReversePattern != "" {
		rp, err := regexp.Compile(s.ReversePattern)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %s reverse: %v", ErrInvalidRule, s.Name, err)
		}
		rule.Reverse = &Rule{
			Name:     s.Name + ".reverse",
			Scope:    scope,
			Pattern:  rp,
			Template: s.ReverseReplacement,
		}
	}
	return rule, rule.Validate()
}
