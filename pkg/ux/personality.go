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
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel defines the richness of CLI output.
type PersonalityLevel string

const (
	// PersonalityFull uses colors, icons and boxes.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal uses icons without color.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine outputs plain tab-separated text for scripts.
	PersonalityMachine PersonalityLevel = "machine"
)

// ParsePersonalityLevel converts a string to a PersonalityLevel. Unknown
// values fall back to full.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min":
		return PersonalityMinimal
	case "machine", "plain", "script":
		return PersonalityMachine
	default:
		return PersonalityFull
	}
}

// DetectPersonality picks a level for output written to f.
//
// Description:
//
//	$ALEUTIAN_PERSONALITY wins when set. Otherwise a terminal gets full
//	output, a terminal with $NO_COLOR gets minimal output, and anything
//	else (pipes, files, CI logs) gets machine output.
func DetectPersonality(f *os.File) PersonalityLevel {
	if v := os.Getenv("ALEUTIAN_PERSONALITY"); v != "" {
		return ParsePersonalityLevel(v)
	}
	if f == nil || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return PersonalityMachine
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return PersonalityMinimal
	}
	return PersonalityFull
}
