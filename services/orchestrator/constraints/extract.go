// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package constraints extracts quantitative and structural requirements
// from engine instructions and validates generated output against them.
//
// Extraction is heuristic pattern matching over Korean and English
// instruction text. A constraint the patterns cannot recognize is simply
// not enforced; extraction never fails.
package constraints

import (
	"regexp"
	"strconv"
	"strings"
)

// OutputFormat identifies the structural shape an instruction demands.
type OutputFormat string

const (
	FormatNone   OutputFormat = ""
	FormatList   OutputFormat = "list"
	FormatTable  OutputFormat = "table"
	FormatObject OutputFormat = "object"
)

// ConstraintSet holds every requirement recognized in one instruction.
// Nil pointer fields mean the corresponding constraint was not stated.
type ConstraintSet struct {
	// ExactCount is a hard item count ("정확히 3개", "5개만").
	ExactCount *int

	// TargetCount is an approximate item count ("10개 정도", "10개 내외").
	// Advisory: reported but checked with slack.
	TargetCount *int

	// MinChars and MaxChars bound the response length in characters
	// ("200~300자", "500자 이내").
	MinChars *int
	MaxChars *int

	// Format is the demanded output structure, if any.
	Format OutputFormat

	// RequiredFields are quoted field names the output must mention.
	RequiredFields []string

	// HasProhibitions is set when the instruction forbids something.
	// The specific prohibition is not modeled; the flag drives corrective
	// re-prompts that restate the original instruction.
	HasProhibitions bool

	// StyleEmphasis is set when the instruction stresses tone or voice.
	StyleEmphasis bool
}

// IsEmpty reports whether no constraint was recognized at all.
func (c ConstraintSet) IsEmpty() bool {
	return c.ExactCount == nil && c.TargetCount == nil &&
		c.MinChars == nil && c.MaxChars == nil &&
		c.Format == FormatNone && len(c.RequiredFields) == 0 &&
		!c.HasProhibitions && !c.StyleEmphasis
}

var (
	exactCountPatterns = []*regexp.Regexp{
		regexp.MustCompile(`정확히\s*(\d+)\s*개`),
		regexp.MustCompile(`(\d+)\s*개만`),
		regexp.MustCompile(`(?i)exactly\s+(\d+)`),
	}
	targetCountPattern = regexp.MustCompile(`(\d+)\s*개\s*(?:정도|내외|가량)`)

	charRangePattern = regexp.MustCompile(`(\d+)\s*[~∼-]\s*(\d+)\s*자`)
	charMaxPattern   = regexp.MustCompile(`(\d+)\s*자\s*(?:이내|이하|미만)`)

	quotedFieldPattern = regexp.MustCompile(`[\x{201C}"']([^\x{201C}\x{201D}"']{1,30})[\x{201D}"']\s*(?:필드|항목|field)`)

	prohibitionWords = []string{"금지", "하지 마", "하지마", "제외", "never", "must not", "avoid"}
	styleWords       = []string{"말투", "어조", "톤", "스타일"}
)

// Extract recognizes constraints stated in an instruction. It always
// succeeds; unrecognized phrasing yields an empty set.
func Extract(instruction string) ConstraintSet {
	var set ConstraintSet
	if instruction == "" {
		return set
	}

	for _, p := range exactCountPatterns {
		if m := p.FindStringSubmatch(instruction); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				set.ExactCount = &n
				break
			}
		}
	}

	if set.ExactCount == nil {
		if m := targetCountPattern.FindStringSubmatch(instruction); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				set.TargetCount = &n
			}
		}
	}

	if m := charRangePattern.FindStringSubmatch(instruction); m != nil {
		lo, err1 := strconv.Atoi(m[1])
		hi, err2 := strconv.Atoi(m[2])
		if err1 == nil && err2 == nil && lo <= hi {
			set.MinChars = &lo
			set.MaxChars = &hi
		}
	} else if m := charMaxPattern.FindStringSubmatch(instruction); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			set.MaxChars = &n
		}
	}

	set.Format = detectFormat(instruction)

	for _, m := range quotedFieldPattern.FindAllStringSubmatch(instruction, -1) {
		set.RequiredFields = append(set.RequiredFields, m[1])
	}

	lower := strings.ToLower(instruction)
	for _, w := range prohibitionWords {
		if strings.Contains(lower, w) {
			set.HasProhibitions = true
			break
		}
	}
	for _, w := range styleWords {
		if strings.Contains(instruction, w) {
			set.StyleEmphasis = true
			break
		}
	}

	return set
}

func detectFormat(instruction string) OutputFormat {
	lower := strings.ToLower(instruction)
	switch {
	case strings.Contains(lower, "json") || strings.Contains(instruction, "객체"):
		return FormatObject
	case strings.Contains(instruction, "표") || strings.Contains(lower, "table"):
		return FormatTable
	case strings.Contains(instruction, "목록") || strings.Contains(instruction, "리스트") ||
		strings.Contains(lower, "list"):
		return FormatList
	}
	return FormatNone
}
