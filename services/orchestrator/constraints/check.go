// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package constraints

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// targetCountSlack is the tolerance applied to approximate counts: a
// target of N accepts N±slack items.
const targetCountSlack = 2

// enumeratorPattern strips leading list markers ("1.", "2)", "-", "*", "•")
// so item counting sees content lines, not markup.
var enumeratorPattern = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s*`)

// Violation describes one failed constraint check, with a user-facing
// Korean message naming the expectation and what was produced.
type Violation struct {
	Code    string
	Message string
}

// Check validates generated output against a constraint set and returns
// the violations found, in a stable order. An empty slice means the
// output satisfies every recognized constraint.
func Check(output string, set ConstraintSet) []Violation {
	if set.IsEmpty() || output == "" {
		return nil
	}

	var violations []Violation

	if set.ExactCount != nil {
		got := countItems(output)
		if got != *set.ExactCount {
			violations = append(violations, Violation{
				Code:    "item_count",
				Message: fmt.Sprintf("항목 수 불일치: %d개 필요, %d개 생성됨", *set.ExactCount, got),
			})
		}
	} else if set.TargetCount != nil {
		got := countItems(output)
		if got < *set.TargetCount-targetCountSlack || got > *set.TargetCount+targetCountSlack {
			violations = append(violations, Violation{
				Code:    "item_count",
				Message: fmt.Sprintf("항목 수 불일치: 약 %d개 필요, %d개 생성됨", *set.TargetCount, got),
			})
		}
	}

	// Length bounds apply per content line, not to the whole output: an
	// instruction like "각 항목은 100자 이내" constrains each item. The first
	// offending line is reported for each bound.
	if set.MinChars != nil || set.MaxChars != nil {
		lines := contentLines(output)
		if set.MinChars != nil {
			for _, line := range lines {
				if length := utf8.RuneCountInString(line); length < *set.MinChars {
					violations = append(violations, Violation{
						Code:    "length",
						Message: fmt.Sprintf("응답 길이 부족: 최소 %d자 필요, %d자 생성됨", *set.MinChars, length),
					})
					break
				}
			}
		}
		if set.MaxChars != nil {
			for _, line := range lines {
				if length := utf8.RuneCountInString(line); length > *set.MaxChars {
					violations = append(violations, Violation{
						Code:    "length",
						Message: fmt.Sprintf("응답 길이 초과: 최대 %d자 허용, %d자 생성됨", *set.MaxChars, length),
					})
					break
				}
			}
		}
	}

	if v := checkFormat(output, set.Format); v != nil {
		violations = append(violations, *v)
	}

	for _, field := range set.RequiredFields {
		if !strings.Contains(output, field) {
			violations = append(violations, Violation{
				Code:    "missing_field",
				Message: fmt.Sprintf("필수 항목 누락: %q", field),
			})
		}
	}

	return violations
}

// countItems counts the content-bearing lines of the output, treating an
// enumerated line the same as a bare line. Blank lines are ignored.
func countItems(output string) int {
	return len(contentLines(output))
}

// contentLines returns the non-blank lines of the output with leading
// enumerators and surrounding whitespace stripped, so counting and length
// checks see content rather than list markup.
func contentLines(output string) []string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		stripped := strings.TrimSpace(enumeratorPattern.ReplaceAllString(line, ""))
		if stripped != "" {
			lines = append(lines, stripped)
		}
	}
	return lines
}

func checkFormat(output string, format OutputFormat) *Violation {
	switch format {
	case FormatObject:
		trimmed := strings.TrimSpace(output)
		// Tolerate a fenced code block around the object.
		if strings.HasPrefix(trimmed, "```") {
			trimmed = strings.TrimPrefix(trimmed, "```json")
			trimmed = strings.TrimPrefix(trimmed, "```")
			trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
			trimmed = strings.TrimSpace(trimmed)
		}
		if !json.Valid([]byte(trimmed)) {
			return &Violation{
				Code:    "format",
				Message: "형식 불일치: 유효한 JSON 객체가 필요합니다",
			}
		}
	case FormatTable:
		if !strings.Contains(output, "|") {
			return &Violation{
				Code:    "format",
				Message: "형식 불일치: 표 형식이 필요합니다",
			}
		}
	case FormatList:
		listLine := regexp.MustCompile(`(?m)^\s*(?:\d+[.)]|[-*•])\s+\S`)
		if !listLine.MatchString(output) {
			return &Violation{
				Code:    "format",
				Message: "형식 불일치: 목록 형식이 필요합니다",
			}
		}
	}
	return nil
}

// Summarize joins violation messages into one corrective sentence suitable
// for a re-prompt.
func Summarize(violations []Violation) string {
	if len(violations) == 0 {
		return ""
	}
	msgs := make([]string, len(violations))
	for i, v := range violations {
		msgs[i] = v.Message
	}
	return strings.Join(msgs, "; ")
}
