// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package prompt assembles system prompts from engine configuration.
//
// The prompt is split into two parts: a cacheable static section (persona
// description, instructions, reference documents), rendered once per config
// fetch, and a per-request dynamic section (current time, conversation id).
// The split keeps per-request work to a single concatenation.
package prompt

import (
	"strings"
	"time"

	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
)

// defaultPersona is used when an engine carries no admin-authored behavior
// (degraded configuration after a fetch failure).
const defaultPersona = "당신은 친절하고 정확한 AI 어시스턴트입니다."

// StaticSection is the cacheable part of a system prompt.
//
// The rendered text is computed eagerly at construction so the prompt cache
// can hand it out without re-rendering per request.
type StaticSection struct {
	rendered string
}

// NewStaticSection renders the static section for one engine configuration.
func NewStaticSection(cfg datatypes.EngineConfig) StaticSection {
	var b strings.Builder

	if cfg.Description != "" {
		b.WriteString(cfg.Description)
	} else {
		b.WriteString(defaultPersona)
	}
	b.WriteString("\n")

	if cfg.Instruction != "" {
		b.WriteString("\n[지침]\n")
		b.WriteString(cfg.Instruction)
		b.WriteString("\n")
	}

	if len(cfg.Documents) > 0 {
		b.WriteString("\n[참고 자료]\n")
		for _, doc := range cfg.Documents {
			b.WriteString("### ")
			b.WriteString(doc.Name)
			b.WriteString("\n")
			b.WriteString(doc.Content)
			b.WriteString("\n")
		}
	}

	return StaticSection{rendered: b.String()}
}

// Render returns the pre-rendered static text.
func (s StaticSection) Render() string {
	if s.rendered == "" {
		return defaultPersona + "\n"
	}
	return s.rendered
}

// DynamicSection is the per-request part of a system prompt.
type DynamicSection struct {
	Now            time.Time
	ConversationID string
}

// Assemble joins the static and dynamic sections into the final system
// prompt string handed to the provider.
func Assemble(static StaticSection, dyn DynamicSection) string {
	var b strings.Builder
	b.WriteString(static.Render())

	b.WriteString("\n[세션 정보]\n")
	b.WriteString("현재 시각: ")
	b.WriteString(dyn.Now.Format(time.RFC3339))
	b.WriteString("\n")
	if dyn.ConversationID != "" {
		b.WriteString("대화 ID: ")
		b.WriteString(dyn.ConversationID)
		b.WriteString("\n")
	}
	return b.String()
}

// HistoryMessages converts persisted turns into the provider message list.
// Turns with unknown roles are skipped.
func HistoryMessages(turns []datatypes.ConversationTurn) []datatypes.Message {
	msgs := make([]datatypes.Message, 0, len(turns))
	for _, t := range turns {
		if t.Role != datatypes.RoleUser && t.Role != datatypes.RoleAssistant {
			continue
		}
		msgs = append(msgs, datatypes.Message{Role: t.Role, Content: t.Content})
	}
	return msgs
}
