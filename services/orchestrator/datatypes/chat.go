// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the WebSocket wire types: the inbound chat request and
// the outbound stream events. The hosting envelope (brand routing, auth
// headers) is handled upstream; by the time a ChatRequest reaches the
// orchestrator it carries only the fields below.

package datatypes

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single inbound message.
	// Byte length, not rune count, to bound memory for large payloads.
	MaxMessageContentBytes = 32 * 1024

	// MaxClientHistoryTurns is the maximum number of client-held history
	// turns accepted per request. Anything beyond this is truncated during
	// history merge anyway.
	MaxClientHistoryTurns = 100
)

// Inbound actions.
const (
	ActionSendMessage  = "sendMessage"
	ActionClearHistory = "clearHistory"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces MaxMessageContentBytes on string fields.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Inbound Request
// =============================================================================

// ChatRequest is one inbound WebSocket message.
//
// # Description
//
// ChatRequest carries either a sendMessage action (free-text content for an
// engine, optionally continuing an existing conversation) or a clearHistory
// action (truncate the persisted turn list). An absent ConversationID on
// sendMessage creates a new conversation.
//
// # Fields
//
//   - Action: "sendMessage" or "clearHistory".
//   - Content: Free-text user message. Limited to 32KB.
//   - EngineID: Engine (persona/skill) to answer with.
//   - ConversationID: Optional; absence creates a new conversation.
//   - OwnerID: End-user identifier owning the conversation.
//   - History: Optional client-held history, merged with persisted history
//     under the store-authoritative precedence rule.
//
// # Validation
//
// Uses go-playground/validator. Content size is validated in bytes via the
// custom maxbytes rule.
type ChatRequest struct {
	Action         string             `json:"action" validate:"required,oneof=sendMessage clearHistory"`
	Content        string             `json:"content" validate:"maxbytes"`
	EngineID       string             `json:"engineId" validate:"required"`
	ConversationID string             `json:"conversationId,omitempty"`
	OwnerID        string             `json:"ownerId"`
	History        []ConversationTurn `json:"history,omitempty" validate:"max=100"`
}

// Validate checks structural validity of the request.
//
// sendMessage additionally requires non-empty content; clearHistory requires
// a conversation identifier to clear.
func (r *ChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid chat request: %w", err)
	}
	switch r.Action {
	case ActionSendMessage:
		if r.Content == "" {
			return fmt.Errorf("invalid chat request: content is required for sendMessage")
		}
	case ActionClearHistory:
		if r.ConversationID == "" {
			return fmt.Errorf("invalid chat request: conversationId is required for clearHistory")
		}
	}
	return nil
}

// =============================================================================
// Outbound Stream Events
// =============================================================================

// Outbound event types. Every sendMessage request terminates in exactly one
// of chat_end or error; the client never sees a silently truncated stream.
const (
	EventAIStart = "ai_start"
	EventAIChunk = "ai_chunk"
	EventError   = "error"
	EventChatEnd = "chat_end"
)

// StreamEvent is one outbound WebSocket message.
//
// # Description
//
// StreamEvent is the tagged union for everything the orchestrator emits:
// a single ai_start when streaming begins, one ai_chunk per partial-text
// increment (Seq is a monotonically increasing chunk index), and a terminal
// chat_end (with total chunk count and response length) or error.
//
// # Thread Safety
//
// Events are plain values; writers serialize access to the connection.
type StreamEvent struct {
	Type           string `json:"type"`
	Seq            int    `json:"seq,omitempty"`
	Content        string `json:"content,omitempty"`
	Message        string `json:"message,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	TotalChunks    int    `json:"totalChunks,omitempty"`
	ResponseLength int    `json:"responseLength,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// NewStartEvent builds the ai_start event emitted once streaming begins.
func NewStartEvent(conversationID string) StreamEvent {
	return StreamEvent{
		Type:           EventAIStart,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UnixMilli(),
	}
}

// NewChunkEvent builds one ai_chunk event. Seq is 1-based.
func NewChunkEvent(seq int, content string) StreamEvent {
	return StreamEvent{
		Type:      EventAIChunk,
		Seq:       seq,
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// NewErrorEvent builds the terminal error event with a human-readable message.
func NewErrorEvent(message string) StreamEvent {
	return StreamEvent{
		Type:      EventError,
		Message:   message,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// NewEndEvent builds the terminal chat_end event.
func NewEndEvent(conversationID string, totalChunks, responseLength int) StreamEvent {
	return StreamEvent{
		Type:           EventChatEnd,
		ConversationID: conversationID,
		TotalChunks:    totalChunks,
		ResponseLength: responseLength,
		CreatedAt:      time.Now().UnixMilli(),
	}
}
