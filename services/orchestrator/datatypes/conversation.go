// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// Message roles. Role alternation is not enforced; duplicate user turns are
// possible when clients retry and are deduplicated by the conversation store.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one entry in a provider-facing message list.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationTurn is one message within a persisted conversation.
//
// # Description
//
// Turns are logically ordered by Timestamp within a conversation. The
// timestamp is serialized as ISO-8601 (RFC 3339), matching what the
// editing/reporting surface expects.
//
// # Fields
//
//   - Role: "user" or "assistant".
//   - Content: The message text.
//   - Timestamp: Monotonically increasing per conversation.
//   - EngineID: Optional engine that produced/received the turn.
//   - OwnerID: Optional end-user identifier that owns the conversation.
type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	EngineID  string    `json:"engine_id,omitempty"`
	OwnerID   string    `json:"owner_id,omitempty"`
}

// ConversationRecord is the persisted form of a conversation.
//
// # Description
//
// A record is owned by exactly one end-user. The turn list is append-only
// and truncated to the persistence cap by the conversation store on every
// save; the record itself is never deleted by the orchestrator (deletion
// is an external CRUD operation).
//
// # Fields
//
//   - ConversationID: Unique conversation identifier.
//   - OwnerID: The owning end-user identifier (store key component).
//   - Turns: Ordered turns, oldest first.
//   - UpdatedAt: Last mutation time.
type ConversationRecord struct {
	ConversationID string             `json:"conversation_id"`
	OwnerID        string             `json:"owner_id"`
	Turns          []ConversationTurn `json:"turns"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// UsageRecord holds per-owner, per-engine, per-period token counters.
//
// # Description
//
// Updates are additive and must be atomic under concurrent writers:
// multiple overlapping conversations from the same owner may record usage
// for the same period key simultaneously. The document store performs the
// merge inside a transaction.
type UsageRecord struct {
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	MessageCount int64     `json:"message_count"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// Add merges another usage record additively. LastUsedAt keeps the later
// of the two timestamps.
func (u *UsageRecord) Add(delta UsageRecord) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.TotalTokens += delta.TotalTokens
	u.MessageCount += delta.MessageCount
	if delta.LastUsedAt.After(u.LastUsedAt) {
		u.LastUsedAt = delta.LastUsedAt
	}
}
