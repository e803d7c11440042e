// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the chatcore orchestrator.
//
// This file contains engine configuration types. An "engine" is a named
// bundle of admin-authored behavior (persona description, instruction text,
// attached reference documents) selecting one product persona/skill.
// Engine configuration is read-only from the orchestrator's point of view;
// only the external editing surface mutates it.
package datatypes

import "time"

// ContentTypeText is the only reference document content type currently
// produced by the editing surface.
const ContentTypeText = "text"

// ReferenceDocument is a named text blob attached to an EngineConfig,
// used as retrieval context when assembling the system prompt.
//
// # Description
//
// ReferenceDocument has no lifecycle of its own; it is owned by the
// EngineConfig it is attached to and travels with it through the cache.
//
// # Fields
//
//   - Name: Display name of the document (e.g., "환불 정책").
//   - Content: The document body.
//   - ContentType: Content type tag. Currently always "text".
type ReferenceDocument struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

// EngineConfig represents the admin-authored behavior for one logical engine.
//
// # Description
//
// EngineConfig is fetched lazily from the document store on first cache miss
// and refreshed on TTL expiry (or never, in permanent cache mode). A zero
// Instruction/Description/Documents is a valid degraded configuration: the
// orchestrator falls back to generic behavior rather than failing a request
// when the store cannot produce a configuration.
//
// # Fields
//
//   - EngineID: Unique engine identifier (store key component).
//   - Instruction: Free-form admin instruction text. Constraints for
//     structured generation are extracted from this text.
//   - Description: Persona description shown to the model.
//   - Documents: Ordered reference documents attached to the engine.
//   - FetchedAt: When this config was last fetched from the store.
//
// # Thread Safety
//
// EngineConfig values are treated as immutable after construction. The
// prompt cache hands out copies; callers must not mutate them.
type EngineConfig struct {
	EngineID    string              `json:"engine_id"`
	Instruction string              `json:"instruction"`
	Description string              `json:"description"`
	Documents   []ReferenceDocument `json:"documents,omitempty"`
	FetchedAt   time.Time           `json:"fetched_at"`
}

// IsDegraded reports whether this config carries no admin-authored behavior,
// i.e. it is the empty fallback produced after a fetch failure.
func (e EngineConfig) IsDegraded() bool {
	return e.Instruction == "" && e.Description == "" && len(e.Documents) == 0
}
