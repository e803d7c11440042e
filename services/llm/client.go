// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"

	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
)

// GenerationParams are the provider-independent generation knobs.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType tags incremental events produced during streaming.
type StreamEventType string

const (
	// StreamEventToken is one partial-text increment.
	StreamEventToken StreamEventType = "token"

	// StreamEventDone signals natural completion of the stream.
	StreamEventDone StreamEventType = "done"
)

// StreamEvent is one incremental event from a streaming generation call.
type StreamEvent struct {
	Type    StreamEventType
	Content string
}

// StreamCallback receives stream events in generation order.
// Returning a non-nil error aborts the stream (e.g., client disconnect).
type StreamCallback func(event StreamEvent) error

// ErrRateLimited distinguishes provider rate-limit conditions from other
// transport errors. Rate limits are retried with backoff and may trigger
// fallback to a secondary provider; other errors are terminal.
var ErrRateLimited = errors.New("provider rate limited")

// IsRateLimited reports whether err carries a rate-limit condition.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// Usage reports token counts for one completed generation, when the
// backend provides them. Zero values mean the backend did not report.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ProviderClient is the capability interface for an LLM inference backend.
//
// # Description
//
// Two concrete implementations exist: the OpenAI-compatible primary and the
// Ollama-backed fallback. Both accept a system prompt, a message list, and
// generation parameters. ChatStream forwards incremental text events to the
// callback as they are produced; Chat returns a complete response (used by
// the structured, validate-and-retry generation path).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ProviderClient interface {
	// Name returns the provider's routing name (e.g., "openai", "ollama").
	Name() string

	// ChatStream opens a token stream. The callback is invoked in token
	// order; a callback error aborts the stream and is returned verbatim.
	// Rate-limit conditions are reported wrapped in ErrRateLimited.
	ChatStream(ctx context.Context, system string, messages []datatypes.Message,
		params GenerationParams, callback StreamCallback) error

	// Chat returns a complete (non-streamed) response.
	Chat(ctx context.Context, system string, messages []datatypes.Message,
		params GenerationParams) (string, Usage, error)
}
