// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/seoul-2025/chatcore/services/llm"
	"github.com/seoul-2025/chatcore/services/orchestrator/constraints"
	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
	"github.com/seoul-2025/chatcore/services/orchestrator/prompt"
	"github.com/seoul-2025/chatcore/services/orchestrator/promptcache"
)

// defaultConstraintRetries is how many corrective re-prompts are attempted
// after the initial generation before returning the best effort.
const defaultConstraintRetries = 2

// correctionTemplate restates the violations for the re-prompt. The model
// sees its own prior output plus what was wrong with it.
const correctionTemplate = "이전 응답이 요구사항을 충족하지 못했습니다: %s. 요구사항을 정확히 지켜서 다시 작성해 주세요."

// StructuredService generates non-streamed responses that must satisfy
// constraints stated in the engine instruction (item counts, length
// bounds, output format, required fields).
//
// # Description
//
// Generate extracts the constraint set from the engine's instruction,
// produces a response, and validates it. On violation it re-prompts with
// a corrective instruction naming each violation, up to the retry
// ceiling. The final attempt is returned regardless, along with any
// violations still outstanding: a near-miss is more useful than nothing.
// Rate-limited provider calls are retried with backoff before a round
// counts as failed; there is no fallback provider on this path because
// nothing has been sent to the client yet and the caller can re-route.
type StructuredService struct {
	cache    *promptcache.Cache
	selector *llm.Selector
	retries  int
	params   llm.GenerationParams
	logger   *slog.Logger
}

// NewStructuredService wires a StructuredService. retries <= 0 selects
// the default ceiling.
func NewStructuredService(cache *promptcache.Cache, selector *llm.Selector,
	retries int, params llm.GenerationParams) *StructuredService {
	if retries <= 0 {
		retries = defaultConstraintRetries
	}
	return &StructuredService{
		cache:    cache,
		selector: selector,
		retries:  retries,
		params:   params,
		logger:   slog.Default(),
	}
}

// Result is one structured generation outcome.
type Result struct {
	Output string

	// Violations are the constraint failures remaining after all
	// attempts. Empty means the output fully satisfies the instruction.
	Violations []constraints.Violation

	// Attempts is how many generation rounds were run. Rate-limit
	// retries within a round are not counted.
	Attempts int
}

// chatWithRetry runs one non-streamed generation, retrying rate-limit
// errors with exponential backoff. Other provider errors are terminal.
func (s *StructuredService) chatWithRetry(ctx context.Context, provider llm.ProviderClient,
	system string, messages []datatypes.Message) (string, error) {

	return backoff.Retry(ctx, func() (string, error) {
		output, _, err := provider.Chat(ctx, system, messages, s.params)
		if err != nil && !llm.IsRateLimited(err) {
			return "", backoff.Permanent(err)
		}
		return output, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(defaultRateLimitRetries)),
	)
}

// Generate produces a constraint-checked response for one user message.
func (s *StructuredService) Generate(ctx context.Context, ownerID, engineID, content string) (Result, error) {
	ctx, span := tracer.Start(ctx, "StructuredService.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("engine.id", engineID))

	entry := s.cache.Get(ctx, engineID)
	set := constraints.Extract(entry.Config.Instruction)

	system := prompt.Assemble(entry.Static, prompt.DynamicSection{Now: time.Now()})
	provider := s.selector.Primary(ownerID, engineID)

	messages := []datatypes.Message{
		{Role: datatypes.RoleUser, Content: content},
	}

	var result Result
	for attempt := 0; attempt <= s.retries; attempt++ {
		output, err := s.chatWithRetry(ctx, provider, system, messages)
		if err != nil {
			if result.Attempts > 0 {
				// A later corrective call failing does not discard the
				// earlier best effort.
				s.logger.Warn("corrective generation failed, keeping prior attempt",
					"engine_id", engineID,
					"attempt", attempt,
					"error", err,
				)
				return result, nil
			}
			return Result{}, fmt.Errorf("structured generation: %w", err)
		}

		result.Attempts = attempt + 1
		result.Output = output
		result.Violations = constraints.Check(output, set)
		if len(result.Violations) == 0 {
			return result, nil
		}

		s.logger.Info("constraint violations, re-prompting",
			"engine_id", engineID,
			"attempt", attempt,
			"violations", constraints.Summarize(result.Violations),
		)

		// Extend the transcript so the model sees what it produced and
		// exactly which requirement it missed.
		messages = append(messages,
			datatypes.Message{Role: datatypes.RoleAssistant, Content: output},
			datatypes.Message{
				Role:    datatypes.RoleUser,
				Content: fmt.Sprintf(correctionTemplate, constraints.Summarize(result.Violations)),
			},
		)
	}

	return result, nil
}
