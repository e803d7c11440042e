// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package services contains the orchestration services that sit between
// the transport handlers and the domain packages.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seoul-2025/chatcore/services/llm"
	"github.com/seoul-2025/chatcore/services/orchestrator/citations"
	"github.com/seoul-2025/chatcore/services/orchestrator/conversation"
	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
	"github.com/seoul-2025/chatcore/services/orchestrator/observability"
	"github.com/seoul-2025/chatcore/services/orchestrator/prompt"
	"github.com/seoul-2025/chatcore/services/orchestrator/promptcache"
	"github.com/seoul-2025/chatcore/services/orchestrator/usage"
)

var tracer = otel.Tracer("chatcore.orchestrator.services")

// Korean user-facing messages. The orchestrator never surfaces raw
// provider or storage errors to the client.
const (
	msgGenerationFailed = "응답 생성에 실패했습니다. 잠시 후 다시 시도해 주세요."
	fallbackNotice      = "⚠️ 기본 모델이 혼잡하여 보조 모델로 전환합니다.\n\n"
)

// defaultRateLimitRetries bounds per-provider attempts when the provider
// reports rate limiting before producing any output.
const defaultRateLimitRetries = 3

// persistTimeout bounds background persistence after client disconnect.
const persistTimeout = 10 * time.Second

// EventSink delivers one outbound event to the client. A non-nil error
// means the client is unreachable and the stream should stop.
type EventSink func(datatypes.StreamEvent) error

// StreamConfig configures a StreamService.
type StreamConfig struct {
	// RateLimitRetries is the per-provider attempt ceiling for
	// rate-limited requests. Default: 3.
	RateLimitRetries int

	// Params are the generation parameters passed to every provider call.
	Params llm.GenerationParams
}

// StreamService runs one chat exchange end to end: history merge, prompt
// assembly, provider streaming with rate-limit fallback, citation
// annotation, persistence, and usage metering.
//
// # Description
//
// HandleMessage drives the full sendMessage state machine. Exactly one
// terminal event (chat_end or error) is emitted per request unless the
// client disconnects first. Persistence and metering failures are logged
// and never abort a stream already underway.
//
// # Thread Safety
//
// Safe for concurrent use; per-request state lives on the stack.
type StreamService struct {
	cache    *promptcache.Cache
	conv     *conversation.Store
	selector *llm.Selector
	meter    *usage.Meter
	metrics  *observability.StreamingMetrics
	cfg      StreamConfig
	logger   *slog.Logger
}

// NewStreamService wires a StreamService from its collaborators.
// metrics may be nil.
func NewStreamService(
	cache *promptcache.Cache,
	conv *conversation.Store,
	selector *llm.Selector,
	meter *usage.Meter,
	metrics *observability.StreamingMetrics,
	cfg StreamConfig,
) *StreamService {
	if cfg.RateLimitRetries <= 0 {
		cfg.RateLimitRetries = defaultRateLimitRetries
	}
	return &StreamService{
		cache:    cache,
		conv:     conv,
		selector: selector,
		meter:    meter,
		metrics:  metrics,
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// streamState accumulates per-request output across provider attempts.
type streamState struct {
	seq        int
	builder    strings.Builder
	firstChunk time.Time
	started    time.Time
}

// HandleMessage runs one sendMessage exchange. The returned error is for
// the transport's logging; every client-visible failure has already been
// emitted as an error event by the time HandleMessage returns.
func (s *StreamService) HandleMessage(ctx context.Context, req datatypes.ChatRequest, sink EventSink) error {
	ctx, span := tracer.Start(ctx, "StreamService.HandleMessage")
	defer span.End()

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("conversation.id", conversationID),
		attribute.String("engine.id", req.EngineID),
	)

	state := &streamState{started: time.Now()}

	history := s.loadHistory(ctx, req, conversationID)

	if err := s.conv.SaveTurn(ctx, conversationID, datatypes.RoleUser,
		req.Content, req.EngineID, req.OwnerID); err != nil {
		// Chat proceeds without persistence rather than failing outright.
		s.logger.Warn("failed to persist user turn",
			"conversation_id", conversationID,
			"error", err,
		)
	}

	entry := s.cache.Get(ctx, req.EngineID)
	if entry.Config.IsDegraded() {
		s.logger.Warn("engine config degraded, using generic persona",
			"engine_id", req.EngineID,
		)
	}

	system := prompt.Assemble(entry.Static, prompt.DynamicSection{
		Now:            time.Now(),
		ConversationID: conversationID,
	})
	messages := append(prompt.HistoryMessages(history), datatypes.Message{
		Role:    datatypes.RoleUser,
		Content: req.Content,
	})

	if err := sink(datatypes.NewStartEvent(conversationID)); err != nil {
		return fmt.Errorf("send start event: %w", err)
	}

	provider := s.selector.Primary(req.OwnerID, req.EngineID)
	if s.metrics != nil {
		s.metrics.StreamStarted(provider.Name())
	}

	err := s.streamWithRetry(ctx, provider, system, messages, state, sink)
	if err != nil && llm.IsRateLimited(err) && state.builder.Len() == 0 {
		if fallback, ok := s.selector.Fallback(provider); ok {
			s.logger.Warn("primary provider rate limited, switching to fallback",
				"primary", provider.Name(),
				"fallback", fallback.Name(),
				"conversation_id", conversationID,
			)
			if s.metrics != nil {
				s.metrics.Fallback(provider.Name(), fallback.Name())
			}
			// The notice is client-facing only; it is not part of the
			// assistant turn that gets persisted.
			state.seq++
			if sendErr := sink(datatypes.NewChunkEvent(state.seq, fallbackNotice)); sendErr != nil {
				err = sendErr
			} else {
				provider = fallback
				err = s.streamWithRetry(ctx, fallback, system, messages, state, sink)
			}
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		return s.failStream(ctx, err, provider.Name(), conversationID, req, state, sink)
	}

	return s.finishStream(ctx, provider.Name(), conversationID, req, system, state, sink)
}

// loadHistory fetches persisted history and merges the client copy in.
// Failures degrade to the client-held history alone.
func (s *StreamService) loadHistory(ctx context.Context, req datatypes.ChatRequest, conversationID string) []datatypes.ConversationTurn {
	stored, err := s.conv.GetHistory(ctx, conversationID, s.conv.Config().PersistCap)
	if err != nil {
		s.logger.Warn("failed to load conversation history",
			"conversation_id", conversationID,
			"error", err,
		)
	}
	return s.conv.MergeHistory(req.History, stored)
}

// streamWithRetry runs ChatStream against one provider, retrying on
// rate-limit errors with exponential backoff. A rate-limit error after
// partial output is not retried: the client has already seen text, and a
// restarted stream would duplicate it.
func (s *StreamService) streamWithRetry(ctx context.Context, provider llm.ProviderClient,
	system string, messages []datatypes.Message, state *streamState, sink EventSink) error {

	attempt := func() (struct{}, error) {
		emitted := false
		err := provider.ChatStream(ctx, system, messages, s.cfg.Params,
			func(ev llm.StreamEvent) error {
				if ev.Type != llm.StreamEventToken || ev.Content == "" {
					return nil
				}
				emitted = true
				return s.emitChunk(state, sink, ev.Content, provider.Name())
			})
		if err == nil {
			return struct{}{}, nil
		}
		if llm.IsRateLimited(err) && !emitted && state.builder.Len() == 0 {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	_, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(s.cfg.RateLimitRetries)),
	)
	return err
}

// emitChunk sends one ai_chunk and accumulates it for persistence.
func (s *StreamService) emitChunk(state *streamState, sink EventSink, content, providerName string) error {
	if state.firstChunk.IsZero() {
		state.firstChunk = time.Now()
		if s.metrics != nil {
			s.metrics.FirstChunk(providerName, state.firstChunk.Sub(state.started))
		}
	}
	state.seq++
	state.builder.WriteString(content)
	return sink(datatypes.NewChunkEvent(state.seq, content))
}

// finishStream runs the post-stream pipeline: citation annotation, the
// source-block chunk, persistence, metering, and the terminal chat_end.
func (s *StreamService) finishStream(ctx context.Context, providerName, conversationID string,
	req datatypes.ChatRequest, system string, state *streamState, sink EventSink) error {

	full := state.builder.String()
	annotated := citations.Annotate(full)
	if annotated != full {
		// The streamed text already reached the client with raw URLs; only
		// the appended source block is sent as an extra chunk. The inline
		// [n] rewrite shows up in persisted history.
		if idx := strings.Index(annotated, "\n\n📚"); idx >= 0 {
			if err := s.emitChunk(state, sink, annotated[idx:], providerName); err != nil {
				s.persistAssistant(ctx, conversationID, annotated, req)
				return fmt.Errorf("send source block: %w", err)
			}
		}
	}

	s.persistAssistant(ctx, conversationID, annotated, req)
	s.recordUsage(ctx, req, system, full)

	responseLength := utf8.RuneCountInString(full)
	if err := sink(datatypes.NewEndEvent(conversationID, state.seq, responseLength)); err != nil {
		return fmt.Errorf("send end event: %w", err)
	}

	if s.metrics != nil {
		s.metrics.StreamCompleted(providerName, time.Since(state.started))
	}
	s.logger.Info("chat stream completed",
		"conversation_id", conversationID,
		"provider", providerName,
		"chunks", state.seq,
		"response_length", responseLength,
	)
	return nil
}

// failStream closes out a failed stream. Partial output from a disconnect
// is persisted on a fresh context so the next session can resume from it;
// provider failures yield a terminal error event and no assistant turn.
func (s *StreamService) failStream(ctx context.Context, streamErr error,
	providerName, conversationID string, req datatypes.ChatRequest,
	state *streamState, sink EventSink) error {

	canceled := errors.Is(streamErr, context.Canceled) ||
		errors.Is(ctx.Err(), context.Canceled)

	if canceled && state.builder.Len() > 0 {
		// Client gone mid-stream. Persist what was generated with a
		// detached context so the write survives the cancellation.
		persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		s.persistAssistant(persistCtx, conversationID, state.builder.String(), req)
	}

	reason := "provider_error"
	if canceled {
		reason = "canceled"
	} else if llm.IsRateLimited(streamErr) {
		reason = "rate_limited"
	}
	if s.metrics != nil {
		s.metrics.StreamFailed(providerName, reason)
	}
	s.logger.Error("chat stream failed",
		"conversation_id", conversationID,
		"provider", providerName,
		"reason", reason,
		"error", streamErr,
	)

	if !canceled {
		if err := sink(datatypes.NewErrorEvent(msgGenerationFailed)); err != nil {
			return fmt.Errorf("send error event after %v: %w", streamErr, err)
		}
	}
	return fmt.Errorf("chat stream: %w", streamErr)
}

func (s *StreamService) persistAssistant(ctx context.Context, conversationID, content string, req datatypes.ChatRequest) {
	if content == "" {
		return
	}
	if err := s.conv.SaveTurn(ctx, conversationID, datatypes.RoleAssistant,
		content, req.EngineID, req.OwnerID); err != nil {
		s.logger.Warn("failed to persist assistant turn",
			"conversation_id", conversationID,
			"error", err,
		)
	}
}

// recordUsage meters the exchange. Streaming providers do not report
// token counts, so both sides are estimated from text length.
func (s *StreamService) recordUsage(ctx context.Context, req datatypes.ChatRequest, system, output string) {
	input := usage.EstimateTokens(system) + usage.EstimateTokens(req.Content)
	for _, t := range req.History {
		input += usage.EstimateTokens(t.Content)
	}
	if err := s.meter.Record(ctx, req.OwnerID, req.EngineID,
		input, usage.EstimateTokens(output)); err != nil {
		s.logger.Warn("failed to record usage",
			"owner_id", req.OwnerID,
			"engine_id", req.EngineID,
			"error", err,
		)
	}
}
