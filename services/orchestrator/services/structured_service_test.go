// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoul-2025/chatcore/services/llm"
	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
	"github.com/seoul-2025/chatcore/services/orchestrator/promptcache"
	"github.com/seoul-2025/chatcore/services/orchestrator/storage"
)

// scriptedProvider returns a different canned output per Chat call.
type scriptedProvider struct {
	name    string
	outputs []string
	errs    []error
	call    int
	// transcripts records the message list of every call for assertions
	// on the corrective re-prompt.
	transcripts [][]datatypes.Message
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) ChatStream(ctx context.Context, system string,
	messages []datatypes.Message, params llm.GenerationParams, cb llm.StreamCallback) error {
	return errors.New("not used")
}

func (p *scriptedProvider) Chat(ctx context.Context, system string,
	messages []datatypes.Message, params llm.GenerationParams) (string, llm.Usage, error) {
	idx := p.call
	p.call++
	p.transcripts = append(p.transcripts, messages)
	if idx < len(p.errs) && p.errs[idx] != nil {
		return "", llm.Usage{}, p.errs[idx]
	}
	if idx >= len(p.outputs) {
		idx = len(p.outputs) - 1
	}
	return p.outputs[idx], llm.Usage{}, nil
}

func newStructuredFixture(t *testing.T, instruction string, provider llm.ProviderClient) *StructuredService {
	t.Helper()

	docs, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	require.NoError(t, docs.PutEngineConfig(context.Background(), datatypes.EngineConfig{
		EngineID:    "list-maker",
		Instruction: instruction,
	}))

	cache := promptcache.New(docs, promptcache.Config{})
	selector, err := llm.NewSelector([]llm.ProviderClient{provider}, llm.RoutingConfig{})
	require.NoError(t, err)

	return NewStructuredService(cache, selector, 0, llm.GenerationParams{})
}

func TestGenerateSatisfiedFirstTry(t *testing.T) {
	provider := &scriptedProvider{name: "openai", outputs: []string{"1. 제주도\n2. 부산\n3. 경주"}}
	svc := newStructuredFixture(t, "여행지를 정확히 3개 추천해 주세요.", provider)

	result, err := svc.Generate(context.Background(), "owner-1", "list-maker", "여행지 추천")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, result.Violations)
}

func TestGenerateRepromptsWithViolations(t *testing.T) {
	provider := &scriptedProvider{name: "openai", outputs: []string{
		"1. 제주도\n2. 부산",
		"1. 제주도\n2. 부산\n3. 경주",
	}}
	svc := newStructuredFixture(t, "여행지를 정확히 3개 추천해 주세요.", provider)

	result, err := svc.Generate(context.Background(), "owner-1", "list-maker", "여행지 추천")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)
	assert.Empty(t, result.Violations)
	assert.Equal(t, "1. 제주도\n2. 부산\n3. 경주", result.Output)

	// The corrective re-prompt carries the prior output and names the
	// violation in Korean.
	require.Len(t, provider.transcripts, 2)
	second := provider.transcripts[1]
	require.Len(t, second, 3)
	assert.Equal(t, datatypes.RoleAssistant, second[1].Role)
	assert.Contains(t, second[2].Content, "항목 수 불일치")
	assert.Contains(t, second[2].Content, "3개 필요")
}

func TestGenerateBestEffortAfterRetriesExhausted(t *testing.T) {
	provider := &scriptedProvider{name: "openai", outputs: []string{"1. 제주도\n2. 부산"}}
	svc := newStructuredFixture(t, "여행지를 정확히 3개 추천해 주세요.", provider)

	result, err := svc.Generate(context.Background(), "owner-1", "list-maker", "여행지 추천")
	require.NoError(t, err)
	assert.Equal(t, 1+defaultConstraintRetries, result.Attempts)
	require.NotEmpty(t, result.Violations)
	assert.Equal(t, "1. 제주도\n2. 부산", result.Output)
}

func TestGenerateNoConstraintsSinglePass(t *testing.T) {
	provider := &scriptedProvider{name: "openai", outputs: []string{"자유로운 답변입니다."}}
	svc := newStructuredFixture(t, "친절하게 답변해 주세요.", provider)

	result, err := svc.Generate(context.Background(), "owner-1", "list-maker", "아무 질문")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, result.Violations)
}

func TestGenerateRetriesRateLimitWithinRound(t *testing.T) {
	provider := &scriptedProvider{
		name:    "openai",
		errs:    []error{fmt.Errorf("%w: slow down", llm.ErrRateLimited)},
		outputs: []string{"1. 제주도\n2. 부산\n3. 경주"},
	}
	svc := newStructuredFixture(t, "여행지를 정확히 3개 추천해 주세요.", provider)

	result, err := svc.Generate(context.Background(), "owner-1", "list-maker", "여행지 추천")
	require.NoError(t, err)

	// The rate-limited call is retried inside the round, so the caller
	// sees one satisfied attempt from two provider calls.
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 2, provider.call)
	assert.Empty(t, result.Violations)
}

func TestGenerateFirstCallErrorPropagates(t *testing.T) {
	provider := &scriptedProvider{name: "openai", errs: []error{errors.New("provider down")}}
	svc := newStructuredFixture(t, "여행지를 정확히 3개 추천해 주세요.", provider)

	_, err := svc.Generate(context.Background(), "owner-1", "list-maker", "여행지 추천")
	require.Error(t, err)
}

func TestGenerateCorrectiveCallErrorKeepsBestEffort(t *testing.T) {
	provider := &scriptedProvider{
		name:    "openai",
		outputs: []string{"1. 제주도\n2. 부산", ""},
		errs:    []error{nil, errors.New("provider down")},
	}
	svc := newStructuredFixture(t, "여행지를 정확히 3개 추천해 주세요.", provider)

	result, err := svc.Generate(context.Background(), "owner-1", "list-maker", "여행지 추천")
	require.NoError(t, err)
	assert.Equal(t, "1. 제주도\n2. 부산", result.Output)
	require.NotEmpty(t, result.Violations)
}
