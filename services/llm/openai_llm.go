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
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("chatcore.llm")

// OpenAIClient talks to the OpenAI chat completions API, or any
// OpenAI-compatible endpoint when a base URL override is configured.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string // optional; empty uses the public API
}

// NewOpenAIClient creates the primary provider client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is missing")
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
		slog.Info("OPENAI_MODEL not set, defaulting to", "model", model)
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(apiCfg),
		model:  model,
	}, nil
}

func (o *OpenAIClient) Name() string { return "openai" }

// buildRequest converts the generic message list into an OpenAI request.
func (o *OpenAIClient) buildRequest(system string, messages []datatypes.Message,
	params GenerationParams) openai.ChatCompletionRequest {

	apiMessages := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		apiMessages = append(apiMessages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		role := msg.Role
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		apiMessages = append(apiMessages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: apiMessages,
		Stop:     params.Stop,
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxTokens = *params.MaxTokens
	}
	return req
}

// wrapError maps OpenAI API errors onto the provider error taxonomy.
// HTTP 429 becomes ErrRateLimited so the orchestrator can retry/fall back.
func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Message)
	}
	return err
}

// ChatStream implements ProviderClient.
func (o *OpenAIClient) ChatStream(ctx context.Context, system string,
	messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	req := o.buildRequest(system, messages, params)
	req.Stream = true

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		err = wrapOpenAIError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("openai stream open: %w", err)
	}
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return callback(StreamEvent{Type: StreamEventDone})
		}
		if err != nil {
			err = wrapOpenAIError(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("openai stream recv: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		content := resp.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if err := callback(StreamEvent{Type: StreamEventToken, Content: content}); err != nil {
			return err
		}
	}
}

// Chat implements ProviderClient.
func (o *OpenAIClient) Chat(ctx context.Context, system string,
	messages []datatypes.Message, params GenerationParams) (string, Usage, error) {

	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(system, messages, params))
	if err != nil {
		err = wrapOpenAIError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", Usage{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("openai returned no choices")
	}

	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return resp.Choices[0].Message.Content, usage, nil
}
