// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
)

// OllamaClient talks to a local Ollama server. It serves as the fallback
// backend when the primary provider is rate limited.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []datatypes.Message    `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message    datatypes.Message `json:"message"`
	Done       bool              `json:"done"`
	DoneReason string            `json:"done_reason,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// NewOllamaClient creates the fallback provider client.
func NewOllamaClient(baseURL, model string) (*OllamaClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("ollama base URL is not set")
	}
	if model == "" {
		slog.Warn("ollama model not set, defaulting to gpt-oss")
		model = "gpt-oss"
	}
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		model:      model,
	}, nil
}

func (o *OllamaClient) Name() string { return "ollama" }

// buildOptions constructs the options map from GenerationParams.
func (o *OllamaClient) buildOptions(params GenerationParams) map[string]interface{} {
	options := make(map[string]interface{})
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 8192
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

func (o *OllamaClient) buildMessages(system string, messages []datatypes.Message) []datatypes.Message {
	out := make([]datatypes.Message, 0, len(messages)+1)
	if system != "" {
		out = append(out, datatypes.Message{Role: datatypes.RoleSystem, Content: system})
	}
	return append(out, messages...)
}

// ChatStream implements ProviderClient. Ollama streams NDJSON chunks; each
// chunk carries a partial assistant message until done is true.
func (o *OllamaClient) ChatStream(ctx context.Context, system string,
	messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {

	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: o.buildMessages(system, messages),
		Stream:   true,
		Options:  o.buildOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ollama stream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("create ollama stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("ollama stream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: ollama returned 429", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama stream failed with status %d: %s", resp.StatusCode, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	// Chunks are small but allow for long single-line responses.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			slog.Warn("skipping malformed ollama stream chunk", "error", err)
			continue
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama stream error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := callback(StreamEvent{Type: StreamEventToken, Content: chunk.Message.Content}); err != nil {
				return err
			}
		}
		if chunk.Done {
			return callback(StreamEvent{Type: StreamEventDone})
		}
	}
	if err := scanner.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("ollama stream read: %w", err)
	}
	// Stream ended without a done chunk; treat as natural completion.
	return callback(StreamEvent{Type: StreamEventDone})
}

// Chat implements ProviderClient with a non-streamed request.
func (o *OllamaClient) Chat(ctx context.Context, system string,
	messages []datatypes.Message, params GenerationParams) (string, Usage, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: o.buildMessages(system, messages),
		Stream:   false,
		Options:  o.buildOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshal ollama chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.baseURL+"/api/chat", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", Usage{}, fmt.Errorf("create ollama chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", Usage{}, fmt.Errorf("ollama chat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", Usage{}, fmt.Errorf("read ollama chat response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", Usage{}, fmt.Errorf("%w: ollama returned 429", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return "", Usage{}, fmt.Errorf("ollama chat failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", Usage{}, fmt.Errorf("parse ollama chat response: %w", err)
	}
	if chatResp.Message.Role != datatypes.RoleAssistant {
		slog.Warn("ollama chat response role was not assistant", "role", chatResp.Message.Role)
	}
	return chatResp.Message.Content, Usage{}, nil
}
