// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seoul-2025/chatcore/services/llm"
	"github.com/seoul-2025/chatcore/services/orchestrator/conversation"
	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
	"github.com/seoul-2025/chatcore/services/orchestrator/promptcache"
	"github.com/seoul-2025/chatcore/services/orchestrator/services"
	"github.com/seoul-2025/chatcore/services/orchestrator/storage"
	"github.com/seoul-2025/chatcore/services/orchestrator/usage"
)

type fakeProvider struct {
	chunks []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) ChatStream(ctx context.Context, system string,
	messages []datatypes.Message, params llm.GenerationParams, cb llm.StreamCallback) error {
	for _, c := range f.chunks {
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: c}); err != nil {
			return err
		}
	}
	return cb(llm.StreamEvent{Type: llm.StreamEventDone})
}

func (f *fakeProvider) Chat(ctx context.Context, system string,
	messages []datatypes.Message, params llm.GenerationParams) (string, llm.Usage, error) {
	return strings.Join(f.chunks, ""), llm.Usage{}, nil
}

func dialTestServer(t *testing.T, chunks []string) (*websocket.Conn, *conversation.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	docs, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	require.NoError(t, docs.PutEngineConfig(context.Background(), datatypes.EngineConfig{
		EngineID:    "travel-guide",
		Instruction: "여행지를 추천해 주세요.",
	}))

	cache := promptcache.New(docs, promptcache.Config{})
	conv := conversation.NewStore(docs, conversation.DefaultConfig(), conversation.SystemClock())
	meter := usage.NewMeter(docs)
	selector, err := llm.NewSelector(
		[]llm.ProviderClient{&fakeProvider{chunks: chunks}}, llm.RoutingConfig{})
	require.NoError(t, err)

	stream := services.NewStreamService(cache, conv, selector, meter, nil, services.StreamConfig{})
	handler := NewChatHandler(stream, conv)

	router := gin.New()
	router.GET("/v1/chat/ws", handler.Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, conv
}

func readEvent(t *testing.T, conn *websocket.Conn) datatypes.StreamEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev datatypes.StreamEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebSocketSendMessageFullExchange(t *testing.T) {
	conn, _ := dialTestServer(t, []string{"제주도를 ", "추천합니다"})

	require.NoError(t, conn.WriteJSON(datatypes.ChatRequest{
		Action:   datatypes.ActionSendMessage,
		Content:  "여행지 추천해줘",
		EngineID: "travel-guide",
		OwnerID:  "owner-1",
	}))

	start := readEvent(t, conn)
	assert.Equal(t, datatypes.EventAIStart, start.Type)
	assert.NotEmpty(t, start.ConversationID)

	first := readEvent(t, conn)
	assert.Equal(t, datatypes.EventAIChunk, first.Type)
	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, "제주도를 ", first.Content)

	second := readEvent(t, conn)
	assert.Equal(t, datatypes.EventAIChunk, second.Type)
	assert.Equal(t, 2, second.Seq)

	end := readEvent(t, conn)
	assert.Equal(t, datatypes.EventChatEnd, end.Type)
	assert.Equal(t, 2, end.TotalChunks)
	assert.Equal(t, start.ConversationID, end.ConversationID)
}

func TestWebSocketMalformedJSONEmitsErrorAndSurvives(t *testing.T) {
	conn, _ := dialTestServer(t, []string{"정상 응답"})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// The unparseable frame is answered with an error event, not a close.
	ev := readEvent(t, conn)
	assert.Equal(t, datatypes.EventError, ev.Type)
	assert.NotEmpty(t, ev.Message)

	// The same connection still serves a valid request afterwards.
	require.NoError(t, conn.WriteJSON(datatypes.ChatRequest{
		Action:   datatypes.ActionSendMessage,
		Content:  "여행지 추천해줘",
		EngineID: "travel-guide",
		OwnerID:  "owner-1",
	}))
	assert.Equal(t, datatypes.EventAIStart, readEvent(t, conn).Type)
}

func TestWebSocketInvalidRequestEmitsErrorAndSurvives(t *testing.T) {
	conn, _ := dialTestServer(t, []string{"정상 응답"})

	// Missing engineId: validation failure, error event, loop continues.
	require.NoError(t, conn.WriteJSON(datatypes.ChatRequest{
		Action:  datatypes.ActionSendMessage,
		Content: "안녕하세요",
	}))

	ev := readEvent(t, conn)
	assert.Equal(t, datatypes.EventError, ev.Type)
	assert.NotEmpty(t, ev.Message)

	// The same connection still serves a valid request afterwards.
	require.NoError(t, conn.WriteJSON(datatypes.ChatRequest{
		Action:   datatypes.ActionSendMessage,
		Content:  "여행지 추천해줘",
		EngineID: "travel-guide",
		OwnerID:  "owner-1",
	}))
	assert.Equal(t, datatypes.EventAIStart, readEvent(t, conn).Type)
}

func TestWebSocketClearHistory(t *testing.T) {
	conn, conv := dialTestServer(t, nil)
	ctx := context.Background()

	require.NoError(t, conv.SaveTurn(ctx, "conv-9", datatypes.RoleUser, "질문", "travel-guide", "owner-1"))

	require.NoError(t, conn.WriteJSON(datatypes.ChatRequest{
		Action:         datatypes.ActionClearHistory,
		EngineID:       "travel-guide",
		ConversationID: "conv-9",
	}))

	ack := readEvent(t, conn)
	assert.Equal(t, datatypes.EventChatEnd, ack.Type)
	assert.Equal(t, "conv-9", ack.ConversationID)

	turns, err := conv.GetHistory(ctx, "conv-9", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestWebSocketSendMessageEmptyContentRejected(t *testing.T) {
	conn, _ := dialTestServer(t, nil)

	require.NoError(t, conn.WriteJSON(datatypes.ChatRequest{
		Action:   datatypes.ActionSendMessage,
		EngineID: "travel-guide",
	}))

	ev := readEvent(t, conn)
	assert.Equal(t, datatypes.EventError, ev.Type)
}
