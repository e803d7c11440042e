// Copyright (C) 2025 Chatcore Team (dev@chatcore.kr)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers exposes the orchestrator over HTTP and WebSocket.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/seoul-2025/chatcore/services/orchestrator/conversation"
	"github.com/seoul-2025/chatcore/services/orchestrator/datatypes"
	"github.com/seoul-2025/chatcore/services/orchestrator/services"
)

var tracer = otel.Tracer("chatcore.orchestrator.handlers")

const msgInvalidRequest = "요청 형식이 올바르지 않습니다."

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced at the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ChatHandler serves the chat WebSocket endpoint.
//
// # Description
//
// Each connection runs a read loop decoding ChatRequest messages. One
// message is processed at a time per connection; the client is expected
// to wait for the terminal event before sending the next message.
// Outbound events carry no request correlation field, so serial
// processing is what keeps chunk sequences from two requests from
// interleaving on one socket. Messages for different conversations still
// run concurrently when they arrive on different connections.
// Malformed or invalid messages produce an error event and the loop
// continues. The connection closes when the client disconnects.
type ChatHandler struct {
	stream *services.StreamService
	conv   *conversation.Store
	logger *slog.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(stream *services.StreamService, conv *conversation.Store) *ChatHandler {
	return &ChatHandler{
		stream: stream,
		conv:   conv,
		logger: slog.Default(),
	}
}

// wsSink serializes outbound writes. gorilla/websocket permits one
// concurrent writer; the mutex is the only cross-goroutine guard needed
// because reads stay on the loop goroutine.
type wsSink struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func (s *wsSink) send(ev datatypes.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteJSON(ev); err != nil {
		// Write failure is the disconnect signal; stop generating for a
		// client that can no longer receive.
		s.cancel()
		return err
	}
	return nil
}

// Handle upgrades the request and runs the connection's read loop.
func (h *ChatHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	h.logger.Info("websocket connected", "remote", conn.RemoteAddr().String())

	for {
		var req datatypes.ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if isDecodeError(err) {
				// The frame arrived but its body is not a valid request.
				// Answer with an error event and keep reading; the next
				// ReadJSON discards any remainder of this message.
				h.logger.Warn("malformed websocket message", "error", err)
				_ = conn.WriteJSON(datatypes.NewErrorEvent(msgInvalidRequest))
				continue
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("websocket closed unexpectedly", "error", err)
			}
			return
		}

		h.dispatch(c.Request.Context(), conn, req)
	}
}

// isDecodeError reports whether err came from decoding a message body
// rather than from the transport. Transport and close errors end the
// connection; decode errors do not.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

// dispatch routes one decoded message. It returns only after the terminal
// event for the message has been sent (or the client is gone).
func (h *ChatHandler) dispatch(parent context.Context, conn *websocket.Conn, req datatypes.ChatRequest) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ctx, span := tracer.Start(ctx, "ChatHandler.dispatch")
	defer span.End()

	sink := &wsSink{conn: conn, cancel: cancel}

	if err := req.Validate(); err != nil {
		h.logger.Warn("invalid chat request", "error", err)
		_ = sink.send(datatypes.NewErrorEvent(msgInvalidRequest))
		return
	}

	switch req.Action {
	case datatypes.ActionSendMessage:
		if err := h.stream.HandleMessage(ctx, req, sink.send); err != nil {
			h.logger.Error("message handling failed",
				"conversation_id", req.ConversationID,
				"error", err,
			)
		}

	case datatypes.ActionClearHistory:
		if err := h.conv.ClearHistory(ctx, req.ConversationID); err != nil {
			h.logger.Error("clear history failed",
				"conversation_id", req.ConversationID,
				"error", err,
			)
			_ = sink.send(datatypes.NewErrorEvent(msgInvalidRequest))
			return
		}
		// Acknowledged with a terminal event carrying the conversation id
		// and no content counters.
		_ = sink.send(datatypes.NewEndEvent(req.ConversationID, 0, 0))
	}
}
