package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/mealgate/internal/chat"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const socketWriteTimeout = 10 * time.Second

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

type messagePayload struct {
	ID          string    `json:"id"`
	MemberID    string    `json:"member_id"`
	Body        string    `json:"body"`
	IsViolation bool      `json:"is_violation"`
	PostedAt    time.Time `json:"posted_at"`
}

type postMessagePayload struct {
	Body string `json:"body"`
}

type socketFrame struct {
	Event     string          `json:"event"`
	Source    string          `json:"source"`
	Message   *messagePayload `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp_ms"`
}

func newMessagePayload(message chat.Message) messagePayload {
	return messagePayload{
		ID:          message.ID,
		MemberID:    message.MemberID,
		Body:        message.Body,
		IsViolation: message.IsViolation,
		PostedAt:    message.PostedAt.UTC(),
	}
}

func (h *httpHandler) handleMessagePost(c *gin.Context) {
	memberID, ok := currentMember(c)
	if !ok {
		return
	}
	var request postMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.chat.Post(c.Request.Context(), memberID, request.Body)
	if err != nil {
		if errors.Is(err, chat.ErrEmptyBody) || errors.Is(err, chat.ErrBodyTooLong) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_message", "message": err.Error()})
			return
		}
		h.logger.Error("message post failed", zap.String("member_id", memberID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "message_post_failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": newMessagePayload(message)})
}

func (h *httpHandler) handleMessageList(c *gin.Context) {
	if _, ok := currentMember(c); !ok {
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	messages, err := h.chat.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("message list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "message_list_failed"})
		return
	}
	response := make([]messagePayload, 0, len(messages))
	for _, message := range messages {
		response = append(response, newMessagePayload(message))
	}
	c.JSON(http.StatusOK, gin.H{"messages": response})
}

// handleMessageStream serves the chat and violation feed as server-sent events.
func (h *httpHandler) handleMessageStream(c *gin.Context) {
	memberID, ok := currentMember(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, memberID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	c.SSEvent(realtimeEventReady, gin.H{"source": realtimeSource, "member_id": memberID})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(event.EventType, newMessagePayload(event.Message))
			c.Writer.Flush()
		case tick := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp_ms": tick.UTC().UnixMilli()})
			c.Writer.Flush()
		}
	}
}

// handleMessageSocket serves the same feed over a websocket, one JSON frame per event.
func (h *httpHandler) handleMessageSocket(c *gin.Context) {
	memberID, ok := currentMember(c)
	if !ok {
		return
	}
	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("member_id", memberID), zap.Error(err))
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, memberID)
	defer cleanup()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(frame socketFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
		return conn.WriteJSON(frame)
	}
	if err := write(socketFrame{Event: realtimeEventReady, Source: realtimeSource, Timestamp: time.Now().UTC().UnixMilli()}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case event, open := <-stream:
			if !open {
				return
			}
			payload := newMessagePayload(event.Message)
			frame := socketFrame{
				Event:     event.EventType,
				Source:    realtimeSource,
				Message:   &payload,
				Timestamp: event.Timestamp.UnixMilli(),
			}
			if err := write(frame); err != nil {
				h.logger.Debug("websocket write failed", zap.String("member_id", memberID), zap.Error(err))
				return
			}
		case tick := <-heartbeat.C:
			deadline := time.Now().Add(socketWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte(strconv.FormatInt(tick.UnixMilli(), 10)), deadline); err != nil {
				return
			}
		}
	}
}
