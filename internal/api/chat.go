package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/conversation"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/logger"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
	"github.com/SoulEchoPlan/soul-echo-sub000/internal/worker"
)

type chatRequest struct {
	SessionID   string `json:"session_id"`
	CharacterID int64  `json:"character_id"`
	Message     string `json:"message"`
}

// chatStream runs one text turn and streams the reply as server-sent
// events: "stream" per chunk, then "done" or "error".
func (h *Handler) chatStream(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": conversation.ErrEmptyInput.Error()})
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	turn := conversation.TextRequest{SessionID: sessionID, Input: req.Message}
	if req.CharacterID > 0 {
		character, ok := h.lookupCharacter(c, req.CharacterID)
		if !ok {
			return
		}
		turn.PersonaPrompt = character.PersonaPrompt
		turn.CharacterName = character.Name
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.Header().Set("X-Session-ID", sessionID)
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	ctx := logger.WithSession(c.Request.Context(), sessionID)
	result, err := h.conversations.ProcessTextChatStream(ctx, turn, func(chunk string) error {
		return sendEvent("stream", gin.H{"content": chunk})
	})
	if err != nil {
		msg := err.Error()
		switch {
		case errors.Is(err, conversation.ErrSessionClosed):
			msg = "session closed"
		case errors.Is(err, worker.ErrDispatcherBusy), errors.Is(err, worker.ErrDispatcherClosed):
			msg = "server busy, please retry"
		}
		_ = sendEvent("error", gin.H{"message": msg, "session_id": sessionID})
		return
	}
	_ = sendEvent("done", gin.H{
		"session_id":     sessionID,
		"reply":          result.Reply,
		"fallback":       result.Fallback,
		"partial":        result.Partial,
		"knowledge_used": result.KnowledgeUsed,
	})
}

func (h *Handler) sessionMessages(c *gin.Context) {
	sessionID := c.Param("session_id")
	history, err := h.conversations.SessionHistory(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if history == nil {
		history = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "messages": history})
}

func (h *Handler) deleteSession(c *gin.Context) {
	h.conversations.CleanupSession(c.Param("session_id"))
	c.Status(http.StatusNoContent)
}
